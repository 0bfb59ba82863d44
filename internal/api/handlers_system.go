package api

import (
	"context"
	"net/http"

	"github.com/micro-nova/streamrestore-go/internal/models"
)

// Backups is the part of *maintenance.Service the backup routes use.
type Backups interface {
	RunBackupNow(ctx context.Context) (string, error)
	ListBackups() ([]string, error)
}

func (h *Handlers) getInfo(w http.ResponseWriter, r *http.Request) {
	info := h.info()
	if info.Route == "" {
		info.Route = h.entries.Mode()
	}
	writeJSON(w, http.StatusOK, info)
}

// setMode switches the active route of the entry store and the main volume
// controller.
func (h *Handlers) setMode(w http.ResponseWriter, r *http.Request) {
	var req models.ModeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Mode == "" {
		writeError(w, models.ErrValidation("mode", "mode must not be empty"))
		return
	}
	if err := h.entries.SetMode(r.Context(), req.Mode); err != nil {
		writeError(w, err)
		return
	}
	if h.mv != nil {
		h.mv.SetRoute(req.Mode, req.Parameters)
	}
	writeJSON(w, http.StatusOK, map[string]string{"mode": h.entries.Mode()})
}

func (h *Handlers) mainVolume() (MainVolume, error) {
	if h.mv == nil {
		return nil, models.ErrNotFound("main volume is disabled")
	}
	return h.mv, nil
}

func (h *Handlers) getMainVolume(w http.ResponseWriter, r *http.Request) {
	mv, err := h.mainVolume()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mv.Status())
}

func (h *Handlers) setMainVolume(w http.ResponseWriter, r *http.Request) {
	mv, err := h.mainVolume()
	if err != nil {
		writeError(w, err)
		return
	}
	var upd models.MainVolumeUpdate
	if err := decodeBody(r, &upd); err != nil {
		writeError(w, err)
		return
	}
	if err := mv.SetCurrentStep(upd.CurrentStep); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mv.Status())
}

// createBackup triggers an immediate snapshot and returns the file path.
func (h *Handlers) createBackup(w http.ResponseWriter, r *http.Request) {
	if h.backups == nil {
		writeError(w, models.ErrNotFound("backups are disabled"))
		return
	}
	file, err := h.backups.RunBackupNow(r.Context())
	if err != nil {
		writeError(w, models.ErrPersistence(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"file": file})
}

// listBackups returns the snapshot files, oldest first.
func (h *Handlers) listBackups(w http.ResponseWriter, r *http.Request) {
	if h.backups == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"backups": []string{}})
		return
	}
	files, err := h.backups.ListBackups()
	if err != nil {
		writeError(w, models.ErrInternal(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"backups": files})
}
