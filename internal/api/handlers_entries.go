package api

import (
	"net/http"
	"strconv"

	"github.com/micro-nova/streamrestore-go/internal/models"
	"github.com/micro-nova/streamrestore-go/internal/volume"
)

func (h *Handlers) getEntries(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": h.entries.Read()})
}

// writeEntries stores a batch. The mode and apply query parameters, when
// present, override the body.
func (h *Handlers) writeEntries(w http.ResponseWriter, r *http.Request) {
	var req models.WriteRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	q := r.URL.Query()
	if s := q.Get("mode"); s != "" {
		mode, err := models.ParseUpdateMode(s)
		if err != nil {
			writeError(w, err)
			return
		}
		req.Mode = mode
	}
	if s := q.Get("apply"); s != "" {
		apply, err := strconv.ParseBool(s)
		if err != nil {
			writeError(w, models.ErrBadRequest("invalid apply parameter"))
			return
		}
		req.Apply = apply
	}
	if err := h.entries.Write(r.Context(), req.Mode, req.Apply, req.Entries); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": h.entries.Read()})
}

func (h *Handlers) deleteEntries(w http.ResponseWriter, r *http.Request) {
	var req models.DeleteRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.entries.Delete(req.Names); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) getEntry(w http.ResponseWriter, r *http.Request) {
	name, err := nameParam(r, "name")
	if err != nil {
		writeError(w, err)
		return
	}
	mi, err := h.entries.Mirror(name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mi)
}

func (h *Handlers) addEntry(w http.ResponseWriter, r *http.Request) {
	name, err := nameParam(r, "name")
	if err != nil {
		writeError(w, err)
		return
	}
	var req models.AddEntryRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	m, v, err := models.SplitChannelVolumes(req.Volume)
	if err != nil {
		writeError(w, err)
		return
	}
	mi, err := h.entries.AddEntry(r.Context(), name, req.Device, m, v, req.Muted, req.Apply)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, mi)
}

// setEntry applies the fields present in the body in device, volume, mute
// order. Every field is validated before any is applied.
func (h *Handlers) setEntry(w http.ResponseWriter, r *http.Request) {
	name, err := nameParam(r, "name")
	if err != nil {
		writeError(w, err)
		return
	}
	var upd models.MirrorUpdate
	if err := decodeBody(r, &upd); err != nil {
		writeError(w, err)
		return
	}
	if upd.Device != nil {
		if err := models.CheckDevice(*upd.Device); err != nil {
			writeError(w, err)
			return
		}
	}
	var m volume.ChannelMap
	var v volume.CVolume
	if upd.Volume != nil {
		if m, v, err = models.SplitChannelVolumes(*upd.Volume); err == nil {
			err = models.CheckVolume(m, v)
		}
		if err != nil {
			writeError(w, err)
			return
		}
	}
	if _, err := h.entries.Mirror(name); err != nil {
		writeError(w, err)
		return
	}

	ctx := r.Context()
	if upd.Device != nil {
		if err := h.entries.SetDevice(ctx, name, *upd.Device); err != nil {
			writeError(w, err)
			return
		}
	}
	if upd.Volume != nil {
		if err := h.entries.SetVolume(ctx, name, m, v); err != nil {
			writeError(w, err)
			return
		}
	}
	if upd.Muted != nil {
		if err := h.entries.SetMute(ctx, name, *upd.Muted); err != nil {
			writeError(w, err)
			return
		}
	}

	mi, err := h.entries.Mirror(name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mi)
}

func (h *Handlers) removeEntry(w http.ResponseWriter, r *http.Request) {
	name, err := nameParam(r, "name")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.entries.Remove(name); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
