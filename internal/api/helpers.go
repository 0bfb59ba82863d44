// Package api implements the admin HTTP API of the stream restore daemon.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/micro-nova/streamrestore-go/internal/models"
	"github.com/micro-nova/streamrestore-go/internal/shared"
	"github.com/micro-nova/streamrestore-go/internal/volume"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	entries Entries
	props   Properties
	mv      MainVolume
	events  EventBus
	backups Backups
	info    func() models.Info
	logger  *zap.SugaredLogger
}

// Entries is the part of *restore.Store the handlers use.
type Entries interface {
	Read() []models.EntryInfo
	Write(ctx context.Context, mode models.UpdateMode, apply bool, infos []models.EntryInfo) error
	Delete(names []string) error
	Mirrors() []models.MirrorInfo
	Mirror(name string) (models.MirrorInfo, error)
	AddEntry(ctx context.Context, name, device string, m volume.ChannelMap, v volume.CVolume, muted, apply bool) (models.MirrorInfo, error)
	SetDevice(ctx context.Context, name, device string) error
	SetVolume(ctx context.Context, name string, m volume.ChannelMap, v volume.CVolume) error
	SetMute(ctx context.Context, name string, muted bool) error
	Remove(name string) error
	Subscribe(client string, enabled bool)
	Disconnect(client string)
	SetMode(ctx context.Context, mode string) error
	Mode() string
}

// Properties is the part of *shared.Store the handlers use.
type Properties interface {
	Lookup(key string) (shared.Value, bool)
	Snapshot() []shared.Value
	SetBool(key string, v bool) error
	SetInteger(key string, v int32) error
	IncInteger(key string, delta int32) error
	SetString(key, v string) error
	SetStringAlways(key, v string) error
	SetBlob(key string, data []byte) error
}

// MainVolume is the part of *mainvolume.Controller the handlers use.
type MainVolume interface {
	Status() models.MainVolumeStatus
	SetCurrentStep(step uint32) error
	SetRoute(route string, params map[string]string)
}

// EventBus is the interface for subscribing to store events.
type EventBus interface {
	Subscribe(id string) <-chan models.Event
	Unsubscribe(id string)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an AppError as a JSON response. Other errors are
// reported as internal errors.
func writeError(w http.ResponseWriter, err error) {
	var appErr *models.AppError
	if !errors.As(err, &appErr) {
		appErr = models.ErrInternal(err.Error())
	}
	writeJSON(w, appErr.Status, appErr)
}

// decodeBody decodes the JSON request body into v.
func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return models.ErrBadRequest("invalid JSON: " + err.Error())
	}
	return nil
}

// nameParam reads and unescapes a path parameter. Entry names may contain
// characters that clients percent-encode.
func nameParam(r *http.Request, name string) (string, error) {
	s, err := url.PathUnescape(chi.URLParam(r, name))
	if err != nil || s == "" {
		return "", models.ErrBadRequest("invalid " + name + " parameter")
	}
	return s, nil
}
