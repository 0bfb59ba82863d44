package api

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/micro-nova/streamrestore-go/internal/models"
	"github.com/micro-nova/streamrestore-go/internal/shared"
)

// toProperty converts a stored value to its wire form. Blobs marshal as
// base64 strings.
func toProperty(v shared.Value) models.Property {
	p := models.Property{Key: v.Key, Type: models.PropertyType(v.Kind.String())}
	var raw interface{}
	switch v.Kind {
	case shared.KindBool:
		raw = v.Bool
	case shared.KindInteger:
		raw = v.Integer
	case shared.KindString:
		raw = v.String
	case shared.KindBlob:
		raw = v.Blob
	default:
		return p
	}
	p.Value, _ = json.Marshal(raw)
	return p
}

func (h *Handlers) getProperties(w http.ResponseWriter, r *http.Request) {
	values := h.props.Snapshot()
	sort.Slice(values, func(i, j int) bool { return values[i].Key < values[j].Key })
	out := make([]models.Property, len(values))
	for i, v := range values {
		out[i] = toProperty(v)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"properties": out})
}

func (h *Handlers) getProperty(w http.ResponseWriter, r *http.Request) {
	key, err := nameParam(r, "key")
	if err != nil {
		writeError(w, err)
		return
	}
	v, ok := h.props.Lookup(key)
	if !ok {
		writeError(w, models.ErrNotFound("no property "+key))
		return
	}
	writeJSON(w, http.StatusOK, toProperty(v))
}

func (h *Handlers) setProperty(w http.ResponseWriter, r *http.Request) {
	key, err := nameParam(r, "key")
	if err != nil {
		writeError(w, err)
		return
	}
	var req models.PropertyWrite
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.writeProperty(key, req); err != nil {
		writeError(w, err)
		return
	}
	v, _ := h.props.Lookup(key)
	writeJSON(w, http.StatusOK, toProperty(v))
}

func (h *Handlers) writeProperty(key string, req models.PropertyWrite) error {
	if req.Type == models.PropertyInteger && req.Delta != nil {
		return h.props.IncInteger(key, *req.Delta)
	}
	if len(req.Value) == 0 {
		return models.ErrValidation("value", "a value is required")
	}

	switch req.Type {
	case models.PropertyBool:
		var b bool
		if err := json.Unmarshal(req.Value, &b); err != nil {
			return models.ErrInvalidEncoding("value is not a bool")
		}
		return h.props.SetBool(key, b)
	case models.PropertyInteger:
		var i int32
		if err := json.Unmarshal(req.Value, &i); err != nil {
			return models.ErrInvalidEncoding("value is not a 32-bit integer")
		}
		return h.props.SetInteger(key, i)
	case models.PropertyString:
		var s string
		if err := json.Unmarshal(req.Value, &s); err != nil {
			return models.ErrInvalidEncoding("value is not a string")
		}
		if req.Always {
			return h.props.SetStringAlways(key, s)
		}
		return h.props.SetString(key, s)
	case models.PropertyBlob:
		var data []byte
		if err := json.Unmarshal(req.Value, &data); err != nil {
			return models.ErrInvalidEncoding("value is not base64")
		}
		return h.props.SetBlob(key, data)
	}
	return models.ErrValidation("type", "type must be bool, integer, string or blob")
}
