package models

import "encoding/json"

// WriteRequest is the POST body for a bulk entry write.
type WriteRequest struct {
	Mode    UpdateMode  `json:"mode"`
	Apply   bool        `json:"apply"`
	Entries []EntryInfo `json:"entries"`
}

// DeleteRequest is the body for a bulk entry delete.
type DeleteRequest struct {
	Names []string `json:"names"`
}

// MirrorUpdate is the PATCH body for a single mirrored entry.
type MirrorUpdate struct {
	Device *string          `json:"device,omitempty"`
	Volume *[]ChannelVolume `json:"volume,omitempty"`
	Muted  *bool            `json:"mute,omitempty"`
}

// AddEntryRequest is the POST body that creates or updates one entry.
type AddEntryRequest struct {
	Device string          `json:"device"`
	Volume []ChannelVolume `json:"volume"`
	Muted  bool            `json:"mute"`
	Apply  bool            `json:"apply"`
}

// PropertyType names the value kind of a shared property.
type PropertyType string

const (
	PropertyNone    PropertyType = "none"
	PropertyBool    PropertyType = "bool"
	PropertyInteger PropertyType = "integer"
	PropertyString  PropertyType = "string"
	PropertyBlob    PropertyType = "blob"
)

// Property is the wire form of one shared property. Blob values travel as
// base64 strings.
type Property struct {
	Key   string          `json:"key"`
	Type  PropertyType    `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

// PropertyWrite is the PUT body for a shared property. Always forces a
// notification for string values even when unchanged.
type PropertyWrite struct {
	Type   PropertyType    `json:"type"`
	Value  json.RawMessage `json:"value"`
	Delta  *int32          `json:"delta,omitempty"`
	Always bool            `json:"always,omitempty"`
}

// ModeRequest switches the active route.
type ModeRequest struct {
	Mode       string            `json:"mode"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// MainVolumeUpdate is the PUT body for the main volume step.
type MainVolumeUpdate struct {
	CurrentStep uint32 `json:"current_step"`
}

// MainVolumeStatus mirrors the main volume properties.
type MainVolumeStatus struct {
	Revision       uint32 `json:"revision"`
	StepCount      uint32 `json:"step_count"`
	CurrentStep    uint32 `json:"current_step"`
	HighVolumeStep uint32 `json:"high_volume_step"`
	CallState      string `json:"call_state"`
	MediaState     string `json:"media_state"`
	Route          string `json:"route"`
}

// Info describes the running daemon.
type Info struct {
	Version  string `json:"version"`
	Hostname string `json:"hostname"`
	Route    string `json:"route,omitempty"`
	Entries  int    `json:"entries"`
	DBDriver string `json:"db_driver"`
}
