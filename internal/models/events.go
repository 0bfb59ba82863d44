package models

// EventKind names a change notification.
type EventKind string

const (
	EventNewEntry        EventKind = "new_entry"
	EventEntryRemoved    EventKind = "entry_removed"
	EventDeviceUpdated   EventKind = "device_updated"
	EventVolumeUpdated   EventKind = "volume_updated"
	EventMuteUpdated     EventKind = "mute_updated"
	EventPing            EventKind = "ping"
	EventPropertyChanged EventKind = "property_changed"
	EventStepsUpdated    EventKind = "steps_updated"
	EventHighVolume      EventKind = "high_volume"
	EventCallState       EventKind = "call_state"
	EventMediaState      EventKind = "media_state"
)

// Event is published on every observable change. Only the fields relevant
// to Kind are set.
type Event struct {
	Kind EventKind `json:"kind"`

	// Mirror events.
	Name   string          `json:"name,omitempty"`
	Index  uint32          `json:"index,omitempty"`
	Path   string          `json:"path,omitempty"`
	Device string          `json:"device,omitempty"`
	Volume []ChannelVolume `json:"volume,omitempty"`
	Muted  bool            `json:"mute,omitempty"`

	// Ping targets a single subscribed client.
	Client string `json:"client,omitempty"`

	// Property changes.
	Key string `json:"key,omitempty"`

	// Main volume.
	StepCount   uint32 `json:"step_count,omitempty"`
	CurrentStep uint32 `json:"current_step,omitempty"`
	SafeStep    uint32 `json:"safe_step,omitempty"`
	State       string `json:"state,omitempty"`
}
