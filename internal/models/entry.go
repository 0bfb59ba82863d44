// Package models defines the data structures shared by the entry store, the
// property store and the external surfaces (D-Bus, HTTP).
package models

import (
	"github.com/micro-nova/streamrestore-go/internal/volume"
)

// EntryVersion is the newest persisted record version this build understands.
const EntryVersion uint8 = 4

// NameMax bounds device and card names, including the terminator.
const NameMax = 128

// Entry is the persisted state of one stream identity. Every field carries an
// explicit presence flag.
type Entry struct {
	Version uint8

	Device      string
	DeviceValid bool

	Card      string
	CardValid bool

	Muted      bool
	MutedValid bool

	ChannelMap  volume.ChannelMap
	Volume      volume.CVolume
	VolumeValid bool
}

// NewEntry returns an entry at the current version with no valid fields.
func NewEntry() *Entry {
	return &Entry{Version: EntryVersion}
}

// Clone returns a deep copy.
func (e *Entry) Clone() *Entry {
	c := *e
	c.ChannelMap = e.ChannelMap.Clone()
	c.Volume = e.Volume.Clone()
	return &c
}

// Equal compares device, card, mute and volume. The volume of o is remapped
// onto e's channel map before comparing.
func (e *Entry) Equal(o *Entry) bool {
	if e.DeviceValid != o.DeviceValid || (e.DeviceValid && e.Device != o.Device) {
		return false
	}
	if e.CardValid != o.CardValid || (e.CardValid && e.Card != o.Card) {
		return false
	}
	if e.MutedValid != o.MutedValid || (e.MutedValid && e.Muted != o.Muted) {
		return false
	}
	if e.VolumeValid != o.VolumeValid {
		return false
	}
	if e.VolumeValid && !volume.Remap(o.Volume, o.ChannelMap, e.ChannelMap).Equal(e.Volume) {
		return false
	}
	return true
}

// VolumeChanged reports whether o's volume differs from e's without remapping.
func (e *Entry) VolumeChanged(o *Entry) bool {
	if e.VolumeValid {
		return !o.VolumeValid || !e.ChannelMap.Equal(o.ChannelMap) || !e.Volume.Equal(o.Volume)
	}
	return o.VolumeValid
}

// Validate checks the structural rules a stored or submitted entry must meet.
func (e *Entry) Validate() error {
	if e.DeviceValid && !ValidDeviceName(e.Device) {
		return ErrValidation("device", "invalid device name")
	}
	if e.CardValid && !ValidDeviceName(e.Card) {
		return ErrValidation("card", "invalid card name")
	}
	if e.VolumeValid {
		if !e.ChannelMap.Valid() {
			return ErrValidation("channel_map", "invalid channel map")
		}
		if !e.Volume.CompatibleWith(e.ChannelMap) {
			return ErrValidation("volume", "volume is invalid or does not match the channel map")
		}
	}
	return nil
}

// CheckVolume accepts an empty volume with an empty map, or a valid map and
// a volume of the same width.
func CheckVolume(m volume.ChannelMap, v volume.CVolume) error {
	if len(v) == 0 && len(m) == 0 {
		return nil
	}
	if !m.Valid() {
		return ErrValidation("channel_map", "invalid channel map")
	}
	if !v.CompatibleWith(m) {
		return ErrValidation("volume", "volume is invalid or does not match the channel map")
	}
	return nil
}

// CheckDevice accepts "" or a valid device name.
func CheckDevice(device string) error {
	if device != "" && !ValidDeviceName(device) {
		return ErrValidation("device", "invalid device name")
	}
	return nil
}

// ValidDeviceName reports whether name is usable as a sink, source or card
// name: non-empty, shorter than NameMax and limited to [A-Za-z0-9._-].
func ValidDeviceName(name string) bool {
	if name == "" || len(name) >= NameMax {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

// EntryInfo is the flattened view of an entry used by the administrative
// read and write operations.
type EntryInfo struct {
	Name       string            `json:"name"`
	ChannelMap volume.ChannelMap `json:"channel_map"`
	Volume     volume.CVolume    `json:"volume"`
	Device     string            `json:"device"`
	Muted      bool              `json:"muted"`
}

// InfoFromEntry flattens e. Invalid fields are reported as empty.
func InfoFromEntry(name string, e *Entry) EntryInfo {
	info := EntryInfo{Name: name, ChannelMap: volume.ChannelMap{}, Volume: volume.CVolume{}}
	if e.VolumeValid {
		info.ChannelMap = e.ChannelMap.Clone()
		info.Volume = e.Volume.Clone()
	}
	if e.DeviceValid {
		info.Device = e.Device
	}
	if e.MutedValid {
		info.Muted = e.Muted
	}
	return info
}

// ToEntry builds the entry a write request stores for info. Volume is valid
// when at least one channel is given, the device when it is non-empty; mute
// is always valid.
func (info EntryInfo) ToEntry() (*Entry, error) {
	if info.Name == "" {
		return nil, ErrValidation("name", "entry name must not be empty")
	}
	e := NewEntry()
	e.ChannelMap = info.ChannelMap.Clone()
	e.Volume = info.Volume.Clone()
	e.VolumeValid = len(info.Volume) > 0
	if e.VolumeValid && !info.Volume.CompatibleWith(info.ChannelMap) {
		return nil, ErrValidation("volume", "volume is invalid or does not match the channel map for "+info.Name)
	}
	if e.VolumeValid && !info.ChannelMap.Valid() {
		return nil, ErrValidation("channel_map", "invalid channel map for "+info.Name)
	}
	e.Muted = info.Muted
	e.MutedValid = true
	e.Device = info.Device
	e.DeviceValid = info.Device != ""
	if e.DeviceValid && !ValidDeviceName(e.Device) {
		return nil, ErrValidation("device", "invalid device name for "+info.Name)
	}
	return e, nil
}

// ChannelVolume pairs a channel position with its volume, the a(uu) shape
// used by the mirrors.
type ChannelVolume struct {
	Position volume.Position `json:"position"`
	Volume   volume.Volume   `json:"volume"`
}

// ChannelVolumes splits a map and volume into pairs. An invalid volume
// yields an empty list.
func ChannelVolumes(e *Entry) []ChannelVolume {
	if !e.VolumeValid {
		return []ChannelVolume{}
	}
	out := make([]ChannelVolume, len(e.Volume))
	for i := range e.Volume {
		out[i] = ChannelVolume{Position: e.ChannelMap[i], Volume: e.Volume[i]}
	}
	return out
}

// SplitChannelVolumes is the inverse of ChannelVolumes. Duplicate positions
// and invalid values are rejected.
func SplitChannelVolumes(pairs []ChannelVolume) (volume.ChannelMap, volume.CVolume, error) {
	if len(pairs) == 0 {
		return volume.ChannelMap{}, volume.CVolume{}, nil
	}
	if len(pairs) > volume.ChannelsMax {
		return nil, nil, ErrValidation("volume", "too many channels")
	}
	seen := make(map[volume.Position]bool, len(pairs))
	m := make(volume.ChannelMap, len(pairs))
	cv := make(volume.CVolume, len(pairs))
	for i, p := range pairs {
		if !p.Position.Valid() {
			return nil, nil, ErrValidation("volume", "invalid channel position")
		}
		if seen[p.Position] {
			return nil, nil, ErrValidation("volume", "duplicate channel position "+p.Position.String())
		}
		if !p.Volume.Valid() {
			return nil, nil, ErrValidation("volume", "volume out of range")
		}
		seen[p.Position] = true
		m[i] = p.Position
		cv[i] = p.Volume
	}
	return m, cv, nil
}

// MirrorInfo is the externally visible view of one mirrored entry.
type MirrorInfo struct {
	Index  uint32          `json:"index"`
	Name   string          `json:"name"`
	Path   string          `json:"path"`
	Device string          `json:"device"`
	Volume []ChannelVolume `json:"volume"`
	Muted  bool            `json:"mute"`
}

// UpdateMode selects how a write request treats existing records.
type UpdateMode int

const (
	// UpdateMerge keeps existing records untouched.
	UpdateMerge UpdateMode = iota
	// UpdateReplace overwrites existing records.
	UpdateReplace
	// UpdateSet clears the store before writing.
	UpdateSet
)

func (m UpdateMode) String() string {
	switch m {
	case UpdateMerge:
		return "merge"
	case UpdateReplace:
		return "replace"
	case UpdateSet:
		return "set"
	}
	return "unknown"
}

func (m UpdateMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *UpdateMode) UnmarshalText(b []byte) error {
	v, err := ParseUpdateMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ParseUpdateMode accepts "merge", "replace" or "set".
func ParseUpdateMode(s string) (UpdateMode, error) {
	switch s {
	case "merge":
		return UpdateMerge, nil
	case "replace":
		return UpdateReplace, nil
	case "set":
		return UpdateSet, nil
	}
	return 0, ErrValidation("mode", "mode must be merge, replace or set")
}
