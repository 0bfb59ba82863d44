package restore

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/micro-nova/streamrestore-go/internal/models"
	"github.com/micro-nova/streamrestore-go/internal/volume"
)

// RouteEntryVersion is the version tag of route volume records.
const RouteEntryVersion = 4

type record struct {
	Version     uint8             `json:"v"`
	VolumeValid bool              `json:"volume_valid"`
	ChannelMap  volume.ChannelMap `json:"channel_map"`
	Volume      volume.CVolume    `json:"volume"`
	MutedValid  bool              `json:"muted_valid"`
	Muted       bool              `json:"muted"`
	DeviceValid bool              `json:"device_valid"`
	Device      string            `json:"device"`
	CardValid   bool              `json:"card_valid"`
	Card        string            `json:"card"`
}

// EncodeEntry serializes e in the current record format.
func EncodeEntry(e *models.Entry) ([]byte, error) {
	r := record{
		Version:     e.Version,
		VolumeValid: e.VolumeValid,
		ChannelMap:  e.ChannelMap,
		Volume:      e.Volume,
		MutedValid:  e.MutedValid,
		Muted:       e.Muted,
		DeviceValid: e.DeviceValid,
		Device:      e.Device,
		CardValid:   e.CardValid,
		Card:        e.Card,
	}
	if r.ChannelMap == nil {
		r.ChannelMap = volume.ChannelMap{}
	}
	if r.Volume == nil {
		r.Volume = volume.CVolume{}
	}
	return json.Marshal(r)
}

// DecodeEntry parses a current-format record. Unknown fields, trailing data,
// unsupported versions and structurally invalid entries are errors.
func DecodeEntry(data []byte) (*models.Entry, error) {
	var r record
	if err := decodeStrict(data, &r); err != nil {
		return nil, err
	}
	if r.Version == 0 || r.Version > models.EntryVersion {
		return nil, fmt.Errorf("unsupported record version %d", r.Version)
	}
	e := &models.Entry{
		Version:     r.Version,
		Device:      r.Device,
		DeviceValid: r.DeviceValid,
		Card:        r.Card,
		CardValid:   r.CardValid,
		Muted:       r.Muted,
		MutedValid:  r.MutedValid,
		ChannelMap:  r.ChannelMap,
		Volume:      r.Volume,
		VolumeValid: r.VolumeValid,
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("trailing data after record")
	}
	return nil
}

type routeRecord struct {
	Version uint8          `json:"v"`
	Volume  volume.CVolume `json:"volume"`
}

// EncodeRouteVolume serializes a route volume record.
func EncodeRouteVolume(v volume.CVolume) ([]byte, error) {
	return json.Marshal(routeRecord{Version: RouteEntryVersion, Volume: v})
}

// DecodeRouteVolume parses a route volume record.
func DecodeRouteVolume(data []byte) (volume.CVolume, error) {
	var r routeRecord
	if err := decodeStrict(data, &r); err != nil {
		return nil, err
	}
	if r.Version != RouteEntryVersion {
		return nil, fmt.Errorf("route record version %d", r.Version)
	}
	if !r.Volume.Valid() {
		return nil, errors.New("invalid route volume")
	}
	return r.Volume, nil
}

// RouteKey is the route database key for a stream under a route.
func RouteKey(name, route string) string {
	return name + ":" + route
}

// Legacy records are a packed little-endian struct: version, a flag byte,
// a channel map and a cvolume (each a count byte padded to four bytes
// followed by 32 four-byte slots) and two NUL-padded 128-byte names.
const (
	legacyVersion = 3

	legacyFlagMutedValid  = 1 << 0
	legacyFlagVolumeValid = 1 << 1
	legacyFlagDeviceValid = 1 << 2
	legacyFlagCardValid   = 1 << 3
	legacyFlagMuted       = 1 << 4

	legacyArrayLen = 4 + 4*volume.ChannelsMax
	legacyMapOff   = 2
	legacyVolOff   = legacyMapOff + legacyArrayLen
	legacyDevOff   = legacyVolOff + legacyArrayLen
	legacyCardOff  = legacyDevOff + models.NameMax

	// LegacyEntrySize is the exact size of a legacy record.
	LegacyEntrySize = legacyCardOff + models.NameMax
)

// DecodeLegacyEntry parses a legacy record.
func DecodeLegacyEntry(data []byte) (*models.Entry, error) {
	if len(data) != LegacyEntrySize {
		return nil, fmt.Errorf("legacy record size %d", len(data))
	}
	if data[0] != legacyVersion {
		return nil, fmt.Errorf("legacy record version %d", data[0])
	}
	flags := data[1]
	e := models.NewEntry()
	e.MutedValid = flags&legacyFlagMutedValid != 0
	e.VolumeValid = flags&legacyFlagVolumeValid != 0
	e.DeviceValid = flags&legacyFlagDeviceValid != 0
	e.CardValid = flags&legacyFlagCardValid != 0
	e.Muted = flags&legacyFlagMuted != 0

	channels := int(data[legacyMapOff])
	vchannels := int(data[legacyVolOff])
	if channels > volume.ChannelsMax || vchannels > volume.ChannelsMax {
		return nil, errors.New("legacy record has too many channels")
	}
	e.ChannelMap = make(volume.ChannelMap, channels)
	for i := range e.ChannelMap {
		p := binary.LittleEndian.Uint32(data[legacyMapOff+4+4*i:])
		if p >= uint32(volume.PositionMax) {
			return nil, fmt.Errorf("legacy record channel position %d", p)
		}
		e.ChannelMap[i] = volume.Position(p)
	}
	e.Volume = make(volume.CVolume, vchannels)
	for i := range e.Volume {
		e.Volume[i] = volume.Volume(binary.LittleEndian.Uint32(data[legacyVolOff+4+4*i:]))
	}

	var err error
	if e.Device, err = cString(data[legacyDevOff : legacyDevOff+models.NameMax]); err != nil {
		return nil, fmt.Errorf("device: %w", err)
	}
	if e.Card, err = cString(data[legacyCardOff : legacyCardOff+models.NameMax]); err != nil {
		return nil, fmt.Errorf("card: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	e.Version = models.EntryVersion
	return e, nil
}

func cString(b []byte) (string, error) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return "", errors.New("missing NUL byte")
	}
	return string(b[:i]), nil
}

// EncodeLegacyEntry builds a legacy record for e. Names longer than the
// fixed field are truncated.
func EncodeLegacyEntry(e *models.Entry) []byte {
	data := make([]byte, LegacyEntrySize)
	data[0] = legacyVersion
	var flags byte
	if e.MutedValid {
		flags |= legacyFlagMutedValid
	}
	if e.VolumeValid {
		flags |= legacyFlagVolumeValid
	}
	if e.DeviceValid {
		flags |= legacyFlagDeviceValid
	}
	if e.CardValid {
		flags |= legacyFlagCardValid
	}
	if e.Muted {
		flags |= legacyFlagMuted
	}
	data[1] = flags
	data[legacyMapOff] = byte(len(e.ChannelMap))
	for i, p := range e.ChannelMap {
		binary.LittleEndian.PutUint32(data[legacyMapOff+4+4*i:], uint32(p))
	}
	data[legacyVolOff] = byte(len(e.Volume))
	for i, v := range e.Volume {
		binary.LittleEndian.PutUint32(data[legacyVolOff+4+4*i:], uint32(v))
	}
	copy(data[legacyDevOff:legacyDevOff+models.NameMax-1], e.Device)
	copy(data[legacyCardOff:legacyCardOff+models.NameMax-1], e.Card)
	return data
}
