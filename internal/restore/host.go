package restore

import (
	"context"

	"github.com/micro-nova/streamrestore-go/internal/volume"
)

// IdentificationProperty caches a stream's identity on the stream itself.
const IdentificationProperty = "module-stream-restore.id"

// Direction tells playback streams and sinks from record streams and
// sources.
type Direction int

const (
	Playback Direction = iota
	Record
)

func (d Direction) String() string {
	if d == Record {
		return "source-output"
	}
	return "sink-input"
}

// Stream is a snapshot of one live stream.
type Stream struct {
	Index     uint32
	Direction Direction
	// Name is the stream identity used as the entry key. Streams without
	// one are ignored.
	Name string

	ChannelMap volume.ChannelMap
	Volume     volume.CVolume
	Muted      bool

	// SaveVolume and SaveMuted are set when the stream's volume and mute
	// are worth remembering.
	SaveVolume     bool
	SaveMuted      bool
	VolumeWritable bool

	// Device is the sink or source the stream is connected to.
	Device string
	// PreferredDevice is the device the user explicitly chose, if any.
	PreferredDevice string

	// Filter streams connect a filter device to its master and are never
	// stored.
	Filter bool
}

// Device is a sink or source.
type Device struct {
	Name       string
	Card       string
	ChannelMap volume.ChannelMap
	Volume     volume.CVolume
}

// Host is the audio server the store restores streams on.
type Host interface {
	Streams(ctx context.Context) ([]Stream, error)
	SetStreamVolume(ctx context.Context, s Stream, v volume.CVolume) error
	SetStreamMute(ctx context.Context, s Stream, muted bool) error
	MoveStream(ctx context.Context, s Stream, device string) error

	Device(ctx context.Context, dir Direction, name string) (Device, bool)
	// CardDevice returns the first device of the named card.
	CardDevice(ctx context.Context, dir Direction, card string) (Device, bool)
	SetDeviceVolume(ctx context.Context, dir Direction, name string, v volume.CVolume) error
}

// NopHost has no streams and no devices. It backs the offline tool.
type NopHost struct{}

func (NopHost) Streams(context.Context) ([]Stream, error) { return nil, nil }

func (NopHost) SetStreamVolume(context.Context, Stream, volume.CVolume) error { return nil }

func (NopHost) SetStreamMute(context.Context, Stream, bool) error { return nil }

func (NopHost) MoveStream(context.Context, Stream, string) error { return nil }

func (NopHost) Device(context.Context, Direction, string) (Device, bool) { return Device{}, false }

func (NopHost) CardDevice(context.Context, Direction, string) (Device, bool) {
	return Device{}, false
}

func (NopHost) SetDeviceVolume(context.Context, Direction, string, volume.CVolume) error {
	return nil
}
