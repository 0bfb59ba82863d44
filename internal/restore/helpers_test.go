package restore_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/micro-nova/streamrestore-go/internal/database"
	"github.com/micro-nova/streamrestore-go/internal/models"
	"github.com/micro-nova/streamrestore-go/internal/restore"
	"github.com/micro-nova/streamrestore-go/internal/volume"
)

type fakeHost struct {
	mu            sync.Mutex
	streams       []restore.Stream
	devices       map[string]restore.Device
	volumes       map[uint32]volume.CVolume
	mutes         map[uint32]bool
	moves         map[uint32]string
	deviceVolumes map[string]volume.CVolume
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		devices:       make(map[string]restore.Device),
		volumes:       make(map[uint32]volume.CVolume),
		mutes:         make(map[uint32]bool),
		moves:         make(map[uint32]string),
		deviceVolumes: make(map[string]volume.CVolume),
	}
}

func (h *fakeHost) addStream(s restore.Stream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.streams = append(h.streams, s)
}

func (h *fakeHost) addDevice(d restore.Device) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.devices[d.Name] = d
}

func (h *fakeHost) Streams(context.Context) ([]restore.Stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]restore.Stream(nil), h.streams...), nil
}

func (h *fakeHost) SetStreamVolume(_ context.Context, s restore.Stream, v volume.CVolume) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.volumes[s.Index] = v.Clone()
	return nil
}

func (h *fakeHost) SetStreamMute(_ context.Context, s restore.Stream, muted bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mutes[s.Index] = muted
	return nil
}

func (h *fakeHost) MoveStream(_ context.Context, s restore.Stream, device string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.moves[s.Index] = device
	return nil
}

func (h *fakeHost) Device(_ context.Context, _ restore.Direction, name string) (restore.Device, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.devices[name]
	return d, ok
}

func (h *fakeHost) CardDevice(_ context.Context, _ restore.Direction, card string) (restore.Device, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, d := range h.devices {
		if d.Card == card {
			return d, true
		}
	}
	return restore.Device{}, false
}

func (h *fakeHost) SetDeviceVolume(_ context.Context, _ restore.Direction, name string, v volume.CVolume) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deviceVolumes[name] = v.Clone()
	return nil
}

func (h *fakeHost) streamVolume(idx uint32) volume.CVolume {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.volumes[idx]
}

type fakeTimer struct {
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(_ time.Duration, f func()) restore.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) scheduled() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// fire runs every pending timer.
func (c *fakeClock) fire() {
	c.mu.Lock()
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

type recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recorder) record(ev models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []models.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func (r *recorder) count(kind models.EventKind) int {
	n := 0
	for _, k := range r.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

type env struct {
	store    *restore.Store
	host     *fakeHost
	clock    *fakeClock
	events   *recorder
	entryMem *database.Memory
	routeMem *database.Memory
	entries  *database.Cache
	routes   *database.Cache
	tableDir string
}

type option func(*env, *restore.Options)

func withTable(kind, content string) option {
	return func(e *env, o *restore.Options) {
		path := filepath.Join(e.tableDir, kind)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			panic(err)
		}
		switch kind {
		case "fallback":
			o.FallbackTable = path
		case "route":
			o.RouteTable = path
		case "sink":
			o.SinkVolumeTable = path
		}
	}
}

func withRecord(key string, data []byte) option {
	return func(e *env, _ *restore.Options) { e.entryMem.Put(key, data) }
}

func newEnv(t *testing.T, opts ...option) *env {
	t.Helper()
	e := &env{
		host:     newFakeHost(),
		clock:    &fakeClock{},
		events:   &recorder{},
		entryMem: database.NewMemory(),
		routeMem: database.NewMemory(),
		tableDir: t.TempDir(),
	}
	o := restore.Options{
		Host:      e.host,
		Logger:    zap.NewNop().Sugar(),
		Flags:     restore.DefaultFlags(),
		AfterFunc: e.clock.AfterFunc,
	}
	for _, fn := range opts {
		fn(e, &o)
	}
	e.entries = database.OpenMemory(database.StreamVolumes, e.entryMem)
	e.routes = database.OpenMemory(database.RouteVolumes, e.routeMem)
	o.Entries = e.entries
	o.Routes = e.routes

	s, err := restore.New(o)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Listen(e.events.record)
	e.store = s
	t.Cleanup(func() { _ = s.Close() })
	return e
}

func stereo(v volume.Volume) volume.CVolume { return volume.CVolume{v, v} }

func musicStream(idx uint32, v volume.CVolume) restore.Stream {
	return restore.Stream{
		Index:          idx,
		Direction:      restore.Playback,
		Name:           "sink-input-by-media-role:music",
		ChannelMap:     volume.StereoMap(),
		Volume:         v,
		SaveVolume:     true,
		SaveMuted:      true,
		VolumeWritable: true,
		Device:         "sink.primary",
	}
}

func mustEntry(t *testing.T, s *restore.Store, name string) *models.Entry {
	t.Helper()
	e, ok := s.Entry(name)
	if !ok {
		t.Fatalf("entry %q missing", name)
	}
	return e
}
