// Package restore keeps the persisted per-stream volume, mute and device
// entries, restores them onto streams, and mirrors every entry as an
// externally addressable object.
package restore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/micro-nova/streamrestore-go/internal/database"
	"github.com/micro-nova/streamrestore-go/internal/metrics"
	"github.com/micro-nova/streamrestore-go/internal/models"
	"github.com/micro-nova/streamrestore-go/internal/proxy"
	"github.com/micro-nova/streamrestore-go/internal/volume"
)

// DefaultSaveInterval is the delay between the first pending write and the
// database flush.
const DefaultSaveInterval = 10 * time.Second

// Flags select which fields are restored.
type Flags struct {
	RestoreDevice      bool `mapstructure:"device"`
	RestoreVolume      bool `mapstructure:"volume"`
	RestoreMuted       bool `mapstructure:"muted"`
	OnRescue           bool `mapstructure:"on_rescue"`
	RestoreRouteVolume bool `mapstructure:"route_volume"`
	UseVoice           bool `mapstructure:"use_voice"`
}

// DefaultFlags enables everything except voice-master mode tracking.
func DefaultFlags() Flags {
	return Flags{
		RestoreDevice:      true,
		RestoreVolume:      true,
		RestoreMuted:       true,
		OnRescue:           true,
		RestoreRouteVolume: true,
	}
}

// Timer is the part of *time.Timer the save scheduler needs.
type Timer interface {
	Stop() bool
}

// Options configures a Store.
type Options struct {
	Entries database.DB
	Routes  database.DB

	Host    Host
	Proxy   *proxy.Proxy
	Logger  *zap.SugaredLogger
	Metrics *metrics.Metrics

	Flags        Flags
	SaveInterval time.Duration

	// Table file paths. Empty paths are skipped.
	FallbackTable   string
	RouteTable      string
	SinkVolumeTable string

	// AfterFunc schedules the flush; defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, f func()) Timer
}

// Listener receives every event after the store lock is released.
type Listener func(ev models.Event)

// queue collects side effects that must run without the store lock.
type queue []func()

func (q *queue) add(f func()) { *q = append(*q, f) }

func (q queue) run() {
	for _, f := range q {
		f()
	}
}

// Store is safe for concurrent use.
type Store struct {
	mu sync.Mutex

	entries database.DB
	routeDB database.DB
	host    Host
	proxy   *proxy.Proxy
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics

	flags     Flags
	interval  time.Duration
	afterFunc func(time.Duration, func()) Timer

	route       string
	routes      []*RouteVolume
	sinkVolumes []SinkVolumeEntry
	sinkMode    string

	mirrors   map[string]*mirror
	byIndex   map[uint32]*mirror
	nextIndex uint32

	subscribed map[string]bool
	saveTimer  Timer
	listeners  []Listener
	proxySub   *proxy.Subscription
	closed     bool
}

// New opens the store: it cleans the entry database, fills it from the
// fallback table, loads the route and sink-volume tables, creates a mirror
// for every stored entry and registers on the volume proxy.
func New(opts Options) (*Store, error) {
	if opts.Entries == nil || opts.Routes == nil {
		return nil, errors.New("restore: both databases are required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Host == nil {
		opts.Host = NopHost{}
	}
	if opts.Proxy == nil {
		opts.Proxy = proxy.New(opts.Logger)
	}
	if opts.SaveInterval <= 0 {
		opts.SaveInterval = DefaultSaveInterval
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}

	s := &Store{
		entries:    opts.Entries,
		routeDB:    opts.Routes,
		host:       opts.Host,
		proxy:      opts.Proxy,
		logger:     opts.Logger.Named("restore"),
		metrics:    opts.Metrics,
		flags:      opts.Flags,
		interval:   opts.SaveInterval,
		afterFunc:  opts.AfterFunc,
		mirrors:    make(map[string]*mirror),
		byIndex:    make(map[uint32]*mirror),
		subscribed: make(map[string]bool),
	}

	converted, removed := CleanDatabase(s.entries, s.logger)
	if converted > 0 || removed > 0 {
		s.logger.Infow("cleaned entry database", "converted", converted, "removed", removed)
	}

	var q queue
	s.mu.Lock()
	err := s.loadTables(&q, opts.FallbackTable, opts.RouteTable, opts.SinkVolumeTable)
	if err == nil {
		for _, name := range s.entries.Keys() {
			if _, ok := s.readEntry(name); ok {
				s.addMirror(name)
			}
		}
	}
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	q.run()

	s.proxySub = s.proxy.OnChanged(s.proxyChanged)
	s.logger.Infow("stream restore started",
		"entries", len(s.mirrors), "routes", len(s.routes), "sink_volumes", len(s.sinkVolumes))
	return s, nil
}

// Start runs the change handler for every stream that already exists, so
// entries are created for them.
func (s *Store) Start(ctx context.Context) error {
	streams, err := s.host.Streams(ctx)
	if err != nil {
		return fmt.Errorf("list streams: %w", err)
	}
	for _, st := range streams {
		s.StreamChanged(ctx, st)
	}
	return nil
}

// Listen registers fn for every event. Listeners are never removed.
func (s *Store) Listen(fn Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Flags returns the active restore flags.
func (s *Store) Flags() Flags {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags
}

// SetFlags replaces the restore flags.
func (s *Store) SetFlags(f Flags) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f != s.flags {
		s.logger.Infow("restore flags changed", "flags", f)
	}
	s.flags = f
}

// Close cancels a pending flush and syncs both databases. Further
// operations return models.ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
	s.mu.Unlock()

	s.proxySub.Close()
	return s.sync()
}

func (s *Store) sync() error {
	err := errors.Join(s.entries.Sync(), s.routeDB.Sync())
	s.metrics.Flushed(err)
	if err != nil {
		s.logger.Errorw("failed to sync databases", "error", err)
		return models.ErrPersistence("sync databases: " + err.Error())
	}
	s.logger.Debugw("synced")
	return nil
}

// Flush syncs both databases now without touching a pending timer.
func (s *Store) Flush() error {
	return s.sync()
}

func (s *Store) saveFired() {
	s.mu.Lock()
	s.saveTimer = nil
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	_ = s.sync()
}

// triggerSave pings subscribed clients, stores the current route volumes
// and schedules one flush unless one is already pending.
func (s *Store) triggerSave(q *queue) {
	for client := range s.subscribed {
		s.emit(q, models.Event{Kind: models.EventPing, Client: client})
	}
	if s.flags.RestoreRouteVolume && s.route != "" {
		for _, r := range s.routes {
			// Removed entries keep no route records.
			if _, ok := s.entries.Get(r.Name); !ok {
				continue
			}
			s.writeRouteRecord(r)
		}
	}
	if s.saveTimer != nil || s.closed {
		return
	}
	s.saveTimer = s.afterFunc(s.interval, s.saveFired)
}

func (s *Store) writeRouteRecord(r *RouteVolume) {
	data, err := EncodeRouteVolume(r.Volume)
	if err != nil {
		s.logger.Errorw("failed to encode route volume", "name", r.Name, "error", err)
		return
	}
	if err := s.routeDB.Set(RouteKey(r.Name, s.route), data, true); err != nil {
		s.logger.Errorw("failed to write route volume", "name", r.Name, "route", s.route, "error", err)
	}
}

func (s *Store) emit(q *queue, ev models.Event) {
	listeners := append([]Listener(nil), s.listeners...)
	q.add(func() {
		for _, l := range listeners {
			l(ev)
		}
	})
}

// readEntry decodes a stored record. Undecodable records read as absent.
func (s *Store) readEntry(name string) (*models.Entry, bool) {
	data, ok := s.entries.Get(name)
	if !ok {
		return nil, false
	}
	e, err := DecodeEntry(data)
	if err != nil {
		s.logger.Warnw("ignoring invalid entry", "name", name, "error", err)
		return nil, false
	}
	return e, true
}

// writeEntry stores e. Without overwrite an existing record is left alone
// and database.ErrExists returned.
func (s *Store) writeEntry(name string, e *models.Entry, overwrite bool) error {
	data, err := EncodeEntry(e)
	if err != nil {
		return models.ErrInternal("encode entry: " + err.Error())
	}
	if err := s.entries.Set(name, data, overwrite); err != nil {
		if errors.Is(err, database.ErrExists) {
			return err
		}
		s.logger.Errorw("failed to write entry", "name", name, "error", err)
		return models.ErrPersistence("write entry " + name + ": " + err.Error())
	}
	s.metrics.EntryWritten()
	return nil
}

// apply restores e onto every live stream named name.
func (s *Store) apply(ctx context.Context, name string, e *models.Entry) {
	streams, err := s.host.Streams(ctx)
	if err != nil {
		s.logger.Warnw("failed to list streams", "error", err)
		return
	}
	for _, st := range streams {
		if st.Name != name {
			continue
		}
		if s.flags.RestoreVolume && e.VolumeValid && st.VolumeWritable {
			v := volume.Remap(e.Volume, e.ChannelMap, st.ChannelMap)
			s.logger.Infow("restoring volume", "stream", name, "kind", st.Direction.String(), "volume", v.String())
			if err := s.host.SetStreamVolume(ctx, st, v); err != nil {
				s.logger.Warnw("failed to restore volume", "stream", name, "error", err)
			}
		}
		if s.flags.RestoreMuted && e.MutedValid {
			s.logger.Infow("restoring mute", "stream", name, "kind", st.Direction.String(), "muted", e.Muted)
			if err := s.host.SetStreamMute(ctx, st, e.Muted); err != nil {
				s.logger.Warnw("failed to restore mute", "stream", name, "error", err)
			}
		}
		if s.flags.RestoreDevice && e.DeviceValid {
			if _, ok := s.host.Device(ctx, st.Direction, e.Device); ok {
				s.logger.Infow("restoring device", "stream", name, "device", e.Device)
				if err := s.host.MoveStream(ctx, st, e.Device); err != nil {
					s.logger.Warnw("failed to move stream", "stream", name, "device", e.Device, "error", err)
				}
			}
		}
	}
}

// proxyVolume queues a volume proxy update.
func (s *Store) proxyVolume(q *queue, name string, v volume.CVolume) {
	v = v.Clone()
	p := s.proxy
	q.add(func() { p.SetVolume(name, v, true) })
}

// CleanDatabase removes undecodable records and converts legacy binary
// records to the current format. It returns the number converted and
// removed.
func CleanDatabase(db database.DB, logger *zap.SugaredLogger) (converted, removed int) {
	for _, key := range db.Keys() {
		data, ok := db.Get(key)
		if !ok {
			continue
		}
		if _, err := DecodeEntry(data); err == nil {
			continue
		}
		if len(data) == LegacyEntrySize {
			if e, err := DecodeLegacyEntry(data); err == nil {
				if out, err := EncodeEntry(e); err == nil && db.Set(key, out, true) == nil {
					logger.Infow("converted legacy entry", "name", key)
					converted++
					continue
				}
			}
		}
		logger.Warnw("removing invalid entry", "name", key)
		if err := db.Unset(key); err != nil {
			logger.Errorw("failed to remove invalid entry", "name", key, "error", err)
			continue
		}
		removed++
	}
	return converted, removed
}
