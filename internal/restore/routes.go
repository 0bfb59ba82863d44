package restore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/thoas/go-funk"

	"github.com/micro-nova/streamrestore-go/internal/database"
	"github.com/micro-nova/streamrestore-go/internal/models"
	"github.com/micro-nova/streamrestore-go/internal/proxy"
	"github.com/micro-nova/streamrestore-go/internal/volume"
)

// RouteVolume is a stream whose volume is tracked per route.
type RouteVolume struct {
	Name     string         `json:"name"`
	Volume   volume.CVolume `json:"volume"`
	Default  volume.CVolume `json:"default"`
	Min      volume.CVolume `json:"min,omitempty"`
	ResetMin bool           `json:"reset_min"`
	// Master is another route volume kept equal to this one.
	Master string `json:"master,omitempty"`
}

func (r *RouteVolume) clone() RouteVolume {
	c := *r
	c.Volume = r.Volume.Clone()
	c.Default = r.Default.Clone()
	c.Min = r.Min.Clone()
	return c
}

// loadTables fills the entry database from the fallback table and replaces
// the route and sink-volume tables. Only a fallback table failure is an
// error.
func (s *Store) loadTables(q *queue, fallback, routeTable, sinkTable string) error {
	if fallback != "" {
		entries, warns, err := ParseFallbackTable(fallback)
		for _, w := range warns {
			s.logger.Warnw("fallback table", "file", fallback, "line", w.Line, "warning", w.Msg)
		}
		if err != nil {
			return fmt.Errorf("load fallback table: %w", err)
		}
		n := 0
		for _, fe := range entries {
			e := newVolumeEntry(monoVolumeFromDB(fe.DB))
			err := s.writeEntry(fe.Name, e, false)
			if errors.Is(err, database.ErrExists) {
				continue
			}
			if err != nil {
				return fmt.Errorf("load fallback table: %w", err)
			}
			s.logger.Debugw("setting fallback entry", "name", fe.Name, "db", fe.DB)
			n++
		}
		if n > 0 {
			s.logger.Infow("loaded fallback table", "file", fallback, "entries", n)
			s.triggerSave(q)
		}
	}

	s.routes = nil
	if routeTable != "" {
		rows, err := ParseRouteTable(routeTable)
		if err != nil {
			s.logger.Warnw("failed to read route table", "file", routeTable, "error", err)
		}
		for _, row := range rows {
			r := &RouteVolume{
				Name:    row.Name,
				Volume:  monoVolumeFromDB(row.DB),
				Default: monoVolumeFromDB(row.DB),
				Master:  row.Master,
			}
			if row.HasMin {
				r.Min = monoVolumeFromDB(row.MinDB)
				r.ResetMin = true
			}
			s.routes = append([]*RouteVolume{r}, s.routes...)
		}
	}

	s.sinkVolumes = nil
	if sinkTable != "" {
		rows, err := ParseSinkVolumeTable(sinkTable)
		if err != nil {
			s.logger.Warnw("failed to read sink volume table", "file", sinkTable, "error", err)
		}
		s.sinkVolumes = rows
	}
	return nil
}

// ReloadTables re-reads the table files and reapplies the route volumes of
// the active route.
func (s *Store) ReloadTables(ctx context.Context, fallback, routeTable, sinkTable string) error {
	var q queue
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return models.ErrClosed
	}
	err := s.loadTables(&q, fallback, routeTable, sinkTable)
	if err == nil {
		for _, name := range s.entries.Keys() {
			if _, ok := s.mirrors[name]; ok {
				continue
			}
			if e, ok := s.readEntry(name); ok {
				m := s.addMirror(name)
				s.emit(&q, m.event(models.EventNewEntry, e))
			}
		}
		if s.route != "" {
			s.updateVolumes(ctx, &q)
		}
	}
	s.mu.Unlock()
	q.run()
	return err
}

func (s *Store) findRoute(name string) *RouteVolume {
	for _, r := range s.routes {
		if r.Name == name {
			return r
		}
	}
	return nil
}

// dropRouteRecords forgets the route volumes of name: its record for every
// route is removed and the tracked volume returns to the default.
func (s *Store) dropRouteRecords(q *queue, name string) {
	if r := s.findRoute(name); r != nil {
		r.Volume = r.Default.Clone()
		s.proxyVolume(q, r.Name, r.Volume)
	}
	prefix := RouteKey(name, "")
	for _, key := range s.routeDB.Keys() {
		if !strings.HasPrefix(key, prefix) || strings.Contains(key[len(prefix):], ":") {
			continue
		}
		if err := s.routeDB.Unset(key); err != nil {
			s.logger.Errorw("failed to remove route volume", "key", key, "error", err)
		}
	}
}

// setRouteVolumeByName updates the named route volume, its master and the
// route volumes it is master of. Nothing happens without an active route.
func (s *Store) setRouteVolumeByName(name string, v volume.CVolume) {
	if s.route == "" {
		return
	}
	r := s.findRoute(name)
	if r == nil {
		return
	}
	r.Volume = v.Clone()
	for _, o := range s.linkedRoutes(r) {
		o.Volume = v.Clone()
	}
}

// linkedRoutes returns r's master and the route volumes r is master of.
func (s *Store) linkedRoutes(r *RouteVolume) []*RouteVolume {
	var out []*RouteVolume
	for _, o := range s.routes {
		if o != r && (o.Name == r.Master || o.Master == r.Name) {
			out = append(out, o)
		}
	}
	return out
}

func (s *Store) setRouteVolumes(v volume.CVolume) {
	for _, r := range s.routes {
		r.Volume = v.Clone()
	}
}

func (s *Store) proxyAll(q *queue) {
	for _, r := range s.routes {
		s.proxyVolume(q, r.Name, r.Volume)
	}
}

// haveSinkVolume returns the sink that drives every route volume in mode,
// or "" when mode has none or the sink does not exist.
func (s *Store) haveSinkVolume(ctx context.Context, mode string) string {
	for _, sv := range s.sinkVolumes {
		if sv.Mode != mode {
			continue
		}
		if _, ok := s.host.Device(ctx, Playback, sv.Sink); ok {
			return sv.Sink
		}
		return ""
	}
	return ""
}

// setSinkVolume sets the sink-volume sink to a mono or stereo volume.
func (s *Store) setSinkVolume(ctx context.Context, v volume.CVolume) {
	dev, ok := s.host.Device(ctx, Playback, s.sinkMode)
	if !ok {
		s.logger.Warnw("sink volume sink disappeared", "sink", s.sinkMode)
		return
	}
	var from volume.ChannelMap
	switch len(v) {
	case 1:
		from = volume.MonoMap()
	case 2:
		from = volume.StereoMap()
	default:
		v, from = volume.CVolume{v.Max()}, volume.MonoMap()
	}
	if err := s.host.SetDeviceVolume(ctx, Playback, dev.Name, volume.Remap(v, from, dev.ChannelMap)); err != nil {
		s.logger.Warnw("failed to set sink volume", "sink", dev.Name, "error", err)
	}
}

// setRouteStreamsNorm holds every playing route stream at norm volume.
func (s *Store) setRouteStreamsNorm(ctx context.Context) {
	streams, err := s.host.Streams(ctx)
	if err != nil {
		s.logger.Warnw("failed to list streams", "error", err)
		return
	}
	names := funk.Map(s.routes, func(r *RouteVolume) string { return r.Name }).([]string)
	for _, st := range streams {
		if st.Direction != Playback || st.Device == "" || !st.VolumeWritable {
			continue
		}
		if !funk.ContainsString(names, st.Name) {
			continue
		}
		v := volume.Remap(volume.CVolume{volume.Norm}, volume.MonoMap(), st.ChannelMap)
		if err := s.host.SetStreamVolume(ctx, st, v); err != nil {
			s.logger.Warnw("failed to set stream volume", "stream", st.Name, "error", err)
		}
	}
}

// applyRouteVolume copies r's volume into its entry and, when it changed,
// stores it, signals the mirror and optionally applies it.
func (s *Store) applyRouteVolume(ctx context.Context, q *queue, r *RouteVolume, apply bool) {
	old, ok := s.readEntry(r.Name)
	if !ok {
		s.logger.Debugw("route volume for missing entry", "name", r.Name)
		return
	}
	if len(r.Volume) == 0 {
		return
	}
	e := old.Clone()
	n := len(e.ChannelMap)
	if n == 0 {
		e.ChannelMap = volume.MonoMap()
		n = 1
	}
	e.Volume = volume.Set(n, r.Volume[0])
	e.VolumeValid = true
	if !old.VolumeChanged(e) {
		return
	}

	s.logger.Infow("updating route volume", "route", s.route, "stream", r.Name)
	if err := s.writeEntry(r.Name, e, true); err != nil {
		return
	}
	if m := s.mirrors[r.Name]; m != nil {
		s.emit(q, m.event(models.EventVolumeUpdated, e))
	}
	if apply {
		s.apply(ctx, r.Name, e)
	}
}

func (s *Store) applyRouteVolumes(ctx context.Context, q *queue, apply bool) {
	for _, r := range s.routes {
		s.applyRouteVolume(ctx, q, r, apply)
	}
}

func (s *Store) readRouteRecord(name string) (volume.CVolume, bool) {
	data, ok := s.routeDB.Get(RouteKey(name, s.route))
	if !ok {
		return nil, false
	}
	v, err := DecodeRouteVolume(data)
	if err != nil {
		s.logger.Debugw("ignoring route record", "name", name, "route", s.route, "error", err)
		return nil, false
	}
	return v, true
}

// updateVolumes loads the route volumes of the active route. Regular
// volumes are only proxied here; they are applied once the proxy reports
// the final value.
func (s *Store) updateVolumes(ctx context.Context, q *queue) {
	s.sinkMode = s.haveSinkVolume(ctx, s.route)
	if s.sinkMode != "" {
		s.logger.Debugw("using sink volume", "route", s.route, "sink", s.sinkMode)
		if len(s.routes) == 0 {
			return
		}
		first := s.routes[0]
		if v, ok := s.readRouteRecord(first.Name); ok {
			first.Volume = v
		} else {
			first.Volume = first.Default.Clone()
		}
		s.setRouteVolumes(first.Volume)
		s.setRouteStreamsNorm(ctx)
		s.setSinkVolume(ctx, first.Volume)
		s.applyRouteVolumes(ctx, q, false)
		s.proxyAll(q)
		return
	}

	for _, r := range s.routes {
		v, ok := s.readRouteRecord(r.Name)
		switch {
		case !ok:
			r.Volume = r.Default.Clone()
		case r.ResetMin && len(r.Min) > 0 && v[0] < r.Min[0]:
			r.Volume = r.Default.Clone()
		default:
			r.Volume = v
		}
		s.logger.Debugw("restored route volume", "stream", r.Name, "route", s.route, "volume", r.Volume.String())
	}
	s.proxyAll(q)
}

// SetMode switches the active route. Setting the active route again does
// nothing.
func (s *Store) SetMode(ctx context.Context, mode string) error {
	var q queue
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return models.ErrClosed
	}
	if mode == s.route {
		s.mu.Unlock()
		return nil
	}
	s.logger.Infow("route changed", "from", s.route, "to", mode)
	s.route = mode
	s.updateVolumes(ctx, &q)
	s.mu.Unlock()
	q.run()
	return nil
}

// Mode returns the active route.
func (s *Store) Mode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.route
}

// SinkMode returns the sink driving the route volumes, if any.
func (s *Store) SinkMode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sinkMode
}

// RouteVolumes returns a copy of the route volumes.
func (s *Store) RouteVolumes() []RouteVolume {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RouteVolume, len(s.routes))
	for i, r := range s.routes {
		out[i] = r.clone()
	}
	return out
}

// RouteVolume returns a copy of the named route volume.
func (s *Store) RouteVolume(name string) (RouteVolume, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.findRoute(name); r != nil {
		return r.clone(), true
	}
	return RouteVolume{}, false
}

// SinkVolumeChanged follows a hardware volume change of the sink-volume
// sink into every route volume.
func (s *Store) SinkVolumeChanged(ctx context.Context, sink string, v volume.CVolume) {
	var q queue
	s.mu.Lock()
	if !s.closed && s.sinkMode != "" && sink == s.sinkMode && len(v) > 0 && v.Valid() {
		s.logger.Debugw("sink volume changed", "sink", sink, "volume", v.Max())
		s.setRouteVolumes(v)
		s.applyRouteVolumes(ctx, &q, false)
		s.triggerSave(&q)
		s.proxyAll(&q)
	}
	s.mu.Unlock()
	q.run()
}

// proxyChanged is the volume proxy hook: the final value of a route volume
// is applied to its entry.
func (s *Store) proxyChanged(pe *proxy.Entry) {
	var q queue
	ctx := context.Background()
	s.mu.Lock()
	r := s.findRoute(pe.Name)
	if s.closed || r == nil || len(pe.Volume) == 0 {
		s.mu.Unlock()
		return
	}
	if !r.Volume.Equal(pe.Volume) {
		s.logger.Debugw("route volume modified by proxy", "name", pe.Name)
		r.Volume = pe.Volume.Clone()
	}
	if s.sinkMode != "" {
		s.setRouteVolumes(pe.Volume)
		s.setSinkVolume(ctx, pe.Volume)
		s.applyRouteVolumes(ctx, &q, false)
	} else {
		s.applyRouteVolume(ctx, &q, r, true)
		for _, o := range s.linkedRoutes(r) {
			o.Volume = r.Volume.Clone()
			s.applyRouteVolume(ctx, &q, o, true)
		}
		s.triggerSave(&q)
	}
	s.mu.Unlock()
	q.run()
}
