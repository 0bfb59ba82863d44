package restore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/micro-nova/streamrestore-go/internal/models"
	"github.com/micro-nova/streamrestore-go/internal/volume"
)

// ObjectPathPrefix is the path prefix of mirrored entries. The entry index
// is appended.
const ObjectPathPrefix = "/org/pulseaudio/stream_restore1/entry"

type mirror struct {
	index uint32
	name  string
	path  string
}

func (s *Store) addMirror(name string) *mirror {
	m := &mirror{
		index: s.nextIndex,
		name:  name,
		path:  ObjectPathPrefix + strconv.FormatUint(uint64(s.nextIndex), 10),
	}
	s.nextIndex++
	s.mirrors[name] = m
	s.byIndex[m.index] = m
	s.metrics.SetMirrors(len(s.mirrors))
	return m
}

func (s *Store) dropMirror(name string) *mirror {
	m := s.mirrors[name]
	if m == nil {
		return nil
	}
	delete(s.mirrors, name)
	delete(s.byIndex, m.index)
	s.metrics.SetMirrors(len(s.mirrors))
	return m
}

func (m *mirror) event(kind models.EventKind, e *models.Entry) models.Event {
	ev := models.Event{Kind: kind, Name: m.name, Index: m.index, Path: m.path}
	switch kind {
	case models.EventDeviceUpdated:
		ev.Device = deviceName(e)
	case models.EventVolumeUpdated:
		ev.Volume = models.ChannelVolumes(e)
	case models.EventMuteUpdated:
		ev.Muted = e.MutedValid && e.Muted
	}
	return ev
}

// info reads through to the stored entry; a missing entry reads as
// defaults.
func (s *Store) info(m *mirror) models.MirrorInfo {
	e, ok := s.readEntry(m.name)
	if !ok {
		e = models.NewEntry()
	}
	return models.MirrorInfo{
		Index:  m.index,
		Name:   m.name,
		Path:   m.path,
		Device: deviceName(e),
		Volume: models.ChannelVolumes(e),
		Muted:  e.MutedValid && e.Muted,
	}
}

func newVolumeEntry(v volume.CVolume) *models.Entry {
	e := models.NewEntry()
	e.ChannelMap = volume.MonoMap()
	e.Volume = v
	e.VolumeValid = true
	return e
}

// Len returns the number of mirrored entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mirrors)
}

// Mirrors lists every mirror in index order.
func (s *Store) Mirrors() []models.MirrorInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.MirrorInfo, 0, len(s.mirrors))
	for _, m := range s.mirrors {
		out = append(out, s.info(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Mirror returns the mirror of the named entry.
func (s *Store) Mirror(name string) (models.MirrorInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.mirrors[name]
	if m == nil {
		return models.MirrorInfo{}, models.ErrNotFound("no entry named " + name)
	}
	return s.info(m), nil
}

// MirrorByIndex returns the mirror with the given index.
func (s *Store) MirrorByIndex(index uint32) (models.MirrorInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.byIndex[index]
	if m == nil {
		return models.MirrorInfo{}, models.ErrNotFound(fmt.Sprintf("no entry with index %d", index))
	}
	return s.info(m), nil
}

// MirrorByPath resolves an object path to its mirror.
func (s *Store) MirrorByPath(path string) (models.MirrorInfo, error) {
	idx, ok := strings.CutPrefix(path, ObjectPathPrefix)
	if !ok {
		return models.MirrorInfo{}, models.ErrNotFound("no entry at " + path)
	}
	n, err := strconv.ParseUint(idx, 10, 32)
	if err != nil {
		return models.MirrorInfo{}, models.ErrNotFound("no entry at " + path)
	}
	return s.MirrorByIndex(uint32(n))
}

// Entry returns a copy of the stored entry.
func (s *Store) Entry(name string) (*models.Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readEntry(name)
}

// AddEntry creates the named entry or replaces its device, volume and
// mute. An empty volume leaves the volume unset; an empty device leaves the
// device unset.
func (s *Store) AddEntry(ctx context.Context, name, device string, m volume.ChannelMap, v volume.CVolume, muted, apply bool) (models.MirrorInfo, error) {
	if name == "" {
		return models.MirrorInfo{}, models.ErrValidation("name", "an empty string was given as the entry name")
	}
	if err := models.CheckDevice(device); err != nil {
		return models.MirrorInfo{}, err
	}
	if err := models.CheckVolume(m, v); err != nil {
		return models.MirrorInfo{}, err
	}

	var q queue
	s.mu.Lock()
	defer func() {
		s.mu.Unlock()
		q.run()
	}()
	if s.closed {
		return models.MirrorInfo{}, models.ErrClosed
	}

	mi := s.mirrors[name]
	e := models.NewEntry()
	if mi != nil {
		if old, ok := s.readEntry(name); ok {
			e = old.Clone()
		}
	}
	prev := e.Clone()
	e.Muted, e.MutedValid = muted, true
	e.ChannelMap, e.Volume, e.VolumeValid = m.Clone(), v.Clone(), len(m) > 0
	e.Device, e.DeviceValid = device, device != ""

	if err := s.writeEntry(name, e, true); err != nil {
		return models.MirrorInfo{}, err
	}

	if mi != nil {
		if e.VolumeValid {
			s.setRouteVolumeByName(name, e.Volume)
		}
		if prev.Muted != muted {
			s.emit(&q, mi.event(models.EventMuteUpdated, e))
		}
		if prev.VolumeValid != e.VolumeValid || !prev.Volume.Equal(v) {
			s.emit(&q, mi.event(models.EventVolumeUpdated, e))
		}
		if prev.DeviceValid != e.DeviceValid || prev.Device != device {
			s.emit(&q, mi.event(models.EventDeviceUpdated, e))
		}
	} else {
		mi = s.addMirror(name)
		s.emit(&q, mi.event(models.EventNewEntry, e))
	}

	if apply {
		s.apply(ctx, name, e)
	}
	s.triggerSave(&q)
	if e.VolumeValid {
		s.proxyVolume(&q, name, e.Volume)
	}
	return s.info(mi), nil
}

// mirrorEntry returns the mirror and its current entry, or defaults when
// the record is gone.
func (s *Store) mirrorEntry(name string) (*mirror, *models.Entry, error) {
	if s.closed {
		return nil, nil, models.ErrClosed
	}
	m := s.mirrors[name]
	if m == nil {
		return nil, nil, models.ErrNotFound("no entry named " + name)
	}
	e, ok := s.readEntry(name)
	if !ok {
		e = models.NewEntry()
	}
	return m, e, nil
}

// SetDevice changes the device of the named entry and applies it.
func (s *Store) SetDevice(ctx context.Context, name, device string) error {
	if err := models.CheckDevice(device); err != nil {
		return err
	}
	var q queue
	s.mu.Lock()
	defer func() {
		s.mu.Unlock()
		q.run()
	}()
	m, e, err := s.mirrorEntry(name)
	if err != nil {
		return err
	}
	if e.DeviceValid == (device != "") && e.Device == device {
		return nil
	}
	e.Device, e.DeviceValid = device, device != ""
	if err := s.writeEntry(name, e, true); err != nil {
		return err
	}
	s.apply(ctx, name, e)
	s.emit(&q, m.event(models.EventDeviceUpdated, e))
	s.triggerSave(&q)
	return nil
}

// SetVolume changes the volume of the named entry. Route volumes are
// updated as well; in sink-volume mode the sink carries the change and the
// entry is not applied directly.
func (s *Store) SetVolume(ctx context.Context, name string, cm volume.ChannelMap, v volume.CVolume) error {
	if err := models.CheckVolume(cm, v); err != nil {
		return err
	}
	var q queue
	s.mu.Lock()
	defer func() {
		s.mu.Unlock()
		q.run()
	}()
	m, e, err := s.mirrorEntry(name)
	if err != nil {
		return err
	}
	if e.VolumeValid == (len(cm) > 0) && e.Volume.Equal(v) && e.ChannelMap.Equal(cm) {
		return nil
	}
	e.ChannelMap, e.Volume, e.VolumeValid = cm.Clone(), v.Clone(), len(cm) > 0
	if err := s.writeEntry(name, e, true); err != nil {
		return err
	}

	if r := s.findRoute(name); r != nil && e.VolumeValid {
		if s.sinkMode != "" {
			s.setRouteVolumes(e.Volume)
			s.setSinkVolume(ctx, e.Volume)
		} else {
			s.setRouteVolumeByName(name, e.Volume)
		}
	}
	if e.VolumeValid {
		s.proxyVolume(&q, name, e.Volume)
	}
	if s.sinkMode == "" {
		s.apply(ctx, name, e)
		s.triggerSave(&q)
	}
	s.emit(&q, m.event(models.EventVolumeUpdated, e))
	return nil
}

// SetMute changes the mute of the named entry and applies it.
func (s *Store) SetMute(ctx context.Context, name string, muted bool) error {
	var q queue
	s.mu.Lock()
	defer func() {
		s.mu.Unlock()
		q.run()
	}()
	m, e, err := s.mirrorEntry(name)
	if err != nil {
		return err
	}
	if e.MutedValid && e.Muted == muted {
		return nil
	}
	e.Muted, e.MutedValid = muted, true
	if err := s.writeEntry(name, e, true); err != nil {
		return err
	}
	s.apply(ctx, name, e)
	s.emit(&q, m.event(models.EventMuteUpdated, e))
	s.triggerSave(&q)
	return nil
}

// Remove deletes the named entry, its route volume records and its mirror.
func (s *Store) Remove(name string) error {
	var q queue
	s.mu.Lock()
	defer func() {
		s.mu.Unlock()
		q.run()
	}()
	if s.closed {
		return models.ErrClosed
	}
	m := s.mirrors[name]
	if m == nil {
		return models.ErrNotFound("no entry named " + name)
	}
	if err := s.entries.Unset(name); err != nil {
		s.logger.Errorw("failed to remove entry", "name", name, "error", err)
		return models.ErrPersistence("remove entry " + name + ": " + err.Error())
	}
	s.dropRouteRecords(&q, name)
	s.emit(&q, m.event(models.EventEntryRemoved, nil))
	s.triggerSave(&q)
	s.dropMirror(name)
	return nil
}
