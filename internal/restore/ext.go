package restore

import (
	"context"
	"errors"
	"sort"

	"github.com/thoas/go-funk"

	"github.com/micro-nova/streamrestore-go/internal/database"
	"github.com/micro-nova/streamrestore-go/internal/models"
)

// ExtensionVersion is the protocol version reported by Test.
const ExtensionVersion = 2

// Test reports the extension protocol version.
func (s *Store) Test() uint32 { return ExtensionVersion }

// Read lists every decodable entry in key order. Unset volumes are reported
// with an empty map and volume.
func (s *Store) Read() []models.EntryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := s.entries.Keys()
	sort.Strings(keys)
	out := make([]models.EntryInfo, 0, len(keys))
	for _, name := range keys {
		if e, ok := s.readEntry(name); ok {
			out = append(out, models.InfoFromEntry(name, e))
		}
	}
	return out
}

// Write stores a batch of entries. The whole batch is validated before
// anything changes. Merge keeps existing records, Replace overwrites them
// and Set clears the database first.
func (s *Store) Write(ctx context.Context, mode models.UpdateMode, apply bool, infos []models.EntryInfo) error {
	switch mode {
	case models.UpdateMerge, models.UpdateReplace, models.UpdateSet:
	default:
		return models.ErrValidation("mode", "unknown update mode")
	}
	entries := make([]*models.Entry, len(infos))
	for i, info := range infos {
		e, err := info.ToEntry()
		if err != nil {
			return err
		}
		entries[i] = e
	}

	var q queue
	s.mu.Lock()
	defer func() {
		s.mu.Unlock()
		q.run()
	}()
	if s.closed {
		return models.ErrClosed
	}

	if mode == models.UpdateSet {
		for name, m := range s.mirrors {
			s.emit(&q, m.event(models.EventEntryRemoved, nil))
			s.dropMirror(name)
		}
		if err := s.entries.Clear(); err != nil {
			s.logger.Errorw("failed to clear entries", "error", err)
			return models.ErrPersistence("clear entries: " + err.Error())
		}
	}

	for i, info := range infos {
		if err := s.writeOne(ctx, &q, mode, apply, info.Name, entries[i]); err != nil {
			return err
		}
	}

	if s.sinkMode == "" {
		s.triggerSave(&q)
	}
	return nil
}

func (s *Store) writeOne(ctx context.Context, q *queue, mode models.UpdateMode, apply bool, name string, e *models.Entry) error {
	r := s.findRoute(name)
	if e.VolumeValid && r != nil {
		if s.sinkMode != "" {
			s.setRouteVolumes(e.Volume)
		} else {
			s.setRouteVolumeByName(name, e.Volume)
			s.proxyVolume(q, name, e.Volume)
		}
	}

	old, exists := s.readEntry(name)
	if exists && r != nil && s.sinkMode == "" {
		// The route volume owns this entry's volume; the proxy hook copies it
		// in once the final value is known.
		e.ChannelMap = old.ChannelMap.Clone()
		e.Volume = old.Volume.Clone()
		e.VolumeValid = old.VolumeValid
	}

	s.logger.Debugw("client changes entry", "name", name, "mode", mode.String())
	err := s.writeEntry(name, e, mode == models.UpdateReplace || mode == models.UpdateSet)
	if errors.Is(err, database.ErrExists) {
		return nil
	}
	if err != nil {
		return err
	}

	if m := s.mirrors[name]; exists && m != nil {
		if old.DeviceValid != e.DeviceValid || (e.DeviceValid && e.Device != old.Device) {
			s.emit(q, m.event(models.EventDeviceUpdated, e))
		}
		if old.VolumeValid != e.VolumeValid ||
			(e.VolumeValid && (!e.Volume.Equal(old.Volume) || !e.ChannelMap.Equal(old.ChannelMap))) {
			s.emit(q, m.event(models.EventVolumeUpdated, e))
		}
		if !old.MutedValid || e.Muted != old.Muted {
			s.emit(q, m.event(models.EventMuteUpdated, e))
		}
	} else if m == nil {
		m = s.addMirror(name)
		s.emit(q, m.event(models.EventNewEntry, e))
	}

	if s.sinkMode != "" {
		if r != nil && e.VolumeValid {
			s.setSinkVolume(ctx, e.Volume)
		}
	} else if apply {
		s.apply(ctx, name, e)
	}
	return nil
}

// Delete removes the named entries. Unknown names are ignored.
func (s *Store) Delete(names []string) error {
	var q queue
	s.mu.Lock()
	defer func() {
		s.mu.Unlock()
		q.run()
	}()
	if s.closed {
		return models.ErrClosed
	}
	for _, name := range funk.UniqString(names) {
		if m := s.dropMirror(name); m != nil {
			s.emit(&q, m.event(models.EventEntryRemoved, nil))
		}
		if err := s.entries.Unset(name); err != nil {
			s.logger.Errorw("failed to delete entry", "name", name, "error", err)
			return models.ErrPersistence("delete entry " + name + ": " + err.Error())
		}
		s.dropRouteRecords(&q, name)
	}
	s.triggerSave(&q)
	return nil
}

// Subscribe adds or removes client from the set pinged on every save.
func (s *Store) Subscribe(client string, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if enabled {
		s.subscribed[client] = true
	} else {
		delete(s.subscribed, client)
	}
}

// Disconnect forgets a client.
func (s *Store) Disconnect(client string) {
	s.Subscribe(client, false)
}
