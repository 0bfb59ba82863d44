package restore

import (
	"context"

	"github.com/micro-nova/streamrestore-go/internal/models"
	"github.com/micro-nova/streamrestore-go/internal/volume"
)

// StreamChanged stores the state of a new or changed stream. Equal entries
// are not rewritten. Route streams update their route volume instead of
// the stored entry.
func (s *Store) StreamChanged(ctx context.Context, st Stream) {
	var q queue
	s.mu.Lock()
	s.streamChanged(ctx, &q, st)
	s.mu.Unlock()
	q.run()
}

func (s *Store) streamChanged(ctx context.Context, q *queue, st Stream) {
	if s.closed || s.sinkMode != "" {
		return
	}
	if st.Filter || st.Name == "" {
		return
	}
	name := st.Name

	old, exists := s.readEntry(name)
	var e *models.Entry
	if exists {
		e = old.Clone()
	} else {
		e = models.NewEntry()
	}

	var volumeUpdated, muteUpdated, deviceUpdated bool
	if st.SaveVolume && st.Volume.CompatibleWith(st.ChannelMap) && st.ChannelMap.Valid() {
		e.ChannelMap = st.ChannelMap.Clone()
		e.Volume = st.Volume.Clone()
		e.VolumeValid = true
		volumeUpdated = exists && (!old.VolumeValid ||
			!e.ChannelMap.Equal(old.ChannelMap) || !e.Volume.Equal(old.Volume))
	}
	if st.SaveMuted {
		e.Muted = st.Muted
		e.MutedValid = true
		muteUpdated = exists && (!old.MutedValid || e.Muted != old.Muted)
	}
	if st.PreferredDevice != "" || exists {
		e.Device = st.PreferredDevice
		e.DeviceValid = e.Device != ""
		deviceUpdated = exists && e.Device != deviceName(old)
		e.Card, e.CardValid = "", false
		if e.DeviceValid {
			if dev, ok := s.host.Device(ctx, st.Direction, e.Device); ok && dev.Card != "" {
				e.Card, e.CardValid = dev.Card, true
			}
		}
	}

	if exists && old.Equal(e) {
		s.metrics.WriteSuppressed()
		return
	}

	s.logger.Infow("storing volume/mute/device", "stream", name)

	r := s.findRoute(name)
	if r != nil && exists {
		if e.VolumeValid {
			s.setRouteVolumeByName(name, e.Volume)
		}
	} else if s.writeEntry(name, e, true) == nil {
		s.triggerSave(q)
	}

	if !exists {
		if _, ok := s.mirrors[name]; !ok {
			m := s.addMirror(name)
			s.emit(q, m.event(models.EventNewEntry, e))
		}
	} else if m := s.mirrors[name]; m != nil {
		if deviceUpdated {
			s.emit(q, m.event(models.EventDeviceUpdated, e))
		}
		if volumeUpdated {
			s.emit(q, m.event(models.EventVolumeUpdated, e))
		}
		if muteUpdated {
			s.emit(q, m.event(models.EventMuteUpdated, e))
		}
	}

	if r != nil && e.VolumeValid {
		s.proxyVolume(q, name, e.Volume)
	}
}

func deviceName(e *models.Entry) string {
	if !e.DeviceValid {
		return ""
	}
	return e.Device
}

// StreamCreated restores a stored entry onto a new stream: the device
// first, then volume and mute. Streams without an entry are stored.
func (s *Store) StreamCreated(ctx context.Context, st Stream) {
	var q queue
	s.mu.Lock()
	defer func() {
		s.mu.Unlock()
		q.run()
	}()
	if s.closed || st.Filter || st.Name == "" {
		return
	}

	e, ok := s.readEntry(st.Name)
	if !ok {
		s.streamChanged(ctx, &q, st)
		return
	}

	if s.flags.RestoreDevice && st.PreferredDevice == "" {
		s.restoreDevice(ctx, st, e)
	}

	if s.flags.RestoreVolume && e.VolumeValid && st.VolumeWritable {
		v := volume.Remap(e.Volume, e.ChannelMap, st.ChannelMap)
		if s.sinkMode != "" && st.Direction == Playback && s.findRoute(st.Name) != nil {
			v = volume.Set(len(st.ChannelMap), volume.Norm)
		}
		s.logger.Infow("restoring volume", "stream", st.Name, "kind", st.Direction.String(), "volume", v.String())
		if err := s.host.SetStreamVolume(ctx, st, v); err != nil {
			s.logger.Warnw("failed to restore volume", "stream", st.Name, "error", err)
		}
	}

	if s.flags.RestoreMuted && e.MutedValid {
		s.logger.Infow("restoring mute", "stream", st.Name, "kind", st.Direction.String(), "muted", e.Muted)
		if err := s.host.SetStreamMute(ctx, st, e.Muted); err != nil {
			s.logger.Warnw("failed to restore mute", "stream", st.Name, "error", err)
		}
	}
}

func (s *Store) restoreDevice(ctx context.Context, st Stream, e *models.Entry) {
	var target string
	if e.DeviceValid {
		if _, ok := s.host.Device(ctx, st.Direction, e.Device); ok {
			target = e.Device
		}
	}
	if target == "" && e.CardValid {
		if dev, ok := s.host.CardDevice(ctx, st.Direction, e.Card); ok {
			target = dev.Name
		}
	}
	if target == "" || target == st.Device {
		return
	}
	s.logger.Infow("restoring device", "stream", st.Name, "device", target)
	if err := s.host.MoveStream(ctx, st, target); err != nil {
		s.logger.Warnw("failed to restore device", "stream", st.Name, "device", target, "error", err)
	}
}

// DeviceRemoved moves the streams of a disappearing device to the device
// their entry names, when that device exists.
func (s *Store) DeviceRemoved(ctx context.Context, dir Direction, name string, streams []Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.flags.RestoreDevice || !s.flags.OnRescue {
		return
	}
	for _, st := range streams {
		if st.Direction != dir || st.Name == "" || st.Filter {
			continue
		}
		e, ok := s.readEntry(st.Name)
		if !ok || !e.DeviceValid || e.Device == name {
			continue
		}
		if _, ok := s.host.Device(ctx, dir, e.Device); !ok {
			continue
		}
		s.logger.Infow("rescuing stream", "stream", st.Name, "from", name, "to", e.Device)
		if err := s.host.MoveStream(ctx, st, e.Device); err != nil {
			s.logger.Warnw("failed to rescue stream", "stream", st.Name, "error", err)
		}
	}
}
