package dbusapi

import (
	"context"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"

	"github.com/micro-nova/streamrestore-go/internal/models"
	"github.com/micro-nova/streamrestore-go/internal/restore"
	"github.com/micro-nova/streamrestore-go/internal/volume"
)

// Object paths and interfaces of the stream restore extension.
const (
	RootPath       = dbus.ObjectPath("/org/pulseaudio/stream_restore1")
	RootInterface  = "org.PulseAudio.Ext.StreamRestore1"
	EntryInterface = RootInterface + ".RestoreEntry"

	// InterfaceRevision is reported by the root object.
	InterfaceRevision uint32 = 0

	propertiesInterface    = "org.freedesktop.DBus.Properties"
	introspectInterface    = "org.freedesktop.DBus.Introspectable"
	rootSignalNewEntry     = RootInterface + ".NewEntry"
	rootSignalRemoved      = RootInterface + ".EntryRemoved"
	entrySignalDevice      = EntryInterface + ".DeviceUpdated"
	entrySignalVolume      = EntryInterface + ".VolumeUpdated"
	entrySignalMute        = EntryInterface + ".MuteUpdated"
	channelVolumeSignature = "a(uu)"
)

// channelVolume is the a(uu) element on the wire.
type channelVolume struct {
	Position uint32
	Volume   uint32
}

func toWire(pairs []models.ChannelVolume) []channelVolume {
	out := make([]channelVolume, len(pairs))
	for i, p := range pairs {
		out[i] = channelVolume{Position: uint32(p.Position), Volume: uint32(p.Volume)}
	}
	return out
}

func fromWire(pairs []channelVolume) (volume.ChannelMap, volume.CVolume, error) {
	in := make([]models.ChannelVolume, len(pairs))
	for i, p := range pairs {
		if p.Position >= uint32(volume.PositionMax) {
			return nil, nil, models.ErrValidation("volume", "invalid channel position")
		}
		in[i] = models.ChannelVolume{Position: volume.Position(p.Position), Volume: volume.Volume(p.Volume)}
	}
	return models.SplitChannelVolumes(in)
}

// rootObject serves the StreamRestore1 methods.
type rootObject struct {
	s *Service
}

// AddEntry creates or replaces an entry and returns its object path.
func (o *rootObject) AddEntry(name, device string, vol []channelVolume, mute, applyImmediately bool) (dbus.ObjectPath, *dbus.Error) {
	m, v, err := fromWire(vol)
	if err != nil {
		return "", dbusError(err)
	}
	mi, err := o.s.entries.AddEntry(context.Background(), name, device, m, v, mute, applyImmediately)
	if err != nil {
		return "", dbusError(err)
	}
	return dbus.ObjectPath(mi.Path), nil
}

// GetEntryByName returns the object path of the named entry.
func (o *rootObject) GetEntryByName(name string) (dbus.ObjectPath, *dbus.Error) {
	mi, err := o.s.entries.Mirror(name)
	if err != nil {
		return "", dbusError(err)
	}
	return dbus.ObjectPath(mi.Path), nil
}

// rootProperties is the read-only property set of the root object.
type rootProperties struct {
	s *Service
}

func (p *rootProperties) all() map[string]dbus.Variant {
	mirrors := p.s.entries.Mirrors()
	paths := make([]dbus.ObjectPath, len(mirrors))
	for i, mi := range mirrors {
		paths[i] = dbus.ObjectPath(mi.Path)
	}
	return map[string]dbus.Variant{
		"InterfaceRevision": dbus.MakeVariant(InterfaceRevision),
		"Entries":           dbus.MakeVariant(paths),
	}
}

func (p *rootProperties) Get(iface, name string) (dbus.Variant, *dbus.Error) {
	if iface != RootInterface {
		return dbus.Variant{}, prop.ErrIfaceNotFound
	}
	v, ok := p.all()[name]
	if !ok {
		return dbus.Variant{}, prop.ErrPropNotFound
	}
	return v, nil
}

func (p *rootProperties) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	if iface != RootInterface {
		return nil, prop.ErrIfaceNotFound
	}
	return p.all(), nil
}

func (p *rootProperties) Set(iface, name string, _ dbus.Variant) *dbus.Error {
	if iface != RootInterface {
		return prop.ErrIfaceNotFound
	}
	if _, ok := p.all()[name]; !ok {
		return prop.ErrPropNotFound
	}
	return prop.ErrReadOnly
}

// entryObject serves the RestoreEntry methods of one mirror.
type entryObject struct {
	s    *Service
	path dbus.ObjectPath
}

func (o *entryObject) mirror() (models.MirrorInfo, *dbus.Error) {
	mi, err := o.s.entries.MirrorByPath(string(o.path))
	if err != nil {
		return models.MirrorInfo{}, dbusError(err)
	}
	return mi, nil
}

// Remove deletes the entry.
func (o *entryObject) Remove() *dbus.Error {
	mi, derr := o.mirror()
	if derr != nil {
		return derr
	}
	return dbusError(o.s.entries.Remove(mi.Name))
}

// entryProperties reads through to the store on every call.
type entryProperties struct {
	o *entryObject
}

func (p *entryProperties) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	if iface != EntryInterface {
		return nil, prop.ErrIfaceNotFound
	}
	mi, derr := p.o.mirror()
	if derr != nil {
		return nil, derr
	}
	return map[string]dbus.Variant{
		"Index":  dbus.MakeVariant(mi.Index),
		"Name":   dbus.MakeVariant(mi.Name),
		"Device": dbus.MakeVariant(mi.Device),
		"Volume": dbus.MakeVariant(toWire(mi.Volume)),
		"Mute":   dbus.MakeVariant(mi.Muted),
	}, nil
}

func (p *entryProperties) Get(iface, name string) (dbus.Variant, *dbus.Error) {
	all, derr := p.GetAll(iface)
	if derr != nil {
		return dbus.Variant{}, derr
	}
	v, ok := all[name]
	if !ok {
		return dbus.Variant{}, prop.ErrPropNotFound
	}
	return v, nil
}

func (p *entryProperties) Set(iface, name string, value dbus.Variant) *dbus.Error {
	if iface != EntryInterface {
		return prop.ErrIfaceNotFound
	}
	mi, derr := p.o.mirror()
	if derr != nil {
		return derr
	}
	ctx := context.Background()
	entries := p.o.s.entries

	switch name {
	case "Device":
		var device string
		if err := value.Store(&device); err != nil {
			return prop.ErrInvalidArg
		}
		return dbusError(entries.SetDevice(ctx, mi.Name, device))
	case "Volume":
		var pairs []channelVolume
		if err := value.Store(&pairs); err != nil {
			return prop.ErrInvalidArg
		}
		m, v, err := fromWire(pairs)
		if err != nil {
			return dbusError(err)
		}
		return dbusError(entries.SetVolume(ctx, mi.Name, m, v))
	case "Mute":
		var muted bool
		if err := value.Store(&muted); err != nil {
			return prop.ErrInvalidArg
		}
		return dbusError(entries.SetMute(ctx, mi.Name, muted))
	case "Index", "Name":
		return prop.ErrReadOnly
	}
	return prop.ErrPropNotFound
}

func (s *Service) exportRoot() error {
	root := &rootObject{s: s}
	if err := s.conn.Export(root, RootPath, RootInterface); err != nil {
		return err
	}
	if err := s.conn.Export(&rootProperties{s: s}, RootPath, propertiesInterface); err != nil {
		return err
	}
	node := &introspect.Node{
		Name: string(RootPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
			{
				Name:    RootInterface,
				Methods: introspect.Methods(root),
				Properties: []introspect.Property{
					{Name: "InterfaceRevision", Type: "u", Access: "read"},
					{Name: "Entries", Type: "ao", Access: "read"},
				},
				Signals: []introspect.Signal{
					{Name: "NewEntry", Args: []introspect.Arg{{Name: "entry", Type: "o"}}},
					{Name: "EntryRemoved", Args: []introspect.Arg{{Name: "entry", Type: "o"}}},
				},
			},
		},
	}
	return s.conn.Export(introspect.NewIntrospectable(node), RootPath, introspectInterface)
}

func (s *Service) exportEntry(mi models.MirrorInfo) error {
	path := dbus.ObjectPath(mi.Path)
	obj := &entryObject{s: s, path: path}
	if err := s.conn.Export(obj, path, EntryInterface); err != nil {
		return err
	}
	if err := s.conn.Export(&entryProperties{o: obj}, path, propertiesInterface); err != nil {
		return err
	}
	node := &introspect.Node{
		Name: string(path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
			{
				Name:    EntryInterface,
				Methods: introspect.Methods(obj),
				Properties: []introspect.Property{
					{Name: "Index", Type: "u", Access: "read"},
					{Name: "Name", Type: "s", Access: "read"},
					{Name: "Device", Type: "s", Access: "readwrite"},
					{Name: "Volume", Type: channelVolumeSignature, Access: "readwrite"},
					{Name: "Mute", Type: "b", Access: "readwrite"},
				},
				Signals: []introspect.Signal{
					{Name: "DeviceUpdated", Args: []introspect.Arg{{Name: "device", Type: "s"}}},
					{Name: "VolumeUpdated", Args: []introspect.Arg{{Name: "volume", Type: channelVolumeSignature}}},
					{Name: "MuteUpdated", Args: []introspect.Arg{{Name: "muted", Type: "b"}}},
				},
			},
		},
	}
	if err := s.conn.Export(introspect.NewIntrospectable(node), path, introspectInterface); err != nil {
		return err
	}

	s.mu.Lock()
	s.exported[path] = mi.Name
	s.mu.Unlock()
	return nil
}

func (s *Service) unexportEntry(path dbus.ObjectPath) {
	for _, iface := range []string{EntryInterface, propertiesInterface, introspectInterface} {
		if err := s.conn.Export(nil, path, iface); err != nil {
			s.logger.Debugw("failed to unexport entry", "path", path, "interface", iface, "error", err)
		}
	}
	s.mu.Lock()
	delete(s.exported, path)
	s.mu.Unlock()
}

// entryEvent follows store events with object (un)registration and
// signals.
func (s *Service) entryEvent(ev models.Event) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed || ev.Path == "" {
		return
	}
	path := dbus.ObjectPath(ev.Path)

	switch ev.Kind {
	case models.EventNewEntry:
		mi := models.MirrorInfo{Index: ev.Index, Name: ev.Name, Path: ev.Path}
		if err := s.exportEntry(mi); err != nil {
			s.logger.Warnw("failed to export entry", "name", ev.Name, "error", err)
			return
		}
		s.emit(RootPath, rootSignalNewEntry, path)
	case models.EventEntryRemoved:
		s.unexportEntry(path)
		s.emit(RootPath, rootSignalRemoved, path)
	case models.EventDeviceUpdated:
		s.emit(path, entrySignalDevice, ev.Device)
	case models.EventVolumeUpdated:
		s.emit(path, entrySignalVolume, toWire(ev.Volume))
	case models.EventMuteUpdated:
		s.emit(path, entrySignalMute, ev.Muted)
	}
}

// Exported returns the number of exported entry objects.
func (s *Service) Exported() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.exported)
}

var _ Entries = (*restore.Store)(nil)
