// Package dbusapi exports the entry store and the main volume controller on
// D-Bus.
package dbusapi

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/micro-nova/streamrestore-go/internal/mainvolume"
	"github.com/micro-nova/streamrestore-go/internal/models"
	"github.com/micro-nova/streamrestore-go/internal/restore"
	"github.com/micro-nova/streamrestore-go/internal/volume"
)

// Entries is the part of *restore.Store the objects read through to.
type Entries interface {
	Mirrors() []models.MirrorInfo
	Mirror(name string) (models.MirrorInfo, error)
	MirrorByPath(path string) (models.MirrorInfo, error)
	AddEntry(ctx context.Context, name, device string, m volume.ChannelMap, v volume.CVolume, muted, apply bool) (models.MirrorInfo, error)
	SetDevice(ctx context.Context, name, device string) error
	SetVolume(ctx context.Context, name string, m volume.ChannelMap, v volume.CVolume) error
	SetMute(ctx context.Context, name string, muted bool) error
	Remove(name string) error
	Listen(fn restore.Listener)
}

// MainVolume is the part of *mainvolume.Controller exported on the bus.
type MainVolume interface {
	Status() models.MainVolumeStatus
	SetCurrentStep(step uint32) error
	Listen(l mainvolume.Listener)
}

// Conn is the part of *dbus.Conn the entry objects need.
type Conn interface {
	Export(v interface{}, path dbus.ObjectPath, iface string) error
	Emit(path dbus.ObjectPath, name string, values ...interface{}) error
}

// Connect opens the named bus ("session" or "system") and claims name.
func Connect(bus, name string) (*dbus.Conn, error) {
	var (
		conn *dbus.Conn
		err  error
	)
	switch bus {
	case "system":
		conn, err = dbus.ConnectSystemBus()
	default:
		conn, err = dbus.ConnectSessionBus()
	}
	if err != nil {
		return nil, fmt.Errorf("connect %s bus: %w", bus, err)
	}

	reply, err := conn.RequestName(name, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("request name %s: %w", name, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return nil, fmt.Errorf("request name %s: already taken", name)
	}
	return conn, nil
}

// Service owns the exported objects.
type Service struct {
	conn   Conn
	bus    *dbus.Conn
	logger *zap.SugaredLogger

	entries Entries
	mv      *mainVolumeObject

	mu       sync.Mutex
	exported map[dbus.ObjectPath]string
	closed   bool
}

// New exports the stream restore objects and, when mv is not nil, the main
// volume object on conn.
func New(conn *dbus.Conn, entries Entries, mv MainVolume, logger *zap.SugaredLogger) (*Service, error) {
	s := newService(conn, entries, logger)
	s.bus = conn
	if err := s.start(); err != nil {
		return nil, err
	}
	if mv != nil {
		obj, err := exportMainVolume(conn, mv, s.logger)
		if err != nil {
			return nil, err
		}
		s.mv = obj
	}
	return s, nil
}

func newService(conn Conn, entries Entries, logger *zap.SugaredLogger) *Service {
	return &Service{
		conn:     conn,
		logger:   logger.Named("dbus"),
		entries:  entries,
		exported: make(map[dbus.ObjectPath]string),
	}
}

func (s *Service) start() error {
	if err := s.exportRoot(); err != nil {
		return err
	}
	for _, mi := range s.entries.Mirrors() {
		if err := s.exportEntry(mi); err != nil {
			return err
		}
	}
	s.entries.Listen(s.entryEvent)
	s.logger.Infow("exported stream restore objects", "entries", len(s.exported))
	return nil
}

// Close stops signalling and closes the bus connection, if any.
func (s *Service) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	if s.mv != nil {
		s.mv.close()
	}
	if s.bus != nil {
		return s.bus.Close()
	}
	return nil
}

func (s *Service) emit(path dbus.ObjectPath, name string, values ...interface{}) {
	if err := s.conn.Emit(path, name, values...); err != nil {
		s.logger.Warnw("failed to emit signal", "path", path, "signal", name, "error", err)
	}
}

// dbusError maps store errors onto D-Bus error names.
func dbusError(err error) *dbus.Error {
	if err == nil {
		return nil
	}
	switch {
	case models.HasCode(err, models.CodeValidationFailure), models.HasCode(err, models.CodeInvalidKey):
		return dbus.NewError(ErrorInvalidArgs, []interface{}{err.Error()})
	case models.HasCode(err, models.CodeNotFound):
		return dbus.NewError(ErrorNotFound, []interface{}{err.Error()})
	}
	return dbus.MakeFailedError(err)
}

// D-Bus error names.
const (
	ErrorInvalidArgs = "org.freedesktop.DBus.Error.InvalidArgs"
	ErrorNotFound    = "org.PulseAudio.Core1.NotFoundError"
)
