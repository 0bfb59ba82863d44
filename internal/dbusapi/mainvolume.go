package dbusapi

import (
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"
	"go.uber.org/zap"

	"github.com/micro-nova/streamrestore-go/internal/models"
)

// Main volume object path and interface.
const (
	MainVolumePath      = dbus.ObjectPath("/com/meego/mainvolume2")
	MainVolumeInterface = "com.Meego.MainVolume2"
)

// propSetter is the part of *prop.Properties updated from controller
// events.
type propSetter interface {
	SetMust(iface, property string, v interface{})
}

// mainVolumeObject mirrors controller state into exported properties and
// signals. Updates are applied by one goroutine: property writes run the
// controller with the property lock held, and the controller reports back
// synchronously.
type mainVolumeObject struct {
	conn   Conn
	props  propSetter
	mv     MainVolume
	logger *zap.SugaredLogger

	mu      sync.Mutex
	pending []models.Event
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

func mainVolumeProps(mv MainVolume) prop.Map {
	st := mv.Status()
	return prop.Map{
		MainVolumeInterface: {
			"InterfaceRevision": {Value: st.Revision, Emit: prop.EmitConst},
			"StepCount":         {Value: st.StepCount, Emit: prop.EmitFalse},
			"CurrentStep": {
				Value:    st.CurrentStep,
				Writable: true,
				Emit:     prop.EmitFalse,
				Callback: func(c *prop.Change) *dbus.Error {
					step, ok := c.Value.(uint32)
					if !ok {
						return prop.ErrInvalidArg
					}
					return dbusError(mv.SetCurrentStep(step))
				},
			},
			"HighVolumeStep": {Value: st.HighVolumeStep, Emit: prop.EmitFalse},
			"CallState":      {Value: st.CallState, Emit: prop.EmitFalse},
			"MediaState":     {Value: st.MediaState, Emit: prop.EmitFalse},
		},
	}
}

func exportMainVolume(conn *dbus.Conn, mv MainVolume, logger *zap.SugaredLogger) (*mainVolumeObject, error) {
	props, err := prop.Export(conn, MainVolumePath, mainVolumeProps(mv))
	if err != nil {
		return nil, err
	}
	node := &introspect.Node{
		Name: string(MainVolumePath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
			{
				Name:       MainVolumeInterface,
				Properties: props.Introspection(MainVolumeInterface),
				Signals: []introspect.Signal{
					{Name: "StepsUpdated", Args: []introspect.Arg{{Name: "StepCount", Type: "u"}, {Name: "CurrentStep", Type: "u"}}},
					{Name: "NotifyHighVolume", Args: []introspect.Arg{{Name: "SafeStep", Type: "u"}}},
					{Name: "CallStateChanged", Args: []introspect.Arg{{Name: "State", Type: "s"}}},
					{Name: "MediaStateChanged", Args: []introspect.Arg{{Name: "State", Type: "s"}}},
				},
			},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), MainVolumePath, introspectInterface); err != nil {
		return nil, err
	}

	o := newMainVolumeObject(conn, props, mv, logger)
	mv.Listen(o.event)
	logger.Infow("exported main volume", "path", MainVolumePath)
	return o, nil
}

func newMainVolumeObject(conn Conn, props propSetter, mv MainVolume, logger *zap.SugaredLogger) *mainVolumeObject {
	o := &mainVolumeObject{
		conn:   conn,
		props:  props,
		mv:     mv,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go o.run()
	return o
}

func (o *mainVolumeObject) event(ev models.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.pending = append(o.pending, ev)
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *mainVolumeObject) run() {
	defer close(o.done)
	for range o.wake {
		o.mu.Lock()
		events := o.pending
		o.pending = nil
		closed := o.closed
		o.mu.Unlock()
		if closed {
			return
		}
		for _, ev := range events {
			o.apply(ev)
		}
	}
}

func (o *mainVolumeObject) apply(ev models.Event) {
	var (
		name string
		args []interface{}
	)
	switch ev.Kind {
	case models.EventStepsUpdated:
		o.props.SetMust(MainVolumeInterface, "StepCount", ev.StepCount)
		o.props.SetMust(MainVolumeInterface, "CurrentStep", ev.CurrentStep)
		name, args = "StepsUpdated", []interface{}{ev.StepCount, ev.CurrentStep}
	case models.EventHighVolume:
		// The signal carries the safe step; the property is the high step.
		o.props.SetMust(MainVolumeInterface, "HighVolumeStep", o.mv.Status().HighVolumeStep)
		name, args = "NotifyHighVolume", []interface{}{ev.SafeStep}
	case models.EventCallState:
		o.props.SetMust(MainVolumeInterface, "CallState", ev.State)
		name, args = "CallStateChanged", []interface{}{ev.State}
	case models.EventMediaState:
		o.props.SetMust(MainVolumeInterface, "MediaState", ev.State)
		name, args = "MediaStateChanged", []interface{}{ev.State}
	default:
		return
	}
	if err := o.conn.Emit(MainVolumePath, MainVolumeInterface+"."+name, args...); err != nil {
		o.logger.Warnw("failed to emit signal", "signal", name, "error", err)
	}
}

func (o *mainVolumeObject) close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	close(o.wake)
	o.mu.Unlock()
	<-o.done
}
