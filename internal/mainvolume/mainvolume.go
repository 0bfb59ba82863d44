// Package mainvolume maps the call, VoIP and media volumes onto per-route
// step tables and tracks call, media and volume sync state.
package mainvolume

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/micro-nova/streamrestore-go/internal/models"
	"github.com/micro-nova/streamrestore-go/internal/proxy"
	"github.com/micro-nova/streamrestore-go/internal/shared"
	"github.com/micro-nova/streamrestore-go/internal/volume"
)

// Revision is the reported interface revision.
const Revision = 3

// Proxy names of the volumes driven by the step tables.
const (
	CallStream  = "sink-input-by-media-role:phone"
	VoIPStream  = "sink-input-by-media-role:voip"
	MediaStream = "sink-input-by-media-role:x-maemo"
)

// MediaRoles are the stream roles muted while volumes are out of sync.
var MediaRoles = []string{"x-maemo", "media"}

// Volume sync states held by shared.KeyVolumeSync.
const (
	SyncInSync     int32 = 0
	SyncChanging   int32 = 1
	SyncChangeDone int32 = -1
)

const (
	// DefaultUnmuteDelay is how long media stays muted after volumes are
	// back in sync.
	DefaultUnmuteDelay = 50 * time.Millisecond

	// signalWait coalesces step signals sent in quick succession.
	signalWait = 500 * time.Millisecond
)

// Muter mutes and unmutes the media streams while volumes are out of sync.
type Muter interface {
	SetMediaMute(ctx context.Context, muted bool) error
}

type nopMuter struct{}

func (nopMuter) SetMediaMute(context.Context, bool) error { return nil }

// Timer is the part of *time.Timer the controller needs.
type Timer interface {
	Stop() bool
}

// Listener receives every event after the controller lock is released.
type Listener func(ev models.Event)

// Options configures a Controller.
type Options struct {
	Registry *shared.Registry
	Proxy    *proxy.Proxy
	Muter    Muter
	Logger   *zap.SugaredLogger

	// Steps holds configured step strings per route. Route parameters
	// override them.
	Steps map[string]StepConfig

	// TuningMode reparses the steps on every route change that carries
	// parameters.
	TuningMode bool

	// MuteRouting mutes media while volumes are out of sync.
	MuteRouting bool
	UnmuteDelay time.Duration

	Now       func() time.Time
	AfterFunc func(d time.Duration, f func()) Timer
}

type queue []func()

func (q *queue) add(f func()) { *q = append(*q, f) }

func (q queue) run() {
	for _, f := range q {
		f()
	}
}

// Controller is safe for concurrent use.
type Controller struct {
	mu sync.Mutex

	shared    *shared.Handle
	proxy     *proxy.Proxy
	muter     Muter
	logger    *zap.SugaredLogger
	config    map[string]StepConfig
	tuning    bool
	delay     time.Duration
	now       func() time.Time
	afterFunc func(time.Duration, func()) Timer

	route   string
	steps   map[string]*StepSet
	current *StepSet

	callActive      bool
	voipActive      bool
	emergencyActive bool
	policyMedia     string
	mediaState      string

	syncState   int32
	muting      bool
	unmuteTimer Timer
	unmuteGen   uint64
	signalTimer Timer
	lastSignal  time.Time
	lastStepSet time.Time
	listeners   []Listener
	subs        []*shared.Subscription
	proxySubs   []*proxy.Subscription
	closed      bool
}

// New creates a controller on the fallback steps and subscribes to the
// shared state keys and the volume proxy.
func New(opts Options) (*Controller, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Proxy == nil {
		opts.Proxy = proxy.New(opts.Logger)
	}
	if opts.Muter == nil {
		opts.Muter = nopMuter{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("mainvolume: no property registry")
	}

	fallback := FallbackSteps()
	c := &Controller{
		shared:      opts.Registry.Acquire(),
		proxy:       opts.Proxy,
		muter:       opts.Muter,
		logger:      opts.Logger.Named("mainvolume"),
		config:      opts.Steps,
		tuning:      opts.TuningMode,
		delay:       opts.UnmuteDelay,
		now:         opts.Now,
		afterFunc:   opts.AfterFunc,
		steps:       map[string]*StepSet{FallbackRoute: fallback},
		current:     fallback,
		policyMedia: shared.MediaInactive,
		mediaState:  shared.MediaInactive,
		syncState:   SyncInSync,
	}

	watch := []struct {
		key string
		cb  shared.Callback
	}{
		{shared.KeyCallState, c.callStateChanged},
		{shared.KeyMediaState, c.mediaStateChanged},
		{shared.KeyEmergencyState, c.emergencyStateChanged},
	}
	if opts.MuteRouting {
		watch = append(watch, struct {
			key string
			cb  shared.Callback
		}{shared.KeyVolumeSync, c.volumeSyncChanged})
	}
	for _, w := range watch {
		sub, err := c.shared.Subscribe(w.key, w.cb)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("subscribe %s: %w", w.key, err)
		}
		c.subs = append(c.subs, sub)
	}
	c.proxySubs = append(c.proxySubs,
		c.proxy.OnChanging(c.volumeChanging),
		c.proxy.OnChanged(c.volumeChanged),
	)

	// Pick up state published before we subscribed.
	if _, ok := c.shared.GetString(shared.KeyCallState); ok {
		c.callStateChanged(shared.KeyCallState)
	}
	if _, ok := c.shared.GetString(shared.KeyMediaState); ok {
		c.mediaStateChanged(shared.KeyMediaState)
	}
	return c, nil
}

// Listen registers l for every later event.
func (c *Controller) Listen(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Close drops the subscriptions, stops the timers and releases the property
// store. It is safe to call more than once.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.unmuteTimer != nil {
		c.unmuteTimer.Stop()
		c.unmuteTimer = nil
	}
	if c.signalTimer != nil {
		c.signalTimer.Stop()
		c.signalTimer = nil
	}
	subs, proxySubs := c.subs, c.proxySubs
	c.subs, c.proxySubs = nil, nil
	c.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	for _, s := range proxySubs {
		s.Close()
	}
	c.shared.Release()
}

func (c *Controller) emit(q *queue, ev models.Event) {
	ls := make([]Listener, len(c.listeners))
	copy(ls, c.listeners)
	q.add(func() {
		for _, l := range ls {
			l(ev)
		}
	})
}

// activeSteps must be called with c.mu held.
func (c *Controller) activeSteps() *Steps {
	switch {
	case c.voipActive:
		return &c.current.VoIP
	case c.callActive:
		return &c.current.Call
	default:
		return &c.current.Media
	}
}

func (c *Controller) activeStream() string {
	switch {
	case c.voipActive:
		return VoIPStream
	case c.callActive:
		return CallStream
	default:
		return MediaStream
	}
}

// stepsFor maps a proxy name to its step table. call reports whether the
// table belongs to a call.
func (c *Controller) stepsFor(name string) (steps *Steps, call, ok bool) {
	switch name {
	case CallStream:
		return &c.current.Call, true, true
	case VoIPStream:
		return &c.current.VoIP, true, true
	case MediaStream:
		return &c.current.Media, false, true
	}
	return nil, false, false
}

func (c *Controller) hasHighVolume() bool {
	return !c.callActive && c.current.HighVolumeStep > 0
}

// Route returns the active route.
func (c *Controller) Route() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.route
}

// StepCount returns the number of steps of the active table.
func (c *Controller) StepCount() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint32(c.activeSteps().Count())
}

// CurrentStep returns the current step of the active table.
func (c *Controller) CurrentStep() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint32(c.activeSteps().Current)
}

// HighVolumeStep returns the high volume step, or zero when none applies.
func (c *Controller) HighVolumeStep() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasHighVolume() {
		return 0
	}
	return uint32(c.current.HighVolumeStep)
}

// CallState is "active" during any call.
func (c *Controller) CallState() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callStateLocked()
}

func (c *Controller) callStateLocked() string {
	if c.callActive {
		return shared.CallActive
	}
	return shared.CallInactive
}

// MediaState returns the media state.
func (c *Controller) MediaState() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mediaState
}

// Status returns every property at once.
func (c *Controller) Status() models.MainVolumeStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	steps := c.activeSteps()
	st := models.MainVolumeStatus{
		Revision:    Revision,
		StepCount:   uint32(steps.Count()),
		CurrentStep: uint32(steps.Current),
		CallState:   c.callStateLocked(),
		MediaState:  c.mediaState,
		Route:       c.route,
	}
	if c.hasHighVolume() {
		st.HighVolumeStep = uint32(c.current.HighVolumeStep)
	}
	return st
}

// Muting reports whether media streams are currently held muted. New media
// streams should be muted while it is true.
func (c *Controller) Muting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muting
}

// SetCurrentStep moves the active table to step and pushes the step volume
// to the active stream. The request is ignored during an emergency call.
func (c *Controller) SetCurrentStep(step uint32) error {
	var q queue
	defer func() { q.run() }()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return models.ErrClosed
	}

	if c.emergencyActive {
		c.logger.Infow("emergency call active, step change refused", "step", step)
	} else {
		steps := c.activeSteps()
		if int(step) >= steps.Count() {
			return models.ErrValidation("current_step", fmt.Sprintf("step %d out of bounds", step))
		}
		if steps.Current != int(step) {
			c.logger.Debugw("set current step", "step", step)
			steps.Current = int(step)
			c.pushStep(&q, c.activeStream(), steps.Value(int(step)))
		}
	}

	c.lastStepSet = c.now()
	c.signalSteps(&q)
	return nil
}

// pushStep queues a proxy update setting every channel of name to v.
func (c *Controller) pushStep(q *queue, name string, v volume.Volume) {
	p := c.proxy
	q.add(func() {
		cur, ok := p.Volume(name)
		n := len(cur)
		if !ok || n == 0 {
			n = 1
		}
		p.SetVolume(name, volume.Set(n, v), false)
	})
}

// SetRoute switches the step tables to route. params are the route
// parameters; configured step strings fill the keys they lack. The change
// is bracketed by volume sync updates.
func (c *Controller) SetRoute(route string, params map[string]string) {
	c.incSync(SyncChanging)
	defer c.incSync(SyncChangeDone)

	var q queue
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.route = route

	if c.tuning && len(params) > 0 && route != FallbackRoute {
		delete(c.steps, route)
	}

	set, ok := c.steps[route]
	if !ok {
		cfg := c.config[route].merge(params)
		parsed, err := ParseStepSet(route, cfg)
		if err != nil {
			c.logger.Infow("failed to update steps, using fallback", "route", route, "error", err)
			set = c.steps[FallbackRoute]
		} else {
			if err := parsed.SetHighVolumeStep(cfg.HighVolume); err != nil {
				c.logger.Warnw("ignoring high volume step", "route", route, "error", err)
			}
			c.logger.Debugw("adding steps", "route", route,
				"call", parsed.Call.Count(), "media", parsed.Media.Count(), "high_volume_step", parsed.HighVolumeStep)
			c.steps[route] = parsed
			set = parsed
		}
	}
	c.current = set
	c.logger.Debugw("mode changed", "route", route, "media_steps", set.Media.Count(), "call_steps", set.Call.Count())

	c.signalHighVolume(&q)
	c.mu.Unlock()
	q.run()
}

func (c *Controller) incSync(delta int32) {
	if err := c.shared.IncInteger(shared.KeyVolumeSync, delta); err != nil {
		c.logger.Warnw("failed to update volume sync state", "error", err)
	}
}

// signalHighVolume sends the safe step, or zero when no high volume step
// applies.
func (c *Controller) signalHighVolume(q *queue) {
	var safe uint32
	if c.hasHighVolume() {
		safe = uint32(c.current.SafeStep())
	}
	c.logger.Debugw("signal high volume", "safe_step", safe)
	c.emit(q, models.Event{Kind: models.EventHighVolume, SafeStep: safe})
}

// signalSteps sends StepsUpdated at once unless step changes are arriving
// faster than signalWait, in which case one signal follows when they stop.
func (c *Controller) signalSteps(q *queue) {
	now := c.now()
	if now.Sub(c.lastSignal) >= signalWait || now.Sub(c.lastStepSet) >= signalWait {
		c.stopSignalTimer()
		c.sendSteps(q, now)
		return
	}
	c.lastSignal = now
	if c.signalTimer == nil && !c.closed {
		c.signalTimer = c.afterFunc(signalWait, c.signalFired)
	}
}

func (c *Controller) stopSignalTimer() {
	if c.signalTimer != nil {
		c.signalTimer.Stop()
		c.signalTimer = nil
	}
}

func (c *Controller) signalFired() {
	var q queue
	c.mu.Lock()
	c.signalTimer = nil
	if !c.closed {
		c.signalSteps(&q)
	}
	c.mu.Unlock()
	q.run()
}

func (c *Controller) sendSteps(q *queue, now time.Time) {
	steps := c.activeSteps()
	current := steps.Current
	if c.emergencyActive {
		current = steps.Last()
	}
	c.logger.Debugw("signal active step", "step", current)
	c.emit(q, models.Event{
		Kind:        models.EventStepsUpdated,
		StepCount:   uint32(steps.Count()),
		CurrentStep: uint32(current),
	})
	c.lastSignal = now
}

func (c *Controller) callStateChanged(key string) {
	var q queue
	state, _ := c.shared.GetString(key)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	switch state {
	case shared.CallActive:
		c.callActive, c.voipActive = true, false
	case shared.CallVoIP:
		c.callActive, c.voipActive = true, true
	default:
		c.callActive, c.voipActive = false, false
	}
	c.logger.Debugw("call state changed", "state", c.callStateLocked(), "voip", c.voipActive,
		"media_step", c.current.Media.Current, "call_step", c.current.Call.Current)

	c.signalSteps(&q)
	c.updateMediaState(&q)
	c.signalHighVolume(&q)
	c.emit(&q, models.Event{Kind: models.EventCallState, State: c.callStateLocked()})
	c.mu.Unlock()
	q.run()
}

// updateMediaState recomputes the reported media state; during a call it is
// always inactive.
func (c *Controller) updateMediaState(q *queue) {
	state := shared.MediaInactive
	if !c.callActive {
		state = c.policyMedia
	}
	if state == c.mediaState {
		return
	}
	c.mediaState = state
	c.logger.Debugw("media state changed", "state", state)
	c.emit(q, models.Event{Kind: models.EventMediaState, State: state})
}

func validMediaState(s string) bool {
	switch s {
	case shared.MediaInactive, shared.MediaForeground, shared.MediaBackground, shared.MediaActive:
		return true
	}
	return false
}

func (c *Controller) mediaStateChanged(key string) {
	state, ok := c.shared.GetString(key)
	if !ok {
		return
	}
	if !validMediaState(state) {
		c.logger.Warnw("unknown media state", "state", state)
		return
	}

	var q queue
	c.mu.Lock()
	if !c.closed {
		c.policyMedia = state
		c.updateMediaState(&q)
	}
	c.mu.Unlock()
	q.run()
}

func (c *Controller) emergencyStateChanged(key string) {
	state, ok := c.shared.GetString(key)
	if !ok {
		return
	}
	active := state == shared.EmergencyActive

	var q queue
	c.mu.Lock()
	if c.closed || active == c.emergencyActive {
		c.mu.Unlock()
		return
	}
	c.emergencyActive = active
	c.logger.Infow("emergency call state changed", "active", active)

	steps := c.activeSteps()
	step := steps.Current
	if active {
		step = steps.Last()
	}
	c.pushStep(&q, CallStream, steps.Value(step))
	c.mu.Unlock()
	q.run()
}

// volumeChanging is the proxy changing hook.
func (c *Controller) volumeChanging(e *proxy.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	steps, call, ok := c.stepsFor(e.Name)
	if !ok || c.closed || len(e.Volume) == 0 {
		return
	}

	if c.emergencyActive && e.Name == CallStream {
		c.logger.Infow("emergency call active, call volume reset to maximum")
		e.Volume = volume.Set(len(e.Volume), steps.Value(steps.Last()))
		return
	}

	if !call && c.current.first && c.hasHighVolume() {
		step := volume.SearchStep(steps.Values, e.Volume.Avg())
		if safe := c.current.SafeStep(); step > safe {
			c.logger.Infow("high volume after step change, reset to safe step", "requested", step, "safe_step", safe)
			e.Volume = volume.Set(len(e.Volume), steps.Value(safe))
		}
		c.current.first = false
	}
}

// volumeChanged is the proxy changed hook.
func (c *Controller) volumeChanged(e *proxy.Entry) {
	var q queue
	c.mu.Lock()
	steps, call, ok := c.stepsFor(e.Name)
	if !ok || c.closed || len(e.Volume) == 0 {
		c.mu.Unlock()
		return
	}
	step := volume.SearchStep(steps.Values, e.Volume.Avg())
	if step != steps.Current {
		c.logger.Debugw("stream volume changed", "stream", e.Name, "volume", e.Volume.Avg(), "step", step)
		steps.Current = step
	}
	if call == c.callActive {
		c.signalSteps(&q)
	}
	c.mu.Unlock()
	q.run()
}
