package shared

import (
	"sync"

	"go.uber.org/zap"
)

// StoreName is the name the property store is registered under.
const StoreName = "shared-data-0"

// Well-known keys written by the call, media and volume-sync producers.
const (
	KeyCallState      = "x-nemo.voicecall.status"
	KeyMediaState     = "x-nemo.media.state"
	KeyEmergencyState = "x.emergency_call.state"
	KeyVolumeSync     = "x-sailfishos.volume.sync"
)

// Values of KeyCallState.
const (
	CallActive   = "active"
	CallInactive = "inactive"
	CallVoIP     = "voip"
)

// Values of KeyMediaState.
const (
	MediaInactive   = "inactive"
	MediaForeground = "foreground"
	MediaBackground = "background"
	MediaActive     = "active"
)

// Values of KeyEmergencyState.
const (
	EmergencyActive   = "active"
	EmergencyInactive = "inactive"
)

// Registry owns the single process-wide Store and hands out counted handles
// to it. The store is created by the first Acquire and torn down when the
// last handle is released.
type Registry struct {
	mu       sync.Mutex
	store    *Store
	refs     int
	logger   *zap.SugaredLogger
	observer Callback
}

// NewRegistry creates a registry. observer, when non-nil, is called after
// the subscribers of every change.
func NewRegistry(logger *zap.SugaredLogger, observer Callback) *Registry {
	return &Registry{logger: logger.Named("shared"), observer: observer}
}

// Acquire returns a new handle, creating the store if needed.
func (r *Registry) Acquire() *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.store == nil {
		r.logger.Debugw("creating property store", "name", StoreName)
		r.store = newStore(r.logger, r.observer)
	}
	r.refs++
	return &Handle{Store: r.store, registry: r}
}

// Refs returns the number of outstanding handles.
func (r *Registry) Refs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs
}

func (r *Registry) release(s *Store) {
	r.mu.Lock()
	if r.store != s {
		r.mu.Unlock()
		return
	}
	r.refs--
	if r.refs > 0 {
		r.mu.Unlock()
		return
	}
	r.store = nil
	r.mu.Unlock()

	r.logger.Debugw("tearing down property store", "name", StoreName)
	s.teardown()
}

// Handle is one counted reference to the shared Store.
type Handle struct {
	*Store
	registry *Registry
	once     sync.Once
}

// Release drops this reference. Releasing the same handle twice has no
// further effect.
func (h *Handle) Release() {
	h.once.Do(func() { h.registry.release(h.Store) })
}
