// Package proxy holds named volumes shared between the entry store and the
// main volume controller. A volume set here passes through "changing" hooks,
// which may rewrite it, before it is stored and "changed" hooks run.
package proxy

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/micro-nova/streamrestore-go/internal/volume"
)

// Entry is the volume passed to hooks.
type Entry struct {
	Name   string
	Volume volume.CVolume
}

// Hook receives an entry. Changing hooks may modify e.Volume.
type Hook func(e *Entry)

type slot struct {
	id   uint64
	hook Hook
}

// Proxy is safe for concurrent use. Hooks run without the lock held and
// may call back into the proxy.
type Proxy struct {
	mu       sync.Mutex
	volumes  map[string]volume.CVolume
	changing []slot
	changed  []slot
	nextID   uint64
	logger   *zap.SugaredLogger
}

// New creates an empty proxy.
func New(logger *zap.SugaredLogger) *Proxy {
	return &Proxy{
		volumes: make(map[string]volume.CVolume),
		logger:  logger.Named("proxy"),
	}
}

// Subscription deregisters a hook on Close.
type Subscription struct {
	once  sync.Once
	close func()
}

// Close removes the hook. It is safe to call more than once.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(s.close)
}

// OnChanging registers a hook run before a volume is stored.
func (p *Proxy) OnChanging(h Hook) *Subscription {
	return p.register(&p.changing, h)
}

// OnChanged registers a hook run after a volume is stored.
func (p *Proxy) OnChanged(h Hook) *Subscription {
	return p.register(&p.changed, h)
}

func (p *Proxy) register(list *[]slot, h Hook) *Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := p.nextID
	*list = append(*list, slot{id: id, hook: h})
	return &Subscription{close: func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, s := range *list {
			if s.id == id {
				*list = append((*list)[:i], (*list)[i+1:]...)
				return
			}
		}
	}}
}

func snapshot(list []slot) []Hook {
	out := make([]Hook, len(list))
	for i, s := range list {
		out[i] = s.hook
	}
	return out
}

// SetVolume runs the changing hooks, stores the result and runs the changed
// hooks when the stored value changed or notify is set.
func (p *Proxy) SetVolume(name string, v volume.CVolume, notify bool) {
	p.mu.Lock()
	changing := snapshot(p.changing)
	p.mu.Unlock()

	e := &Entry{Name: name, Volume: v.Clone()}
	for _, h := range changing {
		h(e)
	}

	p.mu.Lock()
	old, existed := p.volumes[name]
	changed := !existed || !old.Equal(e.Volume)
	p.volumes[name] = e.Volume.Clone()
	changedHooks := snapshot(p.changed)
	p.mu.Unlock()

	if !changed && !notify {
		return
	}
	p.logger.Debugw("proxy volume set", "name", name, "volume", e.Volume.String(), "changed", changed)
	for _, h := range changedHooks {
		h(&Entry{Name: name, Volume: e.Volume.Clone()})
	}
}

// Volume returns the stored volume for name.
func (p *Proxy) Volume(name string) (volume.CVolume, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.volumes[name]
	if !ok {
		return nil, false
	}
	return v.Clone(), true
}

// Names returns the stored names in sorted order.
func (p *Proxy) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.volumes))
	for n := range p.volumes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
