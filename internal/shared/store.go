// Package shared implements the process-wide typed property store. Values are
// booleans, 32-bit integers, strings or opaque blobs keyed by property name,
// and every key carries its own list of change subscribers.
package shared

import (
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/micro-nova/streamrestore-go/internal/models"
)

// KeyMax bounds the length of a property key.
const KeyMax = 256

// Kind is the value type held by an item. The zero value is an untyped item.
type Kind int

const (
	KindNone Kind = iota
	KindBool
	KindInteger
	KindString
	KindBlob
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInteger:
		return "integer"
	case KindString:
		return "string"
	case KindBlob:
		return "blob"
	}
	return "none"
}

// Callback is invoked with the key whose value changed.
type Callback func(key string)

// Value is a copy of one item's typed value.
type Value struct {
	Key     string
	Kind    Kind
	Bool    bool
	Integer int32
	String  string
	Blob    []byte
}

type item struct {
	key  string
	kind Kind

	b    bool
	i    int32
	s    string
	blob []byte

	subs []*Subscription
}

// Store maps keys to typed items. Obtain one through a Registry handle.
// Subscriber callbacks run on the calling goroutine after the store lock is
// released, so they may call back into the store.
type Store struct {
	mu     sync.Mutex
	items  map[string]*item
	closed bool

	logger   *zap.SugaredLogger
	observer Callback
}

func newStore(logger *zap.SugaredLogger, observer Callback) *Store {
	return &Store{
		items:    make(map[string]*item),
		logger:   logger,
		observer: observer,
	}
}

// ValidKey reports whether key is non-empty printable ASCII shorter than KeyMax.
func ValidKey(key string) bool {
	if key == "" || len(key) >= KeyMax {
		return false
	}
	for i := 0; i < len(key); i++ {
		if key[i] < 0x20 || key[i] > 0x7e {
			return false
		}
	}
	return true
}

func validText(s string) bool {
	return utf8.ValidString(s) && strings.IndexByte(s, 0) < 0
}

func (s *Store) lookup(key string) *item {
	it, ok := s.items[key]
	if !ok {
		s.logger.Debugw("new shared item", "key", key)
		it = &item{key: key}
		s.items[key] = it
	}
	return it
}

// fire must be called with s.mu held; it returns the notification to run
// once the lock is dropped.
func (s *Store) fire(it *item) func() {
	subs := make([]*Subscription, len(it.subs))
	copy(subs, it.subs)
	key := it.key
	observer := s.observer
	return func() {
		for _, sub := range subs {
			sub.call(key)
		}
		if observer != nil {
			observer(key)
		}
	}
}

// GetOrCreate makes sure an item exists for key and returns its current kind.
func (s *Store) GetOrCreate(key string) Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return KindNone
	}
	return s.lookup(key).kind
}

// Subscribe registers cb for changes of key. The item is created untyped if
// it does not exist yet. Close the returned subscription to stop delivery.
func (s *Store) Subscribe(key string, cb Callback) (*Subscription, error) {
	if !ValidKey(key) {
		return nil, models.ErrInvalidKey("invalid property key " + key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, models.ErrClosed
	}
	sub := &Subscription{store: s, key: key, cb: cb}
	sub.active.Store(true)
	it := s.lookup(key)
	it.subs = append(it.subs, sub)
	return sub, nil
}

func (s *Store) unsubscribe(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[sub.key]
	if !ok {
		return
	}
	for i, x := range it.subs {
		if x == sub {
			it.subs = append(it.subs[:i], it.subs[i+1:]...)
			return
		}
	}
}

// SetBool stores a boolean. Subscribers fire when the item was untyped or the
// value differs.
func (s *Store) SetBool(key string, v bool) error {
	if !ValidKey(key) {
		return models.ErrInvalidKey("invalid property key " + key)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return models.ErrClosed
	}
	it := s.lookup(key)
	if it.kind != KindNone && it.kind != KindBool {
		s.mu.Unlock()
		return models.ErrTypeConflict(key + " holds a " + it.kind.String())
	}
	changed := it.kind == KindNone || it.b != v
	it.kind = KindBool
	it.b = v
	var notify func()
	if changed {
		s.logger.Debugw("shared item changed", "key", key, "bool", v)
		notify = s.fire(it)
	}
	s.mu.Unlock()
	if notify != nil {
		notify()
	}
	return nil
}

// GetBool never fails. An untyped or missing item reads as false; an item of
// another kind reads as true when it holds a non-zero value.
func (s *Store) GetBool(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[key]
	if !ok {
		return false
	}
	switch it.kind {
	case KindBool:
		return it.b
	case KindInteger:
		return it.i != 0
	case KindString, KindBlob:
		return true
	}
	return false
}

// SetInteger stores an integer. Writing the value already held is a no-op.
func (s *Store) SetInteger(key string, v int32) error {
	if !ValidKey(key) {
		return models.ErrInvalidKey("invalid property key " + key)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return models.ErrClosed
	}
	it := s.lookup(key)
	switch {
	case it.kind == KindInteger && it.i == v:
		s.mu.Unlock()
		return nil
	case it.kind != KindNone && it.kind != KindInteger:
		s.mu.Unlock()
		return models.ErrTypeConflict(key + " holds a " + it.kind.String())
	}
	it.kind = KindInteger
	it.i = v
	s.logger.Debugw("shared item changed", "key", key, "integer", v)
	notify := s.fire(it)
	s.mu.Unlock()
	notify()
	return nil
}

// GetInteger returns the integer held by key.
func (s *Store) GetInteger(key string) (int32, error) {
	if !ValidKey(key) {
		return 0, models.ErrInvalidKey("invalid property key " + key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[key]
	if !ok || it.kind == KindNone {
		return 0, models.ErrNotFound(key + " is not set")
	}
	if it.kind != KindInteger {
		return 0, models.ErrTypeMismatch(key + " holds a " + it.kind.String())
	}
	return it.i, nil
}

// IncInteger adds delta to the integer held by key, treating an untyped item
// as zero. A zero delta returns at once without touching the item.
func (s *Store) IncInteger(key string, delta int32) error {
	if delta == 0 {
		return nil
	}
	if !ValidKey(key) {
		return models.ErrInvalidKey("invalid property key " + key)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return models.ErrClosed
	}
	it := s.lookup(key)
	if it.kind != KindNone && it.kind != KindInteger {
		s.mu.Unlock()
		return models.ErrTypeConflict(key + " holds a " + it.kind.String())
	}
	old := it.i
	if it.kind == KindNone {
		old = 0
	}
	it.kind = KindInteger
	it.i = old + delta
	var notify func()
	if it.i != old {
		s.logger.Debugw("shared item changed", "key", key, "integer", it.i)
		notify = s.fire(it)
	}
	s.mu.Unlock()
	if notify != nil {
		notify()
	}
	return nil
}

// SetString stores a string and notifies only when it changed.
func (s *Store) SetString(key, v string) error {
	return s.setString(key, v, false)
}

// SetStringAlways stores a string and notifies even when it is unchanged.
func (s *Store) SetStringAlways(key, v string) error {
	return s.setString(key, v, true)
}

func (s *Store) setString(key, v string, always bool) error {
	if !ValidKey(key) {
		return models.ErrInvalidKey("invalid property key " + key)
	}
	if !validText(v) {
		return models.ErrInvalidEncoding("value for " + key + " is not valid text")
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return models.ErrClosed
	}
	it := s.lookup(key)
	if it.kind != KindNone && it.kind != KindString {
		s.mu.Unlock()
		return models.ErrTypeConflict(key + " holds a " + it.kind.String())
	}
	changed := it.kind == KindNone || it.s != v
	it.kind = KindString
	it.s = v
	var notify func()
	if changed || always {
		s.logger.Debugw("shared item changed", "key", key, "string", v)
		notify = s.fire(it)
	}
	s.mu.Unlock()
	if notify != nil {
		notify()
	}
	return nil
}

// GetString returns the string held by key. ok is false for any other kind.
func (s *Store) GetString(key string) (v string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, found := s.items[key]
	if !found || it.kind != KindString {
		return "", false
	}
	return it.s, true
}

// SetBlob replaces the bytes held by key. Unlike the other setters it always
// notifies, even when the bytes are identical.
func (s *Store) SetBlob(key string, data []byte) error {
	if !ValidKey(key) {
		return models.ErrInvalidKey("invalid property key " + key)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return models.ErrClosed
	}
	it := s.lookup(key)
	if it.kind != KindNone && it.kind != KindBlob {
		s.mu.Unlock()
		return models.ErrTypeConflict(key + " holds a " + it.kind.String())
	}
	it.kind = KindBlob
	it.blob = append([]byte(nil), data...)
	s.logger.Debugw("shared item changed", "key", key, "bytes", len(data))
	notify := s.fire(it)
	s.mu.Unlock()
	notify()
	return nil
}

// GetBlob returns a copy of the bytes held by key. A missing or untyped item
// yields no bytes.
func (s *Store) GetBlob(key string) ([]byte, error) {
	if !ValidKey(key) {
		return nil, models.ErrInvalidKey("invalid property key " + key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[key]
	if !ok || it.kind == KindNone {
		return []byte{}, nil
	}
	if it.kind != KindBlob {
		return nil, models.ErrTypeMismatch(key + " holds a " + it.kind.String())
	}
	return append([]byte{}, it.blob...), nil
}

// HasKey reports whether an item exists for key. It never creates one.
func (s *Store) HasKey(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[key]
	return ok
}

// Lookup returns a copy of the item held by key.
func (s *Store) Lookup(key string) (Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[key]
	if !ok {
		return Value{}, false
	}
	return it.value(), true
}

// Snapshot copies every item.
func (s *Store) Snapshot() []Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Value, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, it.value())
	}
	return out
}

func (it *item) value() Value {
	v := Value{Key: it.key, Kind: it.kind}
	switch it.kind {
	case KindBool:
		v.Bool = it.b
	case KindInteger:
		v.Integer = it.i
	case KindString:
		v.String = it.s
	case KindBlob:
		v.Blob = append([]byte{}, it.blob...)
	}
	return v
}

// teardown drops every item and deactivates all subscriptions.
func (s *Store) teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.items {
		for _, sub := range it.subs {
			sub.active.Store(false)
		}
	}
	s.items = make(map[string]*item)
	s.closed = true
}

// Subscription is a registered change callback. Close is idempotent and
// becomes a no-op once the owning store is torn down.
type Subscription struct {
	store  *Store
	key    string
	cb     Callback
	active atomic.Bool
}

// Key returns the subscribed key.
func (sub *Subscription) Key() string { return sub.key }

// Active reports whether the subscription still receives notifications.
func (sub *Subscription) Active() bool { return sub.active.Load() }

func (sub *Subscription) call(key string) {
	if sub.active.Load() {
		sub.cb(key)
	}
}

// Close stops delivery and deregisters the callback.
func (sub *Subscription) Close() {
	if sub == nil || !sub.active.CompareAndSwap(true, false) {
		return
	}
	sub.store.unsubscribe(sub)
}
