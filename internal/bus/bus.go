// Package bus carries cross-view coordination signals. Each Signal keeps
// its latest value and replays it to every new subscriber.
package bus

import (
	"sync"
	"sync/atomic"
)

// Signal is a replay-one broadcast channel. Every value carries a version;
// a subscriber never sees an older version after a newer one.
type Signal[T any] struct {
	mu      sync.Mutex
	value   T
	version uint64
	nextID  int
	subs    map[int]*subscriber[T]
	order   []int
}

// NewSignal returns a Signal holding initial as its current value.
func NewSignal[T any](initial T) *Signal[T] {
	return &Signal[T]{
		value:   initial,
		version: 1,
		subs:    make(map[int]*subscriber[T]),
	}
}

// Value returns the current value.
func (s *Signal[T]) Value() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Subscribe registers fn and replays the current value to it before
// returning. A Publish racing with the replay wins: the replayed value is
// dropped if fn has already seen a newer one. The returned cancel func is
// idempotent.
func (s *Signal[T]) Subscribe(fn func(T)) (cancel func()) {
	sub := &subscriber[T]{fn: fn}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = sub
	s.order = append(s.order, id)
	current, ver := s.value, s.version
	s.mu.Unlock()

	sub.deliver(current, ver)

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.cancel()
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
			for i, v := range s.order {
				if v == id {
					s.order = append(s.order[:i], s.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish stores v and delivers it to every subscriber in subscription
// order. Delivery happens on the caller's goroutine, outside the signal
// lock, so subscribers may publish or subscribe themselves. A value
// published from inside a subscriber's own callback reaches that
// subscriber once the callback returns.
func (s *Signal[T]) Publish(v T) {
	s.mu.Lock()
	s.value = v
	s.version++
	ver := s.version
	subs := make([]*subscriber[T], 0, len(s.order))
	for _, id := range s.order {
		subs = append(subs, s.subs[id])
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(v, ver)
	}
}

type delivery[T any] struct {
	value   T
	version uint64
}

// subscriber runs its callback one delivery at a time. Deliveries that
// arrive while a callback is running are queued and drained by the
// goroutine already running it.
type subscriber[T any] struct {
	fn func(T)

	mu       sync.Mutex
	queue    []delivery[T]
	draining bool
	seen     uint64
	canceled bool
}

func (s *subscriber[T]) deliver(v T, ver uint64) {
	s.mu.Lock()
	s.queue = append(s.queue, delivery[T]{value: v, version: ver})
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	for len(s.queue) > 0 {
		d := s.queue[0]
		s.queue = s.queue[1:]
		if s.canceled || d.version <= s.seen {
			continue
		}
		s.seen = d.version
		s.mu.Unlock()
		s.fn(d.value)
		s.mu.Lock()
	}
	s.queue = nil
	s.draining = false
	s.mu.Unlock()
}

func (s *subscriber[T]) cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canceled = true
	s.queue = nil
}

// Subscribers returns the number of active subscriptions.
func (s *Signal[T]) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Bus groups the two application-wide signals. One Bus is created per
// session and handed to every component that needs it.
type Bus struct {
	// Refresh carries no payload: "some slot list may be stale; reload".
	Refresh *Signal[struct{}]
	// Category carries the currently preferred category.
	Category *Signal[string]

	changing atomic.Int32
}

// New returns a Bus whose category channel starts at defaultCategory.
func New(defaultCategory string) *Bus {
	return &Bus{
		Refresh:  NewSignal(struct{}{}),
		Category: NewSignal(defaultCategory),
	}
}

// RequestRefresh emits a refresh broadcast.
func (b *Bus) RequestRefresh() {
	b.Refresh.Publish(struct{}{})
}

// SetCategory updates the category channel. It does not emit a refresh.
func (b *Bus) SetCategory(category string) {
	b.Category.Publish(category)
}

// ChangeCategory updates the category channel and then emits a refresh.
// While the category is being delivered RefreshPending reports true, so a
// subscriber that reloads on both signals can leave the work to the
// refresh.
func (b *Bus) ChangeCategory(category string) {
	b.changing.Add(1)
	b.Category.Publish(category)
	b.changing.Add(-1)
	b.RequestRefresh()
}

// RefreshPending reports whether a ChangeCategory refresh is about to
// follow the category currently being delivered.
func (b *Bus) RefreshPending() bool {
	return b.changing.Load() > 0
}
