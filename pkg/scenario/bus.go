package scenario

import (
	"sync/atomic"
)

// Bus holds the currently active Profile.
//
// Publish replaces the profile with a single atomic store, and Current is a single atomic load, so
// readers never block and never observe a partially-updated profile. Profiles that were replaced
// stay valid for as long as anyone holds a reference to them.
type Bus struct {
	current atomic.Pointer[Profile]

	// publishes is incremented before changed is swapped out and the old channel closed, so a
	// waiter that loads changed and then sees an unchanged count is woken by the next publish.
	publishes atomic.Uint64
	changed   atomic.Pointer[chan struct{}]
}

// NewBus creates a Bus with an initial profile, which must not be nil.
func NewBus(initial *Profile) *Bus {
	if initial == nil {
		panic("scenario.NewBus called with nil initial profile")
	}

	b := &Bus{
		current:   atomic.Pointer[Profile]{},
		publishes: atomic.Uint64{},
		changed:   atomic.Pointer[chan struct{}]{},
	}
	b.current.Store(initial)
	ch := make(chan struct{})
	b.changed.Store(&ch)
	return b
}

// Current returns the active profile
func (b *Bus) Current() *Profile {
	return b.current.Load()
}

// Publish makes p the active profile and wakes up anyone waiting on a Subscription
func (b *Bus) Publish(p *Profile) {
	if p == nil {
		panic("scenario.(*Bus).Publish called with nil profile")
	}

	b.current.Store(p)
	b.publishes.Add(1)

	ch := make(chan struct{})
	close(*b.changed.Swap(&ch))
}

// Publishes returns the number of times Publish has been called
func (b *Bus) Publishes() uint64 {
	return b.publishes.Load()
}

// Subscribe returns a Subscription that has seen every publish up to now
func (b *Bus) Subscribe() *Subscription {
	return &Subscription{bus: b, seen: b.publishes.Load()}
}

// Subscription notifies a single goroutine about profiles published after it last checked.
type Subscription struct {
	bus  *Bus
	seen uint64
}

var closedChannel = func() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Wait returns a channel that is closed once there's been a publish the subscription has not yet
// acknowledged with Ack. It never blocks.
func (s *Subscription) Wait() <-chan struct{} {
	ch := *s.bus.changed.Load()
	if s.bus.publishes.Load() != s.seen {
		return closedChannel
	}
	return ch
}

// Ack marks all publishes so far as seen
func (s *Subscription) Ack() {
	s.seen = s.bus.publishes.Load()
}
