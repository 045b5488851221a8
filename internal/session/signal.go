package session

import "sync"

// Signal holds a latest value and notifies subscribers of changes. Slow
// subscribers skip intermediate values and always see the newest one.
// Published values are never mutated afterwards.
type Signal[T any] struct {
	mu   sync.Mutex
	val  T
	subs map[chan T]struct{}
}

// NewSignal returns a Signal holding initial.
func NewSignal[T any](initial T) *Signal[T] {
	return &Signal[T]{val: initial, subs: make(map[chan T]struct{})}
}

// Get returns the current value.
func (s *Signal[T]) Get() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.val
}

// Set stores v and notifies subscribers without blocking.
func (s *Signal[T]) Set(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.val = v
	for ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}

// Subscribe returns a channel that immediately holds the current value and
// then each newer one, and a func that ends the subscription.
func (s *Signal[T]) Subscribe() (<-chan T, func()) {
	ch := make(chan T, 1)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	ch <- s.val
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, ch)
			s.mu.Unlock()
		})
	}
}
