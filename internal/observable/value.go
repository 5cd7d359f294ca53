// Package observable holds state cells that many readers can watch while a
// single owner writes them.
package observable

import "sync"

// Value is an observable value cell. It holds a current value, allows a
// synchronous update and delivers the latest value to every subscriber.
// New subscribers immediately receive the current value.
//
// Subscribers receive the most recent value only: a slow reader skips
// intermediate values rather than blocking the writer.
type Value[T any] struct {
	mu     sync.RWMutex
	value  T
	subs   map[*Subscription[T]]struct{}
	equal  func(a, b T) bool
	closed bool
}

// NewValue creates a cell holding initial.
func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{
		value: initial,
		subs:  make(map[*Subscription[T]]struct{}),
	}
}

// NewComparable creates a cell that skips notifications when the new value
// equals the current one.
func NewComparable[T comparable](initial T) *Value[T] {
	v := NewValue(initial)
	v.equal = func(a, b T) bool { return a == b }
	return v
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.value
}

// Set replaces the current value and notifies subscribers.
func (v *Value[T]) Set(value T) {
	v.Update(func(T) T { return value })
}

// Update atomically replaces the current value with fn(current).
func (v *Value[T]) Update(fn func(T) T) {
	v.mu.Lock()
	defer v.mu.Unlock()

	next := fn(v.value)
	if v.equal != nil && v.equal(v.value, next) {
		return
	}
	v.value = next
	for sub := range v.subs {
		sub.ring.Send(next)
	}
}

// Subscribe registers a new subscriber. The current value is replayed on
// the returned subscription before any later update.
func (v *Value[T]) Subscribe() *Subscription[T] {
	v.mu.Lock()
	defer v.mu.Unlock()

	sub := &Subscription[T]{ring: NewRingChannel[T](1), owner: v}
	if v.closed {
		sub.ring.Close()
		return sub
	}
	sub.ring.Send(v.value)
	v.subs[sub] = struct{}{}
	return sub
}

// Close closes every subscription. Later Set calls still update the value.
func (v *Value[T]) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.closed = true
	for sub := range v.subs {
		sub.ring.Close()
		delete(v.subs, sub)
	}
}

func (v *Value[T]) unsubscribe(sub *Subscription[T]) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.subs[sub]; ok {
		delete(v.subs, sub)
		sub.ring.Close()
	}
}

// Subscription receives values published by a Value.
type Subscription[T any] struct {
	ring  *RingChannel[T]
	owner *Value[T]
	once  sync.Once
}

// C returns the channel of values. It is closed after Close.
func (s *Subscription[T]) C() <-chan T {
	return s.ring.C()
}

// Close stops delivery and closes C.
func (s *Subscription[T]) Close() {
	s.once.Do(func() { s.owner.unsubscribe(s) })
}
