// Package events provides typed observer registration and ring-buffered
// event streams.
package events

import (
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Bus fans events of type T out to registered handlers in registration order.
// Handlers run synchronously on the emitting goroutine and must not block.
// The zero value is not usable; create with NewBus.
type Bus[T any] struct {
	mu       sync.RWMutex
	next     uint64
	handlers *orderedmap.OrderedMap[uint64, func(T)]
}

func NewBus[T any]() *Bus[T] {
	return &Bus[T]{handlers: orderedmap.New[uint64, func(T)]()}
}

// Subscribe registers fn and returns the function that removes it.
// Calling the returned function more than once is a no-op.
func (b *Bus[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	b.mu.Lock()
	b.next++
	id := b.next
	b.handlers.Set(id, fn)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			b.handlers.Delete(id)
			b.mu.Unlock()
		})
	}
}

// Emit delivers v to every handler registered at the time of the call.
func (b *Bus[T]) Emit(v T) {
	b.mu.RLock()
	snapshot := make([]func(T), 0, b.handlers.Len())
	for pair := b.handlers.Oldest(); pair != nil; pair = pair.Next() {
		snapshot = append(snapshot, pair.Value)
	}
	b.mu.RUnlock()

	for _, fn := range snapshot {
		fn(v)
	}
}

// Len returns the number of registered handlers.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.handlers.Len()
}

// Reset drops every handler.
func (b *Bus[T]) Reset() {
	b.mu.Lock()
	b.handlers = orderedmap.New[uint64, func(T)]()
	b.mu.Unlock()
}

// Stream subscribes a ring channel of the given capacity to the bus. Slow
// consumers lose the oldest events. The returned cancel function unsubscribes
// and closes the channel.
func (b *Bus[T]) Stream(capacity int) (*RingChannel[T], func()) {
	rc := NewRingChannel[T](capacity)
	unsubscribe := b.Subscribe(func(v T) { rc.Send(v) })
	return rc, func() {
		unsubscribe()
		rc.Close()
	}
}
