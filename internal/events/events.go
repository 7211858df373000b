// Package events carries the payload-free "auth changed" broadcast. The in-process Bus
// and the cross-context store adapter implement the same Source interface, so
// consumers do not care where a change came from.
package events

import (
	"sync"

	"github.com/worksheet-dev/worksheet/internal/kvstore"
)

// Origin tells where an event was raised
type Origin int

const (
	// Local events come from this process's own Bus
	Local Origin = iota
	// CrossContext events come from another context writing the shared store
	CrossContext
)

func (o Origin) String() string {
	switch o {
	case Local:
		return "local"
	case CrossContext:
		return "cross-context"
	default:
		return "unknown"
	}
}

// Event is deliberately thin: consumers re-derive state from the store instead of
// trusting a payload.
type Event struct {
	Origin Origin
	// Key is the storage key that changed; empty for local events and bulk clears
	Key     string
	Cleared bool
}

// Source is anything that can be subscribed to for auth change events
type Source interface {
	Subscribe(fn func(Event)) (cancel func())
}

// Bus is the in-process "auth changed" channel
type Bus struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(Event)
}

var _ Source = (*Bus)(nil)

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{fns: make(map[int]func(Event))}
}

// Subscribe registers fn; the returned cancel func is safe to call more than once
func (b *Bus) Subscribe(fn func(Event)) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.fns[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.fns, id)
			b.mu.Unlock()
		})
	}
}

// Emit notifies every subscriber synchronously
func (b *Bus) Emit() {
	b.mu.Lock()
	fns := make([]func(Event), 0, len(b.fns))
	for _, fn := range b.fns {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(Event{Origin: Local})
	}
}

// storeSource adapts a kvstore.Store's change notifications
type storeSource struct {
	store kvstore.Store
}

// FromStore exposes the store's cross-context change notifications as a Source
func FromStore(store kvstore.Store) Source {
	return storeSource{store: store}
}

func (s storeSource) Subscribe(fn func(Event)) func() {
	return s.store.Subscribe(func(c kvstore.Change) {
		fn(Event{Origin: CrossContext, Key: c.Key, Cleared: c.Cleared})
	})
}
