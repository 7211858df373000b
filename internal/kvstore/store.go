package kvstore

import "sync"

// Change describes a write made by another execution context sharing the same medium
type Change struct {
	Key      string
	OldValue string
	NewValue string
	// Cleared is set for bulk clears; Key is empty in that case
	Cleared bool
}

// Reader is the read side of a Store
type Reader interface {
	Get(key string) (string, bool)
}

// Store is a durable string-keyed medium shared by several execution contexts.
//
// Implementations never surface storage failures to callers: failed reads report the
// key as absent and failed writes are logged and dropped. Subscribers only observe
// writes made by other contexts, never the caller's own.
type Store interface {
	Reader
	Set(key, value string)
	Remove(key string)
	// Apply commits every operation of the batch as one unit
	Apply(b *Batch)
	Clear()
	Subscribe(fn func(Change)) (cancel func())
}

type op struct {
	key    string
	value  string
	remove bool
}

// Batch collects writes that must become visible together
type Batch struct {
	ops []op
}

// NewBatch returns an empty batch
func NewBatch() *Batch {
	return &Batch{}
}

// Set queues a write of value under key
func (b *Batch) Set(key, value string) *Batch {
	b.ops = append(b.ops, op{key: key, value: value})
	return b
}

// Remove queues a deletion of key
func (b *Batch) Remove(key string) *Batch {
	b.ops = append(b.ops, op{key: key, remove: true})
	return b
}

// Len returns the number of queued operations
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.ops)
}

// subscribers is the fan-out list shared by the Store implementations
type subscribers struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(Change)
}

func (s *subscribers) add(fn func(Change)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fns == nil {
		s.fns = make(map[int]func(Change))
	}
	id := s.next
	s.next++
	s.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.fns, id)
			s.mu.Unlock()
		})
	}
}

func (s *subscribers) notify(changes ...Change) {
	if len(changes) == 0 {
		return
	}

	s.mu.Lock()
	fns := make([]func(Change), 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, c := range changes {
		for _, fn := range fns {
			fn(c)
		}
	}
}
