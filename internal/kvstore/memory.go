package kvstore

import (
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// Memory is an in-process medium shared by any number of contexts, mirroring how
// several tabs share one origin's storage.
type Memory struct {
	mu          sync.Mutex
	data        map[string]string
	contexts    map[string]*MemoryContext
	unavailable bool
	logger      zerolog.Logger
}

// NewMemory creates an empty medium
func NewMemory(logger zerolog.Logger) *Memory {
	return &Memory{
		data:     make(map[string]string),
		contexts: make(map[string]*MemoryContext),
		logger:   logger,
	}
}

// Context opens a new execution context on the medium
func (m *Memory) Context() *MemoryContext {
	c := &MemoryContext{
		id:     ulid.Make().String(),
		medium: m,
	}

	m.mu.Lock()
	m.contexts[c.id] = c
	m.mu.Unlock()

	return c
}

// SetUnavailable simulates the medium failing (quota exhausted, storage disabled).
// While unavailable every read misses and every write is dropped.
func (m *Memory) SetUnavailable(unavailable bool) {
	m.mu.Lock()
	m.unavailable = unavailable
	m.mu.Unlock()
}

// commit applies ops for the writer and fans the resulting changes out to every
// other context
func (m *Memory) commit(writer string, ops []op, clear bool) {
	m.mu.Lock()
	if m.unavailable {
		m.mu.Unlock()
		m.logger.Warn().Str("context_id", writer).Msg("Storage unavailable, dropping write")
		return
	}

	var changes []Change
	if clear {
		m.data = make(map[string]string)
		changes = append(changes, Change{Cleared: true})
	}
	for _, o := range ops {
		old, existed := m.data[o.key]
		if o.remove {
			if !existed {
				continue
			}
			delete(m.data, o.key)
			changes = append(changes, Change{Key: o.key, OldValue: old})
			continue
		}
		if existed && old == o.value {
			continue
		}
		m.data[o.key] = o.value
		changes = append(changes, Change{Key: o.key, OldValue: old, NewValue: o.value})
	}

	targets := make([]*MemoryContext, 0, len(m.contexts))
	for id, c := range m.contexts {
		if id != writer {
			targets = append(targets, c)
		}
	}
	m.mu.Unlock()

	for _, c := range targets {
		c.subs.notify(changes...)
	}
}

func (m *Memory) get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unavailable {
		return "", false
	}
	v, ok := m.data[key]
	return v, ok
}

func (m *Memory) detach(id string) {
	m.mu.Lock()
	delete(m.contexts, id)
	m.mu.Unlock()
}

// MemoryContext is one execution context's view of a Memory medium
type MemoryContext struct {
	id     string
	medium *Memory
	subs   subscribers
}

var _ Store = (*MemoryContext)(nil)

// ID returns the context identifier
func (c *MemoryContext) ID() string {
	return c.id
}

func (c *MemoryContext) Get(key string) (string, bool) {
	return c.medium.get(key)
}

func (c *MemoryContext) Set(key, value string) {
	c.medium.commit(c.id, []op{{key: key, value: value}}, false)
}

func (c *MemoryContext) Remove(key string) {
	c.medium.commit(c.id, []op{{key: key, remove: true}}, false)
}

func (c *MemoryContext) Apply(b *Batch) {
	if b.Len() == 0 {
		return
	}
	c.medium.commit(c.id, b.ops, false)
}

func (c *MemoryContext) Clear() {
	c.medium.commit(c.id, nil, true)
}

func (c *MemoryContext) Subscribe(fn func(Change)) func() {
	return c.subs.add(fn)
}

// Close detaches the context; it stops receiving changes
func (c *MemoryContext) Close() {
	c.medium.detach(c.id)
}
