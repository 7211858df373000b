package pending

import (
	"context"
	"sync"

	"github.com/worksheet-dev/worksheet/internal/authstate"
	"github.com/worksheet-dev/worksheet/internal/gate"
)

// Action is a UI operation deferred until authentication succeeds
type Action struct {
	Type     string
	Metadata map[string]any
	// Capability is checked again before a replay; empty skips the check
	Capability gate.Capability
	// Callback replays the action with the then-current auth state; optional
	Callback func(ctx context.Context, state authstate.AuthState) error
}

// Queue is a single-slot register. Only one authentication prompt can be open at a
// time, so a newer action replaces an unconsumed older one.
type Queue struct {
	mu   sync.Mutex
	slot *Action
}

// NewQueue returns an empty queue
func NewQueue() *Queue {
	return &Queue{}
}

// Set stores action, replacing any previous one
func (q *Queue) Set(action Action) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.slot = &action
}

// Consume returns the stored action and empties the slot. A second call before the
// next Set reports false.
func (q *Queue) Consume() (Action, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.slot == nil {
		return Action{}, false
	}
	action := *q.slot
	q.slot = nil
	return action, true
}

// Peek returns the stored action without consuming it
func (q *Queue) Peek() (Action, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.slot == nil {
		return Action{}, false
	}
	return *q.slot, true
}

// Discard drops the stored action, e.g. when the user abandons the login prompt
func (q *Queue) Discard() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.slot = nil
}
