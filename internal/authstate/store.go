package authstate

import "sync"

// Store holds the process-wide AuthState and notifies subscribers when it changes
type Store struct {
	mu      sync.RWMutex
	current AuthState
	next    int
	subs    map[int]func(AuthState)
}

// NewStore returns a store holding Initial
func NewStore() *Store {
	return &Store{
		current: Initial,
		subs:    make(map[int]func(AuthState)),
	}
}

// Current returns the latest snapshot
func (s *Store) Current() AuthState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Replace swaps in next and publishes it. Structurally equal states are not
// published; the return value reports whether anything changed.
func (s *Store) Replace(next AuthState) bool {
	s.mu.Lock()
	if s.current.Equal(next) {
		s.mu.Unlock()
		return false
	}
	s.current = next
	fns := make([]func(AuthState), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(next)
	}
	return true
}

// Subscribe registers fn for future changes
func (s *Store) Subscribe(fn func(AuthState)) func() {
	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}
