// Package authsync keeps the process-wide AuthState in step with the persisted
// credential record, whether the record changed because of this process or because
// another context sharing the store wrote it.
package authsync

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/worksheet-dev/worksheet/internal/authstate"
	"github.com/worksheet-dev/worksheet/internal/events"
	"github.com/worksheet-dev/worksheet/internal/kvstore"
)

// Synchronizer re-derives AuthState whenever the local bus or the shared store
// reports an auth change
type Synchronizer struct {
	store   kvstore.Reader
	state   *authstate.Store
	sources []events.Source
	logger  zerolog.Logger

	mu        sync.Mutex
	holds     int
	coalesced bool
	cancels   []func()

	// serializes derive+publish so an older read never overwrites a newer one
	recomputeMu sync.Mutex
}

// New wires a synchronizer for store. bus is the in-process auth changed channel.
func New(store kvstore.Store, state *authstate.Store, bus *events.Bus, logger zerolog.Logger) *Synchronizer {
	return &Synchronizer{
		store:   store,
		state:   state,
		sources: []events.Source{bus, events.FromStore(store)},
		logger:  logger,
	}
}

// Start subscribes to every source and performs the initial derivation, which
// ends the Loading phase
func (s *Synchronizer) Start() {
	s.mu.Lock()
	if s.cancels != nil {
		s.mu.Unlock()
		return
	}
	for _, src := range s.sources {
		s.cancels = append(s.cancels, src.Subscribe(s.handle))
	}
	s.mu.Unlock()

	s.Refresh()
}

// Stop unsubscribes from every source
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	cancels := s.cancels
	s.cancels = nil
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

func (s *Synchronizer) handle(ev events.Event) {
	if ev.Origin == events.CrossContext && !ev.Cleared && !authstate.IsCredentialKey(ev.Key) {
		return
	}

	s.mu.Lock()
	if s.holds > 0 {
		s.coalesced = true
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.logger.Debug().Str("origin", ev.Origin.String()).Str("key", ev.Key).Msg("Auth change observed")
	s.Refresh()
}

// Refresh derives and publishes the current state now
func (s *Synchronizer) Refresh() authstate.AuthState {
	s.recomputeMu.Lock()
	defer s.recomputeMu.Unlock()

	next := s.derive()
	s.state.Replace(next)
	return next
}

func (s *Synchronizer) derive() (state authstate.AuthState) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("panic", fmt.Sprint(r)).Msg("Auth state derivation panicked, treating as logged out")
			state = authstate.LoggedOut
		}
	}()

	state, err := authstate.Parse(s.store)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Corrupted credential record, treating as logged out")
		return authstate.LoggedOut
	}
	return state
}

// Suppress coalesces auth change triggers until the returned hold is released.
// The writer releases it once its write has landed; triggers seen in between
// collapse into a single recomputation at release.
func (s *Synchronizer) Suppress() *Hold {
	s.mu.Lock()
	s.holds++
	s.mu.Unlock()
	return &Hold{s: s}
}

func (s *Synchronizer) release() {
	s.mu.Lock()
	if s.holds > 0 {
		s.holds--
	}
	fire := s.holds == 0 && s.coalesced
	if fire {
		s.coalesced = false
	}
	s.mu.Unlock()

	if fire {
		s.Refresh()
	}
}

// Suppressed reports whether any hold is outstanding
func (s *Synchronizer) Suppressed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holds > 0
}

// Hold is a write acknowledgement token returned by Suppress
type Hold struct {
	s    *Synchronizer
	once sync.Once
}

// Release acknowledges the write. Only the first call has an effect.
func (h *Hold) Release() {
	h.once.Do(h.s.release)
}
