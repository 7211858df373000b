package authsync

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worksheet-dev/worksheet/internal/authstate"
	"github.com/worksheet-dev/worksheet/internal/events"
	"github.com/worksheet-dev/worksheet/internal/kvstore"
)

type tab struct {
	store *kvstore.MemoryContext
	state *authstate.Store
	bus   *events.Bus
	sync  *Synchronizer
	seen  []authstate.AuthState
}

func openTab(medium *kvstore.Memory) *tab {
	tb := &tab{
		store: medium.Context(),
		state: authstate.NewStore(),
		bus:   events.NewBus(),
	}
	tb.sync = New(tb.store, tb.state, tb.bus, zerolog.Nop())
	tb.state.Subscribe(func(a authstate.AuthState) { tb.seen = append(tb.seen, a) })
	tb.sync.Start()
	return tb
}

func login(s kvstore.Store, email string, pro bool) {
	isPro := "false"
	if pro {
		isPro = "true"
	}
	s.Apply(kvstore.NewBatch().
		Set(authstate.KeySessionToken, "tok-"+email).
		Set(authstate.KeyUserEmail, email).
		Set(authstate.KeyLoginMethod, authstate.MethodSession).
		Set(authstate.KeyIsPro, isPro))
}

func logout(s kvstore.Store) {
	b := kvstore.NewBatch()
	for _, k := range authstate.CredentialKeys {
		b.Remove(k)
	}
	s.Apply(b)
}

func TestStart_EndsLoading(t *testing.T) {
	tb := openTab(kvstore.NewMemory(zerolog.Nop()))

	assert.False(t, tb.state.Current().Loading)
	assert.Equal(t, authstate.LoggedOut, tb.state.Current())
}

func TestLocalSignal_AlwaysRecomputes(t *testing.T) {
	tb := openTab(kvstore.NewMemory(zerolog.Nop()))

	login(tb.store, "a@example.com", true)
	assert.Equal(t, authstate.LoggedOut, tb.state.Current(), "own writes are not observed without a signal")

	tb.bus.Emit()
	assert.True(t, tb.state.Current().IsPro)
	assert.Equal(t, "a@example.com", tb.state.Current().UserEmail)
}

func TestCrossContext_CredentialWritesPropagate(t *testing.T) {
	medium := kvstore.NewMemory(zerolog.Nop())
	first := openTab(medium)
	second := openTab(medium)

	login(first.store, "a@example.com", false)
	assert.Equal(t, "a@example.com", second.state.Current().UserEmail)

	logout(first.store)
	assert.Equal(t, authstate.LoggedOut, second.state.Current())
}

func TestCrossContext_UnrelatedKeysIgnored(t *testing.T) {
	medium := kvstore.NewMemory(zerolog.Nop())
	first := openTab(medium)
	second := openTab(medium)
	before := len(second.seen)

	// Written without recomputation so a recompute would be visible
	second.store.Apply(kvstore.NewBatch().
		Set(authstate.KeySessionToken, "t").
		Set(authstate.KeyUserEmail, "x@example.com").
		Set(authstate.KeyLoginMethod, authstate.MethodSession))

	first.store.Set("worksheet.theme", "dark")
	first.store.Set(authstate.KeyDeviceFingerprint, "fp")

	assert.Len(t, second.seen, before)
	assert.Equal(t, authstate.LoggedOut, second.state.Current())
}

func TestCrossContext_ClearLogsOut(t *testing.T) {
	medium := kvstore.NewMemory(zerolog.Nop())
	first := openTab(medium)
	second := openTab(medium)

	login(first.store, "a@example.com", true)
	require.True(t, second.state.Current().IsPro)

	first.store.Clear()
	assert.Equal(t, authstate.LoggedOut, second.state.Current())
}

func TestSuppress_CoalescesIntoSingleRecompute(t *testing.T) {
	tb := openTab(kvstore.NewMemory(zerolog.Nop()))
	before := len(tb.seen)

	hold := tb.sync.Suppress()
	login(tb.store, "a@example.com", false)
	tb.bus.Emit()
	tb.bus.Emit()
	assert.Len(t, tb.seen, before, "nothing published while suppressed")
	assert.True(t, tb.sync.Suppressed())

	hold.Release()
	hold.Release()

	assert.False(t, tb.sync.Suppressed())
	require.Len(t, tb.seen, before+1)
	assert.Equal(t, "a@example.com", tb.state.Current().UserEmail)
}

func TestSuppress_ReleaseWithoutTriggersIsQuiet(t *testing.T) {
	tb := openTab(kvstore.NewMemory(zerolog.Nop()))
	before := len(tb.seen)

	tb.sync.Suppress().Release()

	assert.Len(t, tb.seen, before)
}

func TestSuppress_NestedHoldsReleaseOnLast(t *testing.T) {
	tb := openTab(kvstore.NewMemory(zerolog.Nop()))

	outer := tb.sync.Suppress()
	inner := tb.sync.Suppress()
	login(tb.store, "a@example.com", false)
	tb.bus.Emit()

	inner.Release()
	assert.Equal(t, authstate.LoggedOut, tb.state.Current())

	outer.Release()
	assert.Equal(t, "a@example.com", tb.state.Current().UserEmail)
}

// A guard that stayed latched would hide a later logout made in another context
func TestSuppress_DoesNotLatchAgainstLaterExternalLogout(t *testing.T) {
	medium := kvstore.NewMemory(zerolog.Nop())
	self := openTab(medium)
	other := openTab(medium)

	hold := self.sync.Suppress()
	login(self.store, "a@example.com", true)
	self.bus.Emit()

	// An external write that lands while the hold is outstanding is coalesced
	other.store.Set(authstate.KeyIsPro, "false")
	hold.Release()
	assert.Equal(t, "a@example.com", self.state.Current().UserEmail)
	assert.False(t, self.state.Current().IsPro)

	logout(other.store)
	assert.Equal(t, authstate.LoggedOut, self.state.Current())
}

func TestCorruptedRecord_FallsBackToLoggedOut(t *testing.T) {
	tb := openTab(kvstore.NewMemory(zerolog.Nop()))
	login(tb.store, "a@example.com", true)
	tb.bus.Emit()
	require.True(t, tb.state.Current().IsPro)

	tb.store.Set(authstate.KeyLoginMethod, "???")
	tb.bus.Emit()

	assert.Equal(t, authstate.LoggedOut, tb.state.Current())
}

type panickingReader struct{}

func (panickingReader) Get(string) (string, bool) {
	panic("disk on fire")
}

func TestDerivePanic_FallsBackToLoggedOut(t *testing.T) {
	state := authstate.NewStore()
	s := &Synchronizer{store: panickingReader{}, state: state, logger: zerolog.Nop()}

	assert.NotPanics(t, func() { s.Refresh() })
	assert.Equal(t, authstate.LoggedOut, state.Current())
}

func TestStop_Unsubscribes(t *testing.T) {
	medium := kvstore.NewMemory(zerolog.Nop())
	first := openTab(medium)
	second := openTab(medium)

	second.sync.Stop()
	login(first.store, "a@example.com", false)

	assert.Equal(t, authstate.LoggedOut, second.state.Current())
}
