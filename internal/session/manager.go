// Package session drives the auth lifecycle: token exchanges, validation,
// device sessions, logout and checkout. Every credential change goes through the
// persisted store as one batch followed by a single "auth changed" signal; the
// synchronizer turns that into a new AuthState.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/worksheet-dev/worksheet/internal/authstate"
	"github.com/worksheet-dev/worksheet/internal/authsync"
	"github.com/worksheet-dev/worksheet/internal/events"
	"github.com/worksheet-dev/worksheet/internal/identity"
	"github.com/worksheet-dev/worksheet/internal/kvstore"
	"github.com/worksheet-dev/worksheet/internal/pending"
)

const defaultValidateInterval = 60 * time.Second

var (
	ErrNotLoggedIn        = errors.New("not logged in")
	ErrCannotEvictCurrent = errors.New("cannot evict the current session")
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrNoPendingCheckout  = errors.New("no checkout awaiting verification")
	ErrCheckoutFailed     = errors.New("checkout failed")
)

// API is the identity and billing backend as the manager uses it
type API interface {
	RequestMagicLink(ctx context.Context, email, redirectPath string) error
	VerifyLoginToken(ctx context.Context, token string, device identity.DeviceInfo) (*identity.Credentials, error)
	VerifyCheckoutToken(ctx context.Context, token string, device identity.DeviceInfo) (*identity.Credentials, error)
	LoginWithPassword(ctx context.Context, email, password string, device identity.DeviceInfo) (*identity.Credentials, error)
	RequestPasswordReset(ctx context.Context, email string) error
	ConfirmPasswordReset(ctx context.Context, token, password string) error
	SetPassword(ctx context.Context, sessionToken, password string) error
	ValidateSession(ctx context.Context, sessionToken string) (*identity.SessionInfo, error)
	ListSessions(ctx context.Context, sessionToken string) ([]identity.DeviceSession, error)
	DeleteSession(ctx context.Context, sessionToken, sessionID string) error
	Logout(ctx context.Context, sessionToken string) error
	PreCheckout(ctx context.Context, email string) (*identity.PreCheckout, error)
	CreateCheckoutSession(ctx context.Context, req identity.CheckoutRequest) (*identity.CheckoutSession, error)
	PollCheckout(ctx context.Context, checkoutID string) (*identity.CheckoutStatus, error)
}

var _ API = (*identity.Client)(nil)

// Options wires a Manager to its collaborators
type Options struct {
	Store    kvstore.Store
	API      API
	State    *authstate.Store
	Bus      *events.Bus
	Sync     *authsync.Synchronizer
	Queue    *pending.Queue
	Prompter Prompter
	Logger   zerolog.Logger

	// ValidateInterval is the period of silent validation; sub-second values
	// are rounded up to one second
	ValidateInterval time.Duration
	// Device describes this client; the fingerprint is filled in by the manager
	Device identity.DeviceInfo
}

// Manager is the session lifecycle manager
type Manager struct {
	store    kvstore.Store
	api      API
	state    *authstate.Store
	bus      *events.Bus
	sync     *authsync.Synchronizer
	queue    *pending.Queue
	logger   zerolog.Logger
	validate *validator.Validate
	device   identity.DeviceInfo
	interval time.Duration

	mu          sync.Mutex
	prompter    Prompter
	exchanges   int
	validations int
	scheduler   *cron.Cron

	fingerprintMu sync.Mutex
	// credMu orders credential writes against each other, so a check of the
	// stored token and the write that depends on it cannot be split by a logout
	credMu sync.Mutex
}

// New creates a manager. Store, API, State, Bus, Sync and Queue are required.
func New(opts Options) (*Manager, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("session: store is required")
	case opts.API == nil:
		return nil, errors.New("session: api is required")
	case opts.State == nil, opts.Bus == nil, opts.Sync == nil:
		return nil, errors.New("session: state, bus and synchronizer are required")
	case opts.Queue == nil:
		return nil, errors.New("session: pending queue is required")
	}

	prompter := opts.Prompter
	if prompter == nil {
		prompter = NopPrompter{}
	}
	interval := opts.ValidateInterval
	if interval <= 0 {
		interval = defaultValidateInterval
	}
	device := opts.Device
	if device.DeviceType == "" {
		device.DeviceType = identity.DeviceDesktop
	}

	return &Manager{
		store:    opts.Store,
		api:      opts.API,
		state:    opts.State,
		bus:      opts.Bus,
		sync:     opts.Sync,
		queue:    opts.Queue,
		logger:   opts.Logger,
		validate: validator.New(),
		device:   device,
		interval: interval,
		prompter: prompter,
	}, nil
}

// SetPrompter replaces the prompter. Prompters that drive the manager themselves
// are installed after construction.
func (m *Manager) SetPrompter(p Prompter) {
	if p == nil {
		p = NopPrompter{}
	}
	m.mu.Lock()
	m.prompter = p
	m.mu.Unlock()
}

// prompt opens a flow unless the initiating context is already gone
func (m *Manager) prompt(ctx context.Context, p Prompt) {
	if ctx.Err() != nil {
		m.logger.Debug().Str("prompt", p.String()).Msg("Context done, not prompting")
		return
	}
	m.mu.Lock()
	prompter := m.prompter
	m.mu.Unlock()

	prompter.Prompt(ctx, p)
}

// State returns the current auth state
func (m *Manager) State() authstate.AuthState {
	return m.state.Current()
}

// Status reports where the session lifecycle stands
func (m *Manager) Status() Status {
	m.mu.Lock()
	exchanging := m.exchanges > 0
	m.mu.Unlock()

	if exchanging {
		return StatusPendingVerification
	}
	return statusOf(m.state.Current())
}

// DeviceFingerprint returns the persisted fingerprint, creating it on first use
func (m *Manager) DeviceFingerprint() string {
	m.fingerprintMu.Lock()
	defer m.fingerprintMu.Unlock()

	if fp, ok := m.store.Get(authstate.KeyDeviceFingerprint); ok && fp != "" {
		return fp
	}
	fp := ulid.Make().String()
	m.store.Set(authstate.KeyDeviceFingerprint, fp)
	m.logger.Debug().Str("fingerprint", fp).Msg("Created device fingerprint")
	return fp
}

func (m *Manager) deviceInfo() identity.DeviceInfo {
	d := m.device
	d.Fingerprint = m.DeviceFingerprint()
	return d
}

// SetRedirectPath remembers where to go after the next login
func (m *Manager) SetRedirectPath(path string) {
	if path == "" {
		m.store.Remove(authstate.KeyRedirectPath)
		return
	}
	m.store.Set(authstate.KeyRedirectPath, path)
}

// TakeRedirectPath returns and forgets the post-login redirect path
func (m *Manager) TakeRedirectPath() (string, bool) {
	return m.take(authstate.KeyRedirectPath)
}

// PendingPayment returns the checkout awaiting verification, if any
func (m *Manager) PendingPayment() (string, bool) {
	id, ok := m.store.Get(authstate.KeyPendingPayment)
	return id, ok && id != ""
}

func (m *Manager) take(key string) (string, bool) {
	m.fingerprintMu.Lock()
	defer m.fingerprintMu.Unlock()

	v, ok := m.store.Get(key)
	if !ok || v == "" {
		return "", false
	}
	m.store.Remove(key)
	return v, true
}

// AbandonFlow drops the deferred action when the user walks away from a prompt
func (m *Manager) AbandonFlow() {
	if _, ok := m.queue.Peek(); ok {
		m.logger.Debug().Msg("Discarding pending action")
	}
	m.queue.Discard()
}

// writeCredentials stores a session as one batch and signals once. The hold
// keeps the synchronizer from reacting to its own write until the batch landed.
func (m *Manager) writeCredentials(creds *identity.Credentials, method string) {
	m.credMu.Lock()
	defer m.credMu.Unlock()
	m.applyCredentials(creds, method)
}

// refreshCredentials rewrites the session only while token is still the stored
// one. It reports whether the write happened.
func (m *Manager) refreshCredentials(token string, creds *identity.Credentials) bool {
	m.credMu.Lock()
	defer m.credMu.Unlock()

	if current, _ := m.sessionToken(); current != token {
		return false
	}
	method, _ := m.store.Get(authstate.KeyLoginMethod)
	if method == "" {
		method = authstate.MethodSession
	}
	m.applyCredentials(creds, method)
	return true
}

func (m *Manager) applyCredentials(creds *identity.Credentials, method string) {
	hold := m.sync.Suppress()
	defer hold.Release()

	batch := kvstore.NewBatch().
		Set(authstate.KeySessionToken, creds.SessionToken).
		Set(authstate.KeyUserEmail, creds.Email).
		Set(authstate.KeyLoginMethod, method).
		Set(authstate.KeyIsPro, fmt.Sprint(creds.IsPro))
	if creds.SessionID != "" {
		batch.Set(authstate.KeySessionID, creds.SessionID)
	} else {
		batch.Remove(authstate.KeySessionID)
	}
	m.store.Apply(batch)
	m.bus.Emit()
}

// clearCredentials removes every credential key as one batch and signals once
func (m *Manager) clearCredentials() {
	m.credMu.Lock()
	defer m.credMu.Unlock()
	m.removeCredentials()
}

// clearCredentialsIf clears the session only while token is still the stored
// one, so a stale rejection never undoes a newer login
func (m *Manager) clearCredentialsIf(token string) bool {
	m.credMu.Lock()
	defer m.credMu.Unlock()

	if current, _ := m.sessionToken(); current != token {
		return false
	}
	m.removeCredentials()
	return true
}

func (m *Manager) removeCredentials() {
	hold := m.sync.Suppress()
	defer hold.Release()

	batch := kvstore.NewBatch()
	for _, key := range authstate.CredentialKeys {
		batch.Remove(key)
	}
	m.store.Apply(batch)
	m.bus.Emit()
}

func (m *Manager) sessionToken() (string, bool) {
	token, ok := m.store.Get(authstate.KeySessionToken)
	return token, ok && token != ""
}

// StartValidation schedules silent validation every interval. Calling it again
// while running is a no-op.
func (m *Manager) StartValidation() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.scheduler != nil {
		return nil
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(fmt.Sprintf("@every %s", m.interval), m.validateTick); err != nil {
		return fmt.Errorf("failed to schedule validation: %w", err)
	}
	scheduler.Start()
	m.scheduler = scheduler

	m.logger.Debug().Dur("interval", m.interval).Msg("Silent validation started")
	return nil
}

// StopValidation stops the silent validation timer. A tick already running is
// not waited for.
func (m *Manager) StopValidation() {
	m.mu.Lock()
	scheduler := m.scheduler
	m.scheduler = nil
	m.mu.Unlock()

	if scheduler != nil {
		scheduler.Stop()
		m.logger.Debug().Msg("Silent validation stopped")
	}
}

// Validating reports whether the silent validation timer is running
func (m *Manager) Validating() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scheduler != nil
}

func (m *Manager) validateTick() {
	m.mu.Lock()
	busy := m.validations > 0
	m.mu.Unlock()

	if busy {
		m.logger.Debug().Msg("Validation already in flight, skipping tick")
		return
	}
	if _, ok := m.sessionToken(); !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := m.ValidateSession(ctx, ValidateOptions{Silent: true}); err != nil {
		m.logger.Debug().Err(err).Msg("Silent validation failed")
	}
}

// Close stops background work
func (m *Manager) Close() {
	m.StopValidation()
}
