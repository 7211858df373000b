package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/worksheet-dev/worksheet/internal/authstate"
	"github.com/worksheet-dev/worksheet/internal/gate"
	"github.com/worksheet-dev/worksheet/internal/identity"
	"github.com/worksheet-dev/worksheet/internal/pending"
)

// LoginResult is what an interactive login hands back to the UI
type LoginResult struct {
	Email string
	IsPro bool
	// RedirectPath is the consumed post-login redirect marker, if one was set
	RedirectPath string
	// Replayed is set when a pending action was run after the login
	Replayed      bool
	ReplayOutcome gate.Outcome
	ReplayErr     error
}

// ValidateOptions controls ValidateSession
type ValidateOptions struct {
	// Silent validation never prompts and never replays pending actions
	Silent bool
}

func (m *Manager) checkEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	if err := m.validate.Var(email, "required,email"); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidEmail, email)
	}
	return email, nil
}

// RequestMagicLink asks for a sign-in link. Whether or not the account exists,
// a nil error means "a link was sent if the account exists". Only a malformed
// email or a transport failure is reported.
func (m *Manager) RequestMagicLink(ctx context.Context, email string) error {
	email, err := m.checkEmail(email)
	if err != nil {
		return err
	}

	redirect, _ := m.store.Get(authstate.KeyRedirectPath)
	err = m.api.RequestMagicLink(ctx, email, redirect)
	return m.neutral(err, "magic link")
}

// RequestPasswordReset asks for a reset link with the same neutral contract as
// RequestMagicLink
func (m *Manager) RequestPasswordReset(ctx context.Context, email string) error {
	email, err := m.checkEmail(email)
	if err != nil {
		return err
	}
	return m.neutral(m.api.RequestPasswordReset(ctx, email), "password reset")
}

func (m *Manager) neutral(err error, what string) error {
	var apiErr *identity.APIError
	if errors.As(err, &apiErr) {
		m.logger.Warn().Err(err).Str("request", what).Msg("Request rejected, answering neutrally")
		return nil
	}
	return err
}

// ConfirmPasswordReset sets a new password with a reset token. It does not sign in.
func (m *Manager) ConfirmPasswordReset(ctx context.Context, token, password string) error {
	return m.api.ConfirmPasswordReset(ctx, token, password)
}

// SetPassword sets the signed-in account's password
func (m *Manager) SetPassword(ctx context.Context, password string) error {
	token, ok := m.sessionToken()
	if !ok {
		return ErrNotLoggedIn
	}
	err := m.api.SetPassword(ctx, token, password)
	if errors.Is(err, identity.ErrSessionExpired) {
		m.expire(ctx, token, false)
	}
	return err
}

// VerifyLoginToken exchanges a magic-link token. A consumed or expired token
// fails with identity.ErrInvalidToken and leaves the stored session untouched.
func (m *Manager) VerifyLoginToken(ctx context.Context, token string) (*LoginResult, error) {
	return m.exchange(ctx, func(ctx context.Context, device identity.DeviceInfo) (*identity.Credentials, error) {
		return m.api.VerifyLoginToken(ctx, token, device)
	})
}

// VerifyCheckoutToken exchanges a post-payment token for a pro session and
// resolves the pending payment marker
func (m *Manager) VerifyCheckoutToken(ctx context.Context, token string) (*LoginResult, error) {
	res, err := m.exchange(ctx, func(ctx context.Context, device identity.DeviceInfo) (*identity.Credentials, error) {
		return m.api.VerifyCheckoutToken(ctx, token, device)
	})
	if err == nil || errors.Is(err, identity.ErrInvalidToken) {
		m.store.Remove(authstate.KeyPendingPayment)
	}
	return res, err
}

// LoginWithPassword signs in with email and password
func (m *Manager) LoginWithPassword(ctx context.Context, email, password string) (*LoginResult, error) {
	email, err := m.checkEmail(email)
	if err != nil {
		return nil, err
	}
	return m.exchange(ctx, func(ctx context.Context, device identity.DeviceInfo) (*identity.Credentials, error) {
		return m.api.LoginWithPassword(ctx, email, password, device)
	})
}

type exchangeFunc func(ctx context.Context, device identity.DeviceInfo) (*identity.Credentials, error)

// exchange runs a token exchange. The result is stored even if ctx ends after
// the server answered; only the UI side of the success path depends on ctx.
func (m *Manager) exchange(ctx context.Context, call exchangeFunc) (*LoginResult, error) {
	m.mu.Lock()
	m.exchanges++
	m.mu.Unlock()

	creds, err := func() (*identity.Credentials, error) {
		defer func() {
			m.mu.Lock()
			m.exchanges--
			m.mu.Unlock()
		}()

		creds, err := call(ctx, m.deviceInfo())
		if err != nil {
			return nil, err
		}
		m.writeCredentials(creds, authstate.MethodSession)
		return creds, nil
	}()
	if err != nil {
		return nil, err
	}

	m.logger.Info().Str("session_id", creds.SessionID).Bool("is_pro", creds.IsPro).Msg("Signed in")

	res := &LoginResult{Email: creds.Email, IsPro: creds.IsPro}
	res.RedirectPath, _ = m.TakeRedirectPath()
	m.replay(ctx, res)
	return res, nil
}

// replay runs the pending action once with the fresh state. A done context
// leaves the action queued for a later success path. The action's capability is
// decided again first: a login does not lift a pro-only gate for a free account.
func (m *Manager) replay(ctx context.Context, res *LoginResult) {
	if ctx.Err() != nil {
		return
	}
	action, ok := m.queue.Consume()
	if !ok {
		return
	}

	if action.Capability != "" {
		if outcome := gate.Decide(m.state.Current(), action.Capability); outcome != gate.Allow {
			m.logger.Debug().Str("action", action.Type).Str("outcome", outcome.String()).Msg("Pending action still gated")
			res.ReplayOutcome = outcome
			m.keepPending(ctx, outcome, action)
			return
		}
	}

	m.logger.Debug().Str("action", action.Type).Msg("Replaying pending action")
	res.Replayed = true
	res.ReplayOutcome, res.ReplayErr = m.run(ctx, action)
}

// ValidateSession checks the stored token with the server. On success the
// server's email and tier replace the local ones; no pending action is replayed,
// since confirming a session is not a login. A rejected token clears the
// credentials; interactive validation then opens the login flow with any pending
// action kept for the next login, silent validation only logs.
func (m *Manager) ValidateSession(ctx context.Context, opts ValidateOptions) error {
	token, ok := m.sessionToken()
	if !ok {
		return ErrNotLoggedIn
	}

	m.mu.Lock()
	m.validations++
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.validations--
		m.mu.Unlock()
	}()

	info, err := m.api.ValidateSession(ctx, token)
	if err != nil {
		if errors.Is(err, identity.ErrSessionExpired) {
			m.expire(ctx, token, opts.Silent)
		} else if opts.Silent {
			m.logger.Warn().Err(err).Msg("Silent validation failed")
		}
		return err
	}

	refreshed := m.refreshCredentials(token, &identity.Credentials{
		SessionToken: token,
		SessionID:    info.SessionID,
		Email:        info.Email,
		IsPro:        info.IsPro,
	})
	if !refreshed {
		m.logger.Debug().Msg("Session replaced during validation, dropping result")
	}
	return nil
}

// expire handles a rejected token. Credentials are cleared only while token is
// still the stored one, so a newer login is never undone by a stale answer.
func (m *Manager) expire(ctx context.Context, token string, silent bool) {
	if m.clearCredentialsIf(token) {
		m.logger.Info().Bool("silent", silent).Msg("Session expired, credentials cleared")
	}
	if silent {
		return
	}
	m.prompt(ctx, PromptSessionExpired)
	m.prompt(ctx, PromptLogin)
}

// ListSessions returns the account's device sessions
func (m *Manager) ListSessions(ctx context.Context) ([]identity.DeviceSession, error) {
	token, ok := m.sessionToken()
	if !ok {
		return nil, ErrNotLoggedIn
	}
	sessions, err := m.api.ListSessions(ctx, token)
	if errors.Is(err, identity.ErrSessionExpired) {
		m.expire(ctx, token, false)
	}
	return sessions, err
}

// EvictSession revokes another device's session. The current session is refused
// locally; when no session id is stored the server's device list names it.
func (m *Manager) EvictSession(ctx context.Context, sessionID string) error {
	token, ok := m.sessionToken()
	if !ok {
		return ErrNotLoggedIn
	}
	current, err := m.currentSessionID(ctx, token)
	if err != nil {
		return err
	}
	if current == sessionID {
		return ErrCannotEvictCurrent
	}

	err = m.api.DeleteSession(ctx, token, sessionID)
	if errors.Is(err, identity.ErrSessionExpired) {
		m.expire(ctx, token, false)
	}
	return err
}

// Logout signs out. The local credentials are always cleared, even when the
// server cannot be reached.
func (m *Manager) Logout(ctx context.Context) error {
	m.StopValidation()

	if token, ok := m.sessionToken(); ok {
		if err := m.api.Logout(ctx, token); err != nil {
			m.logger.Warn().Err(err).Msg("Remote logout failed, clearing local session anyway")
		}
	}

	m.clearCredentials()
	m.queue.Discard()
	m.logger.Info().Msg("Logged out")
	return nil
}

// RunGated runs action if capability is open to the current state. Denials keep
// the action pending and open the matching flow; server-side denials are
// translated the same way after the fact.
func (m *Manager) RunGated(ctx context.Context, capability gate.Capability, action pending.Action) (gate.Outcome, error) {
	action.Capability = capability
	outcome := gate.Decide(m.state.Current(), capability)
	if outcome == gate.Allow {
		return m.run(ctx, action)
	}
	m.keepPending(ctx, outcome, action)
	return outcome, nil
}

// keepPending keeps a denied action pending and opens the flow that can lift outcome
func (m *Manager) keepPending(ctx context.Context, outcome gate.Outcome, action pending.Action) {
	switch outcome {
	case gate.RequireRegistration:
		m.queue.Set(action)
		m.prompt(ctx, PromptRegistration)
	case gate.RequireLogin:
		m.queue.Set(action)
		m.prompt(ctx, PromptLogin)
	case gate.RequireUpgrade:
		m.queue.Set(action)
		m.prompt(ctx, PromptUpgrade)
	}
}

func (m *Manager) run(ctx context.Context, action pending.Action) (gate.Outcome, error) {
	if action.Callback == nil {
		return gate.Allow, nil
	}

	state := m.state.Current()
	err := action.Callback(ctx, state)
	outcome := gate.FromError(err)

	switch outcome {
	case gate.QuotaExceeded:
		m.queue.Set(action)
		m.prompt(ctx, PromptQuotaUpgrade)
	case gate.RequireUpgrade:
		m.queue.Set(action)
		m.prompt(ctx, PromptUpgrade)
	case gate.RequireLogin:
		m.queue.Set(action)
		m.expire(ctx, state.SessionToken, false)
	}
	return outcome, err
}

// currentSessionID returns this client's session id, asking the server when the
// stored record lacks one
func (m *Manager) currentSessionID(ctx context.Context, token string) (string, error) {
	if id, ok := m.store.Get(authstate.KeySessionID); ok && id != "" {
		return id, nil
	}

	sessions, err := m.api.ListSessions(ctx, token)
	if err != nil {
		if errors.Is(err, identity.ErrSessionExpired) {
			m.expire(ctx, token, false)
		}
		return "", err
	}
	for _, s := range sessions {
		if s.Current {
			return s.SessionID, nil
		}
	}
	return "", ErrCannotEvictCurrent
}
