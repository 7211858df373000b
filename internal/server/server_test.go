package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worksheet-dev/worksheet/internal/identity"
	"github.com/worksheet-dev/worksheet/internal/models"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	server *Server
	client *identity.Client
	clock  *testClock
	url    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	clock := &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	srv, err := New(Options{JWTSecret: "test-secret", Now: clock.Now}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{
		server: srv,
		client: identity.New(ts.URL),
		clock:  clock,
		url:    ts.URL,
	}
}

func device(fp string) identity.DeviceInfo {
	return identity.DeviceInfo{Fingerprint: fp, DeviceType: identity.DeviceDesktop, Browser: "cli", OS: "linux"}
}

func (e *testEnv) magicLogin(t *testing.T, email, fp string) *identity.Credentials {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, e.client.RequestMagicLink(ctx, email, ""))
	token, ok := e.server.LastToken(email, models.PurposeLogin)
	require.True(t, ok)

	creds, err := e.client.VerifyLoginToken(ctx, token, device(fp))
	require.NoError(t, err)
	return creds
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.url + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMagicLink_CreatesAccountOnVerify(t *testing.T) {
	env := newTestEnv(t)

	creds := env.magicLogin(t, "New@Example.com", "fp-1")
	assert.Equal(t, "new@example.com", creds.Email)
	assert.False(t, creds.IsPro)
	assert.NotEmpty(t, creds.SessionToken)
	assert.NotEmpty(t, creds.SessionID)

	info, err := env.client.ValidateSession(context.Background(), creds.SessionToken)
	require.NoError(t, err)
	assert.Equal(t, creds.SessionID, info.SessionID)
}

func TestMagicLink_TokenIsSingleUse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	token, err := env.server.IssueMagicToken("a@example.com")
	require.NoError(t, err)

	_, err = env.client.VerifyLoginToken(ctx, token, device("fp-1"))
	require.NoError(t, err)

	_, err = env.client.VerifyLoginToken(ctx, token, device("fp-1"))
	assert.ErrorIs(t, err, identity.ErrInvalidToken)
}

func TestMagicLink_TokenExpires(t *testing.T) {
	env := newTestEnv(t)

	token, err := env.server.IssueMagicToken("a@example.com")
	require.NoError(t, err)

	env.clock.Advance(16 * time.Minute)
	_, err = env.client.VerifyLoginToken(context.Background(), token, device("fp-1"))
	assert.ErrorIs(t, err, identity.ErrInvalidToken)
}

func TestMagicLink_NeutralForAnyEmail(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.client.RequestMagicLink(context.Background(), "nobody@example.com", "/export"))
	mails := env.server.Outbox()
	require.Len(t, mails, 1)
	assert.Equal(t, "/export", mails[0].RedirectPath)
}

func TestLogin_Errors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.server.CreateUser("pw@example.com", "hunter22!", false)
	require.NoError(t, err)
	_, err = env.server.CreateUser("link@example.com", "", false)
	require.NoError(t, err)

	_, err = env.client.LoginWithPassword(ctx, "pw@example.com", "wrong-password", device("fp"))
	assert.ErrorIs(t, err, identity.ErrInvalidCredentials)

	_, err = env.client.LoginWithPassword(ctx, "ghost@example.com", "whatever1", device("fp"))
	assert.ErrorIs(t, err, identity.ErrInvalidCredentials)

	_, err = env.client.LoginWithPassword(ctx, "link@example.com", "whatever1", device("fp"))
	assert.ErrorIs(t, err, identity.ErrPasswordNotSet)

	creds, err := env.client.LoginWithPassword(ctx, "pw@example.com", "hunter22!", device("fp"))
	require.NoError(t, err)
	assert.Equal(t, "pw@example.com", creds.Email)
}

func TestSessions_FourthLoginEvictsLeastRecentlyUsed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var all []*identity.Credentials
	for _, fp := range []string{"fp-1", "fp-2", "fp-3", "fp-4"} {
		all = append(all, env.magicLogin(t, "multi@example.com", fp))
		env.clock.Advance(time.Minute)
	}

	sessions, err := env.client.ListSessions(ctx, all[3].SessionToken)
	require.NoError(t, err)
	require.Len(t, sessions, 3)

	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.SessionID)
	}
	assert.NotContains(t, ids, all[0].SessionID)
	assert.Equal(t, all[3].SessionID, sessions[0].SessionID)
	assert.True(t, sessions[0].Current)

	_, err = env.client.ValidateSession(ctx, all[0].SessionToken)
	assert.ErrorIs(t, err, identity.ErrSessionExpired)
}

func TestSessions_UseRefreshesRecency(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.magicLogin(t, "multi@example.com", "fp-1")
	env.clock.Advance(time.Minute)
	second := env.magicLogin(t, "multi@example.com", "fp-2")
	env.clock.Advance(time.Minute)
	env.magicLogin(t, "multi@example.com", "fp-3")
	env.clock.Advance(time.Minute)

	// touching the first session makes the second the oldest
	_, err := env.client.ValidateSession(ctx, first.SessionToken)
	require.NoError(t, err)
	env.clock.Advance(time.Minute)

	env.magicLogin(t, "multi@example.com", "fp-4")

	_, err = env.client.ValidateSession(ctx, first.SessionToken)
	assert.NoError(t, err)
	_, err = env.client.ValidateSession(ctx, second.SessionToken)
	assert.ErrorIs(t, err, identity.ErrSessionExpired)
}

func TestSessions_SameDeviceReplacesSession(t *testing.T) {
	env := newTestEnv(t)

	env.magicLogin(t, "a@example.com", "fp-1")
	again := env.magicLogin(t, "a@example.com", "fp-1")

	sessions, err := env.client.ListSessions(context.Background(), again.SessionToken)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestSessions_DeleteAndLogout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := env.magicLogin(t, "a@example.com", "fp-1")
	b := env.magicLogin(t, "a@example.com", "fp-2")

	require.NoError(t, env.client.DeleteSession(ctx, a.SessionToken, b.SessionID))
	_, err := env.client.ValidateSession(ctx, b.SessionToken)
	assert.ErrorIs(t, err, identity.ErrSessionExpired)

	err = env.client.DeleteSession(ctx, a.SessionToken, "missing")
	var apiErr *identity.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)

	require.NoError(t, env.client.Logout(ctx, a.SessionToken))
	_, err = env.client.ValidateSession(ctx, a.SessionToken)
	assert.ErrorIs(t, err, identity.ErrSessionExpired)
}

func TestSessions_OtherAccountCannotDelete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := env.magicLogin(t, "a@example.com", "fp-1")
	b := env.magicLogin(t, "b@example.com", "fp-1")

	err := env.client.DeleteSession(ctx, a.SessionToken, b.SessionID)
	assert.Error(t, err)

	_, err = env.client.ValidateSession(ctx, b.SessionToken)
	assert.NoError(t, err)
}

func TestMissingBearerUsesFlatEnvelope(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.client.ValidateSession(context.Background(), "")
	var apiErr *identity.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "Missing authorization header", apiErr.Message)
	assert.ErrorIs(t, err, identity.ErrSessionExpired)
}

func TestBindingErrorUsesTopLevelEnvelope(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Post(env.url+"/api/auth/magic-link", "application/json", strings.NewReader(`{"email":"nope"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPasswordResetFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	creds := env.magicLogin(t, "a@example.com", "fp-1")

	require.NoError(t, env.client.RequestPasswordReset(ctx, "ghost@example.com"))
	_, ok := env.server.LastToken("ghost@example.com", models.PurposeReset)
	assert.False(t, ok)

	require.NoError(t, env.client.RequestPasswordReset(ctx, "a@example.com"))
	token, ok := env.server.LastToken("a@example.com", models.PurposeReset)
	require.True(t, ok)

	require.NoError(t, env.client.ConfirmPasswordReset(ctx, token, "brand-new-pass"))
	assert.ErrorIs(t, env.client.ConfirmPasswordReset(ctx, token, "brand-new-pass"), identity.ErrInvalidToken)

	// existing sessions are signed out
	_, err := env.client.ValidateSession(ctx, creds.SessionToken)
	assert.ErrorIs(t, err, identity.ErrSessionExpired)

	_, err = env.client.LoginWithPassword(ctx, "a@example.com", "brand-new-pass", device("fp-1"))
	assert.NoError(t, err)
}

func TestSetPassword(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	creds := env.magicLogin(t, "a@example.com", "fp-1")

	_, err := env.client.LoginWithPassword(ctx, "a@example.com", "password-123", device("fp-1"))
	require.ErrorIs(t, err, identity.ErrPasswordNotSet)

	require.NoError(t, env.client.SetPassword(ctx, creds.SessionToken, "password-123"))

	_, err = env.client.LoginWithPassword(ctx, "a@example.com", "password-123", device("fp-2"))
	assert.NoError(t, err)
}

func TestCheckoutFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pre, err := env.client.PreCheckout(ctx, "buyer@example.com")
	require.NoError(t, err)
	assert.False(t, pre.AccountExists)

	session, err := env.client.CreateCheckoutSession(ctx, identity.CheckoutRequest{Email: "buyer@example.com", Plan: "monthly"})
	require.NoError(t, err)
	assert.Contains(t, session.RedirectURL, session.ID)

	status, err := env.client.CheckoutStatus(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, identity.CheckoutPending, status.Status)
	assert.Empty(t, status.Token)

	token, err := env.server.CompleteCheckout(session.ID)
	require.NoError(t, err)

	status, err = env.client.CheckoutStatus(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, identity.CheckoutComplete, status.Status)
	assert.Equal(t, token, status.Token)

	creds, err := env.client.VerifyCheckoutToken(ctx, token, device("fp-1"))
	require.NoError(t, err)
	assert.True(t, creds.IsPro)

	_, err = env.client.VerifyCheckoutToken(ctx, token, device("fp-1"))
	assert.ErrorIs(t, err, identity.ErrInvalidToken)

	// a checkout token is not a login token
	_, err = env.client.VerifyLoginToken(ctx, token, device("fp-1"))
	assert.ErrorIs(t, err, identity.ErrInvalidToken)

	_, err = env.client.CreateCheckoutSession(ctx, identity.CheckoutRequest{Email: "buyer@example.com", Plan: "yearly"})
	assert.ErrorIs(t, err, identity.ErrDuplicateSubscription)
}

func TestFailCheckout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	session, err := env.client.CreateCheckoutSession(ctx, identity.CheckoutRequest{Email: "buyer@example.com", Plan: "monthly"})
	require.NoError(t, err)
	require.NoError(t, env.server.FailCheckout(session.ID))

	status, err := env.client.CheckoutStatus(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, identity.CheckoutFailed, status.Status)
}

func TestExports_QuotaAndPremium(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	creds := env.magicLogin(t, "free@example.com", "fp-1")

	_, err := env.client.Export(ctx, creds.SessionToken, identity.ExportRequest{DocumentID: "d1", Layout: "economy"})
	assert.ErrorIs(t, err, identity.ErrPremiumRequired)

	for i := 0; i < 3; i++ {
		res, err := env.client.Export(ctx, creds.SessionToken, identity.ExportRequest{DocumentID: "d1", Layout: "standard"})
		require.NoError(t, err)
		assert.Equal(t, 2-i, res.RemainingToday)
	}

	_, err = env.client.Export(ctx, creds.SessionToken, identity.ExportRequest{DocumentID: "d1", Layout: "standard"})
	assert.ErrorIs(t, err, identity.ErrQuotaExceeded)

	env.clock.Advance(24 * time.Hour)
	_, err = env.client.Export(ctx, creds.SessionToken, identity.ExportRequest{DocumentID: "d1", Layout: "standard"})
	assert.NoError(t, err)
}

func TestExports_ProIsUnlimited(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.server.CreateUser("pro@example.com", "", true)
	require.NoError(t, err)
	creds := env.magicLogin(t, "pro@example.com", "fp-1")
	assert.True(t, creds.IsPro)

	for i := 0; i < 5; i++ {
		res, err := env.client.Export(ctx, creds.SessionToken, identity.ExportRequest{DocumentID: "d1", Layout: "economy"})
		require.NoError(t, err)
		assert.Equal(t, -1, res.RemainingToday)
	}
}

func TestDevOutbox(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.url + "/api/dev/outbox")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	srv, err := New(Options{JWTSecret: "test-secret", DevOutbox: true}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	require.NoError(t, identity.New(ts.URL).RequestMagicLink(context.Background(), "a@example.com", ""))

	resp, err = http.Get(ts.URL + "/api/dev/outbox")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Mail []Mail `json:"mail"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Mail, 1)
	assert.Equal(t, "a@example.com", body.Mail[0].To)
	assert.NotEmpty(t, body.Mail[0].Token)
}
