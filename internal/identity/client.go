package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	defaultPollAttempts = 5
	defaultPollInterval = 2 * time.Second
)

// Client represents an HTTP client for the worksheet identity API
type Client struct {
	baseURL      string
	httpClient   *http.Client
	validate     *validator.Validate
	pollAttempts int
	pollInterval time.Duration
}

// Option configures a Client
type Option func(*Client)

// WithPolling overrides how often and how long PollCheckout waits
func WithPolling(attempts int, interval time.Duration) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.pollAttempts = attempts
		}
		if interval > 0 {
			c.pollInterval = interval
		}
	}
}

// WithHTTPClient sets the transport at construction time
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// New creates a new API client
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		validate:     validator.New(),
		pollAttempts: defaultPollAttempts,
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetHTTPClient sets a custom HTTP client
func (c *Client) SetHTTPClient(httpClient *http.Client) {
	c.httpClient = httpClient
}

// BaseURL returns the API root this client talks to
func (c *Client) BaseURL() string {
	return c.baseURL
}

// do sends one JSON request. A non-2xx answer becomes an *APIError; a transport
// failure wraps ErrNetwork.
func (c *Client) do(ctx context.Context, method, path, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%s %s: %w: %w", method, path, ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) credentials(ctx context.Context, path string, body any) (*Credentials, error) {
	var creds Credentials
	if err := c.do(ctx, http.MethodPost, path, "", body, &creds); err != nil {
		return nil, err
	}
	if creds.SessionToken == "" || creds.Email == "" {
		return nil, fmt.Errorf("%s: response is missing credentials", path)
	}
	return &creds, nil
}

type magicLinkRequest struct {
	Email        string `json:"email" validate:"required,email"`
	RedirectPath string `json:"redirect_path,omitempty"`
}

// RequestMagicLink asks the backend to email a single-use login link
func (c *Client) RequestMagicLink(ctx context.Context, email, redirectPath string) error {
	req := magicLinkRequest{Email: strings.TrimSpace(email), RedirectPath: redirectPath}
	if err := c.validate.Struct(req); err != nil {
		return fmt.Errorf("invalid email: %w", err)
	}
	return c.do(ctx, http.MethodPost, "/api/auth/magic-link", "", req, nil)
}

type tokenExchange struct {
	Token string `json:"token" validate:"required"`
	DeviceInfo
}

// VerifyLoginToken exchanges a magic-link token for a session
func (c *Client) VerifyLoginToken(ctx context.Context, token string, device DeviceInfo) (*Credentials, error) {
	req := tokenExchange{Token: token, DeviceInfo: device}
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid verification request: %w", err)
	}
	creds, err := c.credentials(ctx, "/api/auth/verify", req)
	return creds, remap(err, ErrSessionExpired, ErrInvalidToken)
}

// VerifyCheckoutToken exchanges a post-payment token for a pro session
func (c *Client) VerifyCheckoutToken(ctx context.Context, token string, device DeviceInfo) (*Credentials, error) {
	req := tokenExchange{Token: token, DeviceInfo: device}
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid verification request: %w", err)
	}
	creds, err := c.credentials(ctx, "/api/auth/verify-checkout", req)
	return creds, remap(err, ErrSessionExpired, ErrInvalidToken)
}

type passwordLogin struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	DeviceInfo
}

// LoginWithPassword authenticates with email and password
func (c *Client) LoginWithPassword(ctx context.Context, email, password string, device DeviceInfo) (*Credentials, error) {
	req := passwordLogin{Email: strings.TrimSpace(email), Password: password, DeviceInfo: device}
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid login request: %w", err)
	}
	creds, err := c.credentials(ctx, "/api/auth/login", req)
	return creds, remap(err, ErrSessionExpired, ErrInvalidCredentials)
}

// RequestPasswordReset emails a reset token. The backend answers the same way
// whether or not the account exists.
func (c *Client) RequestPasswordReset(ctx context.Context, email string) error {
	req := magicLinkRequest{Email: strings.TrimSpace(email)}
	if err := c.validate.Struct(req); err != nil {
		return fmt.Errorf("invalid email: %w", err)
	}
	return c.do(ctx, http.MethodPost, "/api/auth/password-reset", "", req, nil)
}

type resetConfirm struct {
	Token    string `json:"token" validate:"required"`
	Password string `json:"password" validate:"required,min=8"`
}

// ConfirmPasswordReset sets a new password using a reset token
func (c *Client) ConfirmPasswordReset(ctx context.Context, token, password string) error {
	req := resetConfirm{Token: token, Password: password}
	if err := c.validate.Struct(req); err != nil {
		return fmt.Errorf("invalid reset request: %w", err)
	}
	err := c.do(ctx, http.MethodPost, "/api/auth/password-reset/confirm", "", req, nil)
	return remap(err, ErrSessionExpired, ErrInvalidToken)
}

type setPassword struct {
	Password string `json:"password" validate:"required,min=8"`
}

// SetPassword sets or replaces the password of the signed-in account
func (c *Client) SetPassword(ctx context.Context, sessionToken, password string) error {
	req := setPassword{Password: password}
	if err := c.validate.Struct(req); err != nil {
		return fmt.Errorf("invalid password: %w", err)
	}
	return c.do(ctx, http.MethodPost, "/api/auth/password", sessionToken, req, nil)
}

// ValidateSession returns the server's view of a session token
func (c *Client) ValidateSession(ctx context.Context, sessionToken string) (*SessionInfo, error) {
	var info SessionInfo
	if err := c.do(ctx, http.MethodGet, "/api/auth/session", sessionToken, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ListSessions returns every active session of the account
func (c *Client) ListSessions(ctx context.Context, sessionToken string) ([]DeviceSession, error) {
	var resp struct {
		Sessions []DeviceSession `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/auth/sessions", sessionToken, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// DeleteSession revokes one session of the account
func (c *Client) DeleteSession(ctx context.Context, sessionToken, sessionID string) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	return c.do(ctx, http.MethodDelete, "/api/auth/sessions/"+url.PathEscape(sessionID), sessionToken, nil, nil)
}

// Logout revokes the current session
func (c *Client) Logout(ctx context.Context, sessionToken string) error {
	return c.do(ctx, http.MethodPost, "/api/auth/logout", sessionToken, nil, nil)
}

// PreCheckout reports whether an email already has an account or subscription
func (c *Client) PreCheckout(ctx context.Context, email string) (*PreCheckout, error) {
	req := magicLinkRequest{Email: strings.TrimSpace(email)}
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid email: %w", err)
	}
	var resp PreCheckout
	if err := c.do(ctx, http.MethodPost, "/api/billing/pre-checkout", "", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateCheckoutSession starts a hosted payment
func (c *Client) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	req.Email = strings.TrimSpace(req.Email)
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid checkout request: %w", err)
	}
	var session CheckoutSession
	if err := c.do(ctx, http.MethodPost, "/api/billing/checkout", "", req, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// CheckoutStatus fetches the state of a hosted payment once
func (c *Client) CheckoutStatus(ctx context.Context, checkoutID string) (*CheckoutStatus, error) {
	var status CheckoutStatus
	path := "/api/billing/checkout/" + url.PathEscape(checkoutID)
	if err := c.do(ctx, http.MethodGet, path, "", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// PollCheckout waits for a payment to leave the pending state. It gives up with
// ErrVerificationTimedOut after the configured number of attempts.
func (c *Client) PollCheckout(ctx context.Context, checkoutID string) (*CheckoutStatus, error) {
	var lastErr error
	for attempt := 1; attempt <= c.pollAttempts; attempt++ {
		status, err := c.CheckoutStatus(ctx, checkoutID)
		switch {
		case err == nil && status.Status != CheckoutPending:
			return status, nil
		case err != nil && !errors.Is(err, ErrNetwork):
			return nil, err
		}
		lastErr = err

		if attempt == c.pollAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w after %d attempts: %w", ErrVerificationTimedOut, c.pollAttempts, lastErr)
	}
	return nil, fmt.Errorf("%w after %d attempts", ErrVerificationTimedOut, c.pollAttempts)
}

// Export renders a document. Quota and premium failures come back as
// ErrQuotaExceeded and ErrPremiumRequired.
func (c *Client) Export(ctx context.Context, sessionToken string, req ExportRequest) (*ExportResult, error) {
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid export request: %w", err)
	}
	var result ExportResult
	if err := c.do(ctx, http.MethodPost, "/api/exports", sessionToken, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
