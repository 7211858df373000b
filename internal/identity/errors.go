package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var (
	ErrInvalidToken          = errors.New("invalid or expired token")
	ErrInvalidCredentials    = errors.New("invalid email or password")
	ErrPasswordNotSet        = errors.New("password not set for this account")
	ErrSessionExpired        = errors.New("session expired")
	ErrPremiumRequired       = errors.New("premium subscription required")
	ErrQuotaExceeded         = errors.New("daily export quota exceeded")
	ErrDuplicateSubscription = errors.New("subscription already active")
	ErrNetwork               = errors.New("network error")
	ErrVerificationTimedOut  = errors.New("verification timed out")
)

// Application error codes sent by the identity API
const (
	CodeInvalidToken          = "invalid_token"
	CodeTokenExpired          = "token_expired"
	CodeTokenConsumed         = "token_consumed"
	CodeInvalidCredentials    = "invalid_credentials"
	CodePasswordNotSet        = "password_not_set"
	CodeSessionExpired        = "session_expired"
	CodePremiumRequired       = "premium_required"
	CodeQuotaExceeded         = "quota_exceeded"
	CodeDuplicateSubscription = "duplicate_subscription"
)

// APIError is a non-2xx response normalised into one shape
type APIError struct {
	Status  int
	Code    string
	Message string
	// Kind overrides the sentinel derived from Status and Code
	Kind error
}

func (e *APIError) Error() string {
	code := e.Code
	if code == "" {
		code = "unknown"
	}
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("%s (status %d): %s", code, e.Status, msg)
}

// Unwrap exposes the sentinel so callers can use errors.Is
func (e *APIError) Unwrap() error {
	if e.Kind != nil {
		return e.Kind
	}
	return classify(e.Status, e.Code)
}

func classify(status int, code string) error {
	switch code {
	case CodeInvalidToken, CodeTokenExpired, CodeTokenConsumed:
		return ErrInvalidToken
	case CodeInvalidCredentials:
		return ErrInvalidCredentials
	case CodePasswordNotSet:
		return ErrPasswordNotSet
	case CodeSessionExpired:
		return ErrSessionExpired
	case CodePremiumRequired:
		return ErrPremiumRequired
	case CodeQuotaExceeded:
		return ErrQuotaExceeded
	case CodeDuplicateSubscription:
		return ErrDuplicateSubscription
	}

	switch status {
	case http.StatusUnauthorized:
		return ErrSessionExpired
	case http.StatusForbidden:
		return ErrPremiumRequired
	case http.StatusConflict:
		return ErrDuplicateSubscription
	case http.StatusTooManyRequests:
		return ErrQuotaExceeded
	default:
		return nil
	}
}

// decodeError reads a failed response. The API has answered with three envelope
// shapes over time:
//
//	{"error": "message"}
//	{"error": {"code": "...", "message": "..."}}
//	{"code": "...", "message": "..."}
func decodeError(resp *http.Response) *APIError {
	apiErr := &APIError{Status: resp.StatusCode}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if len(data) == 0 {
		return apiErr
	}

	var envelope struct {
		Error   json.RawMessage `json:"error"`
		Code    string          `json:"code"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		apiErr.Message = strings.TrimSpace(string(data))
		return apiErr
	}

	apiErr.Code = envelope.Code
	apiErr.Message = envelope.Message

	if len(envelope.Error) > 0 {
		var msg string
		if err := json.Unmarshal(envelope.Error, &msg); err == nil {
			apiErr.Message = msg
		} else {
			var nested struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			}
			if err := json.Unmarshal(envelope.Error, &nested); err == nil {
				apiErr.Code = nested.Code
				apiErr.Message = nested.Message
			}
		}
	}

	return apiErr
}

// remap rewrites a status-derived sentinel for endpoints where a bare status means
// something more specific, e.g. a 401 from token verification is a bad token, not
// an expired session
func remap(err error, from, to error) error {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Kind != nil || apiErr.Code != "" {
		return err
	}
	if errors.Is(classify(apiErr.Status, ""), from) {
		apiErr.Kind = to
	}
	return err
}
