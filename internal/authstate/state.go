package authstate

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/worksheet-dev/worksheet/internal/kvstore"
)

// Persisted key names. Renaming any of them needs a migration.
const (
	KeySessionToken      = "worksheet.session_token"
	KeyUserEmail         = "worksheet.user_email"
	KeyLoginMethod       = "worksheet.login_method"
	KeyIsPro             = "worksheet.is_pro"
	KeySessionID         = "worksheet.session_id"
	KeyDeviceFingerprint = "worksheet.device_fingerprint"
	KeyPendingPayment    = "worksheet.pending_payment"
	KeyRedirectPath      = "worksheet.redirect_path"
)

// Login method tags stored under KeyLoginMethod
const (
	// MethodSession marks credentials obtained through the session-based login path
	MethodSession = "session"
	// MethodEmail marks the legacy email-only path, which is never pro
	MethodEmail = "email"
)

// CredentialKeys are written and cleared together as one unit
var CredentialKeys = []string{
	KeySessionToken,
	KeyUserEmail,
	KeyLoginMethod,
	KeyIsPro,
	KeySessionID,
}

// IsCredentialKey reports whether key takes part in deriving AuthState
func IsCredentialKey(key string) bool {
	switch key {
	case KeySessionToken, KeyUserEmail, KeyLoginMethod, KeyIsPro:
		return true
	default:
		return false
	}
}

// AuthState is who is logged in and at what tier. It is a value: replace it, never
// mutate it.
type AuthState struct {
	SessionToken string
	UserEmail    string
	IsPro        bool
	// Loading is only set on the snapshot published before the first derivation
	Loading bool
}

// LoggedOut is the state every failure path falls back to
var LoggedOut = AuthState{}

// Initial is the snapshot consumers see until the first derivation settles
var Initial = AuthState{Loading: true}

// LoggedIn reports whether a user email is known
func (s AuthState) LoggedIn() bool {
	return s.UserEmail != ""
}

// Equal compares two states structurally
func (s AuthState) Equal(other AuthState) bool {
	return s == other
}

// Derive reads the credential keys and returns the resulting state. Partial or
// corrupted records derive to LoggedOut.
func Derive(r kvstore.Reader) AuthState {
	state, err := Parse(r)
	if err != nil {
		return LoggedOut
	}
	return state
}

// Parse is Derive that also reports why a record was rejected as corrupted.
// Incomplete records are not an error; they are simply logged out.
func Parse(r kvstore.Reader) (AuthState, error) {
	token := read(r, KeySessionToken)
	email := read(r, KeyUserEmail)
	method := read(r, KeyLoginMethod)

	if token == "" || email == "" || method == "" {
		return LoggedOut, nil
	}

	isPro := false
	switch method {
	case MethodSession:
		if raw := read(r, KeyIsPro); raw != "" {
			v, err := strconv.ParseBool(raw)
			if err != nil {
				return LoggedOut, fmt.Errorf("corrupted %s value %q: %w", KeyIsPro, raw, err)
			}
			isPro = v
		}
	case MethodEmail:
	default:
		return LoggedOut, fmt.Errorf("unknown login method %q", method)
	}

	return AuthState{
		SessionToken: token,
		UserEmail:    email,
		IsPro:        isPro,
	}, nil
}

func read(r kvstore.Reader, key string) string {
	v, ok := r.Get(key)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}
