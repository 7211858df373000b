package gate

import (
	"errors"

	"github.com/worksheet-dev/worksheet/internal/authstate"
	"github.com/worksheet-dev/worksheet/internal/identity"
)

// Capability is a gated feature
type Capability string

const (
	// Export is downloading a generated PDF
	Export Capability = "export"
	// EconomyLayout is the paper-saving layout reserved for pro accounts
	EconomyLayout Capability = "economyLayout"
)

// Outcome is the result of a gate decision
type Outcome int

const (
	Allow Outcome = iota
	RequireLogin
	RequireRegistration
	RequireUpgrade
	QuotaExceeded
	// Indeterminate means the auth state has not settled yet; callers should wait
	Indeterminate
)

func (o Outcome) String() string {
	switch o {
	case Allow:
		return "allow"
	case RequireLogin:
		return "require-login"
	case RequireRegistration:
		return "require-registration"
	case RequireUpgrade:
		return "require-upgrade"
	case QuotaExceeded:
		return "quota-exceeded"
	case Indeterminate:
		return "indeterminate"
	default:
		return "unknown"
	}
}

// Decide pre-filters a capability against the local auth state. Quota is never
// predicted here; it only shows up through FromError.
//
// A denied EconomyLayout is not downgraded: the caller picks the fallback layout.
func Decide(state authstate.AuthState, capability Capability) Outcome {
	if state.Loading {
		return Indeterminate
	}

	switch capability {
	case Export:
		if state.UserEmail != "" {
			return Allow
		}
		return RequireRegistration
	case EconomyLayout:
		if state.IsPro {
			return Allow
		}
		return RequireUpgrade
	default:
		return Indeterminate
	}
}

// FromError translates a server failure of a gated call into an outcome
func FromError(err error) Outcome {
	switch {
	case err == nil:
		return Allow
	case errors.Is(err, identity.ErrQuotaExceeded):
		return QuotaExceeded
	case errors.Is(err, identity.ErrPremiumRequired):
		return RequireUpgrade
	case errors.Is(err, identity.ErrSessionExpired):
		return RequireLogin
	default:
		return Indeterminate
	}
}
