package session

import (
	"context"

	"github.com/worksheet-dev/worksheet/internal/authstate"
)

// Status is the position in the session lifecycle:
//
//	anonymous -> pending-verification -> authenticated(free) -> authenticated(pro) -> anonymous
//
// It is derived on demand. Pending verification lasts exactly as long as a token
// exchange is in flight.
type Status int

const (
	StatusAnonymous Status = iota
	StatusPendingVerification
	StatusFree
	StatusPro
)

func (s Status) String() string {
	switch s {
	case StatusAnonymous:
		return "anonymous"
	case StatusPendingVerification:
		return "pending-verification"
	case StatusFree:
		return "authenticated(free)"
	case StatusPro:
		return "authenticated(pro)"
	default:
		return "unknown"
	}
}

func statusOf(state authstate.AuthState) Status {
	switch {
	case state.Loading || !state.LoggedIn():
		return StatusAnonymous
	case state.IsPro:
		return StatusPro
	default:
		return StatusFree
	}
}

// Prompt names an interactive flow the manager asks the UI to open
type Prompt int

const (
	PromptLogin Prompt = iota
	PromptRegistration
	PromptUpgrade
	// PromptQuotaUpgrade is the upgrade flow with daily-limit copy
	PromptQuotaUpgrade
	PromptSessionExpired
)

func (p Prompt) String() string {
	switch p {
	case PromptLogin:
		return "login"
	case PromptRegistration:
		return "registration"
	case PromptUpgrade:
		return "upgrade"
	case PromptQuotaUpgrade:
		return "quota-upgrade"
	case PromptSessionExpired:
		return "session-expired"
	default:
		return "unknown"
	}
}

// Prompter opens interactive flows. It stands in for the modals of a graphical
// client.
type Prompter interface {
	Prompt(ctx context.Context, p Prompt)
}

// PrompterFunc adapts a function to Prompter
type PrompterFunc func(ctx context.Context, p Prompt)

func (f PrompterFunc) Prompt(ctx context.Context, p Prompt) { f(ctx, p) }

// NopPrompter ignores every prompt
type NopPrompter struct{}

func (NopPrompter) Prompt(context.Context, Prompt) {}
