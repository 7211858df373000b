package gate

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/worksheet-dev/worksheet/internal/authstate"
	"github.com/worksheet-dev/worksheet/internal/identity"
)

// every settled combination of the AuthState fields
func settledStates() []authstate.AuthState {
	var states []authstate.AuthState
	for _, tok := range []string{"", "tok"} {
		for _, email := range []string{"", "user@example.com"} {
			for _, pro := range []bool{false, true} {
				states = append(states, authstate.AuthState{SessionToken: tok, UserEmail: email, IsPro: pro})
			}
		}
	}
	return states
}

func TestDecide_EconomyLayoutIsExactlyIsPro(t *testing.T) {
	for _, s := range settledStates() {
		got := Decide(s, EconomyLayout)
		if s.IsPro {
			assert.Equal(t, Allow, got, "%+v", s)
		} else {
			assert.Equal(t, RequireUpgrade, got, "%+v", s)
		}
	}
}

func TestDecide_ExportNeedsEmail(t *testing.T) {
	for _, s := range settledStates() {
		got := Decide(s, Export)
		if s.UserEmail != "" {
			assert.Equal(t, Allow, got, "%+v", s)
		} else {
			assert.Equal(t, RequireRegistration, got, "%+v", s)
		}
	}
}

func TestDecide_LoadingIsIndeterminate(t *testing.T) {
	loading := authstate.Initial
	assert.Equal(t, Indeterminate, Decide(loading, Export))
	assert.Equal(t, Indeterminate, Decide(loading, EconomyLayout))

	pro := authstate.AuthState{SessionToken: "t", UserEmail: "u@example.com", IsPro: true, Loading: true}
	assert.Equal(t, Indeterminate, Decide(pro, EconomyLayout))
}

func TestDecide_UnknownCapability(t *testing.T) {
	assert.Equal(t, Indeterminate, Decide(authstate.LoggedOut, Capability("teleport")))
}

func TestFromError(t *testing.T) {
	tests := []struct {
		err  error
		want Outcome
	}{
		{nil, Allow},
		{identity.ErrQuotaExceeded, QuotaExceeded},
		{fmt.Errorf("export failed: %w", identity.ErrQuotaExceeded), QuotaExceeded},
		{&identity.APIError{Status: 403, Code: "premium_required"}, RequireUpgrade},
		{&identity.APIError{Status: 401}, RequireLogin},
		{errors.New("boom"), Indeterminate},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, FromError(tt.err), "%v", tt.err)
	}
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "require-upgrade", RequireUpgrade.String())
	assert.Equal(t, "quota-exceeded", QuotaExceeded.String())
	assert.Equal(t, "unknown", Outcome(99).String())
}
