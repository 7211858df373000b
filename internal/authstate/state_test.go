package authstate

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worksheet-dev/worksheet/internal/kvstore"
)

func newStore(values map[string]string) kvstore.Store {
	s := kvstore.NewMemory(zerolog.Nop()).Context()
	b := kvstore.NewBatch()
	for k, v := range values {
		b.Set(k, v)
	}
	s.Apply(b)
	return s
}

func fullRecord(method string, pro string) map[string]string {
	return map[string]string{
		KeySessionToken: "tok",
		KeyUserEmail:    "user@example.com",
		KeyLoginMethod:  method,
		KeyIsPro:        pro,
	}
}

func TestDerive(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]string
		want   AuthState
	}{
		{
			name:   "empty store",
			values: nil,
			want:   LoggedOut,
		},
		{
			name:   "session login, pro",
			values: fullRecord(MethodSession, "true"),
			want:   AuthState{SessionToken: "tok", UserEmail: "user@example.com", IsPro: true},
		},
		{
			name:   "session login, free",
			values: fullRecord(MethodSession, "false"),
			want:   AuthState{SessionToken: "tok", UserEmail: "user@example.com"},
		},
		{
			name:   "legacy email login never pro",
			values: fullRecord(MethodEmail, "true"),
			want:   AuthState{SessionToken: "tok", UserEmail: "user@example.com"},
		},
		{
			name: "blank email",
			values: map[string]string{
				KeySessionToken: "tok",
				KeyUserEmail:    "   ",
				KeyLoginMethod:  MethodSession,
				KeyIsPro:        "true",
			},
			want: LoggedOut,
		},
		{
			name:   "unknown method",
			values: fullRecord("oauth", "true"),
			want:   LoggedOut,
		},
		{
			name:   "corrupted pro flag",
			values: fullRecord(MethodSession, "yes please"),
			want:   LoggedOut,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Derive(newStore(tt.values)))
		})
	}
}

func TestDerive_AnySingleMissingKeyIsLoggedOut(t *testing.T) {
	for _, missing := range []string{KeySessionToken, KeyUserEmail, KeyLoginMethod} {
		t.Run(missing, func(t *testing.T) {
			s := newStore(fullRecord(MethodSession, "true"))
			s.Remove(missing)
			assert.Equal(t, LoggedOut, Derive(s))
		})
	}
}

// Walks every combination of present/absent credential keys and method tags
func TestDerive_ProRequiresCompleteSessionRecord(t *testing.T) {
	tokens := []string{"", "tok"}
	emails := []string{"", " ", "user@example.com"}
	methods := []string{"", MethodSession, MethodEmail, "bogus"}
	pros := []string{"", "true", "false", "garbage"}

	for _, tok := range tokens {
		for _, email := range emails {
			for _, method := range methods {
				for _, pro := range pros {
					values := map[string]string{}
					if tok != "" {
						values[KeySessionToken] = tok
					}
					if email != "" {
						values[KeyUserEmail] = email
					}
					if method != "" {
						values[KeyLoginMethod] = method
					}
					if pro != "" {
						values[KeyIsPro] = pro
					}

					got := Derive(newStore(values))
					if got.IsPro {
						require.NotEmpty(t, got.SessionToken)
						require.NotEmpty(t, got.UserEmail)
						require.Equal(t, MethodSession, method)
					}
					if got.SessionToken == "" {
						require.Equal(t, LoggedOut, got)
					}
				}
			}
		}
	}
}

func TestDerive_Idempotent(t *testing.T) {
	s := newStore(fullRecord(MethodSession, "true"))
	assert.True(t, Derive(s).Equal(Derive(s)))
}

func TestParse_ReportsCorruption(t *testing.T) {
	_, err := Parse(newStore(fullRecord(MethodSession, "maybe")))
	assert.Error(t, err)

	_, err = Parse(newStore(nil))
	assert.NoError(t, err)
}

func TestIsCredentialKey(t *testing.T) {
	assert.True(t, IsCredentialKey(KeySessionToken))
	assert.True(t, IsCredentialKey(KeyIsPro))
	assert.False(t, IsCredentialKey(KeyDeviceFingerprint))
	assert.False(t, IsCredentialKey("theme"))
}
