package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDevice = DeviceInfo{Fingerprint: "fp-1", DeviceType: DeviceDesktop, Browser: "cli", OS: "linux"}

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, opts...)
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func TestDecodeError_EnvelopeShapes(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode string
		wantMsg  string
		wantKind error
	}{
		{"flat string", 401, `{"error":"bad token"}`, "", "bad token", ErrSessionExpired},
		{"nested object", 429, `{"error":{"code":"quota_exceeded","message":"limit reached"}}`, CodeQuotaExceeded, "limit reached", ErrQuotaExceeded},
		{"top level code", 403, `{"code":"premium_required","message":"upgrade"}`, CodePremiumRequired, "upgrade", ErrPremiumRequired},
		{"not json", 500, "gateway exploded\n", "", "gateway exploded", nil},
		{"empty body", 409, "", "", "", ErrDuplicateSubscription},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			})

			_, err := c.ValidateSession(context.Background(), "tok")
			require.Error(t, err)

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Equal(t, tt.wantCode, apiErr.Code)
			assert.Equal(t, tt.wantMsg, apiErr.Message)
			if tt.wantKind != nil {
				assert.ErrorIs(t, err, tt.wantKind)
			} else {
				assert.Nil(t, apiErr.Unwrap())
			}
		})
	}
}

func TestVerifyLoginToken_Success(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/auth/verify", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "magic", body["token"])
		assert.Equal(t, "fp-1", body["device_fingerprint"])
		assert.Equal(t, "desktop", body["device_type"])

		writeJSON(w, 200, `{"session_token":"jwt","session_id":"s1","email":"a@example.com","is_pro":true}`)
	})

	creds, err := c.VerifyLoginToken(context.Background(), "magic", testDevice)
	require.NoError(t, err)
	assert.Equal(t, Credentials{SessionToken: "jwt", SessionID: "s1", Email: "a@example.com", IsPro: true}, *creds)
}

func TestVerifyLoginToken_Bare401IsInvalidToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 401, `{"error":"nope"}`)
	})

	_, err := c.VerifyLoginToken(context.Background(), "magic", testDevice)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.NotErrorIs(t, err, ErrSessionExpired)
}

func TestVerifyLoginToken_ConsumedCode(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 400, `{"error":{"code":"token_consumed","message":"already used"}}`)
	})

	_, err := c.VerifyLoginToken(context.Background(), "magic", testDevice)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyLoginToken_RejectsMissingCredentials(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, `{"session_token":"","email":"a@example.com"}`)
	})

	_, err := c.VerifyLoginToken(context.Background(), "magic", testDevice)
	assert.Error(t, err)
}

func TestVerifyLoginToken_RequiresFingerprint(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	})

	_, err := c.VerifyLoginToken(context.Background(), "magic", DeviceInfo{})
	assert.Error(t, err)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestLoginWithPassword_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"bare 401", `{"error":"unauthorized"}`, ErrInvalidCredentials},
		{"password not set", `{"code":"password_not_set","message":"use magic link"}`, ErrPasswordNotSet},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, 401, tt.body)
			})
			_, err := c.LoginWithPassword(context.Background(), "a@example.com", "secret123", testDevice)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestValidateSession_SendsBearer(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer jwt", r.Header.Get("Authorization"))
		writeJSON(w, 200, `{"session_id":"s1","email":"a@example.com","is_pro":false}`)
	})

	info, err := c.ValidateSession(context.Background(), "jwt")
	require.NoError(t, err)
	assert.Equal(t, "s1", info.SessionID)
}

func TestNetworkFailureWrapsErrNetwork(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(url)
	_, err := c.ValidateSession(context.Background(), "jwt")
	assert.ErrorIs(t, err, ErrNetwork)

	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr))
}

func TestRequestMagicLink_ValidatesEmail(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	})

	err := c.RequestMagicLink(context.Background(), "not-an-email", "")
	assert.Error(t, err)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestDeleteSession_EscapesID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/api/auth/sessions/abc", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, c.DeleteSession(context.Background(), "jwt", "abc"))
	assert.Error(t, c.DeleteSession(context.Background(), "jwt", ""))
}

func TestPollCheckout_CompletesAfterPending(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			writeJSON(w, 200, `{"id":"co1","status":"pending"}`)
			return
		}
		writeJSON(w, 200, `{"id":"co1","status":"complete","token":"checkout-tok"}`)
	}, WithPolling(5, time.Millisecond))

	status, err := c.PollCheckout(context.Background(), "co1")
	require.NoError(t, err)
	assert.Equal(t, CheckoutComplete, status.Status)
	assert.Equal(t, "checkout-tok", status.Token)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestPollCheckout_TimesOut(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeJSON(w, 200, `{"id":"co1","status":"pending"}`)
	}, WithPolling(4, time.Millisecond))

	_, err := c.PollCheckout(context.Background(), "co1")
	assert.ErrorIs(t, err, ErrVerificationTimedOut)
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
}

func TestPollCheckout_APIErrorStopsImmediately(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeJSON(w, 404, `{"error":"no such checkout"}`)
	}, WithPolling(5, time.Millisecond))

	_, err := c.PollCheckout(context.Background(), "co1")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 404, apiErr.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestPollCheckout_HonoursContext(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, `{"id":"co1","status":"pending"}`)
	}, WithPolling(5, time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.PollCheckout(ctx, "co1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExport_QuotaAndPremium(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req ExportRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Layout == "economy" {
			writeJSON(w, 403, `{"error":{"code":"premium_required","message":"pro only"}}`)
			return
		}
		writeJSON(w, 429, `{"error":"daily limit"}`)
	})

	_, err := c.Export(context.Background(), "jwt", ExportRequest{DocumentID: "d1", Layout: "economy"})
	assert.ErrorIs(t, err, ErrPremiumRequired)

	_, err = c.Export(context.Background(), "jwt", ExportRequest{DocumentID: "d1", Layout: "standard"})
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}
