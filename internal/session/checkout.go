package session

import (
	"context"
	"errors"
	"net/http"

	"github.com/worksheet-dev/worksheet/internal/authstate"
	"github.com/worksheet-dev/worksheet/internal/identity"
)

// PreCheckout reports whether email already has an account or subscription
func (m *Manager) PreCheckout(ctx context.Context, email string) (*identity.PreCheckout, error) {
	email, err := m.checkEmail(email)
	if err != nil {
		return nil, err
	}
	return m.api.PreCheckout(ctx, email)
}

// StartCheckout creates a hosted payment and remembers it for AwaitCheckout.
// An empty email falls back to the signed-in account.
func (m *Manager) StartCheckout(ctx context.Context, email, plan string) (*identity.CheckoutSession, error) {
	if email == "" {
		email = m.state.Current().UserEmail
	}
	email, err := m.checkEmail(email)
	if err != nil {
		return nil, err
	}

	checkout, err := m.api.CreateCheckoutSession(ctx, identity.CheckoutRequest{Email: email, Plan: plan})
	if err != nil {
		return nil, err
	}

	m.store.Set(authstate.KeyPendingPayment, checkout.ID)
	m.logger.Info().Str("checkout_id", checkout.ID).Msg("Checkout started")
	return checkout, nil
}

// AwaitCheckout polls the remembered checkout and, once paid, signs in with the
// checkout token. The marker survives a timeout or transport failure so the
// wait can be resumed; every terminal answer removes it.
func (m *Manager) AwaitCheckout(ctx context.Context) (*LoginResult, error) {
	checkoutID, ok := m.PendingPayment()
	if !ok {
		return nil, ErrNoPendingCheckout
	}

	status, err := m.api.PollCheckout(ctx, checkoutID)
	if err != nil {
		var apiErr *identity.APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			m.store.Remove(authstate.KeyPendingPayment)
		}
		return nil, err
	}

	if status.Status != identity.CheckoutComplete {
		m.store.Remove(authstate.KeyPendingPayment)
		m.logger.Warn().Str("checkout_id", checkoutID).Str("status", status.Status).Msg("Checkout did not complete")
		return nil, ErrCheckoutFailed
	}

	return m.VerifyCheckoutToken(ctx, status.Token)
}
