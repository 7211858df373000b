package server

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/worksheet-dev/worksheet/internal/auth"
	"github.com/worksheet-dev/worksheet/internal/models"
)

// Mail is a message the backend would have emailed. There is no mail transport:
// messages are kept in memory and logged.
type Mail struct {
	To           string `json:"to"`
	Purpose      string `json:"purpose"`
	Token        string `json:"token"`
	RedirectPath string `json:"redirect_path,omitempty"`
}

func (s *Server) deliver(m Mail) {
	s.outboxMu.Lock()
	s.outbox = append(s.outbox, m)
	s.outboxMu.Unlock()

	s.logger.Info().Str("to", m.To).Str("purpose", m.Purpose).Msg("Mail queued")
}

// Outbox returns every message sent so far
func (s *Server) Outbox() []Mail {
	s.outboxMu.Lock()
	defer s.outboxMu.Unlock()
	return append([]Mail(nil), s.outbox...)
}

func (s *Server) listOutbox(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"mail": s.Outbox()})
}

// LastToken returns the most recent token mailed to email for purpose
func (s *Server) LastToken(email, purpose string) (string, bool) {
	email = normalizeEmail(email)

	s.outboxMu.Lock()
	defer s.outboxMu.Unlock()
	for i := len(s.outbox) - 1; i >= 0; i-- {
		if s.outbox[i].To == email && s.outbox[i].Purpose == purpose {
			return s.outbox[i].Token, true
		}
	}
	return "", false
}

// CreateUser provisions an account directly. An empty password creates a
// link-only account.
func (s *Server) CreateUser(email, password string, pro bool) (*models.User, error) {
	email = normalizeEmail(email)
	if err := s.validator.Var(email, "required,email"); err != nil {
		return nil, fmt.Errorf("invalid email: %w", err)
	}

	user := &models.User{
		BaseModel: models.BaseModel{CreatedAt: s.opts.Now()},
		Email:     email,
		IsPro:     pro,
	}
	if password != "" {
		hash, err := auth.HashPassword(password)
		if err != nil {
			return nil, err
		}
		user.PasswordHash = hash
	}

	if err := s.db.Create(user).Error; err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// IssueMagicToken issues a login token for email as the magic link endpoint would
func (s *Server) IssueMagicToken(email string) (string, error) {
	return s.issueToken(normalizeEmail(email), models.PurposeLogin, "")
}

// CompleteCheckout marks a pending checkout paid and issues its verification
// token. Completing an already complete checkout returns the same token.
func (s *Server) CompleteCheckout(checkoutID string) (string, error) {
	var token string
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var checkout models.CheckoutSession
		if err := models.FindByID(tx, checkoutID, &checkout); err != nil {
			return err
		}
		if checkout.Status == models.CheckoutComplete {
			token = checkout.Token
			return nil
		}

		value, err := auth.RandomToken(24)
		if err != nil {
			return err
		}
		now := s.opts.Now()
		if err := tx.Create(&models.LoginToken{
			BaseModel: models.BaseModel{CreatedAt: now},
			Token:     value,
			Email:     checkout.Email,
			Purpose:   models.PurposeCheckout,
			ExpiresAt: now.Add(s.opts.TokenTTL),
		}).Error; err != nil {
			return err
		}

		token = value
		return tx.Model(&checkout).Updates(map[string]any{
			"status": models.CheckoutComplete,
			"token":  value,
		}).Error
	})
	if err != nil {
		return "", err
	}

	s.logger.Info().Str("checkout_id", checkoutID).Msg("Checkout completed")
	return token, nil
}

// FailCheckout marks a pending checkout as failed
func (s *Server) FailCheckout(checkoutID string) error {
	result := s.db.Model(&models.CheckoutSession{}).
		Where("id = ? AND status = ?", checkoutID, models.CheckoutPending).
		Update("status", models.CheckoutFailed)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
