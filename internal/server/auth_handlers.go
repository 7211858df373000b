package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/worksheet-dev/worksheet/internal/auth"
	"github.com/worksheet-dev/worksheet/internal/models"
)

// DeviceRequest is the device description sent with every token exchange
type DeviceRequest struct {
	Fingerprint string `json:"device_fingerprint" binding:"required"`
	DeviceType  string `json:"device_type" binding:"omitempty,oneof=desktop tablet mobile"`
	Browser     string `json:"browser"`
	OS          string `json:"os"`
}

// MagicLinkRequest asks for a sign-in link
type MagicLinkRequest struct {
	Email        string `json:"email" binding:"required,email"`
	RedirectPath string `json:"redirect_path"`
}

// VerifyRequest exchanges a single-use token for a session
type VerifyRequest struct {
	Token string `json:"token" binding:"required"`
	DeviceRequest
}

// LoginRequest represents a password login request
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
	DeviceRequest
}

// ResetConfirmRequest sets a new password with a reset token
type ResetConfirmRequest struct {
	Token    string `json:"token" binding:"required"`
	Password string `json:"password" binding:"required,min=8"`
}

// SetPasswordRequest sets the signed-in account's password
type SetPasswordRequest struct {
	Password string `json:"password" binding:"required,min=8"`
}

// CredentialsResponse is returned by every successful token exchange
type CredentialsResponse struct {
	SessionToken string `json:"session_token"`
	SessionID    string `json:"session_id"`
	Email        string `json:"email"`
	IsPro        bool   `json:"is_pro"`
}

// SessionResponse describes one device session
type SessionResponse struct {
	SessionID  string    `json:"session_id"`
	DeviceType string    `json:"device_type"`
	Browser    string    `json:"browser"`
	OS         string    `json:"os"`
	IPAddress  string    `json:"ip_address,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	Current    bool      `json:"current"`
}

const neutralLinkMessage = "If an account exists for this email, a link has been sent"

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *Server) requestMagicLink(c *gin.Context) {
	var req MagicLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	email := normalizeEmail(req.Email)
	if _, err := s.issueToken(email, models.PurposeLogin, req.RedirectPath); err != nil {
		// the caller still gets the neutral answer
		s.logger.Error().Err(err).Msg("Failed to issue magic link")
	}

	c.JSON(http.StatusOK, gin.H{"message": neutralLinkMessage})
}

func (s *Server) verifyLoginToken(c *gin.Context) {
	s.verify(c, models.PurposeLogin)
}

func (s *Server) verifyCheckoutToken(c *gin.Context) {
	s.verify(c, models.PurposeCheckout)
}

func (s *Server) verify(c *gin.Context, purpose string) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	var resp *CredentialsResponse
	err := s.db.Transaction(func(tx *gorm.DB) error {
		token, err := s.consumeToken(tx, req.Token, purpose)
		if err != nil {
			return err
		}

		user, err := s.findOrCreateUser(tx, token.Email)
		if err != nil {
			return err
		}

		if purpose == models.PurposeCheckout && !user.IsPro {
			if err := tx.Model(user).Update("is_pro", true).Error; err != nil {
				return err
			}
			user.IsPro = true
		}

		resp, err = s.openSession(tx, c, user, req.DeviceRequest)
		return err
	})

	var tokenErr *tokenError
	switch {
	case errors.As(err, &tokenErr):
		abortWithCode(c, http.StatusUnauthorized, tokenErr.code, tokenErr.Error())
		return
	case err != nil:
		s.logger.Error().Err(err).Str("purpose", purpose).Msg("Failed to verify token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	s.logger.Info().Str("session_id", resp.SessionID).Str("purpose", purpose).Msg("Token verified")
	c.JSON(http.StatusOK, resp)
}

func (s *Server) login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	var user models.User
	if err := s.db.Where("email = ?", normalizeEmail(req.Email)).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			abortWithCode(c, http.StatusUnauthorized, codeInvalidCredentials, "Invalid email or password")
			return
		}
		s.logger.Error().Err(err).Msg("Failed to find user")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if !user.HasPassword() {
		abortWithCode(c, http.StatusUnauthorized, codePasswordNotSet, "No password is set for this account, sign in with an email link")
		return
	}

	if err := auth.VerifyPassword(req.Password, user.PasswordHash); err != nil {
		abortWithCode(c, http.StatusUnauthorized, codeInvalidCredentials, "Invalid email or password")
		return
	}

	var resp *CredentialsResponse
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		resp, err = s.openSession(tx, c, &user, req.DeviceRequest)
		return err
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to open session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to open session"})
		return
	}

	s.logger.Info().Str("user_id", user.ID).Str("session_id", resp.SessionID).Msg("User logged in")
	c.JSON(http.StatusOK, resp)
}

func (s *Server) requestPasswordReset(c *gin.Context) {
	var req MagicLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	email := normalizeEmail(req.Email)
	var count int64
	if err := s.db.Model(&models.User{}).Where("email = ?", email).Count(&count).Error; err != nil {
		s.logger.Error().Err(err).Msg("Failed to look up user")
	} else if count > 0 {
		if _, err := s.issueToken(email, models.PurposeReset, ""); err != nil {
			s.logger.Error().Err(err).Msg("Failed to issue reset token")
		}
	}

	c.JSON(http.StatusOK, gin.H{"message": neutralLinkMessage})
}

func (s *Server) confirmPasswordReset(c *gin.Context) {
	var req ResetConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to hash password")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to set password"})
		return
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		token, err := s.consumeToken(tx, req.Token, models.PurposeReset)
		if err != nil {
			return err
		}

		var user models.User
		if err := tx.Where("email = ?", token.Email).First(&user).Error; err != nil {
			return err
		}
		if err := tx.Model(&user).Update("password_hash", hash).Error; err != nil {
			return err
		}
		// a reset signs every device out
		return tx.Where("user_id = ?", user.ID).Delete(&models.DeviceSession{}).Error
	})

	var tokenErr *tokenError
	switch {
	case errors.As(err, &tokenErr):
		abortWithCode(c, http.StatusUnauthorized, tokenErr.code, tokenErr.Error())
		return
	case err != nil:
		s.logger.Error().Err(err).Msg("Failed to reset password")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to set password"})
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) setPassword(c *gin.Context) {
	sessionData, _ := GetSessionData(c)

	var req SetPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to hash password")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to set password"})
		return
	}

	if err := s.db.Model(&models.User{}).Where("id = ?", sessionData.UserID).Update("password_hash", hash).Error; err != nil {
		s.logger.Error().Err(err).Msg("Failed to store password")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to set password"})
		return
	}

	s.logger.Info().Str("user_id", sessionData.UserID).Msg("Password set")
	c.Status(http.StatusNoContent)
}

func (s *Server) getSession(c *gin.Context) {
	sessionData, _ := GetSessionData(c)

	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionData.SessionID,
		"email":      sessionData.Email,
		"is_pro":     sessionData.IsPro,
	})
}

func (s *Server) listSessions(c *gin.Context) {
	sessionData, _ := GetSessionData(c)

	var sessions []models.DeviceSession
	if err := s.db.Where("user_id = ?", sessionData.UserID).Order("last_used_at DESC").Find(&sessions).Error; err != nil {
		s.logger.Error().Err(err).Msg("Failed to list sessions")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	resp := make([]SessionResponse, len(sessions))
	for i, sess := range sessions {
		resp[i] = SessionResponse{
			SessionID:  sess.ID,
			DeviceType: sess.DeviceType,
			Browser:    sess.Browser,
			OS:         sess.OS,
			IPAddress:  sess.IPAddress,
			CreatedAt:  sess.CreatedAt,
			LastUsedAt: sess.LastUsedAt,
			Current:    sess.ID == sessionData.SessionID,
		}
	}

	c.JSON(http.StatusOK, gin.H{"sessions": resp})
}

func (s *Server) deleteSession(c *gin.Context) {
	sessionData, _ := GetSessionData(c)
	sessionID := c.Param("id")

	result := s.db.Where("id = ? AND user_id = ?", sessionID, sessionData.UserID).Delete(&models.DeviceSession{})
	if result.Error != nil {
		s.logger.Error().Err(result.Error).Msg("Failed to delete session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete session"})
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}

	s.logger.Info().
		Str("session_id", sessionID).
		Str("deleted_by", sessionData.SessionID).
		Msg("Session revoked")

	c.Status(http.StatusNoContent)
}

func (s *Server) logout(c *gin.Context) {
	sessionData, _ := GetSessionData(c)

	if err := s.db.Where("id = ?", sessionData.SessionID).Delete(&models.DeviceSession{}).Error; err != nil {
		s.logger.Error().Err(err).Msg("Failed to delete session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to log out"})
		return
	}

	c.Status(http.StatusNoContent)
}

type tokenError struct {
	code string
}

func (e *tokenError) Error() string {
	switch e.code {
	case codeTokenExpired:
		return "This link has expired"
	case codeTokenConsumed:
		return "This link has already been used"
	default:
		return "Invalid link"
	}
}

// issueToken creates a single-use token and drops it in the outbox
func (s *Server) issueToken(email, purpose, redirectPath string) (string, error) {
	value, err := auth.RandomToken(24)
	if err != nil {
		return "", err
	}

	now := s.opts.Now()
	token := &models.LoginToken{
		BaseModel:    models.BaseModel{CreatedAt: now},
		Token:        value,
		Email:        email,
		Purpose:      purpose,
		RedirectPath: redirectPath,
		ExpiresAt:    now.Add(s.opts.TokenTTL),
	}
	if err := s.db.Create(token).Error; err != nil {
		return "", err
	}

	s.deliver(Mail{To: email, Purpose: purpose, Token: value, RedirectPath: redirectPath})
	return value, nil
}

// consumeToken marks a token used. The conditional update makes concurrent
// exchanges of the same token race to a single winner.
func (s *Server) consumeToken(tx *gorm.DB, value, purpose string) (*models.LoginToken, error) {
	var token models.LoginToken
	if err := tx.Where("token = ? AND purpose = ?", value, purpose).First(&token).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &tokenError{code: codeInvalidToken}
		}
		return nil, err
	}

	now := s.opts.Now()
	if token.ConsumedAt != nil {
		return nil, &tokenError{code: codeTokenConsumed}
	}
	if !now.Before(token.ExpiresAt) {
		return nil, &tokenError{code: codeTokenExpired}
	}

	result := tx.Model(&models.LoginToken{}).
		Where("id = ? AND consumed_at IS NULL", token.ID).
		Update("consumed_at", now)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, &tokenError{code: codeTokenConsumed}
	}

	return &token, nil
}

func (s *Server) findOrCreateUser(tx *gorm.DB, email string) (*models.User, error) {
	var user models.User
	err := tx.Where("email = ?", email).First(&user).Error
	if err == nil {
		return &user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	user = models.User{BaseModel: models.BaseModel{CreatedAt: s.opts.Now()}, Email: email}
	if err := tx.Create(&user).Error; err != nil {
		return nil, err
	}
	s.logger.Info().Str("user_id", user.ID).Msg("Account created")
	return &user, nil
}

// openSession records a device session, evicting the least recently used ones
// beyond MaxSessions, and mints its token. A device signing in again replaces
// its previous session.
func (s *Server) openSession(tx *gorm.DB, c *gin.Context, user *models.User, device DeviceRequest) (*CredentialsResponse, error) {
	if err := tx.Where("user_id = ? AND fingerprint = ?", user.ID, device.Fingerprint).Delete(&models.DeviceSession{}).Error; err != nil {
		return nil, err
	}

	now := s.opts.Now()
	deviceType := device.DeviceType
	if deviceType == "" {
		deviceType = "desktop"
	}
	session := &models.DeviceSession{
		BaseModel:   models.BaseModel{CreatedAt: now},
		UserID:      user.ID,
		Fingerprint: device.Fingerprint,
		DeviceType:  deviceType,
		Browser:     device.Browser,
		OS:          device.OS,
		IPAddress:   c.ClientIP(),
		LastUsedAt:  now,
	}
	if err := tx.Create(session).Error; err != nil {
		return nil, err
	}

	var others []models.DeviceSession
	err := tx.Where("user_id = ? AND id <> ?", user.ID, session.ID).
		Order("last_used_at DESC").
		Find(&others).Error
	if err != nil {
		return nil, err
	}
	keep := s.opts.MaxSessions - 1
	if keep > len(others) {
		keep = len(others)
	}
	for _, old := range others[keep:] {
		if err := tx.Delete(&old).Error; err != nil {
			return nil, err
		}
		s.logger.Info().Str("user_id", user.ID).Str("session_id", old.ID).Msg("Evicted least recently used session")
	}

	token, err := s.signer.GenerateToken(user.ID, session.ID, user.Email)
	if err != nil {
		return nil, err
	}

	return &CredentialsResponse{
		SessionToken: token,
		SessionID:    session.ID,
		Email:        user.Email,
		IsPro:        user.IsPro,
	}, nil
}
