package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/worksheet-dev/worksheet/internal/auth"
	"github.com/worksheet-dev/worksheet/internal/models"
)

const (
	bearerPrefix = "Bearer "
)

var (
	ErrMissingAuthHeader = errors.New("missing authorization header")
	ErrInvalidAuthFormat = errors.New("invalid authorization header format")
	ErrEmptyToken        = errors.New("empty token")
	ErrSessionRevoked    = errors.New("session revoked")
)

// Error codes understood by the client
const (
	codeInvalidRequest        = "invalid_request"
	codeInvalidToken          = "invalid_token"
	codeTokenExpired          = "token_expired"
	codeTokenConsumed         = "token_consumed"
	codeInvalidCredentials    = "invalid_credentials"
	codePasswordNotSet        = "password_not_set"
	codeSessionExpired        = "session_expired"
	codePremiumRequired       = "premium_required"
	codeQuotaExceeded         = "quota_exceeded"
	codeDuplicateSubscription = "duplicate_subscription"
)

func setSession(c *gin.Context, sessionData *auth.SessionData) {
	c.Set("session", sessionData)
}

func GetSessionData(c *gin.Context) (*auth.SessionData, bool) {
	session, exists := c.Get("session")
	if !exists {
		return nil, false
	}

	sessionData, ok := session.(*auth.SessionData)
	return sessionData, ok
}

func extractBearerToken(authHeader string) (string, error) {
	if authHeader == "" {
		return "", ErrMissingAuthHeader
	}

	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return "", ErrInvalidAuthFormat
	}

	token := strings.TrimPrefix(authHeader, bearerPrefix)
	if token == "" {
		return "", ErrEmptyToken
	}

	return token, nil
}

// respondWithError answers with the flat {"error": "message"} envelope
func respondWithError(c *gin.Context, log zerolog.Logger, statusCode int, err error, message string) {
	log.Warn().Err(err).Msg(message)
	c.JSON(statusCode, gin.H{"error": message})
	c.Abort()
}

// abortWithCode answers with the nested {"error": {"code", "message"}} envelope
func abortWithCode(c *gin.Context, statusCode int, code, message string) {
	c.AbortWithStatusJSON(statusCode, gin.H{"error": gin.H{"code": code, "message": message}})
}

// badRequest answers binding failures with the top-level {"code", "message"} envelope
func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"code": codeInvalidRequest, "message": err.Error()})
}

// SessionAuthMiddleware accepts a session token only while its device session
// still exists, and marks the session as used
func SessionAuthMiddleware(db *gorm.DB, signer *auth.Signer, now func() time.Time, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := extractBearerToken(c.GetHeader("Authorization"))
		if err != nil {
			var message string
			switch err {
			case ErrMissingAuthHeader:
				message = "Missing authorization header"
			case ErrInvalidAuthFormat:
				message = "Invalid authorization header format"
			case ErrEmptyToken:
				message = "Empty token"
			}
			respondWithError(c, log, http.StatusUnauthorized, err, message)
			return
		}

		claims, err := signer.ValidateToken(token)
		if err != nil {
			log.Debug().Err(err).Msg("Rejected session token")
			abortWithCode(c, http.StatusUnauthorized, codeSessionExpired, "Session expired")
			return
		}

		var session models.DeviceSession
		err = db.Preload("User").Where("id = ? AND user_id = ?", claims.SessionID, claims.UserID).First(&session).Error
		if err != nil || session.User == nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) && err != nil {
				log.Error().Err(err).Msg("Failed to load device session")
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
				return
			}
			log.Debug().Err(ErrSessionRevoked).Str("session_id", claims.SessionID).Msg("Session no longer exists")
			abortWithCode(c, http.StatusUnauthorized, codeSessionExpired, "Session expired")
			return
		}

		if err := db.Model(&session).Update("last_used_at", now()).Error; err != nil {
			log.Warn().Err(err).Str("session_id", session.ID).Msg("Failed to touch session")
		}

		setSession(c, &auth.SessionData{
			UserID:    session.UserID,
			SessionID: session.ID,
			Email:     session.User.Email,
			IsPro:     session.User.IsPro,
		})

		c.Next()
	}
}
