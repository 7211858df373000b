package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/worksheet-dev/worksheet/internal/models"
)

// PreCheckoutRequest asks how an email should enter checkout
type PreCheckoutRequest struct {
	Email string `json:"email" binding:"required,email"`
}

// CheckoutRequest starts a hosted payment
type CheckoutRequest struct {
	Email string `json:"email" binding:"required,email"`
	Plan  string `json:"plan" binding:"required,oneof=monthly yearly"`
}

// ExportRequest renders a document
type ExportRequest struct {
	DocumentID string `json:"document_id" binding:"required"`
	Layout     string `json:"layout" binding:"required,oneof=standard economy"`
}

func (s *Server) preCheckout(c *gin.Context) {
	var req PreCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	var user models.User
	err := s.db.Where("email = ?", normalizeEmail(req.Email)).First(&user).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusOK, gin.H{"account_exists": false, "is_pro": false})
	case err != nil:
		s.logger.Error().Err(err).Msg("Failed to look up user")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	default:
		c.JSON(http.StatusOK, gin.H{"account_exists": true, "is_pro": user.IsPro})
	}
}

func (s *Server) createCheckout(c *gin.Context) {
	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	email := normalizeEmail(req.Email)
	var user models.User
	err := s.db.Where("email = ?", email).First(&user).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logger.Error().Err(err).Msg("Failed to look up user")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if err == nil && user.IsPro {
		abortWithCode(c, http.StatusConflict, codeDuplicateSubscription, "This account already has an active subscription")
		return
	}

	checkout := &models.CheckoutSession{
		BaseModel: models.BaseModel{CreatedAt: s.opts.Now()},
		Email:     email,
		Plan:      req.Plan,
		Status:    models.CheckoutPending,
	}
	if err := s.db.Create(checkout).Error; err != nil {
		s.logger.Error().Err(err).Msg("Failed to create checkout session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start checkout"})
		return
	}

	s.logger.Info().Str("checkout_id", checkout.ID).Str("plan", checkout.Plan).Msg("Checkout started")
	c.JSON(http.StatusCreated, gin.H{
		"id":           checkout.ID,
		"redirect_url": fmt.Sprintf("%s/%s", s.opts.CheckoutBaseURL, checkout.ID),
	})
}

func (s *Server) getCheckout(c *gin.Context) {
	var checkout models.CheckoutSession
	if err := models.FindByID(s.db, c.Param("id"), &checkout); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Checkout not found"})
			return
		}
		s.logger.Error().Err(err).Msg("Failed to load checkout")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	resp := gin.H{"id": checkout.ID, "status": checkout.Status}
	if checkout.Status == models.CheckoutComplete {
		resp["token"] = checkout.Token
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) completeCheckoutWebhook(c *gin.Context) {
	token, err := s.CompleteCheckout(c.Param("id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Checkout not found"})
			return
		}
		s.logger.Error().Err(err).Msg("Failed to complete checkout")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to complete checkout"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "status": models.CheckoutComplete, "token": token})
}

func (s *Server) createExport(c *gin.Context) {
	sessionData, _ := GetSessionData(c)

	var req ExportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if req.Layout == "economy" && !sessionData.IsPro {
		abortWithCode(c, http.StatusForbidden, codePremiumRequired, "The economy layout needs a pro subscription")
		return
	}

	remaining := -1
	if !sessionData.IsPro {
		used, err := s.exportsToday(sessionData.UserID)
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to count exports")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
		if used >= s.opts.DailyExportQuota {
			abortWithCode(c, http.StatusTooManyRequests, codeQuotaExceeded, "Daily export limit reached")
			return
		}
		remaining = s.opts.DailyExportQuota - used - 1
	}

	record := &models.ExportRecord{
		BaseModel:  models.BaseModel{CreatedAt: s.opts.Now().UTC()},
		UserID:     sessionData.UserID,
		DocumentID: req.DocumentID,
		Layout:     req.Layout,
	}
	if err := s.db.Create(record).Error; err != nil {
		s.logger.Error().Err(err).Msg("Failed to record export")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to export"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":              record.ID,
		"url":             fmt.Sprintf("/exports/%s.pdf", record.ID),
		"remaining_today": remaining,
	})
}

func (s *Server) exportsToday(userID string) (int, error) {
	now := s.opts.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	var count int64
	err := s.db.Model(&models.ExportRecord{}).
		Where("user_id = ? AND created_at >= ?", userID, dayStart).
		Count(&count).Error
	return int(count), err
}
