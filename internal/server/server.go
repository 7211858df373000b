// Package server is a self-contained identity and billing backend speaking the
// worksheet API. It backs local development of the CLI and the session package's
// integration tests.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/worksheet-dev/worksheet/internal/auth"
	"github.com/worksheet-dev/worksheet/internal/models"
)

// Options configures the backend
type Options struct {
	// DatabaseURL is a SQLite path; empty means an in-memory database
	DatabaseURL string
	JWTSecret   string
	// Now is the clock used for token expiry, quotas and session recency
	Now func() time.Time

	MaxSessions      int
	DailyExportQuota int
	TokenTTL         time.Duration
	SessionTTL       time.Duration
	// CheckoutBaseURL prefixes the hosted payment redirect
	CheckoutBaseURL string
	AllowOrigins    []string
	// DevOutbox exposes sent mail, tokens included, at GET /api/dev/outbox
	DevOutbox bool
}

func (o *Options) defaults() {
	clock := o.Now
	if clock == nil {
		clock = time.Now
	}
	// stored timestamps are compared as text by SQLite, so keep one zone
	o.Now = func() time.Time { return clock().UTC() }
	if o.MaxSessions <= 0 {
		o.MaxSessions = 3
	}
	if o.DailyExportQuota <= 0 {
		o.DailyExportQuota = 3
	}
	if o.TokenTTL <= 0 {
		o.TokenTTL = 15 * time.Minute
	}
	if o.CheckoutBaseURL == "" {
		o.CheckoutBaseURL = "https://pay.worksheet.test/checkout"
	}
	if len(o.AllowOrigins) == 0 {
		o.AllowOrigins = []string{"http://localhost:5173"}
	}
}

// Server represents the HTTP server
type Server struct {
	router    *gin.Engine
	db        *gorm.DB
	opts      Options
	logger    zerolog.Logger
	validator *validator.Validate
	signer    *auth.Signer

	outboxMu sync.Mutex
	outbox   []Mail
}

// New creates a new server instance
func New(opts Options, zlog zerolog.Logger) (*Server, error) {
	opts.defaults()
	if opts.JWTSecret == "" {
		secret, err := auth.RandomToken(32)
		if err != nil {
			return nil, err
		}
		opts.JWTSecret = secret
		zlog.Debug().Msg("No JWT secret configured, generated an ephemeral one")
	}

	db, err := initDatabase(opts.DatabaseURL, zlog)
	if err != nil {
		return nil, err
	}

	if err := models.AutoMigrate(db); err != nil {
		return nil, err
	}

	server := &Server{
		db:        db,
		opts:      opts,
		logger:    zlog,
		validator: validator.New(),
		signer:    auth.NewSigner(opts.JWTSecret, opts.SessionTTL, opts.Now),
	}

	server.setupRouter()

	return server, nil
}

// initDatabase opens the SQLite database. An in-memory database lives on a
// single connection, otherwise every pooled connection would see its own copy.
func initDatabase(url string, zlog zerolog.Logger) (*gorm.DB, error) {
	const busyTimeout = 5000

	inMemory := url == "" || url == ":memory:"
	if inMemory {
		url = ":memory:"
	}

	db, err := gorm.Open(sqlite.Open(url), &gorm.Config{
		Logger: logger.New(
			log.New(os.Stdout, "\r\n", log.LstdFlags),
			logger.Config{
				LogLevel:                  logger.Error,
				IgnoreRecordNotFoundError: true,
				SlowThreshold:             200 * time.Millisecond,
			},
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if inMemory {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetConnMaxLifetime(0)
	} else {
		sqlDB.SetMaxOpenConns(4)
		sqlDB.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeout),
		"PRAGMA foreign_keys=1",
	}
	if !inMemory {
		pragmas = append([]string{"PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL"}, pragmas...)
	}

	for _, pragma := range pragmas {
		if err := db.Exec(pragma).Error; err != nil {
			zlog.Warn().Str("pragma", pragma).Err(err).Msg("Failed to apply pragma")
		}
	}

	return db, nil
}

// setupRouter configures the Gin router with routes and middleware
func (s *Server) setupRouter() {
	gin.SetMode(gin.ReleaseMode)

	s.router = gin.New()

	s.router.Use(gin.Recovery())
	s.router.Use(s.loggingMiddleware())

	s.router.Use(cors.New(cors.Config{
		AllowOrigins:     s.opts.AllowOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	s.router.GET("/health", s.healthCheck)

	// Public auth endpoints
	public := s.router.Group("/api")
	{
		public.POST("/auth/magic-link", s.requestMagicLink)
		public.POST("/auth/verify", s.verifyLoginToken)
		public.POST("/auth/verify-checkout", s.verifyCheckoutToken)
		public.POST("/auth/login", s.login)
		public.POST("/auth/password-reset", s.requestPasswordReset)
		public.POST("/auth/password-reset/confirm", s.confirmPasswordReset)

		public.POST("/billing/pre-checkout", s.preCheckout)
		public.POST("/billing/checkout", s.createCheckout)
		public.GET("/billing/checkout/:id", s.getCheckout)
		// stands in for the payment provider's webhook
		public.POST("/billing/checkout/:id/complete", s.completeCheckoutWebhook)
	}

	if s.opts.DevOutbox {
		s.router.GET("/api/dev/outbox", s.listOutbox)
	}

	api := s.router.Group("/api")
	api.Use(SessionAuthMiddleware(s.db, s.signer, s.opts.Now, s.logger))
	{
		api.GET("/auth/session", s.getSession)
		api.GET("/auth/sessions", s.listSessions)
		api.DELETE("/auth/sessions/:id", s.deleteSession)
		api.POST("/auth/logout", s.logout)
		api.POST("/auth/password", s.setPassword)

		api.POST("/exports", s.createExport)
	}
}

// loggingMiddleware creates a custom logging middleware using zerolog
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		s.logger.Info().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("HTTP request")
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "online",
		"timestamp": s.opts.Now().UTC(),
		"service":   "worksheet-api",
	})
}

// Handler exposes the router, e.g. for httptest
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close closes the database connection
func (s *Server) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Start serves on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info().Msg("Received shutdown signal, shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error().Err(err).Msg("Error shutting down HTTP server")
		return err
	}

	if err := s.Close(); err != nil {
		s.logger.Error().Err(err).Msg("Error closing database")
	}

	s.logger.Info().Msg("Server shutdown complete")
	return nil
}
