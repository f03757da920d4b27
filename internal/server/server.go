// Package server wires the escrow engine, response detector, sweeper,
// reconciler and webhook handlers into one HTTP process.
package server

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/replygate/replygate/internal/config"
	"github.com/replygate/replygate/internal/escrow"
	"github.com/replygate/replygate/internal/idgen"
	"github.com/replygate/replygate/internal/logging"
	"github.com/replygate/replygate/internal/metrics"
	"github.com/replygate/replygate/internal/notify"
	"github.com/replygate/replygate/internal/payments"
	"github.com/replygate/replygate/internal/reconcile"
	"github.com/replygate/replygate/internal/response"
	"github.com/replygate/replygate/internal/sweeper"
	"github.com/replygate/replygate/internal/traces"
)

// Server wraps the HTTP server and dependencies.
type Server struct {
	cfg *config.Config

	engine     *escrow.Engine
	detector   *response.Detector
	dispatcher *notify.Dispatcher
	sweep      *sweeper.Sweeper

	sweepTimer     *sweeper.Timer
	reconciler     *reconcile.Reconciler
	reconcileTimer *reconcile.Timer

	provider escrow.PaymentProvider
	emailer  notify.Emailer

	db             *sql.DB // nil if using in-memory stores
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	tracesShutdown func(context.Context) error
	cancelRunCtx   context.CancelFunc

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithPaymentProvider overrides the Stripe provider (for testing).
func WithPaymentProvider(p escrow.PaymentProvider) Option {
	return func(s *Server) { s.provider = p }
}

// WithEmailer overrides the outbound emailer (for testing).
func WithEmailer(e notify.Emailer) Option {
	return func(s *Server) { s.emailer = e }
}

// New creates a new server instance.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.tracesShutdown = shutdown

	// Storage: Postgres if DATABASE_URL is set, in-memory otherwise.
	var (
		escrowStore   escrow.Store
		auditLog      escrow.AuditLog
		trackingStore response.TrackingStore
		eventStore    payments.EventStore
		notifyStore   notify.LogStore
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		s.db = db

		es := escrow.NewPostgresStore(db)
		ts := response.NewPostgresTrackingStore(db)
		ws := payments.NewPostgresEventStore(db)
		ns := notify.NewPostgresLogStore(db)
		for name, m := range map[string]func(context.Context) error{
			"escrow":        es.Migrate,
			"response":      ts.Migrate,
			"payments":      ws.Migrate,
			"notifications": ns.Migrate,
		} {
			if err := m(ctx); err != nil {
				return nil, fmt.Errorf("failed to migrate %s schema: %w", name, err)
			}
		}
		escrowStore, auditLog, trackingStore, eventStore, notifyStore = es, es, ts, ws, ns
		s.logger.Info("using postgres storage")
	} else {
		ms := escrow.NewMemoryStore()
		escrowStore, auditLog = ms, ms
		trackingStore = response.NewMemoryTrackingStore()
		eventStore = payments.NewMemoryEventStore()
		notifyStore = notify.NewMemoryLogStore()
		s.logger.Warn("DATABASE_URL not set, using in-memory storage")
	}

	if s.emailer == nil {
		if cfg.EmailAPIToken != "" {
			s.emailer = notify.NewHTTPEmailer(cfg.EmailAPIURL, cfg.EmailAPIToken, cfg.EmailFrom)
		} else {
			s.emailer = &notify.LogEmailer{Logger: s.logger}
		}
	}
	s.dispatcher = notify.NewDispatcher(notifyStore, s.emailer, s.logger)

	if s.provider == nil {
		s.provider = payments.NewStripeProvider(cfg.StripeSecretKey)
	}

	s.engine = escrow.NewEngine(escrowStore, auditLog, s.provider, s.dispatcher, escrow.EngineConfig{
		ResponseDeadline:      time.Duration(cfg.ResponseDeadlineHours) * time.Hour,
		GracePeriod:           cfg.GracePeriod,
		RecipientSharePercent: cfg.RecipientSharePercent,
		Currency:              cfg.Currency,
	}, s.logger)

	s.detector = response.NewDetector(trackingStore, s.engine, s.dispatcher, cfg.ReplyDomain, cfg.GracePeriod, s.logger)

	s.sweep = sweeper.New(s.engine, escrowStore, s.dispatcher, cfg.GracePeriod, s.logger)
	s.sweepTimer = sweeper.NewTimer(s.sweep, cfg.SweepInterval, s.logger)

	s.reconciler = reconcile.New(trackingStore, s.engine, cfg.ReconcileInterval, s.logger)
	s.reconcileTimer = reconcile.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes(eventStore)

	s.healthy.Store(true)
	return s, nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"panic", fmt.Sprint(recovered),
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal server error",
		})
	}))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.Hex(16)
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// internalAuthMiddleware guards /internal/* with the shared bearer token.
func (s *Server) internalAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, found := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !found || s.cfg.InternalAPIToken == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.InternalAPIToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid or missing internal API token",
			})
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutes(eventStore payments.EventStore) {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/livez", s.livenessHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Provider-facing webhooks, each with its own authentication.
	webhooks := s.router.Group("/webhooks")
	response.NewHandler(s.detector, s.cfg.InboundWebhookToken).RegisterRoutes(webhooks)
	payments.NewWebhookHandler(eventStore, s.engine, s.cfg.StripeWebhookSecret).RegisterRoutes(webhooks)

	// Platform-internal API.
	internal := s.router.Group("/internal")
	internal.Use(s.internalAuthMiddleware())
	escrow.NewHandler(s.engine).RegisterRoutes(internal)
	sweeper.NewHandler(s.sweep).RegisterRoutes(internal)
	reconcile.NewHandler(s.reconciler).RegisterRoutes(internal)
}

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
		}
	} else {
		checks["database"] = "in-memory"
	}
	if s.sweepTimer.Running() {
		checks["sweeper"] = "healthy"
	} else {
		checks["sweeper"] = "stopped"
	}
	if s.reconcileTimer.Running() {
		checks["reconciler"] = "healthy"
	} else {
		checks["reconciler"] = "stopped"
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if checks["database"] == "unhealthy" {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Router exposes the gin engine for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Run starts the HTTP server and background loops, blocking until shutdown.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.dispatcher.Run(runCtx)
	go s.sweepTimer.Start(runCtx)
	go s.reconcileTimer.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server and background loops.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.sweepTimer.Stop()
	s.reconcileTimer.Stop()

	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Warn("trace exporter shutdown failed", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("database close failed", "error", err)
		}
	}

	s.healthy.Store(false)
	s.logger.Info("shutdown complete")
	return nil
}
