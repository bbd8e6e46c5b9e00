// Package server wires Meterbase's stores, services, and HTTP surface
// into a runnable API server.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/meterbase/meterbase/internal/auth"
	"github.com/meterbase/meterbase/internal/billing"
	"github.com/meterbase/meterbase/internal/config"
	"github.com/meterbase/meterbase/internal/dashboard"
	"github.com/meterbase/meterbase/internal/entitlement"
	"github.com/meterbase/meterbase/internal/identity"
	"github.com/meterbase/meterbase/internal/ledger"
	"github.com/meterbase/meterbase/internal/license"
	"github.com/meterbase/meterbase/internal/logging"
	"github.com/meterbase/meterbase/internal/metrics"
	"github.com/meterbase/meterbase/internal/ratelimit"
	"github.com/meterbase/meterbase/internal/respcache"
	"github.com/meterbase/meterbase/internal/security"
	"github.com/meterbase/meterbase/internal/site"
	"github.com/meterbase/meterbase/internal/subscription"
	"github.com/meterbase/meterbase/internal/traces"
	"github.com/meterbase/meterbase/internal/validation"
)

// maxRequestBytes caps inbound request bodies on the general API surface.
const maxRequestBytes = 1 << 20 // 1 MB

// Server is the Meterbase API server.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db *sql.DB

	identities identity.Store
	ledgerSt   ledger.Store
	subs       subscription.Store
	sites      site.Store
	licenses   license.Store

	credits      *ledger.Service
	resolver     *entitlement.Resolver
	synchronizer *billing.Synchronizer
	usageCache   *respcache.Cache
	summaryCache *respcache.Cache

	verifier auth.Verifier
	notifier billing.Notifier
	limiter  *ratelimit.Limiter

	router  *gin.Engine
	httpSrv *http.Server

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithNotifier overrides the customer notifier used for billing events.
func WithNotifier(n billing.Notifier) Option {
	return func(s *Server) {
		s.notifier = n
	}
}

// WithVerifier overrides the session credential verifier.
func WithVerifier(v auth.Verifier) Option {
	return func(s *Server) {
		s.verifier = v
	}
}

// New creates a fully wired server. When DATABASE_URL is set the stores
// are Postgres-backed; otherwise everything runs in memory, which is
// enough for local development and tests.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.verifier == nil {
		s.verifier = auth.NewHMACVerifier(cfg.SessionSecret)
	}

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
		s.db = db
		s.logger.Info("using postgres stores", "dsn", maskDSN(cfg.DatabaseURL))

		identities := identity.NewPostgresStore(db)
		if err := identities.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate identity store", "error", err)
		}
		ledgerStore := ledger.NewPostgresStore(db)
		if err := ledgerStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate ledger store", "error", err)
		}
		subs := subscription.NewPostgresStore(db)
		if err := subs.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate subscription store", "error", err)
		}
		sites := site.NewPostgresStore(db, cfg.FreeTierLimit)
		if err := sites.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate site store", "error", err)
		}
		licenses := license.NewPostgresStore(db)
		if err := licenses.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate license store", "error", err)
		}

		s.identities = identities
		s.ledgerSt = ledgerStore
		s.subs = subs
		s.sites = sites
		s.licenses = licenses
	} else {
		s.logger.Info("using in-memory stores (set DATABASE_URL for persistence)")
		s.identities = identity.NewMemoryStore()
		s.ledgerSt = ledger.NewMemoryStore()
		s.subs = subscription.NewMemoryStore()
		s.sites = site.NewMemoryStore(cfg.FreeTierLimit)
		s.licenses = license.NewMemoryStore()
	}

	s.usageCache = respcache.New(cfg.UsageCacheTTL)
	s.summaryCache = respcache.New(cfg.SummaryCacheTTL)
	s.credits = ledger.NewService(s.ledgerSt, s.identities)
	s.resolver = entitlement.NewResolver(s.sites, s.licenses, s.subs, s.identities)
	s.synchronizer = billing.NewSynchronizer(s.identities, s.subs, s.licenses, s.credits, s.summaryCache, s.notifier)

	s.limiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitRPM,
		BurstSize:         cfg.RateLimitRPM / 4,
		CleanupInterval:   time.Minute,
	})

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// Router exposes the configured gin engine, mainly for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		s.logger.Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred.",
		})
		c.Abort()
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(nil))
	s.router.Use(validation.RequestSizeMiddleware(maxRequestBytes))
	s.router.Use(s.limiter.Middleware())
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

// requestIDMiddleware attaches a request ID to the context, honoring an
// inbound X-Request-ID so callers can correlate across services.
func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = fmt.Sprintf("%d", time.Now().UnixNano())
		}
		c.Header("X-Request-ID", requestID)

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("request_id", requestID))
		c.Request = c.Request.WithContext(ctx)

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
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
			"client_ip", c.ClientIP(),
		}
		switch {
		case status >= 500:
			logger.Error("request", attrs...)
		case status >= 400:
			logger.Warn("request", attrs...)
		default:
			logger.Info("request", attrs...)
		}
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/health/live", s.handleLive)
	s.router.GET("/health/ready", s.handleReady)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	// Attaches the session when a valid credential is presented; never
	// rejects. Signed-in usage checks can then resolve subscriptions.
	v1.Use(auth.Middleware(s.verifier))

	authed := v1.Group("")
	authed.Use(auth.RequireSession())

	entitlementHandler := entitlement.NewHandler(s.resolver, s.credits, s.identities, s.usageCache, s.summaryCache)
	entitlementHandler.RegisterRoutes(v1, authed)

	ledgerHandler := ledger.NewHandler(s.credits, s.identities)
	ledgerHandler.RegisterRoutes(authed)

	dashboardHandler := dashboard.NewHandler(s.identities, s.subs, s.licenses, s.credits, s.summaryCache)
	dashboardHandler.RegisterRoutes(authed)

	webhookHandler := billing.NewHandler(s.synchronizer, s.cfg.StripeWebhookSecret)
	webhookHandler.RegisterRoutes(v1)

	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	admin.POST("/reconcile", s.handleReconcile)
}

// handleReconcile compares every cached balance against the ledger and,
// when repair is requested, rewrites the drifted caches.
func (s *Server) handleReconcile(c *gin.Context) {
	repair := c.Query("repair") == "true"

	drifts, err := s.credits.Reconcile(c.Request.Context(), s.identities, repair)
	if err != nil {
		logging.L(c.Request.Context()).Error("reconciliation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Reconciliation failed.",
		})
		return
	}
	if drifts == nil {
		drifts = []ledger.Drift{}
	}

	c.JSON(http.StatusOK, gin.H{
		"drift_count": len(drifts),
		"repaired":    repair,
		"drifts":      drifts,
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "meterbase",
		"env":     s.cfg.Env,
	})
}

func (s *Server) handleLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) handleReady(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "not_ready",
				"reason": "database unreachable",
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Run starts the HTTP server and blocks until ctx is cancelled or a
// termination signal arrives, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if s.cfg.OTLPEndpoint != "" {
		shutdown, err := traces.Init(ctx, s.cfg.OTLPEndpoint, s.logger)
		if err != nil {
			s.logger.Warn("tracing init failed, continuing without traces", "error", err)
		} else {
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(flushCtx); err != nil {
					s.logger.Warn("trace exporter shutdown failed", "error", err)
				}
			}()
		}
	}

	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.httpSrv.Addr, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	s.ready.Store(true)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	}

	return s.Shutdown()
}

// Shutdown drains in-flight requests and releases server resources.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.healthy.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var firstErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			firstErr = fmt.Errorf("http shutdown: %w", err)
		}
	}
	// Let committed ledger writes finish their balance refreshes before
	// the database goes away.
	s.credits.Wait()
	s.limiter.Stop()
	if s.db != nil {
		if err := s.db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing database: %w", err)
		}
	}

	s.logger.Info("server stopped")
	return firstErr
}

// maskDSN hides credentials in a connection string for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "(unparseable)"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.Redacted()
}
