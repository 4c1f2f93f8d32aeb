// Package server wires the estatedesk HTTP API together.
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
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/mbd888/estatedesk/internal/access"
	"github.com/mbd888/estatedesk/internal/audit"
	"github.com/mbd888/estatedesk/internal/billing"
	"github.com/mbd888/estatedesk/internal/circuitbreaker"
	"github.com/mbd888/estatedesk/internal/config"
	"github.com/mbd888/estatedesk/internal/health"
	"github.com/mbd888/estatedesk/internal/identity"
	"github.com/mbd888/estatedesk/internal/logging"
	"github.com/mbd888/estatedesk/internal/metrics"
	"github.com/mbd888/estatedesk/internal/property"
	"github.com/mbd888/estatedesk/internal/ratelimit"
	"github.com/mbd888/estatedesk/internal/retry"
	"github.com/mbd888/estatedesk/internal/security"
	"github.com/mbd888/estatedesk/internal/subscription"
	"github.com/mbd888/estatedesk/internal/traces"
	"github.com/mbd888/estatedesk/internal/validation"
)

// Version is reported by /health and attached to traces.
var Version = "0.1.0"

// devWebhookSecret signs mock-provider webhooks when no secret is configured.
const devWebhookSecret = "whsec_dev"

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *sql.DB // nil if using in-memory

	identityStore identity.Store
	issuer        *identity.TokenIssuer
	subscriptions *subscription.Service
	sweeper       *subscription.Timer
	gate          *access.Gate
	auditStore    audit.Store
	recorder      *audit.Recorder
	properties    property.Store
	provider      billing.Provider
	devBilling    bool
	rateLimiter   *ratelimit.Limiter
	health        *health.Registry

	router          *gin.Engine
	httpSrv         *http.Server
	shutdownTracing func(context.Context) error
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithBillingProvider replaces the configured payment provider (for testing).
func WithBillingProvider(p billing.Provider) Option {
	return func(s *Server) {
		s.provider = p
	}
}

// WithSubscriptionStore forces a subscription store, bypassing DATABASE_URL
// (for testing lookup failures).
func WithSubscriptionStore(store subscription.Store) Option {
	return func(s *Server) {
		s.subscriptions = subscription.NewService(store, s.logger, subscription.WithTrialDays(s.cfg.TrialDays))
	}
}

// WithAuditStore forces the audit store (for testing audit outages).
func WithAuditStore(store audit.Store) Option {
	return func(s *Server) {
		s.auditStore = store
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(3 * time.Second),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTracing = shutdownTracing

	var subStore subscription.Store
	if cfg.DatabaseURL != "" {
		db, err := openDB(ctx, cfg.DatabaseURL, s.logger)
		if err != nil {
			return nil, err
		}
		s.db = db
		s.identityStore = identity.NewPostgresStore(db)
		subStore = subscription.NewPostgresStore(db)
		if s.auditStore == nil {
			s.auditStore = audit.NewPostgresStore(db)
		}
		s.properties = property.NewPostgresStore(db)
		s.health.Register("postgres", health.PingChecker("postgres", db))
		s.logger.Info("using PostgreSQL storage", "dsn", maskDSN(cfg.DatabaseURL))
	} else {
		s.identityStore = identity.NewMemoryStore()
		subStore = subscription.NewMemoryStore()
		if s.auditStore == nil {
			s.auditStore = audit.NewMemoryStore()
		}
		s.properties = property.NewMemoryStore()
		s.health.Register("storage", health.Static("storage", "in-memory"))
		s.logger.Warn("DATABASE_URL not set; using in-memory storage (data is lost on restart)")
	}

	if s.subscriptions == nil {
		s.subscriptions = subscription.NewService(subStore, s.logger, subscription.WithTrialDays(cfg.TrialDays))
	}
	seeded, err := s.subscriptions.SeedPlans(ctx, subscription.DefaultPlans())
	if err != nil {
		return nil, fmt.Errorf("failed to seed plans: %w", err)
	}
	if seeded > 0 {
		s.logger.Info("seeded default plans", "count", seeded)
	}
	if cfg.ExpirySweepInterval > 0 {
		s.sweeper = subscription.NewTimer(s.subscriptions, cfg.ExpirySweepInterval, s.logger)
	}

	s.issuer = identity.NewTokenIssuer(cfg.JWTSecret, cfg.JWTTTL)
	s.recorder = audit.NewRecorder(s.auditStore, s.logger, audit.WithWriteTimeout(cfg.AuditWriteTimeout))

	policy := access.FailOpen
	if cfg.FailClosed() {
		policy = access.FailClosed
	}
	s.gate = access.NewGate(s.subscriptions, s.logger,
		access.WithLookupErrorPolicy(policy),
		access.WithRedirect(cfg.PricingRedirect),
	)
	s.logger.Info("access gate configured", "lookup_error_policy", policy.String())

	if s.provider == nil {
		s.provider = s.defaultProvider()
	}
	s.provider = billing.Guard(s.provider, circuitbreaker.New(5, 30*time.Second,
		circuitbreaker.WithTransitionHook(func(key string, from, to circuitbreaker.State) {
			s.logger.Warn("circuit breaker state changed", "key", key, "from", from.String(), "to", to.String())
		}),
	))

	if cfg.RateLimitRPM > 0 {
		s.rateLimiter = ratelimit.New(ratelimit.Config{
			RequestsPerMinute: cfg.RateLimitRPM,
			BurstSize:         cfg.RateLimitBurst,
		})
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func (s *Server) defaultProvider() billing.Provider {
	if s.cfg.StripeSecretKey != "" {
		s.logger.Info("billing provider: stripe", "prices", len(s.cfg.StripePriceIDs))
		return billing.NewStripeProvider(s.cfg.StripeSecretKey, s.cfg.StripeWebhookSecret, s.cfg.StripePriceIDs)
	}
	secret := s.cfg.StripeWebhookSecret
	if secret == "" {
		secret = devWebhookSecret
	}
	s.devBilling = true
	s.logger.Warn("STRIPE_SECRET_KEY not set; using mock billing provider with immediate activation")
	return billing.NewMockProvider(secret)
}

// openDB opens the pool and waits for the database to answer.
func openDB(ctx context.Context, dsn string, logger *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	policy := retry.StartupPolicy()
	policy.OnRetry = func(attempt int, err error) {
		logger.Warn("database not reachable, retrying", "attempt", attempt, "error", err)
	}
	if err := retry.Do(ctx, policy, pingOnce(db.PingContext)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// pingOnce stops the startup retry loop on errors that waiting cannot fix:
// rejected credentials (class 28) and a missing database (class 3D).
func pingOnce(ping func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		err := ping(ctx)
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			switch pqErr.Code.Class() {
			case "28", "3D":
				return retry.Permanent(err)
			}
		}
		return err
	}
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))
	s.router.Use(security.Headers(s.cfg.IsProduction()))
	s.router.Use(security.CORS(s.cfg.AllowedOrigins))
	s.router.Use(validation.MaxBody(validation.MaxRequestSize))
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(metrics.Middleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
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

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	// Authentication only resolves the caller; each route decides what a
	// missing user means.
	v1.Use(identity.Authenticate(s.issuer, s.identityStore))
	if s.rateLimiter != nil {
		v1.Use(s.rateLimiter.Middleware())
	}

	identityHandler := identity.NewHandler(s.identityStore, s.issuer, trialOnboarder{s.subscriptions}, s.recorder)
	identityHandler.RegisterPublicRoutes(v1)
	identityHandler.RegisterProtectedRoutes(v1)
	identityHandler.RegisterBootstrapRoute(v1, s.cfg.AdminSecret)

	subscriptionHandler := subscription.NewHandler(s.subscriptions, s.recorder)
	subscriptionHandler.RegisterPublicRoutes(v1)
	subscriptionHandler.RegisterProtectedRoutes(v1)
	subscriptionHandler.RegisterAdminRoutes(v1)

	var billingOpts []billing.HandlerOption
	if s.devBilling {
		billingOpts = append(billingOpts, billing.WithActivateOnCheckout())
	}
	billingHandler := billing.NewHandler(s.provider, s.subscriptions, s.recorder, billingOpts...)
	billingHandler.RegisterPublicRoutes(v1)
	billingHandler.RegisterProtectedRoutes(v1)

	s.gate.RegisterRoutes(v1)
	audit.NewHandler(s.auditStore).RegisterRoutes(v1)
	property.NewHandler(s.properties, s.gate, s.recorder).RegisterRoutes(v1)
}

// trialOnboarder opens the trial for newly registered organizations.
type trialOnboarder struct {
	subs *subscription.Service
}

func (o trialOnboarder) OnOrganizationCreated(ctx context.Context, orgID, planID string) error {
	_, err := o.subs.StartTrial(ctx, orgID, planID)
	return err
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and blocks until a signal, ctx cancellation or
// a listener error, then shuts down gracefully.
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env, "version", Version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.sweeper != nil {
		go s.sweeper.Start(runCtx)
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown(context.Background())
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown(context.Background())
}

// Shutdown stops accepting requests, then drains in-flight audit writes
// before closing the database they write to.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown error", "error", err)
			errs = append(errs, err)
		}
	}

	if s.sweeper != nil {
		s.sweeper.Stop()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if err := s.recorder.WaitContext(ctx); err != nil {
		s.logger.Error("audit writes still pending at shutdown", "error", err)
		errs = append(errs, err)
	} else {
		s.logger.Info("audit writes drained")
	}

	if s.shutdownTracing != nil {
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
			errs = append(errs, err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.healthy.Store(false)
	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
