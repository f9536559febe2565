// Package server wires the assessment desk, its upstream client and storage
// into an HTTP server.
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
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/riskdesk/internal/assessment"
	"github.com/mbd888/riskdesk/internal/circuitbreaker"
	"github.com/mbd888/riskdesk/internal/config"
	"github.com/mbd888/riskdesk/internal/health"
	"github.com/mbd888/riskdesk/internal/idgen"
	"github.com/mbd888/riskdesk/internal/logging"
	"github.com/mbd888/riskdesk/internal/masumi"
	"github.com/mbd888/riskdesk/internal/metrics"
	"github.com/mbd888/riskdesk/internal/ratelimit"
	"github.com/mbd888/riskdesk/internal/realtime"
	"github.com/mbd888/riskdesk/internal/retry"
	"github.com/mbd888/riskdesk/internal/security"
	"github.com/mbd888/riskdesk/internal/traces"
	"github.com/mbd888/riskdesk/internal/validation"
	"github.com/mbd888/riskdesk/internal/webhooks"
)

// Version is reported by /health and the tracer resource.
const Version = "0.1.0"

// drainDelay gives load balancers time to stop routing before the listener closes.
var drainDelay = 5 * time.Second

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	api          assessment.API
	client       *masumi.Client // nil when api was injected
	desk         *assessment.Desk
	deskOpts     []assessment.Option
	realtimeHub  *realtime.Hub
	notifier     *webhooks.Notifier // nil without WEBHOOK_URLS
	health       *health.Registry
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	stopTracing  func(context.Context) error

	// Health state
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

// WithAPI replaces the upstream client (for testing)
func WithAPI(api assessment.API) Option {
	return func(s *Server) {
		s.api = api
	}
}

// WithDeskOptions passes extra options to the assessment desk
func WithDeskOptions(opts ...assessment.Option) Option {
	return func(s *Server) {
		s.deskOpts = append(s.deskOpts, opts...)
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Upstream client, guarded per operation by a circuit breaker
	if s.api == nil {
		var clientOpts []masumi.Option
		clientOpts = append(clientOpts, masumi.WithLogger(s.logger))
		if cfg.BreakerThreshold > 0 {
			clientOpts = append(clientOpts, masumi.WithBreaker(circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown)))
		}
		s.client = masumi.NewClient(masumi.Config{
			RiskAPIURL:    cfg.RiskAPIURL,
			PaymentAPIURL: cfg.PaymentAPIURL,
			AdminToken:    cfg.PaymentAdminToken,
			Timeout:       cfg.HTTPTimeout,
		}, clientOpts...)
		s.api = s.client
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	store, err := s.openStore(ctx)
	if err != nil {
		return nil, err
	}

	// Input presets: built-ins overlaid with the optional YAML file
	overrides, err := config.LoadPresets(cfg.PresetsFile)
	if err != nil {
		s.closeDB()
		return nil, err
	}
	presets, err := assessment.MergePresets(assessment.DefaultPresets(), overrides)
	if err != nil {
		s.closeDB()
		return nil, fmt.Errorf("presets: %w", err)
	}

	s.realtimeHub = realtime.NewHub(s.logger, realtime.WithAllowedOrigins(cfg.AllowedOrigins))

	deskOpts := []assessment.Option{
		assessment.WithLogger(s.logger),
		assessment.WithPollPolicy(assessment.PollPolicy{
			MaxAttempts: cfg.PollMaxAttempts,
			Deadline:    cfg.PollDeadline,
		}),
		assessment.WithPurchaseTerms(masumi.PurchaseTerms{
			Network:     cfg.PaymentNetwork,
			SellerVKey:  cfg.SellerVKey,
			PaymentType: cfg.PaymentType,
		}),
		assessment.WithPresets(presets),
		assessment.WithSink(s.realtimeHub),
	}
	if len(cfg.WebhookURLs) > 0 {
		s.notifier = webhooks.NewNotifier(webhooks.Config{
			URLs:   cfg.WebhookURLs,
			Secret: cfg.WebhookSecret,
		}, s.logger)
		deskOpts = append(deskOpts, assessment.WithSink(s.notifier))
	}
	s.desk = assessment.NewDesk(s.api, store, append(deskOpts, s.deskOpts...)...)

	s.health = s.buildHealth()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	s.logger.Info("server configured",
		"risk_api", cfg.RiskAPIURL,
		"payment_api", cfg.PaymentAPIURL,
		"network", cfg.PaymentNetwork,
		"poll_deadline", cfg.PollDeadline.String(),
	)

	return s, nil
}

func (s *Server) openStore(ctx context.Context) (assessment.Store, error) {
	if s.cfg.DatabaseURL == "" {
		s.logger.Info("using in-memory storage (data will not persist)")
		return assessment.NewMemoryStore(), nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Postgres often comes up after us in compose setups
	err = retry.Do(ctx, 5, 500*time.Millisecond, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return db.PingContext(pingCtx)
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := assessment.NewPostgresStore(db)
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s.db = db
	s.logger.Info("connected to PostgreSQL", "dsn", maskDSN(s.cfg.DatabaseURL))
	return store, nil
}

func (s *Server) closeDB() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

func (s *Server) buildHealth() *health.Registry {
	reg := health.NewRegistry()
	if s.db != nil {
		reg.Register("database", health.Database("database", s.db))
	}
	if s.client != nil {
		if b := s.client.Breaker(); b != nil {
			reg.Register("upstream_breaker", health.Breaker("upstream_breaker", b.OpenKeys))
		}
		reg.Register("risk_agent", health.Probe("risk_agent", func(ctx context.Context) (string, error) {
			a, err := s.client.Availability(ctx)
			if err != nil {
				return "", err
			}
			return a.Status, nil
		}))
	}
	reg.Register("workflows", health.Probe("workflows", func(context.Context) (string, error) {
		return fmt.Sprintf("%d in flight", s.desk.InFlight()), nil
	}))
	return reg
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
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         s.cfg.RateLimitBurst,
	})
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an upstream request ID (load balancer, SDK) when it looks sane
		requestID := validation.SanitizeString(c.GetHeader("X-Request-ID"), 64)
		if requestID == "" {
			requestID = idgen.Hex(16)
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("request_id", requestID))
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
		case path == "/health/live" || path == "/health/ready" || path == "/metrics":
			logger.Debug("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Assessment progress stream
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	s.router.GET("/", s.infoHandler)

	// Rate limiting applies to the API only; probes and scrapes stay unthrottled
	v1 := s.router.Group("/v1")
	v1.Use(s.rateLimiter.Middleware())
	assessment.NewHandler(s.desk).RegisterRoutes(v1)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
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

func (s *Server) infoHandler(c *gin.Context) {
	types := make([]string, 0, 4)
	for _, rt := range assessment.AllRiskTypes() {
		types = append(types, string(rt))
	}
	c.JSON(http.StatusOK, gin.H{
		"name":      "riskdesk",
		"version":   Version,
		"riskTypes": types,
		"inFlight":  s.desk.InFlight(),
		"realtime":  s.realtimeHub.Stats(),
		"endpoints": gin.H{
			"riskTypes":   "/v1/risk-types",
			"assessments": "/v1/assessments",
			"latest":      "/v1/results/latest",
			"stream":      "/ws",
		},
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	stopTracing, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		s.logger.Warn("tracing disabled", "error", err)
	} else {
		s.stopTracing = stopTracing
	}

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

	go s.realtimeHub.Run(runCtx)
	if s.notifier != nil {
		go s.notifier.Run(runCtx)
	}

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

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

// Shutdown gracefully stops the server. In-flight assessment runs are
// cancelled before the store is closed.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	time.Sleep(drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Stop runs while the store and hub are still up so final states land
	s.desk.Close()
	s.logger.Info("assessment desk stopped")

	// Stops the hub and the DB stats collector
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Warn("tracer shutdown error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Desk returns the assessment desk
func (s *Server) Desk() *assessment.Desk {
	return s.desk
}
