// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
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
	"github.com/shopspring/decimal"

	"github.com/fjordbank/payguard/internal/approval"
	"github.com/fjordbank/payguard/internal/audit"
	"github.com/fjordbank/payguard/internal/config"
	"github.com/fjordbank/payguard/internal/health"
	"github.com/fjordbank/payguard/internal/ingest"
	"github.com/fjordbank/payguard/internal/logging"
	"github.com/fjordbank/payguard/internal/metrics"
	"github.com/fjordbank/payguard/internal/notify"
	"github.com/fjordbank/payguard/internal/ratelimit"
	"github.com/fjordbank/payguard/internal/realtime"
	"github.com/fjordbank/payguard/internal/refdata"
	"github.com/fjordbank/payguard/internal/security"
	"github.com/fjordbank/payguard/internal/settlement"
	"github.com/fjordbank/payguard/internal/traces"
	"github.com/fjordbank/payguard/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	settlements settlement.Store
	approvals   approval.Store
	activity    audit.Store

	rates  *refdata.RateBook
	rules  *refdata.RuleBook
	limits *refdata.LimitBook

	ruleRefresher *refdata.Refresher
	rateRefresher *refdata.Refresher

	pipeline    *ingest.Pipeline
	recalc      *ingest.Recalculator
	approvalSvc *approval.Service
	webhook     *notify.Webhook
	realtimeHub *realtime.Hub

	healthReg   *health.Registry
	rateLimiter *ratelimit.Limiter
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	traceStop   func(context.Context) error
	cancelRun   context.CancelFunc // cancels background goroutines started in Run

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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set logger)
	for _, opt := range opts {
		opt(s)
	}

	s.rates = refdata.NewRateBook()
	s.rules = refdata.NewRuleBook()
	s.limits = refdata.NewLimitBook(refdata.LimitMode(cfg.LimitMode), cfg.FlatLimitUSD)

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var src interface {
		refdata.RateSource
		refdata.RuleSource
		refdata.LimitSource
	}
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.settlements = settlement.NewPostgresStore(db)
		s.approvals = approval.NewPostgresStore(db)
		s.activity = audit.NewPostgresStore(db)
		src = refdata.NewPostgresSource(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.activity = audit.NewMemoryStore()
		s.settlements = settlement.NewMemoryStore(s.activity)
		s.approvals = approval.NewMemoryStore()
		src = demoSource(cfg.FlatLimitUSD)
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.ruleRefresher = refdata.NewRefresher("rules", cfg.RuleRefreshInterval,
		func(ctx context.Context) error { return s.rules.Reload(ctx, src) }, s.logger)
	s.rateRefresher = refdata.NewRefresher("rates", cfg.RateRefreshInterval,
		func(ctx context.Context) error {
			if err := s.rates.Reload(ctx, src); err != nil {
				return err
			}
			return s.limits.Reload(ctx, src)
		}, s.logger)

	// Realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)

	s.pipeline = ingest.NewPipeline(s.settlements, s.rates, s.rules, cfg.MaxTxRetries, s.logger).
		WithEvents(s.realtimeHub)
	s.recalc = ingest.NewRecalculator(s.settlements, s.rates, s.rules)

	s.approvalSvc = approval.NewService(s.settlements, s.approvals, s.activity, s.limits)
	notifiers := []approval.Notifier{hubNotifier{s.realtimeHub}}
	if cfg.WebhookURL != "" {
		if err := security.ValidateEndpointURL(cfg.WebhookURL); err != nil {
			return nil, fmt.Errorf("WEBHOOK_URL rejected: %w", err)
		}
		s.webhook = notify.NewWebhook(cfg.WebhookURL, cfg.WebhookSecret, s.logger)
		notifiers = append(notifiers, s.webhook)
		s.logger.Info("webhook notifications enabled")
	}
	s.approvalSvc = s.approvalSvc.WithNotifier(fanoutNotifier(notifiers))

	s.setupHealthChecks()

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// hubNotifier streams authorisations to connected WebSocket clients.
type hubNotifier struct {
	hub *realtime.Hub
}

func (n hubNotifier) ReleaseAuthorized(ctx context.Context, businessID string, version int64, authorizedBy string) {
	n.hub.Emit("release.authorized", map[string]interface{}{
		"businessId":   businessID,
		"version":      version,
		"authorizedBy": authorizedBy,
	})
}

// fanoutNotifier forwards each authorisation to every notifier.
type fanoutNotifier []approval.Notifier

func (f fanoutNotifier) ReleaseAuthorized(ctx context.Context, businessID string, version int64, authorizedBy string) {
	for _, n := range f {
		n.ReleaseAuthorized(ctx, businessID, version, authorizedBy)
	}
}

// demoSource seeds a static reference-data source for in-memory mode.
func demoSource(flat decimal.Decimal) *refdata.StaticSource {
	src := refdata.NewStaticSource(flat)
	src.SetRate("USD", decimal.NewFromInt(1))
	src.SetRate("EUR", decimal.RequireFromString("1.08"))
	src.SetRate("GBP", decimal.RequireFromString("1.27"))
	src.SetRate("JPY", decimal.RequireFromString("0.0067"))
	src.SetRate("CHF", decimal.RequireFromString("1.12"))
	return src
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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	limiterCfg := ratelimit.DefaultConfig()
	limiterCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
	limiterCfg.BurstSize = s.cfg.RateLimitRPS * 2
	s.rateLimiter = ratelimit.New(limiterCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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

		// Log level based on status code
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

// adminMiddleware gates operator endpoints on the X-Admin-Secret header.
// In development with no secret configured, access is open.
func (s *Server) adminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			if s.cfg.IsDevelopment() {
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin_disabled"})
			return
		}
		given := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(given), []byte(s.cfg.AdminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
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

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/", s.infoHandler)

	// Operator dashboard
	s.router.GET("/dashboard", s.dashboardHandler)

	ingestHandler := ingest.NewHandler(s.pipeline, s.recalc, s.cfg.CurrencyAllowlist)
	approvalHandler := approval.NewHandler(s.approvalSvc)

	v1 := s.router.Group("/v1")

	// Ingestion (upstream settlement feed)
	v1.POST("/settlements", ingestHandler.Submit)

	// Queries
	v1.GET("/settlements/:businessId", s.getSettlement)
	v1.GET("/settlements/:businessId/versions", s.getVersions)
	v1.GET("/settlements/:businessId/activity", s.getActivity)
	v1.GET("/groups", s.listGroups)
	v1.GET("/groups/:pts/:entity/:counterparty/:valueDate", s.getGroup)
	v1.GET("/activity", s.getRecentActivity)
	v1.GET("/rates", s.getRates)
	v1.GET("/rules", s.getRules)

	// Release workflow
	v1.POST("/settlements/:businessId/release-requests", approvalHandler.RequestRelease)
	v1.POST("/settlements/:businessId/authorizations", approvalHandler.Authorize)
	v1.POST("/release-requests", approvalHandler.RequestReleaseBulk)
	v1.POST("/authorizations", approvalHandler.AuthorizeBulk)

	// Admin (operator) endpoints
	admin := v1.Group("")
	admin.Use(s.adminMiddleware())
	{
		admin.POST("/recalculations", ingestHandler.Recalculate)
		admin.GET("/recalculations/:id", ingestHandler.RecalculationStatus)
		admin.POST("/refreshes", s.forceRefresh)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) setupHealthChecks() {
	s.healthReg = health.NewRegistry()

	if s.db != nil {
		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}

	s.healthReg.Register("rates", func(ctx context.Context) health.Status {
		if len(s.rates.Currencies()) == 0 {
			return health.Status{Name: "rates", Healthy: false, Detail: "no rates loaded"}
		}
		return health.Status{Name: "rates", Healthy: true}
	})
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthReg.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Payguard",
		"description": "Settlement exposure monitor with two-person release workflow",
		"version":     "0.1.0",
	})
}

// forceRefresh reloads all reference-data books immediately.
func (s *Server) forceRefresh(c *gin.Context) {
	s.ruleRefresher.ReloadNow(c.Request.Context())
	s.rateRefresher.ReloadNow(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"currencies": s.rates.Currencies(),
	})
}

func (s *Server) getRates(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"currencies": s.rates.Currencies()})
}

func (s *Server) getRules(c *gin.Context) {
	e := s.rules.Eligibility()
	c.JSON(http.StatusOK, gin.H{
		"directions": e.DirectionList(),
		"statuses":   e.StatusList(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel

	// Tracing
	stop, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed", "error", err)
	} else {
		s.traceStop = stop
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start reference-data refreshers
	go s.ruleRefresher.Start(runCtx)
	go s.rateRefresher.Start(runCtx)

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Sample DB pool stats
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, refreshers)
	if s.cancelRun != nil {
		s.cancelRun()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.traceStop != nil {
		if err := s.traceStop(ctx); err != nil {
			s.logger.Warn("trace shutdown error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
