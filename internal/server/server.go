// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
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

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/fiatbridge/fiatbridge/internal/chain"
	"github.com/fiatbridge/fiatbridge/internal/config"
	"github.com/fiatbridge/fiatbridge/internal/dispute"
	"github.com/fiatbridge/fiatbridge/internal/events"
	"github.com/fiatbridge/fiatbridge/internal/extension"
	"github.com/fiatbridge/fiatbridge/internal/health"
	"github.com/fiatbridge/fiatbridge/internal/logging"
	"github.com/fiatbridge/fiatbridge/internal/metrics"
	"github.com/fiatbridge/fiatbridge/internal/order"
	"github.com/fiatbridge/fiatbridge/internal/ratelimit"
	"github.com/fiatbridge/fiatbridge/internal/realtime"
	"github.com/fiatbridge/fiatbridge/internal/security"
	"github.com/fiatbridge/fiatbridge/internal/settlement"
	"github.com/fiatbridge/fiatbridge/internal/sweep"
	"github.com/fiatbridge/fiatbridge/internal/traces"
	"github.com/fiatbridge/fiatbridge/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	ledger       chain.Client
	orders       order.Store
	orderService *order.Service
	orderTimer   *order.Timer
	coordinator  *settlement.Coordinator
	disputes     *dispute.Service
	negotiator   *extension.Negotiator
	sweepRunner  *sweep.Runner
	sweepTimer   *sweep.Timer
	dispatcher   *events.Dispatcher
	subscribers  events.SubscriptionStore
	realtimeHub  *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	healthChecks *health.Registry
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	stopTraces   func(context.Context) error

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

// WithLedger sets a custom ledger client (for testing)
func WithLedger(c chain.Client) Option {
	return func(s *Server) {
		s.ledger = c
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set ledger/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
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
		s.orders = order.NewPostgresStore(db)
		s.subscribers = events.NewPostgresSubscriptionStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.orders = order.NewMemoryStore()
		s.subscribers = events.NewMemorySubscriptionStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Create ledger client if not injected
	if s.ledger == nil {
		signer, err := chain.NewOwnedKey(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load operational key: %w", err)
		}
		client, err := chain.New(chain.Config{
			RPCURL:         cfg.RPCURL,
			ChainID:        cfg.ChainID,
			EscrowContract: cfg.EscrowContract,
			TokenContract:  cfg.USDTContract,
			ConfirmTimeout: cfg.ConfirmTimeout,
		}, signer)
		if err != nil {
			return nil, fmt.Errorf("failed to create ledger client: %w", err)
		}
		s.ledger = client
		s.logger.Info("ledger client connected",
			"rpc", cfg.RPCURL, "chainId", cfg.ChainID,
			"escrow", cfg.EscrowContract, "operator", signer.Address().Hex())
	}

	// Realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)

	// Event dispatcher: webhooks + realtime fan-out
	s.dispatcher = events.NewDispatcher(s.subscribers, s.logger).
		WithBroadcaster(s.realtimeHub)

	// Order lifecycle service and expiry timer
	s.orderService = order.NewService(s.orders).
		WithNotifier(s.dispatcher).
		WithExpiry(cfg.OrderExpiry).
		WithMaxExtensions(cfg.MaxExtensions)
	s.orderTimer = order.NewTimer(s.orderService, s.orders, s.logger)

	// Settlement coordinator (the only component that moves funds)
	s.coordinator = settlement.NewCoordinator(s.orders, s.ledger, s.logger).
		WithNotifier(s.dispatcher)

	// Dispute workflow
	var disputeStore dispute.Store
	if s.db != nil {
		disputeStore = dispute.NewPostgresStore(s.db)
	} else {
		disputeStore = dispute.NewMemoryStore()
	}
	s.disputes = dispute.NewService(disputeStore, s.orders, s.coordinator, cfg.ArbiterAddress, s.logger).
		WithNotifier(s.dispatcher)

	// Extension negotiation
	s.negotiator = extension.NewNegotiator(s.orders, s.logger).
		WithIncrement(time.Duration(cfg.ExtensionMinutes) * time.Minute).
		WithMaxExtensions(cfg.MaxExtensions).
		WithNotifier(s.dispatcher)

	// Reconciliation sweep (in-process periodic runs; the CLI shares the runner)
	s.sweepRunner = sweep.NewRunner(s.orders, s.ledger, s.coordinator, s.logger).
		WithCutoff(cfg.AbandonedAfter).
		WithBatchSize(cfg.SweepBatchSize).
		WithAbandonedPolicy(chain.Resolution(cfg.AbandonedPolicy))
	s.sweepTimer = sweep.NewTimer(s.sweepRunner, cfg.SweepInterval, true, s.logger)

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

func (s *Server) setupHealthChecks() {
	s.healthChecks = health.NewRegistry()

	if s.db != nil {
		db := s.db
		s.healthChecks.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}

	ledger := s.ledger
	s.healthChecks.Register("ledger", func(ctx context.Context) health.Status {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		// A missing probe trade is a healthy RPC answer
		_, err := ledger.FetchTrade(ctx, chain.NewTradeRef(common.Address{}, 1))
		if err != nil && !errors.Is(err, chain.ErrTradeNotFound) {
			return health.Status{Name: "ledger", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "ledger", Healthy: true}
	})
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
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/api", s.infoHandler)

	// WebSocket for real-time order streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// V1 API group
	v1 := s.router.Group("/v1")

	// Order lifecycle (create, accept, payment-sent, cancel, read)
	order.NewHandler(s.orderService).RegisterRoutes(v1)

	// Settlement actions (lock escrow, confirm fiat → release)
	settlement.NewHandler(s.coordinator).RegisterRoutes(v1)

	// Disputes (open, propose, respond, force-resolve)
	dispute.RegisterRoutes(v1, s.disputes)

	// Deadline extensions
	extension.RegisterRoutes(v1, s.negotiator)

	// Webhook subscriptions
	events.RegisterRoutes(v1, s.subscribers)

	// Realtime stats (operational visibility for the hub)
	v1.GET("/realtime/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})

	// Operator-triggered reconciliation sweep (dry-run unless execute=true)
	v1.POST("/admin/sweep", s.sweepHandler)
}

// sweepHandler runs one reconciliation sweep on demand.
func (s *Server) sweepHandler(c *gin.Context) {
	execute := c.Query("execute") == "true"
	report, err := s.sweepRunner.Run(c.Request.Context(), execute)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthChecks.CheckAll(c.Request.Context())

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
		"name":        "FiatBridge",
		"description": "Escrow-backed P2P crypto-to-fiat trade coordination",
		"version":     "0.1.0",
		"chainId":     s.cfg.ChainID,
		"currency":    "USDT",
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing (no-op when no collector is configured)
	if s.cfg.OTLPEndpoint != "" {
		stop, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
		if err != nil {
			s.logger.Warn("failed to initialize tracing", "error", err)
		} else {
			s.stopTraces = stop
		}
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
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start order expiry timer
	go s.orderTimer.Start(runCtx)

	// Start periodic reconciliation sweep
	go s.sweepTimer.Start(runCtx)

	// DB stats collector
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

	// Cancel the context for all background goroutines (hub, timers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop order expiry timer
	s.orderTimer.Stop()
	s.logger.Info("order timer stopped")

	// Stop sweep timer
	s.sweepTimer.Stop()
	s.logger.Info("sweep timer stopped")

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Let in-flight webhook deliveries finish
	s.dispatcher.Wait()

	// Flush traces
	if s.stopTraces != nil {
		if err := s.stopTraces(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
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
