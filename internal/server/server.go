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

	"github.com/pickaxe-app/pickaxe/internal/config"
	"github.com/pickaxe-app/pickaxe/internal/health"
	"github.com/pickaxe-app/pickaxe/internal/ledger"
	"github.com/pickaxe-app/pickaxe/internal/logging"
	"github.com/pickaxe-app/pickaxe/internal/metrics"
	"github.com/pickaxe-app/pickaxe/internal/mining"
	"github.com/pickaxe-app/pickaxe/internal/ratelimit"
	"github.com/pickaxe-app/pickaxe/internal/realtime"
	"github.com/pickaxe-app/pickaxe/internal/security"
	"github.com/pickaxe-app/pickaxe/internal/settings"
	"github.com/pickaxe-app/pickaxe/internal/traces"
	"github.com/pickaxe-app/pickaxe/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg              *config.Config
	miningService    *mining.Service
	sweeper          *mining.Sweeper
	ledgerService    *ledger.Service
	settingsProvider *settings.StoreProvider
	realtimeHub      *realtime.Hub
	healthRegistry   *health.Registry
	rateLimiter      *ratelimit.Limiter
	db               *sql.DB // nil if using in-memory
	router           *gin.Engine
	httpSrv          *http.Server
	logger           *slog.Logger
	tracerShutdown   func(context.Context) error
	cancelRunCtx     context.CancelFunc // cancels background goroutines started in Run

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
		cfg:            cfg,
		logger:         logging.New(cfg.LogLevel, "json"),
		healthRegistry: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	defaults := settings.Settings{
		RatePerHour:       cfg.MiningRatePerHour,
		MaxSessionSeconds: cfg.MaxSessionSeconds,
		PerSessionCap:     cfg.PerSessionCap,
		MaintenanceMode:   cfg.MaintenanceMode,
	}

	var miningStore mining.Store
	var ledgerStore ledger.Store
	var settingsStore settings.Store

	// Storage: Postgres when DATABASE_URL is set, in-memory otherwise
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		pgMining := mining.NewPostgresStore(db)
		if err := pgMining.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate mining store", "error", err)
		}
		miningStore = pgMining

		pgLedger := ledger.NewPostgresStore(db)
		if err := pgLedger.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate ledger store", "error", err)
		}
		ledgerStore = pgLedger

		pgSettings := settings.NewPostgresStore(db)
		if err := pgSettings.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate settings store", "error", err)
		}
		settingsStore = pgSettings

		s.healthRegistry.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		miningStore = mining.NewMemoryStore()
		ledgerStore = ledger.NewMemoryStore()
		settingsStore = settings.NewMemoryStore()
	}

	s.settingsProvider = settings.NewStoreProvider(settingsStore, defaults, cfg.SettingsCacheTTL)
	s.ledgerService = ledger.NewService(ledgerStore)
	s.miningService = mining.NewService(miningStore, s.settingsProvider, &miningLedgerAdapter{s.ledgerService})
	s.sweeper = mining.NewSweeper(s.miningService, cfg.SweepInterval)

	s.healthRegistry.Register("settings", func(ctx context.Context) health.Status {
		if _, err := s.settingsProvider.Get(ctx); err != nil {
			return health.Status{Name: "settings", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "settings", Healthy: true}
	})

	// Realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)
	s.miningService.WithEmitter(realtime.NewMiningEmitter(s.realtimeHub))
	s.logger.Info("realtime streaming enabled")

	// Tracing
	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.tracerShutdown = shutdown
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
	if s.cfg.RateLimitRPM > 0 {
		limiterCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
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

// adminAuthMiddleware guards the admin group with the shared admin secret.
// In development with no secret configured, admin routes are open.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			if s.cfg.IsProduction() {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "forbidden",
					"message": "admin API is not configured",
				})
				return
			}
			c.Next()
			return
		}
		got := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.AdminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "invalid admin secret",
			})
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
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	v1.Use(validation.SubjectParamMiddleware())

	miningHandler := mining.NewHandler(s.miningService)
	miningHandler.RegisterRoutes(v1)

	ledgerHandler := ledger.NewHandler(s.ledgerService)
	ledgerHandler.RegisterRoutes(v1)

	// Admin group: live settings, hub stats
	admin := v1.Group("/admin")
	admin.Use(s.adminAuthMiddleware())
	settingsHandler := settings.NewHandler(s.settingsProvider)
	settingsHandler.RegisterRoutes(admin)
	admin.GET("/realtime/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})
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
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.healthRegistry.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
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
	c.JSON(http.StatusOK, gin.H{
		"name":    "Pickaxe API",
		"version": "0.1.0",
		"endpoints": gin.H{
			"mining":       "/v1/mining/sessions",
			"balances":     "/v1/subjects/:id/balance",
			"transactions": "/v1/subjects/:id/transactions",
			"transfers":    "/v1/transfers",
			"exchanges":    "/v1/exchanges",
			"websocket":    "/ws",
			"health":       "/health",
			"metrics":      "/metrics",
		},
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
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

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start the expiry/credit-recovery sweeper
	s.sweeper.Start(runCtx)

	// Start DB stats collector
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

	// Cancel the context for all background goroutines (hub, sweeper)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	if s.sweeper != nil {
		s.sweeper.Stop()
		s.logger.Info("sweeper stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.tracerShutdown != nil {
		if err := s.tracerShutdown(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
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

// miningLedgerAdapter bridges the ledger service into mining's narrower
// crediting interface.
type miningLedgerAdapter struct {
	ledger *ledger.Service
}

var _ mining.LedgerService = (*miningLedgerAdapter)(nil)

func (a *miningLedgerAdapter) CreditMining(ctx context.Context, subjectID, amount, sessionID string) (mining.BalanceSnapshot, string, error) {
	bal, tx, err := a.ledger.CreditMining(ctx, subjectID, amount, sessionID)
	if err != nil {
		return mining.BalanceSnapshot{}, "", err
	}
	return mining.BalanceSnapshot{
		Sendable:    bal.Sendable,
		NonSendable: bal.NonSendable,
		Pending:     bal.Pending,
		Total:       bal.Total(),
	}, tx.ID, nil
}

func (a *miningLedgerAdapter) Balance(ctx context.Context, subjectID string) (mining.BalanceSnapshot, error) {
	bal, err := a.ledger.Balance(ctx, subjectID)
	if err != nil {
		return mining.BalanceSnapshot{}, err
	}
	return mining.BalanceSnapshot{
		Sendable:    bal.Sendable,
		NonSendable: bal.NonSendable,
		Pending:     bal.Pending,
		Total:       bal.Total(),
	}, nil
}
