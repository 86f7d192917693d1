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

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/taskvine/walletd/internal/auth"
	"github.com/taskvine/walletd/internal/config"
	"github.com/taskvine/walletd/internal/dispute"
	"github.com/taskvine/walletd/internal/escrow"
	"github.com/taskvine/walletd/internal/fees"
	"github.com/taskvine/walletd/internal/fire"
	"github.com/taskvine/walletd/internal/health"
	"github.com/taskvine/walletd/internal/logging"
	"github.com/taskvine/walletd/internal/metrics"
	"github.com/taskvine/walletd/internal/retry"
	"github.com/taskvine/walletd/internal/sweep"
	"github.com/taskvine/walletd/internal/traces"
	"github.com/taskvine/walletd/internal/validation"
	"github.com/taskvine/walletd/internal/wallet"
)

// Server wraps the HTTP server and dependencies.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      *sql.DB // nil when using in-memory stores
	router  *gin.Engine
	httpSrv *http.Server

	wallets  *wallet.Service
	escrows  *escrow.Service
	disputes *dispute.Service
	fires    *fire.Service
	sweeper  *sweep.Runner

	resolver auth.Resolver
	checks   *health.Registry

	cancelRunCtx   context.CancelFunc
	shutdownTraces func(context.Context) error

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithResolver sets the identity resolver. Production wiring passes the
// identity-provider client here; without it the server falls back to the
// development resolver.
func WithResolver(r auth.Resolver) Option {
	return func(s *Server) { s.resolver = r }
}

// New creates a new server instance.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		checks: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	var (
		walletStore  wallet.Store
		escrowStore  escrow.Store
		disputeStore dispute.Store
		fireStore    fire.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// The database may still be coming up alongside us.
		if err := retry.Do(ctx, 5, 500*time.Millisecond, func() error {
			return db.Ping()
		}); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.checks.Register("database", health.DB(db))
		walletStore = wallet.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		fireStore = fire.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		walletStore = wallet.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		fireStore = fire.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	calc := fees.New(cfg.PlatformFeePct, cfg.PaymentFeePct)
	calc.Enabled = cfg.FeesEnabled

	s.wallets = wallet.NewService(walletStore, cfg.Currency, cfg.DepositTTL)
	s.escrows = escrow.NewService(escrowStore, s.wallets, calc, cfg.CoolingPeriod)
	s.wallets.SetEscrowSummer(s.escrows)
	s.disputes = dispute.NewService(disputeStore, s.escrows)
	s.fires = fire.NewService(fireStore, s.wallets)
	s.sweeper = sweep.NewRunner(s.escrows, s.wallets, s.fires, cfg.SweepBatchSize)

	if s.resolver == nil {
		if cfg.IsProduction() {
			return nil, fmt.Errorf("no identity resolver configured")
		}
		s.logger.Warn("using development token resolver")
		s.resolver = auth.DevResolver()
	}

	if cfg.OTLPEndpoint != "" {
		shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
		if err != nil {
			s.logger.Warn("failed to initialize tracing", "error", err)
		} else {
			s.shutdownTraces = shutdown
			s.logger.Info("tracing enabled", "endpoint", cfg.OTLPEndpoint)
		}
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

// maskDSN hides the password in a connection string for logging.
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

func (s *Server) setupMiddleware() {
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

	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
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

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/healthz", s.healthHandler)
	s.router.GET("/healthz/live", s.livenessHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	walletHandler := wallet.NewHandler(s.wallets, s.cfg.MaxPageSize)
	escrowHandler := escrow.NewHandler(s.escrows, s.cfg.MaxPageSize)
	disputeHandler := dispute.NewHandler(s.disputes, s.cfg.MaxPageSize)
	fireHandler := fire.NewHandler(s.fires, s.cfg.MaxPageSize)

	v1 := s.router.Group("/v1")

	// Authenticated user routes
	authed := v1.Group("")
	authed.Use(auth.Middleware(auth.NewCache(s.resolver, s.cfg.AuthTTL)))
	{
		walletHandler.RegisterRoutes(authed)
		escrowHandler.RegisterRoutes(authed)
		disputeHandler.RegisterRoutes(authed)
		fireHandler.RegisterRoutes(authed)
	}

	// Admin console routes: authenticated identity plus admin role
	admin := authed.Group("/admin")
	admin.Use(auth.RequireRole(auth.RoleAdmin))
	{
		escrowHandler.RegisterAdminRoutes(admin)
		disputeHandler.RegisterAdminRoutes(admin)
		admin.GET("/stats", s.adminStatsHandler)
	}

	// Payment-provider callback, guarded by shared secret
	callbacks := v1.Group("")
	callbacks.Use(auth.RequireSecret("X-Callback-Secret", s.cfg.AdminSecret))
	walletHandler.RegisterCallbackRoutes(callbacks)

	// Scheduler endpoints, guarded by the cron secret
	cron := v1.Group("/cron")
	cron.Use(auth.RequireSecret("X-Cron-Secret", s.cfg.CronSecret))
	{
		cron.POST("/release-escrows", s.sweepHandler(sweep.JobReleaseEscrows, s.sweeper.ReleaseEscrows))
		cron.POST("/expire-deposits", s.sweepHandler(sweep.JobExpireDeposits, s.sweeper.ExpireDeposits))
		cron.POST("/expire-boosts", s.sweepHandler(sweep.JobExpireBoosts, s.sweeper.ExpireBoosts))
	}
}

// sweepHandler adapts a sweep job to an HTTP endpoint for the external
// scheduler.
func (s *Server) sweepHandler(name string, job func(context.Context) (*sweep.Result, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := traces.StartSpan(c.Request.Context(), "sweep."+name)
		defer span.End()

		res, err := job(ctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "sweep_failed",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"result": res})
	}
}

// adminStatsHandler handles GET /v1/admin/stats
func (s *Server) adminStatsHandler(c *gin.Context) {
	ctx := c.Request.Context()

	stats, err := s.wallets.Stats(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load wallet stats",
		})
		return
	}

	_, activeEscrows, err := s.escrows.List(ctx, escrow.Filter{
		Statuses: []escrow.Status{escrow.StatusHeld, escrow.StatusDisputed, escrow.StatusReleasing},
		Limit:    1,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to count escrows",
		})
		return
	}

	_, openDisputes, err := s.disputes.List(ctx, true, 1, 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to count disputes",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"stats": gin.H{
			"totalWallets":      stats.TotalWallets,
			"totalAvailable":    stats.TotalAvailable,
			"totalHeld":         stats.TotalHeld,
			"transactionsToday": stats.TransactionsToday,
			"platformRevenue":   stats.PlatformRevenue,
			"activeEscrows":     activeEscrows,
			"openDisputes":      openDisputes,
		},
	})
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)
	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
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

// Router exposes the gin engine for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Run starts the HTTP server and blocks until shutdown.
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

	// In development there is no external scheduler, so run the sweeps
	// on an in-process ticker.
	if s.cfg.IsDevelopment() && s.cfg.SweepInterval > 0 {
		go s.sweeper.Start(runCtx, s.cfg.SweepInterval)
		s.logger.Info("in-process sweep ticker started", "interval", s.cfg.SweepInterval)
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

// Shutdown gracefully stops the server.
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

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Warn("trace exporter shutdown failed", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("database close failed", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}
