// Package server sets up the HTTP server with all routes
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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/atelier/internal/auth"
	"github.com/mbd888/atelier/internal/commission"
	"github.com/mbd888/atelier/internal/config"
	"github.com/mbd888/atelier/internal/escrow"
	"github.com/mbd888/atelier/internal/health"
	"github.com/mbd888/atelier/internal/logging"
	"github.com/mbd888/atelier/internal/metrics"
	"github.com/mbd888/atelier/internal/notify"
	"github.com/mbd888/atelier/internal/ratelimit"
	"github.com/mbd888/atelier/internal/security"
	"github.com/mbd888/atelier/internal/traces"
	"github.com/mbd888/atelier/internal/validation"
)

// Version is reported by /health and the tracer resource.
const Version = "0.3.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	db             *sql.DB       // nil if using in-memory
	redis          *redis.Client // nil without REDIS_URL
	verifier       *auth.Verifier
	escrowService  *escrow.Service
	commission     *commission.Service
	timer          *commission.Timer
	events         *notify.Dispatcher
	healthChecks   *health.Registry
	rateLimiter    *ratelimit.Limiter
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	tracesShutdown func(context.Context) error
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	drainDelay     time.Duration

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

// WithDrainDelay sets how long Shutdown waits for load balancers before
// closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:          cfg,
		logger:       logging.New(cfg.LogLevel, cfg.LogFormat),
		healthChecks: health.NewRegistry(),
		drainDelay:   5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, traces.Options{
		Endpoint:    cfg.OTLPEndpoint,
		Version:     Version,
		Environment: cfg.Env,
		SampleRatio: cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.tracesShutdown = shutdown

	s.verifier = auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		commissionStore commission.Store
		escrowStore     escrow.Store
		admins          commission.AdminDirectory
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		commissionStore = commission.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)

		pgAdmins := auth.NewPostgresAdmins(db)
		for _, id := range cfg.AdminUserIDs {
			if err := pgAdmins.Grant(ctx, id); err != nil {
				return nil, fmt.Errorf("failed to grant admin %s: %w", id, err)
			}
		}
		admins = pgAdmins

		s.healthChecks.Register("database", health.PingCheck("database", db.PingContext))
		if err := metrics.RegisterDB(prometheus.DefaultRegisterer, db); err != nil {
			return nil, fmt.Errorf("failed to register pool metrics: %w", err)
		}
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		commissionStore = commission.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		admins = auth.NewMemoryAdmins(cfg.AdminUserIDs...)
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Lifecycle events: always logged, optionally fanned out to redis and a webhook.
	s.events = notify.NewDispatcher(s.logger).Add("log", notify.NewLogNotifier(s.logger))

	rlCfg := ratelimit.DefaultConfig()
	rlCfg.RequestsPerMinute = cfg.RateLimitRPM

	if cfg.RedisURL != "" {
		client, err := notify.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			s.closeStorage()
			return nil, err
		}
		s.redis = client
		s.events.Add("redis", notify.NewRedisPublisher(client, "atelier"))
		s.healthChecks.Register("redis", health.PingCheck("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}))

		limiter, err := ratelimit.NewRedis(client, rlCfg)
		if err != nil {
			s.closeStorage()
			return nil, fmt.Errorf("failed to create rate limiter: %w", err)
		}
		s.rateLimiter = limiter
		s.logger.Info("redis events and shared rate limits enabled")
	} else {
		s.rateLimiter = ratelimit.New(rlCfg)
	}
	s.rateLimiter.WithKeyFunc(rateLimitKey)

	if cfg.WebhookURL != "" {
		policy := security.EndpointPolicy{
			RequireHTTPS: cfg.IsProduction(),
			AllowPrivate: cfg.IsDevelopment(),
		}
		if err := policy.Validate(ctx, cfg.WebhookURL); err != nil {
			s.closeStorage()
			return nil, fmt.Errorf("invalid WEBHOOK_URL: %w", err)
		}
		s.events.Add("webhook", notify.NewWebhookNotifier(cfg.WebhookURL, cfg.WebhookSecret))
		s.logger.Info("webhook events enabled")
	}

	s.escrowService = escrow.NewService(escrowStore, s.logger)
	s.commission = commission.NewService(commissionStore, s.escrowService, admins, s.logger).
		WithNotifier(s.events).
		WithWindows(commission.Windows{
			TicketResponse: cfg.TicketResponseWindow,
			UploadReview:   cfg.UploadReviewWindow,
			Counterproof:   cfg.CounterproofWindow,
		})
	s.timer = commission.NewTimer(s.commission, cfg.SweepInterval, s.logger)

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

// rateLimitKey counts authenticated callers per user and everyone else per IP.
func rateLimitKey(c *gin.Context) string {
	if id := auth.UserID(c); id != "" {
		return "user:" + id
	}
	return ratelimit.ClientIPKey(c)
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Request ID and request-scoped logger come first so recovery can log with them.
	s.router.Use(logging.RequestIDMiddleware(s.logger))
	s.router.Use(traces.Middleware())

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

	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(logging.AccessLogMiddleware())
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthChecks.Handler(Version))
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Route not found",
		})
	})

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.verifier), auth.RequireAuth(), s.rateLimiter.Middleware())

	commission.NewHandler(s.commission).RegisterProtectedRoutes(v1)
	escrow.NewHandler(s.escrowService, s.commission).RegisterProtectedRoutes(v1)
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

// Run starts the HTTP server with graceful shutdown
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
		s.logger.Info("starting server", "port", s.cfg.Port, "version", Version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Expiry sweeps and settlement retries
	s.healthChecks.Register("sweep_timer", health.FlagCheck("sweep_timer", "not running", s.timer.Running))
	go s.timer.Start(runCtx)

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
		cancel()
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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.timer.Stop()
	s.logger.Info("commission timer stopped")

	// Let in-flight notifications finish before their transports close.
	s.events.Wait()

	if err := s.tracesShutdown(ctx); err != nil {
		s.logger.Error("tracer shutdown error", "error", err)
	}

	s.closeStorage()

	s.logger.Info("server stopped")
	return nil
}

func (s *Server) closeStorage() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
		s.redis = nil
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
		s.db = nil
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
