// Package server wires the marketplace together: stores, services,
// background loops, and the HTTP surface.
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
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/anneschuth/pinchwork/internal/admin"
	"github.com/anneschuth/pinchwork/internal/agent"
	"github.com/anneschuth/pinchwork/internal/auth"
	"github.com/anneschuth/pinchwork/internal/comms"
	"github.com/anneschuth/pinchwork/internal/config"
	"github.com/anneschuth/pinchwork/internal/delegation"
	"github.com/anneschuth/pinchwork/internal/events"
	"github.com/anneschuth/pinchwork/internal/health"
	"github.com/anneschuth/pinchwork/internal/idgen"
	"github.com/anneschuth/pinchwork/internal/ledger"
	"github.com/anneschuth/pinchwork/internal/lifecycle"
	"github.com/anneschuth/pinchwork/internal/logging"
	"github.com/anneschuth/pinchwork/internal/metrics"
	"github.com/anneschuth/pinchwork/internal/ratelimit"
	"github.com/anneschuth/pinchwork/internal/realtime"
	"github.com/anneschuth/pinchwork/internal/reaper"
	"github.com/anneschuth/pinchwork/internal/reconciliation"
	"github.com/anneschuth/pinchwork/internal/reports"
	"github.com/anneschuth/pinchwork/internal/reputation"
	"github.com/anneschuth/pinchwork/internal/security"
	"github.com/anneschuth/pinchwork/internal/task"
	"github.com/anneschuth/pinchwork/internal/validation"
	"github.com/anneschuth/pinchwork/internal/webhooks"
)

// Version is injected at build time via ldflags.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and every service behind it.
type Server struct {
	cfg *config.Config

	agents  agent.Store
	tasks   task.Store
	entries ledger.Store

	agentSvc   *agent.Service
	credits    *ledger.Service
	engine     *lifecycle.Engine
	delegate   *delegation.Service
	commsSvc   *comms.Service
	reportsSvc *reports.Service
	ratings    *reputation.Service
	recon      *reconciliation.Service
	reconTimer *reconciliation.Timer
	reap       *reaper.Reaper

	bus        *events.Bus
	hub        *realtime.Hub
	dispatcher *webhooks.Dispatcher
	checks     *health.Registry
	limits     *limiterSet

	db        *sql.DB // nil when running on the in-memory stores
	router    *gin.Engine
	httpSrv   *http.Server
	logger    *slog.Logger
	cancelRun context.CancelFunc

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a fully wired server. It connects storage, builds every
// service, and registers all routes; Run starts listening.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()
	s.checks = health.NewRegistry()

	// Storage: Postgres when a DSN is configured, in-memory otherwise.
	var (
		commsStore   comms.Store
		reportsStore reports.Store
		ratingsStore reputation.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}

		s.db = db
		s.agents = agent.NewPostgresStore(db)
		s.tasks = task.NewPostgresStore(db)
		s.entries = ledger.NewPostgresStore(db)
		commsStore = comms.NewPostgresStore(db)
		reportsStore = reports.NewPostgresStore(db)
		ratingsStore = reputation.NewPostgresStore(db)

		s.checks.Register("database", func(ctx context.Context) health.Status {
			st := health.Status{Name: "database", Healthy: true}
			if err := db.PingContext(ctx); err != nil {
				st.Healthy = false
				st.Detail = err.Error()
			}
			return st
		})
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		agentMem := agent.NewMemoryStore()
		s.agents = agentMem
		s.tasks = task.NewMemoryStore()
		// The in-memory ledger mutates balances through the agent store,
		// so both sides see one source of truth.
		s.entries = ledger.NewMemoryStore(agentMem)
		commsStore = comms.NewMemoryStore()
		reportsStore = reports.NewMemoryStore()
		ratingsStore = reputation.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// The platform agent must exist before anything can settle fees.
	if err := agent.EnsurePlatform(ctx, s.agents); err != nil {
		return nil, err
	}

	// Event plumbing: bus feeds SSE subscribers, the websocket hub, and
	// the webhook dispatcher tap.
	buffer := cfg.EventBuffer
	if buffer <= 0 {
		buffer = config.DefaultEventBuffer
	}
	s.bus = events.NewBus(buffer)
	s.hub = realtime.NewHub(s.bus, s.logger)
	s.dispatcher = webhooks.NewDispatcher(s.agents, webhooks.Config{
		Timeout:     cfg.WebhookTimeout,
		MaxAttempts: cfg.WebhookRetries,
	}, webhooks.WithLogger(s.logger))
	s.bus.SetTap(s.dispatcher.Notify)

	// Services.
	s.agentSvc = agent.NewService(s.agents, cfg.InitialCredits, agent.WithLogger(s.logger))
	s.credits = ledger.NewService(s.entries, int64(cfg.PlatformFeePercent), agent.PlatformID,
		ledger.WithLogger(s.logger))
	s.ratings = reputation.NewService(ratingsStore, s.tasks, s.agents,
		reputation.WithLogger(s.logger))

	s.engine = lifecycle.NewEngine(s.tasks, s.agents, s.credits, s.bus, lifecycle.Config{
		MaxCredits:         cfg.MaxCreditsLimit,
		TaskExpire:         cfg.TaskExpire,
		ReviewWindow:       cfg.DefaultReviewWindow,
		ClaimWindow:        cfg.DefaultClaimWindow,
		SystemReviewWindow: cfg.SystemReviewWindow,
		MatchTimeout:       cfg.MatchTimeout,
		VerifyTimeout:      cfg.VerifyTimeout,
		MaxRejections:      cfg.MaxRejections,
		MaxWait:            time.Duration(cfg.MaxWaitSeconds) * time.Second,
		MaxAbandons:        cfg.MaxAbandons,
		AbandonCooldown:    cfg.AbandonCooldown,
	}, lifecycle.WithLogger(s.logger), lifecycle.WithRatings(s.ratings))

	s.delegate = delegation.NewService(s.tasks, s.agents, s.bus, delegation.Config{
		MatchCredits:     cfg.MatchCredits,
		VerifyCredits:    cfg.VerifyCredits,
		MatchTimeout:     cfg.MatchTimeout,
		TaskExpire:       cfg.TaskExpire,
		MaxMatchedAgents: cfg.MaxMatchedAgents,
	}, delegation.WithLogger(s.logger))

	// The engine spawns system children through delegation, and delegation
	// settles them back through the engine.
	s.engine.SetSpawner(s.delegate)
	s.delegate.SetApprover(s.engine)

	s.commsSvc = comms.NewService(commsStore, s.tasks, s.bus, comms.WithLogger(s.logger))
	s.reportsSvc = reports.NewService(reportsStore, s.tasks, reports.WithLogger(s.logger))

	s.recon = reconciliation.NewService(s.entries, s.agents, cfg.InitialCredits,
		reconciliation.WithLogger(s.logger))
	s.reconTimer = reconciliation.NewTimer(s.recon, cfg.ReconcileInterval, s.logger)

	s.reap = reaper.New(s.tasks, s.agents, s.credits, s.bus, s.engine, s.delegate, reaper.Config{
		Interval:      cfg.ReaperInterval,
		TaskExpire:    cfg.TaskExpire,
		MaxRejections: cfg.MaxRejections,
		VerifyTimeout: cfg.VerifyTimeout,
	}, reaper.WithLogger(s.logger))

	s.checks.Register("reaper", func(ctx context.Context) health.Status {
		st := health.Status{Name: "reaper", Healthy: true}
		last := s.reap.LastRound()
		if last.IsZero() {
			st.Detail = "no sweep yet"
			return st
		}
		if stale := time.Since(last); stale > 3*s.reaperInterval() {
			st.Healthy = false
			st.Detail = fmt.Sprintf("last sweep %s ago", stale.Round(time.Second))
		}
		return st
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

func (s *Server) reaperInterval() time.Duration {
	if s.cfg.ReaperInterval > 0 {
		return s.cfg.ReaperInterval
	}
	return 10 * time.Second
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

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.limits = newLimiterSet(s.cfg)
	s.router.Use(s.limits.middleware())

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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/", s.infoHandler)

	agentHandler := agent.NewHandler(s.agentSvc, auth.AgentID)
	taskHandler := lifecycle.NewHandler(s.engine, auth.AgentID)
	creditsHandler := ledger.NewHandler(s.credits, s.agents, auth.AgentID)
	commsHandler := comms.NewHandler(s.commsSvc, auth.AgentID)
	reportsHandler := reports.NewHandler(s.reportsSvc, auth.AgentID)
	ratingsHandler := reputation.NewHandler(s.ratings, auth.AgentID)
	eventsHandler := events.NewHandler(s.bus, auth.AgentID)

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.agents))

	// Registration is the only route an agent can reach without a key.
	agentHandler.RegisterPublicRoutes(v1)

	authed := v1.Group("")
	authed.Use(auth.RequireAuth())
	{
		agentHandler.RegisterRoutes(authed)
		taskHandler.RegisterRoutes(authed)
		creditsHandler.RegisterRoutes(authed)
		commsHandler.RegisterRoutes(authed)
		reportsHandler.RegisterRoutes(authed)
		ratingsHandler.RegisterRoutes(authed)
		eventsHandler.RegisterRoutes(authed)
		authed.GET("/ws", s.hub.Handler(auth.AgentID))
	}

	// Admin surface, shared-secret only. An empty key leaves it unmounted.
	if s.cfg.AdminKey != "" {
		adm := v1.Group("/admin")
		adm.Use(auth.RequireAdmin(s.cfg.AdminKey))
		admin.NewHandler().
			WithTreasury(s.credits).
			WithDirectory(s.agentSvc).
			WithLister(s.agents).
			WithReconciler(s.recon).
			RegisterRoutes(adm)
		reportsHandler.RegisterAdminRoutes(adm)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

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
		"version":   Version,
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
		"name":        "Pinchwork",
		"description": "Task marketplace for software agents",
		"version":     Version,
		"docs":        "https://github.com/anneschuth/pinchwork",
		"register":    "POST /v1/agents/register",
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and the background loops, then blocks until
// a shutdown signal or a server error.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel

	s.httpSrv = &http.Server{
		Addr:    s.cfg.Addr(),
		Handler: s.router,
		// Long polls and SSE streams hold responses open far past any
		// sane write deadline, so only reads are bounded here.
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "addr", s.cfg.Addr(), "version", Version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	s.dispatcher.Start()
	s.reap.Start()
	go s.reconTimer.Start(runCtx)

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

// Shutdown gracefully stops the server and every background loop.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic.
	time.Sleep(5 * time.Second)

	if s.cancelRun != nil {
		s.cancelRun()
	}

	// Closing the bus ends every SSE stream and long poll, so the HTTP
	// drain below cannot hang on held-open responses.
	s.bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.reap.Stop()
	s.logger.Info("reaper stopped")

	s.reconTimer.Stop()
	s.dispatcher.Stop()
	s.logger.Info("webhook dispatcher stopped")

	s.limits.stop()

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

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Rate limiting
// -----------------------------------------------------------------------------

// limiterSet holds one token bucket per route class, mirroring the hosted
// deployment's knobs: posting and delivering are tighter than reads.
type limiterSet struct {
	register *ratelimit.Limiter
	create   *ratelimit.Limiter
	pickup   *ratelimit.Limiter
	deliver  *ratelimit.Limiter
	read     *ratelimit.Limiter
	admin    *ratelimit.Limiter
}

func newLimiterSet(cfg *config.Config) *limiterSet {
	perMinute := func(n, fallback int) *ratelimit.Limiter {
		if n <= 0 {
			n = fallback
		}
		return ratelimit.New(ratelimit.PerMinute(n))
	}
	return &limiterSet{
		register: perMinute(cfg.RateLimitRegister, config.DefaultRateRegister),
		create:   perMinute(cfg.RateLimitCreate, config.DefaultRateCreate),
		pickup:   perMinute(cfg.RateLimitPickup, config.DefaultRatePickup),
		deliver:  perMinute(cfg.RateLimitDeliver, config.DefaultRateDeliver),
		read:     perMinute(cfg.RateLimitRead, config.DefaultRateRead),
		admin:    perMinute(cfg.RateLimitAdmin, config.DefaultRateAdmin),
	}
}

// middleware classifies the matched route and applies its bucket.
func (ls *limiterSet) middleware() gin.HandlerFunc {
	mw := map[*ratelimit.Limiter]gin.HandlerFunc{
		ls.register: ls.register.Middleware(),
		ls.create:   ls.create.Middleware(),
		ls.pickup:   ls.pickup.Middleware(),
		ls.deliver:  ls.deliver.Middleware(),
		ls.read:     ls.read.Middleware(),
		ls.admin:    ls.admin.Middleware(),
	}
	return func(c *gin.Context) {
		mw[ls.classify(c.Request.Method, c.FullPath())](c)
	}
}

func (ls *limiterSet) classify(method, path string) *ratelimit.Limiter {
	if strings.HasPrefix(path, "/v1/admin") {
		return ls.admin
	}
	switch {
	case path == "/v1/agents/register":
		return ls.register
	case method == http.MethodPost && path == "/v1/tasks":
		return ls.create
	case path == "/v1/tasks/pickup" || path == "/v1/tasks/:id/pickup":
		return ls.pickup
	case method == http.MethodPost:
		return ls.deliver
	default:
		return ls.read
	}
}

func (ls *limiterSet) stop() {
	ls.register.Stop()
	ls.create.Stop()
	ls.pickup.Stop()
	ls.deliver.Stop()
	ls.read.Stop()
	ls.admin.Stop()
}
