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
	"github.com/mbd888/txrisk/internal/attest"
	"github.com/mbd888/txrisk/internal/auth"
	"github.com/mbd888/txrisk/internal/circuitbreaker"
	"github.com/mbd888/txrisk/internal/classifier"
	"github.com/mbd888/txrisk/internal/compliance"
	"github.com/mbd888/txrisk/internal/config"
	"github.com/mbd888/txrisk/internal/graph"
	"github.com/mbd888/txrisk/internal/health"
	"github.com/mbd888/txrisk/internal/history"
	"github.com/mbd888/txrisk/internal/logging"
	"github.com/mbd888/txrisk/internal/metrics"
	"github.com/mbd888/txrisk/internal/ratelimit"
	"github.com/mbd888/txrisk/internal/realtime"
	"github.com/mbd888/txrisk/internal/risk"
	"github.com/mbd888/txrisk/internal/scoring"
	"github.com/mbd888/txrisk/internal/security"
	"github.com/mbd888/txrisk/internal/textgen"
	"github.com/mbd888/txrisk/internal/webhooks"
	"github.com/redis/go-redis/v9"
)

// Version is reported by /health. cmd/server overrides it from ldflags.
var Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	db          *sql.DB       // nil if using in-memory
	redis       *redis.Client // nil without REDIS_URL
	breaker     *circuitbreaker.Breaker
	keyring     *auth.Keyring
	scoring     *scoring.Service
	webhooks    *webhooks.Dispatcher
	webhookSubs webhooks.Store
	compliance  compliance.Store
	monitor     *compliance.Monitor
	realtimeHub *realtime.Hub
	rateLimiter *ratelimit.Limiter
	health      *health.Registry
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	startedAt   time.Time

	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, cfg.LogFormat),
		breaker:   circuitbreaker.New(5, 30*time.Second),
		health:    health.NewRegistry(),
		startedAt: time.Now(),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	keyring, err := auth.ParseKeyring(cfg.APIKeys)
	if err != nil {
		return nil, err
	}
	s.keyring = keyring
	if !keyring.Enabled() {
		s.logger.Warn("API_KEYS not set, webhook management is unauthenticated")
	}

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	var (
		audit risk.Store
		hist  history.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		audit = risk.NewPostgresStore(db)
		hist = history.NewPostgresStore(db)
		s.webhookSubs = webhooks.NewPostgresStore(db)
		s.compliance = compliance.NewPostgresStore(db)
		s.health.Register("database", health.Ping(db.PingContext))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		audit = risk.NewMemoryStore()
		hist = history.NewMemoryStore()
		s.webhookSubs = webhooks.NewMemoryStore()
		s.compliance = compliance.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	if cfg.RedisURL != "" {
		client, err := history.NewRedisClient(cfg.RedisURL)
		if err != nil {
			s.closeStores()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redis = client
		cached := history.NewCachedStore(hist, client, cfg.HistoryCacheTTL, s.logger)
		hist = cached
		s.health.Register("redis", health.Ping(cached.Ping))
		s.logger.Info("history cache enabled", "ttl", cfg.HistoryCacheTTL)
	}

	engineOpts := []risk.Option{
		risk.WithHistoryProvider(hist),
		risk.WithAnalyzerTimeout(cfg.AnalyzerTimeout),
		risk.WithLogger(s.logger),
	}

	// External analyzers share one breaker keyed by upstream name
	if cfg.TextGenEnabled() {
		engineOpts = append(engineOpts, risk.WithTextGenerator(textgen.New(textgen.Config{
			URL:    cfg.TextGenURL,
			Model:  cfg.TextGenModel,
			APIKey: cfg.TextGenAPIKey,
		}, s.breaker, s.logger)))
		s.health.RegisterOptional("textgen", health.Breaker(s.breaker, "textgen"))
	}
	if cfg.ClassifierURL != "" {
		engineOpts = append(engineOpts, risk.WithClassifier(classifier.New(classifier.Config{
			URL:    cfg.ClassifierURL,
			APIKey: cfg.ClassifierAPIKey,
		}, s.breaker, s.logger)))
		s.health.RegisterOptional("classifier", health.Breaker(s.breaker, "classifier"))
	}
	g, err := s.relationshipGraph()
	if err != nil {
		s.closeStores()
		return nil, err
	}
	// The address registry answers before the configured graph
	engineOpts = append(engineOpts, risk.WithGraph(compliance.NewScreenedGraph(s.compliance, g)))
	s.monitor = compliance.NewMonitor(s.compliance, compliance.Policy{
		HighValueUSD:       cfg.ComplianceHighValueUSD,
		VelocityThreshold:  cfg.ComplianceVelocityThreshold,
		MaxDailyVolumeUSD:  cfg.ComplianceMaxDailyVolumeUSD,
		UnverifiedLimitUSD: cfg.ComplianceUnverifiedLimitUSD,
		BasicLimitUSD:      cfg.ComplianceBasicLimitUSD,
		AutoBlockScore:     cfg.ComplianceAutoBlockScore,
	}, compliance.WithLogger(s.logger))

	// Risk updates fan out to webhooks and WebSocket clients, signed when an
	// oracle key is configured.
	s.realtimeHub = realtime.NewHub(s.logger)
	s.webhooks = webhooks.NewDispatcher(s.webhookSubs,
		webhooks.WithBreaker(s.breaker),
		webhooks.WithLogger(s.logger),
	)
	var signer *attest.Signer
	if cfg.OraclePrivateKey != "" {
		signer, err = attest.NewSigner(cfg.OraclePrivateKey)
		if err != nil {
			s.closeStores()
			return nil, fmt.Errorf("invalid ORACLE_PRIVATE_KEY: %w", err)
		}
		s.logger.Info("risk update attestation enabled", "signer", signer.Address())
	}
	engineOpts = append(engineOpts, risk.WithSink(attest.NewSigningSink(
		risk.MultiSink{webhooks.NewSink(s.webhooks, s.logger), s.realtimeHub},
		signer,
	)))

	s.scoring = scoring.NewService(risk.NewEngine(engineOpts...), audit, hist,
		scoring.WithObserver(s.realtimeHub),
		scoring.WithTimeout(cfg.AssessmentTimeout),
		scoring.WithLogger(s.logger),
		scoring.WithCompliance(s.monitor),
	)

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitRPM,
		BurstSize:         ratelimit.DefaultConfig().BurstSize,
		CleanupInterval:   ratelimit.DefaultConfig().CleanupInterval,
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

// relationshipGraph picks the remote graph service, a static file, or an
// empty static graph, in that order.
func (s *Server) relationshipGraph() (risk.RelationshipGraph, error) {
	if s.cfg.GraphURL != "" {
		s.health.RegisterOptional("graph", health.Breaker(s.breaker, "graph"))
		return graph.New(graph.Config{URL: s.cfg.GraphURL, APIKey: s.cfg.GraphAPIKey}, s.breaker, s.logger), nil
	}
	if s.cfg.GraphFile != "" {
		f, err := os.Open(s.cfg.GraphFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open GRAPH_FILE: %w", err)
		}
		defer func() { _ = f.Close() }()
		g, err := graph.LoadStatic(f)
		if err != nil {
			return nil, fmt.Errorf("failed to load GRAPH_FILE: %w", err)
		}
		s.logger.Info("using static relationship graph", "file", s.cfg.GraphFile)
		return g, nil
	}
	return graph.NewStatic(), nil
}

func (s *Server) closeStores() {
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}

// maskDSN hides the password in a database URL for logging.
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
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
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(security.BodyLimitMiddleware(security.MaxRequestBody))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Reuse an upstream request ID (load balancer, gateway) when present
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
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
			logger.Debug("request completed",
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
	s.router.GET("/ws", gin.WrapF(s.realtimeHub.HandleWebSocket))

	v1 := s.router.Group("/v1")
	v1.GET("/stats", s.statsHandler)

	scoring.NewHandler(s.scoring).RegisterRoutes(v1, s.rateLimiter.Middleware(nil))

	// Webhook routes live under /owners/:owner and need that owner's key
	owned := v1.Group("", auth.Middleware(s.keyring), auth.RequireOwner(s.keyring, "owner"))
	webhooks.NewHandler(s.webhookSubs, s.webhooks).RegisterRoutes(owned)

	// Compliance state is managed by a single operator key
	admin := v1.Group("", auth.Middleware(s.keyring), auth.RequireAuthority(s.keyring, s.cfg.ComplianceOwner))
	compliance.NewHandler(s.compliance, s.monitor).RegisterRoutes(admin)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse is the /health body.
type HealthResponse struct {
	Status    string          `json:"status"` // healthy, degraded, unhealthy
	Version   string          `json:"version"`
	Uptime    string          `json:"uptime"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	report := s.health.CheckAll(c.Request.Context())

	status, code := "healthy", http.StatusOK
	switch {
	case !report.Healthy:
		status, code = "unhealthy", http.StatusServiceUnavailable
	case report.Degraded:
		status = "degraded"
	}

	checks := report.Checks
	if checks == nil {
		checks = []health.Status{}
	}
	c.JSON(code, HealthResponse{
		Status:    status,
		Version:   Version,
		Uptime:    time.Since(s.startedAt).Truncate(time.Second).String(),
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

// statsHandler reports realtime hub and upstream circuit state.
func (s *Server) statsHandler(c *gin.Context) {
	circuits := make(map[string]string)
	for key, st := range s.breaker.Snapshot() {
		circuits[key] = st.String()
	}
	c.JSON(http.StatusOK, gin.H{
		"realtime":   s.realtimeHub.Stats(),
		"circuits":   circuits,
		"strategies": s.scoring.Strategies(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the server and blocks until a signal, ctx cancellation, or a
// listener error, then shuts down gracefully.
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

	go s.realtimeHub.Run(runCtx)
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
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		s.cleanup()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown drains HTTP traffic, then stops background work and closes stores.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	if s.cfg.IsProduction() {
		time.Sleep(5 * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.cleanup()
	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) cleanup() {
	// Cancel the context for background goroutines (hub, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	s.rateLimiter.Stop()

	// In-flight webhook deliveries finish before the stores close
	s.webhooks.Wait()

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
}

// Router returns the gin router (for testing)
func (s *Server) Router() *gin.Engine {
	return s.router
}

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
