// Package server wires the settlement engine's components together and
// exposes them over HTTP.
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

	"github.com/trailpay/trailpay/internal/arbitration"
	"github.com/trailpay/trailpay/internal/audit"
	"github.com/trailpay/trailpay/internal/booking"
	"github.com/trailpay/trailpay/internal/config"
	"github.com/trailpay/trailpay/internal/dispute"
	"github.com/trailpay/trailpay/internal/events"
	"github.com/trailpay/trailpay/internal/evidence"
	"github.com/trailpay/trailpay/internal/health"
	"github.com/trailpay/trailpay/internal/identity"
	"github.com/trailpay/trailpay/internal/ledger"
	"github.com/trailpay/trailpay/internal/logging"
	"github.com/trailpay/trailpay/internal/metrics"
	"github.com/trailpay/trailpay/internal/payproc"
	"github.com/trailpay/trailpay/internal/priority"
	"github.com/trailpay/trailpay/internal/ratelimit"
	"github.com/trailpay/trailpay/internal/receipts"
	"github.com/trailpay/trailpay/internal/reconciliation"
	"github.com/trailpay/trailpay/internal/security"
	"github.com/trailpay/trailpay/internal/stream"
	"github.com/trailpay/trailpay/internal/traces"
	"github.com/trailpay/trailpay/internal/validation"
)

// Server wraps the HTTP server and the engine's services.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *sql.DB // nil when running on in-memory stores

	identityMgr *identity.Manager
	authorizer  *identity.Authorizer
	auditor     audit.Logger
	outbox      events.Outbox
	dispatcher  *events.Dispatcher
	hub         *stream.Hub

	processor ledger.PaymentProcessor
	bookings  booking.Lookup

	ledgerSvc   *ledger.Service
	ledgerTimer *ledger.Timer

	evidenceSvc *evidence.Service
	disputeSvc  *dispute.Service
	expiryTimer *dispute.Timer

	arbitrationSvc *arbitration.Service
	receiptsSvc    *receipts.Service
	reconRunner    *reconciliation.Runner
	reconTimer     *reconciliation.Timer

	checks      *health.Registry
	rateLimiter *ratelimit.Limiter
	router      *gin.Engine
	httpSrv     *http.Server

	cancelRunCtx  context.CancelFunc
	traceShutdown func(context.Context) error

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

// WithProcessor injects a payment processor (for testing).
func WithProcessor(p ledger.PaymentProcessor) Option {
	return func(s *Server) {
		s.processor = p
	}
}

// WithBookings injects a booking lookup (for testing and dev seeding).
func WithBookings(l booking.Lookup) Option {
	return func(s *Server) {
		s.bookings = l
	}
}

// New creates a server instance with every component wired.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage: Postgres when DATABASE_URL is set, in-memory otherwise.
	var (
		ledgerStore     ledger.Store
		disputeStore    dispute.Store
		evidenceStore   evidence.Store
		resolutionStore arbitration.Store
		keyStore        identity.Store
		receiptStore    receipts.Store
		uow             arbitration.UnitOfWork
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
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		pgAudit := audit.NewPostgresLogger(db)
		pgOutbox := events.NewPostgresOutbox(db)

		ledgerStore = ledger.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		evidenceStore = evidence.NewPostgresStore(db)
		resolutionStore = arbitration.NewPostgresStore(db)
		keyStore = identity.NewPostgresStore(db)
		receiptStore = receipts.NewPostgresStore(db)
		s.auditor = pgAudit
		s.outbox = pgOutbox
		uow = arbitration.NewPostgresUnitOfWork(db).WithAudit(pgAudit).WithOutbox(pgOutbox)
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")

		memLedger := ledger.NewMemoryStore()
		memDisputes := dispute.NewMemoryStore()
		memResolutions := arbitration.NewMemoryStore()
		memAudit := audit.NewMemoryLogger()
		memOutbox := events.NewMemoryOutbox()

		ledgerStore = memLedger
		disputeStore = memDisputes
		evidenceStore = evidence.NewMemoryStore()
		resolutionStore = memResolutions
		keyStore = identity.NewMemoryStore()
		receiptStore = receipts.NewMemoryStore()
		s.auditor = memAudit
		s.outbox = memOutbox
		uow = arbitration.NewMemoryUnitOfWork(arbitration.TxStores{
			Disputes:    memDisputes,
			Payments:    memLedger,
			Resolutions: memResolutions,
			Audit:       memAudit,
			Outbox:      memOutbox,
		})
	}

	// External collaborators, unless injected.
	if s.processor == nil {
		if cfg.StripeAPIKey != "" {
			s.processor = payproc.NewStripeProcessor(cfg.StripeAPIKey)
			s.logger.Info("payment processor: stripe")
		} else {
			s.processor = payproc.NewFakeProcessor()
			s.logger.Info("payment processor: fake (no STRIPE_API_KEY)")
		}
	}
	if s.bookings == nil {
		if cfg.BookingServiceURL != "" {
			s.bookings = booking.NewHTTPLookup(cfg.BookingServiceURL, cfg.BookingServiceKey).
				WithTimeout(cfg.BookingTimeout)
			s.logger.Info("booking lookup: trips service", "url", cfg.BookingServiceURL)
		} else {
			s.bookings = booking.NewStaticLookup()
			s.logger.Warn("booking lookup: static and empty; set BOOKING_SERVICE_URL or inject bookings")
		}
	}

	// Identity and the admin capability.
	s.identityMgr = identity.NewManager(keyStore)
	s.authorizer = identity.NewAuthorizer(keyStore)
	if cfg.AdminBootstrapKey != "" {
		if _, err := s.identityMgr.Bootstrap(ctx, cfg.AdminBootstrapKey, "adm_bootstrap"); err != nil {
			return nil, fmt.Errorf("bootstrap admin key: %w", err)
		}
		s.logger.Info("bootstrap admin key registered")
	}

	stage := events.StagePublisher{Outbox: s.outbox}

	// Payment ledger.
	s.ledgerSvc = ledger.NewService(ledgerStore, s.processor).
		WithAudit(s.auditor).
		WithPublisher(stage).
		WithEscrowHold(cfg.EscrowHold)
	s.ledgerTimer = ledger.NewTimer(s.ledgerSvc, ledgerStore, s.logger).
		WithInterval(cfg.ReleaseSweepEvery)

	// Evidence and disputes. The gate closes the case file when the dispute
	// reaches a terminal state.
	s.evidenceSvc = evidence.NewService(evidenceStore).WithAudit(s.auditor)
	s.disputeSvc = dispute.NewService(disputeStore, s.ledgerSvc, s.bookings).
		WithEvidence(s.evidenceSvc).
		WithAudit(s.auditor).
		WithPublisher(stage).
		WithAgentResponseSLA(cfg.AgentResponseSLA).
		WithCaseExpiry(cfg.CaseExpiry)
	s.evidenceSvc.WithGate(s.disputeSvc)
	s.expiryTimer = dispute.NewTimer(s.disputeSvc, disputeStore, s.logger).
		WithInterval(cfg.ExpirySweepEvery)

	// Arbitration workflow over both state machines.
	s.arbitrationSvc = arbitration.NewService(s.disputeSvc, s.ledgerSvc, resolutionStore, uow, s.processor, s.authorizer).
		WithEvidence(s.evidenceSvc).
		WithAudit(s.auditor).
		WithScorer(priority.NewScorer())

	// Settlement receipts, issued off the outbox.
	s.receiptsSvc = receipts.NewService(receiptStore, receipts.NewSigner(cfg.ReceiptHMACSecret))
	issuer := receipts.NewIssuer(s.receiptsSvc, ledgerStore, s.logger)

	// Live admin feed.
	s.hub = stream.NewHub(s.logger)

	// Outbox delivery fan-out: receipts, live feed, (optionally) webhooks.
	targets := []events.Publisher{issuer, s.hub}
	if len(cfg.WebhookEndpoints) > 0 {
		sink := events.NewWebhookSink(cfg.WebhookEndpoints, cfg.WebhookSecret)
		if !cfg.IsProduction() {
			sink = sink.AllowPrivateEndpoints()
		}
		targets = append(targets, sink)
		s.logger.Info("webhook sink enabled", "endpoints", len(cfg.WebhookEndpoints))
	}
	s.dispatcher = events.NewDispatcher(s.outbox, s.logger, targets...).
		WithInterval(cfg.OutboxDispatchEvery)

	// Consistency sweep.
	scanner, scans := ledgerStore.(reconciliation.PaymentScanner)
	reader, reads := disputeStore.(reconciliation.DisputeReader)
	if scans && reads {
		s.reconRunner = reconciliation.NewRunner(scanner, reader, s.logger)
		s.reconTimer = reconciliation.NewTimer(s.reconRunner, s.logger)
	}

	s.checks = health.NewRegistry()
	s.registerHealthChecks()

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

func (s *Server) registerHealthChecks() {
	if s.db != nil {
		s.checks.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}
	s.checks.Register("outbox", func(ctx context.Context) health.Status {
		pending, err := s.outbox.CountPending(ctx)
		if err != nil {
			return health.Status{Name: "outbox", Healthy: false, Detail: err.Error()}
		}
		if pending > 1000 {
			return health.Status{Name: "outbox", Healthy: false, Detail: fmt.Sprintf("%d undelivered events", pending)}
		}
		return health.Status{Name: "outbox", Healthy: true}
	})
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
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	limits := ratelimit.DefaultConfig()
	if s.cfg.RateLimitPerMin > 0 {
		limits.RequestsPerMinute = s.cfg.RateLimitPerMin
	}
	s.rateLimiter = ratelimit.New(limits)
	s.router.Use(s.rateLimiter.Middleware())

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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/api", s.infoHandler)

	ledgerHandler := ledger.NewHandler(s.ledgerSvc)
	disputeHandler := dispute.NewHandler(s.disputeSvc)
	evidenceHandler := evidence.NewHandler(s.evidenceSvc)
	arbitrationHandler := arbitration.NewHandler(s.arbitrationSvc)
	identityHandler := identity.NewHandler(s.identityMgr)
	auditHandler := audit.NewHandler(s.auditor)
	receiptsHandler := receipts.NewHandler(s.receiptsSvc)
	streamHandler := stream.NewHandler(s.hub)

	v1 := s.router.Group("/v1")
	v1.Use(identity.Middleware(s.identityMgr))
	v1.Use(validation.IDParamMiddleware())

	// Read-only payment views are open: payment ids are unguessable and
	// carry no party identifiers beyond what the caller already holds.
	ledgerHandler.RegisterRoutes(v1)

	// Authenticated party surface.
	protected := v1.Group("")
	protected.Use(identity.RequireAuth())
	{
		ledgerHandler.RegisterProtectedRoutes(protected)
		disputeHandler.RegisterProtectedRoutes(protected)
		arbitrationHandler.RegisterProtectedRoutes(protected)
		receiptsHandler.RegisterRoutes(protected)
		identityHandler.RegisterRoutes(protected.Group("/auth"))
	}

	// Admin surface. RequireRole is the transport gate; the arbitration
	// service re-checks the capability through the Authorizer.
	admin := v1.Group("/admin")
	admin.Use(identity.RequireAuth(), identity.RequireRole(identity.RoleAdmin))
	{
		arbitrationHandler.RegisterAdminRoutes(admin)
		ledgerHandler.RegisterAdminRoutes(admin)
		evidenceHandler.RegisterAdminRoutes(admin)
		auditHandler.RegisterAdminRoutes(admin)
		identityHandler.RegisterAdminRoutes(admin.Group("/auth"))
		if s.reconRunner != nil {
			reconciliation.NewHandler(s.reconRunner).RegisterAdminRoutes(admin)
		}
		streamHandler.RegisterAdminRoutes(admin)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Trailpay",
		"description": "Escrow settlement and dispute arbitration engine",
		"version":     "0.1.0",
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server, the outbox dispatcher, and the sweep timers,
// then blocks until a shutdown signal or context cancellation.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.cfg.TraceRatio, s.logger)
	if err != nil {
		cancel()
		return fmt.Errorf("init tracing: %w", err)
	}
	s.traceShutdown = shutdownTraces

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

	go s.hub.Run(runCtx)
	go s.dispatcher.Start(runCtx)
	go s.ledgerTimer.Start(runCtx)
	go s.expiryTimer.Start(runCtx)
	if s.reconTimer != nil {
		go s.reconTimer.Start(runCtx)
	}
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

// Shutdown gracefully stops the server and its background loops.
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

	s.dispatcher.Stop()
	s.ledgerTimer.Stop()
	s.expiryTimer.Stop()
	if s.reconTimer != nil {
		s.reconTimer.Stop()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
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

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// IdentityManager returns the key manager, so tests and seed tooling can
// issue keys without going through HTTP.
func (s *Server) IdentityManager() *identity.Manager {
	return s.identityMgr
}

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
