package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"trend-engine/internal/events"
	"trend-engine/internal/monitor"
	"trend-engine/internal/reconciliation"
	"trend-engine/internal/strategy"
	"trend-engine/pkg/db"
)

// Engine is the instrument control surface exposed to operators.
type Engine interface {
	Statuses() []strategy.Status
	Status(symbol string) (strategy.Status, error)
	Pause(symbol string, paused bool) error
}

// Store is the read side of persistence used by the API.
type Store interface {
	ListPeriods(ctx context.Context, symbol string, limit int) ([]db.Period, error)
	ListOrders(ctx context.Context, symbol, status string, limit int) ([]db.Order, error)
	ListAudits(ctx context.Context, symbol string, limit int) ([]db.Audit, error)
}

// Reconciler runs drift audits on demand.
type Reconciler interface {
	Reconcile(ctx context.Context) (*reconciliation.Report, error)
	LastReport() *reconciliation.Report
}

// SystemMeta describes the runtime mode reported by /health.
type SystemMeta struct {
	DryRun      bool     `json:"dry_run"`
	Testnet     bool     `json:"testnet"`
	UseMockFeed bool     `json:"use_mock_feed"`
	Symbols     []string `json:"symbols"`
	Version     string   `json:"version"`
}

// Options carries the collaborators of the operator API.
type Options struct {
	Engine     Engine
	Store      Store
	Reconciler Reconciler
	Bus        *events.Bus
	Metrics    *monitor.Metrics
	Gatherer   prometheus.Gatherer
	Logger     *zap.Logger
	Meta       SystemMeta

	JWTSecret string
	// PasswordHash is the bcrypt hash of the operator password. Empty disables login.
	PasswordHash string
}

// Server wires HTTP endpoints around the engine and the event bus.
type Server struct {
	Router *gin.Engine

	engine       Engine
	store        Store
	reconciler   Reconciler
	bus          *events.Bus
	metrics      *monitor.Metrics
	gatherer     prometheus.Gatherer
	logger       *zap.Logger
	meta         SystemMeta
	jwtSecret    string
	passwordHash string
	limiter      *ipLimiter
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := gin.New()
	s := &Server{
		Router:       r,
		engine:       opts.Engine,
		store:        opts.Store,
		reconciler:   opts.Reconciler,
		bus:          opts.Bus,
		metrics:      opts.Metrics,
		gatherer:     gatherer,
		logger:       logger,
		meta:         opts.Meta,
		jwtSecret:    opts.JWTSecret,
		passwordHash: opts.PasswordHash,
		limiter:      newIPLimiter(20, 50),
	}

	// Middleware stack (order matters!)
	r.Use(RecoveryMiddleware(logger))
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(logger, opts.Metrics))
	r.Use(RateLimitMiddleware(s.limiter, logger))

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	api := s.Router.Group("/api")
	{
		api.POST("/auth/token", s.issueToken)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.jwtSecret))
		{
			protected.GET("/instruments", s.listInstruments)
			protected.GET("/instruments/:symbol", s.getInstrument)
			protected.POST("/instruments/:symbol/pause", s.pauseInstrument)
			protected.POST("/instruments/:symbol/resume", s.resumeInstrument)
			protected.GET("/periods", s.listPeriods)
			protected.GET("/orders", s.listOrders)
			protected.GET("/audits", s.listAudits)
			protected.GET("/reconcile", s.lastReport)
			protected.POST("/reconcile", s.reconcile)
			protected.GET("/ws", s.websocket)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "system": s.meta})
}

// Handler exposes the router for an http.Server.
func (s *Server) Handler() http.Handler { return s.Router }
