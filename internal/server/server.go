package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/embedding-server/internal/admission"
	"github.com/raaihank/embedding-server/internal/config"
	"github.com/raaihank/embedding-server/internal/embeddings"
	"github.com/raaihank/embedding-server/internal/inference"
	"github.com/raaihank/embedding-server/internal/logger"
	"github.com/raaihank/embedding-server/internal/metrics"
	"github.com/raaihank/embedding-server/internal/websocket"
)

// Version is reported by /info.
const Version = "0.1.0"

// Embedder handles embedding requests.
type Embedder interface {
	Handle(ctx context.Context, req embeddings.Request) (*embeddings.Response, error)
	Model() string
}

// EngineStatus describes the inference gateway for /info and status events.
type EngineStatus interface {
	Discipline() inference.Discipline
	Workers() int
	Busy() int
	Dimension() int
}

// Pinger checks a backing store for /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the server routes to. Metrics and Cache are optional.
type Deps struct {
	Service   Embedder
	Admission *admission.Controller
	Engine    EngineStatus
	Metrics   *metrics.Metrics
	Cache     Pinger
}

// Server is the HTTP front end of the embedding pipeline
type Server struct {
	config  *config.Config
	logger  *logger.Logger
	deps    Deps
	router  *mux.Router
	server  *http.Server
	wsHub   *websocket.Hub
	limiter *RateLimiter
	started time.Time
}

// New creates a new server instance
func New(cfg *config.Config, deps Deps, log *logger.Logger) (*Server, error) {
	if deps.Service == nil || deps.Admission == nil || deps.Engine == nil {
		return nil, fmt.Errorf("server requires service, admission and engine")
	}

	s := &Server{
		config:  cfg,
		logger:  log.WithComponent("server"),
		deps:    deps,
		router:  mux.NewRouter(),
		started: time.Now(),
	}

	if cfg.WebSocket.Enabled {
		s.wsHub = websocket.NewHub(websocket.HubConfig{
			MaxConnections:  cfg.WebSocket.MaxConnections,
			ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
			WriteBufferSize: cfg.WebSocket.WriteBufferSize,
			PingInterval:    cfg.WebSocket.PingInterval,
			PongTimeout:     cfg.WebSocket.PongTimeout,
			WriteTimeout:    cfg.WebSocket.WriteTimeout,
			MaxMessageSize:  cfg.WebSocket.MaxMessageSize,
			AllowedOrigins:  cfg.WebSocket.AllowedOrigins,
			Username:        cfg.WebSocket.Username,
			Password:        cfg.WebSocket.Password,
			StatusInterval:  10 * time.Second,
			Status:          s.status,
		}, log.WithComponent("websocket").Logger)
	}

	if cfg.RateLimit.Enabled {
		s.limiter = NewRateLimiter(cfg.RateLimit)
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return s, nil
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)

	if s.config.Metrics.Enabled && s.deps.Metrics != nil {
		s.router.Handle(s.config.Metrics.Path, s.deps.Metrics.Handler()).Methods(http.MethodGet)
	}

	if s.wsHub != nil {
		s.router.HandleFunc(s.config.WebSocket.Path, s.wsHub.HandleWebSocket).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/v1").Subrouter()
	api.Use(s.requestIDMiddleware)
	api.Use(s.loggingMiddleware)
	api.Use(s.metricsMiddleware)
	if s.limiter != nil {
		api.Use(s.rateLimitMiddleware)
	}
	api.Handle("/embeddings", s.deps.Admission.LimitBody(http.HandlerFunc(s.handleEmbeddings))).Methods(http.MethodPost)
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs background workers with ctx and serves HTTP until Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting embedding server",
		zap.String("addr", s.server.Addr),
		zap.String("model", s.deps.Service.Model()),
		zap.String("discipline", string(s.deps.Engine.Discipline())),
		zap.Int("max_concurrent", s.deps.Admission.Capacity()),
		zap.Bool("websocket", s.wsHub != nil),
		zap.Bool("rate_limit", s.limiter != nil),
	)

	if s.wsHub != nil {
		go s.wsHub.Run(ctx)
	}
	if s.limiter != nil {
		go s.limiter.Run(ctx, time.Minute)
	}

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping embedding server")
	return s.server.Shutdown(ctx)
}

// GetWebSocketHub returns the WebSocket hub, or nil when the event feed is disabled
func (s *Server) GetWebSocketHub() *websocket.Hub {
	return s.wsHub
}

func (s *Server) status() websocket.SystemStatusEvent {
	clients := 0
	if s.wsHub != nil {
		clients = s.wsHub.ActiveConnections()
	}
	return websocket.SystemStatusEvent{
		Status:           "healthy",
		Uptime:           time.Since(s.started).Round(time.Second).String(),
		Model:            s.deps.Service.Model(),
		Dimension:        s.deps.Engine.Dimension(),
		InFlight:         s.deps.Admission.InFlight(),
		Waiting:          s.deps.Admission.Waiting(),
		EngineBusy:       s.deps.Engine.Busy(),
		ConnectedClients: clients,
	}
}
