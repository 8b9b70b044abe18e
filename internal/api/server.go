package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"fanout/internal/presence"
	"fanout/internal/ratelimit"
	"fanout/pkg/interfaces"
)

// PresenceReader is the query side of the presence tracker.
type PresenceReader interface {
	GetStatus(ctx context.Context, userID string) (*presence.Status, error)
	GetStatuses(ctx context.Context, userIDs []string) (map[string]*presence.Status, error)
	OnlineUserIDs(ctx context.Context, limit int) ([]string, error)
	OnlineCount(ctx context.Context) (int64, error)
}

// Registry is the local connection view exposed over HTTP.
type Registry interface {
	IsOnline(userID string) bool
	ConnectionCountForUser(userID string) int
	LastTransition(userID string) (time.Time, bool)
	GetStats() map[string]int
}

// Deps are the components served over HTTP. Journal, the policies and
// WebSocket may be nil.
type Deps struct {
	Presence  PresenceReader
	Registry  Registry
	Journal   interfaces.ConnectionJournal
	WebSocket http.Handler
	// StoreCheck pings the shared state store for /health.
	StoreCheck func(ctx context.Context) error
	// APIPolicy limits /api routes per principal or address.
	APIPolicy *ratelimit.DifferentiatedPolicy
	// ConnectPolicy limits websocket upgrades per address.
	ConnectPolicy *ratelimit.FlatPolicy
}

// Options tunes the HTTP surface.
type Options struct {
	// ServiceName enables otelgin tracing when set.
	ServiceName string
	// MaxBatch caps user_ids in a batch presence query.
	MaxBatch int
}

// Server is the gin HTTP surface: presence queries, local connection views,
// health, metrics and the websocket endpoint.
type Server struct {
	deps   Deps
	opts   Options
	engine *gin.Engine
	logger zerolog.Logger
}

func NewServer(deps Deps, opts Options, logger zerolog.Logger) *Server {
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 100
	}
	s := &Server{
		deps:   deps,
		opts:   opts,
		engine: gin.New(),
		logger: logger.With().Str("component", "http").Logger(),
	}
	s.setupRoutes()
	return s
}

// Middleware order: tracing, request id, logging, recovery, metrics, identity.
func (s *Server) setupRoutes() {
	r := s.engine
	if s.opts.ServiceName != "" {
		r.Use(otelgin.Middleware(s.opts.ServiceName))
	}
	r.Use(RequestID(), Logger(s.logger), Recovery(s.logger), Metrics(), Principal())

	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if s.deps.WebSocket != nil {
		ws := []gin.HandlerFunc{}
		if s.deps.ConnectPolicy != nil {
			ws = append(ws, AddressRateLimit(s.deps.ConnectPolicy))
		}
		ws = append(ws, gin.WrapH(s.deps.WebSocket))
		r.GET("/ws", ws...)
	}

	v1 := r.Group("/api/v1")
	if s.deps.APIPolicy != nil {
		v1.Use(RateLimit(s.deps.APIPolicy))
	}
	v1.GET("/presence", s.getStatuses)
	v1.GET("/presence/online", s.getOnline)
	v1.GET("/presence/:user_id", s.getStatus)
	v1.GET("/connections/:user_id", s.getConnections)
	v1.GET("/connections/:user_id/history", s.getHistory)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

// Handler returns the gin engine for use with http.Server.
func (s *Server) Handler() http.Handler { return s.engine }
