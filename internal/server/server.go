// Package server exposes the keyword-spotting engine over HTTP.
//
// Routes:
//
//	GET    /ws                  streaming detection (WebSocket)
//	GET    /keywords            list enrolled keywords
//	POST   /keywords            enroll a keyword
//	DELETE /keywords/{keyword}  remove a keyword
//	GET    /config              current detection policy
//	PUT    /config              update the detection policy
//	GET    /stats               detection statistics
//	GET    /healthz, /readyz    probes
//	GET    /metrics             Prometheus scrape endpoint
//	       /mcp                 MCP management endpoint, when configured
//
// Management routes are rate limited per client address. Errors are JSON
// bodies of the form {"status":"error","kind":...,"message":...}.
package server

import (
	"net/http"
	"time"

	"github.com/MrWong99/glyphoxa-kws/internal/health"
	"github.com/MrWong99/glyphoxa-kws/internal/keyword"
	"github.com/MrWong99/glyphoxa-kws/internal/observe"
	"github.com/MrWong99/glyphoxa-kws/internal/session"
)

// maxBodyBytes caps management request bodies.
const maxBodyBytes = 1 << 20

// maxMessageBytes caps one inbound WebSocket message: three seconds of
// 48 kHz stereo PCM with headroom.
const maxMessageBytes = 1 << 20

// writeTimeout bounds a single outbound WebSocket frame.
const writeTimeout = 5 * time.Second

// Config holds the HTTP surface settings.
type Config struct {
	// RequestsPerSecond and Burst configure the per-client limiter on
	// management routes. RequestsPerSecond <= 0 disables limiting.
	RequestsPerSecond float64
	Burst             int

	// MetricsPath defaults to /metrics.
	MetricsPath string

	// MCPPath defaults to /mcp. It is only mounted when an MCP handler is
	// provided.
	MCPPath string

	// OriginPatterns lists the host patterns allowed to open a WebSocket
	// from a browser page on another origin.
	OriginPatterns []string
}

// Option is a functional option for [New].
type Option func(*Server)

// WithHealth mounts /healthz and /readyz from h.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMCP mounts h at Config.MCPPath.
func WithMCP(h http.Handler) Option {
	return func(s *Server) { s.mcp = h }
}

// WithMetrics sets the instruments used by the request middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMetricsHandler replaces the Prometheus scrape handler.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// Server routes HTTP requests to the session manager and keyword registry.
type Server struct {
	cfg      Config
	manager  *session.Manager
	registry *keyword.Registry

	health         *health.Handler
	mcp            http.Handler
	metrics        *observe.Metrics
	metricsHandler http.Handler
	limiter        *clientLimiter
}

// New returns a Server for the given manager and registry.
func New(cfg Config, manager *session.Manager, registry *keyword.Registry, opts ...Option) *Server {
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.MCPPath == "" {
		cfg.MCPPath = "/mcp"
	}
	s := &Server{cfg: cfg, manager: manager, registry: registry}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.metricsHandler == nil {
		s.metricsHandler = observe.MetricsHandler()
	}
	if cfg.RequestsPerSecond > 0 {
		s.limiter = newClientLimiter(cfg.RequestsPerSecond, cfg.Burst, time.Now)
	}
	return s
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws", s.handleWS)

	mux.Handle("GET /keywords", s.limit(http.HandlerFunc(s.listKeywords)))
	mux.Handle("POST /keywords", s.limit(http.HandlerFunc(s.addKeyword)))
	mux.Handle("DELETE /keywords/{keyword}", s.limit(http.HandlerFunc(s.removeKeyword)))
	mux.Handle("GET /config", s.limit(http.HandlerFunc(s.getConfig)))
	mux.Handle("PUT /config", s.limit(http.HandlerFunc(s.updateConfig)))
	mux.Handle("GET /stats", s.limit(http.HandlerFunc(s.getStats)))

	if s.health != nil {
		s.health.Register(mux)
	}
	mux.Handle("GET "+s.cfg.MetricsPath, s.metricsHandler)
	if s.mcp != nil {
		mux.Handle(s.cfg.MCPPath, s.limit(s.mcp))
	}

	return observe.Middleware(s.metrics)(mux)
}

// limit applies the per-client rate limiter, if configured.
func (s *Server) limit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return s.limiter.middleware(next)
}
