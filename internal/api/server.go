package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/quantfeed/klined/internal/agg"
	"github.com/quantfeed/klined/internal/metrics"
	"github.com/quantfeed/klined/internal/symbols"
	"github.com/quantfeed/klined/internal/upstream"
)

// ServerConfig holds the HTTP listener configuration.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	QuoteAssets  []string
}

// DefaultServerConfig returns the listener defaults.
func DefaultServerConfig(addr string) ServerConfig {
	if addr == "" {
		addr = ":8000"
	}
	return ServerConfig{
		Addr:         addr,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Server is the node's HTTP surface: the exchange-compatible klines route,
// health, metrics and the admin endpoints.
type Server struct {
	router   *mux.Router
	server   *http.Server
	cfg      ServerConfig
	klines   *GetKlines
	health   *HealthSnapshot
	registry *symbols.Registry
	client   *upstream.Client
	ring     agg.Ring
	metrics  *metrics.Registry
}

func NewServer(cfg ServerConfig, klines *GetKlines, health *HealthSnapshot,
	registry *symbols.Registry, client *upstream.Client, ring agg.Ring, m *metrics.Registry) *Server {

	s := &Server{
		router:   mux.NewRouter(),
		cfg:      cfg,
		klines:   klines,
		health:   health,
		registry: registry,
		client:   client,
		ring:     ring,
		metrics:  m,
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.metricsMiddleware)

	s.router.Handle("/fapi/v1/klines", s.etagMiddleware(http.HandlerFunc(s.handleKlines))).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/agg/recent", s.handleRecentBuckets).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/admin/symbols/refresh", s.handleSymbolRefresh).Methods(http.MethodPost)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	log.Info().Str("component", "http").Str("addr", s.cfg.Addr).Msg("http server listening")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Str("component", "http").Msg("http server shutting down")
	return s.server.Shutdown(ctx)
}
