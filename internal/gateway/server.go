// Package gateway wires the routing surface and the per-request
// pipeline together: rate limit, optional auth, registry lookup,
// upstream forward, metrics.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/edgegate/edgegate/internal/auth"
	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/health"
	"github.com/edgegate/edgegate/internal/metrics"
	"github.com/edgegate/edgegate/internal/proxy"
	"github.com/edgegate/edgegate/internal/ratelimit"
	"github.com/edgegate/edgegate/internal/registry"
)

// Server is the gateway's HTTP surface.
type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	registry   *registry.Registry
	store      ratelimit.CounterStore
	limiter    *ratelimit.Limiter
	verifier   *auth.Verifier
	forwarder  *proxy.Forwarder
	aggregator *health.Aggregator
	metrics    *metrics.Metrics
	protected  map[string]bool
	router     *mux.Router
	httpServer *http.Server
}

// New builds a fully wired gateway server from configuration.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	entries := make([]registry.ServiceEntry, 0, len(cfg.Services))
	for _, svc := range cfg.Services {
		entries = append(entries, registry.ServiceEntry{
			Name:       svc.Name,
			BaseURL:    svc.BaseURL,
			HealthPath: svc.HealthPath,
		})
	}
	reg, err := registry.New(entries)
	if err != nil {
		return nil, err
	}

	store, err := ratelimit.NewStore(cfg.Store.Backend, cfg.Store.RedisAddress, logger)
	if err != nil {
		return nil, err
	}

	overrides := make(map[string]ratelimit.Rule, len(cfg.RateLimit.Overrides))
	for _, o := range cfg.RateLimit.Overrides {
		overrides[o.Service] = ratelimit.Rule{
			Limit:  o.Limit,
			Window: time.Duration(o.WindowSeconds) * time.Second,
		}
	}
	limiter := ratelimit.NewLimiter(store, ratelimit.Rule{
		Limit:  cfg.RateLimit.Limit,
		Window: time.Duration(cfg.RateLimit.WindowSeconds) * time.Second,
	}, overrides, logger)

	protected := make(map[string]bool, len(cfg.Auth.ProtectedServices))
	for _, name := range cfg.Auth.ProtectedServices {
		protected[name] = true
	}

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		registry:   reg,
		store:      store,
		limiter:    limiter,
		verifier:   auth.NewVerifier(cfg.Auth.Secret),
		forwarder:  proxy.NewForwarder(cfg.ProxyTimeout(), logger),
		aggregator: health.NewAggregator(reg, cfg.HealthTimeout(), logger),
		metrics:    metrics.New(),
		protected:  protected,
	}
	s.router = s.buildRouter()
	return s, nil
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	// Access logging sits outside recovery so panicking requests
	// still produce their log line with the 500 status.
	r.Use(s.requestIDMiddleware, s.accessLogMiddleware, s.recoverMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	// Reserved for message-level websocket proxying; answering 501
	// instead of 404 keeps the path claimed.
	r.HandleFunc("/ws", s.handleWebSocket)

	r.HandleFunc("/api/{service}/{rest:.*}", s.handleProxy)
	r.HandleFunc("/api/{service}", s.handleProxy)
	return r
}

// Handler exposes the routing tree, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("shutting down gateway")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout())
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error().Err(err).Msg("gateway shutdown error")
		}
		if err := s.store.Close(); err != nil {
			s.logger.Error().Err(err).Msg("counter store close error")
		}
	}()

	s.logger.Info().
		Str("addr", s.cfg.ListenAddr()).
		Int("services", s.registry.Len()).
		Msg("gateway listening")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
