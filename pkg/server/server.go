// Package server wires the federation core into an HTTP surface: well-known
// discovery endpoints, the signed message API, device-key management, the
// realtime websocket, and operational endpoints.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"forumhall/pkg/auth"
	"forumhall/pkg/config"
	"forumhall/pkg/federation"
	"forumhall/pkg/messaging"
	"forumhall/pkg/realtime"
	"forumhall/pkg/store"
)

// SoftwareVersion is reported in the provider discovery document.
const SoftwareVersion = "0.1.0"

const shutdownTimeout = 10 * time.Second

type Server struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   store.Store
	metrics *federation.Metrics

	resolver *federation.Resolver
	pipeline *auth.Pipeline
	messages *messaging.Service
	hub      *realtime.Hub

	registry *prometheus.Registry
	http     *http.Server
}

// New assembles a server on top of the given store. The registry may be nil
// for callers that do not scrape metrics.
func New(cfg *config.Config, logger *zap.Logger, st store.Store, registry *prometheus.Registry) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	metrics := federation.NewMetrics(registry)

	resolver := federation.NewResolver(federation.ResolverConfig{
		LocalDomain: cfg.Domain,
		CacheTTL:    cfg.KeyCacheTTL.Std(),
		NegativeTTL: cfg.NegativeTTL.Std(),
	}, st, federation.NewDiscoveryClient(0), logger, metrics, nil)

	replay := auth.NewReplayGuard(cfg.SkewWindow.Std(), nil, metrics)
	pipeline := auth.NewPipeline(resolver, replay, logger, metrics)
	messages := messaging.NewService(st, logger, metrics, nil, cfg.IdempotencyRetention.Std())
	hub := realtime.NewHub(messages, logger, metrics, cfg.RealtimeQueueSize)

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		metrics:  metrics,
		resolver: resolver,
		pipeline: pipeline,
		messages: messages,
		hub:      hub,
		registry: registry,
	}
	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router builds the HTTP routing table. Everything under /api except the
// realtime endpoint requires a verified signature; the realtime endpoint
// verifies the same signature material from query parameters during the
// websocket handshake.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/.well-known/ofscp-provider", s.handleProviderDoc)
	r.Get("/.well-known/ofscp/users/{handle}/keys", s.handleUserKeys)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Method(http.MethodGet, "/api/realtime", realtime.NewHandler(s.hub, s.pipeline, s.logger))

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.pipeline, s.logger))

		r.Post("/api/device-keys", s.handleRegisterKey)
		r.Get("/api/device-keys", s.handleListKeys)
		r.Delete("/api/device-keys/{keyID}", s.handleRevokeKey)

		r.Post("/api/groups/{groupID}/channels/{channelID}/messages", s.handleSendMessage)
		r.Get("/api/groups/{groupID}/channels/{channelID}/messages", s.handleListMessages)
	})

	return r
}

// Run serves until the context is cancelled, then drains connections. The
// idempotency retention sweep runs alongside the listener.
func (s *Server) Run(ctx context.Context) error {
	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	go s.messages.RunRetentionLoop(sweepCtx, time.Hour)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening",
			zap.String("addr", s.cfg.ListenAddr),
			zap.String("domain", s.cfg.Domain))
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := s.http.Shutdown(shutdownCtx)
	if serveErr := <-errCh; serveErr != nil && serveErr != http.ErrServerClosed {
		err = multierr.Append(err, serveErr)
	}
	return err
}
