// Package server wires the Store, Cache Engine, Throttle Manager,
// Security Gate, Request Pipeline, and Metrics Sink into the single
// top-level Server described by spec.md §6.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/grokify/apibuddy/pkg/adminserver"
	"github.com/grokify/apibuddy/pkg/cache"
	"github.com/grokify/apibuddy/pkg/config"
	"github.com/grokify/apibuddy/pkg/metrics"
	"github.com/grokify/apibuddy/pkg/observability"
	"github.com/grokify/apibuddy/pkg/pipeline"
	"github.com/grokify/apibuddy/pkg/security"
	"github.com/grokify/apibuddy/pkg/store"
	"github.com/grokify/apibuddy/pkg/throttle"
)

// Server is apibuddy's top-level handle: construct one with New, then
// call Start. The zero-value Server is not usable.
type Server struct {
	cfg *config.Config

	store    *store.Store
	cache    *cache.Cache
	throttle *throttle.Manager
	gate     *security.Gate
	metrics  *metrics.Sink
	obsProv  *observability.Provider

	pipeline *pipeline.Pipeline
	httpSrv  *http.Server
	admin    *adminserver.Server

	logger zerolog.Logger
}

// New constructs a Server from cfg. It opens the Store and runs schema
// migration; a corrupt or unopenable database is a fatal New-time error.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("server: invalid config: %w", err)
	}

	st, err := store.Open(store.Config{
		DatabasePath: cfg.Cache.DatabasePath,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("server: open store: %w", err)
	}

	c := cache.New(cache.Config{
		Store:           st,
		MaxResponseSize: cfg.Cache.MaxCacheResponseSize,
		MaxEntries:      cfg.Cache.MaxCacheEntries,
		Logger:          logger,
	})

	gate, err := security.New(cfg.Security.RequireSecureKey, cfg.Security.SecureKey)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("server: init security gate: %w", err)
	}

	th := throttle.New(throttle.Config{
		ProgressiveMaxDelay: time.Duration(cfg.Throttling.ProgressiveMaxDelay) * time.Second,
		RequestsPerHour:     cfg.RateLimitForAlias,
	})

	m := metrics.New(metrics.Config{})

	obsProv, err := observability.NewProvider(&observability.Config{
		ServiceName:      "apibuddy",
		ServiceVersion:   "dev",
		EnablePrometheus: true,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("server: init observability: %w", err)
	}
	m.AddHandler(observability.NewSinkBridge(obsProv.Metrics).Handle)

	p := pipeline.New(pipeline.Config{
		Config:   cfg,
		Gate:     gate,
		Cache:    c,
		Throttle: th,
		Metrics:  m,
		Logger:   logger,
	})

	s := &Server{
		cfg:      cfg,
		store:    st,
		cache:    c,
		throttle: th,
		gate:     gate,
		metrics:  m,
		obsProv:  obsProv,
		pipeline: p,
		logger:   logger,
	}

	s.admin = adminserver.New(adminserver.Config{Backend: s})

	return s, nil
}

// Start begins serving both the proxy listener and the admin control
// socket. It blocks until the proxy's http.Server returns (normally, via
// Stop, or on an unrecoverable listener error).
func (s *Server) Start(ctx context.Context) error {
	if err := s.admin.Start(); err != nil {
		return fmt.Errorf("server: start admin server: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.pipeline,
		ReadHeaderTimeout: 15 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("apibuddy listening")

	err := s.httpSrv.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the proxy listener, the admin server, and
// the observability provider, and closes the Store.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			return err
		}
	}
	if s.admin != nil {
		if err := s.admin.Shutdown(ctx); err != nil {
			return err
		}
	}
	if s.obsProv != nil {
		if err := s.obsProv.Shutdown(ctx); err != nil {
			return err
		}
	}
	return s.store.Close()
}

// GetSecureKey returns the active Security Gate key and whether it is
// available on this call (an auto-generated key is only ever returned
// once; an operator-configured key is always returned).
func (s *Server) GetSecureKey() (string, bool) {
	return s.gate.GetSecureKey()
}

// GetMetrics returns an immutable snapshot of per-domain counters.
func (s *Server) GetMetrics() map[string]metrics.DomainStats {
	return s.metrics.Snapshot()
}

// GetMetricsSnapshot implements adminserver.Backend, boxing the snapshot
// as an any so the admin package need not import pkg/metrics.
func (s *Server) GetMetricsSnapshot() any {
	return s.GetMetrics()
}

// ClearCache clears cached rows. An empty domainAlias clears everything.
func (s *Server) ClearCache(ctx context.Context, domainAlias string) error {
	return s.cache.Clear(ctx, domainAlias)
}

// ValidateRequest runs the Security Gate against an already-constructed
// request, without running the rest of the pipeline, so auth can be
// checked independent of routing.
func (s *Server) ValidateRequest(r *http.Request) (strippedPath string, err error) {
	return s.gate.Authenticate(r)
}
