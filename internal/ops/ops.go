// Package ops is the optional observability listener a worker opens when
// MEDIA_SEARCH_METRICS_ADDR is set: a liveness probe plus the Prometheus
// scrape endpoint.
package ops

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ManuGH/mediasearch/internal/health"
	"github.com/ManuGH/mediasearch/internal/version"
)

// Server is the worker's metrics/health listener.
type Server struct {
	Addr     string
	WorkerID string
	Log      zerolog.Logger

	// Health supplies the liveness verdict; nil serves a bare "healthy".
	Health *health.Manager
}

// Router builds the handler tree. Exposed separately for tests.
func (s *Server) Router() http.Handler {
	m := s.Health
	if m == nil {
		m = health.NewManager(s.WorkerID, version.Version)
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", m.Handler())
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

// Run serves until ctx is cancelled, then drains with a short grace period.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.Log.Info().Str("addr", s.Addr).Msg("metrics listener up")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
