package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"pkt.systems/pslog"

	api "github.com/stepherg/manup/internal/http"
	"github.com/stepherg/manup/internal/logging"
)

// StatusConfig configures the status API server.
type StatusConfig struct {
	ListenAddr   string              // address to bind (e.g. :8090)
	Service      api.StatusService   // required
	Gatherer     prometheus.Gatherer // optional; /metrics is omitted when nil
	Logger       pslog.Logger        // optional
	ReadTimeout  time.Duration       // optional
	WriteTimeout time.Duration       // optional
	IdleTimeout  time.Duration       // optional
}

var ErrNilService = errors.New("status server: status service is nil")

// NewHandler builds the API mux: /api/status, /api/refresh, /api/status/stream and, when a
// gatherer is configured, /metrics.
func NewHandler(cfg StatusConfig) (http.Handler, error) {
	if cfg.Service == nil {
		return nil, ErrNilService
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", api.StatusHandler(cfg.Service))
	mux.HandleFunc("/api/refresh", api.RefreshHandler(cfg.Service))
	mux.HandleFunc("/api/status/stream", api.StreamHandler(cfg.Service, cfg.Logger))
	if cfg.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux, nil
}

// StartStatusServer starts an HTTP server exposing the status API.
// It returns the *http.Server, a channel that will receive a terminal error (if any), and an error for immediate startup issues.
// The server stops when the supplied context is canceled.
func StartStatusServer(ctx context.Context, cfg StatusConfig) (*http.Server, <-chan error, error) {
	handler, err := NewHandler(cfg)
	if err != nil {
		return nil, nil, err
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8090"
	}
	logger := logging.WithSubsystem(cfg.Logger, "server")

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     handler,
		ReadTimeout: durationOr(cfg.ReadTimeout, 10*time.Second),
		// Zero keeps websocket streams open; each stream sets its own write deadlines.
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  durationOr(cfg.IdleTimeout, 60*time.Second),
	}

	errCh := make(chan error, 1)

	go func() {
		logger.Info("server.listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Shutdown watcher
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	return srv, errCh, nil
}

func durationOr(v time.Duration, d time.Duration) time.Duration {
	if v <= 0 {
		return d
	}
	return v
}
