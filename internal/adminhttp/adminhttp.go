// Package adminhttp serves the operational HTTP endpoints of the bridge.
package adminhttp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Status reports the pipeline state.
type Status interface {
	// Connected reports whether the source subscription is ready.
	Connected() bool

	// QueueLen returns the number of events awaiting dispatch.
	QueueLen() int
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Connected bool `json:"connected"`
	QueueLen  int  `json:"queue_len"`
}

// NewRouter returns the admin router:
//
//	GET /healthz  liveness, always 200
//	GET /readyz   200 while the source is connected, 503 otherwise
//	GET /status   StatusResponse as JSON
//	GET /metrics  Prometheus metrics
func NewRouter(s Status) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if s.Connected() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("connecting"))
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(StatusResponse{
			Connected: s.Connected(),
			QueueLen:  s.QueueLen(),
		})
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	return r
}

// Serve serves h on l until ctx is canceled, then shuts the server down
// allowing up to 5 seconds for open requests.
func Serve(ctx context.Context, log *slog.Logger, l net.Listener, h http.Handler) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          slog.NewLogLogger(log.Handler(), slog.LevelWarn),
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(l) }()
	log.Info("admin server listening", slog.String("addr", l.Addr().String()))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctxShutdown); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
