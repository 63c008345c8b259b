// Package metrics exposes the daemon's Prometheus counters and gauges, and
// optionally serves them over HTTP. This is pure observability: it has no
// effect on upload, retry, or dedup behavior, and exists because the
// ambient stack is carried regardless of what spec.md's Non-goals exclude.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/foldersync/foldersync/internal/logging"
)

var log = logging.Module("metrics")

// Registry holds the process's Prometheus collectors.
type Registry struct {
	UploadsSucceeded *prometheus.CounterVec
	UploadsFailed    *prometheus.CounterVec
	ActiveUploads    *prometheus.GaugeVec
	LedgerRows       prometheus.Gauge

	reg *prometheus.Registry
}

// New creates a Registry with all collectors registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		UploadsSucceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "foldersync_uploads_succeeded_total",
			Help: "Total number of files successfully uploaded, by bucket.",
		}, []string{"bucket"}),
		UploadsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "foldersync_uploads_failed_total",
			Help: "Total number of upload attempts that ended in failure, by bucket.",
		}, []string{"bucket"}),
		ActiveUploads: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "foldersync_active_uploads",
			Help: "Number of uploads currently in flight, by bucket.",
		}, []string{"bucket"}),
		LedgerRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "foldersync_ledger_rows",
			Help: "Number of rows currently tracked in the ledger.",
		}),
	}

	reg.MustRegister(r.UploadsSucceeded, r.UploadsFailed, r.ActiveUploads, r.LedgerRows)

	return r
}

// Serve starts an HTTP server exposing /metrics and blocks until ctx is
// canceled, then shuts the server down. Intended to run in its own
// goroutine; a nil or empty addr disables the server entirely.
func Serve(ctx context.Context, addr string, r *Registry) error {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	log(ctx).Infof("metrics endpoint listening on %v", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		return errors.Wrap(srv.Shutdown(shutdownCtx), "metrics server shutdown")
	case err := <-errCh:
		return errors.Wrap(err, "metrics server")
	}
}
