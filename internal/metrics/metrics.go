// Package metrics exposes populate and delete counters in Prometheus format.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "larder"

// Metrics holds the collectors of one catalog.
type Metrics struct {
	registry  *prometheus.Registry
	populated *prometheus.CounterVec
	skipped   *prometheus.CounterVec
	failed    *prometheus.CounterVec
	deleted   *prometheus.CounterVec
	pending   *prometheus.GaugeVec
	compute   *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		populated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "populated_keys_total",
			Help:      "Keys whose derived rows were committed.",
		}, []string{"entity"}),
		skipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_keys_total",
			Help:      "Pending keys found already populated or reserved elsewhere.",
		}, []string{"entity"}),
		failed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failed_keys_total",
			Help:      "Keys whose computation failed after all retries.",
		}, []string{"entity"}),
		deleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deleted_rows_total",
			Help:      "Rows removed by cascading deletes.",
		}, []string{"entity"}),
		pending: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_keys",
			Help:      "Pending keys seen by the last populate run.",
		}, []string{"entity"}),
		compute: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compute_seconds",
			Help:      "Time spent computing and committing one key.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"entity"}),
	}
}

func (m *Metrics) Populated(entity string) {
	if m != nil {
		m.populated.WithLabelValues(entity).Inc()
	}
}

func (m *Metrics) Skipped(entity string) {
	if m != nil {
		m.skipped.WithLabelValues(entity).Inc()
	}
}

func (m *Metrics) Failed(entity string) {
	if m != nil {
		m.failed.WithLabelValues(entity).Inc()
	}
}

func (m *Metrics) Deleted(entity string, n int) {
	if m != nil && n > 0 {
		m.deleted.WithLabelValues(entity).Add(float64(n))
	}
}

func (m *Metrics) Pending(entity string, n int) {
	if m != nil {
		m.pending.WithLabelValues(entity).Set(float64(n))
	}
}

func (m *Metrics) ObserveCompute(entity string, d time.Duration) {
	if m != nil {
		m.compute.WithLabelValues(entity).Observe(d.Seconds())
	}
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
