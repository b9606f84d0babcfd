// Package metrics exposes Prometheus counters for actions and cycles and
// serves them over HTTP while watching.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/daviddao/mailpilot/internal/types"
)

// Metrics implements executor.Recorder and cycle.Recorder.
type Metrics struct {
	reg      *prometheus.Registry
	actions  *prometheus.CounterVec
	cycles   *prometheus.CounterVec
	duration prometheus.Histogram
	pending  prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailpilot_actions_total",
			Help: "Actions by kind and outcome status.",
		}, []string{"kind", "status"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailpilot_cycles_total",
			Help: "Completed cycles by result.",
		}, []string{"result"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailpilot_cycle_duration_seconds",
			Help:    "Cycle wall time.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mailpilot_pending_actions",
			Help: "Pending and approved actions awaiting replay.",
		}),
	}
	m.reg.MustRegister(m.actions, m.cycles, m.duration, m.pending)
	return m
}

// ActionDone counts one action outcome.
func (m *Metrics) ActionDone(kind types.ActionKind, status types.Status) {
	m.actions.WithLabelValues(string(kind), string(status)).Inc()
}

// CycleDone counts one cycle.
func (m *Metrics) CycleDone(result string, d time.Duration) {
	m.cycles.WithLabelValues(result).Inc()
	m.duration.Observe(d.Seconds())
}

// Pending sets the pending gauge.
func (m *Metrics) Pending(n int) {
	m.pending.Set(float64(n))
}

// Handler serves /metrics and /healthz.
func (m *Metrics) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok\n"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	return r
}

// Serve listens on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", addr).Msg("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
