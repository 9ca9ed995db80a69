// Package metrics exposes the crawler runtime's operational counters and
// gauges in Prometheus format. Adapted from observability.Metrics (same
// fields, same /metrics + /health server), with hand-rolled atomics and
// text formatting replaced by prometheus/client_golang collectors.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks operational metrics for the crawler runtime.
type Metrics struct {
	RequestsTotal   prometheus.Counter
	RequestsFailed  prometheus.Counter
	RequestsRetried prometheus.Counter

	ResponsesByStatusClass *prometheus.CounterVec

	HandledTotal prometheus.Counter

	ActiveConcurrency prometheus.Gauge
	QueueDepth        prometheus.Gauge

	SessionsRetired prometheus.Counter
	ProxyEscalated  prometheus.Counter

	HandlerDuration prometheus.Histogram

	logger   *slog.Logger
	registry *prometheus.Registry
}

// New creates a Metrics instance with its own registry, so multiple
// crawlers in one process never collide on collector registration.
func New(logger *slog.Logger) *Metrics {
	if logger == nil {
		logger = slog.Default()
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "crawlee_requests_total",
			Help: "Total navigation attempts made.",
		}),
		RequestsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "crawlee_requests_failed_total",
			Help: "Total requests that exhausted retries or failed non-retryably.",
		}),
		RequestsRetried: factory.NewCounter(prometheus.CounterOpts{
			Name: "crawlee_requests_retried_total",
			Help: "Total reclaim-for-retry operations.",
		}),
		ResponsesByStatusClass: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlee_responses_total",
			Help: "Total responses received, labeled by status class.",
		}, []string{"class"}),
		HandledTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "crawlee_handled_total",
			Help: "Total requests whose handler completed successfully.",
		}),
		ActiveConcurrency: factory.NewGauge(prometheus.GaugeOpts{
			Name: "crawlee_pool_concurrency",
			Help: "Current autoscaled pool concurrency bound.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "crawlee_queue_depth",
			Help: "Approximate number of pending requests in the queue head.",
		}),
		SessionsRetired: factory.NewCounter(prometheus.CounterOpts{
			Name: "crawlee_sessions_retired_total",
			Help: "Total sessions retired for being blocked or over their error budget.",
		}),
		ProxyEscalated: factory.NewCounter(prometheus.CounterOpts{
			Name: "crawlee_proxy_tier_escalations_total",
			Help: "Total proxy tier escalations triggered by repeated blocks.",
		}),
		HandlerDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "crawlee_handler_duration_seconds",
			Help:    "RequestHandlerFunc wall-clock duration.",
			Buckets: prometheus.DefBuckets,
		}),
		logger:   logger.With("component", "metrics"),
		registry: reg,
	}
}

// ResponseStatusClass increments the response counter for an HTTP status
// class ("2xx", "3xx", "4xx", "5xx").
func (m *Metrics) ResponseStatusClass(statusCode int) {
	class := fmt.Sprintf("%dxx", statusCode/100)
	m.ResponsesByStatusClass.WithLabelValues(class).Inc()
}

// StartServer starts the metrics HTTP server in the background and returns
// immediately; call the returned shutdown func to stop it.
func (m *Metrics) StartServer(port int, path string) (shutdown func(context.Context) error, err error) {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{Addr: addr, Handler: mux}

	m.logger.Info("metrics server starting", "addr", addr, "path", path)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("metrics server error", "error", err)
		}
	}()

	return srv.Shutdown, nil
}
