// Package metrics exposes Prometheus metrics for compilations and the
// definition store.
//
// Metrics:
//   - aggexpr_compilations_total: compilations by result
//   - aggexpr_compile_duration_seconds: compilation duration
//   - aggexpr_definitions: number of stored definitions
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lemonberrylabs/aggexpr/pkg/types"
)

const namespace = "aggexpr"

// Result label values.
const (
	ResultSuccess         = "success"
	ResultInvalidArgument = "invalid_argument"
	ResultUnresolvedName  = "unresolved_name"
	ResultDepthExceeded   = "depth_exceeded"
	ResultError           = "error"
)

// Collector owns the registry and all aggexpr metrics. It implements
// expr.Observer.
type Collector struct {
	registry *prometheus.Registry

	compilationsTotal *prometheus.CounterVec
	compileDuration   prometheus.Histogram
	definitions       prometheus.Gauge
}

// NewCollector creates a collector registered with registry. A nil registry
// gets a fresh one with the Go and process collectors.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	c := &Collector{
		registry: registry,
		compilationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compilations_total",
				Help:      "Total number of compilations by result",
			},
			[]string{"result"},
		),
		compileDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "compile_duration_seconds",
				Help:      "Duration of compilations in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.000001, 4, 10), // 1µs to ~260ms
			},
		),
		definitions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "definitions",
				Help:      "Number of stored definitions",
			},
		),
	}

	registry.MustRegister(c.compilationsTotal, c.compileDuration, c.definitions)
	return c
}

// ObserveCompile records one compilation.
func (c *Collector) ObserveCompile(err error, elapsed time.Duration) {
	c.compilationsTotal.WithLabelValues(Result(err)).Inc()
	c.compileDuration.Observe(elapsed.Seconds())
}

// SetDefinitions sets the stored definition gauge.
func (c *Collector) SetDefinitions(n int) {
	c.definitions.Set(float64(n))
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns an HTTP handler serving the registry in the Prometheus
// exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// Result maps a compile error to its result label.
func Result(err error) string {
	if err == nil {
		return ResultSuccess
	}
	kind, ok := types.KindOf(err)
	if !ok {
		return ResultError
	}
	switch kind {
	case types.KindInvalidArgument:
		return ResultInvalidArgument
	case types.KindUnresolvedName:
		return ResultUnresolvedName
	case types.KindDepthExceeded:
		return ResultDepthExceeded
	}
	return ResultError
}
