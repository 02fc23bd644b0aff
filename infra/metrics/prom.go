// Package metrics provides the usage sinks: Prometheus counters and
// histograms, InfluxDB line-protocol points, and a fan-out combinator.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nzrlabs/mcpd/core/usage"
)

// PromSink records dispatch outcomes in Prometheus metrics.
type PromSink struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewPromSink registers dispatch metrics on the default Prometheus
// registerer. The metrics server should be started separately.
func NewPromSink() (*PromSink, error) {
	return NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer.
func NewPromSinkWithRegistry(reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mcpd_requests_total",
		Help: "Total number of dispatched requests",
	}, []string{"model", "success", "error_kind"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mcpd_request_duration_seconds",
		Help:    "Backend invocation time per request",
		Buckets: prometheus.DefBuckets,
	}, []string{"model", "success"})

	if err := reg.Register(requests); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			requests = are.ExistingCollector.(*prometheus.CounterVec)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(latency); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			latency = are.ExistingCollector.(*prometheus.HistogramVec)
		} else {
			return nil, err
		}
	}

	return &PromSink{requests: requests, latency: latency}, nil
}

// RecordUsage increments the request counter and observes the latency.
func (s *PromSink) RecordUsage(rec usage.Record) error {
	success := strconv.FormatBool(rec.Success)
	s.requests.WithLabelValues(rec.ModelName, success, rec.ErrorKind).Inc()
	s.latency.WithLabelValues(rec.ModelName, success).Observe(rec.Latency.Seconds())
	return nil
}
