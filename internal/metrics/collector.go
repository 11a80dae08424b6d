// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds every metric the call path records. A nil *Collector is
// valid and records nothing, so wiring metrics stays optional.
type Collector struct {
	activeCalls  prometheus.Gauge
	callDuration prometheus.Histogram

	llmRequestsTotal   *prometheus.CounterVec
	llmRequestDuration *prometheus.HistogramVec
	llmFailoversTotal  *prometheus.CounterVec

	silenceFramesTotal prometheus.Counter
	chainOutcomesTotal *prometheus.CounterVec
	sessionsSweptTotal prometheus.Counter
}

// NewCollector registers the metric set on reg; pass nil to use the default
// registry.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{}

	c.activeCalls = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_calls",
		Help:      "Number of calls currently in progress",
	})

	c.callDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "call_duration_seconds",
		Help:      "Completed call duration in seconds",
		Buckets:   []float64{15, 30, 60, 120, 300, 600, 1200},
	})

	c.llmRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Total number of LLM streaming attempts",
		},
		[]string{"provider", "status"},
	)

	c.llmRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "LLM streaming attempt duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	c.llmFailoversTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_failovers_total",
			Help:      "Provider attempts abandoned in favor of the next provider",
		},
		[]string{"provider", "reason"},
	)

	c.silenceFramesTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "silence_frames_injected_total",
		Help:      "Silence frames injected to keep the media cadence",
	})

	c.chainOutcomesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_outcomes_total",
			Help:      "Turn outcomes by resolved action",
		},
		[]string{"action"},
	)

	c.sessionsSweptTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_swept_total",
		Help:      "Stale sessions removed by the periodic sweep",
	})

	return c
}

// CallStarted increments the active-call gauge.
func (c *Collector) CallStarted() {
	if c == nil {
		return
	}
	c.activeCalls.Inc()
}

// CallEnded decrements the gauge and observes the call duration.
func (c *Collector) CallEnded(duration time.Duration) {
	if c == nil {
		return
	}
	c.activeCalls.Dec()
	c.callDuration.Observe(duration.Seconds())
}

// RecordLLMRequest records one provider attempt.
func (c *Collector) RecordLLMRequest(provider, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.llmRequestsTotal.WithLabelValues(provider, status).Inc()
	c.llmRequestDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordFailover records one abandoned provider attempt.
func (c *Collector) RecordFailover(provider, reason string) {
	if c == nil {
		return
	}
	c.llmFailoversTotal.WithLabelValues(provider, reason).Inc()
}

// RecordSilenceFrame counts one injected silence frame.
func (c *Collector) RecordSilenceFrame() {
	if c == nil {
		return
	}
	c.silenceFramesTotal.Inc()
}

// RecordChainOutcome counts one resolved turn.
func (c *Collector) RecordChainOutcome(action string) {
	if c == nil {
		return
	}
	c.chainOutcomesTotal.WithLabelValues(action).Inc()
}

// RecordSessionsSwept counts sessions removed by a staleness sweep.
func (c *Collector) RecordSessionsSwept(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.sessionsSweptTotal.Add(float64(n))
}
