package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "marketsampler"

// Metrics holds the pipeline collectors on a private registry. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	cycles           *prometheus.CounterVec
	cycleDuration    prometheus.Histogram
	ticksDropped     prometheus.Counter
	providerFailures *prometheus.CounterVec
	samplesSaved     *prometheus.CounterVec
	gapsOpen         prometheus.Gauge
	gatewayCalls     *prometheus.GaugeVec
	gatewayHits      *prometheus.GaugeVec
	lastPrice        prometheus.Gauge
	lastVolatility   prometheus.Gauge
	lastSampleTime   prometheus.Gauge
}

// New registers a fresh set of collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "collector",
				Name:      "cycles_total",
				Help:      "Collection cycles by outcome.",
			},
			[]string{"outcome"},
		),
		cycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "collector",
				Name:      "cycle_duration_seconds",
				Help:      "Duration of collection cycles.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
			},
		),
		ticksDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "ticks_dropped_total",
				Help:      "Ticks dropped because a cycle was still running.",
			},
		),
		providerFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "provider",
				Name:      "failures_total",
				Help:      "Provider call failures by kind.",
			},
			[]string{"provider", "kind"},
		),
		samplesSaved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "samples_saved_total",
				Help:      "Samples persisted by source.",
			},
			[]string{"source"},
		),
		gapsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "backfill",
				Name:      "gaps_detected",
				Help:      "Gaps found by the most recent scan.",
			},
		),
		gatewayCalls: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "upstream_calls",
				Help:      "Upstream calls issued through the cache gateway.",
			},
			[]string{"provider", "symbol"},
		),
		gatewayHits: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "cache_hits",
				Help:      "Requests served from the gateway cache.",
			},
			[]string{"provider", "symbol"},
		),
		lastPrice: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "sample",
				Name:      "price",
				Help:      "Price of the most recent sample.",
			},
		),
		lastVolatility: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "sample",
				Name:      "volatility_pct",
				Help:      "Rolling volatility of the most recent sample.",
			},
		),
		lastSampleTime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "sample",
				Name:      "timestamp_seconds",
				Help:      "Unix time of the most recent sample.",
			},
		),
	}

	m.registry.MustRegister(
		m.cycles,
		m.cycleDuration,
		m.ticksDropped,
		m.providerFailures,
		m.samplesSaved,
		m.gapsOpen,
		m.gatewayCalls,
		m.gatewayHits,
		m.lastPrice,
		m.lastVolatility,
		m.lastSampleTime,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler exposing the registered metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCycle records the outcome and duration of one collection cycle.
func (m *Metrics) ObserveCycle(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(outcome).Inc()
	m.cycleDuration.Observe(duration.Seconds())
}

// TickDropped counts a tick skipped because the previous cycle is running.
func (m *Metrics) TickDropped() {
	if m == nil {
		return
	}
	m.ticksDropped.Inc()
}

// ProviderFailure counts a failed provider call.
func (m *Metrics) ProviderFailure(provider, kind string) {
	if m == nil {
		return
	}
	m.providerFailures.WithLabelValues(provider, kind).Inc()
}

// SampleSaved records a persisted live sample.
func (m *Metrics) SampleSaved(ts time.Time, price float64, volatility *float64) {
	if m == nil {
		return
	}
	m.samplesSaved.WithLabelValues("live").Inc()
	m.lastPrice.Set(price)
	m.lastSampleTime.Set(float64(ts.Unix()))
	if volatility != nil {
		m.lastVolatility.Set(*volatility)
	}
}

// AddBackfilled records samples inserted by backfill.
func (m *Metrics) AddBackfilled(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.samplesSaved.WithLabelValues("backfill").Add(float64(n))
}

// SetGaps records the size of the latest gap scan.
func (m *Metrics) SetGaps(n int) {
	if m == nil {
		return
	}
	m.gapsOpen.Set(float64(n))
}

// SetGateway publishes the counters of one provider/symbol gateway.
func (m *Metrics) SetGateway(provider, symbol string, calls, hits int64) {
	if m == nil {
		return
	}
	m.gatewayCalls.WithLabelValues(provider, symbol).Set(float64(calls))
	m.gatewayHits.WithLabelValues(provider, symbol).Set(float64(hits))
}
