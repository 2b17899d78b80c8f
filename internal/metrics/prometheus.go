package metrics

import (
	"math/big"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/moltbunker/fasset/internal/assetmanager"
	"github.com/moltbunker/fasset/pkg/types"
)

const namespace = "fasset"

// PrometheusCollector wraps a Collector and mirrors its values into a dedicated
// Prometheus registry. It is an assetmanager.EventSink, so it can be attached
// directly to the engine.
type PrometheusCollector struct {
	collector *Collector
	registry  *prometheus.Registry

	events          *prometheus.CounterVec
	mintedUBA       prometheus.Counter
	redeemedUBA     prometheus.Counter
	liquidatedUBA   prometheus.Counter
	challenges      *prometheus.CounterVec
	defaults        *prometheus.CounterVec
	agents          *prometheus.GaugeVec
	requestCount    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	streamClients   prometheus.Gauge
	goroutineCount  prometheus.Gauge
	uptimeSeconds   prometheus.Gauge

	startTime time.Time

	// Per-route totals already added, so Sync only adds deltas.
	lastCounts   map[string]uint64
	lastCountsMu sync.Mutex
}

// NewPrometheusCollector creates a PrometheusCollector wrapping c.
func NewPrometheusCollector(c *Collector) *PrometheusCollector {
	reg := prometheus.NewRegistry()

	p := &PrometheusCollector{
		collector: c,
		registry:  reg,
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Committed asset manager events by type.",
		}, []string{"type"}),
		mintedUBA: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "minted_uba_total",
			Help:      "Underlying value minted, in UBA.",
		}),
		redeemedUBA: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redeemed_uba_total",
			Help:      "Underlying value requested for redemption, in UBA.",
		}),
		liquidatedUBA: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidated_uba_total",
			Help:      "F-assets burned by liquidators, in UBA.",
		}),
		challenges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "challenges_total",
			Help:      "Successful payment challenges by kind.",
		}, []string{"kind"}),
		defaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "defaults_total",
			Help:      "Minting and redemption payment defaults.",
		}, []string{"kind"}),
		agents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents",
			Help:      "Agents by status.",
		}, []string{"status"}),
		requestCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_request_count",
			Help:      "API requests by route.",
		}, []string{"route"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_seconds",
			Help:      "API latency by route.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"route"}),
		streamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_stream_clients",
			Help:      "Connected websocket event subscribers.",
		}),
		goroutineCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutine_count",
			Help:      "Number of goroutines.",
		}),
		uptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the daemon started in seconds.",
		}),
		startTime:  time.Now(),
		lastCounts: make(map[string]uint64),
	}

	reg.MustRegister(
		p.events, p.mintedUBA, p.redeemedUBA, p.liquidatedUBA,
		p.challenges, p.defaults, p.agents,
		p.requestCount, p.requestDuration,
		p.streamClients, p.goroutineCount, p.uptimeSeconds,
	)
	return p
}

// Registry returns the Prometheus registry used by this collector.
func (p *PrometheusCollector) Registry() *prometheus.Registry {
	return p.registry
}

// Publish implements assetmanager.EventSink.
func (p *PrometheusCollector) Publish(ev assetmanager.Event) {
	p.collector.Publish(ev)
	p.events.WithLabelValues(string(ev.Type)).Inc()

	amount := 0.0
	if ev.Value != nil {
		amount, _ = new(big.Float).SetInt(ev.Value).Float64()
	}
	switch ev.Type {
	case assetmanager.EventMintingExecuted, assetmanager.EventSelfMint:
		p.mintedUBA.Add(amount)
	case assetmanager.EventRedemptionRequested:
		p.redeemedUBA.Add(amount)
	case assetmanager.EventLiquidationPerformed:
		p.liquidatedUBA.Add(amount)
	case assetmanager.EventIllegalPaymentConfirmed:
		p.challenges.WithLabelValues("illegal_payment").Inc()
	case assetmanager.EventDuplicatePaymentConfirmed:
		p.challenges.WithLabelValues("double_payment").Inc()
	case assetmanager.EventUnderlyingBalanceNegative:
		p.challenges.WithLabelValues("free_balance_negative").Inc()
	case assetmanager.EventMintingPaymentDefault:
		p.defaults.WithLabelValues("minting").Inc()
	case assetmanager.EventRedemptionDefault:
		p.defaults.WithLabelValues("redemption").Inc()
	}
}

// RecordRequest records an API request in both collectors.
func (p *PrometheusCollector) RecordRequest(route string) {
	p.collector.RecordRequest(route)
	p.requestCount.WithLabelValues(route).Inc()
	p.lastCountsMu.Lock()
	p.lastCounts[route]++
	p.lastCountsMu.Unlock()
}

// RecordLatency records API latency in both collectors.
func (p *PrometheusCollector) RecordLatency(route string, duration time.Duration) {
	p.collector.RecordLatency(route, duration)
	p.requestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// SetAgentCounts sets the per-status agent gauges.
func (p *PrometheusCollector) SetAgentCounts(counts map[types.AgentStatus]int) {
	p.collector.SetAgentCounts(counts)
	for _, status := range types.AgentStatuses() {
		p.agents.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

// IncrementStreamClients counts a new event stream subscriber.
func (p *PrometheusCollector) IncrementStreamClients() {
	p.collector.IncrementStreamClients()
	p.streamClients.Inc()
}

// DecrementStreamClients counts a closed event stream subscriber.
func (p *PrometheusCollector) DecrementStreamClients() {
	p.collector.DecrementStreamClients()
	p.streamClients.Dec()
}

// Sync refreshes the process gauges and catches up request counters recorded on
// the wrapped Collector directly.
func (p *PrometheusCollector) Sync() {
	m := p.collector.GetMetrics()

	p.streamClients.Set(float64(m.StreamClients))
	p.goroutineCount.Set(float64(runtime.NumGoroutine()))
	p.uptimeSeconds.Set(time.Since(p.startTime).Seconds())

	p.lastCountsMu.Lock()
	for route, total := range m.RequestCounts {
		prev := p.lastCounts[route]
		if total > prev {
			p.requestCount.WithLabelValues(route).Add(float64(total - prev))
		}
		p.lastCounts[route] = total
	}
	p.lastCountsMu.Unlock()
}

// GetMetrics returns the JSON metrics of the wrapped Collector.
func (p *PrometheusCollector) GetMetrics() *Metrics {
	return p.collector.GetMetrics()
}

// Collector returns the wrapped Collector.
func (p *PrometheusCollector) Collector() *Collector {
	return p.collector
}

// PrometheusHandler serves the registry in the text exposition format, syncing
// gauges before each scrape.
func (p *PrometheusCollector) PrometheusHandler() http.Handler {
	handler := promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.Sync()
		handler.ServeHTTP(w, r)
	})
}
