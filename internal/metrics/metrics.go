package metrics

import (
	"encoding/json"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/moltbunker/fasset/internal/assetmanager"
	"github.com/moltbunker/fasset/pkg/types"
)

// Collector aggregates asset manager activity and API traffic in memory.
type Collector struct {
	// Committed events by type
	eventCounts   map[assetmanager.EventType]*uint64
	eventCountsMu sync.RWMutex

	// API request counts and latencies by route
	requestCounts   map[string]*uint64
	requestCountsMu sync.RWMutex
	latencies       map[string]*LatencyHistogram
	latenciesMu     sync.RWMutex

	// Value totals in UBA
	totalsMu      sync.Mutex
	mintedUBA     *big.Int
	redeemedUBA   *big.Int
	liquidatedUBA *big.Int

	agentsMu sync.RWMutex
	agents   map[types.AgentStatus]int

	streamClients int64

	startTime time.Time
}

// LatencyHistogram tracks request latencies in buckets
type LatencyHistogram struct {
	// Buckets: [0-1ms], [1-5ms], [5-10ms], [10-25ms], [25-50ms], [50-100ms], [100-250ms], [250-500ms], [500-1000ms], [1000ms+]
	buckets [10]uint64
	sum     uint64 // nanoseconds
	count   uint64
	mu      sync.Mutex
}

var bucketBoundaries = []int64{1, 5, 10, 25, 50, 100, 250, 500, 1000}

var bucketLabels = []string{
	"0-1ms", "1-5ms", "5-10ms", "10-25ms", "25-50ms",
	"50-100ms", "100-250ms", "250-500ms", "500-1000ms", "1000ms+",
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	c := &Collector{}
	c.Reset()
	return c
}

// Publish implements assetmanager.EventSink.
func (c *Collector) Publish(ev assetmanager.Event) {
	c.eventCountsMu.Lock()
	counter, ok := c.eventCounts[ev.Type]
	if !ok {
		counter = new(uint64)
		c.eventCounts[ev.Type] = counter
	}
	c.eventCountsMu.Unlock()
	atomic.AddUint64(counter, 1)

	if ev.Value == nil {
		return
	}
	var total *big.Int
	switch ev.Type {
	case assetmanager.EventMintingExecuted, assetmanager.EventSelfMint:
		total = c.mintedUBA
	case assetmanager.EventRedemptionRequested:
		total = c.redeemedUBA
	case assetmanager.EventLiquidationPerformed:
		total = c.liquidatedUBA
	default:
		return
	}
	c.totalsMu.Lock()
	total.Add(total, ev.Value)
	c.totalsMu.Unlock()
}

// RecordRequest records an API request for route
func (c *Collector) RecordRequest(route string) {
	c.requestCountsMu.Lock()
	counter, exists := c.requestCounts[route]
	if !exists {
		counter = new(uint64)
		c.requestCounts[route] = counter
	}
	c.requestCountsMu.Unlock()

	atomic.AddUint64(counter, 1)
}

// RecordLatency records the latency of an API request
func (c *Collector) RecordLatency(route string, duration time.Duration) {
	c.latenciesMu.Lock()
	hist, exists := c.latencies[route]
	if !exists {
		hist = &LatencyHistogram{}
		c.latencies[route] = hist
	}
	c.latenciesMu.Unlock()

	hist.Record(duration)
}

// Record records a latency value in the histogram
func (h *LatencyHistogram) Record(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ms := d.Milliseconds()
	idx := len(bucketBoundaries)
	for i, boundary := range bucketBoundaries {
		if ms < boundary {
			idx = i
			break
		}
	}
	h.buckets[idx]++
	h.sum += uint64(d.Nanoseconds())
	h.count++
}

// SetAgentCounts replaces the per-status agent counts.
func (c *Collector) SetAgentCounts(counts map[types.AgentStatus]int) {
	c.agentsMu.Lock()
	defer c.agentsMu.Unlock()
	c.agents = make(map[types.AgentStatus]int, len(counts))
	for status, n := range counts {
		c.agents[status] = n
	}
}

// IncrementStreamClients counts a new event stream subscriber.
func (c *Collector) IncrementStreamClients() {
	atomic.AddInt64(&c.streamClients, 1)
}

// DecrementStreamClients counts a closed event stream subscriber.
func (c *Collector) DecrementStreamClients() {
	atomic.AddInt64(&c.streamClients, -1)
}

// Metrics is a snapshot of all collected values
type Metrics struct {
	Uptime           string                  `json:"uptime"`
	UptimeSeconds    float64                 `json:"uptime_seconds"`
	EventCounts      map[string]uint64       `json:"event_counts"`
	MintedUBA        string                  `json:"minted_uba"`
	RedeemedUBA      string                  `json:"redeemed_uba"`
	LiquidatedUBA    string                  `json:"liquidated_uba"`
	Agents           map[string]int          `json:"agents"`
	RequestCounts    map[string]uint64       `json:"request_counts"`
	RequestLatencies map[string]LatencyStats `json:"request_latencies"`
	StreamClients    int64                   `json:"stream_clients"`
	CollectedAt      time.Time               `json:"collected_at"`
}

// LatencyStats contains latency statistics for a route
type LatencyStats struct {
	Count   uint64            `json:"count"`
	SumMs   float64           `json:"sum_ms"`
	AvgMs   float64           `json:"avg_ms"`
	Buckets map[string]uint64 `json:"buckets"`
}

// GetMetrics returns the current metrics
func (c *Collector) GetMetrics() *Metrics {
	uptime := time.Since(c.startTime)

	events := make(map[string]uint64)
	c.eventCountsMu.RLock()
	for typ, counter := range c.eventCounts {
		events[string(typ)] = atomic.LoadUint64(counter)
	}
	c.eventCountsMu.RUnlock()

	requests := make(map[string]uint64)
	c.requestCountsMu.RLock()
	for route, counter := range c.requestCounts {
		requests[route] = atomic.LoadUint64(counter)
	}
	c.requestCountsMu.RUnlock()

	latencies := make(map[string]LatencyStats)
	c.latenciesMu.RLock()
	for route, hist := range c.latencies {
		hist.mu.Lock()
		stats := LatencyStats{
			Count:   hist.count,
			SumMs:   float64(hist.sum) / float64(time.Millisecond),
			Buckets: make(map[string]uint64),
		}
		if hist.count > 0 {
			stats.AvgMs = float64(hist.sum) / float64(hist.count) / float64(time.Millisecond)
		}
		for i, count := range hist.buckets {
			if count > 0 {
				stats.Buckets[bucketLabels[i]] = count
			}
		}
		hist.mu.Unlock()
		latencies[route] = stats
	}
	c.latenciesMu.RUnlock()

	agents := make(map[string]int)
	c.agentsMu.RLock()
	for status, n := range c.agents {
		agents[string(status)] = n
	}
	c.agentsMu.RUnlock()

	c.totalsMu.Lock()
	minted, redeemed, liquidated := c.mintedUBA.String(), c.redeemedUBA.String(), c.liquidatedUBA.String()
	c.totalsMu.Unlock()

	return &Metrics{
		Uptime:           uptime.Round(time.Second).String(),
		UptimeSeconds:    uptime.Seconds(),
		EventCounts:      events,
		MintedUBA:        minted,
		RedeemedUBA:      redeemed,
		LiquidatedUBA:    liquidated,
		Agents:           agents,
		RequestCounts:    requests,
		RequestLatencies: latencies,
		StreamClients:    atomic.LoadInt64(&c.streamClients),
		CollectedAt:      time.Now(),
	}
}

// GetMetricsJSON returns the current metrics as JSON
func (c *Collector) GetMetricsJSON() ([]byte, error) {
	return json.Marshal(c.GetMetrics())
}

// Reset clears all metrics (useful for testing)
func (c *Collector) Reset() {
	c.eventCountsMu.Lock()
	c.eventCounts = make(map[assetmanager.EventType]*uint64)
	c.eventCountsMu.Unlock()

	c.requestCountsMu.Lock()
	c.requestCounts = make(map[string]*uint64)
	c.requestCountsMu.Unlock()

	c.latenciesMu.Lock()
	c.latencies = make(map[string]*LatencyHistogram)
	c.latenciesMu.Unlock()

	c.totalsMu.Lock()
	c.mintedUBA, c.redeemedUBA, c.liquidatedUBA = new(big.Int), new(big.Int), new(big.Int)
	c.totalsMu.Unlock()

	c.agentsMu.Lock()
	c.agents = make(map[types.AgentStatus]int)
	c.agentsMu.Unlock()

	atomic.StoreInt64(&c.streamClients, 0)
	c.startTime = time.Now()
}
