package metrics

import (
	"maps"
	"sync"
	"time"

	"github.com/l0p7/promptguard/internal/decision"
)

// Snapshot is a point-in-time view of the collector. Rates are percentages
// and, like the average latency, are derived when the snapshot is taken.
type Snapshot struct {
	TotalRequests   int64            `json:"totalRequests"`
	BlockedRequests int64            `json:"blockedRequests"`
	AllowedRequests int64            `json:"allowedRequests"`
	CacheHits       int64            `json:"cacheHits"`
	BlockRate       float64          `json:"blockRate"`
	CacheHitRate    float64          `json:"cacheHitRate"`
	AvgLatencyMS    float64          `json:"avgLatencyMs"`
	RuleTriggers    map[string]int64 `json:"ruleTriggers"`
	StartTime       time.Time        `json:"startTime"`
	UptimeSeconds   float64          `json:"uptimeSeconds"`
}

// Collector aggregates request counters behind a single mutex. It is the
// only owner of per-rule trigger counts. Every event is mirrored to the
// optional Prometheus Recorder.
type Collector struct {
	recorder *Recorder
	now      func() time.Time

	mu             sync.Mutex
	total          int64
	blocked        int64
	allowed        int64
	cacheHits      int64
	totalLatencyMS float64
	ruleTriggers   map[string]int64
	start          time.Time
}

// CollectorOption customises a Collector.
type CollectorOption func(*Collector)

// WithRecorder mirrors events into Prometheus.
func WithRecorder(r *Recorder) CollectorOption {
	return func(c *Collector) { c.recorder = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) CollectorOption {
	return func(c *Collector) { c.now = now }
}

// NewCollector starts a collector with the current time as its start time.
func NewCollector(opts ...CollectorOption) *Collector {
	c := &Collector{now: time.Now, ruleTriggers: make(map[string]int64)}
	for _, opt := range opts {
		opt(c)
	}
	c.start = c.now()
	return c
}

// Record counts one completed request: total, exactly one of blocked or
// allowed, and its latency. A blocked decision produced by detection (not
// replayed from the cache) also counts as a trigger of its rule.
func (c *Collector) Record(d decision.Decision) {
	c.mu.Lock()
	c.total++
	if d.Blocked {
		c.blocked++
	} else {
		c.allowed++
	}
	c.totalLatencyMS += d.LatencyMS
	triggered := d.Blocked && !d.FromCache && d.RuleID != ""
	if triggered {
		c.ruleTriggers[d.RuleID]++
	}
	c.mu.Unlock()

	outcome := "allowed"
	if d.Blocked {
		outcome = "blocked"
	}
	c.recorder.ObserveRequest(outcome, string(d.Severity), d.FromCache, time.Duration(d.LatencyMS*float64(time.Millisecond)))
	if triggered {
		c.recorder.ObserveRuleTrigger(d.RuleID, string(d.Severity))
	}
}

// RecordCacheHit counts one decision served from the cache.
func (c *Collector) RecordCacheHit() {
	c.mu.Lock()
	c.cacheHits++
	c.mu.Unlock()
}

// ObserveCacheLookup forwards cache lookup telemetry to Prometheus.
func (c *Collector) ObserveCacheLookup(result CacheLookupOutcome, d time.Duration) {
	c.recorder.ObserveCacheLookup(result, d)
}

// ObserveCacheStore forwards cache store telemetry to Prometheus.
func (c *Collector) ObserveCacheStore(result CacheStoreOutcome, d time.Duration) {
	c.recorder.ObserveCacheStore(result, d)
}

// ObserveGeneratorCall forwards generator attempt telemetry to Prometheus.
func (c *Collector) ObserveGeneratorCall(provider string, result GeneratorResult) {
	c.recorder.ObserveGeneratorCall(provider, result)
}

// Snapshot returns the current counters with derived rates.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		TotalRequests:   c.total,
		BlockedRequests: c.blocked,
		AllowedRequests: c.allowed,
		CacheHits:       c.cacheHits,
		RuleTriggers:    maps.Clone(c.ruleTriggers),
		StartTime:       c.start,
		UptimeSeconds:   c.now().Sub(c.start).Seconds(),
	}
	if c.total > 0 {
		s.BlockRate = float64(c.blocked) / float64(c.total) * 100
		s.CacheHitRate = float64(c.cacheHits) / float64(c.total) * 100
		s.AvgLatencyMS = c.totalLatencyMS / float64(c.total)
	}
	return s
}

// Reset zeroes every counter and restarts the uptime clock. Prometheus
// counters are monotonic and are left untouched.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total, c.blocked, c.allowed, c.cacheHits = 0, 0, 0, 0
	c.totalLatencyMS = 0
	c.ruleTriggers = make(map[string]int64)
	c.start = c.now()
}
