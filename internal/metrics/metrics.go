package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the cache method being instrumented.
type CacheOperation string

const (
	// CacheOperationLookup records decision cache lookup calls.
	CacheOperationLookup CacheOperation = "lookup"
	// CacheOperationStore records decision cache store attempts.
	CacheOperationStore CacheOperation = "store"
)

// CacheLookupOutcome captures the result of a cache lookup.
type CacheLookupOutcome string

const (
	// CacheLookupHit indicates the lookup reused a cached decision.
	CacheLookupHit CacheLookupOutcome = "hit"
	// CacheLookupMiss indicates no valid cached decision was present.
	CacheLookupMiss CacheLookupOutcome = "miss"
	// CacheLookupError indicates the lookup failed due to an error.
	CacheLookupError CacheLookupOutcome = "error"
)

// CacheStoreOutcome captures the result of a cache store attempt.
type CacheStoreOutcome string

const (
	// CacheStoreStored indicates the decision cache entry was persisted.
	CacheStoreStored CacheStoreOutcome = "stored"
	// CacheStoreError indicates the store operation failed.
	CacheStoreError CacheStoreOutcome = "error"
)

// GeneratorResult labels the outcome of one generator attempt.
type GeneratorResult string

const (
	GeneratorSuccess     GeneratorResult = "success"
	GeneratorError       GeneratorResult = "error"
	GeneratorTimeout     GeneratorResult = "timeout"
	GeneratorRateLimited GeneratorResult = "rate_limited"
)

// Recorder publishes Prometheus metrics for gateway activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	ruleTriggers   *prometheus.CounterVec

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec

	generatorCalls *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "promptguard",
		Name:      "requests_total",
		Help:      "Analysis requests completed by the gateway.",
	}, []string{"outcome", "severity", "from_cache"})

	requestLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "promptguard",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for completed analysis requests.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"outcome"})

	ruleTriggers := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "promptguard",
		Name:      "rule_triggers_total",
		Help:      "Rule matches that blocked an input.",
	}, []string{"rule_id", "severity"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "promptguard",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Decision cache operations executed by the gateway.",
	}, []string{"operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "promptguard",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for decision cache operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"operation", "result"})

	generatorCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "promptguard",
		Subsystem: "generator",
		Name:      "calls_total",
		Help:      "Generator attempts by provider and result.",
	}, []string{"provider", "result"})

	reg.MustRegister(requests, requestLatency, ruleTriggers, cacheOperations, cacheLatency, generatorCalls)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:        reg,
		handler:         handler,
		requests:        requests,
		requestLatency:  requestLatency,
		ruleTriggers:    ruleTriggers,
		cacheOperations: cacheOperations,
		cacheLatency:    cacheLatency,
		generatorCalls:  generatorCalls,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRequest records the outcome and latency of a completed request.
func (r *Recorder) ObserveRequest(outcome, severity string, fromCache bool, duration time.Duration) {
	if r == nil {
		return
	}
	outcomeLabel := normalizeLabel(outcome)
	r.requests.WithLabelValues(outcomeLabel, normalizeLabel(severity), strconv.FormatBool(fromCache)).Inc()
	r.requestLatency.WithLabelValues(outcomeLabel).Observe(duration.Seconds())
}

// ObserveRuleTrigger counts a blocking match of ruleID.
func (r *Recorder) ObserveRuleTrigger(ruleID, severity string) {
	if r == nil {
		return
	}
	r.ruleTriggers.WithLabelValues(normalizeLabel(ruleID), normalizeLabel(severity)).Inc()
}

// ObserveCacheLookup records the result of a cache lookup.
func (r *Recorder) ObserveCacheLookup(result CacheLookupOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheLookupMiss)
	}
	r.observeCache(CacheOperationLookup, resultLabel, duration)
}

// ObserveCacheStore records the result of a cache store attempt.
func (r *Recorder) ObserveCacheStore(result CacheStoreOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheStoreError)
	}
	r.observeCache(CacheOperationStore, resultLabel, duration)
}

// ObserveGeneratorCall counts one generator attempt.
func (r *Recorder) ObserveGeneratorCall(provider string, result GeneratorResult) {
	if r == nil {
		return
	}
	r.generatorCalls.WithLabelValues(normalizeLabel(provider), normalizeLabel(string(result))).Inc()
}

func (r *Recorder) observeCache(operation CacheOperation, result string, duration time.Duration) {
	opLabel := string(operation)
	resLabel := normalizeLabel(result)
	r.cacheOperations.WithLabelValues(opLabel, resLabel).Inc()
	r.cacheLatency.WithLabelValues(opLabel, resLabel).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
