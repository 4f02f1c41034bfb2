// Package metrics provides Prometheus-based instrumentation for the
// storage engine: per-operation-type counters and latency histograms,
// open-cache hit/miss counts, sync-coalescing counters, and queue depth
// gauges. The engine is a library loaded in-process (spec §1); callers
// own exposing the registry over HTTP if they want to, via Gather.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Config controls whether metrics are collected and under what
// namespace/subsystem they are registered.
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

// OperationMetrics tracks running totals for one operation type, mirrored
// outside of Prometheus for cheap in-process introspection (e.g. tests,
// CLI status output) without scraping the registry.
type OperationMetrics struct {
	Count         int64
	TotalDuration time.Duration
	Errors        int64
	LastOperation time.Time
}

// Collector aggregates engine metrics. Its Record*, Set*, IncInflightIO
// and DecInflightIO methods are no-ops on a nil or disabled Collector;
// Gather, Snapshot and Reset require a non-nil Collector.
type Collector struct {
	mu       sync.RWMutex
	config   Config
	registry *prometheus.Registry

	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	queueDepth        *prometheus.GaugeVec
	cacheRequests     *prometheus.CounterVec
	openCacheGauge    *prometheus.GaugeVec
	syncCounter       *prometheus.CounterVec
	inflightIO        prometheus.Gauge
	errorCounter      *prometheus.CounterVec

	operations map[string]*OperationMetrics
	lastReset  time.Time
}

// NewCollector builds a Collector. A zero Config disables collection
// while still returning a usable (no-op) value.
func NewCollector(config Config) (*Collector, error) {
	if config.Namespace == "" {
		config.Namespace = "dbpf"
	}

	c := &Collector{
		config:     config,
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}
	if !config.Enabled {
		return c, nil
	}

	c.registry = prometheus.NewRegistry()
	if err := c.initMetrics(); err != nil {
		return nil, err
	}
	if err := c.registerMetrics(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Collector) initMetrics() error {
	ns, sub := c.config.Namespace, c.config.Subsystem

	c.operationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, Name: "operations_total",
		Help: "Total number of storage engine operations.",
	}, []string{"op", "status"})

	c.operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub, Name: "operation_duration_seconds",
		Help:    "Service-routine duration per operation type.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 18), // 100us .. ~13s
	}, []string{"op"})

	c.queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, Name: "queue_depth",
		Help: "Current depth of each per-pool operation queue.",
	}, []string{"role"})

	c.cacheRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, Name: "open_cache_requests_total",
		Help: "Open-cache lookups by outcome (hit, miss, evict, overflow).",
	}, []string{"outcome"})

	c.openCacheGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, Name: "open_cache_entries",
		Help: "Open-cache entries per list (free, unused, used).",
	}, []string{"list"})

	c.syncCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, Name: "syncs_total",
		Help: "Database syncs issued by the coalescing engine, by domain.",
	}, []string{"domain"})

	c.inflightIO = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, Name: "bstream_inflight_io",
		Help: "Bytestream AIO operations currently submitted to the kernel.",
	})

	c.errorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, Name: "errors_total",
		Help: "Operation failures by error kind.",
	}, []string{"op", "kind"})

	return nil
}

func (c *Collector) registerMetrics() error {
	collectors := []prometheus.Collector{
		c.operationCounter, c.operationDuration, c.queueDepth,
		c.cacheRequests, c.openCacheGauge, c.syncCounter,
		c.inflightIO, c.errorCounter,
	}
	for _, col := range collectors {
		if err := c.registry.Register(col); err != nil {
			return err
		}
	}
	return nil
}

// Gather returns the underlying Prometheus registry for callers that want
// to expose it (e.g. behind their own HTTP mux); nil if disabled.
func (c *Collector) Gather() *prometheus.Registry {
	return c.registry
}

// RecordOperation records one completed operation's duration and outcome.
func (c *Collector) RecordOperation(op string, duration time.Duration, err error) {
	if c == nil || !c.config.Enabled {
		return
	}

	c.mu.Lock()
	m, ok := c.operations[op]
	if !ok {
		m = &OperationMetrics{}
		c.operations[op] = m
	}
	m.Count++
	m.TotalDuration += duration
	m.LastOperation = time.Now()
	if err != nil {
		m.Errors++
	}
	c.mu.Unlock()

	status := "success"
	if err != nil {
		status = "error"
	}
	c.operationCounter.With(prometheus.Labels{"op": op, "status": status}).Inc()
	c.operationDuration.With(prometheus.Labels{"op": op}).Observe(duration.Seconds())
}

// RecordError records a failed operation's error kind (see pkg/errors).
func (c *Collector) RecordError(op, kind string) {
	if c == nil || !c.config.Enabled {
		return
	}
	c.errorCounter.With(prometheus.Labels{"op": op, "kind": kind}).Inc()
}

// RecordCacheOutcome records an open-cache lookup outcome: "hit", "miss",
// "evict", or "overflow" (pool exhausted, non-cached descriptor opened).
func (c *Collector) RecordCacheOutcome(outcome string) {
	if c == nil || !c.config.Enabled {
		return
	}
	c.cacheRequests.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// SetOpenCacheListSizes reports the current free/unused/used list sizes.
func (c *Collector) SetOpenCacheListSizes(free, unused, used int) {
	if c == nil || !c.config.Enabled {
		return
	}
	c.openCacheGauge.With(prometheus.Labels{"list": "free"}).Set(float64(free))
	c.openCacheGauge.With(prometheus.Labels{"list": "unused"}).Set(float64(unused))
	c.openCacheGauge.With(prometheus.Labels{"list": "used"}).Set(float64(used))
}

// RecordSync records one coalesced (or direct) database sync for domain
// ("dataspace" or "keyval").
func (c *Collector) RecordSync(domain string) {
	if c == nil || !c.config.Enabled {
		return
	}
	c.syncCounter.With(prometheus.Labels{"domain": domain}).Inc()
}

// SetQueueDepth reports a role queue's current length.
func (c *Collector) SetQueueDepth(role string, depth int) {
	if c == nil || !c.config.Enabled {
		return
	}
	c.queueDepth.With(prometheus.Labels{"role": role}).Set(float64(depth))
}

// IncInflightIO and DecInflightIO track the bstream throttle's live
// submission count (spec §4.9.2).
func (c *Collector) IncInflightIO() {
	if c == nil || !c.config.Enabled {
		return
	}
	c.inflightIO.Inc()
}

func (c *Collector) DecInflightIO() {
	if c == nil || !c.config.Enabled {
		return
	}
	c.inflightIO.Dec()
}

// Snapshot returns a copy of the in-process operation counters, for tests
// and status output that don't want to scrape Prometheus.
func (c *Collector) Snapshot() map[string]OperationMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		out[k] = *v
	}
	return out
}

// Reset clears the in-process operation counters (Prometheus counters are
// cumulative and are not reset).
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}
