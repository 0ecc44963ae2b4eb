package metrics

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Metric names recorded by the ingestion pipeline
const (
	SnapshotsIngested   = "snapshots_ingested"
	SnapshotsRejected   = "snapshots_rejected"
	SnapshotsStale      = "snapshots_stale"
	StoreWrites         = "store_writes"
	StoreUnavailable    = "store_unavailable"
	AlertsRaised        = "alerts_raised"
	SubscribersDropped  = "subscribers_dropped"
	BroadcastsSent      = "broadcasts_sent"
	ActiveSubscribers   = "active_subscribers"
	CachedDevices       = "cached_devices"
	LedgerSize          = "ledger_size"
	IngestLatency       = "ingest_latency"
	StoreWriteLatency   = "store_write_latency"
	BusMessages         = "bus_messages"
	HealthStore         = "store"
	HealthRedis         = "redis"
	HealthElasticsearch = "elasticsearch"
)

// TimerMetric summarizes recorded durations
type TimerMetric struct {
	Count         int64   `json:"count"`
	TotalTimeMs   int64   `json:"total_time_ms"`
	AverageTimeMs float64 `json:"average_time_ms"`
	MinTimeMs     int64   `json:"min_time_ms"`
	MaxTimeMs     int64   `json:"max_time_ms"`
}

// ErrorRateMetric summarizes an operation's failures
type ErrorRateMetric struct {
	Total     int64   `json:"total"`
	Errors    int64   `json:"errors"`
	ErrorRate float64 `json:"error_rate"`
}

type timer struct {
	count       atomic.Int64
	totalTimeMs atomic.Int64
	minTimeMs   atomic.Int64
	maxTimeMs   atomic.Int64
}

type errorRate struct {
	total  atomic.Int64
	errors atomic.Int64
}

// Metrics is an in-process collector. Every method is safe for concurrent use
// and a nil *Metrics is a no-op, so components can run without one.
type Metrics struct {
	counters     *xsync.MapOf[string, *atomic.Int64]
	gauges       *xsync.MapOf[string, *atomic.Int64]
	timers       *xsync.MapOf[string, *timer]
	errorRates   *xsync.MapOf[string, *errorRate]
	healthChecks *xsync.MapOf[string, *atomic.Bool]
	startTime    time.Time
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		counters:     xsync.NewMapOf[string, *atomic.Int64](),
		gauges:       xsync.NewMapOf[string, *atomic.Int64](),
		timers:       xsync.NewMapOf[string, *timer](),
		errorRates:   xsync.NewMapOf[string, *errorRate](),
		healthChecks: xsync.NewMapOf[string, *atomic.Bool](),
		startTime:    time.Now(),
	}
}

func newInt64() *atomic.Int64 { return new(atomic.Int64) }

// IncrementCounter increments a counter by 1
func (m *Metrics) IncrementCounter(name string) {
	m.IncrementCounterBy(name, 1)
}

// IncrementCounterBy increments a counter by the specified value
func (m *Metrics) IncrementCounterBy(name string, value int64) {
	if m == nil {
		return
	}
	c, _ := m.counters.LoadOrCompute(name, newInt64)
	c.Add(value)
}

// SetGauge sets a gauge to a specific value
func (m *Metrics) SetGauge(name string, value int64) {
	if m == nil {
		return
	}
	g, _ := m.gauges.LoadOrCompute(name, newInt64)
	g.Store(value)
}

// RecordTimer records a timing measurement
func (m *Metrics) RecordTimer(name string, d time.Duration) {
	if m == nil {
		return
	}
	t, _ := m.timers.LoadOrCompute(name, func() *timer {
		t := &timer{}
		t.minTimeMs.Store(math.MaxInt64)
		return t
	})

	ms := d.Milliseconds()
	t.count.Add(1)
	t.totalTimeMs.Add(ms)

	for {
		cur := t.minTimeMs.Load()
		if ms >= cur || t.minTimeMs.CompareAndSwap(cur, ms) {
			break
		}
	}
	for {
		cur := t.maxTimeMs.Load()
		if ms <= cur || t.maxTimeMs.CompareAndSwap(cur, ms) {
			break
		}
	}
}

// RecordSuccess records a successful operation for error rate tracking
func (m *Metrics) RecordSuccess(name string) {
	m.recordErrorRate(name, false)
}

// RecordError records a failed operation for error rate tracking
func (m *Metrics) RecordError(name string) {
	m.recordErrorRate(name, true)
}

func (m *Metrics) recordErrorRate(name string, isError bool) {
	if m == nil {
		return
	}
	er, _ := m.errorRates.LoadOrCompute(name, func() *errorRate { return &errorRate{} })
	er.total.Add(1)
	if isError {
		er.errors.Add(1)
	}
}

// SetHealth sets the health status of a component
func (m *Metrics) SetHealth(component string, healthy bool) {
	if m == nil {
		return
	}
	h, _ := m.healthChecks.LoadOrCompute(component, func() *atomic.Bool { return new(atomic.Bool) })
	h.Store(healthy)
}

// GetCounters returns all counters
func (m *Metrics) GetCounters() map[string]int64 {
	out := make(map[string]int64)
	if m == nil {
		return out
	}
	m.counters.Range(func(name string, c *atomic.Int64) bool {
		out[name] = c.Load()
		return true
	})
	return out
}

// GetGauges returns all gauges
func (m *Metrics) GetGauges() map[string]int64 {
	out := make(map[string]int64)
	if m == nil {
		return out
	}
	m.gauges.Range(func(name string, g *atomic.Int64) bool {
		out[name] = g.Load()
		return true
	})
	return out
}

// GetTimers returns all timers
func (m *Metrics) GetTimers() map[string]TimerMetric {
	out := make(map[string]TimerMetric)
	if m == nil {
		return out
	}
	m.timers.Range(func(name string, t *timer) bool {
		count := t.count.Load()
		total := t.totalTimeMs.Load()

		var average float64
		if count > 0 {
			average = float64(total) / float64(count)
		}

		out[name] = TimerMetric{
			Count:         count,
			TotalTimeMs:   total,
			AverageTimeMs: average,
			MinTimeMs:     t.minTimeMs.Load(),
			MaxTimeMs:     t.maxTimeMs.Load(),
		}
		return true
	})
	return out
}

// GetErrorRates returns all error rates as percentages
func (m *Metrics) GetErrorRates() map[string]ErrorRateMetric {
	out := make(map[string]ErrorRateMetric)
	if m == nil {
		return out
	}
	m.errorRates.Range(func(name string, er *errorRate) bool {
		total := er.total.Load()
		errs := er.errors.Load()

		var rate float64
		if total > 0 {
			rate = float64(errs) / float64(total) * 100.0
		}

		out[name] = ErrorRateMetric{Total: total, Errors: errs, ErrorRate: rate}
		return true
	})
	return out
}

// GetHealthChecks returns all health checks
func (m *Metrics) GetHealthChecks() map[string]bool {
	out := make(map[string]bool)
	if m == nil {
		return out
	}
	m.healthChecks.Range(func(name string, h *atomic.Bool) bool {
		out[name] = h.Load()
		return true
	})
	return out
}

// GetUptimeSeconds returns the service uptime in seconds
func (m *Metrics) GetUptimeSeconds() int64 {
	if m == nil {
		return 0
	}
	return int64(time.Since(m.startTime).Seconds())
}

// GetAllMetrics returns all metrics in a structured format
func (m *Metrics) GetAllMetrics() map[string]interface{} {
	return map[string]interface{}{
		"uptime_seconds": m.GetUptimeSeconds(),
		"counters":       m.GetCounters(),
		"gauges":         m.GetGauges(),
		"timers":         m.GetTimers(),
		"error_rates":    m.GetErrorRates(),
		"health_checks":  m.GetHealthChecks(),
	}
}
