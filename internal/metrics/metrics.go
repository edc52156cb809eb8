// Package metrics provides Prometheus metrics for the resource-governed
// extraction core, and the periodic Degradation Score computation that
// feeds the arbiter's admission decisions (spec.md §4.8).
package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/riptide/rgec/internal/arbiter"
	"github.com/riptide/rgec/internal/breaker"
	"github.com/riptide/rgec/internal/config"
)

var (
	// ExtractionsTotal counts total extractions by engine and status.
	ExtractionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riptide_extractions_total",
			Help: "Total number of extractions processed",
		},
		[]string{"engine", "status"},
	)

	// ExtractionDuration tracks extraction duration by engine.
	ExtractionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "riptide_extraction_duration_seconds",
			Help:    "Extraction duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~400s
		},
		[]string{"engine"},
	)

	// AdmissionOutcomes counts arbiter admission decisions by outcome kind.
	AdmissionOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riptide_admission_outcomes_total",
			Help: "Total resource arbiter admission decisions by outcome",
		},
		[]string{"outcome"},
	)

	// BrowserPoolSize shows the configured browser pool size.
	BrowserPoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "riptide_browser_pool_size",
			Help: "Configured browser pool size",
		},
	)

	// BrowserPoolAvailable shows available browser instances in the pool.
	BrowserPoolAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "riptide_browser_pool_available",
			Help: "Available browser instances in pool",
		},
	)

	// BrowserPoolAcquired counts total browser acquisitions.
	BrowserPoolAcquired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "riptide_browser_pool_acquired_total",
			Help: "Total browser acquisitions from pool",
		},
	)

	// BrowserPoolRecycled counts browser recycles.
	BrowserPoolRecycled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "riptide_browser_pool_recycled_total",
			Help: "Total browser instances recycled",
		},
	)

	// WasmPoolAvailable shows available wasm instances in the pool.
	WasmPoolAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "riptide_wasm_pool_available",
			Help: "Available wasm instances in pool",
		},
	)

	// WasmFuelExhaustedTotal counts extractions aborted by fuel exhaustion.
	WasmFuelExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "riptide_wasm_fuel_exhausted_total",
			Help: "Total wasm extractions aborted for running out of fuel",
		},
	)

	// CacheHits and CacheMisses count cache tier lookups.
	CacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "riptide_cache_hits_total",
			Help: "Total cache tier hits",
		},
	)
	CacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "riptide_cache_misses_total",
			Help: "Total cache tier misses",
		},
	)

	// BreakerState reports the current circuit breaker state per (domain, engine), 0=closed 1=half-open 2=open.
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "riptide_breaker_state",
			Help: "Circuit breaker state by domain and engine (0=closed, 1=half-open, 2=open)",
		},
		[]string{"domain", "engine"},
	)

	// DegradationScore is the computed 0-1 service degradation score, spec.md §4.8.
	DegradationScore = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "riptide_degradation_score",
			Help: "Composite service degradation score in [0,1]",
		},
	)

	// ActiveSessions shows current active sessions.
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "riptide_active_sessions",
			Help: "Number of active sessions",
		},
	)

	// MemoryUsageBytes shows current memory usage.
	MemoryUsageBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "riptide_memory_usage_bytes",
			Help: "Current memory usage in bytes (alloc)",
		},
	)

	// MemorySysBytes shows system memory obtained.
	MemorySysBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "riptide_memory_sys_bytes",
			Help: "Total memory obtained from system",
		},
	)

	// GoroutineCount shows current goroutine count.
	GoroutineCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "riptide_goroutines",
			Help: "Current number of goroutines",
		},
	)

	// BuildInfo provides build information as labels.
	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "riptide_build_info",
			Help: "Build information",
		},
		[]string{"version", "go_version"},
	)
)

func init() {
	prometheus.MustRegister(
		ExtractionsTotal,
		ExtractionDuration,
		AdmissionOutcomes,
		BrowserPoolSize,
		BrowserPoolAvailable,
		BrowserPoolAcquired,
		BrowserPoolRecycled,
		WasmPoolAvailable,
		WasmFuelExhaustedTotal,
		CacheHits,
		CacheMisses,
		BreakerState,
		DegradationScore,
		ActiveSessions,
		MemoryUsageBytes,
		MemorySysBytes,
		GoroutineCount,
		BuildInfo,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// StartMemoryCollector starts a goroutine that periodically updates memory metrics.
func StartMemoryCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			updateMemoryMetrics()
		case <-stopCh:
			return
		}
	}
}

func updateMemoryMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsageBytes.Set(float64(m.Alloc))
	MemorySysBytes.Set(float64(m.Sys))
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}

// RecordExtraction records metrics for a completed extraction.
func RecordExtraction(engine, status string, duration time.Duration) {
	ExtractionsTotal.WithLabelValues(engine, status).Inc()
	ExtractionDuration.WithLabelValues(engine).Observe(duration.Seconds())
}

// RecordAdmission records an arbiter admission outcome.
func RecordAdmission(outcome string) {
	AdmissionOutcomes.WithLabelValues(outcome).Inc()
}

// RecordCacheLookup records a cache tier hit or miss.
func RecordCacheLookup(hit bool) {
	if hit {
		CacheHits.Inc()
		return
	}
	CacheMisses.Inc()
}

// UpdatePoolMetrics updates browser pool gauges.
func UpdatePoolMetrics(size, available int) {
	BrowserPoolSize.Set(float64(size))
	BrowserPoolAvailable.Set(float64(available))
}

// UpdateSessionMetrics updates session count metric.
func UpdateSessionMetrics(count int) {
	ActiveSessions.Set(float64(count))
}

// rateHitTracker counts upstream rate-limit hits in a sliding one minute
// window, feeding the degradation score's rate-limit term.
type rateHitTracker struct {
	hits []time.Time
}

func (t *rateHitTracker) record(now time.Time) {
	t.hits = append(t.hits, now)
	t.prune(now)
}

func (t *rateHitTracker) prune(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for ; i < len(t.hits); i++ {
		if t.hits[i].After(cutoff) {
			break
		}
	}
	t.hits = t.hits[i:]
}

func (t *rateHitTracker) perMinute(now time.Time) float64 {
	t.prune(now)
	return float64(len(t.hits))
}

// DegradationCollector periodically recomputes the composite degradation
// score described in spec.md §4.8 and publishes it both to the Prometheus
// gauge and to the arbiter, which gates wasm/headless admission on it.
type DegradationCollector struct {
	cfg      *config.Config
	arb      *arbiter.Arbiter
	breakers *breaker.Registry

	rateLimitThresholdPerMin float64
	tracker                  rateHitTracker

	stopCh chan struct{}
}

// NewDegradationCollector wires the arbiter and breaker registry whose
// state feeds the composite score.
func NewDegradationCollector(cfg *config.Config, arb *arbiter.Arbiter, breakers *breaker.Registry) *DegradationCollector {
	return &DegradationCollector{
		cfg:                      cfg,
		arb:                      arb,
		breakers:                 breakers,
		rateLimitThresholdPerMin: float64(cfg.DefaultRatePerSecond) * 60,
		stopCh:                   make(chan struct{}),
	}
}

// RecordRateLimitHit notes that a target site rate-limited an extraction
// (an "upstream_rate_limit" error), feeding the score's rate-limit term.
func (d *DegradationCollector) RecordRateLimitHit() {
	d.tracker.record(time.Now())
}

// Run blocks, recomputing and publishing the degradation score every
// cfg.DegradationInterval, until ctx is canceled or Stop is called.
func (d *DegradationCollector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.DegradationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.tick()
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		}
	}
}

// Stop ends a running collector loop.
func (d *DegradationCollector) Stop() {
	close(d.stopCh)
}

func (d *DegradationCollector) tick() {
	score := d.compute()
	DegradationScore.Set(score)
	d.arb.SetDegradationScore(score)
}

// compute applies spec.md §4.8's weighting: 0.4 memory pressure, 0.3
// clamped rate-limit-hit rate, 0.3 fraction of hosts with an open breaker.
func (d *DegradationCollector) compute() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	memPressure := 0.0
	if d.cfg.MaxMemoryMB > 0 {
		memPressure = float64(m.Sys) / (float64(d.cfg.MaxMemoryMB) * 1024 * 1024)
	}
	memPressure = clamp01(memPressure)

	rateTerm := 0.0
	if d.rateLimitThresholdPerMin > 0 {
		rateTerm = clamp01(d.tracker.perMinute(time.Now()) / d.rateLimitThresholdPerMin)
	}

	breakerTerm := 0.0
	if d.breakers != nil {
		breakerTerm = clamp01(d.breakers.OpenFraction())
	}

	score := 0.4*memPressure + 0.3*rateTerm + 0.3*breakerTerm
	log.Debug().
		Float64("memory_pressure", memPressure).
		Float64("rate_limit_term", rateTerm).
		Float64("breaker_open_fraction", breakerTerm).
		Float64("score", score).
		Msg("degradation score recomputed")
	return score
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
