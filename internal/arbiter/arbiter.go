// Package arbiter implements the Resource Arbiter described in spec.md §4.2:
// the single gate every extraction request passes through before it may
// acquire a browser, WASM instance, or even perform a raw HTTP fetch. It
// combines a per-registrable-domain token bucket with a process-wide memory
// pressure check and returns one of the AdmitOutcome variants.
package arbiter

import (
	"context"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/riptide/rgec/internal/config"
)

// atomic64 stores a float64 behind an atomic.Uint64 so DegradationScore can
// be written by the metrics package's ticker and read by Admit without a mutex.
type atomic64 struct {
	bits atomic.Uint64
}

func (a *atomic64) store(v float64) { a.bits.Store(math.Float64bits(v)) }
func (a *atomic64) load() float64   { return math.Float64frombits(a.bits.Load()) }

// maxTrackedHosts bounds the per-domain limiter map so an attacker cannot
// exhaust memory by varying hostnames, mirroring the rate limiter's client cap.
const maxTrackedHosts = 10000

// Outcome is the sum type returned by Admit, per spec.md §4.2.
type Outcome struct {
	kind       outcomeKind
	retryAfter time.Duration
}

type outcomeKind int

const (
	kindAdmitted outcomeKind = iota
	kindRateLimited
	kindMemoryPressure
	kindResourceExhausted
	kindTimeout
)

// Admitted reports whether the outcome grants admission.
func (o Outcome) Admitted() bool { return o.kind == kindAdmitted }

// RateLimited reports whether admission was refused due to the per-domain
// token bucket, and the suggested backoff.
func (o Outcome) RateLimited() (time.Duration, bool) {
	return o.retryAfter, o.kind == kindRateLimited
}

// MemoryPressure reports whether admission was refused due to the hard
// memory ceiling.
func (o Outcome) MemoryPressure() bool { return o.kind == kindMemoryPressure }

// ResourceExhausted reports whether admission was refused because the
// degradation score is at or above the requested engine's limit, or because
// the domain's token bucket can never grant a token. Pool capacity is not
// consulted here.
func (o Outcome) ResourceExhausted() bool { return o.kind == kindResourceExhausted }

// Timeout reports whether the admission deadline elapsed before a verdict
// could be reached.
func (o Outcome) Timeout() bool { return o.kind == kindTimeout }

func admitted() Outcome                    { return Outcome{kind: kindAdmitted} }
func rateLimited(d time.Duration) Outcome   { return Outcome{kind: kindRateLimited, retryAfter: d} }
func memoryPressure() Outcome               { return Outcome{kind: kindMemoryPressure} }
func resourceExhausted() Outcome            { return Outcome{kind: kindResourceExhausted} }
func timedOut() Outcome                     { return Outcome{kind: kindTimeout} }

type hostLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Arbiter is the process-wide admission gate. One Arbiter is shared across
// all engines and all tenants.
type Arbiter struct {
	cfg *config.Config

	mu    sync.Mutex
	hosts map[string]*hostLimiter

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	// degradationScore is written by the Metrics package's periodic
	// computation (spec.md §4.8) and read here so Admit can refuse new
	// headless/wasm admissions under sustained degradation even before
	// the hard memory ceiling is hit.
	degradationScore atomic64
}

// New creates an Arbiter and starts its stale-host cleanup routine.
func New(cfg *config.Config) *Arbiter {
	a := &Arbiter{
		cfg:    cfg,
		hosts:  make(map[string]*hostLimiter),
		stopCh: make(chan struct{}),
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.cleanupLoop()
	}()
	return a
}

// SetDegradationScore records the latest degradation score (spec.md §4.8),
// called by the metrics package's periodic computation.
func (a *Arbiter) SetDegradationScore(score float64) {
	a.degradationScore.store(score)
}

// DegradationScore returns the most recently recorded score.
func (a *Arbiter) DegradationScore() float64 {
	return a.degradationScore.load()
}

// Admit decides whether a request against registrableDomain may proceed,
// per spec.md §4.2. It never blocks beyond ctx's deadline or the arbiter's
// configured admission deadline, whichever is sooner.
func (a *Arbiter) Admit(ctx context.Context, registrableDomain string, requiresHeadless, requiresWasm bool) Outcome {
	deadline := time.Now().Add(a.cfg.AdmissionDeadline)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if time.Now().After(deadline) {
		return timedOut()
	}

	if mp, hard := a.memoryPressure(); hard {
		// Raw never touches a browser or wasm instance, so it stays admitted
		// even past the hard ceiling; only headless/wasm acquisitions are
		// refused once resident memory crosses it.
		if requiresHeadless || requiresWasm {
			return memoryPressure()
		}
	} else if mp >= a.cfg.MemoryPressureWarn && requiresHeadless {
		// Soft pressure: still admit Raw/Wasm, but headless is refused first
		// since it is the most memory-hungry engine (spec.md §4.2).
		return memoryPressure()
	}

	score := a.DegradationScore()
	if requiresWasm && score >= a.cfg.DegradationWasmLimit {
		return resourceExhausted()
	}
	if requiresHeadless && score >= a.cfg.DegradationHeadlessLimit {
		return resourceExhausted()
	}

	limiter := a.limiterFor(registrableDomain)
	res := limiter.ReserveN(time.Now(), 1)
	if !res.OK() {
		return resourceExhausted()
	}
	if delay := res.Delay(); delay > 0 {
		if time.Now().Add(delay).After(deadline) {
			res.Cancel()
			return rateLimited(delay)
		}
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			res.Cancel()
			return timedOut()
		}
	}

	return admitted()
}

// WouldAdmit reports, without consuming a token, whether memory is below the
// hard ceiling and the domain's bucket holds at least one token. It does not
// apply Admit's engine-specific soft-pressure or degradation checks, and it
// reports false under hard pressure even for Raw. Used by the status surface
// to report projected admission state.
func (a *Arbiter) WouldAdmit(registrableDomain string) bool {
	if _, hard := a.memoryPressure(); hard {
		return false
	}
	limiter := a.limiterFor(registrableDomain)
	return limiter.Tokens() >= 1
}

func (a *Arbiter) memoryPressure() (ratio float64, hard bool) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	maxBytes := uint64(a.cfg.MaxMemoryMB) * 1024 * 1024
	if maxBytes == 0 {
		return 0, false
	}
	ratio = float64(m.Alloc) / float64(maxBytes)
	return ratio, ratio >= a.cfg.MemoryPressureHard
}

func (a *Arbiter) limiterFor(domain string) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()

	hl, ok := a.hosts[domain]
	if ok {
		hl.lastSeen = time.Now()
		return hl.limiter
	}

	if len(a.hosts) >= maxTrackedHosts {
		a.evictOldestLocked()
	}

	hl = &hostLimiter{
		limiter:  rate.NewLimiter(rate.Limit(a.cfg.DefaultRatePerSecond), a.cfg.DefaultRateBurst),
		lastSeen: time.Now(),
	}
	a.hosts[domain] = hl
	return hl.limiter
}

// evictOldestLocked removes the least-recently-seen host. Caller must hold a.mu.
func (a *Arbiter) evictOldestLocked() {
	var oldestHost string
	var oldestTime time.Time
	first := true
	for host, hl := range a.hosts {
		if first || hl.lastSeen.Before(oldestTime) {
			oldestHost, oldestTime, first = host, hl.lastSeen, false
		}
	}
	if oldestHost != "" {
		delete(a.hosts, oldestHost)
	}
}

func (a *Arbiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.mu.Lock()
			cutoff := time.Now().Add(-10 * time.Minute)
			for host, hl := range a.hosts {
				if hl.lastSeen.Before(cutoff) {
					delete(a.hosts, host)
				}
			}
			a.mu.Unlock()
		case <-a.stopCh:
			return
		}
	}
}

// Close stops the cleanup routine. Idempotent.
func (a *Arbiter) Close() {
	a.once.Do(func() {
		close(a.stopCh)
		a.wg.Wait()
	})
}

// TrackedHosts returns the number of domains with live limiter state,
// surfaced by the status dashboard.
func (a *Arbiter) TrackedHosts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.hosts)
}
