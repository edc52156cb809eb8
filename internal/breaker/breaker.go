// Package breaker implements the per-(domain, engine) circuit breaker and
// the retry policy that runs under it, per spec.md §4.7. Each breaker moves
// through Closed -> Open -> HalfOpen -> Closed; retries classify an error
// as retryable or terminal and back off exponentially with jitter.
package breaker

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/riptide/rgec/internal/config"
	"github.com/riptide/rgec/internal/types"
)

// State is one point in a breaker's lifecycle.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// breakerEntry is one domain+engine's circuit state.
type breakerEntry struct {
	state           atomic.Int32
	failureCount    atomic.Int64
	successCount    atomic.Int64
	lastFailureTime atomic.Int64 // unix nano
	lastSeen        atomic.Int64 // unix nano, for eviction
}

func (e *breakerEntry) currentState() State { return State(e.state.Load()) }

// maxTrackedKeys bounds the breaker map the same way the arbiter bounds its
// host map: an attacker varying domains must not exhaust memory.
const maxTrackedKeys = 10000

// Registry holds one breakerEntry per (domain, engine) pair and the retry
// policy parameters shared across all of them.
type Registry struct {
	cfg *config.Config

	mu      sync.Mutex
	entries map[string]*breakerEntry

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates a Registry and starts its stale-entry eviction routine.
func New(cfg *config.Config) *Registry {
	r := &Registry{
		cfg:     cfg,
		entries: make(map[string]*breakerEntry),
		stopCh:  make(chan struct{}),
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.cleanupLoop()
	}()
	return r
}

func key(domain, engine string) string { return domain + "|" + engine }

func (r *Registry) entryFor(domain, engine string) *breakerEntry {
	k := key(domain, engine)

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[k]
	if ok {
		e.lastSeen.Store(time.Now().UnixNano())
		return e
	}

	if len(r.entries) >= maxTrackedKeys {
		r.evictOldestLocked()
	}

	e = &breakerEntry{}
	e.lastSeen.Store(time.Now().UnixNano())
	r.entries[k] = e
	return e
}

func (r *Registry) evictOldestLocked() {
	var oldestKey string
	var oldestTime int64
	first := true
	for k, e := range r.entries {
		t := e.lastSeen.Load()
		if first || t < oldestTime {
			oldestKey, oldestTime, first = k, t, false
		}
	}
	if oldestKey != "" {
		delete(r.entries, oldestKey)
	}
}

// State returns the current state of a (domain, engine) breaker, resolving
// an Open breaker past its recovery timeout into HalfOpen as a read-time
// transition, per spec.md §4.7.
func (r *Registry) State(domain, engine string) State {
	e := r.entryFor(domain, engine)
	if e.currentState() == StateOpen {
		lastFailure := time.Unix(0, e.lastFailureTime.Load())
		if time.Since(lastFailure) > r.cfg.BreakerRecoveryTimeout {
			e.state.CompareAndSwap(int32(StateOpen), int32(StateHalfOpen))
		}
	}
	return e.currentState()
}

// Allow reports whether a call against (domain, engine) may proceed now.
func (r *Registry) Allow(domain, engine string) bool {
	return r.State(domain, engine) != StateOpen
}

func (r *Registry) recordFailure(domain, engine string) {
	e := r.entryFor(domain, engine)
	e.lastFailureTime.Store(time.Now().UnixNano())

	switch e.currentState() {
	case StateHalfOpen:
		// A failed probe reopens the circuit immediately.
		e.state.Store(int32(StateOpen))
		e.failureCount.Store(0)
		e.successCount.Store(0)
	default:
		if e.failureCount.Add(1) >= int64(r.cfg.BreakerFailureThreshold) {
			e.state.Store(int32(StateOpen))
		}
	}
}

func (r *Registry) recordSuccess(domain, engine string) {
	e := r.entryFor(domain, engine)

	switch e.currentState() {
	case StateHalfOpen:
		if e.successCount.Add(1) >= int64(r.cfg.BreakerSuccessThreshold) {
			e.state.Store(int32(StateClosed))
			e.failureCount.Store(0)
			e.successCount.Store(0)
		}
	default:
		e.failureCount.Store(0)
	}
}

// OpenFraction returns the fraction of tracked (domain, engine) pairs
// currently Open, feeding the degradation score formula (spec.md §4.8).
func (r *Registry) OpenFraction() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) == 0 {
		return 0
	}
	open := 0
	for _, e := range r.entries {
		if e.currentState() == StateOpen {
			open++
		}
	}
	return float64(open) / float64(len(r.entries))
}

func (r *Registry) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.mu.Lock()
			cutoff := time.Now().Add(-30 * time.Minute).UnixNano()
			for k, e := range r.entries {
				if e.lastSeen.Load() < cutoff && e.currentState() == StateClosed {
					delete(r.entries, k)
				}
			}
			r.mu.Unlock()
		case <-r.stopCh:
			return
		}
	}
}

// Close stops the eviction routine. Idempotent.
func (r *Registry) Close() {
	r.once.Do(func() {
		close(r.stopCh)
		r.wg.Wait()
	})
}

// isRetryable classifies an engine-level error as retryable (transient) or
// terminal, per spec.md §4.7. Invalid input and unsupported modes are never
// retryable; everything resource/timeout related is.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var extractorErr *types.ExtractorError
	if errors.As(err, &extractorErr) {
		switch extractorErr.Kind {
		case types.KindResourceLimit, types.KindInternalError:
			return true
		default:
			return false
		}
	}
	switch {
	case errors.Is(err, types.ErrRateLimited),
		errors.Is(err, types.ErrMemoryPressure),
		errors.Is(err, types.ErrResourceExhausted),
		errors.Is(err, types.ErrAdmissionTimeout),
		errors.Is(err, types.ErrBrowserPoolExhausted),
		errors.Is(err, types.ErrBrowserPoolTimeout),
		errors.Is(err, types.ErrBrowserUnhealthy),
		errors.Is(err, types.ErrWasmPoolExhausted),
		errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, types.ErrInvalidRequest),
		errors.Is(err, types.ErrInvalidURL),
		errors.Is(err, types.ErrCircuitOpen):
		return false
	default:
		return true
	}
}

// Do runs op under the (domain, engine) breaker with exponential-backoff
// retry, per spec.md §4.7 (multiplier 2.0, initial delay, cap, full jitter).
// A breaker that is Open short-circuits immediately without calling op.
func (r *Registry) Do(ctx context.Context, domain, engine string, op func(ctx context.Context) error) error {
	if !r.Allow(domain, engine) {
		return types.ErrCircuitOpen
	}

	delay := r.cfg.RetryInitialDelay
	var lastErr error

	for attempt := 0; attempt < r.cfg.RetryMaxAttempts; attempt++ {
		if attempt > 0 && !r.Allow(domain, engine) {
			return types.ErrCircuitOpen
		}

		err := op(ctx)
		if err == nil {
			r.recordSuccess(domain, engine)
			return nil
		}
		lastErr = err
		r.recordFailure(domain, engine)

		if !isRetryable(err) || attempt == r.cfg.RetryMaxAttempts-1 {
			return err
		}

		wait := delay
		// An engine that detected its own rate limit (e.g. a Cloudflare
		// 1015 response) knows more about the right pause than our
		// exponential schedule does, so honor it instead, still capped
		// at RetryMaxDelay.
		var extractorErr *types.ExtractorError
		if errors.As(err, &extractorErr) && extractorErr.RetryAfter > 0 {
			wait = extractorErr.RetryAfter
			if wait > r.cfg.RetryMaxDelay {
				wait = r.cfg.RetryMaxDelay
			}
		}

		jittered := time.Duration(rand.Int63n(int64(wait) + 1))
		timer := time.NewTimer(jittered)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}

		delay = time.Duration(float64(delay) * r.cfg.RetryMultiplier)
		if delay > r.cfg.RetryMaxDelay {
			delay = r.cfg.RetryMaxDelay
		}
	}

	return lastErr
}
