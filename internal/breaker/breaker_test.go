package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/riptide/rgec/internal/config"
	"github.com/riptide/rgec/internal/types"
)

func testConfig() *config.Config {
	cfg := config.Load()
	cfg.BreakerFailureThreshold = 3
	cfg.BreakerSuccessThreshold = 2
	cfg.BreakerRecoveryTimeout = 20 * time.Millisecond
	cfg.RetryInitialDelay = time.Millisecond
	cfg.RetryMaxDelay = 5 * time.Millisecond
	cfg.RetryMultiplier = 2.0
	cfg.RetryMaxAttempts = 3
	return cfg
}

func TestStateString(t *testing.T) {
	cases := map[State]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half_open", State(99): "unknown"}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d) = %q, want %q", s, got, want)
		}
	}
}

func TestBreakerOpensAfterFailureThreshold(t *testing.T) {
	r := New(testConfig())
	defer r.Close()

	for i := 0; i < 3; i++ {
		r.recordFailure("example.com", "headless")
	}
	if got := r.State("example.com", "headless"); got != StateOpen {
		t.Fatalf("expected breaker to open after threshold failures, got %v", got)
	}
	if r.Allow("example.com", "headless") {
		t.Fatal("expected Allow to be false while breaker is open")
	}
}

func TestBreakerHalfOpensAfterRecoveryTimeout(t *testing.T) {
	cfg := testConfig()
	r := New(cfg)
	defer r.Close()

	for i := 0; i < cfg.BreakerFailureThreshold; i++ {
		r.recordFailure("example.com", "wasm")
	}
	time.Sleep(cfg.BreakerRecoveryTimeout + 5*time.Millisecond)

	if got := r.State("example.com", "wasm"); got != StateHalfOpen {
		t.Fatalf("expected half-open after recovery timeout, got %v", got)
	}
}

func TestBreakerClosesAfterSuccessThreshold(t *testing.T) {
	cfg := testConfig()
	r := New(cfg)
	defer r.Close()

	for i := 0; i < cfg.BreakerFailureThreshold; i++ {
		r.recordFailure("example.com", "raw")
	}
	time.Sleep(cfg.BreakerRecoveryTimeout + 5*time.Millisecond)
	r.State("example.com", "raw") // trigger half-open transition

	for i := 0; i < cfg.BreakerSuccessThreshold; i++ {
		r.recordSuccess("example.com", "raw")
	}
	if got := r.State("example.com", "raw"); got != StateClosed {
		t.Fatalf("expected breaker to close after success threshold, got %v", got)
	}
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	cfg := testConfig()
	r := New(cfg)
	defer r.Close()

	for i := 0; i < cfg.BreakerFailureThreshold; i++ {
		r.recordFailure("example.com", "raw")
	}
	time.Sleep(cfg.BreakerRecoveryTimeout + 5*time.Millisecond)
	r.State("example.com", "raw")

	r.recordFailure("example.com", "raw")
	if got := r.State("example.com", "raw"); got != StateOpen {
		t.Fatalf("expected a failed half-open probe to reopen the breaker, got %v", got)
	}
}

func TestIsRetryableClassification(t *testing.T) {
	if isRetryable(nil) {
		t.Error("nil error must not be retryable")
	}
	if isRetryable(types.ErrInvalidRequest) {
		t.Error("invalid request must not be retryable")
	}
	if isRetryable(types.ErrCircuitOpen) {
		t.Error("circuit open must not be retryable")
	}
	if !isRetryable(types.ErrBrowserPoolExhausted) {
		t.Error("pool exhaustion must be retryable")
	}
	if !isRetryable(types.NewResourceLimitError("fuel", nil)) {
		t.Error("resource limit extractor errors must be retryable")
	}
	if isRetryable(&types.ExtractorError{Kind: types.KindInvalidHtml}) {
		t.Error("invalid html extractor errors must not be retryable")
	}
}

func TestDoShortCircuitsWhenOpen(t *testing.T) {
	cfg := testConfig()
	r := New(cfg)
	defer r.Close()

	for i := 0; i < cfg.BreakerFailureThreshold; i++ {
		r.recordFailure("blocked.example.com", "headless")
	}

	calls := 0
	err := r.Do(context.Background(), "blocked.example.com", "headless", func(ctx context.Context) error {
		calls++
		return nil
	})
	if !errors.Is(err, types.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected op not to be called while circuit is open, called %d times", calls)
	}
}

func TestDoRetriesRetryableErrorsThenSucceeds(t *testing.T) {
	r := New(testConfig())
	defer r.Close()

	attempts := 0
	err := r.Do(context.Background(), "flaky.example.com", "raw", func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return types.ErrBrowserPoolExhausted
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", attempts)
	}
}

func TestDoDoesNotRetryTerminalErrors(t *testing.T) {
	r := New(testConfig())
	defer r.Close()

	attempts := 0
	err := r.Do(context.Background(), "terminal.example.com", "raw", func(ctx context.Context) error {
		attempts++
		return types.ErrInvalidRequest
	})
	if !errors.Is(err, types.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected exactly one attempt for a terminal error, got %d", attempts)
	}
}

func TestDoHonorsExtractorErrorRetryAfterCappedAtRetryMaxDelay(t *testing.T) {
	cfg := testConfig()
	cfg.RetryMaxDelay = 3 * time.Millisecond
	r := New(cfg)
	defer r.Close()

	attempts := 0
	start := time.Now()
	err := r.Do(context.Background(), "ratelimited.example.com", "raw", func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return &types.ExtractorError{Kind: types.KindResourceLimit, Reason: "upstream_rate_limit", RetryAfter: time.Hour}
		}
		return nil
	})
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if elapsed > 50*time.Millisecond {
		t.Fatalf("RetryAfter of 1h should have been capped at RetryMaxDelay, took %v", elapsed)
	}
}

func TestOpenFractionReflectsBreakerStates(t *testing.T) {
	cfg := testConfig()
	r := New(cfg)
	defer r.Close()

	r.entryFor("a.example.com", "raw")
	for i := 0; i < cfg.BreakerFailureThreshold; i++ {
		r.recordFailure("b.example.com", "raw")
	}

	frac := r.OpenFraction()
	if frac != 0.5 {
		t.Fatalf("expected open fraction 0.5 with one open of two tracked, got %v", frac)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	r := New(testConfig())
	r.Close()
	r.Close()
}
