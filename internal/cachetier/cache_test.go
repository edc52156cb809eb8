package cachetier

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/riptide/rgec/internal/config"
	"github.com/riptide/rgec/internal/fingerprint"
	"github.com/riptide/rgec/internal/types"
)

func testConfig() *config.Config {
	cfg := config.Load()
	cfg.LocalCacheTTL = 50 * time.Millisecond
	cfg.PersistentCacheTTL = time.Minute
	return cfg
}

func fp(t *testing.T, url string) fingerprint.Fingerprint {
	t.Helper()
	f, err := fingerprint.Compute(url, types.ExtractOptions{})
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}
	return f
}

func TestGetOrComputeCachesResult(t *testing.T) {
	tier := New(testConfig(), nil, nil)
	defer tier.Close()

	var calls atomic.Int32
	compute := func(ctx context.Context) (*types.Artifact, error) {
		calls.Add(1)
		return &types.Artifact{URL: "https://example.com", Text: "hello"}, nil
	}

	f := fp(t, "https://example.com")
	for i := 0; i < 3; i++ {
		art, err := tier.GetOrCompute(context.Background(), f, "", time.Minute, compute)
		if err != nil {
			t.Fatalf("GetOrCompute() error = %v", err)
		}
		if art.Text != "hello" {
			t.Fatalf("unexpected artifact %+v", art)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("expected compute to run exactly once, ran %d times", calls.Load())
	}
}

func TestGetOrComputeSingleFlightsConcurrentCallers(t *testing.T) {
	tier := New(testConfig(), nil, nil)
	defer tier.Close()

	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	compute := func(ctx context.Context) (*types.Artifact, error) {
		calls.Add(1)
		close(started)
		<-release
		return &types.Artifact{URL: "https://slow.example.com"}, nil
	}

	f := fp(t, "https://slow.example.com")

	var wg sync.WaitGroup
	results := make([]*types.Artifact, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			art, err := tier.GetOrCompute(context.Background(), f, "", time.Minute, compute)
			if err != nil {
				t.Errorf("GetOrCompute() error = %v", err)
				return
			}
			results[idx] = art
		}(i)
	}

	<-started
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("expected exactly one compute call across concurrent callers, got %d", calls.Load())
	}
	for i, art := range results {
		if art == nil || art.URL != "https://slow.example.com" {
			t.Fatalf("caller %d got unexpected result %+v", i, art)
		}
	}
}

func TestGetOrComputePropagatesError(t *testing.T) {
	tier := New(testConfig(), nil, nil)
	defer tier.Close()

	wantErr := errors.New("boom")
	f := fp(t, "https://broken.example.com")
	_, err := tier.GetOrCompute(context.Background(), f, "", time.Minute, func(ctx context.Context) (*types.Artifact, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestLocalEntryExpiresAfterTTL(t *testing.T) {
	tier := New(testConfig(), nil, nil)
	defer tier.Close()

	var calls atomic.Int32
	compute := func(ctx context.Context) (*types.Artifact, error) {
		calls.Add(1)
		return &types.Artifact{URL: "https://ttl.example.com"}, nil
	}

	f := fp(t, "https://ttl.example.com")
	tier.GetOrCompute(context.Background(), f, "", 10*time.Millisecond, compute)
	time.Sleep(20 * time.Millisecond)
	tier.GetOrCompute(context.Background(), f, "", 10*time.Millisecond, compute)

	if calls.Load() != 2 {
		t.Fatalf("expected recompute after TTL expiry, compute ran %d times", calls.Load())
	}
}

func TestInvalidateDropsLocalEntry(t *testing.T) {
	tier := New(testConfig(), nil, nil)
	defer tier.Close()

	f := fp(t, "https://invalidate.example.com")
	tier.GetOrCompute(context.Background(), f, "", time.Minute, func(ctx context.Context) (*types.Artifact, error) {
		return &types.Artifact{URL: "https://invalidate.example.com"}, nil
	})
	if tier.Len() != 1 {
		t.Fatalf("expected one cached entry, got %d", tier.Len())
	}

	if err := tier.Invalidate(context.Background(), f); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}
	if tier.Len() != 0 {
		t.Fatalf("expected cache to be empty after invalidate, got %d entries", tier.Len())
	}
}

func TestInvalidateTenantDropsOnlyThatTenantsEntries(t *testing.T) {
	tier := New(testConfig(), nil, nil)
	defer tier.Close()

	fA := fp(t, "https://tenant-a.example.com")
	fB := fp(t, "https://tenant-b.example.com")
	fOther := fp(t, "https://no-tenant.example.com")

	mustCompute := func(f fingerprint.Fingerprint, tenantID, url string) {
		_, err := tier.GetOrCompute(context.Background(), f, tenantID, time.Minute, func(ctx context.Context) (*types.Artifact, error) {
			return &types.Artifact{URL: url}, nil
		})
		if err != nil {
			t.Fatalf("GetOrCompute() error = %v", err)
		}
	}
	mustCompute(fA, "tenant-a", "https://tenant-a.example.com")
	mustCompute(fB, "tenant-b", "https://tenant-b.example.com")
	mustCompute(fOther, "", "https://no-tenant.example.com")

	if tier.Len() != 3 {
		t.Fatalf("expected 3 cached entries, got %d", tier.Len())
	}

	if err := tier.InvalidateTenant(context.Background(), "tenant-a"); err != nil {
		t.Fatalf("InvalidateTenant() error = %v", err)
	}
	if tier.Len() != 2 {
		t.Fatalf("expected tenant-a's entry to be dropped, got %d entries", tier.Len())
	}
	if _, ok := tier.getLocal(fA.String()); ok {
		t.Fatal("tenant-a's entry should have been evicted")
	}
	if _, ok := tier.getLocal(fB.String()); !ok {
		t.Fatal("tenant-b's entry should survive tenant-a's invalidation")
	}
	if _, ok := tier.getLocal(fOther.String()); !ok {
		t.Fatal("untenanted entry should survive tenant-a's invalidation")
	}

	// Invalidating a tenant with no tracked entries is a no-op, not an error.
	if err := tier.InvalidateTenant(context.Background(), "tenant-never-seen"); err != nil {
		t.Fatalf("InvalidateTenant() on unknown tenant error = %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	tier := New(testConfig(), nil, nil)
	tier.Close()
	tier.Close()
}
