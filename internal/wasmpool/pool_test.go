package wasmpool

import (
	"context"
	"testing"
	"time"

	"github.com/riptide/rgec/internal/config"
)

func testConfig() *config.Config {
	cfg := config.Load()
	cfg.WasmPoolSize = 2
	cfg.WasmMaxPages = 16
	cfg.WasmFuelPerExtraction = 1000
	cfg.WasmTimeout = 50 * time.Millisecond
	return cfg
}

func TestNewPoolSizesMatchConfig(t *testing.T) {
	p, err := New(testConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer p.Close()

	if got := p.Available(); got != 2 {
		t.Fatalf("Available() = %d, want 2", got)
	}
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	p, err := New(testConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer p.Close()

	inst, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if got := p.Available(); got != 1 {
		t.Fatalf("Available() after acquire = %d, want 1", got)
	}
	inst.Close()
	if got := p.Available(); got != 2 {
		t.Fatalf("Available() after release = %d, want 2", got)
	}
}

func TestAcquireTimesOutWhenExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.WasmPoolSize = 1
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer p.Close()

	inst, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer inst.Close()

	_, err = p.Acquire(context.Background())
	if err == nil {
		t.Fatal("expected the second acquire to fail while the only instance is checked out")
	}
}

func TestConsumeFuelExhaustsAtBudget(t *testing.T) {
	inst := &Instance{}
	inst.fuelRemaining.Store(100)

	if signal := inst.consumeFuel(context.Background(), 40); signal != 0 {
		t.Fatalf("expected no exhaustion signal yet, got %d", signal)
	}
	if got := inst.FuelRemaining(); got != 60 {
		t.Fatalf("FuelRemaining() = %d, want 60", got)
	}

	if signal := inst.consumeFuel(context.Background(), 1000); signal != 1 {
		t.Fatalf("expected exhaustion signal once budget is overrun, got %d", signal)
	}
	if got := inst.FuelRemaining(); got != 0 {
		t.Fatalf("FuelRemaining() after exhaustion = %d, want 0", got)
	}
}

func TestConsumeFuelAlreadyExhausted(t *testing.T) {
	inst := &Instance{}
	inst.fuelRemaining.Store(0)
	if signal := inst.consumeFuel(context.Background(), 1); signal != 1 {
		t.Fatalf("expected immediate exhaustion signal, got %d", signal)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	p, err := New(testConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}
