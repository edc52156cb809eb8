// Package browserpool manages a pool of reusable headless-browser instances
// for the Headless engine, per spec.md §4.3. Each instance moves through an
// explicit Starting -> Idle <-> InUse -> (Idle|Unhealthy) -> Closing -> Gone
// state machine; callers never see a bare browser handle, only a Guard that
// returns it to the pool (or discards it) on Close.
package browserpool

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/riptide/rgec/internal/config"
	"github.com/riptide/rgec/internal/security"
	"github.com/riptide/rgec/internal/types"
)

// State is one point in an instance's lifecycle, per spec.md §4.3.
type State int

const (
	StateStarting State = iota
	StateIdle
	StateInUse
	StateUnhealthy
	StateClosing
	StateGone
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateIdle:
		return "idle"
	case StateInUse:
		return "in_use"
	case StateUnhealthy:
		return "unhealthy"
	case StateClosing:
		return "closing"
	case StateGone:
		return "gone"
	default:
		return "unknown"
	}
}

// instance tracks one pooled browser process and its lifecycle state.
type instance struct {
	mu        sync.Mutex
	state     State
	browser   *rod.Browser
	createdAt time.Time
	useCount  atomic.Int64
	pageCount atomic.Int32
}

func (i *instance) transition(to State) {
	i.mu.Lock()
	i.state = to
	i.mu.Unlock()
}

func (i *instance) currentState() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Guard is a scoped ownership token for one checked-out browser instance.
// Release (via Close) always returns the instance to Idle or, if it was
// marked Unhealthy during use, drops it from the pool entirely. Guard's
// zero value is not usable; obtain one from Pool.Acquire.
type Guard struct {
	pool     *Pool
	inst     *instance
	released atomic.Bool
	unhealthy atomic.Bool
}

// Browser returns the underlying go-rod handle for this checkout.
func (g *Guard) Browser() *rod.Browser { return g.inst.browser }

// MarkUnhealthy flags the instance for recycling instead of reuse once the
// guard is closed. Call this when a caller observes a crashed page, a CDP
// error, or any other sign the browser process is no longer trustworthy.
func (g *Guard) MarkUnhealthy() { g.unhealthy.Store(true) }

// Close returns the browser to the pool (or discards it if MarkUnhealthy
// was called). Safe to call more than once; only the first call has effect.
// Cleanup always runs even if the caller is unwinding from a panic, so
// callers should `defer guard.Close()` immediately after Acquire.
func (g *Guard) Close() {
	if g.released.Swap(true) {
		return
	}
	g.pool.release(g.inst, g.unhealthy.Load())
}

// Pool manages a fixed-size set of reusable browser instances, pre-warmed at
// startup and recycled on unhealthiness, staleness, or memory pressure.
type Pool struct {
	mu        sync.Mutex
	instances []*instance
	available chan *instance
	cfg       *config.Config
	closed    atomic.Bool

	stopCh         chan struct{}
	wg             sync.WaitGroup
	availableCount atomic.Int32
	recycleSem     chan struct{}

	stats Stats
}

// Stats are cumulative pool counters exposed to internal/metrics.
type Stats struct {
	Acquired atomic.Int64
	Released atomic.Int64
	Recycled atomic.Int64
	Errors   atomic.Int64
}

// New creates and pre-warms a browser pool to cfg.BrowserPoolInitial
// instances, per spec.md §4.3's startup requirement.
func New(cfg *config.Config) (*Pool, error) {
	log.Info().Int("initial", cfg.BrowserPoolInitial).Int("max", cfg.BrowserPoolMax).
		Bool("headless", cfg.Headless).Msg("initializing browser pool")

	p := &Pool{
		cfg:        cfg,
		available:  make(chan *instance, cfg.BrowserPoolMax),
		instances:  make([]*instance, 0, cfg.BrowserPoolMax),
		stopCh:     make(chan struct{}),
		recycleSem: make(chan struct{}, 4),
	}

	for i := 0; i < cfg.BrowserPoolInitial; i++ {
		inst, err := p.spawn(context.Background())
		if err != nil {
			log.Error().Err(err).Int("index", i).Msg("failed to spawn browser during pool warm-up")
			_ = p.Close()
			return nil, fmt.Errorf("spawn browser %d: %w", i, err)
		}
		inst.transition(StateIdle)
		p.instances = append(p.instances, inst)
		p.available <- inst
		p.availableCount.Add(1)
	}

	p.wg.Add(2)
	go func() { defer p.wg.Done(); p.monitorMemory() }()
	go func() { defer p.wg.Done(); p.healthCheckLoop() }()

	log.Info().Int("instances", len(p.instances)).Msg("browser pool ready")
	return p, nil
}

func (p *Pool) createLauncher(proxyURL string) *launcher.Launcher {
	l := launcher.New()
	if p.cfg.BrowserPath != "" {
		l = l.Bin(p.cfg.BrowserPath)
	}

	if p.cfg.Headless {
		l = l.Set("headless", "new")
	} else {
		l = l.Headless(false)
	}

	l = l.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage").
		Set("force-webrtc-ip-handling-policy", "disable_non_proxied_udp").
		Set("disable-blink-features", "AutomationControlled").
		Delete("enable-automation").
		Set("window-size", "1920,1080").
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("mute-audio")

	if proxyURL != "" {
		l = l.Set("proxy-server", proxyURL)
		log.Debug().Str("proxy", security.RedactProxyURL(proxyURL)).Msg("browser proxy configured")
	}
	if p.cfg.IgnoreCertErrors {
		l = l.Set("ignore-certificate-errors").Set("ignore-ssl-errors")
	}
	if isARM() {
		l = l.Set("disable-gpu-compositing")
	}
	return l
}

// spawn launches and CDP-connects one browser process. It applies no stealth
// patches; those are applied per page by StealthPage.
func (p *Pool) spawn(ctx context.Context) (*instance, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	l := p.createLauncher(p.cfg.ProxyURL)
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect to browser: %w", err)
	}
	if p.cfg.IgnoreCertErrors {
		if err := browser.IgnoreCertErrors(true); err != nil {
			log.Warn().Err(err).Msg("failed to set IgnoreCertErrors")
		}
	}

	return &instance{state: StateStarting, browser: browser, createdAt: time.Now()}, nil
}

// StealthPage opens a new page patched with go-rod/stealth, used by the
// Headless engine when ExtractOptions.StealthPreset is above StealthNone.
func StealthPage(browser *rod.Browser) (*rod.Page, error) {
	return stealth.Page(browser)
}

// Acquire checks out a healthy, Idle instance, transitioning it to InUse.
// It blocks until one is available, ctx is canceled, or the pool's
// configured acquire timeout elapses.
func (p *Pool) Acquire(ctx context.Context) (*Guard, error) {
	if p.closed.Load() {
		return nil, types.ErrBrowserPoolClosed
	}

	const maxRetries = 5
	for retry := 0; retry < maxRetries; retry++ {
		select {
		case inst, ok := <-p.available:
			if !ok || p.closed.Load() {
				return nil, types.ErrBrowserPoolClosed
			}

			if !p.isHealthy(inst) {
				p.stats.Errors.Add(1)
				inst.transition(StateUnhealthy)
				go p.recycle(inst)
				continue
			}

			p.availableCount.Add(-1)
			inst.transition(StateInUse)
			inst.useCount.Add(1)
			p.stats.Acquired.Add(1)
			return &Guard{pool: p, inst: inst}, nil

		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", types.ErrContextCanceled, ctx.Err())

		case <-time.After(p.cfg.BrowserPoolTimeout):
			p.stats.Errors.Add(1)
			return nil, types.ErrBrowserPoolTimeout
		}
	}

	p.stats.Errors.Add(1)
	return nil, fmt.Errorf("%w: all instances unhealthy after %d retries", types.ErrBrowserUnhealthy, maxRetries)
}

// release returns an instance to Idle, or recycles it if it was marked
// unhealthy or its page cap was hit during use.
func (p *Pool) release(inst *instance, unhealthy bool) {
	p.stats.Released.Add(1)

	if unhealthy {
		inst.transition(StateUnhealthy)
		go p.recycle(inst)
		return
	}

	if pages, err := inst.browser.Pages(); err == nil {
		inst.pageCount.Add(int32(len(pages)))
		for _, page := range pages {
			_ = page.Navigate("about:blank")
			_ = page.Close()
		}
	} else {
		log.Warn().Err(err).Msg("failed to list pages during release, recycling instance")
		inst.transition(StateUnhealthy)
		go p.recycle(inst)
		return
	}

	if int(inst.pageCount.Load()) > p.cfg.BrowserMaxPages {
		inst.transition(StateUnhealthy)
		go p.recycle(inst)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		inst.transition(StateClosing)
		_ = inst.browser.Close()
		inst.transition(StateGone)
		return
	}

	inst.transition(StateIdle)
	select {
	case p.available <- inst:
		p.availableCount.Add(1)
	default:
		log.Warn().Msg("browser pool channel full on release, closing excess instance")
		inst.transition(StateClosing)
		_ = inst.browser.Close()
		inst.transition(StateGone)
	}
}

func (p *Pool) isHealthy(inst *instance) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	page, err := inst.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return false
	}
	defer page.Close()
	return page.Context(ctx).Navigate("about:blank") == nil
}

// recycle replaces an Unhealthy instance with a freshly spawned one.
func (p *Pool) recycle(old *instance) {
	if p.closed.Load() {
		return
	}
	p.stats.Recycled.Add(1)
	old.transition(StateClosing)
	_ = old.browser.Close()
	old.transition(StateGone)
	p.removeInstance(old)

	spawnCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	replacement, err := p.spawn(spawnCtx)
	if err != nil {
		log.Error().Err(err).Msg("failed to spawn replacement browser")
		return
	}
	replacement.transition(StateIdle)

	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		_ = replacement.browser.Close()
		return
	}
	p.instances = append(p.instances, replacement)
	p.mu.Unlock()

	select {
	case p.available <- replacement:
		p.availableCount.Add(1)
	default:
		_ = replacement.browser.Close()
	}
}

func (p *Pool) removeInstance(target *instance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, inst := range p.instances {
		if inst == target {
			last := len(p.instances) - 1
			p.instances[i] = p.instances[last]
			p.instances = p.instances[:last]
			return
		}
	}
}

func (p *Pool) monitorMemory() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	maxBytes := uint64(p.cfg.MaxMemoryMB) * 1024 * 1024

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if p.closed.Load() {
				return
			}
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			if m.Alloc > maxBytes {
				log.Warn().Uint64("alloc_mb", m.Alloc/1024/1024).Int("max_mb", p.cfg.MaxMemoryMB).
					Msg("memory threshold exceeded, recycling all browser instances")
				p.recycleAll()
			}
		}
	}
}

func (p *Pool) healthCheckLoop() {
	ticker := time.NewTicker(p.cfg.BrowserHealthCheckEvery)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if p.closed.Load() {
				return
			}
			p.mu.Lock()
			now := time.Now()
			var stale []*instance
			for _, inst := range p.instances {
				if now.Sub(inst.createdAt) > p.cfg.BrowserMaxLifetime && inst.currentState() == StateIdle {
					stale = append(stale, inst)
				}
			}
			p.mu.Unlock()
			for _, inst := range stale {
				inst.transition(StateUnhealthy)
				p.recycle(inst)
			}
		}
	}
}

func (p *Pool) recycleAll() {
	p.mu.Lock()
	targets := make([]*instance, len(p.instances))
	copy(targets, p.instances)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, inst := range targets {
		if p.closed.Load() {
			break
		}
		if inst.currentState() != StateIdle {
			continue
		}
		wg.Add(1)
		go func(i *instance) {
			defer wg.Done()
			select {
			case p.recycleSem <- struct{}{}:
				defer func() { <-p.recycleSem }()
				i.transition(StateUnhealthy)
				p.recycle(i)
			case <-p.stopCh:
			}
		}(inst)
	}
	wg.Wait()
}

// Available returns the number of Idle instances, race-free.
func (p *Pool) Available() int {
	if p.closed.Load() {
		return 0
	}
	return int(p.availableCount.Load())
}

// StatsSnapshot returns a point-in-time snapshot of pool counters.
func (p *Pool) StatsSnapshot() Stats {
	s := Stats{}
	s.Acquired.Store(p.stats.Acquired.Load())
	s.Released.Store(p.stats.Released.Load())
	s.Recycled.Store(p.stats.Recycled.Load())
	s.Errors.Store(p.stats.Errors.Load())
	return s
}

// Close drains the pool and closes every tracked browser process. Safe to
// call more than once.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed.Swap(true) {
		p.mu.Unlock()
		return nil
	}
	close(p.available)
	p.mu.Unlock()

	close(p.stopCh)

	done := make(chan struct{})
	go func() { p.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Warn().Msg("timeout waiting for browser pool background routines")
	}

	p.mu.Lock()
	instances := p.instances
	p.instances = nil
	p.mu.Unlock()

	eg := new(errgroup.Group)
	eg.SetLimit(4)
	for _, inst := range instances {
		inst := inst
		eg.Go(func() error {
			inst.transition(StateClosing)
			err := inst.browser.Close()
			inst.transition(StateGone)
			return err
		})
	}
	closeErr := eg.Wait()

	for inst := range p.available {
		if inst != nil {
			_ = inst.browser.Close()
		}
	}

	log.Info().Msg("browser pool closed")
	return closeErr
}

func isARM() bool {
	return runtime.GOARCH == "arm" || runtime.GOARCH == "arm64"
}
