// Package core assembles the Engine Selector, Resource Arbiter, Browser
// Pool, CDP Connection Broker, WASM Sandbox Pool, Cache Tier, and Circuit
// Breaker into the single Resource-Governed Extraction Core facade that
// client code calls, per spec.md §3-§7.
package core

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/riptide/rgec/internal/arbiter"
	"github.com/riptide/rgec/internal/breaker"
	"github.com/riptide/rgec/internal/browserpool"
	"github.com/riptide/rgec/internal/cachetier"
	"github.com/riptide/rgec/internal/cdpbroker"
	"github.com/riptide/rgec/internal/config"
	"github.com/riptide/rgec/internal/fingerprint"
	"github.com/riptide/rgec/internal/humanize"
	"github.com/riptide/rgec/internal/metrics"
	"github.com/riptide/rgec/internal/ports"
	"github.com/riptide/rgec/internal/rawengine"
	"github.com/riptide/rgec/internal/security"
	"github.com/riptide/rgec/internal/selector"
	"github.com/riptide/rgec/internal/session"
	"github.com/riptide/rgec/internal/types"
	"github.com/riptide/rgec/internal/wasmpool"
	"github.com/riptide/rgec/pkg/version"
)

var tracer = otel.Tracer("github.com/riptide/rgec/internal/core")

// Core is the resource-governed extraction facade. Construct with New and
// shut down with Close; every exported method is safe for concurrent use.
type Core struct {
	cfg *config.Config

	arb         *arbiter.Arbiter
	sel         *selector.Selector
	browsers    *browserpool.Pool
	cdp         *cdpbroker.Broker
	wasm        *wasmpool.Pool
	cache       *cachetier.Tier
	breakers    *breaker.Registry
	sessions    *session.Manager
	degradation *metrics.DegradationCollector
	raw         *rawengine.Engine

	stopDegradation context.CancelFunc
}

// Dependencies bundles the optional external ports New wires into the
// core. Any field may be nil to run with in-process-only behavior.
type Dependencies struct {
	CacheStorage  ports.CacheStorage
	Coordination  ports.DistributedCoordination
	MetricsSink   ports.MetricsSink
	HintsPath     string
	WasmModule    []byte
	UserAgent     string
}

// New wires every RGEC component from cfg, pre-warming the browser and
// wasm pools and starting the degradation-score ticker.
func New(cfg *config.Config, deps Dependencies) (*Core, error) {
	cfg.Validate()

	browsers, err := browserpool.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("start browser pool: %w", err)
	}

	wasm, err := wasmpool.New(cfg)
	if err != nil {
		browsers.Close()
		return nil, fmt.Errorf("start wasm pool: %w", err)
	}
	if len(deps.WasmModule) > 0 {
		if err := wasm.Load(context.Background(), deps.WasmModule); err != nil {
			browsers.Close()
			wasm.Close()
			return nil, fmt.Errorf("load wasm module: %w", err)
		}
	}

	store, err := session.NewFileStore(cfg.SessionBaseDir)
	if err != nil {
		browsers.Close()
		wasm.Close()
		return nil, fmt.Errorf("open session store: %w", err)
	}

	hints, err := selector.NewHintSource(deps.HintsPath, cfg.HintsHotReload)
	if err != nil {
		browsers.Close()
		wasm.Close()
		return nil, fmt.Errorf("load selector hints: %w", err)
	}

	arb := arbiter.New(cfg)
	breakers := breaker.New(cfg)
	cache := cachetier.New(cfg, deps.CacheStorage, deps.Coordination)
	sessions := session.NewManager(cfg, store)
	sel := selector.New(hints, cfg.DomainCacheTTL)

	userAgent := deps.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent
	}

	c := &Core{
		cfg:      cfg,
		arb:      arb,
		sel:      sel,
		browsers: browsers,
		cdp:      cdpbroker.New(cfg),
		wasm:     wasm,
		cache:    cache,
		breakers: breakers,
		sessions: sessions,
		raw:      rawengine.New(userAgent, cfg.DefaultTimeout),
	}

	c.degradation = metrics.NewDegradationCollector(cfg, arb, breakers)
	ctx, cancel := context.WithCancel(context.Background())
	c.stopDegradation = cancel
	go c.degradation.Run(ctx)

	return c, nil
}

// Extract is the core operation from spec.md §4: resolve a fingerprint,
// serve from cache if present, otherwise select an engine, admit the
// request through the arbiter, execute it under the circuit breaker with
// retry, and cache the result.
func (c *Core) Extract(ctx context.Context, rawURL string, opts types.ExtractOptions) (artifact *types.Artifact, err error) {
	ctx, span := tracer.Start(ctx, "core.Extract", trace.WithAttributes(
		attribute.String("rgec.url", rawURL),
	))
	defer span.End()
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("extraction panicked, recovering")
			span.RecordError(fmt.Errorf("panic: %v", r))
			span.SetStatus(codes.Error, "panic")
			artifact = nil
			err = types.NewExtractionError(types.CodeInternal, "internal error during extraction", fmt.Errorf("panic: %v", r))
		}
		status := "ok"
		if err != nil {
			status = "error"
		}
		metrics.RecordExtraction(string(opts.Engine), status, time.Since(start))
	}()

	fp, ferr := fingerprint.Compute(rawURL, opts)
	if ferr != nil {
		span.RecordError(ferr)
		return nil, types.NewExtractionError(types.CodeInvalidInput, "invalid request", ferr)
	}

	// Headers may already have passed security.ValidateHeaders at the HTTP
	// boundary, but Core is a library facade other callers can invoke
	// directly, so validate again here rather than trust the caller.
	if err := security.ValidateHeaders(opts.Headers); err != nil {
		span.RecordError(err)
		return nil, types.NewExtractionError(types.CodeInvalidInput, "invalid headers", err)
	}

	ttl := c.cfg.LocalCacheTTL
	if opts.TTLOverride > 0 {
		ttl = opts.TTLOverride
	}

	if opts.BypassCache {
		a, eErr := c.execute(ctx, rawURL, opts)
		metrics.RecordCacheLookup(false)
		if eErr != nil {
			return nil, eErr
		}
		return a, nil
	}

	var executeErr error
	computed := false
	a, cErr := c.cache.GetOrCompute(ctx, fp, opts.TenantID, ttl, func(ctx context.Context) (*types.Artifact, error) {
		computed = true
		result, eErr := c.execute(ctx, rawURL, opts)
		if eErr != nil {
			executeErr = eErr
			return nil, eErr
		}
		return result, nil
	})
	if cErr != nil {
		if executeErr != nil {
			return nil, executeErr
		}
		span.RecordError(cErr)
		return nil, types.NewExtractionError(types.CodeInternal, "cache computation failed", cErr)
	}
	metrics.RecordCacheLookup(!computed)
	return a, nil
}

// execute performs the actual fingerprint-miss extraction: engine
// selection, admission, and dispatch to the chosen engine under the
// circuit breaker.
func (c *Core) execute(ctx context.Context, rawURL string, opts types.ExtractOptions) (*types.Artifact, *types.ExtractionError) {
	engine := c.sel.Select(rawURL, opts)
	domain := fingerprint.RegistrableDomain(rawURL)

	outcome := c.arb.Admit(ctx, domain, engine == types.EngineHeadless, engine == types.EngineWasm)
	if !outcome.Admitted() {
		return nil, c.admissionError(outcome)
	}

	var artifact *types.Artifact
	var extractorErr *types.ExtractorError

	breakerErr := c.breakers.Do(ctx, domain, string(engine), func(ctx context.Context) error {
		switch engine {
		case types.EngineRaw:
			artifact, extractorErr = c.raw.Extract(ctx, rawURL, opts)
		case types.EngineWasm:
			artifact, extractorErr = c.extractWasm(ctx, rawURL, opts)
		default:
			artifact, extractorErr = c.extractHeadless(ctx, rawURL, opts)
		}
		if extractorErr != nil {
			if extractorErr.Kind == types.KindResourceLimit && extractorErr.Reason == "upstream_rate_limit" {
				c.degradation.RecordRateLimitHit()
			}
			return extractorErr
		}
		return nil
	})

	c.sel.RecordOutcome(rawURL, selector.Outcome{Engine: engine, Success: breakerErr == nil})

	if breakerErr != nil {
		if extractorErr != nil {
			return nil, types.FromExtractorError(extractorErr)
		}
		return nil, types.NewExtractionError(types.CodeUpstreamFetch, "extraction failed", breakerErr)
	}
	return artifact, nil
}

func (c *Core) admissionError(outcome arbiter.Outcome) *types.ExtractionError {
	switch {
	case outcome.MemoryPressure():
		metrics.RecordAdmission("memory_pressure")
		return types.NewExtractionError(types.CodeMemoryPressure, "memory pressure threshold exceeded", types.ErrMemoryPressure)
	case outcome.ResourceExhausted():
		metrics.RecordAdmission("resource_exhausted")
		return types.NewExtractionError(types.CodeResourceExhausted, "resource pool exhausted", types.ErrResourceExhausted)
	case outcome.Timeout():
		metrics.RecordAdmission("timeout")
		return types.NewExtractionError(types.CodeTimeout, "admission deadline exceeded", types.ErrAdmissionTimeout)
	default:
		metrics.RecordAdmission("rate_limited")
		return types.NewExtractionError(types.CodeRateLimited, "rate limited", types.ErrRateLimited)
	}
}

func (c *Core) extractWasm(ctx context.Context, rawURL string, opts types.ExtractOptions) (*types.Artifact, *types.ExtractorError) {
	wctx, cancel := context.WithTimeout(ctx, c.cfg.WasmTimeout)
	defer cancel()

	inst, err := c.wasm.Acquire(wctx)
	if err != nil {
		return nil, &types.ExtractorError{Kind: types.KindResourceLimit, Reason: "pool", Message: "wasm pool exhausted", Err: err}
	}
	defer inst.Close()

	html, fetchErr := c.raw.Extract(wctx, rawURL, types.ExtractOptions{Mode: types.ModeFull})
	if fetchErr != nil {
		return nil, fetchErr
	}

	artifact, extErr := inst.Extract(wctx, html.Text, rawURL, opts.Mode)
	if extErr != nil && extErr.Kind == types.KindResourceLimit && extErr.Reason == "fuel" {
		metrics.WasmFuelExhaustedTotal.Inc()
	}
	return artifact, extErr
}

func (c *Core) extractHeadless(ctx context.Context, rawURL string, opts types.ExtractOptions) (*types.Artifact, *types.ExtractorError) {
	// Resolve and validate once up front, and pin the resolved IP so a
	// rebind between this check and the browser's own navigation (an
	// attacker flipping DNS to an internal address after admission) is
	// caught rather than silently followed.
	_, pinnedIP, err := security.ValidateAndResolveURLWithContext(ctx, rawURL)
	if err != nil {
		return nil, &types.ExtractorError{Kind: types.KindInvalidHtml, Message: "url failed SSRF validation", Err: err}
	}

	rctx, cancel := context.WithTimeout(ctx, c.cfg.RenderTimeout)
	defer cancel()

	guard, err := c.browsers.Acquire(rctx)
	if err != nil {
		return nil, &types.ExtractorError{Kind: types.KindResourceLimit, Reason: "pool", Message: "browser pool exhausted", Err: err}
	}
	defer guard.Close()

	page, err := browserpool.StealthPage(guard.Browser())
	if err != nil {
		guard.MarkUnhealthy()
		return nil, &types.ExtractorError{Kind: types.KindExtractorError, Message: "failed to open page", Err: err}
	}
	defer page.Close()

	conn, err := c.cdp.Acquire(page)
	if err != nil {
		return nil, &types.ExtractorError{Kind: types.KindResourceLimit, Reason: "cdp", Message: "cdp broker at capacity", Err: err}
	}
	defer c.cdp.Evict(page)

	if opts.SessionID != "" {
		if sess, sErr := c.sessions.Get(rctx, opts.SessionID); sErr == nil {
			if cookies, cErr := sess.GetCookies(); cErr == nil {
				applyCookies(page, cookies)
			}
		}
	}

	if err := security.ValidateURLWithPinnedIPContext(rctx, rawURL, pinnedIP); err != nil {
		return nil, &types.ExtractorError{Kind: types.KindInvalidHtml, Message: "url failed SSRF re-validation before navigation", Err: err}
	}

	if err := conn.SetExtraHeaders(rctx, opts.Headers); err != nil {
		return nil, &types.ExtractorError{Kind: types.KindExtractorError, Message: "failed to set request headers", Err: err}
	}

	if err := conn.Navigate(rctx, rawURL); err != nil {
		guard.MarkUnhealthy()
		return nil, &types.ExtractorError{Kind: types.KindExtractorError, Message: "navigation failed", Err: err}
	}

	if opts.StealthPreset != "" && opts.StealthPreset != types.StealthNone {
		simulateHumanBrowsing(rctx, conn, opts.StealthPreset)
	}

	html, err := conn.HTML(rctx)
	if err != nil {
		return nil, &types.ExtractorError{Kind: types.KindExtractorError, Message: "failed to read rendered html", Err: err}
	}

	artifact, extErr := rawengine.ExtractFromHTML(html, rawURL, opts)
	if extErr != nil {
		return nil, extErr
	}

	if opts.Mode == types.ModeFull {
		if shot, shotErr := page.Screenshot(false, nil); shotErr == nil {
			if artifact.Debug == nil {
				artifact.Debug = &types.ArtifactDebug{}
			}
			artifact.Debug.Screenshot = shot
		}
	}

	return artifact, nil
}

// simulateHumanBrowsing runs a brief scroll-and-pause pass over the
// rendered page before it is read back, for stealth presets beyond
// "none". Errors are logged, not propagated: a failed scroll should
// never fail an otherwise-successful render.
func simulateHumanBrowsing(ctx context.Context, conn *cdpbroker.Connection, preset types.StealthPreset) {
	timing := humanize.NewTimingWithConfig(humanize.TimingConfigForPreset(preset))
	if !humanize.SleepWithContext(ctx, timing.PreActionDelay()) {
		return
	}

	scrolls := 1
	if preset == types.StealthHigh {
		scrolls = 3
	}

	_, err := conn.Do(ctx, func(p *rod.Page) (interface{}, error) {
		scroller := humanize.NewScrollerWithConfig(p, humanize.ScrollConfigForPreset(preset))
		for i := 0; i < scrolls; i++ {
			if err := scroller.RandomSmallScroll(ctx); err != nil {
				return nil, err
			}
		}

		// StealthMedium and StealthHigh additionally drift the mouse to a
		// random point on the page, since a headless session that never
		// moves its cursor is itself a detectable signal.
		if preset == types.StealthMedium || preset == types.StealthHigh {
			metrics, mErr := proto.PageGetLayoutMetrics{}.Call(p)
			if mErr == nil {
				mouse := humanize.NewMouse(p)
				x := rand.Float64() * metrics.VisualViewport.ClientWidth
				y := rand.Float64() * metrics.VisualViewport.ClientHeight
				if mvErr := mouse.MoveTo(ctx, x, y); mvErr != nil {
					return nil, mvErr
				}
			}
		}
		return nil, nil
	})
	if err != nil {
		log.Debug().Err(err).Msg("stealth scroll/mouse pass failed, continuing with render as-is")
	}

	humanize.SleepWithContext(ctx, timing.PostActionDelay())
}

func applyCookies(page interface{ SetCookies(...*proto.NetworkCookieParam) error }, cookies []*proto.NetworkCookie) {
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		params = append(params, &proto.NetworkCookieParam{
			Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path,
			HTTPOnly: c.HTTPOnly, Secure: c.Secure, SameSite: c.SameSite,
		})
	}
	_ = page.SetCookies(params...)
}

// Invalidate drops a cached artifact, notifying other processes sharing
// the same DistributedCoordination backend.
func (c *Core) Invalidate(ctx context.Context, rawURL string, opts types.ExtractOptions) error {
	fp, err := fingerprint.Compute(rawURL, opts)
	if err != nil {
		return types.NewExtractionError(types.CodeInvalidInput, "invalid request", err)
	}
	return c.cache.Invalidate(ctx, fp)
}

// InvalidateTenant drops every cached artifact computed for tenantID,
// notifying other processes sharing the same DistributedCoordination
// backend, per spec.md §4.6/§6. A tenant with no tracked entries is a no-op.
func (c *Core) InvalidateTenant(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return types.NewExtractionError(types.CodeInvalidInput, "tenant_id is required", types.ErrInvalidRequest)
	}
	return c.cache.InvalidateTenant(ctx, tenantID)
}

// AcquireRender is the lower-level counterpart to Extract for callers that
// need to drive a rendered page directly instead of going through the full
// extraction pipeline, per spec.md §6. It runs the same admission check
// Extract's headless path uses before handing out a browser pool guard; the
// caller owns the guard and must Close it.
func (c *Core) AcquireRender(ctx context.Context, rawURL string) (arbiter.Outcome, *browserpool.Guard, error) {
	if err := security.ValidateURLWithContext(ctx, rawURL); err != nil {
		return arbiter.Outcome{}, nil, types.NewExtractionError(types.CodeInvalidInput, "url failed SSRF validation", err)
	}

	domain := fingerprint.RegistrableDomain(rawURL)
	outcome := c.arb.Admit(ctx, domain, true, false)
	if !outcome.Admitted() {
		return outcome, nil, c.admissionError(outcome)
	}

	guard, err := c.browsers.Acquire(ctx)
	if err != nil {
		return outcome, nil, types.NewExtractionError(types.CodeResourceExhausted, "browser pool exhausted", err)
	}
	return outcome, guard, nil
}

// AcquireWasm is the lower-level counterpart to Extract for callers driving
// a WASM sandbox directly, per spec.md §6. It runs the same admission check
// Extract's wasm path uses before handing out a sandbox instance; the
// caller owns the instance and must Close it.
func (c *Core) AcquireWasm(ctx context.Context) (arbiter.Outcome, *wasmpool.Instance, error) {
	outcome := c.arb.Admit(ctx, "", false, true)
	if !outcome.Admitted() {
		return outcome, nil, c.admissionError(outcome)
	}

	inst, err := c.wasm.Acquire(ctx)
	if err != nil {
		return outcome, nil, types.NewExtractionError(types.CodeResourceExhausted, "wasm pool exhausted", err)
	}
	return outcome, inst, nil
}

// ResourceStatus is the snapshot surfaced by the status dashboard and the
// /resource-status HTTP endpoint, per spec.md §8.
type ResourceStatus struct {
	BrowserPoolAvailable int
	BrowserPoolStats     browserpool.Stats
	WasmPoolAvailable    int
	CDPConnections       int
	CachedArtifacts      int
	ActiveSessions       int
	TrackedDomains       int
	DegradationScore     float64
	BreakerOpenFraction  float64
}

// ResourceStatus returns a point-in-time snapshot of every pool and the
// degradation score, for operator visibility.
func (c *Core) ResourceStatus() ResourceStatus {
	return ResourceStatus{
		BrowserPoolAvailable: c.browsers.Available(),
		BrowserPoolStats:     c.browsers.StatsSnapshot(),
		WasmPoolAvailable:    c.wasm.Available(),
		CDPConnections:       c.cdp.ConnectionCount(),
		CachedArtifacts:      c.cache.Len(),
		ActiveSessions:       c.sessions.Count(),
		TrackedDomains:       c.sel.TrackedDomains(),
		DegradationScore:     c.arb.DegradationScore(),
		BreakerOpenFraction:  c.breakers.OpenFraction(),
	}
}

// Close shuts down every owned component. Safe to call once.
func (c *Core) Close() error {
	c.stopDegradation()
	c.degradation.Stop()

	var errs []error
	if err := c.sessions.Close(); err != nil {
		errs = append(errs, err)
	}
	c.cdp.Close()
	c.arb.Close()
	c.breakers.Close()
	c.cache.Close()
	if err := c.wasm.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.browsers.Close(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("core shutdown encountered %d error(s), first: %w", len(errs), errs[0])
	}
	return nil
}
