// Package selector implements the Engine Selector described in spec.md §4.1:
// it picks Raw, Wasm, or Headless for a URL by combining hot-reloadable
// static hints with a learned per-domain confidence cache: a fresh,
// confident learned choice wins, else a matching hint, and Headless is the
// fallback only when neither yields an engine.
package selector

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/riptide/rgec/internal/types"
)

// Hints is the hot-reloadable static configuration: glob-style domain
// patterns mapped to a preferred engine, used before any learned signal
// exists for a domain.
type Hints struct {
	Domains map[string]types.Engine `yaml:"domains"`
}

// Hot-reloadable hint source, grounded on the teacher's selectors.Manager:
// an empty default hint set, replaced atomically on each reload, optional
// file watch with debounce.
type HintSource struct {
	current      atomic.Value // *Hints
	externalPath string
	hotReload    bool
	watcher      *fsnotify.Watcher
	stopCh       chan struct{}
	wg           sync.WaitGroup
	mu           sync.Mutex
	closed       bool
}

// NewHintSource loads hints from externalPath (if set) over an empty
// default, optionally watching the file for changes.
func NewHintSource(externalPath string, hotReload bool) (*HintSource, error) {
	hs := &HintSource{externalPath: externalPath, hotReload: hotReload, stopCh: make(chan struct{})}
	hs.current.Store(&Hints{Domains: map[string]types.Engine{}})

	if externalPath != "" {
		if err := hs.reload(); err != nil {
			log.Warn().Err(err).Str("path", externalPath).Msg("failed to load engine-selector hints, using empty defaults")
		}
		if hotReload {
			if err := hs.startWatcher(); err != nil {
				log.Warn().Err(err).Msg("failed to start hints file watcher, hot-reload disabled")
			}
		}
	}
	return hs, nil
}

func (hs *HintSource) Get() *Hints { return hs.current.Load().(*Hints) }

func (hs *HintSource) reload() error {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	data, err := os.ReadFile(hs.externalPath)
	if err != nil {
		return fmt.Errorf("read hints file: %w", err)
	}
	var h Hints
	if err := yaml.Unmarshal(data, &h); err != nil {
		return fmt.Errorf("parse hints file: %w", err)
	}
	if h.Domains == nil {
		h.Domains = map[string]types.Engine{}
	}
	hs.current.Store(&h)
	return nil
}

func (hs *HintSource) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(hs.externalPath); err != nil {
		watcher.Close()
		return err
	}
	hs.watcher = watcher
	hs.wg.Add(1)
	go hs.watchFile()
	return nil
}

func (hs *HintSource) watchFile() {
	defer hs.wg.Done()
	const debounce = 100 * time.Millisecond
	var timer *time.Timer
	for {
		select {
		case event, ok := <-hs.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				if err := hs.reload(); err != nil {
					log.Warn().Err(err).Msg("hints hot-reload failed, keeping previous hints")
				}
			})
		case _, ok := <-hs.watcher.Errors:
			if !ok {
				return
			}
		case <-hs.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// Close stops the file watcher. Idempotent.
func (hs *HintSource) Close() error {
	hs.mu.Lock()
	if hs.closed {
		hs.mu.Unlock()
		return nil
	}
	hs.closed = true
	hs.mu.Unlock()

	close(hs.stopCh)
	hs.wg.Wait()
	if hs.watcher != nil {
		return hs.watcher.Close()
	}
	return nil
}

// lookup matches host against the configured domain patterns, most
// specific (longest) match wins, with "*" as a catch-all.
func (h *Hints) lookup(host string) (types.Engine, bool) {
	if eng, ok := h.Domains[host]; ok {
		return eng, true
	}
	best := ""
	var bestEngine types.Engine
	found := false
	for pattern, eng := range h.Domains {
		if pattern == "*" {
			if !found {
				best, bestEngine, found = pattern, eng, true
			}
			continue
		}
		if strings.HasPrefix(pattern, "*.") {
			suffix := pattern[1:] // ".example.com"
			if strings.HasSuffix(host, suffix) && len(pattern) > len(best) {
				best, bestEngine, found = pattern, eng, true
			}
		}
	}
	return bestEngine, found
}

// Outcome tuple reported back to the selector after an extraction attempt,
// per spec.md §4.1's feedback loop.
type Outcome struct {
	Engine  types.Engine
	Success bool
}

type domainRecord struct {
	mu         sync.Mutex
	successes  map[types.Engine]int
	attempts   map[types.Engine]int
	lastUpdate time.Time
}

func newDomainRecord() *domainRecord {
	return &domainRecord{successes: map[types.Engine]int{}, attempts: map[types.Engine]int{}}
}

func (r *domainRecord) record(engine types.Engine, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[engine]++
	if success {
		r.successes[engine]++
	}
	r.lastUpdate = time.Now()
}

// confidence returns the observed success rate for engine, or (0, false)
// if there is no data yet.
func (r *domainRecord) confidence(engine types.Engine) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	attempts := r.attempts[engine]
	if attempts == 0 {
		return 0, false
	}
	return float64(r.successes[engine]) / float64(attempts), true
}

func (r *domainRecord) stale(ttl time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Since(r.lastUpdate) > ttl
}

// minConfidenceSamples is the number of attempts required before a
// domain's learned confidence is trusted over the static hint.
const minConfidenceSamples = 5

// confidenceThreshold is the minimum success rate required to prefer a
// cheaper engine (Raw or Wasm) over the conservative Headless fallback.
const confidenceThreshold = 0.8

// Selector combines static hints and the learned domain cache to choose an
// engine for a request, per spec.md §4.1.
type Selector struct {
	hints   *HintSource
	ttl     time.Duration
	mu      sync.RWMutex
	domains map[string]*domainRecord
}

// New creates a Selector. hints may be nil, in which case only the learned
// cache (and, absent data, the conservative Headless fallback) is used.
func New(hints *HintSource, domainCacheTTL time.Duration) *Selector {
	return &Selector{hints: hints, ttl: domainCacheTTL, domains: make(map[string]*domainRecord)}
}

// Select chooses an engine for rawURL. An explicit opts.Engine always wins.
// Otherwise: a fresh, confident learned preference wins; else a static
// hint; else the conservative default, Headless, per spec.md §4.1's "when
// in doubt, use the most capable engine" rule.
func (s *Selector) Select(rawURL string, opts types.ExtractOptions) types.Engine {
	if opts.Engine != "" {
		return opts.Engine
	}

	host := hostOf(rawURL)

	if rec := s.recordFor(host, false); rec != nil && !rec.stale(s.ttl) {
		for _, eng := range []types.Engine{types.EngineRaw, types.EngineWasm} {
			if conf, ok := rec.confidence(eng); ok && conf >= confidenceThreshold {
				if attempts := s.attemptsFor(rec, eng); attempts >= minConfidenceSamples {
					return eng
				}
			}
		}
	}

	if s.hints != nil {
		if eng, ok := s.hints.Get().lookup(host); ok {
			return eng
		}
	}

	return types.EngineHeadless
}

func (s *Selector) attemptsFor(rec *domainRecord, eng types.Engine) int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.attempts[eng]
}

// RecordOutcome feeds an extraction attempt's result back into the domain
// confidence cache, per spec.md §4.1.
func (s *Selector) RecordOutcome(rawURL string, outcome Outcome) {
	host := hostOf(rawURL)
	rec := s.recordFor(host, true)
	rec.record(outcome.Engine, outcome.Success)
}

func (s *Selector) recordFor(host string, create bool) *domainRecord {
	s.mu.RLock()
	rec, ok := s.domains[host]
	s.mu.RUnlock()
	if ok || !create {
		return rec
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok = s.domains[host]; ok {
		return rec
	}
	rec = newDomainRecord()
	s.domains[host] = rec
	return rec
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return strings.ToLower(u.Hostname())
}

// TrackedDomains returns the number of domains with learned confidence
// data, surfaced by the status dashboard.
func (s *Selector) TrackedDomains() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.domains)
}
