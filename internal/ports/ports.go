// Package ports declares the outbound interfaces the core consumes, per
// spec.md §6 "Outbound ports (implemented by external adapters)". The only
// implementation in this repo is internal/session's FileStore, a
// filesystem-backed SessionStore; the engines call go-rod, wazero, colly and
// Prometheus directly rather than through these interfaces. The
// production backends (Redis, pub/sub clusters, a real headless browser
// farm) are external collaborators by design.
package ports

import (
	"context"
	"time"

	"github.com/riptide/rgec/internal/types"
)

// CacheStorage is the backend-agnostic persistent tier behind the Cache
// Tier's in-process map (spec.md §4.6, §6). Values are opaque bytes; the
// core is responsible for (de)serializing Artifacts.
type CacheStorage interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	MGet(ctx context.Context, keys []string) (map[string][]byte, error)
	MSet(ctx context.Context, values map[string][]byte, ttl time.Duration) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
}

// DistributedCoordination is the pub/sub + cluster-membership port used for
// best-effort cross-process cache invalidation (spec.md §4.6, §9). Cross
// process single-flight is explicitly not guaranteed.
type DistributedCoordination interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (<-chan []byte, error)
}

// MetricsSink is the counter/histogram/gauge emission port. internal/metrics
// does not implement it; it registers Prometheus collectors directly.
type MetricsSink interface {
	IncCounter(name string, labels map[string]string, delta float64)
	ObserveHistogram(name string, labels map[string]string, value float64)
	SetGauge(name string, labels map[string]string, value float64)
}

// FetchResponse is the result of an HttpFetcher.Get call.
type FetchResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	FinalURL   string // after redirects
}

// HttpFetcher performs the plain HTTP GET the Raw and Wasm engines need
// before handing HTML to their respective extractors. Implementations are
// expected to honor robots.txt and follow redirects, per spec.md §6.
type HttpFetcher interface {
	Get(ctx context.Context, url string, headers map[string]string, deadline time.Time) (*FetchResponse, error)
	CrawlDelay(ctx context.Context, registrableDomain string) (time.Duration, bool)
}

// BrowserDriver starts/stops a browser process and drives pages over CDP.
// internal/browserpool drives go-rod directly and does not implement it.
type BrowserDriver interface {
	Start(ctx context.Context) (BrowserHandle, error)
}

// BrowserHandle is a live, driver-specific handle to a browser process.
// It exposes only Close and a health probe, so this package does not
// import go-rod.
type BrowserHandle interface {
	Close() error
	Healthy(ctx context.Context) bool
}

// WasmRuntime loads a module with fuel and memory limits, instantiates it,
// and calls its fixed extraction entry point. internal/wasmpool drives
// wazero directly and does not implement it.
type WasmRuntime interface {
	Instantiate(ctx context.Context, module []byte, fuelBudget uint64, maxPages uint32) (WasmInstanceHandle, error)
}

// WasmInstanceHandle is a live WASM instance capable of running one
// extraction at a time.
type WasmInstanceHandle interface {
	Extract(ctx context.Context, html, url string, mode types.Mode) (*types.Artifact, *types.ExtractorError)
	FuelRemaining() uint64
	PagesUsed() uint32
	Close() error
}

// SessionStore persists Session objects (cookies + browser profile
// directory) so they survive process restart, per spec.md §3, §9.
type SessionStore interface {
	Create(ctx context.Context, sessionID string, ttl time.Duration) error
	Get(ctx context.Context, sessionID string) (*StoredSession, error)
	Touch(ctx context.Context, sessionID string, ttl time.Duration) error
	SetCookies(ctx context.Context, sessionID string, cookies []types.Cookie) error
	CookiesForDomain(ctx context.Context, sessionID, domain string) ([]types.Cookie, error)
	Expire(ctx context.Context, sessionID string) error
	PruneExpired(ctx context.Context) (int, error)
}

// StoredSession is the persisted view of a Session (spec.md §3).
type StoredSession struct {
	SessionID    string
	CreatedAt    time.Time
	LastAccessed time.Time
	ExpiresAt    time.Time
	UserDataDir  string
	Cookies      []types.Cookie
	Metadata     map[string]string
}
