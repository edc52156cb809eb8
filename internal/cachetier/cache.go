// Package cachetier implements the Cache Tier described in spec.md §4.6: an
// in-process map in front of a pluggable ports.CacheStorage backend, with
// single-flight de-duplication of concurrent computations for the same
// fingerprint and best-effort cross-process invalidation.
package cachetier

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/riptide/rgec/internal/config"
	"github.com/riptide/rgec/internal/fingerprint"
	"github.com/riptide/rgec/internal/ports"
	"github.com/riptide/rgec/internal/types"
)

const invalidationTopic = "rgec.cache.invalidate"

type entry struct {
	artifact  *types.Artifact
	expiresAt time.Time
}

// Tier is the cache tier. Storage and Coordination are optional; a nil
// Storage means the tier is purely in-process, and a nil Coordination means
// invalidation never propagates beyond this instance.
type Tier struct {
	cfg *config.Config

	mu   sync.RWMutex
	data map[string]entry

	// byTenant indexes every locally-known fingerprint key by the tenant it
	// was computed for, so InvalidateTenant can drop a tenant's entries
	// without the caller having to track fingerprints itself.
	byTenant map[string]map[string]struct{}

	storage      ports.CacheStorage
	coordination ports.DistributedCoordination
	flight       singleflight.Group

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates a Tier. storage and coordination may be nil.
func New(cfg *config.Config, storage ports.CacheStorage, coordination ports.DistributedCoordination) *Tier {
	t := &Tier{
		cfg:          cfg,
		data:         make(map[string]entry),
		byTenant:     make(map[string]map[string]struct{}),
		storage:      storage,
		coordination: coordination,
		stopCh:       make(chan struct{}),
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.sweepLoop()
	}()
	if coordination != nil {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.subscribeInvalidations()
		}()
	}
	return t
}

// GetOrCompute returns the cached Artifact for fp if present and unexpired,
// else calls compute exactly once even if many goroutines request the same
// fingerprint concurrently (golang.org/x/sync/singleflight), per spec.md §4.6.
// tenantID, if non-empty, is recorded in the tenant->fingerprint index so a
// later InvalidateTenant can find this entry.
func (t *Tier) GetOrCompute(ctx context.Context, fp fingerprint.Fingerprint, tenantID string, ttl time.Duration, compute func(ctx context.Context) (*types.Artifact, error)) (*types.Artifact, error) {
	key := fp.String()

	if art, ok := t.getLocal(key); ok {
		return art, nil
	}

	if t.storage != nil {
		if art, ok := t.getFromStorage(ctx, key); ok {
			t.setLocal(key, art, tenantID, ttl)
			return art, nil
		}
	}

	result, err, _ := t.flight.Do(key, func() (interface{}, error) {
		art, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		t.setLocal(key, art, tenantID, ttl)
		if t.storage != nil {
			_ = t.putToStorage(ctx, key, art, ttl)
		}
		return art, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*types.Artifact), nil
}

func (t *Tier) getLocal(key string) (*types.Artifact, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.data[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.artifact, true
}

func (t *Tier) setLocal(key string, artifact *types.Artifact, tenantID string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = t.cfg.LocalCacheTTL
	}
	t.mu.Lock()
	t.data[key] = entry{artifact: artifact, expiresAt: time.Now().Add(ttl)}
	if tenantID != "" {
		keys, ok := t.byTenant[tenantID]
		if !ok {
			keys = make(map[string]struct{})
			t.byTenant[tenantID] = keys
		}
		keys[key] = struct{}{}
	}
	t.mu.Unlock()
}

func (t *Tier) getFromStorage(ctx context.Context, key string) (*types.Artifact, bool) {
	raw, found, err := t.storage.Get(ctx, key)
	if err != nil || !found {
		return nil, false
	}
	var art types.Artifact
	if err := json.Unmarshal(raw, &art); err != nil {
		return nil, false
	}
	return &art, true
}

func (t *Tier) putToStorage(ctx context.Context, key string, artifact *types.Artifact, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = t.cfg.PersistentCacheTTL
	}
	raw, err := json.Marshal(artifact)
	if err != nil {
		return err
	}
	return t.storage.Set(ctx, key, raw, ttl)
}

// Invalidate drops fp from the local map, the persistent backend, and
// publishes an invalidation event for other processes, per spec.md §4.6.
func (t *Tier) Invalidate(ctx context.Context, fp fingerprint.Fingerprint) error {
	key := fp.String()
	t.mu.Lock()
	delete(t.data, key)
	t.removeFromTenantIndexLocked(key)
	t.mu.Unlock()

	if t.storage != nil {
		if err := t.storage.Delete(ctx, key); err != nil {
			return err
		}
	}
	return t.publishInvalidation(ctx, key)
}

// removeFromTenantIndexLocked drops key from whichever tenant bucket holds
// it. Caller must hold t.mu.
func (t *Tier) removeFromTenantIndexLocked(key string) {
	for tenantID, keys := range t.byTenant {
		if _, ok := keys[key]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(t.byTenant, tenantID)
			}
			return
		}
	}
}

// InvalidateTenant drops every locally cached entry that was computed for
// tenantID, using the tenant->fingerprint index built up by GetOrCompute, per
// spec.md §4.6. A tenant with no tracked entries is a no-op, not an error.
func (t *Tier) InvalidateTenant(ctx context.Context, tenantID string) error {
	t.mu.Lock()
	keys := t.byTenant[tenantID]
	delete(t.byTenant, tenantID)
	fingerprints := make([]string, 0, len(keys))
	for k := range keys {
		delete(t.data, k)
		fingerprints = append(fingerprints, k)
	}
	t.mu.Unlock()

	for _, k := range fingerprints {
		if t.storage != nil {
			if err := t.storage.Delete(ctx, k); err != nil {
				return err
			}
		}
		if err := t.publishInvalidation(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tier) publishInvalidation(ctx context.Context, key string) error {
	if t.coordination == nil {
		return nil
	}
	return t.coordination.Publish(ctx, invalidationTopic, []byte(key))
}

func (t *Tier) subscribeInvalidations() {
	ch, err := t.coordination.Subscribe(context.Background(), invalidationTopic)
	if err != nil {
		return
	}
	for {
		select {
		case payload, ok := <-ch:
			if !ok {
				return
			}
			t.mu.Lock()
			delete(t.data, string(payload))
			t.removeFromTenantIndexLocked(string(payload))
			t.mu.Unlock()
		case <-t.stopCh:
			return
		}
	}
}

func (t *Tier) sweepLoop() {
	ticker := time.NewTicker(t.cfg.LocalCacheTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			t.mu.Lock()
			for k, e := range t.data {
				if now.After(e.expiresAt) {
					delete(t.data, k)
					t.removeFromTenantIndexLocked(k)
				}
			}
			t.mu.Unlock()
		case <-t.stopCh:
			return
		}
	}
}

// Len returns the number of locally cached entries, surfaced by the status
// dashboard. Expired-but-not-yet-swept entries are included.
func (t *Tier) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.data)
}

// Close stops the sweep and subscription goroutines. Idempotent.
func (t *Tier) Close() {
	t.once.Do(func() {
		close(t.stopCh)
		t.wg.Wait()
	})
}
