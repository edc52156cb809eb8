// Package session provides persistent browser sessions: cookie jars and
// per-session user-data directories that survive process restart, backed
// by a filesystem store, plus an in-memory Manager for the active
// (browser-attached) half of a session's lifecycle, per spec.md §3 and §9.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/riptide/rgec/internal/browserpool"
	"github.com/riptide/rgec/internal/config"
	"github.com/riptide/rgec/internal/ports"
	"github.com/riptide/rgec/internal/security"
	"github.com/riptide/rgec/internal/types"
)

// maxPageReferences bounds concurrent page references per session,
// preventing unbounded growth from bugs or malicious callers.
const maxPageReferences = 100

// FileStore persists session metadata and cookies to JSON files under a
// base directory, with one subdirectory per session whose "profile"
// subdirectory is that session's Chrome user-data-dir, per spec.md §3's
// persistence model.
type FileStore struct {
	baseDir string
	mu      sync.Mutex
}

// NewFileStore creates a FileStore rooted at baseDir, creating it if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("create session base dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

type persistedSession struct {
	SessionID    string            `json:"session_id"`
	CreatedAt    time.Time         `json:"created_at"`
	LastAccessed time.Time         `json:"last_accessed"`
	ExpiresAt    time.Time         `json:"expires_at"`
	UserDataDir  string            `json:"user_data_dir"`
	Cookies      []types.Cookie    `json:"cookies"`
	Metadata     map[string]string `json:"metadata"`
}

func (f *FileStore) dir(sessionID string) string {
	return filepath.Join(f.baseDir, sessionID)
}

func (f *FileStore) metaPath(sessionID string) string {
	return filepath.Join(f.dir(sessionID), "session.json")
}

// UserDataDir returns the Chrome profile directory reserved for sessionID,
// creating it if it doesn't already exist.
func (f *FileStore) UserDataDir(sessionID string) (string, error) {
	if msg := security.ValidateSessionID(sessionID); msg != "" {
		return "", types.ErrInvalidSessionID
	}
	dir := filepath.Join(f.dir(sessionID), "profile")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create session profile dir: %w", err)
	}
	return dir, nil
}

// Create writes a new session record to disk. sessionID must pass
// security.ValidateSessionID - it is joined directly into a filesystem path,
// so an unvalidated caller-supplied ID would let "../" escape baseDir.
func (f *FileStore) Create(ctx context.Context, sessionID string, ttl time.Duration) error {
	if msg := security.ValidateSessionID(sessionID); msg != "" {
		return types.ErrInvalidSessionID
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := os.Stat(f.metaPath(sessionID)); err == nil {
		return types.ErrSessionAlreadyExists
	}

	if err := os.MkdirAll(f.dir(sessionID), 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	now := time.Now()
	ps := persistedSession{
		SessionID:    sessionID,
		CreatedAt:    now,
		LastAccessed: now,
		ExpiresAt:    now.Add(ttl),
		Metadata:     map[string]string{},
	}
	return f.write(sessionID, ps)
}

// Get reads a session record, returning types.ErrSessionNotFound if absent
// or types.ErrSessionExpired if its TTL has passed.
func (f *FileStore) Get(ctx context.Context, sessionID string) (*ports.StoredSession, error) {
	if msg := security.ValidateSessionID(sessionID); msg != "" {
		return nil, types.ErrInvalidSessionID
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	ps, err := f.read(sessionID)
	if err != nil {
		return nil, err
	}
	if time.Now().After(ps.ExpiresAt) {
		return nil, types.ErrSessionExpired
	}
	return toStored(ps), nil
}

// Touch extends a session's expiry by ttl from now and bumps LastAccessed.
func (f *FileStore) Touch(ctx context.Context, sessionID string, ttl time.Duration) error {
	if msg := security.ValidateSessionID(sessionID); msg != "" {
		return types.ErrInvalidSessionID
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	ps, err := f.read(sessionID)
	if err != nil {
		return err
	}
	now := time.Now()
	ps.LastAccessed = now
	ps.ExpiresAt = now.Add(ttl)
	return f.write(sessionID, ps)
}

// SetCookies overwrites the persisted cookie jar for sessionID.
func (f *FileStore) SetCookies(ctx context.Context, sessionID string, cookies []types.Cookie) error {
	if msg := security.ValidateSessionID(sessionID); msg != "" {
		return types.ErrInvalidSessionID
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	ps, err := f.read(sessionID)
	if err != nil {
		return err
	}
	ps.Cookies = cookies
	return f.write(sessionID, ps)
}

// CookiesForDomain returns the subset of a session's persisted cookies
// whose Domain matches the given domain (exact or parent-domain match).
func (f *FileStore) CookiesForDomain(ctx context.Context, sessionID, domain string) ([]types.Cookie, error) {
	if msg := security.ValidateSessionID(sessionID); msg != "" {
		return nil, types.ErrInvalidSessionID
	}

	f.mu.Lock()
	ps, err := f.read(sessionID)
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make([]types.Cookie, 0, len(ps.Cookies))
	for _, c := range ps.Cookies {
		// SanitizeCookieDomain strips a leading dot and falls back to
		// domain (the requested host) whenever the cookie's own Domain
		// isn't a genuine suffix of it, or is itself a public suffix like
		// co.uk. A cookie whose Domain was replaced by that fallback
		// belongs elsewhere and is skipped - closing off cross-domain and
		// supercookie leakage through a forged Domain attribute.
		d := security.SanitizeCookieDomain(c.Domain, domain)
		if c.Domain != "" && d != strings.ToLower(strings.TrimPrefix(c.Domain, ".")) {
			continue
		}
		if d == domain || (len(domain) > len(d) && domain[len(domain)-len(d)-1:] == "."+d) {
			out = append(out, c)
		}
	}
	return out, nil
}

// Expire deletes a session's persisted record and profile directory.
func (f *FileStore) Expire(ctx context.Context, sessionID string) error {
	if msg := security.ValidateSessionID(sessionID); msg != "" {
		return types.ErrInvalidSessionID
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return os.RemoveAll(f.dir(sessionID))
}

// PruneExpired removes every persisted session whose TTL has passed and
// reports how many were removed.
func (f *FileStore) PruneExpired(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(f.baseDir)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	pruned := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		ps, err := f.read(e.Name())
		if err != nil {
			continue
		}
		if now.After(ps.ExpiresAt) {
			if err := os.RemoveAll(f.dir(e.Name())); err == nil {
				pruned++
			}
		}
	}
	return pruned, nil
}

func (f *FileStore) read(sessionID string) (persistedSession, error) {
	data, err := os.ReadFile(f.metaPath(sessionID))
	if os.IsNotExist(err) {
		return persistedSession{}, types.ErrSessionNotFound
	}
	if err != nil {
		return persistedSession{}, err
	}
	var ps persistedSession
	if err := json.Unmarshal(data, &ps); err != nil {
		return persistedSession{}, fmt.Errorf("decode session record: %w", err)
	}
	return ps, nil
}

func (f *FileStore) write(sessionID string, ps persistedSession) error {
	data, err := json.MarshalIndent(ps, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session record: %w", err)
	}
	tmp := f.metaPath(sessionID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.metaPath(sessionID))
}

func toStored(ps persistedSession) *ports.StoredSession {
	return &ports.StoredSession{
		SessionID:    ps.SessionID,
		CreatedAt:    ps.CreatedAt,
		LastAccessed: ps.LastAccessed,
		ExpiresAt:    ps.ExpiresAt,
		UserDataDir:  ps.UserDataDir,
		Cookies:      ps.Cookies,
		Metadata:     ps.Metadata,
	}
}

// Session is a persistent browser session's active (in-memory) half: a
// checked-out browser guard and page, reference-counted so the page can't
// be closed while mid-operation.
//
// Lock ordering: always acquire opMu before mu. opMu serializes solve
// operations on the session (coarse-grained); mu protects Page field
// access (fine-grained). Never hold mu while performing slow I/O.
type Session struct {
	ID        string
	Guard     *browserpool.Guard
	Page      *rod.Page
	CreatedAt time.Time
	lastUsed  atomic.Int64

	mu sync.Mutex

	refCount atomic.Int32
	closing  atomic.Bool

	opMu sync.Mutex
}

// Manager tracks active (browser-attached) sessions in memory and mirrors
// their cookie jar into a FileStore so they survive process restart.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	cfg      *config.Config
	store    *FileStore
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewManager creates a session manager backed by a FileStore rooted at
// cfg.SessionBaseDir and starts its background expiry sweep.
func NewManager(cfg *config.Config, store *FileStore) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		cfg:      cfg,
		store:    store,
		stopCh:   make(chan struct{}),
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.cleanupRoutine()
	}()

	log.Info().
		Dur("ttl", cfg.SessionTTL).
		Dur("cleanup_interval", cfg.SessionCleanupInterval).
		Int("max_sessions", cfg.MaxSessions).
		Msg("session manager initialized")

	return m
}

// Create registers a new active session over guard/page, persisting its
// record in the FileStore. The guard is closed on any error path.
func (m *Manager) Create(ctx context.Context, id string, guard *browserpool.Guard, page *rod.Page) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[id]; exists {
		guard.Close()
		return nil, types.ErrSessionAlreadyExists
	}
	if len(m.sessions) >= m.cfg.MaxSessions {
		guard.Close()
		return nil, types.ErrTooManySessions
	}

	if err := m.store.Create(ctx, id, m.cfg.SessionTTL); err != nil {
		guard.Close()
		return nil, err
	}

	now := time.Now()
	sess := &Session{ID: id, Guard: guard, Page: page, CreatedAt: now}
	sess.lastUsed.Store(now.UnixNano())
	m.sessions[id] = sess

	log.Info().Str("session_id", id).Int("total_sessions", len(m.sessions)).Msg("session created")
	return sess, nil
}

// Get retrieves an active session by ID and refreshes its persisted TTL.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	sess, exists := m.sessions[id]
	if !exists {
		m.mu.RUnlock()
		return nil, types.ErrSessionNotFound
	}
	isClosing := sess.closing.Load()
	m.mu.RUnlock()

	if isClosing {
		return nil, types.ErrSessionNotFound
	}

	sess.Touch()
	if err := m.store.Touch(ctx, id, m.cfg.SessionTTL); err != nil {
		log.Warn().Err(err).Str("session_id", id).Msg("failed to refresh persisted session TTL")
	}
	return sess, nil
}

// Destroy removes an active session, draining in-flight page references
// before closing the page and returning the browser guard to its pool.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	m.mu.Lock()
	sess, exists := m.sessions[id]
	if exists {
		sess.closing.Store(true)
	}
	m.mu.Unlock()

	if !exists {
		return types.ErrSessionNotFound
	}

	if !sess.waitForReferences(5 * time.Second) {
		log.Warn().
			Str("session_id", id).
			Int32("ref_count", sess.refCount.Load()).
			Msg("session destroy: timed out waiting for page references, marked for cleanup")
		return types.ErrSessionInUse
	}

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()

	m.closeSession(sess)
	if err := m.store.Expire(ctx, id); err != nil {
		log.Warn().Err(err).Str("session_id", id).Msg("failed to expire persisted session record")
	}

	log.Info().Str("session_id", id).Dur("lifetime", time.Since(sess.CreatedAt)).Msg("session destroyed")
	return nil
}

func (m *Manager) closeSession(sess *Session) {
	sess.mu.Lock()
	page := sess.Page
	sess.Page = nil
	sess.mu.Unlock()

	if page != nil {
		if cookies, err := page.Cookies(nil); err == nil {
			if err := m.store.SetCookies(context.Background(), sess.ID, translateCookies(cookies)); err != nil {
				log.Warn().Err(err).Str("session_id", sess.ID).Msg("failed to persist cookies on close")
			}
		}
		if err := page.Close(); err != nil {
			log.Warn().Err(err).Str("session_id", sess.ID).Msg("error closing session page")
		}
	}
	if sess.Guard != nil {
		sess.Guard.Close()
	}
}

// List returns all active session IDs.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of active sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) cleanupRoutine() {
	ticker := time.NewTicker(m.cfg.SessionCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.cleanupExpired()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) cleanupExpired() {
	now := time.Now()

	m.mu.Lock()
	var expired []*Session
	for id, sess := range m.sessions {
		if now.Sub(sess.LastUsedTime()) > m.cfg.SessionTTL {
			sess.closing.Store(true)
			expired = append(expired, sess)
			delete(m.sessions, id)
		}
	}
	remaining := len(m.sessions)
	m.mu.Unlock()

	if len(expired) == 0 {
		return
	}

	eg := new(errgroup.Group)
	eg.SetLimit(4)
	for _, sess := range expired {
		sess := sess
		eg.Go(func() error {
			if !sess.waitForReferences(2 * time.Second) {
				log.Warn().Str("session_id", sess.ID).Msg("cleanup: references still held, proceeding anyway")
			}
			m.closeSession(sess)
			if err := m.store.Expire(context.Background(), sess.ID); err != nil {
				log.Warn().Err(err).Str("session_id", sess.ID).Msg("failed to expire persisted session record")
			}
			log.Info().Str("session_id", sess.ID).Dur("lifetime", now.Sub(sess.CreatedAt)).Msg("session expired and cleaned up")
			return nil
		})
	}
	eg.Wait()

	if pruned, err := m.store.PruneExpired(context.Background()); err == nil && pruned > 0 {
		log.Debug().Int("pruned", pruned).Msg("pruned orphaned persisted sessions")
	}

	log.Debug().Int("expired_count", len(expired)).Int("remaining", remaining).Msg("session cleanup completed")
}

// Close shuts down the manager, closing every active session's page and
// returning its browser guard to the pool.
func (m *Manager) Close() error {
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	if len(sessions) == 0 {
		log.Info().Msg("session manager closed")
		return nil
	}

	eg := new(errgroup.Group)
	eg.SetLimit(4)
	for _, sess := range sessions {
		sess := sess
		eg.Go(func() error {
			m.closeSession(sess)
			return nil
		})
	}
	eg.Wait()

	log.Info().Msg("session manager closed")
	return nil
}

func translateCookies(raw []*proto.NetworkCookie) []types.Cookie {
	out := make([]types.Cookie, 0, len(raw))
	for _, rc := range raw {
		out = append(out, types.Cookie{
			Name: rc.Name, Value: rc.Value, Domain: rc.Domain, Path: rc.Path,
			Expires: float64(rc.Expires), HTTPOnly: rc.HTTPOnly, Secure: rc.Secure,
			SameSite: string(rc.SameSite),
		})
	}
	return out
}

// Touch updates the LastUsed timestamp atomically.
func (s *Session) Touch() { s.lastUsed.Store(time.Now().UnixNano()) }

// LastUsedTime returns the last used time.
func (s *Session) LastUsedTime() time.Time { return time.Unix(0, s.lastUsed.Load()) }

// AcquirePage returns the session's page with reference counting, holding
// mu for the whole check-then-increment to avoid a close racing in between.
// Returns nil if the session is closing, the page is gone, or the
// reference count is already at its cap.
func (s *Session) AcquirePage() *rod.Page {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing.Load() || s.Page == nil {
		return nil
	}
	if s.refCount.Load() >= maxPageReferences {
		log.Warn().Str("session_id", s.ID).Int32("ref_count", s.refCount.Load()).Msg("AcquirePage: maximum page references reached")
		return nil
	}
	s.refCount.Add(1)
	return s.Page
}

// AcquirePageWithRelease returns the page and a release func guaranteed to
// run at most once, even if the caller forgets or a path is re-entered.
func (s *Session) AcquirePageWithRelease() (page *rod.Page, release func()) {
	page = s.AcquirePage()
	if page == nil {
		return nil, func() {}
	}
	var once sync.Once
	return page, func() { once.Do(s.ReleasePage) }
}

// ReleasePage decrements the reference count. Must be called exactly once
// per successful AcquirePage.
func (s *Session) ReleasePage() {
	if newCount := s.refCount.Add(-1); newCount < 0 {
		s.refCount.Store(0)
		log.Error().Str("session_id", s.ID).Int32("ref_count", newCount).
			Msg("ReleasePage: ref count went negative, resetting to 0 (more releases than acquires)")
	}
}

func (s *Session) waitForReferences(timeout time.Duration) bool {
	if s.refCount.Load() <= 0 {
		return true
	}
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return false
		case <-ticker.C:
			if s.refCount.Load() <= 0 {
				return true
			}
		}
	}
}

// GetCookies retrieves the session page's current cookies.
func (s *Session) GetCookies() ([]*proto.NetworkCookie, error) {
	page := s.AcquirePage()
	if page == nil {
		return nil, types.ErrSessionPageNil
	}
	defer s.ReleasePage()
	return page.Cookies(nil)
}

// SetCookies sets cookies on the session page.
func (s *Session) SetCookies(cookies []*proto.NetworkCookieParam) error {
	page := s.AcquirePage()
	if page == nil {
		return types.ErrSessionPageNil
	}
	defer s.ReleasePage()
	return page.SetCookies(cookies)
}

// LockOperation acquires the operation mutex before a solve/extract runs
// against this session's page. Caller must call UnlockOperation when done.
func (s *Session) LockOperation() { s.opMu.Lock() }

// UnlockOperation releases the operation mutex.
func (s *Session) UnlockOperation() { s.opMu.Unlock() }
