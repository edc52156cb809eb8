package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/riptide/rgec/internal/config"
	"github.com/riptide/rgec/internal/types"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	return store
}

func TestFileStoreCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, "test-session-0001", time.Hour); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	got, err := store.Get(ctx, "test-session-0001")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.SessionID != "test-session-0001" {
		t.Fatalf("Get().SessionID = %q, want sess-1", got.SessionID)
	}
}

func TestFileStoreCreateRejectsDuplicate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	store.Create(ctx, "dup", time.Hour)

	if err := store.Create(ctx, "dup", time.Hour); err != types.ErrSessionAlreadyExists {
		t.Fatalf("Create() duplicate error = %v, want ErrSessionAlreadyExists", err)
	}
}

func TestFileStoreGetMissingReturnsNotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Get(context.Background(), "ghost"); err != types.ErrSessionNotFound {
		t.Fatalf("Get() missing error = %v, want ErrSessionNotFound", err)
	}
}

func TestFileStoreGetExpiredReturnsExpired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	store.Create(ctx, "short-lived-session", time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	if _, err := store.Get(ctx, "short-lived-session"); err != types.ErrSessionExpired {
		t.Fatalf("Get() expired error = %v, want ErrSessionExpired", err)
	}
}

func TestFileStoreSetAndGetCookiesForDomain(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	store.Create(ctx, "cookiejar-session", time.Hour)

	cookies := []types.Cookie{
		{Name: "a", Value: "1", Domain: "example.com"},
		{Name: "b", Value: "2", Domain: "other.test"},
	}
	if err := store.SetCookies(ctx, "cookiejar-session", cookies); err != nil {
		t.Fatalf("SetCookies() error = %v", err)
	}

	got, err := store.CookiesForDomain(ctx, "cookiejar-session", "example.com")
	if err != nil {
		t.Fatalf("CookiesForDomain() error = %v", err)
	}
	if len(got) != 1 || got[0].Name != "a" {
		t.Fatalf("CookiesForDomain() = %+v, want only cookie a", got)
	}
}

func TestFileStoreTouchExtendsExpiry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	store.Create(ctx, "touchme", time.Millisecond)

	if err := store.Touch(ctx, "touchme", time.Hour); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := store.Get(ctx, "touchme"); err != nil {
		t.Fatalf("Get() after Touch() error = %v, want no error", err)
	}
}

func TestFileStoreExpireRemovesRecord(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	store.Create(ctx, "bye", time.Hour)
	if err := store.Expire(ctx, "bye"); err != nil {
		t.Fatalf("Expire() error = %v", err)
	}
	if _, err := store.Get(ctx, "bye"); err != types.ErrSessionNotFound {
		t.Fatalf("Get() after Expire() error = %v, want ErrSessionNotFound", err)
	}
}

func TestFileStorePruneExpired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	store.Create(ctx, "stale-session-0001", time.Millisecond)
	store.Create(ctx, "fresh-session-0001", time.Hour)
	time.Sleep(5 * time.Millisecond)

	pruned, err := store.PruneExpired(ctx)
	if err != nil {
		t.Fatalf("PruneExpired() error = %v", err)
	}
	if pruned != 1 {
		t.Fatalf("PruneExpired() = %d, want 1", pruned)
	}
	if _, err := store.Get(ctx, "fresh-session-0001"); err != nil {
		t.Fatalf("Get(fresh) error = %v, want no error", err)
	}
}

func TestFileStoreUserDataDirCreatesDirectory(t *testing.T) {
	store := newTestStore(t)
	dir, err := store.UserDataDir("profiled")
	if err != nil {
		t.Fatalf("UserDataDir() error = %v", err)
	}
	if filepath.Base(dir) != "profile" {
		t.Fatalf("UserDataDir() = %q, want it to end in profile", dir)
	}
}

func testManagerConfig(t *testing.T) *config.Config {
	cfg := config.Load()
	cfg.MaxSessions = 2
	cfg.SessionTTL = time.Hour
	cfg.SessionCleanupInterval = time.Hour
	cfg.SessionBaseDir = t.TempDir()
	return cfg
}

func TestNewManagerStartsEmpty(t *testing.T) {
	cfg := testManagerConfig(t)
	store, err := NewFileStore(cfg.SessionBaseDir)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	m := NewManager(cfg, store)
	defer m.Close()

	if m.Count() != 0 {
		t.Errorf("Count() = %d, want 0", m.Count())
	}
	if len(m.List()) != 0 {
		t.Errorf("List() = %v, want empty", m.List())
	}
}

func TestManagerCloseIsSafeWithNoSessions(t *testing.T) {
	cfg := testManagerConfig(t)
	store, _ := NewFileStore(cfg.SessionBaseDir)
	m := NewManager(cfg, store)

	if err := m.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestSessionTouchAndLastUsedTime(t *testing.T) {
	s := &Session{ID: "x", CreatedAt: time.Now()}
	before := time.Now()
	s.Touch()
	if s.LastUsedTime().Before(before) {
		t.Fatal("Touch() did not advance LastUsedTime")
	}
}

func TestAcquirePageReturnsNilWhenClosing(t *testing.T) {
	s := &Session{ID: "x"}
	s.closing.Store(true)
	if p := s.AcquirePage(); p != nil {
		t.Fatal("AcquirePage() on closing session should return nil")
	}
}

func TestAcquirePageWithReleaseIsIdempotent(t *testing.T) {
	s := &Session{ID: "x"}
	// Page is nil in this unit test, so AcquirePage returns nil and the
	// release func must still be a safe no-op callable any number of times.
	_, release := s.AcquirePageWithRelease()
	release()
	release()
}

func TestReleasePageUnderflowResetsToZero(t *testing.T) {
	s := &Session{ID: "x"}
	s.ReleasePage()
	if got := s.refCount.Load(); got != 0 {
		t.Fatalf("refCount after underflow = %d, want 0", got)
	}
}

func TestWaitForReferencesReturnsTrueWhenIdle(t *testing.T) {
	s := &Session{ID: "x"}
	if !s.waitForReferences(10 * time.Millisecond) {
		t.Fatal("waitForReferences() on idle session should return true immediately")
	}
}

func TestWaitForReferencesTimesOutWhenHeld(t *testing.T) {
	s := &Session{ID: "x"}
	s.refCount.Store(1)
	if s.waitForReferences(20 * time.Millisecond) {
		t.Fatal("waitForReferences() should time out while a reference is held")
	}
}

func TestLockUnlockOperationRoundTrip(t *testing.T) {
	s := &Session{ID: "x"}
	s.LockOperation()
	s.UnlockOperation()
}
