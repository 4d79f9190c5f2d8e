package registry

import (
	"context"
	"testing"
	"time"

	"github.com/strangelove-ventures/mandrake/internal/coordinator"
	"github.com/strangelove-ventures/mandrake/internal/prompt"
)

func newTestRegistry(t *testing.T, maxSessions int) *Registry {
	t.Helper()
	r := New(Config{
		MaxConcurrentSessions: maxSessions,
		SweepInterval:         time.Hour, // tests drive sweep manually
		WorkspaceIdleTimeout:  time.Hour,
		NewCoordinator: func(ws *WorkspaceResources, sessionID string) *coordinator.Coordinator {
			return coordinator.New(coordinator.Config{
				Store:        ws.Storage,
				Manager:      ws.Manager,
				Provider:     ws.Provider,
				ProviderName: "local",
				Model:        "mandrake-local-fixture",
				PromptConfig: prompt.Config{Instructions: "be helpful"},
			})
		},
	})
	return r
}

func TestGetWorkspaceResourcesIsCachedByID(t *testing.T) {
	r := newTestRegistry(t, 32)
	ctx := context.Background()
	dir := t.TempDir()

	a, err := r.GetWorkspaceResources(ctx, "ws1", dir)
	if err != nil {
		t.Fatalf("get workspace resources: %v", err)
	}
	b, err := r.GetWorkspaceResources(ctx, "ws1", dir)
	if err != nil {
		t.Fatalf("get workspace resources (2nd): %v", err)
	}
	if a != b {
		t.Fatal("expected the same WorkspaceResources instance for the same id")
	}
	if a.refs != 2 {
		t.Fatalf("expected refcount 2, got %d", a.refs)
	}
}

func TestGetSessionCoordinatorCachedAndIdempotent(t *testing.T) {
	r := newTestRegistry(t, 32)
	ctx := context.Background()
	dir := t.TempDir()

	co1, err := r.GetSessionCoordinator(ctx, "ws1", dir, "sess1")
	if err != nil {
		t.Fatalf("get session coordinator: %v", err)
	}
	co2, err := r.GetSessionCoordinator(ctx, "ws1", dir, "sess1")
	if err != nil {
		t.Fatalf("get session coordinator (2nd): %v", err)
	}
	if co1 != co2 {
		t.Fatal("expected the same Coordinator instance for the same session id")
	}
}

func TestMaxConcurrentSessionsEvictsLRU(t *testing.T) {
	r := newTestRegistry(t, 2)
	ctx := context.Background()
	dir := t.TempDir()

	if _, err := r.GetSessionCoordinator(ctx, "ws1", dir, "sess1"); err != nil {
		t.Fatalf("sess1: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := r.GetSessionCoordinator(ctx, "ws1", dir, "sess2"); err != nil {
		t.Fatalf("sess2: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := r.GetSessionCoordinator(ctx, "ws1", dir, "sess3"); err != nil {
		t.Fatalf("sess3: %v", err)
	}

	r.mu.Lock()
	_, sess1Alive := r.sessions["sess1"]
	_, sess2Alive := r.sessions["sess2"]
	_, sess3Alive := r.sessions["sess3"]
	count := len(r.sessions)
	r.mu.Unlock()

	if count != 2 {
		t.Fatalf("expected exactly 2 sessions retained, got %d", count)
	}
	if sess1Alive {
		t.Fatal("expected sess1 (least recently used) to have been evicted")
	}
	if !sess2Alive || !sess3Alive {
		t.Fatalf("expected sess2 and sess3 to remain, got sess2=%v sess3=%v", sess2Alive, sess3Alive)
	}
}

func TestReleaseWorkspaceResourcesDisposesAtZeroRefs(t *testing.T) {
	r := newTestRegistry(t, 32)
	ctx := context.Background()
	dir := t.TempDir()

	ws, err := r.GetWorkspaceResources(ctx, "ws1", dir)
	if err != nil {
		t.Fatalf("get workspace resources: %v", err)
	}

	r.ReleaseWorkspaceResources("ws1")

	r.mu.Lock()
	_, stillCached := r.workspaces["ws1"]
	r.mu.Unlock()
	if stillCached {
		t.Fatal("expected workspace to be disposed once refs reached zero")
	}
	_ = ws
}

func TestInitializeIsIdempotent(t *testing.T) {
	r := newTestRegistry(t, 32)
	ctx := context.Background()
	r.Initialize(ctx)
	r.Initialize(ctx) // must not panic (e.g. double-close of stopSweep) or start a second sweep goroutine
}

func TestSweepIdleWorkspacesDisposesPastTimeout(t *testing.T) {
	r := newTestRegistry(t, 32)
	r.cfg.WorkspaceIdleTimeout = time.Millisecond
	ctx := context.Background()
	dir := t.TempDir()

	if _, err := r.GetWorkspaceResources(ctx, "ws1", dir); err != nil {
		t.Fatalf("get workspace resources: %v", err)
	}
	// Drop the borrow directly: ReleaseWorkspaceResources would dispose the
	// workspace immediately at zero refs, leaving nothing for the sweep to do.
	r.mu.Lock()
	r.workspaces["ws1"].refs = 0
	r.mu.Unlock()

	time.Sleep(5 * time.Millisecond)
	r.sweepIdleWorkspaces()

	r.mu.Lock()
	_, stillCached := r.workspaces["ws1"]
	r.mu.Unlock()
	if stillCached {
		t.Fatal("expected idle workspace to be swept")
	}
}
