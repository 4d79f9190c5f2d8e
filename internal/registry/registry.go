// ABOUTME: Service Registry — process-wide cache of per-workspace resources and per-session coordinators with LRU eviction and idle sweep.
// ABOUTME: Grounded on teacher editor/store.go's mutex-guarded map, oldest-LastAccess eviction, and ticker-driven Cleanup/StartCleanup.
package registry

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/strangelove-ventures/mandrake/internal/coordinator"
	"github.com/strangelove-ventures/mandrake/internal/llm"
	"github.com/strangelove-ventures/mandrake/internal/mcp"
	"github.com/strangelove-ventures/mandrake/internal/merr"
	"github.com/strangelove-ventures/mandrake/internal/prompt"
	"github.com/strangelove-ventures/mandrake/internal/store"
	"github.com/strangelove-ventures/mandrake/internal/workspace"
)

const (
	defaultMaxConcurrentSessions = 32
	defaultSweepInterval         = 60 * time.Second
	defaultWorkspaceIdleTimeout  = 10 * time.Minute
)

// WorkspaceResources bundles the shared, reference-counted handles for one
// workspace (spec.md §4.9).
type WorkspaceResources struct {
	ID       string
	Path     string
	Manager  *mcp.Manager
	Storage  *store.Engine
	Provider *llm.Client

	refs     int
	lastUsed time.Time
}

// sessionEntry is the Registry's private bookkeeping for one live
// SessionCoordinator; it back-references its workspace by id rather than
// holding a strong pointer cycle (spec.md §9 redesign flag on cyclic
// references).
type sessionEntry struct {
	workspaceID string
	coordinator *coordinator.Coordinator
	lastUsed    time.Time
}

// Config carries the knobs a Registry is tuned with; zero values fall back
// to the spec's defaults.
type Config struct {
	MaxConcurrentSessions int
	SweepInterval         time.Duration
	WorkspaceIdleTimeout  time.Duration

	// NewCoordinator builds a Coordinator for one session given its
	// workspace's resources; callers supply this so the Registry does not
	// need to know prompt/model selection policy.
	NewCoordinator func(ws *WorkspaceResources, sessionID string) *coordinator.Coordinator
}

// Registry is the process-wide singleton described in spec.md §4.9. It owns
// no business logic of its own; it caches and disposes resources that
// Coordinators borrow.
type Registry struct {
	mu         sync.Mutex
	cfg        Config
	workspaces map[string]*WorkspaceResources
	sessions   map[string]*sessionEntry

	initialized bool
	stopSweep   chan struct{}
	sweepOnce   sync.Once
}

// New constructs a Registry. Call Initialize before first use.
func New(cfg Config) *Registry {
	if cfg.MaxConcurrentSessions <= 0 {
		cfg.MaxConcurrentSessions = defaultMaxConcurrentSessions
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.WorkspaceIdleTimeout <= 0 {
		cfg.WorkspaceIdleTimeout = defaultWorkspaceIdleTimeout
	}
	return &Registry{
		cfg:        cfg,
		workspaces: make(map[string]*WorkspaceResources),
		sessions:   make(map[string]*sessionEntry),
		stopSweep:  make(chan struct{}),
	}
}

// Initialize starts the periodic idle sweep. Idempotent: a second call is a
// no-op, per spec.md §4.9's "initialization is idempotent" contract.
func (r *Registry) Initialize(ctx context.Context) {
	r.mu.Lock()
	already := r.initialized
	r.initialized = true
	r.mu.Unlock()
	if already {
		return
	}

	r.sweepOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(r.cfg.SweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-r.stopSweep:
					return
				case <-ticker.C:
					r.sweepIdleWorkspaces()
				}
			}
		}()
	})
}

// GetWorkspaceResources returns the cached WorkspaceResources for id,
// opening storage and starting the MCP manager on first call (spec.md
// §4.9 getWorkspaceResources). path is the workspace root on disk; it is
// only consulted the first time id is seen.
func (r *Registry) GetWorkspaceResources(ctx context.Context, id, path string) (*WorkspaceResources, error) {
	r.mu.Lock()
	if ws, ok := r.workspaces[id]; ok {
		ws.refs++
		ws.lastUsed = time.Now()
		r.mu.Unlock()
		return ws, nil
	}
	r.mu.Unlock()

	eng, err := store.OpenEngine(workspace.New(path).DBPath())
	if err != nil {
		return nil, merr.Storage("open workspace storage", err)
	}
	mgr := mcp.NewManager(0)
	mgr.StartHealthPolling(ctx)

	ws := &WorkspaceResources{
		ID:       id,
		Path:     path,
		Manager:  mgr,
		Storage:  eng,
		Provider: llm.FromEnv(),
		refs:     1,
		lastUsed: time.Now(),
	}

	r.mu.Lock()
	if existing, ok := r.workspaces[id]; ok {
		// Lost a race against a concurrent opener; keep the winner, discard
		// ours, and refcount through the winner instead.
		existing.refs++
		existing.lastUsed = time.Now()
		r.mu.Unlock()
		_ = eng.Close()
		_ = mgr.Close(ctx)
		return existing, nil
	}
	r.workspaces[id] = ws
	r.mu.Unlock()

	log.Printf("component=registry action=workspace_opened workspace=%s path=%s", id, path)
	return ws, nil
}

// GetSessionCoordinator returns the cached Coordinator for sessionID,
// creating it (and borrowing its workspace's resources) on first call
// (spec.md §4.9 getSessionCoordinator). Evicts the least-recently-used
// session if maxConcurrentSessions is exceeded.
func (r *Registry) GetSessionCoordinator(ctx context.Context, workspaceID, workspacePath, sessionID string) (*coordinator.Coordinator, error) {
	r.mu.Lock()
	if entry, ok := r.sessions[sessionID]; ok {
		entry.lastUsed = time.Now()
		r.mu.Unlock()
		return entry.coordinator, nil
	}
	r.mu.Unlock()

	ws, err := r.GetWorkspaceResources(ctx, workspaceID, workspacePath)
	if err != nil {
		return nil, err
	}

	if r.cfg.NewCoordinator == nil {
		return nil, merr.New(merr.KindInternal, "registry: NewCoordinator is not configured")
	}
	co := r.cfg.NewCoordinator(ws, sessionID)

	r.mu.Lock()
	r.sessions[sessionID] = &sessionEntry{workspaceID: workspaceID, coordinator: co, lastUsed: time.Now()}
	overflow := len(r.sessions) - r.cfg.MaxConcurrentSessions
	r.mu.Unlock()

	for i := 0; i < overflow; i++ {
		r.evictLRUSession()
	}

	log.Printf("component=registry action=session_coordinator_created session=%s workspace=%s", sessionID, workspaceID)
	return co, nil
}

// evictLRUSession releases the least-recently-used session's coordinator,
// per spec.md §4.9's exceed-maxConcurrentSessions eviction rule.
func (r *Registry) evictLRUSession() {
	r.mu.Lock()
	var oldestID string
	var oldest time.Time
	for id, e := range r.sessions {
		if oldest.IsZero() || e.lastUsed.Before(oldest) {
			oldestID = id
			oldest = e.lastUsed
		}
	}
	r.mu.Unlock()

	if oldestID == "" {
		return
	}
	log.Printf("component=registry action=evict_lru_session session=%s", oldestID)
	r.ReleaseSessionResources(oldestID)
}

// ReleaseSessionResources tears down the session's coordinator binding and
// releases its borrow on the workspace (spec.md §4.9 explicit tear-down).
func (r *Registry) ReleaseSessionResources(sessionID string) {
	r.mu.Lock()
	entry, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sessionID)
	ws, wsOK := r.workspaces[entry.workspaceID]
	if wsOK {
		ws.refs--
	}
	r.mu.Unlock()

	if wsOK && ws.refs <= 0 {
		r.maybeDisposeWorkspace(ws)
	}
}

// ReleaseWorkspaceResources decrements the workspace's reference count and
// disposes it immediately if unreferenced (spec.md §4.9 explicit tear-down;
// the periodic sweep additionally catches workspaces that go idle without
// an explicit release).
func (r *Registry) ReleaseWorkspaceResources(id string) {
	r.mu.Lock()
	ws, ok := r.workspaces[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	ws.refs--
	r.mu.Unlock()

	if ws.refs <= 0 {
		r.maybeDisposeWorkspace(ws)
	}
}

// maybeDisposeWorkspace closes a zero-ref workspace's resources and removes
// it from the cache. Safe to call speculatively; re-checks refs under lock.
func (r *Registry) maybeDisposeWorkspace(ws *WorkspaceResources) {
	r.mu.Lock()
	current, ok := r.workspaces[ws.ID]
	if !ok || current != ws || current.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.workspaces, ws.ID)
	r.mu.Unlock()

	log.Printf("component=registry action=workspace_disposed workspace=%s", ws.ID)
	ctx := context.Background()
	if err := ws.Manager.Close(ctx); err != nil {
		log.Printf("component=registry action=workspace_dispose_manager_err workspace=%s err=%v", ws.ID, err)
	}
	if err := ws.Storage.Close(); err != nil {
		log.Printf("component=registry action=workspace_dispose_storage_err workspace=%s err=%v", ws.ID, err)
	}
	if err := ws.Provider.Close(); err != nil {
		log.Printf("component=registry action=workspace_dispose_provider_err workspace=%s err=%v", ws.ID, err)
	}
}

// sweepIdleWorkspaces disposes zero-ref workspaces idle past
// WorkspaceIdleTimeout, per spec.md §4.9's periodic sweep.
func (r *Registry) sweepIdleWorkspaces() {
	cutoff := time.Now().Add(-r.cfg.WorkspaceIdleTimeout)

	r.mu.Lock()
	var idle []*WorkspaceResources
	for _, ws := range r.workspaces {
		if ws.refs <= 0 && ws.lastUsed.Before(cutoff) {
			idle = append(idle, ws)
		}
	}
	r.mu.Unlock()

	for _, ws := range idle {
		r.maybeDisposeWorkspace(ws)
	}
}

// Dispose cancels every live coordinator's ability to start new work,
// closes every workspace's resources, and stops the sweep goroutine
// (spec.md §5 "Registry.dispose()"). Coordinators are expected to finish
// any turn already in flight before their context is cancelled by the
// caller; Dispose itself only tears down resources once callers have
// stopped issuing new HandleRequest calls.
func (r *Registry) Dispose() {
	close(r.stopSweep)

	r.mu.Lock()
	sessionIDs := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		sessionIDs = append(sessionIDs, id)
	}
	r.mu.Unlock()

	for _, id := range sessionIDs {
		r.ReleaseSessionResources(id)
	}

	r.mu.Lock()
	remaining := make([]*WorkspaceResources, 0, len(r.workspaces))
	for _, ws := range r.workspaces {
		remaining = append(remaining, ws)
	}
	r.mu.Unlock()

	for _, ws := range remaining {
		ws.refs = 0
		r.maybeDisposeWorkspace(ws)
	}
}

// DefaultPromptConfig builds a minimal prompt.Config from a workspace's
// resources; callers typically override Instructions/Tools per session.
func DefaultPromptConfig(ws *WorkspaceResources) prompt.Config {
	return prompt.Config{
		WorkspaceName:            ws.ID,
		WorkspacePath:            ws.Path,
		IncludeWorkspaceMetadata: true,
		IncludeSystemInfo:        true,
		IncludeDateTime:          true,
	}
}
