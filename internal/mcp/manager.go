// ABOUTME: MCP Manager — keyed pool of ServerHandles with dedup'd starts and periodic health polling.
// ABOUTME: Grounded on teacher editor/store.go's map+mutex+ticker sweep pattern and agent/events.go's fan-out for health changes.
package mcp

import (
	"context"
	"sync"
	"time"

	"github.com/strangelove-ventures/mandrake/internal/merr"
)

// Manager is the pool of server handles keyed by server-id (spec.md §4.4).
type Manager struct {
	mu       sync.Mutex
	handles  map[string]*ServerHandle
	starting map[string]chan struct{} // dedup concurrent startServer for the same id
	connect  connector                // overridable in tests

	pollInterval time.Duration
	stopPoll     chan struct{}
	pollOnce     sync.Once
}

// NewManager constructs an empty Manager. pollInterval controls the
// background health-poll cadence; zero uses a 30s default.
func NewManager(pollInterval time.Duration) *Manager {
	if pollInterval <= 0 {
		pollInterval = defaultHealthInterval
	}
	return &Manager{
		handles:      make(map[string]*ServerHandle),
		starting:     make(map[string]chan struct{}),
		connect:      connectViaSDK,
		pollInterval: pollInterval,
		stopPoll:     make(chan struct{}),
	}
}

// NewManagerWithConnector constructs a Manager using a caller-supplied
// Connector instead of the real subprocess-spawning one, for tests that need
// to exercise StartServer/InvokeTool without a real MCP server.
func NewManagerWithConnector(pollInterval time.Duration, connect Connector) *Manager {
	m := NewManager(pollInterval)
	m.connect = connect
	return m
}

// StartServer starts (or returns the already-running) handle for id.
// Concurrent calls for the same id share one in-flight start.
func (m *Manager) StartServer(ctx context.Context, cfg ServerConfig) (*ServerHandle, error) {
	m.mu.Lock()
	if h, ok := m.handles[cfg.ID]; ok && h.GetState() == StateReady {
		m.mu.Unlock()
		return h, nil
	}
	if wait, ok := m.starting[cfg.ID]; ok {
		m.mu.Unlock()
		<-wait
		m.mu.Lock()
		h := m.handles[cfg.ID]
		m.mu.Unlock()
		if h == nil || h.GetState() != StateReady {
			return nil, merr.New(merr.KindInternal, "server start failed concurrently for "+cfg.ID)
		}
		return h, nil
	}

	done := make(chan struct{})
	m.starting[cfg.ID] = done
	h, existing := m.handles[cfg.ID]
	if !existing {
		h = newServerHandle(cfg, m.connect)
		m.handles[cfg.ID] = h
	}
	m.mu.Unlock()

	err := h.Start(ctx)

	m.mu.Lock()
	delete(m.starting, cfg.ID)
	close(done)
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return h, nil
}

// StopServer stops and removes the handle for id, if present.
func (m *Manager) StopServer(ctx context.Context, id string) error {
	m.mu.Lock()
	h, ok := m.handles[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return h.Stop(ctx)
}

// RestartServer stops then starts on the same configuration. Per spec.md
// §4.4, the tool catalog from the prior run remains readable via
// ListAllTools until the new Start call replaces it, so at least one
// consumer call after a restart sees a non-empty catalog even if it races
// the restart.
func (m *Manager) RestartServer(ctx context.Context, id string) (*ServerHandle, error) {
	m.mu.Lock()
	h, ok := m.handles[id]
	m.mu.Unlock()
	if !ok {
		return nil, merr.New(merr.KindServerNotFound, "server not found: "+id)
	}

	prev := h.ListTools()
	if err := h.Stop(ctx); err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.catalog = prev
	h.mu.Unlock()
	if err := h.Start(ctx); err != nil {
		return nil, err
	}
	return h, nil
}

// ListAllTools concatenates the catalog each known handle currently holds,
// whatever its state, each entry already tagged with its owning server id.
func (m *Manager) ListAllTools() []ToolInfo {
	m.mu.Lock()
	handles := make([]*ServerHandle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	var out []ToolInfo
	for _, h := range handles {
		out = append(out, h.ListTools()...)
	}
	return out
}

// InvokeTool dispatches to the named server's handle.
func (m *Manager) InvokeTool(ctx context.Context, serverID, tool string, args map[string]any, approve ApprovalFunc) (*ToolResult, error) {
	m.mu.Lock()
	h, ok := m.handles[serverID]
	m.mu.Unlock()
	if !ok {
		return nil, merr.New(merr.KindServerNotFound, "server not found: "+serverID)
	}
	return h.InvokeTool(ctx, tool, args, approve)
}

// GetCompletions dispatches a completion/complete request to the named
// server's handle (spec.md §4.4/§4.3).
func (m *Manager) GetCompletions(ctx context.Context, serverID string, ref CompletionRef, arg CompletionArgument) (*CompletionResult, error) {
	m.mu.Lock()
	h, ok := m.handles[serverID]
	m.mu.Unlock()
	if !ok {
		return nil, merr.New(merr.KindServerNotFound, "server not found: "+serverID)
	}
	return h.GetCompletions(ctx, ref, arg)
}

// GetServerHealth returns the named handle's health snapshot.
func (m *Manager) GetServerHealth(id string) (HealthStatus, error) {
	m.mu.Lock()
	h, ok := m.handles[id]
	m.mu.Unlock()
	if !ok {
		return HealthStatus{}, merr.New(merr.KindServerNotFound, "server not found: "+id)
	}
	return h.Health(), nil
}

// ListServers returns a presentation-facing summary of every known handle
// (expansion, SPEC_FULL.md §4).
func (m *Manager) ListServers() []ServerSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ServerSummary, 0, len(m.handles))
	for id, h := range m.handles {
		out = append(out, ServerSummary{
			ID:     id,
			State:  h.GetState(),
			Tools:  len(h.ListTools()),
			Health: h.Health(),
		})
	}
	return out
}

// StartHealthPolling runs CheckHealth on every ready handle at
// m.pollInterval until ctx is cancelled or Close is called. Errored handles
// past their backoff window are retried automatically.
func (m *Manager) StartHealthPolling(ctx context.Context) {
	m.pollOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(m.pollInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-m.stopPoll:
					return
				case <-ticker.C:
					m.pollOnceNow(ctx)
				}
			}
		}()
	})
}

func (m *Manager) pollOnceNow(ctx context.Context) {
	m.mu.Lock()
	handles := make([]*ServerHandle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		if h.GetState() == StateReady {
			h.CheckHealth(ctx)
		} else if h.ReadyForRetry() {
			_ = h.Start(ctx)
		}
	}
}

// Close stops health polling and every handle.
func (m *Manager) Close(ctx context.Context) error {
	close(m.stopPoll)

	m.mu.Lock()
	handles := make([]*ServerHandle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	var firstErr error
	for _, h := range handles {
		if err := h.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
