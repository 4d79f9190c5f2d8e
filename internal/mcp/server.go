// ABOUTME: MCP Server Handle — one subprocess's lifecycle, tool catalog, health, and invoke semantics.
// ABOUTME: Grounded on teacher editor/store.go's mutex-guarded state + TTL sweep, and agent/tools.go's approval-before-dispatch shape.
package mcp

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/strangelove-ventures/mandrake/internal/merr"
)

const (
	defaultInvokeTimeout  = 30 * time.Second
	defaultHealthInterval = 30 * time.Second
	backoffBase           = 500 * time.Millisecond
	backoffCap            = 30 * time.Second
	failuresUntilError    = 3
	healthWindowSize      = 20
)

// ServerHandle owns one subprocess and its Transport. Methods here
// correspond 1:1 to spec.md §4.3's contract: listTools, invokeTool,
// checkHealth, getState, getConfig, start, stop.
type ServerHandle struct {
	mu sync.Mutex

	cfg   ServerConfig
	t     *transport
	state State

	catalog []ToolInfo

	consecutiveFailures int
	lastLatency         time.Duration
	window              []HealthSample
	retryAt             time.Time
}

func newServerHandle(cfg ServerConfig, connect connector) *ServerHandle {
	state := StateDisconnected
	if cfg.Disabled {
		state = StateDisabled
	}
	if cfg.InvokeTimeout == 0 {
		cfg.InvokeTimeout = defaultInvokeTimeout
	}
	if cfg.HealthInterval == 0 {
		cfg.HealthInterval = defaultHealthInterval
	}
	if cfg.HealthStrategy == "" {
		cfg.HealthStrategy = HealthToolListing
	}
	return &ServerHandle{cfg: cfg, t: newTransport(cfg, connect), state: state}
}

// GetState returns the current lifecycle state.
func (h *ServerHandle) GetState() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// GetConfig returns a copy of the handle's configuration.
func (h *ServerHandle) GetConfig() ServerConfig {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cfg
}

// Start transitions disconnected -> starting -> ready, populating the tool
// catalog. A disabled handle refuses to start.
func (h *ServerHandle) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.state == StateDisabled {
		h.mu.Unlock()
		return merr.New(merr.KindServerDisabled, "server "+h.cfg.ID+" is disabled")
	}
	if h.state == StateReady {
		h.mu.Unlock()
		return nil
	}
	h.state = StateStarting
	h.mu.Unlock()

	if err := h.t.start(ctx); err != nil {
		h.mu.Lock()
		h.state = StateError
		h.retryAt = time.Now().Add(backoffBase)
		h.mu.Unlock()
		return err
	}

	tools, err := h.t.listTools(ctx)
	if err != nil {
		h.mu.Lock()
		h.state = StateError
		h.retryAt = time.Now().Add(backoffBase)
		h.mu.Unlock()
		return err
	}

	h.mu.Lock()
	for i := range tools {
		tools[i].Server = h.cfg.ID
	}
	h.catalog = tools
	h.state = StateReady
	h.consecutiveFailures = 0
	h.mu.Unlock()
	return nil
}

// Stop transitions ready -> stopping -> disconnected, idempotently.
func (h *ServerHandle) Stop(ctx context.Context) error {
	h.mu.Lock()
	if h.state == StateDisconnected || h.state == StateDisabled {
		h.mu.Unlock()
		return nil
	}
	h.state = StateStopping
	h.mu.Unlock()

	err := h.t.close()

	h.mu.Lock()
	h.state = StateDisconnected
	h.catalog = nil
	h.mu.Unlock()
	return err
}

// ListTools returns the last-fetched catalog.
func (h *ServerHandle) ListTools() []ToolInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ToolInfo, len(h.catalog))
	copy(out, h.catalog)
	return out
}

// InvokeTool serializes a tools/call, consulting approve for anything not
// already in the server's AutoApprove set.
func (h *ServerHandle) InvokeTool(ctx context.Context, name string, args map[string]any, approve ApprovalFunc) (*ToolResult, error) {
	h.mu.Lock()
	state := h.state
	autoApproved := h.cfg.AutoApprove[name]
	timeout := h.cfg.InvokeTimeout
	h.mu.Unlock()

	if state == StateDisabled {
		return nil, merr.New(merr.KindServerDisabled, "server "+h.cfg.ID+" is disabled")
	}
	if state != StateReady {
		return nil, merr.New(merr.KindServerNotFound, "server "+h.cfg.ID+" is not ready (state="+string(state)+")")
	}

	if !autoApproved && approve != nil {
		if err := approve(ctx, h.cfg.ID, name, args); err != nil {
			return nil, merr.Wrap(merr.KindToolDenied, "tool "+name+" denied", err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res, err := h.t.invoke(callCtx, name, args)
	latency := time.Since(start)

	if err != nil {
		h.recordHealth(false, latency, err.Error())
		if callCtx.Err() != nil {
			return nil, merr.Wrap(merr.KindToolTimeout, "tool "+name+" timed out", err)
		}
		return nil, err
	}
	h.recordHealth(true, latency, "")
	return res, nil
}

// GetCompletions dispatches a completion/complete request to the server, for
// argument autocompletion against a prompt or resource template it exposes
// (spec.md §4.3 getCompletions / §6 completion/complete). Unlike InvokeTool,
// completions are read-only queries and do not consult the approval hook.
func (h *ServerHandle) GetCompletions(ctx context.Context, ref CompletionRef, arg CompletionArgument) (*CompletionResult, error) {
	h.mu.Lock()
	state := h.state
	h.mu.Unlock()

	if state == StateDisabled {
		return nil, merr.New(merr.KindServerDisabled, "server "+h.cfg.ID+" is disabled")
	}
	if state != StateReady {
		return nil, merr.New(merr.KindServerNotFound, "server "+h.cfg.ID+" is not ready (state="+string(state)+")")
	}
	return h.t.getCompletions(ctx, ref, arg)
}

// CheckHealth runs the configured strategy once and updates the rolling
// window and failure counter, transitioning to error after three
// consecutive failures (spec.md §4.3).
func (h *ServerHandle) CheckHealth(ctx context.Context) HealthStatus {
	h.mu.Lock()
	state := h.state
	strategy := h.cfg.HealthStrategy
	h.mu.Unlock()

	if state != StateReady {
		return h.Health()
	}

	start := time.Now()
	var err error
	switch strategy {
	case HealthSpecificTool:
		_, err = h.t.invoke(ctx, h.cfg.HealthTool, h.cfg.HealthToolArgs)
	case HealthPing, HealthCustom, HealthToolListing:
		_, err = h.t.listTools(ctx)
	}
	latency := time.Since(start)

	h.recordHealth(err == nil, latency, errString(err))
	return h.Health()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (h *ServerHandle) recordHealth(success bool, latency time.Duration, errMsg string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastLatency = latency
	h.window = append(h.window, HealthSample{ID: ulid.Make().String(), Timestamp: time.Now(), Success: success, Latency: latency, Err: errMsg})
	if len(h.window) > healthWindowSize {
		h.window = h.window[len(h.window)-healthWindowSize:]
	}

	if success {
		h.consecutiveFailures = 0
		return
	}
	h.consecutiveFailures++
	if h.consecutiveFailures >= failuresUntilError && h.state != StateDisabled {
		h.state = StateError
		h.retryAt = time.Now().Add(backoffDelay(h.consecutiveFailures))
	}
}

// backoffDelay computes exponential backoff with jitter per spec.md §4.3:
// base 500ms, cap 30s, jitter +/-20%.
func backoffDelay(attempt int) time.Duration {
	d := backoffBase
	for i := 1; i < attempt && d < backoffCap; i++ {
		d *= 2
	}
	if d > backoffCap {
		d = backoffCap
	}
	jitter := time.Duration(float64(d) * 0.2 * (2*rand.Float64() - 1))
	return d + jitter
}

// Health returns the current health snapshot.
func (h *ServerHandle) Health() HealthStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	window := make([]HealthSample, len(h.window))
	copy(window, h.window)
	return HealthStatus{
		State:               h.state,
		LastLatency:         h.lastLatency,
		ConsecutiveFailures: h.consecutiveFailures,
		Window:              window,
	}
}

// ReadyForRetry reports whether an errored handle's backoff has elapsed.
func (h *ServerHandle) ReadyForRetry() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == StateError && !time.Now().Before(h.retryAt)
}
