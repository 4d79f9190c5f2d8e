// ABOUTME: Framed JSON-RPC transport to one MCP server subprocess, built on modelcontextprotocol/go-sdk.
// ABOUTME: Owns the closed/starting/connected/closing state machine from SPEC_FULL.md §4.2; subprocess lifecycle grounded on teacher agent/exec_local.go.
package mcp

import (
	"context"
	"fmt"
	"os/exec"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/strangelove-ventures/mandrake/internal/merr"
)

// session is the subset of *mcp.ClientSession the rest of this package
// depends on. Abstracted so tests can supply a fake without spawning a
// subprocess, the same way teacher agent/exec_local.go separates
// ExecutionEnvironment from its concrete local implementation.
type session interface {
	ListTools(ctx context.Context) ([]ToolInfo, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error)
	Complete(ctx context.Context, ref CompletionRef, arg CompletionArgument) (*CompletionResult, error)
	Close() error
}

// connector opens a session for a ServerConfig. Swappable in tests.
type connector func(ctx context.Context, cfg ServerConfig) (session, error)

// Session and Connector are exported aliases so other packages can supply a
// fake connector (e.g. to test a Coordinator end to end without spawning a
// real subprocess) without this package exposing its internal naming.
type Session = session
type Connector = connector

// transport owns one subprocess and its framed JSON-RPC channel. start,
// listTools, invoke, getCompletions, and close are synchronized by mu; state transitions are the only externally
// observable behavior (spec.md §4.2).
type transport struct {
	mu      sync.Mutex
	state   TransportState
	cfg     ServerConfig
	connect connector
	sess    session
}

func newTransport(cfg ServerConfig, connect connector) *transport {
	if connect == nil {
		connect = connectViaSDK
	}
	return &transport{state: TransportClosed, cfg: cfg, connect: connect}
}

// start opens the underlying stdio streams and transitions to connected.
// Fails with a KindInternal merr.Error wrapping the connect error if the
// subprocess exits before the handshake completes.
func (t *transport) start(ctx context.Context) error {
	t.mu.Lock()
	if t.state == TransportConnected {
		t.mu.Unlock()
		return nil
	}
	t.state = TransportStarting
	t.mu.Unlock()

	sess, err := t.connect(ctx, t.cfg)
	if err != nil {
		t.mu.Lock()
		t.state = TransportClosed
		t.mu.Unlock()
		return merr.Wrap(merr.KindInternal, fmt.Sprintf("connect to mcp server %s", t.cfg.ID), err)
	}

	t.mu.Lock()
	t.sess = sess
	t.state = TransportConnected
	t.mu.Unlock()
	return nil
}

// isConnected is exact with respect to the internal state machine.
func (t *transport) isConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == TransportConnected
}

func (t *transport) currentState() TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// listTools is rejected unless connected.
func (t *transport) listTools(ctx context.Context) ([]ToolInfo, error) {
	t.mu.Lock()
	if t.state != TransportConnected {
		t.mu.Unlock()
		return nil, merr.New(merr.KindInternal, "transport not connected")
	}
	sess := t.sess
	t.mu.Unlock()

	tools, err := sess.ListTools(ctx)
	if err != nil {
		return nil, merr.Wrap(merr.KindProviderError, "list tools", err)
	}
	return tools, nil
}

// invoke dispatches a tools/call and is rejected unless connected.
func (t *transport) invoke(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	t.mu.Lock()
	if t.state != TransportConnected {
		t.mu.Unlock()
		return nil, merr.New(merr.KindInternal, "transport not connected")
	}
	sess := t.sess
	t.mu.Unlock()

	res, err := sess.CallTool(ctx, name, args)
	if err != nil {
		return nil, merr.Wrap(merr.KindProviderError, "invoke tool "+name, err)
	}
	return res, nil
}

// getCompletions dispatches a completion/complete request and is rejected
// unless connected (spec.md §4.3 getCompletions / §6 completion/complete).
func (t *transport) getCompletions(ctx context.Context, ref CompletionRef, arg CompletionArgument) (*CompletionResult, error) {
	t.mu.Lock()
	if t.state != TransportConnected {
		t.mu.Unlock()
		return nil, merr.New(merr.KindInternal, "transport not connected")
	}
	sess := t.sess
	t.mu.Unlock()

	res, err := sess.Complete(ctx, ref, arg)
	if err != nil {
		return nil, merr.Wrap(merr.KindProviderError, "get completions", err)
	}
	return res, nil
}

// close is idempotent: drains pending writes by delegating to the session's
// own Close, removes the handle to the session, and tears the subprocess
// down with it.
func (t *transport) close() error {
	t.mu.Lock()
	if t.state == TransportClosed {
		t.mu.Unlock()
		return nil
	}
	t.state = TransportClosing
	sess := t.sess
	t.sess = nil
	t.mu.Unlock()

	var err error
	if sess != nil {
		err = sess.Close()
	}

	t.mu.Lock()
	t.state = TransportClosed
	t.mu.Unlock()
	return err
}

// reconnect is close + start on the same configuration.
func (t *transport) reconnect(ctx context.Context) error {
	if err := t.close(); err != nil {
		return err
	}
	return t.start(ctx)
}

// sdkSession adapts *mcp.ClientSession to this package's session interface.
type sdkSession struct {
	cs *mcp.ClientSession
}

func (s *sdkSession) ListTools(ctx context.Context) ([]ToolInfo, error) {
	res, err := s.cs.ListTools(ctx, &mcp.ListToolsParams{})
	if err != nil {
		return nil, err
	}
	out := make([]ToolInfo, 0, len(res.Tools))
	for _, tl := range res.Tools {
		var schema map[string]any
		if tl.InputSchema != nil {
			if m, ok := any(tl.InputSchema).(map[string]any); ok {
				schema = m
			}
		}
		out = append(out, ToolInfo{Name: tl.Name, Description: tl.Description, InputSchema: schema})
	}
	return out, nil
}

func (s *sdkSession) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	res, err := s.cs.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	return &ToolResult{IsError: res.IsError, Content: res.Content}, nil
}

func (s *sdkSession) Complete(ctx context.Context, ref CompletionRef, arg CompletionArgument) (*CompletionResult, error) {
	var sdkRef any
	if ref.Kind == "resource" {
		sdkRef = &mcp.ResourceTemplateReference{Type: "ref/resource", URI: ref.URI}
	} else {
		sdkRef = &mcp.PromptReference{Type: "ref/prompt", Name: ref.Name}
	}

	res, err := s.cs.Complete(ctx, &mcp.CompleteParams{
		Ref:      sdkRef,
		Argument: mcp.CompleteParamsArgument{Name: arg.Name, Value: arg.Value},
	})
	if err != nil {
		return nil, err
	}
	return &CompletionResult{
		Values:  res.Completion.Values,
		Total:   res.Completion.Total,
		HasMore: res.Completion.HasMore,
	}, nil
}

func (s *sdkSession) Close() error {
	return s.cs.Close()
}

// connectViaSDK spawns cfg.Command as a subprocess and completes the MCP
// initialize handshake over its stdio using the go-sdk client.
func connectViaSDK(ctx context.Context, cfg ServerConfig) (session, error) {
	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "mandrake", Version: "0.1.0"}, nil)
	cs, err := client.Connect(ctx, &mcp.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return nil, err
	}
	return &sdkSession{cs: cs}, nil
}
