package mcp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/strangelove-ventures/mandrake/internal/merr"
)

// fakeSession is an in-process stand-in for a spawned MCP subprocess,
// letting these tests exercise lifecycle/health/invoke logic without an
// external binary.
type fakeSession struct {
	tools     []ToolInfo
	listErr   error
	callErr   error
	callDelay time.Duration
	closed    bool
}

func (f *fakeSession) ListTools(ctx context.Context) ([]ToolInfo, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.tools, nil
}

func (f *fakeSession) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	if f.callDelay > 0 {
		select {
		case <-time.After(f.callDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.callErr != nil {
		return nil, f.callErr
	}
	return &ToolResult{Content: "ok:" + name}, nil
}

func (f *fakeSession) Complete(ctx context.Context, ref CompletionRef, arg CompletionArgument) (*CompletionResult, error) {
	return &CompletionResult{Values: []string{arg.Value + "x"}}, nil
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

func fakeConnector(sess *fakeSession, connectErr error) connector {
	return func(ctx context.Context, cfg ServerConfig) (session, error) {
		if connectErr != nil {
			return nil, connectErr
		}
		return sess, nil
	}
}

func TestServerHandleStartListInvoke(t *testing.T) {
	sess := &fakeSession{tools: []ToolInfo{{Name: "read_file"}}}
	h := newServerHandle(ServerConfig{ID: "fs", AutoApprove: map[string]bool{"read_file": true}}, fakeConnector(sess, nil))

	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h.GetState() != StateReady {
		t.Fatalf("expected ready, got %s", h.GetState())
	}
	tools := h.ListTools()
	if len(tools) != 1 || tools[0].Server != "fs" {
		t.Fatalf("expected tagged catalog, got %+v", tools)
	}

	res, err := h.InvokeTool(context.Background(), "read_file", nil, nil)
	if err != nil {
		t.Fatalf("InvokeTool: %v", err)
	}
	if res.Content != "ok:read_file" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestServerHandleDisabledRejectsInvoke(t *testing.T) {
	h := newServerHandle(ServerConfig{ID: "fs", Disabled: true}, fakeConnector(&fakeSession{}, nil))
	if _, err := h.InvokeTool(context.Background(), "x", nil, nil); merr.KindOf(err) != merr.KindServerDisabled {
		t.Fatalf("expected server_disabled, got %v", err)
	}
}

func TestServerHandleApprovalDenied(t *testing.T) {
	sess := &fakeSession{tools: []ToolInfo{{Name: "danger"}}}
	h := newServerHandle(ServerConfig{ID: "fs"}, fakeConnector(sess, nil))
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deny := func(ctx context.Context, serverID, tool string, args map[string]any) error {
		return errors.New("not approved")
	}
	_, err := h.InvokeTool(context.Background(), "danger", nil, deny)
	if merr.KindOf(err) != merr.KindToolDenied {
		t.Fatalf("expected tool_denied, got %v", err)
	}
}

func TestServerHandleHealthTripsErrorAfterThreeFailures(t *testing.T) {
	sess := &fakeSession{tools: []ToolInfo{{Name: "t"}}}
	h := newServerHandle(ServerConfig{ID: "fs"}, fakeConnector(sess, nil))
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sess.listErr = errors.New("boom")
	for i := 0; i < failuresUntilError; i++ {
		h.CheckHealth(context.Background())
	}
	if h.GetState() != StateError {
		t.Fatalf("expected error state after %d failures, got %s", failuresUntilError, h.GetState())
	}
}

func TestManagerStartDedupesConcurrentCalls(t *testing.T) {
	sess := &fakeSession{tools: []ToolInfo{{Name: "t"}}}
	m := NewManager(time.Minute)
	m.connect = fakeConnector(sess, nil)

	cfg := ServerConfig{ID: "fs"}
	results := make(chan *ServerHandle, 4)
	for i := 0; i < 4; i++ {
		go func() {
			h, err := m.StartServer(context.Background(), cfg)
			if err != nil {
				t.Errorf("StartServer: %v", err)
			}
			results <- h
		}()
	}

	var got []*ServerHandle
	for i := 0; i < 4; i++ {
		got = append(got, <-results)
	}
	for _, h := range got[1:] {
		if h != got[0] {
			t.Fatal("expected all concurrent starts to share one handle")
		}
	}
}

func TestManagerListAllToolsTagsServer(t *testing.T) {
	m := NewManager(time.Minute)
	m.connect = fakeConnector(&fakeSession{tools: []ToolInfo{{Name: "a"}, {Name: "b"}}}, nil)

	if _, err := m.StartServer(context.Background(), ServerConfig{ID: "srv1"}); err != nil {
		t.Fatalf("StartServer: %v", err)
	}

	tools := m.ListAllTools()
	if len(tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(tools))
	}
	for _, tl := range tools {
		if tl.Server != "srv1" {
			t.Fatalf("expected server tag srv1, got %q", tl.Server)
		}
	}
}

func TestManagerInvokeToolServerNotFound(t *testing.T) {
	m := NewManager(time.Minute)
	_, err := m.InvokeTool(context.Background(), "missing", "tool", nil, nil)
	if merr.KindOf(err) != merr.KindServerNotFound {
		t.Fatalf("expected server_not_found, got %v", err)
	}
}

func TestServerHandleGetCompletions(t *testing.T) {
	sess := &fakeSession{tools: []ToolInfo{{Name: "read_file"}}}
	h := newServerHandle(ServerConfig{ID: "fs"}, fakeConnector(sess, nil))
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	res, err := h.GetCompletions(context.Background(), CompletionRef{Kind: "prompt", Name: "greeting"}, CompletionArgument{Name: "name", Value: "al"})
	if err != nil {
		t.Fatalf("GetCompletions: %v", err)
	}
	if len(res.Values) != 1 || res.Values[0] != "alx" {
		t.Fatalf("unexpected completions: %+v", res)
	}
}

func TestServerHandleGetCompletionsNotReady(t *testing.T) {
	h := newServerHandle(ServerConfig{ID: "fs"}, fakeConnector(&fakeSession{}, nil))
	if _, err := h.GetCompletions(context.Background(), CompletionRef{Kind: "prompt", Name: "x"}, CompletionArgument{}); merr.KindOf(err) != merr.KindServerNotFound {
		t.Fatalf("expected server_not_found before Start, got %v", err)
	}
}

func TestManagerGetCompletionsDispatchesToServer(t *testing.T) {
	sess := &fakeSession{}
	m := NewManager(time.Minute)
	m.connect = fakeConnector(sess, nil)

	if _, err := m.StartServer(context.Background(), ServerConfig{ID: "srv1"}); err != nil {
		t.Fatalf("StartServer: %v", err)
	}

	res, err := m.GetCompletions(context.Background(), "srv1", CompletionRef{Kind: "resource", URI: "file:///a"}, CompletionArgument{Name: "path", Value: "a"})
	if err != nil {
		t.Fatalf("GetCompletions: %v", err)
	}
	if len(res.Values) != 1 || res.Values[0] != "ax" {
		t.Fatalf("unexpected completions: %+v", res)
	}

	if _, err := m.GetCompletions(context.Background(), "missing", CompletionRef{}, CompletionArgument{}); merr.KindOf(err) != merr.KindServerNotFound {
		t.Fatalf("expected server_not_found, got %v", err)
	}
}

func TestManagerRestartServerPreservesCatalogAfter(t *testing.T) {
	sess := &fakeSession{tools: []ToolInfo{{Name: "t"}}}
	m := NewManager(time.Minute)
	m.connect = fakeConnector(sess, nil)

	if _, err := m.StartServer(context.Background(), ServerConfig{ID: "srv1"}); err != nil {
		t.Fatalf("StartServer: %v", err)
	}
	h, err := m.RestartServer(context.Background(), "srv1")
	if err != nil {
		t.Fatalf("RestartServer: %v", err)
	}
	if len(h.ListTools()) != 1 {
		t.Fatalf("expected catalog preserved after restart, got %d tools", len(h.ListTools()))
	}
}
