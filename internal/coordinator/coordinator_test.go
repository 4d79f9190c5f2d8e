package coordinator

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/strangelove-ventures/mandrake/internal/llm"
	"github.com/strangelove-ventures/mandrake/internal/mcp"
	"github.com/strangelove-ventures/mandrake/internal/prompt"
	"github.com/strangelove-ventures/mandrake/internal/store"
)

type fakeSession struct {
	tools   []mcp.ToolInfo
	reply   map[string]*mcp.ToolResult
	calls   []string
}

func (f *fakeSession) ListTools(ctx context.Context) ([]mcp.ToolInfo, error) {
	return f.tools, nil
}

func (f *fakeSession) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.ToolResult, error) {
	f.calls = append(f.calls, name)
	if r, ok := f.reply[name]; ok {
		return r, nil
	}
	return &mcp.ToolResult{IsError: false, Content: "ok"}, nil
}

func (f *fakeSession) Complete(ctx context.Context, ref mcp.CompletionRef, arg mcp.CompletionArgument) (*mcp.CompletionResult, error) {
	return &mcp.CompletionResult{}, nil
}

func (f *fakeSession) Close() error { return nil }

func newFSManager(t *testing.T) (*mcp.Manager, *fakeSession) {
	t.Helper()
	sess := &fakeSession{
		tools: []mcp.ToolInfo{{Name: "read_file", Description: "reads a file"}},
		reply: map[string]*mcp.ToolResult{
			"read_file": {IsError: false, Content: "hello"},
		},
	}
	mgr := mcp.NewManagerWithConnector(0, func(ctx context.Context, cfg mcp.ServerConfig) (mcp.Session, error) {
		return sess, nil
	})
	if _, err := mgr.StartServer(context.Background(), mcp.ServerConfig{
		ID:          "fs",
		Command:     "fake",
		AutoApprove: map[string]bool{"read_file": true},
	}); err != nil {
		t.Fatalf("start server: %v", err)
	}
	return mgr, sess
}

func newFSManagerNoAutoApprove(t *testing.T) (*mcp.Manager, *fakeSession) {
	t.Helper()
	sess := &fakeSession{
		tools: []mcp.ToolInfo{{Name: "read_file", Description: "reads a file"}},
		reply: map[string]*mcp.ToolResult{
			"read_file": {IsError: false, Content: "hello"},
		},
	}
	mgr := mcp.NewManagerWithConnector(0, func(ctx context.Context, cfg mcp.ServerConfig) (mcp.Session, error) {
		return sess, nil
	})
	if _, err := mgr.StartServer(context.Background(), mcp.ServerConfig{
		ID:      "fs",
		Command: "fake",
	}); err != nil {
		t.Fatalf("start server: %v", err)
	}
	return mgr, sess
}

func newTestStore(t *testing.T) *store.Engine {
	t.Helper()
	eng, err := store.OpenEngine(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng
}

func newSession(t *testing.T, eng *store.Engine) string {
	t.Helper()
	sess, err := eng.CreateSession(context.Background(), "", "", "", nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess.ID
}

// TestCoordinatorPlainTextRound covers S1-style behavior: a single
// provider call with no tool calls produces exactly one turn and ends the
// round.
func TestCoordinatorPlainTextRound(t *testing.T) {
	eng := newTestStore(t)
	sessionID := newSession(t, eng)
	mgr := mcp.NewManager(0)

	provider := llm.NewLocalProvider(func(req llm.Request) string {
		return "Hello there."
	})
	client := llm.NewClient(llm.WithProvider("local", provider), llm.WithDefaultProvider("local"))

	co := New(Config{
		Store:        eng,
		Manager:      mgr,
		Provider:     client,
		ProviderName: "local",
		Model:        "mandrake-local-fixture",
		PromptConfig: prompt.Config{Instructions: "be helpful"},
	})

	if err := co.HandleRequest(context.Background(), sessionID, "hi"); err != nil {
		t.Fatalf("handle request: %v", err)
	}

	history, err := eng.GetSessionHistory(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if len(history.Rounds) != 1 {
		t.Fatalf("expected 1 round, got %d", len(history.Rounds))
	}
	turns := history.Rounds[0].Turns
	if len(turns) != 1 {
		t.Fatalf("expected 1 turn, got %d", len(turns))
	}
	if !turns[0].Finalized {
		t.Fatal("expected turn to be finalized")
	}
	if turns[0].RawResponse != "Hello there." {
		t.Fatalf("unexpected raw response: %q", turns[0].RawResponse)
	}
	if len(turns[0].ToolCalls) != 0 {
		t.Fatalf("expected no tool calls, got %+v", turns[0].ToolCalls)
	}
}

// TestCoordinatorSingleToolCall covers S2 from spec.md §8: one tool call
// whose result feeds back into a second turn with matching text and no
// further tool calls.
func TestCoordinatorSingleToolCall(t *testing.T) {
	eng := newTestStore(t)
	sessionID := newSession(t, eng)
	mgr, sess := newFSManager(t)

	calls := 0
	provider := llm.NewLocalProvider(func(req llm.Request) string {
		calls++
		if calls == 1 {
			return `<use_mcp_tool><server_name>fs</server_name><tool_name>read_file</tool_name>` +
				`<arguments>{"path":"/a.txt"}</arguments></use_mcp_tool>`
		}
		return "The file says hello."
	})
	client := llm.NewClient(llm.WithProvider("local", provider), llm.WithDefaultProvider("local"))

	co := New(Config{
		Store:        eng,
		Manager:      mgr,
		Provider:     client,
		ProviderName: "local",
		Model:        "mandrake-local-fixture",
		PromptConfig: prompt.Config{Instructions: "be helpful"},
	})

	if err := co.HandleRequest(context.Background(), sessionID, "Read /a.txt"); err != nil {
		t.Fatalf("handle request: %v", err)
	}

	history, err := eng.GetSessionHistory(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if len(history.Rounds) != 1 {
		t.Fatalf("expected 1 round, got %d", len(history.Rounds))
	}
	turns := history.Rounds[0].Turns
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}

	first := turns[0]
	if len(first.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call in first turn, got %d", len(first.ToolCalls))
	}
	if first.ToolCalls[0].Result == nil || first.ToolCalls[0].Result.Content != "hello" {
		t.Fatalf("unexpected tool result: %+v", first.ToolCalls[0].Result)
	}

	second := turns[1]
	if len(second.ToolCalls) != 0 {
		t.Fatalf("expected no tool calls in second turn, got %d", len(second.ToolCalls))
	}
	if second.RawResponse != "The file says hello." {
		t.Fatalf("unexpected second turn text: %q", second.RawResponse)
	}
	if len(sess.calls) != 1 || sess.calls[0] != "read_file" {
		t.Fatalf("expected exactly one read_file call, got %+v", sess.calls)
	}
}

// TestCoordinatorToolDenied covers the approval-rejection path: a denied
// tool call is still recorded with isError true and the round proceeds.
func TestCoordinatorToolDenied(t *testing.T) {
	eng := newTestStore(t)
	sessionID := newSession(t, eng)
	mgr, _ := newFSManagerNoAutoApprove(t)

	calls := 0
	provider := llm.NewLocalProvider(func(req llm.Request) string {
		calls++
		if calls == 1 {
			return `<use_mcp_tool><server_name>fs</server_name><tool_name>read_file</tool_name>` +
				`<arguments>{}</arguments></use_mcp_tool>`
		}
		return "Okay, I won't read that file."
	})
	client := llm.NewClient(llm.WithProvider("local", provider), llm.WithDefaultProvider("local"))

	co := New(Config{
		Store:        eng,
		Manager:      mgr,
		Provider:     client,
		ProviderName: "local",
		Model:        "mandrake-local-fixture",
		PromptConfig: prompt.Config{Instructions: "be helpful"},
		Approve: func(ctx context.Context, serverID, tool string, args map[string]any) error {
			return context.DeadlineExceeded
		},
	})

	if err := co.HandleRequest(context.Background(), sessionID, "Read /a.txt"); err != nil {
		t.Fatalf("handle request: %v", err)
	}

	history, err := eng.GetSessionHistory(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	first := history.Rounds[0].Turns[0]
	if len(first.ToolCalls) != 1 || first.ToolCalls[0].Result == nil || !first.ToolCalls[0].Result.IsError {
		t.Fatalf("expected a recorded error result, got %+v", first.ToolCalls)
	}
}
