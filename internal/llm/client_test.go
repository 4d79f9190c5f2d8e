package llm

import (
	"context"
	"testing"
)

func drain(t *testing.T, ch <-chan Chunk) []Chunk {
	t.Helper()
	var out []Chunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

func TestLocalProviderEchoesLastUserMessage(t *testing.T) {
	p := NewLocalProvider(nil)
	ch, err := p.Stream(context.Background(), Request{Messages: []Message{
		UserMessage("hello there"),
	}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	chunks := drain(t, ch)
	if len(chunks) < 2 {
		t.Fatalf("expected at least a text and end chunk, got %d", len(chunks))
	}
	last := chunks[len(chunks)-1]
	if last.Kind != ChunkEnd {
		t.Fatalf("expected stream to end with ChunkEnd, got %s", last.Kind)
	}

	var text string
	for _, c := range chunks {
		if c.Kind == ChunkText {
			text += c.Text
		}
	}
	if text != "hello there" {
		t.Fatalf("expected echoed text, got %q", text)
	}
}

func TestClientRoutesToDefaultProvider(t *testing.T) {
	c := NewClient(WithProvider("local", NewLocalProvider(nil)))
	ch, err := c.Stream(context.Background(), "", Request{Messages: []Message{UserMessage("hi")}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	chunks := drain(t, ch)
	if chunks[len(chunks)-1].Kind != ChunkEnd {
		t.Fatal("expected terminal End chunk")
	}
}

func TestClientUnknownProviderErrors(t *testing.T) {
	c := NewClient()
	if _, err := c.Stream(context.Background(), "missing", Request{}); err == nil {
		t.Fatal("expected error for unregistered provider")
	}
}

func TestCatalogCostOf(t *testing.T) {
	cat := DefaultCatalog()
	cost := cat.CostOf("sonnet", Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000})
	if cost != 3+15 {
		t.Fatalf("expected 18, got %v", cost)
	}
	if cat.CostOf("unknown-model", Usage{InputTokens: 100}) != 0 {
		t.Fatal("expected zero cost for unknown model")
	}
}

func TestMergeConsecutiveMessages(t *testing.T) {
	merged := MergeConsecutiveMessages([]Message{
		UserMessage("a"),
		UserMessage("b"),
		AssistantMessage("c"),
	})
	if len(merged) != 2 {
		t.Fatalf("expected 2 merged messages, got %d", len(merged))
	}
	if merged[0].TextContent() != "ab" {
		t.Fatalf("expected merged user text 'ab', got %q", merged[0].TextContent())
	}
}

func TestExtractSystemMessages(t *testing.T) {
	sys, rest := ExtractSystemMessages([]Message{
		SystemMessage("be nice"),
		UserMessage("hi"),
	})
	if sys != "be nice" {
		t.Fatalf("expected system text, got %q", sys)
	}
	if len(rest) != 1 || rest[0].Role != RoleUser {
		t.Fatalf("expected remaining user message, got %+v", rest)
	}
}
