// ABOUTME: Deterministic local fixture Provider Stream backend for tests and offline development.
// ABOUTME: Added per SPEC_FULL.md §4 ("at minimum a cloud chat provider and a local one"); grounded on teacher llm/anthropic.go's adapter-per-backend shape.
package llm

import (
	"context"
	"strings"
)

// LocalResponder computes a canned reply for a request, letting tests
// script specific tool-call/text sequences without a network call.
type LocalResponder func(req Request) string

// LocalProvider is a deterministic, in-process Provider used by tests and
// offline development. Its default responder echoes the last user message.
type LocalProvider struct {
	respond LocalResponder
}

// NewLocalProvider builds a LocalProvider. A nil responder falls back to
// echoing the last user message's text.
func NewLocalProvider(respond LocalResponder) *LocalProvider {
	if respond == nil {
		respond = echoLastUserMessage
	}
	return &LocalProvider{respond: respond}
}

func echoLastUserMessage(req Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			return req.Messages[i].TextContent()
		}
	}
	return ""
}

func (p *LocalProvider) Name() string { return "local" }

func (p *LocalProvider) Close() error { return nil }

// Stream emits the responder's text as a sequence of small chunks (so
// callers exercise the same incremental-parsing path real providers
// trigger), then a Usage chunk sized from the text, then End.
func (p *LocalProvider) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	out := make(chan Chunk, 16)
	text := p.respond(req)

	go func() {
		defer close(out)

		const chunkSize = 24
		for i := 0; i < len(text); i += chunkSize {
			end := i + chunkSize
			if end > len(text) {
				end = len(text)
			}
			if !sendChunk(ctx, out, TextChunk(text[i:end])) {
				return
			}
		}

		words := len(strings.Fields(text))
		sendChunk(ctx, out, UsageChunk(Usage{InputTokens: words, OutputTokens: words}))
		sendChunk(ctx, out, EndChunk())
	}()

	return out, nil
}
