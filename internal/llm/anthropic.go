// ABOUTME: Anthropic Provider Stream backend.
// ABOUTME: Grounded on teacher llm/anthropic.go's adapter shape (embeds shared timeout config, functional-option constructor) but streams via the real anthropic-sdk-go client instead of the teacher's private mux wrapper.
package llm

import (
	"context"
	"errors"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/strangelove-ventures/mandrake/internal/merr"
)

// AnthropicProvider streams completions from the Anthropic Messages API.
type AnthropicProvider struct {
	client  anthropic.Client
	timeout AdapterTimeout
	retry   RetryPolicy
}

// AnthropicOption configures an AnthropicProvider.
type AnthropicOption func(*AnthropicProvider)

// WithAnthropicTimeout overrides the default adapter timeouts.
func WithAnthropicTimeout(t AdapterTimeout) AnthropicOption {
	return func(p *AnthropicProvider) { p.timeout = t }
}

// WithAnthropicRetryPolicy overrides the default retry policy.
func WithAnthropicRetryPolicy(r RetryPolicy) AnthropicOption {
	return func(p *AnthropicProvider) { p.retry = r }
}

// NewAnthropicProvider builds a provider authenticated with apiKey.
func NewAnthropicProvider(apiKey string, opts ...AnthropicOption) *AnthropicProvider {
	p := &AnthropicProvider{
		client:  anthropic.NewClient(option.WithAPIKey(apiKey)),
		timeout: DefaultAdapterTimeout(),
		retry:   DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Close() error { return nil }

// Stream issues one streaming Messages request and translates SDK events
// into the uniform Chunk sequence. Retries (per p.retry) happen only before
// the first chunk is delivered to the caller; once streaming has begun a
// mid-stream failure is not retried. Any failure ends the stream with the
// Usage seen so far followed by End; the error itself is not passed to the
// caller.
func (p *AnthropicProvider) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	out := make(chan Chunk, 16)

	go func() {
		defer close(out)

		streamCtx, cancel := context.WithTimeout(ctx, p.timeout.Request)
		defer cancel()

		params := p.buildParams(req)

		var usage Usage
		var streamErr error
		delivered := false
		err := retry(ctx, p.retry, func() error {
			usage = Usage{}
			stream := p.client.Messages.NewStreaming(streamCtx, params)
			for stream.Next() {
				event := stream.Current()
				switch variant := event.AsAny().(type) {
				case anthropic.ContentBlockDeltaEvent:
					if textDelta, ok := variant.Delta.AsAny().(anthropic.TextDelta); ok {
						if !sendChunk(ctx, out, TextChunk(textDelta.Text)) {
							return nil
						}
						delivered = true
					}
				case anthropic.MessageDeltaEvent:
					if variant.Usage.OutputTokens > 0 {
						usage.OutputTokens = int(variant.Usage.OutputTokens)
					}
				case anthropic.MessageStartEvent:
					usage.InputTokens = int(variant.Message.Usage.InputTokens)
					if variant.Message.Usage.CacheReadInputTokens > 0 {
						v := int(variant.Message.Usage.CacheReadInputTokens)
						usage.CacheReadTokens = &v
					}
					if variant.Message.Usage.CacheCreationInputTokens > 0 {
						v := int(variant.Message.Usage.CacheCreationInputTokens)
						usage.CacheWriteTokens = &v
					}
				}
			}
			if err := stream.Err(); err != nil {
				if delivered {
					// Text already reached the caller; a retry would resend it.
					streamErr = classifyAnthropicError(err)
					return nil
				}
				return classifyAnthropicError(err)
			}
			return nil
		})
		if err == nil {
			err = streamErr
		}

		if err != nil {
			sendChunk(ctx, out, UsageChunk(usage))
			sendChunk(ctx, out, EndChunk())
			return
		}

		sendChunk(ctx, out, UsageChunk(usage))
		sendChunk(ctx, out, EndChunk())
	}()

	return out, nil
}

func (p *AnthropicProvider) buildParams(req Request) anthropic.MessageNewParams {
	merged := MergeConsecutiveMessages(req.Messages)

	msgs := make([]anthropic.MessageParam, 0, len(merged))
	for _, m := range merged {
		text := m.TextContent()
		switch m.Role {
		case RoleUser:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
		case RoleAssistant:
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(text)))
		}
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens == 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: maxTokens,
		Messages:  msgs,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
			},
		})
	}
	return params
}

// classifyAnthropicError maps an SDK error into our closed-enum provider
// error categories (spec.md §4.5).
func classifyAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return merr.Provider(merr.ProviderNetwork, "anthropic stream failed", err)
	}
	switch apiErr.StatusCode {
	case 401, 403:
		return merr.Provider(merr.ProviderAuth, "anthropic authentication failed", err)
	case 429:
		return merr.Provider(merr.ProviderRateLimit, "anthropic rate limited", err)
	case 400:
		return merr.Provider(merr.ProviderContextLength, "anthropic rejected request", err)
	default:
		if apiErr.StatusCode >= 500 {
			return merr.Provider(merr.ProviderServer, "anthropic server error", err)
		}
		return merr.Provider(merr.ProviderNetwork, "anthropic request failed", err)
	}
}
