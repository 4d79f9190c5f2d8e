// ABOUTME: OpenAI Provider Stream backend.
// ABOUTME: Grounded on teacher llm/openai.go's adapter shape; streams via the real openai-go client's chat completions streaming API.
package llm

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/strangelove-ventures/mandrake/internal/merr"
)

// OpenAIProvider streams completions from the OpenAI Chat Completions API.
type OpenAIProvider struct {
	client  openai.Client
	timeout AdapterTimeout
	retry   RetryPolicy
}

type OpenAIOption func(*OpenAIProvider)

func WithOpenAITimeout(t AdapterTimeout) OpenAIOption {
	return func(p *OpenAIProvider) { p.timeout = t }
}

func WithOpenAIRetryPolicy(r RetryPolicy) OpenAIOption {
	return func(p *OpenAIProvider) { p.retry = r }
}

// NewOpenAIProvider builds a provider authenticated with apiKey.
func NewOpenAIProvider(apiKey string, opts ...OpenAIOption) *OpenAIProvider {
	p := &OpenAIProvider{
		client:  openai.NewClient(option.WithAPIKey(apiKey)),
		timeout: DefaultAdapterTimeout(),
		retry:   DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Close() error { return nil }

func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
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
			stream := p.client.Chat.Completions.NewStreaming(streamCtx, params)
			for stream.Next() {
				chunk := stream.Current()
				if len(chunk.Choices) > 0 {
					if text := chunk.Choices[0].Delta.Content; text != "" {
						if !sendChunk(ctx, out, TextChunk(text)) {
							return nil
						}
						delivered = true
					}
				}
				if chunk.Usage.TotalTokens > 0 {
					usage.InputTokens = int(chunk.Usage.PromptTokens)
					usage.OutputTokens = int(chunk.Usage.CompletionTokens)
					if cached := chunk.Usage.PromptTokensDetails.CachedTokens; cached > 0 {
						v := int(cached)
						usage.CacheReadTokens = &v
					}
				}
			}
			if err := stream.Err(); err != nil {
				if delivered {
					// Text already reached the caller; a retry would resend it.
					streamErr = classifyOpenAIError(err)
					return nil
				}
				return classifyOpenAIError(err)
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

func (p *OpenAIProvider) buildParams(req Request) openai.ChatCompletionNewParams {
	var msgs []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		text := m.TextContent()
		switch m.Role {
		case RoleUser:
			msgs = append(msgs, openai.UserMessage(text))
		case RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(text))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    req.Model,
		Messages: msgs,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature != 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
			},
		})
	}
	return params
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return merr.Provider(merr.ProviderNetwork, "openai stream failed", err)
	}
	switch apiErr.StatusCode {
	case 401, 403:
		return merr.Provider(merr.ProviderAuth, "openai authentication failed", err)
	case 429:
		return merr.Provider(merr.ProviderRateLimit, "openai rate limited", err)
	case 400:
		return merr.Provider(merr.ProviderContextLength, "openai rejected request", err)
	default:
		if apiErr.StatusCode >= 500 {
			return merr.Provider(merr.ProviderServer, "openai server error", err)
		}
		return merr.Provider(merr.ProviderNetwork, "openai request failed", err)
	}
}
