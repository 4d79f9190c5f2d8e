// ABOUTME: Provider interface and shared adapter helpers for the Provider Stream abstraction.
// ABOUTME: Grounded on teacher llm/provider.go's ProviderAdapter/BaseAdapter split: MergeConsecutiveMessages and ExtractSystemMessages carried over, HTTP plumbing replaced by each backend's own SDK client.
package llm

import (
	"context"
)

// Provider is the uniform streaming abstraction over an external model
// backend (spec.md §4.5). Stream returns a channel that yields Text chunks
// in generation order, zero-or-more Usage chunks (the last authoritative),
// and a final End chunk. Closing ctx must promptly release any upstream
// connection.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
	Close() error
}

// ExtractSystemMessages separates system-role messages from the rest,
// concatenating their text (teacher llm/provider.go).
func ExtractSystemMessages(messages []Message) (systemText string, remaining []Message) {
	var parts []string
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			if t := msg.TextContent(); t != "" {
				parts = append(parts, t)
			}
			continue
		}
		remaining = append(remaining, msg)
	}
	for i, p := range parts {
		if i > 0 {
			systemText += "\n"
		}
		systemText += p
	}
	return systemText, remaining
}

// MergeConsecutiveMessages combines consecutive same-role messages, needed
// by providers (Anthropic) that enforce strict role alternation (teacher
// llm/provider.go).
func MergeConsecutiveMessages(messages []Message) []Message {
	if len(messages) == 0 {
		return nil
	}
	result := []Message{{Role: messages[0].Role, Content: append([]ContentPart(nil), messages[0].Content...)}}
	for i := 1; i < len(messages); i++ {
		last := &result[len(result)-1]
		if messages[i].Role == last.Role {
			last.Content = append(last.Content, messages[i].Content...)
		} else {
			result = append(result, Message{Role: messages[i].Role, Content: append([]ContentPart(nil), messages[i].Content...)})
		}
	}
	return result
}

// sendChunk writes c to out unless ctx is already done, so a cancelled
// stream never blocks forever on a full/abandoned channel.
func sendChunk(ctx context.Context, out chan<- Chunk, c Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
