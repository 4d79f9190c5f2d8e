// ABOUTME: Unified request/message/chunk types shared by every Provider Stream backend.
// ABOUTME: Field and naming style grounded on teacher llm/types.go; Chunk union narrowed to SPEC_FULL.md §4.5's Text|Usage|End.
package llm

import "time"

// Role identifies who produced a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentKind discriminates a ContentPart. Mandrake's tool calls travel as
// plain text parsed by internal/streamparser, not as structured provider
// content, so this set stays intentionally small next to the teacher's.
type ContentKind string

const (
	ContentText       ContentKind = "text"
	ContentToolResult ContentKind = "tool_result"
)

// ContentPart is one piece of a Message's content.
type ContentPart struct {
	Kind       ContentKind `json:"kind"`
	Text       string      `json:"text,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	IsError    bool        `json:"is_error,omitempty"`
}

// TextPart creates a text ContentPart.
func TextPart(text string) ContentPart { return ContentPart{Kind: ContentText, Text: text} }

// ToolResultPart creates a tool-result ContentPart fed back into the model
// after a tool call completes.
func ToolResultPart(toolCallID, content string, isError bool) ContentPart {
	return ContentPart{Kind: ContentToolResult, ToolCallID: toolCallID, Text: content, IsError: isError}
}

// Message is one turn in the conversation sent to a provider.
type Message struct {
	Role    Role          `json:"role"`
	Content []ContentPart `json:"content"`
}

// TextContent concatenates all text parts of a Message.
func (m Message) TextContent() string {
	var out string
	for _, p := range m.Content {
		if p.Kind == ContentText {
			out += p.Text
		}
	}
	return out
}

// SystemMessage, UserMessage, AssistantMessage mirror teacher llm/types.go's
// convenience constructors.
func SystemMessage(text string) Message    { return Message{Role: RoleSystem, Content: []ContentPart{TextPart(text)}} }
func UserMessage(text string) Message      { return Message{Role: RoleUser, Content: []ContentPart{TextPart(text)}} }
func AssistantMessage(text string) Message { return Message{Role: RoleAssistant, Content: []ContentPart{TextPart(text)}} }

// ToolDefinition advertises one callable tool's shape to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Request is the uniform input to Provider.Stream (spec.md §4.5).
type Request struct {
	System      string
	Messages    []Message
	Tools       []ToolDefinition
	MaxTokens   int
	Temperature float64
	Model       string
}

// Usage reports token accounting for one stream; the final Usage chunk in
// a stream is authoritative (spec.md §4.5).
type Usage struct {
	InputTokens      int
	OutputTokens     int
	CacheReadTokens  *int
	CacheWriteTokens *int
}

// ChunkKind discriminates a Chunk.
type ChunkKind string

const (
	ChunkText  ChunkKind = "text"
	ChunkUsage ChunkKind = "usage"
	ChunkEnd   ChunkKind = "end"
)

// Chunk is one element of a Provider Stream. Exactly one of Text/Usage is
// meaningful depending on Kind; Kind == ChunkEnd carries neither.
type Chunk struct {
	Kind  ChunkKind
	Text  string
	Usage Usage
}

// TextChunk, UsageChunk, EndChunk are constructors mirroring teacher
// llm/types.go's StreamEvent builders.
func TextChunk(text string) Chunk       { return Chunk{Kind: ChunkText, Text: text} }
func UsageChunk(usage Usage) Chunk      { return Chunk{Kind: ChunkUsage, Usage: usage} }
func EndChunk() Chunk                   { return Chunk{Kind: ChunkEnd} }

// AdapterTimeout specifies timeout durations at the adapter level, carried
// over from teacher llm/types.go verbatim in shape.
type AdapterTimeout struct {
	Connect    time.Duration
	Request    time.Duration
	StreamRead time.Duration
}

// DefaultAdapterTimeout mirrors teacher llm/types.go's defaults.
func DefaultAdapterTimeout() AdapterTimeout {
	return AdapterTimeout{
		Connect:    10 * time.Second,
		Request:    120 * time.Second,
		StreamRead: 30 * time.Second,
	}
}
