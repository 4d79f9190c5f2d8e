// ABOUTME: Entity types for the session store — Session, Round, Request, Response, Turn, and their aggregates.
// ABOUTME: Mirrors the data model in SPEC_FULL.md §3; JSON tags match the on-disk/API shape.
package store

import "time"

// Session is a conversation under a workspace, composed of an ordered
// sequence of Rounds.
type Session struct {
	ID          string            `json:"id"`
	WorkspaceID string            `json:"workspace_id,omitempty"`
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Round is one user-request/assistant-response pair within a session.
type Round struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Index      int       `json:"index"`
	RequestID  string    `json:"request_id"`
	ResponseID string    `json:"response_id"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Request is the user's immutable textual message that started a Round.
type Request struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Response owns an ordered, contiguous, zero-indexed sequence of Turns.
type Response struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// ToolCallRecord is a single {call, result} pair persisted verbatim inside a Turn.
// Result is nil until the call completes (success or error); a finalized
// Turn never has a nil Result (invariant 5, §3).
type ToolCallRecord struct {
	Call   ToolCall  `json:"call"`
	Result *ToolResult `json:"result"`
}

// ToolCall names the server/tool/arguments for one invocation.
type ToolCall struct {
	Server string          `json:"server"`
	Name   string          `json:"name"`
	Args   map[string]any  `json:"args"`
}

// ToolResult is the verbatim outcome of a ToolCall.
type ToolResult struct {
	IsError bool `json:"is_error"`
	Content any  `json:"content"`
}

// TurnMetrics holds token/cost accounting for one Turn. Finalized metrics
// are immutable once the turn completes (invariant 4, §3: Cost >= 0).
type TurnMetrics struct {
	InputTokens      int     `json:"input_tokens"`
	OutputTokens     int     `json:"output_tokens"`
	CacheReadTokens  *int    `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens *int    `json:"cache_write_tokens,omitempty"`
	Cost             float64 `json:"cost"`
}

// Turn is one streamed assistant emission: raw text, parsed content
// segments, parsed tool-call records, and final metrics. Turn rows are the
// only append-only growth point during streaming (§3 Ownership).
type Turn struct {
	ID          string           `json:"id"`
	ResponseID  string           `json:"response_id"`
	Index       int              `json:"index"`
	RawResponse string           `json:"raw_response"`
	Content     []string         `json:"content"`
	ToolCalls   []ToolCallRecord `json:"tool_calls"`
	Metrics     TurnMetrics      `json:"metrics"`
	Finalized   bool             `json:"finalized"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// RoundHistory pairs a Round with its Request and the ordered Turns of its Response.
type RoundHistory struct {
	Round    Round    `json:"round"`
	Request  Request  `json:"request"`
	Response Response `json:"response"`
	Turns    []Turn   `json:"turns"`
}

// SessionHistory is a Session plus all of its Rounds in index order.
type SessionHistory struct {
	Session Session        `json:"session"`
	Rounds  []RoundHistory `json:"rounds"`
}

// AggregatedMetrics summarizes token/cost usage and turn/round counts for a session.
type AggregatedMetrics struct {
	TotalInputTokens      int     `json:"total_input_tokens"`
	TotalOutputTokens     int     `json:"total_output_tokens"`
	TotalCacheReadTokens  int     `json:"total_cache_read_tokens"`
	TotalCacheWriteTokens int     `json:"total_cache_write_tokens"`
	TotalCost             float64 `json:"total_cost"`
	RoundCount            int     `json:"round_count"`
	TurnCount             int     `json:"turn_count"`
	AverageTurnsPerRound  float64 `json:"average_turns_per_round"`
}

// SessionPatch carries optional field updates for updateSession; a nil
// pointer/map means "leave unchanged".
type SessionPatch struct {
	Title       *string
	Description *string
	Metadata    map[string]string
}

// TurnPartial carries the fields appendTurn/updateTurn may set; nil fields
// are left unchanged. A non-nil Metrics is written verbatim and finalizes
// the turn; a brand-new in-flight turn starts with zero metrics.
type TurnPartial struct {
	RawResponse *string
	Content     []string
	ToolCalls   []ToolCallRecord
	Metrics     *TurnMetrics
}

// ListSessionsQuery filters/paginates listSessions.
type ListSessionsQuery struct {
	WorkspaceID string
	Limit       int
	Offset      int
}

// ChangeEventType discriminates a SessionChangeEvent.
type ChangeEventType string

const (
	ChangeCreated ChangeEventType = "created"
	ChangeUpdated ChangeEventType = "updated"
	ChangeDeleted ChangeEventType = "deleted"
)

// ChangeEvent is published after a committed mutation to a Session, Round,
// or Turn. Snapshot is nil for ChangeDeleted.
type ChangeEvent struct {
	Type      ChangeEventType `json:"type"`
	SessionID string          `json:"session_id"`
	Snapshot  *SessionHistory `json:"snapshot,omitempty"`
}
