// ABOUTME: Shared types for the MCP Transport/Server Handle/Manager trio.
// ABOUTME: Mirrors SPEC_FULL.md §4.2-4.4; ToolInfo/ToolResult cross into internal/coordinator.
package mcp

import (
	"context"
	"time"
)

// State is the MCP Server Handle lifecycle (spec.md §4.3).
type State string

const (
	StateDisconnected State = "disconnected"
	StateStarting     State = "starting"
	StateReady        State = "ready"
	StateStopping     State = "stopping"
	StateDisabled     State = "disabled"
	StateError        State = "error"
)

// TransportState is the lower-level framed-channel lifecycle (spec.md §4.2).
type TransportState string

const (
	TransportClosed    TransportState = "closed"
	TransportStarting  TransportState = "starting"
	TransportConnected TransportState = "connected"
	TransportClosing   TransportState = "closing"
)

// HealthStrategy selects how a ServerHandle probes liveness.
type HealthStrategy string

const (
	HealthToolListing HealthStrategy = "tool_listing"
	HealthPing        HealthStrategy = "ping"
	HealthSpecificTool HealthStrategy = "specific_tool"
	HealthCustom       HealthStrategy = "custom"
)

// ServerConfig describes one MCP tool server (spec.md §3 ToolServer).
type ServerConfig struct {
	ID          string
	Command     string
	Args        []string
	Env         map[string]string
	AutoApprove map[string]bool
	Disabled    bool

	HealthStrategy   HealthStrategy
	HealthTool       string         // required when HealthStrategy == specific_tool
	HealthToolArgs   map[string]any
	HealthInterval   time.Duration // defaults to 30s in newServerHandle; the Manager polls at its own pollInterval
	InvokeTimeout    time.Duration // default 30s
}

// ToolInfo is one catalog entry, tagged with its owning server once surfaced
// through the Manager (spec.md §4.4 listAllTools).
type ToolInfo struct {
	Server      string         `json:"server"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// ToolResult is the verbatim outcome of invoking a tool.
type ToolResult struct {
	IsError bool `json:"is_error"`
	Content any  `json:"content"`
}

// CompletionArgument names the parameter being completed and the partial
// value typed so far (spec.md §6 completion/complete).
type CompletionArgument struct {
	Name  string
	Value string
}

// CompletionRef identifies what a completion request is for: a named prompt
// or a resource template URI, mirroring the MCP wire protocol's ref union.
type CompletionRef struct {
	Kind string // "prompt" or "resource"
	Name string // prompt name, when Kind == "prompt"
	URI  string // resource template URI, when Kind == "resource"
}

// CompletionResult is the verbatim completion/complete response.
type CompletionResult struct {
	Values  []string
	Total   int
	HasMore bool
}

// HealthSample is one entry in a ServerHandle's rolling health window. ID is
// a ulid so samples sort lexically in the same order they were recorded,
// matching teacher spec/store/sqlite.go's use of ulid for lexically-ordered
// journal entries.
type HealthSample struct {
	ID        string
	Timestamp time.Time
	Success   bool
	Latency   time.Duration
	Err       string
}

// HealthStatus summarizes a ServerHandle's health for presentation layers.
type HealthStatus struct {
	State               State
	LastLatency         time.Duration
	ConsecutiveFailures int
	Window              []HealthSample
}

// ServerSummary is a presentation-facing snapshot (expansion, SPEC_FULL.md §4).
type ServerSummary struct {
	ID     string
	State  State
	Tools  int
	Health HealthStatus
}

// ApprovalFunc decides whether a tool invocation not covered by AutoApprove
// may proceed. Returning an error denies the call.
type ApprovalFunc func(ctx context.Context, serverID, tool string, args map[string]any) error
