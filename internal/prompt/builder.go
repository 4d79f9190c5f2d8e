// ABOUTME: Prompt Builder — a pure function assembling the XML-like system prompt from workspace config.
// ABOUTME: Grounded on teacher spec/store/manager.go's deterministic on-disk-config-to-text assembly style; clock injected per spec.md §4.6 for testability.
package prompt

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"
)

// Clock returns the current time; injected so Build is deterministic in
// tests (spec.md §4.6).
type Clock func() time.Time

// ToolInfo is one entry rendered under <tools>.
type ToolInfo struct {
	Name        string
	Description string
	InputSchema string // pre-rendered JSON Schema text
}

// Config carries every input Build may render. Any zero-value/disabled
// section is simply omitted from the output.
type Config struct {
	Instructions             string
	Tools                    []ToolInfo
	WorkspaceName            string
	WorkspacePath             string
	WorkspaceMetadata         map[string]string
	IncludeWorkspaceMetadata  bool
	IncludeSystemInfo         bool
	IncludeDateTime           bool
	DateTimeOnly              bool // true: date only; false: full ISO-8601 date+time
	Now                       Clock
}

// Build assembles the system prompt deterministically, in the fixed
// section order given by spec.md §4.6: instructions, tools, workspace,
// system, datetime. Sections whose inputs are empty/disabled are omitted
// entirely; present sections are separated by one blank line.
func Build(cfg Config) string {
	var sections []string

	if s := strings.TrimSpace(cfg.Instructions); s != "" {
		sections = append(sections, wrap("instructions", s))
	}

	if len(cfg.Tools) > 0 {
		sections = append(sections, wrap("tools", renderTools(cfg.Tools)))
	}

	if cfg.IncludeWorkspaceMetadata && (cfg.WorkspaceName != "" || cfg.WorkspacePath != "") {
		sections = append(sections, wrap("workspace", renderWorkspace(cfg)))
	}

	if cfg.IncludeSystemInfo {
		sections = append(sections, wrap("system", renderSystem()))
	}

	if cfg.IncludeDateTime {
		now := time.Now
		if cfg.Now != nil {
			now = cfg.Now
		}
		sections = append(sections, wrap("datetime", renderDateTime(now(), cfg.DateTimeOnly)))
	}

	return strings.Join(sections, "\n\n")
}

func wrap(tag, body string) string {
	return fmt.Sprintf("<%s>\n%s\n</%s>", tag, body, tag)
}

func renderTools(tools []ToolInfo) string {
	var b strings.Builder
	for i, t := range tools {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s: %s\n%s", t.Name, t.Description, t.InputSchema)
	}
	return b.String()
}

func renderWorkspace(cfg Config) string {
	var b strings.Builder
	if cfg.WorkspaceName != "" {
		fmt.Fprintf(&b, "name: %s\n", cfg.WorkspaceName)
	}
	if cfg.WorkspacePath != "" {
		fmt.Fprintf(&b, "path: %s\n", cfg.WorkspacePath)
	}
	keys := make([]string, 0, len(cfg.WorkspaceMetadata))
	for k := range cfg.WorkspaceMetadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, cfg.WorkspaceMetadata[k])
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderSystem() string {
	return fmt.Sprintf("os: %s\narch: %s", runtime.GOOS, runtime.GOARCH)
}

func renderDateTime(now time.Time, dateOnly bool) string {
	if dateOnly {
		return now.Format("2006-01-02")
	}
	return now.Format(time.RFC3339)
}
