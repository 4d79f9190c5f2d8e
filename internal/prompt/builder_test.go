package prompt

import (
	"strings"
	"testing"
	"time"
)

func fixedClock(t time.Time) Clock {
	return func() time.Time { return t }
}

func TestBuildOmitsDisabledSections(t *testing.T) {
	out := Build(Config{Instructions: "be helpful"})
	if out != "<instructions>\nbe helpful\n</instructions>" {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestBuildSectionOrderAndSeparation(t *testing.T) {
	fixed := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	out := Build(Config{
		Instructions:             "do things",
		Tools:                    []ToolInfo{{Name: "read_file", Description: "reads a file", InputSchema: "{}"}},
		WorkspaceName:            "demo",
		WorkspacePath:            "/tmp/demo",
		IncludeWorkspaceMetadata: true,
		IncludeSystemInfo:        true,
		IncludeDateTime:          true,
		Now:                      fixedClock(fixed),
	})

	order := []string{"<instructions>", "<tools>", "<workspace>", "<system>", "<datetime>"}
	lastIdx := -1
	for _, tag := range order {
		idx := strings.Index(out, tag)
		if idx == -1 {
			t.Fatalf("expected section %s in output:\n%s", tag, out)
		}
		if idx < lastIdx {
			t.Fatalf("section %s out of order", tag)
		}
		lastIdx = idx
	}
	if !strings.Contains(out, "2026-07-31T12:00:00Z") {
		t.Fatalf("expected injected clock value in output:\n%s", out)
	}
}

func TestBuildDeterministic(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := Config{Instructions: "x", IncludeDateTime: true, Now: fixedClock(fixed)}
	a := Build(cfg)
	b := Build(cfg)
	if a != b {
		t.Fatalf("expected deterministic output, got %q vs %q", a, b)
	}
}
