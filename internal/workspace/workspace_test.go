package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBootstrapCreatesLayoutOnce(t *testing.T) {
	root := t.TempDir()
	l := New(root)

	if err := l.Bootstrap(Manifest{ID: "ws1", Name: "test workspace"}); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	for _, dir := range []string{filepath.Join(root, ".ws", "config"), filepath.Join(root, ".ws", "files")} {
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			t.Fatalf("expected directory %s to exist", dir)
		}
	}

	m, err := l.LoadManifest()
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	if m.ID != "ws1" || m.Name != "test workspace" {
		t.Fatalf("unexpected manifest: %+v", m)
	}
	if m.CreatedAt.IsZero() {
		t.Fatal("expected CreatedAt to be stamped")
	}

	// Bootstrapping again must not overwrite the manifest.
	if err := l.Bootstrap(Manifest{ID: "ws1", Name: "renamed"}); err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}
	m2, err := l.LoadManifest()
	if err != nil {
		t.Fatalf("load manifest (2nd): %v", err)
	}
	if m2.Name != "test workspace" {
		t.Fatalf("expected bootstrap to preserve existing manifest, got name %q", m2.Name)
	}
}

func TestToolsConfigRoundTrip(t *testing.T) {
	root := t.TempDir()
	l := New(root)
	if err := l.Bootstrap(Manifest{ID: "ws1"}); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	cfg := ToolsConfig{
		"default": {
			"fs": ServerConfig{
				Command:     "mcp-fs",
				Args:        []string{"--root", "."},
				AutoApprove: []string{"read_file"},
			},
		},
	}
	if err := l.SaveToolsConfig(cfg); err != nil {
		t.Fatalf("save tools config: %v", err)
	}

	loaded, err := l.LoadToolsConfig()
	if err != nil {
		t.Fatalf("load tools config: %v", err)
	}
	fsCfg, ok := loaded["default"]["fs"]
	if !ok {
		t.Fatal("expected default/fs server config to round-trip")
	}
	if fsCfg.Command != "mcp-fs" || len(fsCfg.AutoApprove) != 1 || fsCfg.AutoApprove[0] != "read_file" {
		t.Fatalf("unexpected round-tripped config: %+v", fsCfg)
	}

	servers := loaded.ServersFor("default")
	fs, ok := servers["fs"]
	if !ok {
		t.Fatal("expected ServersFor to resolve the fs server")
	}
	if !fs.AutoApprove["read_file"] {
		t.Fatal("expected read_file to be auto-approved after conversion")
	}
}

func TestLoadConfigsAbsentFilesReturnZeroValue(t *testing.T) {
	root := t.TempDir()
	l := New(root)
	if err := l.Bootstrap(Manifest{ID: "ws1"}); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	tools, err := l.LoadToolsConfig()
	if err != nil {
		t.Fatalf("load tools config: %v", err)
	}
	if len(tools) != 0 {
		t.Fatalf("expected empty tools config, got %+v", tools)
	}

	models, err := l.LoadModelsConfig()
	if err != nil {
		t.Fatalf("load models config: %v", err)
	}
	if len(models.Providers) != 0 || len(models.Models) != 0 || models.Active != "" {
		t.Fatalf("expected empty models config, got %+v", models)
	}

	prompt, err := l.LoadPromptConfig()
	if err != nil {
		t.Fatalf("load prompt config: %v", err)
	}
	if prompt.Instructions != "" || prompt.IncludeDateTime {
		t.Fatalf("expected zero-value prompt config, got %+v", prompt)
	}
}

func TestImportYAMLTemplateDoesNotClobberExisting(t *testing.T) {
	root := t.TempDir()
	l := New(root)
	if err := l.Bootstrap(Manifest{ID: "ws1"}); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	if err := l.SavePromptConfig(PromptConfig{Instructions: "hand-authored"}); err != nil {
		t.Fatalf("save prompt config: %v", err)
	}

	tplPath := filepath.Join(t.TempDir(), "template.yaml")
	tpl := []byte("tools:\n  default:\n    fs:\n      command: mcp-fs\nprompt:\n  instructions: from-template\n")
	if err := os.WriteFile(tplPath, tpl, 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}

	if err := l.ImportYAMLTemplate(tplPath); err != nil {
		t.Fatalf("import yaml template: %v", err)
	}

	prompt, err := l.LoadPromptConfig()
	if err != nil {
		t.Fatalf("load prompt config: %v", err)
	}
	if prompt.Instructions != "hand-authored" {
		t.Fatalf("expected existing prompt config to survive import, got %q", prompt.Instructions)
	}

	tools, err := l.LoadToolsConfig()
	if err != nil {
		t.Fatalf("load tools config: %v", err)
	}
	if tools["default"]["fs"].Command != "mcp-fs" {
		t.Fatalf("expected tools config to be seeded from template, got %+v", tools)
	}
}
