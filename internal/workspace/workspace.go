// ABOUTME: On-disk workspace layout loader/writer for the .ws/* directory tree.
// ABOUTME: Grounded on teacher spec/server/persist.go's os.OpenFile+json.Marshal idiom and agent/session.go's tagged-config-struct style.
package workspace

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/strangelove-ventures/mandrake/internal/merr"
)

const (
	dirName        = ".ws"
	configDirName  = "config"
	filesDirName   = "files"
	manifestName   = "workspace.json"
	toolsConfigName    = "tools.json"
	modelsConfigName   = "models.json"
	contextConfigName  = "context.json"
	promptConfigName   = "prompt.json"
	dbName         = "session.db"
)

// Manifest is the workspace identity & metadata stored at .ws/workspace.json
// (spec.md §6).
type Manifest struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	CreatedAt time.Time         `json:"createdAt"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ServerConfig mirrors the on-disk shape of spec.md §6's ServerConfig. Its
// AutoApprove is a list on disk (JSON array of tool names) even though
// internal/mcp.ServerConfig stores the equivalent as a set for O(1) lookup;
// ToMCPConfig converts between the two.
type ServerConfig struct {
	Command        string            `json:"command"`
	Args           []string          `json:"args,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	AutoApprove    []string          `json:"autoApprove,omitempty"`
	Disabled       bool              `json:"disabled,omitempty"`
	HealthStrategy string            `json:"healthStrategy,omitempty"`
	HealthTool     string            `json:"healthTool,omitempty"`
	HealthToolArgs map[string]any    `json:"healthToolArgs,omitempty"`
	HealthInterval int               `json:"healthIntervalMs,omitempty"`
	InvokeTimeout  int               `json:"invokeTimeoutMs,omitempty"`
}

// ToolsConfig is the on-disk shape of .ws/config/tools.json: a named
// configuration set mapping serverId -> ServerConfig, keyed by configSetId
// so a workspace can keep multiple named tool-server loadouts.
type ToolsConfig map[string]map[string]ServerConfig

// ProviderConfig describes one LLM provider credential/endpoint.
type ProviderConfig struct {
	Type        string `json:"type"`
	APIKey      string `json:"apiKey,omitempty"`
	APIEndpoint string `json:"apiEndpoint,omitempty"`
}

// ModelConfig describes one selectable model and its tuning knobs.
type ModelConfig struct {
	Enabled     bool     `json:"enabled"`
	ProviderID  string   `json:"providerId"`
	ModelID     string   `json:"modelId"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"maxTokens,omitempty"`
}

// ModelsConfig is the on-disk shape of .ws/config/models.json.
type ModelsConfig struct {
	Providers map[string]ProviderConfig `json:"providers"`
	Models    map[string]ModelConfig    `json:"models"`
	Active    string                    `json:"active"`
}

// ContextConfig is the on-disk shape of .ws/config/context.json: named
// dynamic-context definitions (e.g. shell commands whose output is spliced
// into the system prompt at request time). Kept as a raw map since the
// shape of an individual definition is provider/tool specific and this
// layer only needs to round-trip it.
type ContextConfig map[string]any

// PromptConfig is the on-disk shape of .ws/config/prompt.json, feeding
// internal/prompt.Config's corresponding fields.
type PromptConfig struct {
	Instructions             string `json:"instructions"`
	IncludeWorkspaceMetadata bool   `json:"includeWorkspaceMetadata"`
	IncludeSystemInfo        bool   `json:"includeSystemInfo"`
	IncludeDateTime          bool   `json:"includeDateTime"`
}

// Layout resolves the .ws/* paths for one workspace root and loads/saves
// its JSON config files.
type Layout struct {
	Root string
}

// New returns a Layout rooted at workspaceRoot.
func New(workspaceRoot string) *Layout {
	return &Layout{Root: workspaceRoot}
}

func (l *Layout) wsDir() string      { return filepath.Join(l.Root, dirName) }
func (l *Layout) configDir() string  { return filepath.Join(l.wsDir(), configDirName) }
func (l *Layout) FilesDir() string   { return filepath.Join(l.wsDir(), filesDirName) }
func (l *Layout) DBPath() string     { return filepath.Join(l.wsDir(), dbName) }
func (l *Layout) ManifestPath() string { return filepath.Join(l.wsDir(), manifestName) }

// Bootstrap creates the .ws directory tree (config/ and files/) if it does
// not already exist. It does not overwrite any existing config file.
func (l *Layout) Bootstrap(manifest Manifest) error {
	if err := os.MkdirAll(l.configDir(), 0o755); err != nil {
		return merr.Storage("create .ws/config directory", err)
	}
	if err := os.MkdirAll(l.FilesDir(), 0o755); err != nil {
		return merr.Storage("create .ws/files directory", err)
	}

	if _, err := os.Stat(l.ManifestPath()); os.IsNotExist(err) {
		if manifest.CreatedAt.IsZero() {
			manifest.CreatedAt = time.Now()
		}
		if err := l.writeJSON(l.ManifestPath(), manifest); err != nil {
			return err
		}
	}
	return nil
}

// LoadManifest reads .ws/workspace.json.
func (l *Layout) LoadManifest() (Manifest, error) {
	var m Manifest
	err := l.readJSON(l.ManifestPath(), &m)
	return m, err
}

// SaveManifest writes .ws/workspace.json.
func (l *Layout) SaveManifest(m Manifest) error {
	return l.writeJSON(l.ManifestPath(), m)
}

// LoadToolsConfig reads .ws/config/tools.json, returning an empty config if
// the file does not yet exist.
func (l *Layout) LoadToolsConfig() (ToolsConfig, error) {
	cfg := ToolsConfig{}
	path := filepath.Join(l.configDir(), toolsConfigName)
	if err := l.readJSONOptional(path, &cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveToolsConfig writes .ws/config/tools.json.
func (l *Layout) SaveToolsConfig(cfg ToolsConfig) error {
	return l.writeJSON(filepath.Join(l.configDir(), toolsConfigName), cfg)
}

// LoadModelsConfig reads .ws/config/models.json, returning a zero-value
// config if the file does not yet exist.
func (l *Layout) LoadModelsConfig() (ModelsConfig, error) {
	cfg := ModelsConfig{Providers: map[string]ProviderConfig{}, Models: map[string]ModelConfig{}}
	path := filepath.Join(l.configDir(), modelsConfigName)
	if err := l.readJSONOptional(path, &cfg); err != nil {
		return ModelsConfig{}, err
	}
	return cfg, nil
}

// SaveModelsConfig writes .ws/config/models.json.
func (l *Layout) SaveModelsConfig(cfg ModelsConfig) error {
	return l.writeJSON(filepath.Join(l.configDir(), modelsConfigName), cfg)
}

// LoadContextConfig reads .ws/config/context.json, returning an empty
// config if the file does not yet exist.
func (l *Layout) LoadContextConfig() (ContextConfig, error) {
	cfg := ContextConfig{}
	path := filepath.Join(l.configDir(), contextConfigName)
	if err := l.readJSONOptional(path, &cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveContextConfig writes .ws/config/context.json.
func (l *Layout) SaveContextConfig(cfg ContextConfig) error {
	return l.writeJSON(filepath.Join(l.configDir(), contextConfigName), cfg)
}

// LoadPromptConfig reads .ws/config/prompt.json, returning a zero-value
// config (empty instructions, all includes off) if the file does not yet
// exist.
func (l *Layout) LoadPromptConfig() (PromptConfig, error) {
	var cfg PromptConfig
	path := filepath.Join(l.configDir(), promptConfigName)
	if err := l.readJSONOptional(path, &cfg); err != nil {
		return PromptConfig{}, err
	}
	return cfg, nil
}

// SavePromptConfig writes .ws/config/prompt.json.
func (l *Layout) SavePromptConfig(cfg PromptConfig) error {
	return l.writeJSON(filepath.Join(l.configDir(), promptConfigName), cfg)
}

// ImportYAMLTemplate loads a hand-authored workspace bootstrap template from
// YAML (path is caller-supplied, typically outside .ws/) and applies it as
// the initial tools/models/context/prompt config, without overwriting files
// that already exist. JSON remains the primary on-disk format (spec.md §6);
// YAML is accepted only for authoring these one-shot templates.
func (l *Layout) ImportYAMLTemplate(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return merr.Storage("read workspace template", err)
	}

	var tpl struct {
		Tools   ToolsConfig   `yaml:"tools"`
		Models  ModelsConfig  `yaml:"models"`
		Context ContextConfig `yaml:"context"`
		Prompt  PromptConfig  `yaml:"prompt"`
	}
	if err := yaml.Unmarshal(data, &tpl); err != nil {
		return merr.Wrap(merr.KindValidation, "parse workspace template", err)
	}

	if err := os.MkdirAll(l.configDir(), 0o755); err != nil {
		return merr.Storage("create .ws/config directory", err)
	}

	type fileSeed struct {
		name string
		v    any
	}
	seeds := []fileSeed{
		{toolsConfigName, tpl.Tools},
		{modelsConfigName, tpl.Models},
		{contextConfigName, tpl.Context},
		{promptConfigName, tpl.Prompt},
	}
	for _, s := range seeds {
		path := filepath.Join(l.configDir(), s.name)
		if _, err := os.Stat(path); err == nil {
			continue // never clobber an existing config file
		}
		if err := l.writeJSON(path, s.v); err != nil {
			return err
		}
	}
	return nil
}

func (l *Layout) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return merr.Internal("marshal "+filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return merr.Storage("create config directory", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return merr.Storage("write "+filepath.Base(path), err)
	}
	return nil
}

func (l *Layout) readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return merr.NotFound(filepath.Base(path) + " not found")
		}
		return merr.Storage("read "+filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return merr.Wrap(merr.KindValidation, "parse "+filepath.Base(path), err)
	}
	return nil
}

// readJSONOptional is readJSON but leaves v at its caller-supplied zero
// value instead of erroring when the file does not exist yet, matching
// configs that are legitimately absent until first written.
func (l *Layout) readJSONOptional(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return merr.Storage("read "+filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return merr.Wrap(merr.KindValidation, "parse "+filepath.Base(path), err)
	}
	return nil
}
