// ABOUTME: Converts on-disk workspace config shapes into the runtime types internal/mcp and internal/llm expect.
package workspace

import (
	"time"

	"github.com/strangelove-ventures/mandrake/internal/mcp"
)

// ToMCPConfig converts one on-disk ServerConfig (keyed by id in a
// ToolsConfig configSet) into the mcp.ServerConfig the Manager consumes,
// turning the on-disk AutoApprove list into the set mcp.ServerHandle
// looks up by tool name.
func (c ServerConfig) ToMCPConfig(id string) mcp.ServerConfig {
	approve := make(map[string]bool, len(c.AutoApprove))
	for _, name := range c.AutoApprove {
		approve[name] = true
	}
	return mcp.ServerConfig{
		ID:             id,
		Command:        c.Command,
		Args:           c.Args,
		Env:            c.Env,
		AutoApprove:    approve,
		Disabled:       c.Disabled,
		HealthStrategy: mcp.HealthStrategy(c.HealthStrategy),
		HealthTool:     c.HealthTool,
		HealthToolArgs: c.HealthToolArgs,
		HealthInterval: time.Duration(c.HealthInterval) * time.Millisecond,
		InvokeTimeout:  time.Duration(c.InvokeTimeout) * time.Millisecond,
	}
}

// ServersFor resolves the named configSetId's server configs into their
// runtime mcp.ServerConfig form, keyed by server id.
func (t ToolsConfig) ServersFor(configSetID string) map[string]mcp.ServerConfig {
	set, ok := t[configSetID]
	if !ok {
		return nil
	}
	out := make(map[string]mcp.ServerConfig, len(set))
	for id, cfg := range set {
		out[id] = cfg.ToMCPConfig(id)
	}
	return out
}
