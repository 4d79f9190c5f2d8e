// ABOUTME: Model catalog and price table backing cost computation (spec.md §4.5).
// ABOUTME: Grounded on teacher llm/catalog.go: same ModelInfo shape, alias lookup, and Register/GetModelInfo/ListModels contract.
package llm

// ModelInfo describes one model's capabilities and per-token pricing.
type ModelInfo struct {
	ID                   string
	Provider             string
	DisplayName          string
	ContextWindow        int
	MaxOutput            int
	SupportsTools        bool
	InputCostPerMillion  float64
	OutputCostPerMillion float64
	CacheReadPerMillion  float64
	CacheWritePerMillion float64
	Aliases              []string
}

// Catalog holds ModelInfo entries and supports lookup by id/alias.
type Catalog struct {
	models []ModelInfo
}

func builtinModels() []ModelInfo {
	return []ModelInfo{
		{
			ID: "claude-opus-4-6", Provider: "anthropic", DisplayName: "Claude Opus 4.6",
			ContextWindow: 200000, SupportsTools: true,
			InputCostPerMillion: 15, OutputCostPerMillion: 75,
			CacheReadPerMillion: 1.5, CacheWritePerMillion: 18.75,
			Aliases: []string{"opus", "claude-opus"},
		},
		{
			ID: "claude-sonnet-4-5", Provider: "anthropic", DisplayName: "Claude Sonnet 4.5",
			ContextWindow: 200000, SupportsTools: true,
			InputCostPerMillion: 3, OutputCostPerMillion: 15,
			CacheReadPerMillion: 0.3, CacheWritePerMillion: 3.75,
			Aliases: []string{"sonnet", "claude-sonnet"},
		},
		{
			ID: "gpt-5.2", Provider: "openai", DisplayName: "GPT-5.2",
			ContextWindow: 1047576, SupportsTools: true,
			InputCostPerMillion: 5, OutputCostPerMillion: 20,
			Aliases: []string{"gpt5"},
		},
		{
			ID: "gpt-5.2-mini", Provider: "openai", DisplayName: "GPT-5.2 Mini",
			ContextWindow: 1047576, SupportsTools: true,
			InputCostPerMillion: 0.6, OutputCostPerMillion: 2.4,
			Aliases: []string{"gpt5-mini"},
		},
		{
			ID: "mandrake-local-fixture", Provider: "local", DisplayName: "Local Fixture Model",
			ContextWindow: 32000, SupportsTools: true,
			InputCostPerMillion: 0, OutputCostPerMillion: 0,
			Aliases: []string{"local"},
		},
	}
}

// DefaultCatalog returns a new Catalog pre-populated with the built-in
// models. Each call returns an independent copy.
func DefaultCatalog() *Catalog {
	return &Catalog{models: append([]ModelInfo(nil), builtinModels()...)}
}

// GetModelInfo looks up a model by canonical id or alias.
func (c *Catalog) GetModelInfo(modelID string) *ModelInfo {
	for i := range c.models {
		if c.models[i].ID == modelID {
			return &c.models[i]
		}
		for _, alias := range c.models[i].Aliases {
			if alias == modelID {
				return &c.models[i]
			}
		}
	}
	return nil
}

// ListModels returns all models for provider, or every model if provider
// is empty.
func (c *Catalog) ListModels(provider string) []ModelInfo {
	var out []ModelInfo
	for _, m := range c.models {
		if provider == "" || m.Provider == provider {
			out = append(out, m)
		}
	}
	return out
}

// Register adds or replaces a model by id.
func (c *Catalog) Register(model ModelInfo) {
	for i := range c.models {
		if c.models[i].ID == model.ID {
			c.models[i] = model
			return
		}
	}
	c.models = append(c.models, model)
}

// CostOf computes the USD cost of a Usage against modelID's price table.
// Providers never report cost directly (spec.md §4.5); this is the single
// place cost is derived from tokens. Unknown models cost 0 rather than
// erroring, since a missing catalog entry should not abort a turn.
func (c *Catalog) CostOf(modelID string, u Usage) float64 {
	m := c.GetModelInfo(modelID)
	if m == nil {
		return 0
	}
	cost := float64(u.InputTokens)/1_000_000*m.InputCostPerMillion +
		float64(u.OutputTokens)/1_000_000*m.OutputCostPerMillion
	if u.CacheReadTokens != nil {
		cost += float64(*u.CacheReadTokens) / 1_000_000 * m.CacheReadPerMillion
	}
	if u.CacheWriteTokens != nil {
		cost += float64(*u.CacheWriteTokens) / 1_000_000 * m.CacheWritePerMillion
	}
	if cost < 0 {
		cost = 0
	}
	return cost
}
