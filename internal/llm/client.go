// ABOUTME: Client routes streaming requests to the registered Provider by name and resolves cost from the Catalog.
// ABOUTME: Grounded on teacher llm/client.go's functional-option registry and FromEnv environment detection; middleware chain dropped since Mandrake only needs Stream, never Complete.
package llm

import (
	"context"
	"os"
	"sync"

	"github.com/strangelove-ventures/mandrake/internal/merr"
)

// Client multiplexes Stream calls across registered Providers.
type Client struct {
	mu              sync.RWMutex
	providers       map[string]Provider
	defaultProvider string
	catalog         *Catalog
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithProvider registers p under name. The first provider registered
// becomes the default.
func WithProvider(name string, p Provider) ClientOption {
	return func(c *Client) {
		c.providers[name] = p
		if c.defaultProvider == "" {
			c.defaultProvider = name
		}
	}
}

// WithDefaultProvider sets which provider handles a Request with no
// explicit provider name.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) { c.defaultProvider = name }
}

// WithCatalog overrides the default model catalog.
func WithCatalog(cat *Catalog) ClientOption {
	return func(c *Client) { c.catalog = cat }
}

// NewClient builds a Client with opts applied.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{providers: make(map[string]Provider), catalog: DefaultCatalog()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FromEnv builds a Client by detecting ANTHROPIC_API_KEY / OPENAI_API_KEY in
// the environment, always also registering the local fixture backend so a
// coordinator can run offline even with no cloud credentials configured.
func FromEnv() *Client {
	var opts []ClientOption
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		opts = append(opts, WithProvider("anthropic", NewAnthropicProvider(key)))
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		opts = append(opts, WithProvider("openai", NewOpenAIProvider(key)))
	}
	opts = append(opts, WithProvider("local", NewLocalProvider(nil)))
	return NewClient(opts...)
}

func (c *Client) resolveProvider(name string) (Provider, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if name == "" {
		name = c.defaultProvider
	}
	p, ok := c.providers[name]
	if !ok {
		return nil, merr.New(merr.KindValidation, "provider not registered: "+name)
	}
	return p, nil
}

// Stream routes req to its named provider (or the client default) and
// returns the raw Chunk stream.
func (c *Client) Stream(ctx context.Context, providerName string, req Request) (<-chan Chunk, error) {
	p, err := c.resolveProvider(providerName)
	if err != nil {
		return nil, err
	}
	return p.Stream(ctx, req)
}

// CostOf delegates to the client's Catalog (spec.md §4.5).
func (c *Client) CostOf(modelID string, u Usage) float64 {
	return c.catalog.CostOf(modelID, u)
}

// Catalog exposes the client's model catalog for read access (listing
// models, resolving aliases for configuration UIs).
func (c *Client) Catalog() *Catalog {
	return c.catalog
}

// RegisterProvider adds or replaces a provider at runtime.
func (c *Client) RegisterProvider(name string, p Provider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[name] = p
	if c.defaultProvider == "" {
		c.defaultProvider = name
	}
}

// Close shuts down every registered provider, returning the first error.
func (c *Client) Close() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var firstErr error
	for _, p := range c.providers {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
