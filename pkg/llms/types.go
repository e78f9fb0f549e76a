// Package llms provides the LLM provider abstraction and the Anthropic and
// OpenAI implementations used by the agent loop.
package llms

import (
	"context"
	"fmt"

	"github.com/scintilla-hq/scintilla/pkg/config"
	"github.com/scintilla-hq/scintilla/pkg/protocol"
)

// ToolDefinition is a provider-neutral tool binding: a name, a description,
// and a JSON-schema parameter object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Provider is one LLM backend. Generate returns the assistant text, any tool
// calls the model emitted, and total tokens used.
type Provider interface {
	Generate(ctx context.Context, systemPrompt string, messages []protocol.Message, tools []ToolDefinition) (text string, toolCalls []protocol.ToolCall, tokens int, err error)

	ModelName() string

	Close() error
}

// Registry holds the configured providers by name.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// CreateFromConfig instantiates and registers a provider from its config
// entry.
func (r *Registry) CreateFromConfig(name string, cfg *config.LLMProviderConfig) (Provider, error) {
	if name == "" {
		return nil, fmt.Errorf("LLM name cannot be empty")
	}
	if cfg == nil {
		return nil, fmt.Errorf("LLM config cannot be nil")
	}

	var provider Provider
	var err error

	switch cfg.Type {
	case "openai":
		provider, err = NewOpenAIProviderFromConfig(cfg)
	case "anthropic":
		provider, err = NewAnthropicProviderFromConfig(cfg)
	default:
		return nil, fmt.Errorf("unsupported LLM type: %s (supported: openai, anthropic)", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM provider %s: %w", name, err)
	}

	r.providers[name] = provider
	return provider, nil
}

// Register adds a pre-built provider. Used by tests to inject fakes.
func (r *Registry) Register(name string, provider Provider) error {
	if name == "" {
		return fmt.Errorf("LLM name cannot be empty")
	}
	if provider == nil {
		return fmt.Errorf("LLM provider cannot be nil")
	}
	r.providers[name] = provider
	return nil
}

// Get returns the named provider.
func (r *Registry) Get(name string) (Provider, error) {
	provider, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("LLM provider '%s' not found", name)
	}
	return provider, nil
}

// List returns the registered provider names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// Close closes every registered provider.
func (r *Registry) Close() error {
	var firstErr error
	for _, provider := range r.providers {
		if err := provider.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
