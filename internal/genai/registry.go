package genai

import (
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"
)

// DefaultProviderID is the provider used when callers do not select one.
const DefaultProviderID = "openai"

// ProviderSpec describes how to invoke one registered provider: which model
// to request and the default sampling options. New providers are added by
// registration, not by branching in the orchestrator.
type ProviderSpec struct {
	Model       shared.ChatModel
	Temperature float64
	MaxTokens   int64
}

// Registry maps provider identifiers to their invocation specs.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]ProviderSpec
}

// NewRegistry creates a registry pre-populated with the default OpenAI
// provider.
func NewRegistry() *Registry {
	r := &Registry{providers: make(map[string]ProviderSpec)}
	r.Register(DefaultProviderID, ProviderSpec{
		Model:       openai.ChatModelGPT4o,
		Temperature: 0.7,
		MaxTokens:   1024,
	})
	return r
}

// Register adds or replaces a provider spec.
func (r *Registry) Register(id string, spec ProviderSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[id] = spec
}

// Get looks up a provider spec by identifier.
func (r *Registry) Get(id string) (ProviderSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.providers[id]
	return spec, ok
}

// SetDefaultModel replaces the model of the default provider, keeping its
// sampling options.
func (r *Registry) SetDefaultModel(model shared.ChatModel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	spec := r.providers[DefaultProviderID]
	spec.Model = model
	r.providers[DefaultProviderID] = spec
}
