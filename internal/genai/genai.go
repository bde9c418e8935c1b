// Package genai provides language-model completion operations using the
// OpenAI API.
package genai

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultTimeout bounds a single completion call. A timed-out call is
// indistinguishable from any other provider failure to callers.
const DefaultTimeout = 60 * time.Second

// ProviderError reports a failed or malformed completion call. The
// orchestrator maps it to a user-safe fallback reply instead of propagating
// it to the end user.
type ProviderError struct {
	Provider string
	Model    string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s (model %s): %v", e.Provider, e.Model, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// GenerationOptions carries per-call overrides for a completion request.
// Zero values fall back to the provider spec defaults.
type GenerationOptions struct {
	Temperature float64
	MaxTokens   int64
}

// ClientInterface defines the completion operations consumed by the flow
// package. Implementations must honor context cancellation.
type ClientInterface interface {
	// GenerateWithMessages runs a completion against the default provider.
	GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error)

	// GenerateForProvider runs a completion against a registered provider with
	// per-call option overrides.
	GenerateForProvider(ctx context.Context, providerID string, messages []openai.ChatCompletionMessageParamUnion, opts GenerationOptions) (string, error)
}

// completionService is the minimal surface of the OpenAI chat completion
// service, extracted so tests can substitute a scripted implementation.
type completionService interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Client wraps the OpenAI chat completion service behind the provider
// registry.
type Client struct {
	completions     completionService
	registry        *Registry
	defaultProvider string
	timeout         time.Duration
}

// ClientOption configures Client construction.
type ClientOption func(*Client)

// WithAPIKey overrides the OPENAI_API_KEY environment variable.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) {
		cli := openai.NewClient(option.WithAPIKey(key))
		c.completions = &cli.Chat.Completions
	}
}

// WithDefaultProvider selects the provider used by GenerateWithMessages.
func WithDefaultProvider(id string) ClientOption {
	return func(c *Client) {
		c.defaultProvider = id
	}
}

// WithTimeout bounds each completion call.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRegistry substitutes the provider registry.
func WithRegistry(r *Registry) ClientOption {
	return func(c *Client) {
		c.registry = r
	}
}

// WithCompletionService substitutes the completion transport (tests).
func WithCompletionService(svc completionService) ClientOption {
	return func(c *Client) {
		c.completions = svc
	}
}

// NewClient initializes a GenAI client. Without WithAPIKey the key is read
// from the OPENAI_API_KEY environment variable.
func NewClient(opts ...ClientOption) (*Client, error) {
	c := &Client{
		registry:        NewRegistry(),
		defaultProvider: DefaultProviderID,
		timeout:         DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.completions == nil {
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY not set")
		}
		cli := openai.NewClient(option.WithAPIKey(apiKey))
		c.completions = &cli.Chat.Completions
	}
	slog.Debug("genai.NewClient: client initialized", "defaultProvider", c.defaultProvider, "timeout", c.timeout)
	return c, nil
}

// GenerateWithMessages runs a completion against the default provider.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	return c.GenerateForProvider(ctx, c.defaultProvider, messages, GenerationOptions{})
}

// GenerateForProvider runs a completion against a registered provider.
// Transport failures, timeouts, and empty-choice responses all surface as
// *ProviderError.
func (c *Client) GenerateForProvider(ctx context.Context, providerID string, messages []openai.ChatCompletionMessageParamUnion, opts GenerationOptions) (string, error) {
	spec, ok := c.registry.Get(providerID)
	if !ok {
		return "", fmt.Errorf("unknown provider %q", providerID)
	}

	temperature := spec.Temperature
	if opts.Temperature != 0 {
		temperature = opts.Temperature
	}
	maxTokens := spec.MaxTokens
	if opts.MaxTokens != 0 {
		maxTokens = opts.MaxTokens
	}

	params := openai.ChatCompletionNewParams{
		Model:    spec.Model,
		Messages: messages,
	}
	if temperature != 0 {
		params.Temperature = openai.Float(temperature)
	}
	if maxTokens != 0 {
		params.MaxTokens = openai.Int(maxTokens)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	slog.Debug("genai.GenerateForProvider: issuing completion", "provider", providerID, "model", spec.Model, "messages", len(messages))
	resp, err := c.completions.New(callCtx, params)
	if err != nil {
		slog.Error("genai.GenerateForProvider: completion failed", "error", err, "provider", providerID, "model", spec.Model)
		return "", &ProviderError{Provider: providerID, Model: string(spec.Model), Err: err}
	}
	if len(resp.Choices) == 0 {
		slog.Error("genai.GenerateForProvider: no choices returned", "provider", providerID, "model", spec.Model)
		return "", &ProviderError{Provider: providerID, Model: string(spec.Model), Err: fmt.Errorf("no choices returned")}
	}
	content := resp.Choices[0].Message.Content
	slog.Debug("genai.GenerateForProvider: completion succeeded", "provider", providerID, "responseLength", len(content))
	return content, nil
}
