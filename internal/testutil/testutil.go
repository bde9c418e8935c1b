// Package testutil provides shared helpers for tests: a scripted completion
// client and store seeding utilities.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/openai/openai-go"

	"github.com/mindframe-health/mindframe/internal/genai"
	"github.com/mindframe-health/mindframe/internal/models"
	"github.com/mindframe-health/mindframe/internal/store"
)

// ScriptedClient is a genai.ClientInterface returning canned replies in
// order. When the script is exhausted the last entry repeats. A non-nil Err
// is returned for every call instead.
type ScriptedClient struct {
	mu      sync.Mutex
	Replies []string
	Err     error

	Calls        int
	LastProvider string
	LastMsgs     []openai.ChatCompletionMessageParamUnion
}

// NewScriptedClient creates a client that replays the given replies.
func NewScriptedClient(replies ...string) *ScriptedClient {
	return &ScriptedClient{Replies: replies}
}

// GenerateWithMessages returns the next scripted reply.
func (c *ScriptedClient) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	return c.GenerateForProvider(ctx, genai.DefaultProviderID, messages, genai.GenerationOptions{})
}

// GenerateForProvider returns the next scripted reply.
func (c *ScriptedClient) GenerateForProvider(ctx context.Context, providerID string, messages []openai.ChatCompletionMessageParamUnion, opts genai.GenerationOptions) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls++
	c.LastProvider = providerID
	c.LastMsgs = messages
	if c.Err != nil {
		return "", c.Err
	}
	if len(c.Replies) == 0 {
		return "Okay.", nil
	}
	i := c.Calls - 1
	if i >= len(c.Replies) {
		i = len(c.Replies) - 1
	}
	return c.Replies[i], nil
}

// SeedProfile saves a profile with sensible defaults and returns it.
func SeedProfile(t *testing.T, s store.Store, id string) models.ClientProfile {
	t.Helper()
	p := models.ClientProfile{
		ID:             id,
		Name:           "Jordan",
		TherapyMethod:  "CBT",
		ActiveGoals:    []string{"manage work stress"},
		OpenChallenges: []string{"sleep disruption"},
		ProgressStatus: "steady",
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	if err := s.SaveProfile(p); err != nil {
		t.Fatalf("SeedProfile: %v", err)
	}
	return p
}
