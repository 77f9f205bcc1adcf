// Package ai is the LLM sampling collaborator for AI-assisted bulk
// actions. The engine talks only to SamplingChannel; the Anthropic
// implementation here is one provider of it and may be absent entirely,
// in which case AI-assisted actions fail with AI_UNAVAILABLE.
package ai

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// SampleRequest is one sampling call.
type SampleRequest struct {
	SystemPrompt string
	UserPrompt   string
	MaxTokens    int
	Timeout      time.Duration
}

// SamplingChannel produces a raw model reply for a prompt pair.
type SamplingChannel interface {
	Sample(ctx context.Context, req SampleRequest) (string, error)
}

// ErrUnavailable is returned when no sampling channel is configured.
var ErrUnavailable = errors.New("LLM sampling channel unavailable")

const (
	defaultMaxTokens = 1024
	defaultTimeout   = 60 * time.Second
	maxRetries       = 3
	initialBackoff   = 1 * time.Second
)

// errAPIKeyRequired is returned when an API key is needed but not provided.
var errAPIKeyRequired = errors.New("API key required")

// AnthropicChannel implements SamplingChannel over the Anthropic API.
type AnthropicChannel struct {
	client         anthropic.Client
	model          anthropic.Model
	maxRetries     int
	initialBackoff time.Duration
}

// NewAnthropicChannel builds a channel. Env var ANTHROPIC_API_KEY takes
// precedence over the explicit apiKey.
func NewAnthropicChannel(apiKey, model string) (*AnthropicChannel, error) {
	envKey := os.Getenv("ANTHROPIC_API_KEY")
	if envKey != "" {
		apiKey = envKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY or provide via config", errAPIKeyRequired)
	}
	if model == "" {
		model = "claude-haiku-4-5-20251001"
	}
	return &AnthropicChannel{
		client:         anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:          anthropic.Model(model),
		maxRetries:     maxRetries,
		initialBackoff: initialBackoff,
	}, nil
}

// Sample issues the request with bounded retries and per-call timeout.
func (c *AnthropicChannel) Sample(ctx context.Context, req SampleRequest) (string, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.UserPrompt)),
		},
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := c.initialBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		message, err := c.client.Messages.New(ctx, params)
		if err == nil {
			var sb strings.Builder
			for _, block := range message.Content {
				if block.Type == "text" {
					sb.WriteString(block.Text)
				}
			}
			return sb.String(), nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("anthropic call failed after %d attempts: %w", c.maxRetries+1, lastErr)
}
