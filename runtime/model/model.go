// Package model defines the provider-agnostic contract for LLM completion
// calls. Workflow steps depend on Client only; adapters under features/model
// translate Request/Response to the Anthropic, OpenAI and Bedrock SDKs.
package model

import (
	"context"
	"errors"
)

type (
	// Client is implemented by provider adapters. Implementations must be
	// safe for concurrent use.
	Client interface {
		// Complete sends a completion request and returns the generated
		// response. Rate limiting errors wrap ErrRateLimited so callers can
		// back off.
		Complete(ctx context.Context, req Request) (Response, error)
	}

	// Role identifies the author of a chat message.
	Role string

	// Message is one turn of the conversation sent to the model. The JSON
	// form is what workflow states checkpoint.
	Message struct {
		Role    Role   `json:"role"`
		Content string `json:"content"`
	}

	// Request captures the normalized parameters of a completion call.
	Request struct {
		// Model is the provider-specific model identifier. Empty selects the
		// adapter's configured default.
		Model string

		// System is the system prompt. Adapters place it wherever their
		// provider expects it.
		System string

		// Messages is the ordered conversation history.
		Messages []Message

		// Temperature is sent verbatim; zero selects greedy decoding.
		Temperature float64

		// MaxTokens caps completion length. Zero selects the adapter default.
		MaxTokens int
	}

	// TokenUsage reports token accounting when the provider returns it.
	TokenUsage struct {
		InputTokens  int
		OutputTokens int
		TotalTokens  int
	}

	// Response is the generated completion.
	Response struct {
		// Text is the concatenated assistant text.
		Text string

		// Usage is zero-valued when the provider reports no accounting.
		Usage TokenUsage

		// StopReason explains why generation ended. Values are provider
		// specific ("end_turn", "max_tokens", "stop", ...).
		StopReason string
	}
)

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ErrRateLimited marks provider throttling. Adapters wrap the provider error
// with it; the adaptive rate limiter halves its budget when it sees it.
var ErrRateLimited = errors.New("model: rate limited")
