// Package llm abstracts the chat-completion providers workflow nodes talk
// to. One interface covers Anthropic, OpenAI, and Google; a mock keeps the
// workflow graphs testable offline, and a circuit-breaker decorator shields
// the worker pool from a flapping provider.
package llm

import (
	"context"
	"fmt"
	"strings"
)

// ChatModel is the provider-neutral chat surface. Implementations convert
// the shared Message format to provider wire types, respect ctx
// cancellation, and surface provider faults as errors.
type ChatModel interface {
	Chat(ctx context.Context, messages []Message) (ChatOut, error)
}

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatOut is a completed model response.
type ChatOut struct {
	// Text is the generated completion.
	Text string

	// Model names the concrete model that answered.
	Model string

	// TokensUsed is the provider-reported total token count, 0 when the
	// provider does not report usage.
	TokensUsed int
}

// Provider names accepted by New.
const (
	ProviderMock      = "mock"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
)

// New builds the configured provider. An empty provider selects the mock so
// the service runs without credentials. Callers that construct the Google
// provider own its Close.
func New(ctx context.Context, provider, apiKey, model string) (ChatModel, error) {
	switch strings.ToLower(provider) {
	case "", ProviderMock:
		return &Mock{}, nil
	case ProviderAnthropic:
		return NewAnthropic(apiKey, model), nil
	case ProviderOpenAI:
		return NewOpenAI(apiKey, model)
	case ProviderGoogle:
		return NewGoogle(ctx, apiKey, model)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", provider)
	}
}

// splitSystem separates the leading system instructions from the
// conversational turns. Anthropic and Google carry the system prompt out of
// band, so every provider shares this split.
func splitSystem(messages []Message) (system string, rest []Message) {
	var sys []string
	rest = make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			sys = append(sys, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(sys, "\n\n"), rest
}
