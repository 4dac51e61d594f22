package llm

import (
	"context"
	"sync"
)

// Mock is an in-memory ChatModel for tests and credential-free deployments.
// Responses are returned in order, repeating the last one once exhausted; an
// empty Mock returns empty ChatOuts, which workflow nodes treat as "use the
// deterministic fallback". Thread-safe.
type Mock struct {
	// Responses is the scripted sequence of replies.
	Responses []ChatOut

	// Err, when set, is returned by every Chat call.
	Err error

	// Calls records every invocation for assertions.
	Calls []MockCall

	mu        sync.Mutex
	callIndex int
}

// MockCall is one recorded Chat invocation.
type MockCall struct {
	Messages []Message
}

// Chat implements ChatModel.
func (m *Mock) Chat(ctx context.Context, messages []Message) (ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return ChatOut{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockCall{Messages: messages})

	if m.Err != nil {
		return ChatOut{}, m.Err
	}
	if len(m.Responses) == 0 {
		return ChatOut{Model: ProviderMock}, nil
	}

	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	out := m.Responses[idx]
	if out.Model == "" {
		out.Model = ProviderMock
	}
	return out, nil
}

// CallCount returns how many times Chat ran.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// Reset clears the call history and the response cursor.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.callIndex = 0
}
