package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/deepak-karkala/agentflow/graph"
	"github.com/deepak-karkala/agentflow/llm"
)

// CallLLMNode is the whole of the thin graph: one model call over the
// conversation, appending the assistant reply. Unlike the planning nodes it
// does not fall back on provider errors; the model call is the entire point
// of the node, so a fault takes the job retry path.
type CallLLMNode struct {
	Model llm.ChatModel
}

// Run implements graph.Node.
func (n *CallLLMNode) Run(ctx context.Context, s State, emit graph.EmitFunc) (graph.Delta, error) {
	if len(s.Messages) == 0 {
		return nil, fmt.Errorf("conversation is empty")
	}
	if n.Model == nil {
		return nil, fmt.Errorf("no chat model configured")
	}

	out, err := n.Model.Chat(ctx, s.Messages)
	if err != nil {
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		// The offline mock answers with empty text; acknowledge the
		// request instead of appending a blank turn.
		text = fmt.Sprintf("Received your request: %s", firstLine(s.LastUserMessage()))
	}

	reasonCard{
		Agent:      "assistant",
		Node:       NodeCallLLM,
		Reasoning:  fmt.Sprintf("answered with %s", nonEmptyModel(out.Model)),
		Decision:   "reply appended",
		Confidence: 0.9,
		Outputs:    map[string]any{"tokens_used": out.TokensUsed},
		Category:   "conversation",
		Priority:   "low",
	}.emit(emit)

	return graph.Delta{
		"messages": []llm.Message{{Role: llm.RoleAssistant, Content: text}},
	}, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const max = 120
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

func nonEmptyModel(model string) string {
	if model == "" {
		return "the configured model"
	}
	return model
}
