package llm

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// DefaultGoogleModel is used when no model is configured.
const DefaultGoogleModel = "gemini-1.5-flash"

// Google is a ChatModel backed by the Gemini API. Close releases the
// underlying gRPC client.
type Google struct {
	client *genai.Client
	model  string
}

// NewGoogle creates a Google provider. An empty model selects
// DefaultGoogleModel.
func NewGoogle(ctx context.Context, apiKey, model string) (*Google, error) {
	if model == "" {
		model = DefaultGoogleModel
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}
	return &Google{client: client, model: model}, nil
}

// Close releases the client.
func (g *Google) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

// Chat implements ChatModel. The conversation becomes a Gemini chat session:
// prior turns seed the history and the last user message is sent.
func (g *Google) Chat(ctx context.Context, messages []Message) (ChatOut, error) {
	system, turns := splitSystem(messages)
	if len(turns) == 0 {
		turns = []Message{{Role: RoleUser, Content: system}}
		system = ""
	}

	gm := g.client.GenerativeModel(g.model)
	if system != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}

	session := gm.StartChat()
	last := turns[len(turns)-1]
	for _, m := range turns[:len(turns)-1] {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		session.History = append(session.History, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(m.Content)},
		})
	}

	resp, err := session.SendMessage(ctx, genai.Text(last.Content))
	if err != nil {
		return ChatOut{}, fmt.Errorf("google: %w", err)
	}

	out := ChatOut{Model: g.model}
	if resp.UsageMetadata != nil {
		out.TokensUsed = int(resp.UsageMetadata.TotalTokenCount)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return out, nil
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			out.Text += string(text)
		}
	}
	return out, nil
}
