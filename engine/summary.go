package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/martinemde/stride/llm"
)

// Summarizer produces the compacted replacement for a conversation that
// has outgrown its token budget. It returns the summary messages and a
// token estimate for them (0 lets the store estimate).
type Summarizer interface {
	Summarize(ctx context.Context, messages []llm.Message) ([]llm.Message, int, error)
}

const summaryPrompt = `Summarize the conversation so far for your own later use.
Preserve: the user's goal, decisions made and why, files and identifiers
touched, and what remains to be done. Be concise; drop tool output bodies.`

// ProviderSummarizer asks the model itself to summarize its conversation.
type ProviderSummarizer struct {
	provider llm.Provider
	model    string
}

// NewProviderSummarizer creates a ProviderSummarizer.
func NewProviderSummarizer(provider llm.Provider, model string) *ProviderSummarizer {
	return &ProviderSummarizer{provider: provider, model: model}
}

// Summarize sends the history with a summarization instruction and wraps
// the reply as the new conversation seed.
func (s *ProviderSummarizer) Summarize(ctx context.Context, messages []llm.Message) ([]llm.Message, int, error) {
	req := llm.Request{
		Model:    s.model,
		Messages: append(append([]llm.Message(nil), messages...), llm.UserMessage(summaryPrompt)),
	}
	resp, err := s.provider.Complete(ctx, req)
	if err != nil {
		return nil, 0, fmt.Errorf("summarize conversation: %w", err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		text = "(no summary produced)"
	}
	summary := []llm.Message{
		llm.SystemMessage("The conversation below was compacted. Summary of what came before:\n\n" + text),
	}
	return summary, resp.Usage.OutputTokens, nil
}
