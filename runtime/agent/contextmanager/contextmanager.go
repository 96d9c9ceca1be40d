// Package contextmanager decides when a thread's effective history has grown
// too large for the model's context window and inserts summary messages that
// truncate it.
package contextmanager

import (
	"context"
	"fmt"

	"github.com/agentrun/engine/runtime/agent/model"
	"github.com/agentrun/engine/runtime/agent/thread"
)

// TokenCounter estimates the token cost of a prompt. Implementations may be
// exact (a provider tokenizer) or approximate; spec.md treats this as an
// injected collaborator.
type TokenCounter interface {
	CountMessages(messages []*model.Message) int
}

// Summarizer asks the LLM to compress a message history into one summary.
type Summarizer interface {
	Summarize(ctx context.Context, systemPrompt *model.Message, history []thread.Message, modelName string) (string, error)
}

// Manager holds the single numeric threshold above which history is
// summarized.
type Manager struct {
	TokenThreshold int
	Counter        TokenCounter
	Summarizer     Summarizer
}

// New returns a Manager with the given token threshold.
func New(threshold int, counter TokenCounter, summarizer Summarizer) *Manager {
	return &Manager{TokenThreshold: threshold, Counter: counter, Summarizer: summarizer}
}

// CheckAndSummarizeIfNeeded counts tokens for systemPrompt plus history; if
// the count is at or above the threshold (or force is true), it asks the
// Summarizer to compress history and appends a RoleSummary message via
// appendMessage. A Summarizer that returns an empty string is treated as
// having nothing useful to say, not as a successful compaction: no summary
// message is appended, since GetLLMMessages takes the latest RoleSummary
// message as the new start of effective history and an empty one would
// silently discard everything before it. It returns whether a summary was
// written.
func (m *Manager) CheckAndSummarizeIfNeeded(
	ctx context.Context,
	threadID string,
	systemPrompt *model.Message,
	history []thread.Message,
	llmModel string,
	force bool,
	appendMessage func(ctx context.Context, msg thread.Message) (thread.Message, error),
) (bool, error) {
	promptMessages := toModelMessages(systemPrompt, history)
	count := m.Counter.CountMessages(promptMessages)
	if count < m.TokenThreshold && !force {
		return false, nil
	}

	summaryText, err := m.Summarizer.Summarize(ctx, systemPrompt, history, llmModel)
	if err != nil {
		return false, fmt.Errorf("contextmanager: summarize: %w", err)
	}
	if summaryText == "" {
		return false, nil
	}

	summary := thread.NewTextMessage(threadID, thread.RoleSummary, summaryText, true)
	if _, err := appendMessage(ctx, summary); err != nil {
		return false, fmt.Errorf("contextmanager: append summary: %w", err)
	}
	return true, nil
}

func toModelMessages(systemPrompt *model.Message, history []thread.Message) []*model.Message {
	out := make([]*model.Message, 0, len(history)+1)
	if systemPrompt != nil {
		out = append(out, systemPrompt)
	}
	for _, h := range history {
		out = append(out, &model.Message{
			Role:  model.ConversationRole(h.Role),
			Parts: []model.Part{model.TextPart{Text: h.Text()}},
		})
	}
	return out
}

// ApproxTokenCounter estimates tokens as text length divided by four, the
// common rough heuristic used when no exact provider tokenizer is wired.
// This is a deliberate standard-library-only implementation: no example repo
// in the pack imports a tokenizer library, so there is nothing idiomatic to
// wire here (see DESIGN.md).
type ApproxTokenCounter struct{}

func (ApproxTokenCounter) CountMessages(messages []*model.Message) int {
	total := 0
	for _, msg := range messages {
		for _, part := range msg.Parts {
			if tp, ok := part.(model.TextPart); ok {
				total += len(tp.Text)
			}
		}
	}
	return total / 4
}
