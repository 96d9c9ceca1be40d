// Package threadmanager drives the outer loop that composes prompts, calls
// the LLM, delegates to the Response Processor, and implements the
// auto-continue policy.
package threadmanager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/agentrun/engine/runtime/agent/contextmanager"
	"github.com/agentrun/engine/runtime/agent/events"
	"github.com/agentrun/engine/runtime/agent/model"
	"github.com/agentrun/engine/runtime/agent/policy"
	"github.com/agentrun/engine/runtime/agent/responseprocessor"
	"github.com/agentrun/engine/runtime/agent/telemetry"
	"github.com/agentrun/engine/runtime/agent/thread"
	"github.com/agentrun/engine/runtime/agent/tools"
	"github.com/agentrun/engine/runtime/agent/toolregistry"
)

// ToolChoice mirrors spec.md's run_thread parameter, independent of the
// narrower model.ToolChoiceMode vocabulary.
type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceRequired ToolChoice = "required"
	ToolChoiceNone     ToolChoice = "none"
)

// RunThreadParams enumerates run_thread's parameters per spec.md §4.3.
type RunThreadParams struct {
	ThreadID              string
	SystemPrompt          *model.Message
	Stream                bool
	TemporaryMessage      *thread.Message
	LLMModel              string
	LLMTemperature        float32
	LLMMaxTokens          *int
	ProcessorConfig       responseprocessor.Config
	ToolChoice            ToolChoice
	NativeMaxAutoContinues int
	MaxXMLToolCalls       int
	IncludeXMLExamples    bool
	EnableThinking        bool
	ReasoningEffort       *string
	EnableContextManager  bool
}

// ThreadManager orchestrates runs against a MessageStore, a tool Registry, a
// Response Processor, a Context Manager, and an LLM client.
type ThreadManager struct {
	Store      thread.MessageStore
	Registry   *toolregistry.Registry
	Processor  *responseprocessor.Processor
	ContextMgr *contextmanager.Manager
	LLM        model.Client
	Logger     telemetry.Logger

	// Policy, if set, is consulted once per turn to compute the tool
	// allowlist from the registry's full catalog. Nil means every
	// registered tool is always offered, per NativeMaxAutoContinues
	// being the only cap in effect.
	Policy policy.Engine
}

// New builds a ThreadManager. Any of registry/processor/contextMgr may be
// nil if the corresponding feature is always disabled by callers.
func New(store thread.MessageStore, registry *toolregistry.Registry, processor *responseprocessor.Processor, ctxMgr *contextmanager.Manager, llm model.Client, logger telemetry.Logger) *ThreadManager {
	return &ThreadManager{Store: store, Registry: registry, Processor: processor, ContextMgr: ctxMgr, LLM: llm, Logger: logger}
}

// AddMessage appends a message and returns the stored row.
func (tm *ThreadManager) AddMessage(ctx context.Context, threadID string, role thread.Role, content string, isLLMMessage bool, metadata map[string]any) (thread.Message, error) {
	msg := thread.NewTextMessage(threadID, role, content, isLLMMessage)
	msg.Metadata = metadata
	return tm.Store.AppendMessage(ctx, msg)
}

// GetLLMMessages returns the effective prompt history: the most recent
// summary (if any) followed by every subsequent is_llm_message=true message.
func (tm *ThreadManager) GetLLMMessages(ctx context.Context, threadID string) ([]thread.Message, error) {
	all, err := tm.Store.ListMessages(ctx, threadID)
	if err != nil {
		return nil, err
	}
	summaryIdx := -1
	for i, m := range all {
		if m.Role == thread.RoleSummary {
			summaryIdx = i
		}
	}
	var effective []thread.Message
	for i := summaryIdx; i < len(all); i++ {
		if i < 0 {
			continue
		}
		m := all[i]
		if !m.IsLLMMessage {
			continue
		}
		effective = append(effective, m)
	}
	return effective, nil
}

// RunThread orchestrates one auto-continue loop and returns a channel of the
// flattened Event sequence.
func (tm *ThreadManager) RunThread(ctx context.Context, p RunThreadParams) <-chan events.Event {
	out := make(chan events.Event, 16)
	go tm.runLoop(ctx, p, out)
	return out
}

func (tm *ThreadManager) runLoop(ctx context.Context, p RunThreadParams, out chan<- events.Event) {
	defer close(out)

	systemPrompt := p.SystemPrompt
	if p.IncludeXMLExamples && p.ProcessorConfig.XMLToolCalling && tm.Registry != nil {
		systemPrompt = appendXMLExamples(systemPrompt, tm.Registry.XMLExamples())
	}

	autoContinueCount := 0
	firstPass := true

	for {
		history, err := tm.GetLLMMessages(ctx, p.ThreadID)
		if err != nil {
			out <- events.Error{Message: fmt.Sprintf("load history: %v", err)}
			return
		}

		if p.EnableContextManager && tm.ContextMgr != nil {
			modelHistory := toModelMessages(history)
			countInput := modelHistory
			if systemPrompt != nil {
				countInput = append([]*model.Message{systemPrompt}, modelHistory...)
			}
			if tm.ContextMgr.Counter.CountMessages(countInput) >= tm.ContextMgr.TokenThreshold {
				_, err := tm.ContextMgr.CheckAndSummarizeIfNeeded(ctx, p.ThreadID, systemPrompt, history, p.LLMModel, false, tm.Store.AppendMessage)
				if err != nil {
					tm.logf(ctx, "summarization failed", "error", err)
				} else {
					history, err = tm.GetLLMMessages(ctx, p.ThreadID)
					if err != nil {
						out <- events.Error{Message: fmt.Sprintf("reload history: %v", err)}
						return
					}
				}
			}
		}

		messages := composePrompt(systemPrompt, history, p.TemporaryMessage, firstPass)
		firstPass = false

		req := &model.Request{
			Model:       p.LLMModel,
			Messages:    messages,
			Temperature: p.LLMTemperature,
			Stream:      p.Stream,
		}
		if p.LLMMaxTokens != nil {
			req.MaxTokens = *p.LLMMaxTokens
		}
		if p.ProcessorConfig.NativeToolCalling && tm.Registry != nil {
			allowed, disabled := tm.decideTools(ctx, autoContinueCount, p.NativeMaxAutoContinues)
			if !disabled {
				req.Tools = nativeToolDefinitions(tm.Registry, allowed)
				req.ToolChoice = mapToolChoice(p.ToolChoice)
			}
		}
		if p.EnableThinking {
			req.Thinking = &model.ThinkingOptions{Enable: true}
		}

		chunks, err := tm.callLLM(ctx, req, p.Stream)
		if err != nil {
			out <- events.Error{Message: fmt.Sprintf("llm call failed: %v", err)}
			return
		}

		procOut := tm.Processor.ProcessStream(ctx, chunks, p.ThreadID, p.ProcessorConfig, tm.Store.AppendMessage)

		var finishEvent *events.Finish
		for ev := range procOut {
			if f, ok := ev.(events.Finish); ok {
				finishEvent = &f
				continue
			}
			out <- ev
		}

		if finishEvent == nil {
			return
		}

		if finishEvent.FinishReason == events.FinishReasonToolCalls &&
			p.NativeMaxAutoContinues > 0 &&
			autoContinueCount < p.NativeMaxAutoContinues {
			autoContinueCount++
			continue
		}

		if finishEvent.FinishReason == events.FinishReasonToolCalls &&
			p.NativeMaxAutoContinues > 0 &&
			autoContinueCount >= p.NativeMaxAutoContinues {
			out <- events.Content{ContentDelta: "auto-continue limit reached"}
			out <- events.Finish{FinishReason: events.FinishReasonAutoContinueLimit}
			return
		}

		out <- *finishEvent
		return
	}
}

// callLLM bridges model.Client's Complete/Stream surface to a channel of
// chunks, the shape responseprocessor.ProcessStream consumes.
func (tm *ThreadManager) callLLM(ctx context.Context, req *model.Request, stream bool) (<-chan *model.Chunk, error) {
	out := make(chan *model.Chunk, 16)

	if !stream {
		resp, err := tm.completeWithRetry(ctx, req)
		if err != nil {
			close(out)
			return nil, err
		}
		go func() {
			defer close(out)
			for i := range resp.Content {
				out <- &model.Chunk{Type: model.ChunkTypeText, Message: &resp.Content[i]}
			}
			for i := range resp.ToolCalls {
				out <- &model.Chunk{Type: model.ChunkTypeToolCall, ToolCall: &resp.ToolCalls[i]}
			}
			out <- &model.Chunk{Type: model.ChunkTypeStop, StopReason: resp.StopReason}
		}()
		return out, nil
	}

	streamer, err := tm.streamWithRetry(ctx, req)
	if err != nil {
		close(out)
		return nil, err
	}
	go func() {
		defer close(out)
		defer streamer.Close()
		for {
			chunk, err := streamer.Recv()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					tm.logf(ctx, "stream recv error", "error", err)
				}
				return
			}
			c := chunk
			out <- &c
			if chunk.Type == model.ChunkTypeStop {
				return
			}
		}
	}()
	return out, nil
}

// retry policy: bounded attempts with linear backoff, distinguishing nothing
// provider-specific (spec.md §4.3's failure semantics leave rate-limit
// detection to the provider adapter).
const maxLLMAttempts = 3

func (tm *ThreadManager) completeWithRetry(ctx context.Context, req *model.Request) (*model.Response, error) {
	var lastErr error
	for attempt := 0; attempt < maxLLMAttempts; attempt++ {
		resp, err := tm.LLM.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		tm.backoff(ctx, attempt)
	}
	return nil, fmt.Errorf("llm complete: %w", lastErr)
}

func (tm *ThreadManager) streamWithRetry(ctx context.Context, req *model.Request) (model.Streamer, error) {
	var lastErr error
	for attempt := 0; attempt < maxLLMAttempts; attempt++ {
		streamer, err := tm.LLM.Stream(ctx, req)
		if err == nil {
			return streamer, nil
		}
		lastErr = err
		tm.backoff(ctx, attempt)
	}
	return nil, fmt.Errorf("llm stream: %w", lastErr)
}

func (tm *ThreadManager) backoff(ctx context.Context, attempt int) {
	select {
	case <-ctx.Done():
	case <-time.After(time.Duration(attempt+1) * 250 * time.Millisecond):
	}
}

func (tm *ThreadManager) logf(ctx context.Context, msg string, keyvals ...any) {
	if tm.Logger == nil {
		return
	}
	tm.Logger.Warn(ctx, msg, keyvals...)
}

func composePrompt(systemPrompt *model.Message, history []thread.Message, temp *thread.Message, includeTemp bool) []*model.Message {
	out := make([]*model.Message, 0, len(history)+2)
	if systemPrompt != nil {
		out = append(out, systemPrompt)
	}

	lastUserIdx := -1
	for i, m := range history {
		if m.Role == thread.RoleUser {
			lastUserIdx = i
		}
	}

	for i, m := range history {
		out = append(out, toModelMessage(m))
		if includeTemp && temp != nil && i == lastUserIdx {
			out = append(out, toModelMessage(*temp))
		}
	}
	if includeTemp && temp != nil && lastUserIdx == -1 {
		out = append(out, toModelMessage(*temp))
	}
	return out
}

func toModelMessage(m thread.Message) *model.Message {
	mm := &model.Message{Role: model.ConversationRole(m.Role)}
	if m.Text() != "" {
		mm.Parts = append(mm.Parts, model.TextPart{Text: m.Text()})
	}
	for _, tc := range m.ToolCalls {
		mm.Parts = append(mm.Parts, model.ToolUsePart{ID: tc.ID, Name: tc.Name, Input: tc.Arguments})
	}
	return mm
}

func toModelMessages(history []thread.Message) []*model.Message {
	out := make([]*model.Message, 0, len(history))
	for _, m := range history {
		out = append(out, toModelMessage(m))
	}
	return out
}

func appendXMLExamples(systemPrompt *model.Message, examples string) *model.Message {
	if systemPrompt == nil {
		return &model.Message{Role: model.ConversationRole(thread.RoleSystem), Parts: []model.Part{model.TextPart{Text: examples}}}
	}
	clone := *systemPrompt
	clone.Parts = append([]model.Part{}, systemPrompt.Parts...)
	for i, part := range clone.Parts {
		if tp, ok := part.(model.TextPart); ok {
			clone.Parts[i] = model.TextPart{Text: tp.Text + "\n" + examples}
			return &clone
		}
	}
	clone.Parts = append(clone.Parts, model.TextPart{Text: examples})
	return &clone
}

// decideTools consults tm.Policy, if set, for this turn's tool allowlist.
// A nil allowed slice with disabled=false means every registered tool is
// offered; a policy failure degrades to that same default rather than
// failing the turn, since tool availability is advisory, not load-bearing.
func (tm *ThreadManager) decideTools(ctx context.Context, autoContinueCount, maxAutoContinues int) (allowed map[tools.Ident]struct{}, disabled bool) {
	if tm.Policy == nil {
		return nil, false
	}
	descriptors := tm.Registry.Descriptors()
	candidates := make([]policy.ToolMetadata, 0, len(descriptors))
	for _, d := range descriptors {
		candidates = append(candidates, policy.ToolMetadata{ID: d.Name, Name: string(d.Name), Description: d.Description})
	}
	remaining := maxAutoContinues - autoContinueCount
	if remaining < 0 {
		remaining = 0
	}
	decision, err := tm.Policy.Decide(ctx, policy.Input{
		Tools:         candidates,
		RemainingCaps: policy.CapsState{MaxToolCalls: maxAutoContinues, RemainingToolCalls: remaining},
	})
	if err != nil {
		tm.logf(ctx, "policy decide failed, allowing all tools", "error", err)
		return nil, false
	}
	if decision.DisableTools {
		return nil, true
	}
	if decision.AllowedTools == nil {
		return nil, false
	}
	allowed = make(map[tools.Ident]struct{}, len(decision.AllowedTools))
	for _, id := range decision.AllowedTools {
		allowed[id] = struct{}{}
	}
	return allowed, false
}

func nativeToolDefinitions(reg *toolregistry.Registry, allowed map[tools.Ident]struct{}) []*model.ToolDefinition {
	descriptors := reg.Descriptors()
	out := make([]*model.ToolDefinition, 0, len(descriptors))
	for _, d := range descriptors {
		if d.NativeSchema == nil {
			continue
		}
		if allowed != nil {
			if _, ok := allowed[d.Name]; !ok {
				continue
			}
		}
		out = append(out, &model.ToolDefinition{
			Name:        string(d.Name),
			Description: d.Description,
			InputSchema: d.NativeSchema,
		})
	}
	return out
}

func mapToolChoice(tc ToolChoice) *model.ToolChoice {
	switch tc {
	case ToolChoiceRequired:
		return &model.ToolChoice{Mode: model.ToolChoiceModeAny}
	case ToolChoiceNone:
		return &model.ToolChoice{Mode: model.ToolChoiceModeNone}
	default:
		return nil
	}
}
