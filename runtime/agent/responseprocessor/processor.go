// Package responseprocessor turns one LLM response (streamed or whole) into
// a sequence of events, dispatches tool calls, and persists the resulting
// assistant and tool-result messages.
package responseprocessor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/agentrun/engine/runtime/agent/events"
	"github.com/agentrun/engine/runtime/agent/model"
	"github.com/agentrun/engine/runtime/agent/telemetry"
	"github.com/agentrun/engine/runtime/agent/thread"
	"github.com/agentrun/engine/runtime/agent/toolerrors"
	"github.com/agentrun/engine/runtime/agent/toolregistry"
)

// AppendMessageFunc persists one message to a thread's history.
type AppendMessageFunc func(ctx context.Context, m thread.Message) (thread.Message, error)

// Processor converts model output into events against a fixed tool registry.
type Processor struct {
	Registry *toolregistry.Registry
	Logger   telemetry.Logger
}

// New returns a Processor bound to reg. A nil logger disables logging.
func New(reg *toolregistry.Registry, logger telemetry.Logger) *Processor {
	return &Processor{Registry: reg, Logger: logger}
}

type callSource int

const (
	sourceNative callSource = iota
	sourceMarkup
)

type toolCall struct {
	order    int
	source   callSource
	id       string // native call id; synthesized for markup calls
	name     string // function name for native, tag name for markup
	args     map[string]any
	result   *toolregistry.Result
	resultEmitted bool
}

// state holds the per-call mutable buffers the streaming algorithm
// maintains, per spec.md §4.2 step 1.
type state struct {
	accumulated    strings.Builder
	xmlScanWindow  strings.Builder
	nativeBuf      map[string]*nativeAccum // keyed by provider call id
	nativeOrder    []string
	calls          []*toolCall
	executedIDs    map[string]bool
	xmlCallCount   int
	xmlCapped      bool
	mu             sync.Mutex // guards calls/executedIDs when execute_on_stream runs concurrently
}

type nativeAccum struct {
	id      string
	name    string
	payload strings.Builder
}

// ProcessStream consumes chunks and returns a channel of events. The
// returned channel is always closed; the caller must drain it to completion
// or cancel ctx.
func (p *Processor) ProcessStream(ctx context.Context, chunks <-chan *model.Chunk, threadID string, cfg Config, appendMessage AppendMessageFunc) <-chan events.Event {
	out := make(chan events.Event, 16)
	go p.run(ctx, chunks, threadID, cfg, appendMessage, out)
	return out
}

func (p *Processor) run(ctx context.Context, chunks <-chan *model.Chunk, threadID string, cfg Config, appendMessage AppendMessageFunc, out chan<- events.Event) {
	defer close(out)

	st := &state{
		nativeBuf:   make(map[string]*nativeAccum),
		executedIDs: make(map[string]bool),
	}

	defer func() {
		if r := recover(); r != nil {
			out <- events.Error{Message: fmt.Sprintf("response processor panic: %v", r)}
		}
	}()

	finishReason := ""
	var pendingWG sync.WaitGroup

	emitAndTrack := func(name, tag string, args map[string]any, call *toolCall) {
		// Deferred execution (ExecuteTools && !ExecuteOnStream) runs every
		// call after the scan loop finishes, in dispatchAll. Emitting
		// tool_started here for those calls would put every tool_started
		// ahead of every tool_result, violating the sequential-strategy
		// ordering guarantee; dispatchAll emits tool_started immediately
		// before invoking each call instead.
		deferred := cfg.ExecuteTools && !cfg.ExecuteOnStream
		if !deferred {
			out <- events.ToolStarted{Name: name, Arguments: args, CallID: call.id}
		}
		if cfg.ExecuteOnStream && cfg.ExecuteTools {
			p.dispatch(ctx, cfg, call, &pendingWG, out)
		}
	}

loop:
	for {
		select {
		case <-ctx.Done():
			finishReason = "stop"
			break loop
		case chunk, ok := <-chunks:
			if !ok {
				break loop
			}
			if chunk == nil {
				continue
			}
			switch chunk.Type {
			case model.ChunkTypeText:
				delta := textOf(chunk.Message)
				if delta == "" {
					continue
				}
				st.accumulated.WriteString(delta)
				st.xmlScanWindow.WriteString(delta)
				out <- events.Content{ContentDelta: delta}

				if cfg.XMLToolCalling {
					p.scanMarkup(ctx, st, cfg, out, emitAndTrack)
				}

			case model.ChunkTypeToolCall:
				if !cfg.NativeToolCalling || chunk.ToolCall == nil {
					continue
				}
				tc := chunk.ToolCall
				var args map[string]any
				if err := json.Unmarshal(tc.Payload, &args); err != nil {
					p.logf(ctx, "native tool call dropped: malformed arguments", "name", string(tc.Name), "error", err)
					continue
				}
				call := &toolCall{order: len(st.calls), source: sourceNative, id: tc.ID, name: string(tc.Name), args: args}
				st.calls = append(st.calls, call)
				emitAndTrack(call.name, "", args, call)

			case model.ChunkTypeToolCallDelta:
				if !cfg.NativeToolCalling || chunk.ToolCallDelta == nil {
					continue
				}
				d := chunk.ToolCallDelta
				acc, exists := st.nativeBuf[d.ID]
				if !exists {
					acc = &nativeAccum{id: d.ID, name: string(d.Name)}
					st.nativeBuf[d.ID] = acc
					st.nativeOrder = append(st.nativeOrder, d.ID)
				}
				acc.payload.WriteString(d.Delta)

				var args map[string]any
				if acc.id != "" && acc.name != "" && json.Unmarshal([]byte(acc.payload.String()), &args) == nil {
					if !st.executedIDs[acc.id] {
						st.executedIDs[acc.id] = true
						call := &toolCall{order: len(st.calls), source: sourceNative, id: acc.id, name: acc.name, args: args}
						st.calls = append(st.calls, call)
						emitAndTrack(call.name, "", args, call)
					}
				}

			case model.ChunkTypeStop:
				finishReason = chunk.StopReason
				break loop
			}
		}
	}

	if st.xmlCapped {
		finishReason = events.FinishReasonXMLToolLimit
	}
	if finishReason == "" {
		finishReason = events.FinishReasonStop
	}

	// Drain deferred (execute_on_stream=false) calls now.
	if cfg.ExecuteTools && !cfg.ExecuteOnStream {
		p.dispatchAll(ctx, cfg, st.calls, &pendingWG, out)
	}
	pendingWG.Wait()

	assistantMsg := thread.NewTextMessage(threadID, thread.RoleAssistant, st.accumulated.String(), true)
	for _, c := range st.calls {
		if c.source == sourceNative {
			payload, _ := json.Marshal(c.args)
			assistantMsg.ToolCalls = append(assistantMsg.ToolCalls, thread.NativeToolCall{ID: c.id, Name: c.name, Arguments: string(payload)})
		}
	}
	if appendMessage != nil {
		if _, err := appendMessage(ctx, assistantMsg); err != nil {
			p.logf(ctx, "persist assistant message failed", "error", err)
		}
	}

	sort.SliceStable(st.calls, func(i, j int) bool { return st.calls[i].order < st.calls[j].order })
	for _, c := range st.calls {
		if c.result == nil {
			continue
		}
		resultText := resultToString(*c.result)
		if !c.resultEmitted {
			out <- events.ToolResult{Name: c.name, Result: resultText, CallID: c.id}
		}

		role := thread.RoleToolResult
		if c.source == sourceMarkup && cfg.effectiveXMLAddingStrategy() == XMLAddingUserMessage {
			role = thread.RoleUser
		}
		msg := thread.NewTextMessage(threadID, role, resultText, true)
		if c.source == sourceNative {
			msg.Metadata = map[string]any{"tool_call_id": c.id, "name": c.name}
		}
		if appendMessage != nil {
			if _, err := appendMessage(ctx, msg); err != nil {
				p.logf(ctx, "persist tool result message failed", "error", err)
			}
		}
	}

	out <- events.Finish{FinishReason: finishReason}
}

func (p *Processor) scanMarkup(ctx context.Context, st *state, cfg Config, out chan<- events.Event, emit func(name, tag string, args map[string]any, call *toolCall)) {
	tags := p.Registry.Tags()
	for {
		if cfg.MaxXMLToolCalls > 0 && st.xmlCallCount >= cfg.MaxXMLToolCalls {
			st.xmlCapped = true
			// Stop scanning entirely; remaining window is retained in
			// accumulated_text only.
			return
		}
		window := st.xmlScanWindow.String()
		chunk, found := findEarliestXMLChunk(window, tags)
		if !found {
			return
		}
		desc, ok := p.Registry.LookupTag(chunk.Tag)
		if !ok {
			st.xmlScanWindow.Reset()
			st.xmlScanWindow.WriteString(window[chunk.End:])
			continue
		}
		args, ok := fillMapping(chunk, desc.Markup.Mappings)
		st.xmlScanWindow.Reset()
		st.xmlScanWindow.WriteString(window[chunk.End:])
		if !ok {
			p.logf(ctx, "markup call dropped: unfillable parameters", "tag", chunk.Tag)
			continue
		}
		st.xmlCallCount++
		call := &toolCall{order: len(st.calls), source: sourceMarkup, id: fmt.Sprintf("xml-%d", len(st.calls)), name: string(desc.Name), args: args}
		st.calls = append(st.calls, call)
		emit(call.name, chunk.Tag, args, call)
	}
}

func (p *Processor) dispatch(ctx context.Context, cfg Config, call *toolCall, wg *sync.WaitGroup, out chan<- events.Event) {
	wg.Add(1)
	run := func() {
		defer wg.Done()
		call.result = p.invoke(ctx, cfg, call)
		call.resultEmitted = true
		out <- events.ToolResult{Name: call.name, Result: resultToString(*call.result), CallID: call.id}
	}
	if cfg.ToolExecutionStrategy == StrategyParallel {
		go run()
	} else {
		run()
	}
}

// dispatchAll runs every deferred (execute_on_stream=false) call and emits
// its tool_started/tool_result pair. Under the sequential strategy these are
// emitted one call at a time, so tool_result for call N is always yielded
// before tool_started for call N+1. Under the parallel strategy tool_started
// is emitted for every call up front (nothing orders calls against each
// other), and each tool_result follows its own call's completion.
func (p *Processor) dispatchAll(ctx context.Context, cfg Config, calls []*toolCall, wg *sync.WaitGroup, out chan<- events.Event) {
	if cfg.ToolExecutionStrategy == StrategyParallel {
		for _, c := range calls {
			c := c
			out <- events.ToolStarted{Name: c.name, Arguments: c.args, CallID: c.id}
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.result = p.invoke(ctx, cfg, c)
				c.resultEmitted = true
				out <- events.ToolResult{Name: c.name, Result: resultToString(*c.result), CallID: c.id}
			}()
		}
		wg.Wait()
		return
	}
	for _, c := range calls {
		out <- events.ToolStarted{Name: c.name, Arguments: c.args, CallID: c.id}
		c.result = p.invoke(ctx, cfg, c)
		c.resultEmitted = true
		out <- events.ToolResult{Name: c.name, Result: resultToString(*c.result), CallID: c.id}
	}
}

func (p *Processor) invoke(ctx context.Context, cfg Config, call *toolCall) *toolregistry.Result {
	desc, ok := p.Registry.LookupFunction(call.name)
	if !ok {
		return &toolregistry.Result{Success: false, Output: fmt.Sprintf("unknown tool %q", call.name)}
	}
	invokeCtx := ctx
	var cancel context.CancelFunc
	if cfg.ToolTimeout > 0 {
		invokeCtx, cancel = context.WithTimeout(ctx, cfg.ToolTimeout)
		defer cancel()
	}
	res, err := desc.Call(invokeCtx, call.args)
	if err != nil {
		toolErr := toolerrors.NewWithCause(fmt.Sprintf("tool %q failed", call.name), err)
		return &toolregistry.Result{Success: false, Output: toolErr.Error()}
	}
	return &res
}

func resultToString(r toolregistry.Result) string {
	b, err := json.Marshal(r)
	if err != nil {
		return r.Output
	}
	return string(b)
}

func textOf(m *model.Message) string {
	if m == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range m.Parts {
		if tp, ok := part.(model.TextPart); ok {
			sb.WriteString(tp.Text)
		}
	}
	return sb.String()
}

func (p *Processor) logf(ctx context.Context, msg string, keyvals ...any) {
	if p.Logger == nil {
		return
	}
	p.Logger.Debug(ctx, msg, keyvals...)
}
