package responseprocessor

import "time"

// ToolExecutionStrategy selects how multiple pending tool calls in one
// response are run.
type ToolExecutionStrategy string

const (
	StrategySequential ToolExecutionStrategy = "sequential"
	StrategyParallel   ToolExecutionStrategy = "parallel"
)

// XMLAddingStrategy selects the role under which a markup tool's result is
// appended to history. InlineEdit is reserved and treated identically to
// AssistantMessage.
type XMLAddingStrategy string

const (
	XMLAddingUserMessage      XMLAddingStrategy = "user_message"
	XMLAddingAssistantMessage XMLAddingStrategy = "assistant_message"
	XMLAddingInlineEdit       XMLAddingStrategy = "inline_edit"
)

// Config governs one ProcessStream call.
type Config struct {
	ExecuteTools          bool
	NativeToolCalling     bool
	XMLToolCalling        bool
	ExecuteOnStream       bool
	ToolExecutionStrategy ToolExecutionStrategy
	XMLAddingStrategy     XMLAddingStrategy
	// MaxXMLToolCalls caps markup tool calls per response; 0 means unlimited.
	MaxXMLToolCalls int
	// ToolTimeout bounds a single tool invocation. Zero means no timeout.
	// Not named in spec.md's enumerated config but always applied by the
	// original implementation's xml_tool_executor.
	ToolTimeout time.Duration
}

func (c Config) effectiveXMLAddingStrategy() XMLAddingStrategy {
	if c.XMLAddingStrategy == XMLAddingInlineEdit {
		return XMLAddingAssistantMessage
	}
	return c.XMLAddingStrategy
}
