package tools

// ToolUnavailable names the fallback tool provider adapters rewrite a
// tool_use block to when replaying history references a tool name no
// longer in the current tool configuration (the anthropic adapter's
// encodeMessages is the first caller of this). Rewriting instead of
// dropping the block keeps the tool_use/tool_result pairing the provider
// API requires intact.
const ToolUnavailable Ident = "runtime.tool_unavailable"
