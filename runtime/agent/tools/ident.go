// Package tools holds the types shared by every package that names a tool:
// the identifier type itself and the runtime-reserved identifiers that
// don't belong to any registered toolregistry.ToolDescriptor.
package tools

// Ident is a tool's identifier, as registered in toolregistry.Registry and
// as it appears in model.ToolCall.Name and thread.NativeToolCall.Name. The
// named type keeps a bare tool name string from being passed where a
// registry lookup key, a policy allowlist entry, or free-form text is
// expected interchangeably.
type Ident string
