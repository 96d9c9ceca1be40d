// Package toolregistry maintains the catalog of callable tools: their
// native-function and embedded-markup schemas, and example usage strings for
// system-prompt injection. A Registry is consulted but never mutated during
// a run.
package toolregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/agentrun/engine/runtime/agent/tools"
)

// SourceKind identifies where a markup parameter's value is read from.
type SourceKind string

const (
	SourceAttribute  SourceKind = "attribute"
	SourceChild      SourceKind = "child-element"
	SourceRootText   SourceKind = "root-text-content"
)

// ParamMapping maps one tool parameter to a location within a markup call.
type ParamMapping struct {
	Param  string
	Source SourceKind
	// Path is the attribute name, the child tag name, or "." for root text.
	Path string
}

// MarkupSchema describes how a tool may be invoked via embedded markup.
type MarkupSchema struct {
	Tag      string
	Mappings []ParamMapping
	// Example is the literal usage string injected into the system prompt.
	Example string
}

// Call is the function signature every registered tool implements.
type Call func(ctx context.Context, args map[string]any) (Result, error)

// Result is the normalized shape every tool result is reduced to before
// being stringified into a tool-result message.
type Result struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
}

// ToolDescriptor is one entry in the registry.
type ToolDescriptor struct {
	Name         tools.Ident
	Description  string
	Call         Call
	NativeSchema json.RawMessage
	Markup       *MarkupSchema
}

// Registry is a process-singleton-shaped catalog; in practice one instance
// is constructed per process and threaded through the components that need
// it.
type Registry struct {
	mu         sync.Mutex
	byFunction map[string]*ToolDescriptor
	byTag      map[string]*ToolDescriptor
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byFunction: make(map[string]*ToolDescriptor),
		byTag:      make(map[string]*ToolDescriptor),
	}
}

// Register adds a tool. Name collisions, within either index, are a
// programmer error and fail fast.
func (r *Registry) Register(d ToolDescriptor) error {
	if d.Name == "" {
		return fmt.Errorf("toolregistry: register: empty tool name")
	}
	if d.Call == nil {
		return fmt.Errorf("toolregistry: register %s: nil call", d.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	key := string(d.Name)
	if _, exists := r.byFunction[key]; exists {
		return fmt.Errorf("toolregistry: duplicate function name %q", key)
	}
	desc := d
	if d.Markup != nil {
		if _, exists := r.byTag[d.Markup.Tag]; exists {
			return fmt.Errorf("toolregistry: duplicate markup tag %q", d.Markup.Tag)
		}
		r.byTag[d.Markup.Tag] = &desc
	}
	r.byFunction[key] = &desc
	return nil
}

// LookupFunction returns the descriptor registered for a native function
// name, if any.
func (r *Registry) LookupFunction(name string) (*ToolDescriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byFunction[name]
	return d, ok
}

// LookupTag returns the descriptor registered for a markup tag, if any.
func (r *Registry) LookupTag(tag string) (*ToolDescriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byTag[tag]
	return d, ok
}

// Tags returns every registered markup tag name, sorted, for scanner setup.
func (r *Registry) Tags() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.byTag))
	for tag := range r.byTag {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// Descriptors returns every registered tool, in stable (name-sorted)
// order, for callers that need the full descriptor rather than just the
// native schema (e.g. a policy engine deciding per-turn allowlists).
func (r *Registry) Descriptors() []ToolDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.byFunction))
	for name := range r.byFunction {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]ToolDescriptor, 0, len(names))
	for _, name := range names {
		out = append(out, *r.byFunction[name])
	}
	return out
}

// NativeSchemas enumerates native function schemas for sending to the LLM,
// in a stable (name-sorted) order.
func (r *Registry) NativeSchemas() []json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.byFunction))
	for name := range r.byFunction {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]json.RawMessage, 0, len(names))
	for _, name := range names {
		if schema := r.byFunction[name].NativeSchema; schema != nil {
			out = append(out, schema)
		}
	}
	return out
}

// XMLExamples renders every markup tool's example usage string, in
// tag-sorted order, for injection into the system prompt.
func (r *Registry) XMLExamples() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	tags := make([]string, 0, len(r.byTag))
	for tag := range r.byTag {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	var out string
	for _, tag := range tags {
		out += r.byTag[tag].Markup.Example + "\n"
	}
	return out
}
