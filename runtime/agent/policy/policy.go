// Package policy codifies policy evaluation and enforcement for agent runs.
// The Thread Manager consults a policy engine before each turn to compute the
// tool allowlist and to track consumption of caps such as the auto-continue
// budget. This keeps budget and allow/block-list
// enforcement independent of the Response Processor's parsing logic.
package policy

import (
	"context"
	"time"

	"github.com/agentrun/engine/runtime/agent/tools"
)

type (
	// Engine decides which tools remain available to the Response Processor on
	// each turn and reports the caps that should carry forward.
	Engine interface {
		// Decide evaluates policy constraints and returns the decision for this turn.
		Decide(ctx context.Context, input Input) (Decision, error)
	}

	// Input groups the information available to the policy engine for a turn.
	Input struct {
		// Tools lists every tool known to the registry, as candidates for filtering.
		Tools []ToolMetadata

		// RetryHint carries guidance derived from a prior tool failure in this run,
		// if any. Nil when no hint applies.
		RetryHint *RetryHint

		// RemainingCaps reflects the current execution budgets.
		RemainingCaps CapsState

		// Requested, when non-empty, restricts candidates to tools explicitly asked
		// for by the caller instead of the full registry.
		Requested []tools.Ident

		// Labels are arbitrary key/value pairs propagated from the run context.
		Labels map[string]string
	}

	// Decision captures the outcome of a policy evaluation for a turn.
	Decision struct {
		// AllowedTools is the final allowlist of tools for this turn.
		AllowedTools []tools.Ident

		// Caps carries the updated caps that should apply to this turn and beyond.
		Caps CapsState

		// DisableTools, when true, forces the turn to proceed with no tools at all.
		DisableTools bool

		// Labels annotate downstream logging.
		Labels map[string]string

		// Metadata captures policy-specific detail for audit or telemetry.
		Metadata map[string]any
	}

	// ToolMetadata describes a candidate tool available to the run.
	ToolMetadata struct {
		ID          tools.Ident
		Name        string
		Description string
		Tags        []string
	}

	// CapsState tracks the remaining execution budgets for a run: the
	// tool-invocation budget (which the Thread Manager fills from the
	// auto-continue counter) and the consecutive-failure budget. The markup
	// tool-call cap is not tracked here.
	CapsState struct {
		MaxToolCalls                        int
		RemainingToolCalls                  int
		MaxConsecutiveFailedToolCalls       int
		RemainingConsecutiveFailedToolCalls int
		ExpiresAt                           time.Time
	}
)

// RetryReason categorizes tool failures communicated via RetryHint.
type RetryReason string

const (
	RetryReasonInvalidArguments  RetryReason = "invalid_arguments"
	RetryReasonMissingFields     RetryReason = "missing_fields"
	RetryReasonMalformedResponse RetryReason = "malformed_response"
	RetryReasonTimeout           RetryReason = "timeout"
	RetryReasonRateLimited       RetryReason = "rate_limited"
	RetryReasonToolUnavailable   RetryReason = "tool_unavailable"
)

// RetryHint communicates guidance after a tool failure so policy engines can
// adjust allowlists or caps for the remainder of the run.
type RetryHint struct {
	Reason             RetryReason
	Tool               tools.Ident
	RestrictToTool     bool
	MissingFields      []string
	ExampleInput       map[string]any
	PriorInput         map[string]any
	ClarifyingQuestion string
	Message            string
}
