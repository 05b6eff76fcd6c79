package engine

// This package implements the agent execution engine: the model request
// cycle, tool-call planning and dispatch across execution backends, failure
// classification with retry/resume strategies, post-action verification, and
// loop-stall detection.
//
// Design notes:
// - The engine owns no transport or storage singletons; collaborators
//   (session store, lease service, capability providers) are passed in at
//   construction and accessed through narrow interfaces.
// - Conversation state is append-only. Invariant repair (placeholder
//   assistant tool-calls and placeholder tool results) happens before a
//   request is sent, never by mutating persisted history in place.

import (
	"encoding/json"
	"strings"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one conversation entry in the chat-completions shape.
//
// Invariant: every tool message's ToolCallID references a ToolCall.ID emitted
// by a preceding assistant message. RepairHistory enforces this before each
// model turn.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a model-requested tool invocation. Immutable after parsing
// except for id normalization (see NormalizeToolCallID), which also rewrites
// the matching tool-result reference.
type ToolCall struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ArgumentsJSON string `json:"arguments"`
}

// ToolDef describes one tool exposed to the model.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`

	// Mutating marks tools whose execution has side effects on the
	// environment. It drives CLIENT_TIMEOUT classification and the
	// focus-escalation allow-list.
	Mutating bool `json:"-"`
}

// ChatRequest is a fully formed model request.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Tools       []ToolDef
	ToolChoice  string
	Temperature *float64
	Stream      bool
}

// TextSink receives incremental assistant text deltas in arrival order.
// Sinks must not block and must not panic; the transport ignores sink state.
type TextSink func(delta string)

// AssistantTurn is the assembled result of one model turn.
type AssistantTurn struct {
	Message      Message
	FinishReason string

	// TransportAttempts counts retries performed inside the transport or
	// provider SDK itself. More than one is an escalation signal.
	TransportAttempts int
}

// ExecutionResult is the outcome of dispatching one ToolPlan. Read-only once
// returned to the loop driver.
type ExecutionResult struct {
	OK           bool           `json:"ok"`
	Data         map[string]any `json:"data,omitempty"`
	Verified     *bool          `json:"verified,omitempty"`
	VerifyReason string         `json:"verify_reason,omitempty"`
	ErrorCode    string         `json:"error_code,omitempty"`
	ErrorDetails string         `json:"error_details,omitempty"`
	Retryable    bool           `json:"retryable,omitempty"`
}

// FailureEnvelope enriches a failed ExecutionResult with a classification and
// a resume strategy before it is surfaced to the model.
type FailureEnvelope struct {
	ErrorCode      string `json:"error_code"`
	ErrorDetails   string `json:"error_details,omitempty"`
	Retryable      bool   `json:"retryable"`
	Action         string `json:"action"` // auto_replay|llm_replan|fail_fast
	ResumeStrategy string `json:"resume_strategy"`
	RetryHint      string `json:"retry_hint,omitempty"`
	ModeEscalation string `json:"mode_escalation,omitempty"` // "" or "focus"
	VerifyReason   string `json:"verify_reason,omitempty"`
}

// RetryState tracks the model-request retry cycle for one session.
type RetryState struct {
	Active      bool `json:"active"`
	Attempt     int  `json:"attempt"`
	MaxAttempts int  `json:"max_attempts"`
	DelayMs     int  `json:"delay_ms"`
}

// RunStatus is the loop driver state machine.
type RunStatus string

const (
	RunStatusIdle          RunStatus = "idle"
	RunStatusRunning       RunStatus = "running"
	RunStatusStopped       RunStatus = "stopped"
	RunStatusDone          RunStatus = "done"
	RunStatusMaxSteps      RunStatus = "max_steps"
	RunStatusFailedExecute RunStatus = "failed_execute"
)

// Stable engine error codes. Tool backends may report codes with or without
// the legacy "E_" prefix; NormalizeErrorCode folds both spellings.
const (
	ErrCodeBusy               = "BUSY"
	ErrCodeBridgeDisconnected = "BRIDGE_DISCONNECTED"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeClientTimeout      = "CLIENT_TIMEOUT"
	ErrCodeNoTab              = "NO_TAB"
	ErrCodeRefRequired        = "REF_REQUIRED"
	ErrCodeVerifyFailed       = "VERIFY_FAILED"
	ErrCodeUnknownTool        = "UNKNOWN_TOOL"
	ErrCodeToolUnsupported    = "TOOL_UNSUPPORTED"
	ErrCodeArgumentError      = "ARGUMENT_ERROR"
	ErrCodeProgressUncertain  = "PROGRESS_UNCERTAIN"
	ErrCodeCanceled           = "CANCELED"
	ErrCodeLeaseUnavailable   = "LEASE_UNAVAILABLE"
)

// Resume strategies attached to failure envelopes.
const (
	ResumeRetrySameArgs      = "retry_same_args"
	ResumeRetryWithFreshSnap = "retry_with_fresh_snapshot"
	ResumeReplan             = "replan"
)

// Classifier actions.
const (
	ActionAutoReplay = "auto_replay"
	ActionLLMReplan  = "llm_replan"
	ActionFailFast   = "fail_fast"
)

// NormalizeErrorCode maps raw backend error codes onto the stable code set.
func NormalizeErrorCode(raw string) string {
	code := strings.ToUpper(strings.TrimSpace(raw))
	code = strings.TrimPrefix(code, "E_")
	return code
}
