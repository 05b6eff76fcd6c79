package engine

import (
	"regexp"
	"strings"
)

// Classification decides how a failed tool execution is handled: replayed
// transparently, surfaced to the model for a replan, or failed fast.
type Classification struct {
	Action    string
	Retryable bool
	RetryHint string

	// ModeEscalation is "focus" when the failure looks like a lost-foreground
	// problem the loop can fix by re-issuing the call with forceFocus.
	ModeEscalation string
}

var focusLossPattern = regexp.MustCompile(`(?i)foreground|background|gesture|lease|focus`)

// browserTimeoutClassCodes are backend-specific codes that in practice mean
// the page never received the input because the tab was backgrounded.
var browserTimeoutClassCodes = map[string]struct{}{
	"CDP_TIMEOUT":      {},
	"ACTION_TIMEOUT":   {},
	"DISPATCH_TIMEOUT": {},
}

// ClassifyFailure maps a normalized error code onto a handling action. The
// table is independent of the tool except for side-effect awareness on
// client timeouts.
func ClassifyFailure(tool ToolDef, rawCode string) Classification {
	code := NormalizeErrorCode(rawCode)
	switch code {
	case ErrCodeBusy:
		return Classification{Action: ActionAutoReplay, Retryable: true, RetryHint: "transient backend contention"}
	case ErrCodeBridgeDisconnected:
		return Classification{Action: ActionAutoReplay, Retryable: true, RetryHint: "bridge transport flapped"}
	case ErrCodeLeaseUnavailable:
		return Classification{Action: ActionAutoReplay, Retryable: true, RetryHint: "target lease held elsewhere; it expires on its ttl"}
	case ErrCodeTimeout:
		return Classification{Action: ActionLLMReplan, Retryable: true, RetryHint: "consider a larger timeout"}
	case ErrCodeClientTimeout:
		if tool.Mutating {
			// A write may have landed; re-observe before retrying it.
			return Classification{Action: ActionLLMReplan, Retryable: true, RetryHint: "re-observe before retrying a side-effecting call"}
		}
		return Classification{Action: ActionAutoReplay, Retryable: true, RetryHint: "read-only call is safe to replay verbatim"}
	case ErrCodeNoTab, ErrCodeRefRequired, ErrCodeVerifyFailed:
		return Classification{Action: ActionLLMReplan, Retryable: true, RetryHint: "take a fresh environment snapshot first"}
	default:
		return Classification{Action: ActionFailFast, Retryable: false}
	}
}

// DetectModeEscalation attaches a background→focus suggestion when a
// live-environment tool fails in a way that matches focus-loss heuristics.
func DetectModeEscalation(plan ToolPlan, rawCode string, details string) string {
	if !plan.Kind.liveEnvironment() {
		return ""
	}
	code := NormalizeErrorCode(rawCode)
	if code == ErrCodeVerifyFailed {
		return "focus"
	}
	if _, ok := browserTimeoutClassCodes[code]; ok {
		return "focus"
	}
	if focusLossPattern.MatchString(details) {
		return "focus"
	}
	return ""
}

// DeriveResumeStrategy turns a classification plus failure context into the
// strategy the next attempt should use.
func DeriveResumeStrategy(cls Classification, rawCode string) string {
	code := NormalizeErrorCode(rawCode)
	if code == ErrCodeProgressUncertain {
		return ResumeRetryWithFreshSnap
	}
	if cls.ModeEscalation != "" {
		return ResumeRetrySameArgs
	}
	switch cls.Action {
	case ActionAutoReplay:
		return ResumeRetrySameArgs
	case ActionLLMReplan:
		if cls.Retryable {
			return ResumeRetryWithFreshSnap
		}
	}
	return ResumeReplan
}

// BuildFailureEnvelope assembles the structured failure surfaced to the
// model as a tool result.
func BuildFailureEnvelope(tool ToolDef, plan ToolPlan, result ExecutionResult) FailureEnvelope {
	cls := ClassifyFailure(tool, result.ErrorCode)
	cls.ModeEscalation = DetectModeEscalation(plan, result.ErrorCode, result.ErrorDetails+" "+result.VerifyReason)
	return FailureEnvelope{
		ErrorCode:      NormalizeErrorCode(result.ErrorCode),
		ErrorDetails:   strings.TrimSpace(result.ErrorDetails),
		Retryable:      cls.Retryable,
		Action:         cls.Action,
		ResumeStrategy: DeriveResumeStrategy(cls, result.ErrorCode),
		RetryHint:      cls.RetryHint,
		ModeEscalation: cls.ModeEscalation,
		VerifyReason:   strings.TrimSpace(result.VerifyReason),
	}
}
