package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// VerifyPolicy controls post-action verification.
type VerifyPolicy string

const (
	VerifyOff        VerifyPolicy = "off"
	VerifyOnCritical VerifyPolicy = "on_critical"
	VerifyAlways     VerifyPolicy = "always"
)

// LeasePolicy controls per-target lease acquisition.
type LeasePolicy string

const (
	LeaseAuto   LeasePolicy = "auto" // lease-worthy action kinds only
	LeaseAlways LeasePolicy = "always"
	LeaseNever  LeasePolicy = "never"
)

// Verify reasons attached to execution results.
const (
	VerifyReasonVerified              = "verified"
	VerifyReasonFailed                = "verify_failed"
	VerifyReasonSkipped               = "verify_skipped"
	VerifyReasonPolicyOff             = "verify_policy_off"
	VerifyReasonNotSupportedForBridge = "verify_not_supported_for_bridge"
	VerifyReasonMissingTabID          = "verify_missing_tab_id"
)

const (
	defaultReplayAttempts = 3
	replayBaseDelay       = 300 * time.Millisecond
	replayDelayCap        = 2000 * time.Millisecond
	defaultLeaseTTL       = 15 * time.Second
)

// Observation is a compact snapshot of a live target used for progress
// verification.
type Observation struct {
	URL        string
	Title      string
	Text       string
	TextLength int
	NodeCount  int
}

// Observer captures observations of a live target.
type Observer interface {
	Observe(ctx context.Context, targetID string) (Observation, error)
	SelectorExists(ctx context.Context, targetID string, selector string) (bool, error)
}

// LeaseService grants time-boxed mutual-exclusion leases per target.
type LeaseService interface {
	Acquire(ctx context.Context, targetID string, ownerID string, ttl time.Duration) (bool, string, error)
	Release(targetID string, ownerID string)
}

// AuditRecorder receives the final outcome of every dispatched tool call.
// Implementations must not block or fail dispatch.
type AuditRecorder interface {
	RecordToolExecution(sessionID string, tool ToolDef, plan ToolPlan, result ExecutionResult)
}

// Dispatcher executes resolved plans against registered capability
// providers, with lease discipline, verification and transparent replay of
// transient failures.
type Dispatcher struct {
	Providers *ProviderRegistry
	Leases    LeaseService
	Observer  Observer

	VerifyPolicy   VerifyPolicy
	LeasePolicy    LeasePolicy
	LeaseTTL       time.Duration
	ReplayAttempts int
	OwnerID        string
	Audit          AuditRecorder
	Log            *slog.Logger
}

func (d *Dispatcher) log() *slog.Logger {
	if d.Log != nil {
		return d.Log
	}
	return slog.Default()
}

// Dispatch runs one plan to completion, replaying transparently on
// auto_replay classifications up to the attempt cap.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID string, tool ToolDef, plan ToolPlan) ExecutionResult {
	result := d.dispatchWithReplay(ctx, sessionID, tool, plan)
	if d.Audit != nil {
		d.Audit.RecordToolExecution(sessionID, tool, plan, result)
	}
	return result
}

func (d *Dispatcher) dispatchWithReplay(ctx context.Context, sessionID string, tool ToolDef, plan ToolPlan) ExecutionResult {
	attempts := d.ReplayAttempts
	if attempts <= 0 {
		attempts = defaultReplayAttempts
	}
	var result ExecutionResult
	for attempt := 1; attempt <= attempts; attempt++ {
		result = d.dispatchOnce(ctx, sessionID, tool, plan)
		if result.OK || ctx.Err() != nil {
			return result
		}
		cls := ClassifyFailure(tool, result.ErrorCode)
		if cls.Action != ActionAutoReplay || attempt == attempts {
			return result
		}
		delay := BackoffDelay(attempt, replayBaseDelay, replayDelayCap)
		d.log().Debug("auto-replaying tool call",
			"tool", tool.Name, "code", result.ErrorCode, "attempt", attempt, "delay", delay)
		if err := sleepCtx(ctx, delay); err != nil {
			result.ErrorCode = ErrCodeCanceled
			result.ErrorDetails = "canceled while waiting to replay"
			return result
		}
	}
	return result
}

func (d *Dispatcher) dispatchOnce(ctx context.Context, sessionID string, tool ToolDef, plan ToolPlan) ExecutionResult {
	capability, mode := planCapability(plan)
	provider, ok := d.Providers.Lookup(capability, mode)
	if !ok {
		return ExecutionResult{
			OK:           false,
			ErrorCode:    ErrCodeToolUnsupported,
			ErrorDetails: fmt.Sprintf("no provider registered for capability %s/%s", capability, mode),
		}
	}

	if d.needsLease(plan) {
		targetID := strings.TrimSpace(plan.TargetID)
		if targetID == "" {
			return ExecutionResult{
				OK:           false,
				ErrorCode:    ErrCodeNoTab,
				ErrorDetails: "action requires a target but none could be resolved",
			}
		}
		ttl := d.LeaseTTL
		if ttl <= 0 {
			ttl = defaultLeaseTTL
		}
		granted, reason, err := d.Leases.Acquire(ctx, targetID, d.ownerID(sessionID), ttl)
		if err != nil {
			return ExecutionResult{OK: false, ErrorCode: ErrCodeBusy, ErrorDetails: "lease acquisition failed: " + err.Error(), Retryable: true}
		}
		if !granted {
			return ExecutionResult{OK: false, ErrorCode: ErrCodeLeaseUnavailable, ErrorDetails: "target lease held elsewhere: " + reason, Retryable: true}
		}
		defer d.Leases.Release(targetID, d.ownerID(sessionID))
	}

	var pre *Observation
	wantVerify := d.verifyEnabled(plan)
	if wantVerify && plan.Expect.Empty() {
		// Best effort; a failed pre-observation only disables the generic
		// heuristic, it never fails the action.
		if obs, err := d.Observer.Observe(ctx, plan.TargetID); err == nil {
			pre = &obs
		} else {
			d.log().Debug("pre-action observation failed", "target", plan.TargetID, "err", err)
		}
	}

	data, err := provider.Invoke(ctx, StepInput{SessionID: sessionID, Plan: plan})
	if err != nil {
		return execErrorResult(err)
	}
	result := ExecutionResult{OK: true, Data: data}

	d.verify(ctx, plan, pre, wantVerify, &result)
	return result
}

func (d *Dispatcher) needsLease(plan ToolPlan) bool {
	if d.Leases == nil || plan.Kind != PlanKindBrowserAction {
		return false
	}
	switch d.LeasePolicy {
	case LeaseNever:
		return false
	case LeaseAlways:
		return true
	}
	if plan.Composite != nil {
		return true
	}
	return plan.Action != nil && IsLeaseWorthyAction(plan.Action.Kind)
}

// verifyEnabled reports whether the active policy asks for verification of
// this plan. Only live-environment action plans are verifiable.
func (d *Dispatcher) verifyEnabled(plan ToolPlan) bool {
	if plan.Kind != PlanKindBrowserAction || d.Observer == nil {
		return false
	}
	switch d.VerifyPolicy {
	case VerifyAlways:
		return true
	case VerifyOnCritical:
		if plan.Composite != nil {
			return true
		}
		if plan.Action == nil {
			return false
		}
		return IsLeaseWorthyAction(plan.Action.Kind) || plan.Action.Kind == "action"
	default:
		return false
	}
}

// verify attaches the verification outcome to a successful action result.
// Explicit expectations failing is a hard failure; the generic before/after
// heuristic failing only marks progress as uncertain unless the plan asked
// for strict verification.
func (d *Dispatcher) verify(ctx context.Context, plan ToolPlan, pre *Observation, enabled bool, result *ExecutionResult) {
	if plan.Kind != PlanKindBrowserAction {
		if !plan.Expect.Empty() && !plan.Kind.liveEnvironment() {
			result.VerifyReason = VerifyReasonNotSupportedForBridge
		}
		return
	}
	if !enabled && plan.Expect.Empty() {
		if d.VerifyPolicy == VerifyOff {
			result.VerifyReason = VerifyReasonPolicyOff
		} else {
			result.VerifyReason = VerifyReasonSkipped
		}
		return
	}
	// Explicit expectations can reach here on a dispatcher built without an
	// observer; there is nothing to check them against.
	if d.Observer == nil {
		result.VerifyReason = VerifyReasonSkipped
		return
	}
	if strings.TrimSpace(plan.TargetID) == "" {
		result.VerifyReason = VerifyReasonMissingTabID
		return
	}

	post, err := d.Observer.Observe(ctx, plan.TargetID)
	if err != nil {
		result.VerifyReason = VerifyReasonSkipped
		d.log().Debug("post-action observation failed", "target", plan.TargetID, "err", err)
		return
	}

	if !plan.Expect.Empty() {
		if reason, ok := d.checkExpectation(ctx, plan, post); !ok {
			failed := false
			result.Verified = &failed
			result.VerifyReason = VerifyReasonFailed
			result.OK = false
			result.ErrorCode = ErrCodeVerifyFailed
			result.ErrorDetails = reason
			return
		}
		verified := true
		result.Verified = &verified
		result.VerifyReason = VerifyReasonVerified
		return
	}

	if pre == nil {
		result.VerifyReason = VerifyReasonSkipped
		return
	}
	// Generic heuristic: any one of the four signals differing counts as
	// progress. Known to false-positive on pages that mutate themselves.
	progressed := post.URL != pre.URL ||
		post.Title != pre.Title ||
		post.TextLength != pre.TextLength ||
		post.NodeCount != pre.NodeCount
	verified := progressed
	result.Verified = &verified
	if progressed {
		result.VerifyReason = VerifyReasonVerified
		return
	}
	result.VerifyReason = VerifyReasonFailed
	if plan.StrictVerify {
		result.OK = false
		result.ErrorCode = ErrCodeVerifyFailed
		result.ErrorDetails = "no observable change after action under strict verification"
	}
}

func (d *Dispatcher) checkExpectation(ctx context.Context, plan ToolPlan, post Observation) (string, bool) {
	expect := plan.Expect
	if expect.URLContains != "" && !strings.Contains(post.URL, expect.URLContains) {
		return fmt.Sprintf("url %q does not contain %q", post.URL, expect.URLContains), false
	}
	if expect.TitleContains != "" && !strings.Contains(post.Title, expect.TitleContains) {
		return fmt.Sprintf("title %q does not contain %q", post.Title, expect.TitleContains), false
	}
	if expect.URLChangedFrom != "" && post.URL == expect.URLChangedFrom {
		return fmt.Sprintf("url still %q", post.URL), false
	}
	if expect.TextIncludes != "" && !strings.Contains(post.Text, expect.TextIncludes) {
		return fmt.Sprintf("page text does not include %q", expect.TextIncludes), false
	}
	if expect.SelectorExists != "" {
		exists, err := d.Observer.SelectorExists(ctx, plan.TargetID, expect.SelectorExists)
		if err != nil {
			return "selector check failed: " + err.Error(), false
		}
		if !exists {
			return fmt.Sprintf("selector %q not found", expect.SelectorExists), false
		}
	}
	return "", true
}

func execErrorResult(err error) ExecutionResult {
	var execErr *ExecError
	if errors.As(err, &execErr) {
		return ExecutionResult{
			OK:           false,
			ErrorCode:    NormalizeErrorCode(execErr.Code),
			ErrorDetails: execErr.Details,
			Retryable:    execErr.Retryable,
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ExecutionResult{OK: false, ErrorCode: ErrCodeClientTimeout, ErrorDetails: err.Error(), Retryable: true}
	}
	return ExecutionResult{OK: false, ErrorCode: "EXECUTION_ERROR", ErrorDetails: err.Error()}
}

func (d *Dispatcher) ownerID(sessionID string) string {
	if strings.TrimSpace(d.OwnerID) != "" {
		return d.OwnerID + ":" + sessionID
	}
	return sessionID
}
