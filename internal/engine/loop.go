package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"
)

// SessionMeta is the stored descriptor of one conversation.
type SessionMeta struct {
	ID      string
	Title   string
	Status  RunStatus
	Created int64
	Updated int64
}

// SessionContext is the model-facing view of a conversation.
type SessionContext struct {
	Messages        []Message
	PreviousSummary string
}

// SessionStore is the persistence collaborator. The engine only touches it
// through these calls.
type SessionStore interface {
	GetMeta(ctx context.Context, id string) (SessionMeta, error)
	AppendMessage(ctx context.Context, id string, msg Message) error
	BuildSessionContext(ctx context.Context, id string) (SessionContext, error)
	SetTitle(ctx context.Context, id string, title string) error
	SetStatus(ctx context.Context, id string, status RunStatus) error
}

// LoopConfig carries the per-run knobs of the driver.
type LoopConfig struct {
	MaxSteps           int
	Route              string
	SystemPrompt       string
	Temperature        *float64
	Stream             bool
	SameSignatureLimit int
	PingPongLimit      int
}

const (
	defaultMaxSteps           = 40
	defaultSameSignatureLimit = 3
	defaultPingPongLimit      = 2
	maxDerivedTitleLength     = 60
)

// Loop drives one session's agent run: model turn, tool calls, repeat.
// A Loop is safe for concurrent Stop/Steer while one Run is active; only one
// Run per Loop executes at a time.
type Loop struct {
	Store      SessionStore
	Retry      *RetryController
	Planner    *Planner
	Dispatcher *Dispatcher
	Tools      []ToolDef
	Config     LoopConfig
	Sink       TextSink
	Log        *slog.Logger

	mu       sync.Mutex
	status   RunStatus
	stopped  bool
	steer    []string
	followUp string
	runID    string
}

func (l *Loop) log() *slog.Logger {
	if l.Log != nil {
		return l.Log
	}
	return slog.Default()
}

// Status returns the loop's current run status.
func (l *Loop) Status() RunStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.status == "" {
		return RunStatusIdle
	}
	return l.status
}

// RunID returns the identifier of the active or most recent run.
func (l *Loop) RunID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runID
}

// Stop requests cooperative cancellation. The active run observes the flag
// at its next checkpoint; an in-flight backend call completes first.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
}

// Steer queues user input into the active run. If no run is active the text
// is queued as a follow-up prompt for the next run.
func (l *Loop) Steer(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.status == RunStatusRunning {
		l.steer = append(l.steer, text)
		return
	}
	l.followUp = text
}

func (l *Loop) stopRequested() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

func (l *Loop) drainSteer() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.steer
	l.steer = nil
	return out
}

func (l *Loop) steerPending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.steer) > 0
}

func (l *Loop) setStatus(status RunStatus) {
	l.mu.Lock()
	l.status = status
	l.mu.Unlock()
}

// Run executes one agent run for the session, starting from prompt. It
// returns the terminal status; recoverable tool failures never surface as an
// error, only transport exhaustion and store failures do.
func (l *Loop) Run(ctx context.Context, sessionID string, prompt string) (RunStatus, error) {
	l.mu.Lock()
	if l.status == RunStatusRunning {
		l.mu.Unlock()
		return RunStatusRunning, fmt.Errorf("session %s already has an active run", sessionID)
	}
	l.status = RunStatusRunning
	l.stopped = false
	l.runID = uuid.NewString()
	runID := l.runID
	l.mu.Unlock()

	log := l.log().With("session", sessionID, "run", runID)
	log.Info("run started")
	_ = l.Store.SetStatus(ctx, sessionID, RunStatusRunning)

	status, err := l.run(ctx, sessionID, prompt, log)
	l.setStatus(status)
	_ = l.Store.SetStatus(ctx, sessionID, status)
	l.finishRun(ctx, sessionID, prompt, log)
	log.Info("run finished", "status", status)

	if err != nil {
		return status, err
	}

	// A follow-up queued while this run was active starts a fresh run once
	// this one has settled.
	l.mu.Lock()
	next := l.followUp
	l.followUp = ""
	l.mu.Unlock()
	if next != "" && status != RunStatusStopped {
		return l.Run(ctx, sessionID, next)
	}
	return status, nil
}

func (l *Loop) run(ctx context.Context, sessionID string, prompt string, log *slog.Logger) (RunStatus, error) {
	if prompt = strings.TrimSpace(prompt); prompt != "" {
		if err := l.Store.AppendMessage(ctx, sessionID, Message{Role: RoleUser, Content: prompt}); err != nil {
			return RunStatusFailedExecute, fmt.Errorf("append prompt: %w", err)
		}
	}

	maxSteps := l.Config.MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}
	detector := NewNoProgressDetector(0, orDefault(l.Config.SameSignatureLimit, defaultSameSignatureLimit), orDefault(l.Config.PingPongLimit, defaultPingPongLimit))

	for step := 1; step <= maxSteps; step++ {
		if l.stopRequested() || ctx.Err() != nil {
			return RunStatusStopped, nil
		}
		for _, text := range l.drainSteer() {
			if err := l.Store.AppendMessage(ctx, sessionID, Message{Role: RoleUser, Content: text}); err != nil {
				return RunStatusFailedExecute, fmt.Errorf("append steer input: %w", err)
			}
		}

		turn, err := l.modelTurn(ctx, sessionID)
		if errors.Is(err, ErrRouteEscalated) {
			log.Info("model route escalated, replaying turn", "step", step)
			continue
		}
		if err != nil {
			l.appendNotice(ctx, sessionID, "The run stopped because the model could not be reached: "+err.Error())
			return RunStatusFailedExecute, err
		}

		if err := l.Store.AppendMessage(ctx, sessionID, turn.Message); err != nil {
			return RunStatusFailedExecute, fmt.Errorf("append assistant turn: %w", err)
		}

		if len(turn.Message.ToolCalls) == 0 {
			return RunStatusDone, nil
		}

		stopped := l.executeToolCalls(ctx, sessionID, turn.Message.ToolCalls, detector, log)
		if stopped {
			return RunStatusStopped, nil
		}
	}

	l.appendNotice(ctx, sessionID, "The run reached its step limit before finishing. Send a follow-up to continue.")
	return RunStatusMaxSteps, nil
}

func (l *Loop) modelTurn(ctx context.Context, sessionID string) (AssistantTurn, error) {
	sessionCtx, err := l.Store.BuildSessionContext(ctx, sessionID)
	if err != nil {
		return AssistantTurn{}, fmt.Errorf("build session context: %w", err)
	}

	messages := make([]Message, 0, len(sessionCtx.Messages)+2)
	if system := strings.TrimSpace(l.Config.SystemPrompt); system != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: system})
	}
	if summary := strings.TrimSpace(sessionCtx.PreviousSummary); summary != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: "Summary of the earlier conversation:\n" + summary})
	}
	messages = append(messages, RepairHistory(sessionCtx.Messages)...)

	tools := make([]ToolDef, 0, len(l.Tools))
	for _, tool := range l.Tools {
		tool.Parameters = SanitizeToolSchema(tool.Parameters)
		tools = append(tools, tool)
	}

	req := ChatRequest{
		Messages:    messages,
		Tools:       tools,
		Temperature: l.Config.Temperature,
		Stream:      l.Config.Stream,
	}
	return l.Retry.RequestWithRetry(ctx, sessionID, l.Config.Route, req, l.Sink)
}

// executeToolCalls runs one turn's calls strictly in order. It reports
// whether the run should stop. Failures become structured tool results; the
// loop keeps going so the model can adapt.
func (l *Loop) executeToolCalls(ctx context.Context, sessionID string, calls []ToolCall, detector *NoProgressDetector, log *slog.Logger) bool {
	for i, call := range calls {
		if l.stopRequested() || ctx.Err() != nil {
			l.flushSkippedCalls(ctx, sessionID, calls[i:])
			return true
		}
		if l.steerPending() {
			// New user input outranks the rest of this turn. The skipped
			// calls still get results so the history stays well-formed.
			l.flushSkippedCalls(ctx, sessionID, calls[i:])
			return false
		}

		result, envelope := l.executeOne(ctx, sessionID, call, detector, log)
		if envelope != nil && NormalizeErrorCode(envelope.ErrorCode) == ErrCodeCanceled {
			l.appendToolResult(ctx, sessionID, call.ID, marshalAny(envelope))
			l.flushSkippedCalls(ctx, sessionID, calls[i+1:])
			return true
		}
		if envelope != nil {
			l.appendToolResult(ctx, sessionID, call.ID, marshalAny(envelope))
			continue
		}
		l.appendToolResult(ctx, sessionID, call.ID, result)
	}
	return false
}

// executeOne resolves, plans and dispatches a single call. On success it
// returns the serialized result; on failure a structured envelope.
func (l *Loop) executeOne(ctx context.Context, sessionID string, call ToolCall, detector *NoProgressDetector, log *slog.Logger) (string, *FailureEnvelope) {
	plan, perr := l.Planner.Resolve(sessionID, call)
	if perr != nil {
		log.Debug("tool call rejected at planning", "tool", call.Name, "code", perr.Code)
		return "", &FailureEnvelope{
			ErrorCode:      perr.Code,
			ErrorDetails:   perr.Message,
			Action:         ActionLLMReplan,
			ResumeStrategy: orDefaultString(perr.ResumeStrategy, ResumeReplan),
		}
	}

	signature := CanonicalSignature(plan.Tool, call.ArgumentsJSON)
	if trigger := detector.Observe(signature); trigger != TriggerNone {
		log.Info("no-progress trigger", "tool", plan.Tool, "trigger", string(trigger))
		envelope := &FailureEnvelope{
			ErrorCode:      ErrCodeProgressUncertain,
			ErrorDetails:   "the last calls repeat without observable progress (" + string(trigger) + "); take a fresh snapshot and change strategy",
			Retryable:      true,
			Action:         ActionLLMReplan,
			ResumeStrategy: ResumeRetryWithFreshSnap,
		}
		if plan.Kind.liveEnvironment() && planMutates(plan) {
			envelope.ModeEscalation = "focus"
		}
		return "", envelope
	}

	tool := l.toolDef(plan.Tool)
	result := l.Dispatcher.Dispatch(ctx, sessionID, tool, plan)
	if result.OK {
		return marshalExecutionResult(result), nil
	}

	envelope := BuildFailureEnvelope(tool, plan, result)
	if envelope.ModeEscalation == "focus" && l.canForceFocus(plan) {
		log.Info("re-issuing action with focus escalation", "tool", plan.Tool, "code", envelope.ErrorCode)
		if retried, ok := l.retryWithFocus(ctx, sessionID, call, tool); ok {
			return retried, nil
		}
	}
	return "", &envelope
}

// retryWithFocus re-issues the same call exactly once with forceFocus
// injected into its arguments. Only a success replaces the original failure.
func (l *Loop) retryWithFocus(ctx context.Context, sessionID string, call ToolCall, tool ToolDef) (string, bool) {
	args := call.ArgumentsJSON
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}
	focused, err := sjson.Set(args, "forceFocus", true)
	if err != nil {
		return "", false
	}
	retryCall := ToolCall{ID: call.ID, Name: call.Name, ArgumentsJSON: focused}
	plan, perr := l.Planner.Resolve(sessionID, retryCall)
	if perr != nil {
		return "", false
	}
	result := l.Dispatcher.Dispatch(ctx, sessionID, tool, plan)
	if !result.OK {
		return "", false
	}
	return marshalExecutionResult(result), true
}

// canForceFocus bounds automatic focus escalation to mutating action kinds.
func (l *Loop) canForceFocus(plan ToolPlan) bool {
	if plan.Kind != PlanKindBrowserAction {
		return false
	}
	if plan.Composite != nil {
		return true
	}
	if plan.Action == nil || plan.Action.ForceFocus {
		return false
	}
	return IsLeaseWorthyAction(plan.Action.Kind)
}

func planMutates(plan ToolPlan) bool {
	if plan.Composite != nil {
		return true
	}
	return plan.Action != nil && IsLeaseWorthyAction(plan.Action.Kind)
}

func (l *Loop) toolDef(name string) ToolDef {
	for _, tool := range l.Tools {
		if tool.Name == name {
			return tool
		}
	}
	return ToolDef{Name: name}
}

// flushSkippedCalls appends placeholder results for calls abandoned this
// turn so every declared call keeps a matching result.
func (l *Loop) flushSkippedCalls(ctx context.Context, sessionID string, calls []ToolCall) {
	for _, call := range calls {
		l.appendToolResult(ctx, sessionID, call.ID, syntheticNoResultContent)
	}
}

func (l *Loop) appendToolResult(ctx context.Context, sessionID string, callID string, content string) {
	msg := Message{Role: RoleTool, Content: content, ToolCallID: NormalizeToolCallID(callID)}
	if err := l.Store.AppendMessage(ctx, sessionID, msg); err != nil {
		l.log().Error("failed to append tool result", "session", sessionID, "err", err)
	}
}

func (l *Loop) appendNotice(ctx context.Context, sessionID string, text string) {
	if err := l.Store.AppendMessage(ctx, sessionID, Message{Role: RoleAssistant, Content: text}); err != nil {
		l.log().Error("failed to append notice", "session", sessionID, "err", err)
	}
}

// finishRun performs best-effort housekeeping after a run settles. Failures
// here never change the reported status.
func (l *Loop) finishRun(ctx context.Context, sessionID string, prompt string, log *slog.Logger) {
	meta, err := l.Store.GetMeta(ctx, sessionID)
	if err != nil {
		log.Debug("title refresh skipped", "err", err)
		return
	}
	if strings.TrimSpace(meta.Title) != "" {
		return
	}
	title := deriveTitle(prompt)
	if title == "" {
		return
	}
	if err := l.Store.SetTitle(ctx, sessionID, title); err != nil {
		log.Debug("title refresh failed", "err", err)
	}
}

func deriveTitle(prompt string) string {
	title := strings.Join(strings.Fields(prompt), " ")
	if title == "" {
		return ""
	}
	runes := []rune(title)
	if len(runes) > maxDerivedTitleLength {
		title = strings.TrimSpace(string(runes[:maxDerivedTitleLength])) + "…"
	}
	return title
}

func marshalExecutionResult(result ExecutionResult) string {
	payload := map[string]any{"ok": true}
	for k, v := range result.Data {
		payload[k] = v
	}
	if result.Verified != nil {
		payload["verified"] = *result.Verified
	}
	if result.VerifyReason != "" {
		payload["verifyReason"] = result.VerifyReason
	}
	return marshalAny(payload)
}

func marshalAny(v any) string {
	out, err := json.Marshal(v)
	if err != nil {
		return `{"ok":false,"error":"result serialization failed"}`
	}
	return string(out)
}

func orDefault(v int, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func orDefaultString(v string, fallback string) string {
	if strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}
