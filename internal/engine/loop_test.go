package engine

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

type memStore struct {
	mu       sync.Mutex
	messages map[string][]Message
	titles   map[string]string
	statuses map[string]RunStatus
}

func newMemStore() *memStore {
	return &memStore{
		messages: map[string][]Message{},
		titles:   map[string]string{},
		statuses: map[string]RunStatus{},
	}
}

func (s *memStore) GetMeta(ctx context.Context, id string) (SessionMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionMeta{ID: id, Title: s.titles[id], Status: s.statuses[id]}, nil
}

func (s *memStore) AppendMessage(ctx context.Context, id string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[id] = append(s.messages[id], msg)
	return nil
}

func (s *memStore) BuildSessionContext(ctx context.Context, id string) (SessionContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages[id]))
	copy(out, s.messages[id])
	return SessionContext{Messages: out}, nil
}

func (s *memStore) SetTitle(ctx context.Context, id string, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles[id] = title
	return nil
}

func (s *memStore) SetStatus(ctx context.Context, id string, status RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = status
	return nil
}

func (s *memStore) byRole(id string, role string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, msg := range s.messages[id] {
		if msg.Role == role {
			out = append(out, msg)
		}
	}
	return out
}

// scriptedTransport returns one prepared turn per model call.
type scriptedTransport struct {
	mu    sync.Mutex
	turns []Message
	calls int
}

func (s *scriptedTransport) Send(ctx context.Context, req ChatRequest, sink TextSink) (AssistantTurn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	s.calls++
	if idx >= len(s.turns) {
		return AssistantTurn{Message: Message{Role: RoleAssistant, Content: "nothing left to do"}, FinishReason: "stop"}, nil
	}
	msg := s.turns[idx]
	reason := "stop"
	if len(msg.ToolCalls) > 0 {
		reason = "tool_calls"
	}
	return AssistantTurn{Message: msg, FinishReason: reason, TransportAttempts: 1}, nil
}

func (s *scriptedTransport) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type loopFixture struct {
	loop      *Loop
	store     *memStore
	transport *scriptedTransport
	provider  *fakeProvider
}

func newLoopFixture(t *testing.T, turns []Message, invoke func(ctx context.Context, in StepInput) (map[string]any, error)) *loopFixture {
	t.Helper()

	store := newMemStore()
	transport := &scriptedTransport{turns: turns}
	retry := NewRetryController(ChainEscalationPolicy{}, nil)
	if err := retry.RegisterRoute(ModelRoute{Name: "default", Model: "m1", Transport: transport}); err != nil {
		t.Fatalf("register route: %v", err)
	}

	provider := actionProvider(invoke)
	registry := NewProviderRegistry()
	if err := registry.Register(provider); err != nil {
		t.Fatalf("register provider: %v", err)
	}
	dispatcher := &Dispatcher{
		Providers:   registry,
		Leases:      &fakeLeases{granted: true},
		Observer:    &fakeObserver{observations: []Observation{{URL: "https://a"}, {URL: "https://b"}}},
		LeasePolicy: LeaseNever,
		OwnerID:     "test",
	}

	tools := []ToolDef{
		{Name: ToolPageClick, Mutating: true, Parameters: json.RawMessage(`{"type":"object"}`)},
		{Name: ToolPageRead, Parameters: json.RawMessage(`{"type":"object"}`)},
	}
	planner := &Planner{
		Contracts: StaticContractRegistry{Supported: map[string]struct{}{
			ToolPageClick: {}, ToolPageRead: {},
		}},
		Targets: &fakeTargets{last: map[string]string{"s1": "tab1"}},
	}

	loop := &Loop{
		Store:      store,
		Retry:      retry,
		Planner:    planner,
		Dispatcher: dispatcher,
		Tools:      tools,
		Config:     LoopConfig{MaxSteps: 5, Route: "default", SystemPrompt: "test agent"},
	}
	return &loopFixture{loop: loop, store: store, transport: transport, provider: provider}
}

func TestLoopRun_NoToolCallsFinishesAfterOneModelCall(t *testing.T) {
	t.Parallel()

	fx := newLoopFixture(t, []Message{
		{Role: RoleAssistant, Content: "all done"},
	}, func(ctx context.Context, in StepInput) (map[string]any, error) {
		t.Fatalf("no tool call should be dispatched")
		return nil, nil
	})

	status, err := fx.loop.Run(context.Background(), "s1", "do nothing")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != RunStatusDone {
		t.Fatalf("status=%q, want done", status)
	}
	if got := fx.transport.callCount(); got != 1 {
		t.Fatalf("model calls=%d, want 1", got)
	}
	assistants := fx.store.byRole("s1", RoleAssistant)
	if len(assistants) != 1 || assistants[0].Content != "all done" {
		t.Fatalf("assistant messages=%+v, want exactly one", assistants)
	}
}

func TestLoopRun_ExecutesToolCallsThenFinishes(t *testing.T) {
	t.Parallel()

	fx := newLoopFixture(t, []Message{
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: ToolPageClick, ArgumentsJSON: `{"ref":"n1"}`}}},
		{Role: RoleAssistant, Content: "clicked it"},
	}, func(ctx context.Context, in StepInput) (map[string]any, error) {
		if in.Plan.Action == nil || in.Plan.Action.Ref != "n1" {
			t.Errorf("plan=%+v, want click on n1", in.Plan)
		}
		return map[string]any{"clicked": true}, nil
	})

	status, err := fx.loop.Run(context.Background(), "s1", "click the thing")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != RunStatusDone {
		t.Fatalf("status=%q, want done", status)
	}
	results := fx.store.byRole("s1", RoleTool)
	if len(results) != 1 || results[0].ToolCallID != "c1" {
		t.Fatalf("tool results=%+v, want one for c1", results)
	}
	if !strings.Contains(results[0].Content, `"ok":true`) {
		t.Fatalf("tool result content=%q, want ok:true", results[0].Content)
	}
}

func TestLoopRun_PlanErrorBecomesEnvelope(t *testing.T) {
	t.Parallel()

	fx := newLoopFixture(t, []Message{
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: ToolPageClick, ArgumentsJSON: `{}`}}},
		{Role: RoleAssistant, Content: "ok, observing first"},
	}, func(ctx context.Context, in StepInput) (map[string]any, error) {
		t.Fatalf("rejected plan must not dispatch")
		return nil, nil
	})

	status, err := fx.loop.Run(context.Background(), "s1", "click without a ref")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != RunStatusDone {
		t.Fatalf("status=%q, want done", status)
	}
	results := fx.store.byRole("s1", RoleTool)
	if len(results) != 1 {
		t.Fatalf("tool results=%d, want 1", len(results))
	}
	var env FailureEnvelope
	if err := json.Unmarshal([]byte(results[0].Content), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.ErrorCode != ErrCodeRefRequired || env.ResumeStrategy != ResumeRetryWithFreshSnap {
		t.Fatalf("envelope=%+v, want REF_REQUIRED with fresh-snapshot resume", env)
	}
}

func TestLoopRun_MaxStepsNoticeAndStatus(t *testing.T) {
	t.Parallel()

	// Distinct arguments per step so the stall detector stays quiet.
	turns := make([]Message, 0, 6)
	for i := 0; i < 6; i++ {
		turns = append(turns, Message{Role: RoleAssistant, ToolCalls: []ToolCall{{
			ID:            "c" + string(rune('a'+i)),
			Name:          ToolPageRead,
			ArgumentsJSON: `{"ref":"n` + string(rune('1'+i)) + `"}`,
		}}})
	}
	fx := newLoopFixture(t, turns, func(ctx context.Context, in StepInput) (map[string]any, error) {
		return map[string]any{"value": "x"}, nil
	})

	status, err := fx.loop.Run(context.Background(), "s1", "read everything")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != RunStatusMaxSteps {
		t.Fatalf("status=%q, want max_steps", status)
	}
	if got := fx.transport.callCount(); got != 5 {
		t.Fatalf("model calls=%d, want MaxSteps=5", got)
	}
	assistants := fx.store.byRole("s1", RoleAssistant)
	last := assistants[len(assistants)-1]
	if !strings.Contains(last.Content, "step limit") {
		t.Fatalf("missing max-steps notice, last assistant message=%q", last.Content)
	}
}

func TestLoopRun_RepeatedCallTriggersProgressEnvelope(t *testing.T) {
	t.Parallel()

	same := ToolCall{ID: "c1", Name: ToolPageRead, ArgumentsJSON: `{"ref":"n1"}`}
	fx := newLoopFixture(t, []Message{
		{Role: RoleAssistant, ToolCalls: []ToolCall{same}},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c2", Name: same.Name, ArgumentsJSON: same.ArgumentsJSON}}},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c3", Name: same.Name, ArgumentsJSON: same.ArgumentsJSON}}},
		{Role: RoleAssistant, Content: "changing strategy"},
	}, func(ctx context.Context, in StepInput) (map[string]any, error) {
		return map[string]any{"value": "same"}, nil
	})

	status, err := fx.loop.Run(context.Background(), "s1", "loop forever")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != RunStatusDone {
		t.Fatalf("status=%q, want done", status)
	}
	results := fx.store.byRole("s1", RoleTool)
	if len(results) != 3 {
		t.Fatalf("tool results=%d, want 3", len(results))
	}
	var env FailureEnvelope
	if err := json.Unmarshal([]byte(results[2].Content), &env); err != nil {
		t.Fatalf("decode third result: %v", err)
	}
	if env.ErrorCode != ErrCodeProgressUncertain {
		t.Fatalf("third result=%+v, want PROGRESS_UNCERTAIN", env)
	}
	if env.ResumeStrategy != ResumeRetryWithFreshSnap {
		t.Fatalf("resume=%q, want %q", env.ResumeStrategy, ResumeRetryWithFreshSnap)
	}
	if !strings.Contains(env.ErrorDetails, "repeat_signature") {
		t.Fatalf("details=%q, want repeat_signature trigger named", env.ErrorDetails)
	}
}

func TestLoopRun_FocusRetryReissuesExactlyOnce(t *testing.T) {
	t.Parallel()

	attempts := 0
	var secondForceFocus bool
	fx := newLoopFixture(t, []Message{
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: ToolPageClick, ArgumentsJSON: `{"ref":"n1"}`}}},
		{Role: RoleAssistant, Content: "done"},
	}, func(ctx context.Context, in StepInput) (map[string]any, error) {
		attempts++
		if attempts == 1 {
			return nil, &ExecError{Code: "ACTION_TIMEOUT", Details: "input never arrived"}
		}
		secondForceFocus = in.Plan.Action.ForceFocus
		return map[string]any{"clicked": true}, nil
	})

	status, err := fx.loop.Run(context.Background(), "s1", "click it")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != RunStatusDone {
		t.Fatalf("status=%q, want done", status)
	}
	if attempts != 2 {
		t.Fatalf("dispatch attempts=%d, want original + one focus retry", attempts)
	}
	if !secondForceFocus {
		t.Fatalf("focus retry did not set forceFocus on the plan")
	}
	results := fx.store.byRole("s1", RoleTool)
	if len(results) != 1 || !strings.Contains(results[0].Content, `"ok":true`) {
		t.Fatalf("tool results=%+v, want the successful retry result", results)
	}
}

func TestLoopRun_StopObservedAtNextCheckpoint(t *testing.T) {
	t.Parallel()

	var loopRef *Loop
	fx := newLoopFixture(t, []Message{
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: ToolPageRead, ArgumentsJSON: `{"ref":"n1"}`}}},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c2", Name: ToolPageRead, ArgumentsJSON: `{"ref":"n2"}`}}},
	}, func(ctx context.Context, in StepInput) (map[string]any, error) {
		// Stop mid-run; the in-flight call completes, the next step does not.
		loopRef.Stop()
		return map[string]any{"value": "x"}, nil
	})
	loopRef = fx.loop

	status, err := fx.loop.Run(context.Background(), "s1", "read things")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != RunStatusStopped {
		t.Fatalf("status=%q, want stopped", status)
	}
	if got := fx.transport.callCount(); got != 1 {
		t.Fatalf("model calls=%d, want 1 (stop observed before step 2)", got)
	}
	results := fx.store.byRole("s1", RoleTool)
	if len(results) != 1 {
		t.Fatalf("tool results=%d, want the in-flight call to finish", len(results))
	}
}

func TestLoopRun_SteerQueuedAsFollowUp(t *testing.T) {
	t.Parallel()

	fx := newLoopFixture(t, []Message{
		{Role: RoleAssistant, Content: "first run done"},
		{Role: RoleAssistant, Content: "follow-up done"},
	}, func(ctx context.Context, in StepInput) (map[string]any, error) {
		return map[string]any{}, nil
	})

	fx.loop.Steer("also check the cart")
	status, err := fx.loop.Run(context.Background(), "s1", "do the thing")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != RunStatusDone {
		t.Fatalf("status=%q, want done", status)
	}
	if got := fx.transport.callCount(); got != 2 {
		t.Fatalf("model calls=%d, want 2 (original + follow-up run)", got)
	}
	users := fx.store.byRole("s1", RoleUser)
	if len(users) != 2 || users[1].Content != "also check the cart" {
		t.Fatalf("user messages=%+v, want queued follow-up appended", users)
	}
}

func TestLoopRun_RejectsConcurrentRun(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	fx := newLoopFixture(t, nil, nil)
	fx.transport.turns = nil
	slow := &slowTransport{release: release}
	retry := NewRetryController(ChainEscalationPolicy{}, nil)
	if err := retry.RegisterRoute(ModelRoute{Name: "default", Model: "m1", Transport: slow}); err != nil {
		t.Fatalf("register: %v", err)
	}
	fx.loop.Retry = retry

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = fx.loop.Run(context.Background(), "s1", "long task")
	}()

	// Wait until the first run is inside its model call.
	deadline := time.After(2 * time.Second)
	for fx.loop.Status() != RunStatusRunning {
		select {
		case <-deadline:
			t.Fatalf("first run never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if _, err := fx.loop.Run(context.Background(), "s1", "second task"); err == nil {
		t.Fatalf("concurrent run was not rejected")
	}
	close(release)
	<-done
}

type slowTransport struct {
	release chan struct{}
}

func (s *slowTransport) Send(ctx context.Context, req ChatRequest, sink TextSink) (AssistantTurn, error) {
	<-s.release
	return AssistantTurn{Message: Message{Role: RoleAssistant, Content: "finally"}, FinishReason: "stop"}, nil
}

func TestDeriveTitle(t *testing.T) {
	t.Parallel()

	if got := deriveTitle("  fix   the\nlogin   form  "); got != "fix the login form" {
		t.Fatalf("got %q", got)
	}
	long := strings.Repeat("word ", 40)
	title := deriveTitle(long)
	if len([]rune(title)) > maxDerivedTitleLength+1 {
		t.Fatalf("title too long: %q", title)
	}
	if !strings.HasSuffix(title, "…") {
		t.Fatalf("long title not truncated: %q", title)
	}
	if got := deriveTitle("   "); got != "" {
		t.Fatalf("blank prompt title=%q, want empty", got)
	}
}
