package engine

import (
	"strings"
	"testing"
)

type fakeTargets struct {
	last   map[string]string
	shared []string
	active string
}

func newFakeTargets() *fakeTargets {
	return &fakeTargets{last: map[string]string{}}
}

func (f *fakeTargets) LastUsedTarget(sessionID string) string { return f.last[sessionID] }
func (f *fakeTargets) SetLastUsedTarget(sessionID string, targetID string) {
	f.last[sessionID] = targetID
}
func (f *fakeTargets) SharedTargets() []string { return f.shared }
func (f *fakeTargets) ActiveTarget() string    { return f.active }

var _ TargetState = (*fakeTargets)(nil)

func testRegistry() StaticContractRegistry {
	supported := map[string]struct{}{}
	for _, name := range []string{
		ToolShellExec, ToolFileRead, ToolFileWrite, ToolFileEdit,
		ToolTabsList, ToolTabsCreate, ToolPageFind, ToolPageClick,
		ToolPageFill, ToolPageScroll, ToolPageNavigate, ToolPageCompose,
		ToolInputRaw, ToolPageAssert, ToolUtilWait,
	} {
		supported[name] = struct{}{}
	}
	return StaticContractRegistry{
		Supported: supported,
		Aliases:   map[string]string{"click": ToolPageClick, "bash": ToolShellExec},
	}
}

func newTestPlanner(targets TargetState) *Planner {
	return &Planner{Contracts: testRegistry(), Targets: targets}
}

func TestPlannerResolve_MalformedJSONRejectedBeforeNameLookup(t *testing.T) {
	t.Parallel()

	p := newTestPlanner(nil)
	_, perr := p.Resolve("s1", ToolCall{ID: "c1", Name: "definitely.not.a.tool", ArgumentsJSON: `{"broken":`})
	if perr == nil || perr.Code != ErrCodeArgumentError {
		t.Fatalf("perr=%+v, want ARGUMENT_ERROR (parse runs before alias resolution)", perr)
	}
}

func TestPlannerResolve_UnknownToolListsSupported(t *testing.T) {
	t.Parallel()

	p := newTestPlanner(nil)
	_, perr := p.Resolve("s1", ToolCall{ID: "c1", Name: "page.levitate", ArgumentsJSON: "{}"})
	if perr == nil || perr.Code != ErrCodeUnknownTool {
		t.Fatalf("perr=%+v, want UNKNOWN_TOOL", perr)
	}
	if len(perr.Supported) == 0 {
		t.Fatalf("unknown-tool error should list supported names")
	}
}

func TestPlannerResolve_AliasResolution(t *testing.T) {
	t.Parallel()

	p := newTestPlanner(newFakeTargets())
	plan, perr := p.Resolve("s1", ToolCall{ID: "c1", Name: "click", ArgumentsJSON: `{"ref":"n4"}`})
	if perr != nil {
		t.Fatalf("resolve: %v", perr)
	}
	if plan.Tool != ToolPageClick {
		t.Fatalf("tool=%q, want %q", plan.Tool, ToolPageClick)
	}
	if plan.Action == nil || plan.Action.Ref != "n4" {
		t.Fatalf("action=%+v, want ref n4", plan.Action)
	}
}

func TestPlannerResolve_ShellExecRequiresCommand(t *testing.T) {
	t.Parallel()

	p := newTestPlanner(nil)
	_, perr := p.Resolve("s1", ToolCall{ID: "c1", Name: "bash", ArgumentsJSON: `{"command":"   "}`})
	if perr == nil || perr.Code != ErrCodeArgumentError {
		t.Fatalf("perr=%+v, want ARGUMENT_ERROR", perr)
	}

	plan, perr := p.Resolve("s1", ToolCall{ID: "c2", Name: "bash", ArgumentsJSON: `{"command":"ls -la","timeout_ms":1}`})
	if perr != nil {
		t.Fatalf("resolve: %v", perr)
	}
	if plan.Kind != PlanKindBridge || plan.Exec == nil {
		t.Fatalf("plan=%+v, want bridge exec", plan)
	}
	if plan.Exec.TimeoutMs != minActionTimeoutMs {
		t.Fatalf("timeout=%d, want clamped to %d", plan.Exec.TimeoutMs, minActionTimeoutMs)
	}
}

func TestPlannerResolve_ElementActionWithoutRef(t *testing.T) {
	t.Parallel()

	p := newTestPlanner(newFakeTargets())
	_, perr := p.Resolve("s1", ToolCall{ID: "c1", Name: ToolPageFill, ArgumentsJSON: `{"value":"hello"}`})
	if perr == nil || perr.Code != ErrCodeRefRequired {
		t.Fatalf("perr=%+v, want REF_REQUIRED", perr)
	}
	if perr.ResumeStrategy != ResumeRetryWithFreshSnap {
		t.Fatalf("resume=%q, want %q", perr.ResumeStrategy, ResumeRetryWithFreshSnap)
	}
}

func TestPlannerResolve_RefAliases(t *testing.T) {
	t.Parallel()

	p := newTestPlanner(newFakeTargets())
	for _, args := range []string{
		`{"uid":"n7"}`,
		`{"ref":"n7"}`,
		`{"backendNodeId":"n7"}`,
		`{"backend_node_id":"n7"}`,
	} {
		plan, perr := p.Resolve("s1", ToolCall{ID: "c1", Name: ToolPageClick, ArgumentsJSON: args})
		if perr != nil {
			t.Fatalf("args=%s: %v", args, perr)
		}
		if plan.Action.Ref != "n7" {
			t.Fatalf("args=%s: ref=%q, want n7", args, plan.Action.Ref)
		}
	}
}

func TestPlannerResolve_NavigateAndScrollNeedNoRef(t *testing.T) {
	t.Parallel()

	p := newTestPlanner(newFakeTargets())
	plan, perr := p.Resolve("s1", ToolCall{ID: "c1", Name: ToolPageNavigate, ArgumentsJSON: `{"url":"https://example.com"}`})
	if perr != nil {
		t.Fatalf("navigate: %v", perr)
	}
	if plan.Action.URL != "https://example.com" {
		t.Fatalf("url=%q", plan.Action.URL)
	}

	plan, perr = p.Resolve("s1", ToolCall{ID: "c2", Name: ToolPageScroll, ArgumentsJSON: `{}`})
	if perr != nil {
		t.Fatalf("scroll: %v", perr)
	}
	if plan.Action.DeltaY != 400 {
		t.Fatalf("delta_y=%v, want default 400", plan.Action.DeltaY)
	}
}

func TestPlannerResolve_FileRouting(t *testing.T) {
	t.Parallel()

	p := newTestPlanner(nil)

	plan, perr := p.Resolve("s1", ToolCall{ID: "c1", Name: ToolFileWrite, ArgumentsJSON: `{"path":"vfs://notes/draft.md","content":"x"}`})
	if perr != nil {
		t.Fatalf("vfs write: %v", perr)
	}
	if plan.Kind != PlanKindVirtualFS {
		t.Fatalf("kind=%q, want virtual-fs", plan.Kind)
	}
	if plan.File.Path != "/notes/draft.md" {
		t.Fatalf("path=%q, want /notes/draft.md", plan.File.Path)
	}

	plan, perr = p.Resolve("s1", ToolCall{ID: "c2", Name: ToolFileRead, ArgumentsJSON: `{"path":"/tmp/x.txt"}`})
	if perr != nil {
		t.Fatalf("bridge read: %v", perr)
	}
	if plan.Kind != PlanKindBridge {
		t.Fatalf("kind=%q, want bridge", plan.Kind)
	}

	plan, perr = p.Resolve("s1", ToolCall{ID: "c3", Name: ToolFileRead, ArgumentsJSON: `{"path":"/scratch/x.txt","runtime":"vfs"}`})
	if perr != nil {
		t.Fatalf("runtime hint read: %v", perr)
	}
	if plan.Kind != PlanKindVirtualFS {
		t.Fatalf("kind=%q, want virtual-fs via runtime hint", plan.Kind)
	}

	_, perr = p.Resolve("s1", ToolCall{ID: "c4", Name: ToolFileEdit, ArgumentsJSON: `{"path":"/tmp/x.txt","find":""}`})
	if perr == nil || perr.Code != ErrCodeArgumentError {
		t.Fatalf("perr=%+v, want ARGUMENT_ERROR for empty find", perr)
	}
}

func TestPlannerResolve_TargetDefaulting(t *testing.T) {
	t.Parallel()

	targets := newFakeTargets()
	targets.shared = []string{"tab_shared"}
	targets.active = "tab_active"
	p := newTestPlanner(targets)

	// Explicit argument wins and is persisted.
	plan, perr := p.Resolve("s1", ToolCall{ID: "c1", Name: ToolPageClick, ArgumentsJSON: `{"ref":"n1","tab_id":"tab_explicit"}`})
	if perr != nil {
		t.Fatalf("resolve: %v", perr)
	}
	if plan.TargetID != "tab_explicit" {
		t.Fatalf("target=%q, want tab_explicit", plan.TargetID)
	}
	if targets.last["s1"] != "tab_explicit" {
		t.Fatalf("explicit target was not persisted")
	}

	// Last-used target is the next fallback.
	plan, _ = p.Resolve("s1", ToolCall{ID: "c2", Name: ToolPageClick, ArgumentsJSON: `{"ref":"n1"}`})
	if plan.TargetID != "tab_explicit" {
		t.Fatalf("target=%q, want last-used tab_explicit", plan.TargetID)
	}

	// A fresh session falls back to the first shared target and persists it.
	plan, _ = p.Resolve("s2", ToolCall{ID: "c3", Name: ToolPageClick, ArgumentsJSON: `{"ref":"n1"}`})
	if plan.TargetID != "tab_shared" {
		t.Fatalf("target=%q, want tab_shared", plan.TargetID)
	}
	if targets.last["s2"] != "tab_shared" {
		t.Fatalf("shared fallback was not persisted")
	}

	// With no shared targets the active target is last.
	targets.shared = nil
	plan, _ = p.Resolve("s3", ToolCall{ID: "c4", Name: ToolPageClick, ArgumentsJSON: `{"ref":"n1"}`})
	if plan.TargetID != "tab_active" {
		t.Fatalf("target=%q, want tab_active", plan.TargetID)
	}
}

func TestPlannerResolve_Composite(t *testing.T) {
	t.Parallel()

	p := newTestPlanner(newFakeTargets())
	plan, perr := p.Resolve("s1", ToolCall{ID: "c1", Name: ToolPageCompose, ArgumentsJSON: `{
		"fields":[{"ref":"n1","value":"alice"},{"ref":"n2","value":"secret"}],
		"submit_ref":"n3"
	}`})
	if perr != nil {
		t.Fatalf("resolve: %v", perr)
	}
	if plan.Composite == nil || len(plan.Composite.Fields) != 2 || plan.Composite.SubmitRef != "n3" {
		t.Fatalf("composite=%+v", plan.Composite)
	}

	_, perr = p.Resolve("s1", ToolCall{ID: "c2", Name: ToolPageCompose, ArgumentsJSON: `{"fields":[{"value":"no ref"}]}`})
	if perr == nil || perr.Code != ErrCodeRefRequired {
		t.Fatalf("perr=%+v, want REF_REQUIRED for field without ref", perr)
	}
}

func TestPlannerResolve_RawInput(t *testing.T) {
	t.Parallel()

	p := newTestPlanner(newFakeTargets())
	plan, perr := p.Resolve("s1", ToolCall{ID: "c1", Name: ToolInputRaw, ArgumentsJSON: `{"kind":"wait","ms":120000}`})
	if perr != nil {
		t.Fatalf("wait: %v", perr)
	}
	if plan.Kind != PlanKindLocal || plan.Local.WaitMs != 30_000 {
		t.Fatalf("plan=%+v, want local wait clamped to 30000", plan)
	}

	plan, perr = p.Resolve("s1", ToolCall{ID: "c2", Name: ToolInputRaw, ArgumentsJSON: `{"kind":"click","x":10,"y":20}`})
	if perr != nil {
		t.Fatalf("click: %v", perr)
	}
	if plan.Kind != PlanKindBrowserAction || plan.Action.X != 10 || plan.Action.Y != 20 {
		t.Fatalf("plan=%+v, want coordinate click", plan)
	}

	_, perr = p.Resolve("s1", ToolCall{ID: "c3", Name: ToolInputRaw, ArgumentsJSON: `{"kind":"teleport"}`})
	if perr == nil || perr.Code != ErrCodeArgumentError {
		t.Fatalf("perr=%+v, want ARGUMENT_ERROR for unknown kind", perr)
	}
}

func TestPlannerResolve_AssertRequiresExpectation(t *testing.T) {
	t.Parallel()

	p := newTestPlanner(newFakeTargets())
	_, perr := p.Resolve("s1", ToolCall{ID: "c1", Name: ToolPageAssert, ArgumentsJSON: `{}`})
	if perr == nil || perr.Code != ErrCodeArgumentError {
		t.Fatalf("perr=%+v, want ARGUMENT_ERROR", perr)
	}

	plan, perr := p.Resolve("s1", ToolCall{ID: "c2", Name: ToolPageAssert, ArgumentsJSON: `{"expect":{"url_contains":"/checkout"}}`})
	if perr != nil {
		t.Fatalf("resolve: %v", perr)
	}
	if plan.Kind != PlanKindBrowserVerify || plan.Expect.URLContains != "/checkout" {
		t.Fatalf("plan=%+v, want browser-verify with expectation", plan)
	}
}

func TestPlannerResolve_SearchLimitClamped(t *testing.T) {
	t.Parallel()

	p := newTestPlanner(newFakeTargets())
	plan, perr := p.Resolve("s1", ToolCall{ID: "c1", Name: ToolPageFind, ArgumentsJSON: `{"query":"login button","limit":500}`})
	if perr != nil {
		t.Fatalf("resolve: %v", perr)
	}
	if plan.Search.Limit != maxSearchResults {
		t.Fatalf("limit=%d, want %d", plan.Search.Limit, maxSearchResults)
	}
}

func TestIsLeaseWorthyAction(t *testing.T) {
	t.Parallel()

	for _, kind := range []string{"click", "type", "fill", "press", "scroll", "select", "navigate", "hover", "Click", " NAVIGATE "} {
		if !IsLeaseWorthyAction(kind) {
			t.Fatalf("kind %q should be lease-worthy", kind)
		}
	}
	for _, kind := range []string{"read", "move", "drag", "key", "wait", ""} {
		if IsLeaseWorthyAction(kind) {
			t.Fatalf("kind %q should not be lease-worthy", kind)
		}
	}
}

func TestStaticContractRegistry(t *testing.T) {
	t.Parallel()

	reg := testRegistry()
	if got, ok := reg.Canonical("click"); !ok || got != ToolPageClick {
		t.Fatalf("alias: got=%q ok=%v", got, ok)
	}
	if got, ok := reg.Canonical(ToolPageFind); !ok || got != ToolPageFind {
		t.Fatalf("canonical passthrough: got=%q ok=%v", got, ok)
	}
	if _, ok := reg.Canonical("nonsense"); ok {
		t.Fatalf("unknown name resolved")
	}
	names := reg.SupportedNames()
	if len(names) == 0 || !strings.Contains(strings.Join(names, ","), ToolShellExec) {
		t.Fatalf("supported names missing shell.exec: %v", names)
	}
}
