package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// PlanKind names the backend a resolved tool call executes against. The
// dispatcher switches over this closed set exhaustively and never falls back
// to a different backend.
type PlanKind string

const (
	PlanKindBridge          PlanKind = "bridge"
	PlanKindVirtualFS       PlanKind = "virtual-fs"
	PlanKindBrowserSnapshot PlanKind = "browser-snapshot"
	PlanKindBrowserAction   PlanKind = "browser-action"
	PlanKindBrowserVerify   PlanKind = "browser-verify"
	PlanKindLocal           PlanKind = "local"
)

func (k PlanKind) liveEnvironment() bool {
	switch k {
	case PlanKindBrowserSnapshot, PlanKindBrowserAction, PlanKindBrowserVerify:
		return true
	default:
		return false
	}
}

// ExecSpec parameterizes a local process execution on the bridge.
type ExecSpec struct {
	Command   string
	Cwd       string
	TimeoutMs int
}

// FileSpec parameterizes a structured file operation on either the bridge or
// the virtual filesystem, decided by URI scheme or explicit runtime hint.
type FileSpec struct {
	Op      string // read|write|edit|list|delete
	Path    string
	Content string
	Find    string
	Replace string
}

// ActionSpec parameterizes one element-targeted or coordinate-level action.
type ActionSpec struct {
	Kind       string // click|type|fill|press|scroll|select|navigate|hover|read|move|drag|key|wait
	Ref        string // element reference (uid/ref/backendNodeId, normalized)
	Value      string
	URL        string
	X, Y       float64
	DeltaX     float64
	DeltaY     float64
	TimeoutMs  int
	ForceFocus bool
}

// CompositeSpec is a batch fill-then-submit-then-verify action.
type CompositeSpec struct {
	Fields    []CompositeField
	SubmitRef string
}

type CompositeField struct {
	Ref   string
	Value string
}

// SearchSpec parameterizes semantic element search over a fresh snapshot.
type SearchSpec struct {
	Query string
	Limit int
}

// SnapshotSpec parameterizes observation-class browser operations.
type SnapshotSpec struct {
	Op     string // observe|screenshot|targets_list|targets_describe|targets_create|targets_close
	URL    string // targets_create destination
	Format string // screenshot format
}

// Expectation is an explicit post-action condition. Zero value = none.
type Expectation struct {
	URLContains    string `json:"url_contains,omitempty"`
	TitleContains  string `json:"title_contains,omitempty"`
	TextIncludes   string `json:"text_includes,omitempty"`
	SelectorExists string `json:"selector_exists,omitempty"`
	URLChangedFrom string `json:"url_changed_from,omitempty"`
}

func (e Expectation) Empty() bool {
	return e == Expectation{}
}

// LocalSpec parameterizes purely local operations.
type LocalSpec struct {
	Op     string // wait
	WaitMs int
}

// ToolPlan is one resolved, not-yet-executed action. Exactly one of the spec
// pointers matching Kind is set. Plans are consumed once and never persisted.
type ToolPlan struct {
	Kind     PlanKind
	Tool     string
	CallID   string
	TargetID string
	RawArgs  string

	Exec      *ExecSpec
	File      *FileSpec
	Action    *ActionSpec
	Composite *CompositeSpec
	Search    *SearchSpec
	Snapshot  *SnapshotSpec
	Local     *LocalSpec

	Expect       Expectation
	StrictVerify bool
}

// PlanError is a terminal resolution failure for one tool call. It never
// aborts the loop; the driver surfaces it to the model as a tool result.
type PlanError struct {
	Code           string   `json:"code"`
	Message        string   `json:"message"`
	Supported      []string `json:"supported,omitempty"`
	ResumeStrategy string   `json:"resume_strategy,omitempty"`
}

func (e *PlanError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ContractRegistry resolves model-requested tool names to canonical tools.
// It is registered externally; aliasing lives outside the engine.
type ContractRegistry interface {
	Canonical(name string) (string, bool)
	SupportedNames() []string
}

// StaticContractRegistry is a fixed alias table.
type StaticContractRegistry struct {
	Aliases   map[string]string   // requested -> canonical
	Supported map[string]struct{} // canonical names
}

func (r StaticContractRegistry) Canonical(name string) (string, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", false
	}
	if canonical, ok := r.Aliases[name]; ok {
		name = canonical
	}
	if _, ok := r.Supported[name]; ok {
		return name, true
	}
	return "", false
}

func (r StaticContractRegistry) SupportedNames() []string {
	out := make([]string, 0, len(r.Supported))
	for name := range r.Supported {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// TargetState persists the per-session default target so consecutive calls
// that omit a target stay on the same tab.
type TargetState interface {
	LastUsedTarget(sessionID string) string
	SetLastUsedTarget(sessionID string, targetID string)
	SharedTargets() []string
	ActiveTarget() string
}

const (
	minActionTimeoutMs = 250
	maxActionTimeoutMs = 120_000
	maxSearchResults   = 25
)

// leaseWorthyActionKinds is the fixed set of action kinds that take a
// per-target mutual-exclusion lease before executing.
var leaseWorthyActionKinds = map[string]struct{}{
	"click":    {},
	"type":     {},
	"fill":     {},
	"press":    {},
	"scroll":   {},
	"select":   {},
	"navigate": {},
	"hover":    {},
}

// IsLeaseWorthyAction reports whether an action kind mutates the live target
// and therefore runs under a lease.
func IsLeaseWorthyAction(kind string) bool {
	_, ok := leaseWorthyActionKinds[strings.ToLower(strings.TrimSpace(kind))]
	return ok
}

// Planner resolves tool calls into execution plans without side effects
// beyond default-target bookkeeping.
type Planner struct {
	Contracts ContractRegistry
	Targets   TargetState
	Tools     map[string]ToolDef // canonical name -> definition
}

// Canonical tool names.
const (
	ToolShellExec      = "shell.exec"
	ToolFileRead       = "fs.read"
	ToolFileWrite      = "fs.write"
	ToolFileEdit       = "fs.edit"
	ToolTabsList       = "tabs.list"
	ToolTabsDescribe   = "tabs.describe"
	ToolTabsCreate     = "tabs.create"
	ToolTabsClose      = "tabs.close"
	ToolPageFind       = "page.find"
	ToolPageClick      = "page.click"
	ToolPageFill       = "page.fill"
	ToolPageSelect     = "page.select"
	ToolPageHover      = "page.hover"
	ToolPageScroll     = "page.scroll"
	ToolPageNavigate   = "page.navigate"
	ToolPageRead       = "page.read"
	ToolPageCompose    = "page.compose"
	ToolInputRaw       = "input.raw"
	ToolPageScreenshot = "page.screenshot"
	ToolPageAssert     = "page.assert"
	ToolUtilWait       = "util.wait"
)

// Resolve maps one model-requested tool call to an execution plan.
// Steps run strictly in order: argument parse, alias resolution, per-tool
// validation/normalization, default target resolution.
func (p *Planner) Resolve(sessionID string, call ToolCall) (ToolPlan, *PlanError) {
	args := map[string]any{}
	raw := strings.TrimSpace(call.ArgumentsJSON)
	if raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return ToolPlan{}, &PlanError{
				Code:           ErrCodeArgumentError,
				Message:        "tool arguments are not valid JSON: " + err.Error(),
				ResumeStrategy: ResumeReplan,
			}
		}
	}

	canonical, ok := p.canonicalName(call.Name)
	if !ok {
		supported := []string(nil)
		if p.Contracts != nil {
			supported = p.Contracts.SupportedNames()
		}
		return ToolPlan{}, &PlanError{
			Code:           ErrCodeUnknownTool,
			Message:        fmt.Sprintf("unknown or unsupported tool %q", strings.TrimSpace(call.Name)),
			Supported:      supported,
			ResumeStrategy: ResumeReplan,
		}
	}

	plan := ToolPlan{Tool: canonical, CallID: strings.TrimSpace(call.ID), RawArgs: raw}
	var perr *PlanError
	switch canonical {
	case ToolShellExec:
		perr = p.planShellExec(&plan, args)
	case ToolFileRead, ToolFileWrite, ToolFileEdit:
		perr = p.planFileOp(&plan, canonical, args)
	case ToolTabsList, ToolTabsDescribe, ToolTabsCreate, ToolTabsClose:
		perr = p.planTargetOp(&plan, canonical, args)
	case ToolPageFind:
		perr = p.planSearch(&plan, args)
	case ToolPageClick, ToolPageFill, ToolPageSelect, ToolPageHover, ToolPageScroll, ToolPageNavigate, ToolPageRead:
		perr = p.planElementAction(&plan, canonical, args)
	case ToolPageCompose:
		perr = p.planComposite(&plan, args)
	case ToolInputRaw:
		perr = p.planRawInput(&plan, args)
	case ToolPageScreenshot:
		plan.Kind = PlanKindBrowserSnapshot
		plan.Snapshot = &SnapshotSpec{Op: "screenshot", Format: stringArg(args, "format")}
	case ToolPageAssert:
		perr = p.planAssert(&plan, args)
	case ToolUtilWait:
		plan.Kind = PlanKindLocal
		plan.Local = &LocalSpec{Op: "wait", WaitMs: clampInt(intArg(args, "ms", 500), 0, 30_000)}
	default:
		return ToolPlan{}, &PlanError{
			Code:           ErrCodeToolUnsupported,
			Message:        fmt.Sprintf("tool %q has no execution plan", canonical),
			ResumeStrategy: ResumeReplan,
		}
	}
	if perr != nil {
		return ToolPlan{}, perr
	}

	if plan.Kind.liveEnvironment() {
		plan.TargetID = p.resolveTarget(sessionID, args)
	}
	plan.Expect = parseExpectation(args)
	plan.StrictVerify = boolArg(args, "strict_verify")
	return plan, nil
}

func (p *Planner) canonicalName(name string) (string, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", false
	}
	if p.Contracts != nil {
		return p.Contracts.Canonical(name)
	}
	if _, ok := p.Tools[name]; ok {
		return name, true
	}
	return "", false
}

func (p *Planner) planShellExec(plan *ToolPlan, args map[string]any) *PlanError {
	command := strings.TrimSpace(stringArg(args, "command"))
	if command == "" {
		return &PlanError{
			Code:           ErrCodeArgumentError,
			Message:        "shell.exec requires a non-empty command",
			ResumeStrategy: ResumeReplan,
		}
	}
	plan.Kind = PlanKindBridge
	plan.Exec = &ExecSpec{
		Command:   command,
		Cwd:       strings.TrimSpace(stringArg(args, "cwd")),
		TimeoutMs: clampInt(intArg(args, "timeout_ms", 30_000), minActionTimeoutMs, maxActionTimeoutMs),
	}
	return nil
}

func (p *Planner) planFileOp(plan *ToolPlan, canonical string, args map[string]any) *PlanError {
	path := strings.TrimSpace(stringArg(args, "path"))
	if path == "" {
		path = strings.TrimSpace(stringArg(args, "uri"))
	}
	if path == "" {
		return &PlanError{
			Code:           ErrCodeArgumentError,
			Message:        canonical + " requires a path",
			ResumeStrategy: ResumeReplan,
		}
	}

	op := strings.TrimPrefix(canonical, "fs.")
	spec := &FileSpec{Op: op}
	switch op {
	case "write":
		spec.Content = stringArg(args, "content")
	case "edit":
		spec.Find = stringArg(args, "find")
		spec.Replace = stringArg(args, "replace")
		if spec.Find == "" {
			return &PlanError{
				Code:           ErrCodeArgumentError,
				Message:        "fs.edit requires a non-empty find string",
				ResumeStrategy: ResumeReplan,
			}
		}
	}

	// Routing: vfs:// URIs and an explicit runtime hint select the in-memory
	// filesystem; everything else goes to the bridge.
	runtime := strings.ToLower(strings.TrimSpace(stringArg(args, "runtime")))
	if cut, ok := strings.CutPrefix(path, "vfs://"); ok {
		spec.Path = "/" + strings.TrimPrefix(cut, "/")
		plan.Kind = PlanKindVirtualFS
	} else if runtime == "vfs" {
		spec.Path = path
		plan.Kind = PlanKindVirtualFS
	} else {
		spec.Path = path
		plan.Kind = PlanKindBridge
	}
	plan.File = spec
	return nil
}

func (p *Planner) planTargetOp(plan *ToolPlan, canonical string, args map[string]any) *PlanError {
	plan.Kind = PlanKindBrowserSnapshot
	switch canonical {
	case ToolTabsList:
		plan.Snapshot = &SnapshotSpec{Op: "targets_list"}
	case ToolTabsDescribe:
		plan.Snapshot = &SnapshotSpec{Op: "targets_describe"}
	case ToolTabsCreate:
		plan.Snapshot = &SnapshotSpec{Op: "targets_create", URL: strings.TrimSpace(stringArg(args, "url"))}
	case ToolTabsClose:
		plan.Snapshot = &SnapshotSpec{Op: "targets_close"}
	}
	return nil
}

func (p *Planner) planSearch(plan *ToolPlan, args map[string]any) *PlanError {
	query := strings.TrimSpace(stringArg(args, "query"))
	if query == "" {
		return &PlanError{
			Code:           ErrCodeArgumentError,
			Message:        "page.find requires a non-empty query",
			ResumeStrategy: ResumeReplan,
		}
	}
	plan.Kind = PlanKindBrowserSnapshot
	plan.Search = &SearchSpec{
		Query: query,
		Limit: clampInt(intArg(args, "limit", 8), 1, maxSearchResults),
	}
	return nil
}

func (p *Planner) planElementAction(plan *ToolPlan, canonical string, args map[string]any) *PlanError {
	kind := strings.TrimPrefix(canonical, "page.")
	spec := &ActionSpec{
		Kind:      kind,
		Value:     stringArg(args, "value"),
		TimeoutMs: clampInt(intArg(args, "timeout_ms", 5000), minActionTimeoutMs, maxActionTimeoutMs),
	}
	if kind == "navigate" {
		spec.URL = strings.TrimSpace(stringArg(args, "url"))
		if spec.URL == "" {
			return &PlanError{
				Code:           ErrCodeArgumentError,
				Message:        "page.navigate requires a url",
				ResumeStrategy: ResumeReplan,
			}
		}
	} else if kind == "scroll" {
		spec.DeltaX = floatArg(args, "delta_x", 0)
		spec.DeltaY = floatArg(args, "delta_y", 400)
	} else {
		ref := elementRef(args)
		if ref == "" {
			// The model is acting on stale state; tell it to re-observe
			// instead of terminating the call chain.
			return &PlanError{
				Code:           ErrCodeRefRequired,
				Message:        canonical + " needs one of uid|ref|backendNodeId; take a fresh snapshot first",
				ResumeStrategy: ResumeRetryWithFreshSnap,
			}
		}
		spec.Ref = ref
	}
	spec.ForceFocus = boolArg(args, "forceFocus")
	plan.Kind = PlanKindBrowserAction
	plan.Action = spec
	return nil
}

func (p *Planner) planComposite(plan *ToolPlan, args map[string]any) *PlanError {
	rawFields, _ := args["fields"].([]any)
	if len(rawFields) == 0 {
		return &PlanError{
			Code:           ErrCodeArgumentError,
			Message:        "page.compose requires at least one field",
			ResumeStrategy: ResumeReplan,
		}
	}
	spec := &CompositeSpec{SubmitRef: strings.TrimSpace(stringArg(args, "submit_ref"))}
	for _, rawField := range rawFields {
		field, _ := rawField.(map[string]any)
		if field == nil {
			continue
		}
		ref := elementRef(field)
		if ref == "" {
			return &PlanError{
				Code:           ErrCodeRefRequired,
				Message:        "page.compose field needs one of uid|ref|backendNodeId",
				ResumeStrategy: ResumeRetryWithFreshSnap,
			}
		}
		spec.Fields = append(spec.Fields, CompositeField{Ref: ref, Value: stringArg(field, "value")})
	}
	if len(spec.Fields) == 0 {
		return &PlanError{
			Code:           ErrCodeArgumentError,
			Message:        "page.compose fields are malformed",
			ResumeStrategy: ResumeReplan,
		}
	}
	plan.Kind = PlanKindBrowserAction
	plan.Composite = spec
	return nil
}

func (p *Planner) planRawInput(plan *ToolPlan, args map[string]any) *PlanError {
	kind := strings.ToLower(strings.TrimSpace(stringArg(args, "kind")))
	switch kind {
	case "move", "click", "drag", "scroll", "type", "key", "wait":
	default:
		return &PlanError{
			Code:           ErrCodeArgumentError,
			Message:        fmt.Sprintf("input.raw kind %q is not one of move|click|drag|scroll|type|key|wait", kind),
			ResumeStrategy: ResumeReplan,
		}
	}
	if kind == "wait" {
		plan.Kind = PlanKindLocal
		plan.Local = &LocalSpec{Op: "wait", WaitMs: clampInt(intArg(args, "ms", 250), 0, 30_000)}
		return nil
	}
	plan.Kind = PlanKindBrowserAction
	plan.Action = &ActionSpec{
		Kind:       kind,
		Value:      stringArg(args, "text"),
		X:          floatArg(args, "x", 0),
		Y:          floatArg(args, "y", 0),
		DeltaX:     floatArg(args, "delta_x", 0),
		DeltaY:     floatArg(args, "delta_y", 0),
		TimeoutMs:  clampInt(intArg(args, "timeout_ms", 5000), minActionTimeoutMs, maxActionTimeoutMs),
		ForceFocus: boolArg(args, "forceFocus"),
	}
	return nil
}

func (p *Planner) planAssert(plan *ToolPlan, args map[string]any) *PlanError {
	expect := parseExpectation(args)
	if expect.Empty() {
		return &PlanError{
			Code:           ErrCodeArgumentError,
			Message:        "page.assert requires at least one expectation (url_contains|title_contains|text_includes|selector_exists|url_changed_from)",
			ResumeStrategy: ResumeReplan,
		}
	}
	plan.Kind = PlanKindBrowserVerify
	plan.Expect = expect
	return nil
}

// resolveTarget picks the target a browser-scoped plan runs against:
// explicit argument, then the session's last-used target, then the first
// externally shared target, then the environment's active target. The
// resolved default is written back so subsequent calls stay consistent.
func (p *Planner) resolveTarget(sessionID string, args map[string]any) string {
	if explicit := strings.TrimSpace(stringArg(args, "tab_id")); explicit != "" {
		p.rememberTarget(sessionID, explicit)
		return explicit
	}
	if explicit := strings.TrimSpace(stringArg(args, "target_id")); explicit != "" {
		p.rememberTarget(sessionID, explicit)
		return explicit
	}
	if p.Targets == nil {
		return ""
	}
	if last := strings.TrimSpace(p.Targets.LastUsedTarget(sessionID)); last != "" {
		return last
	}
	if shared := p.Targets.SharedTargets(); len(shared) > 0 {
		if first := strings.TrimSpace(shared[0]); first != "" {
			p.rememberTarget(sessionID, first)
			return first
		}
	}
	if active := strings.TrimSpace(p.Targets.ActiveTarget()); active != "" {
		p.rememberTarget(sessionID, active)
		return active
	}
	return ""
}

func (p *Planner) rememberTarget(sessionID string, targetID string) {
	if p.Targets == nil || strings.TrimSpace(targetID) == "" {
		return
	}
	p.Targets.SetLastUsedTarget(sessionID, targetID)
}

func parseExpectation(args map[string]any) Expectation {
	raw, _ := args["expect"].(map[string]any)
	if raw == nil {
		return Expectation{}
	}
	return Expectation{
		URLContains:    strings.TrimSpace(stringArg(raw, "url_contains")),
		TitleContains:  strings.TrimSpace(stringArg(raw, "title_contains")),
		TextIncludes:   strings.TrimSpace(stringArg(raw, "text_includes")),
		SelectorExists: strings.TrimSpace(stringArg(raw, "selector_exists")),
		URLChangedFrom: strings.TrimSpace(stringArg(raw, "url_changed_from")),
	}
}

func elementRef(args map[string]any) string {
	for _, key := range []string{"uid", "ref", "backendNodeId", "backend_node_id"} {
		switch v := args[key].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			if v != 0 {
				return strings.TrimSpace(fmt.Sprintf("%.0f", v))
			}
		}
	}
	return ""
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func boolArg(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}

func floatArg(args map[string]any, key string, fallback float64) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return fallback
	}
}

func clampInt(v int, min int, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
