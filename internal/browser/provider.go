package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/floegence/webpilot-agent/internal/engine"
)

func mapClientError(err error) *engine.ExecError {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "no such target"):
		return &engine.ExecError{Code: engine.ErrCodeNoTab, Details: msg, Retryable: true}
	case strings.Contains(msg, "CDP_TIMEOUT"):
		return &engine.ExecError{Code: "CDP_TIMEOUT", Details: msg, Retryable: true}
	case strings.Contains(msg, "endpoint unreachable"), strings.Contains(msg, "connection to target lost"):
		return &engine.ExecError{Code: engine.ErrCodeBridgeDisconnected, Details: msg, Retryable: true}
	case strings.Contains(msg, "context deadline exceeded"):
		return &engine.ExecError{Code: engine.ErrCodeClientTimeout, Details: msg, Retryable: true}
	default:
		return &engine.ExecError{Code: "ACTION_FAILED", Details: msg}
	}
}

func describeTarget(t TargetInfo) map[string]any {
	return map[string]any{"id": t.ID, "title": t.Title, "url": t.URL}
}

// SnapshotProvider serves observation-class plans: target enumeration,
// element search, screenshots.
type SnapshotProvider struct {
	Client *Client
}

func (p *SnapshotProvider) Capability() string          { return engine.CapabilityBrowserSnap }
func (p *SnapshotProvider) Mode() engine.CapabilityMode { return engine.ModeCDP }

func (p *SnapshotProvider) Invoke(ctx context.Context, input engine.StepInput) (map[string]any, error) {
	plan := input.Plan
	if plan.Search != nil {
		return p.search(ctx, plan)
	}
	if plan.Snapshot == nil {
		return nil, &engine.ExecError{Code: engine.ErrCodeArgumentError, Details: "snapshot call without an operation"}
	}
	switch plan.Snapshot.Op {
	case "targets_list":
		targets, err := p.Client.Targets(ctx)
		if err != nil {
			return nil, mapClientError(err)
		}
		listed := make([]map[string]any, 0, len(targets))
		for _, t := range targets {
			listed = append(listed, describeTarget(t))
		}
		return map[string]any{"targets": listed}, nil
	case "targets_describe":
		if strings.TrimSpace(plan.TargetID) == "" {
			return nil, &engine.ExecError{Code: engine.ErrCodeNoTab, Details: "no target to describe"}
		}
		obs, err := p.Client.Observe(ctx, plan.TargetID)
		if err != nil {
			return nil, mapClientError(err)
		}
		return map[string]any{"id": plan.TargetID, "url": obs.URL, "title": obs.Title, "node_count": obs.NodeCount}, nil
	case "targets_create":
		target, err := p.Client.CreateTarget(ctx, plan.Snapshot.URL)
		if err != nil {
			return nil, mapClientError(err)
		}
		return map[string]any{"target": describeTarget(target)}, nil
	case "targets_close":
		if strings.TrimSpace(plan.TargetID) == "" {
			return nil, &engine.ExecError{Code: engine.ErrCodeNoTab, Details: "no target to close"}
		}
		if err := p.Client.CloseTarget(ctx, plan.TargetID); err != nil {
			return nil, mapClientError(err)
		}
		return map[string]any{"closed": plan.TargetID}, nil
	case "screenshot":
		if strings.TrimSpace(plan.TargetID) == "" {
			return nil, &engine.ExecError{Code: engine.ErrCodeNoTab, Details: "no target to capture"}
		}
		data, err := p.Client.Screenshot(ctx, plan.TargetID, plan.Snapshot.Format)
		if err != nil {
			return nil, mapClientError(err)
		}
		return map[string]any{"format": plan.Snapshot.Format, "base64": data}, nil
	default:
		return nil, &engine.ExecError{Code: engine.ErrCodeArgumentError, Details: fmt.Sprintf("unsupported snapshot op %q", plan.Snapshot.Op)}
	}
}

func (p *SnapshotProvider) search(ctx context.Context, plan engine.ToolPlan) (map[string]any, error) {
	if strings.TrimSpace(plan.TargetID) == "" {
		return nil, &engine.ExecError{Code: engine.ErrCodeNoTab, Details: "no target to search"}
	}
	nodes, err := p.Client.SnapshotElements(ctx, plan.TargetID)
	if err != nil {
		return nil, mapClientError(err)
	}
	ranked := engine.RankElements(nodes, plan.Search.Query, plan.Search.Limit)
	matches := make([]map[string]any, 0, len(ranked))
	for _, r := range ranked {
		matches = append(matches, map[string]any{
			"ref":      r.Node.Ref,
			"name":     r.Node.Name,
			"role":     r.Node.Role,
			"tag":      r.Node.Tag,
			"selector": r.Node.Selector,
			"value":    r.Node.Value,
			"disabled": r.Node.Disabled,
			"score":    r.Score,
		})
	}
	return map[string]any{"query": plan.Search.Query, "matches": matches, "candidates": len(nodes)}, nil
}

// ActionProvider serves element-targeted and coordinate-level actions.
type ActionProvider struct {
	Client *Client
}

func (p *ActionProvider) Capability() string          { return engine.CapabilityBrowserAction }
func (p *ActionProvider) Mode() engine.CapabilityMode { return engine.ModeCDP }

func (p *ActionProvider) Invoke(ctx context.Context, input engine.StepInput) (map[string]any, error) {
	plan := input.Plan
	if strings.TrimSpace(plan.TargetID) == "" {
		return nil, &engine.ExecError{Code: engine.ErrCodeNoTab, Details: "action requires a target"}
	}
	if plan.Composite != nil {
		return p.composite(ctx, plan)
	}
	spec := plan.Action
	if spec == nil {
		return nil, &engine.ExecError{Code: engine.ErrCodeArgumentError, Details: "action call without an action spec"}
	}
	if spec.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(spec.TimeoutMs)*time.Millisecond)
		defer cancel()
	}
	if spec.ForceFocus {
		if err := p.Client.Focus(ctx, plan.TargetID); err != nil {
			return nil, mapClientError(err)
		}
	}

	switch spec.Kind {
	case "navigate":
		if err := p.Client.Navigate(ctx, plan.TargetID, spec.URL); err != nil {
			return nil, mapClientError(err)
		}
		return map[string]any{"navigated": spec.URL}, nil
	case "scroll":
		if spec.Ref != "" {
			return p.elementAction(ctx, plan.TargetID, spec)
		}
		if spec.X != 0 || spec.Y != 0 {
			if err := p.Client.DispatchMouse(ctx, plan.TargetID, "scroll", spec.X, spec.Y, spec.DeltaX, spec.DeltaY); err != nil {
				return nil, mapClientError(err)
			}
		} else if err := p.Client.ScrollBy(ctx, plan.TargetID, spec.DeltaX, spec.DeltaY); err != nil {
			return nil, mapClientError(err)
		}
		return map[string]any{"scrolled": true}, nil
	case "move", "drag":
		if err := p.Client.DispatchMouse(ctx, plan.TargetID, spec.Kind, spec.X, spec.Y, spec.DeltaX, spec.DeltaY); err != nil {
			return nil, mapClientError(err)
		}
		return map[string]any{"dispatched": spec.Kind}, nil
	case "key":
		if err := p.Client.DispatchKey(ctx, plan.TargetID, "key", spec.Value); err != nil {
			return nil, mapClientError(err)
		}
		return map[string]any{"key": spec.Value}, nil
	case "click", "type":
		if spec.Ref == "" {
			// Coordinate fallback for raw input plans.
			if spec.Kind == "click" {
				if err := p.Client.DispatchMouse(ctx, plan.TargetID, "click", spec.X, spec.Y, 0, 0); err != nil {
					return nil, mapClientError(err)
				}
				return map[string]any{"clicked_at": []float64{spec.X, spec.Y}}, nil
			}
			if err := p.Client.DispatchKey(ctx, plan.TargetID, "type", spec.Value); err != nil {
				return nil, mapClientError(err)
			}
			return map[string]any{"typed": len(spec.Value)}, nil
		}
		return p.elementAction(ctx, plan.TargetID, spec)
	default:
		return p.elementAction(ctx, plan.TargetID, spec)
	}
}

func (p *ActionProvider) elementAction(ctx context.Context, targetID string, spec *engine.ActionSpec) (map[string]any, error) {
	outcome, err := p.Client.actOnElement(ctx, targetID, spec.Kind, spec.Ref, spec.Value)
	if err != nil {
		return nil, mapClientError(err)
	}
	if !outcome.OK {
		code := outcome.Code
		if code == "" {
			code = "ACTION_FAILED"
		}
		return nil, &engine.ExecError{Code: code, Details: outcome.Detail}
	}
	out := map[string]any{"action": spec.Kind, "ref": spec.Ref}
	if outcome.Value != "" {
		out["value"] = outcome.Value
	}
	return out, nil
}

func (p *ActionProvider) composite(ctx context.Context, plan engine.ToolPlan) (map[string]any, error) {
	filled := 0
	for _, field := range plan.Composite.Fields {
		outcome, err := p.Client.actOnElement(ctx, plan.TargetID, "fill", field.Ref, field.Value)
		if err != nil {
			return nil, mapClientError(err)
		}
		if !outcome.OK {
			return nil, &engine.ExecError{Code: orCode(outcome.Code), Details: fmt.Sprintf("field %s: %s", field.Ref, outcome.Detail)}
		}
		filled++
	}
	if ref := strings.TrimSpace(plan.Composite.SubmitRef); ref != "" {
		outcome, err := p.Client.actOnElement(ctx, plan.TargetID, "click", ref, "")
		if err != nil {
			return nil, mapClientError(err)
		}
		if !outcome.OK {
			return nil, &engine.ExecError{Code: orCode(outcome.Code), Details: "submit: " + outcome.Detail}
		}
	}
	return map[string]any{"filled": filled, "submitted": plan.Composite.SubmitRef != ""}, nil
}

func orCode(code string) string {
	if strings.TrimSpace(code) == "" {
		return "ACTION_FAILED"
	}
	return code
}

// VerifyProvider serves standalone assertion plans.
type VerifyProvider struct {
	Client *Client
}

func (p *VerifyProvider) Capability() string          { return engine.CapabilityBrowserVerify }
func (p *VerifyProvider) Mode() engine.CapabilityMode { return engine.ModeCDP }

func (p *VerifyProvider) Invoke(ctx context.Context, input engine.StepInput) (map[string]any, error) {
	plan := input.Plan
	if strings.TrimSpace(plan.TargetID) == "" {
		return nil, &engine.ExecError{Code: engine.ErrCodeNoTab, Details: "assertion requires a target"}
	}
	obs, err := p.Client.Observe(ctx, plan.TargetID)
	if err != nil {
		return nil, mapClientError(err)
	}
	expect := plan.Expect
	if expect.URLContains != "" && !strings.Contains(obs.URL, expect.URLContains) {
		return nil, &engine.ExecError{Code: engine.ErrCodeVerifyFailed, Details: fmt.Sprintf("url %q does not contain %q", obs.URL, expect.URLContains)}
	}
	if expect.TitleContains != "" && !strings.Contains(obs.Title, expect.TitleContains) {
		return nil, &engine.ExecError{Code: engine.ErrCodeVerifyFailed, Details: fmt.Sprintf("title %q does not contain %q", obs.Title, expect.TitleContains)}
	}
	if expect.URLChangedFrom != "" && obs.URL == expect.URLChangedFrom {
		return nil, &engine.ExecError{Code: engine.ErrCodeVerifyFailed, Details: fmt.Sprintf("url still %q", obs.URL)}
	}
	if expect.TextIncludes != "" && !strings.Contains(obs.Text, expect.TextIncludes) {
		return nil, &engine.ExecError{Code: engine.ErrCodeVerifyFailed, Details: fmt.Sprintf("page text does not include %q", expect.TextIncludes)}
	}
	if expect.SelectorExists != "" {
		found, err := p.Client.SelectorExists(ctx, plan.TargetID, expect.SelectorExists)
		if err != nil {
			return nil, mapClientError(err)
		}
		if !found {
			return nil, &engine.ExecError{Code: engine.ErrCodeVerifyFailed, Details: fmt.Sprintf("selector %q not found", expect.SelectorExists)}
		}
	}
	return map[string]any{"url": obs.URL, "title": obs.Title, "asserted": true}, nil
}
