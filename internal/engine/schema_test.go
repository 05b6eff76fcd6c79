package engine

import (
	"context"
	"encoding/json"
	"testing"
)

func TestSanitizeToolSchema(t *testing.T) {
	t.Parallel()

	if got := SanitizeToolSchema(nil); string(got) != string(emptyObjectSchema) {
		t.Fatalf("empty schema: got %s", got)
	}
	if got := SanitizeToolSchema(json.RawMessage(`not json`)); string(got) != string(emptyObjectSchema) {
		t.Fatalf("invalid schema: got %s", got)
	}

	clean := json.RawMessage(`{"type":"object","properties":{"x":{"type":"string"}}}`)
	if got := SanitizeToolSchema(clean); string(got) != string(clean) {
		t.Fatalf("clean schema must pass through untouched, got %s", got)
	}

	dirty := json.RawMessage(`{"type":"object","oneOf":[{"required":["a"]}],"enum":["x"]}`)
	var sanitized map[string]any
	if err := json.Unmarshal(SanitizeToolSchema(dirty), &sanitized); err != nil {
		t.Fatalf("decode sanitized: %v", err)
	}
	for _, key := range []string{"oneOf", "anyOf", "allOf", "enum", "not"} {
		if _, ok := sanitized[key]; ok {
			t.Fatalf("combinator %q survived sanitization", key)
		}
	}
	if sanitized["type"] != "object" {
		t.Fatalf("type=%v, want object", sanitized["type"])
	}

	missingType := json.RawMessage(`{"properties":{}}`)
	if err := json.Unmarshal(SanitizeToolSchema(missingType), &sanitized); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sanitized["type"] != "object" {
		t.Fatalf("missing type not defaulted: %v", sanitized)
	}
}

func TestProviderRegistry_RegisterAndLookup(t *testing.T) {
	t.Parallel()

	registry := NewProviderRegistry()
	cdp := &fakeProvider{capability: CapabilityBrowserAction, mode: ModeCDP, invoke: func(ctx context.Context, in StepInput) (map[string]any, error) { return nil, nil }}
	if err := registry.Register(cdp); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := registry.Register(cdp); err == nil {
		t.Fatalf("duplicate registration accepted")
	}

	if p, ok := registry.Lookup(CapabilityBrowserAction, ModeCDP); !ok || p != cdp {
		t.Fatalf("exact lookup failed")
	}
	// Any registered mode serves as fallback.
	if p, ok := registry.Lookup(CapabilityBrowserAction, ModeBridge); !ok || p != cdp {
		t.Fatalf("mode fallback failed")
	}
	if _, ok := registry.Lookup(CapabilityBridgeExec, ModeBridge); ok {
		t.Fatalf("unregistered capability resolved")
	}

	caps := registry.Capabilities()
	if len(caps) != 1 || caps[0] != CapabilityBrowserAction {
		t.Fatalf("capabilities=%v", caps)
	}
}

func TestPlanCapability(t *testing.T) {
	t.Parallel()

	cases := []struct {
		plan     ToolPlan
		wantCap  string
		wantMode CapabilityMode
	}{
		{ToolPlan{Kind: PlanKindBridge, Exec: &ExecSpec{}}, CapabilityBridgeExec, ModeBridge},
		{ToolPlan{Kind: PlanKindBridge, File: &FileSpec{}}, CapabilityBridgeFile, ModeBridge},
		{ToolPlan{Kind: PlanKindVirtualFS, File: &FileSpec{}}, CapabilityVirtualFile, ModeScript},
		{ToolPlan{Kind: PlanKindBrowserSnapshot}, CapabilityBrowserSnap, ModeCDP},
		{ToolPlan{Kind: PlanKindBrowserAction}, CapabilityBrowserAction, ModeCDP},
		{ToolPlan{Kind: PlanKindBrowserVerify}, CapabilityBrowserVerify, ModeCDP},
		{ToolPlan{Kind: PlanKindLocal}, CapabilityLocal, ModeScript},
	}
	for _, tc := range cases {
		gotCap, gotMode := planCapability(tc.plan)
		if gotCap != tc.wantCap || gotMode != tc.wantMode {
			t.Fatalf("kind=%q: got %s/%s, want %s/%s", tc.plan.Kind, gotCap, gotMode, tc.wantCap, tc.wantMode)
		}
	}
}
