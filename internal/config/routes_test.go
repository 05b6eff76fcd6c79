package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRouteChainValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		chain   RouteChain
		wantErr string
	}{
		{
			"valid",
			RouteChain{Routes: []RouteSpec{
				{Name: "fast", Provider: "openai", Model: "gpt-fast"},
				{Name: "strong", Provider: "anthropic", Model: "claude-strong"},
			}},
			"",
		},
		{"no routes", RouteChain{}, "no routes"},
		{
			"unnamed route",
			RouteChain{Routes: []RouteSpec{{Model: "m"}}},
			"has no name",
		},
		{
			"duplicate names",
			RouteChain{Routes: []RouteSpec{
				{Name: "fast", Model: "a"},
				{Name: "fast", Model: "b"},
			}},
			"duplicate route name",
		},
		{
			"unknown provider",
			RouteChain{Routes: []RouteSpec{{Name: "fast", Provider: "bedrock", Model: "m"}}},
			"unknown provider",
		},
		{
			"missing model",
			RouteChain{Routes: []RouteSpec{{Name: "fast", Provider: "chat"}}},
			"has no model",
		},
	}
	for _, tc := range cases {
		err := tc.chain.Validate()
		if tc.wantErr == "" {
			if err != nil {
				t.Fatalf("%s: unexpected error %v", tc.name, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
			t.Fatalf("%s: err=%v, want %q", tc.name, err, tc.wantErr)
		}
	}
}

func TestRouteChainValidate_ChainRefsResolve(t *testing.T) {
	t.Parallel()

	rc := RouteChain{Routes: []RouteSpec{{Name: "fast", Model: "m"}}}
	rc.Escalation.Chain = []string{"fast", "turbo"}
	if err := rc.Validate(); err == nil || !strings.Contains(err.Error(), `unknown route "turbo"`) {
		t.Fatalf("err=%v", err)
	}
}

func TestLoadRouteChain(t *testing.T) {
	t.Parallel()

	p := filepath.Join(t.TempDir(), "routes.yaml")
	doc := `
routes:
  - name: fast
    provider: openai
    model: gpt-fast
    api_key_env: OPENAI_API_KEY
  - name: strong
    provider: anthropic
    model: claude-strong
    api_key_env: ANTHROPIC_API_KEY
escalation:
  chain: [fast, strong]
`
	if err := os.WriteFile(p, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	rc, err := LoadRouteChain(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(rc.Routes) != 2 || rc.Routes[1].Provider != "anthropic" {
		t.Fatalf("routes=%+v", rc.Routes)
	}
	if len(rc.Escalation.Chain) != 2 || rc.Escalation.Chain[1] != "strong" {
		t.Fatalf("chain=%v", rc.Escalation.Chain)
	}
	if rc.Escalation.Disabled {
		t.Fatalf("escalation disabled by default")
	}
}

func TestLoadRouteChain_Invalid(t *testing.T) {
	t.Parallel()

	p := filepath.Join(t.TempDir(), "routes.yaml")
	if err := os.WriteFile(p, []byte("routes: []\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadRouteChain(p); err == nil || !strings.Contains(err.Error(), "invalid route chain") {
		t.Fatalf("err=%v", err)
	}
}

func TestRouteSpecAPIKey(t *testing.T) {
	t.Setenv("WEBPILOT_ROUTE_KEY", "sk-route")

	r := RouteSpec{APIKeyEnv: "WEBPILOT_ROUTE_KEY"}
	if got := r.APIKey(); got != "sk-route" {
		t.Fatalf("key=%q", got)
	}
	if got := (RouteSpec{}).APIKey(); got != "" {
		t.Fatalf("key without env=%q", got)
	}
}
