package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"endpoint and model", Config{ModelEndpoint: "https://api.example.com/v1/chat", Model: "gpt-x"}, ""},
		{"route chain only", Config{RouteChainPath: "/etc/routes.yaml"}, ""},
		{"neither", Config{}, "missing model_endpoint"},
		{"endpoint without model", Config{ModelEndpoint: "https://api.example.com/v1/chat"}, "missing model"},
		{"bad verify policy", Config{RouteChainPath: "r.yaml", VerifyPolicy: "sometimes"}, "invalid verify_policy"},
		{"bad lease policy", Config{RouteChainPath: "r.yaml", LeasePolicy: "maybe"}, "invalid lease_policy"},
	}
	for _, tc := range cases {
		err := tc.cfg.Validate()
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

func TestSaveLoad_RoundTrip(t *testing.T) {
	t.Parallel()

	p := filepath.Join(t.TempDir(), "nested", "config.json")
	temp := 0.2
	cfg := &Config{
		ModelEndpoint: "https://api.example.com/v1/chat/completions",
		Model:         "gpt-x",
		APIKeyEnv:     "EXAMPLE_API_KEY",
		MaxSteps:      12,
		Temperature:   &temp,
		VerifyPolicy:  "always",
	}
	if err := Save(p, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	info, err := os.Stat(p)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode=%v, want 0600", info.Mode().Perm())
	}
	if _, err := os.Stat(p + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("tmp file left behind: %v", err)
	}

	loaded, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Model != cfg.Model || loaded.MaxSteps != 12 || loaded.VerifyPolicy != "always" {
		t.Fatalf("loaded=%+v", loaded)
	}
	if loaded.Temperature == nil || *loaded.Temperature != 0.2 {
		t.Fatalf("temperature=%v", loaded.Temperature)
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	t.Parallel()

	p := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(p, []byte(`{"model":"gpt-x"}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(p); err == nil || !strings.Contains(err.Error(), "invalid config") {
		t.Fatalf("err=%v", err)
	}
}

func TestEffectiveDefaults(t *testing.T) {
	t.Parallel()

	var cfg *Config
	if got := cfg.EffectiveBrowserEndpoint(); got != "http://127.0.0.1:9222" {
		t.Fatalf("browser=%q", got)
	}
	if got := cfg.EffectiveMaxSteps(); got != 40 {
		t.Fatalf("maxSteps=%d", got)
	}
	if got := cfg.EffectiveVerifyPolicy(); got != "on_critical" {
		t.Fatalf("verify=%q", got)
	}
	if got := cfg.EffectiveLeasePolicy(); got != "auto" {
		t.Fatalf("lease=%q", got)
	}
	if got := cfg.EffectiveMaxRetryDelayMs(); got != 60_000 {
		t.Fatalf("maxRetryDelay=%d", got)
	}
	if got := cfg.EffectiveLogLevel(); got != "info" {
		t.Fatalf("logLevel=%q", got)
	}
	if got := cfg.EffectiveLogFormat(); got != "" {
		t.Fatalf("logFormat=%q, want autodetect", got)
	}

	set := &Config{BrowserEndpoint: " http://10.0.0.5:9222 ", MaxSteps: 7, LogLevel: "WARN", LogFormat: "bogus"}
	if got := set.EffectiveBrowserEndpoint(); got != "http://10.0.0.5:9222" {
		t.Fatalf("browser=%q", got)
	}
	if got := set.EffectiveMaxSteps(); got != 7 {
		t.Fatalf("maxSteps=%d", got)
	}
	if got := set.EffectiveLogLevel(); got != "warn" {
		t.Fatalf("logLevel=%q", got)
	}
	if got := set.EffectiveLogFormat(); got != "" {
		t.Fatalf("unknown format must fall back to autodetect, got %q", got)
	}
}

func TestAPIKey_ReadFromEnvironment(t *testing.T) {
	t.Setenv("WEBPILOT_TEST_KEY", "  sk-test-123  ")

	cfg := &Config{APIKeyEnv: "WEBPILOT_TEST_KEY"}
	if got := cfg.APIKey(); got != "sk-test-123" {
		t.Fatalf("key=%q", got)
	}
	if got := (&Config{}).APIKey(); got != "" {
		t.Fatalf("key without env name=%q", got)
	}
}
