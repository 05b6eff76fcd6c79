package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config is the on-disk configuration for webpilot-agent.
//
// NOTE: This file may contain API keys. Always keep it chmod 0600.
type Config struct {
	// ModelEndpoint is the chat-completions endpoint used by the default
	// route when no route chain file overrides it.
	ModelEndpoint string `json:"model_endpoint"`
	// APIKeyEnv names the environment variable holding the endpoint key.
	// Keys are never stored in the config file itself.
	APIKeyEnv string `json:"api_key_env,omitempty"`
	Model     string `json:"model"`

	// BrowserEndpoint is the DevTools HTTP endpoint of the driven browser.
	BrowserEndpoint string `json:"browser_endpoint,omitempty"`

	// RootDir is the filesystem root for bridge file operations.
	// If empty, the agent picks a safe default (user home dir).
	RootDir string `json:"root_dir,omitempty"`

	// Shell is the shell used by the exec bridge.
	// If empty, SHELL or /bin/bash.
	Shell string `json:"shell,omitempty"`

	// SessionDBPath is the SQLite file for session history.
	SessionDBPath string `json:"session_db_path,omitempty"`

	// RouteChainPath points at the YAML route chain file (see routes.go).
	RouteChainPath string `json:"route_chain_path,omitempty"`

	// PermissionPreset caps the tool surface: full|read_only|no_shell|execute_read.
	PermissionPreset string `json:"permission_preset,omitempty"`

	MaxSteps           int      `json:"max_steps,omitempty"`
	Temperature        *float64 `json:"temperature,omitempty"`
	VerifyPolicy       string   `json:"verify_policy,omitempty"` // off|on_critical|always
	LeasePolicy        string   `json:"lease_policy,omitempty"`  // auto|always|never
	MaxRetryDelayMs    int      `json:"max_retry_delay_ms,omitempty"`
	SameSignatureLimit int      `json:"same_signature_limit,omitempty"`
	PingPongLimit      int      `json:"ping_pong_limit,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if strings.TrimSpace(c.ModelEndpoint) == "" && strings.TrimSpace(c.RouteChainPath) == "" {
		return errors.New("missing model_endpoint (or route_chain_path)")
	}
	if strings.TrimSpace(c.ModelEndpoint) != "" && strings.TrimSpace(c.Model) == "" {
		return errors.New("missing model")
	}
	switch strings.TrimSpace(c.VerifyPolicy) {
	case "", "off", "on_critical", "always":
	default:
		return fmt.Errorf("invalid verify_policy %q", c.VerifyPolicy)
	}
	switch strings.TrimSpace(c.LeasePolicy) {
	case "", "auto", "always", "never":
	default:
		return fmt.Errorf("invalid lease_policy %q", c.LeasePolicy)
	}
	if _, err := ParsePermissionPreset(c.PermissionPreset); err != nil {
		return err
	}
	return nil
}

// DefaultConfigPath returns the default config path:
//
//	~/.webpilot-agent/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "webpilot-agent.config.json"
	}
	return filepath.Join(home, ".webpilot-agent", "config.json")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (c *Config) APIKey() string {
	if c == nil || strings.TrimSpace(c.APIKeyEnv) == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(strings.TrimSpace(c.APIKeyEnv)))
}

func (c *Config) EffectiveShell() string {
	if c != nil && strings.TrimSpace(c.Shell) != "" {
		return strings.TrimSpace(c.Shell)
	}
	if sh := strings.TrimSpace(os.Getenv("SHELL")); sh != "" {
		return sh
	}
	return "/bin/bash"
}

func (c *Config) EffectiveRootDir() string {
	if c != nil && strings.TrimSpace(c.RootDir) != "" {
		return strings.TrimSpace(c.RootDir)
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "."
	}
	return home
}

func (c *Config) EffectiveBrowserEndpoint() string {
	if c != nil && strings.TrimSpace(c.BrowserEndpoint) != "" {
		return strings.TrimSpace(c.BrowserEndpoint)
	}
	return "http://127.0.0.1:9222"
}

func (c *Config) EffectiveSessionDBPath() string {
	if c != nil && strings.TrimSpace(c.SessionDBPath) != "" {
		return strings.TrimSpace(c.SessionDBPath)
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "webpilot-agent.sessions.db"
	}
	return filepath.Join(home, ".webpilot-agent", "sessions.db")
}

func (c *Config) EffectiveMaxSteps() int {
	if c != nil && c.MaxSteps > 0 {
		return c.MaxSteps
	}
	return 40
}

func (c *Config) EffectiveVerifyPolicy() string {
	if c != nil && strings.TrimSpace(c.VerifyPolicy) != "" {
		return strings.TrimSpace(c.VerifyPolicy)
	}
	return "on_critical"
}

func (c *Config) EffectiveLeasePolicy() string {
	if c != nil && strings.TrimSpace(c.LeasePolicy) != "" {
		return strings.TrimSpace(c.LeasePolicy)
	}
	return "auto"
}

func (c *Config) EffectiveMaxRetryDelayMs() int {
	if c != nil && c.MaxRetryDelayMs > 0 {
		return c.MaxRetryDelayMs
	}
	return 60_000
}

func (c *Config) EffectiveLogFormat() string {
	if c != nil {
		switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
		case "json":
			return "json"
		case "text":
			return "text"
		}
	}
	return ""
}

func (c *Config) EffectiveLogLevel() string {
	if c != nil {
		switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
		case "debug", "info", "warn", "error":
			return strings.ToLower(strings.TrimSpace(c.LogLevel))
		}
	}
	return "info"
}
