package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// RouteSpec declares one model route. Routes later in the escalation chain
// should be more capable (and usually more expensive) than earlier ones.
type RouteSpec struct {
	Name      string `yaml:"name"`
	Provider  string `yaml:"provider"` // chat|openai|anthropic
	Model     string `yaml:"model"`
	Endpoint  string `yaml:"endpoint,omitempty"`
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
}

func (r RouteSpec) APIKey() string {
	if strings.TrimSpace(r.APIKeyEnv) == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(strings.TrimSpace(r.APIKeyEnv)))
}

// RouteChain is the YAML file wiring routes to the escalation policy.
type RouteChain struct {
	Routes     []RouteSpec `yaml:"routes"`
	Escalation struct {
		Chain    []string `yaml:"chain"`
		Disabled bool     `yaml:"disabled"`
	} `yaml:"escalation"`
}

func (rc *RouteChain) Validate() error {
	if rc == nil || len(rc.Routes) == 0 {
		return errors.New("route chain declares no routes")
	}
	names := map[string]struct{}{}
	for i, route := range rc.Routes {
		name := strings.TrimSpace(route.Name)
		if name == "" {
			return fmt.Errorf("route %d has no name", i)
		}
		if _, dup := names[name]; dup {
			return fmt.Errorf("duplicate route name %q", name)
		}
		names[name] = struct{}{}
		switch strings.TrimSpace(route.Provider) {
		case "", "chat", "openai", "anthropic":
		default:
			return fmt.Errorf("route %q: unknown provider %q", name, route.Provider)
		}
		if strings.TrimSpace(route.Model) == "" {
			return fmt.Errorf("route %q has no model", name)
		}
	}
	for _, name := range rc.Escalation.Chain {
		if _, ok := names[strings.TrimSpace(name)]; !ok {
			return fmt.Errorf("escalation chain references unknown route %q", name)
		}
	}
	return nil
}

func LoadRouteChain(path string) (*RouteChain, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rc RouteChain
	if err := yaml.Unmarshal(b, &rc); err != nil {
		return nil, fmt.Errorf("parse route chain: %w", err)
	}
	if err := rc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid route chain: %w", err)
	}
	return &rc, nil
}
