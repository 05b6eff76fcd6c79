package config

import (
	"fmt"
	"strings"
)

// PermissionSet is the local capability cap applied to the tool surface.
// It clamps what the agent may do on this host regardless of what the
// model asks for.
type PermissionSet struct {
	// Read covers file reads, page snapshots and other observation tools.
	Read bool `json:"read"`
	// Write covers file writes/edits and mutating page actions.
	Write bool `json:"write"`
	// Execute covers shell execution.
	Execute bool `json:"execute"`
}

func (p PermissionSet) Intersect(other PermissionSet) PermissionSet {
	return PermissionSet{
		Read:    p.Read && other.Read,
		Write:   p.Write && other.Write,
		Execute: p.Execute && other.Execute,
	}
}

func defaultPermissionSet() PermissionSet {
	return PermissionSet{Read: true, Write: true, Execute: true}
}

// ParsePermissionPreset maps a preset name to a capability cap.
// The empty preset allows everything.
func ParsePermissionPreset(preset string) (PermissionSet, error) {
	p := strings.ToLower(strings.TrimSpace(preset))
	p = strings.ReplaceAll(p, "-", "_")

	switch p {
	case "", "full":
		return defaultPermissionSet(), nil
	case "read_only":
		return PermissionSet{Read: true}, nil
	case "no_shell":
		return PermissionSet{Read: true, Write: true}, nil
	case "execute_read":
		return PermissionSet{Read: true, Execute: true}, nil
	default:
		return PermissionSet{}, fmt.Errorf("unknown permission preset: %q", preset)
	}
}

// EffectivePermissions resolves the configured preset, falling back to the
// permissive default when the preset is absent.
func (c *Config) EffectivePermissions() PermissionSet {
	if c == nil {
		return defaultPermissionSet()
	}
	set, err := ParsePermissionPreset(c.PermissionPreset)
	if err != nil {
		return defaultPermissionSet()
	}
	return set
}
