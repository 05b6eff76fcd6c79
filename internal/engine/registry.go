package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// CapabilityMode names the execution surface a provider runs on.
type CapabilityMode string

const (
	ModeBridge CapabilityMode = "bridge"
	ModeCDP    CapabilityMode = "cdp"
	ModeScript CapabilityMode = "script"
)

// Capability names the dispatcher resolves providers by. Each plan kind maps
// to exactly one capability.
const (
	CapabilityBridgeExec    = "bridge.exec"
	CapabilityBridgeFile    = "bridge.file"
	CapabilityVirtualFile   = "vfs.file"
	CapabilityBrowserSnap   = "browser.snapshot"
	CapabilityBrowserAction = "browser.action"
	CapabilityBrowserVerify = "browser.verify"
	CapabilityLocal         = "local"
)

// StepInput is what a provider receives for one execution step.
type StepInput struct {
	SessionID string
	Plan      ToolPlan
}

// ExecError is a structured backend failure a provider returns. Providers
// that return a plain error get a non-retryable EXECUTION_ERROR wrapper.
type ExecError struct {
	Code      string
	Details   string
	Retryable bool
}

func (e *ExecError) Error() string {
	if e == nil {
		return ""
	}
	if e.Details == "" {
		return e.Code
	}
	return e.Code + ": " + e.Details
}

// CapabilityProvider is one registered backend implementation.
type CapabilityProvider interface {
	Capability() string
	Mode() CapabilityMode
	Invoke(ctx context.Context, input StepInput) (map[string]any, error)
}

type providerKey struct {
	capability string
	mode       CapabilityMode
}

// ProviderRegistry holds capability providers registered at startup. It is
// owned by the orchestrator and passed into the engine at construction.
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[providerKey]CapabilityProvider
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{providers: map[providerKey]CapabilityProvider{}}
}

func (r *ProviderRegistry) Register(p CapabilityProvider) error {
	if r == nil || p == nil {
		return fmt.Errorf("nil provider registration")
	}
	capability := strings.TrimSpace(p.Capability())
	if capability == "" {
		return fmt.Errorf("provider has empty capability name")
	}
	key := providerKey{capability: capability, mode: p.Mode()}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[key]; exists {
		return fmt.Errorf("capability %s/%s already registered", capability, p.Mode())
	}
	r.providers[key] = p
	return nil
}

// Lookup returns the provider for a capability, preferring the requested
// mode and falling back to any mode registered for that capability.
func (r *ProviderRegistry) Lookup(capability string, mode CapabilityMode) (CapabilityProvider, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.providers[providerKey{capability: capability, mode: mode}]; ok {
		return p, true
	}
	for key, p := range r.providers {
		if key.capability == capability {
			return p, true
		}
	}
	return nil, false
}

func (r *ProviderRegistry) Capabilities() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]struct{}{}
	for key := range r.providers {
		seen[key.capability] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for capability := range seen {
		out = append(out, capability)
	}
	sort.Strings(out)
	return out
}

// planCapability maps a plan onto the capability and preferred mode that
// must serve it. The dispatcher never substitutes a different backend.
func planCapability(plan ToolPlan) (string, CapabilityMode) {
	switch plan.Kind {
	case PlanKindBridge:
		if plan.File != nil {
			return CapabilityBridgeFile, ModeBridge
		}
		return CapabilityBridgeExec, ModeBridge
	case PlanKindVirtualFS:
		return CapabilityVirtualFile, ModeScript
	case PlanKindBrowserSnapshot:
		return CapabilityBrowserSnap, ModeCDP
	case PlanKindBrowserAction:
		return CapabilityBrowserAction, ModeCDP
	case PlanKindBrowserVerify:
		return CapabilityBrowserVerify, ModeCDP
	default:
		return CapabilityLocal, ModeScript
	}
}
