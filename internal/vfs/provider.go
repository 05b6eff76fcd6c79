package vfs

import (
	"context"
	"fmt"

	"github.com/floegence/webpilot-agent/internal/engine"
)

// Provider exposes the store as the engine's virtual-filesystem capability.
type Provider struct {
	Store *Store
}

func (p *Provider) Capability() string          { return engine.CapabilityVirtualFile }
func (p *Provider) Mode() engine.CapabilityMode { return engine.ModeScript }

func (p *Provider) Invoke(ctx context.Context, input engine.StepInput) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	spec := input.Plan.File
	if spec == nil {
		return nil, &engine.ExecError{Code: engine.ErrCodeArgumentError, Details: "virtual filesystem call without a file spec"}
	}
	switch spec.Op {
	case "read":
		data, err := p.Store.Read(spec.Path)
		if err != nil {
			return nil, &engine.ExecError{Code: "FILE_NOT_FOUND", Details: err.Error()}
		}
		return map[string]any{"path": spec.Path, "content": string(data), "size": len(data)}, nil
	case "write":
		if err := p.Store.Write(spec.Path, []byte(spec.Content)); err != nil {
			return nil, &engine.ExecError{Code: engine.ErrCodeArgumentError, Details: err.Error()}
		}
		return map[string]any{"path": spec.Path, "written": len(spec.Content)}, nil
	case "edit":
		if err := p.Store.Edit(spec.Path, spec.Find, spec.Replace); err != nil {
			return nil, &engine.ExecError{Code: "EDIT_FAILED", Details: err.Error()}
		}
		return map[string]any{"path": spec.Path, "edited": true}, nil
	case "delete":
		if err := p.Store.Delete(spec.Path); err != nil {
			return nil, &engine.ExecError{Code: "FILE_NOT_FOUND", Details: err.Error()}
		}
		return map[string]any{"path": spec.Path, "deleted": true}, nil
	case "list":
		return map[string]any{"paths": p.Store.List(spec.Path)}, nil
	default:
		return nil, &engine.ExecError{Code: engine.ErrCodeArgumentError, Details: fmt.Sprintf("unsupported file op %q", spec.Op)}
	}
}
