package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/floegence/webpilot-agent/internal/engine"
)

// ExecProvider serves shell execution plans.
type ExecProvider struct {
	Runner      *Runner
	AttachProbe bool
}

func (p *ExecProvider) Capability() string          { return engine.CapabilityBridgeExec }
func (p *ExecProvider) Mode() engine.CapabilityMode { return engine.ModeBridge }

func (p *ExecProvider) Invoke(ctx context.Context, input engine.StepInput) (map[string]any, error) {
	spec := input.Plan.Exec
	if spec == nil {
		return nil, &engine.ExecError{Code: engine.ErrCodeArgumentError, Details: "exec call without an exec spec"}
	}
	result, err := p.Runner.Run(ctx, spec.Command, spec.Cwd, time.Duration(spec.TimeoutMs)*time.Millisecond)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &engine.ExecError{
				Code:      engine.ErrCodeTimeout,
				Details:   fmt.Sprintf("command exceeded %dms", spec.TimeoutMs),
				Retryable: true,
			}
		}
		return nil, &engine.ExecError{Code: "SPAWN_FAILED", Details: err.Error()}
	}
	out := map[string]any{
		"stdout":      result.Stdout,
		"stderr":      result.Stderr,
		"exit_code":   result.ExitCode,
		"duration_ms": result.DurationMs,
		"truncated":   result.Truncated,
	}
	if p.AttachProbe {
		out["system"] = Probe(ctx)
	}
	return out, nil
}

// FileProvider serves host filesystem plans.
type FileProvider struct {
	Files *Files
}

func (p *FileProvider) Capability() string          { return engine.CapabilityBridgeFile }
func (p *FileProvider) Mode() engine.CapabilityMode { return engine.ModeBridge }

func (p *FileProvider) Invoke(ctx context.Context, input engine.StepInput) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	spec := input.Plan.File
	if spec == nil {
		return nil, &engine.ExecError{Code: engine.ErrCodeArgumentError, Details: "file call without a file spec"}
	}
	switch spec.Op {
	case "read":
		data, err := p.Files.Read(spec.Path)
		if err != nil {
			return nil, fileError(err)
		}
		return map[string]any{"path": spec.Path, "content": string(data), "size": len(data)}, nil
	case "write":
		if err := p.Files.Write(spec.Path, []byte(spec.Content)); err != nil {
			return nil, fileError(err)
		}
		return map[string]any{"path": spec.Path, "written": len(spec.Content)}, nil
	case "edit":
		if err := p.Files.Edit(spec.Path, spec.Find, spec.Replace); err != nil {
			return nil, fileError(err)
		}
		return map[string]any{"path": spec.Path, "edited": true}, nil
	default:
		return nil, &engine.ExecError{Code: engine.ErrCodeArgumentError, Details: fmt.Sprintf("unsupported file op %q", spec.Op)}
	}
}

func fileError(err error) error {
	if os.IsNotExist(err) {
		return &engine.ExecError{Code: "FILE_NOT_FOUND", Details: err.Error()}
	}
	return &engine.ExecError{Code: "FILE_ERROR", Details: err.Error()}
}
