package engine

import (
	"context"
	"fmt"
	"time"
)

// LocalProvider serves plans that never leave the process, currently only
// bounded waits.
type LocalProvider struct{}

func (LocalProvider) Capability() string   { return CapabilityLocal }
func (LocalProvider) Mode() CapabilityMode { return ModeScript }

func (LocalProvider) Invoke(ctx context.Context, input StepInput) (map[string]any, error) {
	spec := input.Plan.Local
	if spec == nil {
		return nil, &ExecError{Code: ErrCodeArgumentError, Details: "local call without a spec"}
	}
	switch spec.Op {
	case "wait":
		if err := sleepCtx(ctx, time.Duration(spec.WaitMs)*time.Millisecond); err != nil {
			return nil, &ExecError{Code: ErrCodeCanceled, Details: "wait interrupted"}
		}
		return map[string]any{"waited_ms": spec.WaitMs}, nil
	default:
		return nil, &ExecError{Code: ErrCodeArgumentError, Details: fmt.Sprintf("unsupported local op %q", spec.Op)}
	}
}
