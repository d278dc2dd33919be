//go:build !linux

package sandbox

import (
	"context"

	appErr "arena/pkg/errors"
	"arena/pkg/protocol/wire"
)

type stubExecutor struct{}

// NewExecutor returns an executor that always fails: named pipes and process
// groups are only supported on linux.
func NewExecutor(cfg Config) Executor {
	return stubExecutor{}
}

func (stubExecutor) Start(ctx context.Context, spec Spec) (Handle, error) {
	return nil, appErr.New(appErr.ProcessSpawnError).WithMessage("sandbox is only supported on linux").WithProcess(spec.ID)
}

// SelfUsage is not available on this platform.
func SelfUsage() wire.ResourceUsage {
	return wire.ResourceUsage{}
}
