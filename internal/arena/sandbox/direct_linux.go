//go:build linux

package sandbox

import (
	"context"
	"io"
	"os"
	"os/exec"

	"arena/pkg/utils/logger"

	"go.uber.org/zap"
)

// redirectScript opens the two pipes in a fixed order, stdin first, then
// replaces the shell with the program.
const redirectScript = `exec 0<"$1" 1>"$2"; shift 2; exec "$@"`

// directExecutor starts programs without isolation. Only limits enforced by
// the cgroup and the wall clock apply.
type directExecutor struct {
	cfg Config
}

func (e *directExecutor) Start(ctx context.Context, spec Spec) (Handle, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	cgroupPath, cleanup, err := prepareCgroup(e.cfg, spec)
	if err != nil {
		return nil, err
	}

	args := append([]string{"-c", redirectScript, "arena-exec", spec.StdinPath, spec.StdoutPath, spec.Program}, spec.Args...)
	cmd := exec.Command("/bin/sh", args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.SysProcAttr = buildSysProcAttr(false)
	cmd.Stderr = stderrOf(spec)

	h, err := startHandle(ctx, cmd, spec, cgroupPath, cleanup)
	if err != nil {
		return nil, err
	}
	logger.Debug(ctx, "program started",
		zap.Int("process_id", spec.ID), zap.String("name", spec.Name), zap.Int("pid", h.Pid()))
	return h, nil
}

func stderrOf(spec Spec) io.Writer {
	if spec.Stderr != nil {
		return spec.Stderr
	}
	return os.Stderr
}
