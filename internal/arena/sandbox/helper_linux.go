//go:build linux

package sandbox

import (
	"context"
	"encoding/json"
	"io"
	"os/exec"

	"arena/pkg/utils/logger"

	"go.uber.org/zap"
)

// helperExecutor starts programs through the arena-sandbox helper, which
// applies rlimits, namespaces and the seccomp filter before exec.
type helperExecutor struct {
	cfg Config
}

func (e *helperExecutor) Start(ctx context.Context, spec Spec) (Handle, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	cgroupPath, cleanup, err := prepareCgroup(e.cfg, spec)
	if err != nil {
		return nil, err
	}

	req := InitRequest{
		Program:        spec.Program,
		Args:           spec.Args,
		Dir:            spec.Dir,
		StdinPath:      spec.StdinPath,
		StdoutPath:     spec.StdoutPath,
		Env:            spec.Env,
		Limits:         spec.Limits,
		SeccompProfile: e.cfg.SeccompProfile,
		EnableSeccomp:  e.cfg.EnableSeccomp && spec.Isolate,
		EnableNs:       e.cfg.EnableNamespaces && spec.Isolate,
	}

	cmd := exec.Command(e.cfg.HelperPath)
	cmd.SysProcAttr = buildSysProcAttr(req.EnableNs)
	cmd.Stdin = jsonToPipe(req)
	cmd.Stderr = stderrOf(spec)

	h, err := startHandle(ctx, cmd, spec, cgroupPath, cleanup)
	if err != nil {
		return nil, err
	}
	logger.Debug(ctx, "program started in sandbox",
		zap.Int("process_id", spec.ID), zap.String("name", spec.Name), zap.Int("pid", h.Pid()),
		zap.Bool("seccomp", req.EnableSeccomp), zap.Bool("namespaces", req.EnableNs))
	return h, nil
}

func jsonToPipe(req InitRequest) io.Reader {
	reader, writer := io.Pipe()
	go func() {
		err := json.NewEncoder(writer).Encode(req)
		_ = writer.CloseWithError(err)
	}()
	return reader
}
