//go:build linux

package sandbox

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	appErr "arena/pkg/errors"
	"arena/pkg/protocol/wire"
	"arena/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// NewExecutor returns the helper executor when cfg names a helper binary and
// the direct executor otherwise.
func NewExecutor(cfg Config) Executor {
	if cfg.HelperPath == "" {
		return &directExecutor{cfg: cfg}
	}
	return &helperExecutor{cfg: cfg}
}

type handle struct {
	name       string
	cmd        *exec.Cmd
	cgroupPath string
	cleanup    func()

	done     chan struct{}
	exit     Exit
	timedOut atomic.Bool

	mu   sync.Mutex
	last wire.ResourceUsage
}

func startHandle(ctx context.Context, cmd *exec.Cmd, spec Spec, cgroupPath string, cleanup func()) (*handle, error) {
	if err := cmd.Start(); err != nil {
		cleanup()
		return nil, appErr.Wrapf(err, appErr.ProcessSpawnError, "start %s: %v", spec.Name, err).WithProcess(spec.ID)
	}
	h := &handle{
		name:       spec.Name,
		cmd:        cmd,
		cgroupPath: cgroupPath,
		cleanup:    cleanup,
		done:       make(chan struct{}),
	}
	if cgroupPath != "" {
		if err := addProcessToCgroup(cgroupPath, cmd.Process.Pid); err != nil {
			logger.Warn(ctx, "add process to cgroup failed", zap.String("cgroup", cgroupPath), zap.Error(err))
		}
	}
	go h.reap(ctx, durationFromMs(spec.Limits.WallTimeMs))
	return h, nil
}

func (h *handle) reap(ctx context.Context, wallLimit time.Duration) {
	if wallLimit > 0 {
		timer := time.NewTimer(wallLimit)
		defer timer.Stop()
		go func() {
			select {
			case <-timer.C:
				h.timedOut.Store(true)
				logger.Warn(ctx, "wall time limit exceeded", zap.String("name", h.name), zap.Duration("limit", wallLimit))
				_ = h.Kill()
			case <-h.done:
			}
		}()
	}

	waitErr := h.cmd.Wait()
	state := h.cmd.ProcessState
	h.exit = Exit{
		Code:      exitCodeFromErr(waitErr, state),
		Signal:    signalName(state),
		Usage:     h.finalUsage(state),
		OOMKilled: wasOomKilled(h.cgroupPath),
		TimedOut:  h.timedOut.Load(),
	}
	h.cleanup()
	close(h.done)
}

func (h *handle) Pid() int {
	return h.cmd.Process.Pid
}

func (h *handle) Done() <-chan struct{} {
	return h.done
}

func (h *handle) Wait() Exit {
	<-h.done
	return h.exit
}

func (h *handle) Kill() error {
	select {
	case <-h.done:
		return nil
	default:
	}
	if h.cgroupPath != "" {
		_ = killCgroup(h.cgroupPath)
	}
	return killProcessGroup(h.Pid())
}

func (h *handle) Usage() wire.ResourceUsage {
	select {
	case <-h.done:
		return h.exit.Usage
	default:
	}
	var (
		usage wire.ResourceUsage
		err   error
	)
	if h.cgroupPath != "" {
		usage, err = cgroupUsage(h.cgroupPath)
	} else {
		usage, err = procUsage(h.Pid())
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		return h.last
	}
	h.last = usage
	return usage
}

func (h *handle) finalUsage(state *os.ProcessState) wire.ResourceUsage {
	usage := wire.ResourceUsage{}
	if state != nil {
		if ru, ok := state.SysUsage().(*syscall.Rusage); ok {
			usage = fromRusage(ru.Utime.Nano()+ru.Stime.Nano(), int64(ru.Maxrss))
		}
	}
	if peak := memoryPeakBytes(h.cgroupPath); peak > usage.PeakMemory {
		usage.PeakMemory = peak
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.last.ElapsedTime > usage.ElapsedTime {
		usage.ElapsedTime = h.last.ElapsedTime
	}
	if h.last.PeakMemory > usage.PeakMemory {
		usage.PeakMemory = h.last.PeakMemory
	}
	return usage
}

func exitCodeFromErr(err error, state *os.ProcessState) int {
	if state != nil {
		return state.ExitCode()
	}
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func signalName(state *os.ProcessState) string {
	if state == nil {
		return ""
	}
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return ""
	}
	return unix.SignalName(ws.Signal())
}

func killProcessGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

func buildSysProcAttr(enableNamespaces bool) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if !enableNamespaces {
		return attr
	}

	attr.Cloneflags = uintptr(syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWUTS |
		syscall.CLONE_NEWIPC | syscall.CLONE_NEWNET | syscall.CLONE_NEWUSER)
	attr.GidMappingsEnableSetgroups = false
	attr.UidMappings = []syscall.SysProcIDMap{{
		ContainerID: 0,
		HostID:      os.Getuid(),
		Size:        1,
	}}
	attr.GidMappings = []syscall.SysProcIDMap{{
		ContainerID: 0,
		HostID:      os.Getgid(),
		Size:        1,
	}}
	return attr
}

func durationFromMs(ms int64) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

func prepareCgroup(cfg Config, spec Spec) (string, func(), error) {
	if !cfg.EnableCgroup {
		return "", func() {}, nil
	}
	path, cleanup, err := createCgroup(cfg.CgroupRoot, spec.Name, spec.ID)
	if err != nil {
		return "", func() {}, appErr.Wrapf(err, appErr.ProcessSpawnError, "create cgroup: %v", err).WithProcess(spec.ID)
	}
	if err := applyCgroupLimits(path, spec.Limits); err != nil {
		cleanup()
		return "", func() {}, appErr.Wrapf(err, appErr.ProcessSpawnError, "apply cgroup limits: %v", err).WithProcess(spec.ID)
	}
	return path, cleanup, nil
}
