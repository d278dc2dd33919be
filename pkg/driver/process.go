package driver

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"arena/internal/arena/process"
	"arena/internal/arena/sandbox"
	appErr "arena/pkg/errors"
	"arena/pkg/protocol/call"
	"arena/pkg/protocol/phase"
	"arena/pkg/protocol/wire"
	"arena/pkg/utils/contextkey"
	"arena/pkg/utils/logger"

	"go.uber.org/zap"
)

// Process is a started algorithm as seen from the driver.
type Process struct {
	ID   int
	Name string

	drv     *Driver
	streams *process.Streams
	client  *call.Client
	machine *phase.Machine
	stopped atomic.Bool

	closeOnce sync.Once
}

// Call invokes a function of the algorithm. A fatal failure stops the
// process; a judged failure such as a runtime error is returned as is, and
// so is an algorithm that died during the call.
func (p *Process) Call(ctx context.Context, req call.Request) (call.Result, error) {
	res, err := p.client.Call(ctx, req)
	return res, p.check(ctx, err)
}

// Checkpoint confirms the pair is in sync.
func (p *Process) Checkpoint(ctx context.Context) error {
	return p.check(ctx, p.client.Checkpoint(ctx))
}

// Wait asks the algorithm for the resources it has used so far.
func (p *Process) Wait(ctx context.Context) (wire.ResourceUsage, error) {
	u, err := p.client.Wait(ctx, false)
	return u, p.check(ctx, err)
}

// Kill asks the algorithm for its final usage and makes it exit.
func (p *Process) Kill(ctx context.Context) (wire.ResourceUsage, error) {
	u, err := p.client.Wait(ctx, true)
	if err != nil {
		if err = p.check(ctx, err); !appErr.IsFatal(err) {
			p.abort(ctx, err)
		}
		return u, err
	}
	p.release()
	return u, nil
}

// Exit ends the session with the algorithm. It is the last message on the
// pair.
func (p *Process) Exit(ctx context.Context) error {
	err := p.client.Exit(ctx)
	p.release()
	return err
}

// Stop asks the supervisor to kill the algorithm.
func (p *Process) Stop(ctx context.Context) (process.Status, error) {
	p.stopped.Store(true)
	st, err := p.drv.ctl.StopProcess(ctx, p.ID)
	p.release()
	return st, err
}

// Status asks the supervisor for the process status.
func (p *Process) Status(ctx context.Context) (process.Status, error) {
	return p.drv.ctl.ProcessStatus(ctx, p.ID)
}

// Usage asks the supervisor for the usage it measured. Unlike Wait it does
// not touch the pair.
func (p *Process) Usage(ctx context.Context) (wire.ResourceUsage, error) {
	return p.drv.ctl.ProcessUsage(ctx, p.ID)
}

// Machine returns the phase machine of this pair. Its cursors follow every
// request and reply exchanged through Call, Checkpoint and Wait.
func (p *Process) Machine() *phase.Machine {
	return p.machine
}

// Budget bounds a section. Zero fields are not checked.
type Budget struct {
	Time time.Duration
	// Memory is in bytes.
	Memory int64
}

// Section runs fn and measures what the algorithm consumed meanwhile. The
// pair is checkpointed first so that the measurement starts in sync. Going
// over budget is reported as TimeLimitExceeded or MemoryLimitExceeded with
// the measured usage attached.
func (p *Process) Section(ctx context.Context, budget Budget, fn func(ctx context.Context) error) (wire.ResourceUsage, error) {
	if err := p.Checkpoint(ctx); err != nil {
		return wire.ResourceUsage{}, err
	}
	before, err := p.Wait(ctx)
	if err != nil {
		return wire.ResourceUsage{}, err
	}
	if err := fn(ctx); err != nil {
		return wire.ResourceUsage{}, err
	}
	after, err := p.Wait(ctx)
	if err != nil {
		return wire.ResourceUsage{}, err
	}

	used := wire.ResourceUsage{
		ElapsedTime: after.ElapsedTime - before.ElapsedTime,
		PeakMemory:  after.PeakMemory,
	}
	if used.ElapsedTime < 0 {
		used.ElapsedTime = 0
	}
	if budget.Time > 0 && used.ElapsedTime > budget.Time.Seconds() {
		return used, appErr.Newf(appErr.TimeLimitExceeded, "section used %.3fs of %s", used.ElapsedTime, budget.Time).
			WithProcess(p.ID).WithDetail("usage", used)
	}
	if budget.Memory > 0 && used.PeakMemory > budget.Memory {
		return used, appErr.Newf(appErr.MemoryLimitExceeded, "section peaked at %d of %d bytes", used.PeakMemory, budget.Memory).
			WithProcess(p.ID).WithDetail("usage", used)
	}
	return used, nil
}

// exitQueryTimeout bounds the supervisor query made after the pair broke.
const exitQueryTimeout = 3 * time.Second

// check stops the process after a fatal failure. A pair that broke because
// the algorithm died on its own is judged on how it died instead.
func (p *Process) check(ctx context.Context, err error) error {
	if err == nil || !appErr.IsFatal(err) {
		return err
	}
	if (appErr.Is(err, appErr.ProcessIOError) || appErr.Is(err, appErr.Timeout)) && !p.stopped.Load() {
		qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), exitQueryTimeout)
		ex, qerr := p.drv.ctl.ProcessExit(qctx, p.ID)
		cancel()
		if qerr == nil {
			judged := exitError(ex, err).WithProcess(p.ID)
			logger.Info(contextkey.WithProcess(ctx, p.ID), "algorithm died",
				zap.Int("exit_code", ex.Code), zap.String("signal", ex.Signal), zap.Error(judged))
			p.release()
			return judged
		}
		logger.Debug(contextkey.WithProcess(ctx, p.ID), "no exit status for broken pair", zap.Error(qerr))
	}
	p.abort(ctx, err)
	return err
}

// exitError classifies how an algorithm ended on its own.
func exitError(ex sandbox.Exit, cause error) *appErr.Error {
	var e *appErr.Error
	switch {
	case ex.TimedOut || ex.Signal == "SIGXCPU":
		e = appErr.Wrapf(cause, appErr.TimeLimitExceeded, "algorithm ran out of time")
	case ex.OOMKilled:
		e = appErr.Wrapf(cause, appErr.MemoryLimitExceeded, "algorithm ran out of memory")
	case ex.Signal != "":
		e = appErr.Wrapf(cause, appErr.AlgorithmRuntimeError, "algorithm killed by %s", ex.Signal)
	default:
		e = appErr.Wrapf(cause, appErr.AlgorithmRuntimeError, "algorithm exited with code %d", ex.Code)
	}
	return e.WithDetail("exit_code", ex.Code).WithDetail("usage", ex.Usage)
}

func (p *Process) abort(ctx context.Context, cause error) {
	ctx = contextkey.WithProcess(ctx, p.ID)
	logger.Warn(ctx, "stopping algorithm after failure", zap.Error(cause))
	if _, err := p.drv.ctl.StopProcess(ctx, p.ID); err != nil && !appErr.Is(err, appErr.UnknownProcessError) {
		logger.Warn(ctx, "stop failed", zap.Error(err))
	}
	p.release()
}

func (p *Process) release() {
	p.closeOnce.Do(func() {
		_ = p.streams.Close()
		p.drv.forget(p.ID)
	})
}
