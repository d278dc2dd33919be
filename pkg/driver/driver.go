// Package driver is the runtime linked into driver programs. A driver talks
// to the supervisor over its standard streams to create and stop algorithm
// processes, then calls into each algorithm directly over the process's own
// pipe pair.
package driver

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"arena/internal/arena/control"
	"arena/internal/arena/process"
	appErr "arena/pkg/errors"
	"arena/pkg/protocol/call"
	"arena/pkg/protocol/phase"
	"arena/pkg/protocol/wire"
	"arena/pkg/utils/contextkey"
	"arena/pkg/utils/logger"

	"go.uber.org/zap"
)

// Driver owns the control channel and the algorithm processes started
// through it.
type Driver struct {
	ctl     *control.Client
	dir     string
	timeout time.Duration

	mu    sync.Mutex
	procs map[int]*Process
}

// Option configures a Driver.
type Option func(*Driver)

// WithTimeout bounds every read on an algorithm's upward stream.
func WithTimeout(d time.Duration) Option {
	return func(drv *Driver) {
		drv.timeout = d
	}
}

// New returns a driver using ctl whose processes live in the sandbox
// directory dir.
func New(ctl *control.Client, dir string, opts ...Option) *Driver {
	d := &Driver{ctl: ctl, dir: dir, procs: make(map[int]*Process)}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Connect builds the driver of the current process from its environment:
// the sandbox directory comes from ARENA_SANDBOX_DIR and the control channel
// is standard input and output.
func Connect() (*Driver, error) {
	dir := os.Getenv(process.EnvSandboxDir)
	if dir == "" {
		return nil, appErr.Newf(appErr.ConfigInvalid, "%s is not set", process.EnvSandboxDir)
	}
	var opts []Option
	if v := os.Getenv(process.EnvIOTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.ConfigInvalid, "invalid %s %q", process.EnvIOTimeout, v)
		}
		opts = append(opts, WithTimeout(d))
	}
	conn := wire.NewConn(os.Stdin, os.Stdout, wire.WithClosers(os.Stdout))
	return New(control.NewClient(conn), dir, opts...), nil
}

// Dir returns the sandbox directory.
func (d *Driver) Dir() string {
	return d.dir
}

// Start creates and starts the algorithm name and opens its pipe pair.
func (d *Driver) Start(ctx context.Context, name string) (*Process, error) {
	id, err := d.ctl.CreateProcess(ctx, name)
	if err != nil {
		return nil, err
	}
	ctx = contextkey.WithProcess(ctx, id)
	if _, err := d.ctl.StartProcess(ctx, id); err != nil {
		return nil, err
	}

	alive := func() bool {
		st, err := d.ctl.ProcessStatus(ctx, id)
		return err == nil && st == process.StatusRunning
	}
	streams, err := process.OpenStreams(ctx, process.PathsFor(d.dir, id), alive)
	if err != nil {
		if _, serr := d.ctl.StopProcess(ctx, id); serr != nil {
			logger.Debug(ctx, "stop after failed open", zap.Error(serr))
		}
		return nil, appErr.GetError(err).WithProcess(id)
	}

	var opts []wire.Option
	if d.timeout > 0 {
		opts = append(opts, wire.WithTimeout(d.timeout))
	}
	p := &Process{
		ID:      id,
		Name:    name,
		drv:     d,
		streams: streams,
		client:  call.NewClient(id, streams.Conn(opts...)),
		machine: phase.New(id),
	}
	p.client.Track(p.machine)
	d.mu.Lock()
	d.procs[id] = p
	d.mu.Unlock()

	logger.Info(ctx, "algorithm started", zap.String("name", name))
	return p, nil
}

func (d *Driver) forget(id int) {
	d.mu.Lock()
	delete(d.procs, id)
	d.mu.Unlock()
}

// ReadFile is a read-only file exposed to the algorithms.
type ReadFile struct {
	ID int
	// Path is the file's location inside the sandbox directory.
	Path string
}

// OpenReadFile makes the read file name available in the sandbox directory.
func (d *Driver) OpenReadFile(ctx context.Context, name string) (ReadFile, error) {
	id, err := d.ctl.OpenReadFile(ctx, name)
	if err != nil {
		return ReadFile{}, err
	}
	return ReadFile{ID: id, Path: filepath.Join(d.dir, process.ReadFileName(id))}, nil
}

// CloseReadFile removes a read file from the sandbox directory.
func (d *Driver) CloseReadFile(ctx context.Context, f ReadFile) error {
	return d.ctl.CloseReadFile(ctx, f.ID)
}

// Close ends every algorithm still open, then closes the control channel.
func (d *Driver) Close(ctx context.Context) error {
	d.mu.Lock()
	ids := make([]int, 0, len(d.procs))
	for id := range d.procs {
		ids = append(ids, id)
	}
	d.mu.Unlock()
	sort.Ints(ids)

	for _, id := range ids {
		d.mu.Lock()
		p := d.procs[id]
		d.mu.Unlock()
		if p == nil {
			continue
		}
		if err := p.Exit(ctx); err != nil {
			logger.Warn(contextkey.WithProcess(ctx, id), "exit on close failed", zap.Error(err))
		}
	}
	return d.ctl.Close()
}
