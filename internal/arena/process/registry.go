package process

import (
	"context"
	"io"
	"sort"
	"strconv"
	"sync"

	"arena/internal/arena/sandbox"
	appErr "arena/pkg/errors"
	"arena/pkg/protocol/wire"
	"arena/pkg/utils/contextkey"
	"arena/pkg/utils/logger"

	"go.uber.org/zap"
)

// Resolver maps a process name to the program to run.
type Resolver func(kind Kind, name string) (program string, args []string, err error)

// Option configures a Registry.
type Option func(*Registry)

// WithAttach makes Start open the parent-side streams of every process it
// starts. Use it when the registry's owner talks to the processes itself.
func WithAttach() Option {
	return func(r *Registry) {
		r.attach = true
	}
}

// WithLimits sets the limits applied to algorithm processes.
func WithLimits(limits sandbox.Limits) Option {
	return func(r *Registry) {
		r.limits = limits
	}
}

// WithStderr sets where started processes write their standard error.
func WithStderr(w io.Writer) Option {
	return func(r *Registry) {
		r.stderr = w
	}
}

// WithEnv adds environment variables to every started process.
func WithEnv(env ...string) Option {
	return func(r *Registry) {
		r.env = append(r.env, env...)
	}
}

// WithFirstID sets the first id handed out.
func WithFirstID(id int) Option {
	return func(r *Registry) {
		r.nextID = id
	}
}

// Registry owns every process record of one evaluation. Ids are allocated in
// increasing order and never reused. Callers refer to processes by id only.
type Registry struct {
	dir     string
	exec    sandbox.Executor
	resolve Resolver
	attach  bool
	limits  sandbox.Limits
	stderr  io.Writer
	env     []string

	mu      sync.Mutex
	nextID  int
	records map[int]*record
}

// NewRegistry returns a registry whose pipes live in dir.
func NewRegistry(dir string, exec sandbox.Executor, resolve Resolver, opts ...Option) *Registry {
	r := &Registry{
		dir:     dir,
		exec:    exec,
		resolve: resolve,
		records: make(map[int]*record),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dir returns the sandbox directory.
func (r *Registry) Dir() string {
	return r.dir
}

// Create allocates the next id for a process running name and records it as
// Created. Nothing is started yet.
func (r *Registry) Create(ctx context.Context, kind Kind, name string) (int, error) {
	if name == "" {
		return 0, appErr.ValidationError("name", "required")
	}
	program, args, err := r.resolve(kind, name)
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.ProcessSpawnError, "resolve %s %q: %v", kind, name, err)
	}

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.records[id] = &record{id: id, kind: kind, name: name, program: program, args: args, status: StatusCreated}
	r.mu.Unlock()

	logger.Info(contextkey.WithProcess(ctx, id), "process created",
		zap.String("kind", kind.String()), zap.String("name", name), zap.String("program", program))
	return id, nil
}

// Start creates the pipes of a Created process, starts it with its standard
// streams bound to them and marks it Running. With WithAttach the parent-side
// streams are opened before Start returns.
func (r *Registry) Start(ctx context.Context, id int) (Status, error) {
	ctx = contextkey.WithProcess(ctx, id)

	r.mu.Lock()
	rec, err := r.liveLocked(id)
	if err != nil {
		r.mu.Unlock()
		return 0, err
	}
	if rec.status != StatusCreated {
		r.mu.Unlock()
		return rec.status, appErr.Newf(appErr.ProcessStateInvalid, "process %d is %s, not created", id, rec.status).WithProcess(id)
	}
	if rec.starting {
		r.mu.Unlock()
		return rec.status, appErr.Newf(appErr.ProcessStateInvalid, "process %d is already starting", id).WithProcess(id)
	}
	rec.starting = true
	spec := r.specLocked(rec)
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		rec.starting = false
		r.mu.Unlock()
	}()

	paths := PathsFor(r.dir, id)
	if err := MakePipes(paths); err != nil {
		return r.failStart(ctx, id, err)
	}
	h, err := r.exec.Start(ctx, spec)
	if err != nil {
		RemovePipes(paths)
		return r.failStart(ctx, id, err)
	}

	r.mu.Lock()
	rec.handle = h
	err = rec.setStatus(StatusRunning)
	r.mu.Unlock()
	if err != nil {
		// Stopped concurrently while starting.
		_ = h.Kill()
		return 0, appErr.UnknownProcess(id)
	}
	go r.watch(ctx, rec, h)

	logger.Info(ctx, "process started", zap.Int("pid", h.Pid()))

	if r.attach {
		if _, err := r.Attach(ctx, id); err != nil {
			_ = r.Fail(ctx, id, err)
			return StatusFailed, err
		}
	}
	return StatusRunning, nil
}

func (r *Registry) specLocked(rec *record) sandbox.Spec {
	paths := PathsFor(r.dir, rec.id)
	spec := sandbox.Spec{
		ID:         rec.id,
		Name:       rec.name,
		Program:    rec.program,
		Args:       rec.args,
		Dir:        r.dir,
		StdinPath:  paths.Downward,
		StdoutPath: paths.Upward,
		Stderr:     r.stderr,
		Env: append([]string{
			EnvSandboxDir + "=" + r.dir,
			EnvProcessID + "=" + strconv.Itoa(rec.id),
		}, r.env...),
	}
	if rec.kind == KindAlgorithm {
		spec.Limits = r.limits
		spec.Isolate = true
	}
	return spec
}

func (r *Registry) failStart(ctx context.Context, id int, err error) (Status, error) {
	logger.Error(ctx, "process start failed", zap.Error(err))
	r.markFailed(id, err)
	if !appErr.Is(err, appErr.ProcessSpawnError) {
		err = appErr.Wrapf(err, appErr.ProcessSpawnError, "start process %d: %v", id, err)
	}
	return StatusFailed, appErr.GetError(err).WithProcess(id)
}

// watch records a natural exit.
func (r *Registry) watch(ctx context.Context, rec *record, h sandbox.Handle) {
	exit := h.Wait()
	r.mu.Lock()
	rec.exit = &exit
	if rec.status == StatusRunning {
		_ = rec.setStatus(StatusStopped)
	}
	r.mu.Unlock()
	logger.Info(ctx, "process exited",
		zap.Int("exit_code", exit.Code), zap.String("signal", exit.Signal),
		zap.Float64("time", exit.Usage.ElapsedTime), zap.Int64("memory", exit.Usage.PeakMemory))
}

// Attach opens the parent-side streams of a Running process, once. It blocks
// until the child has opened its ends or exited.
func (r *Registry) Attach(ctx context.Context, id int) (*Streams, error) {
	r.mu.Lock()
	rec, err := r.liveLocked(id)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	if rec.status != StatusRunning {
		r.mu.Unlock()
		return nil, appErr.Newf(appErr.ProcessStateInvalid, "process %d is %s, not running", id, rec.status).WithProcess(id)
	}
	if rec.streams != nil {
		s := rec.streams
		r.mu.Unlock()
		return s, nil
	}
	h := rec.handle
	r.mu.Unlock()

	alive := func() bool {
		select {
		case <-h.Done():
			return false
		default:
			return true
		}
	}
	streams, err := OpenStreams(ctx, PathsFor(r.dir, id), alive)
	if err != nil {
		return nil, appErr.GetError(err).WithProcess(id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rec.status.Terminal() {
		_ = streams.Close()
		return nil, appErr.UnknownProcess(id)
	}
	rec.streams = streams
	return streams, nil
}

// Streams returns the attached streams of a Running process.
func (r *Registry) Streams(id int) (*Streams, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.liveLocked(id)
	if err != nil {
		return nil, err
	}
	if rec.streams == nil {
		return nil, appErr.Newf(appErr.ProcessStateInvalid, "process %d has no attached streams", id).WithProcess(id)
	}
	return rec.streams, nil
}

// Status returns the current status of id. Terminated processes keep
// reporting their final status.
func (r *Registry) Status(id int) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return 0, appErr.UnknownProcess(id)
	}
	return rec.status, nil
}

// Stop kills the process, closes its attached streams and marks it Stopped.
// Stopping an unknown or already terminated process fails.
func (r *Registry) Stop(ctx context.Context, id int) (Status, error) {
	r.mu.Lock()
	rec, err := r.liveLocked(id)
	if err != nil {
		r.mu.Unlock()
		return 0, err
	}
	_ = rec.setStatus(StatusStopped)
	h, streams := rec.handle, rec.streams
	r.mu.Unlock()

	r.release(ctx, id, h, streams)
	logger.Info(contextkey.WithProcess(ctx, id), "process stopped")
	return StatusStopped, nil
}

// Fail marks a process Failed after an I/O or protocol failure on its pair
// and kills it.
func (r *Registry) Fail(ctx context.Context, id int, cause error) error {
	r.mu.Lock()
	rec, err := r.liveLocked(id)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	_ = rec.setStatus(StatusFailed)
	rec.cause = cause
	h, streams := rec.handle, rec.streams
	r.mu.Unlock()

	r.release(ctx, id, h, streams)
	logger.Warn(contextkey.WithProcess(ctx, id), "process failed", zap.Error(cause))
	return nil
}

func (r *Registry) markFailed(id int, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[id]; ok && !rec.status.Terminal() {
		_ = rec.setStatus(StatusFailed)
		rec.cause = cause
	}
}

func (r *Registry) release(ctx context.Context, id int, h sandbox.Handle, streams *Streams) {
	if h != nil {
		if err := h.Kill(); err != nil {
			logger.Warn(contextkey.WithProcess(ctx, id), "kill failed", zap.Error(err))
		}
	}
	if streams != nil {
		_ = streams.Close()
	}
	if h != nil {
		RemovePipes(PathsFor(r.dir, id))
	}
}

// Usage reports the resources consumed by a started process, final usage
// once it has exited.
func (r *Registry) Usage(id int) (wire.ResourceUsage, error) {
	r.mu.Lock()
	rec, ok := r.records[id]
	var h sandbox.Handle
	if ok {
		h = rec.handle
	}
	r.mu.Unlock()
	if !ok {
		return wire.ResourceUsage{}, appErr.UnknownProcess(id)
	}
	if h == nil {
		return wire.ResourceUsage{}, appErr.Newf(appErr.ProcessStateInvalid, "process %d was never started", id).WithProcess(id)
	}
	return h.Usage(), nil
}

// Wait blocks until a started process exits or ctx ends.
func (r *Registry) Wait(ctx context.Context, id int) (sandbox.Exit, error) {
	r.mu.Lock()
	rec, ok := r.records[id]
	var h sandbox.Handle
	if ok {
		h = rec.handle
	}
	r.mu.Unlock()
	if !ok {
		return sandbox.Exit{}, appErr.UnknownProcess(id)
	}
	if h == nil {
		return sandbox.Exit{}, appErr.Newf(appErr.ProcessStateInvalid, "process %d was never started", id).WithProcess(id)
	}
	select {
	case <-h.Done():
		return h.Wait(), nil
	case <-ctx.Done():
		return sandbox.Exit{}, appErr.Wrapf(ctx.Err(), appErr.Timeout, "wait for process %d: %v", id, ctx.Err()).WithProcess(id)
	}
}

// Info returns a snapshot of one record.
func (r *Registry) Info(id int) (Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return Info{}, appErr.UnknownProcess(id)
	}
	return rec.info(), nil
}

// List returns snapshots of every record, by id.
func (r *Registry) List() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close stops every process that is still live and waits for them to be
// reaped.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	var ids []int
	for id, rec := range r.records {
		if !rec.status.Terminal() {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()
	sort.Ints(ids)

	var firstErr error
	for _, id := range ids {
		if _, err := r.Stop(ctx, id); err != nil && !appErr.Is(err, appErr.UnknownProcessError) && firstErr == nil {
			firstErr = err
		}
	}
	for _, id := range ids {
		if _, err := r.Wait(ctx, id); err != nil && !appErr.Is(err, appErr.ProcessStateInvalid) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// liveLocked returns a record that has not terminated.
func (r *Registry) liveLocked(id int) (*record, error) {
	rec, ok := r.records[id]
	if !ok || rec.status.Terminal() {
		return nil, appErr.UnknownProcess(id)
	}
	return rec, nil
}
