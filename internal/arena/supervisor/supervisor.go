// Package supervisor runs one evaluation: it starts the driver with its
// standard streams bound to the control pipes, answers the driver's control
// requests until it finishes and reports the outcome.
package supervisor

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"arena/internal/arena/control"
	"arena/internal/arena/process"
	"arena/internal/arena/sandbox"
	"arena/internal/arena/storage"
	"arena/internal/arena/transcript"
	"arena/pkg/driver"
	appErr "arena/pkg/errors"
	"arena/pkg/protocol/wire"
	"arena/pkg/utils/contextkey"
	"arena/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config holds evaluation settings.
type Config struct {
	WorkRoot      string         `yaml:"workRoot"`
	AlgorithmsDir string         `yaml:"algorithmsDir"`
	ReadFilesDir  string         `yaml:"readFilesDir"`
	KeepWorkDir   bool           `yaml:"keepWorkDir"`
	IOTimeout     time.Duration  `yaml:"ioTimeout"`
	Transcript    bool           `yaml:"transcript"`
	LogLevel      string         `yaml:"-"`
	Limits        sandbox.Limits `yaml:"-"`
}

// Outcome is the report of one evaluation.
type Outcome struct {
	EvaluationID string             `json:"evaluation_id"`
	Driver       string             `json:"driver"`
	Verdict      driver.Verdict     `json:"verdict"`
	ExitCode     int                `json:"exit_code"`
	Signal       string             `json:"signal,omitempty"`
	Error        string             `json:"error,omitempty"`
	Requests     int                `json:"control_requests"`
	Processes    []process.Info     `json:"processes"`
	Transcript   string             `json:"transcript,omitempty"`
	StartedAt    time.Time          `json:"started_at"`
	Duration     float64            `json:"duration"`
	DriverUsage  wire.ResourceUsage `json:"driver_usage"`
}

// Supervisor runs evaluations.
type Supervisor struct {
	cfg     Config
	exec    sandbox.Executor
	resolve process.Resolver
	stderr  io.Writer
	objects *storage.MinIOStorage
	packKey string
	prefix  string
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithResolver replaces the default directory resolver.
func WithResolver(r process.Resolver) Option {
	return func(s *Supervisor) {
		s.resolve = r
	}
}

// WithStderr sets where driver and algorithm stderr goes.
func WithStderr(w io.Writer) Option {
	return func(s *Supervisor) {
		s.stderr = w
	}
}

// WithObjectStorage fetches the read-file pack packKey before each evaluation
// and uploads transcripts under prefix. Empty values disable either step.
func WithObjectStorage(objects *storage.MinIOStorage, packKey, prefix string) Option {
	return func(s *Supervisor) {
		s.objects = objects
		s.packKey = packKey
		s.prefix = prefix
	}
}

// New returns a supervisor starting programs with exec.
func New(cfg Config, exec sandbox.Executor, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:     cfg,
		exec:    exec,
		resolve: DirResolver(cfg.AlgorithmsDir),
		stderr:  os.Stderr,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run evaluates with the given driver program. The returned error is set
// when the evaluation could not be carried out; failures of the driver or its
// algorithms are reported in the outcome.
func (s *Supervisor) Run(ctx context.Context, driverName string) (*Outcome, error) {
	evalID := uuid.NewString()
	ctx = contextkey.WithEvaluation(ctx, evalID)
	out := &Outcome{EvaluationID: evalID, Driver: driverName, Verdict: driver.SystemError, StartedAt: time.Now()}
	defer func() {
		out.Duration = time.Since(out.StartedAt).Seconds()
	}()

	workDir := filepath.Join(s.cfg.WorkRoot, evalID)
	sandboxDir := filepath.Join(workDir, "sandbox")
	if err := os.MkdirAll(sandboxDir, 0755); err != nil {
		return s.fail(out, appErr.Wrapf(err, appErr.ProcessSpawnError, "create sandbox dir: %v", err))
	}
	if !s.cfg.KeepWorkDir {
		defer func() {
			if err := os.RemoveAll(workDir); err != nil {
				logger.Warn(ctx, "remove work dir failed", zap.String("dir", workDir), zap.Error(err))
			}
		}()
	}

	source, err := s.readFileSource(ctx, workDir)
	if err != nil {
		return s.fail(out, err)
	}

	var tap *transcript.Writer
	if s.cfg.Transcript {
		tap, err = transcript.Create(filepath.Join(workDir, transcript.FileName))
		if err != nil {
			return s.fail(out, err)
		}
		defer func() {
			s.finishTranscript(ctx, tap, out)
		}()
	}

	reg := process.NewRegistry(sandboxDir, s.exec, s.resolve,
		process.WithLimits(s.cfg.Limits), process.WithStderr(s.stderr), process.WithEnv(s.childEnv()...))
	files := control.NewReadFiles(sandboxDir, source)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := reg.Close(closeCtx); err != nil {
			logger.Warn(ctx, "stop remaining processes failed", zap.Error(err))
		}
		files.CloseAll(closeCtx)
		out.Processes = reg.List()
	}()

	logger.Info(ctx, "evaluation started", zap.String("driver", driverName), zap.String("work_dir", workDir))
	driverID, err := reg.Create(ctx, process.KindDriver, driverName)
	if err != nil {
		return s.fail(out, err)
	}
	if _, err := reg.Start(ctx, driverID); err != nil {
		return s.fail(out, err)
	}
	streams, err := reg.Attach(ctx, driverID)
	if err != nil {
		_ = reg.Fail(ctx, driverID, err)
		return s.fail(out, err)
	}
	var opts []wire.Option
	if tap != nil {
		opts = append(opts, wire.WithTap(tap))
	}
	conn := streams.Conn(opts...)

	// Cancelling the evaluation stops the driver, which ends Serve.
	stopOnCancel := context.AfterFunc(ctx, func() {
		_, _ = reg.Stop(context.WithoutCancel(ctx), driverID)
	})
	defer stopOnCancel()

	srv := control.NewServer(reg, files)
	serveErr := srv.Serve(ctx, conn)
	out.Requests = srv.Requests()
	if serveErr != nil {
		logger.Error(ctx, "control channel failed", zap.Error(serveErr))
		_ = reg.Fail(ctx, driverID, serveErr)
	}

	exit, err := reg.Wait(ctx, driverID)
	if err != nil {
		return s.fail(out, err)
	}
	out.ExitCode = exit.Code
	out.Signal = exit.Signal
	out.DriverUsage = exit.Usage
	switch {
	case serveErr != nil:
		out.Error = serveErr.Error()
	case ctx.Err() != nil:
		out.Error = ctx.Err().Error()
	case exit.Signal == "":
		out.Verdict = driver.VerdictFromExit(exit.Code)
	}
	logger.Info(ctx, "evaluation finished",
		zap.String("verdict", string(out.Verdict)), zap.Int("exit_code", exit.Code),
		zap.Int("requests", out.Requests))
	if ctx.Err() != nil {
		return out, appErr.Wrapf(ctx.Err(), appErr.Timeout, "evaluation interrupted")
	}
	return out, nil
}

func (s *Supervisor) fail(out *Outcome, err error) (*Outcome, error) {
	out.Verdict = driver.SystemError
	out.Error = err.Error()
	return out, err
}

func (s *Supervisor) childEnv() []string {
	var env []string
	if s.cfg.LogLevel != "" {
		env = append(env, process.EnvLogLevel+"="+s.cfg.LogLevel)
	}
	if s.cfg.IOTimeout > 0 {
		env = append(env, process.EnvIOTimeout+"="+s.cfg.IOTimeout.String())
	}
	return env
}

func (s *Supervisor) readFileSource(ctx context.Context, workDir string) (storage.Source, error) {
	if s.objects == nil || s.packKey == "" {
		return storage.DirSource{Root: s.cfg.ReadFilesDir}, nil
	}
	dir := filepath.Join(workDir, "read_files")
	if err := s.objects.FetchPack(ctx, s.packKey, dir); err != nil {
		return nil, err
	}
	return storage.DirSource{Root: dir}, nil
}

func (s *Supervisor) finishTranscript(ctx context.Context, tap *transcript.Writer, out *Outcome) {
	if err := tap.Close(); err != nil {
		logger.Warn(ctx, "close transcript failed", zap.Error(err))
		return
	}
	if s.cfg.KeepWorkDir {
		out.Transcript = tap.Path()
	}
	if s.objects == nil || s.prefix == "" {
		return
	}
	key := s.prefix + "/" + out.EvaluationID + ".zst"
	if err := s.objects.UploadFile(ctx, key, tap.Path(), "application/zstd"); err != nil {
		logger.Warn(ctx, "upload transcript failed", zap.String("key", key), zap.Error(err))
		return
	}
	out.Transcript = key
}
