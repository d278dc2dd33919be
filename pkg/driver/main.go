package driver

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"arena/internal/arena/process"
	appErr "arena/pkg/errors"
	"arena/pkg/utils/logger"

	"go.uber.org/zap"
)

// Main runs a driver program: it connects to the supervisor, calls run and
// exits with the status encoding run's verdict. Standard output belongs to
// the control channel, so logs go to standard error.
func Main(run func(ctx context.Context, d *Driver) error) {
	level := os.Getenv(process.EnvLogLevel)
	if level == "" {
		level = "warn"
	}
	_ = logger.Init(logger.Config{Level: level, Format: "console", OutputPath: "stderr", ErrorPath: "stderr"})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, run)
	stop()
	_ = logger.Sync()
	os.Exit(code)
}

func runMain(ctx context.Context, run func(ctx context.Context, d *Driver) error) int {
	d, err := Connect()
	if err != nil {
		logger.Error(ctx, "driver setup failed", zap.Error(err))
		return SystemError.ExitCode()
	}
	runErr := run(ctx, d)
	if err := d.Close(ctx); err != nil && runErr == nil && appErr.IsFatal(err) {
		runErr = err
	}
	v := VerdictOf(runErr)
	if runErr != nil {
		logger.Info(ctx, "driver finished", zap.String("verdict", string(v)), zap.Error(runErr))
	} else {
		logger.Info(ctx, "driver finished", zap.String("verdict", string(v)))
	}
	return v.ExitCode()
}
