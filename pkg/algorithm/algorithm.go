// Package algorithm is the runtime linked into algorithm programs. It serves
// the registered functions over standard input and output until the driver
// ends the session.
package algorithm

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"arena/internal/arena/process"
	"arena/internal/arena/sandbox"
	"arena/pkg/protocol/call"
	"arena/pkg/protocol/wire"
	"arena/pkg/utils/logger"

	"go.uber.org/zap"
)

// Register adds the program's functions to a server.
type Register func(s *call.Server)

// ServeStreams serves over r and w.
func ServeStreams(ctx context.Context, r io.Reader, w io.Writer, register Register) error {
	srv := call.NewServer(wire.NewConn(r, w), call.WithUsage(sandbox.SelfUsage))
	register(srv)
	return srv.Serve(ctx)
}

// Serve serves over the process's standard streams.
func Serve(ctx context.Context, register Register) error {
	return ServeStreams(ctx, os.Stdin, os.Stdout, register)
}

// Main runs an algorithm program and exits. The exit status is 0 when the
// driver ended the session and 1 otherwise.
func Main(register Register) {
	level := os.Getenv(process.EnvLogLevel)
	if level == "" {
		level = "warn"
	}
	_ = logger.Init(logger.Config{Level: level, Format: "console", OutputPath: "stderr", ErrorPath: "stderr"})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := Serve(ctx, register)
	stop()
	if err != nil {
		logger.Error(ctx, "algorithm session ended", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
	os.Exit(0)
}
