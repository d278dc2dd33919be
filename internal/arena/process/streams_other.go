//go:build !linux

package process

import (
	"context"
	"errors"
	"os"

	appErr "arena/pkg/errors"
)

// MakePipes is only supported on linux.
func MakePipes(paths Paths) error {
	return appErr.New(appErr.ProcessSpawnError).WithMessage("named pipes are only supported on linux")
}

// RemovePipes unlinks the pipes of a process.
func RemovePipes(paths Paths) {
	_ = os.Remove(paths.Downward)
	_ = os.Remove(paths.Upward)
}

// OpenStreams is only supported on linux.
func OpenStreams(ctx context.Context, paths Paths, alive func() bool) (*Streams, error) {
	return nil, appErr.New(appErr.ProcessIOError).WithMessage("named pipes are only supported on linux")
}

func isClosed(err error) bool {
	return errors.Is(err, os.ErrClosed)
}
