//go:build linux

package process

import (
	"context"
	"errors"
	"os"
	"time"

	appErr "arena/pkg/errors"

	"golang.org/x/sys/unix"
)

const openRetryInterval = 5 * time.Millisecond

// MakePipes creates the two named pipes of a process.
func MakePipes(paths Paths) error {
	for _, p := range []string{paths.Downward, paths.Upward} {
		if err := unix.Mkfifo(p, 0600); err != nil && !errors.Is(err, unix.EEXIST) {
			return appErr.Wrapf(err, appErr.ProcessSpawnError, "mkfifo %s: %v", p, err)
		}
	}
	return nil
}

// RemovePipes unlinks the pipes of a process.
func RemovePipes(paths Paths) {
	_ = os.Remove(paths.Downward)
	_ = os.Remove(paths.Upward)
}

// OpenStreams opens the parent-side ends of a process pair: the downward pipe
// for writing, then the upward pipe for reading, the same order in which the
// child opens its ends. alive is polled while waiting; once it reports false
// the open is abandoned instead of blocking forever.
func OpenStreams(ctx context.Context, paths Paths, alive func() bool) (*Streams, error) {
	down, err := openDownward(ctx, paths.Downward, alive)
	if err != nil {
		return nil, err
	}
	up, err := openUpward(ctx, paths.Upward, alive)
	if err != nil {
		_ = down.Close()
		return nil, err
	}
	return &Streams{Downward: down, Upward: up}, nil
}

// openDownward polls a non-blocking open, which fails with ENXIO until the
// child has opened its reading end.
func openDownward(ctx context.Context, path string, alive func() bool) (*os.File, error) {
	for {
		f, err := os.OpenFile(path, os.O_WRONLY|unix.O_NONBLOCK, 0)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, unix.ENXIO) {
			return nil, appErr.Wrapf(err, appErr.ProcessIOError, "open %s: %v", path, err)
		}
		if !alive() {
			return nil, appErr.Newf(appErr.ProcessIOError, "process exited before opening %s", path)
		}
		select {
		case <-ctx.Done():
			return nil, appErr.Wrapf(ctx.Err(), appErr.Timeout, "open %s interrupted", path)
		case <-time.After(openRetryInterval):
		}
	}
}

// openUpward blocks in a goroutine until the child opens its writing end. An
// abandoned open is released by briefly opening the writing end ourselves.
func openUpward(ctx context.Context, path string, alive func() bool) (*os.File, error) {
	type result struct {
		f   *os.File
		err error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := os.Open(path)
		ch <- result{f, err}
	}()

	ticker := time.NewTicker(openRetryInterval)
	defer ticker.Stop()
	var cause error
	for cause == nil {
		select {
		case res := <-ch:
			if res.err != nil {
				return nil, appErr.Wrapf(res.err, appErr.ProcessIOError, "open %s: %v", path, res.err)
			}
			return res.f, nil
		case <-ctx.Done():
			cause = appErr.Wrapf(ctx.Err(), appErr.Timeout, "open %s interrupted", path)
		case <-ticker.C:
			if !alive() {
				cause = appErr.Newf(appErr.ProcessIOError, "process exited before opening %s", path)
			}
		}
	}

	if w, err := os.OpenFile(path, os.O_WRONLY|unix.O_NONBLOCK, 0); err == nil {
		_ = w.Close()
	}
	if res := <-ch; res.f != nil {
		_ = res.f.Close()
	}
	return nil, cause
}

func isClosed(err error) bool {
	return errors.Is(err, os.ErrClosed)
}
