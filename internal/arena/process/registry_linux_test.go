//go:build linux

package process

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"arena/internal/arena/sandbox"
	appErr "arena/pkg/errors"
)

func programs(table map[string]string) Resolver {
	return func(kind Kind, name string) (string, []string, error) {
		program, ok := table[name]
		if !ok {
			return "", nil, fmt.Errorf("no program named %q", name)
		}
		return program, nil, nil
	}
}

func newTestRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	r := NewRegistry(t.TempDir(), sandbox.NewExecutor(sandbox.Config{}),
		programs(map[string]string{"echo": "cat", "quit": "true"}), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Close(ctx)
	})
	return r
}

func TestRegistryIDsIncrease(t *testing.T) {
	r := newTestRegistry(t, WithFirstID(1))
	ctx := context.Background()

	last := 0
	for i := 0; i < 5; i++ {
		id, err := r.Create(ctx, KindAlgorithm, "echo")
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if id <= last {
			t.Fatalf("id %d not greater than %d", id, last)
		}
		last = id
		if i%2 == 0 {
			if _, err := r.Stop(ctx, id); err != nil {
				t.Fatalf("stop: %v", err)
			}
		}
	}
	if _, err := r.Create(ctx, KindAlgorithm, "missing"); !appErr.Is(err, appErr.ProcessSpawnError) {
		t.Fatalf("expected ProcessSpawnError, got %v", err)
	}
	id, err := r.Create(ctx, KindAlgorithm, "echo")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id != last+1 {
		t.Fatalf("expected id %d after failed create, got %d", last+1, id)
	}
}

func TestRegistryLifecycle(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	id, err := r.Create(ctx, KindAlgorithm, "echo")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if s, _ := r.Status(id); s != StatusCreated {
		t.Fatalf("expected created, got %s", s)
	}
	if _, err := r.Usage(id); !appErr.Is(err, appErr.ProcessStateInvalid) {
		t.Fatalf("expected ProcessStateInvalid before start, got %v", err)
	}

	status, err := r.Start(ctx, id)
	if err != nil || status != StatusRunning {
		t.Fatalf("start: %s %v", status, err)
	}
	if _, err := r.Start(ctx, id); !appErr.Is(err, appErr.ProcessStateInvalid) {
		t.Fatalf("expected ProcessStateInvalid on second start, got %v", err)
	}
	if _, err := r.Attach(ctx, id); err != nil {
		t.Fatalf("attach: %v", err)
	}
	usage, err := r.Usage(id)
	if err != nil || usage.ElapsedTime < 0 || usage.PeakMemory < 0 {
		t.Fatalf("usage: %+v %v", usage, err)
	}

	status, err = r.Stop(ctx, id)
	if err != nil || status != StatusStopped {
		t.Fatalf("stop: %s %v", status, err)
	}
	if _, err := r.Stop(ctx, id); !appErr.Is(err, appErr.UnknownProcessError) {
		t.Fatalf("expected UnknownProcessError on second stop, got %v", err)
	}
	if _, err := r.Start(ctx, id); !appErr.Is(err, appErr.UnknownProcessError) {
		t.Fatalf("expected UnknownProcessError on start after stop, got %v", err)
	}
	if s, err := r.Status(id); err != nil || s != StatusStopped {
		t.Fatalf("expected stopped status, got %s %v", s, err)
	}
	if _, err := r.Status(99); !appErr.Is(err, appErr.UnknownProcessError) {
		t.Fatalf("expected UnknownProcessError for unknown id, got %v", err)
	}
}

func TestRegistryConcurrentStart(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	id, err := r.Create(ctx, KindAlgorithm, "echo")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const starters = 8
	errs := make([]error, starters)
	var wg sync.WaitGroup
	for i := 0; i < starters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.Start(ctx, id)
		}(i)
	}
	wg.Wait()

	started := 0
	for _, err := range errs {
		switch {
		case err == nil:
			started++
		case !appErr.Is(err, appErr.ProcessStateInvalid):
			t.Fatalf("expected ProcessStateInvalid for a losing start, got %v", err)
		}
	}
	if started != 1 {
		t.Fatalf("expected exactly one start to win, got %d", started)
	}
	if s, _ := r.Status(id); s != StatusRunning {
		t.Fatalf("expected running, got %s", s)
	}
}

func TestRegistryStopUnblocksRead(t *testing.T) {
	r := newTestRegistry(t, WithAttach())
	ctx := context.Background()

	id, err := r.Create(ctx, KindAlgorithm, "echo")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.Start(ctx, id); err != nil {
		t.Fatalf("start: %v", err)
	}
	streams, err := r.Streams(id)
	if err != nil {
		t.Fatalf("streams: %v", err)
	}
	conn := streams.Conn()
	if err := conn.WriteToken("ping"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.Expect("ping"); err != nil {
		t.Fatalf("echo: %v", err)
	}

	readErr := make(chan error, 1)
	go func() {
		_, err := conn.ReadLine()
		readErr <- err
	}()

	if _, err := r.Stop(ctx, id); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case err := <-readErr:
		if !appErr.Is(err, appErr.ProcessIOError) {
			t.Fatalf("expected ProcessIOError, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("pending read not released by stop")
	}

	if _, err := r.Streams(id); !appErr.Is(err, appErr.UnknownProcessError) {
		t.Fatalf("expected UnknownProcessError after stop, got %v", err)
	}
	if _, err := r.Stop(ctx, id); !appErr.Is(err, appErr.UnknownProcessError) {
		t.Fatalf("expected UnknownProcessError, got %v", err)
	}
}

func TestRegistryNaturalExit(t *testing.T) {
	r := newTestRegistry(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := r.Create(ctx, KindDriver, "quit")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.Start(ctx, id); err != nil {
		t.Fatalf("start: %v", err)
	}
	streams, err := r.Attach(ctx, id)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer streams.Close()

	exit, err := r.Wait(ctx, id)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if exit.Code != 0 {
		t.Fatalf("unexpected exit %+v", exit)
	}
	deadline := time.Now().Add(time.Second)
	for {
		if s, _ := r.Status(id); s == StatusStopped {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("status not updated after exit")
		}
		time.Sleep(10 * time.Millisecond)
	}
	info, err := r.Info(id)
	if err != nil || info.Exit == nil || info.Kind != KindDriver {
		t.Fatalf("unexpected info %+v %v", info, err)
	}
}

func TestRegistryFail(t *testing.T) {
	r := newTestRegistry(t, WithAttach())
	ctx := context.Background()

	id, _ := r.Create(ctx, KindAlgorithm, "echo")
	if _, err := r.Start(ctx, id); err != nil {
		t.Fatalf("start: %v", err)
	}
	cause := appErr.New(appErr.ProtocolDesyncError)
	if err := r.Fail(ctx, id, cause); err != nil {
		t.Fatalf("fail: %v", err)
	}
	info, _ := r.Info(id)
	if info.Status != StatusFailed || info.Error == "" {
		t.Fatalf("unexpected info %+v", info)
	}
	if err := r.Fail(ctx, id, cause); !appErr.Is(err, appErr.UnknownProcessError) {
		t.Fatalf("expected UnknownProcessError, got %v", err)
	}
	if got := len(r.List()); got != 1 {
		t.Fatalf("expected 1 record, got %d", got)
	}
}
