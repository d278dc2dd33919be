//go:build linux

package driver

import (
	"context"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"arena/internal/arena/control"
	"arena/internal/arena/process"
	"arena/internal/arena/sandbox"
	"arena/internal/arena/storage"
	"arena/pkg/algorithm"
	appErr "arena/pkg/errors"
	"arena/pkg/protocol/call"
	"arena/pkg/protocol/phase"
	"arena/pkg/protocol/wire"
)

// roleEnv makes the test binary act as an algorithm when the registry
// starts it.
const roleEnv = "ARENA_DRIVER_TEST_ROLE"

func TestMain(m *testing.M) {
	if os.Getenv(roleEnv) == "algorithm" {
		algorithm.Main(registerFunctions)
	}
	os.Exit(m.Run())
}

func registerFunctions(s *call.Server) {
	s.Register("sum", func(ctx context.Context, in *call.Invocation) (int64, error) {
		return in.Arg(0) + in.Arg(1), nil
	})
	s.Register("apply", func(ctx context.Context, in *call.Invocation) (int64, error) {
		ret, err := in.Callback(0, in.Arg(0))
		if err != nil {
			return 0, err
		}
		return ret.Value + 1, nil
	})
	s.Register("spin", func(ctx context.Context, in *call.Invocation) (int64, error) {
		deadline := time.Now().Add(time.Duration(in.Arg(0)) * time.Millisecond)
		var n int64
		for time.Now().Before(deadline) {
			n++
		}
		return n, nil
	})
	s.Register("crash", func(ctx context.Context, in *call.Invocation) (int64, error) {
		panic("crash requested")
	})
	s.Register("die", func(ctx context.Context, in *call.Invocation) (int64, error) {
		os.Exit(3)
		return 0, nil
	})
}

func newTestDriver(t *testing.T) *Driver {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("executable: %v", err)
	}
	dir := t.TempDir()
	resolve := func(kind process.Kind, name string) (string, []string, error) {
		if name == "missing" {
			return "", nil, fmt.Errorf("no algorithm %q", name)
		}
		return exe, nil, nil
	}
	reg := process.NewRegistry(dir, sandbox.NewExecutor(sandbox.Config{}), resolve,
		process.WithFirstID(1), process.WithEnv(roleEnv+"=algorithm"))
	srv := control.NewServer(reg, control.NewReadFiles(dir, storage.DirSource{Root: t.TempDir()}))

	downR, downW := io.Pipe()
	upR, upW := io.Pipe()
	go func() {
		conn := wire.NewConn(downR, upW, wire.WithClosers(upW))
		_ = srv.Serve(context.Background(), conn)
		_ = conn.Close()
	}()

	d := New(control.NewClient(wire.NewConn(upR, downW, wire.WithClosers(downW))), dir, WithTimeout(10*time.Second))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = d.Close(ctx)
		_ = reg.Close(ctx)
	})
	return d
}

func waitStatus(t *testing.T, p *Process, want process.Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := p.Status(context.Background())
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if st == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("status stuck at %s, want %s", st, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSumAndUsage(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()

	p, err := d.Start(ctx, "sum")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if p.ID != 1 {
		t.Fatalf("expected first algorithm id 1, got %d", p.ID)
	}
	res, err := p.Call(ctx, call.Request{Name: "sum", Args: []wire.Value{wire.Scalar(3), wire.Scalar(4)}, HasReturnValue: true})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !res.HasValue || res.Value != 7 {
		t.Fatalf("expected 7, got %+v", res)
	}

	usage, err := p.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if usage.ElapsedTime < 0 || usage.PeakMemory < 0 {
		t.Fatalf("negative usage %+v", usage)
	}
	measured, err := p.Usage(ctx)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if measured.ElapsedTime < 0 || measured.PeakMemory < 0 {
		t.Fatalf("negative measured usage %+v", measured)
	}

	if err := p.Exit(ctx); err != nil {
		t.Fatalf("exit: %v", err)
	}
	waitStatus(t, p, process.StatusStopped)
}

func TestCallbackRoundTrip(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()

	p, err := d.Start(ctx, "apply")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	var seen []int64
	double := call.Func(1, func(ctx context.Context, args []int64) (int64, error) {
		seen = append(seen, args[0])
		return args[0] * 2, nil
	})
	res, err := p.Call(ctx, call.Request{
		Name:           "apply",
		Args:           []wire.Value{wire.Scalar(5)},
		HasReturnValue: true,
		Callbacks:      []call.Handler{double},
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res.Value != 11 || res.Callbacks != 1 {
		t.Fatalf("expected 11 after one callback, got %+v", res)
	}
	if len(seen) != 1 || seen[0] != 5 {
		t.Fatalf("callback saw %v", seen)
	}
}

func TestStopThenOperate(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()

	p, err := d.Start(ctx, "sum")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	st, err := p.Stop(ctx)
	if err != nil || st != process.StatusStopped {
		t.Fatalf("stop: %v %v", st, err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := p.Call(ctx, call.Request{Name: "sum", Args: []wire.Value{wire.Scalar(1), wire.Scalar(2)}, HasReturnValue: true})
		done <- err
	}()
	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected call on stopped process to fail")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("call on stopped process hung")
	}

	if _, err := p.Stop(ctx); !appErr.Is(err, appErr.UnknownProcessError) {
		t.Fatalf("expected UnknownProcessError, got %v", err)
	}
	if st, err := p.Status(ctx); err != nil || st != process.StatusStopped {
		t.Fatalf("expected final status stopped, got %v %v", st, err)
	}
}

func TestRuntimeErrorVerdict(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()

	p, err := d.Start(ctx, "crash")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err = p.Call(ctx, call.Request{Name: "crash", HasReturnValue: true})
	if !appErr.Is(err, appErr.AlgorithmRuntimeError) {
		t.Fatalf("expected AlgorithmRuntimeError, got %v", err)
	}
	if VerdictOf(err) != RuntimeError {
		t.Fatalf("expected runtime error verdict, got %s", VerdictOf(err))
	}
}

func TestAlgorithmDeathVerdict(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()

	p, err := d.Start(ctx, "die")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err = p.Call(ctx, call.Request{Name: "die", HasReturnValue: true})
	if !appErr.Is(err, appErr.AlgorithmRuntimeError) {
		t.Fatalf("expected AlgorithmRuntimeError, got %v", err)
	}
	if VerdictOf(err) != RuntimeError {
		t.Fatalf("expected runtime error verdict, got %s", VerdictOf(err))
	}
	if code := appErr.GetError(err).Details["exit_code"]; code != 3 {
		t.Fatalf("expected exit code 3 in details, got %v", code)
	}
	waitStatus(t, p, process.StatusStopped)
}

func TestExitErrorClassification(t *testing.T) {
	cause := appErr.New(appErr.ProcessIOError)
	cases := []struct {
		name string
		exit sandbox.Exit
		want appErr.ErrorCode
	}{
		{"exit_code", sandbox.Exit{Code: 3}, appErr.AlgorithmRuntimeError},
		{"clean_exit_mid_call", sandbox.Exit{Code: 0}, appErr.AlgorithmRuntimeError},
		{"segfault", sandbox.Exit{Code: -1, Signal: "SIGSEGV"}, appErr.AlgorithmRuntimeError},
		{"cpu_limit", sandbox.Exit{Code: -1, Signal: "SIGXCPU"}, appErr.TimeLimitExceeded},
		{"wall_limit", sandbox.Exit{Code: -1, Signal: "SIGKILL", TimedOut: true}, appErr.TimeLimitExceeded},
		{"oom", sandbox.Exit{Code: -1, Signal: "SIGKILL", OOMKilled: true}, appErr.MemoryLimitExceeded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := exitError(tc.exit, cause)
			if !appErr.Is(err, tc.want) {
				t.Fatalf("expected code %d, got %v", tc.want, err)
			}
			if appErr.IsFatal(err) {
				t.Fatalf("death should be judged, got fatal %v", err)
			}
		})
	}
}

func TestStartUnknownAlgorithm(t *testing.T) {
	d := newTestDriver(t)
	if _, err := d.Start(context.Background(), "missing"); !appErr.Is(err, appErr.ProcessSpawnError) {
		t.Fatalf("expected ProcessSpawnError, got %v", err)
	}
}

func TestSectionBudget(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()

	p, err := d.Start(ctx, "spin")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	spin := func(ms int64) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			_, err := p.Call(ctx, call.Request{Name: "spin", Args: []wire.Value{wire.Scalar(ms)}, HasReturnValue: true})
			return err
		}
	}

	used, err := p.Section(ctx, Budget{}, spin(1))
	if err != nil {
		t.Fatalf("unbounded section: %v", err)
	}
	if used.ElapsedTime < 0 {
		t.Fatalf("negative section time %+v", used)
	}

	_, err = p.Section(ctx, Budget{Time: time.Millisecond}, spin(100))
	if !appErr.Is(err, appErr.TimeLimitExceeded) {
		t.Fatalf("expected TimeLimitExceeded, got %v", err)
	}
	_, err = p.Section(ctx, Budget{Memory: 1}, spin(1))
	if !appErr.Is(err, appErr.MemoryLimitExceeded) {
		t.Fatalf("expected MemoryLimitExceeded, got %v", err)
	}
	// Judged failures leave the pair usable.
	if err := p.Checkpoint(ctx); err != nil {
		t.Fatalf("checkpoint after section: %v", err)
	}
}

func TestMachineOverProcess(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()

	p, err := d.Start(ctx, "sum")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	queries := []int64{1, 2, 3}
	var total int64
	sum := func(ctx context.Context, a, b int64) (int64, error) {
		res, err := p.Call(ctx, call.Request{Name: "sum", Args: []wire.Value{wire.Scalar(a), wire.Scalar(b)}, HasReturnValue: true})
		return res.Value, err
	}
	proto := phase.NewProtocol("interactive",
		phase.Step{Name: "init", Run: func(ctx context.Context, m *phase.Machine) (phase.Action, error) {
			v, err := sum(ctx, 10, 0)
			total = v
			return phase.SuspendAfter, err
		}},
		phase.Step{Name: "query", Run: func(ctx context.Context, m *phase.Machine) (phase.Action, error) {
			if len(queries) == 0 {
				return phase.Advance, nil
			}
			v, err := sum(ctx, total, queries[0])
			queries = queries[1:]
			total = v
			return phase.Suspend, err
		}},
		phase.Step{Name: "finalize", Run: func(ctx context.Context, m *phase.Machine) (phase.Action, error) {
			return phase.Advance, p.Checkpoint(ctx)
		}},
	)

	m := p.Machine()
	status, err := m.Call(ctx, proto)
	resumes := 1
	for {
		if err != nil {
			t.Fatalf("resume: %v", err)
		}
		if status == phase.Done {
			break
		}
		if resumes > 10 {
			t.Fatalf("exchange did not complete")
		}
		status, err = m.Resume(ctx)
		resumes++
	}
	if total != 16 {
		t.Fatalf("expected 16, got %d", total)
	}
	if resumes != 5 {
		t.Fatalf("expected 5 resumes, got %d", resumes)
	}
	// init, three queries, the finalizing checkpoint: every request answered.
	if c := m.Cursors(); c.Sent != 3 || !c.InSync() {
		t.Fatalf("unexpected cursors %+v", c)
	}
}
