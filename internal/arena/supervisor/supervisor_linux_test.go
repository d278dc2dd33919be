//go:build linux

package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"arena/internal/arena/process"
	"arena/internal/arena/sandbox"
	"arena/internal/arena/storage"
	"arena/internal/arena/transcript"
	"arena/pkg/algorithm"
	"arena/pkg/driver"
	"arena/pkg/protocol/call"
	"arena/pkg/protocol/wire"
)

// roleArg, as the first argument, makes the test binary act as a driver or
// an algorithm.
const roleArg = "supervisor-test-role"

func TestMain(m *testing.M) {
	if len(os.Args) > 2 && os.Args[1] == roleArg {
		switch os.Args[2] {
		case "algorithm":
			algorithm.Main(func(s *call.Server) {
				s.Register("sum", func(ctx context.Context, in *call.Invocation) (int64, error) {
					return in.Arg(0) + in.Arg(1), nil
				})
				s.Register("die", func(ctx context.Context, in *call.Invocation) (int64, error) {
					os.Exit(3)
					return 0, nil
				})
			})
		case "driver":
			driver.Main(drivers[os.Args[3]])
		}
		os.Exit(99)
	}
	os.Exit(m.Run())
}

func callSum(ctx context.Context, p *driver.Process, a, b int64) (int64, error) {
	res, err := p.Call(ctx, call.Request{Name: "sum", Args: []wire.Value{wire.Scalar(a), wire.Scalar(b)}, HasReturnValue: true})
	return res.Value, err
}

var drivers = map[string]func(ctx context.Context, d *driver.Driver) error{
	"accept": func(ctx context.Context, d *driver.Driver) error {
		p, err := d.Start(ctx, "sum")
		if err != nil {
			return err
		}
		v, err := callSum(ctx, p, 3, 4)
		if err != nil {
			return err
		}
		if v != 7 {
			return driver.Reject("sum(3,4) = %d", v)
		}
		return p.Exit(ctx)
	},
	"reject": func(ctx context.Context, d *driver.Driver) error {
		p, err := d.Start(ctx, "sum")
		if err != nil {
			return err
		}
		v, err := callSum(ctx, p, 3, 4)
		if err != nil {
			return err
		}
		return driver.Reject("refusing %d", v)
	},
	"die": func(ctx context.Context, d *driver.Driver) error {
		p, err := d.Start(ctx, "sum")
		if err != nil {
			return err
		}
		_, err = p.Call(ctx, call.Request{Name: "die", HasReturnValue: true})
		return err
	},
	"abandon": func(ctx context.Context, d *driver.Driver) error {
		if _, err := d.Start(ctx, "sum"); err != nil {
			return err
		}
		os.Exit(3)
		return nil
	},
	"readfile": func(ctx context.Context, d *driver.Driver) error {
		f, err := d.OpenReadFile(ctx, "graph")
		if err != nil {
			return err
		}
		data, err := os.ReadFile(f.Path)
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(data)) != "1 2" {
			return driver.Reject("unexpected read file %q", data)
		}
		return d.CloseReadFile(ctx, f)
	},
}

func newTestSupervisor(t *testing.T, keep bool) (*Supervisor, string) {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("executable: %v", err)
	}
	files := t.TempDir()
	if err := os.MkdirAll(filepath.Join(files, "graph"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(files, "graph", storage.DataFileName), []byte("1 2\n"), 0644); err != nil {
		t.Fatal(err)
	}
	resolve := func(kind process.Kind, name string) (string, []string, error) {
		if kind == process.KindDriver {
			if _, ok := drivers[name]; !ok {
				return "", nil, fmt.Errorf("no driver %q", name)
			}
			return exe, []string{roleArg, "driver", name}, nil
		}
		return exe, []string{roleArg, "algorithm"}, nil
	}
	root := t.TempDir()
	cfg := Config{
		WorkRoot:     root,
		ReadFilesDir: files,
		KeepWorkDir:  keep,
		IOTimeout:    10 * time.Second,
		Transcript:   true,
	}
	return New(cfg, sandbox.NewExecutor(sandbox.Config{}), WithResolver(resolve), WithStderr(io.Discard)), root
}

func runDriver(t *testing.T, s *Supervisor, name string) *Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	out, err := s.Run(ctx, name)
	if err != nil {
		t.Fatalf("run %s: %v", name, err)
	}
	return out
}

func TestRunVerdicts(t *testing.T) {
	cases := []struct {
		driver string
		want   driver.Verdict
	}{
		{"accept", driver.Accepted},
		{"reject", driver.WrongAnswer},
		{"readfile", driver.Accepted},
		{"abandon", driver.SystemError},
		{"die", driver.RuntimeError},
	}
	for _, tc := range cases {
		t.Run(tc.driver, func(t *testing.T) {
			s, _ := newTestSupervisor(t, false)
			out := runDriver(t, s, tc.driver)
			if out.Verdict != tc.want {
				t.Fatalf("verdict %s, want %s (exit %d, error %q)", out.Verdict, tc.want, out.ExitCode, out.Error)
			}
			if len(out.Processes) == 0 || out.Processes[0].Kind != process.KindDriver {
				t.Fatalf("expected the driver as process 0, got %+v", out.Processes)
			}
			for _, info := range out.Processes {
				if !info.Status.Terminal() {
					t.Fatalf("process %d left %s", info.ID, info.Status)
				}
			}
		})
	}
}

func TestRunKeepsTranscript(t *testing.T) {
	s, root := newTestSupervisor(t, true)
	out := runDriver(t, s, "accept")
	if out.Transcript == "" {
		t.Fatalf("expected transcript path")
	}
	if !strings.HasPrefix(out.Transcript, filepath.Join(root, out.EvaluationID)) {
		t.Fatalf("transcript %s outside work dir", out.Transcript)
	}
	lines, err := transcript.ReadLines(out.Transcript)
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	joined := strings.Join(lines, "\n")
	for _, want := range []string{"< create_process sum", "> 1", "< start_process 1"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("transcript missing %q:\n%s", want, joined)
		}
	}
	if out.Requests < 2 {
		t.Fatalf("expected at least 2 control requests, got %d", out.Requests)
	}
}

func TestRunRemovesWorkDir(t *testing.T) {
	s, root := newTestSupervisor(t, false)
	out := runDriver(t, s, "accept")
	if _, err := os.Stat(filepath.Join(root, out.EvaluationID)); !os.IsNotExist(err) {
		t.Fatalf("expected work dir removed, got %v", err)
	}
}

func TestRunUnknownDriver(t *testing.T) {
	s, _ := newTestSupervisor(t, false)
	out, err := s.Run(context.Background(), "nobody")
	if err == nil {
		t.Fatalf("expected error for unknown driver")
	}
	if out.Verdict != driver.SystemError {
		t.Fatalf("expected system error verdict, got %s", out.Verdict)
	}
}
