//go:build linux

package repl

import (
	"context"
	"os"
	"strings"
	"testing"

	"arena/internal/arena/process"
	"arena/pkg/algorithm"
	"arena/pkg/protocol/call"
)

func TestMain(m *testing.M) {
	if os.Getenv(roleEnv) == "algorithm" {
		algorithm.Main(func(s *call.Server) {
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
		})
	}
	os.Exit(m.Run())
}

func selfProgram(t *testing.T) process.Resolver {
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("executable: %v", err)
	}
	return func(kind process.Kind, name string) (string, []string, error) {
		return exe, nil, nil
	}
}

func TestSessionCallsAlgorithm(t *testing.T) {
	s, out := newSession(t, selfProgram(t),
		"create sum",
		"start 1",
		"call 1 sum 2 3",
		"call 1 apply 4 cb=1",
		"41",
		"checkpoint 1",
		"exit 1",
		"checkpoint 1",
		"quit",
	)
	s.Run(context.Background())

	got := out.String()
	want := []string{
		"1\n",
		"1 running\n",
		"5\n",
		"callback 0(4) =\n",
		"42\n(1 callbacks)\n",
		"ok\n",
		"error: ",
		"bye\n",
	}
	rest := got
	for _, w := range want {
		i := strings.Index(rest, w)
		if i < 0 {
			t.Fatalf("output missing %q in order:\n%s", w, got)
		}
		rest = rest[i+len(w):]
	}
}
