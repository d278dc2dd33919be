package repl

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"arena/internal/arena/control"
	"arena/internal/arena/process"
	"arena/internal/arena/sandbox"
	"arena/internal/arena/storage"
	"arena/internal/cli/config"

	"github.com/chzyer/readline"
)

// roleEnv makes the test binary act as an algorithm when a session starts it.
const roleEnv = "ARENA_REPL_TEST_ROLE"

// script replays fixed input lines, then reports io.EOF.
type script struct {
	lines []string
}

func (s *script) Readline() (string, error) {
	if len(s.lines) == 0 {
		return "", io.EOF
	}
	line := s.lines[0]
	s.lines = s.lines[1:]
	if line == "^C" {
		return "", readline.ErrInterrupt
	}
	return line, nil
}

func newSession(t *testing.T, resolve process.Resolver, lines ...string) (*Session, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()
	reg := process.NewRegistry(dir, sandbox.NewExecutor(sandbox.Config{}), resolve,
		process.WithAttach(), process.WithFirstID(1), process.WithEnv(roleEnv+"=algorithm"))
	t.Cleanup(func() { _ = reg.Close(context.Background()) })
	files := control.NewReadFiles(dir, storage.DirSource{Root: t.TempDir()})
	var out bytes.Buffer
	return New(reg, files, &script{lines: lines}, &out, config.Config{}), &out
}

func noPrograms(kind process.Kind, name string) (string, []string, error) {
	return "", nil, io.ErrUnexpectedEOF
}

func TestRunSystemCommands(t *testing.T) {
	s, out := newSession(t, noPrograms, "", "# comment", "^C", "help", "bogus", "quit", "status 1")
	s.Run(context.Background())

	got := out.String()
	for _, want := range []string{"commands:", "call <id> <function>", "error: unknown command: bogus", "bye"} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "process 1") {
		t.Fatalf("command after quit was executed:\n%s", got)
	}
}

func TestExecuteRejections(t *testing.T) {
	s, _ := newSession(t, noPrograms)
	ctx := context.Background()

	cases := []string{
		"create",
		"status abc",
		"status 9",
		"call 9 sum 1 2",
		"checkpoint 9",
		"create sum",
		"close 4",
		`call "unterminated`,
	}
	for _, line := range cases {
		if err := s.Execute(ctx, line); err == nil {
			t.Fatalf("expected %q to fail", line)
		}
	}
}
