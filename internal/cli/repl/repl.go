package repl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"arena/internal/arena/control"
	"arena/internal/arena/process"
	"arena/internal/cli/command"
	"arena/internal/cli/config"
	pkgerrors "arena/pkg/errors"
	"arena/pkg/protocol/call"
	"arena/pkg/protocol/wire"

	"github.com/chzyer/readline"
	"github.com/google/shlex"
)

// LineReader supplies input lines. *readline.Instance implements it.
type LineReader interface {
	Readline() (string, error)
}

// Session is an interactive shell acting as a driver: it starts algorithm
// processes in an in-process registry and calls into them directly.
type Session struct {
	reg          *process.Registry
	files        *control.ReadFiles
	commands     map[string]command.Command
	input        LineReader
	callTimeout  time.Duration
	prettyJSON   bool
	outputWriter *bufio.Writer

	mu      sync.Mutex
	clients map[int]*call.Client
}

// New returns a session. reg must attach the streams of the processes it
// starts.
func New(reg *process.Registry, files *control.ReadFiles, input LineReader, output io.Writer, cfg config.Config) *Session {
	config.ApplyDefaults(&cfg)
	return &Session{
		reg:          reg,
		files:        files,
		commands:     command.Registry(),
		input:        input,
		callTimeout:  cfg.CallTimeout,
		prettyJSON:   *cfg.PrettyJSON,
		outputWriter: bufio.NewWriter(output),
		clients:      make(map[int]*call.Client),
	}
}

// Run reads commands until the input ends or quit is entered.
func (s *Session) Run(ctx context.Context) {
	for {
		line, err := s.input.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.printLine("read input failed: %v", err)
			}
			return
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if quit, handled := s.handleSystemCommand(line); handled {
			if quit {
				s.printLine("bye")
				return
			}
			continue
		}
		if err := s.Execute(ctx, line); err != nil {
			s.printLine("error: %v", err)
		}
	}
}

func (s *Session) handleSystemCommand(line string) (quit bool, handled bool) {
	switch line {
	case "quit":
		return true, true
	case "help":
		s.printHelp()
		return false, true
	}
	return false, false
}

// Execute runs one command line.
func (s *Session) Execute(ctx context.Context, line string) error {
	tokens, err := shlex.Split(line)
	if err != nil {
		return fmt.Errorf("parse command failed: %w", err)
	}
	if len(tokens) == 0 {
		return nil
	}
	cmd, ok := s.commands[tokens[0]]
	if !ok {
		return fmt.Errorf("unknown command: %s", tokens[0])
	}
	args, params := command.SplitParams(tokens[1:])
	if err := cmd.Check(args); err != nil {
		return err
	}

	switch cmd.Name {
	case "create":
		id, err := s.reg.Create(ctx, process.KindAlgorithm, args[0])
		if err != nil {
			return err
		}
		s.printLine("%d", id)
		return nil
	case "list":
		return s.renderJSON(s.reg.List())
	case "open":
		id, err := s.files.Open(ctx, args[0])
		if err != nil {
			return err
		}
		path, _ := s.files.Path(id)
		s.printLine("%d %s", id, path)
		return nil
	}

	id, err := command.ParseInt(args[0])
	if err != nil {
		return fmt.Errorf("invalid id %q", args[0])
	}
	switch cmd.Name {
	case "start":
		return s.start(ctx, id)
	case "status":
		st, err := s.reg.Status(id)
		if err != nil {
			return err
		}
		s.printLine("%d %s", st, st)
		return nil
	case "stop":
		st, err := s.reg.Stop(ctx, id)
		s.forget(id)
		if err != nil {
			return err
		}
		s.printLine("%d %s", st, st)
		return nil
	case "usage":
		u, err := s.reg.Usage(id)
		if err != nil {
			return err
		}
		return s.renderJSON(u)
	case "close":
		if err := s.files.Close(ctx, id); err != nil {
			return err
		}
		s.printLine("0")
		return nil
	}

	client, err := s.client(id)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	switch cmd.Name {
	case "call":
		err = s.call(ctx, client, args[1:], params)
	case "checkpoint":
		if err = client.Checkpoint(ctx); err == nil {
			s.printLine("ok")
		}
	case "wait":
		var u wire.ResourceUsage
		if u, err = client.Wait(ctx, params.Get("kill") == "1"); err == nil {
			err = s.renderJSON(u)
		}
	case "exit":
		err = client.Exit(ctx)
		s.forget(id)
	default:
		err = fmt.Errorf("unknown command: %s", cmd.Name)
	}
	if err != nil && pkgerrors.IsFatal(err) {
		_ = s.reg.Fail(ctx, id, err)
		s.forget(id)
	}
	return err
}

func (s *Session) start(ctx context.Context, id int) error {
	st, err := s.reg.Start(ctx, id)
	if err != nil {
		return err
	}
	streams, err := s.reg.Streams(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.clients[id] = call.NewClient(id, streams.Conn())
	s.mu.Unlock()
	s.printLine("%d %s", st, st)
	return nil
}

func (s *Session) client(id int) (*call.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	client, ok := s.clients[id]
	if !ok {
		return nil, pkgerrors.Newf(pkgerrors.ProcessStateInvalid, "process %d has no open session", id)
	}
	return client, nil
}

func (s *Session) forget(id int) {
	s.mu.Lock()
	delete(s.clients, id)
	s.mu.Unlock()
}

func (s *Session) call(ctx context.Context, client *call.Client, args []string, params command.Params) error {
	req := call.Request{Name: args[0], HasReturnValue: params.Get("ret") != "0"}
	for _, arg := range args[1:] {
		v, err := command.ParseValue(arg)
		if err != nil {
			return fmt.Errorf("invalid argument %q: %w", arg, err)
		}
		req.Args = append(req.Args, v)
	}
	if params.Has("cb") {
		arities, err := command.ParseIntList(params.Get("cb"))
		if err != nil {
			return err
		}
		for i, arity := range arities {
			req.Callbacks = append(req.Callbacks, s.promptCallback(i, arity))
		}
	}

	res, err := client.Call(ctx, req)
	if err != nil {
		return err
	}
	if res.HasValue {
		s.printLine("%d", res.Value)
	} else {
		s.printLine("done")
	}
	if res.Callbacks > 0 {
		s.printLine("(%d callbacks)", res.Callbacks)
	}
	return nil
}

// promptCallback binds a callback that asks the user for its result. An empty
// answer returns no value.
func (s *Session) promptCallback(index, arity int) call.Handler {
	return promptHandler{s: s, index: index, arity: arity}
}

type promptHandler struct {
	s     *Session
	index int
	arity int
}

func (h promptHandler) Arity() int { return h.arity }

func (h promptHandler) Invoke(ctx context.Context, args []int64) (call.Return, error) {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = fmt.Sprint(a)
	}
	h.s.printLine("callback %d(%s) =", h.index, strings.Join(parts, ", "))
	line, err := h.s.input.Readline()
	if err != nil {
		return call.Return{}, fmt.Errorf("read callback result failed: %w", err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return call.Return{}, nil
	}
	v, err := command.ParseInt64(line)
	if err != nil {
		return call.Return{}, fmt.Errorf("invalid callback result %q", line)
	}
	return call.Return{HasValue: true, Value: v}, nil
}

func (s *Session) renderJSON(v interface{}) error {
	var (
		data []byte
		err  error
	)
	if s.prettyJSON {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return err
	}
	s.printLine("%s", string(data))
	return nil
}

func (s *Session) printHelp() {
	names := make([]string, 0, len(s.commands))
	for name := range s.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	s.printLine("commands:")
	for _, name := range names {
		cmd := s.commands[name]
		s.printLine("  %-58s %s", cmd.Usage, cmd.Help)
	}
	s.printLine("system: help | quit")
}

func (s *Session) printLine(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(s.outputWriter, format+"\n", args...)
	_ = s.outputWriter.Flush()
}
