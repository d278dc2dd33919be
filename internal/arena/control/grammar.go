// Package control implements the line protocol between the supervisor and
// the driver. Each request is one line of whitespace separated tokens and is
// answered by exactly one line, in order:
//
//	create_process <name>   -> <id>
//	start_process <id>      -> <status>
//	process_status <id>     -> <status>
//	stop_process <id>       -> <status>
//	process_usage <id>      -> <elapsed> <peak>
//	process_exit <id>       -> <code> <signal> <timed_out> <oom_killed> <elapsed> <peak>
//	open_read_file <name>   -> <id>
//	close_read_file <id>    -> 0
//
// process_exit waits briefly for the process to be reaped and describes how
// it ended; signal is "-" when it exited normally and the two flags are 0 or
// 1. A process that is still running is answered with a timeout.
//
// A failed request is answered with the negated error code, for example
// "-20001" for an unknown process.
package control

import (
	"strconv"
	"strings"

	"arena/internal/arena/sandbox"
	appErr "arena/pkg/errors"
	"arena/pkg/protocol/wire"

	"github.com/google/shlex"
)

const (
	CmdCreateProcess = "create_process"
	CmdStartProcess  = "start_process"
	CmdProcessStatus = "process_status"
	CmdStopProcess   = "stop_process"
	CmdProcessUsage  = "process_usage"
	CmdProcessExit   = "process_exit"
	CmdOpenReadFile  = "open_read_file"
	CmdCloseReadFile = "close_read_file"
)

// arity is the number of arguments each command takes.
var arity = map[string]int{
	CmdCreateProcess: 1,
	CmdStartProcess:  1,
	CmdProcessStatus: 1,
	CmdStopProcess:   1,
	CmdProcessUsage:  1,
	CmdProcessExit:   1,
	CmdOpenReadFile:  1,
	CmdCloseReadFile: 1,
}

// Request is one parsed control line.
type Request struct {
	Command string
	Args    []string
}

// ParseRequest tokenises and validates a request line.
func ParseRequest(line string) (Request, error) {
	tokens, err := shlex.Split(line)
	if err != nil {
		return Request{}, appErr.Wrapf(err, appErr.InvalidFormat, "malformed request %q", line)
	}
	if len(tokens) == 0 {
		return Request{}, appErr.New(appErr.InvalidFormat).WithMessage("empty request")
	}
	req := Request{Command: tokens[0], Args: tokens[1:]}
	want, ok := arity[req.Command]
	if !ok {
		return req, appErr.Newf(appErr.InvalidParams, "unknown command %q", req.Command).
			WithDetail(appErr.DetailCommand, req.Command)
	}
	if len(req.Args) != want {
		return req, appErr.Newf(appErr.InvalidParams, "%s takes %d argument(s), got %d", req.Command, want, len(req.Args)).
			WithDetail(appErr.DetailCommand, req.Command)
	}
	return req, nil
}

// ID parses argument i as an id.
func (r Request) ID(i int) (int, error) {
	v, err := strconv.Atoi(r.Args[i])
	if err != nil || v < 0 {
		return 0, appErr.Newf(appErr.InvalidParams, "%s: invalid id %q", r.Command, r.Args[i]).
			WithDetail(appErr.DetailCommand, r.Command)
	}
	return v, nil
}

// String formats the request as a line ParseRequest accepts.
func (r Request) String() string {
	parts := make([]string, 0, len(r.Args)+1)
	parts = append(parts, r.Command)
	for _, arg := range r.Args {
		parts = append(parts, quote(arg))
	}
	return strings.Join(parts, " ")
}

func quote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\"'\\#") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// FormatError encodes a failure response.
func FormatError(err error) string {
	return "-" + strconv.Itoa(int(appErr.GetCode(err)))
}

// ParseResponse splits a response line into its tokens, turning a failure
// response back into a typed error.
func ParseResponse(line string) ([]string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, appErr.New(appErr.ProtocolDesyncError).WithMessage("empty control response")
	}
	if strings.HasPrefix(fields[0], "-") {
		code, err := strconv.Atoi(fields[0][1:])
		if err != nil || len(fields) != 1 {
			return nil, appErr.Newf(appErr.ProtocolDesyncError, "malformed control response %q", line)
		}
		return nil, appErr.New(appErr.ErrorCode(code))
	}
	return fields, nil
}

// exitFields is the number of tokens in a process_exit response.
const exitFields = 6

// FormatExit encodes how a process ended as a process_exit response.
func FormatExit(ex sandbox.Exit) string {
	signal := ex.Signal
	if signal == "" {
		signal = "-"
	}
	return strings.Join([]string{
		strconv.Itoa(ex.Code),
		signal,
		formatFlag(ex.TimedOut),
		formatFlag(ex.OOMKilled),
		strconv.FormatFloat(ex.Usage.ElapsedTime, 'f', -1, 64),
		strconv.FormatInt(ex.Usage.PeakMemory, 10),
	}, " ")
}

// ParseExit decodes the tokens of a process_exit response.
func ParseExit(fields []string) (sandbox.Exit, error) {
	if len(fields) != exitFields {
		return sandbox.Exit{}, appErr.Newf(appErr.ProtocolDesyncError, "process_exit: expected %d tokens, got %v", exitFields, fields)
	}
	code, cerr := strconv.Atoi(fields[0])
	timedOut, terr := parseFlag(fields[2])
	oom, oerr := parseFlag(fields[3])
	elapsed, eerr := strconv.ParseFloat(fields[4], 64)
	peak, perr := strconv.ParseInt(fields[5], 10, 64)
	if cerr != nil || terr != nil || oerr != nil || eerr != nil || perr != nil || elapsed < 0 || peak < 0 {
		return sandbox.Exit{}, appErr.Newf(appErr.ProtocolDesyncError, "process_exit: malformed response %v", fields)
	}
	ex := sandbox.Exit{
		Code:      code,
		Usage:     wire.ResourceUsage{ElapsedTime: elapsed, PeakMemory: peak},
		OOMKilled: oom,
		TimedOut:  timedOut,
	}
	if fields[1] != "-" {
		ex.Signal = fields[1]
	}
	return ex, nil
}

func formatFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func parseFlag(s string) (bool, error) {
	switch s {
	case "0":
		return false, nil
	case "1":
		return true, nil
	default:
		return false, appErr.Newf(appErr.InvalidFormat, "invalid flag %q", s)
	}
}
