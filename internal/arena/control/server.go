package control

import (
	"context"
	"strconv"
	"strings"
	"time"

	"arena/internal/arena/process"
	"arena/internal/arena/sandbox"
	appErr "arena/pkg/errors"
	"arena/pkg/protocol/wire"
	"arena/pkg/utils/contextkey"
	"arena/pkg/utils/logger"

	"go.uber.org/zap"
)

// Processes is the part of the process registry the control channel drives.
type Processes interface {
	Create(ctx context.Context, kind process.Kind, name string) (int, error)
	Start(ctx context.Context, id int) (process.Status, error)
	Status(id int) (process.Status, error)
	Stop(ctx context.Context, id int) (process.Status, error)
	Usage(id int) (wire.ResourceUsage, error)
	Info(id int) (process.Info, error)
	Wait(ctx context.Context, id int) (sandbox.Exit, error)
}

// exitGrace bounds how long process_exit waits for a dying process to be
// reaped.
const exitGrace = 2 * time.Second

// Server answers the requests of one driver.
type Server struct {
	procs Processes
	files *ReadFiles
	count int
}

// NewServer returns a server acting on procs and files.
func NewServer(procs Processes, files *ReadFiles) *Server {
	return &Server{procs: procs, files: files}
}

// Requests returns the number of requests handled so far.
func (s *Server) Requests() int {
	return s.count
}

// Serve answers requests until the driver closes its end of the channel,
// which is the normal way a driver finishes.
func (s *Server) Serve(ctx context.Context, conn *wire.Conn) error {
	for {
		line, err := conn.ReadLine()
		if err != nil {
			if appErr.Is(err, appErr.ProcessIOError) {
				logger.Debug(ctx, "control channel closed by driver", zap.Int("requests", s.count))
				return nil
			}
			return err
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := conn.WriteLine(s.Handle(ctx, line)); err != nil {
			return err
		}
		if err := conn.Flush(); err != nil {
			return err
		}
	}
}

// Handle executes one request line and returns the response line.
func (s *Server) Handle(ctx context.Context, line string) string {
	s.count++
	req, err := ParseRequest(line)
	if err != nil {
		logger.Warn(ctx, "control request rejected", zap.String("line", line), zap.Error(err))
		return FormatError(err)
	}
	resp, err := s.dispatch(ctx, req)
	if err != nil {
		logger.Warn(ctx, "control request failed", zap.String("command", req.Command),
			zap.Strings("args", req.Args), zap.Error(err))
		return FormatError(err)
	}
	logger.Debug(ctx, "control request", zap.String("command", req.Command),
		zap.Strings("args", req.Args), zap.String("response", resp))
	return resp
}

func (s *Server) dispatch(ctx context.Context, req Request) (string, error) {
	switch req.Command {
	case CmdCreateProcess:
		id, err := s.procs.Create(ctx, process.KindAlgorithm, req.Args[0])
		if err != nil {
			return "", err
		}
		return strconv.Itoa(id), nil
	case CmdOpenReadFile:
		id, err := s.files.Open(ctx, req.Args[0])
		if err != nil {
			return "", err
		}
		return strconv.Itoa(id), nil
	case CmdCloseReadFile:
		id, err := req.ID(0)
		if err != nil {
			return "", err
		}
		if err := s.files.Close(ctx, id); err != nil {
			return "", err
		}
		return "0", nil
	}

	id, err := s.algorithmID(req)
	if err != nil {
		return "", err
	}
	ctx = contextkey.WithProcess(ctx, id)
	switch req.Command {
	case CmdStartProcess:
		st, err := s.procs.Start(ctx, id)
		return formatStatus(st), err
	case CmdProcessStatus:
		st, err := s.procs.Status(id)
		return formatStatus(st), err
	case CmdStopProcess:
		st, err := s.procs.Stop(ctx, id)
		return formatStatus(st), err
	case CmdProcessUsage:
		u, err := s.procs.Usage(id)
		if err != nil {
			return "", err
		}
		return strconv.FormatFloat(u.ElapsedTime, 'f', -1, 64) + " " + strconv.FormatInt(u.PeakMemory, 10), nil
	case CmdProcessExit:
		wctx, cancel := context.WithTimeout(ctx, exitGrace)
		defer cancel()
		ex, err := s.procs.Wait(wctx, id)
		if err != nil {
			return "", err
		}
		return FormatExit(ex), nil
	default:
		return "", appErr.Newf(appErr.InvalidParams, "unknown command %q", req.Command)
	}
}

// algorithmID parses the target id and refuses ids that do not name an
// algorithm, so a driver cannot act on itself.
func (s *Server) algorithmID(req Request) (int, error) {
	id, err := req.ID(0)
	if err != nil {
		return 0, err
	}
	info, err := s.procs.Info(id)
	if err != nil {
		return 0, err
	}
	if info.Kind != process.KindAlgorithm {
		return 0, appErr.UnknownProcess(id).WithMessagef("process %d is not an algorithm", id)
	}
	return id, nil
}

func formatStatus(st process.Status) string {
	return strconv.Itoa(int(st))
}
