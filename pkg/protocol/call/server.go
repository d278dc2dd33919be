package call

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	appErr "arena/pkg/errors"
	"arena/pkg/protocol/wire"
	"arena/pkg/utils/logger"

	"go.uber.org/zap"
)

// Function is an algorithm-side entry point. The return value is sent only
// when the caller asked for one.
type Function func(ctx context.Context, in *Invocation) (int64, error)

// UsageFunc reports the resource usage of the serving process.
type UsageFunc func() wire.ResourceUsage

// Invocation is one call being served. It gives the function its arguments
// and lets it invoke the callback parameters supplied by the caller.
type Invocation struct {
	Name string
	Args []wire.Value

	conn      *wire.Conn
	arities   []int
	callbacks int
	streamErr error
}

// Arg returns argument i as a scalar.
func (in *Invocation) Arg(i int) int64 {
	return in.Args[i].Int
}

// NumCallbacks returns the number of callback parameters bound by the caller.
func (in *Invocation) NumCallbacks() int {
	return len(in.arities)
}

// Callbacks returns how many callbacks were issued so far.
func (in *Invocation) Callbacks() int {
	return in.callbacks
}

// Callback invokes callback parameter index on the caller and blocks until it
// returns.
func (in *Invocation) Callback(index int, args ...int64) (Return, error) {
	if in.streamErr != nil {
		return Return{}, in.streamErr
	}
	if index < 0 || index >= len(in.arities) {
		return Return{}, appErr.Newf(appErr.CallbackIndexOutOfRange, "callback index %d out of range [0, %d)", index, len(in.arities))
	}
	if len(args) != in.arities[index] {
		return Return{}, appErr.Newf(appErr.InvalidParams, "callback %d takes %d arguments, got %d", index, in.arities[index], len(args))
	}
	ret, err := in.roundTrip(index, args)
	if err != nil {
		in.streamErr = err
		return Return{}, err
	}
	in.callbacks++
	return ret, nil
}

func (in *Invocation) roundTrip(index int, args []int64) (Return, error) {
	c := in.conn
	if err := c.WriteInt(statusOK); err != nil {
		return Return{}, err
	}
	if err := c.WriteInt(sentinelCallback); err != nil {
		return Return{}, err
	}
	if err := c.WriteInt(int64(index)); err != nil {
		return Return{}, err
	}
	for _, a := range args {
		if err := c.WriteInt(a); err != nil {
			return Return{}, err
		}
	}
	if err := c.EndBatch(); err != nil {
		return Return{}, err
	}

	if err := c.Expect(tokRequest); err != nil {
		return Return{}, err
	}
	if err := c.Expect(cmdCallbackReturn); err != nil {
		return Return{}, err
	}
	has, err := c.ReadBool()
	if err != nil {
		return Return{}, err
	}
	ret := Return{HasValue: has}
	if has {
		if ret.Value, err = c.ReadInt(); err != nil {
			return Return{}, err
		}
	}
	if err := c.ExpectEnd(); err != nil {
		return Return{}, err
	}
	return ret, nil
}

// Server is the algorithm side of a process pair. It serves one request at a
// time until the caller sends exit or a wait with the kill flag set.
type Server struct {
	conn  *wire.Conn
	usage UsageFunc

	mu    sync.RWMutex
	funcs map[string]Function
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithUsage sets the source of resource usage reports.
func WithUsage(fn UsageFunc) ServerOption {
	return func(s *Server) {
		s.usage = fn
	}
}

// NewServer returns a server speaking over conn.
func NewServer(conn *wire.Conn, opts ...ServerOption) *Server {
	s := &Server{
		conn:  conn,
		usage: func() wire.ResourceUsage { return wire.ResourceUsage{} },
		funcs: make(map[string]Function),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register exposes fn under name.
func (s *Server) Register(name string, fn Function) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.funcs[name] = fn
}

func (s *Server) lookup(name string) (Function, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn, ok := s.funcs[name]
	return fn, ok
}

// Serve handles requests until the caller ends the session. A function that
// fails is reported to the caller as a nonzero status and ends the session
// with that error.
func (s *Server) Serve(ctx context.Context) error {
	for {
		if err := s.conn.Expect(tokRequest); err != nil {
			return err
		}
		cmd, err := s.conn.ReadToken()
		if err != nil {
			return err
		}
		switch cmd {
		case cmdCall:
			if err := s.serveCall(ctx); err != nil {
				return err
			}
		case cmdWait:
			kill, err := s.conn.ReadBool()
			if err != nil {
				return err
			}
			if err := s.conn.ExpectEnd(); err != nil {
				return err
			}
			if err := s.writeUsage(); err != nil {
				return err
			}
			if kill {
				logger.Debug(ctx, "killed by wait request")
				return nil
			}
		case cmdCheckpoint:
			if err := s.conn.ExpectEnd(); err != nil {
				return err
			}
			if err := s.conn.WriteInt(statusOK); err != nil {
				return err
			}
			if err := s.conn.EndBatch(); err != nil {
				return err
			}
		case cmdExit:
			if err := s.conn.ExpectEnd(); err != nil {
				return err
			}
			return nil
		default:
			return appErr.Newf(appErr.ProtocolDesyncError, "unknown request %q", cmd)
		}
	}
}

func (s *Server) serveCall(ctx context.Context) error {
	in, hasReturn, err := s.readCall()
	if err != nil {
		return err
	}
	fn, ok := s.lookup(in.Name)
	if !ok {
		err := appErr.Newf(appErr.UnknownFunction, "unknown function %q", in.Name)
		if werr := s.reportFailure(err); werr != nil {
			return werr
		}
		return err
	}

	v, err := invoke(ctx, fn, in)
	if in.streamErr != nil {
		return in.streamErr
	}
	if err != nil {
		logger.Warn(ctx, "function failed", zap.String("function", in.Name), zap.Error(err))
		if werr := s.reportFailure(err); werr != nil {
			return werr
		}
		return err
	}

	if err := s.conn.WriteInt(statusOK); err != nil {
		return err
	}
	if err := s.conn.WriteInt(sentinelDone); err != nil {
		return err
	}
	if hasReturn {
		if err := s.conn.WriteInt(v); err != nil {
			return err
		}
	}
	return s.conn.EndBatch()
}

func (s *Server) readCall() (*Invocation, bool, error) {
	c := s.conn
	name, err := c.ReadToken()
	if err != nil {
		return nil, false, err
	}
	argc, err := c.ReadInt()
	if err != nil {
		return nil, false, err
	}
	if argc < 0 || argc > wire.MaxLength {
		return nil, false, appErr.Newf(appErr.ProtocolDesyncError, "invalid argument count %d", argc)
	}
	args := make([]wire.Value, 0, min(argc, wire.PreallocLimit))
	for i := int64(0); i < argc; i++ {
		v, err := wire.DecodeValue(c)
		if err != nil {
			return nil, false, err
		}
		args = append(args, v)
	}
	hasReturn, err := c.ReadBool()
	if err != nil {
		return nil, false, err
	}
	n, err := c.ReadInt()
	if err != nil {
		return nil, false, err
	}
	if n < 0 || n > wire.MaxLength {
		return nil, false, appErr.Newf(appErr.ProtocolDesyncError, "invalid callback count %d", n)
	}
	arities := make([]int, 0, min(n, wire.PreallocLimit))
	for i := int64(0); i < n; i++ {
		a, err := c.ReadInt()
		if err != nil {
			return nil, false, err
		}
		if a < 0 {
			return nil, false, appErr.Newf(appErr.ProtocolDesyncError, "invalid arity %d for callback %d", a, i)
		}
		arities = append(arities, int(a))
	}
	if err := c.ExpectEnd(); err != nil {
		return nil, false, err
	}
	return &Invocation{Name: name, Args: args, conn: c, arities: arities}, hasReturn, nil
}

func invoke(ctx context.Context, fn Function, in *Invocation) (v int64, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "function panicked", zap.String("function", in.Name), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = appErr.Newf(appErr.AlgorithmRuntimeError, "%s: panic: %v", in.Name, r)
		}
	}()
	return fn(ctx, in)
}

func (s *Server) writeUsage() error {
	if err := s.conn.WriteInt(statusOK); err != nil {
		return err
	}
	if err := wire.WriteUsage(s.conn, s.usage()); err != nil {
		return err
	}
	return s.conn.EndBatch()
}

func (s *Server) reportFailure(cause error) error {
	if err := s.conn.WriteInt(statusFailed); err != nil {
		return err
	}
	if err := wire.WriteUsage(s.conn, s.usage()); err != nil {
		return err
	}
	if err := s.conn.WriteText(fmt.Sprint(cause)); err != nil {
		return err
	}
	return s.conn.EndBatch()
}
