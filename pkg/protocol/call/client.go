package call

import (
	"context"
	"sync"
	"time"

	appErr "arena/pkg/errors"
	"arena/pkg/protocol/wire"
	"arena/pkg/utils/contextkey"
	"arena/pkg/utils/logger"

	"go.uber.org/zap"
)

// Request describes one call into the algorithm.
type Request struct {
	Name           string
	Args           []wire.Value
	HasReturnValue bool
	// Callbacks are bound in order; the algorithm refers to them by index.
	Callbacks []Handler
}

// Result is the outcome of a completed call.
type Result struct {
	HasValue bool
	Value    int64
	// Callbacks is the number of callback round-trips served during the call.
	Callbacks int
}

// Tracker observes the request/reply traffic of a pair. Sent is called
// before a request is written and Consumed once its complete reply has been
// read; an error from either fails the operation.
type Tracker interface {
	Sent() error
	Consumed() error
}

// Client is the calling side of a process pair. At most one operation is in
// flight at a time; a second concurrent or reentrant operation on the same
// pair fails with PairBusy instead of interleaving bytes on the stream.
type Client struct {
	pairID  int
	conn    *wire.Conn
	tracker Tracker

	mu     sync.Mutex
	broken error
	exited bool
	usage  wire.ResourceUsage
}

// NewClient returns a client speaking over conn for the pair pairID.
func NewClient(pairID int, conn *wire.Conn) *Client {
	return &Client{pairID: pairID, conn: conn}
}

// Track reports every later request and reply on the pair to t.
func (c *Client) Track(t Tracker) {
	c.mu.Lock()
	c.tracker = t
	c.mu.Unlock()
}

// PairID returns the process id of the callee.
func (c *Client) PairID() int {
	return c.pairID
}

// LastUsage returns the most recent resource usage reported by the callee.
func (c *Client) LastUsage() wire.ResourceUsage {
	return c.usage
}

// Err returns the error that made the pair unusable, if any.
func (c *Client) Err() error {
	return c.broken
}

// Call invokes req.Name and serves callbacks until the callee completes.
func (c *Client) Call(ctx context.Context, req Request) (Result, error) {
	if err := c.acquire(); err != nil {
		return Result{}, err
	}
	if err := c.sent(); err != nil {
		c.mu.Unlock()
		return Result{}, c.annotate(err)
	}
	res, err := c.call(ctx, req)
	err = c.consumed(err)
	c.release(err)
	return res, c.annotate(err)
}

func (c *Client) call(ctx context.Context, req Request) (Result, error) {
	c.applyDeadline(ctx)
	defer c.conn.SetDeadline(time.Time{})

	disp := NewDispatcher(c.pairID, req.Callbacks)
	if err := c.writeCall(req, disp); err != nil {
		return Result{}, err
	}
	logger.Debug(contextkey.WithProcess(ctx, c.pairID), "call sent",
		zap.String("function", req.Name), zap.Int("args", len(req.Args)), zap.Int("callbacks", disp.Len()))

	for {
		if err := ctx.Err(); err != nil {
			return Result{}, appErr.Wrapf(err, appErr.Timeout, "call %s interrupted", req.Name)
		}
		if err := c.readStatus(); err != nil {
			return Result{}, err
		}
		sentinel, err := c.conn.ReadInt()
		if err != nil {
			return Result{}, err
		}
		switch sentinel {
		case sentinelDone:
			res := Result{}
			if req.HasReturnValue {
				v, err := c.conn.ReadInt()
				if err != nil {
					return Result{}, err
				}
				res.HasValue, res.Value = true, v
			}
			if err := c.conn.ExpectEnd(); err != nil {
				return Result{}, err
			}
			res.Callbacks = disp.RoundTrips()
			return res, nil
		case sentinelCallback:
			if err := c.serveCallback(ctx, disp); err != nil {
				return Result{}, err
			}
		default:
			return Result{}, appErr.Newf(appErr.ProtocolDesyncError, "unexpected call sentinel %d", sentinel)
		}
	}
}

func (c *Client) writeCall(req Request, disp *Dispatcher) error {
	if req.Name == "" {
		return appErr.BadRequest("function name is required")
	}
	if err := c.conn.WriteToken(tokRequest); err != nil {
		return err
	}
	if err := c.conn.WriteToken(cmdCall); err != nil {
		return err
	}
	if err := c.conn.WriteToken(req.Name); err != nil {
		return err
	}
	if err := c.conn.WriteInt(int64(len(req.Args))); err != nil {
		return err
	}
	for _, arg := range req.Args {
		if err := wire.EncodeValue(c.conn, arg); err != nil {
			return err
		}
	}
	if err := c.conn.WriteBool(req.HasReturnValue); err != nil {
		return err
	}
	arities := disp.Arities()
	if err := c.conn.WriteInt(int64(len(arities))); err != nil {
		return err
	}
	for _, a := range arities {
		if err := c.conn.WriteInt(int64(a)); err != nil {
			return err
		}
	}
	return c.conn.EndBatch()
}

func (c *Client) serveCallback(ctx context.Context, disp *Dispatcher) error {
	index, err := c.conn.ReadInt()
	if err != nil {
		return err
	}
	arity, err := disp.Arity(index)
	if err != nil {
		return err
	}
	args := make([]int64, arity)
	for i := range args {
		if args[i], err = c.conn.ReadInt(); err != nil {
			return err
		}
	}
	if err := c.conn.ExpectEnd(); err != nil {
		return err
	}

	ret, err := disp.Dispatch(ctx, index, args)
	if err != nil {
		return err
	}
	logger.Debug(contextkey.WithProcess(ctx, c.pairID), "callback served",
		zap.Int64("index", index), zap.Int64s("args", args), zap.Bool("has_value", ret.HasValue), zap.Int64("value", ret.Value))

	if err := c.conn.WriteToken(tokRequest); err != nil {
		return err
	}
	if err := c.conn.WriteToken(cmdCallbackReturn); err != nil {
		return err
	}
	if err := c.conn.WriteBool(ret.HasValue); err != nil {
		return err
	}
	if ret.HasValue {
		if err := c.conn.WriteInt(ret.Value); err != nil {
			return err
		}
	}
	return c.conn.EndBatch()
}

// Wait asks the callee for its resource usage. When kill is set the callee
// terminates after answering and the pair accepts no further requests.
func (c *Client) Wait(ctx context.Context, kill bool) (wire.ResourceUsage, error) {
	if err := c.acquire(); err != nil {
		return wire.ResourceUsage{}, err
	}
	if err := c.sent(); err != nil {
		c.mu.Unlock()
		return wire.ResourceUsage{}, c.annotate(err)
	}
	usage, err := c.wait(ctx, kill)
	err = c.consumed(err)
	if err == nil && kill {
		c.exited = true
	}
	c.release(err)
	return usage, c.annotate(err)
}

func (c *Client) wait(ctx context.Context, kill bool) (wire.ResourceUsage, error) {
	c.applyDeadline(ctx)
	defer c.conn.SetDeadline(time.Time{})

	if err := c.writeCommand(cmdWait); err != nil {
		return wire.ResourceUsage{}, err
	}
	if err := c.conn.WriteBool(kill); err != nil {
		return wire.ResourceUsage{}, err
	}
	if err := c.conn.EndBatch(); err != nil {
		return wire.ResourceUsage{}, err
	}
	if err := c.readStatus(); err != nil {
		return wire.ResourceUsage{}, err
	}
	usage, err := wire.ReadUsage(c.conn)
	if err != nil {
		return wire.ResourceUsage{}, err
	}
	if err := c.conn.ExpectEnd(); err != nil {
		return wire.ResourceUsage{}, err
	}
	c.usage = usage
	return usage, nil
}

// Checkpoint confirms the pair is in sync: the callee answers with a bare
// success status.
func (c *Client) Checkpoint(ctx context.Context) error {
	if err := c.acquire(); err != nil {
		return err
	}
	if err := c.sent(); err != nil {
		c.mu.Unlock()
		return c.annotate(err)
	}
	err := c.consumed(c.checkpoint(ctx))
	c.release(err)
	return c.annotate(err)
}

func (c *Client) checkpoint(ctx context.Context) error {
	c.applyDeadline(ctx)
	defer c.conn.SetDeadline(time.Time{})

	if err := c.writeCommand(cmdCheckpoint); err != nil {
		return err
	}
	if err := c.conn.EndBatch(); err != nil {
		return err
	}
	if err := c.readStatus(); err != nil {
		return err
	}
	return c.conn.ExpectEnd()
}

// Exit sends the final message of the pair. No response is expected. Exit on
// a pair that already failed is a no-op.
func (c *Client) Exit(ctx context.Context) error {
	if !c.mu.TryLock() {
		return appErr.New(appErr.PairBusy).WithProcess(c.pairID)
	}
	defer c.mu.Unlock()
	if c.exited || c.broken != nil {
		c.exited = true
		return nil
	}
	c.exited = true
	if err := c.writeCommand(cmdExit); err != nil {
		return c.annotate(err)
	}
	if err := c.conn.EndBatch(); err != nil {
		return c.annotate(err)
	}
	logger.Debug(contextkey.WithProcess(ctx, c.pairID), "exit sent")
	return nil
}

func (c *Client) writeCommand(cmd string) error {
	if err := c.conn.WriteToken(tokRequest); err != nil {
		return err
	}
	return c.conn.WriteToken(cmd)
}

// readStatus consumes the status token opening every upward batch. A nonzero
// status carries the callee's usage and message and ends the batch.
func (c *Client) readStatus() error {
	status, err := c.conn.ReadInt()
	if err != nil {
		return err
	}
	if status == statusOK {
		return nil
	}
	usage, err := wire.ReadUsage(c.conn)
	if err != nil {
		return err
	}
	msg, err := c.conn.ReadToken()
	if err != nil {
		return err
	}
	if err := c.conn.ExpectEnd(); err != nil {
		return err
	}
	c.usage = usage
	return appErr.Newf(appErr.AlgorithmRuntimeError, "%s", msg).
		WithDetail("status", status).
		WithDetail("usage", usage)
}

func (c *Client) sent() error {
	if c.tracker == nil {
		return nil
	}
	return c.tracker.Sent()
}

func (c *Client) consumed(err error) error {
	if err != nil || c.tracker == nil {
		return err
	}
	return c.tracker.Consumed()
}

func (c *Client) acquire() error {
	if !c.mu.TryLock() {
		return appErr.New(appErr.PairBusy).WithProcess(c.pairID)
	}
	if c.broken != nil {
		err := c.broken
		c.mu.Unlock()
		return err
	}
	if c.exited {
		c.mu.Unlock()
		return appErr.New(appErr.ProcessStateInvalid).WithMessage("pair already exited").WithProcess(c.pairID)
	}
	return nil
}

// release records a failure and unlocks the pair. Any failure leaves the
// stream position untrusted, so the pair is not used again.
func (c *Client) release(err error) {
	if err != nil {
		c.broken = c.annotate(err)
	}
	c.mu.Unlock()
}

func (c *Client) annotate(err error) error {
	if err == nil {
		return nil
	}
	e := appErr.GetError(err)
	if _, ok := e.Details[appErr.DetailProcessID]; !ok {
		e.WithProcess(c.pairID)
	}
	return e
}

func (c *Client) applyDeadline(ctx context.Context) {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
	}
}
