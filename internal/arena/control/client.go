package control

import (
	"context"
	"strconv"
	"sync"
	"time"

	"arena/internal/arena/process"
	"arena/internal/arena/sandbox"
	appErr "arena/pkg/errors"
	"arena/pkg/protocol/wire"
)

// Client is the driver side of the control channel. It is safe for
// concurrent use; requests are serialised.
type Client struct {
	mu   sync.Mutex
	conn *wire.Conn
}

// NewClient returns a client over conn.
func NewClient(conn *wire.Conn) *Client {
	return &Client{conn: conn}
}

// Close closes the channel. The supervisor treats this as the end of the
// driver's requests.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

func (c *Client) roundTrip(ctx context.Context, want int, command string, args ...string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}
	req := Request{Command: command, Args: args}
	if err := c.conn.WriteLine(req.String()); err != nil {
		return nil, err
	}
	line, err := c.conn.ReadLine()
	if err != nil {
		return nil, err
	}
	fields, err := ParseResponse(line)
	if err != nil {
		return nil, appErr.GetError(err).WithDetail(appErr.DetailCommand, command)
	}
	if len(fields) != want {
		return nil, appErr.Newf(appErr.ProtocolDesyncError, "%s: expected %d token(s), got %q", command, want, line)
	}
	return fields, nil
}

func (c *Client) intCall(ctx context.Context, command string, args ...string) (int, error) {
	fields, err := c.roundTrip(ctx, 1, command, args...)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.ProtocolDesyncError, "%s: expected integer, got %q", command, fields[0])
	}
	return v, nil
}

func (c *Client) statusCall(ctx context.Context, command string, id int) (process.Status, error) {
	v, err := c.intCall(ctx, command, strconv.Itoa(id))
	if err != nil {
		return 0, annotate(err, id)
	}
	st := process.Status(v)
	if st < process.StatusCreated || st > process.StatusFailed {
		return 0, appErr.Newf(appErr.ProtocolDesyncError, "%s: invalid status %d", command, v).WithProcess(id)
	}
	return st, nil
}

// CreateProcess registers an algorithm process and returns its id.
func (c *Client) CreateProcess(ctx context.Context, name string) (int, error) {
	return c.intCall(ctx, CmdCreateProcess, name)
}

// StartProcess starts a created process.
func (c *Client) StartProcess(ctx context.Context, id int) (process.Status, error) {
	return c.statusCall(ctx, CmdStartProcess, id)
}

// ProcessStatus queries the status of a process.
func (c *Client) ProcessStatus(ctx context.Context, id int) (process.Status, error) {
	return c.statusCall(ctx, CmdProcessStatus, id)
}

// StopProcess kills a process.
func (c *Client) StopProcess(ctx context.Context, id int) (process.Status, error) {
	return c.statusCall(ctx, CmdStopProcess, id)
}

// ProcessUsage asks the supervisor for the usage it measured for a process.
func (c *Client) ProcessUsage(ctx context.Context, id int) (wire.ResourceUsage, error) {
	fields, err := c.roundTrip(ctx, 2, CmdProcessUsage, strconv.Itoa(id))
	if err != nil {
		return wire.ResourceUsage{}, annotate(err, id)
	}
	t, terr := strconv.ParseFloat(fields[0], 64)
	m, merr := strconv.ParseInt(fields[1], 10, 64)
	if terr != nil || merr != nil || t < 0 || m < 0 {
		return wire.ResourceUsage{}, appErr.Newf(appErr.ProtocolDesyncError, "process_usage: malformed usage %v", fields).WithProcess(id)
	}
	return wire.ResourceUsage{ElapsedTime: t, PeakMemory: m}, nil
}

// ProcessExit reports how a process ended. It fails with Timeout when the
// process is still running.
func (c *Client) ProcessExit(ctx context.Context, id int) (sandbox.Exit, error) {
	fields, err := c.roundTrip(ctx, exitFields, CmdProcessExit, strconv.Itoa(id))
	if err != nil {
		return sandbox.Exit{}, annotate(err, id)
	}
	ex, err := ParseExit(fields)
	if err != nil {
		return sandbox.Exit{}, appErr.GetError(err).WithProcess(id)
	}
	return ex, nil
}

// OpenReadFile opens a read-only file and returns its id.
func (c *Client) OpenReadFile(ctx context.Context, name string) (int, error) {
	return c.intCall(ctx, CmdOpenReadFile, name)
}

// CloseReadFile closes a read file.
func (c *Client) CloseReadFile(ctx context.Context, id int) error {
	v, err := c.intCall(ctx, CmdCloseReadFile, strconv.Itoa(id))
	if err != nil {
		return err
	}
	if v != 0 {
		return appErr.Newf(appErr.ProtocolDesyncError, "close_read_file: unexpected response %d", v)
	}
	return nil
}

func annotate(err error, id int) error {
	e := appErr.GetError(err)
	if _, ok := e.Details[appErr.DetailProcessID]; !ok {
		e.WithProcess(id)
	}
	return e
}
