package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	appErr "arena/pkg/errors"
)

// Conn frames tokens and batches over a pair of byte streams. Every read
// flushes pending writes first, so a reader never blocks while its own request
// is still sitting in a buffer.
//
// A Conn is not safe for concurrent use. The owner of a process pair holds it
// exclusively for the duration of one exchange.
type Conn struct {
	src      io.Reader
	r        *bufio.Reader
	w        *bufio.Writer
	tap      io.Writer
	closers  []io.Closer
	timeout  time.Duration
	deadline time.Time
}

// Option configures a Conn.
type Option func(*Conn)

// WithTimeout bounds every blocking read. It only takes effect when the
// underlying reader supports read deadlines (os.File pipes and fifos do).
func WithTimeout(d time.Duration) Option {
	return func(c *Conn) {
		c.timeout = d
	}
}

// WithTap mirrors every line written and read to w, prefixed with "> " and "< ".
func WithTap(w io.Writer) Option {
	return func(c *Conn) {
		c.tap = w
	}
}

// WithClosers registers streams closed by Close.
func WithClosers(closers ...io.Closer) Option {
	return func(c *Conn) {
		c.closers = append(c.closers, closers...)
	}
}

// NewConn returns a Conn reading from r and writing to w.
func NewConn(r io.Reader, w io.Writer, opts ...Option) *Conn {
	c := &Conn{
		src: r,
		r:   bufio.NewReader(r),
		w:   bufio.NewWriter(w),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// SetDeadline sets an absolute deadline for subsequent reads. The zero time
// removes it.
func (c *Conn) SetDeadline(t time.Time) {
	c.deadline = t
}

// Close flushes pending output and closes the registered streams.
func (c *Conn) Close() error {
	err := c.w.Flush()
	for _, closer := range c.closers {
		if cerr := closer.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// WriteToken writes one non-empty token on its own line.
func (c *Conn) WriteToken(tok string) error {
	if tok == "" || strings.ContainsAny(tok, "\r\n") {
		return appErr.Newf(appErr.InvalidFormat, "invalid token %q", tok)
	}
	return c.writeLine(tok)
}

// WriteInt writes an integer token.
func (c *Conn) WriteInt(v int64) error {
	return c.writeLine(strconv.FormatInt(v, 10))
}

// WriteBool writes 1 or 0.
func (c *Conn) WriteBool(b bool) error {
	if b {
		return c.writeLine("1")
	}
	return c.writeLine("0")
}

// WriteFloat writes a decimal floating point token.
func (c *Conn) WriteFloat(v float64) error {
	return c.writeLine(strconv.FormatFloat(v, 'f', -1, 64))
}

// WriteText writes free text as a single token. Line breaks are folded into
// spaces and empty text is sent as "-".
func (c *Conn) WriteText(s string) error {
	s = strings.TrimSpace(strings.NewReplacer("\r", " ", "\n", " ").Replace(s))
	if s == "" {
		s = "-"
	}
	return c.writeLine(s)
}

// WriteLine writes a raw line. It is used by the line-per-message control
// channel, where a line is a whole request or response.
func (c *Conn) WriteLine(line string) error {
	if strings.ContainsAny(line, "\r\n") {
		return appErr.Newf(appErr.InvalidFormat, "line contains a line break: %q", line)
	}
	return c.writeLine(line)
}

// EndBatch terminates the current batch with a blank line and flushes it.
func (c *Conn) EndBatch() error {
	if err := c.writeLine(""); err != nil {
		return err
	}
	return c.Flush()
}

// Flush writes buffered output to the underlying stream.
func (c *Conn) Flush() error {
	if err := c.w.Flush(); err != nil {
		return wrapIO(err, "flush")
	}
	return nil
}

func (c *Conn) writeLine(line string) error {
	if c.tap != nil {
		_, _ = fmt.Fprintf(c.tap, "> %s\n", line)
	}
	if _, err := c.w.WriteString(line); err != nil {
		return wrapIO(err, "write")
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return wrapIO(err, "write")
	}
	return nil
}

// ReadLine reads one raw line, which may be empty.
func (c *Conn) ReadLine() (string, error) {
	if err := c.Flush(); err != nil {
		return "", err
	}
	c.armDeadline()
	line, err := c.r.ReadString('\n')
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return "", appErr.Wrapf(err, appErr.Timeout, "read timed out")
		}
		if errors.Is(err, io.EOF) {
			if line == "" {
				return "", appErr.Wrapf(err, appErr.ProcessIOError, "stream closed by peer")
			}
			return "", appErr.Newf(appErr.ProtocolDesyncError, "stream closed inside line %q", line)
		}
		return "", wrapIO(err, "read")
	}
	line = strings.TrimRight(line, "\r\n")
	if c.tap != nil {
		_, _ = fmt.Fprintf(c.tap, "< %s\n", line)
	}
	return line, nil
}

// ReadToken reads the next token of the current batch. Reaching the end of
// the batch instead is a desync.
func (c *Conn) ReadToken() (string, error) {
	line, err := c.ReadLine()
	if err != nil {
		return "", err
	}
	if line == "" {
		return "", appErr.New(appErr.ProtocolDesyncError).WithMessage("batch ended where a token was expected")
	}
	return line, nil
}

// ReadInt reads an integer token.
func (c *Conn) ReadInt() (int64, error) {
	tok, err := c.ReadToken()
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(strings.TrimSpace(tok), 10, 64)
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.ProtocolDesyncError, "expected integer, got %q", tok)
	}
	return v, nil
}

// ReadBool reads a 0/1 flag.
func (c *Conn) ReadBool() (bool, error) {
	v, err := c.ReadInt()
	if err != nil {
		return false, err
	}
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, appErr.Newf(appErr.ProtocolDesyncError, "expected flag 0 or 1, got %d", v)
	}
}

// ReadFloat reads a decimal floating point token.
func (c *Conn) ReadFloat() (float64, error) {
	tok, err := c.ReadToken()
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(tok), 64)
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.ProtocolDesyncError, "expected number, got %q", tok)
	}
	return v, nil
}

// Expect reads a token and checks it equals want.
func (c *Conn) Expect(want string) error {
	tok, err := c.ReadToken()
	if err != nil {
		return err
	}
	if tok != want {
		return appErr.Newf(appErr.ProtocolDesyncError, "expected %q, got %q", want, tok)
	}
	return nil
}

// ExpectEnd consumes the blank line closing a batch.
func (c *Conn) ExpectEnd() error {
	line, err := c.ReadLine()
	if err != nil {
		return err
	}
	if line != "" {
		return appErr.Newf(appErr.ProtocolDesyncError, "expected end of batch, got %q", line)
	}
	return nil
}

func (c *Conn) armDeadline() {
	d, ok := c.src.(readDeadliner)
	if !ok {
		return
	}
	t := c.deadline
	if c.timeout > 0 {
		limit := time.Now().Add(c.timeout)
		if t.IsZero() || limit.Before(t) {
			t = limit
		}
	}
	_ = d.SetReadDeadline(t)
}

func wrapIO(err error, op string) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return appErr.Wrapf(err, appErr.Timeout, "%s timed out", op)
	}
	return appErr.Wrapf(err, appErr.ProcessIOError, "%s failed: %v", op, err)
}
