package process

import (
	"os"

	"arena/pkg/protocol/wire"
)

// Streams are the parent-side ends of a process pair.
type Streams struct {
	Downward *os.File
	Upward   *os.File
}

// Conn frames the streams for the call protocol. Closing the Conn closes the
// streams.
func (s *Streams) Conn(opts ...wire.Option) *wire.Conn {
	opts = append(opts, wire.WithClosers(s.Downward, s.Upward))
	return wire.NewConn(s.Upward, s.Downward, opts...)
}

// Close closes both ends. Pending reads and writes fail.
func (s *Streams) Close() error {
	derr := s.Downward.Close()
	uerr := s.Upward.Close()
	if derr != nil && !isClosed(derr) {
		return derr
	}
	if uerr != nil && !isClosed(uerr) {
		return uerr
	}
	return nil
}
