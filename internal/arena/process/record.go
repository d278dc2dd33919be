// Package process owns the lifecycle of driver and algorithm processes: id
// allocation, the named pipes each process talks over, start, stop and
// status.
package process

import (
	"fmt"
	"strconv"

	"arena/internal/arena/sandbox"
)

// Kind distinguishes drivers from algorithms.
type Kind int

const (
	KindDriver Kind = iota
	KindAlgorithm
)

func (k Kind) String() string {
	switch k {
	case KindDriver:
		return "driver"
	case KindAlgorithm:
		return "algorithm"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Status is the lifecycle state of a process. The numeric values are sent on
// the control channel.
type Status int

const (
	StatusCreated Status = iota
	StatusRunning
	StatusStopped
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusRunning:
		return "running"
	case StatusStopped:
		return "stopped"
	case StatusFailed:
		return "failed"
	default:
		return "status(" + strconv.Itoa(int(s)) + ")"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusFailed
}

// canTransition enforces monotone lifecycles: Created, then Running, then
// Stopped or Failed.
func canTransition(from, to Status) bool {
	switch from {
	case StatusCreated:
		return to == StatusRunning || to == StatusStopped || to == StatusFailed
	case StatusRunning:
		return to == StatusStopped || to == StatusFailed
	default:
		return false
	}
}

// Info is a snapshot of a process record.
type Info struct {
	ID     int           `json:"id"`
	Kind   Kind          `json:"kind"`
	Name   string        `json:"name"`
	Status Status        `json:"status"`
	Pid    int           `json:"pid,omitempty"`
	Exit   *sandbox.Exit `json:"exit,omitempty"`
	Error  string        `json:"error,omitempty"`
}

type record struct {
	id      int
	kind    Kind
	name    string
	program string
	args    []string
	status  Status

	// starting is set while Start runs outside the registry lock.
	starting bool

	handle  sandbox.Handle
	streams *Streams
	exit    *sandbox.Exit
	cause   error
}

func (r *record) setStatus(to Status) error {
	if !canTransition(r.status, to) {
		return fmt.Errorf("process %d: invalid transition %s -> %s", r.id, r.status, to)
	}
	r.status = to
	return nil
}

func (r *record) info() Info {
	info := Info{ID: r.id, Kind: r.kind, Name: r.name, Status: r.status, Exit: r.exit}
	if r.handle != nil {
		info.Pid = r.handle.Pid()
	}
	if r.cause != nil {
		info.Error = r.cause.Error()
	}
	return info
}
