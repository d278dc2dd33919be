// Package phase implements resumable multi-step exchanges over a process
// pair. An exchange is a fixed, ordered list of steps; a machine remembers
// which step it reached and re-enters there on the next Resume instead of
// restarting, so interface code can hand control back to its caller between
// steps.
package phase

import (
	"context"
	"fmt"

	appErr "arena/pkg/errors"
)

// Phase is a position within a protocol. Start precedes the first step; step
// i of a protocol runs in phase i+1.
type Phase int

// Start is the phase of an exchange that has not issued anything yet.
const Start Phase = 0

// Action tells the machine what to do once a step returns.
type Action int

const (
	// Advance completes the step and runs the next one immediately.
	Advance Action = iota
	// Suspend returns control to the caller; the same step runs again on
	// the next Resume.
	Suspend
	// SuspendAfter completes the step, then returns control to the caller.
	SuspendAfter
)

func (a Action) String() string {
	switch a {
	case Advance:
		return "advance"
	case Suspend:
		return "suspend"
	case SuspendAfter:
		return "suspend_after"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Step is one phase of a protocol.
type Step struct {
	Name string
	Run  func(ctx context.Context, m *Machine) (Action, error)
}

// Protocol is an ordered list of steps.
type Protocol struct {
	Name  string
	Steps []Step
}

// NewProtocol builds a protocol from steps, in order.
func NewProtocol(name string, steps ...Step) *Protocol {
	return &Protocol{Name: name, Steps: steps}
}

// Last returns the phase of the final step.
func (p *Protocol) Last() Phase {
	return Phase(len(p.Steps))
}

// PhaseName returns a printable name for ph.
func (p *Protocol) PhaseName(ph Phase) string {
	switch {
	case ph == Start:
		return p.Name + ".start"
	case ph > Start && int(ph) <= len(p.Steps):
		return p.Name + "." + p.Steps[ph-1].Name
	default:
		return fmt.Sprintf("%s.phase(%d)", p.Name, int(ph))
	}
}

// Cursors tracks the downward and upward progress of an exchange. Sent is the
// phase of the last request written to the callee; Consumed is the phase of
// the last reply read back. Pending is set between the two: a phase may be
// sent again, or a later phase sent, only once the previous reply has been
// consumed.
type Cursors struct {
	Sent     Phase
	Consumed Phase
	Pending  bool
}

// InSync reports whether every request sent has had its reply consumed.
func (c Cursors) InSync() bool {
	return !c.Pending
}

// Send records that a request of ph was written.
func (c *Cursors) Send(ph Phase) error {
	if c.Pending {
		return appErr.Newf(appErr.ProtocolDesyncError, "phase %d sent while reply to phase %d is pending", ph, c.Sent)
	}
	if ph < c.Sent {
		return appErr.Newf(appErr.ProtocolDesyncError, "phase %d sent after phase %d", ph, c.Sent)
	}
	c.Sent = ph
	c.Pending = true
	return nil
}

// Receive records that the reply to a request of ph was read.
func (c *Cursors) Receive(ph Phase) error {
	if !c.Pending {
		return appErr.Newf(appErr.ProtocolDesyncError, "reply for phase %d consumed with no request outstanding", ph)
	}
	if ph != c.Sent {
		return appErr.Newf(appErr.ProtocolDesyncError, "reply for phase %d consumed while phase %d is outstanding", ph, c.Sent)
	}
	c.Consumed = ph
	c.Pending = false
	return nil
}
