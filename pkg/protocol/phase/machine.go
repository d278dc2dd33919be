package phase

import (
	"context"

	appErr "arena/pkg/errors"
	"arena/pkg/utils/contextkey"
	"arena/pkg/utils/logger"

	"go.uber.org/zap"
)

// Status is the state of a machine after Resume returns.
type Status int

const (
	// Suspended means the current exchange paused and can be resumed.
	Suspended Status = iota
	// Done means the exchange ran its last step.
	Done
)

func (s Status) String() string {
	if s == Done {
		return "done"
	}
	return "suspended"
}

type frame struct {
	proto   *Protocol
	cur     Cursors
	next    Phase
	running bool
}

func (f *frame) done() bool {
	return f.next > f.proto.Last()
}

// Machine runs the exchanges of one process pair. Each exchange owns a frame
// holding its own cursor pair; a nested exchange started while another one
// is running pushes a frame and the caller's cursors are restored when it
// completes.
//
// The cursors move with the traffic on the pair: whoever writes a request
// calls Sent and whoever reads its reply calls Consumed, while a step is
// running. A Machine is owned by the goroutine driving the pair.
type Machine struct {
	pairID int
	frames []*frame
	err    error
}

// New returns an idle machine for pairID. Call starts an exchange on it.
func New(pairID int) *Machine {
	return &Machine{pairID: pairID}
}

func (m *Machine) push(proto *Protocol) {
	m.frames = append(m.frames, &frame{proto: proto, next: Start + 1})
}

func (m *Machine) top() *frame {
	if len(m.frames) == 0 {
		return nil
	}
	return m.frames[len(m.frames)-1]
}

// Depth returns the number of exchanges on the stack, 1 when nothing is
// nested.
func (m *Machine) Depth() int {
	return len(m.frames)
}

// Phase returns the phase the current exchange will run next, or the last
// phase plus one once it is done.
func (m *Machine) Phase() Phase {
	if f := m.top(); f != nil {
		return f.next
	}
	return Start
}

// PhaseName returns the printable name of the current exchange's position.
func (m *Machine) PhaseName() string {
	f := m.top()
	switch {
	case f == nil:
		return "idle"
	case f.running:
		return f.proto.PhaseName(f.next)
	case f.cur.Sent > Start:
		return f.proto.PhaseName(f.cur.Sent)
	default:
		return f.proto.PhaseName(Start)
	}
}

// Cursors returns the cursor pair of the current exchange.
func (m *Machine) Cursors() Cursors {
	if f := m.top(); f != nil {
		return f.cur
	}
	return Cursors{}
}

// Err returns the desync that broke the machine, if any.
func (m *Machine) Err() error {
	return m.err
}

// Sent records that a request was written in the running step's phase.
// Outside a step it does nothing.
func (m *Machine) Sent() error {
	if m.err != nil {
		return m.err
	}
	f := m.top()
	if f == nil || !f.running {
		return nil
	}
	return f.cur.Send(f.next)
}

// Consumed records that the reply to the running step's request was read.
// Outside a step it does nothing.
func (m *Machine) Consumed() error {
	if m.err != nil {
		return m.err
	}
	f := m.top()
	if f == nil || !f.running {
		return nil
	}
	return f.cur.Receive(f.next)
}

// Resume runs the current exchange from where it stopped until a step
// suspends or the exchange completes. A completed nested exchange is popped
// and its caller's cursors become current again. Resuming an idle or
// completed machine returns Done.
func (m *Machine) Resume(ctx context.Context) (Status, error) {
	if m.err != nil {
		return Suspended, m.err
	}
	f := m.top()
	if f == nil || (f.done() && !f.running) {
		return Done, nil
	}
	if f.running {
		return Suspended, m.fail(ctx, appErr.New(appErr.ProcessStateInvalid).
			WithMessagef("exchange %s resumed while running", f.proto.Name))
	}
	f.running = true
	status, err := m.run(ctx, f)
	f.running = false
	if err != nil {
		return Suspended, m.fail(ctx, err)
	}
	if status == Done && len(m.frames) > 1 {
		m.frames = m.frames[:len(m.frames)-1]
		logger.Debug(m.logContext(ctx), "nested exchange completed",
			zap.String("protocol", f.proto.Name), zap.Int("depth", len(m.frames)))
	}
	return status, nil
}

func (m *Machine) run(ctx context.Context, f *frame) (Status, error) {
	for !f.done() {
		step := f.proto.Steps[f.next-1]
		action, err := step.Run(ctx, m)
		if err != nil {
			return Suspended, err
		}
		if m.top() != f {
			return Suspended, appErr.Newf(appErr.ProtocolDesyncError, "step %s returned with a nested exchange still open", step.Name)
		}

		switch action {
		case Advance, SuspendAfter:
			if f.cur.Pending {
				return Suspended, appErr.Newf(appErr.ProtocolDesyncError, "step %s completed with the reply to phase %d unread", step.Name, f.cur.Sent)
			}
			f.next++
			if action == SuspendAfter && !f.done() {
				return Suspended, nil
			}
		case Suspend:
			return Suspended, nil
		default:
			return Suspended, appErr.Newf(appErr.InvalidParams, "step %s returned %s", step.Name, action)
		}
	}
	return Done, nil
}

// Call runs proto as an exchange. On an idle machine, or one whose only
// exchange has completed, proto becomes the current exchange. Otherwise it
// is nested on top of the current one: called from inside a step, the nested
// exchange must complete before the step returns; called between steps, a
// suspended nested exchange stays on top and is continued by Resume.
func (m *Machine) Call(ctx context.Context, proto *Protocol) (Status, error) {
	if m.err != nil {
		return Suspended, m.err
	}
	if f := m.top(); f == nil || (len(m.frames) == 1 && f.done() && !f.running) {
		m.frames = m.frames[:0]
	}
	m.push(proto)
	logger.Debug(m.logContext(ctx), "exchange started",
		zap.String("protocol", proto.Name), zap.Int("depth", len(m.frames)))
	return m.Resume(ctx)
}

// fail breaks the machine. The stream position cannot be trusted after a
// desync, so every later operation reports the same error.
func (m *Machine) fail(ctx context.Context, err error) error {
	e := appErr.GetError(err)
	if _, ok := e.Details[appErr.DetailProcessID]; !ok {
		e.WithProcess(m.pairID)
	}
	if _, ok := e.Details[appErr.DetailPhase]; !ok {
		e.WithPhase(m.PhaseName())
	}
	m.err = e
	logger.Warn(m.logContext(ctx), "exchange failed", zap.Error(e))
	return e
}

func (m *Machine) logContext(ctx context.Context) context.Context {
	ctx = contextkey.WithProcess(ctx, m.pairID)
	return contextkey.WithPhase(ctx, m.PhaseName())
}
