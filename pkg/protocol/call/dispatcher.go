package call

import (
	"context"

	appErr "arena/pkg/errors"
)

// Return is the result of one callback invocation.
type Return struct {
	HasValue bool
	Value    int64
}

// Handler is a callback parameter bound by the calling side. Callbacks only
// take scalar integer arguments.
type Handler interface {
	Arity() int
	Invoke(ctx context.Context, args []int64) (Return, error)
}

type funcHandler struct {
	arity int
	fn    func(ctx context.Context, args []int64) (int64, error)
}

func (h funcHandler) Arity() int { return h.arity }

func (h funcHandler) Invoke(ctx context.Context, args []int64) (Return, error) {
	v, err := h.fn(ctx, args)
	if err != nil {
		return Return{}, err
	}
	return Return{HasValue: true, Value: v}, nil
}

type procHandler struct {
	arity int
	fn    func(ctx context.Context, args []int64) error
}

func (h procHandler) Arity() int { return h.arity }

func (h procHandler) Invoke(ctx context.Context, args []int64) (Return, error) {
	return Return{}, h.fn(ctx, args)
}

// Func binds a callback that returns a value.
func Func(arity int, fn func(ctx context.Context, args []int64) (int64, error)) Handler {
	return funcHandler{arity: arity, fn: fn}
}

// Proc binds a callback without a return value.
func Proc(arity int, fn func(ctx context.Context, args []int64) error) Handler {
	return procHandler{arity: arity, fn: fn}
}

// Dispatcher routes callback invocations to an ordered table of handlers.
type Dispatcher struct {
	pairID     int
	handlers   []Handler
	roundTrips int
}

// NewDispatcher returns a dispatcher for the handlers, in declaration order.
func NewDispatcher(pairID int, handlers []Handler) *Dispatcher {
	return &Dispatcher{pairID: pairID, handlers: handlers}
}

// Arities returns the parameter count of each handler.
func (d *Dispatcher) Arities() []int {
	out := make([]int, len(d.handlers))
	for i, h := range d.handlers {
		out[i] = h.Arity()
	}
	return out
}

// Len returns the number of bound handlers.
func (d *Dispatcher) Len() int {
	return len(d.handlers)
}

// Arity returns the parameter count of handler index, validating the index.
func (d *Dispatcher) Arity(index int64) (int, error) {
	if index < 0 || index >= int64(len(d.handlers)) {
		return 0, appErr.Newf(appErr.CallbackIndexOutOfRange, "callback index %d out of range [0, %d)", index, len(d.handlers)).
			WithProcess(d.pairID)
	}
	return d.handlers[index].Arity(), nil
}

// Dispatch invokes handler index with args.
func (d *Dispatcher) Dispatch(ctx context.Context, index int64, args []int64) (Return, error) {
	arity, err := d.Arity(index)
	if err != nil {
		return Return{}, err
	}
	if len(args) != arity {
		return Return{}, appErr.Newf(appErr.ProtocolDesyncError, "callback %d takes %d arguments, got %d", index, arity, len(args)).
			WithProcess(d.pairID)
	}
	d.roundTrips++
	return d.handlers[index].Invoke(ctx, args)
}

// RoundTrips returns how many callbacks were dispatched.
func (d *Dispatcher) RoundTrips() int {
	return d.roundTrips
}
