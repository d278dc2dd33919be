package contextkey

import "context"

// key is a private type to avoid context key collisions across packages.
type key string

const (
	EvaluationID key = "evaluation_id"
	ProcessID    key = "process_id"
	Phase        key = "phase"
)

// WithEvaluation tags ctx with the evaluation id used in log lines.
func WithEvaluation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, EvaluationID, id)
}

// WithProcess tags ctx with the process id a log line refers to.
func WithProcess(ctx context.Context, id int) context.Context {
	return context.WithValue(ctx, ProcessID, id)
}

// WithPhase tags ctx with the protocol phase being executed.
func WithPhase(ctx context.Context, phase string) context.Context {
	return context.WithValue(ctx, Phase, phase)
}
