package handlers

import "context"

type stepKey struct{}

// StepFunc records a named progress step of the running task.
type StepFunc func(step string)

// WithStepReporter attaches fn to ctx so handlers can report progress.
func WithStepReporter(ctx context.Context, fn StepFunc) context.Context {
	return context.WithValue(ctx, stepKey{}, fn)
}

// ReportStep records step against the task running under ctx. It is a no-op
// outside the worker.
func ReportStep(ctx context.Context, step string) {
	if fn, ok := ctx.Value(stepKey{}).(StepFunc); ok && fn != nil {
		fn(step)
	}
}
