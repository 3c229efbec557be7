// Package saga provides an explicit do/compensate step type for the
// post-commit phase of a local-transaction-plus-async-message saga. Giving
// the compensation a field of its own, instead of a free-form error branch,
// makes it impossible to add an async step without also deciding how it is
// undone.
package saga

import (
	"context"
	"fmt"
	"log/slog"
)

// LocalStep is the forward action of an async step. It runs after the
// saga's local transaction has committed, so its failure can no longer
// roll anything back.
type LocalStep func(ctx context.Context) error

// CompensatingStep semantically undoes, or marks failed, the committed
// local state when the forward action cannot complete. It receives the
// cause so it can record it.
type CompensatingStep func(ctx context.Context, cause error) error

// AsyncStep pairs a forward action with its compensation.
type AsyncStep struct {
	Name       string
	Do         LocalStep
	Compensate CompensatingStep
}

// StepError reports a failed forward action whose compensation succeeded.
// Callers typically treat this as a degraded success: the local state is
// consistent again, just marked failed.
type StepError struct {
	Step  string
	Cause error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("saga step %q failed (compensated): %v", e.Step, e.Cause)
}

func (e *StepError) Unwrap() error { return e.Cause }

// CompensationError reports the one genuinely bad outcome: both the forward
// action and its compensation failed, leaving committed state that claims
// work is in flight when it is not. This requires manual intervention.
type CompensationError struct {
	Step          string
	Cause         error
	CompensateErr error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("saga step %q failed and compensation also failed: %v (original cause: %v)",
		e.Step, e.CompensateErr, e.Cause)
}

func (e *CompensationError) Unwrap() error { return e.CompensateErr }

// Execute runs the forward action and, on failure, the compensation.
// Returns nil on success, *StepError when the compensation recovered the
// failure, and *CompensationError when it did not.
func (s AsyncStep) Execute(ctx context.Context, logger *slog.Logger) error {
	if s.Do == nil || s.Compensate == nil {
		return fmt.Errorf("saga step %q missing do or compensate action", s.Name)
	}
	if logger == nil {
		logger = slog.Default()
	}

	cause := s.Do(ctx)
	if cause == nil {
		return nil
	}

	logger.Warn("saga step failed, compensating",
		slog.String("step", s.Name),
		slog.String("error", cause.Error()),
	)

	if compErr := s.Compensate(ctx, cause); compErr != nil {
		return &CompensationError{Step: s.Name, Cause: cause, CompensateErr: compErr}
	}
	return &StepError{Step: s.Name, Cause: cause}
}
