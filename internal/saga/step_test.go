package saga

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteSuccessSkipsCompensation(t *testing.T) {
	compensated := false
	step := AsyncStep{
		Name:       "publish",
		Do:         func(ctx context.Context) error { return nil },
		Compensate: func(ctx context.Context, cause error) error { compensated = true; return nil },
	}

	err := step.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, compensated)
}

func TestExecuteFailureRunsCompensation(t *testing.T) {
	doErr := errors.New("broker unavailable")
	var got error
	step := AsyncStep{
		Name:       "publish",
		Do:         func(ctx context.Context) error { return doErr },
		Compensate: func(ctx context.Context, cause error) error { got = cause; return nil },
	}

	err := step.Execute(context.Background(), nil)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "publish", stepErr.Step)
	assert.ErrorIs(t, err, doErr)
	assert.Equal(t, doErr, got)
}

func TestExecuteCompensationFailure(t *testing.T) {
	doErr := errors.New("broker unavailable")
	compErr := errors.New("database down")
	step := AsyncStep{
		Name:       "publish",
		Do:         func(ctx context.Context) error { return doErr },
		Compensate: func(ctx context.Context, cause error) error { return compErr },
	}

	err := step.Execute(context.Background(), nil)

	var cErr *CompensationError
	require.ErrorAs(t, err, &cErr)
	assert.Equal(t, doErr, cErr.Cause)
	assert.Equal(t, compErr, cErr.CompensateErr)
	assert.ErrorIs(t, err, compErr)

	// A compensation failure must not be mistaken for a compensated step.
	var stepErr *StepError
	assert.False(t, errors.As(err, &stepErr))
}

func TestExecuteRejectsIncompleteStep(t *testing.T) {
	step := AsyncStep{
		Name: "publish",
		Do:   func(ctx context.Context) error { return nil },
	}
	err := step.Execute(context.Background(), nil)
	require.Error(t, err)
}
