package lifecycle

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLog() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func TestSagaRunsInOrder(t *testing.T) {
	var order []string
	saga := NewSaga("test", testLog()).
		AddStep(Step{Name: "a", Do: func(ctx context.Context) error {
			order = append(order, "a")
			return nil
		}}).
		AddStep(Step{Name: "b", Do: func(ctx context.Context) error {
			order = append(order, "b")
			return nil
		}})

	require.NoError(t, saga.Run(context.Background()))
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestSagaCompensatesInReverse(t *testing.T) {
	var undone []string
	boom := errors.New("boom")

	saga := NewSaga("test", testLog()).
		AddStep(Step{
			Name: "a",
			Do:   func(ctx context.Context) error { return nil },
			Undo: func(ctx context.Context) error { undone = append(undone, "a"); return nil },
		}).
		AddStep(Step{
			Name: "b",
			Do:   func(ctx context.Context) error { return nil },
			Undo: func(ctx context.Context) error { undone = append(undone, "b"); return nil },
		}).
		AddStep(Step{
			Name: "c",
			Do:   func(ctx context.Context) error { return boom },
			Undo: func(ctx context.Context) error { undone = append(undone, "c"); return nil },
		})

	err := saga.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "c:")

	// The failed step is not compensated, only the completed ones, in
	// reverse order.
	assert.Equal(t, []string{"b", "a"}, undone)
}

func TestSagaCompensationErrorDoesNotMask(t *testing.T) {
	boom := errors.New("boom")
	saga := NewSaga("test", testLog()).
		AddStep(Step{
			Name: "a",
			Do:   func(ctx context.Context) error { return nil },
			Undo: func(ctx context.Context) error { return errors.New("undo failed") },
		}).
		AddStep(Step{
			Name: "b",
			Do:   func(ctx context.Context) error { return boom },
		})

	err := saga.Run(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestSagaNilUndoSkipped(t *testing.T) {
	var undone []string
	saga := NewSaga("test", testLog()).
		AddStep(Step{
			Name: "a",
			Do:   func(ctx context.Context) error { return nil },
			Undo: func(ctx context.Context) error { undone = append(undone, "a"); return nil },
		}).
		AddStep(Step{
			Name: "no-undo",
			Do:   func(ctx context.Context) error { return nil },
		}).
		AddStep(Step{
			Name: "fail",
			Do:   func(ctx context.Context) error { return errors.New("boom") },
		})

	require.Error(t, saga.Run(context.Background()))
	assert.Equal(t, []string{"a"}, undone)
}
