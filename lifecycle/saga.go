// Package lifecycle orchestrates project state: the create, stop, start,
// and delete flows across the database, Docker, and GCP, plus the
// inactivity sweeper that stops idle sandboxes.
package lifecycle

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Step is one unit of a multi-resource flow. Undo reverses Do and may be
// nil when the step needs no compensation.
type Step struct {
	Name string
	Do   func(ctx context.Context) error
	Undo func(ctx context.Context) error
}

// Saga runs steps in order and compensates completed steps in reverse
// when a later step fails. Compensation errors are logged; the error of
// the failed step is always the one returned.
type Saga struct {
	name  string
	steps []Step
	log   *logrus.Entry
}

// NewSaga creates an empty saga.
func NewSaga(name string, log *logrus.Entry) *Saga {
	return &Saga{name: name, log: log}
}

// AddStep appends a step.
func (s *Saga) AddStep(step Step) *Saga {
	s.steps = append(s.steps, step)
	return s
}

// Run executes the steps. On the first failure the undo functions of all
// previously completed steps run in reverse order.
func (s *Saga) Run(ctx context.Context) error {
	for i, step := range s.steps {
		if err := step.Do(ctx); err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{
				"saga": s.name,
				"step": step.Name,
			}).Error("saga step failed, compensating")
			s.compensate(ctx, i)
			return fmt.Errorf("%s: %w", step.Name, err)
		}
	}
	return nil
}

func (s *Saga) compensate(ctx context.Context, failedIdx int) {
	for i := failedIdx - 1; i >= 0; i-- {
		step := s.steps[i]
		if step.Undo == nil {
			continue
		}
		if err := step.Undo(ctx); err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{
				"saga": s.name,
				"step": step.Name,
			}).Error("saga compensation failed")
		}
	}
}
