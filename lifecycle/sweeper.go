package lifecycle

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pomodex/pomodex/storage"
	"github.com/pomodex/pomodex/worker"
)

// Sweeper periodically stops running sandboxes whose last terminal
// connection is older than the idle threshold. Projects that never had a
// connection are left alone.
type Sweeper struct {
	store         storage.Store
	orch          *Orchestrator
	pool          *worker.Pool
	interval      time.Duration
	idleThreshold time.Duration
	log           *logrus.Entry
}

// NewSweeper creates a sweeper. Stop work runs on the given pool.
func NewSweeper(store storage.Store, orch *Orchestrator, pool *worker.Pool, interval, idleThreshold time.Duration, log *logrus.Entry) *Sweeper {
	return &Sweeper{
		store:         store,
		orch:          orch,
		pool:          pool,
		interval:      interval,
		idleThreshold: idleThreshold,
		log:           log,
	}
}

// Run ticks until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.log.WithFields(logrus.Fields{
		"interval":       s.interval,
		"idle_threshold": s.idleThreshold,
	}).Info("sweeper started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep submits a stop task for every idle running project and returns
// the number of submitted tasks. Failed stops mark the project error;
// there is no retry within the same tick.
func (s *Sweeper) sweep(ctx context.Context) int {
	cutoff := time.Now().UTC().Add(-s.idleThreshold)
	projects, err := s.store.RunningIdleSince(cutoff)
	if err != nil {
		s.log.WithError(err).Error("idle project query failed")
		return 0
	}

	submitted := 0
	for _, p := range projects {
		project := p
		ok := s.pool.Submit(worker.Task{
			Name: "sweep-stop-" + project.ID,
			Run: func(ctx context.Context) error {
				s.log.WithFields(logrus.Fields{
					"project_id":      project.ID,
					"last_connection": project.LastConnectionAt,
				}).Info("stopping idle project")
				_, err := s.orch.Stop(ctx, project.ID, project.UserID)
				return err
			},
		})
		if !ok {
			s.log.WithField("project_id", project.ID).Warn("sweep queue full, skipping until next tick")
			continue
		}
		submitted++
	}
	return submitted
}
