// Package worker provides a bounded task pool for blocking backend work.
// Snapshot commits, Docker calls, and IAM round trips run on a fixed
// number of workers so bursts (such as a sweep tick) cannot pile up
// unbounded concurrency against the daemon.
package worker

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Task is a unit of blocking work.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Pool runs submitted tasks on a fixed set of workers.
type Pool struct {
	tasks chan Task
	wg    sync.WaitGroup
	log   *logrus.Entry

	// mu serializes Submit against Stop so the task channel is never
	// closed while a producer is sending on it.
	mu      sync.Mutex
	stopped bool
}

// NewPool creates a pool with the given worker count and queue depth.
func NewPool(workers, depth int, log *logrus.Entry) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		tasks: make(chan Task, depth),
		log:   log,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

// Submit queues a task. It reports false when the queue is full or the
// pool is stopping; the caller decides whether that is a problem.
func (p *Pool) Submit(task Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return false
	}
	select {
	case p.tasks <- task:
		return true
	default:
		return false
	}
}

// Stop drains the queue and waits for in-flight tasks to finish. It is
// safe to call more than once.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.tasks)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		log := p.log.WithFields(logrus.Fields{"worker": id, "task": task.Name})
		log.Debug("task started")
		if err := task.Run(context.Background()); err != nil {
			log.WithError(err).Error("task failed")
			continue
		}
		log.Debug("task completed")
	}
}
