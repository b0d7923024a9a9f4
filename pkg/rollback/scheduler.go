package rollback

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Scheduler runs deferred cleanup work (e.g. draining the losing color
// after a blue-green switch) as cancellable timer tasks instead of
// blocking sleeps inside the rollback path.
type Scheduler struct {
	mu     sync.Mutex
	wg     sync.WaitGroup
	tasks  map[string]*Task
	logger *slog.Logger

	// taskTimeout bounds each task's context once it fires
	taskTimeout time.Duration
}

// Task is one scheduled callback
type Task struct {
	name  string
	timer *time.Timer
	sched *Scheduler
}

func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		tasks:       map[string]*Task{},
		logger:      logger,
		taskTimeout: 2 * time.Minute,
	}
}

// After schedules fn to run once after d. A task with the same name
// replaces (cancels) any pending one.
func (s *Scheduler) After(d time.Duration, name string, fn func(ctx context.Context)) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.tasks[name]; ok {
		prev.cancelLocked()
	}

	t := &Task{name: name, sched: s}
	s.wg.Add(1)
	t.timer = time.AfterFunc(d, func() {
		defer s.wg.Done()
		defer s.remove(name)

		ctx, cancel := context.WithTimeout(context.Background(), s.taskTimeout)
		defer cancel()
		s.logger.Info("running deferred task", "task", name)
		fn(ctx)
	})
	s.tasks[name] = t
	s.logger.Info("deferred task scheduled", "task", name, "after", d)
	return t
}

// Cancel stops the task if it has not fired yet
func (t *Task) Cancel() {
	t.sched.mu.Lock()
	defer t.sched.mu.Unlock()
	t.cancelLocked()
	delete(t.sched.tasks, t.name)
}

func (t *Task) cancelLocked() {
	if t.timer.Stop() {
		t.sched.wg.Done()
		t.sched.logger.Info("deferred task cancelled", "task", t.name)
	}
}

func (s *Scheduler) remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, name)
}

// Pending returns the number of tasks not yet fired or still running
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Wait blocks until every scheduled task has fired and finished.
// Used by the CLI so deferred cleanup survives until process exit.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// StopAll cancels everything still pending
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, t := range s.tasks {
		t.cancelLocked()
		delete(s.tasks, name)
	}
}
