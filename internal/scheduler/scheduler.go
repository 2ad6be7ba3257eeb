// Package scheduler runs download tasks on a fixed pool of workers,
// with per-provider semaphores so rate-limited providers never see
// more concurrent downloads than their configured slot count.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/chrono-downloader/chrono/internal/config"
	"github.com/chrono-downloader/chrono/internal/logx"
	"github.com/chrono-downloader/chrono/internal/provider"
	"github.com/chrono-downloader/chrono/internal/workctx"
)

// ErrShutdown is returned by Submit once shutdown has been requested.
var ErrShutdown = errors.New("scheduler: shutting down")

const queueSize = 100

// Task describes one download job. The scheduler stamps Ctx with the
// result's provider key before handing the task to the executor.
// Fallbacks carries the remaining qualified candidates in rank order;
// the pool itself never reads it, executors use it when the primary
// download fails.
type Task struct {
	ID        string
	EntryID   string
	WorkID    string
	WorkDir   string
	Result    provider.SearchResult
	Fallbacks []provider.SearchResult
	Ctx       *workctx.Context
}

// ExecFunc performs the download for one task. A nil return counts as
// success.
type ExecFunc func(ctx context.Context, task Task) error

// Stats is a point-in-time view of the pool's counters.
type Stats struct {
	Pending   int
	Completed int
	Succeeded int
	Failed    int
}

// Scheduler is the download worker pool.
type Scheduler struct {
	cfg     *config.Config
	exec    ExecFunc
	workers int

	tasks chan Task

	mu        sync.Mutex
	started   bool
	draining  bool
	closed    bool
	sems      map[string]chan struct{}
	pending   int
	completed int
	succeeded int
	failed    int

	cancelAll context.CancelFunc
	runCtx    context.Context

	taskWg   sync.WaitGroup
	workerWg sync.WaitGroup
}

// New builds a pool that runs exec on workers goroutines. A workers
// value below 1 means sequential (one worker).
func New(cfg *config.Config, workers int, exec ExecFunc) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		cfg:     cfg,
		exec:    exec,
		workers: workers,
		tasks:   make(chan Task, queueSize),
		sems:    make(map[string]chan struct{}),
	}
}

// Start spawns the workers. Calling it twice, or after Shutdown, is a
// no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true
	s.runCtx, s.cancelAll = context.WithCancel(context.Background())
	for i := 0; i < s.workers; i++ {
		s.workerWg.Add(1)
		go s.worker()
	}
	logx.Infof("scheduler: started %d download worker(s)", s.workers)
}

// Submit queues a task. It blocks when the queue is full and returns
// ErrShutdown once draining has begun. An empty task ID is filled in.
func (s *Scheduler) Submit(task Task) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return errors.New("scheduler: not started")
	}
	if s.draining {
		s.mu.Unlock()
		return ErrShutdown
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	s.pending++
	s.taskWg.Add(1)
	s.mu.Unlock()

	s.tasks <- task
	logx.Debugf("scheduler: queued '%s' from %s", task.Result.Title, task.Result.ProviderKey)
	return nil
}

// WaitAll blocks until every submitted task has finished, or the
// context expires.
func (s *Scheduler) WaitAll(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.taskWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestShutdown stops the pool from accepting new tasks. Queued and
// running tasks keep draining.
func (s *Scheduler) RequestShutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.draining {
		s.draining = true
		logx.Infof("scheduler: shutdown requested, draining %d pending task(s)", s.pending)
	}
}

// Shutdown drains the pool and stops the workers. When the context
// expires first, in-flight downloads are cancelled and the pool still
// comes down; the context error is returned in that case.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.RequestShutdown()

	err := s.WaitAll(ctx)
	if err != nil && s.cancelAll != nil {
		s.cancelAll()
		s.taskWg.Wait()
	}

	s.mu.Lock()
	if !s.closed {
		close(s.tasks)
		s.closed = true
	}
	s.mu.Unlock()
	s.workerWg.Wait()

	st := s.Stats()
	logx.Infof("scheduler: stopped (%d completed, %d succeeded, %d failed)",
		st.Completed, st.Succeeded, st.Failed)
	return err
}

// Stats returns the pool's counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Pending:   s.pending,
		Completed: s.completed,
		Succeeded: s.succeeded,
		Failed:    s.failed,
	}
}

func (s *Scheduler) worker() {
	defer s.workerWg.Done()
	for task := range s.tasks {
		s.runTask(task)
	}
}

// runTask executes one task under its provider's semaphore. Panics in
// the executor are recovered and counted as failures, so one bad
// connector cannot take the whole pool down.
func (s *Scheduler) runTask(task Task) {
	defer s.taskWg.Done()

	key := task.Result.ProviderKey
	sem := s.semaphore(key)
	sem <- struct{}{}
	defer func() { <-sem }()

	if task.Ctx != nil {
		task.Ctx = task.Ctx.WithProvider(key)
		// File numbering restarts once the worker releases the work.
		defer task.Ctx.Clear()
	}

	err := s.runExec(task)
	s.mu.Lock()
	s.pending--
	s.completed++
	if err != nil {
		s.failed++
	} else {
		s.succeeded++
	}
	s.mu.Unlock()

	if err != nil {
		logx.Warnf("scheduler: '%s' from %s failed: %v", task.Result.Title, key, err)
	}
}

func (s *Scheduler) runExec(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler: download for '%s' panicked: %v", task.Result.Title, r)
		}
	}()
	return s.exec(s.runCtx, task)
}

// semaphore returns the provider's slot channel, creating it at the
// configured capacity on first use.
func (s *Scheduler) semaphore(key string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.sems[key]
	if !ok {
		limit := s.cfg.ProviderConcurrency(key)
		if limit < 1 {
			limit = 1
		}
		sem = make(chan struct{}, limit)
		s.sems[key] = sem
		logx.Debugf("scheduler: %s capped at %d concurrent download(s)", key, limit)
	}
	return sem
}
