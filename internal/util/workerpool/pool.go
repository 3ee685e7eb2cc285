package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is one unit of background I/O, e.g. purging a compacted version
type Task struct {
	Key string
	Fn  func(context.Context) error
	// Done, if set, receives the task result after it ran
	Done func(error)
}

// Pool runs tasks on a fixed set of goroutines fed by a bounded queue.
// Submit blocks while the queue is full, so producers are paced by the
// workers. Stop drains whatever is already queued.
type Pool struct {
	name      string
	workers   int
	queue     chan Task
	logger    *zap.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.RWMutex
	stopped   bool
	stopOnce  sync.Once
	active    atomic.Int32
	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
}

// Config holds pool configuration
type Config struct {
	Name      string
	Workers   int
	QueueSize int
	Logger    *zap.Logger
}

// New starts a pool
func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:    cfg.Name,
		workers: cfg.Workers,
		queue:   make(chan Task, cfg.QueueSize),
		logger:  cfg.Logger,
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("Worker pool started",
		zap.String("name", p.name),
		zap.Int("workers", p.workers),
		zap.Int("queue_size", cfg.QueueSize))
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for task := range p.queue {
		p.run(id, task)
	}
}

func (p *Pool) run(workerID int, task Task) {
	p.active.Add(1)
	defer p.active.Add(-1)

	start := time.Now()
	err := p.safeRun(task)
	if err != nil {
		p.failed.Add(1)
		p.logger.Warn("Task failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("key", task.Key),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
	} else {
		p.completed.Add(1)
	}
	if task.Done != nil {
		task.Done(err)
	}
}

func (p *Pool) safeRun(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.Key, r)
		}
	}()
	return task.Fn(p.ctx)
}

// Submit queues a task, waiting for room until ctx is done
func (p *Pool) Submit(ctx context.Context, task Task) error {
	// the read lock keeps Stop from closing the queue under a blocked send
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		p.rejected.Add(1)
		return fmt.Errorf("worker pool '%s' is stopped", p.name)
	}

	select {
	case p.queue <- task:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		p.rejected.Add(1)
		return ctx.Err()
	}
}

// Stop refuses new tasks, runs the queued ones and waits for the workers.
// Tasks still running after timeout see their context cancelled.
func (p *Pool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.queue)
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("Worker pool stopped", zap.String("name", p.name))
		case <-time.After(timeout):
			p.cancel()
			<-done
			err = fmt.Errorf("worker pool '%s' stop timeout after %v", p.name, timeout)
		}
		p.cancel()
	})
	return err
}

// Stats is a point-in-time view of the pool counters
type Stats struct {
	Name      string
	Workers   int
	Active    int
	Queued    int
	Submitted uint64
	Completed uint64
	Failed    uint64
	Rejected  uint64
}

// Stats returns the current counters
func (p *Pool) Stats() Stats {
	return Stats{
		Name:      p.name,
		Workers:   p.workers,
		Active:    int(p.active.Load()),
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}
