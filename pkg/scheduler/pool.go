package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// AsyncSuffix is appended to a task name when recording asynchronous completions.
const AsyncSuffix = ":async"

var (
	ErrPoolSaturated = errors.New("worker pool saturated")
	ErrPoolClosed    = errors.New("worker pool closed")
)

// CompletionRecorder receives the outcome of asynchronously executed jobs.
type CompletionRecorder interface {
	RecordTaskDuration(name string, d, hint time.Duration)
	RecordTaskFailure(name string)
}

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	Workers   int
	Queued    int
	Submitted uint64
	Completed uint64
	Rejected  uint64
	Failed    uint64
}

type submission struct {
	name    string
	job     Job
	timeout time.Duration
}

// WorkerPool runs I/O-bound jobs off the tick path. Submission never blocks: when the
// queue is full the job is rejected and the caller retries on its next interval.
type WorkerPool struct {
	workers  int
	work     chan submission
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	closed   atomic.Bool
	recorder CompletionRecorder
	logger   *slog.Logger

	submitted atomic.Uint64
	completed atomic.Uint64
	rejected  atomic.Uint64
	failed    atomic.Uint64
}

// NewWorkerPool starts workers goroutines sharing a queue of the given depth.
func NewWorkerPool(ctx context.Context, workers, queue int, recorder CompletionRecorder, logger *slog.Logger) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	if queue < 1 {
		queue = workers * 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	poolCtx, cancel := context.WithCancel(ctx)

	p := &WorkerPool{
		workers:  workers,
		work:     make(chan submission, queue),
		ctx:      poolCtx,
		cancel:   cancel,
		recorder: recorder,
		logger:   logger,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	logger.Info("worker pool started", slog.Int("workers", workers), slog.Int("queue", queue))
	return p
}

// Submit queues a job. A positive timeout bounds the job's context.
func (p *WorkerPool) Submit(name string, job Job, timeout time.Duration) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	select {
	case p.work <- submission{name: name, job: job, timeout: timeout}:
		p.submitted.Add(1)
		return nil
	case <-p.ctx.Done():
		return ErrPoolClosed
	default:
		p.rejected.Add(1)
		return ErrPoolSaturated
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case s := <-p.work:
			p.run(s)
		}
	}
}

func (p *WorkerPool) run(s submission) {
	ctx := p.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("async job %q panicked: %v", s.name, r)
			}
		}()
		return s.job.Execute(ctx)
	}()
	d := time.Since(start)
	defer p.completed.Add(1)

	if p.recorder != nil {
		p.recorder.RecordTaskDuration(s.name, d, s.timeout)
	}
	if err != nil {
		p.failed.Add(1)
		if p.recorder != nil {
			p.recorder.RecordTaskFailure(s.name)
		}
		p.logger.Error("async job failed",
			slog.String("job", s.name),
			slog.Duration("elapsed", d),
			slog.String("error", err.Error()))
	}
}

// Close cancels running jobs and waits for the workers to exit.
func (p *WorkerPool) Close() {
	if p.closed.Swap(true) {
		return
	}
	p.cancel()
	p.wg.Wait()
}

// Stats returns the pool counters.
func (p *WorkerPool) Stats() PoolStats {
	return PoolStats{
		Workers:   p.workers,
		Queued:    len(p.work),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Rejected:  p.rejected.Load(),
		Failed:    p.failed.Load(),
	}
}

// Async wraps an I/O-bound job so that executing it from a tick only submits it to the
// pool. Completion time and failures are recorded under name+AsyncSuffix once the job
// finishes; the returned job fails only when the pool rejects the submission.
func Async(p *WorkerPool, name string, job Job, timeout time.Duration) Job {
	asyncName := name + AsyncSuffix
	return JobFunc(func(context.Context) error {
		return p.Submit(asyncName, job, timeout)
	})
}
