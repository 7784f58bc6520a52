package async

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/forgenet/core-go/pkg/observability"
)

// Task is one unit of background work. The context carries the task
// deadline; a task that ignores it delays pool shutdown.
type Task func(context.Context) error

// WorkerPool runs submitted tasks on a fixed set of goroutines, each task
// under its own deadline. A panic inside a task is logged and surfaced on
// Errors without taking the worker down.
type WorkerPool struct {
	name    string
	timeout time.Duration
	logger  *observability.Logger

	work chan Task
	done chan struct{}
	errs chan error

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// NewWorkerPool starts workers goroutines consuming submitted tasks. The
// name labels log entries and error reports; timeout bounds each task.
func NewWorkerPool(ctx context.Context, workers int, name string, timeout time.Duration, logger *observability.Logger) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &WorkerPool{
		name:    name,
		timeout: timeout,
		logger:  logger,
		work:    make(chan Task, workers*2),
		done:    make(chan struct{}),
		errs:    make(chan error, workers*8),
		ctx:     ctx,
		cancel:  cancel,
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker()
		}()
	}
	go func() {
		wg.Wait()
		close(p.done)
		close(p.errs)
	}()
	return p
}

// Submit hands a task to the pool. It blocks while the queue is full and
// fails once shutdown has begun.
func (p *WorkerPool) Submit(task Task) error {
	if p.ctx.Err() != nil {
		return fmt.Errorf("worker pool %q is shut down", p.name)
	}
	select {
	case p.work <- task:
		return nil
	case <-p.ctx.Done():
		return fmt.Errorf("worker pool %q is shut down", p.name)
	}
}

// Errors surfaces task failures and recovered panics. Reading is
// optional; once the buffer fills, further errors are logged and dropped.
// The channel closes when the last worker exits.
func (p *WorkerPool) Errors() <-chan error {
	return p.errs
}

// Shutdown stops intake and waits up to timeout for queued tasks to
// finish. On timeout the remaining tasks are abandoned to process exit.
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	p.once.Do(p.cancel)
	select {
	case <-p.done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("worker pool %q did not drain within %v", p.name, timeout)
	}
}

func (p *WorkerPool) worker() {
	defer observability.RecoverPanic(p.logger, p.name)
	for {
		select {
		case task := <-p.work:
			p.run(task)
		case <-p.ctx.Done():
			// Finish what was queued before intake stopped.
			for {
				select {
				case task := <-p.work:
					p.run(task)
				default:
					return
				}
			}
		}
	}
}

// run executes one task. The deadline is detached from the pool context
// so tasks already queued at shutdown still get their full window.
func (p *WorkerPool) run(task Task) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(p.ctx), p.timeout)
	defer cancel()
	defer observability.RecoverPanicWithCallback(p.logger, p.name, func() {
		p.report(fmt.Errorf("%s: task panicked", p.name))
	})
	if err := task(ctx); err != nil {
		p.report(err)
	}
}

func (p *WorkerPool) report(err error) {
	select {
	case p.errs <- err:
	default:
		p.logger.WithError(err).WithField("pool", p.name).
			Warn("error buffer full, dropping task error")
	}
}
