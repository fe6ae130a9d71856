// Package async provides bounded worker pool utilities.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/coachpo/uinotify/errs"
)

const component = "lib/async"

// Task represents a unit of work executed by the pool workers.
type Task func(context.Context) error

// ErrorHandler observes task failures and recovered panics.
type ErrorHandler func(error)

// Pool defines a bounded worker pool enforcing backpressure when saturated.
// A pool with a single worker runs tasks in submission order.
type Pool struct {
	ctx     context.Context
	cancel  context.CancelFunc
	jobs    chan job
	wg      sync.WaitGroup
	workers sync.WaitGroup
	onError ErrorHandler

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

type job struct {
	ctx context.Context
	fn  Task
}

// Option configures a pool.
type Option func(*Pool)

// WithErrorHandler routes task errors to fn.
func WithErrorHandler(fn ErrorHandler) Option {
	return func(p *Pool) {
		p.onError = fn
	}
}

// NewPool creates a worker pool with the given concurrency and queue depth.
func NewPool(workers, queue int, opts ...Option) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("workers must be >0"))
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := new(Pool)
	p.ctx = ctx
	p.cancel = cancel
	p.jobs = make(chan job, queue)
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.workers.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

// Submit schedules the provided task for execution respecting pool backpressure.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	if fn == nil {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("submit context: %w", err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errs.New(component, errs.CodeUnavailable, errs.WithMessage("pool closed"))
	}
	p.wg.Add(1)
	select {
	case <-ctx.Done():
		p.wg.Done()
		return fmt.Errorf("submit context: %w", ctx.Err())
	case p.jobs <- job{ctx: ctx, fn: fn}:
		return nil
	default:
		p.wg.Done()
		return errs.New(component, errs.CodeUnavailable, errs.WithMessage("pool at capacity"))
	}
}

// Close stops accepting new tasks. Queued tasks still run.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()
	})
}

// Shutdown drains queued tasks or cancels them once ctx expires.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		p.workers.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-done:
		p.cancel()
		return nil
	}
}

func (p *Pool) worker() {
	defer p.workers.Done()
	for job := range p.jobs {
		p.execute(job)
	}
}

func (p *Pool) execute(j job) {
	defer p.wg.Done()
	ctx := j.ctx
	if ctx == nil {
		ctx = p.ctx
	}
	if p.ctx.Err() != nil {
		p.report(fmt.Errorf("task dropped: %w", p.ctx.Err()))
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.report(errs.New(component, errs.CodeUnavailable, errs.WithMessage(fmt.Sprintf("task panic: %v", r))))
		}
	}()
	if err := j.fn(ctx); err != nil {
		p.report(err)
	}
}

func (p *Pool) report(err error) {
	if p.onError != nil {
		p.onError(err)
	}
}
