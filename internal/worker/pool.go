// Package worker runs detached background work (correlation evaluations,
// agent dispatches) on fixed-size pools with bounded queues, so work started
// by a request outlives the request without growing without limit.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// Task is a unit of detached work.
type Task func(ctx context.Context) error

// Hooks receives pool lifecycle callbacks. Nil fields are ignored.
type Hooks struct {
	OnSubmit func(pool string, accepted bool)
	OnDone   func(pool, task string, dur time.Duration, err error, panicked bool)
}

type job struct {
	name string
	fn   Task
}

// Pool is a fixed-size goroutine pool with a bounded input queue.
type Pool struct {
	name   string
	ctx    context.Context
	logger log.Logger
	hooks  Hooks
	queue  chan job
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// New starts a pool with n workers and a queue of the given depth. Tasks run
// on a context derived from ctx that keeps its values (logger, trace) but is
// never cancelled, so in-flight work completes during shutdown.
func New(ctx context.Context, name string, n, depth int, logger log.Logger, hooks Hooks) *Pool {
	if n < 1 {
		n = 1
	}
	if depth < 0 {
		depth = 0
	}
	if logger == nil {
		logger = log.Nop()
	}
	p := &Pool{
		name:   name,
		ctx:    context.WithoutCancel(ctx),
		logger: logger.With("pool", name),
		hooks:  hooks,
		queue:  make(chan job, depth),
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for j := range p.queue {
				p.run(j)
			}
		}()
	}
	return p
}

// Submit enqueues fn without blocking. It returns false when the queue is
// full or the pool is draining.
func (p *Pool) Submit(name string, fn Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	accepted := false
	if !p.closed {
		select {
		case p.queue <- job{name: name, fn: fn}:
			accepted = true
		default:
		}
	}
	if p.hooks.OnSubmit != nil {
		p.hooks.OnSubmit(p.name, accepted)
	}
	return accepted
}

// Drain stops accepting work and waits for queued and running tasks to
// finish, or for ctx to be done.
func (p *Pool) Drain(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain pool %s: %w", p.name, ctx.Err())
	}
}

// Name returns the pool name used in logs and metrics.
func (p *Pool) Name() string {
	return p.name
}

// QueueLen returns how many tasks are waiting for a worker.
func (p *Pool) QueueLen() int {
	return len(p.queue)
}

// QueueCap returns the queue capacity.
func (p *Pool) QueueCap() int {
	return cap(p.queue)
}

// ErrPanic is wrapped by the error reported for a task that panicked.
var ErrPanic = errors.New("task panicked")

func (p *Pool) run(j job) {
	start := time.Now()
	var (
		err      error
		panicked bool
	)

	func() {
		defer func() {
			if r := recover(); r != nil {
				panicked = true
				err = fmt.Errorf("%w: %v", ErrPanic, r)
				p.logger.Error(p.ctx, err, "background task panicked", "task", j.name, "stack", string(debug.Stack()))
			}
		}()
		err = j.fn(p.ctx)
	}()

	if err != nil && !panicked {
		p.logger.Error(p.ctx, err, "background task failed", "task", j.name)
	}
	if p.hooks.OnDone != nil {
		p.hooks.OnDone(p.name, j.name, time.Since(start), err, panicked)
	}
}
