// Package worker bounds goroutines for collection fan-out.
//
// Collection work goes through a Pool instead of naked goroutines so that
// per-platform and per-day requests share one concurrency cap and panics are
// recovered into errors.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	appLog "calwatch/internal/log"
)

// ErrPoolClosed is returned when submitting to a released pool.
var ErrPoolClosed = errors.New("worker pool is closed")

// Task is a context-aware unit of work.
type Task func(ctx context.Context) error

// Pool wraps ants.Pool with context-aware submission.
type Pool struct {
	pool *ants.Pool
	name string
}

// New creates a pool of size workers. Submission blocks while all workers
// are busy.
func New(name string, size int) (*Pool, error) {
	if size <= 0 {
		size = 1
	}
	p, err := ants.NewPool(size,
		ants.WithPanicHandler(func(v any) {
			appLog.Error("worker panic recovered", fmt.Errorf("%v", v), "pool", name)
		}),
		ants.WithNonblocking(false),
		ants.WithExpiryDuration(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create pool %s: %w", name, err)
	}
	return &Pool{pool: p, name: name}, nil
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// Cap returns the worker limit.
func (p *Pool) Cap() int { return p.pool.Cap() }

// Running returns the number of busy workers.
func (p *Pool) Running() int { return p.pool.Running() }

// Release shuts the pool down, waiting at most timeout for running tasks.
func (p *Pool) Release(timeout time.Duration) {
	if err := p.pool.ReleaseTimeout(timeout); err != nil {
		appLog.Warn("worker pool release timeout", "pool", p.name, "err", err)
	}
}

// Group tracks a batch of tasks submitted to one pool.
type Group struct {
	pool *Pool
	wg   sync.WaitGroup
	mu   sync.Mutex
	errs []error
}

// Group starts a new batch on p.
func (p *Pool) Group() *Group {
	return &Group{pool: p}
}

// Go submits task. A cancelled context, a closed pool or a panic inside the
// task is recorded as the task's error.
func (g *Group) Go(ctx context.Context, task Task) {
	if err := ctx.Err(); err != nil {
		g.record(err)
		return
	}

	g.wg.Add(1)
	err := g.pool.pool.Submit(func() {
		defer g.wg.Done()
		defer func() {
			if v := recover(); v != nil {
				appLog.Error("task panic recovered", fmt.Errorf("%v", v), "pool", g.pool.name, "stack", string(debug.Stack()))
				g.record(fmt.Errorf("task panic: %v", v))
			}
		}()
		if err := ctx.Err(); err != nil {
			g.record(err)
			return
		}
		g.record(task(ctx))
	})
	if err != nil {
		g.wg.Done()
		if errors.Is(err, ants.ErrPoolClosed) {
			err = ErrPoolClosed
		}
		g.record(err)
	}
}

// Wait blocks until every submitted task returned and joins their errors.
func (g *Group) Wait() error {
	g.wg.Wait()
	g.mu.Lock()
	defer g.mu.Unlock()
	return errors.Join(g.errs...)
}

func (g *Group) record(err error) {
	if err == nil {
		return
	}
	g.mu.Lock()
	g.errs = append(g.errs, err)
	g.mu.Unlock()
}
