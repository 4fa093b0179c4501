package session

import (
	"context"
	"runtime"

	"golang.org/x/sync/semaphore"
)

// Pool bounds the number of feature extractions running at once across all
// sessions. A job that is abandoned by its caller keeps its slot until it
// returns.
type Pool struct {
	sem  *semaphore.Weighted
	size int64
}

// NewPool returns a pool running at most n jobs at a time. n <= 0 uses
// GOMAXPROCS.
func NewPool(n int) *Pool {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	return &Pool{sem: semaphore.NewWeighted(int64(n)), size: int64(n)}
}

// Size returns the maximum number of concurrent jobs.
func (p *Pool) Size() int { return int(p.size) }

type result[T any] struct {
	val T
	err error
}

// Run executes fn on the pool and waits for its result or for ctx to end.
// fn receives a context that is detached from ctx's cancellation, so an
// abandoned job runs to completion and its result is dropped.
func Run[T any](ctx context.Context, p *Pool, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return zero, err
	}

	done := make(chan result[T], 1)
	go func() {
		defer p.sem.Release(1)
		v, err := fn(context.WithoutCancel(ctx))
		done <- result[T]{val: v, err: err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
