// Package resolve runs a set of fallible operations concurrently and
// collects every outcome.
package resolve

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Op is a single operation whose outcome is collected.
type Op[T any] func(ctx context.Context) (T, error)

// Result holds the outcome of one operation.
type Result[T any] struct {
	Value T
	Err   error
}

// OK reports whether the result carries no error.
func (r Result[T]) OK() bool { return r.Err == nil }

// All runs every op concurrently and returns once each has finished. The
// i-th result belongs to the i-th op. All never short-circuits and an op
// that panics yields an error result for its position only.
func All[T any](ctx context.Context, ops ...Op[T]) []Result[T] {
	return AllLimit(ctx, 0, ops...)
}

// AllLimit is like All but runs at most limit ops at the same time. A limit
// of zero or less means no bound. Ops that could not start because ctx was
// canceled resolve to ctx.Err().
func AllLimit[T any](ctx context.Context, limit int, ops ...Op[T]) []Result[T] {
	results := make([]Result[T], len(ops))
	if len(ops) == 0 {
		return results
	}

	var sem *semaphore.Weighted
	if limit > 0 && limit < len(ops) {
		sem = semaphore.NewWeighted(int64(limit))
	}

	var wg sync.WaitGroup
	for i, op := range ops {
		if sem != nil {
			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = Result[T]{Err: err}
				continue
			}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if sem != nil {
				defer sem.Release(1)
			}
			results[i] = call(ctx, op)
		}()
	}
	wg.Wait()
	return results
}

func call[T any](ctx context.Context, op Op[T]) (res Result[T]) {
	defer func() {
		if r := recover(); r != nil {
			res = Result[T]{Err: fmt.Errorf("resolve: operation panicked: %v", r)}
		}
	}()
	v, err := op(ctx)
	return Result[T]{Value: v, Err: err}
}

// Values splits results into their values and errors, keeping positions.
func Values[T any](results []Result[T]) ([]T, []error) {
	vals := make([]T, len(results))
	errs := make([]error, len(results))
	for i, r := range results {
		vals[i], errs[i] = r.Value, r.Err
	}
	return vals, errs
}
