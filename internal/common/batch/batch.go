// Package batch runs per-item work in fixed-size groups: groups execute one
// after another, members of a group execute concurrently.
package batch

import (
	"context"

	"golang.org/x/sync/errgroup"
)

const DefaultGroupSize = 16

type Result[T any] struct {
	Value T
	Err   error
}

// Map applies fn to every item and returns results in input order. Item
// errors do not stop the batch. Items not yet started when ctx is done get
// ctx.Err().
func Map[In, Out any](ctx context.Context, items []In, groupSize int, fn func(context.Context, In) (Out, error)) []Result[Out] {
	if groupSize <= 0 {
		groupSize = DefaultGroupSize
	}
	results := make([]Result[Out], len(items))

	for start := 0; start < len(items); start += groupSize {
		end := start + groupSize
		if end > len(items) {
			end = len(items)
		}

		if err := ctx.Err(); err != nil {
			for i := start; i < len(items); i++ {
				results[i].Err = err
			}
			break
		}

		var g errgroup.Group
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error {
				v, err := fn(ctx, items[i])
				results[i] = Result[Out]{Value: v, Err: err}
				return nil
			})
		}
		_ = g.Wait()
	}
	return results
}
