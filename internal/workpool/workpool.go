// Package workpool runs independent units of work with bounded concurrency
// and hands every unit's result or error back to the caller.
package workpool

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Outcome is the result of one unit of work. Index is the position the unit
// was submitted at.
type Outcome[T any] struct {
	Index int
	Value T
	Err   error
}

// Collect runs fn for every index in [0, n) with at most limit calls in
// flight. A failing unit never cancels its siblings. Outcomes are returned in
// completion order.
func Collect[T any](ctx context.Context, limit, n int, fn func(ctx context.Context, i int) (T, error)) []Outcome[T] {
	if n <= 0 {
		return nil
	}
	if limit <= 0 {
		limit = 1
	}

	done := make(chan Outcome[T], n)

	// errgroup.Group without WithContext: task errors are carried in the
	// outcome, so the group itself never observes one.
	var g errgroup.Group
	g.SetLimit(limit)
	for i := range n {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				done <- Outcome[T]{Index: i, Err: err}
				return nil
			}
			v, err := fn(ctx, i)
			done <- Outcome[T]{Index: i, Value: v, Err: err}
			return nil
		})
	}
	g.Wait()
	close(done)

	out := make([]Outcome[T], 0, n)
	for o := range done {
		out = append(out, o)
	}
	return out
}

// Failed counts outcomes carrying an error.
func Failed[T any](outs []Outcome[T]) int {
	n := 0
	for _, o := range outs {
		if o.Err != nil {
			n++
		}
	}
	return n
}
