// Package pool applies an operation to a slice of inputs with a fixed
// concurrency ceiling and returns the results in input order.
//
// The pool never retries. Retrying is the ledger's job one layer up.
package pool

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Result pairs an input with the outcome of applying the operation to it.
type Result[I, O any] struct {
	Input I
	Value O
	Err   error
}

// Op is the operation applied to every input.
type Op[I, O any] func(ctx context.Context, in I) (O, error)

type options struct {
	onDone func(index int, err error)
}

// Option configures MapBounded.
type Option func(*options)

// WithOnDone registers a callback invoked by the executor after each item completes.
// It runs concurrently and must be safe for concurrent use.
func WithOnDone(fn func(index int, err error)) Option {
	return func(o *options) { o.onDone = fn }
}

type item[I any] struct {
	index int
	input I
}

// MapBounded applies op to every input with at most c concurrent executions.
//
// Executors pull index-tagged items from a shared source and write each
// result into the slot of its original position, so the output has the
// length and order of inputs regardless of completion order. When ctx is
// cancelled, items not yet started receive ctx.Err() and are never invoked.
// No operation is still running when MapBounded returns.
func MapBounded[I, O any](ctx context.Context, op Op[I, O], inputs []I, c int, opts ...Option) []Result[I, O] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	results := make([]Result[I, O], len(inputs))
	for i, in := range inputs {
		results[i].Input = in
	}
	if len(inputs) == 0 {
		return results
	}
	if c <= 0 {
		c = 1
	}
	c = min(c, len(inputs))

	work := make(chan item[I])
	started := make([]bool, len(inputs))

	var g errgroup.Group
	for range c {
		g.Go(func() error {
			for it := range work {
				v, err := op(ctx, it.input)
				results[it.index].Value = v
				results[it.index].Err = err
				if o.onDone != nil {
					o.onDone(it.index, err)
				}
			}
			return nil
		})
	}

feed:
	for i, in := range inputs {
		select {
		case work <- item[I]{index: i, input: in}:
			started[i] = true
		case <-ctx.Done():
			break feed
		}
	}
	close(work)
	_ = g.Wait()

	for i := range results {
		if !started[i] {
			results[i].Err = ctx.Err()
			if o.onDone != nil {
				o.onDone(i, results[i].Err)
			}
		}
	}

	return results
}

// Values extracts the output values in order.
func Values[I, O any](results []Result[I, O]) []O {
	out := make([]O, len(results))
	for i, r := range results {
		out[i] = r.Value
	}
	return out
}
