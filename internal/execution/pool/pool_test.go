package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestMapBounded_PreservesOrder(t *testing.T) {
	inputs := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}

	// Earlier inputs sleep longer so completions arrive in reverse order.
	op := func(ctx context.Context, in int) (int, error) {
		time.Sleep(time.Duration(len(inputs)-in) * 2 * time.Millisecond)
		return in * in, nil
	}

	results := MapBounded(context.Background(), op, inputs, 4)
	if len(results) != len(inputs) {
		t.Fatalf("expected %d results, got %d", len(inputs), len(results))
	}
	for i, r := range results {
		if r.Input != inputs[i] {
			t.Errorf("position %d: input %d, want %d", i, r.Input, inputs[i])
		}
		if r.Value != inputs[i]*inputs[i] {
			t.Errorf("position %d: value %d, want %d", i, r.Value, inputs[i]*inputs[i])
		}
		if r.Err != nil {
			t.Errorf("position %d: unexpected error %v", i, r.Err)
		}
	}
}

func TestMapBounded_RespectsCeiling(t *testing.T) {
	const ceiling = 3
	var inFlight, peak atomic.Int64

	op := func(ctx context.Context, in int) (int, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return in, nil
	}

	inputs := make([]int, 30)
	MapBounded(context.Background(), op, inputs, ceiling)

	if p := peak.Load(); p > ceiling {
		t.Errorf("peak concurrency %d exceeded ceiling %d", p, ceiling)
	}
	if n := inFlight.Load(); n != 0 {
		t.Errorf("%d operations still in flight after return", n)
	}
}

func TestMapBounded_ErrorsAreResults(t *testing.T) {
	boom := errors.New("boom")
	op := func(ctx context.Context, in int) (string, error) {
		if in%2 == 1 {
			return "", boom
		}
		return "ok", nil
	}

	results := MapBounded(context.Background(), op, []int{0, 1, 2, 3}, 2)
	for i, r := range results {
		if i%2 == 1 && !errors.Is(r.Err, boom) {
			t.Errorf("position %d: expected boom, got %v", i, r.Err)
		}
		if i%2 == 0 && (r.Err != nil || r.Value != "ok") {
			t.Errorf("position %d: expected ok, got %q %v", i, r.Value, r.Err)
		}
	}
}

func TestMapBounded_CancelledInputsNotDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int64

	op := func(ctx context.Context, in int) (int, error) {
		if calls.Add(1) == 2 {
			cancel()
		}
		<-ctx.Done()
		return in, ctx.Err()
	}

	inputs := make([]int, 20)
	results := MapBounded(ctx, op, inputs, 2)

	if len(results) != len(inputs) {
		t.Fatalf("expected %d results, got %d", len(inputs), len(results))
	}
	for i, r := range results {
		if !errors.Is(r.Err, context.Canceled) {
			t.Errorf("position %d: expected context.Canceled, got %v", i, r.Err)
		}
	}
	if n := calls.Load(); n >= int64(len(inputs)) {
		t.Errorf("expected feeding to stop after cancel, op called %d times", n)
	}
}

func TestMapBounded_OnDone(t *testing.T) {
	var done atomic.Int64
	op := func(ctx context.Context, in int) (int, error) { return in, nil }

	MapBounded(context.Background(), op, make([]int, 7), 3, WithOnDone(func(int, error) {
		done.Add(1)
	}))

	if n := done.Load(); n != 7 {
		t.Errorf("expected 7 completions, got %d", n)
	}
}

func TestMapBounded_Empty(t *testing.T) {
	op := func(ctx context.Context, in int) (int, error) { return in, nil }
	if results := MapBounded(context.Background(), op, nil, 4); len(results) != 0 {
		t.Errorf("expected no results, got %d", len(results))
	}
}
