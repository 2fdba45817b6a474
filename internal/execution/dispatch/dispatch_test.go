package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bendavidsteel/what-for-where/internal/core/domain"
)

type fakeFleet struct {
	workers []string
	submit  func(ctx context.Context, unit domain.Unit) (domain.UnitResult, error)
}

func (f *fakeFleet) Submit(ctx context.Context, unit domain.Unit) (domain.UnitResult, error) {
	return f.submit(ctx, unit)
}

func (f *fakeFleet) LiveWorkers(ctx context.Context) ([]string, error) {
	return f.workers, nil
}

func answerAll(ctx context.Context, unit domain.Unit) (domain.UnitResult, error) {
	now := time.Now()
	res := domain.UnitResult{UnitID: unit.ID, Worker: "w0"}
	for _, c := range unit.Candidates {
		res.Attempts = append(res.Attempts, domain.Attempt{
			StartedAt: now, FinishedAt: now, Value: []byte(`{"id":"` + c.String() + `"}`),
		})
	}
	return res, nil
}

func makeTasks(n int) []*domain.Task {
	tasks := make([]*domain.Task, n)
	for i := range tasks {
		tasks[i] = &domain.Task{Input: domain.Candidate(i), Index: i}
	}
	return tasks
}

// resolutionsPerTask counts how many resolutions each task received.
func resolutionsPerTask(r *RoundReport) map[*domain.Task]int {
	out := make(map[*domain.Task]int)
	for _, res := range r.Resolutions {
		out[res.Task]++
	}
	return out
}

func TestPartition(t *testing.T) {
	tests := []struct {
		name      string
		pending   int
		batch     int
		sub       int
		wantBatch int
		wantUnits []int
	}{
		{"exact", 10, 10, 5, 10, []int{5, 5}},
		{"ragged tail", 10, 10, 3, 10, []int{3, 3, 3, 1}},
		{"batch caps pending", 100, 8, 4, 8, []int{4, 4}},
		{"fewer pending than batch", 3, 10, 2, 3, []int{2, 1}},
		{"zero batch takes all", 7, 0, 7, 7, []int{7}},
		{"zero sub batch is one unit", 6, 6, 0, 6, []int{6}},
		{"empty", 0, 10, 2, 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pending := makeTasks(tt.pending)
			batch, units := Partition(pending, tt.batch, tt.sub)

			if len(batch) != tt.wantBatch {
				t.Fatalf("batch size %d, want %d", len(batch), tt.wantBatch)
			}
			if len(units) != len(tt.wantUnits) {
				t.Fatalf("got %d units, want %d", len(units), len(tt.wantUnits))
			}

			next := 0
			for i, u := range units {
				if len(u) != tt.wantUnits[i] {
					t.Errorf("unit %d has %d tasks, want %d", i, len(u), tt.wantUnits[i])
				}
				for _, task := range u {
					if task != pending[next] {
						t.Errorf("unit %d: task %d out of order", i, task.Index)
					}
					next++
				}
			}
		})
	}
}

func TestRoundDeadline(t *testing.T) {
	tests := []struct {
		name        string
		tasks       int
		perTask     time.Duration
		workers     int
		concurrency int
		expect      time.Duration
	}{
		{"even spread", 1000, 10 * time.Second, 10, 10, 100 * time.Second},
		{"single worker thread", 5, time.Second, 1, 1, 5 * time.Second},
		{"floored at one task timeout", 2, 10 * time.Second, 10, 10, 10 * time.Second},
		{"zero concurrency counts as one", 20, time.Second, 2, 0, 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RoundDeadline(tt.tasks, tt.perTask, tt.workers, tt.concurrency)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.expect {
				t.Errorf("RoundDeadline = %v, want %v", got, tt.expect)
			}
		})
	}

	if _, err := RoundDeadline(10, time.Second, 0, 4); !errors.Is(err, ErrNoWorkers) {
		t.Errorf("expected ErrNoWorkers, got %v", err)
	}
}

func TestRound_AllUnitsAnswer(t *testing.T) {
	d := New(&fakeFleet{workers: []string{"w0", "w1"}, submit: answerAll},
		Config{BatchSize: 10, SubBatchSize: 3, TaskConcurrency: 2, TaskTimeout: time.Second})
	pending := makeTasks(12)

	report, err := d.Round(context.Background(), pending)
	if err != nil {
		t.Fatalf("round: %v", err)
	}

	if report.Units != 4 || report.Workers != 2 {
		t.Errorf("unexpected report shape: %+v", report)
	}
	counts := resolutionsPerTask(report)
	if len(counts) != 10 {
		t.Fatalf("expected 10 tasks resolved, got %d", len(counts))
	}
	for task, n := range counts {
		if n != 1 {
			t.Errorf("task %d resolved %d times", task.Index, n)
		}
		if task.Index >= 10 {
			t.Errorf("task %d was outside the batch", task.Index)
		}
	}
	for _, res := range report.Resolutions {
		if string(res.Attempt.Value) != `{"id":"`+res.Task.Input.String()+`"}` {
			t.Errorf("task %d got someone else's attempt: %s", res.Task.Index, res.Attempt.Value)
		}
	}
	if report.Failures() != 0 || report.Requests() != 10 {
		t.Errorf("expected 10 requests and no failures, got %d and %d", report.Requests(), report.Failures())
	}
}

func TestRound_SilentWorkerTimesOutEveryTask(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	// The worker never answers and ignores cancellation.
	fleet := &fakeFleet{workers: []string{"w0"}, submit: func(ctx context.Context, unit domain.Unit) (domain.UnitResult, error) {
		<-release
		return domain.UnitResult{}, nil
	}}
	d := New(fleet, Config{BatchSize: 5, SubBatchSize: 5, TaskConcurrency: 5, TaskTimeout: 20 * time.Millisecond})
	pending := makeTasks(5)

	start := time.Now()
	report, err := d.Round(context.Background(), pending)
	if err != nil {
		t.Fatalf("round: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("round did not stop at its deadline")
	}

	if report.UnitsLate != 1 {
		t.Errorf("expected 1 late unit, got %d", report.UnitsLate)
	}
	counts := resolutionsPerTask(report)
	for _, task := range pending {
		if counts[task] != 1 {
			t.Errorf("task %d got %d resolutions, want exactly 1", task.Index, counts[task])
		}
	}
	for _, res := range report.Resolutions {
		if res.Attempt.Err == nil || res.Attempt.Err.Kind != domain.KindTimeout {
			t.Errorf("task %d: expected timeout, got %+v", res.Task.Index, res.Attempt)
		}
	}
}

func TestRound_UnitFailures(t *testing.T) {
	fleet := &fakeFleet{workers: []string{"w0"}, submit: func(ctx context.Context, unit domain.Unit) (domain.UnitResult, error) {
		switch unit.Candidates[0] {
		case 0:
			return domain.UnitResult{}, errors.New("connection reset by peer")
		case 2:
			res, _ := answerAll(ctx, unit)
			res.Attempts = res.Attempts[:1]
			return res, nil
		case 4:
			return domain.UnitResult{}, domain.ProtocolError("http 500")
		default:
			return answerAll(ctx, unit)
		}
	}}
	d := New(fleet, Config{BatchSize: 8, SubBatchSize: 2, TaskConcurrency: 1, TaskTimeout: time.Second})

	report, err := d.Round(context.Background(), makeTasks(8))
	if err != nil {
		t.Fatalf("round: %v", err)
	}

	want := map[int]domain.FailureKind{
		0: domain.KindWorkerLost, 1: domain.KindWorkerLost,
		2: domain.KindProtocol, 3: domain.KindProtocol,
		4: domain.KindProtocol, 5: domain.KindProtocol,
	}
	for _, res := range report.Resolutions {
		kind, failed := want[res.Task.Index]
		switch {
		case failed && (res.Attempt.Err == nil || res.Attempt.Err.Kind != kind):
			t.Errorf("task %d: expected %s, got %+v", res.Task.Index, kind, res.Attempt)
		case !failed && !res.Attempt.Succeeded():
			t.Errorf("task %d: expected success, got %+v", res.Task.Index, res.Attempt)
		}
	}
	if report.UnitsFailed != 3 {
		t.Errorf("expected 3 failed units, got %d", report.UnitsFailed)
	}
	if report.Failures() != 6 {
		t.Errorf("expected 6 failures, got %d", report.Failures())
	}
}

func TestRound_NoWorkers(t *testing.T) {
	d := New(&fakeFleet{submit: answerAll}, Config{BatchSize: 5, SubBatchSize: 5, TaskTimeout: time.Second})

	report, err := d.Round(context.Background(), makeTasks(5))
	if !errors.Is(err, ErrNoWorkers) {
		t.Fatalf("expected ErrNoWorkers, got %v", err)
	}
	if report != nil {
		t.Errorf("nothing should be dispatched without workers")
	}
}

func TestRound_EmitsEvents(t *testing.T) {
	d := New(&fakeFleet{workers: []string{"w0"}, submit: answerAll},
		Config{BatchSize: 6, SubBatchSize: 2, TaskConcurrency: 1, TaskTimeout: time.Second})

	if _, err := d.Round(context.Background(), makeTasks(6)); err != nil {
		t.Fatalf("round: %v", err)
	}
	d.Close()

	var units, rounds, tasks int
	for e := range d.Events() {
		switch e.Kind {
		case EventUnitDone:
			units++
			tasks += e.Tasks
		case EventRoundDone:
			rounds++
			if e.Tasks != 6 || e.Round != 1 {
				t.Errorf("unexpected round event %+v", e)
			}
		}
	}
	if units != 3 || rounds != 1 || tasks != 6 {
		t.Errorf("expected 3 unit events over 6 tasks and 1 round event, got %d, %d, %d", units, tasks, rounds)
	}
}
