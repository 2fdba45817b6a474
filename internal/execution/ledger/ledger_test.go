package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/bendavidsteel/what-for-where/internal/core/domain"
	"github.com/bendavidsteel/what-for-where/internal/execution/policy"
)

func candidates(n int) []domain.Candidate {
	out := make([]domain.Candidate, n)
	for i := range out {
		out[i] = domain.Candidate(1000 + i)
	}
	return out
}

func transportFailure() domain.Attempt {
	now := time.Now()
	return domain.FailedAttempt(now, domain.TransportError(errors.New("dial tcp: i/o timeout")))
}

func hit() domain.Attempt {
	now := time.Now()
	return domain.NewAttempt(now, now.Add(time.Millisecond), []byte(`{"id":"42"}`), nil)
}

func TestNew_PreservesOrder(t *testing.T) {
	l := New(candidates(5), policy.NewRetryPolicy(3))

	pending := l.Pending()
	if len(pending) != 5 {
		t.Fatalf("expected 5 pending, got %d", len(pending))
	}
	for i, task := range pending {
		if task.Input != domain.Candidate(1000+i) {
			t.Errorf("position %d: expected %d, got %s", i, 1000+i, task.Input)
		}
		if task.Outcome != domain.OutcomePending {
			t.Errorf("position %d: expected pending, got %s", i, task.Outcome)
		}
	}
}

func TestRecordAttempt_Exhausts(t *testing.T) {
	l := New(candidates(1), policy.NewRetryPolicy(3))
	task := l.Pending()[0]

	for i := 1; i <= 3; i++ {
		outcome, err := l.RecordAttempt(task, transportFailure())
		if err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
		want := domain.OutcomePending
		if i == 3 {
			want = domain.OutcomeExhausted
		}
		if outcome != want {
			t.Errorf("attempt %d: expected %s, got %s", i, want, outcome)
		}
	}

	if !l.Resolved() {
		t.Error("ledger should be resolved")
	}
	if len(task.Attempts) != 3 {
		t.Errorf("expected 3 attempts, got %d", len(task.Attempts))
	}
}

func TestRecordAttempt_NeverReverses(t *testing.T) {
	l := New(candidates(1), policy.NewRetryPolicy(3))
	task := l.Pending()[0]

	if _, err := l.RecordAttempt(task, hit()); err != nil {
		t.Fatal(err)
	}

	outcome, err := l.RecordAttempt(task, transportFailure())
	if !errors.Is(err, ErrTaskResolved) {
		t.Fatalf("expected ErrTaskResolved, got %v", err)
	}
	if outcome != domain.OutcomeSucceeded {
		t.Errorf("outcome changed to %s", outcome)
	}
	if len(task.Attempts) != 1 {
		t.Errorf("attempt appended to resolved task")
	}
}

func TestRecordAttempt_UnknownTask(t *testing.T) {
	l := New(candidates(2), policy.NewRetryPolicy(3))
	other := New(candidates(2), policy.NewRetryPolicy(3))

	if _, err := l.RecordAttempt(other.Pending()[0], hit()); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("expected ErrUnknownTask, got %v", err)
	}
}

func TestPending_DropsResolvedKeepsOrder(t *testing.T) {
	l := New(candidates(6), policy.NewRetryPolicy(3))
	pending := l.Pending()

	for _, i := range []int{0, 2, 5} {
		if _, err := l.RecordAttempt(pending[i], hit()); err != nil {
			t.Fatal(err)
		}
	}
	// A failure keeps the task pending.
	if _, err := l.RecordAttempt(pending[1], transportFailure()); err != nil {
		t.Fatal(err)
	}

	got := l.Pending()
	want := []domain.Candidate{1001, 1003, 1004}
	if len(got) != len(want) {
		t.Fatalf("expected %d pending, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].Input != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], got[i].Input)
		}
	}
	if l.PendingCount() != 3 {
		t.Errorf("expected PendingCount 3, got %d", l.PendingCount())
	}
}

func TestRecordAttempt_FillsTimestamps(t *testing.T) {
	l := New(candidates(1), policy.NewRetryPolicy(3))
	task := l.Pending()[0]

	if _, err := l.RecordAttempt(task, domain.Attempt{Err: domain.TimeoutError(nil)}); err != nil {
		t.Fatal(err)
	}
	a := task.Attempts[0]
	if a.FinishedAt.IsZero() || a.StartedAt.IsZero() {
		t.Fatal("timestamps not filled")
	}
	if a.FinishedAt.Before(a.StartedAt) {
		t.Error("finishedAt before startedAt")
	}
}

func TestCounts_Rates(t *testing.T) {
	l := New(candidates(4), policy.NewRetryPolicy(1))
	pending := l.Pending()

	now := time.Now()
	l.RecordAttempt(pending[0], hit())
	l.RecordAttempt(pending[1], domain.NewAttempt(now, now, nil, domain.ErrAbsent))
	l.RecordAttempt(pending[2], hit())
	l.RecordAttempt(pending[3], transportFailure())

	c := l.Counts()
	if c.Succeeded != 3 || c.Exhausted != 1 || c.Hits != 2 {
		t.Fatalf("unexpected counts: %+v", c)
	}
	if got := c.HitRate(); got < 0.66 || got > 0.67 {
		t.Errorf("expected hit rate 2/3, got %f", got)
	}
	if got := c.ValidityRate(); got != 0.75 {
		t.Errorf("expected validity 0.75, got %f", got)
	}
}
