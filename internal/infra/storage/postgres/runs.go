package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/lib/pq"

	"github.com/bendavidsteel/what-for-where/internal/control"
	"github.com/bendavidsteel/what-for-where/internal/core/domain"
)

const taskInsertChunk = 1000

// RunRow is one archived run.
type RunRow struct {
	ID          string    `db:"id"`
	Method      string    `db:"method"`
	ClusterType string    `db:"cluster_type"`
	State       string    `db:"state"`
	StartedAt   time.Time `db:"started_at"`
	FinishedAt  time.Time `db:"finished_at"`
	Rounds      int       `db:"rounds"`
	Rotations   int       `db:"rotations"`
	Recoveries  int       `db:"recoveries"`
	Total       int       `db:"total"`
	Succeeded   int       `db:"succeeded"`
	Exhausted   int       `db:"exhausted"`
	Hits        int       `db:"hits"`
	Attempts    int       `db:"attempts"`
	Error       string    `db:"error"`
}

// TaskRow is the final state of one task.
type TaskRow struct {
	RunID        string         `db:"run_id"`
	Index        int            `db:"idx"`
	Candidate    string         `db:"candidate"`
	Outcome      string         `db:"outcome"`
	Attempts     int            `db:"attempts"`
	FailureKinds pq.StringArray `db:"failure_kinds"`
	Absent       bool           `db:"absent"`
	Value        sql.NullString `db:"value"`
}

// RunRepo stores run reports.
type RunRepo struct {
	db *DB
}

// NewRunRepo creates a new PostgreSQL run repository.
func NewRunRepo(db *DB) *RunRepo {
	return &RunRepo{db: db}
}

// Save writes a report and every task in one transaction.
func (r *RunRepo) Save(ctx context.Context, report *control.Report, runErr error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	run := newRunRow(report, runErr)
	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO runs (id, method, cluster_type, state, started_at, finished_at, rounds,
			rotations, recoveries, total, succeeded, exhausted, hits, attempts, error)
		VALUES (:id, :method, :cluster_type, :state, :started_at, :finished_at, :rounds,
			:rotations, :recoveries, :total, :succeeded, :exhausted, :hits, :attempts, :error)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state, finished_at = EXCLUDED.finished_at, rounds = EXCLUDED.rounds,
			rotations = EXCLUDED.rotations, recoveries = EXCLUDED.recoveries,
			succeeded = EXCLUDED.succeeded, exhausted = EXCLUDED.exhausted,
			hits = EXCLUDED.hits, attempts = EXCLUDED.attempts, error = EXCLUDED.error`,
		run); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	if report.Ledger != nil {
		rows := make([]TaskRow, 0, taskInsertChunk)
		for _, t := range report.Ledger.Tasks() {
			rows = append(rows, newTaskRow(report.RunID, t))
			if len(rows) == taskInsertChunk {
				if err := insertTasks(ctx, tx, rows); err != nil {
					return err
				}
				rows = rows[:0]
			}
		}
		if len(rows) > 0 {
			if err := insertTasks(ctx, tx, rows); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type namedExecer interface {
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
}

func insertTasks(ctx context.Context, tx namedExecer, rows []TaskRow) error {
	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO tasks (run_id, idx, candidate, outcome, attempts, failure_kinds, absent, value)
		VALUES (:run_id, :idx, :candidate, :outcome, :attempts, :failure_kinds, :absent, :value)
		ON CONFLICT (run_id, idx) DO UPDATE SET
			outcome = EXCLUDED.outcome, attempts = EXCLUDED.attempts,
			failure_kinds = EXCLUDED.failure_kinds, absent = EXCLUDED.absent, value = EXCLUDED.value`,
		rows)
	if err != nil {
		return fmt.Errorf("insert tasks: %w", err)
	}
	return nil
}

// Recent returns the latest runs, newest first.
func (r *RunRepo) Recent(ctx context.Context, limit int) ([]RunRow, error) {
	var runs []RunRow
	if err := r.db.SelectContext(ctx, &runs,
		`SELECT * FROM runs ORDER BY started_at DESC LIMIT $1`, limit); err != nil {
		return nil, fmt.Errorf("select runs: %w", err)
	}
	return runs, nil
}

// Hits returns the tasks of a run that found a present value.
func (r *RunRepo) Hits(ctx context.Context, runID string) ([]TaskRow, error) {
	var tasks []TaskRow
	if err := r.db.SelectContext(ctx, &tasks, `
		SELECT run_id, idx, candidate::text AS candidate, outcome, attempts, failure_kinds, absent, value::text AS value
		FROM tasks WHERE run_id = $1 AND value IS NOT NULL AND NOT absent
		ORDER BY idx`, runID); err != nil {
		return nil, fmt.Errorf("select hits: %w", err)
	}
	return tasks, nil
}

func newRunRow(report *control.Report, runErr error) RunRow {
	row := RunRow{
		ID:          report.RunID,
		Method:      report.Method,
		ClusterType: report.ClusterType,
		State:       "completed",
		StartedAt:   report.StartedAt,
		FinishedAt:  report.FinishedAt,
		Rounds:      report.Rounds,
		Rotations:   report.Rotations,
		Recoveries:  report.Recoveries,
		Total:       report.Counts.Total,
		Succeeded:   report.Counts.Succeeded,
		Exhausted:   report.Counts.Exhausted,
		Hits:        report.Counts.Hits,
		Attempts:    report.Counts.Attempts,
	}
	if runErr != nil {
		row.State = "failed"
		row.Error = runErr.Error()
	}
	return row
}

func newTaskRow(runID string, t *domain.Task) TaskRow {
	row := TaskRow{
		RunID:        runID,
		Index:        t.Index,
		Candidate:    strconv.FormatUint(uint64(t.Input), 10),
		Outcome:      t.Outcome.String(),
		Attempts:     len(t.Attempts),
		FailureKinds: pq.StringArray{},
	}
	for _, a := range t.Attempts {
		if a.Err != nil {
			row.FailureKinds = append(row.FailureKinds, string(a.Err.Kind))
		}
	}
	if a, ok := t.Result(); ok {
		row.Absent = a.Absent
		if len(a.Value) > 0 {
			row.Value = sql.NullString{String: string(a.Value), Valid: true}
		}
	}
	return row
}
