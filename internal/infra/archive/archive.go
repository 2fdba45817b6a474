// Package archive writes finished runs to numbered result directories and
// reads them back.
package archive

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/bendavidsteel/what-for-where/internal/control"
	"github.com/bendavidsteel/what-for-where/internal/core/candidate"
	"github.com/bendavidsteel/what-for-where/internal/core/domain"
)

const (
	ResultsFile    = "results.json"
	ParametersFile = "parameters.json"
)

// Parameters records how a run was configured.
type Parameters struct {
	RunID              string               `json:"run_id"`
	StartTime          time.Time            `json:"start_time"`
	EndTime            time.Time            `json:"end_time"`
	NumTime            int                  `json:"num_time"`
	TimeUnit           string               `json:"time_unit"`
	Method             string               `json:"method"`
	ClusterType        string               `json:"cluster_type"`
	NumWorkers         int                  `json:"num_workers"`
	RequestsPerIP      int                  `json:"reqs_per_ip"`
	BatchSize          int                  `json:"batch_size"`
	TaskBatchSize      int                  `json:"task_batch_size"`
	TaskTimeout        float64              `json:"task_timeout"`
	TaskConcurrency    int                  `json:"task_nthreads"`
	MaxTries           int                  `json:"max_tries"`
	GenerationStrategy string               `json:"generation_strategy"`
	Intervals          []candidate.Interval `json:"intervals"`
	Rounds             int                  `json:"rounds"`
	Rotations          int                  `json:"rotations"`
	Recoveries         int                  `json:"recoveries"`
	StartedAt          time.Time            `json:"started_at"`
	FinishedAt         time.Time            `json:"finished_at"`
	Error              string               `json:"error,omitempty"`
}

// Exception is one failed attempt.
type Exception struct {
	Exception string             `json:"exception"`
	Kind      domain.FailureKind `json:"kind"`
	PreTime   time.Time          `json:"pre_time"`
	PostTime  time.Time          `json:"post_time"`
}

// Result is the successful attempt of a task.
type Result struct {
	Return   json.RawMessage `json:"return"`
	Absent   bool            `json:"absent"`
	PreTime  time.Time       `json:"pre_time"`
	PostTime time.Time       `json:"post_time"`
}

// Record is the archived history of one candidate.
type Record struct {
	Args       string      `json:"args"`
	Exceptions []Exception `json:"exceptions"`
	Result     *Result     `json:"result"`
	Completed  bool        `json:"completed"`
}

// IsHit reports whether the record found a present value.
func (r Record) IsHit() bool {
	return r.Completed && r.Result != nil && !r.Result.Absent && len(r.Result.Return) > 0
}

// NewRecord converts a task into its archived form.
func NewRecord(t *domain.Task) Record {
	rec := Record{
		Args:       t.Input.String(),
		Exceptions: []Exception{},
		Completed:  t.Outcome != domain.OutcomePending,
	}
	for _, a := range t.Attempts {
		if a.Err != nil {
			rec.Exceptions = append(rec.Exceptions, Exception{
				Exception: a.Err.Error(),
				Kind:      a.Err.Kind,
				PreTime:   a.StartedAt,
				PostTime:  a.FinishedAt,
			})
		}
	}
	if a, ok := t.Result(); ok {
		rec.Result = &Result{Return: a.Value, Absent: a.Absent, PreTime: a.StartedAt, PostTime: a.FinishedAt}
	}
	return rec
}

// Write stores the report under the next free numbered directory of
// outputDir and returns that directory.
func Write(outputDir string, report *control.Report, params Parameters) (string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	dir, err := nextDir(outputDir)
	if err != nil {
		return "", err
	}

	params.RunID = report.RunID
	params.Rounds = report.Rounds
	params.Rotations = report.Rotations
	params.Recoveries = report.Recoveries
	params.StartedAt = report.StartedAt
	params.FinishedAt = report.FinishedAt

	if err := writeJSON(filepath.Join(dir, ParametersFile), params); err != nil {
		return dir, err
	}
	if err := writeResults(filepath.Join(dir, ResultsFile), report); err != nil {
		return dir, err
	}
	return dir, nil
}

// nextDir creates the directory one past the highest numbered entry.
func nextDir(outputDir string) (string, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return "", fmt.Errorf("list output dir: %w", err)
	}

	next := 0
	for _, e := range entries {
		if n, err := strconv.Atoi(e.Name()); err == nil && e.IsDir() && n >= next {
			next = n + 1
		}
	}

	// Another run may claim the same number between ReadDir and Mkdir.
	for {
		dir := filepath.Join(outputDir, strconv.Itoa(next))
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("create result dir: %w", err)
		}
		next++
	}
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeResults streams one record per task so large ledgers are never held
// twice in memory.
func writeResults(path string, report *control.Report) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create results: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)

	if _, err := w.WriteString("["); err != nil {
		return err
	}
	if report.Ledger != nil {
		for i, t := range report.Ledger.Tasks() {
			if i > 0 {
				if _, err := w.WriteString(","); err != nil {
					return err
				}
			}
			if err := enc.Encode(NewRecord(t)); err != nil {
				return fmt.Errorf("encode record %d: %w", i, err)
			}
		}
	}
	if _, err := w.WriteString("]\n"); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush results: %w", err)
	}
	return f.Close()
}

// Archive is a run read back from disk.
type Archive struct {
	Dir        string
	Parameters Parameters
	Records    []Record
}

// Load reads the archive in dir.
func Load(dir string) (*Archive, error) {
	a := &Archive{Dir: dir}

	data, err := os.ReadFile(filepath.Join(dir, ParametersFile))
	if err != nil {
		return nil, fmt.Errorf("read parameters: %w", err)
	}
	if err := json.Unmarshal(data, &a.Parameters); err != nil {
		return nil, fmt.Errorf("parse parameters: %w", err)
	}

	f, err := os.Open(filepath.Join(dir, ResultsFile))
	if err != nil {
		return nil, fmt.Errorf("read results: %w", err)
	}
	defer f.Close()
	if err := json.NewDecoder(bufio.NewReader(f)).Decode(&a.Records); err != nil {
		return nil, fmt.Errorf("parse results: %w", err)
	}
	return a, nil
}

// Summary aggregates an archive. Completed counts every resolved candidate;
// Exhausted is the part of it that gave up without a result, and Incomplete
// counts candidates an aborted run never resolved.
type Summary struct {
	Total          int
	Completed      int
	Hits           int
	Absent         int
	Exhausted      int
	Incomplete     int
	Attempts       int
	FailuresByKind map[domain.FailureKind]int
	Duration       time.Duration
}

// Summarize aggregates the records of a.
func (a *Archive) Summarize() Summary {
	s := Summary{
		Total:          len(a.Records),
		FailuresByKind: make(map[domain.FailureKind]int),
		Duration:       a.Parameters.FinishedAt.Sub(a.Parameters.StartedAt),
	}
	for _, r := range a.Records {
		s.Attempts += len(r.Exceptions)
		for _, e := range r.Exceptions {
			s.FailuresByKind[e.Kind]++
		}
		if !r.Completed {
			s.Incomplete++
			continue
		}
		s.Completed++
		if r.Result == nil {
			s.Exhausted++
			continue
		}
		s.Attempts++
		if r.IsHit() {
			s.Hits++
		} else {
			s.Absent++
		}
	}
	return s
}

// HitRate is the share of candidates resolved with a result that found something.
func (s Summary) HitRate() float64 {
	valid := s.Completed - s.Exhausted
	if valid <= 0 {
		return 0
	}
	return float64(s.Hits) / float64(valid)
}

// ValidityRate is the share of candidates that did not exhaust their tries.
func (s Summary) ValidityRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Total-s.Exhausted) / float64(s.Total)
}

// Kinds lists the failure kinds seen, sorted by name.
func (s Summary) Kinds() []domain.FailureKind {
	kinds := make([]domain.FailureKind, 0, len(s.FailuresByKind))
	for k := range s.FailuresByKind {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
