package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bendavidsteel/what-for-where/internal/infra/archive"
	redisclient "github.com/bendavidsteel/what-for-where/internal/infra/redis"
	"github.com/bendavidsteel/what-for-where/internal/infra/storage/postgres"
)

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status [archive-dir]",
	Short: "Summarize an archived run, or list recent runs",
	Long: `With an archive directory, re-read results.json and parameters.json and print
the summary. Without one, list recent runs from the database and live runs from redis.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 10, "number of runs to list")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		a, err := archive.Load(args[0])
		if err != nil {
			return err
		}
		printArchive(a)
		return nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	defer func() { _ = w.Flush() }()

	if cfg.Database.Enabled() {
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer func() { _ = db.Close() }()

		runs, err := postgres.NewRunRepo(db).Recent(ctx, statusLimit)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(w, "RUN\tSTATE\tMETHOD\tSTARTED\tDURATION\tTOTAL\tHITS\tEXHAUSTED")
		for _, r := range runs {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\n", r.ID, r.State, r.Method,
				r.StartedAt.Format(time.RFC3339), r.FinishedAt.Sub(r.StartedAt).Round(time.Second),
				r.Total, r.Hits, r.Exhausted)
		}
	}

	if cfg.Redis.Enabled() {
		rc, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer func() { _ = rc.Close() }()

		runs, err := rc.RecentRuns(ctx, int64(statusLimit))
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(w, "RUN\tSTATE\tSTARTED\tROUND\tPENDING\tHITS\tROTATIONS")
		for _, r := range runs {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\n", r.RunID, r.State,
				r.StartedAt.Format(time.RFC3339), r.Int("round"), r.Int("pending"), r.Int("hits"), r.Int("rotations"))
		}
	}

	if !cfg.Database.Enabled() && !cfg.Redis.Enabled() {
		return fmt.Errorf("no archive directory given and neither database nor redis is configured")
	}
	return nil
}

func printArchive(a *archive.Archive) {
	s := a.Summarize()
	p := a.Parameters

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintf(w, "Run\t%s\n", p.RunID)
	_, _ = fmt.Fprintf(w, "Window\t%s + %d%s\n", p.StartTime.Format(time.RFC3339), p.NumTime, p.TimeUnit)
	_, _ = fmt.Fprintf(w, "Method\t%s (%s)\n", p.Method, p.ClusterType)
	_, _ = fmt.Fprintf(w, "Duration\t%s\n", s.Duration.Round(time.Millisecond))
	_, _ = fmt.Fprintf(w, "Rounds\t%d (rotations %d, recoveries %d)\n", p.Rounds, p.Rotations, p.Recoveries)
	_, _ = fmt.Fprintf(w, "Candidates\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Completed\t%d (hits %d, absent %d, exhausted %d)\n", s.Completed, s.Hits, s.Absent, s.Exhausted)
	_, _ = fmt.Fprintf(w, "Incomplete\t%d\n", s.Incomplete)
	_, _ = fmt.Fprintf(w, "Attempts\t%d\n", s.Attempts)
	for _, k := range s.Kinds() {
		_, _ = fmt.Fprintf(w, "  %s failures\t%d\n", k, s.FailuresByKind[k])
	}
	_, _ = fmt.Fprintf(w, "Hit rate\t%.4f\n", s.HitRate())
	_, _ = fmt.Fprintf(w, "Validity rate\t%.4f\n", s.ValidityRate())
	if p.Error != "" {
		_, _ = fmt.Fprintf(w, "Error\t%s\n", p.Error)
	}
}
