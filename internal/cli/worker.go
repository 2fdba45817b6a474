package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/bendavidsteel/what-for-where/internal/core/domain"
	"github.com/bendavidsteel/what-for-where/internal/infra/cluster/worker"
	"github.com/bendavidsteel/what-for-where/internal/infra/fetch"
)

var workerFlags struct {
	id              string
	listen          string
	grpc            string
	taskConcurrency int
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Serve units of work for a remote controller",
	RunE:  runWorker,
}

func init() {
	f := workerCmd.Flags()
	f.StringVar(&workerFlags.id, "id", "", "worker id (default: random)")
	f.StringVar(&workerFlags.listen, "listen", ":8700", "HTTP address for units, health and metrics")
	f.StringVar(&workerFlags.grpc, "grpc", ":8701", "gRPC health address")
	f.IntVar(&workerFlags.taskConcurrency, "task-concurrency", 0, "fetches in flight (default engine.task_concurrency)")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Fetch.URLTemplate == "" {
		return fmt.Errorf("%w: fetch.url_template is empty", domain.ErrConfig)
	}

	id := workerFlags.id
	if id == "" {
		id = "worker-" + uuid.NewString()
	}
	conc := workerFlags.taskConcurrency
	if conc == 0 {
		conc = cfg.Engine.TaskConcurrency
	}

	fetcher := fetch.NewHTTPFetcher(cfg.Fetch)
	srv := worker.New(worker.Config{
		ID:              id,
		Listen:          workerFlags.listen,
		GRPC:            workerFlags.grpc,
		TaskConcurrency: conc,
		ResetCommand:    cfg.Worker.ResetCommand,
		IdentityCommand: cfg.Worker.IdentityCommand,
		ResetTimeout:    cfg.Worker.ResetTimeout,
	}, fetcher, fetcher.Monitor)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return srv.Run(ctx)
}
