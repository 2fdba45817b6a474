package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bendavidsteel/what-for-where/internal/infra/cluster"
)

var hostsCmd = &cobra.Command{
	Use:   "hosts",
	Short: "Check which configured hosts answer the health service",
	RunE:  runHosts,
}

func init() {
	rootCmd.AddCommand(hostsCmd)
}

func runHosts(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	h, err := cluster.NewHosts(cfg.Cluster.Hosts, cfg.Cluster.HealthTimeout)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Cluster.HealthTimeout+5*time.Second)
	defer cancel()
	defer func() { _ = h.Teardown(context.Background()) }()

	if err := h.Scale(ctx, len(cfg.Cluster.Hosts)); err != nil {
		return err
	}
	live, err := h.LiveWorkers(ctx)
	if err != nil {
		return err
	}
	up := make(map[string]bool, len(live))
	for _, name := range live {
		up[name] = true
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "NAME\tURL\tGRPC\tLIVE")
	for _, spec := range cfg.Cluster.Hosts {
		name := spec.Name
		if name == "" {
			name = spec.URL
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%v\n", name, spec.URL, spec.GRPC, up[name])
	}
	_ = w.Flush()

	fmt.Printf("%d/%d hosts live\n", len(live), len(cfg.Cluster.Hosts))
	return nil
}
