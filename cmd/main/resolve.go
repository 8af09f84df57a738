package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"stationkernel/internal/config"
	"stationkernel/internal/db"
	"stationkernel/internal/db/repositories"
	"stationkernel/internal/eventstore"
	"stationkernel/internal/metrics"
	"stationkernel/internal/registry"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve [hint]",
	Short: "Resolve an instance hint to the matching supervisor instance(s)",
	Long: `Resolve implements the Instance Registry's resolve(hint) operation:
an empty hint resolves to the newest active instance overall; otherwise
exact instance_id, then instance_id prefix, then current_epic, then
project are tried in order.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runResolve,
}

func runResolve(cmd *cobra.Command, args []string) error {
	hint := ""
	if len(args) == 1 {
		hint = args[0]
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database %s: %w", cfg.DatabaseURL, err)
	}
	defer database.Close()

	repos := repositories.New(database)
	events := eventstore.New(repos.Events)
	reg := registry.New(repos.Instances, events, metrics.New())

	result, err := reg.Resolve(context.Background(), hint)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", hint, err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintf(w, "STRATEGY\t%s\n", result.Strategy)
	fmt.Fprintln(w, "INSTANCE_ID\tPROJECT\tSTATUS\tLAST_HEARTBEAT")
	for _, inst := range result.Matches {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", inst.InstanceID, inst.Project, inst.Status, inst.LastHeartbeat.Format("2006-01-02T15:04:05Z"))
	}
	if result.Disambiguation() {
		fmt.Fprintf(w, "\n%d matches: disambiguation required\n", len(result.Matches))
	}
	return w.Flush()
}
