package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"stationkernel/internal/config"
	"stationkernel/internal/db"
	"stationkernel/internal/db/repositories"
	"stationkernel/internal/reporter"
	"stationkernel/internal/workflow"
)

var reportEpic string

var reportCmd = &cobra.Command{
	Use:   "report [test_id]",
	Short: "Print the Unified Reporter's report for a test or epic",
	Long: `report prints the aggregated TestReport for a single workflow
(by test_id), or, with --epic, the EpicTestReport aggregating every
workflow belonging to that epic.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReport,
}

func init() {
	reportCmd.Flags().StringVar(&reportEpic, "epic", "", "print the aggregated report for this epic instead of a single test")
}

func runReport(cmd *cobra.Command, args []string) error {
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
	machine := workflow.New(repos.Workflows)
	rep := reporter.New()
	ctx := context.Background()

	if reportEpic != "" {
		workflows, err := machine.ListByEpic(ctx, reportEpic)
		if err != nil {
			return fmt.Errorf("list workflows for epic %s: %w", reportEpic, err)
		}
		return printJSON(rep.EpicReport(reportEpic, workflows))
	}

	if len(args) != 1 {
		return fmt.Errorf("report requires a test_id argument, or --epic")
	}

	wf, err := machine.Get(ctx, args[0])
	if err != nil {
		return fmt.Errorf("get workflow %s: %w", args[0], err)
	}
	return printJSON(rep.Report(wf))
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
