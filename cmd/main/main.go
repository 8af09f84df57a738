// Command stationkernel is the CLI entry point: serve, migrate,
// resolve, and report subcommands over the workflow kernel.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"stationkernel/internal/config"
)

var (
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   "stationkernel",
		Short: "Workflow & Session Kernel for automated test supervision",
		Long: `stationkernel supervises automated test workflows through
execution, detection, verification, fixing, and learning stages, and
tracks the supervisor instances driving them.`,
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml or $XDG_CONFIG_HOME/stationkernel/config.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(reportCmd)
}

func initConfig() {
	if err := config.InitViper(cfgFile); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize config: %v\n", err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
