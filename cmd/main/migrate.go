package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"stationkernel/internal/config"
	"stationkernel/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database %s: %w", cfg.DatabaseURL, err)
	}
	defer database.Close()

	if err := database.Migrate(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	fmt.Println("migrations applied")
	return nil
}
