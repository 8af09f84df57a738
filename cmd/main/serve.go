package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"stationkernel/internal/checkpoint"
	"stationkernel/internal/commandlog"
	"stationkernel/internal/config"
	"stationkernel/internal/db"
	"stationkernel/internal/db/repositories"
	"stationkernel/internal/errorhandler"
	"stationkernel/internal/eventstore"
	"stationkernel/internal/mcp"
	"stationkernel/internal/metrics"
	"stationkernel/internal/orchestrator"
	"stationkernel/internal/redaction"
	"stationkernel/internal/registry"
	"stationkernel/internal/reporter"
	"stationkernel/internal/stageexec"
	"stationkernel/internal/telemetry"
	"stationkernel/internal/workflow"
	"stationkernel/pkg/models"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the kernel's MCP server, metrics endpoint, and stale sweep",
	Long: `serve wires every kernel component together and runs until
signaled: the MCP administrative server over stdio, a Prometheus
/metrics endpoint, and the Instance Registry's periodic stale sweep.

Execution, detection, verification, fixing, and learning collaborators
are not wired here: they are external runtimes that drive the kernel
through the MCP surface, not code the kernel embeds.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	tp, err := telemetry.Setup(cmd.Context(), cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("set up telemetry: %w", err)
	}
	defer telemetry.Shutdown(context.Background(), tp)

	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database %s: %w", cfg.DatabaseURL, err)
	}
	defer database.Close()

	if err := database.Migrate(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	repos := repositories.New(database)

	var redactorFn func() *redaction.Redactor
	switch {
	case cfg.Redaction.PatternSourceKind == "file" && cfg.Redaction.PatternSourcePath != "":
		watching, err := redaction.WatchPatternFile(cfg.Redaction.PatternSourcePath)
		if err != nil {
			return fmt.Errorf("watch redaction patterns %s: %w", cfg.Redaction.PatternSourcePath, err)
		}
		defer watching.Close()
		redactorFn = watching.Get
	case cfg.Redaction.PatternSourceKind == "table" && cfg.Redaction.PatternSourcePath != "":
		fromTable := redaction.LoadPatternTable(database.Conn(), cfg.Redaction.PatternSourcePath)
		redactorFn = func() *redaction.Redactor { return fromTable }
	default:
		builtin := redaction.NewDefault()
		redactorFn = func() *redaction.Redactor { return builtin }
	}

	m := metrics.New()
	events := eventstore.New(repos.Events)
	commands := commandlog.New(repos.Commands, redactorFn)
	reg := registry.New(repos.Instances, events, m)
	reg.SetStaleThreshold(time.Duration(cfg.StaleThresholdSeconds) * time.Second)
	checkpoints := checkpoint.New(repos.Checkpoints, events, repos.Commands, repos.Instances)
	machine := workflow.New(repos.Workflows)

	timeouts := stageexec.StageTimeouts{
		models.StageExecution:    time.Duration(cfg.StageTimeouts.ExecutionMs) * time.Millisecond,
		models.StageDetection:    time.Duration(cfg.StageTimeouts.DetectionMs) * time.Millisecond,
		models.StageVerification: time.Duration(cfg.StageTimeouts.VerificationMs) * time.Millisecond,
		models.StageFixing:       time.Duration(cfg.StageTimeouts.FixingMs) * time.Millisecond,
		models.StageLearning:     time.Duration(cfg.StageTimeouts.LearningMs) * time.Millisecond,
	}
	executor := stageexec.New(stageexec.Collaborators{}, timeouts)

	handoff := errorhandler.NewFileHandoffWriter(cfg.HandoffDir)
	handler := errorhandler.New(machine, handoff, m, cfg.MaxRetries)

	orch := orchestrator.New(machine, executor, handler, events, commands, m, cfg.MaxRetries, cfg.StageTimeouts.OverallTimeout())
	rep := reporter.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweepExpr := fmt.Sprintf("@every %ds", cfg.StaleSweepIntervalSeconds)
	sweepCron, err := reg.StartSweep(ctx, sweepExpr, func(ids []string) {
		log.Printf("stale sweep marked %d instance(s) stale", len(ids))
	})
	if err != nil {
		return fmt.Errorf("start stale sweep: %w", err)
	}
	defer sweepCron.Stop()

	metricsSrv := &http.Server{Addr: cfg.MCPBindAddr, Handler: m.Handler()}
	go func() {
		log.Printf("metrics listening on %s", cfg.MCPBindAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}()

	srv := mcp.NewServer(events, commands, reg, checkpoints, machine, orch, rep, cfg.CheckpointContextThresholdPercent)
	if err := srv.StartStdio(ctx); err != nil {
		return fmt.Errorf("mcp stdio server: %w", err)
	}
	return nil
}
