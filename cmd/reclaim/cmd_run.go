package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yairfalse/reclaim/internal/config"
	"github.com/yairfalse/reclaim/internal/daemon"
)

var (
	runOnce   bool
	runDryRun bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run garbage collection cycles",
	Long: `Run garbage collection on the configured interval.

Every cycle runs the enabled collectors concurrently. Each collector
discovers its leaked resources and, if it found any, launches one
remediation per resource that is stale and not impacting a node.

Prometheus metrics are served on /metrics together with /health,
/-/healthy and /-/ready when [metrics] enabled = true.`,
	Example: `  reclaim run                        # Run on the configured interval
  reclaim run --once                 # Single cycle, then exit
  reclaim run --once --dry-run       # Show what would be remediated
  reclaim run -c /etc/reclaim.toml --pretty`,
	RunE: runGC,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&runOnce, "once", false, "Run a single cycle and exit")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Journal and log remediations without launching them")
}

func runGC(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if runOnce {
		cfg.GC.OneShot = true
	}
	if runDryRun {
		cfg.GC.DryRun = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log.Level, pretty)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("shutdown incomplete")
		}
	}()

	dcfg := daemon.Config{
		Interval: cfg.GC.Interval,
		OneShot:  cfg.GC.OneShot,
	}
	if cfg.Metrics.Enabled {
		dcfg.MetricsAddr = cfg.Metrics.Addr
	}

	d, err := daemon.New(dcfg, a.orchestrator, logger, daemon.WithGatherer(a.provider.Registry()))
	if err != nil {
		return err
	}

	logger.Info().
		Strs("collectors", cfg.GC.Collectors).
		Dur("interval", cfg.GC.Interval).
		Bool("one_shot", cfg.GC.OneShot).
		Bool("dry_run", cfg.GC.DryRun).
		Msg("reclaim starting")

	return d.Run(ctx)
}
