package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/loom/internal/apply"
	"github.com/roach88/loom/internal/cachesync"
	"github.com/roach88/loom/internal/normalize"
	"github.com/roach88/loom/internal/schema"
	"github.com/roach88/loom/internal/watcher"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions

	// FeedBuilder overrides how source feeds are constructed (for
	// testing). If nil, sources poll their configured HTTP endpoints.
	FeedBuilder watcher.FeedBuilder
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the ingest pipeline",
		Long: `Start the event-to-graph ingest pipeline.

The daemon opens the configured graph and cache stores, resumes any
interrupted representation migrations, and then polls every configured
source feed: the default source in its own loop, the rest in rounds of
the most stale first. Cache synchronization runs alongside until
shutdown.

Example:
  loom run --config loom.yaml
  loom run --config loom.yaml --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(opts, cmd)
		},
	}

	return cmd
}

func runPipeline(opts *RunOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if len(cfg.Sources) == 0 {
		slog.Warn("no sources configured; the pipeline will idle")
	}

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	slog.Info("opening stores", "graph", cfg.GraphDSN, "cache", cfg.CacheDSN)
	g, c, closeStores, err := openStores(ctx, cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open stores", err)
	}
	defer closeStores()

	schemas, err := schema.Load()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load payload schemas", err)
	}

	applier := apply.New(g, cfg.ApplyOptions()...)
	syncer := cachesync.New(c, cfg.SyncOptions()...)
	registry, err := buildRegistry(g, applier, cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build migration registry", err)
	}

	var orchOpts []watcher.OrchestratorOption
	if opts.FeedBuilder != nil {
		orchOpts = append(orchOpts, watcher.WithFeedBuilder(opts.FeedBuilder))
	}
	orch, err := watcher.NewOrchestrator(cfg.Watcher(), watcher.Pipeline{
		Store:        g,
		Normalizer:   normalize.New(schemas),
		Applier:      applier,
		Synchronizer: syncer,
	}, orchOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build orchestrator", err)
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	// Resume interrupted migrations before ingest starts. A migration
	// paused mid-phase keeps its dual-write mirror registered for the
	// daemon's lifetime; a failed one is recorded for `migration retry`
	// and must not block ingestion.
	if err := registry.RunPending(ctx); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		slog.Error("migrations incomplete; ingest continues", "error", err)
	}

	slog.Info("pipeline starting", "sources", len(cfg.Sources), "default_source", cfg.DefaultSource)
	fmt.Fprintln(cmd.OutOrStdout(), "Pipeline started. Watching source feeds...")
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return syncer.Run(groupCtx)
	})
	group.Go(func() error {
		defer syncer.Close()
		return orch.Run(groupCtx)
	})

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "pipeline error", err)
	}

	slog.Info("pipeline stopped gracefully")
	return nil
}
