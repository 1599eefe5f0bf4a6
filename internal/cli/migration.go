package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/loom/internal/apply"
	"github.com/roach88/loom/internal/graph"
	"github.com/roach88/loom/internal/migrate"
)

// defaultCatalogDir is where migration new writes skeletons.
const defaultCatalogDir = "internal/migrate/catalog"

// NewMigrationCommand creates the migration command group.
func NewMigrationCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migration",
		Short: "Manage representation migrations",
	}
	cmd.AddCommand(NewMigrationNewCommand(rootOpts))
	cmd.AddCommand(NewMigrationRunCommand(rootOpts))
	cmd.AddCommand(NewMigrationRetryCommand(rootOpts))
	return cmd
}

// MigrationNewOptions holds flags for the migration new command.
type MigrationNewOptions struct {
	*RootOptions
	Dir string
}

// NewMigrationNewCommand creates the migration new command.
func NewMigrationNewCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MigrationNewOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "new <name>",
		Short: "Write a numbered migration skeleton into the catalog",
		Long: `Write a numbered migration skeleton into the catalog directory.

The name must be snake_case; the file gets the next free sequence
number. Fill in the kinds, the representation name and the transform,
then add the migration to the catalog's All list.

Example:
  loom migration new user_handle_backfill`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrationNew(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Dir, "dir", defaultCatalogDir, "catalog directory to write into")

	return cmd
}

func runMigrationNew(opts *MigrationNewOptions, name string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	path, err := migrate.Scaffold(opts.Dir, name)
	if err != nil {
		_ = formatter.Error("scaffold", "failed to write migration skeleton", err.Error())
		return WrapExitError(ExitCommandError, "failed to write migration skeleton", err)
	}

	if formatter.Format == "json" {
		return formatter.Success(map[string]any{"path": path})
	}
	fmt.Fprintf(formatter.Writer, "✓ Wrote %s\n", path)
	fmt.Fprintln(formatter.Writer, "  Register it in the catalog's All list to activate it.")
	return nil
}

// NewMigrationRunCommand creates the migration run command.
func NewMigrationRunCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run pending migrations to completion",
		Long: `Run every registered migration that is not yet done, in catalog
order, honoring dependencies. Each migration walks its phases with every
transition persisted first, so an interrupted run resumes where it
stopped.

Example:
  loom migration run --config loom.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrations(rootOpts, cmd, "")
		},
	}
	return cmd
}

// NewMigrationRetryCommand creates the migration retry command.
func NewMigrationRetryCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Reset a failed migration and run it again",
		Long: `Reset a failed migration to pending, discarding its progress
cursor, and run pending migrations again from scratch.

Example:
  loom migration retry 0001_tag_counts_reset`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrations(rootOpts, cmd, args[0])
		},
	}
	return cmd
}

// runMigrations optionally resets retryID, then runs pending migrations
// and reports every catalog migration's resulting phase.
func runMigrations(opts *RootOptions, cmd *cobra.Command, retryID string) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	g, _, closeStores, err := openStores(ctx, cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open stores", err)
	}
	defer closeStores()

	applier := apply.New(g, cfg.ApplyOptions()...)
	registry, err := buildRegistry(g, applier, cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build migration registry", err)
	}

	if retryID != "" {
		if err := registry.Retry(ctx, retryID); err != nil {
			_ = formatter.Error("migration", "retry failed", err.Error())
			return WrapExitError(ExitCommandError, "retry failed", err)
		}
	}

	runErr := registry.RunPending(ctx)
	if runErr != nil && (errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded)) {
		return WrapExitError(ExitFailure, "migration run interrupted", runErr)
	}

	statuses, err := registry.Status(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read migration status", err)
	}

	if formatter.Format == "json" {
		if err := formatter.Success(statuses); err != nil {
			return err
		}
	} else {
		printMigrationStatuses(formatter, statuses)
	}

	if runErr != nil {
		return WrapExitError(ExitFailure, "migrations failed", runErr)
	}
	return nil
}

func printMigrationStatuses(formatter *OutputFormatter, statuses []migrate.Status) {
	if len(statuses) == 0 {
		fmt.Fprintln(formatter.Writer, "No migrations registered.")
		return
	}
	for _, st := range statuses {
		mark := "✓"
		if st.Phase == graph.PhaseFailed {
			mark = "✗"
		} else if st.Phase != graph.PhaseDone {
			mark = "…"
		}
		fmt.Fprintf(formatter.Writer, "%s %s  %s", mark, st.ID, st.Phase)
		if st.Failure != "" {
			fmt.Fprintf(formatter.Writer, "  (%s)", st.Failure)
		}
		fmt.Fprintln(formatter.Writer)
	}
}
