package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/loom/internal/apply"
	"github.com/roach88/loom/internal/graph"
	"github.com/roach88/loom/internal/migrate"
	"github.com/roach88/loom/internal/store"
	"github.com/roach88/loom/internal/watcher"
)

// SourceStatus is one source's position in the status snapshot.
type SourceStatus struct {
	ID string `json:"id"`
	// Cursor is the last applied sequence token, empty when the source
	// has never been polled.
	Cursor    string    `json:"cursor,omitempty"`
	AppliedAt time.Time `json:"applied_at"`
	// Watched reports whether the source is in the configured fleet; a
	// cursor can outlive its source's configuration.
	Watched bool `json:"watched"`
}

// StatusReport is the full snapshot the status command prints.
type StatusReport struct {
	Sources        []SourceStatus   `json:"sources"`
	Migrations     []migrate.Status `json:"migrations"`
	PendingMirrors int              `json:"pending_mirrors"`
	Quarantined    int              `json:"quarantined"`
	Clean          bool             `json:"clean"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show source cursors and migration phases",
		Long: `Show where every source's cursor stands, each catalog migration's
phase, and whatever recovery work is outstanding: unconfirmed mirror
writes and migrations stopped between phases.

Exits 1 when recovery work is outstanding, 0 when the state is clean.

Example:
  loom status --config loom.yaml
  loom status --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, cmd)
		},
	}
	return cmd
}

func runStatus(opts *RootOptions, cmd *cobra.Command) error {
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

	recovery, err := store.BuildRecoveryReport(ctx, g)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build recovery report", err)
	}

	registry, err := buildRegistry(g, apply.New(g), cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build migration registry", err)
	}
	migrations, err := registry.Status(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read migration status", err)
	}

	report := StatusReport{
		Sources:        mergeSources(cfg.Watcher().Sources, recovery.Cursors),
		Migrations:     migrations,
		PendingMirrors: len(recovery.PendingMirrors),
		Quarantined:    len(recovery.RecentQuarantine),
		Clean:          recovery.Clean(),
	}

	if formatter.Format == "json" {
		if err := formatter.Success(report); err != nil {
			return err
		}
	} else {
		printStatus(formatter, report)
	}

	if !report.Clean {
		return NewExitError(ExitFailure, "recovery work outstanding")
	}
	return nil
}

// mergeSources joins the configured fleet with the stored cursors: every
// configured source appears even before its first poll, and cursors for
// sources no longer configured stay visible.
func mergeSources(specs []watcher.Spec, cursors []graph.Cursor) []SourceStatus {
	byID := make(map[string]graph.Cursor, len(cursors))
	for _, c := range cursors {
		byID[c.SourceID] = c
	}

	out := make([]SourceStatus, 0, len(specs))
	for _, spec := range specs {
		st := SourceStatus{ID: spec.ID, Watched: true}
		if c, ok := byID[spec.ID]; ok {
			st.Cursor = c.LastAppliedToken
			st.AppliedAt = c.LastAppliedAt
			delete(byID, spec.ID)
		}
		out = append(out, st)
	}
	for _, c := range cursors {
		if _, ok := byID[c.SourceID]; !ok {
			continue
		}
		out = append(out, SourceStatus{ID: c.SourceID, Cursor: c.LastAppliedToken, AppliedAt: c.LastAppliedAt})
	}
	return out
}

func printStatus(formatter *OutputFormatter, report StatusReport) {
	fmt.Fprintln(formatter.Writer, "Sources:")
	if len(report.Sources) == 0 {
		fmt.Fprintln(formatter.Writer, "  (none configured)")
	}
	for _, src := range report.Sources {
		line := fmt.Sprintf("  %s", src.ID)
		if src.Cursor == "" {
			line += "  never polled"
		} else {
			line += fmt.Sprintf("  cursor %s  applied %s", src.Cursor, src.AppliedAt.Format(time.RFC3339))
		}
		if !src.Watched {
			line += "  (no longer configured)"
		}
		fmt.Fprintln(formatter.Writer, line)
	}

	fmt.Fprintln(formatter.Writer, "Migrations:")
	if len(report.Migrations) == 0 {
		fmt.Fprintln(formatter.Writer, "  (none registered)")
	}
	for _, st := range report.Migrations {
		line := fmt.Sprintf("  %s  %s", st.ID, st.Phase)
		if st.Failure != "" {
			line += fmt.Sprintf("  (%s)", st.Failure)
		}
		fmt.Fprintln(formatter.Writer, line)
	}

	fmt.Fprintf(formatter.Writer, "Pending mirror writes: %d\n", report.PendingMirrors)
	fmt.Fprintf(formatter.Writer, "Recent quarantine: %d\n", report.Quarantined)
	if report.Clean {
		fmt.Fprintln(formatter.Writer, "✓ State is clean")
	} else {
		fmt.Fprintln(formatter.Writer, "✗ Recovery work outstanding")
	}
}
