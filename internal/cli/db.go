package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/loom/internal/graph"
	"github.com/roach88/loom/internal/mock"
	"github.com/roach88/loom/internal/readapi"
)

// NewDBCommand creates the db command group.
func NewDBCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database utilities",
	}
	cmd.AddCommand(NewDBClearCommand(rootOpts))
	cmd.AddCommand(NewDBMockCommand(rootOpts))
	cmd.AddCommand(NewDBGetCommand(rootOpts))
	cmd.AddCommand(NewDBEdgesCommand(rootOpts))
	return cmd
}

// NewDBClearCommand creates the db clear command.
func NewDBClearCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Wipe the graph store",
		Long: `Remove every entity, edge, cursor, quarantine row, mirror intent,
migration record and representation from the graph store.

Cache entries are not touched; they age out on their TTL and the next
reads repopulate them from the emptied store.

Example:
  loom db clear --config loom.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBClear(rootOpts, cmd)
		},
	}
	return cmd
}

func runDBClear(opts *RootOptions, cmd *cobra.Command) error {
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

	if err := g.Clear(ctx); err != nil {
		_ = formatter.Error("store", "failed to clear graph store", err.Error())
		return WrapExitError(ExitCommandError, "failed to clear graph store", err)
	}

	if formatter.Format == "json" {
		return formatter.Success(map[string]any{"cleared": true, "graph_dsn": cfg.GraphDSN})
	}
	fmt.Fprintf(formatter.Writer, "✓ Cleared graph store (%s)\n", cfg.GraphDSN)
	return nil
}

// MockOptions holds flags for the db mock command.
type MockOptions struct {
	*RootOptions
	Set string
}

// NewDBMockCommand creates the db mock command.
func NewDBMockCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MockOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "mock",
		Short: "Seed the stores with fixture data",
		Long: fmt.Sprintf(`Seed the graph and cache stores from an embedded fixture set.

Fixture events run through the real ingest path, one source worker per
fixture source, so counters, cursors and cache entries come out exactly
as live ingestion would produce them. Re-running is a no-op: the
workers resume from the cursors the first run saved.

Available sets: %s.

Example:
  loom db mock --config loom.yaml
  loom db mock --set minimal`, strings.Join(mock.Sets(), ", ")),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBMock(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Set, "set", mock.DefaultSet, "fixture set to seed")

	return cmd
}

func runDBMock(opts *MockOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	g, c, closeStores, err := openStores(ctx, cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open stores", err)
	}
	defer closeStores()

	report, err := mock.Seed(ctx, g, c, opts.Set)
	if err != nil {
		_ = formatter.Error("mock", "seeding failed", err.Error())
		return WrapExitError(ExitFailure, "seeding failed", err)
	}

	if formatter.Format == "json" {
		return formatter.Success(report)
	}
	fmt.Fprintf(formatter.Writer, "✓ Seeded fixture set %q: %d event(s)\n", report.Set, report.Events)
	for _, src := range report.Sources {
		fmt.Fprintf(formatter.Writer, "  %s: %d event(s)\n", src.ID, src.Events)
	}
	return nil
}

// NewDBGetCommand creates the db get command.
func NewDBGetCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <entity-id>",
		Short: "Read one entity through the cache and read route",
		Long: `Read a single entity the way the pipeline's consumers do: cache
first, then whichever representation the read route names, repopulating
the cache on the way back. Deleted entities read as absent.

Example:
  loom db get user:alice --config loom.yaml
  loom db get post:alice/0001 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBGet(rootOpts, cmd, args[0])
		},
	}
	return cmd
}

func runDBGet(opts *RootOptions, cmd *cobra.Command, rawID string) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	id, err := graph.ParseEntityID(rawID)
	if err != nil {
		_ = formatter.Error("read", "invalid entity id", err.Error())
		return WrapExitError(ExitCommandError, "invalid entity id", err)
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	g, c, closeStores, err := openStores(ctx, cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open stores", err)
	}
	defer closeStores()

	api, err := readapi.New(g, c, cfg.ReadOptions()...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build read API", err)
	}

	view, err := api.GetEntity(ctx, id)
	if err != nil {
		_ = formatter.Error("read", "read failed", err.Error())
		return WrapExitError(ExitFailure, "read failed", err)
	}
	if view == nil {
		msg := fmt.Sprintf("entity %s not found", id)
		_ = formatter.Error("read", msg, nil)
		return NewExitError(ExitFailure, msg)
	}

	if formatter.Format == "json" {
		return formatter.Success(view)
	}
	fmt.Fprintf(formatter.Writer, "%s  v%d\n", view.ID, view.Version)
	keys := make([]string, 0, len(view.Fields))
	for k := range view.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(formatter.Writer, "  %s: %v\n", k, view.Fields[k])
	}
	return nil
}

// EdgesOptions holds flags for the db edges command.
type EdgesOptions struct {
	*RootOptions
	Kind      string
	Direction string
	Label     string
	Limit     int
	Offset    int
}

// NewDBEdgesCommand creates the db edges command.
func NewDBEdgesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EdgesOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "edges <anchor-id>",
		Short: "List relationship edges around an entity",
		Long: `List edges of one relationship kind around an anchor entity, in
stable id order. Direction out lists edges leaving the anchor, in lists
edges arriving at it.

Example:
  loom db edges user:alice --kind follow --direction in
  loom db edges user:alice --kind tag --label golang`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBEdges(opts, cmd, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Kind, "kind", string(graph.KindFollow), "relationship kind")
	cmd.Flags().StringVar(&opts.Direction, "direction", string(readapi.DirectionOut), "edge direction: out or in")
	cmd.Flags().StringVar(&opts.Label, "label", "", "label filter (tag kind only)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "page size (default 50, max 200)")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "rows to skip")

	return cmd
}

func runDBEdges(opts *EdgesOptions, cmd *cobra.Command, rawAnchor string) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	anchor, err := graph.ParseEntityID(rawAnchor)
	if err != nil {
		_ = formatter.Error("read", "invalid anchor id", err.Error())
		return WrapExitError(ExitCommandError, "invalid anchor id", err)
	}

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	g, c, closeStores, err := openStores(ctx, cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open stores", err)
	}
	defer closeStores()

	api, err := readapi.New(g, c, cfg.ReadOptions()...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build read API", err)
	}

	edges, err := api.QueryRelationships(ctx, readapi.RelationQuery{
		Kind:      graph.EntityKind(opts.Kind),
		Anchor:    anchor,
		Direction: readapi.Direction(opts.Direction),
		Label:     opts.Label,
		Limit:     opts.Limit,
		Offset:    opts.Offset,
	})
	if err != nil {
		_ = formatter.Error("read", "relationship query failed", err.Error())
		return WrapExitError(ExitCommandError, "relationship query failed", err)
	}

	if formatter.Format == "json" {
		if edges == nil {
			edges = []graph.EdgeRecord{}
		}
		return formatter.Success(map[string]any{"count": len(edges), "edges": edges})
	}
	dir := "out of"
	if readapi.Direction(opts.Direction) == readapi.DirectionIn {
		dir = "into"
	}
	fmt.Fprintf(formatter.Writer, "%s edges %s %s: %d\n", opts.Kind, dir, anchor, len(edges))
	for _, e := range edges {
		fmt.Fprintf(formatter.Writer, "  %s -> %s  v%d\n", e.From, e.To, e.Version)
	}
	return nil
}
