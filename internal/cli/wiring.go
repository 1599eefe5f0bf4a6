package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/loom/internal/apply"
	"github.com/roach88/loom/internal/config"
	"github.com/roach88/loom/internal/migrate"
	"github.com/roach88/loom/internal/migrate/catalog"
	"github.com/roach88/loom/internal/store"
)

// loadConfig returns the config named by --config, or the built-in
// defaults when the flag is unset.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	if opts.Config == "" {
		cfg := config.Default()
		return &cfg, nil
	}
	return config.Load(opts.Config)
}

// openStores opens the graph and cache stores the config names. The
// returned closer shuts both down, cache first.
func openStores(ctx context.Context, cfg *config.Config) (store.GraphStore, store.CacheStore, func(), error) {
	g, err := store.OpenGraphStore(ctx, cfg.GraphDSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open graph store: %w", err)
	}
	c, err := store.OpenCacheStore(ctx, cfg.CacheDSN)
	if err != nil {
		_ = g.Close()
		return nil, nil, nil, fmt.Errorf("open cache store: %w", err)
	}
	closeAll := func() {
		if err := c.Close(); err != nil {
			slog.Error("error closing cache store", "error", err)
		}
		if err := g.Close(); err != nil {
			slog.Error("error closing graph store", "error", err)
		}
	}
	return g, c, closeAll, nil
}

// buildRegistry constructs the migration registry with every catalog
// migration registered.
func buildRegistry(g store.GraphStore, applier *apply.Applier, cfg *config.Config) (*migrate.Registry, error) {
	registry, err := migrate.NewRegistry(g, applier, cfg.MigrateOptions()...)
	if err != nil {
		return nil, err
	}
	for _, m := range catalog.All() {
		if err := registry.Register(m); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
