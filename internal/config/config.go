// Package config loads the pipeline's YAML configuration. Decoding is
// strict: unknown fields are rejected so typos surface at startup instead
// of silently falling back to defaults. Zero values mean "use the
// package default" throughout; validation only rejects values that are
// actually wrong, not ones that are merely absent.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/loom/internal/apply"
	"github.com/roach88/loom/internal/cachesync"
	"github.com/roach88/loom/internal/graph"
	"github.com/roach88/loom/internal/migrate"
	"github.com/roach88/loom/internal/readapi"
	"github.com/roach88/loom/internal/watcher"
)

// Duration is a time.Duration that decodes from YAML scalars like
// "250ms", "5s" or "1h30m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("invalid duration: not a scalar")
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the plain time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Source describes one homeserver feed to watch.
type Source struct {
	// ID names the source; it becomes the SourceID stamped on every
	// event the source emits. Must be unique across the fleet.
	ID string `yaml:"id"`

	// URL is the base URL of the source's event feed.
	URL string `yaml:"url"`

	// Priority orders sources within a polling round, highest first.
	Priority int `yaml:"priority"`
}

// Apply tunes the mutation applier.
type Apply struct {
	// DependencyAttempts is how many times a mutation with a missing
	// causal dependency is re-checked before it is quarantined.
	DependencyAttempts int `yaml:"dependency_attempts"`

	// DependencyDelay is the wait between those re-checks.
	DependencyDelay Duration `yaml:"dependency_delay"`

	// ConflictAttempts is how many version-conflict re-reads a single
	// apply performs before surfacing the conflict.
	ConflictAttempts int `yaml:"conflict_attempts"`
}

// Backoff is the retry schedule for transient source failures.
type Backoff struct {
	// Base is the first retry delay; later retries double it.
	Base Duration `yaml:"base"`

	// Cap bounds the delay growth.
	Cap Duration `yaml:"cap"`

	// MaxAttempts is how many retries a source gets before it is
	// marked degraded.
	MaxAttempts int `yaml:"max_attempts"`
}

// Cache tunes cache synchronization and read-API repopulation.
type Cache struct {
	// DefaultTTL is the expiry stamped on cache entries. Zero keeps
	// the package default; a negative value is rejected.
	DefaultTTL Duration `yaml:"default_ttl"`

	// KindTTL overrides the TTL per entity kind.
	KindTTL map[string]Duration `yaml:"kind_ttl"`

	// WriteThroughKinds lists entity kinds whose changes are written
	// into the cache instead of invalidated. Empty keeps the package
	// default (users and posts write through).
	WriteThroughKinds []string `yaml:"write_through_kinds"`
}

// Migration tunes the representation migration engine.
type Migration struct {
	// BackfillBatch is the entity page size during backfill.
	BackfillBatch int `yaml:"backfill_batch"`

	// BackfillConcurrency is how many entities transform in parallel
	// within one backfill page.
	BackfillConcurrency int `yaml:"backfill_concurrency"`

	// CutoverGrace is how long reads and writes settle after the read
	// route flips before cleanup starts.
	CutoverGrace Duration `yaml:"cutover_grace"`

	// ArchiveDir is where retired representations are dumped before
	// they are dropped.
	ArchiveDir string `yaml:"archive_dir"`
}

// Config is the full runtime configuration for the pipeline daemon.
type Config struct {
	// GraphDSN selects the graph store backend by scheme: a bare path
	// or sqlite: for SQLite, memory: for in-memory SQLite,
	// postgres:// or neo4j:// for the server backends.
	GraphDSN string `yaml:"graph_dsn"`

	// CacheDSN selects the cache backend: empty or memory: for the
	// in-process cache, redis:// for Redis.
	CacheDSN string `yaml:"cache_dsn"`

	// DefaultSource, when set, gets a dedicated polling loop instead
	// of competing in the monitored rounds. Must name a source below.
	DefaultSource string `yaml:"default_source"`

	// Sources is the homeserver fleet to watch.
	Sources []Source `yaml:"sources"`

	// EventsLimit is the per-poll page size.
	EventsLimit int `yaml:"events_limit"`

	// PollInterval is the pause between polling rounds.
	PollInterval Duration `yaml:"poll_interval"`

	// RunTimeout bounds a single source poll.
	RunTimeout Duration `yaml:"run_timeout"`

	// MonitoredLimit caps how many non-default sources are polled per
	// round, most-stale cursor first.
	MonitoredLimit int `yaml:"monitored_sources_limit"`

	// Concurrency is how many sources poll in parallel within a round.
	Concurrency int `yaml:"concurrency"`

	Apply     Apply     `yaml:"apply"`
	Backoff   Backoff   `yaml:"backoff"`
	Cache     Cache     `yaml:"cache"`
	Migration Migration `yaml:"migration"`
}

// Default returns the configuration the daemon runs with when no file is
// given. The values mirror the per-package defaults so a dumped config
// documents what actually applies.
func Default() Config {
	return Config{
		GraphDSN:       "loom.db",
		EventsLimit:    watcher.DefaultEventsLimit,
		PollInterval:   Duration(watcher.DefaultPollInterval),
		RunTimeout:     Duration(watcher.DefaultRunTimeout),
		MonitoredLimit: watcher.DefaultMonitoredLimit,
		Concurrency:    watcher.DefaultConcurrency,
		Apply: Apply{
			DependencyAttempts: apply.DefaultDependencyAttempts,
			DependencyDelay:    Duration(apply.DefaultDependencyRetryDelay),
			ConflictAttempts:   apply.DefaultConflictAttempts,
		},
		Backoff: Backoff{
			Base:        Duration(500 * time.Millisecond),
			Cap:         Duration(30 * time.Second),
			MaxAttempts: 5,
		},
		Cache: Cache{
			DefaultTTL: Duration(cachesync.DefaultTTL),
		},
		Migration: Migration{
			BackfillBatch:       migrate.DefaultBackfillBatch,
			BackfillConcurrency: migrate.DefaultBackfillConcurrency,
			CutoverGrace:        Duration(migrate.DefaultCutoverGrace),
			ArchiveDir:          migrate.DefaultArchiveDir,
		},
	}
}

// Load reads and parses a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of the defaults and validates the result.
// Unknown fields are rejected; an empty document yields the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.GraphDSN) == "" {
		return fmt.Errorf("graph_dsn is required")
	}
	seen := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		if strings.TrimSpace(s.ID) == "" {
			return fmt.Errorf("sources[%d]: id is required", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("sources[%d]: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = true
		if strings.TrimSpace(s.URL) == "" {
			return fmt.Errorf("sources[%d]: url is required", i)
		}
		u, err := url.Parse(s.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("sources[%d]: invalid url %q", i, s.URL)
		}
	}
	if c.DefaultSource != "" && !seen[c.DefaultSource] {
		return fmt.Errorf("default_source %q is not among sources", c.DefaultSource)
	}

	type bound struct {
		name  string
		value int64
	}
	for _, b := range []bound{
		{"events_limit", int64(c.EventsLimit)},
		{"poll_interval", int64(c.PollInterval)},
		{"run_timeout", int64(c.RunTimeout)},
		{"monitored_sources_limit", int64(c.MonitoredLimit)},
		{"concurrency", int64(c.Concurrency)},
		{"apply.dependency_attempts", int64(c.Apply.DependencyAttempts)},
		{"apply.dependency_delay", int64(c.Apply.DependencyDelay)},
		{"apply.conflict_attempts", int64(c.Apply.ConflictAttempts)},
		{"backoff.base", int64(c.Backoff.Base)},
		{"backoff.cap", int64(c.Backoff.Cap)},
		{"backoff.max_attempts", int64(c.Backoff.MaxAttempts)},
		{"cache.default_ttl", int64(c.Cache.DefaultTTL)},
		{"migration.backfill_batch", int64(c.Migration.BackfillBatch)},
		{"migration.backfill_concurrency", int64(c.Migration.BackfillConcurrency)},
		{"migration.cutover_grace", int64(c.Migration.CutoverGrace)},
	} {
		if b.value < 0 {
			return fmt.Errorf("%s must not be negative", b.name)
		}
	}

	for kind, ttl := range c.Cache.KindTTL {
		if !graph.EntityKind(kind).Valid() {
			return fmt.Errorf("cache.kind_ttl: unknown entity kind %q", kind)
		}
		if ttl < 0 {
			return fmt.Errorf("cache.kind_ttl.%s must not be negative", kind)
		}
	}
	for i, kind := range c.Cache.WriteThroughKinds {
		if !graph.EntityKind(kind).Valid() {
			return fmt.Errorf("cache.write_through_kinds[%d]: unknown entity kind %q", i, kind)
		}
	}
	return nil
}

// Watcher maps the fleet section onto the orchestrator's configuration.
func (c *Config) Watcher() watcher.Config {
	specs := make([]watcher.Spec, 0, len(c.Sources))
	for _, s := range c.Sources {
		specs = append(specs, watcher.Spec{ID: s.ID, URL: s.URL, Priority: s.Priority})
	}
	return watcher.Config{
		DefaultSource:  c.DefaultSource,
		Sources:        specs,
		EventsLimit:    c.EventsLimit,
		PollInterval:   c.PollInterval.Std(),
		RunTimeout:     c.RunTimeout.Std(),
		MonitoredLimit: c.MonitoredLimit,
		Concurrency:    c.Concurrency,
		Backoff: watcher.Backoff{
			Base:        c.Backoff.Base.Std(),
			Cap:         c.Backoff.Cap.Std(),
			MaxAttempts: c.Backoff.MaxAttempts,
		},
	}
}

// ApplyOptions returns the applier options the config overrides. Zero
// values stay with the applier's own defaults.
func (c *Config) ApplyOptions() []apply.Option {
	var opts []apply.Option
	if c.Apply.DependencyAttempts > 0 || c.Apply.DependencyDelay > 0 {
		attempts := c.Apply.DependencyAttempts
		if attempts <= 0 {
			attempts = apply.DefaultDependencyAttempts
		}
		delay := c.Apply.DependencyDelay.Std()
		if delay <= 0 {
			delay = apply.DefaultDependencyRetryDelay
		}
		opts = append(opts, apply.WithDependencyRetry(attempts, delay))
	}
	if c.Apply.ConflictAttempts > 0 {
		opts = append(opts, apply.WithConflictAttempts(c.Apply.ConflictAttempts))
	}
	return opts
}

// SyncOptions returns the cache synchronizer options the config overrides.
func (c *Config) SyncOptions() []cachesync.Option {
	var opts []cachesync.Option
	if c.Cache.DefaultTTL > 0 {
		opts = append(opts, cachesync.WithTTL(c.Cache.DefaultTTL.Std()))
	}
	for kind, ttl := range c.Cache.KindTTL {
		opts = append(opts, cachesync.WithKindTTL(graph.EntityKind(kind), ttl.Std()))
	}
	if len(c.Cache.WriteThroughKinds) > 0 {
		kinds := make([]graph.EntityKind, 0, len(c.Cache.WriteThroughKinds))
		for _, k := range c.Cache.WriteThroughKinds {
			kinds = append(kinds, graph.EntityKind(k))
		}
		opts = append(opts, cachesync.WithWriteThroughKinds(kinds...))
	}
	return opts
}

// ReadOptions returns read API options sharing the cache section's TTLs.
func (c *Config) ReadOptions() []readapi.Option {
	var opts []readapi.Option
	if c.Cache.DefaultTTL > 0 {
		opts = append(opts, readapi.WithTTL(c.Cache.DefaultTTL.Std()))
	}
	for kind, ttl := range c.Cache.KindTTL {
		opts = append(opts, readapi.WithKindTTL(graph.EntityKind(kind), ttl.Std()))
	}
	return opts
}

// MigrateOptions returns the migration registry options the config
// overrides.
func (c *Config) MigrateOptions() []migrate.Option {
	var opts []migrate.Option
	if c.Migration.BackfillBatch > 0 {
		opts = append(opts, migrate.WithBackfillBatch(c.Migration.BackfillBatch))
	}
	if c.Migration.BackfillConcurrency > 0 {
		opts = append(opts, migrate.WithBackfillConcurrency(c.Migration.BackfillConcurrency))
	}
	if c.Migration.CutoverGrace > 0 {
		opts = append(opts, migrate.WithCutoverGrace(c.Migration.CutoverGrace.Std()))
	}
	if c.Migration.ArchiveDir != "" {
		opts = append(opts, migrate.WithArchiveDir(c.Migration.ArchiveDir))
	}
	return opts
}
