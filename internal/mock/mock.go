// Package mock seeds development databases from embedded YAML fixture
// sets. Events run through the real normalize and apply path, one source
// worker per fixture source, so seeded data is shaped exactly like
// ingested data: cursors advance, events dedup, counters and cache
// entries come out of the same code that serves production.
package mock

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/loom/internal/apply"
	"github.com/roach88/loom/internal/cachesync"
	"github.com/roach88/loom/internal/graph"
	"github.com/roach88/loom/internal/normalize"
	"github.com/roach88/loom/internal/schema"
	"github.com/roach88/loom/internal/store"
	"github.com/roach88/loom/internal/watcher"
)

//go:embed fixtures/*.yaml
var fixtureFS embed.FS

// DefaultSet is the fixture set seeded when none is named.
const DefaultSet = "social"

// Event is one fixture event. It becomes a RawEvent on the named
// source's feed; sequence tokens are assigned per source in file order.
type Event struct {
	// Source names the feed this event arrives on.
	Source string `yaml:"source"`

	// At is the event's occurrence time.
	At time.Time `yaml:"at"`

	// Kind is the entity kind the event concerns.
	Kind string `yaml:"kind"`

	// Op is the operation: create, update or delete.
	Op string `yaml:"op"`

	// Payload is the event payload; it must satisfy the kind's schema.
	Payload map[string]any `yaml:"payload"`
}

// Fixture is one embedded seed set.
type Fixture struct {
	// Description explains what the set contains.
	Description string `yaml:"description"`

	// Events are delivered in file order, per source.
	Events []Event `yaml:"events"`
}

// SourceCount reports how many fixture events one source fed.
type SourceCount struct {
	ID     string `json:"id"`
	Events int    `json:"events"`
}

// Report summarizes a seeding run. Events counts what the fixture fed;
// re-seeding an already seeded database feeds nothing new because the
// workers resume from their saved cursors.
type Report struct {
	Set         string        `json:"set"`
	Description string        `json:"description"`
	Events      int           `json:"events"`
	Sources     []SourceCount `json:"sources"`
}

type seeder struct {
	logger *slog.Logger
}

// Option configures seeding.
type Option func(*seeder)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *seeder) { s.logger = l }
}

// Sets lists the embedded fixture sets, sorted.
func Sets() []string {
	entries, err := fs.Glob(fixtureFS, "fixtures/*.yaml")
	if err != nil {
		return nil
	}
	sets := make([]string, 0, len(entries))
	for _, path := range entries {
		name := strings.TrimSuffix(path, ".yaml")
		sets = append(sets, strings.TrimPrefix(name, "fixtures/"))
	}
	sort.Strings(sets)
	return sets
}

// Seed loads the named fixture set and pushes its events through source
// workers into g, with cache changes flowing through a synchronizer into
// c. A nil cache store skips cache synchronization.
func Seed(ctx context.Context, g store.GraphStore, c store.CacheStore, set string, opts ...Option) (*Report, error) {
	sd := &seeder{logger: slog.Default()}
	for _, opt := range opts {
		opt(sd)
	}
	if set == "" {
		set = DefaultSet
	}

	fx, err := loadFixture(set)
	if err != nil {
		return nil, err
	}

	schemas, err := schema.Load()
	if err != nil {
		return nil, fmt.Errorf("load schemas: %w", err)
	}
	norm := normalize.New(schemas)
	applier := apply.New(g, apply.WithLogger(sd.logger))

	if c == nil {
		c = store.NewMemoryCache()
		defer c.Close()
	}
	syncer := cachesync.New(c, cachesync.WithLogger(sd.logger))
	done := make(chan error, 1)
	go func() { done <- syncer.Run(ctx) }()

	report := &Report{Set: set, Description: fx.Description}
	seedErr := sd.feed(ctx, g, norm, applier, syncer, fx, report)

	syncer.Close()
	drainErr := <-done
	if seedErr != nil {
		return nil, seedErr
	}
	if drainErr != nil {
		return nil, fmt.Errorf("cache sync drain: %w", drainErr)
	}
	return report, nil
}

// feed runs one source worker per fixture source, in first-appearance
// order, each over an in-memory feed of that source's events.
func (sd *seeder) feed(ctx context.Context, g store.GraphStore, norm watcher.Normalizer, applier watcher.Applier, syncer watcher.Synchronizer, fx *Fixture, report *Report) error {
	bySource := make(map[string][]graph.RawEvent)
	var order []string
	counters := make(map[string]int)
	for _, ev := range fx.Events {
		counters[ev.Source]++
		raw := graph.RawEvent{
			SourceID:      ev.Source,
			SequenceToken: fmt.Sprintf("%06d", counters[ev.Source]),
			OccurredAt:    ev.At,
			Kind:          graph.EntityKind(ev.Kind),
			Operation:     graph.Operation(ev.Op),
		}
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("fixture %s: encode payload for %s %s: %w", report.Set, ev.Kind, ev.Op, err)
		}
		raw.Payload = payload
		if _, ok := bySource[ev.Source]; !ok {
			order = append(order, ev.Source)
		}
		bySource[ev.Source] = append(bySource[ev.Source], raw)
	}

	pipeline := watcher.Pipeline{
		Store:        g,
		Normalizer:   norm,
		Applier:      applier,
		Synchronizer: syncer,
	}
	for _, src := range order {
		events := bySource[src]
		worker, err := watcher.NewSourceWorker(watcher.SourceConfig{
			SourceID:    src,
			Feed:        watcher.NewMemoryFeed(events...),
			EventsLimit: len(events),
		}, pipeline, watcher.WithSourceLogger(sd.logger))
		if err != nil {
			return fmt.Errorf("fixture %s: source %s: %w", report.Set, src, err)
		}
		if err := worker.RunOnce(ctx); err != nil {
			return fmt.Errorf("fixture %s: seed source %s: %w", report.Set, src, err)
		}
		sd.logger.Info("fixture source seeded", "set", report.Set, "source", src, "events", len(events))
		report.Events += len(events)
		report.Sources = append(report.Sources, SourceCount{ID: src, Events: len(events)})
	}
	return nil
}

// loadFixture reads and validates one embedded set by name.
func loadFixture(set string) (*Fixture, error) {
	data, err := fixtureFS.ReadFile("fixtures/" + set + ".yaml")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("unknown fixture set %q (have %s)", set, strings.Join(Sets(), ", "))
		}
		return nil, fmt.Errorf("read fixture set %q: %w", set, err)
	}

	var fx Fixture
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fx); err != nil {
		return nil, fmt.Errorf("parse fixture set %q: %w", set, err)
	}
	if err := validateFixture(&fx); err != nil {
		return nil, fmt.Errorf("invalid fixture set %q: %w", set, err)
	}
	return &fx, nil
}

func validateFixture(fx *Fixture) error {
	if len(fx.Events) == 0 {
		return fmt.Errorf("events list is required and must be non-empty")
	}
	for i, ev := range fx.Events {
		if ev.Source == "" {
			return fmt.Errorf("events[%d]: source is required", i)
		}
		if ev.At.IsZero() {
			return fmt.Errorf("events[%d]: at is required", i)
		}
		if !graph.EntityKind(ev.Kind).Valid() {
			return fmt.Errorf("events[%d]: unknown kind %q", i, ev.Kind)
		}
		if !graph.Operation(ev.Op).Valid() {
			return fmt.Errorf("events[%d]: unknown op %q", i, ev.Op)
		}
		if len(ev.Payload) == 0 {
			return fmt.Errorf("events[%d]: payload is required", i)
		}
	}
	return nil
}
