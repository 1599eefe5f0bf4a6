package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Defaults for orchestrator configuration.
const (
	DefaultPollInterval   = 5 * time.Second
	DefaultRunTimeout     = 60 * time.Second
	DefaultMonitoredLimit = 20
	DefaultConcurrency    = 4
)

// Spec describes one configured source feed.
type Spec struct {
	ID       string
	URL      string
	Priority int
}

// Config describes the orchestrator's source fleet and scheduling knobs.
// The default source, when set, gets a dedicated polling loop; every other
// source is polled round by round, most-stale cursor first, capped at
// MonitoredLimit per round.
type Config struct {
	DefaultSource  string
	Sources        []Spec
	EventsLimit    int
	PollInterval   time.Duration
	RunTimeout     time.Duration
	MonitoredLimit int
	Concurrency    int
	Backoff        Backoff
}

func (c Config) withDefaults() Config {
	if c.EventsLimit <= 0 {
		c.EventsLimit = DefaultEventsLimit
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = DefaultRunTimeout
	}
	if c.MonitoredLimit <= 0 {
		c.MonitoredLimit = DefaultMonitoredLimit
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	return c
}

// FeedBuilder constructs the event feed for a source spec.
type FeedBuilder func(spec Spec) (EventFeed, error)

// Orchestrator schedules source workers across the configured fleet.
// Workers are built lazily and cached, so backoff and degradation state
// survive between polling rounds.
type Orchestrator struct {
	cfg      Config
	pipeline Pipeline
	logger   *slog.Logger

	buildFeed FeedBuilder

	mu      sync.Mutex
	workers map[string]*SourceWorker
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithOrchestratorLogger sets the logger. Defaults to slog.Default().
func WithOrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// WithFeedBuilder replaces how source feeds are constructed. The default
// builds an HTTP line-protocol feed from the source's URL.
func WithFeedBuilder(fn FeedBuilder) OrchestratorOption {
	return func(o *Orchestrator) { o.buildFeed = fn }
}

// NewOrchestrator creates an orchestrator for cfg driving p.
func NewOrchestrator(cfg Config, p Pipeline, opts ...OrchestratorOption) (*Orchestrator, error) {
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	cfg = cfg.withDefaults()

	seen := make(map[string]bool, len(cfg.Sources))
	for _, spec := range cfg.Sources {
		if spec.ID == "" {
			return nil, errors.New("orchestrator: source with empty id")
		}
		if seen[spec.ID] {
			return nil, fmt.Errorf("orchestrator: duplicate source %s", spec.ID)
		}
		seen[spec.ID] = true
	}
	if cfg.DefaultSource != "" && !seen[cfg.DefaultSource] {
		return nil, fmt.Errorf("orchestrator: default source %s not configured", cfg.DefaultSource)
	}

	o := &Orchestrator{
		cfg:      cfg,
		pipeline: p,
		logger:   slog.Default(),
		workers:  make(map[string]*SourceWorker),
	}
	o.buildFeed = func(spec Spec) (EventFeed, error) {
		return NewHTTPFeed(spec.ID, spec.URL, WithFeedLogger(o.logger))
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Run polls the fleet until ctx is done: the default source in its own
// loop, everything else in monitored rounds on the poll interval. Always
// returns ctx.Err().
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("watcher starting",
		"sources", len(o.cfg.Sources),
		"default", o.cfg.DefaultSource,
		"interval", o.cfg.PollInterval)

	g, ctx := errgroup.WithContext(ctx)
	if o.cfg.DefaultSource != "" {
		spec, _ := o.specFor(o.cfg.DefaultSource)
		g.Go(func() error {
			w, err := o.worker(spec)
			if err != nil {
				return fmt.Errorf("default source %s: %w", spec.ID, err)
			}
			return w.Run(ctx, o.cfg.PollInterval)
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(o.cfg.PollInterval)
		defer ticker.Stop()
		for {
			o.RunAll(ctx)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	})

	err := g.Wait()
	o.logger.Info("watcher stopped")
	return err
}

// RunAll polls every monitored source once, most-stale first, bounded by
// the concurrency cap, and reports the round's outcomes.
func (o *Orchestrator) RunAll(ctx context.Context) RunStats {
	specs, err := o.prioritized(ctx)
	if err != nil {
		o.logger.Error("listing source cursors failed", "error", err)
		return RunStats{}
	}

	var (
		mu    sync.Mutex
		stats RunStats
	)
	var g errgroup.Group
	g.SetLimit(o.cfg.Concurrency)
	for _, spec := range specs {
		g.Go(func() error {
			t0 := time.Now()
			status := o.runSource(ctx, spec)
			mu.Lock()
			stats.add(spec.ID, time.Since(t0), status)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	o.report(stats)
	return stats
}

func (o *Orchestrator) runSource(ctx context.Context, spec Spec) RunStatus {
	w, err := o.worker(spec)
	if err != nil {
		o.logger.Error("failed to build source worker", "source", spec.ID, "error", err)
		return RunFailedToBuild
	}

	runCtx, cancel := context.WithTimeout(ctx, o.cfg.RunTimeout)
	defer cancel()

	err = w.RunOnce(runCtx)
	switch {
	case err == nil:
		return RunOk
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return RunTimeout
	default:
		return RunError
	}
}

// worker returns the cached worker for spec, building it on first use.
func (o *Orchestrator) worker(spec Spec) (*SourceWorker, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if w, ok := o.workers[spec.ID]; ok {
		return w, nil
	}
	feed, err := o.buildFeed(spec)
	if err != nil {
		return nil, err
	}
	w, err := NewSourceWorker(SourceConfig{
		SourceID:    spec.ID,
		Feed:        feed,
		EventsLimit: o.cfg.EventsLimit,
		Backoff:     o.cfg.Backoff,
	}, o.pipeline, WithSourceLogger(o.logger))
	if err != nil {
		return nil, err
	}
	o.workers[spec.ID] = w
	return w, nil
}

// Worker exposes the cached worker for a source id, if one exists.
func (o *Orchestrator) Worker(id string) (*SourceWorker, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	w, ok := o.workers[id]
	return w, ok
}

func (o *Orchestrator) specFor(id string) (Spec, bool) {
	for _, spec := range o.cfg.Sources {
		if spec.ID == id {
			return spec, true
		}
	}
	return Spec{}, false
}

// prioritized orders the non-default sources stalest cursor first (a source
// never checkpointed counts as stalest), then by configured priority, then
// id, capped at the monitored limit.
func (o *Orchestrator) prioritized(ctx context.Context) ([]Spec, error) {
	cursors, err := o.pipeline.Store.ListCursors(ctx)
	if err != nil {
		return nil, err
	}
	lastApplied := make(map[string]time.Time, len(cursors))
	for _, c := range cursors {
		lastApplied[c.SourceID] = c.LastAppliedAt
	}

	specs := make([]Spec, 0, len(o.cfg.Sources))
	for _, spec := range o.cfg.Sources {
		if spec.ID == o.cfg.DefaultSource {
			continue
		}
		specs = append(specs, spec)
	}
	slices.SortStableFunc(specs, func(a, b Spec) int {
		ta, tb := lastApplied[a.ID], lastApplied[b.ID]
		if !ta.Equal(tb) {
			if ta.Before(tb) {
				return -1
			}
			return 1
		}
		if a.Priority != b.Priority {
			return b.Priority - a.Priority
		}
		return strings.Compare(a.ID, b.ID)
	})
	if len(specs) > o.cfg.MonitoredLimit {
		specs = specs[:o.cfg.MonitoredLimit]
	}
	return specs, nil
}

func (o *Orchestrator) report(stats RunStats) {
	for _, run := range stats.Runs {
		o.logger.Debug("source poll finished",
			"source", run.SourceID,
			"status", string(run.Status),
			"duration", run.Duration)
	}
	if stats.HadIssues() {
		o.logger.Warn("poll round had issues",
			"ok", stats.Count(RunOk),
			"failed_to_build", stats.Count(RunFailedToBuild),
			"error", stats.Count(RunError),
			"timeout", stats.Count(RunTimeout))
	}
}
