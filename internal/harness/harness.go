package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/roach88/loom/internal/apply"
	"github.com/roach88/loom/internal/cachesync"
	"github.com/roach88/loom/internal/graph"
	"github.com/roach88/loom/internal/normalize"
	"github.com/roach88/loom/internal/schema"
	"github.com/roach88/loom/internal/store"
	"github.com/roach88/loom/internal/watcher"
)

// Dependency holds are shortened for scenario runs: an event whose
// dependency never arrives should quarantine in milliseconds, not stall
// the suite for the production hold budget.
const (
	scenarioDependencyAttempts = 2
	scenarioDependencyDelay    = time.Millisecond
)

// reportLimit bounds the listings inside a run report.
const reportLimit = 1000

// Result is the outcome of one scenario run.
type Result struct {
	// Failures lists every expectation that did not hold. Empty means the
	// scenario passed.
	Failures []string

	// Report is a deterministic text snapshot of the run: live entities
	// in creation order, cursors, and quarantine rows. Tombstones are
	// asserted through expectations; the snapshot lists live state only.
	Report []byte
}

// Run executes a scenario against a fresh in-memory store and cache.
//
// Events flow through the real ingest path: per-source feeds and workers,
// the normalizer, the applier and the cache synchronizer. Each round
// appends its events and then polls every source once, in the order
// sources first appear in the scenario, so interleavings are reproducible.
func Run(ctx context.Context, sc *Scenario) (*Result, error) {
	st, err := store.OpenSQLite(":memory:")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	cache := store.NewMemoryCache()
	defer cache.Close()

	schemas, err := schema.Load()
	if err != nil {
		return nil, fmt.Errorf("load schemas: %w", err)
	}

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	applier := apply.New(st,
		apply.WithLogger(quiet),
		apply.WithDependencyRetry(scenarioDependencyAttempts, scenarioDependencyDelay),
	)
	syncer := cachesync.New(cache, cachesync.WithLogger(quiet))
	pipeline := watcher.Pipeline{
		Store:        st,
		Normalizer:   normalize.New(schemas),
		Applier:      applier,
		Synchronizer: syncer,
	}

	done := make(chan error, 1)
	go func() { done <- syncer.Run(ctx) }()

	runErr := deliver(ctx, sc, pipeline, quiet)
	syncer.Close()
	drainErr := <-done
	if runErr != nil {
		return nil, runErr
	}
	if drainErr != nil {
		return nil, fmt.Errorf("cache sync: %w", drainErr)
	}

	sources := sourceOrder(sc)
	failures, err := evaluate(ctx, st, &sc.Expect)
	if err != nil {
		return nil, err
	}
	report, err := buildReport(ctx, st, sc, sources)
	if err != nil {
		return nil, err
	}
	return &Result{Failures: failures, Report: report}, nil
}

// deliver appends each round to the per-source feeds and polls every
// worker once per round.
func deliver(ctx context.Context, sc *Scenario, pipeline watcher.Pipeline, logger *slog.Logger) error {
	sources := sourceOrder(sc)
	feeds := make(map[string]*watcher.MemoryFeed, len(sources))
	workers := make(map[string]*watcher.SourceWorker, len(sources))
	for _, src := range sources {
		feed := watcher.NewMemoryFeed()
		worker, err := watcher.NewSourceWorker(watcher.SourceConfig{
			SourceID: src,
			Feed:     feed,
		}, pipeline, watcher.WithSourceLogger(logger))
		if err != nil {
			return fmt.Errorf("source %s: %w", src, err)
		}
		feeds[src] = feed
		workers[src] = worker
	}

	for ri, round := range sc.Rounds {
		for _, ev := range round.Events {
			raw, err := rawEvent(ev)
			if err != nil {
				return fmt.Errorf("round %d: %w", ri+1, err)
			}
			feeds[ev.Source].Append(raw)
		}
		for _, src := range sources {
			if err := workers[src].RunOnce(ctx); err != nil {
				return fmt.Errorf("round %d, source %s: %w", ri+1, src, err)
			}
		}
	}
	return nil
}

func rawEvent(ev Event) (graph.RawEvent, error) {
	payload, err := graph.EncodeFields(graph.Fields(ev.Payload))
	if err != nil {
		return graph.RawEvent{}, fmt.Errorf("event %s/%s: %w", ev.Source, ev.Token, err)
	}
	return graph.RawEvent{
		SourceID:      ev.Source,
		SequenceToken: ev.Token,
		OccurredAt:    ev.At.UTC(),
		Kind:          ev.Kind,
		Operation:     ev.Op,
		Payload:       payload,
	}, nil
}

// sourceOrder returns the scenario's distinct sources in first-appearance
// order. Polling in this fixed order keeps runs reproducible.
func sourceOrder(sc *Scenario) []string {
	var order []string
	seen := make(map[string]bool)
	for _, round := range sc.Rounds {
		for _, ev := range round.Events {
			if !seen[ev.Source] {
				seen[ev.Source] = true
				order = append(order, ev.Source)
			}
		}
	}
	return order
}

// evaluate checks every expectation and returns one failure string per
// expectation that does not hold.
func evaluate(ctx context.Context, st store.GraphStore, e *Expect) ([]string, error) {
	var failures []string

	for _, ent := range e.Entities {
		id, err := ent.entityID()
		if err != nil {
			return nil, err
		}
		rec, err := st.GetEntity(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", id, err)
		}
		failures = append(failures, checkEntity(id, &ent, rec)...)
	}

	for src, want := range e.Cursors {
		cur, err := st.LoadCursor(ctx, src)
		if err != nil {
			return nil, fmt.Errorf("load cursor %s: %w", src, err)
		}
		switch {
		case cur == nil:
			failures = append(failures, fmt.Sprintf("cursor %s: expected %q, source never checkpointed", src, want))
		case cur.LastAppliedToken != want:
			failures = append(failures, fmt.Sprintf("cursor %s: expected %q, got %q", src, want, cur.LastAppliedToken))
		}
	}

	if e.Quarantined != nil {
		rows, err := st.ListQuarantine(ctx, "", reportLimit)
		if err != nil {
			return nil, fmt.Errorf("list quarantine: %w", err)
		}
		failures = append(failures, checkQuarantine(e.Quarantined, rows)...)
	}

	return failures, nil
}

func checkEntity(id graph.EntityID, ent *EntityExpect, rec *graph.EntityRecord) []string {
	var failures []string
	if ent.Absent {
		if rec != nil {
			failures = append(failures, fmt.Sprintf("entity %s: expected absent, found version %d", id, rec.Version))
		}
		return failures
	}
	if rec == nil {
		failures = append(failures, fmt.Sprintf("entity %s: expected present, never existed", id))
		return failures
	}
	if rec.Deleted != ent.Deleted {
		failures = append(failures, fmt.Sprintf("entity %s: expected deleted=%v, got deleted=%v", id, ent.Deleted, rec.Deleted))
	}
	if ent.Version != 0 && rec.Version != ent.Version {
		failures = append(failures, fmt.Sprintf("entity %s: expected version %d, got %d", id, ent.Version, rec.Version))
	}
	for _, key := range sortedKeys(ent.Fields) {
		want := ent.Fields[key]
		got, ok := rec.Fields[key]
		if !ok {
			failures = append(failures, fmt.Sprintf("entity %s: field %q missing", id, key))
			continue
		}
		if !fieldEqual(want, got) {
			failures = append(failures, fmt.Sprintf("entity %s: field %q: expected %v, got %v", id, key, want, got))
		}
	}
	return failures
}

// fieldEqual compares one expected value against a stored one with the
// same structural equality the applier's no-op detection uses, so YAML
// ints match stored int64s.
func fieldEqual(want, got any) bool {
	return graph.Fields{"v": want}.Equal(graph.Fields{"v": got})
}

func checkQuarantine(want []QuarantineExpect, rows []graph.QuarantineRecord) []string {
	var failures []string
	matched := make([]bool, len(rows))
	for _, q := range want {
		found := false
		for i, row := range rows {
			if matched[i] {
				continue
			}
			if row.SourceID == q.Source && row.SequenceToken == q.Token && row.Reason == q.Reason {
				matched[i] = true
				found = true
				break
			}
		}
		if !found {
			failures = append(failures, fmt.Sprintf("quarantine: expected row %s/%s reason %q, not found", q.Source, q.Token, q.Reason))
		}
	}
	for i, row := range rows {
		if !matched[i] {
			failures = append(failures, fmt.Sprintf("quarantine: unexpected row %s/%s reason %q", row.SourceID, row.SequenceToken, row.Reason))
		}
	}
	return failures
}

// buildReport renders the deterministic run snapshot golden files compare
// against. Wall-clock values (quarantine ids and timestamps, cursor
// applied-at) are deliberately excluded.
func buildReport(ctx context.Context, st store.GraphStore, sc *Scenario, sources []string) ([]byte, error) {
	var b strings.Builder
	total := 0
	for _, round := range sc.Rounds {
		total += len(round.Events)
	}
	fmt.Fprintf(&b, "scenario: %s\n", sc.Name)
	fmt.Fprintf(&b, "rounds: %d\n", len(sc.Rounds))
	fmt.Fprintf(&b, "events: %d\n", total)

	b.WriteString("\nlive entities:\n")
	entities, err := st.ListEntitiesByCreation(ctx, graph.AllKinds, 0, reportLimit)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	if len(entities) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, rec := range entities {
		fmt.Fprintf(&b, "  %s\n", entityLine(rec))
	}

	b.WriteString("\ncursors:\n")
	ordered := slices.Clone(sources)
	sort.Strings(ordered)
	for _, src := range ordered {
		cur, err := st.LoadCursor(ctx, src)
		if err != nil {
			return nil, fmt.Errorf("load cursor %s: %w", src, err)
		}
		if cur == nil {
			fmt.Fprintf(&b, "  %s (none)\n", src)
			continue
		}
		fmt.Fprintf(&b, "  %s %s\n", src, cur.LastAppliedToken)
	}

	b.WriteString("\nquarantine:\n")
	rows, err := st.ListQuarantine(ctx, "", reportLimit)
	if err != nil {
		return nil, fmt.Errorf("list quarantine: %w", err)
	}
	if len(rows) == 0 {
		b.WriteString("  (none)\n")
	}
	slices.SortFunc(rows, func(a, b graph.QuarantineRecord) int {
		if c := strings.Compare(a.SourceID, b.SourceID); c != 0 {
			return c
		}
		return strings.Compare(a.SequenceToken, b.SequenceToken)
	})
	for _, row := range rows {
		fmt.Fprintf(&b, "  %s %s %s\n", row.SourceID, row.SequenceToken, row.Reason)
	}

	return []byte(b.String()), nil
}

// entityLine renders one live entity. Relational entities print their
// endpoints instead of the hashed natural key.
func entityLine(rec graph.EntityRecord) string {
	if rec.Edge != nil {
		line := fmt.Sprintf("%s %s->%s", rec.ID.Kind, rec.Edge.From, rec.Edge.To)
		if label, ok := rec.Fields["label"].(string); ok {
			line += fmt.Sprintf(" %q", label)
		}
		return fmt.Sprintf("%s v%d", line, rec.Version)
	}
	return fmt.Sprintf("%s v%d", rec.ID, rec.Version)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
