// Package apply turns normalized mutation intents into version-checked
// writes against the graph store.
//
// The applier is the only pipeline component that writes entity state. It
// resolves concurrent and out-of-order deliveries with last-writer-wins on
// the event time (ties broken by source id), holds intents whose causal
// dependencies have not arrived yet, and absorbs redeliveries by skipping
// any write whose resulting state deep-equals what is already stored. Every
// write it does perform is emitted as a ChangeRecord for the cache
// synchronizer and any active dual-write mirrors.
package apply

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/loom/internal/graph"
	"github.com/roach88/loom/internal/store"
)

// Retry defaults. Dependency waits cover the window where an event
// referencing an entity lands before the entity's own create; version
// conflicts only occur when another writer races the same entity and
// resolve on re-read.
const (
	DefaultDependencyAttempts   = 10
	DefaultDependencyRetryDelay = 200 * time.Millisecond
	DefaultConflictAttempts     = 5
)

// Applier applies mutation intents to a graph store.
//
// Apply is safe for concurrent use. Writers racing the same entity
// serialize through the store's version check, not through locks here.
type Applier struct {
	store  store.GraphStore
	logger *slog.Logger

	depAttempts      int
	depRetryDelay    time.Duration
	conflictAttempts int

	mirrors mirrorSet

	// wait is swapped out in tests so dependency holds don't sleep.
	wait func(ctx context.Context, d time.Duration) error
}

// Option configures an Applier.
type Option func(*Applier)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Applier) { a.logger = l }
}

// WithDependencyRetry sets how many times, and how far apart, the applier
// re-checks missing causal dependencies before quarantining the intent.
func WithDependencyRetry(attempts int, delay time.Duration) Option {
	return func(a *Applier) {
		a.depAttempts = attempts
		a.depRetryDelay = delay
	}
}

// WithConflictAttempts sets how many version-conflict re-reads a single
// Apply performs before surfacing the conflict to the caller.
func WithConflictAttempts(n int) Option {
	return func(a *Applier) { a.conflictAttempts = n }
}

// New creates an Applier writing to s.
func New(s store.GraphStore, opts ...Option) *Applier {
	a := &Applier{
		store:            s,
		logger:           slog.Default(),
		depAttempts:      DefaultDependencyAttempts,
		depRetryDelay:    DefaultDependencyRetryDelay,
		conflictAttempts: DefaultConflictAttempts,
		wait:             sleepContext,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RegisterMirror adds a dual-write mirror, replacing any registered mirror
// with the same representation name. Subsequent applies for the mirror's
// kinds persist a mirror intent in the same transaction as the primary row.
func (a *Applier) RegisterMirror(m Mirror) { a.mirrors.register(m) }

// UnregisterMirror removes the mirror for repr, if registered.
func (a *Applier) UnregisterMirror(repr string) { a.mirrors.unregister(repr) }

// Apply writes one mutation intent and returns the change records it
// produced: none for a no-op, one for the target entity, plus one per
// counter field adjusted on a neighboring entity.
//
// Redelivering an already-applied intent is safe: the write is detected as
// producing identical state and skipped without a version bump or records.
// A write that loses last-writer-wins against the stored record is likewise
// skipped. Missing causal dependencies hold the intent on a bounded retry
// schedule; if they never appear the intent fails with ErrDependencyTimeout
// and the caller quarantines it.
func (a *Applier) Apply(ctx context.Context, in graph.MutationIntent) ([]graph.ChangeRecord, error) {
	if err := validateIntent(in); err != nil {
		return nil, err
	}
	if err := a.awaitDependencies(ctx, in); err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		records, err := a.applyOnce(ctx, in)
		if err == nil {
			return records, nil
		}
		if !graph.IsVersionConflict(err) || attempt >= a.conflictAttempts {
			return nil, err
		}
		a.logger.Debug("version conflict, re-reading",
			"entity", in.TargetID.String(),
			"attempt", attempt)
	}
}

func validateIntent(in graph.MutationIntent) error {
	if in.TargetID.IsZero() {
		return fmt.Errorf("apply: intent has no target")
	}
	if !in.Operation.Valid() {
		return fmt.Errorf("apply %s: invalid operation %q", in.TargetID, in.Operation)
	}
	if in.SourceID == "" {
		return fmt.Errorf("apply %s: intent has no source", in.TargetID)
	}
	if in.OccurredAt.IsZero() {
		return fmt.Errorf("apply %s: intent has no event time", in.TargetID)
	}
	return nil
}

// awaitDependencies blocks until every causal dependency exists or the
// retry budget runs out. Delete intents carry no dependencies, so they
// never wait here.
func (a *Applier) awaitDependencies(ctx context.Context, in graph.MutationIntent) error {
	if len(in.CausalDependencies) == 0 {
		return nil
	}
	var missing []graph.EntityID
	for attempt := 1; attempt <= a.depAttempts; attempt++ {
		if attempt > 1 {
			if err := a.wait(ctx, a.depRetryDelay); err != nil {
				return err
			}
		}
		var err error
		missing, err = a.missingDependencies(ctx, in.CausalDependencies)
		if err != nil {
			return err
		}
		if len(missing) == 0 {
			return nil
		}
		a.logger.Debug("holding intent on missing dependencies",
			"entity", in.TargetID.String(),
			"missing", strings.Join(idStrings(missing), ","),
			"attempt", attempt)
	}
	return fmt.Errorf("apply %s: %w waiting for %s",
		in.TargetID, graph.ErrDependencyTimeout, strings.Join(idStrings(missing), ", "))
}

func (a *Applier) missingDependencies(ctx context.Context, deps []graph.EntityID) ([]graph.EntityID, error) {
	var missing []graph.EntityID
	for _, dep := range deps {
		rec, err := a.store.GetEntity(ctx, dep)
		if err != nil {
			return nil, err
		}
		// A tombstoned dependency still satisfies the hold: the entity
		// existed, so the reference was never dangling.
		if rec == nil {
			missing = append(missing, dep)
		}
	}
	return missing, nil
}

func idStrings(ids []graph.EntityID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func (a *Applier) applyOnce(ctx context.Context, in graph.MutationIntent) ([]graph.ChangeRecord, error) {
	current, err := a.store.GetEntity(ctx, in.TargetID)
	if err != nil {
		return nil, err
	}
	if in.Operation == graph.OpDelete {
		return a.applyDelete(ctx, in, current)
	}
	return a.applyWrite(ctx, in, current)
}

// applyWrite handles creates and updates, including resurrecting a
// tombstoned entity when a newer write arrives after its delete.
func (a *Applier) applyWrite(ctx context.Context, in graph.MutationIntent, current *graph.EntityRecord) ([]graph.ChangeRecord, error) {
	if current == nil {
		rec := graph.EntityRecord{
			ID:         in.TargetID,
			Version:    1,
			Fields:     in.FieldsToSet.Clone(),
			OccurredAt: in.OccurredAt,
			SourceID:   in.SourceID,
			Edge:       in.Edge,
		}
		change := changeFor(rec, 0, graph.OpCreate, nil)
		if err := a.commit(ctx, rec, 0, change); err != nil {
			return nil, err
		}
		records := []graph.ChangeRecord{change}
		records = append(records, a.adjustCounters(ctx, counterTargets(in.TargetID.Kind, rec.Edge, rec.Fields), +1)...)
		return records, nil
	}

	if staleFor(current, in) {
		a.logger.Debug("ignoring stale write",
			"entity", in.TargetID.String(),
			"event_time", in.OccurredAt,
			"stored_time", current.OccurredAt)
		return nil, nil
	}

	next := in.FieldsToSet.Clone()
	carryCounters(next, current.Fields)

	edge := in.Edge
	if edge == nil {
		edge = current.Edge
	}
	revived := current.Deleted
	if !revived && next.Equal(current.Fields) && edgesEqual(edge, current.Edge) {
		return nil, nil
	}

	op := graph.OpUpdate
	if revived {
		op = graph.OpCreate
	}
	rec := graph.EntityRecord{
		ID:         in.TargetID,
		Version:    current.Version + 1,
		Fields:     next,
		OccurredAt: in.OccurredAt,
		SourceID:   in.SourceID,
		CreatedSeq: current.CreatedSeq,
		Edge:       edge,
	}
	change := changeFor(rec, current.Version, op, current.Fields)
	if err := a.commit(ctx, rec, current.Version, change); err != nil {
		return nil, err
	}
	records := []graph.ChangeRecord{change}
	if revived {
		records = append(records, a.adjustCounters(ctx, counterTargets(in.TargetID.Kind, rec.Edge, rec.Fields), +1)...)
	}
	return records, nil
}

// applyDelete tombstones the target. A delete of an absent or already
// tombstoned entity is a no-op, and a delete older than the stored record
// loses last-writer-wins like any other write.
func (a *Applier) applyDelete(ctx context.Context, in graph.MutationIntent, current *graph.EntityRecord) ([]graph.ChangeRecord, error) {
	if current == nil || current.Deleted {
		return nil, nil
	}
	if staleFor(current, in) {
		a.logger.Debug("ignoring stale delete",
			"entity", in.TargetID.String(),
			"event_time", in.OccurredAt,
			"stored_time", current.OccurredAt)
		return nil, nil
	}

	rec := graph.EntityRecord{
		ID:         in.TargetID,
		Version:    current.Version + 1,
		Fields:     graph.Fields{},
		OccurredAt: in.OccurredAt,
		SourceID:   in.SourceID,
		CreatedSeq: current.CreatedSeq,
		Deleted:    true,
		Edge:       current.Edge,
	}
	change := changeFor(rec, current.Version, graph.OpDelete, current.Fields)
	if err := a.commit(ctx, rec, current.Version, change); err != nil {
		return nil, err
	}
	records := []graph.ChangeRecord{change}
	records = append(records, a.adjustCounters(ctx, counterTargets(in.TargetID.Kind, current.Edge, current.Fields), -1)...)
	return records, nil
}

// staleFor reports whether in loses last-writer-wins against the stored
// record: an older event time, or the same time from a lexically smaller
// source. An exact tie on both is not stale; the deep-equal check decides
// whether anything is written.
func staleFor(current *graph.EntityRecord, in graph.MutationIntent) bool {
	if in.OccurredAt.Before(current.OccurredAt) {
		return true
	}
	return in.OccurredAt.Equal(current.OccurredAt) && in.SourceID < current.SourceID
}

func changeFor(rec graph.EntityRecord, prevVersion int64, op graph.Operation, prevFields graph.Fields) graph.ChangeRecord {
	ch := graph.ChangeRecord{
		EntityID:        rec.ID,
		PreviousVersion: prevVersion,
		NewVersion:      rec.Version,
		Operation:       op,
		OccurredAt:      rec.OccurredAt,
	}
	if op == graph.OpDelete {
		ch.ChangedFields = graph.ChangedKeys(prevFields, nil)
	} else {
		ch.Fields = rec.Fields
		ch.ChangedFields = graph.ChangedKeys(prevFields, rec.Fields)
	}
	return ch
}

func edgesEqual(a, b *graph.EdgeRef) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// commit writes rec under the store's version check and fans the resulting
// change out to the dual-write mirrors covering the entity's kind. The
// mirror intent rows land in the same transaction as the entity row and are
// cleared only after the mirror accepts the change, so a crash or mirror
// error leaves a pending intent behind for the migration engine to
// reconcile. Mirror trouble never unwinds the primary write.
func (a *Applier) commit(ctx context.Context, rec graph.EntityRecord, expectVersion int64, change graph.ChangeRecord) error {
	mirrors := a.mirrors.covering(rec.ID.Kind)
	var intents []graph.MirrorIntent
	for _, m := range mirrors {
		intents = append(intents, graph.MirrorIntent{
			Repr:     m.Repr(),
			EntityID: rec.ID,
			Version:  rec.Version,
		})
	}
	if err := a.store.PutEntity(ctx, rec, expectVersion, intents); err != nil {
		return err
	}
	for i, m := range mirrors {
		if err := m.MirrorChange(ctx, change); err != nil {
			a.logger.Warn("mirror write failed, intent left pending",
				"entity", rec.ID.String(),
				"version", rec.Version,
				"repr", m.Repr(),
				"error", err)
			continue
		}
		if err := a.store.ClearMirrorIntent(ctx, intents[i]); err != nil {
			a.logger.Warn("clearing mirror intent failed",
				"entity", rec.ID.String(),
				"repr", m.Repr(),
				"error", err)
		}
	}
	return nil
}
