package migrate

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/loom/internal/graph"
	"github.com/roach88/loom/internal/metrics"
)

// backfill copies every live entity of the migration's kinds into the new
// representation, oldest creation first. Progress is persisted after each
// batch so an interrupted sweep resumes where it stopped instead of
// starting over. Returns false with a nil error when a pause interrupted
// the sweep.
func (e *engine) backfill(ctx context.Context, logger *slog.Logger, m Migration, st *graph.MigrationState) (bool, error) {
	if err := e.reconcilePending(ctx, logger, m); err != nil {
		return false, fmt.Errorf("%w: %v", graph.ErrMirrorFailure, err)
	}
	afterSeq := parseProgress(st.ProgressCursor)
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if e.paused() {
			logger.Info("backfill holding for pause", "after_seq", afterSeq)
			return false, nil
		}
		page, err := e.store.ListEntitiesByCreation(ctx, m.Kinds(), afterSeq, e.batch)
		if err != nil {
			return false, fmt.Errorf("%w: list entities: %v", graph.ErrBackfillStorage, err)
		}
		if len(page) == 0 {
			return true, nil
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.concurrency)
		for _, rec := range page {
			g.Go(func() error {
				return e.backfillOne(gctx, m, rec)
			})
		}
		if err := g.Wait(); err != nil {
			return false, err
		}
		afterSeq = page[len(page)-1].CreatedSeq
		st.ProgressCursor = strconv.FormatInt(afterSeq, 10)
		if err := e.store.SaveMigrationState(ctx, *st); err != nil {
			return false, fmt.Errorf("save backfill progress: %w", err)
		}
		logger.Debug("backfill batch copied",
			"entities", len(page),
			"after_seq", afterSeq)
	}
}

// backfillOne copies one entity unless a live dual write already landed it
// at the same or a newer version.
func (e *engine) backfillOne(ctx context.Context, m Migration, rec graph.EntityRecord) error {
	row, err := e.store.GetRepresentation(ctx, m.Repr(), rec.ID)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", graph.ErrBackfillStorage, rec.ID, err)
	}
	if row != nil && row.Version >= rec.Version {
		return nil
	}
	next, err := m.Transform(rec.Fields)
	if err != nil {
		return fmt.Errorf("transform %s: %w", rec.ID, err)
	}
	if err := e.store.PutRepresentation(ctx, m.Repr(), rec.ID, rec.Version, next); err != nil {
		return fmt.Errorf("%w: copy %s: %v", graph.ErrBackfillStorage, rec.ID, err)
	}
	metrics.BackfillEntities.WithLabelValues(m.ID()).Inc()
	return nil
}

// parseProgress reads a backfill sequence cursor. Anything unparseable,
// including the pre-flip route that rides in the cursor after backfill,
// restarts the sweep from zero; the version guard makes the rescan cheap.
func parseProgress(cursor string) int64 {
	n, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// reconcilePending replays write-ahead mirror intents for this migration's
// representation from the current primary rows. It repairs crashes that
// landed between a primary commit and its mirror write, and drains misses
// the in-band mirror logged while the applier kept going.
func (e *engine) reconcilePending(ctx context.Context, logger *slog.Logger, m Migration) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		intents, err := e.store.PendingMirrorIntents(ctx, e.batch)
		if err != nil {
			return fmt.Errorf("list mirror intents: %w", err)
		}
		var mine []graph.MirrorIntent
		for _, in := range intents {
			if in.Repr == m.Repr() {
				mine = append(mine, in)
			}
		}
		if len(mine) == 0 {
			if len(intents) == e.batch {
				// A full page of some other representation's intents hides
				// anything older of ours. Those belong to another
				// migration's repair; flag the clog rather than touch them.
				logger.Warn("mirror intent queue clogged with foreign intents",
					"count", len(intents))
			}
			return nil
		}
		for _, in := range mine {
			if err := e.reconcileIntent(ctx, m, in); err != nil {
				return err
			}
		}
		logger.Debug("mirror intents reconciled", "count", len(mine))
	}
}

// reconcileIntent re-mirrors one entity from its current primary row. The
// intent's version is only a floor; the primary may have moved past it,
// and mirroring the current row at the current version satisfies both.
func (e *engine) reconcileIntent(ctx context.Context, m Migration, in graph.MirrorIntent) error {
	cur, err := e.store.GetEntity(ctx, in.EntityID)
	if err != nil {
		return fmt.Errorf("read %s: %w", in.EntityID, err)
	}
	switch {
	case cur == nil:
		// Administrative removal beat the intent. Nothing left to mirror.
	case cur.Deleted:
		if err := e.store.PutRepresentation(ctx, m.Repr(), in.EntityID, cur.Version, graph.Fields{}); err != nil {
			return fmt.Errorf("tombstone %s: %w", in.EntityID, err)
		}
	default:
		next, err := m.Transform(cur.Fields)
		if err != nil {
			return fmt.Errorf("transform %s: %w", in.EntityID, err)
		}
		if err := e.store.PutRepresentation(ctx, m.Repr(), in.EntityID, cur.Version, next); err != nil {
			return fmt.Errorf("mirror %s: %w", in.EntityID, err)
		}
	}
	if err := e.store.ClearMirrorIntent(ctx, in); err != nil {
		return fmt.Errorf("clear intent %s: %w", in.EntityID, err)
	}
	return nil
}
