package migrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/loom/internal/graph"
	"github.com/roach88/loom/internal/metrics"
	"github.com/roach88/loom/internal/store"
)

const (
	// DefaultBackfillBatch bounds one backfill sweep page and one archive
	// page.
	DefaultBackfillBatch = 500

	// DefaultBackfillConcurrency bounds parallel representation copies
	// within a backfill batch.
	DefaultBackfillConcurrency = 4

	// DefaultCutoverGrace is how long in-flight reads drain against the old
	// representation before cleanup may retire it.
	DefaultCutoverGrace = 3 * time.Second

	// DefaultArchiveDir receives retired representation dumps.
	DefaultArchiveDir = "archive"
)

// engine drives one migration through its phases. Phase transitions are
// persisted before the work of the new phase begins, which is what makes
// crash recovery a plain resume.
type engine struct {
	store       store.GraphStore
	host        MirrorHost
	logger      *slog.Logger
	batch       int
	concurrency int
	grace       time.Duration
	archiveDir  string
	paused      func() bool
	now         func() time.Time
}

// run advances m until it parks: Done, Failed, paused, or interrupted by
// ctx. Context interruption is not failure; the next run resumes the same
// phase.
func (e *engine) run(ctx context.Context, m Migration) error {
	ctx, span := metrics.Tracer.Start(ctx, "migrate.run",
		trace.WithAttributes(attribute.String("migration", m.ID())))
	defer span.End()
	logger := metrics.LoggerWithTrace(ctx, e.logger).With("migration", m.ID())

	st, err := e.store.LoadMigrationState(ctx, m.ID())
	if err != nil {
		return fmt.Errorf("load migration state %s: %w", m.ID(), err)
	}
	if st == nil {
		now := e.now()
		st = &graph.MigrationState{
			MigrationID:    m.ID(),
			Phase:          graph.PhasePending,
			StartedAt:      now,
			PhaseStartedAt: now,
		}
		if err := e.store.SaveMigrationState(ctx, *st); err != nil {
			return fmt.Errorf("save migration state %s: %w", m.ID(), err)
		}
		metrics.SetMigrationPhase(m.ID(), st.Phase)
		logger.Info("migration starting", "repr", m.Repr())
	} else {
		logger.Info("migration resuming", "phase", string(st.Phase))
	}

	mirror := newMigrationMirror(m, e.store)
	// A resume landing past Pending needs the dual-write mirror live before
	// any phase work runs.
	if st.Phase != graph.PhasePending && !st.Phase.Terminal() {
		e.host.RegisterMirror(mirror)
	}

	for !st.Phase.Terminal() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.paused() {
			logger.Info("migration holding for pause", "phase", string(st.Phase))
			return nil
		}
		phase := st.Phase
		if err := e.step(ctx, logger, m, mirror, st); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				// Interrupted, not broken. The next run resumes this phase.
				return err
			}
			return e.fail(ctx, logger, m, st, phase, err)
		}
		if st.Phase == phase {
			// The step held without advancing (paused mid-backfill).
			return nil
		}
	}
	if st.Phase == graph.PhaseDone {
		e.host.UnregisterMirror(m.Repr())
		logger.Info("migration done", "repr", m.Repr())
	}
	return nil
}

// step performs the work of the current phase and advances the state when
// it completes. Returning with the phase unchanged and a nil error means
// the step paused and wants to be resumed later.
func (e *engine) step(ctx context.Context, logger *slog.Logger, m Migration, mirror *migrationMirror, st *graph.MigrationState) error {
	switch st.Phase {
	case graph.PhasePending:
		if err := e.advance(ctx, logger, st, graph.PhaseDualWrite); err != nil {
			return err
		}
		e.host.RegisterMirror(mirror)
		return nil

	case graph.PhaseDualWrite:
		// Dual writes keep flowing through every later phase; nothing gates
		// the move into backfill.
		return e.advance(ctx, logger, st, graph.PhaseBackfilling)

	case graph.PhaseBackfilling:
		done, err := e.backfill(ctx, logger, m, st)
		if err != nil {
			return err
		}
		if !done {
			return nil
		}
		if err := mirror.takeErr(); err != nil {
			return fmt.Errorf("%w: %v", graph.ErrMirrorFailure, err)
		}
		oldRepr, err := e.currentRoute(ctx, m)
		if err != nil {
			return err
		}
		if oldRepr == m.Repr() {
			// An interrupted earlier attempt already flipped reads here.
			// Nothing older is left to retire.
			oldRepr = ""
		}
		// The pre-flip route rides in the progress cursor so cleanup still
		// knows what to archive after a crash. It is persisted with the
		// transition, before the flip itself.
		st.ProgressCursor = oldRepr
		return e.advance(ctx, logger, st, graph.PhaseCutOver)

	case graph.PhaseCutOver:
		if err := e.cutOver(ctx, logger, m, mirror); err != nil {
			return err
		}
		return e.advance(ctx, logger, st, graph.PhaseCleanup)

	case graph.PhaseCleanup:
		if err := e.cleanup(ctx, logger, m, st); err != nil {
			return err
		}
		return e.advance(ctx, logger, st, graph.PhaseDone)

	default:
		return fmt.Errorf("migration %s: unexpected phase %q", m.ID(), st.Phase)
	}
}

// advance persists the transition to next and records it on the phase
// gauge.
func (e *engine) advance(ctx context.Context, logger *slog.Logger, st *graph.MigrationState, next graph.Phase) error {
	if err := st.Advance(next, e.now()); err != nil {
		return err
	}
	if err := e.store.SaveMigrationState(ctx, *st); err != nil {
		return fmt.Errorf("save migration state %s: %w", st.MigrationID, err)
	}
	metrics.SetMigrationPhase(st.MigrationID, next)
	logger.Info("migration phase advanced", "phase", string(next))
	return nil
}

// fail parks the migration as Failed with the cause recorded. The state
// write is best effort; an unreachable store leaves the phase stale but
// the error still surfaces to the caller.
func (e *engine) fail(ctx context.Context, logger *slog.Logger, m Migration, st *graph.MigrationState, phase graph.Phase, cause error) error {
	var merr *graph.MigrationError
	if !errors.As(cause, &merr) {
		cause = graph.NewMigrationError(m.ID(), phase, cause, "")
	}
	e.host.UnregisterMirror(m.Repr())
	if err := st.Advance(graph.PhaseFailed, e.now()); err != nil {
		logger.Error("recording migration failure", "error", err, "cause", cause)
		return cause
	}
	st.Failure = cause.Error()
	if err := e.store.SaveMigrationState(ctx, *st); err != nil {
		logger.Error("persisting failed migration state", "error", err)
	}
	metrics.SetMigrationPhase(m.ID(), graph.PhaseFailed)
	logger.Error("migration failed",
		"phase", string(phase),
		"error", cause)
	return cause
}

// currentRoute returns the representation reads currently use for the
// migration's kinds. All kinds must agree; a split route means an earlier
// cutover died in a way the engine cannot repair on its own.
func (e *engine) currentRoute(ctx context.Context, m Migration) (string, error) {
	kinds := m.Kinds()
	route := ""
	for i, kind := range kinds {
		r, err := e.store.ReadRoute(ctx, kind)
		if err != nil {
			return "", fmt.Errorf("read route %s: %w", kind, err)
		}
		if i > 0 && r != route {
			return "", fmt.Errorf("read routes diverge: %s=%q, %s=%q", kinds[0], route, kind, r)
		}
		route = r
	}
	return route, nil
}

// cutOver verifies the representation caught up, flips the read routes for
// every covered kind, and holds the grace window so in-flight reads drain
// against the old representation. Re-running after a crash repeats all
// three; the flip is idempotent.
func (e *engine) cutOver(ctx context.Context, logger *slog.Logger, m Migration, mirror *migrationMirror) error {
	if err := e.reconcilePending(ctx, logger, m); err != nil {
		return fmt.Errorf("%w: %v", graph.ErrMirrorFailure, err)
	}
	if err := mirror.takeErr(); err != nil {
		return fmt.Errorf("%w: %v", graph.ErrMirrorFailure, err)
	}
	if err := e.verify(ctx, logger, m); err != nil {
		return err
	}
	for _, kind := range m.Kinds() {
		if err := e.store.SetReadRoute(ctx, kind, m.Repr()); err != nil {
			return fmt.Errorf("flip read route %s: %w", kind, err)
		}
	}
	logger.Info("reads cut over",
		"repr", m.Repr(),
		"grace", e.grace.String())
	return e.wait(ctx, e.grace)
}

// verify sweeps the primary once more and checks the representation kept
// pace: boundary entities of every page mirrored at or above their primary
// version, and the row count at least the live entity count. Mirror
// tombstones can push the count past the live total, never under it.
func (e *engine) verify(ctx context.Context, logger *slog.Logger, m Migration) error {
	var total int64
	var afterSeq int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := e.store.ListEntitiesByCreation(ctx, m.Kinds(), afterSeq, e.batch)
		if err != nil {
			return fmt.Errorf("%w: verify sweep: %v", graph.ErrBackfillStorage, err)
		}
		if len(page) == 0 {
			break
		}
		total += int64(len(page))
		for _, rec := range []graph.EntityRecord{page[0], page[len(page)-1]} {
			row, err := e.store.GetRepresentation(ctx, m.Repr(), rec.ID)
			if err != nil {
				return fmt.Errorf("%w: verify read %s: %v", graph.ErrBackfillStorage, rec.ID, err)
			}
			if row == nil || row.Version < rec.Version {
				return fmt.Errorf("%w: %s missing or stale in %s", graph.ErrBackfillStorage, rec.ID, m.Repr())
			}
		}
		afterSeq = page[len(page)-1].CreatedSeq
	}
	count, err := e.store.CountRepresentation(ctx, m.Repr())
	if err != nil {
		return fmt.Errorf("%w: count %s: %v", graph.ErrBackfillStorage, m.Repr(), err)
	}
	if count < total {
		return fmt.Errorf("%w: %s holds %d rows, %d live entities expected", graph.ErrBackfillStorage, m.Repr(), count, total)
	}
	logger.Info("cutover verified",
		"repr", m.Repr(),
		"entities", total,
		"rows", count)
	return nil
}

// cleanup archives and drops the representation reads used before the
// flip. The primary rows are never archived; when the old route was the
// primary there is nothing to retire.
func (e *engine) cleanup(ctx context.Context, logger *slog.Logger, m Migration, st *graph.MigrationState) error {
	oldRepr := st.ProgressCursor
	if oldRepr == "" {
		logger.Info("no prior representation to retire")
		return nil
	}
	path, sum, err := archiveRepresentation(ctx, e.store, oldRepr, e.archiveDir, e.batch, e.now())
	if err != nil {
		return fmt.Errorf("archive %s: %w", oldRepr, err)
	}
	logger.Info("prior representation archived",
		"repr", oldRepr,
		"path", path,
		"sha256", sum)
	if err := e.store.DropRepresentation(ctx, oldRepr); err != nil {
		return fmt.Errorf("drop %s: %w", oldRepr, err)
	}
	return nil
}

// wait sleeps for d or until ctx is done.
func (e *engine) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
