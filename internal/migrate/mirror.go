package migrate

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/loom/internal/graph"
	"github.com/roach88/loom/internal/store"
)

// migrationMirror adapts a Migration to the applier's mirror port. Every
// committed change for a covered kind is transformed and written to the new
// representation at the change's version. The applier never fails a primary
// write over mirror trouble; the first error is kept here for the engine's
// phase boundary health check, and the pending intent the applier leaves
// behind lets reconciliation repair the miss.
type migrationMirror struct {
	m     Migration
	store store.GraphStore

	mu       sync.Mutex
	firstErr error
}

func newMigrationMirror(m Migration, s store.GraphStore) *migrationMirror {
	return &migrationMirror{m: m, store: s}
}

func (mm *migrationMirror) Repr() string { return mm.m.Repr() }

func (mm *migrationMirror) Kinds() []graph.EntityKind { return mm.m.Kinds() }

func (mm *migrationMirror) MirrorChange(ctx context.Context, rec graph.ChangeRecord) error {
	err := mm.mirror(ctx, rec)
	if err != nil {
		mm.mu.Lock()
		if mm.firstErr == nil {
			mm.firstErr = err
		}
		mm.mu.Unlock()
	}
	return err
}

func (mm *migrationMirror) mirror(ctx context.Context, rec graph.ChangeRecord) error {
	if rec.Operation == graph.OpDelete {
		// Tombstone in the representation: an empty row at the delete's
		// version, so backfill and reads agree the entity is gone.
		return mm.store.PutRepresentation(ctx, mm.m.Repr(), rec.EntityID, rec.NewVersion, graph.Fields{})
	}
	next, err := mm.m.Transform(rec.Fields)
	if err != nil {
		return fmt.Errorf("transform %s: %w", rec.EntityID, err)
	}
	return mm.store.PutRepresentation(ctx, mm.m.Repr(), rec.EntityID, rec.NewVersion, next)
}

// takeErr returns and clears the first mirror error seen since the last
// call.
func (mm *migrationMirror) takeErr() error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	err := mm.firstErr
	mm.firstErr = nil
	return err
}
