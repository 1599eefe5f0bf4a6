package store

import (
	"context"

	"github.com/roach88/loom/internal/graph"
)

// GraphStore is the durable, transactional-per-mutation source of truth.
// Implementations provide storage primitives only: compare-and-set writes,
// reads, and bookkeeping tables. Consistency decisions (last-writer-wins,
// deep equality, retry policy) belong to the applier and migration engine
// above this interface.
type GraphStore interface {
	// GetEntity returns the stored record including tombstones,
	// or nil, nil when the entity has never existed.
	GetEntity(ctx context.Context, id graph.EntityID) (*graph.EntityRecord, error)

	// PutEntity writes rec iff the stored version equals expectVersion.
	// expectVersion 0 requires the row to not exist yet. The mirror
	// intents are persisted in the same transaction (write-ahead logging
	// for the dual-write mirror). A version mismatch returns an error
	// wrapping graph.ErrVersionConflict.
	//
	// CreatedSeq is assigned by the store on first insert and preserved
	// on updates; the value in rec is ignored.
	PutEntity(ctx context.Context, rec graph.EntityRecord, expectVersion int64, intents []graph.MirrorIntent) error

	// DeleteEntity tombstones the entity under the same CAS discipline,
	// bumping the version and clearing fields but preserving provenance.
	// Event-driven deletes go through PutEntity with Deleted set so the
	// tombstone carries the delete's own timestamp; this is the
	// administrative variant.
	DeleteEntity(ctx context.Context, id graph.EntityID, expectVersion int64) error

	// ListEntitiesByCreation pages live entities of the given kinds in
	// CreatedSeq order, strictly after afterSeq. Backfill sweeps depend
	// on this order being stable across calls.
	ListEntitiesByCreation(ctx context.Context, kinds []graph.EntityKind, afterSeq int64, limit int) ([]graph.EntityRecord, error)

	// QueryEdges returns edge entities matching q, ordered by entity id.
	QueryEdges(ctx context.Context, q EdgeQuery) ([]graph.EdgeRecord, error)

	// LoadCursor returns the source's cursor, or nil, nil when the source
	// has never checkpointed.
	LoadCursor(ctx context.Context, sourceID string) (*graph.Cursor, error)
	SaveCursor(ctx context.Context, cur graph.Cursor) error
	ListCursors(ctx context.Context) ([]graph.Cursor, error)

	// MarkSeen records (sourceID, token, contentHash) in the dedup ledger
	// and reports whether the triple was new. Safe to call repeatedly.
	MarkSeen(ctx context.Context, sourceID, token, contentHash string) (bool, error)

	AddQuarantine(ctx context.Context, rec graph.QuarantineRecord) error

	// ListQuarantine returns quarantined events, newest first, optionally
	// filtered by source. sourceID "" means all sources.
	ListQuarantine(ctx context.Context, sourceID string, limit int) ([]graph.QuarantineRecord, error)

	// LoadMigrationState returns nil, nil when the migration has never run.
	LoadMigrationState(ctx context.Context, migrationID string) (*graph.MigrationState, error)
	SaveMigrationState(ctx context.Context, st graph.MigrationState) error
	ListMigrationStates(ctx context.Context) ([]graph.MigrationState, error)

	// PutRepresentation upserts an entity's copy in a migration's new
	// representation. Guarded: an older version never overwrites a newer
	// one, so mirror and backfill writes can race safely.
	PutRepresentation(ctx context.Context, repr string, id graph.EntityID, version int64, fields graph.Fields) error
	GetRepresentation(ctx context.Context, repr string, id graph.EntityID) (*RepresentationRow, error)
	CountRepresentation(ctx context.Context, repr string) (int64, error)

	// ListRepresentation pages a representation's rows in entity id order,
	// strictly after afterID ("" starts at the beginning). Archive sweeps
	// depend on this order being stable across calls.
	ListRepresentation(ctx context.Context, repr string, afterID string, limit int) ([]RepresentationRow, error)
	DropRepresentation(ctx context.Context, repr string) error

	// PendingMirrorIntents lists mirror intents not yet cleared, oldest
	// first. Non-empty only after a crash between a primary write and its
	// mirror; the reconciliation sweep drains it.
	PendingMirrorIntents(ctx context.Context, limit int) ([]graph.MirrorIntent, error)
	ClearMirrorIntent(ctx context.Context, intent graph.MirrorIntent) error

	// ReadRoute returns the representation reads should use for the kind,
	// "" meaning the primary table. Flipped during migration cutover.
	ReadRoute(ctx context.Context, kind graph.EntityKind) (string, error)
	SetReadRoute(ctx context.Context, kind graph.EntityKind, repr string) error

	// Clear removes all stored data. CLI `db clear` only.
	Clear(ctx context.Context) error
	Close() error
}

// CacheStore is the best-effort, TTL-bearing derived store. Losing it is
// safe; readers treat a missing or expired entry as a cache miss.
type CacheStore interface {
	// Get returns the entry, or nil, nil on miss (absent or expired).
	Get(ctx context.Context, key string) (*graph.CacheEntry, error)
	Put(ctx context.Context, entry graph.CacheEntry) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// EdgeQuery selects edge entities of one relational kind, optionally
// filtered by endpoint or tag label.
type EdgeQuery struct {
	Kind  graph.EntityKind
	From  *graph.EntityID
	To    *graph.EntityID
	Label string // tag kind only
	Limit int
}

// RepresentationRow is one entity's copy inside a migration representation.
type RepresentationRow struct {
	ID      graph.EntityID
	Version int64
	Fields  graph.Fields
}
