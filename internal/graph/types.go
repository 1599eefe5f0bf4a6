package graph

import (
	"fmt"
	"slices"
	"time"
)

// Operation is the kind of change a raw event or mutation describes.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// RawEvent is one event as delivered by a source's feed. The payload is
// opaque until normalized. SequenceToken is source-local and monotonically
// non-decreasing, but may repeat (duplicate delivery) or arrive out of order
// across reconnects - the pipeline assumes at-least-once delivery.
type RawEvent struct {
	SourceID      string     `json:"source_id"`
	SequenceToken string     `json:"sequence_token"`
	OccurredAt    time.Time  `json:"occurred_at"`
	Kind          EntityKind `json:"entity_kind"`
	Operation     Operation  `json:"operation"`
	Payload       []byte     `json:"payload,omitempty"`
}

// MutationIntent is the canonical, idempotent description of a single graph
// change derived from one raw event. Two intents derived from the same raw
// event bytes are structurally equal - redelivery produces identical intents,
// which is the contract the Applier's idempotence relies on.
type MutationIntent struct {
	TargetID           EntityID   `json:"target_id"`
	Operation          Operation  `json:"operation"`
	FieldsToSet        Fields     `json:"fields_to_set,omitempty"`
	CausalDependencies []EntityID `json:"causal_dependencies,omitempty"`
	OccurredAt         time.Time  `json:"occurred_at"`
	SourceID           string     `json:"source_id"`
	Edge               *EdgeRef   `json:"edge,omitempty"`
}

// NormalizeDeps sorts and dedupes the causal dependencies in place so that
// structurally identical intents compare equal regardless of construction
// order.
func (m *MutationIntent) NormalizeDeps() {
	if len(m.CausalDependencies) < 2 {
		return
	}
	slices.SortFunc(m.CausalDependencies, CompareEntityIDs)
	m.CausalDependencies = slices.CompactFunc(m.CausalDependencies, func(a, b EntityID) bool {
		return a == b
	})
}

// Equal reports structural equality between two intents.
func (m MutationIntent) Equal(other MutationIntent) bool {
	if m.TargetID != other.TargetID ||
		m.Operation != other.Operation ||
		m.SourceID != other.SourceID ||
		!m.OccurredAt.Equal(other.OccurredAt) {
		return false
	}
	if !m.FieldsToSet.Equal(other.FieldsToSet) {
		return false
	}
	if !slices.Equal(m.CausalDependencies, other.CausalDependencies) {
		return false
	}
	if (m.Edge == nil) != (other.Edge == nil) {
		return false
	}
	if m.Edge != nil && *m.Edge != *other.Edge {
		return false
	}
	return true
}

// EntityRecord is the stored form of an entity: its identity, the strictly
// increasing version, the materialized fields, provenance of the last applied
// event, and the creation sequence used to order backfill sweeps. Deleted
// entities remain as tombstones so late-arriving stale writes stay no-ops.
type EntityRecord struct {
	ID         EntityID  `json:"id"`
	Version    int64     `json:"version"`
	Fields     Fields    `json:"fields"`
	OccurredAt time.Time `json:"occurred_at"`
	SourceID   string    `json:"source_id"`
	CreatedSeq int64     `json:"created_seq"`
	Deleted    bool      `json:"deleted,omitempty"`
	Edge       *EdgeRef  `json:"edge,omitempty"`
}

// ChangeRecord describes one applied mutation. Produced by the Applier,
// consumed only by the Cache Synchronizer and the Migration Engine's
// dual-write mirror. Fields carries the full post-apply state so consumers
// never re-read the store for it; it is nil for deletes.
type ChangeRecord struct {
	EntityID        EntityID  `json:"entity_id"`
	PreviousVersion int64     `json:"previous_version"`
	NewVersion      int64     `json:"new_version"`
	ChangedFields   []string  `json:"changed_fields,omitempty"`
	Fields          Fields    `json:"fields,omitempty"`
	Operation       Operation `json:"operation"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// Cursor is the per-source bookmark of the last successfully applied event.
// Owned exclusively by the watcher loop for that source and persisted only
// after a batch has fully settled - a crash before persistence causes safe
// redelivery, never loss.
type Cursor struct {
	SourceID         string    `json:"source_id"`
	LastAppliedToken string    `json:"last_applied_token"`
	LastAppliedAt    time.Time `json:"last_applied_at"`
}

// CacheEntry is one derived cache value. VersionStamp mirrors the GraphStore
// version the value was computed from, enabling staleness detection on read:
// the stamp may lag the store's current version but never lead it.
type CacheEntry struct {
	Key          string    `json:"key"`
	Value        []byte    `json:"value"`
	VersionStamp int64     `json:"version_stamp"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the entry's TTL has passed at the given instant.
// A zero ExpiresAt means the entry never expires.
func (e CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// EntityCacheKey is the cache key for an entity's materialized state.
func EntityCacheKey(id EntityID) string {
	return "entity:" + id.String()
}

// QuarantineRecord is a dead-lettered event: structurally bad input or an
// event whose application exhausted its retry budget. Quarantined events are
// operator-visible and never silently dropped.
type QuarantineRecord struct {
	ID            string    `json:"id"`
	SourceID      string    `json:"source_id"`
	SequenceToken string    `json:"sequence_token"`
	Reason        string    `json:"reason"`
	Detail        string    `json:"detail"`
	Payload       []byte    `json:"payload,omitempty"`
	QuarantinedAt time.Time `json:"quarantined_at"`
}

// Quarantine reasons.
const (
	QuarantineUnknownKind       = "unknown_entity_kind"
	QuarantineMalformedPayload  = "malformed_payload"
	QuarantineDependencyTimeout = "dependency_timeout"
	QuarantineBatchEscalated    = "batch_escalated"
)

// MirrorIntent records that an applied entity version must be mirrored into
// a migration's new representation. Intents are persisted atomically with
// the primary write and cleared once the mirror lands; pending intents after
// a crash are found and repaired by the reconciliation sweep.
type MirrorIntent struct {
	Repr     string   `json:"repr"`
	EntityID EntityID `json:"entity_id"`
	Version  int64    `json:"version"`
}

// Phase is a migration's position in its lifecycle state machine.
type Phase string

const (
	PhasePending     Phase = "pending"
	PhaseDualWrite   Phase = "dual_write"
	PhaseBackfilling Phase = "backfilling"
	PhaseCutOver     Phase = "cut_over"
	PhaseCleanup     Phase = "cleanup"
	PhaseDone        Phase = "done"
	PhaseFailed      Phase = "failed"
)

// phaseOrder gives each forward phase its position in the canonical
// progression. Failed is absent: it is reachable from anywhere and absorbing.
var phaseOrder = map[Phase]int{
	PhasePending:     0,
	PhaseDualWrite:   1,
	PhaseBackfilling: 2,
	PhaseCutOver:     3,
	PhaseCleanup:     4,
	PhaseDone:        5,
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	if p == PhaseFailed {
		return true
	}
	_, ok := phaseOrder[p]
	return ok
}

// Terminal reports whether p admits no further transitions.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// CanAdvanceTo reports whether the transition p -> next is legal:
// exactly one step forward in the canonical progression, or into Failed
// from any non-terminal phase. No other movement is permitted.
func (p Phase) CanAdvanceTo(next Phase) bool {
	if p.Terminal() {
		return false
	}
	if next == PhaseFailed {
		return true
	}
	from, okFrom := phaseOrder[p]
	to, okTo := phaseOrder[next]
	return okFrom && okTo && to == from+1
}

// MigrationState is the persisted state of one migration. Exactly one row
// per migration; transitions are monotonic per Phase.CanAdvanceTo.
type MigrationState struct {
	MigrationID    string    `json:"migration_id"`
	Phase          Phase     `json:"phase"`
	ProgressCursor string    `json:"progress_cursor,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	PhaseStartedAt time.Time `json:"phase_started_at"`
	Failure        string    `json:"failure,omitempty"`
}

// Advance validates and performs the transition to next, stamping
// PhaseStartedAt with now. Returns an error for any illegal movement.
func (s *MigrationState) Advance(next Phase, now time.Time) error {
	if !next.Valid() {
		return fmt.Errorf("migration %s: unknown phase %q", s.MigrationID, next)
	}
	if !s.Phase.CanAdvanceTo(next) {
		return fmt.Errorf("migration %s: illegal transition %s -> %s", s.MigrationID, s.Phase, next)
	}
	s.Phase = next
	s.PhaseStartedAt = now
	if next == PhaseFailed {
		return nil
	}
	s.Failure = ""
	return nil
}

// EdgeRecord is one relationship row returned by edge queries: the owning
// entity plus its resolved endpoints.
type EdgeRecord struct {
	EntityID EntityID   `json:"entity_id"`
	Kind     EntityKind `json:"kind"`
	From     EntityID   `json:"from"`
	To       EntityID   `json:"to"`
	Version  int64      `json:"version"`
}
