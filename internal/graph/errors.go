package graph

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the pipeline. Layers wrap these with
// fmt.Errorf("...: %w", err) context; callers match with errors.Is.
var (
	// ErrUnknownEntityKind indicates an event named a kind the normalizer
	// does not recognize. Quarantined, never retried.
	ErrUnknownEntityKind = errors.New("unknown entity kind")

	// ErrMalformedPayload indicates an event payload that failed to decode
	// or violated the kind's schema. Quarantined, never retried.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrDependencyTimeout indicates a causal dependency that never
	// materialized within the retry budget. The caller quarantines.
	ErrDependencyTimeout = errors.New("dependency timeout")

	// ErrVersionConflict indicates a compare-and-set write lost the race.
	// The applier retries with a fresh read.
	ErrVersionConflict = errors.New("version conflict")

	// ErrStorageUnavailable indicates the backing store rejected the
	// operation for operational reasons. Retried with backoff.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrMirrorFailure indicates a dual-write mirror could not land after
	// the primary write committed. Fails the migration, not the mutation.
	ErrMirrorFailure = errors.New("mirror write failed")

	// ErrBackfillStorage indicates a storage error during a backfill sweep.
	// Fails the migration; entities are never silently skipped.
	ErrBackfillStorage = errors.New("backfill storage error")
)

// NormalizationError reports why a raw event could not be turned into
// mutation intents. Reason is one of the normalization sentinels so callers
// can route on errors.Is; Detail carries the specifics for the quarantine
// record.
type NormalizationError struct {
	Kind   EntityKind
	Reason error
	Detail string
}

// Error implements the error interface.
func (e *NormalizationError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("normalize %s: %v: %s", e.Kind, e.Reason, e.Detail)
	}
	return fmt.Sprintf("normalize %s: %v", e.Kind, e.Reason)
}

// Unwrap exposes the sentinel for errors.Is matching.
func (e *NormalizationError) Unwrap() error { return e.Reason }

// NewUnknownKindError creates a NormalizationError for an unrecognized kind.
func NewUnknownKindError(kind EntityKind) *NormalizationError {
	return &NormalizationError{Kind: kind, Reason: ErrUnknownEntityKind}
}

// NewMalformedPayloadError creates a NormalizationError for a payload that
// failed decoding or schema validation.
func NewMalformedPayloadError(kind EntityKind, detail string) *NormalizationError {
	return &NormalizationError{Kind: kind, Reason: ErrMalformedPayload, Detail: detail}
}

// MigrationError reports a failure inside one migration's lifecycle.
// Reason is ErrMirrorFailure or ErrBackfillStorage (or a wrapped storage
// error); the engine records Detail in the migration state's failure field.
type MigrationError struct {
	MigrationID string
	Phase       Phase
	Reason      error
	Detail      string
}

// Error implements the error interface.
func (e *MigrationError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("migration %s (%s): %v: %s", e.MigrationID, e.Phase, e.Reason, e.Detail)
	}
	return fmt.Sprintf("migration %s (%s): %v", e.MigrationID, e.Phase, e.Reason)
}

// Unwrap exposes the underlying reason for errors.Is matching.
func (e *MigrationError) Unwrap() error { return e.Reason }

// NewMigrationError creates a MigrationError for the given migration phase.
func NewMigrationError(id string, phase Phase, reason error, detail string) *MigrationError {
	return &MigrationError{MigrationID: id, Phase: phase, Reason: reason, Detail: detail}
}

// IsVersionConflict returns true if the error is a CAS conflict.
// Uses errors.Is to handle wrapped errors.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// IsTransient returns true if the error is worth retrying with backoff
// rather than quarantining.
func IsTransient(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}

// IsQuarantinable returns true if the error means the event can never
// succeed and must be dead-lettered instead of retried.
func IsQuarantinable(err error) bool {
	var ne *NormalizationError
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, ErrDependencyTimeout)
}
