// Package normalize turns raw source events into canonical mutation intents.
//
// Normalization is a pure function of the event: no I/O, no clock, no
// randomness. Identical RawEvent bytes always yield identical intents, which
// is what lets the dedup ledger fall back to content hashes when a source
// reuses sequence tokens after rotation.
//
// Dispatch over entity kinds is a closed capability table built at
// construction. The kind set is fixed at deploy time; an event naming a kind
// outside the table is quarantined by the caller, never guessed at.
package normalize

import (
	"bytes"
	"fmt"

	"github.com/roach88/loom/internal/graph"
	"github.com/roach88/loom/internal/schema"
)

// normalizeFunc maps one validated event of a single kind to its intents.
type normalizeFunc func(ev graph.RawEvent, fields graph.Fields) ([]graph.MutationIntent, error)

// Normalizer validates event payloads against the schema registry and
// derives mutation intents per entity kind. Safe for concurrent use.
type Normalizer struct {
	schemas *schema.Registry
	kinds   map[graph.EntityKind]normalizeFunc
}

// New builds a Normalizer over the loaded schema registry.
func New(schemas *schema.Registry) *Normalizer {
	return &Normalizer{
		schemas: schemas,
		kinds: map[graph.EntityKind]normalizeFunc{
			graph.KindUser:     normalizeUser,
			graph.KindPost:     normalizePost,
			graph.KindFollow:   normalizeEdge(graph.KindFollow),
			graph.KindTag:      normalizeEdge(graph.KindTag),
			graph.KindBookmark: normalizeEdge(graph.KindBookmark),
			graph.KindMute:     normalizeEdge(graph.KindMute),
		},
	}
}

// Normalize maps a raw event to its mutation intents.
//
// Create and update payloads are validated against the kind's schema before
// decoding. Deletes skip schema validation (the payload need only carry the
// identity fields) but still derive the target EntityID; a delete whose
// target cannot be derived is malformed, not silently dropped.
//
// Errors are *graph.NormalizationError wrapping ErrUnknownEntityKind or
// ErrMalformedPayload; both mean quarantine, never retry.
func (n *Normalizer) Normalize(ev graph.RawEvent) ([]graph.MutationIntent, error) {
	fn, ok := n.kinds[ev.Kind]
	if !ok {
		return nil, graph.NewUnknownKindError(ev.Kind)
	}
	if !ev.Operation.Valid() {
		return nil, graph.NewMalformedPayloadError(ev.Kind, fmt.Sprintf("unknown operation %q", ev.Operation))
	}
	if ev.SourceID == "" {
		return nil, graph.NewMalformedPayloadError(ev.Kind, "missing source_id")
	}
	if ev.OccurredAt.IsZero() {
		return nil, graph.NewMalformedPayloadError(ev.Kind, "missing occurred_at")
	}

	if ev.Operation != graph.OpDelete {
		if err := n.schemas.Validate(ev.Kind, ev.Payload); err != nil {
			return nil, graph.NewMalformedPayloadError(ev.Kind, err.Error())
		}
	}

	fields, err := decodePayload(ev)
	if err != nil {
		return nil, err
	}

	intents, err := fn(ev, fields)
	if err != nil {
		return nil, err
	}
	for i := range intents {
		intents[i].NormalizeDeps()
	}
	return intents, nil
}

// decodePayload parses the payload into canonical Fields. Floats and nulls
// are rejected here even when the schema was skipped for a delete.
func decodePayload(ev graph.RawEvent) (graph.Fields, error) {
	if len(bytes.TrimSpace(ev.Payload)) == 0 {
		return nil, graph.NewMalformedPayloadError(ev.Kind, "empty payload")
	}
	fields, err := graph.DecodeFields(ev.Payload)
	if err != nil {
		return nil, graph.NewMalformedPayloadError(ev.Kind, err.Error())
	}
	return fields, nil
}
