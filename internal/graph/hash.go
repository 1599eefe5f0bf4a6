package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainEvent    = "loom/event/v1"
	DomainIntent   = "loom/intent/v1"
	DomainRelation = "loom/relation/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte (0x00) separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// EventContentHash computes the content-addressed identity of a raw event.
// The sequence token is deliberately excluded: the hash identifies what the
// event says, not where in the feed it arrived, so a source that rotates and
// reuses tokens still dedupes correctly on redelivery of the same content.
func EventContentHash(ev RawEvent) (string, error) {
	payloadDigest := sha256.Sum256(ev.Payload)
	obj := Fields{
		"source_id":      ev.SourceID,
		"entity_kind":    string(ev.Kind),
		"operation":      string(ev.Operation),
		"occurred_at_ns": ev.OccurredAt.UnixNano(),
		"payload_sha256": hex.EncodeToString(payloadDigest[:]),
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("EventContentHash: failed to marshal: %w", err)
	}

	return hashWithDomain(DomainEvent, canonical), nil
}

// IntentContentHash computes the content-addressed identity of a mutation
// intent. Identical intents (same target, operation, fields, dependencies,
// provenance) hash identically regardless of construction order.
func IntentContentHash(in MutationIntent) (string, error) {
	deps := make([]any, len(in.CausalDependencies))
	for i, d := range in.CausalDependencies {
		deps[i] = d.String()
	}
	obj := Fields{
		"target_id":      in.TargetID.String(),
		"operation":      string(in.Operation),
		"fields_to_set":  in.FieldsToSet,
		"deps":           deps,
		"occurred_at_ns": in.OccurredAt.UnixNano(),
		"source_id":      in.SourceID,
	}
	if in.Edge != nil {
		obj["edge_from"] = in.Edge.From.String()
		obj["edge_to"] = in.Edge.To.String()
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("IntentContentHash: failed to marshal: %w", err)
	}

	return hashWithDomain(DomainIntent, canonical), nil
}

// RelationKey derives the natural key of a relationship entity from its
// identifying parts (owner, target, and for tags the label). Parts are
// length-prefixed before hashing, so no two distinct part lists produce the
// same digest input even when a part contains another part's separator.
// The digest is truncated to 32 hex chars.
func RelationKey(parts ...string) string {
	h := sha256.New()
	h.Write([]byte(DomainRelation))
	h.Write([]byte{0x00})
	for _, p := range parts {
		fmt.Fprintf(h, "%d:", len(p))
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// MustEventContentHash is like EventContentHash but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustEventContentHash(ev RawEvent) string {
	h, err := EventContentHash(ev)
	if err != nil {
		panic(err)
	}
	return h
}

// MustIntentContentHash is like IntentContentHash but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustIntentContentHash(in MutationIntent) string {
	h, err := IntentContentHash(in)
	if err != nil {
		panic(err)
	}
	return h
}
