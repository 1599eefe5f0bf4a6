package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRawEvent(token string) RawEvent {
	return RawEvent{
		SourceID:      "hs-alpha",
		SequenceToken: token,
		OccurredAt:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Kind:          KindUser,
		Operation:     OpCreate,
		Payload:       []byte(`{"name":"alice"}`),
	}
}

func TestEventContentHashDeterminism(t *testing.T) {
	ev := testRawEvent("0001")

	h1, err := EventContentHash(ev)
	require.NoError(t, err)
	h2, err := EventContentHash(ev)
	require.NoError(t, err)

	assert.Equal(t, h1, h2, "EventContentHash must be deterministic")
	assert.Len(t, h1, 64, "SHA-256 hex is 64 characters")
}

func TestEventContentHashIgnoresSequenceToken(t *testing.T) {
	// A source that rotates and reuses tokens redelivers the same content
	// under a different token; the hash must still identify the duplicate.
	h1 := MustEventContentHash(testRawEvent("0001"))
	h2 := MustEventContentHash(testRawEvent("0917"))

	assert.Equal(t, h1, h2, "sequence token must not affect the content hash")
}

func TestEventContentHashChangesWithContent(t *testing.T) {
	base := testRawEvent("0001")

	differentPayload := base
	differentPayload.Payload = []byte(`{"name":"bob"}`)

	differentSource := base
	differentSource.SourceID = "hs-beta"

	differentOp := base
	differentOp.Operation = OpUpdate

	differentTime := base
	differentTime.OccurredAt = base.OccurredAt.Add(time.Second)

	h := MustEventContentHash(base)
	assert.NotEqual(t, h, MustEventContentHash(differentPayload))
	assert.NotEqual(t, h, MustEventContentHash(differentSource))
	assert.NotEqual(t, h, MustEventContentHash(differentOp))
	assert.NotEqual(t, h, MustEventContentHash(differentTime))
}

func TestIntentContentHashDeterminism(t *testing.T) {
	in := MutationIntent{
		TargetID:    NewEntityID(KindFollow, "alice:bob"),
		Operation:   OpCreate,
		FieldsToSet: Fields{"since": int64(1714564800)},
		CausalDependencies: []EntityID{
			NewEntityID(KindUser, "alice"),
			NewEntityID(KindUser, "bob"),
		},
		OccurredAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		SourceID:   "hs-alpha",
		Edge: &EdgeRef{
			From: NewEntityID(KindUser, "alice"),
			To:   NewEntityID(KindUser, "bob"),
		},
	}

	h1, err := IntentContentHash(in)
	require.NoError(t, err)
	h2, err := IntentContentHash(in)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestIntentContentHashDepOrderInvariance(t *testing.T) {
	alice := NewEntityID(KindUser, "alice")
	bob := NewEntityID(KindUser, "bob")
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	a := MutationIntent{
		TargetID:           NewEntityID(KindFollow, "alice:bob"),
		Operation:          OpCreate,
		CausalDependencies: []EntityID{alice, bob},
		OccurredAt:         at,
		SourceID:           "hs-alpha",
	}
	b := MutationIntent{
		TargetID:           NewEntityID(KindFollow, "alice:bob"),
		Operation:          OpCreate,
		CausalDependencies: []EntityID{bob, alice},
		OccurredAt:         at,
		SourceID:           "hs-alpha",
	}

	a.NormalizeDeps()
	b.NormalizeDeps()

	assert.True(t, a.Equal(b), "normalized intents must compare equal")
	assert.Equal(t, MustIntentContentHash(a), MustIntentContentHash(b))
}

func TestDomainSeparation(t *testing.T) {
	// The same canonical bytes under different domains must never collide.
	data := []byte(`{"x":1}`)
	assert.NotEqual(t, hashWithDomain(DomainEvent, data), hashWithDomain(DomainIntent, data))
}

func TestRelationKeyDeterminism(t *testing.T) {
	k1 := RelationKey("user:alice", "post:post-1", "golang")
	k2 := RelationKey("user:alice", "post:post-1", "golang")

	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 32)
	assert.NotEqual(t, k1, RelationKey("user:alice", "post:post-1", "rust"))
}

func TestRelationKeyPartBoundaries(t *testing.T) {
	// Length prefixing: shifting bytes between adjacent parts must change
	// the key, or two distinct relationships could alias.
	assert.NotEqual(t, RelationKey("user:a", "user:bc"), RelationKey("user:ab", "user:c"))
	assert.NotEqual(t, RelationKey("user:a", "user:b", "c"), RelationKey("user:a", "user:b:c"))
}
