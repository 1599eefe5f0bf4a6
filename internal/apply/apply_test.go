package apply

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/loom/internal/graph"
	"github.com/roach88/loom/internal/store"
)

func setupTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testApplier(t *testing.T) (*Applier, *store.SQLiteStore) {
	t.Helper()
	s := setupTestStore(t)
	a := New(s,
		WithDependencyRetry(3, time.Millisecond),
		WithConflictAttempts(3),
	)
	return a, s
}

func eventTime(offset time.Duration) time.Time {
	base := time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)
	return base.Add(offset)
}

func userIntent(key, name string, at time.Time) graph.MutationIntent {
	return graph.MutationIntent{
		TargetID:    graph.NewEntityID(graph.KindUser, key),
		Operation:   graph.OpCreate,
		FieldsToSet: graph.Fields{"id": key, "name": name},
		OccurredAt:  at,
		SourceID:    "hs-alpha",
	}
}

func deleteIntent(id graph.EntityID, at time.Time) graph.MutationIntent {
	return graph.MutationIntent{
		TargetID:   id,
		Operation:  graph.OpDelete,
		OccurredAt: at,
		SourceID:   "hs-alpha",
	}
}

func postIntent(key, author string, at time.Time) graph.MutationIntent {
	return graph.MutationIntent{
		TargetID:  graph.NewEntityID(graph.KindPost, key),
		Operation: graph.OpCreate,
		FieldsToSet: graph.Fields{
			"id":      key,
			"author":  "user:" + author,
			"content": "post " + key,
		},
		CausalDependencies: []graph.EntityID{graph.NewEntityID(graph.KindUser, author)},
		OccurredAt:         at,
		SourceID:           "hs-alpha",
	}
}

func followIntent(from, to string, op graph.Operation, at time.Time) graph.MutationIntent {
	fromID := graph.NewEntityID(graph.KindUser, from)
	toID := graph.NewEntityID(graph.KindUser, to)
	in := graph.MutationIntent{
		TargetID:   graph.NewEntityID(graph.KindFollow, graph.RelationKey(fromID.String(), toID.String())),
		Operation:  op,
		OccurredAt: at,
		SourceID:   "hs-alpha",
		Edge:       &graph.EdgeRef{From: fromID, To: toID},
	}
	if op != graph.OpDelete {
		in.FieldsToSet = graph.Fields{"from": fromID.String(), "to": toID.String()}
		in.CausalDependencies = []graph.EntityID{fromID, toID}
	}
	return in
}

func tagIntent(from string, target graph.EntityID, label string, op graph.Operation, at time.Time) graph.MutationIntent {
	fromID := graph.NewEntityID(graph.KindUser, from)
	in := graph.MutationIntent{
		TargetID:   graph.NewEntityID(graph.KindTag, graph.RelationKey(fromID.String(), target.String(), label)),
		Operation:  op,
		OccurredAt: at,
		SourceID:   "hs-alpha",
		Edge:       &graph.EdgeRef{From: fromID, To: target},
	}
	if op != graph.OpDelete {
		in.FieldsToSet = graph.Fields{"from": fromID.String(), "to": target.String(), "label": label}
		in.CausalDependencies = []graph.EntityID{fromID, target}
	}
	return in
}

func mustApply(t *testing.T, a *Applier, in graph.MutationIntent) []graph.ChangeRecord {
	t.Helper()
	records, err := a.Apply(context.Background(), in)
	require.NoError(t, err)
	return records
}

func TestApply_CreateAssignsVersionOne(t *testing.T) {
	a, s := testApplier(t)
	ctx := context.Background()

	records := mustApply(t, a, userIntent("alice", "Alice", eventTime(0)))
	require.Len(t, records, 1)

	change := records[0]
	assert.Equal(t, graph.OpCreate, change.Operation)
	assert.Equal(t, int64(0), change.PreviousVersion)
	assert.Equal(t, int64(1), change.NewVersion)
	assert.Equal(t, []string{"id", "name"}, change.ChangedFields)
	assert.Equal(t, "Alice", change.Fields["name"])

	got, err := s.GetEntity(ctx, graph.NewEntityID(graph.KindUser, "alice"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, "Alice", got.Fields["name"])
	assert.False(t, got.Deleted)
}

func TestApply_RedeliveryIsNoOp(t *testing.T) {
	a, s := testApplier(t)
	ctx := context.Background()

	in := userIntent("alice", "Alice", eventTime(0))
	mustApply(t, a, in)

	records := mustApply(t, a, in)
	assert.Empty(t, records, "redelivered intent must not produce changes")

	got, err := s.GetEntity(ctx, in.TargetID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version, "redelivery must not bump the version")
}

func TestApply_UpdateBumpsVersion(t *testing.T) {
	a, s := testApplier(t)
	ctx := context.Background()

	mustApply(t, a, userIntent("alice", "Alice", eventTime(0)))

	update := userIntent("alice", "Alice Cooper", eventTime(time.Minute))
	update.Operation = graph.OpUpdate
	records := mustApply(t, a, update)
	require.Len(t, records, 1)
	assert.Equal(t, graph.OpUpdate, records[0].Operation)
	assert.Equal(t, int64(1), records[0].PreviousVersion)
	assert.Equal(t, int64(2), records[0].NewVersion)
	assert.Equal(t, []string{"name"}, records[0].ChangedFields)

	got, err := s.GetEntity(ctx, update.TargetID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, "Alice Cooper", got.Fields["name"])
	assert.Equal(t, eventTime(time.Minute), got.OccurredAt)
}

func TestApply_LastWriterWins(t *testing.T) {
	t.Run("older event time loses", func(t *testing.T) {
		a, s := testApplier(t)
		mustApply(t, a, userIntent("alice", "Alice", eventTime(time.Hour)))

		late := userIntent("alice", "Stale Alice", eventTime(0))
		records := mustApply(t, a, late)
		assert.Empty(t, records)

		got, err := s.GetEntity(context.Background(), late.TargetID)
		require.NoError(t, err)
		assert.Equal(t, "Alice", got.Fields["name"])
		assert.Equal(t, int64(1), got.Version)
	})

	t.Run("tie from smaller source loses", func(t *testing.T) {
		a, s := testApplier(t)
		first := userIntent("alice", "Alice", eventTime(0))
		first.SourceID = "hs-beta"
		mustApply(t, a, first)

		tie := userIntent("alice", "Other Alice", eventTime(0))
		tie.SourceID = "hs-alpha"
		records := mustApply(t, a, tie)
		assert.Empty(t, records)

		got, err := s.GetEntity(context.Background(), tie.TargetID)
		require.NoError(t, err)
		assert.Equal(t, "Alice", got.Fields["name"])
	})

	t.Run("tie from larger source wins", func(t *testing.T) {
		a, s := testApplier(t)
		first := userIntent("alice", "Alice", eventTime(0))
		first.SourceID = "hs-beta"
		mustApply(t, a, first)

		tie := userIntent("alice", "Other Alice", eventTime(0))
		tie.SourceID = "hs-gamma"
		records := mustApply(t, a, tie)
		require.Len(t, records, 1)

		got, err := s.GetEntity(context.Background(), tie.TargetID)
		require.NoError(t, err)
		assert.Equal(t, "Other Alice", got.Fields["name"])
		assert.Equal(t, "hs-gamma", got.SourceID)
	})
}

func TestApply_DeleteTombstones(t *testing.T) {
	a, s := testApplier(t)
	ctx := context.Background()
	id := graph.NewEntityID(graph.KindUser, "alice")

	mustApply(t, a, userIntent("alice", "Alice", eventTime(0)))

	records := mustApply(t, a, deleteIntent(id, eventTime(time.Minute)))
	require.Len(t, records, 1)
	assert.Equal(t, graph.OpDelete, records[0].Operation)
	assert.Equal(t, int64(2), records[0].NewVersion)
	assert.Nil(t, records[0].Fields, "delete records carry no state")
	assert.Equal(t, []string{"id", "name"}, records[0].ChangedFields)

	got, err := s.GetEntity(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Deleted)
	assert.Equal(t, int64(2), got.Version)
	assert.Empty(t, got.Fields)

	// Redelivered delete and delete of an absent entity are both no-ops.
	assert.Empty(t, mustApply(t, a, deleteIntent(id, eventTime(time.Minute))))
	assert.Empty(t, mustApply(t, a, deleteIntent(graph.NewEntityID(graph.KindUser, "ghost"), eventTime(0))))
}

func TestApply_StaleDeleteIgnored(t *testing.T) {
	a, s := testApplier(t)
	id := graph.NewEntityID(graph.KindUser, "alice")

	mustApply(t, a, userIntent("alice", "Alice", eventTime(time.Hour)))

	records := mustApply(t, a, deleteIntent(id, eventTime(0)))
	assert.Empty(t, records)

	got, err := s.GetEntity(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, got.Deleted)
}

func TestApply_UpdateRevivesTombstone(t *testing.T) {
	a, s := testApplier(t)
	ctx := context.Background()
	id := graph.NewEntityID(graph.KindUser, "alice")

	mustApply(t, a, userIntent("alice", "Alice", eventTime(0)))
	mustApply(t, a, deleteIntent(id, eventTime(time.Minute)))

	revive := userIntent("alice", "Alice Again", eventTime(2*time.Minute))
	records := mustApply(t, a, revive)
	require.Len(t, records, 1)
	assert.Equal(t, graph.OpCreate, records[0].Operation, "resurrection reads as a create downstream")
	assert.Equal(t, int64(3), records[0].NewVersion)

	got, err := s.GetEntity(ctx, id)
	require.NoError(t, err)
	assert.False(t, got.Deleted)
	assert.Equal(t, "Alice Again", got.Fields["name"])
}

func TestApply_DependencyTimeout(t *testing.T) {
	a, s := testApplier(t)
	ctx := context.Background()

	in := postIntent("alice/0001", "alice", eventTime(0))
	_, err := a.Apply(ctx, in)
	require.Error(t, err)
	assert.ErrorIs(t, err, graph.ErrDependencyTimeout)
	assert.True(t, graph.IsQuarantinable(err))
	assert.Contains(t, err.Error(), "user:alice")

	got, err := s.GetEntity(ctx, in.TargetID)
	require.NoError(t, err)
	assert.Nil(t, got, "held intent must not leave partial state behind")
}

func TestApply_DependencyArrivesDuringHold(t *testing.T) {
	a, s := testApplier(t)

	var waits int
	a.wait = func(ctx context.Context, d time.Duration) error {
		waits++
		if waits == 1 {
			author := graph.EntityRecord{
				ID:         graph.NewEntityID(graph.KindUser, "alice"),
				Version:    1,
				Fields:     graph.Fields{"id": "alice", "name": "Alice"},
				OccurredAt: eventTime(0),
				SourceID:   "hs-alpha",
			}
			require.NoError(t, s.PutEntity(ctx, author, 0, nil))
		}
		return nil
	}

	records := mustApply(t, a, postIntent("alice/0001", "alice", eventTime(time.Minute)))
	assert.Equal(t, 1, waits)
	// Post create plus the post_count adjustment on the author.
	require.Len(t, records, 2)
	assert.Equal(t, graph.NewEntityID(graph.KindPost, "alice/0001"), records[0].EntityID)
	assert.Equal(t, graph.NewEntityID(graph.KindUser, "alice"), records[1].EntityID)
}

func TestApply_FollowMaintainsFollowCounts(t *testing.T) {
	a, s := testApplier(t)
	ctx := context.Background()
	alice := graph.NewEntityID(graph.KindUser, "alice")
	bob := graph.NewEntityID(graph.KindUser, "bob")

	mustApply(t, a, userIntent("alice", "Alice", eventTime(0)))
	mustApply(t, a, userIntent("bob", "Bob", eventTime(0)))

	follow := followIntent("alice", "bob", graph.OpCreate, eventTime(time.Minute))
	records := mustApply(t, a, follow)
	require.Len(t, records, 3)
	assert.Equal(t, follow.TargetID, records[0].EntityID)
	assert.Equal(t, []string{"following_count"}, records[1].ChangedFields)
	assert.Equal(t, []string{"followers_count"}, records[2].ChangedFields)

	gotAlice, err := s.GetEntity(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(1), gotAlice.Fields["following_count"])
	gotBob, err := s.GetEntity(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, int64(1), gotBob.Fields["followers_count"])

	// Redelivery changes nothing, counters included.
	assert.Empty(t, mustApply(t, a, follow))
	gotAlice, err = s.GetEntity(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(1), gotAlice.Fields["following_count"])

	unfollow := followIntent("alice", "bob", graph.OpDelete, eventTime(2*time.Minute))
	records = mustApply(t, a, unfollow)
	require.Len(t, records, 3)

	gotAlice, err = s.GetEntity(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(0), gotAlice.Fields["following_count"])
	gotBob, err = s.GetEntity(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, int64(0), gotBob.Fields["followers_count"])

	// A second delete of the same follow touches nothing.
	assert.Empty(t, mustApply(t, a, unfollow))
}

func TestApply_PostCountsOnAuthor(t *testing.T) {
	a, s := testApplier(t)
	ctx := context.Background()
	alice := graph.NewEntityID(graph.KindUser, "alice")

	mustApply(t, a, userIntent("alice", "Alice", eventTime(0)))

	mustApply(t, a, postIntent("alice/0001", "alice", eventTime(time.Minute)))
	mustApply(t, a, postIntent("alice/0002", "alice", eventTime(2*time.Minute)))

	got, err := s.GetEntity(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Fields["post_count"])
	// Counter writes keep the last real event's provenance on the row.
	assert.Equal(t, eventTime(0), got.OccurredAt)

	mustApply(t, a, deleteIntent(graph.NewEntityID(graph.KindPost, "alice/0001"), eventTime(3*time.Minute)))
	got, err = s.GetEntity(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Fields["post_count"])
}

func TestApply_TagCountsSurviveTargetUpdate(t *testing.T) {
	a, s := testApplier(t)
	ctx := context.Background()
	postID := graph.NewEntityID(graph.KindPost, "alice/0001")

	mustApply(t, a, userIntent("alice", "Alice", eventTime(0)))
	mustApply(t, a, postIntent("alice/0001", "alice", eventTime(time.Minute)))
	mustApply(t, a, tagIntent("alice", postID, "golang", graph.OpCreate, eventTime(2*time.Minute)))

	got, err := s.GetEntity(ctx, postID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Fields["tag_count"])

	// A later full-state edit of the post does not know about the counter,
	// yet must not wipe it.
	edit := postIntent("alice/0001", "alice", eventTime(3*time.Minute))
	edit.Operation = graph.OpUpdate
	edit.FieldsToSet["content"] = "edited"
	records := mustApply(t, a, edit)
	require.Len(t, records, 1)

	got, err = s.GetEntity(ctx, postID)
	require.NoError(t, err)
	assert.Equal(t, "edited", got.Fields["content"])
	assert.Equal(t, int64(1), got.Fields["tag_count"])
}

func TestApply_CounterSkippedWhenTargetTombstoned(t *testing.T) {
	a, s := testApplier(t)
	ctx := context.Background()
	alice := graph.NewEntityID(graph.KindUser, "alice")
	bob := graph.NewEntityID(graph.KindUser, "bob")

	mustApply(t, a, userIntent("alice", "Alice", eventTime(0)))
	mustApply(t, a, userIntent("bob", "Bob", eventTime(0)))
	mustApply(t, a, followIntent("alice", "bob", graph.OpCreate, eventTime(time.Minute)))
	mustApply(t, a, deleteIntent(bob, eventTime(2*time.Minute)))

	gotBob, err := s.GetEntity(ctx, bob)
	require.NoError(t, err)
	bobVersion := gotBob.Version

	records := mustApply(t, a, followIntent("alice", "bob", graph.OpDelete, eventTime(3*time.Minute)))
	// Follow tombstone plus alice's decrement; bob is skipped.
	require.Len(t, records, 2)
	assert.Equal(t, alice, records[1].EntityID)

	gotAlice, err := s.GetEntity(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(0), gotAlice.Fields["following_count"])
	gotBob, err = s.GetEntity(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, bobVersion, gotBob.Version, "tombstoned counter target must stay untouched")
}

func TestAdjustCounter_ClampsAtZero(t *testing.T) {
	a, s := testApplier(t)
	ctx := context.Background()
	alice := graph.NewEntityID(graph.KindUser, "alice")

	mustApply(t, a, userIntent("alice", "Alice", eventTime(0)))

	change, err := a.adjustCounter(ctx, counterAdjustment{id: alice, field: "following_count"}, -1)
	require.NoError(t, err)
	assert.Nil(t, change, "decrementing an absent counter is a no-op, not a negative count")

	change, err = a.adjustCounter(ctx, counterAdjustment{id: alice, field: "following_count"}, +1)
	require.NoError(t, err)
	require.NotNil(t, change)
	assert.Equal(t, int64(1), change.Fields["following_count"])

	got, err := s.GetEntity(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Fields["following_count"])
}

// conflictStore fails the first n PutEntity calls with a version conflict,
// simulating a racing writer.
type conflictStore struct {
	store.GraphStore
	conflicts int
	calls     int
}

func (c *conflictStore) PutEntity(ctx context.Context, rec graph.EntityRecord, expectVersion int64, intents []graph.MirrorIntent) error {
	c.calls++
	if c.conflicts > 0 {
		c.conflicts--
		return fmt.Errorf("injected: %w", graph.ErrVersionConflict)
	}
	return c.GraphStore.PutEntity(ctx, rec, expectVersion, intents)
}

func TestApply_VersionConflictRetries(t *testing.T) {
	s := setupTestStore(t)
	cs := &conflictStore{GraphStore: s, conflicts: 1}
	a := New(cs, WithConflictAttempts(3))
	ctx := context.Background()

	records, err := a.Apply(ctx, userIntent("alice", "Alice", eventTime(0)))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 2, cs.calls, "one conflict, one successful retry")

	got, err := s.GetEntity(ctx, graph.NewEntityID(graph.KindUser, "alice"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
}

func TestApply_VersionConflictExhaustsRetries(t *testing.T) {
	s := setupTestStore(t)
	cs := &conflictStore{GraphStore: s, conflicts: 100}
	a := New(cs, WithConflictAttempts(2))

	_, err := a.Apply(context.Background(), userIntent("alice", "Alice", eventTime(0)))
	require.Error(t, err)
	assert.True(t, graph.IsVersionConflict(err))
	assert.Equal(t, 2, cs.calls)
}

// recordingMirror captures mirrored changes, optionally failing every call.
type recordingMirror struct {
	repr  string
	kinds []graph.EntityKind
	fail  bool
	got   []graph.ChangeRecord
}

func (m *recordingMirror) Repr() string              { return m.repr }
func (m *recordingMirror) Kinds() []graph.EntityKind { return m.kinds }

func (m *recordingMirror) MirrorChange(ctx context.Context, rec graph.ChangeRecord) error {
	if m.fail {
		return errors.New("mirror down")
	}
	m.got = append(m.got, rec)
	return nil
}

func TestApply_MirrorObservesCommittedChanges(t *testing.T) {
	a, s := testApplier(t)
	ctx := context.Background()

	m := &recordingMirror{repr: "mig-1", kinds: []graph.EntityKind{graph.KindUser}}
	a.RegisterMirror(m)

	mustApply(t, a, userIntent("alice", "Alice", eventTime(0)))
	require.Len(t, m.got, 1)
	assert.Equal(t, int64(1), m.got[0].NewVersion)

	// Accepted mirror writes clear their write-ahead intents.
	pending, err := s.PendingMirrorIntents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// A post create is outside the mirror's kinds, but the post_count
	// adjustment it triggers on the author is not.
	mustApply(t, a, postIntent("alice/0001", "alice", eventTime(time.Minute)))
	require.Len(t, m.got, 2)
	assert.Equal(t, graph.NewEntityID(graph.KindUser, "alice"), m.got[1].EntityID)
	assert.Equal(t, []string{"post_count"}, m.got[1].ChangedFields)

	a.UnregisterMirror("mig-1")
	update := userIntent("alice", "Alice Cooper", eventTime(2*time.Minute))
	update.Operation = graph.OpUpdate
	mustApply(t, a, update)
	assert.Len(t, m.got, 2, "unregistered mirror must not see further changes")
}

func TestApply_FailingMirrorLeavesIntentPending(t *testing.T) {
	a, s := testApplier(t)
	ctx := context.Background()

	m := &recordingMirror{repr: "mig-1", kinds: []graph.EntityKind{graph.KindUser}, fail: true}
	a.RegisterMirror(m)

	records, err := a.Apply(ctx, userIntent("alice", "Alice", eventTime(0)))
	require.NoError(t, err, "mirror trouble must not fail the primary write")
	require.Len(t, records, 1)

	got, err := s.GetEntity(ctx, graph.NewEntityID(graph.KindUser, "alice"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)

	pending, err := s.PendingMirrorIntents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "mig-1", pending[0].Repr)
	assert.Equal(t, got.ID, pending[0].EntityID)
	assert.Equal(t, int64(1), pending[0].Version)
}

func TestApply_RejectsInvalidIntents(t *testing.T) {
	a, _ := testApplier(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		mutate  func(*graph.MutationIntent)
		wantErr string
	}{
		{"zero target", func(in *graph.MutationIntent) { in.TargetID = graph.EntityID{} }, "no target"},
		{"invalid operation", func(in *graph.MutationIntent) { in.Operation = "upsert" }, "invalid operation"},
		{"missing source", func(in *graph.MutationIntent) { in.SourceID = "" }, "no source"},
		{"zero event time", func(in *graph.MutationIntent) { in.OccurredAt = time.Time{} }, "no event time"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := userIntent("alice", "Alice", eventTime(0))
			tt.mutate(&in)
			_, err := a.Apply(ctx, in)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
