package store

import (
	"context"
	"testing"
	"time"

	"github.com/roach88/loom/internal/graph"
)

func TestGetEntity_AbsentReturnsNilNil(t *testing.T) {
	s := createTestStore(t)

	rec, err := s.GetEntity(context.Background(), graph.NewEntityID(graph.KindUser, "ghost"))
	if err != nil {
		t.Fatalf("GetEntity() failed: %v", err)
	}
	if rec != nil {
		t.Errorf("rec = %+v, want nil", rec)
	}
}

func TestGetEntity_RoundTripsEdgeRef(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	follow := newFollowRecord("alice", "bob", 1)
	mustPut(t, s, follow, 0)

	rec, err := s.GetEntity(ctx, follow.ID)
	if err != nil {
		t.Fatalf("GetEntity() failed: %v", err)
	}
	if rec.Edge == nil {
		t.Fatal("edge ref not stored")
	}
	if rec.Edge.From != follow.Edge.From || rec.Edge.To != follow.Edge.To {
		t.Errorf("Edge = %+v, want %+v", rec.Edge, follow.Edge)
	}
	if !rec.Fields.Equal(follow.Fields) {
		t.Errorf("Fields = %v, want %v", rec.Fields, follow.Fields)
	}
}

func TestGetEntity_KeyWithColons(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rec := newUserRecord("did:key:abcdef", 1)
	mustPut(t, s, rec, 0)

	got, err := s.GetEntity(ctx, graph.NewEntityID(graph.KindUser, "did:key:abcdef"))
	if err != nil {
		t.Fatalf("GetEntity() failed: %v", err)
	}
	if got == nil {
		t.Fatal("entity with colons in key not found")
	}
	if got.ID.Key != "did:key:abcdef" {
		t.Errorf("Key = %q", got.ID.Key)
	}
}

func TestListEntitiesByCreation_PagesInSeqOrder(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c", "d"} {
		mustPut(t, s, newUserRecord(key, 1), 0)
	}

	page, err := s.ListEntitiesByCreation(ctx, []graph.EntityKind{graph.KindUser}, 0, 3)
	if err != nil {
		t.Fatalf("ListEntitiesByCreation() failed: %v", err)
	}
	if len(page) != 3 {
		t.Fatalf("page = %d entities, want 3", len(page))
	}
	for i, want := range []string{"a", "b", "c"} {
		if page[i].ID.Key != want {
			t.Errorf("page[%d] = %s, want %s", i, page[i].ID.Key, want)
		}
	}

	rest, err := s.ListEntitiesByCreation(ctx, []graph.EntityKind{graph.KindUser}, page[2].CreatedSeq, 3)
	if err != nil {
		t.Fatalf("ListEntitiesByCreation() second page failed: %v", err)
	}
	if len(rest) != 1 || rest[0].ID.Key != "d" {
		t.Errorf("second page = %+v, want just d", rest)
	}
}

func TestListEntitiesByCreation_FiltersKindAndTombstones(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	mustPut(t, s, newUserRecord("alice", 1), 0)
	mustPut(t, s, newFollowRecord("alice", "bob", 1), 0)
	mustPut(t, s, newUserRecord("carol", 1), 0)
	if err := s.DeleteEntity(ctx, graph.NewEntityID(graph.KindUser, "carol"), 1); err != nil {
		t.Fatalf("DeleteEntity() failed: %v", err)
	}

	users, err := s.ListEntitiesByCreation(ctx, []graph.EntityKind{graph.KindUser}, 0, 10)
	if err != nil {
		t.Fatalf("ListEntitiesByCreation() failed: %v", err)
	}
	if len(users) != 1 || users[0].ID.Key != "alice" {
		t.Errorf("users = %+v, want only alice", users)
	}

	both, err := s.ListEntitiesByCreation(ctx, []graph.EntityKind{graph.KindUser, graph.KindFollow}, 0, 10)
	if err != nil {
		t.Fatalf("ListEntitiesByCreation() failed: %v", err)
	}
	if len(both) != 2 {
		t.Errorf("user+follow page = %d entities, want 2", len(both))
	}

	none, err := s.ListEntitiesByCreation(ctx, nil, 0, 10)
	if err != nil {
		t.Fatalf("ListEntitiesByCreation(nil kinds) failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("nil kinds = %+v, want empty", none)
	}
}

func TestQueryEdges_ByEndpointAndLabel(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	mustPut(t, s, newFollowRecord("alice", "bob", 1), 0)
	mustPut(t, s, newFollowRecord("alice", "carol", 1), 0)
	mustPut(t, s, newFollowRecord("bob", "carol", 1), 0)
	mustPut(t, s, newTagRecord("alice", "post-1", "golang", 1), 0)
	mustPut(t, s, newTagRecord("bob", "post-1", "golang", 1), 0)
	mustPut(t, s, newTagRecord("alice", "post-2", "rust", 1), 0)

	from := graph.NewEntityID(graph.KindUser, "alice")
	edges, err := s.QueryEdges(ctx, EdgeQuery{Kind: graph.KindFollow, From: &from})
	if err != nil {
		t.Fatalf("QueryEdges(from) failed: %v", err)
	}
	if len(edges) != 2 {
		t.Errorf("alice follows %d, want 2", len(edges))
	}

	to := graph.NewEntityID(graph.KindUser, "carol")
	edges, err = s.QueryEdges(ctx, EdgeQuery{Kind: graph.KindFollow, To: &to})
	if err != nil {
		t.Fatalf("QueryEdges(to) failed: %v", err)
	}
	if len(edges) != 2 {
		t.Errorf("carol followers = %d, want 2", len(edges))
	}

	edges, err = s.QueryEdges(ctx, EdgeQuery{Kind: graph.KindTag, Label: "golang"})
	if err != nil {
		t.Fatalf("QueryEdges(label) failed: %v", err)
	}
	if len(edges) != 2 {
		t.Errorf("golang tags = %d, want 2", len(edges))
	}
	for _, e := range edges {
		if e.Kind != graph.KindTag {
			t.Errorf("edge kind = %q, want tag", e.Kind)
		}
	}

	post := graph.NewEntityID(graph.KindPost, "post-1")
	edges, err = s.QueryEdges(ctx, EdgeQuery{Kind: graph.KindTag, To: &post, Label: "rust"})
	if err != nil {
		t.Fatalf("QueryEdges(to+label) failed: %v", err)
	}
	if len(edges) != 0 {
		t.Errorf("post-1 rust tags = %+v, want none", edges)
	}
}

func TestQueryEdges_StableOrderAndLimit(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	mustPut(t, s, newFollowRecord("alice", "dan", 1), 0)
	mustPut(t, s, newFollowRecord("alice", "bob", 1), 0)
	mustPut(t, s, newFollowRecord("alice", "carol", 1), 0)

	from := graph.NewEntityID(graph.KindUser, "alice")
	first, err := s.QueryEdges(ctx, EdgeQuery{Kind: graph.KindFollow, From: &from})
	if err != nil {
		t.Fatalf("QueryEdges() failed: %v", err)
	}
	for i := 1; i < len(first); i++ {
		if graph.CompareEntityIDs(first[i-1].EntityID, first[i].EntityID) >= 0 {
			t.Errorf("edges out of id order: %s before %s", first[i-1].EntityID, first[i].EntityID)
		}
	}

	again, err := s.QueryEdges(ctx, EdgeQuery{Kind: graph.KindFollow, From: &from})
	if err != nil {
		t.Fatalf("QueryEdges() failed: %v", err)
	}
	if len(again) != len(first) {
		t.Fatalf("repeat query size changed: %d vs %d", len(again), len(first))
	}
	for i := range first {
		if first[i].EntityID != again[i].EntityID {
			t.Errorf("order not stable at %d: %s vs %s", i, first[i].EntityID, again[i].EntityID)
		}
	}

	limited, err := s.QueryEdges(ctx, EdgeQuery{Kind: graph.KindFollow, From: &from, Limit: 2})
	if err != nil {
		t.Fatalf("QueryEdges(limit) failed: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limited = %d edges, want 2", len(limited))
	}
}

func TestQueryEdges_ExcludesTombstonedEdges(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	follow := newFollowRecord("alice", "bob", 1)
	mustPut(t, s, follow, 0)
	if err := s.DeleteEntity(ctx, follow.ID, 1); err != nil {
		t.Fatalf("DeleteEntity() failed: %v", err)
	}

	from := graph.NewEntityID(graph.KindUser, "alice")
	edges, err := s.QueryEdges(ctx, EdgeQuery{Kind: graph.KindFollow, From: &from})
	if err != nil {
		t.Fatalf("QueryEdges() failed: %v", err)
	}
	if len(edges) != 0 {
		t.Errorf("tombstoned edge still listed: %+v", edges)
	}
}

func TestQueryEdges_RejectsInvalidQueries(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	from := graph.NewEntityID(graph.KindUser, "alice")

	cases := []struct {
		name string
		q    EdgeQuery
	}{
		{"node kind", EdgeQuery{Kind: graph.KindUser, From: &from}},
		{"unknown kind", EdgeQuery{Kind: "banana", From: &from}},
		{"label on follow", EdgeQuery{Kind: graph.KindFollow, From: &from, Label: "x"}},
		{"no filter at all", EdgeQuery{Kind: graph.KindFollow}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.QueryEdges(ctx, tc.q); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestLoadCursor_AbsentReturnsNilNil(t *testing.T) {
	s := createTestStore(t)

	cur, err := s.LoadCursor(context.Background(), "hs-missing")
	if err != nil {
		t.Fatalf("LoadCursor() failed: %v", err)
	}
	if cur != nil {
		t.Errorf("cur = %+v, want nil", cur)
	}
}

func TestListCursors_SortedBySource(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, src := range []string{"hs-c", "hs-a", "hs-b"} {
		if err := s.SaveCursor(ctx, graph.Cursor{SourceID: src, LastAppliedToken: "tok", LastAppliedAt: testTime(0)}); err != nil {
			t.Fatalf("SaveCursor(%s) failed: %v", src, err)
		}
	}

	cursors, err := s.ListCursors(ctx)
	if err != nil {
		t.Fatalf("ListCursors() failed: %v", err)
	}
	if len(cursors) != 3 {
		t.Fatalf("cursors = %d, want 3", len(cursors))
	}
	for i, want := range []string{"hs-a", "hs-b", "hs-c"} {
		if cursors[i].SourceID != want {
			t.Errorf("cursors[%d] = %s, want %s", i, cursors[i].SourceID, want)
		}
	}
}

func TestListQuarantine_NewestFirstWithSourceFilter(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for i, rec := range []graph.QuarantineRecord{
		{ID: "q-1", SourceID: "hs-a", SequenceToken: "t1", Reason: graph.QuarantineUnknownKind},
		{ID: "q-2", SourceID: "hs-b", SequenceToken: "t2", Reason: graph.QuarantineMalformedPayload},
		{ID: "q-3", SourceID: "hs-a", SequenceToken: "t3", Reason: graph.QuarantineDependencyTimeout},
	} {
		rec.QuarantinedAt = testTime(time.Duration(i) * time.Minute)
		if err := s.AddQuarantine(ctx, rec); err != nil {
			t.Fatalf("AddQuarantine(%s) failed: %v", rec.ID, err)
		}
	}

	all, err := s.ListQuarantine(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListQuarantine() failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("all = %d rows, want 3", len(all))
	}
	for i, want := range []string{"q-3", "q-2", "q-1"} {
		if all[i].ID != want {
			t.Errorf("all[%d] = %s, want %s (newest first)", i, all[i].ID, want)
		}
	}

	hsA, err := s.ListQuarantine(ctx, "hs-a", 10)
	if err != nil {
		t.Fatalf("ListQuarantine(hs-a) failed: %v", err)
	}
	if len(hsA) != 2 || hsA[0].ID != "q-3" || hsA[1].ID != "q-1" {
		t.Errorf("hs-a rows = %+v", hsA)
	}

	limited, err := s.ListQuarantine(ctx, "", 1)
	if err != nil {
		t.Fatalf("ListQuarantine(limit 1) failed: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != "q-3" {
		t.Errorf("limited = %+v, want just q-3", limited)
	}
}

func TestListMigrationStates_SortedByID(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"0002_b", "0001_a"} {
		st := graph.MigrationState{MigrationID: id, Phase: graph.PhasePending, StartedAt: testTime(0), PhaseStartedAt: testTime(0)}
		if err := s.SaveMigrationState(ctx, st); err != nil {
			t.Fatalf("SaveMigrationState(%s) failed: %v", id, err)
		}
	}

	states, err := s.ListMigrationStates(ctx)
	if err != nil {
		t.Fatalf("ListMigrationStates() failed: %v", err)
	}
	if len(states) != 2 || states[0].MigrationID != "0001_a" || states[1].MigrationID != "0002_b" {
		t.Errorf("states = %+v", states)
	}
}

func TestLoadMigrationState_AbsentReturnsNilNil(t *testing.T) {
	s := createTestStore(t)

	st, err := s.LoadMigrationState(context.Background(), "0099_never_ran")
	if err != nil {
		t.Fatalf("LoadMigrationState() failed: %v", err)
	}
	if st != nil {
		t.Errorf("st = %+v, want nil", st)
	}
}

func TestPendingMirrorIntents_OldestFirst(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	first := newUserRecord("alice", 1)
	if err := s.PutEntity(ctx, first, 0, []graph.MirrorIntent{{Repr: "mig-1", EntityID: first.ID, Version: 1}}); err != nil {
		t.Fatalf("PutEntity() failed: %v", err)
	}
	second := newUserRecord("bob", 1)
	if err := s.PutEntity(ctx, second, 0, []graph.MirrorIntent{{Repr: "mig-1", EntityID: second.ID, Version: 1}}); err != nil {
		t.Fatalf("PutEntity() failed: %v", err)
	}

	pending, err := s.PendingMirrorIntents(ctx, 1)
	if err != nil {
		t.Fatalf("PendingMirrorIntents() failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1 (limit)", len(pending))
	}
	if pending[0].EntityID != first.ID {
		t.Errorf("pending[0] = %s, want the older intent %s", pending[0].EntityID, first.ID)
	}
}

func TestGetRepresentation_AbsentReturnsNilNil(t *testing.T) {
	s := createTestStore(t)

	row, err := s.GetRepresentation(context.Background(), "mig-1", graph.NewEntityID(graph.KindUser, "ghost"))
	if err != nil {
		t.Fatalf("GetRepresentation() failed: %v", err)
	}
	if row != nil {
		t.Errorf("row = %+v, want nil", row)
	}
}
