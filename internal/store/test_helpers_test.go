package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/loom/internal/graph"
)

// createTestStore creates a file-backed SQLite store in a temp dir.
func createTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// testTime returns a fixed base instant plus an offset, so occurred_at
// comparisons in tests are stable.
func testTime(offset time.Duration) time.Time {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return base.Add(offset)
}

func newUserRecord(key string, version int64) graph.EntityRecord {
	return graph.EntityRecord{
		ID:         graph.NewEntityID(graph.KindUser, key),
		Version:    version,
		Fields:     graph.Fields{"id": key, "name": "name of " + key},
		OccurredAt: testTime(0),
		SourceID:   "hs-test",
	}
}

func newFollowRecord(fromKey, toKey string, version int64) graph.EntityRecord {
	from := graph.NewEntityID(graph.KindUser, fromKey)
	to := graph.NewEntityID(graph.KindUser, toKey)
	return graph.EntityRecord{
		ID:         graph.NewEntityID(graph.KindFollow, fromKey+":"+toKey),
		Version:    version,
		Fields:     graph.Fields{"from": from.String(), "to": to.String()},
		OccurredAt: testTime(time.Second),
		SourceID:   "hs-test",
		Edge:       &graph.EdgeRef{From: from, To: to},
	}
}

func newTagRecord(fromKey, toKey, label string, version int64) graph.EntityRecord {
	from := graph.NewEntityID(graph.KindUser, fromKey)
	to := graph.NewEntityID(graph.KindPost, toKey)
	return graph.EntityRecord{
		ID:         graph.NewEntityID(graph.KindTag, fromKey+":"+toKey+":"+label),
		Version:    version,
		Fields:     graph.Fields{"from": from.String(), "to": to.String(), "label": label},
		OccurredAt: testTime(2 * time.Second),
		SourceID:   "hs-test",
		Edge:       &graph.EdgeRef{From: from, To: to},
	}
}

// mustPut inserts or updates a record and fails the test on error.
func mustPut(t *testing.T, s GraphStore, rec graph.EntityRecord, expectVersion int64) {
	t.Helper()
	if err := s.PutEntity(context.Background(), rec, expectVersion, nil); err != nil {
		t.Fatalf("PutEntity(%s, expect %d) failed: %v", rec.ID, expectVersion, err)
	}
}
