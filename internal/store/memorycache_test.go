package store

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/roach88/loom/internal/graph"
)

func createTestCache(t *testing.T) *MemoryCache {
	t.Helper()
	c := NewMemoryCache()
	t.Cleanup(func() {
		if err := c.Close(); err != nil {
			t.Errorf("Close() failed: %v", err)
		}
	})
	return c
}

func TestMemoryCache_PutGetRoundTrip(t *testing.T) {
	c := createTestCache(t)
	ctx := context.Background()

	entry := graph.CacheEntry{
		Key:          "entity:user:alice",
		Value:        []byte(`{"name":"alice"}`),
		VersionStamp: 3,
		ExpiresAt:    testTime(time.Hour),
	}
	if err := c.Put(ctx, entry); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	got, err := c.Get(ctx, entry.Key)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got == nil {
		t.Fatal("Get() returned nil for stored key")
	}
	if !bytes.Equal(got.Value, entry.Value) {
		t.Errorf("Value = %q, want %q", got.Value, entry.Value)
	}
	if got.VersionStamp != 3 {
		t.Errorf("VersionStamp = %d, want 3", got.VersionStamp)
	}
	if !got.ExpiresAt.Equal(entry.ExpiresAt) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, entry.ExpiresAt)
	}
}

func TestMemoryCache_MissReturnsNilNil(t *testing.T) {
	c := createTestCache(t)

	got, err := c.Get(context.Background(), "entity:user:nobody")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got != nil {
		t.Errorf("Get() on absent key = %+v, want nil", got)
	}
}

func TestMemoryCache_ExpiredEntryDroppedOnGet(t *testing.T) {
	c := createTestCache(t)
	ctx := context.Background()

	clock := testTime(0)
	c.now = func() time.Time { return clock }

	entry := graph.CacheEntry{Key: "entity:user:alice", Value: []byte("x"), ExpiresAt: testTime(time.Minute)}
	if err := c.Put(ctx, entry); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	got, err := c.Get(ctx, entry.Key)
	if err != nil || got == nil {
		t.Fatalf("Get() before expiry = (%+v, %v), want hit", got, err)
	}

	clock = testTime(2 * time.Minute)
	got, err = c.Get(ctx, entry.Key)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got != nil {
		t.Errorf("Get() after expiry = %+v, want nil", got)
	}
	if c.Len() != 0 {
		t.Errorf("Len() after expired Get = %d, want 0", c.Len())
	}
}

func TestMemoryCache_ZeroExpiryNeverExpires(t *testing.T) {
	c := createTestCache(t)
	ctx := context.Background()

	c.now = func() time.Time { return testTime(1000 * time.Hour) }
	if err := c.Put(ctx, graph.CacheEntry{Key: "k", Value: []byte("v")}); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	got, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got == nil {
		t.Error("entry without ExpiresAt was evicted")
	}
}

func TestMemoryCache_DeleteRemovesEntry(t *testing.T) {
	c := createTestCache(t)
	ctx := context.Background()

	if err := c.Put(ctx, graph.CacheEntry{Key: "k", Value: []byte("v")}); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}

	got, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got != nil {
		t.Errorf("Get() after Delete = %+v, want nil", got)
	}

	// Deleting an absent key is a no-op, not an error.
	if err := c.Delete(ctx, "k"); err != nil {
		t.Errorf("Delete() on absent key failed: %v", err)
	}
}

func TestMemoryCache_SweepEvictsExpired(t *testing.T) {
	c := createTestCache(t)
	ctx := context.Background()

	clock := testTime(0)
	c.now = func() time.Time { return clock }

	if err := c.Put(ctx, graph.CacheEntry{Key: "stale", Value: []byte("v"), ExpiresAt: testTime(time.Minute)}); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := c.Put(ctx, graph.CacheEntry{Key: "live", Value: []byte("v"), ExpiresAt: testTime(time.Hour)}); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	clock = testTime(30 * time.Minute)
	c.sweep()

	c.mu.RLock()
	_, staleHeld := c.entries["stale"]
	_, liveHeld := c.entries["live"]
	c.mu.RUnlock()
	if staleHeld {
		t.Error("sweep left the expired entry in place")
	}
	if !liveHeld {
		t.Error("sweep evicted a live entry")
	}
}

func TestMemoryCache_LenSkipsExpired(t *testing.T) {
	c := createTestCache(t)
	ctx := context.Background()

	clock := testTime(0)
	c.now = func() time.Time { return clock }

	if err := c.Put(ctx, graph.CacheEntry{Key: "a", Value: []byte("v"), ExpiresAt: testTime(time.Minute)}); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := c.Put(ctx, graph.CacheEntry{Key: "b", Value: []byte("v")}); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	if got := c.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}
	clock = testTime(2 * time.Minute)
	if got := c.Len(); got != 1 {
		t.Errorf("Len() after expiry = %d, want 1", got)
	}
}
