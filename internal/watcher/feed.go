package watcher

import (
	"context"
	"sync"

	"github.com/roach88/loom/internal/graph"
)

// FeedPage is one page of events from a source's feed, plus the cursor the
// next fetch should resume from.
type FeedPage struct {
	Events     []graph.RawEvent
	NextCursor string
}

// EventFeed is the inbound port to a source's resumable event feed.
//
// Fetch returns events strictly after cursor, at most limit of them, and
// the cursor for the next fetch. Delivery is at-least-once: after a
// reconnect a page may overlap events already delivered, and sequence
// tokens may repeat. The pipeline absorbs both.
type EventFeed interface {
	Fetch(ctx context.Context, cursor string, limit int) (FeedPage, error)
}

// MemoryFeed is an in-memory EventFeed used by tests and fixture seeding.
// Sequence tokens must sort lexically in delivery order (fixtures use
// zero-padded counters).
type MemoryFeed struct {
	mu     sync.Mutex
	events []graph.RawEvent
}

func NewMemoryFeed(events ...graph.RawEvent) *MemoryFeed {
	return &MemoryFeed{events: events}
}

// Append adds events to the tail of the feed.
func (f *MemoryFeed) Append(events ...graph.RawEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, events...)
}

func (f *MemoryFeed) Fetch(_ context.Context, cursor string, limit int) (FeedPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	page := FeedPage{NextCursor: cursor}
	for _, ev := range f.events {
		if ev.SequenceToken <= cursor {
			continue
		}
		page.Events = append(page.Events, ev)
		page.NextCursor = ev.SequenceToken
		if limit > 0 && len(page.Events) >= limit {
			break
		}
	}
	return page, nil
}
