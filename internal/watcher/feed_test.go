package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/loom/internal/graph"
)

func feedTime(offset time.Duration) time.Time {
	base := time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)
	return base.Add(offset)
}

func feedEvent(token, key string) graph.RawEvent {
	return graph.RawEvent{
		SourceID:      "hs-alpha",
		SequenceToken: token,
		OccurredAt:    feedTime(0),
		Kind:          graph.KindUser,
		Operation:     graph.OpCreate,
		Payload:       []byte(fmt.Sprintf(`{"id":%q,"name":"User %s"}`, key, key)),
	}
}

func TestMemoryFeedPagesInOrder(t *testing.T) {
	feed := NewMemoryFeed(
		feedEvent("0001", "a"),
		feedEvent("0002", "b"),
		feedEvent("0003", "c"),
	)

	page, err := feed.Fetch(context.Background(), "", 2)
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	assert.Equal(t, "0001", page.Events[0].SequenceToken)
	assert.Equal(t, "0002", page.Events[1].SequenceToken)
	assert.Equal(t, "0002", page.NextCursor)

	page, err = feed.Fetch(context.Background(), page.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, "0003", page.Events[0].SequenceToken)
	assert.Equal(t, "0003", page.NextCursor)

	page, err = feed.Fetch(context.Background(), page.NextCursor, 2)
	require.NoError(t, err)
	assert.Empty(t, page.Events)
	assert.Equal(t, "0003", page.NextCursor)
}

func TestMemoryFeedAppendExtendsStream(t *testing.T) {
	feed := NewMemoryFeed(feedEvent("0001", "a"))

	page, err := feed.Fetch(context.Background(), "", 10)
	require.NoError(t, err)
	require.Len(t, page.Events, 1)

	feed.Append(feedEvent("0002", "b"))

	page, err = feed.Fetch(context.Background(), page.NextCursor, 10)
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, "0002", page.Events[0].SequenceToken)
}

// feedHandler serves the line protocol: one JSON event per line, then an
// optional "cursor: <token>" trailer.
func feedHandler(t *testing.T, events []graph.RawEvent, next string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/events/", r.URL.Path)
		for _, ev := range events {
			line, err := json.Marshal(ev)
			require.NoError(t, err)
			fmt.Fprintf(w, "%s\n", line)
		}
		if next != "" {
			fmt.Fprintf(w, "cursor: %s\n", next)
		}
	}
}

func TestHTTPFeedFetch(t *testing.T) {
	events := []graph.RawEvent{feedEvent("0001", "a"), feedEvent("0002", "b")}
	var gotCursor, gotLimit string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCursor = r.URL.Query().Get("cursor")
		gotLimit = r.URL.Query().Get("limit")
		feedHandler(t, events, "0002")(w, r)
	}))
	defer srv.Close()

	feed, err := NewHTTPFeed("hs-alpha", srv.URL)
	require.NoError(t, err)

	page, err := feed.Fetch(context.Background(), "0000", 50)
	require.NoError(t, err)
	assert.Equal(t, "0000", gotCursor)
	assert.Equal(t, "50", gotLimit)
	require.Len(t, page.Events, 2)
	assert.Equal(t, "0001", page.Events[0].SequenceToken)
	assert.Equal(t, "0002", page.NextCursor)
}

func TestHTTPFeedStampsSourceID(t *testing.T) {
	ev := feedEvent("0001", "a")
	ev.SourceID = ""
	srv := httptest.NewServer(feedHandler(t, []graph.RawEvent{ev}, ""))
	defer srv.Close()

	feed, err := NewHTTPFeed("hs-beta", srv.URL)
	require.NoError(t, err)

	page, err := feed.Fetch(context.Background(), "", 10)
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, "hs-beta", page.Events[0].SourceID)
}

func TestHTTPFeedSkipsUnparseableLines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "not json at all")
		line, err := json.Marshal(feedEvent("0002", "b"))
		require.NoError(t, err)
		fmt.Fprintf(w, "%s\n", line)
		fmt.Fprintln(w, "cursor: 0002")
	}))
	defer srv.Close()

	feed, err := NewHTTPFeed("hs-alpha", srv.URL)
	require.NoError(t, err)

	page, err := feed.Fetch(context.Background(), "", 10)
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, "0002", page.Events[0].SequenceToken)
	assert.Equal(t, "0002", page.NextCursor)
}

func TestHTTPFeedKeepsCursorWhenNoTrailer(t *testing.T) {
	srv := httptest.NewServer(feedHandler(t, nil, ""))
	defer srv.Close()

	feed, err := NewHTTPFeed("hs-alpha", srv.URL)
	require.NoError(t, err)

	page, err := feed.Fetch(context.Background(), "0042", 10)
	require.NoError(t, err)
	assert.Empty(t, page.Events)
	assert.Equal(t, "0042", page.NextCursor)
}

func TestHTTPFeedRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "downstream unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	feed, err := NewHTTPFeed("hs-alpha", srv.URL)
	require.NoError(t, err)

	_, err = feed.Fetch(context.Background(), "", 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestHTTPFeedHonorsContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	feed, err := NewHTTPFeed("hs-alpha", srv.URL)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = feed.Fetch(ctx, "", 10)
	require.Error(t, err)
}

func TestNewHTTPFeedValidatesURL(t *testing.T) {
	_, err := NewHTTPFeed("hs-alpha", "ftp://example.com")
	require.Error(t, err)

	_, err = NewHTTPFeed("hs-alpha", "://bad")
	require.Error(t, err)

	_, err = NewHTTPFeed("", "http://example.com")
	require.Error(t, err)
}
