package watcher

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/loom/internal/graph"
)

// cursorPrefix marks the trailer line naming the cursor for the next poll.
const cursorPrefix = "cursor: "

// maxLineBytes bounds a single feed line. Payloads above this are a source
// bug, not a legitimate event.
const maxLineBytes = 1 << 20

// HTTPFeed polls a homeserver's events endpoint.
//
// Protocol: GET {base}/events/?cursor={cursor}&limit={limit} returns
// newline-delimited JSON events followed by a trailing "cursor: <token>"
// line. An empty body means no new events; the cursor then stays put.
type HTTPFeed struct {
	sourceID string
	base     *url.URL
	client   *http.Client
	logger   *slog.Logger
}

// HTTPFeedOption configures an HTTPFeed.
type HTTPFeedOption func(*HTTPFeed)

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(c *http.Client) HTTPFeedOption {
	return func(f *HTTPFeed) { f.client = c }
}

// WithFeedLogger sets the logger. Defaults to slog.Default().
func WithFeedLogger(l *slog.Logger) HTTPFeedOption {
	return func(f *HTTPFeed) { f.logger = l }
}

// NewHTTPFeed creates a feed client for one source. Events whose lines omit
// source_id are stamped with sourceID.
func NewHTTPFeed(sourceID, baseURL string, opts ...HTTPFeedOption) (*HTTPFeed, error) {
	if sourceID == "" {
		return nil, errors.New("feed: empty source id")
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("feed %s: invalid base url: %w", sourceID, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("feed %s: unsupported scheme %q", sourceID, base.Scheme)
	}
	f := &HTTPFeed{
		sourceID: sourceID,
		base:     base,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

func (f *HTTPFeed) Fetch(ctx context.Context, cursor string, limit int) (FeedPage, error) {
	u := *f.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/events/"
	q := url.Values{}
	q.Set("cursor", cursor)
	q.Set("limit", strconv.Itoa(limit))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return FeedPage{}, fmt.Errorf("feed %s: %w", f.sourceID, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return FeedPage{}, fmt.Errorf("feed %s: %w", f.sourceID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return FeedPage{}, fmt.Errorf("feed %s: unexpected status %d", f.sourceID, resp.StatusCode)
	}
	return f.parse(resp.Body, cursor)
}

// parse reads the line protocol. Lines that are neither the cursor trailer
// nor valid event JSON are logged and skipped; the pipeline quarantines bad
// events, but a line that cannot even carry a sequence token has nothing to
// quarantine under.
func (f *HTTPFeed) parse(body io.Reader, cursor string) (FeedPage, error) {
	page := FeedPage{NextCursor: cursor}
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if token, ok := strings.CutPrefix(line, cursorPrefix); ok {
			page.NextCursor = strings.TrimSpace(token)
			continue
		}
		var ev graph.RawEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			f.logger.Warn("skipping unparseable feed line",
				"source", f.sourceID,
				"error", err)
			continue
		}
		if ev.SourceID == "" {
			ev.SourceID = f.sourceID
		}
		page.Events = append(page.Events, ev)
	}
	if err := scanner.Err(); err != nil {
		return FeedPage{}, fmt.Errorf("feed %s: reading body: %w", f.sourceID, err)
	}
	return page, nil
}
