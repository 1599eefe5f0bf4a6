// Package cachesync keeps the cache store trailing the graph store.
//
// The synchronizer consumes the applier's change records and, per entity
// kind, either writes the fresh state through to the cache or invalidates
// the cached key. Cache trouble is never allowed to fail the mutation path:
// the graph store is the source of truth and a missing cache entry is a
// miss, not an error. Updates are applied asynchronously by a single worker
// but stay ordered per entity through the superseding queue.
package cachesync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/roach88/loom/internal/graph"
	"github.com/roach88/loom/internal/metrics"
	"github.com/roach88/loom/internal/store"
)

// ErrClosed is returned by Sync after Close.
var ErrClosed = errors.New("cache synchronizer closed")

const (
	DefaultTTL           = 5 * time.Minute
	DefaultRetryAttempts = 3
	DefaultRetryBase     = 50 * time.Millisecond
)

// policy is how one change record reaches the cache. The values double as
// metric label values.
type policy string

const (
	policyWriteThrough policy = "write_through"
	policyInvalidate   policy = "invalidate"
)

// Synchronizer applies change records to a cache store.
type Synchronizer struct {
	cache  store.CacheStore
	logger *slog.Logger
	queue  *syncQueue

	writeThrough map[graph.EntityKind]bool
	defaultTTL   time.Duration
	kindTTL      map[graph.EntityKind]time.Duration

	retryAttempts int
	retryBase     time.Duration

	// test seams
	now  func() time.Time
	wait func(ctx context.Context, d time.Duration) error
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Synchronizer) { s.logger = l }
}

// WithWriteThroughKinds replaces the set of kinds cached write-through.
// Everything else is invalidated on write and repopulated on read.
func WithWriteThroughKinds(kinds ...graph.EntityKind) Option {
	return func(s *Synchronizer) {
		s.writeThrough = make(map[graph.EntityKind]bool, len(kinds))
		for _, k := range kinds {
			s.writeThrough[k] = true
		}
	}
}

// WithTTL sets the default entry TTL. Zero or negative means entries never
// expire.
func WithTTL(d time.Duration) Option {
	return func(s *Synchronizer) { s.defaultTTL = d }
}

// WithKindTTL overrides the TTL for one entity kind.
func WithKindTTL(kind graph.EntityKind, d time.Duration) Option {
	return func(s *Synchronizer) { s.kindTTL[kind] = d }
}

// WithRetry sets the per-record attempt budget and the base backoff delay.
func WithRetry(attempts int, base time.Duration) Option {
	return func(s *Synchronizer) {
		s.retryAttempts = attempts
		s.retryBase = base
	}
}

// New creates a Synchronizer writing to cache. Call Run on its own
// goroutine to start the worker, and Close to drain and stop it.
func New(cache store.CacheStore, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		cache:  cache,
		logger: slog.Default(),
		queue:  newSyncQueue(),
		writeThrough: map[graph.EntityKind]bool{
			graph.KindUser: true,
			graph.KindPost: true,
		},
		defaultTTL:    DefaultTTL,
		kindTTL:       make(map[graph.EntityKind]time.Duration),
		retryAttempts: DefaultRetryAttempts,
		retryBase:     DefaultRetryBase,
		now:           time.Now,
		wait:          sleepContext,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Sync enqueues records for the worker. It never blocks on cache I/O and
// returns ErrClosed only after Close.
func (s *Synchronizer) Sync(ctx context.Context, records []graph.ChangeRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, rec := range records {
		if !s.queue.Enqueue(rec) {
			return ErrClosed
		}
	}
	return nil
}

// Close stops accepting records. The worker drains what is queued and then
// Run returns.
func (s *Synchronizer) Close() {
	s.queue.Close()
}

// Run processes queued records until ctx is cancelled or the queue is
// closed and drained. Returns nil on a clean drain, ctx.Err() otherwise.
func (s *Synchronizer) Run(ctx context.Context) error {
	s.logger.Info("cache synchronizer starting")
	for {
		rec, ok := s.queue.TryDequeue()
		if ok {
			s.process(ctx, rec)
			s.queue.Done(rec.EntityID)
			continue
		}
		if s.queue.Closed() {
			s.logger.Info("cache synchronizer stopping: queue closed")
			return nil
		}
		select {
		case <-ctx.Done():
			s.logger.Info("cache synchronizer stopping: context cancelled")
			return ctx.Err()
		case <-s.queue.Wait():
		}
	}
}

// process applies one record with bounded retries. When a write-through
// exhausts its budget the key is invalidated instead, so readers see a miss
// rather than a version that never arrived.
func (s *Synchronizer) process(ctx context.Context, rec graph.ChangeRecord) {
	pol := s.policyFor(rec)
	for attempt := 1; attempt <= s.retryAttempts; attempt++ {
		if attempt > 1 {
			if err := s.wait(ctx, backoffDelay(s.retryBase, attempt-1)); err != nil {
				return
			}
		}
		err := s.applyOnce(ctx, rec, pol)
		if err == nil {
			metrics.CacheSync.WithLabelValues(string(pol), "ok").Inc()
			return
		}
		s.logger.Warn("cache update failed",
			"entity", rec.EntityID.String(),
			"version", rec.NewVersion,
			"policy", string(pol),
			"attempt", attempt,
			"error", err)
	}
	metrics.CacheSync.WithLabelValues(string(pol), "error").Inc()
	if pol == policyInvalidate {
		return
	}
	if err := s.cache.Delete(ctx, graph.EntityCacheKey(rec.EntityID)); err != nil {
		s.logger.Error("cache invalidation fallback failed",
			"entity", rec.EntityID.String(),
			"error", err)
		return
	}
	metrics.CacheSync.WithLabelValues(string(policyInvalidate), "fallback").Inc()
}

func (s *Synchronizer) policyFor(rec graph.ChangeRecord) policy {
	if rec.Operation == graph.OpDelete {
		return policyInvalidate
	}
	if s.writeThrough[rec.EntityID.Kind] {
		return policyWriteThrough
	}
	return policyInvalidate
}

func (s *Synchronizer) applyOnce(ctx context.Context, rec graph.ChangeRecord, pol policy) error {
	key := graph.EntityCacheKey(rec.EntityID)
	if pol == policyInvalidate {
		return s.cache.Delete(ctx, key)
	}
	value, err := graph.EncodeFields(rec.Fields)
	if err != nil {
		return err
	}
	return s.cache.Put(ctx, graph.CacheEntry{
		Key:          key,
		Value:        value,
		VersionStamp: rec.NewVersion,
		ExpiresAt:    s.expiry(rec.EntityID.Kind),
	})
}

func (s *Synchronizer) expiry(kind graph.EntityKind) time.Time {
	ttl := s.defaultTTL
	if d, ok := s.kindTTL[kind]; ok {
		ttl = d
	}
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// backoffDelay doubles from base per retry, capped at 32x base.
func backoffDelay(base time.Duration, retry int) time.Duration {
	d := base
	for i := 1; i < retry && d < 32*base; i++ {
		d *= 2
	}
	return d
}
