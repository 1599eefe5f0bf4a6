// Package watcher drives ingestion: per-source workers poll event feeds,
// settle every event through the normalizer and applier, and checkpoint
// cursors, while the orchestrator schedules workers across sources.
//
// Within a source, events are processed strictly in delivery order and a
// batch's cursor is persisted only once every event in it has been durably
// applied or explicitly quarantined. A crash redelivers the whole batch;
// applier idempotence makes the replay harmless. Sources never affect each
// other: a degraded source dead-letters its poisoned batch and the rest of
// the fleet keeps streaming.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/loom/internal/graph"
	"github.com/roach88/loom/internal/metrics"
	"github.com/roach88/loom/internal/store"
)

// SourceState is a worker's position in its connection lifecycle.
type SourceState string

const (
	StateDisconnected SourceState = "disconnected"
	StateStreaming    SourceState = "streaming"
	StateBackoff      SourceState = "backoff"
	StateDegraded     SourceState = "degraded"
)

// ErrBatchEscalated reports that a batch exhausted its retry budget and was
// dead-lettered whole; the cursor has advanced past it and the source is
// marked degraded until a clean cycle.
var ErrBatchEscalated = errors.New("batch escalated to quarantine")

// errEventUnrecoverable marks an event the worker cannot settle by retrying.
// The batch escalates past it into quarantine. Settle errors without this
// mark are storage trouble: the batch stays unsettled and redelivers whole.
var errEventUnrecoverable = errors.New("unrecoverable event")

// DefaultEventsLimit is the per-poll page size when none is configured.
const DefaultEventsLimit = 1000

// Narrow views of the downstream pipeline, satisfied by
// normalize.Normalizer, apply.Applier, and cachesync.Synchronizer.
type (
	Normalizer interface {
		Normalize(ev graph.RawEvent) ([]graph.MutationIntent, error)
	}
	Applier interface {
		Apply(ctx context.Context, in graph.MutationIntent) ([]graph.ChangeRecord, error)
	}
	Synchronizer interface {
		Sync(ctx context.Context, records []graph.ChangeRecord) error
	}
)

// Pipeline bundles the stages a source worker drives.
type Pipeline struct {
	Store        store.GraphStore
	Normalizer   Normalizer
	Applier      Applier
	Synchronizer Synchronizer
}

func (p Pipeline) validate() error {
	switch {
	case p.Store == nil:
		return errors.New("pipeline: nil store")
	case p.Normalizer == nil:
		return errors.New("pipeline: nil normalizer")
	case p.Applier == nil:
		return errors.New("pipeline: nil applier")
	case p.Synchronizer == nil:
		return errors.New("pipeline: nil synchronizer")
	}
	return nil
}

// Backoff is the retry schedule for transient failures: exponential from
// Base, capped at Cap, with half-width jitter, at most MaxAttempts tries.
type Backoff struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = 500 * time.Millisecond
	}
	if b.Cap <= 0 {
		b.Cap = 30 * time.Second
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = 5
	}
	return b
}

// delay returns the jittered delay before the given 1-based retry.
func (b Backoff) delay(attempt int) time.Duration {
	if attempt > 16 {
		attempt = 16
	}
	d := b.Base << (attempt - 1)
	if d <= 0 || d > b.Cap {
		d = b.Cap
	}
	half := d / 2
	return half + rand.N(half+1)
}

// SourceConfig describes one source worker.
type SourceConfig struct {
	SourceID    string
	Feed        EventFeed
	EventsLimit int
	Backoff     Backoff
}

// SourceWorker ingests one source's feed. Methods are safe for concurrent
// use, but polls for a single source must not run concurrently with each
// other; the orchestrator guarantees that.
type SourceWorker struct {
	id      string
	feed    EventFeed
	limit   int
	backoff Backoff

	store store.GraphStore
	norm  Normalizer
	apply Applier
	sync  Synchronizer

	logger *slog.Logger
	newID  func() string

	mu       sync.Mutex
	state    SourceState
	failures int

	// wait is swapped out in tests so retries don't sleep.
	wait func(ctx context.Context, d time.Duration) error
}

// SourceOption configures a SourceWorker.
type SourceOption func(*SourceWorker)

// WithSourceLogger sets the logger. Defaults to slog.Default().
func WithSourceLogger(l *slog.Logger) SourceOption {
	return func(w *SourceWorker) { w.logger = l }
}

// WithIDGenerator replaces the quarantine-record id generator (UUIDv7).
func WithIDGenerator(fn func() string) SourceOption {
	return func(w *SourceWorker) { w.newID = fn }
}

// NewSourceWorker creates a worker for cfg driving p.
func NewSourceWorker(cfg SourceConfig, p Pipeline, opts ...SourceOption) (*SourceWorker, error) {
	if cfg.SourceID == "" {
		return nil, errors.New("source worker: empty source id")
	}
	if cfg.Feed == nil {
		return nil, fmt.Errorf("source worker %s: nil feed", cfg.SourceID)
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("source worker %s: %w", cfg.SourceID, err)
	}
	if cfg.EventsLimit <= 0 {
		cfg.EventsLimit = DefaultEventsLimit
	}

	w := &SourceWorker{
		id:      cfg.SourceID,
		feed:    cfg.Feed,
		limit:   cfg.EventsLimit,
		backoff: cfg.Backoff.withDefaults(),
		store:   p.Store,
		norm:    p.Normalizer,
		apply:   p.Applier,
		sync:    p.Synchronizer,
		logger:  slog.Default(),
		newID:   func() string { return uuid.Must(uuid.NewV7()).String() },
		state:   StateDisconnected,
		wait:    sleepContext,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
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

// ID returns the worker's source id.
func (w *SourceWorker) ID() string { return w.id }

// State returns the worker's current lifecycle state.
func (w *SourceWorker) State() SourceState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *SourceWorker) setState(next SourceState) {
	w.mu.Lock()
	prev := w.state
	w.state = next
	w.mu.Unlock()
	if prev == next {
		return
	}
	w.logger.Info("source state changed",
		"source", w.id,
		"from", string(prev),
		"to", string(next))
	if next == StateDegraded {
		metrics.SourceDegraded.WithLabelValues(w.id).Set(1)
	} else if prev == StateDegraded {
		metrics.SourceDegraded.WithLabelValues(w.id).Set(0)
	}
}

func (w *SourceWorker) cycleOK() {
	w.mu.Lock()
	w.failures = 0
	w.mu.Unlock()
	w.setState(StateStreaming)
}

func (w *SourceWorker) cycleFailed(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, "poll cycle failed")
	w.mu.Lock()
	w.failures++
	w.mu.Unlock()
	return err
}

// Run polls continuously until ctx is done. Clean cycles wait the poll
// interval; failed cycles back off exponentially with jitter instead.
func (w *SourceWorker) Run(ctx context.Context, interval time.Duration) error {
	w.logger.Info("source worker starting", "source", w.id, "interval", interval)
	for {
		if err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("poll cycle failed", "source", w.id, "error", err)
		}

		delay := interval
		w.mu.Lock()
		failures := w.failures
		w.mu.Unlock()
		if failures > 0 {
			delay = w.backoff.delay(min(failures, w.backoff.MaxAttempts))
		}

		if err := w.wait(ctx, delay); err != nil {
			w.setState(StateDisconnected)
			w.logger.Info("source worker stopping", "source", w.id)
			return err
		}
	}
}

// RunOnce performs one poll-and-apply cycle: resume the persisted cursor,
// fetch a page, settle every event in order, persist the cursor, then hand
// the change records to the synchronizer. A crash before the cursor
// persists redelivers the batch; applier idempotence absorbs the replay.
func (w *SourceWorker) RunOnce(ctx context.Context) error {
	ctx, span := metrics.Tracer.Start(ctx, "watcher.poll",
		trace.WithAttributes(attribute.String("source", w.id)))
	defer span.End()
	logger := metrics.LoggerWithTrace(ctx, w.logger)

	cursor, err := w.store.LoadCursor(ctx, w.id)
	if err != nil {
		return w.cycleFailed(span, fmt.Errorf("load cursor %s: %w", w.id, err))
	}
	token := ""
	if cursor != nil {
		token = cursor.LastAppliedToken
	}

	w.setState(StateStreaming)

	t0 := time.Now()
	page, err := w.feed.Fetch(ctx, token, w.limit)
	metrics.FeedPollDuration.WithLabelValues(w.id).Observe(time.Since(t0).Seconds())
	if err != nil {
		w.setState(StateBackoff)
		return w.cycleFailed(span, err)
	}
	span.SetAttributes(attribute.Int("events", len(page.Events)))

	if len(page.Events) == 0 {
		logger.Debug("no new events", "source", w.id)
		if page.NextCursor != token {
			if err := w.saveCursor(ctx, page.NextCursor); err != nil {
				w.setState(StateBackoff)
				return w.cycleFailed(span, err)
			}
		}
		w.cycleOK()
		return nil
	}

	logger.Info("processing events", "source", w.id, "count", len(page.Events))
	records, escalated, err := w.processBatch(ctx, logger, page.Events)
	if err != nil {
		// Events are left unsettled and the cursor untouched, so the batch
		// redelivers whole on the next cycle.
		w.setState(StateBackoff)
		return w.cycleFailed(span, err)
	}

	if err := w.saveCursor(ctx, page.NextCursor); err != nil {
		w.setState(StateBackoff)
		return w.cycleFailed(span, err)
	}
	if len(records) > 0 {
		if err := w.sync.Sync(ctx, records); err != nil {
			logger.Warn("cache sync enqueue failed", "source", w.id, "error", err)
		}
	}

	if escalated {
		w.setState(StateDegraded)
		return w.cycleFailed(span, fmt.Errorf("source %s: %w", w.id, ErrBatchEscalated))
	}
	w.cycleOK()
	return nil
}

func (w *SourceWorker) saveCursor(ctx context.Context, token string) error {
	return w.store.SaveCursor(ctx, graph.Cursor{
		SourceID:         w.id,
		LastAppliedToken: token,
		LastAppliedAt:    time.Now().UTC(),
	})
}

// processBatch settles each event in order and collects the change records
// of applied ones. The bool result reports escalation: an event exhausted
// its retry budget, so it and the rest of the batch were dead-lettered. A
// non-nil error means storage failed in a way that left events unsettled;
// the caller must not advance the cursor.
func (w *SourceWorker) processBatch(ctx context.Context, logger *slog.Logger, events []graph.RawEvent) ([]graph.ChangeRecord, bool, error) {
	var records []graph.ChangeRecord
	for i, ev := range events {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		evRecords, err := w.processEvent(ctx, logger, ev)
		records = append(records, evRecords...)
		if err == nil {
			continue
		}
		if !errors.Is(err, errEventUnrecoverable) {
			return nil, false, err
		}
		logger.Error("event unrecoverable, escalating batch",
			"source", w.id,
			"token", ev.SequenceToken,
			"error", err)
		if qErr := w.quarantineBatch(ctx, events[i:], err); qErr != nil {
			return nil, false, qErr
		}
		return records, true, nil
	}
	return records, false, nil
}

// processEvent settles one event: normalize, apply every intent with
// bounded retries, then record the dedup triple. Structural failures
// quarantine the event, which counts as settled. A returned error leaves
// the event unsettled; it carries errEventUnrecoverable when retrying
// cannot help.
func (w *SourceWorker) processEvent(ctx context.Context, logger *slog.Logger, ev graph.RawEvent) ([]graph.ChangeRecord, error) {
	if ev.SourceID == "" {
		ev.SourceID = w.id
	}

	hash, err := graph.EventContentHash(ev)
	if err != nil {
		if qErr := w.quarantine(ctx, ev, "", graph.QuarantineMalformedPayload, fmt.Sprintf("content hash: %v", err)); qErr != nil {
			return nil, qErr
		}
		return nil, nil
	}

	intents, err := w.norm.Normalize(ev)
	if err != nil {
		var ne *graph.NormalizationError
		if !errors.As(err, &ne) {
			// Contract break, not a bad event; retrying will not change it.
			return nil, fmt.Errorf("%w: normalize %s/%s: %v", errEventUnrecoverable, ev.SourceID, ev.SequenceToken, err)
		}
		if qErr := w.quarantine(ctx, ev, hash, quarantineReason(ne), ne.Error()); qErr != nil {
			return nil, qErr
		}
		return nil, nil
	}

	var records []graph.ChangeRecord
	for _, in := range intents {
		recs, err := w.applyWithRetry(ctx, logger, in)
		if err != nil {
			if graph.IsQuarantinable(err) {
				if qErr := w.quarantine(ctx, ev, hash, graph.QuarantineDependencyTimeout, err.Error()); qErr != nil {
					return records, qErr
				}
				return records, nil
			}
			return records, err
		}
		records = append(records, recs...)
	}

	// The dedup triple is recorded only after the event settles, so a crash
	// mid-batch can never hide an unapplied event behind its own mark.
	fresh, err := w.store.MarkSeen(ctx, ev.SourceID, ev.SequenceToken, hash)
	if err != nil {
		return records, err
	}
	status := "ok"
	if !fresh {
		status = "duplicate"
	}
	metrics.EventsProcessed.WithLabelValues(w.id, status).Inc()
	return records, nil
}

// applyWithRetry retries transient apply failures on the jittered schedule.
// Quarantinable and context errors return immediately.
func (w *SourceWorker) applyWithRetry(ctx context.Context, logger *slog.Logger, in graph.MutationIntent) ([]graph.ChangeRecord, error) {
	var lastErr error
	for attempt := 1; attempt <= w.backoff.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := w.wait(ctx, w.backoff.delay(attempt-1)); err != nil {
				return nil, err
			}
		}
		t0 := time.Now()
		records, err := w.apply.Apply(ctx, in)
		metrics.ApplyDuration.Observe(time.Since(t0).Seconds())
		if err == nil {
			outcome := "applied"
			if len(records) == 0 {
				outcome = "noop"
			}
			metrics.MutationsApplied.WithLabelValues(string(in.TargetID.Kind), outcome).Inc()
			return records, nil
		}
		if graph.IsQuarantinable(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		lastErr = err
		logger.Warn("apply failed, retrying",
			"source", w.id,
			"entity", in.TargetID.String(),
			"attempt", attempt,
			"error", err)
	}
	metrics.MutationsApplied.WithLabelValues(string(in.TargetID.Kind), "failed").Inc()
	return nil, fmt.Errorf("%w: apply %s after %d attempts: %v", errEventUnrecoverable, in.TargetID, w.backoff.MaxAttempts, lastErr)
}

// quarantine dead-letters ev unless its dedup triple says it already
// settled (guards against double quarantine rows on redelivery). Marking
// and recording both hit storage; an error from either leaves the event
// unsettled.
func (w *SourceWorker) quarantine(ctx context.Context, ev graph.RawEvent, hash, reason, detail string) error {
	fresh, err := w.store.MarkSeen(ctx, ev.SourceID, ev.SequenceToken, hash)
	if err != nil {
		return err
	}
	if !fresh {
		metrics.EventsProcessed.WithLabelValues(w.id, "duplicate").Inc()
		return nil
	}
	rec := graph.QuarantineRecord{
		ID:            w.newID(),
		SourceID:      ev.SourceID,
		SequenceToken: ev.SequenceToken,
		Reason:        reason,
		Detail:        detail,
		Payload:       ev.Payload,
		QuarantinedAt: time.Now().UTC(),
	}
	if err := w.store.AddQuarantine(ctx, rec); err != nil {
		return err
	}
	metrics.Quarantined.WithLabelValues(reason).Inc()
	metrics.EventsProcessed.WithLabelValues(w.id, "quarantined").Inc()
	w.logger.Warn("event quarantined",
		"source", ev.SourceID,
		"token", ev.SequenceToken,
		"reason", reason,
		"detail", detail)
	return nil
}

// quarantineBatch dead-letters every remaining event of an escalated batch
// so the cursor can advance past it.
func (w *SourceWorker) quarantineBatch(ctx context.Context, events []graph.RawEvent, cause error) error {
	detail := fmt.Sprintf("batch escalated: %v", cause)
	for _, ev := range events {
		if ev.SourceID == "" {
			ev.SourceID = w.id
		}
		hash, err := graph.EventContentHash(ev)
		if err != nil {
			hash = ""
		}
		if err := w.quarantine(ctx, ev, hash, graph.QuarantineBatchEscalated, detail); err != nil {
			return err
		}
	}
	return nil
}

func quarantineReason(ne *graph.NormalizationError) string {
	if errors.Is(ne, graph.ErrUnknownEntityKind) {
		return graph.QuarantineUnknownKind
	}
	return graph.QuarantineMalformedPayload
}
