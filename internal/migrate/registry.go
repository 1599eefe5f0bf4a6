// Package migrate coordinates representation migrations: rebuilds of
// derived graph representations that run while ingestion keeps flowing. A
// migration moves through dual-write, backfill, cutover, and cleanup
// phases. Every phase transition is persisted before the engine acts on
// it, so a crash at any point resumes the interrupted phase instead of
// restarting the migration.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/loom/internal/apply"
	"github.com/roach88/loom/internal/graph"
	"github.com/roach88/loom/internal/metrics"
	"github.com/roach88/loom/internal/store"
)

// Migration is one registered representation rebuild.
//
// Transform must be pure and safe to re-apply: dual writes, backfill, and
// crash reconciliation may each hand it the same row.
type Migration interface {
	// ID is the migration's stable identity, by convention a zero-padded
	// sequence number and a snake_case name ("0001_tag_counts_reset").
	ID() string
	// DependsOn lists migration IDs that must reach Done before this one
	// becomes eligible.
	DependsOn() []string
	// Kinds returns the entity kinds the migration covers.
	Kinds() []graph.EntityKind
	// Repr names the representation the migration builds.
	Repr() string
	// Transform derives the new representation's fields from a primary row.
	Transform(old graph.Fields) (graph.Fields, error)
}

// MirrorHost is where the engine hangs its dual-write mirror for the
// duration of a migration. The mutation applier satisfies it.
type MirrorHost interface {
	RegisterMirror(m apply.Mirror)
	UnregisterMirror(repr string)
}

// Registry holds the migration catalog and runs it. Registration order is
// execution order; dependencies only constrain it further.
type Registry struct {
	store  store.GraphStore
	logger *slog.Logger
	engine *engine

	mu         sync.Mutex
	migrations []Migration
	byID       map[string]Migration

	paused atomic.Bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger for the registry and its engine.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithBackfillBatch sets how many entities one backfill or archive page
// holds.
func WithBackfillBatch(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.engine.batch = n
		}
	}
}

// WithBackfillConcurrency bounds parallel representation copies within one
// backfill batch.
func WithBackfillConcurrency(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.engine.concurrency = n
		}
	}
}

// WithCutoverGrace sets how long reads drain against the old representation
// between the route flip and cleanup.
func WithCutoverGrace(d time.Duration) Option {
	return func(r *Registry) {
		if d >= 0 {
			r.engine.grace = d
		}
	}
}

// WithArchiveDir sets where retired representations are archived.
func WithArchiveDir(dir string) Option {
	return func(r *Registry) {
		if dir != "" {
			r.engine.archiveDir = dir
		}
	}
}

// NewRegistry creates an empty migration registry writing through s and
// mirroring live changes via host.
func NewRegistry(s store.GraphStore, host MirrorHost, opts ...Option) (*Registry, error) {
	if s == nil {
		return nil, errors.New("migrate: nil store")
	}
	if host == nil {
		return nil, errors.New("migrate: nil mirror host")
	}
	r := &Registry{
		store:  s,
		logger: slog.Default(),
		byID:   make(map[string]Migration),
	}
	r.engine = &engine{
		store:       s,
		host:        host,
		batch:       DefaultBackfillBatch,
		concurrency: DefaultBackfillConcurrency,
		grace:       DefaultCutoverGrace,
		archiveDir:  DefaultArchiveDir,
		paused:      r.paused.Load,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	r.engine.logger = r.logger
	return r, nil
}

// Register adds a migration to the catalog. Duplicate IDs and dependency
// cycles are rejected. Depending on an ID that has not been registered yet
// is allowed here; RunPending refuses to run the migration until the
// dependency shows up.
func (r *Registry) Register(m Migration) error {
	id := m.ID()
	if id == "" {
		return errors.New("migrate: empty migration id")
	}
	if m.Repr() == "" {
		return fmt.Errorf("migrate: %s: empty representation name", id)
	}
	if len(m.Kinds()) == 0 {
		return fmt.Errorf("migrate: %s: no entity kinds", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byID[id]; dup {
		return fmt.Errorf("migrate: duplicate migration id %s", id)
	}
	r.byID[id] = m
	r.migrations = append(r.migrations, m)
	if cycle := r.findCycle(); cycle != nil {
		delete(r.byID, id)
		r.migrations = r.migrations[:len(r.migrations)-1]
		return fmt.Errorf("migrate: %s: dependency cycle: %s", id, strings.Join(cycle, " → "))
	}
	return nil
}

// findCycle looks for a dependency cycle among the registered migrations
// with a three-color depth-first walk. Edges to IDs not registered yet
// cannot close a cycle and are skipped. Returns the cycle path with the
// first node repeated at the end, or nil. Caller holds r.mu.
func (r *Registry) findCycle() []string {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(r.migrations))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		state[id] = visiting
		stack = append(stack, id)
		for _, dep := range r.byID[id].DependsOn() {
			if _, known := r.byID[dep]; !known {
				continue
			}
			switch state[dep] {
			case visiting:
				start := slices.Index(stack, dep)
				cycle = append(slices.Clone(stack[start:]), dep)
				return true
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return false
	}

	for _, m := range r.migrations {
		if state[m.ID()] == unvisited && visit(m.ID()) {
			return cycle
		}
	}
	return nil
}

// RunPending walks the catalog in registration order and runs every
// migration whose dependencies have all reached Done, one at a time. Failed
// migrations are skipped until an operator retries them. Migrations blocked
// on unfinished dependencies wait for a later call. One migration failing
// does not stop the walk; its dependents simply never become eligible.
func (r *Registry) RunPending(ctx context.Context) error {
	if r.paused.Load() {
		r.logger.Info("migrations paused, nothing started")
		return nil
	}
	r.mu.Lock()
	catalog := slices.Clone(r.migrations)
	r.mu.Unlock()

	var errs []error
	for _, m := range catalog {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		st, err := r.store.LoadMigrationState(ctx, m.ID())
		if err != nil {
			return errors.Join(append(errs, fmt.Errorf("load migration state %s: %w", m.ID(), err))...)
		}
		if st != nil && st.Phase == graph.PhaseDone {
			continue
		}
		if st != nil && st.Phase == graph.PhaseFailed {
			r.logger.Warn("skipping failed migration, retry to rerun",
				"migration", m.ID(),
				"failure", st.Failure)
			continue
		}
		ready, waitingOn, err := r.dependenciesDone(ctx, m)
		if err != nil {
			return errors.Join(append(errs, err)...)
		}
		if !ready {
			r.logger.Info("migration waiting on dependencies",
				"migration", m.ID(),
				"waiting_on", strings.Join(waitingOn, ","))
			continue
		}
		if err := r.engine.run(ctx, m); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return errors.Join(append(errs, err)...)
			}
			r.logger.Error("migration failed",
				"migration", m.ID(),
				"error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// dependenciesDone checks whether every dependency of m has reached Done.
// A dependency that was never registered is a catalog bug and errors out.
func (r *Registry) dependenciesDone(ctx context.Context, m Migration) (bool, []string, error) {
	var waiting []string
	for _, dep := range m.DependsOn() {
		r.mu.Lock()
		_, known := r.byID[dep]
		r.mu.Unlock()
		if !known {
			return false, nil, fmt.Errorf("migrate: %s depends on unregistered migration %s", m.ID(), dep)
		}
		st, err := r.store.LoadMigrationState(ctx, dep)
		if err != nil {
			return false, nil, fmt.Errorf("load migration state %s: %w", dep, err)
		}
		if st == nil || st.Phase != graph.PhaseDone {
			waiting = append(waiting, dep)
		}
	}
	return len(waiting) == 0, waiting, nil
}

// Retry resets a failed migration to a fresh pending state so the next
// RunPending reruns it from the top. Phase work is idempotent, version
// guards included, so re-walking phases that already completed is safe.
// The progress cursor is dropped deliberately; the rescan skips rows that
// are already current.
func (r *Registry) Retry(ctx context.Context, id string) error {
	r.mu.Lock()
	_, known := r.byID[id]
	r.mu.Unlock()
	if !known {
		return fmt.Errorf("migrate: unknown migration %s", id)
	}
	st, err := r.store.LoadMigrationState(ctx, id)
	if err != nil {
		return fmt.Errorf("load migration state %s: %w", id, err)
	}
	if st == nil {
		return fmt.Errorf("migrate: %s has never run", id)
	}
	if st.Phase != graph.PhaseFailed {
		return fmt.Errorf("migrate: %s is %s, only failed migrations can be retried", id, st.Phase)
	}
	fresh := graph.MigrationState{
		MigrationID:    id,
		Phase:          graph.PhasePending,
		StartedAt:      st.StartedAt,
		PhaseStartedAt: time.Now().UTC(),
	}
	if err := r.store.SaveMigrationState(ctx, fresh); err != nil {
		return fmt.Errorf("save migration state %s: %w", id, err)
	}
	metrics.SetMigrationPhase(id, graph.PhasePending)
	r.logger.Info("failed migration reset",
		"migration", id,
		"was", st.Failure)
	return nil
}

// Pause stops phase work at the next safe point, between phases or between
// backfill batches. Dual-write mirroring keeps running; pausing never
// unregisters a mirror, so the representations stay consistent while held.
func (r *Registry) Pause() {
	r.paused.Store(true)
	r.logger.Info("migrations paused")
}

// Resume lifts a pause. Held work continues on the next RunPending.
func (r *Registry) Resume() {
	r.paused.Store(false)
	r.logger.Info("migrations resumed")
}

// Paused reports whether the registry is currently holding phase work.
func (r *Registry) Paused() bool { return r.paused.Load() }

// Status is one migration's catalog entry merged with its persisted state.
type Status struct {
	ID             string      `json:"id"`
	Repr           string      `json:"repr"`
	Phase          graph.Phase `json:"phase"`
	Progress       string      `json:"progress,omitempty"`
	StartedAt      time.Time   `json:"started_at"`
	PhaseStartedAt time.Time   `json:"phase_started_at"`
	Failure        string      `json:"failure,omitempty"`
}

// Status reports every registered migration in registration order. A
// migration that has never run reports PhasePending with zero timestamps.
func (r *Registry) Status(ctx context.Context) ([]Status, error) {
	r.mu.Lock()
	catalog := slices.Clone(r.migrations)
	r.mu.Unlock()

	out := make([]Status, 0, len(catalog))
	for _, m := range catalog {
		st, err := r.store.LoadMigrationState(ctx, m.ID())
		if err != nil {
			return nil, fmt.Errorf("load migration state %s: %w", m.ID(), err)
		}
		s := Status{ID: m.ID(), Repr: m.Repr(), Phase: graph.PhasePending}
		if st != nil {
			s.Phase = st.Phase
			s.Progress = st.ProgressCursor
			s.StartedAt = st.StartedAt
			s.PhaseStartedAt = st.PhaseStartedAt
			s.Failure = st.Failure
		}
		out = append(out, s)
	}
	return out, nil
}
