// Package readapi serves entity and relationship reads over the graph and
// cache stores. Entity reads are cache first and cutover aware: a cache
// miss falls through to whichever representation the read route names,
// and the result repopulates the cache through singleflight so concurrent
// misses collapse into one store load. Relationship queries go straight
// to the graph store, uncached.
//
// The cache is advisory throughout. Cache trouble reads as a miss, and a
// repopulation racing the synchronizer is last-writer-wins with the entry
// TTL bounding the skew.
package readapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/loom/internal/graph"
	"github.com/roach88/loom/internal/store"
)

const (
	// DefaultRelationLimit pages relationship queries that do not ask for
	// a size.
	DefaultRelationLimit = 50

	// MaxRelationLimit caps one relationship page.
	MaxRelationLimit = 200

	// maxRelationDepth caps offset+limit, the window one store query can
	// serve.
	maxRelationDepth = 1000
)

// EntityView is the read-side shape of one entity: identity, version, and
// materialized fields. Deleted entities have no view.
type EntityView struct {
	ID      graph.EntityID `json:"id"`
	Version int64          `json:"version"`
	Fields  graph.Fields   `json:"fields"`
}

// Direction selects which end of an edge the anchor entity sits on.
type Direction string

const (
	// DirectionOut matches edges leaving the anchor (anchor is From).
	DirectionOut Direction = "out"
	// DirectionIn matches edges arriving at the anchor (anchor is To).
	DirectionIn Direction = "in"
)

// RelationQuery selects edges of one relational kind around an anchor
// entity.
type RelationQuery struct {
	Kind      graph.EntityKind
	Anchor    graph.EntityID
	Direction Direction
	Label     string // tag kind only
	Limit     int
	Offset    int
}

// API answers reads. Safe for concurrent use.
type API struct {
	graph  store.GraphStore
	cache  store.CacheStore
	logger *slog.Logger
	group  singleflight.Group

	defaultTTL time.Duration
	kindTTL    map[graph.EntityKind]time.Duration
	now        func() time.Time
}

// Option configures an API.
type Option func(*API)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithTTL sets the TTL stamped on repopulated cache entries. Zero or
// negative means they never expire.
func WithTTL(d time.Duration) Option {
	return func(a *API) { a.defaultTTL = d }
}

// WithKindTTL overrides the repopulation TTL for one entity kind.
func WithKindTTL(kind graph.EntityKind, d time.Duration) Option {
	return func(a *API) { a.kindTTL[kind] = d }
}

// New creates a read API over g, repopulating c on misses. A nil cache is
// allowed; every read then goes to the graph store.
func New(g store.GraphStore, c store.CacheStore, opts ...Option) (*API, error) {
	if g == nil {
		return nil, errors.New("readapi: nil graph store")
	}
	a := &API{
		graph:      g,
		cache:      c,
		logger:     slog.Default(),
		defaultTTL: 5 * time.Minute,
		kindTTL:    make(map[graph.EntityKind]time.Duration),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// GetEntity returns the current view of one entity, or nil when it does
// not exist or is deleted.
func (a *API) GetEntity(ctx context.Context, id graph.EntityID) (*EntityView, error) {
	if id.IsZero() || !id.Kind.Valid() {
		return nil, fmt.Errorf("readapi: invalid entity id %q", id.String())
	}
	if view, ok := a.fromCache(ctx, id); ok {
		return view, nil
	}
	v, err, _ := a.group.Do(id.String(), func() (any, error) {
		return a.load(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*EntityView), nil
}

// fromCache returns the cached view and true on a usable hit. Expired,
// missing, unreadable, and undecodable entries all read as a miss.
func (a *API) fromCache(ctx context.Context, id graph.EntityID) (*EntityView, bool) {
	if a.cache == nil {
		return nil, false
	}
	entry, err := a.cache.Get(ctx, graph.EntityCacheKey(id))
	if err != nil {
		a.logger.Warn("cache read failed, falling through",
			"entity", id.String(),
			"error", err)
		return nil, false
	}
	if entry == nil || entry.Expired(a.now()) {
		return nil, false
	}
	fields, err := graph.DecodeFields(entry.Value)
	if err != nil {
		a.logger.Warn("cache entry undecodable, falling through",
			"entity", id.String(),
			"error", err)
		return nil, false
	}
	return &EntityView{ID: id, Version: entry.VersionStamp, Fields: fields}, true
}

// load reads through to the store and repopulates the cache on a hit.
func (a *API) load(ctx context.Context, id graph.EntityID) (*EntityView, error) {
	view, err := a.fetch(ctx, id)
	if err != nil || view == nil {
		return view, err
	}
	a.repopulate(ctx, view)
	return view, nil
}

// fetch reads the entity from whichever representation the read route
// names. Tombstones, in either form, read as absent.
func (a *API) fetch(ctx context.Context, id graph.EntityID) (*EntityView, error) {
	route, err := a.graph.ReadRoute(ctx, id.Kind)
	if err != nil {
		return nil, fmt.Errorf("read route %s: %w", id.Kind, err)
	}
	if route == "" {
		rec, err := a.graph.GetEntity(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec == nil || rec.Deleted {
			return nil, nil
		}
		return &EntityView{ID: id, Version: rec.Version, Fields: rec.Fields}, nil
	}
	row, err := a.graph.GetRepresentation(ctx, route, id)
	if err != nil {
		return nil, err
	}
	// An empty fields row is the representation's tombstone form.
	if row == nil || len(row.Fields) == 0 {
		return nil, nil
	}
	return &EntityView{ID: id, Version: row.Version, Fields: row.Fields}, nil
}

// repopulate writes the view back to the cache, best effort.
func (a *API) repopulate(ctx context.Context, view *EntityView) {
	if a.cache == nil {
		return
	}
	value, err := graph.EncodeFields(view.Fields)
	if err != nil {
		a.logger.Warn("encoding view for cache failed",
			"entity", view.ID.String(),
			"error", err)
		return
	}
	entry := graph.CacheEntry{
		Key:          graph.EntityCacheKey(view.ID),
		Value:        value,
		VersionStamp: view.Version,
		ExpiresAt:    a.expiry(view.ID.Kind),
	}
	if err := a.cache.Put(ctx, entry); err != nil {
		a.logger.Warn("cache repopulation failed",
			"entity", view.ID.String(),
			"error", err)
	}
}

func (a *API) expiry(kind graph.EntityKind) time.Time {
	ttl := a.defaultTTL
	if d, ok := a.kindTTL[kind]; ok {
		ttl = d
	}
	if ttl <= 0 {
		return time.Time{}
	}
	return a.now().Add(ttl)
}

// QueryRelationships lists edges around the query's anchor in stable id
// order. Results come straight from the graph store; relationship pages
// are not cached.
func (a *API) QueryRelationships(ctx context.Context, q RelationQuery) ([]graph.EdgeRecord, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultRelationLimit
	}
	if limit > MaxRelationLimit {
		limit = MaxRelationLimit
	}
	eq := store.EdgeQuery{
		Kind:  q.Kind,
		Label: q.Label,
		// The store has no offset; fetch the whole window and slice.
		Limit: q.Offset + limit,
	}
	anchor := q.Anchor
	switch q.Direction {
	case DirectionOut:
		eq.From = &anchor
	case DirectionIn:
		eq.To = &anchor
	}
	edges, err := a.graph.QueryEdges(ctx, eq)
	if err != nil {
		return nil, err
	}
	if q.Offset >= len(edges) {
		return nil, nil
	}
	edges = edges[q.Offset:]
	if len(edges) > limit {
		edges = edges[:limit]
	}
	return edges, nil
}

func (q RelationQuery) validate() error {
	if !q.Kind.Relational() {
		return fmt.Errorf("readapi: kind %q is not a relationship kind", q.Kind)
	}
	if q.Anchor.IsZero() {
		return errors.New("readapi: relationship query needs an anchor")
	}
	if q.Direction != DirectionOut && q.Direction != DirectionIn {
		return fmt.Errorf("readapi: unknown direction %q", q.Direction)
	}
	if q.Label != "" && q.Kind != graph.KindTag {
		return fmt.Errorf("readapi: label filter is only valid for %q", graph.KindTag)
	}
	if q.Limit < 0 {
		return errors.New("readapi: negative limit")
	}
	if q.Offset < 0 {
		return errors.New("readapi: negative offset")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultRelationLimit
	}
	if limit > MaxRelationLimit {
		limit = MaxRelationLimit
	}
	if q.Offset+limit > maxRelationDepth {
		return fmt.Errorf("readapi: page reaches past row %d, paginate with a narrower window", maxRelationDepth)
	}
	return nil
}
