package apply

import (
	"context"

	"github.com/roach88/loom/internal/graph"
)

// counterFields are denormalized aggregates maintained by the applier, not
// carried by source events. A full-state write from an event would wipe
// them, so they carry over from the stored record unless the incoming
// fields name them explicitly.
var counterFields = []string{
	"bookmark_count",
	"followers_count",
	"following_count",
	"post_count",
	"tag_count",
}

func carryCounters(next, prev graph.Fields) {
	for _, f := range counterFields {
		if _, ok := next[f]; ok {
			continue
		}
		if v, ok := prev[f]; ok {
			next[f] = v
		}
	}
}

// counterAdjustment names one counter field on one entity.
type counterAdjustment struct {
	id    graph.EntityID
	field string
}

// counterTargets lists the counter fields affected when an entity of kind
// genuinely appears or disappears. The edge and fields describe the entity
// itself: the stored state for deletes, the incoming state otherwise.
func counterTargets(kind graph.EntityKind, edge *graph.EdgeRef, fields graph.Fields) []counterAdjustment {
	switch kind {
	case graph.KindFollow:
		if edge == nil {
			return nil
		}
		return []counterAdjustment{
			{id: edge.From, field: "following_count"},
			{id: edge.To, field: "followers_count"},
		}
	case graph.KindTag:
		if edge == nil {
			return nil
		}
		return []counterAdjustment{{id: edge.To, field: "tag_count"}}
	case graph.KindBookmark:
		if edge == nil {
			return nil
		}
		return []counterAdjustment{{id: edge.From, field: "bookmark_count"}}
	case graph.KindPost:
		author, ok := fields["author"].(string)
		if !ok {
			return nil
		}
		id, err := graph.ParseEntityID(author)
		if err != nil || id.Kind != graph.KindUser {
			return nil
		}
		return []counterAdjustment{{id: id, field: "post_count"}}
	}
	return nil
}

// adjustCounters applies each adjustment as its own version-checked write
// and returns the change records for those that landed. Counter writes are
// best effort: a failure is logged and skipped rather than failing the
// event that triggered it, since the counts can be rebuilt by a recount
// migration while a failed event would otherwise be redelivered into a
// deep-equal no-op that never re-runs this adjustment.
func (a *Applier) adjustCounters(ctx context.Context, adjs []counterAdjustment, delta int64) []graph.ChangeRecord {
	var records []graph.ChangeRecord
	for _, adj := range adjs {
		change, err := a.adjustCounter(ctx, adj, delta)
		if err != nil {
			a.logger.Error("counter adjustment failed",
				"entity", adj.id.String(),
				"field", adj.field,
				"delta", delta,
				"error", err)
			continue
		}
		if change != nil {
			records = append(records, *change)
		}
	}
	return records
}

// adjustCounter bumps one counter field by delta. Absent and tombstoned
// entities are skipped: the counter materializes when the entity does.
// Counters clamp at zero rather than going negative.
func (a *Applier) adjustCounter(ctx context.Context, adj counterAdjustment, delta int64) (*graph.ChangeRecord, error) {
	for attempt := 1; ; attempt++ {
		current, err := a.store.GetEntity(ctx, adj.id)
		if err != nil {
			return nil, err
		}
		if current == nil || current.Deleted {
			return nil, nil
		}
		count := counterValue(current.Fields[adj.field])
		next := count + delta
		if next < 0 {
			next = 0
		}
		if next == count {
			return nil, nil
		}

		fields := current.Fields.Clone()
		fields[adj.field] = next
		// Provenance stays with the last real event for the entity so the
		// counter write cannot shadow it in last-writer-wins comparisons.
		rec := graph.EntityRecord{
			ID:         adj.id,
			Version:    current.Version + 1,
			Fields:     fields,
			OccurredAt: current.OccurredAt,
			SourceID:   current.SourceID,
			CreatedSeq: current.CreatedSeq,
			Edge:       current.Edge,
		}
		change := graph.ChangeRecord{
			EntityID:        adj.id,
			PreviousVersion: current.Version,
			NewVersion:      rec.Version,
			ChangedFields:   []string{adj.field},
			Fields:          fields,
			Operation:       graph.OpUpdate,
			OccurredAt:      rec.OccurredAt,
		}
		err = a.commit(ctx, rec, current.Version, change)
		if err == nil {
			return &change, nil
		}
		if !graph.IsVersionConflict(err) || attempt >= a.conflictAttempts {
			return nil, err
		}
	}
}

func counterValue(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
