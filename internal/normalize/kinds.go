package normalize

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/loom/internal/graph"
)

// edgeSpec is the per-kind capability row for relationship normalization.
// from is always a user; toKinds lists the legal target kinds.
type edgeSpec struct {
	toKinds   []graph.EntityKind
	withLabel bool
	allowSelf bool
}

var edgeSpecs = map[graph.EntityKind]edgeSpec{
	graph.KindFollow:   {toKinds: []graph.EntityKind{graph.KindUser}},
	graph.KindMute:     {toKinds: []graph.EntityKind{graph.KindUser}},
	graph.KindBookmark: {toKinds: []graph.EntityKind{graph.KindPost}},
	graph.KindTag:      {toKinds: []graph.EntityKind{graph.KindUser, graph.KindPost}, withLabel: true, allowSelf: true},
}

// normalizeUser derives a single intent targeting user:<id>.
func normalizeUser(ev graph.RawEvent, fields graph.Fields) ([]graph.MutationIntent, error) {
	key, err := requireString(ev.Kind, fields, "id")
	if err != nil {
		return nil, err
	}

	intent := graph.MutationIntent{
		TargetID:   graph.NewEntityID(graph.KindUser, key),
		Operation:  ev.Operation,
		OccurredAt: ev.OccurredAt,
		SourceID:   ev.SourceID,
	}
	if ev.Operation != graph.OpDelete {
		intent.FieldsToSet = fields
	}
	return []graph.MutationIntent{intent}, nil
}

// normalizePost derives a single intent for an author-scoped post. Post ids
// arrive already scoped under their author's key ("alice/0032"), matching
// the source systems' URI identity; the normalizer cross-checks the scope
// against the author field so a payload cannot claim another author's id.
// The author is a causal dependency; so is the parent post when the payload
// marks this post as a reply.
func normalizePost(ev graph.RawEvent, fields graph.Fields) ([]graph.MutationIntent, error) {
	key, err := requireString(ev.Kind, fields, "id")
	if err != nil {
		return nil, err
	}
	author, err := requireRef(ev.Kind, fields, "author", graph.KindUser)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(key, author.Key+"/") {
		return nil, graph.NewMalformedPayloadError(ev.Kind,
			fmt.Sprintf("id %q is not scoped under author %q", key, author.Key))
	}

	intent := graph.MutationIntent{
		TargetID:   graph.NewEntityID(graph.KindPost, key),
		Operation:  ev.Operation,
		OccurredAt: ev.OccurredAt,
		SourceID:   ev.SourceID,
	}
	if ev.Operation == graph.OpDelete {
		return []graph.MutationIntent{intent}, nil
	}

	intent.FieldsToSet = fields
	intent.CausalDependencies = []graph.EntityID{author}
	if _, ok := fields["parent"]; ok {
		parent, err := requireRef(ev.Kind, fields, "parent", graph.KindPost)
		if err != nil {
			return nil, err
		}
		intent.CausalDependencies = append(intent.CausalDependencies, parent)
	}
	return []graph.MutationIntent{intent}, nil
}

// normalizeEdge builds the normalizeFunc for one relationship kind. The
// natural key is a content hash over the identifying parts, so the same
// (from, to[, label]) triple always maps to the same entity no matter which
// source or event delivered it.
func normalizeEdge(kind graph.EntityKind) normalizeFunc {
	spec := edgeSpecs[kind]
	return func(ev graph.RawEvent, fields graph.Fields) ([]graph.MutationIntent, error) {
		from, err := requireRef(ev.Kind, fields, "from", graph.KindUser)
		if err != nil {
			return nil, err
		}
		to, err := requireRef(ev.Kind, fields, "to", spec.toKinds...)
		if err != nil {
			return nil, err
		}
		if !spec.allowSelf && from == to {
			return nil, graph.NewMalformedPayloadError(ev.Kind, "from and to reference the same entity")
		}

		parts := []string{from.String(), to.String()}
		if spec.withLabel {
			label, err := requireString(ev.Kind, fields, "label")
			if err != nil {
				return nil, err
			}
			parts = append(parts, label)
		}

		intent := graph.MutationIntent{
			TargetID:   graph.NewEntityID(kind, graph.RelationKey(parts...)),
			Operation:  ev.Operation,
			OccurredAt: ev.OccurredAt,
			SourceID:   ev.SourceID,
			Edge:       &graph.EdgeRef{From: from, To: to},
		}
		if ev.Operation != graph.OpDelete {
			// Deletes carry no dependencies: a delete of an absent edge is
			// a no-op and must never be held waiting for its endpoints.
			intent.FieldsToSet = fields
			intent.CausalDependencies = []graph.EntityID{from, to}
		}
		return []graph.MutationIntent{intent}, nil
	}
}

func requireString(kind graph.EntityKind, fields graph.Fields, key string) (string, error) {
	v, ok := fields[key]
	if !ok {
		return "", graph.NewMalformedPayloadError(kind, fmt.Sprintf("missing %s", key))
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", graph.NewMalformedPayloadError(kind, fmt.Sprintf("%s must be a non-empty string", key))
	}
	return s, nil
}

// requireRef parses an entity reference field ("kind:natural_key") and
// checks that it names one of the wanted kinds.
func requireRef(kind graph.EntityKind, fields graph.Fields, key string, want ...graph.EntityKind) (graph.EntityID, error) {
	s, err := requireString(kind, fields, key)
	if err != nil {
		return graph.EntityID{}, err
	}
	id, err := graph.ParseEntityID(s)
	if err != nil {
		return graph.EntityID{}, graph.NewMalformedPayloadError(kind, fmt.Sprintf("%s: %v", key, err))
	}
	if !slices.Contains(want, id.Kind) {
		return graph.EntityID{}, graph.NewMalformedPayloadError(kind,
			fmt.Sprintf("%s must reference %s, got %s", key, kindList(want), id.Kind))
	}
	return id, nil
}

func kindList(kinds []graph.EntityKind) string {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return strings.Join(names, " or ")
}
