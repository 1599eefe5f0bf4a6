package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/loom/internal/graph"
)

// marshalFields converts Fields to canonical JSON TEXT for storage.
// Uses RFC 8785 canonical JSON so structurally equal field sets store
// byte-identically.
func marshalFields(f graph.Fields) (string, error) {
	if f == nil {
		f = graph.Fields{}
	}
	data, err := graph.MarshalCanonical(f)
	if err != nil {
		return "", fmt.Errorf("marshal fields: %w", err)
	}
	return string(data), nil
}

// unmarshalFields parses canonical JSON TEXT back into Fields.
// Large integers survive via json.Number decoding; floats are rejected.
func unmarshalFields(data string) (graph.Fields, error) {
	if data == "" || data == "{}" {
		return graph.Fields{}, nil
	}
	f, err := graph.DecodeFields([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal fields: %w", err)
	}
	return f, nil
}

// nanos converts a time to the stored unix-nanosecond form.
// The zero time stores as 0 and round-trips back to zero.
func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// timeFromNanos is the inverse of nanos. Stored times come back in UTC.
func timeFromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// edgeColumns splits an optional EdgeRef into its nullable column values.
func edgeColumns(edge *graph.EdgeRef) (from, to sql.NullString) {
	if edge == nil {
		return sql.NullString{}, sql.NullString{}
	}
	return sql.NullString{String: edge.From.String(), Valid: true},
		sql.NullString{String: edge.To.String(), Valid: true}
}

// edgeFromColumns rebuilds an EdgeRef from nullable columns, nil when the
// entity is not relational.
func edgeFromColumns(from, to sql.NullString) (*graph.EdgeRef, error) {
	if !from.Valid || !to.Valid {
		return nil, nil
	}
	fromID, err := graph.ParseEntityID(from.String)
	if err != nil {
		return nil, fmt.Errorf("edge from: %w", err)
	}
	toID, err := graph.ParseEntityID(to.String)
	if err != nil {
		return nil, fmt.Errorf("edge to: %w", err)
	}
	return &graph.EdgeRef{From: fromID, To: toID}, nil
}
