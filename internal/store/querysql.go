package store

import (
	"fmt"
	"strings"

	"github.com/roach88/loom/internal/graph"
)

// Edge queries without an explicit limit page this many rows; explicit
// limits are capped at maxEdgeLimit.
const (
	defaultEdgeLimit = 100
	maxEdgeLimit     = 1000
)

// sqlDialect captures the few points where SQLite and Postgres SQL
// diverge for edge queries.
type sqlDialect struct {
	// placeholder renders the nth (1-based) parameter marker.
	placeholder func(n int) string
	// jsonLabel is an expression extracting the label key from the
	// fields column.
	jsonLabel string
	// orderCollate is the collation used to keep id ordering byte-wise
	// and therefore identical across backends.
	orderCollate string
}

var sqliteDialect = sqlDialect{
	placeholder:  func(int) string { return "?" },
	jsonLabel:    "json_extract(fields, '$.label')",
	orderCollate: "BINARY",
}

var postgresDialect = sqlDialect{
	placeholder:  func(n int) string { return fmt.Sprintf("$%d", n) },
	jsonLabel:    "fields::jsonb ->> 'label'",
	orderCollate: `"C"`,
}

// buildEdgeSQL compiles an EdgeQuery into parameterized SQL.
//
// Values are never interpolated into the query text, and every query
// orders by id with a byte-wise collation so the same store contents
// always return the same page in the same order.
func buildEdgeSQL(q EdgeQuery, d sqlDialect) (string, []any, error) {
	if !q.Kind.Relational() {
		return "", nil, fmt.Errorf("edge query: kind %q is not an edge kind", q.Kind)
	}
	if q.Label != "" && q.Kind != graph.KindTag {
		return "", nil, fmt.Errorf("edge query: label filter is only valid for %q, got %q", graph.KindTag, q.Kind)
	}
	if q.From == nil && q.To == nil && q.Label == "" {
		return "", nil, fmt.Errorf("edge query: at least one of from, to or label is required")
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultEdgeLimit
	}
	if limit > maxEdgeLimit {
		limit = maxEdgeLimit
	}

	var args []any
	next := func(v any) string {
		args = append(args, v)
		return d.placeholder(len(args))
	}

	conds := []string{
		"kind = " + next(string(q.Kind)),
		"deleted = 0",
	}
	if q.From != nil {
		conds = append(conds, "edge_from = "+next(q.From.String()))
	}
	if q.To != nil {
		conds = append(conds, "edge_to = "+next(q.To.String()))
	}
	if q.Label != "" {
		conds = append(conds, d.jsonLabel+" = "+next(q.Label))
	}

	var b strings.Builder
	b.WriteString("SELECT id, kind, edge_from, edge_to, version FROM entities")
	b.WriteString(" WHERE ")
	b.WriteString(strings.Join(conds, " AND "))
	b.WriteString(" ORDER BY id COLLATE ")
	b.WriteString(d.orderCollate)
	b.WriteString(" ASC LIMIT ")
	b.WriteString(next(limit))

	return b.String(), args, nil
}
