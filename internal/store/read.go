package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/loom/internal/graph"
)

// rowScanner is satisfied by both sql.Row and sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// GetEntity returns the stored record, tombstones included, or nil, nil
// when the id has never been written.
func (s *SQLiteStore) GetEntity(ctx context.Context, id graph.EntityID) (*graph.EntityRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, version, fields, occurred_at, source_id, created_seq, deleted, edge_from, edge_to
		FROM entities WHERE id = ?
	`, id.String())

	rec, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entity %s: %w", id, err)
	}
	return rec, nil
}

// ListEntitiesByCreation pages live (non-tombstoned) entities of the given
// kinds in creation order, strictly after afterSeq.
func (s *SQLiteStore) ListEntitiesByCreation(ctx context.Context, kinds []graph.EntityKind, afterSeq int64, limit int) ([]graph.EntityRecord, error) {
	if len(kinds) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(kinds))
	args := make([]any, 0, len(kinds)+2)
	for i, k := range kinds {
		placeholders[i] = "?"
		args = append(args, string(k))
	}
	args = append(args, afterSeq, limit)

	query := fmt.Sprintf(`
		SELECT id, kind, version, fields, occurred_at, source_id, created_seq, deleted, edge_from, edge_to
		FROM entities
		WHERE kind IN (%s) AND created_seq > ? AND deleted = 0
		ORDER BY created_seq ASC
		LIMIT ?
	`, strings.Join(placeholders, ", "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var recs []graph.EntityRecord
	for rows.Next() {
		rec, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("list entities: %w", err)
		}
		recs = append(recs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	return recs, nil
}

// QueryEdges returns live edge entities matching q in stable id order.
func (s *SQLiteStore) QueryEdges(ctx context.Context, q EdgeQuery) ([]graph.EdgeRecord, error) {
	query, args, err := buildEdgeSQL(q, sqliteDialect)
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer rows.Close()

	return scanEdges(rows)
}

// LoadCursor returns the source's checkpoint, or nil, nil when absent.
func (s *SQLiteStore) LoadCursor(ctx context.Context, sourceID string) (*graph.Cursor, error) {
	var cur graph.Cursor
	var at int64
	err := s.db.QueryRowContext(ctx, `
		SELECT source_id, last_applied_token, last_applied_at
		FROM cursors WHERE source_id = ?
	`, sourceID).Scan(&cur.SourceID, &cur.LastAppliedToken, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load cursor %s: %w", sourceID, err)
	}
	cur.LastAppliedAt = timeFromNanos(at)
	return &cur, nil
}

// ListCursors returns every source checkpoint in source order.
func (s *SQLiteStore) ListCursors(ctx context.Context) ([]graph.Cursor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_id, last_applied_token, last_applied_at
		FROM cursors ORDER BY source_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}
	defer rows.Close()

	var curs []graph.Cursor
	for rows.Next() {
		var cur graph.Cursor
		var at int64
		if err := rows.Scan(&cur.SourceID, &cur.LastAppliedToken, &at); err != nil {
			return nil, fmt.Errorf("list cursors: %w", err)
		}
		cur.LastAppliedAt = timeFromNanos(at)
		curs = append(curs, cur)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}
	return curs, nil
}

// ListQuarantine returns dead-lettered events, newest first. sourceID ""
// lists all sources.
func (s *SQLiteStore) ListQuarantine(ctx context.Context, sourceID string, limit int) ([]graph.QuarantineRecord, error) {
	query := `
		SELECT id, source_id, sequence_token, reason, detail, payload, quarantined_at
		FROM quarantine
	`
	var args []any
	if sourceID != "" {
		query += " WHERE source_id = ?"
		args = append(args, sourceID)
	}
	query += " ORDER BY quarantined_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list quarantine: %w", err)
	}
	defer rows.Close()

	var recs []graph.QuarantineRecord
	for rows.Next() {
		var rec graph.QuarantineRecord
		var at int64
		if err := rows.Scan(&rec.ID, &rec.SourceID, &rec.SequenceToken, &rec.Reason, &rec.Detail, &rec.Payload, &at); err != nil {
			return nil, fmt.Errorf("list quarantine: %w", err)
		}
		rec.QuarantinedAt = timeFromNanos(at)
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list quarantine: %w", err)
	}
	return recs, nil
}

// LoadMigrationState returns the migration's row, or nil, nil before the
// migration has ever been started.
func (s *SQLiteStore) LoadMigrationState(ctx context.Context, migrationID string) (*graph.MigrationState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT migration_id, phase, progress_cursor, started_at, phase_started_at, failure
		FROM migration_states WHERE migration_id = ?
	`, migrationID)

	st, err := scanMigrationState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load migration state %s: %w", migrationID, err)
	}
	return st, nil
}

// ListMigrationStates returns all migration rows in id order.
func (s *SQLiteStore) ListMigrationStates(ctx context.Context) ([]graph.MigrationState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT migration_id, phase, progress_cursor, started_at, phase_started_at, failure
		FROM migration_states ORDER BY migration_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list migration states: %w", err)
	}
	defer rows.Close()

	var states []graph.MigrationState
	for rows.Next() {
		st, err := scanMigrationState(rows)
		if err != nil {
			return nil, fmt.Errorf("list migration states: %w", err)
		}
		states = append(states, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list migration states: %w", err)
	}
	return states, nil
}

// GetRepresentation returns one entity's copy in a representation, or
// nil, nil when it has not been mirrored or backfilled yet.
func (s *SQLiteStore) GetRepresentation(ctx context.Context, repr string, id graph.EntityID) (*RepresentationRow, error) {
	var idStr, fieldsJSON string
	var row RepresentationRow
	err := s.db.QueryRowContext(ctx, `
		SELECT entity_id, version, fields
		FROM representations WHERE repr = ? AND entity_id = ?
	`, repr, id.String()).Scan(&idStr, &row.Version, &fieldsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get representation %s/%s: %w", repr, id, err)
	}

	row.ID, err = graph.ParseEntityID(idStr)
	if err != nil {
		return nil, fmt.Errorf("get representation: %w", err)
	}
	row.Fields, err = unmarshalFields(fieldsJSON)
	if err != nil {
		return nil, fmt.Errorf("get representation: %w", err)
	}
	return &row, nil
}

// CountRepresentation returns the number of rows in one representation.
func (s *SQLiteStore) CountRepresentation(ctx context.Context, repr string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM representations WHERE repr = ?", repr).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count representation %s: %w", repr, err)
	}
	return count, nil
}

// ListRepresentation pages one representation's rows in entity id order.
func (s *SQLiteStore) ListRepresentation(ctx context.Context, repr string, afterID string, limit int) ([]RepresentationRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, version, fields
		FROM representations
		WHERE repr = ? AND entity_id > ?
		ORDER BY entity_id ASC
		LIMIT ?
	`, repr, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list representation %s: %w", repr, err)
	}
	defer rows.Close()

	var out []RepresentationRow
	for rows.Next() {
		var idStr, fieldsJSON string
		var row RepresentationRow
		if err := rows.Scan(&idStr, &row.Version, &fieldsJSON); err != nil {
			return nil, fmt.Errorf("list representation %s: %w", repr, err)
		}
		if row.ID, err = graph.ParseEntityID(idStr); err != nil {
			return nil, fmt.Errorf("list representation %s: %w", repr, err)
		}
		if row.Fields, err = unmarshalFields(fieldsJSON); err != nil {
			return nil, fmt.Errorf("list representation %s: %w", repr, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list representation %s: %w", repr, err)
	}
	return out, nil
}

// PendingMirrorIntents lists uncleared intents, oldest first.
func (s *SQLiteStore) PendingMirrorIntents(ctx context.Context, limit int) ([]graph.MirrorIntent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT repr, entity_id, version
		FROM mirror_intents
		ORDER BY created_at ASC, entity_id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("pending mirror intents: %w", err)
	}
	defer rows.Close()

	var intents []graph.MirrorIntent
	for rows.Next() {
		var intent graph.MirrorIntent
		var idStr string
		if err := rows.Scan(&intent.Repr, &idStr, &intent.Version); err != nil {
			return nil, fmt.Errorf("pending mirror intents: %w", err)
		}
		intent.EntityID, err = graph.ParseEntityID(idStr)
		if err != nil {
			return nil, fmt.Errorf("pending mirror intents: %w", err)
		}
		intents = append(intents, intent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pending mirror intents: %w", err)
	}
	return intents, nil
}

// ReadRoute returns the representation reads use for kind, "" = primary.
func (s *SQLiteStore) ReadRoute(ctx context.Context, kind graph.EntityKind) (string, error) {
	var repr string
	err := s.db.QueryRowContext(ctx, "SELECT repr FROM read_routes WHERE kind = ?", string(kind)).Scan(&repr)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read route %s: %w", kind, err)
	}
	return repr, nil
}

// scanEntity reads one entities row into an EntityRecord.
func scanEntity(row rowScanner) (*graph.EntityRecord, error) {
	var rec graph.EntityRecord
	var idStr, kindStr, fieldsJSON string
	var occurredAt int64
	var edgeFrom, edgeTo sql.NullString

	err := row.Scan(&idStr, &kindStr, &rec.Version, &fieldsJSON, &occurredAt,
		&rec.SourceID, &rec.CreatedSeq, &rec.Deleted, &edgeFrom, &edgeTo)
	if err != nil {
		return nil, err
	}

	rec.ID, err = graph.ParseEntityID(idStr)
	if err != nil {
		return nil, fmt.Errorf("scan entity: %w", err)
	}
	if rec.ID.Kind != graph.EntityKind(kindStr) {
		return nil, fmt.Errorf("scan entity %s: kind column %q does not match id", idStr, kindStr)
	}
	rec.Fields, err = unmarshalFields(fieldsJSON)
	if err != nil {
		return nil, fmt.Errorf("scan entity %s: %w", idStr, err)
	}
	rec.OccurredAt = timeFromNanos(occurredAt)
	rec.Edge, err = edgeFromColumns(edgeFrom, edgeTo)
	if err != nil {
		return nil, fmt.Errorf("scan entity %s: %w", idStr, err)
	}
	return &rec, nil
}

// scanMigrationState reads one migration_states row.
func scanMigrationState(row rowScanner) (*graph.MigrationState, error) {
	var st graph.MigrationState
	var phase string
	var startedAt, phaseStartedAt int64

	err := row.Scan(&st.MigrationID, &phase, &st.ProgressCursor, &startedAt, &phaseStartedAt, &st.Failure)
	if err != nil {
		return nil, err
	}

	st.Phase = graph.Phase(phase)
	if !st.Phase.Valid() {
		return nil, fmt.Errorf("scan migration state %s: unknown phase %q", st.MigrationID, phase)
	}
	st.StartedAt = timeFromNanos(startedAt)
	st.PhaseStartedAt = timeFromNanos(phaseStartedAt)
	return &st, nil
}

// scanEdges drains an edge query result set.
func scanEdges(rows *sql.Rows) ([]graph.EdgeRecord, error) {
	var edges []graph.EdgeRecord
	for rows.Next() {
		var edge graph.EdgeRecord
		var idStr, kindStr string
		var edgeFrom, edgeTo sql.NullString
		if err := rows.Scan(&idStr, &kindStr, &edgeFrom, &edgeTo, &edge.Version); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}

		id, err := graph.ParseEntityID(idStr)
		if err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		ref, err := edgeFromColumns(edgeFrom, edgeTo)
		if err != nil {
			return nil, fmt.Errorf("scan edge %s: %w", idStr, err)
		}
		if ref == nil {
			return nil, fmt.Errorf("scan edge %s: missing endpoints", idStr)
		}

		edge.EntityID = id
		edge.Kind = graph.EntityKind(kindStr)
		edge.From = ref.From
		edge.To = ref.To
		edges = append(edges, edge)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan edges: %w", err)
	}
	return edges, nil
}
