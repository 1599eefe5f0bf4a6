package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/roach88/loom/internal/graph"
)

// postgresSchema mirrors schema.sql with Postgres types. created_seq
// comes from a native sequence instead of the single-row allocator;
// sequence gaps are harmless because only the ordering matters.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS entities (
    id          TEXT PRIMARY KEY,
    kind        TEXT NOT NULL,
    version     BIGINT NOT NULL,
    fields      TEXT NOT NULL,
    occurred_at BIGINT NOT NULL,
    source_id   TEXT NOT NULL,
    created_seq BIGINT NOT NULL,
    deleted     BIGINT NOT NULL DEFAULT 0,
    edge_from   TEXT,
    edge_to     TEXT
);
CREATE INDEX IF NOT EXISTS idx_entities_kind_created ON entities (kind, created_seq);
CREATE INDEX IF NOT EXISTS idx_entities_edge_from ON entities (kind, edge_from);
CREATE INDEX IF NOT EXISTS idx_entities_edge_to ON entities (kind, edge_to);

CREATE SEQUENCE IF NOT EXISTS entity_created_seq;

CREATE TABLE IF NOT EXISTS seen_events (
    source_id    TEXT NOT NULL,
    token        TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    seen_at      BIGINT NOT NULL,
    PRIMARY KEY (source_id, token, content_hash)
);

CREATE TABLE IF NOT EXISTS cursors (
    source_id          TEXT PRIMARY KEY,
    last_applied_token TEXT NOT NULL,
    last_applied_at    BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS quarantine (
    id             TEXT PRIMARY KEY,
    source_id      TEXT NOT NULL,
    sequence_token TEXT NOT NULL,
    reason         TEXT NOT NULL,
    detail         TEXT NOT NULL,
    payload        BYTEA,
    quarantined_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_quarantine_source ON quarantine (source_id, quarantined_at);

CREATE TABLE IF NOT EXISTS migration_states (
    migration_id     TEXT PRIMARY KEY,
    phase            TEXT NOT NULL,
    progress_cursor  TEXT NOT NULL DEFAULT '',
    started_at       BIGINT NOT NULL,
    phase_started_at BIGINT NOT NULL,
    failure          TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS mirror_intents (
    repr       TEXT NOT NULL,
    entity_id  TEXT NOT NULL,
    version    BIGINT NOT NULL,
    created_at BIGINT NOT NULL,
    PRIMARY KEY (repr, entity_id, version)
);

CREATE TABLE IF NOT EXISTS representations (
    repr      TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    version   BIGINT NOT NULL,
    fields    TEXT NOT NULL,
    PRIMARY KEY (repr, entity_id)
);

CREATE TABLE IF NOT EXISTS read_routes (
    kind TEXT PRIMARY KEY,
    repr TEXT NOT NULL
);
`

// PostgresStore implements GraphStore on Postgres via lib/pq. Semantics
// match SQLiteStore exactly; only placeholders, DDL types and the
// created_seq source differ.
type PostgresStore struct {
	db *sql.DB
}

var _ GraphStore = (*PostgresStore)(nil)

// OpenPostgres connects to dsn and applies the schema. The DDL is
// idempotent, so concurrent opens against the same database are safe.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("open postgres: empty dsn")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open postgres: ping: %w", err)
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("open postgres: apply schema: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) GetEntity(ctx context.Context, id graph.EntityID) (*graph.EntityRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, version, fields, occurred_at, source_id, created_seq, deleted, edge_from, edge_to
		FROM entities WHERE id = $1
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

func (s *PostgresStore) PutEntity(ctx context.Context, rec graph.EntityRecord, expectVersion int64, intents []graph.MirrorIntent) error {
	fieldsJSON, err := marshalFields(rec.Fields)
	if err != nil {
		return fmt.Errorf("put entity: %w", err)
	}
	edgeFrom, edgeTo := edgeColumns(rec.Edge)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("put entity: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if expectVersion == 0 {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO entities
			(id, kind, version, fields, occurred_at, source_id, created_seq, deleted, edge_from, edge_to)
			VALUES ($1, $2, $3, $4, $5, $6, nextval('entity_created_seq'), $7, $8, $9)
			ON CONFLICT (id) DO NOTHING
		`,
			rec.ID.String(),
			string(rec.ID.Kind),
			rec.Version,
			fieldsJSON,
			nanos(rec.OccurredAt),
			rec.SourceID,
			rec.Deleted,
			edgeFrom,
			edgeTo,
		)
		if err != nil {
			return fmt.Errorf("put entity: insert: %w", err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("put entity: rows affected: %w", err)
		}
		if rowsAffected == 0 {
			return fmt.Errorf("put entity %s: row exists: %w", rec.ID, graph.ErrVersionConflict)
		}
	} else {
		result, err := tx.ExecContext(ctx, `
			UPDATE entities
			SET version = $1, fields = $2, occurred_at = $3, source_id = $4, deleted = $5, edge_from = $6, edge_to = $7
			WHERE id = $8 AND version = $9
		`,
			rec.Version,
			fieldsJSON,
			nanos(rec.OccurredAt),
			rec.SourceID,
			rec.Deleted,
			edgeFrom,
			edgeTo,
			rec.ID.String(),
			expectVersion,
		)
		if err != nil {
			return fmt.Errorf("put entity: update: %w", err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("put entity: rows affected: %w", err)
		}
		if rowsAffected == 0 {
			return fmt.Errorf("put entity %s: expected version %d: %w", rec.ID, expectVersion, graph.ErrVersionConflict)
		}
	}

	now := time.Now().UnixNano()
	for _, intent := range intents {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO mirror_intents (repr, entity_id, version, created_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (repr, entity_id, version) DO NOTHING
		`,
			intent.Repr,
			intent.EntityID.String(),
			intent.Version,
			now,
		)
		if err != nil {
			return fmt.Errorf("put entity: write mirror intent: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("put entity: commit: %w", err)
	}

	return nil
}

func (s *PostgresStore) DeleteEntity(ctx context.Context, id graph.EntityID, expectVersion int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE entities
		SET version = $1, fields = '{}', deleted = 1
		WHERE id = $2 AND version = $3
	`,
		expectVersion+1,
		id.String(),
		expectVersion,
	)
	if err != nil {
		return fmt.Errorf("delete entity: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete entity: rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("delete entity %s: expected version %d: %w", id, expectVersion, graph.ErrVersionConflict)
	}
	return nil
}

func (s *PostgresStore) ListEntitiesByCreation(ctx context.Context, kinds []graph.EntityKind, afterSeq int64, limit int) ([]graph.EntityRecord, error) {
	if len(kinds) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(kinds))
	args := make([]any, 0, len(kinds)+2)
	for i, k := range kinds {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args = append(args, string(k))
	}
	args = append(args, afterSeq, limit)

	query := fmt.Sprintf(`
		SELECT id, kind, version, fields, occurred_at, source_id, created_seq, deleted, edge_from, edge_to
		FROM entities
		WHERE kind IN (%s) AND created_seq > $%d AND deleted = 0
		ORDER BY created_seq ASC
		LIMIT $%d
	`, strings.Join(placeholders, ", "), len(kinds)+1, len(kinds)+2)

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

func (s *PostgresStore) QueryEdges(ctx context.Context, q EdgeQuery) ([]graph.EdgeRecord, error) {
	query, args, err := buildEdgeSQL(q, postgresDialect)
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

func (s *PostgresStore) LoadCursor(ctx context.Context, sourceID string) (*graph.Cursor, error) {
	var cur graph.Cursor
	var at int64
	err := s.db.QueryRowContext(ctx, `
		SELECT source_id, last_applied_token, last_applied_at
		FROM cursors WHERE source_id = $1
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

func (s *PostgresStore) SaveCursor(ctx context.Context, cur graph.Cursor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (source_id, last_applied_token, last_applied_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (source_id) DO UPDATE SET
			last_applied_token = EXCLUDED.last_applied_token,
			last_applied_at = EXCLUDED.last_applied_at
	`,
		cur.SourceID,
		cur.LastAppliedToken,
		nanos(cur.LastAppliedAt),
	)
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListCursors(ctx context.Context) ([]graph.Cursor, error) {
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

func (s *PostgresStore) MarkSeen(ctx context.Context, sourceID, token, contentHash string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO seen_events (source_id, token, content_hash, seen_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (source_id, token, content_hash) DO NOTHING
	`,
		sourceID,
		token,
		contentHash,
		time.Now().UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("mark seen: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark seen: rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

func (s *PostgresStore) AddQuarantine(ctx context.Context, rec graph.QuarantineRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quarantine (id, source_id, sequence_token, reason, detail, payload, quarantined_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`,
		rec.ID,
		rec.SourceID,
		rec.SequenceToken,
		rec.Reason,
		rec.Detail,
		rec.Payload,
		nanos(rec.QuarantinedAt),
	)
	if err != nil {
		return fmt.Errorf("add quarantine: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListQuarantine(ctx context.Context, sourceID string, limit int) ([]graph.QuarantineRecord, error) {
	query := `
		SELECT id, source_id, sequence_token, reason, detail, payload, quarantined_at
		FROM quarantine
	`
	var args []any
	if sourceID != "" {
		query += " WHERE source_id = $1 ORDER BY quarantined_at DESC, id DESC LIMIT $2"
		args = append(args, sourceID, limit)
	} else {
		query += " ORDER BY quarantined_at DESC, id DESC LIMIT $1"
		args = append(args, limit)
	}

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

func (s *PostgresStore) LoadMigrationState(ctx context.Context, migrationID string) (*graph.MigrationState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT migration_id, phase, progress_cursor, started_at, phase_started_at, failure
		FROM migration_states WHERE migration_id = $1
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

func (s *PostgresStore) SaveMigrationState(ctx context.Context, st graph.MigrationState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO migration_states (migration_id, phase, progress_cursor, started_at, phase_started_at, failure)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (migration_id) DO UPDATE SET
			phase = EXCLUDED.phase,
			progress_cursor = EXCLUDED.progress_cursor,
			started_at = EXCLUDED.started_at,
			phase_started_at = EXCLUDED.phase_started_at,
			failure = EXCLUDED.failure
	`,
		st.MigrationID,
		string(st.Phase),
		st.ProgressCursor,
		nanos(st.StartedAt),
		nanos(st.PhaseStartedAt),
		st.Failure,
	)
	if err != nil {
		return fmt.Errorf("save migration state: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMigrationStates(ctx context.Context) ([]graph.MigrationState, error) {
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

func (s *PostgresStore) PutRepresentation(ctx context.Context, repr string, id graph.EntityID, version int64, fields graph.Fields) error {
	fieldsJSON, err := marshalFields(fields)
	if err != nil {
		return fmt.Errorf("put representation: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO representations (repr, entity_id, version, fields)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (repr, entity_id) DO UPDATE SET
			version = EXCLUDED.version,
			fields = EXCLUDED.fields
		WHERE EXCLUDED.version >= representations.version
	`,
		repr,
		id.String(),
		version,
		fieldsJSON,
	)
	if err != nil {
		return fmt.Errorf("put representation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRepresentation(ctx context.Context, repr string, id graph.EntityID) (*RepresentationRow, error) {
	var idStr, fieldsJSON string
	var row RepresentationRow
	err := s.db.QueryRowContext(ctx, `
		SELECT entity_id, version, fields
		FROM representations WHERE repr = $1 AND entity_id = $2
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

func (s *PostgresStore) CountRepresentation(ctx context.Context, repr string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM representations WHERE repr = $1", repr).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count representation %s: %w", repr, err)
	}
	return count, nil
}

func (s *PostgresStore) ListRepresentation(ctx context.Context, repr string, afterID string, limit int) ([]RepresentationRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, version, fields
		FROM representations
		WHERE repr = $1 AND entity_id > $2
		ORDER BY entity_id ASC
		LIMIT $3
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

func (s *PostgresStore) DropRepresentation(ctx context.Context, repr string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM representations WHERE repr = $1", repr)
	if err != nil {
		return fmt.Errorf("drop representation: %w", err)
	}
	return nil
}

func (s *PostgresStore) PendingMirrorIntents(ctx context.Context, limit int) ([]graph.MirrorIntent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT repr, entity_id, version
		FROM mirror_intents
		ORDER BY created_at ASC, entity_id ASC
		LIMIT $1
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

func (s *PostgresStore) ClearMirrorIntent(ctx context.Context, intent graph.MirrorIntent) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM mirror_intents
		WHERE repr = $1 AND entity_id = $2 AND version = $3
	`,
		intent.Repr,
		intent.EntityID.String(),
		intent.Version,
	)
	if err != nil {
		return fmt.Errorf("clear mirror intent: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReadRoute(ctx context.Context, kind graph.EntityKind) (string, error) {
	var repr string
	err := s.db.QueryRowContext(ctx, "SELECT repr FROM read_routes WHERE kind = $1", string(kind)).Scan(&repr)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read route %s: %w", kind, err)
	}
	return repr, nil
}

func (s *PostgresStore) SetReadRoute(ctx context.Context, kind graph.EntityKind, repr string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO read_routes (kind, repr)
		VALUES ($1, $2)
		ON CONFLICT (kind) DO UPDATE SET repr = EXCLUDED.repr
	`,
		string(kind),
		repr,
	)
	if err != nil {
		return fmt.Errorf("set read route: %w", err)
	}
	return nil
}

// Clear truncates every table and restarts the creation sequence.
func (s *PostgresStore) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		TRUNCATE entities, seen_events, cursors, quarantine,
			migration_states, mirror_intents, representations, read_routes
	`)
	if err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "SELECT setval('entity_created_seq', 1, false)"); err != nil {
		return fmt.Errorf("clear: reset seq: %w", err)
	}
	return nil
}
