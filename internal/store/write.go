package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/loom/internal/graph"
)

// PutEntity inserts or CAS-updates one entity row and persists the mirror
// intents in the same transaction. expectVersion 0 means the row must not
// exist; otherwise the stored version must match exactly. Either failure
// mode reports graph.ErrVersionConflict so the applier can re-read and
// retry.
func (s *SQLiteStore) PutEntity(ctx context.Context, rec graph.EntityRecord, expectVersion int64, intents []graph.MirrorIntent) error {
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
		// Claim the next creation sequence, then insert. The bump rolls
		// back with the transaction if the insert loses the race.
		if _, err := tx.ExecContext(ctx, "UPDATE entity_seq SET seq = seq + 1 WHERE id = 1"); err != nil {
			return fmt.Errorf("put entity: bump seq: %w", err)
		}
		var seq int64
		if err := tx.QueryRowContext(ctx, "SELECT seq FROM entity_seq WHERE id = 1").Scan(&seq); err != nil {
			return fmt.Errorf("put entity: read seq: %w", err)
		}

		result, err := tx.ExecContext(ctx, `
			INSERT INTO entities
			(id, kind, version, fields, occurred_at, source_id, created_seq, deleted, edge_from, edge_to)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`,
			rec.ID.String(),
			string(rec.ID.Kind),
			rec.Version,
			fieldsJSON,
			nanos(rec.OccurredAt),
			rec.SourceID,
			seq,
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
			SET version = ?, fields = ?, occurred_at = ?, source_id = ?, deleted = ?, edge_from = ?, edge_to = ?
			WHERE id = ? AND version = ?
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
			VALUES (?, ?, ?, ?)
			ON CONFLICT(repr, entity_id, version) DO NOTHING
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

// DeleteEntity tombstones an entity under CAS: version bumps, fields clear,
// provenance columns stay. The row itself is never removed so stale writes
// keep failing their version check.
func (s *SQLiteStore) DeleteEntity(ctx context.Context, id graph.EntityID, expectVersion int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE entities
		SET version = ?, fields = '{}', deleted = 1
		WHERE id = ? AND version = ?
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

// MarkSeen records the delivery triple in the dedup ledger and reports
// whether it was new. Uses ON CONFLICT DO NOTHING so redelivery is silent.
func (s *SQLiteStore) MarkSeen(ctx context.Context, sourceID, token, contentHash string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO seen_events (source_id, token, content_hash, seen_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(source_id, token, content_hash) DO NOTHING
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

// SaveCursor upserts the per-source cursor row.
func (s *SQLiteStore) SaveCursor(ctx context.Context, cur graph.Cursor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (source_id, last_applied_token, last_applied_at)
		VALUES (?, ?, ?)
		ON CONFLICT(source_id) DO UPDATE SET
			last_applied_token = excluded.last_applied_token,
			last_applied_at = excluded.last_applied_at
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

// AddQuarantine inserts a dead-letter record. Duplicate IDs are silently
// ignored so a retried batch never double-reports.
func (s *SQLiteStore) AddQuarantine(ctx context.Context, rec graph.QuarantineRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quarantine (id, source_id, sequence_token, reason, detail, payload, quarantined_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
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

// SaveMigrationState upserts the single row for one migration.
func (s *SQLiteStore) SaveMigrationState(ctx context.Context, st graph.MigrationState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO migration_states (migration_id, phase, progress_cursor, started_at, phase_started_at, failure)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(migration_id) DO UPDATE SET
			phase = excluded.phase,
			progress_cursor = excluded.progress_cursor,
			started_at = excluded.started_at,
			phase_started_at = excluded.phase_started_at,
			failure = excluded.failure
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

// PutRepresentation upserts an entity's copy in a representation, guarded
// so an older version never clobbers a newer one. Mirror and backfill race
// on this row; the guard makes the race harmless.
func (s *SQLiteStore) PutRepresentation(ctx context.Context, repr string, id graph.EntityID, version int64, fields graph.Fields) error {
	fieldsJSON, err := marshalFields(fields)
	if err != nil {
		return fmt.Errorf("put representation: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO representations (repr, entity_id, version, fields)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(repr, entity_id) DO UPDATE SET
			version = excluded.version,
			fields = excluded.fields
		WHERE excluded.version >= representations.version
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

// DropRepresentation removes every row of one representation.
func (s *SQLiteStore) DropRepresentation(ctx context.Context, repr string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM representations WHERE repr = ?", repr)
	if err != nil {
		return fmt.Errorf("drop representation: %w", err)
	}
	return nil
}

// ClearMirrorIntent removes one landed mirror intent.
func (s *SQLiteStore) ClearMirrorIntent(ctx context.Context, intent graph.MirrorIntent) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM mirror_intents
		WHERE repr = ? AND entity_id = ? AND version = ?
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

// SetReadRoute flips which representation reads use for a kind.
// repr "" routes back to the primary table.
func (s *SQLiteStore) SetReadRoute(ctx context.Context, kind graph.EntityKind, repr string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO read_routes (kind, repr)
		VALUES (?, ?)
		ON CONFLICT(kind) DO UPDATE SET repr = excluded.repr
	`,
		string(kind),
		repr,
	)
	if err != nil {
		return fmt.Errorf("set read route: %w", err)
	}
	return nil
}
