package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/db"

	"github.com/roach88/loom/internal/graph"
)

// Neo4jStore implements GraphStore on Neo4j. Every entity is an Entity
// node; relational kinds are additionally projected as typed
// relationships (FOLLOWS, TAGGED, ...) between their endpoint nodes,
// and QueryEdges traverses those relationships. The projection assumes
// endpoints exist when an edge lands, which the applier's dependency
// holds guarantee.
//
// Like the SQLite backend, correctness of compare-and-set relies on a
// single writer per store.
type Neo4jStore struct {
	driver neo4j.DriverWithContext
}

var _ GraphStore = (*Neo4jStore)(nil)

// nodeLabels gives node kinds their second label, matching the graph
// shape read tooling expects (User and Post nodes, typed edges).
var nodeLabels = map[graph.EntityKind]string{
	graph.KindUser: "User",
	graph.KindPost: "Post",
}

var edgeRelTypes = map[graph.EntityKind]string{
	graph.KindFollow:   "FOLLOWS",
	graph.KindTag:      "TAGGED",
	graph.KindBookmark: "BOOKMARKED",
	graph.KindMute:     "MUTED",
}

var neo4jSchemaStatements = []string{
	"CREATE CONSTRAINT entity_id IF NOT EXISTS FOR (e:Entity) REQUIRE e.id IS UNIQUE",
	"CREATE CONSTRAINT seen_event_key IF NOT EXISTS FOR (e:SeenEvent) REQUIRE e.key IS UNIQUE",
	"CREATE CONSTRAINT cursor_source IF NOT EXISTS FOR (c:Cursor) REQUIRE c.source_id IS UNIQUE",
	"CREATE CONSTRAINT quarantine_id IF NOT EXISTS FOR (q:Quarantine) REQUIRE q.id IS UNIQUE",
	"CREATE CONSTRAINT migration_id IF NOT EXISTS FOR (m:MigrationState) REQUIRE m.migration_id IS UNIQUE",
	"CREATE CONSTRAINT mirror_intent_key IF NOT EXISTS FOR (i:MirrorIntent) REQUIRE i.key IS UNIQUE",
	"CREATE CONSTRAINT representation_key IF NOT EXISTS FOR (r:Representation) REQUIRE r.key IS UNIQUE",
	"CREATE CONSTRAINT read_route_kind IF NOT EXISTS FOR (r:ReadRoute) REQUIRE r.kind IS UNIQUE",
	"CREATE INDEX entity_kind_seq IF NOT EXISTS FOR (e:Entity) ON (e.kind, e.created_seq)",
}

// OpenNeo4j connects, verifies connectivity and applies constraints.
func OpenNeo4j(ctx context.Context, uri, username, password string) (*Neo4jStore, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("open neo4j: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("open neo4j: verify connectivity: %w", err)
	}

	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)
	for _, stmt := range neo4jSchemaStatements {
		result, err := session.Run(ctx, stmt, nil)
		if err != nil {
			driver.Close(ctx)
			return nil, fmt.Errorf("open neo4j: apply schema: %w", err)
		}
		if _, err := result.Consume(ctx); err != nil {
			driver.Close(ctx)
			return nil, fmt.Errorf("open neo4j: apply schema: %w", err)
		}
	}

	return &Neo4jStore{driver: driver}, nil
}

func (s *Neo4jStore) Close() error {
	return s.driver.Close(context.Background())
}

// write runs fn in a managed write transaction on a fresh session.
func (s *Neo4jStore) write(ctx context.Context, fn func(tx neo4j.ManagedTransaction) (any, error)) (any, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)
	return session.ExecuteWrite(ctx, fn)
}

func (s *Neo4jStore) read(ctx context.Context, fn func(tx neo4j.ManagedTransaction) (any, error)) (any, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)
	return session.ExecuteRead(ctx, fn)
}

const entityReturn = `
	RETURN e.id AS id, e.kind AS kind, e.version AS version, e.fields AS fields,
	       e.occurred_at AS occurred_at, e.source_id AS source_id,
	       e.created_seq AS created_seq, e.deleted AS deleted,
	       e.edge_from AS edge_from, e.edge_to AS edge_to
`

func (s *Neo4jStore) GetEntity(ctx context.Context, id graph.EntityID) (*graph.EntityRecord, error) {
	out, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, "MATCH (e:Entity {id: $id})"+entityReturn,
			map[string]any{"id": id.String()})
		if err != nil {
			return nil, err
		}
		return result.Collect(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("get entity %s: %w", id, err)
	}

	records := out.([]*db.Record)
	if len(records) == 0 {
		return nil, nil
	}
	rec, err := decodeNeo4jEntity(records[0])
	if err != nil {
		return nil, fmt.Errorf("get entity %s: %w", id, err)
	}
	return rec, nil
}

func (s *Neo4jStore) PutEntity(ctx context.Context, rec graph.EntityRecord, expectVersion int64, intents []graph.MirrorIntent) error {
	fieldsJSON, err := marshalFields(rec.Fields)
	if err != nil {
		return fmt.Errorf("put entity: %w", err)
	}

	params := map[string]any{
		"id":          rec.ID.String(),
		"kind":        string(rec.ID.Kind),
		"version":     rec.Version,
		"fields":      fieldsJSON,
		"occurred_at": nanos(rec.OccurredAt),
		"source_id":   rec.SourceID,
		"deleted":     boolToInt(rec.Deleted),
		"expect":      expectVersion,
		"label":       "",
	}
	if rec.Edge != nil {
		params["edge_from"] = rec.Edge.From.String()
		params["edge_to"] = rec.Edge.To.String()
	} else {
		params["edge_from"] = nil
		params["edge_to"] = nil
	}
	if label, ok := rec.Fields["label"].(string); ok {
		params["label"] = label
	}

	relType := edgeRelTypes[rec.ID.Kind]

	var cypher string
	if expectVersion == 0 {
		// The unique constraint on id turns a duplicate create into a
		// constraint error, mapped to a version conflict below. The Seq
		// counter bump rolls back with the transaction.
		create := `
			MERGE (c:Seq {id: 'entity'})
			SET c.n = coalesce(c.n, 0) + 1
			WITH c.n AS seq
			CREATE (e:Entity%s {id: $id, kind: $kind, version: $version, fields: $fields,
				occurred_at: $occurred_at, source_id: $source_id, created_seq: seq,
				deleted: $deleted, edge_from: $edge_from, edge_to: $edge_to})
		`
		label := ""
		if l, ok := nodeLabels[rec.ID.Kind]; ok {
			label = ":" + l
		}
		cypher = fmt.Sprintf(create, label)
		if relType != "" {
			cypher += fmt.Sprintf(`
				WITH 1 AS _
				OPTIONAL MATCH (f:Entity {id: $edge_from})
				OPTIONAL MATCH (t:Entity {id: $edge_to})
				FOREACH (_ IN CASE WHEN f IS NULL OR t IS NULL THEN [] ELSE [1] END |
					MERGE (f)-[r:%s {id: $id}]->(t)
					SET r.version = $version, r.deleted = $deleted, r.label = $label)
			`, relType)
		}
		cypher += "\nRETURN 1 AS applied"
	} else {
		update := `
			MATCH (e:Entity {id: $id})
			WHERE e.version = $expect
			SET e.version = $version, e.fields = $fields, e.occurred_at = $occurred_at,
			    e.source_id = $source_id, e.deleted = $deleted
		`
		cypher = update
		if relType != "" {
			cypher += fmt.Sprintf(`
				WITH e
				OPTIONAL MATCH ()-[r:%s {id: $id}]-()
				FOREACH (rel IN CASE WHEN r IS NULL THEN [] ELSE [r] END |
					SET rel.version = $version, rel.deleted = $deleted, rel.label = $label)
			`, relType)
		}
		cypher += "\nRETURN 1 AS applied"
	}

	_, err = s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		records, err := result.Collect(ctx)
		if err != nil {
			return nil, err
		}
		if len(records) == 0 {
			return nil, fmt.Errorf("expected version %d: %w", expectVersion, graph.ErrVersionConflict)
		}

		for _, intent := range intents {
			intentResult, err := tx.Run(ctx, `
				MERGE (i:MirrorIntent {key: $key})
				ON CREATE SET i.repr = $repr, i.entity_id = $entity_id,
					i.version = $version, i.created_at = timestamp()
			`, map[string]any{
				"key":       mirrorIntentKey(intent),
				"repr":      intent.Repr,
				"entity_id": intent.EntityID.String(),
				"version":   intent.Version,
			})
			if err != nil {
				return nil, fmt.Errorf("write mirror intent: %w", err)
			}
			if _, err := intentResult.Consume(ctx); err != nil {
				return nil, fmt.Errorf("write mirror intent: %w", err)
			}
		}
		return nil, nil
	})
	if err != nil {
		if isNeo4jConstraintError(err) {
			return fmt.Errorf("put entity %s: row exists: %w", rec.ID, graph.ErrVersionConflict)
		}
		return fmt.Errorf("put entity %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Neo4jStore) DeleteEntity(ctx context.Context, id graph.EntityID, expectVersion int64) error {
	cypher := `
		MATCH (e:Entity {id: $id})
		WHERE e.version = $expect
		SET e.version = $expect + 1, e.fields = '{}', e.deleted = 1
	`
	if relType := edgeRelTypes[id.Kind]; relType != "" {
		cypher += fmt.Sprintf(`
			WITH e
			OPTIONAL MATCH ()-[r:%s {id: $id}]-()
			FOREACH (rel IN CASE WHEN r IS NULL THEN [] ELSE [r] END |
				SET rel.version = $expect + 1, rel.deleted = 1)
		`, relType)
	}
	cypher += "\nRETURN 1 AS applied"

	out, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{"id": id.String(), "expect": expectVersion})
		if err != nil {
			return nil, err
		}
		return result.Collect(ctx)
	})
	if err != nil {
		return fmt.Errorf("delete entity %s: %w", id, err)
	}
	if len(out.([]*db.Record)) == 0 {
		return fmt.Errorf("delete entity %s: expected version %d: %w", id, expectVersion, graph.ErrVersionConflict)
	}
	return nil
}

func (s *Neo4jStore) ListEntitiesByCreation(ctx context.Context, kinds []graph.EntityKind, afterSeq int64, limit int) ([]graph.EntityRecord, error) {
	if len(kinds) == 0 {
		return nil, nil
	}
	kindStrs := make([]string, len(kinds))
	for i, k := range kinds {
		kindStrs[i] = string(k)
	}

	out, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, `
			MATCH (e:Entity)
			WHERE e.kind IN $kinds AND e.created_seq > $after AND e.deleted = 0
			WITH e ORDER BY e.created_seq ASC LIMIT $limit
		`+entityReturn, map[string]any{
			"kinds": kindStrs,
			"after": afterSeq,
			"limit": limit,
		})
		if err != nil {
			return nil, err
		}
		return result.Collect(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}

	records := out.([]*db.Record)
	recs := make([]graph.EntityRecord, 0, len(records))
	for _, record := range records {
		rec, err := decodeNeo4jEntity(record)
		if err != nil {
			return nil, fmt.Errorf("list entities: %w", err)
		}
		recs = append(recs, *rec)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return recs, nil
}

func (s *Neo4jStore) QueryEdges(ctx context.Context, q EdgeQuery) ([]graph.EdgeRecord, error) {
	relType := edgeRelTypes[q.Kind]
	if relType == "" {
		return nil, fmt.Errorf("query edges: kind %q is not an edge kind", q.Kind)
	}
	if q.Label != "" && q.Kind != graph.KindTag {
		return nil, fmt.Errorf("query edges: label filter is only valid for %q, got %q", graph.KindTag, q.Kind)
	}
	if q.From == nil && q.To == nil && q.Label == "" {
		return nil, fmt.Errorf("query edges: at least one of from, to or label is required")
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultEdgeLimit
	}
	if limit > maxEdgeLimit {
		limit = maxEdgeLimit
	}

	conds := []string{"r.deleted = 0"}
	params := map[string]any{"limit": limit}
	if q.From != nil {
		conds = append(conds, "f.id = $from")
		params["from"] = q.From.String()
	}
	if q.To != nil {
		conds = append(conds, "t.id = $to")
		params["to"] = q.To.String()
	}
	if q.Label != "" {
		conds = append(conds, "r.label = $label")
		params["label"] = q.Label
	}

	cypher := fmt.Sprintf(`
		MATCH (f:Entity)-[r:%s]->(t:Entity)
		WHERE %s
		RETURN r.id AS id, f.id AS from_id, t.id AS to_id, r.version AS version
		ORDER BY r.id ASC LIMIT $limit
	`, relType, strings.Join(conds, " AND "))

	out, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		return result.Collect(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}

	records := out.([]*db.Record)
	edges := make([]graph.EdgeRecord, 0, len(records))
	for _, record := range records {
		idStr, err := neoString(record, "id")
		if err != nil {
			return nil, fmt.Errorf("query edges: %w", err)
		}
		fromStr, err := neoString(record, "from_id")
		if err != nil {
			return nil, fmt.Errorf("query edges: %w", err)
		}
		toStr, err := neoString(record, "to_id")
		if err != nil {
			return nil, fmt.Errorf("query edges: %w", err)
		}
		version, err := neoInt(record, "version")
		if err != nil {
			return nil, fmt.Errorf("query edges: %w", err)
		}

		id, err := graph.ParseEntityID(idStr)
		if err != nil {
			return nil, fmt.Errorf("query edges: %w", err)
		}
		from, err := graph.ParseEntityID(fromStr)
		if err != nil {
			return nil, fmt.Errorf("query edges: %w", err)
		}
		to, err := graph.ParseEntityID(toStr)
		if err != nil {
			return nil, fmt.Errorf("query edges: %w", err)
		}
		edges = append(edges, graph.EdgeRecord{EntityID: id, Kind: q.Kind, From: from, To: to, Version: version})
	}
	if len(edges) == 0 {
		return nil, nil
	}
	return edges, nil
}

func (s *Neo4jStore) LoadCursor(ctx context.Context, sourceID string) (*graph.Cursor, error) {
	out, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, `
			MATCH (c:Cursor {source_id: $source_id})
			RETURN c.source_id AS source_id, c.token AS token, c.applied_at AS applied_at
		`, map[string]any{"source_id": sourceID})
		if err != nil {
			return nil, err
		}
		return result.Collect(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("load cursor %s: %w", sourceID, err)
	}

	records := out.([]*db.Record)
	if len(records) == 0 {
		return nil, nil
	}
	cur, err := decodeNeo4jCursor(records[0])
	if err != nil {
		return nil, fmt.Errorf("load cursor %s: %w", sourceID, err)
	}
	return cur, nil
}

func (s *Neo4jStore) SaveCursor(ctx context.Context, cur graph.Cursor) error {
	_, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, `
			MERGE (c:Cursor {source_id: $source_id})
			SET c.token = $token, c.applied_at = $applied_at
		`, map[string]any{
			"source_id":  cur.SourceID,
			"token":      cur.LastAppliedToken,
			"applied_at": nanos(cur.LastAppliedAt),
		})
		if err != nil {
			return nil, err
		}
		return nil, consume(ctx, result)
	})
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

func (s *Neo4jStore) ListCursors(ctx context.Context) ([]graph.Cursor, error) {
	out, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, `
			MATCH (c:Cursor)
			RETURN c.source_id AS source_id, c.token AS token, c.applied_at AS applied_at
			ORDER BY c.source_id ASC
		`, nil)
		if err != nil {
			return nil, err
		}
		return result.Collect(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}

	records := out.([]*db.Record)
	curs := make([]graph.Cursor, 0, len(records))
	for _, record := range records {
		cur, err := decodeNeo4jCursor(record)
		if err != nil {
			return nil, fmt.Errorf("list cursors: %w", err)
		}
		curs = append(curs, *cur)
	}
	if len(curs) == 0 {
		return nil, nil
	}
	return curs, nil
}

func (s *Neo4jStore) MarkSeen(ctx context.Context, sourceID, token, contentHash string) (bool, error) {
	key := sourceID + "\x00" + token + "\x00" + contentHash
	out, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, `
			MERGE (e:SeenEvent {key: $key})
			ON CREATE SET e.seen_at = timestamp(), e.fresh = true
			WITH e, coalesce(e.fresh, false) AS fresh
			REMOVE e.fresh
			RETURN fresh
		`, map[string]any{"key": key})
		if err != nil {
			return nil, err
		}
		record, err := result.Single(ctx)
		if err != nil {
			return nil, err
		}
		fresh, _ := record.Get("fresh")
		return fresh == true, nil
	})
	if err != nil {
		return false, fmt.Errorf("mark seen: %w", err)
	}
	return out.(bool), nil
}

func (s *Neo4jStore) AddQuarantine(ctx context.Context, rec graph.QuarantineRecord) error {
	_, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, `
			MERGE (q:Quarantine {id: $id})
			ON CREATE SET q.source_id = $source_id, q.sequence_token = $sequence_token,
				q.reason = $reason, q.detail = $detail, q.payload = $payload,
				q.quarantined_at = $quarantined_at
		`, map[string]any{
			"id":             rec.ID,
			"source_id":      rec.SourceID,
			"sequence_token": rec.SequenceToken,
			"reason":         rec.Reason,
			"detail":         rec.Detail,
			"payload":        rec.Payload,
			"quarantined_at": nanos(rec.QuarantinedAt),
		})
		if err != nil {
			return nil, err
		}
		return nil, consume(ctx, result)
	})
	if err != nil {
		return fmt.Errorf("add quarantine: %w", err)
	}
	return nil
}

func (s *Neo4jStore) ListQuarantine(ctx context.Context, sourceID string, limit int) ([]graph.QuarantineRecord, error) {
	match := "MATCH (q:Quarantine)"
	params := map[string]any{"limit": limit}
	if sourceID != "" {
		match = "MATCH (q:Quarantine {source_id: $source_id})"
		params["source_id"] = sourceID
	}

	out, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, match+`
			RETURN q.id AS id, q.source_id AS source_id, q.sequence_token AS sequence_token,
			       q.reason AS reason, q.detail AS detail, q.payload AS payload,
			       q.quarantined_at AS quarantined_at
			ORDER BY q.quarantined_at DESC, q.id DESC LIMIT $limit
		`, params)
		if err != nil {
			return nil, err
		}
		return result.Collect(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("list quarantine: %w", err)
	}

	records := out.([]*db.Record)
	recs := make([]graph.QuarantineRecord, 0, len(records))
	for _, record := range records {
		var rec graph.QuarantineRecord
		if rec.ID, err = neoString(record, "id"); err != nil {
			return nil, fmt.Errorf("list quarantine: %w", err)
		}
		if rec.SourceID, err = neoString(record, "source_id"); err != nil {
			return nil, fmt.Errorf("list quarantine: %w", err)
		}
		if rec.SequenceToken, err = neoString(record, "sequence_token"); err != nil {
			return nil, fmt.Errorf("list quarantine: %w", err)
		}
		if rec.Reason, err = neoString(record, "reason"); err != nil {
			return nil, fmt.Errorf("list quarantine: %w", err)
		}
		if rec.Detail, err = neoString(record, "detail"); err != nil {
			return nil, fmt.Errorf("list quarantine: %w", err)
		}
		if payload, ok := record.Get("payload"); ok {
			if b, ok := payload.([]byte); ok {
				rec.Payload = b
			}
		}
		at, err := neoInt(record, "quarantined_at")
		if err != nil {
			return nil, fmt.Errorf("list quarantine: %w", err)
		}
		rec.QuarantinedAt = timeFromNanos(at)
		recs = append(recs, rec)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return recs, nil
}

func (s *Neo4jStore) LoadMigrationState(ctx context.Context, migrationID string) (*graph.MigrationState, error) {
	out, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, `
			MATCH (m:MigrationState {migration_id: $id})
		`+migrationStateReturn, map[string]any{"id": migrationID})
		if err != nil {
			return nil, err
		}
		return result.Collect(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("load migration state %s: %w", migrationID, err)
	}

	records := out.([]*db.Record)
	if len(records) == 0 {
		return nil, nil
	}
	st, err := decodeNeo4jMigrationState(records[0])
	if err != nil {
		return nil, fmt.Errorf("load migration state %s: %w", migrationID, err)
	}
	return st, nil
}

func (s *Neo4jStore) SaveMigrationState(ctx context.Context, st graph.MigrationState) error {
	_, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, `
			MERGE (m:MigrationState {migration_id: $id})
			SET m.phase = $phase, m.progress_cursor = $progress_cursor,
			    m.started_at = $started_at, m.phase_started_at = $phase_started_at,
			    m.failure = $failure
		`, map[string]any{
			"id":               st.MigrationID,
			"phase":            string(st.Phase),
			"progress_cursor":  st.ProgressCursor,
			"started_at":       nanos(st.StartedAt),
			"phase_started_at": nanos(st.PhaseStartedAt),
			"failure":          st.Failure,
		})
		if err != nil {
			return nil, err
		}
		return nil, consume(ctx, result)
	})
	if err != nil {
		return fmt.Errorf("save migration state: %w", err)
	}
	return nil
}

func (s *Neo4jStore) ListMigrationStates(ctx context.Context) ([]graph.MigrationState, error) {
	out, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, `
			MATCH (m:MigrationState)
		`+migrationStateReturn+" ORDER BY m.migration_id ASC", nil)
		if err != nil {
			return nil, err
		}
		return result.Collect(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("list migration states: %w", err)
	}

	records := out.([]*db.Record)
	states := make([]graph.MigrationState, 0, len(records))
	for _, record := range records {
		st, err := decodeNeo4jMigrationState(record)
		if err != nil {
			return nil, fmt.Errorf("list migration states: %w", err)
		}
		states = append(states, *st)
	}
	if len(states) == 0 {
		return nil, nil
	}
	return states, nil
}

func (s *Neo4jStore) PutRepresentation(ctx context.Context, repr string, id graph.EntityID, version int64, fields graph.Fields) error {
	fieldsJSON, err := marshalFields(fields)
	if err != nil {
		return fmt.Errorf("put representation: %w", err)
	}

	// Fields before version: both guards must compare against the
	// version stored before this write.
	_, err = s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, `
			MERGE (r:Representation {key: $key})
			ON CREATE SET r.repr = $repr, r.entity_id = $entity_id,
				r.version = $version, r.fields = $fields
			ON MATCH SET
				r.fields  = CASE WHEN $version >= r.version THEN $fields  ELSE r.fields  END,
				r.version = CASE WHEN $version >= r.version THEN $version ELSE r.version END
		`, map[string]any{
			"key":       repr + "\x00" + id.String(),
			"repr":      repr,
			"entity_id": id.String(),
			"version":   version,
			"fields":    fieldsJSON,
		})
		if err != nil {
			return nil, err
		}
		return nil, consume(ctx, result)
	})
	if err != nil {
		return fmt.Errorf("put representation: %w", err)
	}
	return nil
}

func (s *Neo4jStore) GetRepresentation(ctx context.Context, repr string, id graph.EntityID) (*RepresentationRow, error) {
	out, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, `
			MATCH (r:Representation {key: $key})
			RETURN r.entity_id AS entity_id, r.version AS version, r.fields AS fields
		`, map[string]any{"key": repr + "\x00" + id.String()})
		if err != nil {
			return nil, err
		}
		return result.Collect(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("get representation %s/%s: %w", repr, id, err)
	}

	records := out.([]*db.Record)
	if len(records) == 0 {
		return nil, nil
	}

	var row RepresentationRow
	idStr, err := neoString(records[0], "entity_id")
	if err != nil {
		return nil, fmt.Errorf("get representation: %w", err)
	}
	if row.ID, err = graph.ParseEntityID(idStr); err != nil {
		return nil, fmt.Errorf("get representation: %w", err)
	}
	if row.Version, err = neoInt(records[0], "version"); err != nil {
		return nil, fmt.Errorf("get representation: %w", err)
	}
	fieldsJSON, err := neoString(records[0], "fields")
	if err != nil {
		return nil, fmt.Errorf("get representation: %w", err)
	}
	if row.Fields, err = unmarshalFields(fieldsJSON); err != nil {
		return nil, fmt.Errorf("get representation: %w", err)
	}
	return &row, nil
}

func (s *Neo4jStore) CountRepresentation(ctx context.Context, repr string) (int64, error) {
	out, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, `
			MATCH (r:Representation {repr: $repr}) RETURN count(r) AS n
		`, map[string]any{"repr": repr})
		if err != nil {
			return nil, err
		}
		record, err := result.Single(ctx)
		if err != nil {
			return nil, err
		}
		return neoInt(record, "n")
	})
	if err != nil {
		return 0, fmt.Errorf("count representation %s: %w", repr, err)
	}
	return out.(int64), nil
}

func (s *Neo4jStore) ListRepresentation(ctx context.Context, repr string, afterID string, limit int) ([]RepresentationRow, error) {
	out, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, `
			MATCH (r:Representation {repr: $repr})
			WHERE r.entity_id > $after
			RETURN r.entity_id AS entity_id, r.version AS version, r.fields AS fields
			ORDER BY r.entity_id ASC
			LIMIT $limit
		`, map[string]any{"repr": repr, "after": afterID, "limit": limit})
		if err != nil {
			return nil, err
		}
		return result.Collect(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("list representation %s: %w", repr, err)
	}

	var rows []RepresentationRow
	for _, record := range out.([]*db.Record) {
		var row RepresentationRow
		idStr, err := neoString(record, "entity_id")
		if err != nil {
			return nil, fmt.Errorf("list representation %s: %w", repr, err)
		}
		if row.ID, err = graph.ParseEntityID(idStr); err != nil {
			return nil, fmt.Errorf("list representation %s: %w", repr, err)
		}
		if row.Version, err = neoInt(record, "version"); err != nil {
			return nil, fmt.Errorf("list representation %s: %w", repr, err)
		}
		fieldsJSON, err := neoString(record, "fields")
		if err != nil {
			return nil, fmt.Errorf("list representation %s: %w", repr, err)
		}
		if row.Fields, err = unmarshalFields(fieldsJSON); err != nil {
			return nil, fmt.Errorf("list representation %s: %w", repr, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (s *Neo4jStore) DropRepresentation(ctx context.Context, repr string) error {
	_, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, `
			MATCH (r:Representation {repr: $repr}) DETACH DELETE r
		`, map[string]any{"repr": repr})
		if err != nil {
			return nil, err
		}
		return nil, consume(ctx, result)
	})
	if err != nil {
		return fmt.Errorf("drop representation: %w", err)
	}
	return nil
}

func (s *Neo4jStore) PendingMirrorIntents(ctx context.Context, limit int) ([]graph.MirrorIntent, error) {
	out, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, `
			MATCH (i:MirrorIntent)
			RETURN i.repr AS repr, i.entity_id AS entity_id, i.version AS version
			ORDER BY i.created_at ASC, i.entity_id ASC LIMIT $limit
		`, map[string]any{"limit": limit})
		if err != nil {
			return nil, err
		}
		return result.Collect(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("pending mirror intents: %w", err)
	}

	records := out.([]*db.Record)
	intents := make([]graph.MirrorIntent, 0, len(records))
	for _, record := range records {
		var intent graph.MirrorIntent
		if intent.Repr, err = neoString(record, "repr"); err != nil {
			return nil, fmt.Errorf("pending mirror intents: %w", err)
		}
		idStr, err := neoString(record, "entity_id")
		if err != nil {
			return nil, fmt.Errorf("pending mirror intents: %w", err)
		}
		if intent.EntityID, err = graph.ParseEntityID(idStr); err != nil {
			return nil, fmt.Errorf("pending mirror intents: %w", err)
		}
		if intent.Version, err = neoInt(record, "version"); err != nil {
			return nil, fmt.Errorf("pending mirror intents: %w", err)
		}
		intents = append(intents, intent)
	}
	if len(intents) == 0 {
		return nil, nil
	}
	return intents, nil
}

func (s *Neo4jStore) ClearMirrorIntent(ctx context.Context, intent graph.MirrorIntent) error {
	_, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, `
			MATCH (i:MirrorIntent {key: $key}) DETACH DELETE i
		`, map[string]any{"key": mirrorIntentKey(intent)})
		if err != nil {
			return nil, err
		}
		return nil, consume(ctx, result)
	})
	if err != nil {
		return fmt.Errorf("clear mirror intent: %w", err)
	}
	return nil
}

func (s *Neo4jStore) ReadRoute(ctx context.Context, kind graph.EntityKind) (string, error) {
	out, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, `
			MATCH (r:ReadRoute {kind: $kind}) RETURN r.repr AS repr
		`, map[string]any{"kind": string(kind)})
		if err != nil {
			return nil, err
		}
		return result.Collect(ctx)
	})
	if err != nil {
		return "", fmt.Errorf("read route %s: %w", kind, err)
	}

	records := out.([]*db.Record)
	if len(records) == 0 {
		return "", nil
	}
	repr, err := neoString(records[0], "repr")
	if err != nil {
		return "", fmt.Errorf("read route %s: %w", kind, err)
	}
	return repr, nil
}

func (s *Neo4jStore) SetReadRoute(ctx context.Context, kind graph.EntityKind, repr string) error {
	_, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, `
			MERGE (r:ReadRoute {kind: $kind}) SET r.repr = $repr
		`, map[string]any{"kind": string(kind), "repr": repr})
		if err != nil {
			return nil, err
		}
		return nil, consume(ctx, result)
	})
	if err != nil {
		return fmt.Errorf("set read route: %w", err)
	}
	return nil
}

func (s *Neo4jStore) Clear(ctx context.Context) error {
	_, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, "MATCH (n) DETACH DELETE n", nil)
		if err != nil {
			return nil, err
		}
		return nil, consume(ctx, result)
	})
	if err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	return nil
}

const migrationStateReturn = `
	RETURN m.migration_id AS migration_id, m.phase AS phase,
	       m.progress_cursor AS progress_cursor, m.started_at AS started_at,
	       m.phase_started_at AS phase_started_at, m.failure AS failure
`

func mirrorIntentKey(intent graph.MirrorIntent) string {
	return fmt.Sprintf("%s\x00%s\x00%d", intent.Repr, intent.EntityID, intent.Version)
}

func consume(ctx context.Context, result neo4j.ResultWithContext) error {
	_, err := result.Consume(ctx)
	return err
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func isNeo4jConstraintError(err error) bool {
	var neoErr *neo4j.Neo4jError
	if !errors.As(err, &neoErr) {
		return false
	}
	return strings.Contains(neoErr.Code, "ConstraintValidationFailed")
}

func neoString(record *db.Record, key string) (string, error) {
	value, ok := record.Get(key)
	if !ok || value == nil {
		return "", nil
	}
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("column %s: expected string, got %T", key, value)
	}
	return s, nil
}

func neoInt(record *db.Record, key string) (int64, error) {
	value, ok := record.Get(key)
	if !ok || value == nil {
		return 0, nil
	}
	n, ok := value.(int64)
	if !ok {
		return 0, fmt.Errorf("column %s: expected int64, got %T", key, value)
	}
	return n, nil
}

func decodeNeo4jEntity(record *db.Record) (*graph.EntityRecord, error) {
	var rec graph.EntityRecord

	idStr, err := neoString(record, "id")
	if err != nil {
		return nil, err
	}
	if rec.ID, err = graph.ParseEntityID(idStr); err != nil {
		return nil, err
	}
	if rec.Version, err = neoInt(record, "version"); err != nil {
		return nil, err
	}
	fieldsJSON, err := neoString(record, "fields")
	if err != nil {
		return nil, err
	}
	if rec.Fields, err = unmarshalFields(fieldsJSON); err != nil {
		return nil, err
	}
	occurredAt, err := neoInt(record, "occurred_at")
	if err != nil {
		return nil, err
	}
	rec.OccurredAt = timeFromNanos(occurredAt)
	if rec.SourceID, err = neoString(record, "source_id"); err != nil {
		return nil, err
	}
	if rec.CreatedSeq, err = neoInt(record, "created_seq"); err != nil {
		return nil, err
	}
	deleted, err := neoInt(record, "deleted")
	if err != nil {
		return nil, err
	}
	rec.Deleted = deleted != 0

	fromStr, err := neoString(record, "edge_from")
	if err != nil {
		return nil, err
	}
	toStr, err := neoString(record, "edge_to")
	if err != nil {
		return nil, err
	}
	if fromStr != "" && toStr != "" {
		from, err := graph.ParseEntityID(fromStr)
		if err != nil {
			return nil, err
		}
		to, err := graph.ParseEntityID(toStr)
		if err != nil {
			return nil, err
		}
		rec.Edge = &graph.EdgeRef{From: from, To: to}
	}
	return &rec, nil
}

func decodeNeo4jCursor(record *db.Record) (*graph.Cursor, error) {
	var cur graph.Cursor
	var err error
	if cur.SourceID, err = neoString(record, "source_id"); err != nil {
		return nil, err
	}
	if cur.LastAppliedToken, err = neoString(record, "token"); err != nil {
		return nil, err
	}
	at, err := neoInt(record, "applied_at")
	if err != nil {
		return nil, err
	}
	cur.LastAppliedAt = timeFromNanos(at)
	return &cur, nil
}

func decodeNeo4jMigrationState(record *db.Record) (*graph.MigrationState, error) {
	var st graph.MigrationState
	var err error
	if st.MigrationID, err = neoString(record, "migration_id"); err != nil {
		return nil, err
	}
	phase, err := neoString(record, "phase")
	if err != nil {
		return nil, err
	}
	st.Phase = graph.Phase(phase)
	if !st.Phase.Valid() {
		return nil, fmt.Errorf("unknown phase %q", phase)
	}
	if st.ProgressCursor, err = neoString(record, "progress_cursor"); err != nil {
		return nil, err
	}
	startedAt, err := neoInt(record, "started_at")
	if err != nil {
		return nil, err
	}
	st.StartedAt = timeFromNanos(startedAt)
	phaseStartedAt, err := neoInt(record, "phase_started_at")
	if err != nil {
		return nil, err
	}
	st.PhaseStartedAt = timeFromNanos(phaseStartedAt)
	if st.Failure, err = neoString(record, "failure"); err != nil {
		return nil, err
	}
	return &st, nil
}
