// Package store provides durable storage for the graph pipeline.
//
// The primary backend is SQLite; Postgres and Neo4j implementations
// cover server deployments, and an in-memory store backs tests. All
// backends implement the same GraphStore port:
//
//   - Entities: versioned records addressed by "kind:natural_key"
//   - Seen events: dedup index over (source, token, content hash)
//   - Cursors: per-source resume checkpoints
//   - Quarantine: dead-lettered events with their reason
//   - Migration states: phase rows for long-running migrations
//   - Mirror intents: write-ahead markers for dual-write targets
//   - Representations: per-migration shadow copies of entities
//   - Read routes: which representation serves reads per kind
//
// # Write Semantics
//
// Every entity write is a compare-and-set on the stored version:
// expectVersion 0 means the row must not exist yet, any other value
// must match the current row or the write fails with
// graph.ErrVersionConflict. Deletes are tombstones, not row removal,
// so a late delete and a late update resolve the same way any other
// two writes do. Mirror intents are inserted in the same transaction
// as the entity row they describe and cleared only after the mirror
// write is confirmed.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: enforce referential integrity
//
// Stored field maps are serialized with graph.MarshalCanonical, so the
// same fields always produce the same bytes and byte comparison is
// enough to detect a no-op write.
package store
