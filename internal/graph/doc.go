// Package graph provides the canonical domain types for the loom pipeline.
//
// This package contains type definitions, canonical serialization, and
// content hashing only. All other internal packages import graph; graph
// imports nothing internal. This keeps it the foundational layer with no
// circular dependencies.
//
// Key design constraints:
//   - NO float types in entity fields - use int64 for numbers
//   - All JSON tags use snake_case
//   - Entity versions are strictly increasing, assigned only via CAS
//   - Content hashes use RFC 8785 canonical JSON with domain separation
package graph
