// Package harness runs end-to-end pipeline scenarios defined in YAML.
//
// A scenario delivers raw events in rounds through the real ingest path,
// one in-memory feed and worker per source, and then asserts on the
// resulting graph state, source cursors and quarantine rows. Scenarios
// pin down the pipeline's cross-package contracts that unit tests cannot:
// redelivered duplicates settling to one version, cross-source conflicts
// resolving by event time rather than arrival order, and bad events
// quarantining without holding up the rest of their batch.
//
// # Scenario Format
//
//	name: unfollow_tombstone
//	description: "Deleting a follow tombstones the edge and rolls counters back."
//	rounds:
//	  - events:
//	      - source: hs-alpha
//	        token: "000001"
//	        at: 2025-07-10T09:00:00Z
//	        kind: user
//	        op: create
//	        payload: {id: alice, name: Alice}
//	expect:
//	  entities:
//	    - id: user:alice
//	      version: 1
//	      fields: {name: Alice}
//	  cursors:
//	    hs-alpha: "000001"
//	  quarantined: []
//
// Each run also produces a deterministic text report compared against a
// golden file, so an unintended change to what the pipeline materializes
// shows up as a readable diff even when every explicit expectation still
// holds. Regenerate the golden files with:
//
//	go test ./internal/harness -update
package harness
