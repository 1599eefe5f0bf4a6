package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/loom/internal/graph"
)

func writeScenario(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadScenario_Valid(t *testing.T) {
	path := writeScenario(t, `
name: profile_edit
description: One profile edit, redelivered once.
rounds:
  - events:
      - source: hs-a
        token: "000001"
        at: 2025-07-10T09:00:00Z
        kind: user
        op: create
        payload: {id: alice, name: Alice}
  - events:
      - source: hs-a
        token: "000002"
        at: 2025-07-10T09:01:00Z
        kind: user
        op: update
        payload: {id: alice, name: Alice, bio: hello}
      - source: hs-a
        token: "000002"
        at: 2025-07-10T09:01:00Z
        kind: user
        op: update
        payload: {id: alice, name: Alice, bio: hello}
expect:
  entities:
    - id: user:alice
      version: 2
      fields: {bio: hello}
  cursors:
    hs-a: "000002"
  quarantined: []
`)

	sc, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "profile_edit", sc.Name)
	require.Len(t, sc.Rounds, 2)
	assert.Len(t, sc.Rounds[1].Events, 2)
	assert.Equal(t, graph.KindUser, sc.Rounds[0].Events[0].Kind)
	assert.Equal(t, graph.OpCreate, sc.Rounds[0].Events[0].Op)
	assert.Equal(t, "alice", sc.Rounds[0].Events[0].Payload["id"])
	require.Len(t, sc.Expect.Entities, 1)
	assert.Equal(t, int64(2), sc.Expect.Entities[0].Version)
	assert.NotNil(t, sc.Expect.Quarantined)
	assert.Empty(t, sc.Expect.Quarantined)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read scenario file")
}

func TestLoadScenario_UnknownField(t *testing.T) {
	path := writeScenario(t, `
name: typo
description: d
flows:
  - events: []
`)
	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestLoadScenario_Invalid(t *testing.T) {
	// Shared valid round; cases vary one thing at a time.
	round := `
rounds:
  - events:
      - source: hs-a
        token: "000001"
        at: 2025-07-10T09:00:00Z
        kind: user
        op: create
        payload: {id: alice, name: Alice}
`

	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "missing name",
			yaml: `
description: d` + round + `
expect:
  cursors: {hs-a: "000001"}
`,
			wantErr: "name is required",
		},
		{
			name: "missing description",
			yaml: `
name: t` + round + `
expect:
  cursors: {hs-a: "000001"}
`,
			wantErr: "description is required",
		},
		{
			name: "no rounds",
			yaml: `
name: t
description: d
rounds: []
expect:
  cursors: {hs-a: "000001"}
`,
			wantErr: "rounds list is required",
		},
		{
			name: "empty round",
			yaml: `
name: t
description: d
rounds:
  - events: []
expect:
  cursors: {hs-a: "000001"}
`,
			wantErr: "events list must be non-empty",
		},
		{
			name: "unknown kind",
			yaml: `
name: t
description: d
rounds:
  - events:
      - source: hs-a
        token: "000001"
        at: 2025-07-10T09:00:00Z
        kind: widget
        op: create
        payload: {id: alice}
expect:
  cursors: {hs-a: "000001"}
`,
			wantErr: `unknown kind "widget"`,
		},
		{
			name: "unknown op",
			yaml: `
name: t
description: d
rounds:
  - events:
      - source: hs-a
        token: "000001"
        at: 2025-07-10T09:00:00Z
        kind: user
        op: upsert
        payload: {id: alice}
expect:
  cursors: {hs-a: "000001"}
`,
			wantErr: `unknown op "upsert"`,
		},
		{
			name: "token regresses within a round",
			yaml: `
name: t
description: d
rounds:
  - events:
      - source: hs-a
        token: "000002"
        at: 2025-07-10T09:00:00Z
        kind: user
        op: create
        payload: {id: alice, name: Alice}
      - source: hs-a
        token: "000001"
        at: 2025-07-10T09:00:01Z
        kind: user
        op: create
        payload: {id: bob, name: Bob}
expect:
  cursors: {hs-a: "000002"}
`,
			wantErr: "regresses below",
		},
		{
			name: "token behind a settled cursor",
			yaml: `
name: t
description: d
rounds:
  - events:
      - source: hs-a
        token: "000002"
        at: 2025-07-10T09:00:00Z
        kind: user
        op: create
        payload: {id: alice, name: Alice}
  - events:
      - source: hs-a
        token: "000002"
        at: 2025-07-10T09:00:01Z
        kind: user
        op: update
        payload: {id: alice, name: Alicia}
expect:
  cursors: {hs-a: "000002"}
`,
			wantErr: "would never be delivered",
		},
		{
			name: "expect asserts nothing",
			yaml: `
name: t
description: d` + round + `
expect: {}
`,
			wantErr: "expect must assert something",
		},
		{
			name: "entity with both id and edge",
			yaml: `
name: t
description: d` + round + `
expect:
  entities:
    - id: user:alice
      edge:
        kind: follow
        from: user:alice
        to: user:bob
`,
			wantErr: "exactly one of id or edge",
		},
		{
			name: "edge kind not relational",
			yaml: `
name: t
description: d` + round + `
expect:
  entities:
    - edge:
        kind: user
        from: user:alice
        to: user:bob
`,
			wantErr: "not relational",
		},
		{
			name: "tag edge without label",
			yaml: `
name: t
description: d` + round + `
expect:
  entities:
    - edge:
        kind: tag
        from: user:alice
        to: post:alice/0001
`,
			wantErr: "label is required for tag edges",
		},
		{
			name: "label on a non-tag edge",
			yaml: `
name: t
description: d` + round + `
expect:
  entities:
    - edge:
        kind: follow
        from: user:alice
        to: user:bob
        label: pets
`,
			wantErr: "label is required for tag edges",
		},
		{
			name: "absent with version",
			yaml: `
name: t
description: d` + round + `
expect:
  entities:
    - id: user:bob
      absent: true
      version: 2
`,
			wantErr: "absent excludes",
		},
		{
			name: "quarantine row without reason",
			yaml: `
name: t
description: d` + round + `
expect:
  quarantined:
    - source: hs-a
      token: "000001"
`,
			wantErr: "reason is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadScenario(writeScenario(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// Edge expectations must resolve to the same entity id the normalizer
// derives, or golden assertions would silently miss their target.
func TestEntityExpect_EdgeKey(t *testing.T) {
	follow := EntityExpect{Edge: &EdgeExpect{
		Kind: graph.KindFollow,
		From: "user:alice",
		To:   "user:bob",
	}}
	id, err := follow.entityID()
	require.NoError(t, err)
	assert.Equal(t, graph.NewEntityID(graph.KindFollow, graph.RelationKey("user:alice", "user:bob")), id)

	tag := EntityExpect{Edge: &EdgeExpect{
		Kind:  graph.KindTag,
		From:  "user:alice",
		To:    "post:alice/0001",
		Label: "golang",
	}}
	id, err = tag.entityID()
	require.NoError(t, err)
	assert.Equal(t, graph.NewEntityID(graph.KindTag, graph.RelationKey("user:alice", "post:alice/0001", "golang")), id)
}
