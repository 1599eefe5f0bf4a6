package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig writes a config file whose graph store and migration
// archive live under a fresh temp directory, and returns its path.
// The cutover grace is shortened so migration runs finish quickly.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`graph_dsn: %s
migration:
  cutover_grace: 1ms
  archive_dir: %s
`, filepath.Join(dir, "graph.db"), filepath.Join(dir, "archive"))
	path := filepath.Join(dir, "loom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

// executeCommand runs a fresh root command with the given args and
// returns captured stdout, stderr and the execution error.
func executeCommand(ctx context.Context, args ...string) (string, string, error) {
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), errOut.String(), err
}

func TestDBMockSeedsFixtureSet(t *testing.T) {
	cfgPath := writeConfig(t)

	out, _, err := executeCommand(context.Background(), "db", "mock", "--set", "minimal", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, `✓ Seeded fixture set "minimal": 4 event(s)`)
	assert.Contains(t, out, "hs-alpha: 4 event(s)")
}

func TestDBMockDefaultsToSocialSet(t *testing.T) {
	cfgPath := writeConfig(t)

	out, _, err := executeCommand(context.Background(), "db", "mock", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, `✓ Seeded fixture set "social": 17 event(s)`)
	assert.Contains(t, out, "hs-alpha: 14 event(s)")
	assert.Contains(t, out, "hs-beta: 3 event(s)")
}

func TestDBMockJSON(t *testing.T) {
	cfgPath := writeConfig(t)

	out, _, err := executeCommand(context.Background(), "--format", "json", "db", "mock", "--set", "minimal", "--config", cfgPath)
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)

	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "minimal", data["set"])
	assert.Equal(t, float64(4), data["events"])
}

func TestDBMockUnknownSet(t *testing.T) {
	cfgPath := writeConfig(t)

	out, _, err := executeCommand(context.Background(), "db", "mock", "--set", "ghosts", "--config", cfgPath)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [mock]")
}

func TestDBClear(t *testing.T) {
	cfgPath := writeConfig(t)

	_, _, err := executeCommand(context.Background(), "db", "mock", "--set", "minimal", "--config", cfgPath)
	require.NoError(t, err)

	out, _, err := executeCommand(context.Background(), "db", "clear", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Cleared graph store")

	// The wipe removes cursors too, so status reports nothing at all.
	out, _, err = executeCommand(context.Background(), "status", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "(none configured)")
}

func TestDBClearJSON(t *testing.T) {
	cfgPath := writeConfig(t)

	out, _, err := executeCommand(context.Background(), "--format", "json", "db", "clear", "--config", cfgPath)
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)

	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, data["cleared"])
}

func TestDBGetReadsSeededEntity(t *testing.T) {
	cfgPath := writeConfig(t)

	_, _, err := executeCommand(context.Background(), "db", "mock", "--set", "minimal", "--config", cfgPath)
	require.NoError(t, err)

	// v3: created, then post_count and followers_count each bumped once.
	out, _, err := executeCommand(context.Background(), "db", "get", "user:alice", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "user:alice  v3")
	assert.Contains(t, out, "name: Alice Weaver")
	assert.Contains(t, out, "followers_count: 1")
	assert.Contains(t, out, "post_count: 1")
}

func TestDBGetJSON(t *testing.T) {
	cfgPath := writeConfig(t)

	_, _, err := executeCommand(context.Background(), "db", "mock", "--set", "minimal", "--config", cfgPath)
	require.NoError(t, err)

	out, _, err := executeCommand(context.Background(), "--format", "json", "db", "get", "user:bob", "--config", cfgPath)
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)

	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "user:bob", data["id"])
	assert.Equal(t, float64(2), data["version"])
	fields, ok := data["fields"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "Bob Tanner", fields["name"])
	assert.Equal(t, float64(1), fields["following_count"])
}

func TestDBGetNotFound(t *testing.T) {
	cfgPath := writeConfig(t)

	out, _, err := executeCommand(context.Background(), "db", "get", "user:ghost", "--config", cfgPath)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [read]")
	assert.Contains(t, out, "not found")
}

func TestDBGetInvalidID(t *testing.T) {
	cfgPath := writeConfig(t)

	out, _, err := executeCommand(context.Background(), "db", "get", "not-an-id", "--config", cfgPath)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [read]")
}

func TestDBEdgesListsFollows(t *testing.T) {
	cfgPath := writeConfig(t)

	_, _, err := executeCommand(context.Background(), "db", "mock", "--set", "minimal", "--config", cfgPath)
	require.NoError(t, err)

	out, _, err := executeCommand(context.Background(), "db", "edges", "user:bob", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "follow edges out of user:bob: 1")
	assert.Contains(t, out, "user:bob -> user:alice  v1")

	out, _, err = executeCommand(context.Background(), "db", "edges", "user:alice", "--direction", "in", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "follow edges into user:alice: 1")
	assert.Contains(t, out, "user:bob -> user:alice  v1")
}

func TestDBEdgesJSON(t *testing.T) {
	cfgPath := writeConfig(t)

	_, _, err := executeCommand(context.Background(), "db", "mock", "--set", "minimal", "--config", cfgPath)
	require.NoError(t, err)

	out, _, err := executeCommand(context.Background(), "--format", "json", "db", "edges", "user:bob", "--config", cfgPath)
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)

	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(1), data["count"])
	edges, ok := data["edges"].([]interface{})
	require.True(t, ok)
	require.Len(t, edges, 1)
	edge, ok := edges[0].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "user:bob", edge["from"])
	assert.Equal(t, "user:alice", edge["to"])
}

func TestDBEdgesRejectsBadDirection(t *testing.T) {
	cfgPath := writeConfig(t)

	out, _, err := executeCommand(context.Background(), "db", "edges", "user:alice", "--direction", "sideways", "--config", cfgPath)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [read]")
}
