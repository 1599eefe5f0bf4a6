package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitError(t *testing.T) {
	t.Run("without underlying error", func(t *testing.T) {
		err := NewExitError(ExitFailure, "migration failed")
		assert.Equal(t, "migration failed", err.Error())
		assert.Equal(t, ExitFailure, err.Code)
		assert.Nil(t, err.Unwrap())
	})

	t.Run("with underlying error", func(t *testing.T) {
		cause := errors.New("store unreachable")
		err := WrapExitError(ExitCommandError, "open stores", cause)
		assert.Equal(t, "open stores: store unreachable", err.Error())
		assert.Equal(t, ExitCommandError, err.Code)
		assert.Equal(t, cause, err.Unwrap())
		assert.True(t, errors.Is(err, cause))
	})
}

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{
			name:     "exit error with command error code",
			err:      NewExitError(ExitCommandError, "bad config"),
			expected: ExitCommandError,
		},
		{
			name:     "exit error with failure code",
			err:      NewExitError(ExitFailure, "dirty state"),
			expected: ExitFailure,
		},
		{
			name:     "wrapped exit error",
			err:      fmt.Errorf("outer: %w", NewExitError(ExitCommandError, "inner")),
			expected: ExitCommandError,
		},
		{
			name:     "plain error defaults to failure",
			err:      errors.New("something broke"),
			expected: ExitFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, GetExitCode(tt.err))
		})
	}
}

func TestOutputFormatterSuccessJSON(t *testing.T) {
	var buf bytes.Buffer
	formatter := &OutputFormatter{
		Format: "json",
		Writer: &buf,
	}

	err := formatter.Success(map[string]interface{}{"cleared": true})
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Nil(t, resp.Error)

	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, data["cleared"])
}

func TestOutputFormatterSuccessText(t *testing.T) {
	var buf bytes.Buffer
	formatter := &OutputFormatter{
		Format: "text",
		Writer: &buf,
	}

	err := formatter.Success("✓ Cleared graph store")
	require.NoError(t, err)
	assert.Equal(t, "✓ Cleared graph store\n", buf.String())
}

func TestOutputFormatterErrorJSON(t *testing.T) {
	var buf bytes.Buffer
	formatter := &OutputFormatter{
		Format: "json",
		Writer: &buf,
	}

	err := formatter.Error("migration", "backfill interrupted", map[string]string{"id": "0001_tag_counts_reset"})
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "migration", resp.Error.Code)
	assert.Equal(t, "backfill interrupted", resp.Error.Message)

	details, ok := resp.Error.Details.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "0001_tag_counts_reset", details["id"])
}

func TestOutputFormatterErrorText(t *testing.T) {
	t.Run("without verbose", func(t *testing.T) {
		var buf bytes.Buffer
		formatter := &OutputFormatter{
			Format: "text",
			Writer: &buf,
		}

		err := formatter.Error("store", "graph store unreachable", "dial tcp: refused")
		require.NoError(t, err)
		assert.Equal(t, "Error [store]: graph store unreachable\n", buf.String())
	})

	t.Run("with verbose details", func(t *testing.T) {
		var buf bytes.Buffer
		formatter := &OutputFormatter{
			Format:  "text",
			Writer:  &buf,
			Verbose: true,
		}

		err := formatter.Error("store", "graph store unreachable", "dial tcp: refused")
		require.NoError(t, err)
		assert.Contains(t, buf.String(), "Error [store]: graph store unreachable")
		assert.Contains(t, buf.String(), "Details: dial tcp: refused")
	})
}

func TestVerboseLog(t *testing.T) {
	tests := []struct {
		name      string
		verbose   bool
		errWriter bool
		expectOut string
		expectErr string
	}{
		{
			name:      "verbose disabled writes nothing",
			verbose:   false,
			errWriter: true,
			expectOut: "",
			expectErr: "",
		},
		{
			name:      "verbose uses err writer when set",
			verbose:   true,
			errWriter: true,
			expectOut: "",
			expectErr: "seeded 17 events\n",
		},
		{
			name:      "verbose falls back to writer",
			verbose:   true,
			errWriter: false,
			expectOut: "seeded 17 events\n",
			expectErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out, errOut bytes.Buffer
			formatter := &OutputFormatter{
				Format:  "text",
				Writer:  &out,
				Verbose: tt.verbose,
			}
			if tt.errWriter {
				formatter.ErrWriter = &errOut
			}

			formatter.VerboseLog("seeded %d events", 17)
			assert.Equal(t, tt.expectOut, out.String())
			assert.Equal(t, tt.expectErr, errOut.String())
		})
	}
}
