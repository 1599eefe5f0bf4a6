package catalog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/loom/internal/apply"
	"github.com/roach88/loom/internal/graph"
	"github.com/roach88/loom/internal/migrate"
	"github.com/roach88/loom/internal/store"
)

func TestCatalogRegistersCleanly(t *testing.T) {
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	r, err := migrate.NewRegistry(s, apply.New(s))
	require.NoError(t, err)
	for _, m := range All() {
		require.NoError(t, r.Register(m), "migration %s", m.ID())
	}
}

func TestTagCountsResetCanonicalizesLabels(t *testing.T) {
	m := TagCountsReset{}

	old := graph.Fields{
		"from":  "user:alice",
		"to":    "post:p1",
		"label": "  GoLang  ",
	}
	out, err := m.Transform(old)
	require.NoError(t, err)
	assert.Equal(t, "golang", out["label"])
	assert.Equal(t, "user:alice", out["from"])
	// The primary row's fields stay untouched.
	assert.Equal(t, "  GoLang  ", old["label"])

	// NFD input folds to the same canonical form as its NFC spelling.
	out, err = m.Transform(graph.Fields{"label": "Café"})
	require.NoError(t, err)
	assert.Equal(t, "café", out["label"])

	_, err = m.Transform(graph.Fields{"from": "user:alice"})
	assert.Error(t, err)
}

func TestTagCountsResetCoversTags(t *testing.T) {
	m := TagCountsReset{}
	assert.Equal(t, "0001_tag_counts_reset", m.ID())
	assert.Equal(t, "tag_counts_v2", m.Repr())
	assert.Equal(t, []graph.EntityKind{graph.KindTag}, m.Kinds())
	assert.Empty(t, m.DependsOn())
}
