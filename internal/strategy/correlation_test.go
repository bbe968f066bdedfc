package strategy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCorrelationFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "correlations.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadCorrelationTable(t *testing.T) {
	path := writeCorrelationFile(t, `
[[pairs]]
leader = "005930"
follower = "000660"
strength = 0.82

[[pairs]]
leader = "005380"
follower = "000270"
strength = 0.74
`)

	table, err := LoadCorrelationTable(path)
	require.NoError(t, err)
	assert.Equal(t, 2, table.Len())

	pair, ok := table.LeaderOf("000660")
	require.True(t, ok)
	assert.Equal(t, "005930", pair.Leader)
	assert.InDelta(t, 0.82, pair.Strength, 1e-9)

	_, ok = table.LeaderOf("005930")
	assert.False(t, ok, "leaders are not followers")
}

func TestLoadCorrelationTableRejectsEmptySymbols(t *testing.T) {
	path := writeCorrelationFile(t, `
[[pairs]]
leader = ""
follower = "000660"
strength = 0.5
`)
	_, err := LoadCorrelationTable(path)
	assert.Error(t, err)
}

func TestCorrelationTableReloadKeepsOldOnFailure(t *testing.T) {
	path := writeCorrelationFile(t, `
[[pairs]]
leader = "005930"
follower = "000660"
strength = 0.82
`)
	table, err := LoadCorrelationTable(path)
	require.NoError(t, err)
	require.Equal(t, 1, table.Len())

	// Corrupt the file; reload must fail and keep the previous contents.
	require.NoError(t, os.WriteFile(path, []byte("not toml at all ["), 0o644))
	assert.Error(t, table.Reload(path))
	assert.Equal(t, 1, table.Len())

	pair, ok := table.LeaderOf("000660")
	require.True(t, ok)
	assert.Equal(t, "005930", pair.Leader)
}

func TestCorrelationTableReplace(t *testing.T) {
	table := NewCorrelationTable()
	assert.Equal(t, 0, table.Len())

	table.Replace([]CorrelationPair{
		{Leader: "A", Follower: "B", Strength: 0.9},
	})
	assert.Equal(t, 1, table.Len())

	table.Replace([]CorrelationPair{
		{Leader: "C", Follower: "D", Strength: 0.6},
	})
	assert.Equal(t, 1, table.Len())
	_, ok := table.LeaderOf("B")
	assert.False(t, ok)
}
