package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRoster(t *testing.T) {
	r := Default()

	assert.Equal(t, 9, r.Expected())
	assert.True(t, r.Contains("market-analyst"))
	assert.False(t, r.Contains("nonexistent"))

	tier, ok := r.TierOf("campaign-optimizer")
	require.True(t, ok)
	assert.Equal(t, TierOptimization, tier)

	ids := r.IDs()
	assert.Len(t, ids, 9)
	assert.IsIncreasing(t, ids)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
version: 2
agents:
  - id: alpha
    name: Alpha
    tier: strategic
  - id: beta
    name: Beta
    tier: tooling
    refresh_url: http://agents.internal/beta/refresh
`), 0o644))

	r, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, r.Version)
	assert.Equal(t, 2, r.Expected())

	beta, ok := r.Agent("beta")
	require.True(t, ok)
	assert.Equal(t, "http://agents.internal/beta/refresh", beta.RefreshURL)
	assert.Equal(t, TierTooling, beta.Tier)
}

func TestLoadRejectsEmptyRoster(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 1\nagents: []\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/agents.yaml")
	assert.Error(t, err)
}

func TestLoadMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte("agents: [unclosed"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
