package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	p, err := Load("")
	require.NoError(t, err)
	assert.Contains(t, p.Tools.AllowedCommands, "pytest")
	assert.Equal(t, 10, p.Loop.MaxIterations)
	assert.Equal(t, 30*time.Second, p.ToolTimeout())
}

func TestLoadOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	doc := `
tools:
  allowed_commands: ["pytest", "cargo"]
  timeout_seconds: 10
loop:
  max_iterations: 3
  pause_every: 2
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"pytest", "cargo"}, p.Tools.AllowedCommands)
	assert.Equal(t, 10*time.Second, p.ToolTimeout())
	assert.Equal(t, 3, p.Loop.MaxIterations)
	assert.Equal(t, 2, p.Loop.PauseEvery)
	// untouched keys keep defaults
	assert.Equal(t, 300, p.Loop.MaxTimeSeconds)
	assert.Equal(t, 1, p.Loop.CycleImpact)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tools: ["), 0o644))
	_, err = Load(path)
	assert.Error(t, err)
}
