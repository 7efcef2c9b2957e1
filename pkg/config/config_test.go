package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "can0", cfg.Interface)
	assert.True(t, cfg.Health.Enabled, "expected health server enabled by default")
	assert.Equal(t, 9090, cfg.Health.Port)
}

func TestLoadFile_MissingFileFallsBackToDefault(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "can0", cfg.Interface)
}

func TestLoadFile_ParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "core.yaml")
	body := `
interface: can1
can_fd: true
log_level: debug
devices:
  - node: 1
    name: "pump house"
  - node: 2
    name: "greenhouse vents"
groups:
  - id: 1
    name: "irrigation"
    nodes: [1, 2]
audit:
  backend: sqlite
  data_dir: /var/lib/cabinetcore
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "can1", cfg.Interface)
	assert.True(t, cfg.CANFD, "expected can_fd true")
	require.Len(t, cfg.Devices, 2)
	assert.Equal(t, 1, cfg.Devices[0].Node)
	assert.Equal(t, "greenhouse vents", cfg.Devices[1].Name)
	require.Len(t, cfg.Groups, 1)
	assert.Equal(t, 1, cfg.Groups[0].ID)
	assert.Len(t, cfg.Groups[0].Nodes, 2)
	assert.Equal(t, "sqlite", cfg.Audit.Backend)
}

func TestLoadFile_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "core.yaml")
	require.NoError(t, os.WriteFile(path, []byte("interface: can0\n"), 0o644))

	t.Setenv("CABINET_CAN_INTERFACE", "can3")
	t.Setenv("CABINET_HEALTH_PORT", "9191")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "can3", cfg.Interface, "expected env override")
	assert.Equal(t, 9191, cfg.Health.Port, "expected env override")
}

func TestLoadFile_MalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "core.yaml")
	require.NoError(t, os.WriteFile(path, []byte("interface: [unterminated\n"), 0o644))

	_, err := LoadFile(path)
	assert.Error(t, err, "expected parse error for malformed YAML")
}
