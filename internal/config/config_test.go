package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultAppliesHardCaps(t *testing.T) {
	cfg := Default()
	require.Equal(t, HardCapMaxPlayer, cfg.MaxPlayer)
	require.Equal(t, HardCapMaxChannel, cfg.MaxChannel)
	require.Equal(t, HardCapMaxChannelPlayer, cfg.MaxChannelPlayer)
	require.Equal(t, HardCapMaxServer, cfg.MaxServer)
}

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadOverlaysYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lobby.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
addr_listen: "0.0.0.0:7777"
max_player: 50
need_message: true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:7777", cfg.AddrListen)
	require.Equal(t, 50, cfg.MaxPlayer)
	require.True(t, cfg.NeedMessage)
	// Untouched keys keep their defaults.
	require.Equal(t, HardCapMaxChannel, cfg.MaxChannel)
}

func TestLoadZeroCapacityFallsBackToHardCap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lobby.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
max_player: 0
max_channel: 0
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, HardCapMaxPlayer, cfg.MaxPlayer)
	require.Equal(t, HardCapMaxChannel, cfg.MaxChannel)
}
