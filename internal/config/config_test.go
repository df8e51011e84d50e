package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseClientConfigRequiresBTAddr(t *testing.T) {
	_, err := ParseClientConfig([]string{"--listen", "127.0.0.1:18080"})
	require.Error(t, err)
}

func TestParseClientConfigDefaults(t *testing.T) {
	cfg, err := ParseClientConfig([]string{"--bt-addr", "AA:BB:CC:DD:EE:FF"})
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:18080", cfg.Listen)
	require.Equal(t, "info", cfg.Log)
	require.Equal(t, "AA:BB:CC:DD:EE:FF", cfg.BTAddr)
}

func TestParseClientConfigOverridesDefaults(t *testing.T) {
	cfg, err := ParseClientConfig([]string{
		"--bt-addr", "AA:BB:CC:DD:EE:FF",
		"--listen", "0.0.0.0:9999",
		"--channel", "5",
		"--psk", "secret",
		"--log", "debug",
	})
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9999", cfg.Listen)
	require.Equal(t, uint8(5), cfg.Channel)
	require.Equal(t, "secret", cfg.PSK)
	require.Equal(t, "debug", cfg.Log)
}

func TestParseServerConfigDefaults(t *testing.T) {
	cfg, err := ParseServerConfig(nil)
	require.NoError(t, err)
	require.Equal(t, uint8(22), cfg.Channel)
	require.Equal(t, "127.0.0.1:7891", cfg.ClashSOCKS)
	require.False(t, cfg.Direct)
}

func TestParseServerConfigDirectFlag(t *testing.T) {
	cfg, err := ParseServerConfig([]string{"--direct"})
	require.NoError(t, err)
	require.True(t, cfg.Direct)
}

func TestYAMLConfigSuppliesDefaultsBeforeFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"bt_addr: \"11:22:33:44:55:66\"\nlisten: \"127.0.0.1:28080\"\nlog: \"warn\"\n",
	), 0o644))

	cfg, err := ParseClientConfig([]string{"--config", path})
	require.NoError(t, err)
	require.Equal(t, "11:22:33:44:55:66", cfg.BTAddr)
	require.Equal(t, "127.0.0.1:28080", cfg.Listen)
	require.Equal(t, "warn", cfg.Log)

	// An explicit flag still overrides the file's default.
	cfg, err = ParseClientConfig([]string{"--config", path, "--log", "debug"})
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Log)
}

func TestYAMLConfigMissingFileIsAnError(t *testing.T) {
	_, err := ParseClientConfig([]string{"--config", "/nonexistent/path.yaml", "--bt-addr", "x"})
	require.Error(t, err)
}
