package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewDefaultsUnknownLevelToInfo(t *testing.T) {
	log := New("not-a-real-level", "")
	require.NotNil(t, log)
	require.True(t, log.Core().Enabled(zapcore.InfoLevel))
}

func TestNewWritesToRotatedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "btproxy.log")

	log := New("debug", path)
	log.Info("hello from the test suite")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "hello from the test suite")
}

func TestNewDebugLevelEnablesDebugLogs(t *testing.T) {
	log := New("debug", "")
	require.True(t, log.Core().Enabled(zapcore.DebugLevel))
}

func TestNewWarnLevelDisablesInfoLogs(t *testing.T) {
	log := New("warn", "")
	require.False(t, log.Core().Enabled(zapcore.InfoLevel))
}
