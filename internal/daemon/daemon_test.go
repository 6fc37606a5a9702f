package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigPathDefaultsWhenUnset(t *testing.T) {
	d := &Daemon{}
	got, err := d.configPath()
	require.NoError(t, err)
	assert.Contains(t, got, filepath.Join(".config", "lazydev", "config.yaml"))
}

func TestConfigPathHonorsExplicitOverride(t *testing.T) {
	d := &Daemon{ConfigPath: "/tmp/custom.yaml"}
	got, err := d.configPath()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom.yaml", got)
}

func TestWritePIDFileWritesCurrentPID(t *testing.T) {
	d := &Daemon{pidFile: filepath.Join(t.TempDir(), "daemon.pid")}
	require.NoError(t, d.writePIDFile())

	data, err := os.ReadFile(d.pidFile)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), mustAtoi(t, string(data)))
}

func mustAtoi(t *testing.T, s string) int {
	t.Helper()
	var n int
	_, err := fmt.Sscan(s, &n)
	require.NoError(t, err)
	return n
}
