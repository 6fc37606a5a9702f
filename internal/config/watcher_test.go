package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const watcherFixture = `
settings:
  proxy_port: 80
projects:
  web:
    cwd: /tmp/web
    start_cmd: npm run dev
`

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(watcherFixture), 0o644))

	w, err := NewWatcher(path, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	sub := w.Subscribe()
	require.Equal(t, 80, w.Current().Settings.ProxyPort)

	require.NoError(t, os.WriteFile(path, []byte(`
settings:
  proxy_port: 9090
projects:
  web:
    cwd: /tmp/web
    start_cmd: npm run dev
`), 0o644))

	select {
	case cfg := <-sub:
		require.Equal(t, 9090, cfg.Settings.ProxyPort)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
	require.Equal(t, 9090, w.Current().Settings.ProxyPort)
}

func TestWatcherKeepsLastGoodConfigOnParseError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(watcherFixture), 0o644))

	w, err := NewWatcher(path, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("not: [valid"), 0o644))
	time.Sleep(200 * time.Millisecond)

	require.Equal(t, 80, w.Current().Settings.ProxyPort)
}
