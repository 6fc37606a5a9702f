package idle

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazydev/lazydevd/internal/config"
	"github.com/lazydev/lazydevd/internal/store"
)

func ptrToPtr[T any](v T) **T {
	p := &v
	return &p
}

type fakeStopper struct {
	stopped []string
}

func (f *fakeStopper) Stop(name string) error {
	f.stopped = append(f.stopped, name)
	return nil
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir() + "/state.db")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestScanOnceStopsProjectPastIdleTimeout(t *testing.T) {
	s := openTestStore(t)
	running := store.StatusRunning
	port := 4000
	stale := time.Now().Add(-time.Hour).UnixMilli()
	require.NoError(t, s.SetState("web", store.StatePatch{Status: &running, Port: ptrToPtr(port), LastActivity: ptrToPtr(stale)}))

	settings := config.DefaultSettings()
	settings.DynamicTimeout = false
	settings.IdleTimeout = config.Duration(time.Minute)
	cfg := &config.Config{Settings: settings, Projects: map[string]*config.ProjectConfig{
		"web": {Name: "web"},
	}}

	stopper := &fakeStopper{}
	c := New(s, stopper, func() *config.Config { return cfg }, zerolog.Nop())
	c.scanOnce(cfg)

	assert.Equal(t, []string{"web"}, stopper.stopped)
}

func TestScanOnceSkipsDisabledProject(t *testing.T) {
	s := openTestStore(t)
	running := store.StatusRunning
	stale := time.Now().Add(-time.Hour).UnixMilli()
	require.NoError(t, s.SetState("web", store.StatePatch{Status: &running, LastActivity: ptrToPtr(stale)}))

	cfg := &config.Config{Settings: config.DefaultSettings(), Projects: map[string]*config.ProjectConfig{
		"web": {Name: "web", Disabled: true},
	}}

	stopper := &fakeStopper{}
	c := New(s, stopper, func() *config.Config { return cfg }, zerolog.Nop())
	c.scanOnce(cfg)

	assert.Empty(t, stopper.stopped)
}

func TestScanOnceSkipsActiveWebSocket(t *testing.T) {
	s := openTestStore(t)
	running := store.StatusRunning
	stale := time.Now().Add(-time.Hour).UnixMilli()
	ws := 1
	require.NoError(t, s.SetState("web", store.StatePatch{Status: &running, LastActivity: ptrToPtr(stale), WebSocketConnections: &ws}))

	cfg := &config.Config{Settings: config.DefaultSettings(), Projects: map[string]*config.ProjectConfig{"web": {Name: "web"}}}

	stopper := &fakeStopper{}
	c := New(s, stopper, func() *config.Config { return cfg }, zerolog.Nop())
	c.scanOnce(cfg)

	assert.Empty(t, stopper.stopped)

	st, err := s.GetState("web")
	require.NoError(t, err)
	assert.Greater(t, *st.LastActivity, stale, "active ws connection should refresh last_activity")
}

func TestScanOnceSkipsZeroOverrideTimeout(t *testing.T) {
	s := openTestStore(t)
	running := store.StatusRunning
	stale := time.Now().Add(-24 * time.Hour).UnixMilli()
	require.NoError(t, s.SetState("web", store.StatePatch{Status: &running, LastActivity: ptrToPtr(stale)}))

	never := config.Duration(0)
	cfg := &config.Config{Settings: config.DefaultSettings(), Projects: map[string]*config.ProjectConfig{
		"web": {Name: "web", IdleTimeout: &never},
	}}

	stopper := &fakeStopper{}
	c := New(s, stopper, func() *config.Config { return cfg }, zerolog.Nop())
	c.scanOnce(cfg)

	assert.Empty(t, stopper.stopped)
}

func TestDynamicTimeoutClampedToRange(t *testing.T) {
	settings := config.DefaultSettings()
	settings.MinTimeout = config.Duration(time.Minute)
	settings.MaxTimeout = config.Duration(10 * time.Minute)

	metrics := store.ProjectMetrics{ColdStartTime: 50000} // cold_factor = 10
	got := clamp(dynamicTimeout(metrics, 0), settings.MinTimeout.Duration(), settings.MaxTimeout.Duration())
	assert.Equal(t, 10*time.Minute, got)
}

func TestActivityScoreRewardsRecentBurst(t *testing.T) {
	now := time.Now().UnixMilli()
	history := []int64{now - 1000, now - 2000, now - 3000}
	assert.Equal(t, 1.0, activityScore(history))

	assert.Equal(t, 0.0, activityScore(nil))
}
