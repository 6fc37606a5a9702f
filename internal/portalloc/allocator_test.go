package portalloc

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazydev/lazydevd/internal/config"
	"github.com/lazydev/lazydevd/internal/store"
)

func testSettings(lo, hi int) config.Settings {
	s := config.DefaultSettings()
	s.PortRange = [2]int{lo, hi}
	return s
}

func TestFindAvailableReturnsDistinctPorts(t *testing.T) {
	a := New()
	settings := testSettings(20000, 20010)

	p1, err := a.FindAvailable(settings)
	require.NoError(t, err)

	p2, err := a.FindAvailable(settings)
	require.NoError(t, err)

	assert.NotEqual(t, p1, p2)
	assert.True(t, a.IsReserved(p1))
	assert.True(t, a.IsReserved(p2))
}

func TestFindAvailableSkipsKernelBoundPort(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	busyPort := l.Addr().(*net.TCPAddr).Port

	a := New()
	settings := testSettings(busyPort, busyPort+5)

	got, err := a.FindAvailable(settings)
	require.NoError(t, err)
	assert.NotEqual(t, busyPort, got)
}

func TestFindAvailableExhaustion(t *testing.T) {
	a := New()
	settings := testSettings(21000, 21001)

	_, err := a.FindAvailable(settings)
	require.NoError(t, err)
	_, err = a.FindAvailable(settings)
	require.NoError(t, err)

	_, err = a.FindAvailable(settings)
	assert.ErrorIs(t, err, ErrNoPortsAvailable)
}

func TestReleaseFreesPortForReuse(t *testing.T) {
	a := New()
	settings := testSettings(22000, 22000)

	p, err := a.FindAvailable(settings)
	require.NoError(t, err)

	a.Release(p)
	assert.False(t, a.IsReserved(p))

	p2, err := a.FindAvailable(settings)
	require.NoError(t, err)
	assert.Equal(t, p, p2)
}

func TestInitializeFromStateSeedsRunningPorts(t *testing.T) {
	a := New()
	port := 23000
	states := map[string]store.ProjectState{
		"web": {Name: "web", Status: store.StatusRunning, Port: &port},
		"api": {Name: "api", Status: store.StatusStopped},
	}
	a.InitializeFromState(states)

	assert.True(t, a.IsReserved(port))
}

func TestMarkUsed(t *testing.T) {
	a := New()
	a.MarkUsed(24000)
	assert.True(t, a.IsReserved(24000))
}
