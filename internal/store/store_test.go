package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func ptrToPtr[T any](v T) **T {
	p := &v
	return &p
}

func TestSetStateAndGetStateRoundTrip(t *testing.T) {
	s := openTestStore(t)

	status := StatusRunning
	port := 4001
	pid := 1234
	require.NoError(t, s.SetState("web", StatePatch{Status: &status, Port: ptrToPtr(port), PID: ptrToPtr(pid)}))

	got, err := s.GetState("web")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, 4001, *got.Port)
	assert.Equal(t, 1234, *got.PID)
}

func TestGetStateMissingReturnsNil(t *testing.T) {
	s := openTestStore(t)
	got, err := s.GetState("missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSetStatePreservesUnpatchedFields(t *testing.T) {
	s := openTestStore(t)

	running := StatusRunning
	port := 5000
	require.NoError(t, s.SetState("web", StatePatch{Status: &running, Port: ptrToPtr(port)}))

	stopped := StatusStopped
	require.NoError(t, s.SetState("web", StatePatch{Status: &stopped}))

	got, err := s.GetState("web")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, got.Status)
	assert.Equal(t, 5000, *got.Port, "port must survive a patch that doesn't mention it")
}

func TestIncWSAndDecWSFloorAtZero(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.DecWS("web"))
	st, err := s.GetState("web")
	require.NoError(t, err)
	assert.Equal(t, 0, st.WebSocketConnections)

	require.NoError(t, s.IncWS("web"))
	require.NoError(t, s.IncWS("web"))
	require.NoError(t, s.DecWS("web"))

	st, err = s.GetState("web")
	require.NoError(t, err)
	assert.Equal(t, 1, st.WebSocketConnections)
}

func TestUpdateActivityStampsAndTrimsHistory(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 25; i++ {
		require.NoError(t, s.UpdateActivity("web"))
	}

	st, err := s.GetState("web")
	require.NoError(t, err)
	require.NotNil(t, st.LastActivity)

	m, err := s.GetMetrics("web")
	require.NoError(t, err)
	assert.Len(t, m.RequestHistory, 20)
}

func TestAllStatesReturnsEveryProject(t *testing.T) {
	s := openTestStore(t)
	status := StatusRunning
	require.NoError(t, s.SetState("web", StatePatch{Status: &status}))
	require.NoError(t, s.SetState("api", StatePatch{Status: &status}))

	all, err := s.AllStates()
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Contains(t, all, "web")
	assert.Contains(t, all, "api")
}

func TestDeleteProjectRemovesStateAndMetricsButKeepsLogs(t *testing.T) {
	s := openTestStore(t)
	status := StatusRunning
	require.NoError(t, s.SetState("web", StatePatch{Status: &status}))
	require.NoError(t, s.AddLog("web", StreamOut, "hello"))

	require.NoError(t, s.DeleteProject("web"))

	got, err := s.GetState("web")
	require.NoError(t, err)
	assert.Nil(t, got)

	logs, err := s.RecentLogs("web", 10)
	require.NoError(t, err)
	assert.Len(t, logs, 1, "log rows survive project deletion")
}

func TestSetColdStartTime(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SetColdStartTime("web", 1234))

	m, err := s.GetMetrics("web")
	require.NoError(t, err)
	assert.EqualValues(t, 1234, m.ColdStartTime)
}
