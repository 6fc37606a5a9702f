package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazydev/lazydevd/internal/config"
	"github.com/lazydev/lazydevd/internal/process"
	"github.com/lazydev/lazydevd/internal/store"
)

func ptrToPtr[T any](v T) **T {
	p := &v
	return &p
}

type fakeStarter struct {
	calls  int
	result process.StartResult
	err    error
}

func (f *fakeStarter) Start(ctx context.Context, proj *config.ProjectConfig, settings config.Settings) (process.StartResult, error) {
	f.calls++
	return f.result, f.err
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestServeHTTPUnknownSubdomainReturns404(t *testing.T) {
	st := openTestStore(t)
	router := NewRouter()
	cfg := &config.Config{Settings: config.DefaultSettings()}
	srv := NewServer(router, st, &fakeStarter{}, func() *config.Config { return cfg }, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "http://ghost.localhost/", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeHTTPColdStartsAndProxies(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer backend.Close()

	backendURL, err := url.Parse(backend.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(backendURL.Port())
	require.NoError(t, err)

	st := openTestStore(t)
	router := NewRouter()
	proj := &config.ProjectConfig{Name: "web"}
	router.Publish(RoutingTable{"web": proj})

	cfg := &config.Config{Settings: config.DefaultSettings(), Projects: map[string]*config.ProjectConfig{"web": proj}}
	starter := &fakeStarter{result: process.StartResult{Port: port}}
	srv := NewServer(router, st, starter, func() *config.Config { return cfg }, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "http://web.localhost/", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.Equal(t, 1, starter.calls)

	got, err := st.GetState("web")
	require.NoError(t, err)
	require.NotNil(t, got.LastActivity)
}

func TestServeHTTPReusesHealthyRunningBackend(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	backendURL, err := url.Parse(backend.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(backendURL.Port())
	require.NoError(t, err)

	st := openTestStore(t)
	running := store.StatusRunning
	require.NoError(t, st.SetState("web", store.StatePatch{Status: &running, Port: ptrToPtr(port)}))

	router := NewRouter()
	proj := &config.ProjectConfig{Name: "web"}
	router.Publish(RoutingTable{"web": proj})
	cfg := &config.Config{Settings: config.DefaultSettings(), Projects: map[string]*config.ProjectConfig{"web": proj}}

	starter := &fakeStarter{}
	srv := NewServer(router, st, starter, func() *config.Config { return cfg }, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "http://web.localhost/", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, starter.calls, "a healthy running backend must not trigger a cold start")
}
