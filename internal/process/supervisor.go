// Package process implements the process supervisor of spec.md §4.C: it
// spawns project dev servers, waits for them to become healthy, tracks
// adopted orphans across daemon restarts, and tears everything down on
// stop.
package process

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/lazydev/lazydevd/internal/config"
	"github.com/lazydev/lazydevd/internal/portalloc"
	"github.com/lazydev/lazydevd/internal/store"
)

// ErrStartTimeout is returned by Start when the child never becomes healthy
// within settings.StartupTimeout (spec.md §4.C step 8).
var ErrStartTimeout = errors.New("StartTimeout")

const (
	healthPollInterval = 500 * time.Millisecond
	healthProbeTimeout = 1 * time.Second
	gracefulWait       = 5 * time.Second
	gracefulPoll       = 100 * time.Millisecond
	forceKillWait      = 1 * time.Second
)

// managedChild is a process the supervisor itself spawned: it owns the
// *exec.Cmd, can Wait() on it, and has live log pumps. stopping is set
// before an intentional Stop() signals the child, so the cmd.Wait()
// completion goroutine can tell a requested stop from a crash.
type managedChild struct {
	cmd      *exec.Cmd
	pid      int
	port     int
	pumps    *pumpSet
	waited   chan struct{} // closed once cmd.Wait() returns
	stopping atomic.Bool
}

// ProcessManager owns every child process the daemon currently runs or has
// adopted. lifecycle_unix.go / lifecycle_windows.go attach platform-specific
// signaling methods to this type.
type ProcessManager struct {
	store *store.Store
	alloc *portalloc.Allocator
	log   zerolog.Logger

	starts singleflight.Group // keyed by project name, collapses racing Start calls

	mu      sync.Mutex
	managed map[string]*managedChild // name -> process this daemon spawned
	orphans map[string]int           // name -> pid, adopted on startup, no *exec.Cmd
}

// NewManager constructs a ProcessManager over store and alloc.
func NewManager(st *store.Store, alloc *portalloc.Allocator, log zerolog.Logger) *ProcessManager {
	return &ProcessManager{
		store:   st,
		alloc:   alloc,
		log:     log.With().Str("component", "process").Logger(),
		managed: map[string]*managedChild{},
		orphans: map[string]int{},
	}
}

// StartResult is the outcome of a successful Start (spec.md §4.C).
type StartResult struct {
	Port        int
	ColdStartMs int64
}

// Start implements spec.md §4.C "start". Concurrent calls for the same
// name are collapsed by pm.starts: only one actually spawns, and every
// caller waiting on it receives that one call's result, satisfying
// spec.md's "two concurrent start(name) calls produce exactly one spawned
// child and return the same port".
func (pm *ProcessManager) Start(ctx context.Context, proj *config.ProjectConfig, settings config.Settings) (StartResult, error) {
	v, err, _ := pm.starts.Do(proj.Name, func() (any, error) {
		return pm.startOnce(ctx, proj, settings)
	})
	if err != nil {
		return StartResult{}, err
	}
	return v.(StartResult), nil
}

// startOnce does the actual read-decide-spawn work for Start, run under
// pm.starts so at most one executes per name at a time.
func (pm *ProcessManager) startOnce(ctx context.Context, proj *config.ProjectConfig, settings config.Settings) (StartResult, error) {
	name := proj.Name
	log := pm.log.With().Str("name", name).Logger()

	st, err := pm.store.GetState(name)
	if err != nil {
		return StartResult{}, fmt.Errorf("read state for %q: %w", name, err)
	}
	if st != nil && st.Status == store.StatusRunning && st.PID != nil && st.Port != nil && pm.IsAlive(*st.PID) {
		return StartResult{Port: *st.Port, ColdStartMs: 0}, nil
	}

	pm.releaseStale(name, st)

	port, err := pm.alloc.FindAvailable(settings)
	if err != nil {
		return StartResult{}, fmt.Errorf("allocate port for %q: %w", name, err)
	}

	startedAt := time.Now().UnixMilli()
	startingStatus := store.StatusStarting
	if err := pm.store.SetState(name, store.StatePatch{
		Status:    &startingStatus,
		Port:      ptrToPtr(port),
		StartedAt: ptrToPtr(startedAt),
	}); err != nil {
		pm.alloc.Release(port)
		return StartResult{}, fmt.Errorf("persist starting state for %q: %w", name, err)
	}

	cmd := exec.CommandContext(context.Background(), shellPath(), "-c", proj.StartCmd)
	cmd.Dir = proj.Cwd
	cmd.Env = append(cmd.Environ(), fmt.Sprintf("PORT=%d", port), "HOST=0.0.0.0")
	applyChildProcAttrs(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		pm.failStart(name, port)
		return StartResult{}, fmt.Errorf("attach stdout for %q: %w", name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		pm.failStart(name, port)
		return StartResult{}, fmt.Errorf("attach stderr for %q: %w", name, err)
	}

	if err := cmd.Start(); err != nil {
		pm.failStart(name, port)
		return StartResult{}, fmt.Errorf("spawn %q: %w", name, err)
	}
	_ = beginProcessGroup(cmd)

	pid := cmd.Process.Pid
	log.Info().Int("pid", pid).Int("port", port).Msg("spawned child process")

	pumps := startPumps(pm.store, name, stdout, stderr)
	waited := make(chan struct{})
	child := &managedChild{cmd: cmd, pid: pid, port: port, pumps: pumps, waited: waited}

	pm.mu.Lock()
	pm.managed[name] = child
	pm.mu.Unlock()

	go func() {
		_ = cmd.Wait()
		pumps.cancel()
		pumps.wait()
		endProcessGroup(pid)
		close(waited)

		if !child.stopping.Load() {
			pm.handleUnexpectedExit(name, child)
		}
	}()

	if err := pm.waitHealthy(ctx, port, settings.StartupTimeout.Duration()); err != nil {
		child.stopping.Store(true)
		pm.killAndWait(child)
		pm.alloc.Release(port)
		stopped := store.StatusStopped
		_ = pm.store.SetState(name, store.StatePatch{Status: &stopped})
		pm.mu.Lock()
		delete(pm.managed, name)
		pm.mu.Unlock()
		log.Warn().Err(err).Msg("start timed out")
		return StartResult{}, fmt.Errorf("%w: %q did not become healthy within %s", ErrStartTimeout, name, settings.StartupTimeout.Duration())
	}

	coldMs := time.Now().UnixMilli() - startedAt
	_ = pm.store.SetColdStartTime(name, coldMs)

	runningStatus := store.StatusRunning
	nowMs := time.Now().UnixMilli()
	if err := pm.store.SetState(name, store.StatePatch{
		Status:       &runningStatus,
		PID:          ptrToPtr(pid),
		LastActivity: ptrToPtr(nowMs),
	}); err != nil {
		return StartResult{}, fmt.Errorf("persist running state for %q: %w", name, err)
	}

	log.Info().Int("port", port).Int64("cold_start_ms", coldMs).Msg("child healthy")
	return StartResult{Port: port, ColdStartMs: coldMs}, nil
}

// Stop implements spec.md §4.C "stop".
func (pm *ProcessManager) Stop(name string) error {
	st, err := pm.store.GetState(name)
	if err != nil {
		return fmt.Errorf("read state for %q: %w", name, err)
	}
	if st == nil || st.Status != store.StatusRunning {
		return nil
	}

	pm.mu.Lock()
	child, managed := pm.managed[name]
	orphanPID, adopted := pm.orphans[name]
	pm.mu.Unlock()

	if managed {
		child.stopping.Store(true)
	}

	var pid int
	switch {
	case managed:
		pid = child.pid
	case adopted:
		pid = orphanPID
	case st.PID != nil:
		pid = *st.PID
	default:
		pid = 0
	}

	if pid != 0 {
		pm.gracefulThenKill(pid)
	}
	if managed {
		pm.killAndWait(child)
		pm.mu.Lock()
		delete(pm.managed, name)
		pm.mu.Unlock()
	}
	if adopted {
		pm.mu.Lock()
		delete(pm.orphans, name)
		pm.mu.Unlock()
	}
	if st.Port != nil {
		pm.alloc.Release(*st.Port)
	}

	stopped := store.StatusStopped
	var nilPort *int
	var nilPID *int
	var nilActivity *int64
	return pm.store.SetState(name, store.StatePatch{
		Status:       &stopped,
		Port:         &nilPort,
		PID:          &nilPID,
		LastActivity: &nilActivity,
	})
}

// StopAll concurrently stops every managed child, then every adopted
// orphan, each with the same graceful-then-kill sequence (spec.md §4.C).
func (pm *ProcessManager) StopAll() {
	pm.mu.Lock()
	names := make([]string, 0, len(pm.managed)+len(pm.orphans))
	for n := range pm.managed {
		names = append(names, n)
	}
	for n := range pm.orphans {
		if _, already := pm.managed[n]; !already {
			names = append(names, n)
		}
	}
	pm.mu.Unlock()

	var wg sync.WaitGroup
	for _, n := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := pm.Stop(name); err != nil {
				pm.log.Warn().Err(err).Str("name", name).Msg("stop failed during stop-all")
			}
		}(n)
	}
	wg.Wait()
}

// ReconcileResult reports the outcome of ReconcileOrphansOnStartup.
type ReconcileResult struct {
	Adopted int
	Cleaned int
}

// ReconcileOrphansOnStartup implements spec.md §4.C's startup reconciler.
func (pm *ProcessManager) ReconcileOrphansOnStartup() (ReconcileResult, error) {
	states, err := pm.store.AllStates()
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("list states: %w", err)
	}

	var result ReconcileResult
	stopped := store.StatusStopped
	for name, st := range states {
		switch {
		case st.Status == store.StatusStarting:
			if st.PID != nil {
				pm.gracefulThenKill(*st.PID)
			}
			if st.Port != nil {
				pm.alloc.Release(*st.Port)
			}
			var nilPort, nilPID *int
			_ = pm.store.SetState(name, store.StatePatch{Status: &stopped, Port: &nilPort, PID: &nilPID})
			result.Cleaned++

		case st.Status == store.StatusRunning && st.PID != nil && pm.IsAlive(*st.PID) && st.Port != nil:
			pm.mu.Lock()
			pm.orphans[name] = *st.PID
			pm.mu.Unlock()
			pm.alloc.MarkUsed(*st.Port)
			result.Adopted++
			pm.log.Info().Str("name", name).Int("pid", *st.PID).Int("port", *st.Port).Msg("adopted orphan")

		case st.Status == store.StatusRunning && st.PID != nil && pm.IsAlive(*st.PID) && st.Port == nil:
			pm.gracefulThenKill(*st.PID)
			var nilPID *int
			_ = pm.store.SetState(name, store.StatePatch{Status: &stopped, PID: &nilPID})
			result.Cleaned++

		case st.Status == store.StatusRunning:
			if st.Port != nil {
				pm.alloc.Release(*st.Port)
			}
			var nilPort, nilPID *int
			_ = pm.store.SetState(name, store.StatePatch{Status: &stopped, Port: &nilPort, PID: &nilPID})
			result.Cleaned++
		}
	}
	return result, nil
}

// IsAlive reports whether pid refers to a live process (spec.md §4.C).
func (pm *ProcessManager) IsAlive(pid int) bool {
	return processAlive(pid)
}

// releaseStale drops any stale port reservation and orphan tracking for
// name before a fresh Start, given the state row read just before the
// decision to spawn (spec.md §4.C step 2). Without this, a port held by a
// crashed project is never returned to the allocator and leaks.
func (pm *ProcessManager) releaseStale(name string, st *store.ProjectState) {
	pm.mu.Lock()
	delete(pm.orphans, name)
	pm.mu.Unlock()

	if st != nil && st.Port != nil {
		pm.alloc.Release(*st.Port)
	}
}

// handleUnexpectedExit reconciles state after a managed child exits on its
// own, e.g. it crashes, rather than through Stop() or a failed startup
// probe. Without this the store row is left at status=running with a dead
// PID and the port stays reserved until the idle scanner or a later restart
// happens to notice.
func (pm *ProcessManager) handleUnexpectedExit(name string, child *managedChild) {
	pm.mu.Lock()
	if pm.managed[name] == child {
		delete(pm.managed, name)
	}
	pm.mu.Unlock()

	pm.alloc.Release(child.port)

	stopped := store.StatusStopped
	var nilPort, nilPID *int
	if err := pm.store.SetState(name, store.StatePatch{Status: &stopped, Port: &nilPort, PID: &nilPID}); err != nil {
		pm.log.Warn().Err(err).Str("name", name).Msg("failed to persist state after unexpected exit")
	}
	pm.log.Warn().Str("name", name).Int("pid", child.pid).Msg("child exited unexpectedly")
}

func (pm *ProcessManager) failStart(name string, port int) {
	pm.alloc.Release(port)
	stopped := store.StatusStopped
	var nilPort *int
	_ = pm.store.SetState(name, store.StatePatch{Status: &stopped, Port: &nilPort})
}

func (pm *ProcessManager) killAndWait(child *managedChild) {
	_ = pm.signalGroup(child.pid, syscall.SIGKILL)
	select {
	case <-child.waited:
	case <-time.After(forceKillWait):
	}
}

// gracefulThenKill implements the SIGTERM-then-SIGKILL sequence shared by
// Stop, StopAll, and the orphan reconciler (spec.md §4.C step 2 of stop).
func (pm *ProcessManager) gracefulThenKill(pid int) {
	if err := sendTerm(pid); err != nil && !isProcessGone(err) {
		pm.log.Debug().Err(err).Int("pid", pid).Msg("sigterm failed")
	}

	deadline := time.Now().Add(gracefulWait)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return
		}
		time.Sleep(gracefulPoll)
	}
	if !processAlive(pid) {
		return
	}

	if err := sendKill(pid); err != nil && !isProcessGone(err) {
		pm.log.Debug().Err(err).Int("pid", pid).Msg("sigkill failed")
	}
	deadline = time.Now().Add(forceKillWait)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return
		}
		time.Sleep(gracefulPoll)
	}
}

// waitHealthy polls http://localhost:<port>/ every 500ms until a response
// with status < 500 arrives, or timeout elapses (spec.md §4.C step 6).
func (pm *ProcessManager) waitHealthy(ctx context.Context, port int, timeout time.Duration) error {
	client := &http.Client{
		Timeout: healthProbeTimeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	url := fmt.Sprintf("http://localhost:%d/", port)

	deadline := time.Now().Add(timeout)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		resp, err := client.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 500 {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return ErrStartTimeout
		}
		time.Sleep(healthPollInterval)
	}
}

func shellPath() string {
	return "/bin/sh"
}

// ptrToPtr lifts a value into the **T a store.StatePatch field expects,
// distinguishing "set to v" from "leave unset" (spec.md §4.A upsert
// semantics).
func ptrToPtr[T any](v T) **T {
	p := &v
	return &p
}
