// Package daemon wires together the state store, port allocator, process
// supervisor, idle controller, reverse proxy, and config watcher into the
// single long-running process described in spec.md §4.G.
package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lazydev/lazydevd/internal/config"
	"github.com/lazydev/lazydevd/internal/idle"
	"github.com/lazydev/lazydevd/internal/portalloc"
	"github.com/lazydev/lazydevd/internal/process"
	"github.com/lazydev/lazydevd/internal/proxy"
	"github.com/lazydev/lazydevd/internal/store"
)

// Daemon owns every long-lived subsystem (spec.md §9 DESIGN NOTES "explicit
// daemon context"); the only package-level mutable state in the module is
// the Windows-only job-object registry in internal/process.
type Daemon struct {
	ConfigPath string
	Log        zerolog.Logger

	store      *store.Store
	alloc      *portalloc.Allocator
	supervisor *process.ProcessManager
	idle       *idle.Controller
	watcher    *config.Watcher
	router     *proxy.Router
	server     *proxy.Server

	pidFile string
}

// Run performs the spec.md §4.G startup sequence, blocks until ctx is
// cancelled, then performs the shutdown sequence, bounded to 5s + 1s per
// live child.
func (d *Daemon) Run(ctx context.Context) error {
	stateDir, err := resolveStateDir()
	if err != nil {
		return fmt.Errorf("resolve state dir: %w", err)
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	d.store, err = store.Open(filepath.Join(stateDir, "state.db"))
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer d.store.Close()

	cfgPath, err := d.configPath()
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	d.watcher, err = config.NewWatcher(cfgPath, d.Log)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := d.watcher.Start(); err != nil {
		return fmt.Errorf("start config watcher: %w", err)
	}
	defer d.watcher.Stop()

	d.alloc = portalloc.New()
	states, err := d.store.AllStates()
	if err != nil {
		return fmt.Errorf("list states: %w", err)
	}
	d.alloc.InitializeFromState(states)

	d.supervisor = process.NewManager(d.store, d.alloc, d.Log)
	reconciled, err := d.supervisor.ReconcileOrphansOnStartup()
	if err != nil {
		return fmt.Errorf("reconcile orphans: %w", err)
	}
	d.Log.Info().Int("adopted", reconciled.Adopted).Int("cleaned", reconciled.Cleaned).Msg("startup reconciliation complete")

	d.pidFile = filepath.Join(stateDir, "daemon.pid")
	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(d.pidFile)

	d.router = proxy.NewRouter()
	d.router.Publish(d.watcher.Current().BuildRoutingTable())

	d.idle = idle.New(d.store, d.supervisor, d.watcher.Current, d.Log)
	d.server = proxy.NewServer(d.router, d.store, d.supervisor, d.watcher.Current, d.Log)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		proxyPort := d.watcher.Current().Settings.ProxyPort
		d.Log.Info().Int("port", proxyPort).Msg("proxy listening")
		return d.server.ListenAndServe(gctx, proxyPort)
	})

	g.Go(func() error {
		d.idle.Run(gctx)
		return nil
	})

	g.Go(func() error {
		updates := d.watcher.Subscribe()
		for {
			select {
			case <-gctx.Done():
				return nil
			case cfg := <-updates:
				d.router.Publish(cfg.BuildRoutingTable())
			}
		}
	})

	<-ctx.Done()
	d.Log.Info().Msg("shutdown signal received, stopping")

	return d.shutdown(g)
}

// shutdown stops all children gracefully-then-forcefully, bounded to 5s
// plus 1s per live child (spec.md §4.G, §5).
func (d *Daemon) shutdown(g *errgroup.Group) error {
	states, _ := d.store.AllStates()
	liveChildren := 0
	for _, st := range states {
		if st.Status == store.StatusRunning {
			liveChildren++
		}
	}

	deadline := 5*time.Second + time.Duration(liveChildren)*time.Second
	done := make(chan struct{})
	go func() {
		d.supervisor.StopAll()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(deadline):
		d.Log.Warn().Msg("stop-all did not complete within shutdown deadline")
	}

	if err := g.Wait(); err != nil {
		d.Log.Warn().Err(err).Msg("subsystem returned error during shutdown")
	}
	return nil
}

func (d *Daemon) configPath() (string, error) {
	if d.ConfigPath != "" {
		return d.ConfigPath, nil
	}
	return config.DefaultConfigPath()
}

func resolveStateDir() (string, error) {
	return store.DefaultStateDir()
}

func (d *Daemon) writePIDFile() error {
	return os.WriteFile(d.pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644)
}
