package config

import (
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher loads a config file once and republishes a new *Config each time
// the file changes on disk, without restarting the daemon (spec.md §4.F).
//
// Per DESIGN NOTES §9, subscribers receive updates through a typed
// publish/subscribe mechanism rather than a registered callback: Subscribe
// returns a channel fed by a single fan-out goroutine, and Current always
// returns the latest atomically-published Config.
type Watcher struct {
	path    string
	log     zerolog.Logger
	current atomic.Pointer[Config]

	mu   sync.Mutex
	subs []chan *Config

	fsw    *fsnotify.Watcher
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWatcher loads the config at path and prepares (but does not start) a
// watcher for subsequent changes.
func NewWatcher(path string, log zerolog.Logger) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:   path,
		log:    log.With().Str("component", "config-watcher").Logger(),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	w.current.Store(cfg)
	return w, nil
}

// Current returns the most recently published configuration.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// Subscribe returns a channel that receives every successfully reparsed
// Config after the first call to Start. The channel has a small buffer;
// slow subscribers only ever see the latest config, never a backlog.
func (w *Watcher) Subscribe() <-chan *Config {
	ch := make(chan *Config, 1)
	w.mu.Lock()
	w.subs = append(w.subs, ch)
	w.mu.Unlock()
	return ch
}

// Start begins watching the config file's parent directory. Watching the
// directory (rather than the file itself) survives editors that replace
// files atomically via rename, which would otherwise orphan a direct
// inode watch.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return err
	}
	w.fsw = fsw

	go w.loop()
	return nil
}

// Stop stops the watcher goroutine and closes the underlying fsnotify
// watcher.
func (w *Watcher) Stop() {
	close(w.stopCh)
	<-w.doneCh
	if w.fsw != nil {
		w.fsw.Close()
	}
}

func (w *Watcher) loop() {
	defer close(w.doneCh)
	base := filepath.Base(w.path)

	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		// Keep the previous config; the surrounding file write may still
		// be in progress (e.g. an editor's partial rename).
		w.log.Warn().Err(err).Msg("config reload failed, keeping previous config")
		return
	}

	w.current.Store(cfg)
	w.log.Info().Int("projects", len(cfg.Projects)).Msg("config reloaded")

	w.mu.Lock()
	subs := append([]chan *Config(nil), w.subs...)
	w.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- cfg:
		default:
			// Drain the stale pending value, then push the fresh one: the
			// channel is depth-1, so subscribers only ever see the latest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- cfg:
			default:
			}
		}
	}
}
