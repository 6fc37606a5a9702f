// Package idle implements the idle controller of spec.md §4.D: a periodic
// scanner that stops projects which have had no activity for their
// effective timeout, plus the dynamic-timeout formula used to compute that
// timeout from a project's cold-start cost and recent traffic shape.
package idle

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/lazydev/lazydevd/internal/config"
	"github.com/lazydev/lazydevd/internal/store"
)

// Stopper is the subset of *process.ProcessManager the controller needs;
// named here to keep the dependency narrow and let tests pass a fake.
type Stopper interface {
	Stop(name string) error
}

// Controller runs the scan loop described in spec.md §4.D.
type Controller struct {
	store      *store.Store
	supervisor Stopper
	configs    func() *config.Config
	log        zerolog.Logger
}

// New constructs a Controller. configs must return the current config on
// every call (spec.md §4.F publish/subscribe via atomic pointer).
func New(st *store.Store, supervisor Stopper, configs func() *config.Config, log zerolog.Logger) *Controller {
	return &Controller{
		store:      st,
		supervisor: supervisor,
		configs:    configs,
		log:        log.With().Str("component", "idle").Logger(),
	}
}

// Run blocks, scanning every settings.scan_interval until ctx is cancelled.
// The ticker is rebuilt whenever a config reload changes scan_interval.
func (c *Controller) Run(ctx context.Context) {
	cfg := c.configs()
	interval := cfg.Settings.ScanInterval.Duration()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cfg = c.configs()
			if next := cfg.Settings.ScanInterval.Duration(); next != interval {
				interval = next
				ticker.Reset(interval)
			}
			c.scanOnce(cfg)
		}
	}
}

func (c *Controller) scanOnce(cfg *config.Config) {
	states, err := c.store.AllStates()
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to list states for idle scan")
		return
	}

	now := time.Now().UnixMilli()
	for name, st := range states {
		if st.Status != store.StatusRunning {
			continue
		}
		proj := cfg.Projects[name]
		if proj != nil && proj.Disabled {
			continue
		}
		if st.WebSocketConnections > 0 {
			_ = c.store.UpdateActivity(name)
			continue
		}
		if st.LastActivity == nil {
			continue
		}
		if proj != nil && proj.IdleTimeout != nil && *proj.IdleTimeout == 0 {
			continue
		}

		timeout := c.effectiveTimeout(name, proj, cfg.Settings, st)
		if now-*st.LastActivity >= timeout.Milliseconds() {
			c.log.Info().Str("name", name).Dur("idle_for", time.Duration(now-*st.LastActivity)*time.Millisecond).Msg("stopping idle project")
			if err := c.supervisor.Stop(name); err != nil {
				c.log.Warn().Err(err).Str("name", name).Msg("idle stop failed")
			}
		}
	}
}

// EffectiveTimeout computes the timeout that would apply to name right now
// (spec.md §4.D "effective_timeout(name)"), for use outside the scan loop.
func (c *Controller) EffectiveTimeout(name string) (time.Duration, error) {
	cfg := c.configs()
	proj := cfg.Projects[name]
	st, err := c.store.GetState(name)
	if err != nil {
		return 0, err
	}
	if st == nil {
		st = &store.ProjectState{Name: name}
	}
	return c.effectiveTimeout(name, proj, cfg.Settings, *st), nil
}

func (c *Controller) effectiveTimeout(name string, proj *config.ProjectConfig, settings config.Settings, st store.ProjectState) time.Duration {
	if proj != nil && proj.IdleTimeout != nil {
		return proj.IdleTimeout.Duration()
	}
	if !settings.DynamicTimeout {
		return settings.IdleTimeout.Duration()
	}

	metrics, err := c.store.GetMetrics(name)
	if err != nil {
		metrics = store.ProjectMetrics{Name: name}
	}
	t := dynamicTimeout(metrics, st.WebSocketConnections)
	return clamp(t, settings.MinTimeout.Duration(), settings.MaxTimeout.Duration())
}

const (
	baseTimeout      = 5 * time.Minute
	defaultColdStart = 5000 // ms, used when no cold start has ever been recorded
)

// activityThresholds walks in order; the first threshold with at least 3
// history timestamps within now-threshold wins (spec.md §4.D).
var activityThresholds = []struct {
	window time.Duration
	score  float64
}{
	{30 * time.Second, 1.0},
	{60 * time.Second, 0.8},
	{120 * time.Second, 0.6},
	{300 * time.Second, 0.4},
	{600 * time.Second, 0.2},
}

// dynamicTimeout implements the exact formula of spec.md §4.D, unclamped.
func dynamicTimeout(metrics store.ProjectMetrics, wsConnections int) time.Duration {
	cold := metrics.ColdStartTime
	if cold <= 0 {
		cold = defaultColdStart
	}
	coldFactor := float64(cold) / float64(defaultColdStart)

	wsMult := 1.0
	if wsConnections > 0 {
		wsMult = 2.0
	}

	activityMult := 0.5 + 0.5*activityScore(metrics.RequestHistory)

	t := float64(baseTimeout) * coldFactor * wsMult * activityMult
	return time.Duration(t)
}

func activityScore(history []int64) float64 {
	now := time.Now().UnixMilli()
	for _, th := range activityThresholds {
		cutoff := now - th.window.Milliseconds()
		count := 0
		for _, ts := range history {
			if ts >= cutoff {
				count++
			}
		}
		if count >= 3 {
			return th.score
		}
	}
	return 0.0
}

func clamp(v, min, max time.Duration) time.Duration {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
