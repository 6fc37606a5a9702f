package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAppliesDefaultsAndOverrides(t *testing.T) {
	cfg, err := Parse([]byte(`
settings:
  proxy_port: 8080
projects:
  web:
    cwd: /tmp/web
    start_cmd: npm run dev
`))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Settings.ProxyPort)
	assert.Equal(t, 10*time.Minute, cfg.Settings.IdleTimeout.Duration())
	assert.Equal(t, [2]int{4000, 4999}, cfg.Settings.PortRange)
	assert.True(t, cfg.Settings.DynamicTimeout)

	proj, ok := cfg.Projects["web"]
	require.True(t, ok)
	assert.Equal(t, "web", proj.Name)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := &Config{
		Settings: DefaultSettings(),
		Projects: map[string]*ProjectConfig{
			"Bad Name": {Name: "Bad Name"},
			"ok":       {Name: "ok", Cwd: "/tmp", StartCmd: "go run ."},
		},
	}

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "name must match")
	assert.Contains(t, msg, "cwd must not be empty")
	assert.Contains(t, msg, "start_cmd must not be empty")
}

func TestValidateRejectsNameMismatch(t *testing.T) {
	cfg := &Config{
		Settings: DefaultSettings(),
		Projects: map[string]*ProjectConfig{
			"web": {Name: "other", Cwd: "/tmp", StartCmd: "go run ."},
		},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must match map key")
}

func TestBuildRoutingTableLowersLabelsAndAliases(t *testing.T) {
	cfg := &Config{
		Projects: map[string]*ProjectConfig{
			"web": {Name: "Web", Aliases: []string{"WWW"}},
		},
	}
	table := cfg.BuildRoutingTable()
	assert.Same(t, cfg.Projects["web"], table["web"])
	assert.Same(t, cfg.Projects["web"], table["www"])
}

func TestEffectiveIdleTimeoutFallsBackToSettings(t *testing.T) {
	p := &ProjectConfig{Name: "web"}
	settings := DefaultSettings()
	assert.Equal(t, settings.IdleTimeout, p.EffectiveIdleTimeout(settings))

	override := Duration(0)
	p.IdleTimeout = &override
	assert.Equal(t, override, p.EffectiveIdleTimeout(settings))
}
