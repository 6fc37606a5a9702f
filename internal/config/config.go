// Package config loads and validates the daemon's YAML configuration and
// watches it for changes.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

var projectNamePattern = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

const maxProjectNameLength = 63

// Settings holds global daemon settings (spec.md §3, §6).
type Settings struct {
	ProxyPort      int      `yaml:"proxy_port"`
	IdleTimeout    Duration `yaml:"idle_timeout"`
	StartupTimeout Duration `yaml:"startup_timeout"`
	PortRange      [2]int   `yaml:"port_range"`
	ScanInterval   Duration `yaml:"scan_interval"`
	DynamicTimeout bool     `yaml:"dynamic_timeout"`
	MinTimeout     Duration `yaml:"min_timeout"`
	MaxTimeout     Duration `yaml:"max_timeout"`
}

// DefaultSettings returns the defaults named in spec.md §4.F / §6.
func DefaultSettings() Settings {
	return Settings{
		ProxyPort:      80,
		IdleTimeout:    Duration(10 * time.Minute),
		StartupTimeout: Duration(30 * time.Second),
		PortRange:      [2]int{4000, 4999},
		ScanInterval:   Duration(30 * time.Second),
		DynamicTimeout: true,
		MinTimeout:     Duration(2 * time.Minute),
		MaxTimeout:     Duration(30 * time.Minute),
	}
}

// ProjectConfig is one project's authoritative configuration (spec.md §3).
type ProjectConfig struct {
	Name        string   `yaml:"name"`
	Cwd         string   `yaml:"cwd"`
	StartCmd    string   `yaml:"start_cmd"`
	IdleTimeout *Duration `yaml:"idle_timeout,omitempty"`
	Disabled    bool     `yaml:"disabled,omitempty"`
	Aliases     []string `yaml:"aliases,omitempty"`
}

// EffectiveIdleTimeout returns the project's override if present, else the
// settings-wide default (spec.md §3, §4.F).
func (p *ProjectConfig) EffectiveIdleTimeout(s Settings) Duration {
	if p.IdleTimeout != nil {
		return *p.IdleTimeout
	}
	return s.IdleTimeout
}

// Config is the full parsed configuration document.
type Config struct {
	Settings Settings                  `yaml:"settings"`
	Projects map[string]*ProjectConfig `yaml:"projects"`
}

// Validate checks name/cwd/start_cmd invariants for every project and
// returns all violations joined together (spec.md §4.F: "collects all
// errors and reports them together").
func (c *Config) Validate() error {
	var errs []error

	if c.Settings.PortRange[0] <= 0 || c.Settings.PortRange[1] < c.Settings.PortRange[0] {
		errs = append(errs, fmt.Errorf("settings.port_range %v is invalid", c.Settings.PortRange))
	}

	for key, p := range c.Projects {
		if p.Name == "" {
			p.Name = key
		}
		if p.Name != key {
			errs = append(errs, fmt.Errorf("project %q: name field %q must match map key", key, p.Name))
		}
		if !projectNamePattern.MatchString(p.Name) {
			errs = append(errs, fmt.Errorf("project %q: name must match %s", key, projectNamePattern.String()))
		}
		if len(p.Name) > maxProjectNameLength {
			errs = append(errs, fmt.Errorf("project %q: name longer than %d characters", key, maxProjectNameLength))
		}
		if p.Cwd == "" {
			errs = append(errs, fmt.Errorf("project %q: cwd must not be empty", key))
		}
		if p.StartCmd == "" {
			errs = append(errs, fmt.Errorf("project %q: start_cmd must not be empty", key))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// BuildRoutingTable rebuilds the label -> project map from the current
// config, lower-casing every label (spec.md §3 RoutingTable).
func (c *Config) BuildRoutingTable() map[string]*ProjectConfig {
	table := make(map[string]*ProjectConfig, len(c.Projects)*2)
	for _, p := range c.Projects {
		table[lowerLabel(p.Name)] = p
		for _, alias := range p.Aliases {
			table[lowerLabel(alias)] = p
		}
	}
	return table
}

func lowerLabel(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
