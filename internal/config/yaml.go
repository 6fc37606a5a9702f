package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath returns ~/.config/lazydev/config.yaml (spec.md §6).
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "lazydev", "config.yaml"), nil
}

// partialSettings mirrors Settings but with pointer/zero-value fields so we
// can tell which keys the document actually set, and fall back to
// DefaultSettings() for the rest (spec.md §4.F "Default settings").
type partialSettings struct {
	ProxyPort      *int      `yaml:"proxy_port"`
	IdleTimeout    *Duration `yaml:"idle_timeout"`
	StartupTimeout *Duration `yaml:"startup_timeout"`
	PortRange      *[2]int   `yaml:"port_range"`
	ScanInterval   *Duration `yaml:"scan_interval"`
	DynamicTimeout *bool     `yaml:"dynamic_timeout"`
	MinTimeout     *Duration `yaml:"min_timeout"`
	MaxTimeout     *Duration `yaml:"max_timeout"`
}

type document struct {
	Settings partialSettings           `yaml:"settings"`
	Projects map[string]*ProjectConfig `yaml:"projects"`
}

// Load reads and parses the YAML document at path, applying defaults for
// missing settings keys and expanding "~" in each project's cwd.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses raw YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg := &Config{
		Settings: applyDefaults(doc.Settings),
		Projects: doc.Projects,
	}
	if cfg.Projects == nil {
		cfg.Projects = map[string]*ProjectConfig{}
	}

	for key, p := range cfg.Projects {
		if p.Name == "" {
			p.Name = key
		}
		expanded, err := expandHome(p.Cwd)
		if err != nil {
			return nil, fmt.Errorf("project %q: %w", key, err)
		}
		p.Cwd = expanded
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(p partialSettings) Settings {
	s := DefaultSettings()
	if p.ProxyPort != nil {
		s.ProxyPort = *p.ProxyPort
	}
	if p.IdleTimeout != nil {
		s.IdleTimeout = *p.IdleTimeout
	}
	if p.StartupTimeout != nil {
		s.StartupTimeout = *p.StartupTimeout
	}
	if p.PortRange != nil {
		s.PortRange = *p.PortRange
	}
	if p.ScanInterval != nil {
		s.ScanInterval = *p.ScanInterval
	}
	if p.DynamicTimeout != nil {
		s.DynamicTimeout = *p.DynamicTimeout
	}
	if p.MinTimeout != nil {
		s.MinTimeout = *p.MinTimeout
	}
	if p.MaxTimeout != nil {
		s.MaxTimeout = *p.MaxTimeout
	}
	return s
}

func expandHome(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand ~: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	if len(path) > 1 && path[1] == '/' {
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}
