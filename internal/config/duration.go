package config

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

var durationPattern = regexp.MustCompile(`^(\d+)(ms|s|m|h)?$`)

// Duration is a millisecond duration parsed from the grammar
// ^\d+(ms|s|m|h)?$ (no unit means milliseconds).
type Duration time.Duration

// ParseDuration parses a duration string per the config grammar.
func ParseDuration(s string) (Duration, error) {
	m := durationPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid duration %q: want digits followed by optional ms|s|m|h", s)
	}

	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}

	unit := m[2]
	var mult int64
	switch unit {
	case "", "ms":
		mult = int64(time.Millisecond)
	case "s":
		mult = int64(time.Second)
	case "m":
		mult = int64(time.Minute)
	case "h":
		mult = int64(time.Hour)
	default:
		return 0, fmt.Errorf("invalid duration unit %q", unit)
	}

	return Duration(n * mult), nil
}

// UnmarshalYAML implements yaml.Unmarshaler, accepting both bare integers
// (interpreted as milliseconds) and grammar strings like "10m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Tag {
	case "!!int":
		n, err := strconv.ParseInt(value.Value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value.Value, err)
		}
		*d = Duration(n * int64(time.Millisecond))
		return nil
	case "!!str":
		parsed, err := ParseDuration(value.Value)
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	default:
		return fmt.Errorf("invalid duration value %q", value.Value)
	}
}

// Duration returns the standard library time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Milliseconds returns the duration in whole milliseconds.
func (d Duration) Milliseconds() int64 {
	return time.Duration(d).Milliseconds()
}
