package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a non-negative duration string. Empty is 0.
// path names the field in error messages.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// Durations collects parse errors across several fields so mapping code
// can read values in sequence and check once.
type Durations struct {
	err error
}

// Get returns the parsed duration or 0, remembering the first error.
func (d *Durations) Get(path, raw string) time.Duration {
	v, err := ParseDurationField(path, raw)
	if err != nil && d.err == nil {
		d.err = err
	}
	return v
}

func (d *Durations) Err() error { return d.err }
