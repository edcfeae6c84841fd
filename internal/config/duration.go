package config

import (
	"fmt"
	"strings"
	"time"
)

// parseDuration reads a non-negative Go duration. ok is false when the field
// was left empty.
func parseDuration(field, raw string) (d time.Duration, ok bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false, nil
	}
	if d, err = time.ParseDuration(raw); err != nil {
		return 0, false, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	}
	if d < 0 {
		return 0, false, fmt.Errorf("%s: negative duration %q", field, raw)
	}
	return d, true, nil
}

// ParseDurationField returns zero for an empty field.
func ParseDurationField(field, raw string) (time.Duration, error) {
	d, _, err := parseDuration(field, raw)
	return d, err
}

// ParseDurationOrDefault substitutes def when the field is empty or zero.
func ParseDurationOrDefault(field, raw string, def time.Duration) (time.Duration, error) {
	d, ok, err := parseDuration(field, raw)
	switch {
	case err != nil:
		return 0, err
	case !ok, d == 0:
		return def, nil
	}
	return d, nil
}
