package config

import (
	"strings"
	"time"

	"adbot/internal/errors"
)

// ParseDurationField parses a non-negative duration. Empty input is 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Mark(errors.Wrapf(err, "%s: invalid duration %q", path, raw), errors.ErrValidation)
	}
	if d < 0 {
		return 0, errors.Validationf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault returns def for empty or zero input.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// parseDurationOmitted returns def only when raw is empty, so "0s" can
// switch a feature off.
func parseDurationOmitted(path, raw string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	return ParseDurationField(path, raw)
}
