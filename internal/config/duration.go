package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses one of the config's Go duration strings ("12s",
// "500ms", "24h"). Empty means unset and parses to zero; negatives are
// rejected. path names the field in error messages, e.g. "watcher.interval".
func ParseDurationField(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with a fallback for unset
// fields. Component wiring uses it for the knobs that carry built-in
// defaults: poll timeout, watcher cadence, retry backoff, idle TTL.
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
