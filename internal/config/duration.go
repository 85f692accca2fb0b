package config

import (
	"strings"
	"time"
)

// ParseDuration parses a Go duration string, returning def when the value is
// empty or invalid. Config durations are advisory; a bad value should fall
// back, not abort a run.
func ParseDuration(s string, def time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
