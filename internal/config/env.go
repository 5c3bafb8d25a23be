// Package config loads the host's root configuration and provides the
// small set of env/file helpers used throughout the runtime.
package config

import (
	"os"
	"strconv"
	"strings"
)

// GetEnv returns the environment variable at key, or def if unset/blank.
func GetEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// GetEnvBool parses a boolean environment variable. true/1/yes/y yield
// true and false/0/no/n yield false, case-insensitively; anything else
// (including unset) yields def.
func GetEnvBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes", "y":
		return true
	case "false", "0", "no", "n":
		return false
	default:
		return def
	}
}

// GetEnvInt parses an integer environment variable, returning def on
// absence or parse failure.
func GetEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// SplitCSV splits a comma-separated string, trims each element, and drops
// empty elements.
func SplitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
