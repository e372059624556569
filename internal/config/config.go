// Package config carries the daemon configuration and its environment
// overlay.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

// envString reads key from the environment, falling back to def when
// the variable is unset.
func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

// envParsed reads and parses key. A malformed value keeps the fallback
// and logs a warning, so one typo never takes the daemon down.
func envParsed[T any](key string, def T, parse func(string) (T, error)) T {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	parsed, err := parse(v)
	if err != nil {
		slog.Warn("malformed environment value, keeping default",
			"key", key, "value", v, "error", err)
		return def
	}
	return parsed
}

func envInt(key string, def int) int {
	return envParsed(key, def, strconv.Atoi)
}

func envBool(key string, def bool) bool {
	return envParsed(key, def, strconv.ParseBool)
}

func envDuration(key string, def time.Duration) time.Duration {
	return envParsed(key, def, time.ParseDuration)
}

func envFloat(key string, def float64) float64 {
	return envParsed(key, def, func(s string) (float64, error) {
		return strconv.ParseFloat(s, 64)
	})
}
