// Package reliability holds long-running stress tests. They are skipped
// unless SPANDUMP_RELIABILITY_LEVEL is set to "basic" or "stress".
package reliability

import (
	"os"
	"strconv"
	"time"
)

// Config holds configuration for reliability testing.
type Config struct {
	Level         string        // "basic" or "stress"
	Duration      time.Duration // How long each stress test churns
	MaxGoroutines int           // Goroutines emitting events concurrently
	IDSpace       uint64        // Id space for the reuse tests; 0 is unbounded
}

// getConfig reads configuration from environment variables.
func getConfig() Config {
	return Config{
		Level:         os.Getenv("SPANDUMP_RELIABILITY_LEVEL"),
		Duration:      parseDuration(getEnv("SPANDUMP_RELIABILITY_DURATION", "2s")),
		MaxGoroutines: parseInt(getEnv("SPANDUMP_RELIABILITY_MAX_GOROUTINES", "64")),
		IDSpace:       uint64(parseInt(getEnv("SPANDUMP_RELIABILITY_ID_SPACE", "4096"))),
	}
}

// scaled returns basic for the basic level and stress otherwise.
func (c Config) scaled(basic, stress int) int {
	if c.Level == "stress" {
		return stress
	}
	return basic
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseInt(s string) int {
	if value, err := strconv.Atoi(s); err == nil && value > 0 {
		return value
	}
	return 0
}

func parseDuration(s string) time.Duration {
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return 2 * time.Second
}
