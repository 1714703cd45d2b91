// Package env reads configuration from the process environment with typed
// defaults. Empty and whitespace-only values fall back to the default, as do
// values that fail to parse.
package env

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// GetenvOrDefault returns the trimmed value of key, or defaultValue when the
// variable is unset, empty or whitespace-only.
func GetenvOrDefault(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}

	return value
}

// GetenvIntOrDefault returns the value of key parsed as an int, or
// defaultValue when unset or unparseable.
func GetenvIntOrDefault(key string, defaultValue int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}

	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}

	return parsed
}

// GetenvFloatOrDefault returns the value of key parsed as a float64, or
// defaultValue when unset or unparseable.
func GetenvFloatOrDefault(key string, defaultValue float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}

	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}

	return parsed
}

// GetenvBoolOrDefault returns the value of key parsed as a bool
// (strconv.ParseBool syntax), or defaultValue when unset or unparseable.
func GetenvBoolOrDefault(key string, defaultValue bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}

	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}

	return parsed
}

// GetenvDurationOrDefault returns the value of key parsed as a time.Duration
// ("2s", "10m"), or defaultValue when unset or unparseable. Bare integers are
// read as seconds.
func GetenvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}

	return parsed
}

// GetenvList returns the value of key split on commas with each entry
// trimmed, dropping empty entries.
func GetenvList(key string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}

	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		result = append(result, part)
	}

	return result
}
