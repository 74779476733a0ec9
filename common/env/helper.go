package env

import (
	"os"
	"strconv"
	"strings"
)

// Bool returns the boolean value of the environment variable with the given
// name, or defaultValue when the variable is unset or unparsable.
func Bool(name string, defaultValue bool) bool {
	raw, ok := os.LookupEnv(name)
	if !ok || raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return defaultValue
	}
	return v
}

// Int returns the integer value of the environment variable with the given
// name, or defaultValue when the variable is unset or unparsable.
func Int(name string, defaultValue int) int {
	raw, ok := os.LookupEnv(name)
	if !ok || raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return defaultValue
	}
	return v
}

// Float64 returns the float value of the environment variable with the given
// name, or defaultValue when the variable is unset or unparsable.
func Float64(name string, defaultValue float64) float64 {
	raw, ok := os.LookupEnv(name)
	if !ok || raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return defaultValue
	}
	return v
}

// String returns the value of the environment variable with the given name,
// or defaultValue when the variable is unset or empty.
func String(name string, defaultValue string) string {
	if raw, ok := os.LookupEnv(name); ok && raw != "" {
		return raw
	}
	return defaultValue
}
