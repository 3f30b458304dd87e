// config_utils.go - utility getters and export helpers for configuration
//
// Contains:
// - BoolWithDefault/Bool: boolean getters with default value
// - String: string getter
// - Uint/Uint64: integer getters with default value
// - EnvVar: struct describing one environment variable
// - AsMap: returns all configuration as a map
// - Values: returns all configuration values as a string map
package config

import (
	"fmt"
	"log/slog"
	"strconv"
)

// =============================================================================
// Boolean getters
// =============================================================================

// BoolWithDefault returns a function that reads a bool with a default value.
func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return defaultValue
	}
}

// Bool returns a function that reads a bool, defaulting to false.
func Bool(k string) func() bool {
	withDefault := BoolWithDefault(k)
	return func() bool {
		return withDefault(false)
	}
}

// =============================================================================
// String getter
// =============================================================================

// String returns a function that reads a string env var.
func String(s string) func() string {
	return func() string {
		return Var(s)
	}
}

// =============================================================================
// Integer getters
// =============================================================================

// Uint returns a function that reads a uint with a default value.
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

// Uint64 returns a function that reads a uint64 with a default value.
func Uint64(key string, defaultValue uint64) func() uint64 {
	return func() uint64 {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return n
			}
		}
		return defaultValue
	}
}

// =============================================================================
// Export structures and functions
// =============================================================================

// EnvVar describes one environment variable and its resolved value.
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap returns every configuration variable this module reads, with its
// current value and a short description, for diagnostics/dump commands.
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"LLAMASERVE_LOG_LEVEL":      {"LLAMASERVE_LOG_LEVEL", LogLevel(), "Log verbosity: debug, info (default), warn, error"},
		"LLAMASERVE_SCHED_POLICY":   {"LLAMASERVE_SCHED_POLICY", SchedulerPolicy(), "Admission policy: fixed-batch (default) or token-budget"},
		"LLAMASERVE_BATCH_SIZE":     {"LLAMASERVE_BATCH_SIZE", BatchSize(), "Max sequences admitted per step under fixed-batch (default 32)"},
		"LLAMASERVE_TOKEN_BUDGET":   {"LLAMASERVE_TOKEN_BUDGET", TokenBudget(), "Max tokens admitted per step under token-budget (default 4096)"},
		"LLAMASERVE_NUM_DEVICES":    {"LLAMASERVE_NUM_DEVICES", NumDevices(), "Devices the sequence axis is chunked across during attention (default 1)"},
		"LLAMASERVE_KV_CACHE_DTYPE": {"LLAMASERVE_KV_CACHE_DTYPE", KVCacheDType(), "Storage dtype for new KV caches: f32 (default), f16, bf16"},
		"LLAMASERVE_MAX_SEQUENCES":  {"LLAMASERVE_MAX_SEQUENCES", MaxSequences(), "Max sequences admitted concurrently by the engine (default 256)"},
		"LLAMASERVE_MAX_QUEUE":      {"LLAMASERVE_MAX_QUEUE", MaxQueue(), "Depth of the engine's inbound request channel (default 512)"},
		"LLAMASERVE_REQUEST_TIMEOUT": {"LLAMASERVE_REQUEST_TIMEOUT", RequestTimeout(), "Wait limit for a Waiting sequence (default: no timeout)"},
	}
}

// Values returns every configuration value as a string map, for logging at
// startup.
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}
