// Package config provides typed environment-variable readers with defaults,
// the same shape as the teacher's pkg/utils env helpers. There is no config
// file format or flag framework in the example pack for this kind of daemon,
// so plain env vars are the grounded choice.
package config

import (
	"os"
	"strconv"
	"time"
)

// Env returns the string value of key, or def if unset or empty.
func Env(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// EnvInt returns the positive integer value of key, or def if unset, empty,
// non-numeric, or non-positive.
func EnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// EnvInt64 is EnvInt for int64-sized values.
func EnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// EnvDuration parses key as a Go duration string (e.g. "30s"), or returns def
// if unset, empty, or unparsable.
func EnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// EnvBool returns the boolean value of key, or def if unset or unparsable.
func EnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
