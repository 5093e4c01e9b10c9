package config

import (
	"os"
	"strconv"
)

// FromEnv overlays QUILL_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("QUILL_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("QUILL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("QUILL_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("QUILL_FSYNC"); v != "" {
		cfg.Fsync = v
	}
	if v := os.Getenv("QUILL_MAX_SEGMENT_ENTRIES"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Topics.MaxSegmentEntries = n
		}
	}
	if v := os.Getenv("QUILL_MAX_SEGMENT_BYTES"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Topics.MaxSegmentBytes = n
		}
	}
	if v := os.Getenv("QUILL_PAYLOAD_MAX_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Topics.PayloadMaxBytes = n
		}
	}
	if v := os.Getenv("QUILL_RECOVERY_INITIAL_BACKOFF_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Recovery.InitialBackoffMs = n
		}
	}
	if v := os.Getenv("QUILL_RECOVERY_MAX_BACKOFF_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Recovery.MaxBackoffMs = n
		}
	}
}
