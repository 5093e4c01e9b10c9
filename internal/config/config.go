package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	HTTPAddr  string        `json:"httpAddr" yaml:"httpAddr"`
	LogLevel  string        `json:"logLevel" yaml:"logLevel"`
	LogFormat string        `json:"logFormat" yaml:"logFormat"`
	Fsync     string        `json:"fsync" yaml:"fsync"`
	Topics    TopicDefaults `json:"topicDefaults" yaml:"topicDefaults"`
	Recovery  Recovery      `json:"recovery" yaml:"recovery"`
}

// TopicDefaults captures per-topic baseline limits.
type TopicDefaults struct {
	MaxSegmentEntries uint64 `json:"maxSegmentEntries" yaml:"maxSegmentEntries"`
	MaxSegmentBytes   uint64 `json:"maxSegmentBytes" yaml:"maxSegmentBytes"`
	PayloadMaxBytes   int    `json:"payloadMaxBytes" yaml:"payloadMaxBytes"`
}

// Recovery tunes the backoff between recovery attempts after a topic enters
// its failing state.
type Recovery struct {
	InitialBackoffMs int `json:"initialBackoffMs" yaml:"initialBackoffMs"`
	MaxBackoffMs     int `json:"maxBackoffMs" yaml:"maxBackoffMs"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		HTTPAddr:  ":8080",
		LogLevel:  "info",
		LogFormat: "text",
		Fsync:     "always",
		Topics: TopicDefaults{
			MaxSegmentEntries: 1 << 17,
			MaxSegmentBytes:   64 << 20,
			PayloadMaxBytes:   1 << 20,
		},
		Recovery: Recovery{
			InitialBackoffMs: 100,
			MaxBackoffMs:     30_000,
		},
	}
}

// Load reads configuration from a JSON or YAML file (by extension). If path
// is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	}
	return cfg, nil
}
