// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mbeema/frametrace/pkg/event"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the frametrace tracer.
type Config struct {
	ServiceName    string `yaml:"service_name" env:"FRAMETRACE_SERVICE_NAME"`
	ServiceVersion string `yaml:"service_version"`
	DeploymentEnv  string `yaml:"deployment_env"`
	LogLevel       string `yaml:"log_level" env:"FRAMETRACE_LOG_LEVEL"`

	Enabled          bool          `yaml:"enabled" env:"FRAMETRACE_ENABLED"`
	SampleRate       float64       `yaml:"sample_rate" env:"FRAMETRACE_SAMPLE_RATE"`
	SinkEndpoint     string        `yaml:"sink_endpoint" env:"FRAMETRACE_SINK_ENDPOINT"`
	InstallationMode string        `yaml:"installation_mode" env:"FRAMETRACE_INSTALLATION_MODE"` // "exclusive" or "chained"
	BufferCapacity   int           `yaml:"buffer_capacity" env:"FRAMETRACE_BUFFER_CAPACITY"`
	FlushInterval    time.Duration `yaml:"flush_interval" env:"FRAMETRACE_FLUSH_INTERVAL"`

	Tracing   TracingConfig   `yaml:"tracing"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Sink      SinkConfig      `yaml:"sink"`
	Redaction RedactionConfig `yaml:"redaction"`
	Health    HealthConfig    `yaml:"health"`
}

// TracingConfig narrows which events are recorded.
type TracingConfig struct {
	Kinds   []string `yaml:"kinds"`   // empty = all of call, return, line, exception
	Include []string `yaml:"include"` // code unit path prefixes; empty = everything
	Exclude []string `yaml:"exclude"`
}

// DispatchConfig tunes the batching dispatcher.
type DispatchConfig struct {
	BatchSize       int           `yaml:"batch_size"`
	MaxRetries      int           `yaml:"max_retries"`
	SendTimeout     time.Duration `yaml:"send_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// SinkConfig holds transport options shared by the sinks.
type SinkConfig struct {
	Insecure    bool              `yaml:"insecure"`
	Compression string            `yaml:"compression"` // "gzip" or "none"
	Headers     map[string]string `yaml:"headers"`
	Table       string            `yaml:"table"` // clickhouse only
	Username    string            `yaml:"username"`
	Password    string            `yaml:"password"`
}

// HealthConfig configures the health HTTP server.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    string `yaml:"port" env:"FRAMETRACE_HEALTH_PORT"` // e.g. ":8687"
}

// RedactionConfig configures scrubbing of exception messages.
type RedactionConfig struct {
	Enabled           bool            `yaml:"enabled"`
	NormalizeLiterals bool            `yaml:"normalize_literals"`
	MaxMessageLen     int             `yaml:"max_message_len"`
	Rules             []RedactionRule `yaml:"rules"`
}

// RedactionRule is a user-defined redaction pattern.
type RedactionRule struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// Sink endpoint schemes.
const (
	SchemeGRPC       = "grpc"
	SchemeHTTP       = "http"
	SchemeHTTPS      = "https"
	SchemeStdout     = "stdout"
	SchemeClickHouse = "clickhouse"
)

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName: "frametrace",
		LogLevel:    "info",

		Enabled:          true,
		SampleRate:       1.0,
		SinkEndpoint:     "grpc://localhost:4317",
		InstallationMode: "exclusive",
		BufferCapacity:   2048,
		FlushInterval:    5 * time.Second,

		Dispatch: DispatchConfig{
			BatchSize:       512,
			MaxRetries:      3,
			SendTimeout:     30 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Sink: SinkConfig{
			Insecure:    true,
			Compression: "gzip",
			Table:       "raw_events",
		},
		Redaction: RedactionConfig{
			Enabled:       true,
			MaxMessageLen: 256,
		},
		Health: HealthConfig{
			Enabled: true,
			Port:    ":8687",
		},
	}
}

// LoadDir loads YAML files from a directory and merges them into a single
// Config. Expected files:
//   - base.yaml    → service identity, log level, enabled, installation mode, health
//   - tracing.yaml → sample rate, kinds, path filters, redaction
//   - sink.yaml    → sink endpoint, transport options, dispatch tuning
//
// Missing files are silently ignored (defaults apply).
func LoadDir(dir string) (*Config, error) {
	cfg := DefaultConfig()

	for _, f := range []string{"base.yaml", "tracing.yaml", "sink.yaml"} {
		if err := loadFileInto(filepath.Join(dir, f), cfg); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// loadFileInto reads a YAML file and unmarshals it into an existing Config,
// overwriting only the fields present in the file.
func loadFileInto(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// ApplyEnvOverrides reads FRAMETRACE_* environment variables and applies
// them to the config, overriding YAML values. Unparseable values are ignored.
func (c *Config) ApplyEnvOverrides() {
	envOverrides := map[string]func(string){
		"FRAMETRACE_SERVICE_NAME":      func(v string) { c.ServiceName = v },
		"FRAMETRACE_LOG_LEVEL":         func(v string) { c.LogLevel = v },
		"FRAMETRACE_SINK_ENDPOINT":     func(v string) { c.SinkEndpoint = v },
		"FRAMETRACE_INSTALLATION_MODE": func(v string) { c.InstallationMode = v },
		"FRAMETRACE_HEALTH_PORT":       func(v string) { c.Health.Port = v },
	}

	boolOverrides := map[string]*bool{
		"FRAMETRACE_ENABLED":           &c.Enabled,
		"FRAMETRACE_HEALTH_ENABLED":    &c.Health.Enabled,
		"FRAMETRACE_REDACTION_ENABLED": &c.Redaction.Enabled,
	}

	floatOverrides := map[string]*float64{
		"FRAMETRACE_SAMPLE_RATE": &c.SampleRate,
	}

	intOverrides := map[string]*int{
		"FRAMETRACE_BUFFER_CAPACITY": &c.BufferCapacity,
		"FRAMETRACE_BATCH_SIZE":      &c.Dispatch.BatchSize,
		"FRAMETRACE_MAX_RETRIES":     &c.Dispatch.MaxRetries,
	}

	durationOverrides := map[string]*time.Duration{
		"FRAMETRACE_FLUSH_INTERVAL": &c.FlushInterval,
		"FRAMETRACE_SEND_TIMEOUT":   &c.Dispatch.SendTimeout,
	}

	for envKey, setter := range envOverrides {
		if val := os.Getenv(envKey); val != "" {
			setter(val)
		}
	}

	for envKey, target := range boolOverrides {
		if val := os.Getenv(envKey); val != "" {
			*target = parseBool(val)
		}
	}

	for envKey, target := range floatOverrides {
		if val := os.Getenv(envKey); val != "" {
			if f, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
				*target = f
			}
		}
	}

	for envKey, target := range intOverrides {
		if val := os.Getenv(envKey); val != "" {
			if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
				*target = n
			}
		}
	}

	for envKey, target := range durationOverrides {
		if val := os.Getenv(envKey); val != "" {
			if d, err := time.ParseDuration(strings.TrimSpace(val)); err == nil {
				*target = d
			}
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if !(c.SampleRate > 0 && c.SampleRate <= 1) {
		return fmt.Errorf("sample_rate must be in (0, 1], got %v", c.SampleRate)
	}

	if c.InstallationMode != "exclusive" && c.InstallationMode != "chained" {
		return fmt.Errorf("installation_mode must be 'exclusive' or 'chained'")
	}

	if _, _, err := ParseSinkEndpoint(c.SinkEndpoint); err != nil {
		return fmt.Errorf("sink_endpoint: %w", err)
	}

	if c.BufferCapacity <= 0 {
		return fmt.Errorf("buffer_capacity must be positive")
	}

	if c.FlushInterval < time.Millisecond {
		return fmt.Errorf("flush_interval must be at least 1ms")
	}

	if c.Dispatch.BatchSize <= 0 {
		return fmt.Errorf("dispatch.batch_size must be positive")
	}

	if c.Dispatch.MaxRetries < 0 {
		return fmt.Errorf("dispatch.max_retries must not be negative")
	}

	if c.Dispatch.SendTimeout <= 0 || c.Dispatch.ShutdownTimeout <= 0 {
		return fmt.Errorf("dispatch timeouts must be positive")
	}

	if c.Sink.Compression != "gzip" && c.Sink.Compression != "none" {
		return fmt.Errorf("sink.compression must be 'gzip' or 'none'")
	}

	for _, k := range c.Tracing.Kinds {
		if _, ok := event.ParseKind(k); !ok {
			return fmt.Errorf("tracing.kinds: unknown event kind %q", k)
		}
	}

	for _, r := range c.Redaction.Rules {
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return fmt.Errorf("redaction rule %q: %w", r.Name, err)
		}
	}

	return nil
}

// ParseSinkEndpoint splits a sink endpoint into its scheme and target.
// An endpoint without a scheme is a gRPC host:port. For http and https the
// target is the full URL; for the other schemes it is the remainder after
// "://".
func ParseSinkEndpoint(endpoint string) (scheme, target string, err error) {
	if endpoint == "" {
		return "", "", fmt.Errorf("empty endpoint")
	}

	scheme, rest, found := strings.Cut(endpoint, "://")
	if !found {
		return SchemeGRPC, endpoint, nil
	}
	scheme = strings.ToLower(scheme)

	switch scheme {
	case SchemeGRPC, SchemeClickHouse:
		if rest == "" {
			return "", "", fmt.Errorf("%s endpoint needs host:port", scheme)
		}
		return scheme, rest, nil
	case SchemeHTTP, SchemeHTTPS:
		if rest == "" {
			return "", "", fmt.Errorf("%s endpoint needs a host", scheme)
		}
		return scheme, endpoint, nil
	case SchemeStdout:
		if rest != "" && rest != "json" && rest != "text" {
			return "", "", fmt.Errorf("stdout format must be 'text' or 'json', got %q", rest)
		}
		return scheme, rest, nil
	default:
		return "", "", fmt.Errorf("unsupported scheme %q", scheme)
	}
}
