// Package config provides configuration loading for the playbook engine.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all engine configuration.
type Config struct {
	// Listen address (default ":8080")
	ListenAddr string `json:"listen_addr"`
	// Data directory for SQLite databases and seed playbooks (default "/var/lib/playbookd")
	DataDir string `json:"data_dir"`

	// TLS settings
	TLSCert string `json:"tls_cert,omitempty"`
	TLSKey  string `json:"tls_key,omitempty"`

	// Operator API keys (bcrypt hashes). Mutating endpoints are open when empty.
	APIKeyHashes []string `json:"api_key_hashes,omitempty"`

	// Ingress settings for the webhook receiver.
	Ingress IngressConfig `json:"ingress,omitempty"`

	// Engine settings for the execution interpreter.
	Engine EngineConfig `json:"engine,omitempty"`

	// SLA default thresholds, applied when no policy matches.
	SLA SLAConfig `json:"sla,omitempty"`

	// OTLP gRPC endpoint for traces. Tracing is a noop when empty.
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`

	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level"`
}

// IngressConfig bounds the webhook receiver.
type IngressConfig struct {
	// MaxBodyBytes caps the request body (default 256 KiB).
	MaxBodyBytes int64 `json:"max_body_bytes"`
	// FreshnessWindow bounds timestamp skew on signed deliveries.
	FreshnessWindow Duration `json:"freshness_window"`
	// PerSourceBurst is the per-source-IP requests-per-minute cap.
	PerSourceBurst int `json:"per_source_burst"`
	// GlobalPerWindow is the all-sources requests-per-minute cap.
	GlobalPerWindow int `json:"global_per_window"`
	// PlaybookFloodPerMinute caps executions started per playbook per minute.
	PlaybookFloodPerMinute int `json:"playbook_flood_per_minute"`
	// GlobalFloodPerMinute caps executions started engine-wide per minute.
	GlobalFloodPerMinute int `json:"global_flood_per_minute"`
}

// EngineConfig bounds the step interpreter.
type EngineConfig struct {
	// MaxStepExecutions is the per-execution loop guard.
	MaxStepExecutions int `json:"max_step_executions"`
	// DefaultStepTimeout applies when a connector config has no timeout.
	DefaultStepTimeout Duration `json:"default_step_timeout"`
	// Workers is the number of concurrent execution workers.
	Workers int `json:"workers"`
}

// SLAConfig carries the global default SLA thresholds.
type SLAConfig struct {
	Acknowledge Duration `json:"acknowledge"`
	Containment Duration `json:"containment"`
	Resolution  Duration `json:"resolution"`
	// HealthSchedule is a cron expression for the health monitor sweep.
	HealthSchedule string `json:"health_schedule"`
}

// Duration wraps time.Duration with JSON string encoding ("5m", "30s").
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		DataDir:    "/var/lib/playbookd",
		LogLevel:   "info",
		Ingress: IngressConfig{
			MaxBodyBytes:           256 << 10,
			FreshnessWindow:        Duration(5 * time.Minute),
			PerSourceBurst:         30,
			GlobalPerWindow:        600,
			PlaybookFloodPerMinute: 10,
			GlobalFloodPerMinute:   60,
		},
		Engine: EngineConfig{
			MaxStepExecutions:  100,
			DefaultStepTimeout: Duration(30 * time.Second),
			Workers:            4,
		},
		SLA: SLAConfig{
			Acknowledge:    Duration(5 * time.Minute),
			Containment:    Duration(30 * time.Minute),
			Resolution:     Duration(4 * time.Hour),
			HealthSchedule: "*/5 * * * *",
		},
	}
}

// Load reads configuration from a file, then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("PLAYBOOKD_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("PLAYBOOKD_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("PLAYBOOKD_TLS_CERT"); v != "" {
		cfg.TLSCert = v
	}
	if v := os.Getenv("PLAYBOOKD_TLS_KEY"); v != "" {
		cfg.TLSKey = v
	}
	if v := os.Getenv("PLAYBOOKD_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := os.Getenv("PLAYBOOKD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PLAYBOOKD_MAX_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Ingress.MaxBodyBytes = n
		}
	}
	if v := os.Getenv("PLAYBOOKD_FRESHNESS_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Ingress.FreshnessWindow = Duration(d)
		}
	}
	if v := os.Getenv("PLAYBOOKD_PER_SOURCE_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Ingress.PerSourceBurst = n
		}
	}
	if v := os.Getenv("PLAYBOOKD_GLOBAL_PER_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Ingress.GlobalPerWindow = n
		}
	}
	if v := os.Getenv("PLAYBOOKD_MAX_STEP_EXECUTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.MaxStepExecutions = n
		}
	}
	if v := os.Getenv("PLAYBOOKD_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.Workers = n
		}
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() Config {
	cfg, _ := Load("")
	return cfg
}

// Save writes configuration to a file.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}

// HasTLS returns true if TLS is configured.
func (c Config) HasTLS() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// AuthEnabled reports whether operator API keys are configured.
func (c Config) AuthEnabled() bool {
	return len(c.APIKeyHashes) > 0
}
