// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `dissect:` root key in YAML.
type GlobalConfig struct {
	Session   SessionConfig    `mapstructure:"session"`
	Protocols []ProtocolConfig `mapstructure:"protocols"`
	Capture   CaptureConfig    `mapstructure:"capture"`
	Metrics   MetricsConfig    `mapstructure:"metrics"`
	Log       LogConfig        `mapstructure:"log"`
	Report    ReportConfig     `mapstructure:"report"`
}

// ─── Session ───

// SessionConfig bounds the per-capture tables.
type SessionConfig struct {
	MaxMessageSize         int  `mapstructure:"max_message_size"`          // Stream messages above this are framing errors
	MaxFragmentMessageSize int  `mapstructure:"max_fragment_message_size"` // Fragment sets above this are rejected
	ReplayVerify           bool `mapstructure:"replay_verify"`             // Run a replay pass and compare it with the first
}

// ─── Protocols ───

// ProtocolConfig binds a protocol profile to ports. Options are handed to
// the profile factory as-is.
type ProtocolConfig struct {
	Profile string         `mapstructure:"profile"`
	Ports   []uint16       `mapstructure:"ports"`
	Options map[string]any `mapstructure:"options"`
}

// ─── Capture ───

// CaptureConfig contains capture file reading options.
type CaptureConfig struct {
	BPFFilter string `mapstructure:"bpf_filter"`
	SnapLen   int    `mapstructure:"snap_len"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`  // debug / info / warn / error
	Format  string           `mapstructure:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// ─── Report ───

// ReportConfig controls the analysis report.
type ReportConfig struct {
	Format   string `mapstructure:"format"`   // yaml / json
	Path     string `mapstructure:"path"`     // Empty or "-" = stdout
	Messages bool   `mapstructure:"messages"` // Include one entry per message
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `dissect: ...`.
type configRoot struct {
	Dissect GlobalConfig `mapstructure:"dissect"`
}

// Load loads configuration from file. An empty path yields the defaults,
// still subject to environment overrides.
// The YAML file uses `dissect:` as root key; env vars use the DISSECT_ prefix (e.g., DISSECT_LOG_LEVEL).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// The `dissect.` key prefix maps to `DISSECT_` through the replacer.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Dissect

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use "dissect." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Session defaults
	v.SetDefault("dissect.session.max_message_size", 16<<20)
	v.SetDefault("dissect.session.max_fragment_message_size", 16<<20)
	v.SetDefault("dissect.session.replay_verify", true)

	// Protocol defaults
	v.SetDefault("dissect.protocols", []map[string]any{
		{"profile": "cola2", "ports": []int{2122, 6060}},
		{"profile": "sip", "ports": []int{5060}},
	})

	// Capture defaults
	v.SetDefault("dissect.capture.bpf_filter", "")
	v.SetDefault("dissect.capture.snap_len", 262144)

	// Log defaults
	v.SetDefault("dissect.log.level", "info")
	v.SetDefault("dissect.log.format", "text")
	v.SetDefault("dissect.log.outputs.file.enabled", false)
	v.SetDefault("dissect.log.outputs.file.path", "/var/log/dissect/dissect.log")
	v.SetDefault("dissect.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("dissect.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("dissect.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("dissect.log.outputs.file.rotation.compress", true)

	// Metrics defaults
	v.SetDefault("dissect.metrics.enabled", false)
	v.SetDefault("dissect.metrics.listen", ":9091")
	v.SetDefault("dissect.metrics.path", "/metrics")

	// Report defaults
	v.SetDefault("dissect.report.format", "yaml")
	v.SetDefault("dissect.report.path", "")
	v.SetDefault("dissect.report.messages", true)
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}
	if cfg.Log.Outputs.File.Enabled && cfg.Log.Outputs.File.Path == "" {
		return fmt.Errorf("log.outputs.file.path is required when file output is enabled")
	}

	// ── Session limits ──
	if cfg.Session.MaxMessageSize <= 0 {
		return fmt.Errorf("session.max_message_size must be positive, got %d", cfg.Session.MaxMessageSize)
	}
	if cfg.Session.MaxFragmentMessageSize <= 0 {
		return fmt.Errorf("session.max_fragment_message_size must be positive, got %d", cfg.Session.MaxFragmentMessageSize)
	}

	// ── Protocols ──
	if len(cfg.Protocols) == 0 {
		return fmt.Errorf("at least one protocol profile is required")
	}
	owner := make(map[uint16]string)
	for i, p := range cfg.Protocols {
		if p.Profile == "" {
			return fmt.Errorf("protocols[%d].profile is required", i)
		}
		for _, port := range p.Ports {
			if port == 0 {
				return fmt.Errorf("protocols[%d] (%s): port 0 is not allowed", i, p.Profile)
			}
			if prev, ok := owner[port]; ok {
				return fmt.Errorf("port %d bound to both %s and %s", port, prev, p.Profile)
			}
			owner[port] = p.Profile
		}
	}

	// ── Capture ──
	if cfg.Capture.SnapLen <= 0 {
		cfg.Capture.SnapLen = 262144
	}

	// ── Report ──
	cfg.Report.Format = strings.ToLower(cfg.Report.Format)
	if cfg.Report.Format != "yaml" && cfg.Report.Format != "json" {
		return fmt.Errorf("invalid report format: %s (must be yaml/json)", cfg.Report.Format)
	}

	// ── Metrics ──
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics.enabled=true")
	}

	return nil
}
