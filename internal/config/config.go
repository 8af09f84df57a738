// Package config loads the kernel's runtime configuration via viper: a
// config file is read first (lowest priority), environment variables
// bound with STNK_-prefixed names override it, and the loaded config is
// cached as a single immutable pointer for path/threshold helpers.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

var loadedConfig *Config

// StageTimeouts holds the per-stage timeout budgets.
type StageTimeouts struct {
	ExecutionMs    int `mapstructure:"execution_ms"`
	DetectionMs    int `mapstructure:"detection_ms"`
	VerificationMs int `mapstructure:"verification_ms"`
	FixingMs       int `mapstructure:"fixing_ms"`
	LearningMs     int `mapstructure:"learning_ms"`
}

// OverallTimeout is the sum of stage timeouts x1.5.
func (t StageTimeouts) OverallTimeout() time.Duration {
	total := t.ExecutionMs + t.DetectionMs + t.VerificationMs + t.FixingMs + t.LearningMs
	return time.Duration(float64(total)*1.5) * time.Millisecond
}

func defaultStageTimeouts() StageTimeouts {
	return StageTimeouts{
		ExecutionMs:    300_000,
		DetectionMs:    60_000,
		VerificationMs: 120_000,
		FixingMs:       600_000,
		LearningMs:     30_000,
	}
}

// RedactionConfig names where the Redactor loads its pattern set from.
type RedactionConfig struct {
	// PatternSourcePath points at a file of newline-separated regexes, or
	// a registry table name when PatternSourceKind=="table". Empty means
	// "use the built-in default set".
	PatternSourcePath string `mapstructure:"pattern_source_path"`
	PatternSourceKind string `mapstructure:"pattern_source_kind"` // "file" | "table"
}

// Config is the kernel's top-level configuration, passed explicitly to
// every component constructor rather than read from a global.
type Config struct {
	DatabaseURL string `mapstructure:"database_url"`
	MCPBindAddr string `mapstructure:"mcp_bind_addr"`
	Debug       bool   `mapstructure:"debug"`

	// OTLPEndpoint is where trace spans are exported (e.g. a local
	// Jaeger or OTel collector). Empty disables tracing.
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	MaxRetries                        int `mapstructure:"max_retries"`
	StaleThresholdSeconds             int `mapstructure:"stale_threshold_seconds"`
	CheckpointContextThresholdPercent int `mapstructure:"checkpoint_context_threshold_percent"`
	StaleSweepIntervalSeconds         int `mapstructure:"stale_sweep_interval_seconds"`

	StageTimeouts StageTimeouts   `mapstructure:"stage_timeouts"`
	Redaction     RedactionConfig `mapstructure:"redaction"`

	HandoffDir string `mapstructure:"handoff_dir"`
}

func defaults() *Config {
	return &Config{
		DatabaseURL:                       "stationkernel.db",
		MCPBindAddr:                       "127.0.0.1:7337",
		MaxRetries:                        3,
		StaleThresholdSeconds:             120,
		CheckpointContextThresholdPercent: 80,
		StaleSweepIntervalSeconds:         30,
		StageTimeouts:                     defaultStageTimeouts(),
		HandoffDir:                        "escalations",
	}
}

// InitViper wires the config file search path (cwd first, then the XDG
// config dir) and environment-variable bindings, without yet reading
// values into a Config struct.
func InitViper(cfgFile string) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		if cwd, err := os.Getwd(); err == nil {
			if _, err := os.Stat(filepath.Join(cwd, "config.yaml")); err == nil {
				viper.AddConfigPath(cwd)
			}
		}
		viper.AddConfigPath(getXDGConfigDir())
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "[Config] using config file: %s\n", viper.ConfigFileUsed())
	}

	viper.AutomaticEnv()
	bindEnvVars()
	return nil
}

// bindEnvVars explicitly binds STNK_-prefixed environment variables so
// they always override config-file values; AutomaticEnv alone does not
// cover keys absent from the config file.
func bindEnvVars() {
	viper.BindEnv("database_url", "STNK_DATABASE_URL", "DATABASE_URL")
	viper.BindEnv("mcp_bind_addr", "STNK_MCP_BIND_ADDR")
	viper.BindEnv("debug", "STNK_DEBUG")
	viper.BindEnv("otlp_endpoint", "STNK_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")
	viper.BindEnv("max_retries", "STNK_MAX_RETRIES")
	viper.BindEnv("stale_threshold_seconds", "STNK_STALE_THRESHOLD_SECONDS")
	viper.BindEnv("checkpoint_context_threshold_percent", "STNK_CHECKPOINT_CONTEXT_THRESHOLD_PERCENT")
	viper.BindEnv("stale_sweep_interval_seconds", "STNK_STALE_SWEEP_INTERVAL_SECONDS")
	viper.BindEnv("redaction.pattern_source_path", "STNK_REDACTION_PATTERN_SOURCE_PATH")
	viper.BindEnv("redaction.pattern_source_kind", "STNK_REDACTION_PATTERN_SOURCE_KIND")
	viper.BindEnv("handoff_dir", "STNK_HANDOFF_DIR")
}

// Load reads the fully merged configuration (defaults -> config file ->
// env vars) into a Config and caches it as the process-wide loaded
// config. Every call re-reads current viper state; the cache exists so
// path helpers elsewhere don't need a Config threaded through them.
func Load() (*Config, error) {
	bindEnvVars()

	cfg := defaults()

	setDefaultsOnViper(cfg)

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	loadedConfig = cfg
	return cfg, nil
}

func setDefaultsOnViper(cfg *Config) {
	viper.SetDefault("database_url", cfg.DatabaseURL)
	viper.SetDefault("mcp_bind_addr", cfg.MCPBindAddr)
	viper.SetDefault("max_retries", cfg.MaxRetries)
	viper.SetDefault("stale_threshold_seconds", cfg.StaleThresholdSeconds)
	viper.SetDefault("checkpoint_context_threshold_percent", cfg.CheckpointContextThresholdPercent)
	viper.SetDefault("stale_sweep_interval_seconds", cfg.StaleSweepIntervalSeconds)
	viper.SetDefault("stage_timeouts.execution_ms", cfg.StageTimeouts.ExecutionMs)
	viper.SetDefault("stage_timeouts.detection_ms", cfg.StageTimeouts.DetectionMs)
	viper.SetDefault("stage_timeouts.verification_ms", cfg.StageTimeouts.VerificationMs)
	viper.SetDefault("stage_timeouts.fixing_ms", cfg.StageTimeouts.FixingMs)
	viper.SetDefault("stage_timeouts.learning_ms", cfg.StageTimeouts.LearningMs)
	viper.SetDefault("handoff_dir", cfg.HandoffDir)
}

// GetLoadedConfig returns the most recently Load()-ed configuration, or
// nil if Load has never been called.
func GetLoadedConfig() *Config {
	return loadedConfig
}

func getXDGConfigDir() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		homeDir := os.Getenv("HOME")
		if homeDir == "" {
			var err error
			homeDir, err = os.UserHomeDir()
			if err != nil {
				return filepath.Join(os.TempDir(), ".config", "stationkernel")
			}
		}
		configHome = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configHome, "stationkernel")
}
