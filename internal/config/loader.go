// Package config loads application configuration with a fixed precedence:
// defaults, then an optional config file, then TABFLOW_* environment
// variables, then explicit runtime overrides.
package config

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Config is the resolved application configuration.
type Config struct {
	Store    StoreConfig    `mapstructure:"store"`
	Import   ImportConfig   `mapstructure:"import"`
	Decision DecisionConfig `mapstructure:"decision"`
	Oracle   OracleConfig   `mapstructure:"oracle"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// StoreConfig locates the persistent store.
type StoreConfig struct {
	// Path is the sqlite database file; ":memory:" is accepted.
	Path string `mapstructure:"path"`
}

// ImportConfig tunes the batch orchestrator.
type ImportConfig struct {
	Workers    int     `mapstructure:"workers"`
	OracleRate float64 `mapstructure:"oracle_rate"`
}

// DecisionConfig tunes the fingerprint coordinator's bounded wait.
type DecisionConfig struct {
	WaitBase      time.Duration `mapstructure:"wait_base"`
	WaitPerColumn time.Duration `mapstructure:"wait_per_column"`
	WaitMax       time.Duration `mapstructure:"wait_max"`
	Fallback      string        `mapstructure:"fallback"`
}

// OracleConfig points at the external mapping decision service.
type OracleConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LoggingConfig selects level and encoding.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Structured bool   `mapstructure:"structured"`
}

var (
	mu      sync.RWMutex
	current *Config
)

// Load resolves the configuration. Later overrides win over earlier ones,
// and all overrides win over environment and defaults.
func Load(_ context.Context, overrides ...map[string]any) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("tabflow")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/tabflow")
	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; a malformed one is not.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix("TABFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvAliases(v)

	// Set places each key above environment variables in viper precedence;
	// merging at the config-file level would let TABFLOW_* env beat explicit
	// overrides.
	for _, override := range overrides {
		applyOverrides(v, "", override)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	mu.Lock()
	current = &cfg
	mu.Unlock()
	return &cfg, nil
}

// Get returns the most recently loaded configuration, or nil before the
// first Load.
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.path", "tabflow.db")
	v.SetDefault("import.workers", 4)
	v.SetDefault("import.oracle_rate", 0.0)
	v.SetDefault("decision.wait_base", 15*time.Second)
	v.SetDefault("decision.wait_per_column", 500*time.Millisecond)
	v.SetDefault("decision.wait_max", 60*time.Second)
	v.SetDefault("decision.fallback", "independent")
	v.SetDefault("oracle.url", "")
	v.SetDefault("oracle.timeout", 60*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.structured", false)
}

// applyOverrides flattens a nested override map into dotted keys and sets
// each one explicitly.
func applyOverrides(v *viper.Viper, prefix string, override map[string]any) {
	for key, value := range override {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if nested, ok := value.(map[string]any); ok {
			applyOverrides(v, full, nested)
			continue
		}
		v.Set(full, value)
	}
}

// bindEnvAliases maps short environment names onto nested keys, so the
// common knobs do not require the full dotted path.
func bindEnvAliases(v *viper.Viper) {
	aliases := map[string]string{
		"store.path":         "TABFLOW_STORE_PATH",
		"import.workers":     "TABFLOW_WORKERS",
		"import.oracle_rate": "TABFLOW_ORACLE_RATE",
		"oracle.url":         "TABFLOW_ORACLE_URL",
		"logging.level":      "TABFLOW_LOG_LEVEL",
	}
	for key, env := range aliases {
		_ = v.BindEnv(key, env)
	}
}
