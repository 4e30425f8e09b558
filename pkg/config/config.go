// Package config loads the gateway configuration from the environment.
// All knobs are read through viper with the SWITCHBOARD_ prefix, e.g.
// SWITCHBOARD_API_KEY, SWITCHBOARD_DATA_DIR, SWITCHBOARD_ALLOWED_INSTANCES.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config holds all gateway settings.
type Config struct {
	// APIKey is the shared bearer secret required on every API route.
	APIKey string `mapstructure:"api_key"`

	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// DataDir is the root under which conversation volumes, file recall
	// storage, the database and the debug log live.
	DataDir string `mapstructure:"data_dir"`
	DBPath  string `mapstructure:"db_path"`

	// AllowedInstances is a comma-separated allow-list of source instance
	// identifiers: exact strings, CIDRs, or *-wildcards. "*" allows all.
	AllowedInstances string `mapstructure:"allowed_instances"`

	// PublicDomain is the externally reachable base URL used when building
	// download links for volume files. Defaults to http://{host}:{port}.
	PublicDomain string `mapstructure:"public_domain"`

	MaxToolIterations    int `mapstructure:"max_tool_iterations"`
	MaxInputTokens       int `mapstructure:"max_input_tokens"`
	MaxUserMessageTokens int `mapstructure:"max_user_message_tokens"`

	CompactionThreshold        int `mapstructure:"compaction_threshold"`
	CompactionMaxSummaryTokens int `mapstructure:"compaction_max_summary_tokens"`

	MaxMemoryChars int `mapstructure:"max_memory_chars"`

	// ProcessUpstreamURL is the content-extraction collaborator that the
	// /process passthrough forwards to.
	ProcessUpstreamURL string `mapstructure:"process_upstream_url"`

	EnableCORS bool   `mapstructure:"enable_cors"`
	Debug      bool   `mapstructure:"debug"`
	LogLevel   string `mapstructure:"log_level"`
	LogFormat  string `mapstructure:"log_format"`

	// SandboxImage is the container image used for the per-conversation sandbox.
	SandboxImage string `mapstructure:"sandbox_image"`
}

// Load reads the configuration from the environment and applies defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("switchboard")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8000)
	v.SetDefault("data_dir", "./data")
	v.SetDefault("allowed_instances", "*")
	v.SetDefault("max_tool_iterations", 5)
	v.SetDefault("max_input_tokens", 128_000)
	v.SetDefault("max_user_message_tokens", 8192)
	v.SetDefault("compaction_threshold", 65_536)
	v.SetDefault("compaction_max_summary_tokens", 1024)
	v.SetDefault("max_memory_chars", 2000)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "fmt")
	v.SetDefault("sandbox_image", "python:3.12-slim")

	// Bind explicitly so AutomaticEnv picks up keys that are never Set().
	for _, key := range []string{
		"api_key", "db_path", "public_domain", "process_upstream_url",
		"enable_cors", "debug",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, errors.Wrapf(err, "failed to bind env for %s", key)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal configuration")
	}

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "switchboard.db")
	}
	if cfg.PublicDomain == "" {
		cfg.PublicDomain = fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)
	}

	return &cfg, cfg.Validate()
}

// Validate checks the configuration for obvious misconfiguration.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return errors.New("api_key must be set (SWITCHBOARD_API_KEY)")
	}
	if c.Port < 1 || c.Port > 65535 {
		return errors.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.MaxToolIterations < 1 {
		return errors.Errorf("max_tool_iterations must be positive, got %d", c.MaxToolIterations)
	}
	return nil
}

// AllowedInstanceList splits the configured allow-list into entries.
func (c *Config) AllowedInstanceList() []string {
	var out []string
	for _, entry := range strings.Split(c.AllowedInstances, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
}
