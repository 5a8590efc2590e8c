// Package config loads server settings from config file, environment, and
// defaults, in that order of increasing precedence for the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds everything the server binary needs to start.
type Config struct {
	// ListenAddr is the host:port the HTTP server binds.
	ListenAddr string `mapstructure:"listen_addr"`
	// Environment toggles dev conveniences like permissive CORS.
	Environment string `mapstructure:"environment"`

	// Model is the worker model identifier sent to the completion API.
	Model string `mapstructure:"model"`
	// BaseURL points at an OpenAI-compatible endpoint.
	BaseURL string `mapstructure:"base_url"`
	// APIKey authenticates against BaseURL. Prefer TRELLIS_API_KEY over
	// putting this in a config file.
	APIKey string `mapstructure:"api_key"`
	// RequestTimeout caps one completion round trip.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// MaxIterations caps the worker tool loop; zero keeps the engine default.
	MaxIterations int `mapstructure:"max_iterations"`

	// JournalPath is the sqlite file for interaction history. Empty disables
	// the journal.
	JournalPath string `mapstructure:"journal_path"`

	// KeepAliveInterval spaces liveness events to idle subscribers.
	KeepAliveInterval time.Duration `mapstructure:"keepalive_interval"`
	// BacklogTTL evicts buffered events for sessions nobody attached to.
	BacklogTTL time.Duration `mapstructure:"backlog_ttl"`
}

// Load reads configuration. path may name a config file explicitly; when
// empty the usual locations are searched and a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("listen_addr", ":8420")
	v.SetDefault("environment", "development")
	v.SetDefault("model", "gpt-4o-mini")
	v.SetDefault("base_url", "https://api.openai.com/v1")
	// An explicit default makes AutomaticEnv pick TRELLIS_API_KEY up during
	// Unmarshal.
	v.SetDefault("api_key", "")
	v.SetDefault("request_timeout", 120*time.Second)
	v.SetDefault("max_iterations", 0)
	v.SetDefault("journal_path", "")
	v.SetDefault("keepalive_interval", 30*time.Second)
	v.SetDefault("backlog_ttl", time.Hour)

	v.SetEnvPrefix("TRELLIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("trellis")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.trellis")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("model must not be empty")
	}
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("base_url must not be empty")
	}
	if c.MaxIterations < 0 {
		return fmt.Errorf("max_iterations must not be negative")
	}
	return nil
}
