// Package config loads css-embed configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	yaml "gopkg.in/yaml.v3"
)

type (
	FetchConfig struct {
		UserAgent string        `yaml:"user_agent"`
		Timeout   time.Duration `yaml:"timeout"`
		// RequestsPerSecond limits HTTP requests, zero means unlimited.
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
		// MaxSize of a single resource in bytes, zero means unlimited.
		MaxSize int64 `yaml:"max_size"`
	}

	CacheConfig struct {
		// Dir is a directory where fetched resources are kept between runs.
		// Resources are only cached in memory if empty.
		Dir string `yaml:"dir"`
	}

	EmbedConfig struct {
		ExcludeRemoteResources bool `yaml:"exclude_remote_resources"`
		SilentOnFetchError     bool `yaml:"silent_on_fetch_error"`
		MaxDepth               int  `yaml:"max_depth"`
		Jobs                   int  `yaml:"jobs"`
	}

	Config struct {
		Fetch   FetchConfig   `yaml:"fetch"`
		Cache   CacheConfig   `yaml:"cache"`
		Embed   EmbedConfig   `yaml:"embed"`
		Logging LoggingConfig `yaml:"logging"`
	}
)

// Default returns configuration used when no file is given.
func Default() *Config {
	return &Config{
		Fetch: FetchConfig{
			UserAgent:         "css-embed/1.0",
			Timeout:           30 * time.Second,
			RequestsPerSecond: 10,
			Burst:             1,
		},
		Embed: EmbedConfig{
			MaxDepth: 8,
			Jobs:     4,
		},
		Logging: LoggingConfig{
			Console: LoggerConfig{Level: "normal"},
		},
	}
}

func unmarshalConfig(data []byte, cfg *Config) (*Config, error) {
	// We want to use only fields we defined so we cannot use yaml.Unmarshal
	// directly here
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode configuration data: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfiguration reads the configuration from the file at the given path and
// superimposes its values on top of defaults.
// Defaults are returned if path is empty.
func LoadConfiguration(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err = unmarshalConfig(data, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to process configuration file: %w", err)
	}
	return cfg, nil
}

// Validate checks that values are in allowed ranges.
func (c *Config) Validate() error {
	switch {
	case c.Fetch.Timeout < 0:
		return fmt.Errorf("fetch.timeout must not be negative")
	case c.Fetch.RequestsPerSecond < 0:
		return fmt.Errorf("fetch.requests_per_second must not be negative")
	case c.Fetch.RequestsPerSecond > 0 && c.Fetch.Burst < 1:
		return fmt.Errorf("fetch.burst must be at least 1 when requests are limited")
	case c.Fetch.MaxSize < 0:
		return fmt.Errorf("fetch.max_size must not be negative")
	case c.Embed.MaxDepth < 0:
		return fmt.Errorf("embed.max_depth must not be negative")
	case c.Embed.Jobs < 0:
		return fmt.Errorf("embed.jobs must not be negative")
	}
	return c.Logging.Validate()
}

func Dump(cfg *Config) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config to yaml: %v", err)
	}
	return data, nil
}
