package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Datastore location. The tracking database, per-image filesystem
	// databases, and per-image search indexes all live under here.
	DataDir string `mapstructure:"data-dir"`

	// Path to the bulk_extractor binary
	BulkExtractorPath string `mapstructure:"bulk-extractor"`

	// Row batch size for block/file bulk inserts
	BatchSize int `mapstructure:"batch-size"`

	// Number of string records queued before a bulk index flush
	FlushInterval int `mapstructure:"flush-interval"`

	// Maximum number of search results returned per query
	SearchSize int `mapstructure:"search-size"`

	// S3 region used when an image is given as an s3:// URL
	S3Region string `mapstructure:"s3-region"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	// Set defaults
	viper.SetDefault("data-dir", filepath.Join(home, ".dfdewey"))
	viper.SetDefault("bulk-extractor", "bulk_extractor")
	viper.SetDefault("batch-size", 1500)
	viper.SetDefault("flush-interval", 1000)
	viper.SetDefault("search-size", 1000)
	viper.SetDefault("s3-region", "us-east-1")

	// Environment variables (will be DFDEWEY_DATA_DIR, etc.)
	viper.SetEnvPrefix("DFDEWEY")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName(".dfdewey")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath(home)

	// Read config file (ignore if not found)
	_ = viper.ReadInConfig()

	// Unmarshal into config struct
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data-dir cannot be empty")
	}
	if c.BulkExtractorPath == "" {
		return fmt.Errorf("bulk-extractor cannot be empty")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch-size must be positive")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush-interval must be positive")
	}
	if c.SearchSize <= 0 {
		return fmt.Errorf("search-size must be positive")
	}
	return nil
}

// IndexDir returns the directory holding per-image search indexes.
func (c *Config) IndexDir() string {
	return filepath.Join(c.DataDir, "indexes")
}
