// Package config loads the importer configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"wikiimport/internal/artifacts"
	"wikiimport/internal/util"
)

// Environment variables
const (
	EnvConfig      = "WIKIIMPORT_CONFIG"
	EnvConcurrency = "WIKIIMPORT_CONCURRENCY"
	EnvBusyTimeout = "WIKIIMPORT_BUSY_TIMEOUT"
)

// Config is the full importer configuration.
type Config struct {
	Concurrency int            `yaml:"concurrency"`
	Upload      UploadConfig   `yaml:"upload"`
	S3          S3Config       `yaml:"s3"`
	Database    DatabaseConfig `yaml:"database"`
	Excludes    []string       `yaml:"excludes"`
	Report      string         `yaml:"report"`
}

// UploadConfig controls blob uploads.
type UploadConfig struct {
	Concurrency  int           `yaml:"concurrency"`
	Attempts     uint          `yaml:"attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	MaxJitter    time.Duration `yaml:"max_jitter"`
}

// S3Config selects the object store endpoint.
type S3Config struct {
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Secure          bool   `yaml:"secure"`
	CredentialsFile string `yaml:"credentials_file"`
	KeyPrefix       string `yaml:"key_prefix"`
}

// DatabaseConfig tunes the SQLite connection.
type DatabaseConfig struct {
	BusyTimeout int `yaml:"busy_timeout"` // milliseconds
}

// Default returns the embedded default configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal(artifacts.DefaultConfig, &cfg); err != nil {
		panic("failed to parse embedded default config: " + err.Error())
	}
	return &cfg
}

// Load builds the configuration from the defaults, the file at path (or
// $WIKIIMPORT_CONFIG when path is empty) and the environment. A path that was
// named explicitly must exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) applyEnv() error {
	if val := os.Getenv(EnvConcurrency); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvConcurrency, val, err)
		}
		cfg.Concurrency = n
	}
	if val := os.Getenv(EnvBusyTimeout); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvBusyTimeout, val, err)
		}
		cfg.Database.BusyTimeout = n
	}
	return nil
}

// Validate reports every out-of-range value.
func (cfg *Config) Validate() error {
	var errs []error
	if cfg.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be at least 1, got %d", cfg.Concurrency))
	}
	if cfg.Upload.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("upload.concurrency must be at least 1, got %d", cfg.Upload.Concurrency))
	}
	if cfg.Upload.Attempts < 1 {
		errs = append(errs, errors.New("upload.attempts must be at least 1"))
	}
	if cfg.Upload.InitialDelay < 0 || cfg.Upload.MaxDelay < 0 || cfg.Upload.MaxJitter < 0 {
		errs = append(errs, errors.New("upload delays must not be negative"))
	}
	if cfg.Upload.MaxDelay > 0 && cfg.Upload.MaxDelay < cfg.Upload.InitialDelay {
		errs = append(errs, fmt.Errorf("upload.max_delay %s is below upload.initial_delay %s",
			cfg.Upload.MaxDelay, cfg.Upload.InitialDelay))
	}
	if cfg.Database.BusyTimeout < 0 {
		errs = append(errs, fmt.Errorf("database.busy_timeout must not be negative, got %d", cfg.Database.BusyTimeout))
	}
	return errors.Join(errs...)
}

// Backoff converts the upload section to a retry policy.
func (cfg *Config) Backoff() util.BackoffPolicy {
	return util.BackoffPolicy{
		Attempts:     cfg.Upload.Attempts,
		InitialDelay: cfg.Upload.InitialDelay,
		MaxDelay:     cfg.Upload.MaxDelay,
		MaxJitter:    cfg.Upload.MaxJitter,
	}
}
