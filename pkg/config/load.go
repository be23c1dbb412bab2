package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/flightdeck/pkg/telemetry"
)

// Default returns the configuration used for settings a file omits: a local
// sqlite file and the in-memory cloud, suitable for trying the service.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:   "flightdeck",
			Domain: "localhost:8080",
		},
		Database: DatabaseConfig{
			Driver: DriverSQLite,
			DSN:    "flightdeck.db",
		},
		Engine: EngineConfig{
			Workers:           4,
			QueueSize:         1024,
			CheckpointTimeout: 30 * time.Second,
			CloudRetry: RetryConfig{
				Initial:     time.Second,
				Max:         30 * time.Second,
				Factor:      2,
				MaxAttempts: 8,
			},
			DatabaseRetry: RetryConfig{
				Initial:     2 * time.Second,
				Max:         2 * time.Second,
				Factor:      1,
				MaxAttempts: 5,
			},
		},
		Jobs: JobsConfig{
			PollInterval: time.Second,
			WaitTimeout:  10 * time.Minute,
		},
		Cloud: CloudConfig{
			Provider: CloudMemory,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document over the defaults. The document is checked
// against the schema before decoding and the result is validated after.
func Parse(data []byte) (*Config, error) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	schema, err := NewSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Check(doc); err != nil {
		return nil, err
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks the decoded configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Cloud.Provider == CloudMinio {
		if err := c.Cloud.Minio.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	return nil
}

// Write saves cfg as YAML, refusing to replace an existing file.
func Write(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return f.Close()
}
