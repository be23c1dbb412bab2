package config

import (
	"time"

	"github.com/openfroyo/flightdeck/pkg/cloud"
	"github.com/openfroyo/flightdeck/pkg/engine"
	"github.com/openfroyo/flightdeck/pkg/jobs"
	"github.com/openfroyo/flightdeck/pkg/stores"
	"github.com/openfroyo/flightdeck/pkg/telemetry"
)

// Config is the flightdeck configuration file.
type Config struct {
	Service   ServiceConfig    `yaml:"service"`
	Database  DatabaseConfig   `yaml:"database"`
	Engine    EngineConfig     `yaml:"engine"`
	Jobs      JobsConfig       `yaml:"jobs"`
	Cloud     CloudConfig      `yaml:"cloud"`
	Policy    PolicyConfig     `yaml:"policy"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// ServiceConfig identifies the service.
type ServiceConfig struct {
	// Name is the service name reported in logs and traces.
	Name string `yaml:"name" validate:"required"`

	// Domain is the host part of job result URLs.
	Domain string `yaml:"domain" validate:"required"`
}

// Supported database drivers. DriverMemory keeps all state in process and is
// meant for development.
const (
	DriverSQLite   = stores.DriverSQLite
	DriverPostgres = stores.DriverPostgres
	DriverMemory   = "memory"
)

// DatabaseConfig configures the flight and metadata store.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver" validate:"required,oneof=sqlite postgres memory"`
	DSN             string        `yaml:"dsn" validate:"required_unless=Driver memory"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" validate:"gte=0"`
}

// StoreConfig returns the SQL store settings.
func (c DatabaseConfig) StoreConfig() stores.Config {
	return stores.Config{
		Driver:          c.Driver,
		DSN:             c.DSN,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
	}
}

// EngineConfig configures flight execution.
type EngineConfig struct {
	Workers           int           `yaml:"workers" validate:"gte=1"`
	QueueSize         int           `yaml:"queue_size" validate:"gte=1"`
	CheckpointTimeout time.Duration `yaml:"checkpoint_timeout" validate:"gt=0"`

	// CloudRetry governs steps calling the cloud provider.
	CloudRetry RetryConfig `yaml:"cloud_retry"`

	// DatabaseRetry governs steps writing the system of record.
	DatabaseRetry RetryConfig `yaml:"database_retry"`
}

// EngineSettings returns the engine settings.
func (c EngineConfig) EngineSettings() engine.Config {
	return engine.Config{
		Workers:           c.Workers,
		QueueSize:         c.QueueSize,
		CheckpointTimeout: c.CheckpointTimeout,
	}
}

// RetryConfig is an exponential backoff. A factor of 1 retries at a fixed
// interval.
type RetryConfig struct {
	Initial     time.Duration `yaml:"initial" validate:"gt=0"`
	Max         time.Duration `yaml:"max" validate:"gtefield=Initial"`
	Factor      float64       `yaml:"factor" validate:"gte=1"`
	MaxAttempts int           `yaml:"max_attempts" validate:"gte=1"`
}

// Policy returns the retry policy.
func (c RetryConfig) Policy() engine.RetryPolicy {
	if c.Factor == 1 {
		return engine.FixedInterval{Interval: c.Initial, MaxAttempts: c.MaxAttempts}
	}
	return engine.ExponentialBackoff{
		Initial:     c.Initial,
		Factor:      c.Factor,
		Max:         c.Max,
		MaxAttempts: c.MaxAttempts,
	}
}

// JobsConfig configures the job service.
type JobsConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" validate:"gt=0"`
	WaitTimeout  time.Duration `yaml:"wait_timeout" validate:"gtefield=PollInterval"`
}

// ServiceSettings returns the job service settings for domain.
func (c JobsConfig) ServiceSettings(domain string) jobs.Config {
	return jobs.Config{
		PollInterval: c.PollInterval,
		WaitTimeout:  c.WaitTimeout,
		Domain:       domain,
	}
}

// Supported cloud providers.
const (
	CloudMinio  = "minio"
	CloudMemory = "memory"
)

// CloudConfig selects the bucket provider.
type CloudConfig struct {
	Provider string            `yaml:"provider" validate:"required,oneof=minio memory"`
	Minio    cloud.MinioConfig `yaml:"minio" validate:"-"`
}

// PolicyConfig lists operator access policies.
type PolicyConfig struct {
	// Paths are .rego or .json files, or directories of them.
	Paths []string `yaml:"paths" validate:"dive,required"`

	// Watch reloads the policies when the files change.
	Watch bool `yaml:"watch"`
}
