// Package config loads the host configuration of a waterflow worker from a
// YAML file and WATERFLOW_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Config is the top-level host configuration.
type Config struct {
	// WorkerID names this process as trace owner. Empty means a generated id.
	WorkerID string `yaml:"worker_id"`

	Log       LogConfig       `yaml:"log"`
	Store     StoreConfig     `yaml:"store"`
	Lock      LockConfig      `yaml:"lock"`
	Engine    EngineConfig    `yaml:"engine"`
	Retention RetentionConfig `yaml:"retention"`
	Notify    NotifyConfig    `yaml:"notify"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Queue     QueueConfig     `yaml:"queue"`
	Flows     FlowsConfig     `yaml:"flows"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StoreConfig selects the persistence backend: memory, sqlite or postgres.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// LockConfig selects the distributed lock backend: memory, sql (the store's
// database), redis or badger.
type LockConfig struct {
	Backend      string        `yaml:"backend"`
	RedisURL     string        `yaml:"redis_url"`
	RedisPrefix  string        `yaml:"redis_prefix"`
	BadgerDir    string        `yaml:"badger_dir"`
	TTL          time.Duration `yaml:"ttl"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Capacity     int           `yaml:"capacity"`
}

type EngineConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	RecoveryBatchSize int           `yaml:"recovery_batch_size"`
}

type RetentionConfig struct {
	Keep      time.Duration `yaml:"keep"`
	BatchSize int           `yaml:"batch_size"`
	MaxRounds int           `yaml:"max_rounds"`
}

// NotifyConfig configures the gRPC notification transport and redelivery.
type NotifyConfig struct {
	Targets        map[string]string `yaml:"targets"`
	DefaultAddress string            `yaml:"default_address"`
	Timeout        time.Duration     `yaml:"timeout"`
	BatchSize      int               `yaml:"batch_size"`
	LockWait       time.Duration     `yaml:"lock_wait"`
	Backoff        BackoffConfig     `yaml:"backoff"`
}

type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
}

// ScheduleConfig sets how often the worker fires each scheduler.
type ScheduleConfig struct {
	Recovery     time.Duration `yaml:"recovery"`
	Retention    time.Duration `yaml:"retention"`
	Notification time.Duration `yaml:"notification"`
}

// QueueConfig selects the intake queue: store (same backend as the store),
// memory or none.
type QueueConfig struct {
	Backend     string        `yaml:"backend"`
	Consumers   int           `yaml:"consumers"`
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     BackoffConfig `yaml:"backoff"`
}

type FlowsConfig struct {
	// Dir holds *.hcl flow definition files.
	Dir string `yaml:"dir"`
}

// Default returns the configuration used for every unset field.
func Default() Config {
	return Config{
		Log:   LogConfig{Level: "info", Format: "text"},
		Store: StoreConfig{Driver: "sqlite", DSN: "file:waterflow.db?_pragma=busy_timeout(5000)"},
		Lock: LockConfig{
			Backend:      "sql",
			RedisPrefix:  "waterflow:lock:",
			TTL:          30 * time.Second,
			PollInterval: 100 * time.Millisecond,
			Capacity:     1024,
		},
		Engine: EngineConfig{
			Concurrency:       64,
			MaxRetries:        3,
			RecoveryBatchSize: 100,
		},
		Retention: RetentionConfig{
			Keep:      7 * 24 * time.Hour,
			BatchSize: 500,
			MaxRounds: 100,
		},
		Notify: NotifyConfig{
			Timeout:   10 * time.Second,
			BatchSize: 100,
			LockWait:  100 * time.Millisecond,
			Backoff:   BackoffConfig{Initial: time.Second, Max: 10 * time.Minute, Multiplier: 2},
		},
		Schedule: ScheduleConfig{
			Recovery:     60 * time.Second,
			Retention:    24 * time.Hour,
			Notification: time.Second,
		},
		Queue: QueueConfig{
			Backend:     "store",
			Consumers:   1,
			MaxAttempts: 5,
			Backoff:     BackoffConfig{Initial: time.Second, Max: time.Minute, Multiplier: 2},
		},
		Flows: FlowsConfig{Dir: "flows"},
	}
}

// Load reads the YAML file at path, fills unset fields from Default and
// applies WATERFLOW_* environment overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}
		defer f.Close()
		if err := Decode(f, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := mergo.Merge(&cfg, Default()); err != nil {
		return Config{}, fmt.Errorf("apply defaults: %w", err)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode parses YAML into cfg, rejecting unknown keys. Empty input is valid.
func Decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("error parsing YAML: %w", err)
	}
	return nil
}

// Validate checks option values and the combinations backends require.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		bad("log.format: %q is not text or json", c.Log.Format)
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			bad("store.dsn is required for driver %s", c.Store.Driver)
		}
	default:
		bad("store.driver: unknown driver %q", c.Store.Driver)
	}

	switch c.Lock.Backend {
	case "memory":
	case "sql":
		if c.Store.Driver == "memory" {
			bad("lock.backend sql needs a sqlite or postgres store")
		}
	case "redis":
		if c.Lock.RedisURL == "" {
			bad("lock.redis_url is required for backend redis")
		}
	case "badger":
		if c.Lock.BadgerDir == "" {
			bad("lock.badger_dir is required for backend badger")
		}
	default:
		bad("lock.backend: unknown backend %q", c.Lock.Backend)
	}
	if c.Lock.PollInterval >= c.Lock.TTL {
		bad("lock.poll_interval (%s) must be shorter than lock.ttl (%s)", c.Lock.PollInterval, c.Lock.TTL)
	}

	switch c.Queue.Backend {
	case "store", "memory", "none":
	default:
		bad("queue.backend: unknown backend %q", c.Queue.Backend)
	}

	for name, d := range map[string]time.Duration{
		"schedule.recovery":     c.Schedule.Recovery,
		"schedule.retention":    c.Schedule.Retention,
		"schedule.notification": c.Schedule.Notification,
		"retention.keep":        c.Retention.Keep,
	} {
		if d <= 0 {
			bad("%s must be positive", name)
		}
	}
	if c.Engine.Concurrency <= 0 {
		bad("engine.concurrency must be positive")
	}
	return errors.Join(errs...)
}
