package config

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "WATERFLOW_"

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

type envVar struct {
	name string
	set  func(c *Config, v string) error
}

func str(dst func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error { *dst(c) = v; return nil }
}

func integer(dst func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

func duration(dst func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst(c) = d
		return nil
	}
}

var envVars = []envVar{
	{"WORKER_ID", str(func(c *Config) *string { return &c.WorkerID })},
	{"LOG_LEVEL", str(func(c *Config) *string { return &c.Log.Level })},
	{"LOG_FORMAT", str(func(c *Config) *string { return &c.Log.Format })},
	{"STORE_DRIVER", str(func(c *Config) *string { return &c.Store.Driver })},
	{"STORE_DSN", str(func(c *Config) *string { return &c.Store.DSN })},
	{"LOCK_BACKEND", str(func(c *Config) *string { return &c.Lock.Backend })},
	{"LOCK_REDIS_URL", str(func(c *Config) *string { return &c.Lock.RedisURL })},
	{"LOCK_BADGER_DIR", str(func(c *Config) *string { return &c.Lock.BadgerDir })},
	{"LOCK_TTL", duration(func(c *Config) *time.Duration { return &c.Lock.TTL })},
	{"ENGINE_CONCURRENCY", integer(func(c *Config) *int { return &c.Engine.Concurrency })},
	{"ENGINE_MAX_RETRIES", integer(func(c *Config) *int { return &c.Engine.MaxRetries })},
	{"RETENTION_KEEP", duration(func(c *Config) *time.Duration { return &c.Retention.Keep })},
	{"NOTIFY_DEFAULT_ADDRESS", str(func(c *Config) *string { return &c.Notify.DefaultAddress })},
	{"NOTIFY_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Notify.Timeout })},
	{"SCHEDULE_RECOVERY", duration(func(c *Config) *time.Duration { return &c.Schedule.Recovery })},
	{"SCHEDULE_RETENTION", duration(func(c *Config) *time.Duration { return &c.Schedule.Retention })},
	{"SCHEDULE_NOTIFICATION", duration(func(c *Config) *time.Duration { return &c.Schedule.Notification })},
	{"QUEUE_BACKEND", str(func(c *Config) *string { return &c.Queue.Backend })},
	{"QUEUE_CONSUMERS", integer(func(c *Config) *int { return &c.Queue.Consumers })},
	{"FLOWS_DIR", str(func(c *Config) *string { return &c.Flows.Dir })},
}

// ApplyEnv overrides fields from WATERFLOW_* variables found by lookup.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	var errs []error
	for _, ev := range envVars {
		v, ok := lookup(EnvPrefix + ev.name)
		if !ok {
			continue
		}
		if err := ev.set(c, v); err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, ev.name, err))
		}
	}
	return errors.Join(errs...)
}
