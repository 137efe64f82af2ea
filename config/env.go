package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type envBinding struct {
	key   string
	apply func(c *Config, v string) error
}

func str(target func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*target(c) = v
		return nil
	}
}

func integer(target func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*target(c) = n
		return nil
	}
}

func integer64(target func(*Config) *int64) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		*target(c) = n
		return nil
	}
}

func duration(target func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*target(c) = d
		return nil
	}
}

var envBindings = []envBinding{
	{"STORE_DRIVER", str(func(c *Config) *string { return &c.Store.Driver })},
	{"STORE_DSN", str(func(c *Config) *string { return &c.Store.DSN })},
	{"STORE_TTL", duration(func(c *Config) *time.Duration { return &c.Store.TTL })},
	{"STORE_SWEEP_INTERVAL", duration(func(c *Config) *time.Duration { return &c.Store.SweepInterval })},
	{"HEARTBEAT_RULE_NAME", str(func(c *Config) *string { return &c.Heartbeat.RuleName })},
	{"HEARTBEAT_INTERVAL", duration(func(c *Config) *time.Duration { return &c.Heartbeat.Interval })},
	{"HEARTBEAT_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Heartbeat.Timeout })},
	{"POLLER_CONCURRENCY", integer(func(c *Config) *int { return &c.Poller.Concurrency })},
	{"PROVIDER_BASE_URL", str(func(c *Config) *string { return &c.Provider.BaseURL })},
	{"PROVIDER_TOKEN_FILE", str(func(c *Config) *string { return &c.Provider.TokenFile })},
	{"PROVIDER_TOKEN", str(func(c *Config) *string { return &c.Provider.Token })},
	{"PROVIDER_MAX_ATTEMPTS", integer(func(c *Config) *int { return &c.Provider.MaxAttempts })},
	{"PROVIDER_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Provider.Timeout })},
	{"TRANSFER_STAGING_THRESHOLD_BYTES", integer64(func(c *Config) *int64 { return &c.Transfer.StagingThresholdBytes })},
	{"TRANSFER_STAGING_SLOTS", integer(func(c *Config) *int { return &c.Transfer.StagingSlots })},
	{"TRANSFER_STAGING_MEMORY_BYTES", integer64(func(c *Config) *int64 { return &c.Transfer.StagingMemoryBytes })},
	{"EVENTS_SOURCE", str(func(c *Config) *string { return &c.Events.Source })},
	{"EVENTS_DETAIL_TYPE", str(func(c *Config) *string { return &c.Events.DetailType })},
	{"EVENTS_PROVIDER_EVENT_CODE", str(func(c *Config) *string { return &c.Events.ProviderEventCode })},
	{"BUS_WORKERS", integer(func(c *Config) *int { return &c.Bus.Workers })},
	{"BUS_QUEUE_DEPTH", integer(func(c *Config) *int { return &c.Bus.QueueDepth })},
	{"HTTP_ADDR", str(func(c *Config) *string { return &c.HTTP.Addr })},
	{"HTTP_SHUTDOWN_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.HTTP.ShutdownTimeout })},
	{"LOG_LEVEL", str(func(c *Config) *string { return &c.Log.Level })},
	{"LOG_FORMAT", str(func(c *Config) *string { return &c.Log.Format })},
}

// EnvKeys lists the recognized environment variables.
func EnvKeys() []string {
	keys := make([]string, 0, len(envBindings))
	for _, b := range envBindings {
		keys = append(keys, EnvPrefix+b.key)
	}
	return keys
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for _, b := range envBindings {
		key := EnvPrefix + b.key
		v, ok := lookup(key)
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if err := b.apply(cfg, v); err != nil {
			return invalid(fmt.Sprintf("parse %s", key), err)
		}
	}
	return nil
}
