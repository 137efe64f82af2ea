// Package config loads service settings from a YAML file, applies
// DATACOPY_* environment overrides and validates the result.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	datacopy "github.com/goliatone/go-datacopy"
	"github.com/goliatone/go-datacopy/jobstore"
	"github.com/goliatone/go-datacopy/poller"
	"github.com/goliatone/go-datacopy/provider"
	"github.com/goliatone/go-datacopy/router"
	"github.com/goliatone/go-datacopy/workflow"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DATACOPY_"

type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Poller    PollerConfig    `yaml:"poller"`
	Provider  ProviderConfig  `yaml:"provider"`
	Transfer  TransferConfig  `yaml:"transfer"`
	Events    EventsConfig    `yaml:"events"`
	Bus       BusConfig       `yaml:"bus"`
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
}

type StoreConfig struct {
	Driver string        `yaml:"driver" validate:"oneof=memory sqlite postgres"`
	DSN    string        `yaml:"dsn"`
	TTL    time.Duration `yaml:"ttl" validate:"gt=0"`
	// SweepInterval is how often expired rows are swept.
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"gt=0"`
}

type HeartbeatConfig struct {
	RuleName string        `yaml:"rule_name" validate:"required"`
	Interval time.Duration `yaml:"interval" validate:"gt=0"`
	Timeout  time.Duration `yaml:"timeout" validate:"gt=0"`
}

type PollerConfig struct {
	Concurrency int `yaml:"concurrency" validate:"min=1,max=64"`
}

type ProviderConfig struct {
	// BaseURL selects the HTTP provider; empty runs against the in-memory fake.
	BaseURL     string        `yaml:"base_url" validate:"omitempty,url"`
	TokenFile   string        `yaml:"token_file"`
	Token       string        `yaml:"-"`
	MaxAttempts int           `yaml:"max_attempts" validate:"min=1"`
	Timeout     time.Duration `yaml:"timeout" validate:"gte=0"`
}

type TransferConfig struct {
	StagingThresholdBytes int64 `yaml:"staging_threshold_bytes" validate:"gt=0"`
	StagingSlots          int   `yaml:"staging_slots" validate:"min=1"`
	StagingMemoryBytes    int64 `yaml:"staging_memory_bytes" validate:"gt=0"`
}

type EventsConfig struct {
	Source            string `yaml:"source" validate:"required"`
	DetailType        string `yaml:"detail_type" validate:"required"`
	ProviderEventCode string `yaml:"provider_event_code" validate:"required"`
}

type BusConfig struct {
	Workers    int `yaml:"workers" validate:"min=1"`
	QueueDepth int `yaml:"queue_depth" validate:"min=1"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Driver:        jobstore.DriverMemory,
			TTL:           workflow.DefaultJobTTL,
			SweepInterval: time.Hour,
		},
		Heartbeat: HeartbeatConfig{
			RuleName: datacopy.DefaultHeartbeatRule,
			Interval: 3 * time.Minute,
			Timeout:  workflow.DefaultHeartbeatTimeout,
		},
		Poller: PollerConfig{Concurrency: poller.DefaultConcurrency},
		Provider: ProviderConfig{
			MaxAttempts: provider.DefaultMaxAttempts,
			Timeout:     30 * time.Second,
		},
		Transfer: TransferConfig{
			StagingThresholdBytes: provider.DefaultStagingThreshold,
			StagingSlots:          workflow.DefaultStagingSlots,
			StagingMemoryBytes:    workflow.DefaultStagingMemory,
		},
		Events: EventsConfig{
			Source:            workflow.DefaultEventSource,
			DetailType:        workflow.DefaultEventDetailType,
			ProviderEventCode: router.DefaultProviderEventCode,
		},
		Bus: BusConfig{Workers: 4, QueueDepth: 64},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads path (optional), applies environment overrides and validates.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment lookup.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, invalid(fmt.Sprintf("read config %s", path), err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, err
		}
	}
	if lookup != nil {
		if err := applyEnv(&cfg, lookup); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates, without consulting
// the environment.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := decode(data, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return invalid("decode config", err)
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field ranges and the heartbeat margin.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed on '%s'", fe.Namespace(), fe.Tag()))
			}
			return invalid("invalid config: "+strings.Join(fields, "; "), err)
		}
		return invalid("invalid config", err)
	}
	if c.Heartbeat.Interval >= c.Heartbeat.Timeout {
		return invalid(fmt.Sprintf("heartbeat interval %s must be below timeout %s", c.Heartbeat.Interval, c.Heartbeat.Timeout), nil)
	}
	if c.Store.Driver == jobstore.DriverPostgres && strings.TrimSpace(c.Store.DSN) == "" {
		return invalid("postgres store needs a dsn", nil)
	}
	if c.Transfer.StagingMemoryBytes < c.Transfer.StagingThresholdBytes {
		return invalid("staging memory must hold at least one object above the threshold", nil)
	}
	return nil
}

func invalid(msg string, source error) error {
	return datacopy.NewError(datacopy.ErrValidation, msg, source, nil)
}
