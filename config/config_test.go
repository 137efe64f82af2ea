package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	datacopy "github.com/goliatone/go-datacopy"
)

func envMap(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := LoadWithEnv("", envMap(nil))
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 14*24*time.Hour, cfg.Store.TTL)
	assert.Equal(t, "heartBeatScheduleRule", cfg.Heartbeat.RuleName)
	assert.Equal(t, 3*time.Minute, cfg.Heartbeat.Interval)
	assert.Equal(t, 5*time.Minute, cfg.Heartbeat.Timeout)
	assert.Equal(t, 5, cfg.Poller.Concurrency)
	assert.Equal(t, 10, cfg.Provider.MaxAttempts)
	assert.Equal(t, int64(8<<20), cfg.Transfer.StagingThresholdBytes)
	assert.Equal(t, "orcabus.icav2datacopymanager", cfg.Events.Source)
	assert.Equal(t, "ICAv2DataCopySync", cfg.Events.DetailType)
	assert.Equal(t, "ICA_JOB_001", cfg.Events.ProviderEventCode)
}

func TestLoadFileThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "datacopy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  driver: sqlite
  dsn: file:jobs.db
  ttl: 48h
heartbeat:
  interval: 1m
  timeout: 2m
poller:
  concurrency: 3
provider:
  base_url: https://provider.example.com/api
log:
  level: debug
  format: console
`), 0o600))

	cfg, err := LoadWithEnv(path, envMap(map[string]string{
		"DATACOPY_POLLER_CONCURRENCY": "8",
		"DATACOPY_PROVIDER_TOKEN":     "secret",
		"DATACOPY_HTTP_ADDR":          "127.0.0.1:9000",
		"DATACOPY_LOG_LEVEL":          "",
	}))
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "file:jobs.db", cfg.Store.DSN)
	assert.Equal(t, 48*time.Hour, cfg.Store.TTL)
	assert.Equal(t, time.Minute, cfg.Heartbeat.Interval)
	assert.Equal(t, 2*time.Minute, cfg.Heartbeat.Timeout)
	assert.Equal(t, 8, cfg.Poller.Concurrency, "environment wins over the file")
	assert.Equal(t, "secret", cfg.Provider.Token)
	assert.Equal(t, "127.0.0.1:9000", cfg.HTTP.Addr)
	assert.Equal(t, "debug", cfg.Log.Level, "empty overrides are ignored")
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, time.Hour, cfg.Store.SweepInterval, "unset keys keep defaults")
}

func TestValidationFailures(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		env  map[string]string
	}{
		{name: "interval not below timeout", yaml: "heartbeat:\n  interval: 5m\n  timeout: 5m\n"},
		{name: "unknown driver", yaml: "store:\n  driver: dynamo\n"},
		{name: "postgres without dsn", yaml: "store:\n  driver: postgres\n"},
		{name: "zero concurrency", yaml: "poller:\n  concurrency: 0\n"},
		{name: "bad provider url", yaml: "provider:\n  base_url: not a url\n"},
		{name: "unknown key", yaml: "heartbeet:\n  interval: 1m\n"},
		{name: "bad log level", yaml: "log:\n  level: loud\n"},
		{name: "staging memory below threshold", yaml: "transfer:\n  staging_threshold_bytes: 100\n  staging_memory_bytes: 10\n"},
		{name: "unparsable env duration", env: map[string]string{"DATACOPY_HEARTBEAT_TIMEOUT": "soon"}},
		{name: "unparsable env integer", env: map[string]string{"DATACOPY_BUS_WORKERS": "many"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := ""
			if tc.yaml != "" {
				path = filepath.Join(t.TempDir(), "c.yaml")
				require.NoError(t, os.WriteFile(path, []byte(tc.yaml), 0o600))
			}
			_, err := LoadWithEnv(path, envMap(tc.env))
			require.Error(t, err)
			assert.True(t, datacopy.HasCode(err, datacopy.ErrCodeValidation), "got %v", err)
		})
	}
}

func TestParseEmptyDocumentKeepsDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestMissingFile(t *testing.T) {
	_, err := LoadWithEnv(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.Error(t, err)
	assert.True(t, datacopy.HasCode(err, datacopy.ErrCodeValidation))
}

func TestEnvKeysArePrefixed(t *testing.T) {
	for _, k := range EnvKeys() {
		assert.Contains(t, k, EnvPrefix)
	}
	assert.Contains(t, EnvKeys(), "DATACOPY_HEARTBEAT_INTERVAL")
}
