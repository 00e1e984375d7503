package config

import (
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, v, err := Load(afero.NewMemMapFs(), "", nil)
	require.NoError(t, err)
	require.NotNil(t, v)

	assert.Equal(t, 10*time.Second, cfg.Checker.ConnectTimeout)
	assert.Equal(t, 15*time.Second, cfg.Checker.RelayTimeout)
	assert.Equal(t, 30*time.Second, cfg.Checker.OverallTimeout)
	assert.Equal(t, 10, cfg.Checker.MaxRedirects)
	assert.EqualValues(t, 1<<20, cfg.Checker.MaxBodyBytes)
	assert.Equal(t, 1, cfg.Batch.Concurrency)
	assert.Equal(t, time.Second, cfg.Batch.Delay)
	assert.Zero(t, cfg.Batch.Retries)
	assert.Equal(t, []string{"http"}, cfg.Geo.Providers)
	assert.Equal(t, "none", cfg.Store.Driver)
	assert.Equal(t, "127.0.0.1:8787", cfg.Server.ListenAddr)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadPrecedence(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/pt/proxytest.yaml", []byte(`
checker:
  connect_timeout: 3s
  relay_timeout: 7s
batch:
  concurrency: 2
  delay: 0s
geo:
  providers: [maxmind, http]
`), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/etc/pt/.env", []byte(
		"PROXYTEST_CHECKER_RELAY_TIMEOUT=9s\nPROXYTEST_BATCH_RETRIES=2\nUNRELATED=1\n"), 0o644))

	t.Setenv("PROXYTEST_BATCH_RETRIES", "3")
	t.Setenv("PROXYTEST_BATCH_CONCURRENCY", "4")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(flags)
	require.NoError(t, flags.Parse([]string{"--concurrency=8"}))

	cfg, _, err := Load(fs, "/etc/pt/proxytest.yaml", flags)
	require.NoError(t, err)

	assert.Equal(t, 3*time.Second, cfg.Checker.ConnectTimeout, "yaml over default")
	assert.Equal(t, 9*time.Second, cfg.Checker.RelayTimeout, ".env over yaml")
	assert.Equal(t, 3, cfg.Batch.Retries, "env over .env")
	assert.Equal(t, 8, cfg.Batch.Concurrency, "flag over env")
	assert.Zero(t, cfg.Batch.Delay)
	assert.Equal(t, []string{"maxmind", "http"}, cfg.Geo.Providers)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout, "unset flags do not override")
}

func TestLoadCommaSeparatedEnv(t *testing.T) {
	t.Setenv("PROXYTEST_GEO_PROVIDERS", "IP2Location, http")
	cfg, _, err := Load(afero.NewMemMapFs(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"ip2location", "http"}, cfg.Geo.Providers)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"zero concurrency", "batch:\n  concurrency: 0\n"},
		{"bad store driver", "store:\n  driver: mysql\n"},
		{"sqlite without dsn", "store:\n  driver: sqlite\n"},
		{"bad provider", "geo:\n  providers: [whois]\n"},
		{"bad real ip", "identity:\n  real_ip: nope\n"},
		{"bad listen addr", "server:\n  listen_addr: nowhere\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			require.NoError(t, afero.WriteFile(fs, "/c.yaml", []byte(tt.yaml), 0o644))
			_, _, err := Load(fs, "/c.yaml", nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid), err)
		})
	}
}

func TestLoadCapabilities(t *testing.T) {
	cfg, _, err := Load(afero.NewMemMapFs(), "", nil)
	require.NoError(t, err)
	assert.False(t, cfg.Checker.Capabilities)
	assert.Equal(t, 10*time.Second, cfg.Checker.CapabilityTimeout)

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(flags)
	require.NoError(t, flags.Parse([]string{"--capabilities"}))

	cfg, _, err = Load(afero.NewMemMapFs(), "", flags)
	require.NoError(t, err)
	assert.True(t, cfg.Checker.Capabilities)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, _, err := Load(afero.NewMemMapFs(), "/nope.yaml", nil)
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestWriteTemplate(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, WriteTemplate(fs, "/proxytest.yaml"))

	cfg, _, err := Load(fs, "/proxytest.yaml", nil)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.Checker.ConnectTimeout)

	assert.Error(t, WriteTemplate(fs, "/proxytest.yaml"), "existing file is kept")
}
