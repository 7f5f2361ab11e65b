package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/metorial/aegis/internal/alerts"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AEGIS_TOKEN", "")

	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, ":9090", cfg.GRPCAddr)
	assert.Equal(t, time.Second, cfg.Interval)
	assert.Equal(t, 60, cfg.HistorySize)
	assert.Equal(t, 10, cfg.TopProcesses)
	assert.Equal(t, 16, cfg.SessionQueue)
	assert.Equal(t, 4, cfg.DispatchConcurrency)
	assert.Equal(t, 30*time.Second, cfg.ActionTimeout)
	assert.Equal(t, 7*24*time.Hour, cfg.OutcomeRetention)
	assert.Equal(t, 5*time.Minute, cfg.AlertCooldown)
	assert.Equal(t, alerts.DefaultRules(), cfg.AlertRules)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("AEGIS_TOKEN", "from-env")
	t.Setenv("AEGIS_INTERVAL", "500ms")
	t.Setenv("AEGIS_HISTORY_SIZE", "120")
	t.Setenv("AEGIS_DISABLE_DOCKER", "true")

	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Token)
	assert.Equal(t, 500*time.Millisecond, cfg.Interval)
	assert.Equal(t, 120, cfg.HistorySize)
	assert.True(t, cfg.DisableDocker)
	require.NoError(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	t.Setenv("AEGIS_TOKEN", "")

	path := filepath.Join(t.TempDir(), "aegis.yaml")
	body := `
token: from-file
http_addr: 127.0.0.1:7000
interval: 2s
alert_rules:
  - id: cpu_warn
    metric: cpu
    threshold: 75
    enabled: true
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.Token)
	assert.Equal(t, "127.0.0.1:7000", cfg.HTTPAddr)
	assert.Equal(t, 2*time.Second, cfg.Interval)
	require.Len(t, cfg.AlertRules, 1)
	assert.Equal(t, alerts.Rule{ID: "cpu_warn", Metric: alerts.MetricCPU, Threshold: 75, Enabled: true}, cfg.AlertRules[0])
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	assert.Error(t, err)
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("AEGIS_TOKEN", "from-env")
	t.Setenv("AEGIS_HTTP_ADDR", ":1111")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("http-addr", ":8080", "")
	flags.String("token", "", "")
	flags.String("config", "", "")
	require.NoError(t, flags.Parse([]string{"--http-addr", ":2222"}))

	cfg, err := Load("", flags)
	require.NoError(t, err)

	assert.Equal(t, ":2222", cfg.HTTPAddr)
	// Unset flags do not mask the environment.
	assert.Equal(t, "from-env", cfg.Token)
}

func TestValidateRequiresToken(t *testing.T) {
	t.Setenv("AEGIS_TOKEN", "")

	cfg, err := Load("", nil)
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token is required")
}

func TestValidateAggregatesErrors(t *testing.T) {
	cfg := &Config{
		Token:       "x",
		HTTPAddr:    ":8080",
		Interval:    time.Millisecond,
		HistorySize: 0,
		LogLevel:    "loud",
		LogFormat:   "xml",
		AlertRules:  []alerts.Rule{{ID: "disk", Metric: "disk"}},
	}

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"interval", "history_size", "log level", "log_format", "unknown metric"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer

	logger, err := NewLogger("warn", "json", &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "component", "test")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.True(t, strings.Contains(out, `"msg":"shown"`))
	assert.True(t, strings.Contains(out, `"component":"test"`))

	_, err = NewLogger("info", "xml", &buf)
	assert.Error(t, err)
	_, err = NewLogger("loud", "text", &buf)
	assert.Error(t, err)
}
