package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFromEnv_Defaults(t *testing.T) {
	cfg, err := NewFromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":8090", cfg.HTTP.Addr)
	assert.Equal(t, 10.0, cfg.HTTP.RateLimitRPS)
	assert.Equal(t, 20, cfg.HTTP.RateLimitBurst)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "freecadcmd", cfg.Convert.Command)
	assert.Equal(t, "./scripts/convert.py", cfg.Convert.Script)
	assert.Equal(t, 600*time.Second, cfg.Convert.Timeout)
	assert.Equal(t, 1, cfg.Convert.Workers)
	assert.Equal(t, 24*time.Hour, cfg.Convert.JobTTL)
	assert.True(t, cfg.Convert.PatternKill)
	assert.Equal(t, "*/30 * * * *", cfg.Cleanup.CronExpr)
	assert.Equal(t, 30*time.Minute, cfg.Cleanup.ProcessingGrace)
	assert.Equal(t, "info", cfg.System.LogLevel)
}

func TestNewFromEnv_Overrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9999")
	t.Setenv("FREECAD_CMD", "/opt/freecad/bin/freecadcmd")
	t.Setenv("CONVERT_TIMEOUT_SEC", "120")
	t.Setenv("CONVERT_WORKERS", "3")
	t.Setenv("JOB_TTL_HOURS", "48")
	t.Setenv("PATTERN_KILL", "false")
	t.Setenv("CLEANUP_PROCESSING_GRACE_MIN", "5")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := NewFromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.HTTP.Addr)
	assert.Equal(t, "/opt/freecad/bin/freecadcmd", cfg.Convert.Command)
	assert.Equal(t, 2*time.Minute, cfg.Convert.Timeout)
	assert.Equal(t, 3, cfg.Convert.Workers)
	assert.Equal(t, 48*time.Hour, cfg.Convert.JobTTL)
	assert.False(t, cfg.Convert.PatternKill)
	assert.Equal(t, 5*time.Minute, cfg.Cleanup.ProcessingGrace)
	assert.Equal(t, "debug", cfg.System.LogLevel)
}

func TestNewFromEnv_MalformedValuesFallBack(t *testing.T) {
	t.Setenv("CONVERT_TIMEOUT_SEC", "not-a-number")
	t.Setenv("PATTERN_KILL", "maybe")

	cfg, err := NewFromEnv()
	require.NoError(t, err)

	assert.Equal(t, 600*time.Second, cfg.Convert.Timeout)
	assert.True(t, cfg.Convert.PatternKill)
}

func TestNewFromEnv_Validation(t *testing.T) {
	t.Setenv("CONVERT_WORKERS", "0")

	_, err := NewFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CONVERT_WORKERS")
}

func TestNewFromEnv_Options(t *testing.T) {
	cfg, err := NewFromEnv(func(c *Config) {
		c.Convert.Workers = 2
	})
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Convert.Workers)
}
