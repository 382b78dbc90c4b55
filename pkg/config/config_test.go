package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/trackgate/pkg/observability"
)

// setRequiredEnv sets the variables without which Validate rejects the
// configuration outright.
func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("TRACKGATE_UPSTREAM_URL", "http://tracking:5000")
	t.Setenv("TRACKGATE_POSTGRES_URL", "postgres://localhost/trackgate")
}

func TestLoadConfig_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, "0.0.0.0:9090", cfg.Server.HealthAddr())
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
	assert.Empty(t, cfg.Redis.URL)
	assert.True(t, cfg.Audit.Enabled)
	assert.Equal(t, "db", cfg.Audit.Sink)
	assert.Equal(t, observability.InfoLevel, cfg.Observability.LogLevel)
	assert.False(t, cfg.Observability.OTelEnabled)
	assert.Empty(t, cfg.PolicyPath)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TRACKGATE_PORT", "8888")
	t.Setenv("TRACKGATE_READ_TIMEOUT", "5s")
	t.Setenv("TRACKGATE_POSTGRES_MAX_CONNS", "3")
	t.Setenv("TRACKGATE_AUDIT_SINK", "file")
	t.Setenv("TRACKGATE_AUDIT_FILE", "/var/log/audit.ndjson")
	t.Setenv("TRACKGATE_LOG_LEVEL", "debug")
	t.Setenv("TRACKGATE_OTEL_ENABLED", "1")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "8888", cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 3, cfg.Database.MaxOpenConns)
	assert.Equal(t, "file", cfg.Audit.Sink)
	assert.Equal(t, observability.DebugLevel, cfg.Observability.LogLevel)
	assert.True(t, cfg.Observability.OTelEnabled)
}

func TestLoadConfig_UnparseableValuesFallBack(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TRACKGATE_READ_TIMEOUT", "not-a-duration")
	t.Setenv("TRACKGATE_POSTGRES_MAX_CONNS", "many")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
}

func TestLoadConfig_ValidationFailures(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"missing upstream", map[string]string{
			"TRACKGATE_UPSTREAM_URL": "",
			"TRACKGATE_POSTGRES_URL": "postgres://localhost/trackgate",
		}},
		{"non-http upstream", map[string]string{
			"TRACKGATE_UPSTREAM_URL": "tracking:5000",
			"TRACKGATE_POSTGRES_URL": "postgres://localhost/trackgate",
		}},
		{"missing postgres", map[string]string{
			"TRACKGATE_UPSTREAM_URL": "http://tracking:5000",
			"TRACKGATE_POSTGRES_URL": "",
		}},
		{"port collision", map[string]string{
			"TRACKGATE_UPSTREAM_URL": "http://tracking:5000",
			"TRACKGATE_POSTGRES_URL": "postgres://localhost/trackgate",
			"TRACKGATE_PORT":         "9090",
		}},
		{"bad audit sink", map[string]string{
			"TRACKGATE_UPSTREAM_URL": "http://tracking:5000",
			"TRACKGATE_POSTGRES_URL": "postgres://localhost/trackgate",
			"TRACKGATE_AUDIT_SINK":   "syslog",
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}
