package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"svckit/status"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{EnvBackend, EnvEtcdEndpoints, EnvConsulAddress, EnvConsulToken} {
		t.Setenv(key, "")
	}
}

func TestParseDefaults(t *testing.T) {
	clearEnv(t)
	c, err := Parse([]byte("backend:\n  kind: etcd\n"))
	require.NoError(t, err)

	assert.Equal(t, []string{"127.0.0.1:2379"}, c.Backend.Endpoints)
	assert.Equal(t, "/services", c.Backend.Prefix)
	assert.Equal(t, 61*time.Second, c.Registration.TTL.ToDuration())
	assert.Equal(t, 3, c.Registration.MaxRenewalFailures)
	assert.Equal(t, "info", c.LogLevel)
	assert.InDelta(t, float64(61*time.Second)/3, float64(c.Registration.HeartbeatInterval()), float64(time.Millisecond))
}

func TestParseFullDocument(t *testing.T) {
	clearEnv(t)
	doc := `
backend:
  kind: consul
  address: consul.internal:8500
  wait_time: 10s
registration:
  ttl: 10s
  heartbeat_fraction: 0.3
  max_renewal_failures: 2
  deregister_timeout: 500ms
discovery:
  poll_interval: 1s
  resync_interval: 1m
middleware:
  order: [recover, request_id, logging, timeout]
  timeout: 2s
  rate_limit:
    rate: 50
    burst: 10
log_level: debug
`
	c, err := Parse([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, BackendConsul, c.Backend.Kind)
	assert.Equal(t, "consul.internal:8500", c.Backend.Address)
	assert.Equal(t, 10*time.Second, c.Backend.WaitTime.ToDuration())
	assert.Equal(t, 3*time.Second, c.Registration.HeartbeatInterval())
	assert.Equal(t, 500*time.Millisecond, c.Registration.DeregisterTimeout.ToDuration())
	assert.Equal(t, time.Minute, c.Discovery.ResyncInterval.ToDuration())
	assert.Equal(t, []string{"recover", "request_id", "logging", "timeout"}, c.Middleware.Order)
	assert.Equal(t, 10, c.Middleware.RateLimit.Burst)
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvBackend, "consul")
	t.Setenv(EnvConsulToken, "secret")

	c, err := Parse([]byte("backend:\n  kind: etcd\n"))
	require.NoError(t, err)
	assert.Equal(t, BackendConsul, c.Backend.Kind)
	assert.Equal(t, "http://127.0.0.1:8500", c.Backend.Address)
	assert.Equal(t, "secret", c.Backend.Token)

	c = new(Config)
	c.ApplyEnv(func(key string) (string, bool) {
		if key == EnvEtcdEndpoints {
			return "a:2379, b:2379,", true
		}
		return "", false
	})
	assert.Equal(t, []string{"a:2379", "b:2379"}, c.Backend.Endpoints)
}

func TestValidateCollectsEveryViolation(t *testing.T) {
	c := Default()
	c.Backend.Kind = "zookeeper"
	c.Registration.HeartbeatFraction = 1.5
	c.Middleware.Order = []string{"logging", "logging"}

	err := c.Validate()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 3)
	assert.Contains(t, err.Error(), `backend.kind "zookeeper" is unknown`)
	assert.Contains(t, err.Error(), "heartbeat_fraction")
	assert.Contains(t, err.Error(), `lists "logging" twice`)
}

func TestParseErrors(t *testing.T) {
	clearEnv(t)
	_, err := Parse([]byte("registration:\n  ttl: soon\n"))
	assert.True(t, status.Is(err, status.InvalidArgument))

	_, err = Parse([]byte("unknown_key: 1\n"))
	assert.True(t, status.Is(err, status.InvalidArgument))

	_, err = Parse([]byte("registration:\n  ttl: 100ms\n"))
	assert.True(t, status.Is(err, status.InvalidArgument))
}

func TestLoad(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "svckit.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend:\n  kind: memory\n"), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, c.Backend.Kind)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, status.Is(err, status.InvalidArgument))
}
