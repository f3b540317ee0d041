// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, and validation

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalRouter = `
server:
  grpc_addr: "0.0.0.0:50051"
  http_addr: "0.0.0.0:8080"
database:
  path: "./test.db"
`

func TestLoad_ValidConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "router.yaml")
	content := `
server:
  grpc_addr: "0.0.0.0:50051"
  http_addr: "0.0.0.0:8080"

database:
  path: "./test.db"

redis:
  enabled: true
  addr: "localhost:6379"

registry:
  sweep_interval: "5s"
  mia_after: "20s"
  deregister_after: "2m"
  retention: "1h"
  max_states: 10

health_probe:
  enabled: true
  interval: "15s"
  timeout: "2s"

router:
  resolver: "round-robin"
  invoke_timeout: "10s"
  max_concurrent: 8

namespaces:
  max: 4

events:
  subscriber_buffer: 16
  overflow: "disconnect"

logging:
  level: "debug"
  format: "json"
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:50051", cfg.Server.GRPCAddr)
	assert.Equal(t, "./test.db", cfg.Database.Path)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "caprouter:namespaces", cfg.Redis.Key)
	assert.Equal(t, 5*time.Second, cfg.Registry.SweepInterval)
	assert.Equal(t, 20*time.Second, cfg.Registry.MIAAfter)
	assert.Equal(t, 2*time.Minute, cfg.Registry.DeregisterAfter)
	assert.Equal(t, time.Hour, cfg.Registry.Retention)
	assert.Equal(t, 10, cfg.Registry.MaxStates)
	assert.True(t, cfg.HealthProbe.Enabled)
	assert.Equal(t, 15*time.Second, cfg.HealthProbe.Interval)
	assert.Equal(t, 2*time.Second, cfg.HealthProbe.Timeout)
	assert.Equal(t, "round-robin", cfg.Router.Resolver)
	assert.Equal(t, 10*time.Second, cfg.Router.InvokeTimeout)
	assert.Equal(t, 8, cfg.Router.MaxConcurrent)
	assert.Equal(t, 4, cfg.Namespaces.Max)
	assert.Equal(t, 16, cfg.Events.SubscriberBuffer)
	assert.Equal(t, "disconnect", cfg.Events.Overflow)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalRouter))
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.Registry.SweepInterval)
	assert.Equal(t, 30*time.Second, cfg.Registry.MIAAfter)
	assert.Equal(t, 5*time.Minute, cfg.Registry.DeregisterAfter)
	assert.Equal(t, 10*time.Minute, cfg.Registry.Retention)
	assert.Equal(t, 100, cfg.Registry.MaxStates)
	assert.False(t, cfg.HealthProbe.Enabled)
	assert.Equal(t, "first-available", cfg.Router.Resolver)
	assert.Equal(t, 30*time.Second, cfg.Router.InvokeTimeout)
	assert.Equal(t, 64, cfg.Router.MaxConcurrent)
	assert.Equal(t, 10, cfg.Namespaces.Max)
	assert.Equal(t, "drop-oldest", cfg.Events.Overflow)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestParse_ExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_DB_PATH", "/tmp/router.db")
	t.Setenv("TEST_JWT_SECRET", "0123456789abcdef0123456789abcdef")

	cfg, err := Parse([]byte(`
server:
  grpc_addr: ":50051"
  http_addr: ":8080"
database:
  path: "${TEST_DB_PATH}"
auth:
  jwt_secret: "${TEST_JWT_SECRET}"
`))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/router.db", cfg.Database.Path)
	assert.Equal(t, "0123456789abcdef0123456789abcdef", cfg.Auth.JWTSecret)
}

func TestExpandEnvVars_UnsetBecomesEmpty(t *testing.T) {
	assert.Equal(t, "a--b", expandEnvVars("a-${CAPROUTER_SURELY_UNSET_VAR}-b"))
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		extra   string
		base    string
		wantErr string
	}{
		{
			name:    "missing grpc addr",
			base:    "database:\n  path: x\nserver:\n  http_addr: \":8080\"\n",
			wantErr: "server.grpc_addr is required",
		},
		{
			name:    "missing database",
			base:    "server:\n  grpc_addr: \":1\"\n  http_addr: \":2\"\n",
			wantErr: "database.path is required",
		},
		{
			name:    "tailscale without hostname",
			base:    "database:\n  path: x\ntailscale:\n  enabled: true\n",
			wantErr: "tailscale.hostname is required",
		},
		{
			name:    "short jwt secret",
			base:    minimalRouter,
			extra:   "auth:\n  jwt_secret: short\n",
			wantErr: "at least 32 bytes",
		},
		{
			name:    "mia not before deregister",
			base:    minimalRouter,
			extra:   "registry:\n  mia_after: 10m\n  deregister_after: 5m\n",
			wantErr: "must be shorter",
		},
		{
			name:    "bad resolver",
			base:    minimalRouter,
			extra:   "router:\n  resolver: random\n",
			wantErr: "router.resolver",
		},
		{
			name:    "bad overflow",
			base:    minimalRouter,
			extra:   "events:\n  overflow: block\n",
			wantErr: "events.overflow",
		},
		{
			name:    "redis without addr",
			base:    minimalRouter,
			extra:   "redis:\n  enabled: true\n",
			wantErr: "redis.addr is required",
		},
		{
			name:    "bad duration",
			base:    minimalRouter,
			extra:   "registry:\n  mia_after: soon\n",
			wantErr: "registry.mia_after",
		},
		{
			name:    "negative duration",
			base:    minimalRouter,
			extra:   "router:\n  invoke_timeout: -1s\n",
			wantErr: "must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.base + tt.extra))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("CAPROUTER_CONFIG", "/etc/caprouter.yaml")
	assert.Equal(t, "/etc/caprouter.yaml", DefaultPath())

	t.Setenv("CAPROUTER_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	assert.Equal(t, filepath.Join("/xdg", "caprouter", "router.yaml"), DefaultPath())
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("CAPROUTER_DOTENV_TEST=from-file\n"), 0644))

	t.Setenv("CAPROUTER_DOTENV_TEST", "")
	os.Unsetenv("CAPROUTER_DOTENV_TEST")

	require.NoError(t, LoadDotEnv(envFile, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "from-file", os.Getenv("CAPROUTER_DOTENV_TEST"))
}

const capabilityTOML = `
[service]
name = "search"
type = "tool-invoker"
home = "${TEST_CAP_HOME}"

[server]
addr = "127.0.0.1:7001"
advertise_host = "127.0.0.1"
advertise_port = 7001

[registration]
router_addr = "127.0.0.1:50051"
token = "tok"
interval = "5s"
initial_delay = "100ms"
retry_wait = "1s"
retries = 2
ping = true

[logging]
level = "debug"

[properties.query]
type = "string"
description = "search query"
required = true
`

func TestParseCapability(t *testing.T) {
	t.Setenv("TEST_CAP_HOME", "/srv/search")

	cfg, err := ParseCapability([]byte(capabilityTOML))
	require.NoError(t, err)

	assert.Equal(t, "search", cfg.Service.Name)
	assert.Equal(t, "tool-invoker", cfg.Service.Type)
	assert.Equal(t, "/srv/search", cfg.Service.Home)
	assert.Equal(t, 7001, cfg.Server.AdvertisePort)
	assert.Equal(t, 5*time.Second, cfg.Registration.Interval)
	assert.Equal(t, 100*time.Millisecond, cfg.Registration.InitialDelay)
	assert.Equal(t, time.Second, cfg.Registration.RetryWait)
	assert.Equal(t, 2, cfg.Registration.Retries)
	assert.True(t, cfg.Registration.Ping)
	assert.Equal(t, "text", cfg.Logging.Format)
	require.Contains(t, cfg.Properties, "query")
	assert.True(t, cfg.Properties["query"].Required)
}

func TestParseCapability_Invalid(t *testing.T) {
	_, err := ParseCapability([]byte(`
[service]
name = "x"
type = "something"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service.type")

	_, err = ParseCapability([]byte(`
[service]
name = "x"
type = "resource-provider"
[server]
addr = ":1"
advertise_host = "h"
advertise_port = 70000
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "advertise_port")
}

func TestLoadCapability_File(t *testing.T) {
	t.Setenv("TEST_CAP_HOME", "")
	path := filepath.Join(t.TempDir(), "cap.toml")
	require.NoError(t, os.WriteFile(path, []byte(capabilityTOML), 0644))

	cfg, err := LoadCapability(path)
	require.NoError(t, err)
	assert.Equal(t, ".", cfg.Service.Home)
}
