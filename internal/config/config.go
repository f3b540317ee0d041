// ABOUTME: Configuration loading and parsing for the capability router
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete router configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Tailscale   TailscaleConfig   `yaml:"tailscale"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Auth        AuthConfig        `yaml:"auth"`
	Registry    RegistryConfig    `yaml:"registry"`
	HealthProbe HealthProbeConfig `yaml:"health_probe"`
	Router      RouterConfig      `yaml:"router"`
	Namespaces  NamespacesConfig  `yaml:"namespaces"`
	Events      EventsConfig      `yaml:"events"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"` // serve HTTP over TLS with the tailnet certificate
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig selects the Redis namespace pool instead of SQLite.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

// RegistryConfig holds the liveness thresholds of the service registry
type RegistryConfig struct {
	SweepInterval   time.Duration `yaml:"-"`
	MIAAfter        time.Duration `yaml:"-"`
	DeregisterAfter time.Duration `yaml:"-"`
	Retention       time.Duration `yaml:"-"`
	MaxStates       int           `yaml:"max_states"`

	// Raw string values for YAML unmarshaling
	SweepIntervalRaw   string `yaml:"sweep_interval"`
	MIAAfterRaw        string `yaml:"mia_after"`
	DeregisterAfterRaw string `yaml:"deregister_after"`
	RetentionRaw       string `yaml:"retention"`
}

// HealthProbeConfig configures the active GetStatus prober
type HealthProbeConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"-"`
	Timeout     time.Duration `yaml:"-"`
	Concurrency int           `yaml:"concurrency"`

	IntervalRaw string `yaml:"interval"`
	TimeoutRaw  string `yaml:"timeout"`
}

// RouterConfig holds dispatch settings
type RouterConfig struct {
	Resolver      string        `yaml:"resolver"` // first-available, round-robin
	InvokeTimeout time.Duration `yaml:"-"`
	MaxConcurrent int           `yaml:"max_concurrent"`

	InvokeTimeoutRaw string `yaml:"invoke_timeout"`
}

// NamespacesConfig sizes the namespace pool
type NamespacesConfig struct {
	Max int `yaml:"max"`
}

// EventsConfig controls the registry event stream
type EventsConfig struct {
	SubscriberBuffer int    `yaml:"subscriber_buffer"`
	Overflow         string `yaml:"overflow"` // drop-oldest, disconnect
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultPath returns the router config path.
// Priority: CAPROUTER_CONFIG env var > XDG_CONFIG_HOME/caprouter/router.yaml > ~/.config/caprouter/router.yaml
func DefaultPath() string {
	if p := os.Getenv("CAPROUTER_CONFIG"); p != "" {
		return p
	}
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "router.yaml"
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "caprouter", "router.yaml")
}

// LoadDotEnv loads variables from .env files into the process environment
// without overriding ones already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values and defaults applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration content.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Registry.SweepInterval == 0 {
		c.Registry.SweepInterval = 10 * time.Second
	}
	if c.Registry.MIAAfter == 0 {
		c.Registry.MIAAfter = 30 * time.Second
	}
	if c.Registry.DeregisterAfter == 0 {
		c.Registry.DeregisterAfter = 5 * time.Minute
	}
	if c.Registry.Retention == 0 {
		c.Registry.Retention = 10 * time.Minute
	}
	if c.Registry.MaxStates == 0 {
		c.Registry.MaxStates = 100
	}
	if c.HealthProbe.Interval == 0 {
		c.HealthProbe.Interval = 30 * time.Second
	}
	if c.HealthProbe.Timeout == 0 {
		c.HealthProbe.Timeout = 5 * time.Second
	}
	if c.HealthProbe.Concurrency == 0 {
		c.HealthProbe.Concurrency = 8
	}
	if c.Router.Resolver == "" {
		c.Router.Resolver = "first-available"
	}
	if c.Router.InvokeTimeout == 0 {
		c.Router.InvokeTimeout = 30 * time.Second
	}
	if c.Router.MaxConcurrent == 0 {
		c.Router.MaxConcurrent = 64
	}
	if c.Namespaces.Max == 0 {
		c.Namespaces.Max = 10
	}
	if c.Events.SubscriberBuffer == 0 {
		c.Events.SubscriberBuffer = 64
	}
	if c.Events.Overflow == "" {
		c.Events.Overflow = "drop-oldest"
	}
	if c.Redis.Key == "" {
		c.Redis.Key = "caprouter:namespaces"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			return fmt.Errorf("server.grpc_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	if c.Registry.MIAAfter >= c.Registry.DeregisterAfter {
		return fmt.Errorf("registry.mia_after (%s) must be shorter than registry.deregister_after (%s)",
			c.Registry.MIAAfter, c.Registry.DeregisterAfter)
	}

	switch c.Router.Resolver {
	case "first-available", "round-robin":
	default:
		return fmt.Errorf("router.resolver must be first-available or round-robin, got %q", c.Router.Resolver)
	}

	switch c.Events.Overflow {
	case "drop-oldest", "disconnect":
	default:
		return fmt.Errorf("events.overflow must be drop-oldest or disconnect, got %q", c.Events.Overflow)
	}

	if c.Namespaces.Max < 0 {
		return fmt.Errorf("namespaces.max must be positive")
	}

	switch c.Logging.Format {
	case "text", "json", "color":
	default:
		return fmt.Errorf("logging.format must be text, json or color, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"registry.sweep_interval", cfg.Registry.SweepIntervalRaw, &cfg.Registry.SweepInterval},
		{"registry.mia_after", cfg.Registry.MIAAfterRaw, &cfg.Registry.MIAAfter},
		{"registry.deregister_after", cfg.Registry.DeregisterAfterRaw, &cfg.Registry.DeregisterAfter},
		{"registry.retention", cfg.Registry.RetentionRaw, &cfg.Registry.Retention},
		{"health_probe.interval", cfg.HealthProbe.IntervalRaw, &cfg.HealthProbe.Interval},
		{"health_probe.timeout", cfg.HealthProbe.TimeoutRaw, &cfg.HealthProbe.Timeout},
		{"router.invoke_timeout", cfg.Router.InvokeTimeoutRaw, &cfg.Router.InvokeTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
