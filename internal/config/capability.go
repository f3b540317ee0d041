// ABOUTME: TOML configuration for capability services
// ABOUTME: Describes the service, where it listens, and how it registers with the router

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// CapabilityConfig is the configuration of one capability service.
type CapabilityConfig struct {
	Service      ServiceConfig             `toml:"service"`
	Server       CapabilityServerConfig    `toml:"server"`
	Registration RegistrationConfig        `toml:"registration"`
	Logging      LoggingConfig             `toml:"logging"`
	Properties   map[string]PropertyConfig `toml:"properties"`
}

// ServiceConfig names the service and its working directory.
type ServiceConfig struct {
	Name string `toml:"name"`
	Type string `toml:"type"` // tool-invoker, resource-provider
	Home string `toml:"home"` // identity and provisioned files live here
}

// CapabilityServerConfig holds the gRPC listener and the advertised address.
type CapabilityServerConfig struct {
	Addr          string `toml:"addr"`
	AdvertiseHost string `toml:"advertise_host"`
	AdvertisePort int    `toml:"advertise_port"`
}

// RegistrationConfig holds router connection and heartbeat settings.
type RegistrationConfig struct {
	RouterAddr   string        `toml:"router_addr"`
	Token        string        `toml:"token"`
	Ping         bool          `toml:"ping"`
	Retries      int           `toml:"retries"`
	Interval     time.Duration `toml:"-"`
	InitialDelay time.Duration `toml:"-"`
	RetryWait    time.Duration `toml:"-"`

	IntervalRaw     string `toml:"interval"`
	InitialDelayRaw string `toml:"initial_delay"`
	RetryWaitRaw    string `toml:"retry_wait"`
}

// PropertyConfig describes one provisioning property.
type PropertyConfig struct {
	Type        string `toml:"type"`
	Description string `toml:"description"`
	Required    bool   `toml:"required"`
}

// LoadCapability reads a capability config, expanding environment variables.
func LoadCapability(path string) (*CapabilityConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ParseCapability(data)
}

// ParseCapability decodes TOML capability configuration content.
func ParseCapability(data []byte) (*CapabilityConfig, error) {
	expanded := expandEnvVars(string(data))

	var cfg CapabilityConfig
	if _, err := toml.Decode(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	r := &cfg.Registration
	for _, f := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"registration.interval", r.IntervalRaw, &r.Interval},
		{"registration.initial_delay", r.InitialDelayRaw, &r.InitialDelay},
		{"registration.retry_wait", r.RetryWaitRaw, &r.RetryWait},
	} {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return nil, fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	if cfg.Service.Home == "" {
		cfg.Service.Home = "."
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// Validate checks that required config fields are present and valid.
func (c *CapabilityConfig) Validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("service.name is required")
	}
	switch c.Service.Type {
	case "tool-invoker", "resource-provider":
	default:
		return fmt.Errorf("service.type must be tool-invoker or resource-provider, got %q", c.Service.Type)
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.AdvertiseHost == "" {
		return fmt.Errorf("server.advertise_host is required")
	}
	if c.Server.AdvertisePort < 1 || c.Server.AdvertisePort > 65535 {
		return fmt.Errorf("server.advertise_port must be within 1-65535, got %d", c.Server.AdvertisePort)
	}
	if c.Registration.RouterAddr == "" {
		return fmt.Errorf("registration.router_addr is required")
	}
	if c.Registration.Retries < 0 {
		return fmt.Errorf("registration.retries must not be negative")
	}
	return nil
}
