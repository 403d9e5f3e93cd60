package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServiceConfig describes one backend service known to the gateway.
type ServiceConfig struct {
	Name       string `mapstructure:"name"`
	BaseURL    string `mapstructure:"base_url"`
	HealthPath string `mapstructure:"health_path"`
}

// RateLimitOverride replaces the default limit for a single service.
type RateLimitOverride struct {
	Service       string `mapstructure:"service"`
	Limit         int    `mapstructure:"limit"`
	WindowSeconds int    `mapstructure:"window_seconds"`
}

// Config is the full gateway configuration.
type Config struct {
	Server struct {
		ListenAddress          string `mapstructure:"listen_address"`
		Port                   int    `mapstructure:"port"`
		ShutdownTimeoutSeconds int    `mapstructure:"shutdown_timeout_seconds"`
	} `mapstructure:"server"`

	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`

	Services []ServiceConfig `mapstructure:"services"`

	RateLimit struct {
		Limit         int                 `mapstructure:"limit"`
		WindowSeconds int                 `mapstructure:"window_seconds"`
		Overrides     []RateLimitOverride `mapstructure:"overrides"`
	} `mapstructure:"rate_limit"`

	Auth struct {
		Secret            string   `mapstructure:"secret"`
		ProtectedServices []string `mapstructure:"protected_services"`
	} `mapstructure:"auth"`

	Proxy struct {
		TimeoutSeconds int `mapstructure:"timeout_seconds"`
	} `mapstructure:"proxy"`

	Health struct {
		TimeoutSeconds int `mapstructure:"timeout_seconds"`
	} `mapstructure:"health"`

	Store struct {
		Backend      string `mapstructure:"backend"`
		RedisAddress string `mapstructure:"redis_address"`
	} `mapstructure:"store"`
}

// Load reads configuration from a file and environment variables.
// Env vars use the EDGEGATE_ prefix with underscores, e.g.
// EDGEGATE_SERVER_PORT=9000 overrides server.port.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/edgegate")
	}
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine, everything has defaults or
		// comes from the environment. Other read errors are not.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("EDGEGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_address", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout_seconds", 30)

	v.SetDefault("log.level", "info")

	v.SetDefault("rate_limit.limit", 100)
	v.SetDefault("rate_limit.window_seconds", 60)

	v.SetDefault("proxy.timeout_seconds", 30)
	v.SetDefault("health.timeout_seconds", 5)

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.redis_address", "localhost:6379")
}

// Validate checks the configuration for mistakes that would only
// surface at request time otherwise.
func (c *Config) Validate() error {
	if len(c.Services) == 0 {
		return fmt.Errorf("config: at least one service must be registered")
	}
	seen := make(map[string]bool, len(c.Services))
	for _, svc := range c.Services {
		if svc.Name == "" {
			return fmt.Errorf("config: service with empty name")
		}
		if seen[svc.Name] {
			return fmt.Errorf("config: duplicate service %q", svc.Name)
		}
		seen[svc.Name] = true
		if !strings.HasPrefix(svc.BaseURL, "http://") && !strings.HasPrefix(svc.BaseURL, "https://") {
			return fmt.Errorf("config: service %q has invalid base_url %q", svc.Name, svc.BaseURL)
		}
	}

	if c.RateLimit.Limit <= 0 {
		return fmt.Errorf("config: rate_limit.limit must be positive")
	}
	if c.RateLimit.WindowSeconds <= 0 {
		return fmt.Errorf("config: rate_limit.window_seconds must be positive")
	}
	for _, o := range c.RateLimit.Overrides {
		if !seen[o.Service] {
			return fmt.Errorf("config: rate limit override for unknown service %q", o.Service)
		}
		if o.Limit <= 0 || o.WindowSeconds <= 0 {
			return fmt.Errorf("config: rate limit override for %q must have positive limit and window", o.Service)
		}
	}

	for _, name := range c.Auth.ProtectedServices {
		if !seen[name] {
			return fmt.Errorf("config: protected service %q is not registered", name)
		}
	}
	if len(c.Auth.ProtectedServices) > 0 && c.Auth.Secret == "" {
		return fmt.Errorf("config: auth.secret is required when services are protected")
	}

	switch c.Store.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: unsupported store backend %q", c.Store.Backend)
	}
	return nil
}

// ListenAddr returns the host:port the gateway binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.ListenAddress, c.Server.Port)
}

// ProxyTimeout returns the hard deadline for upstream calls.
func (c *Config) ProxyTimeout() time.Duration {
	return time.Duration(c.Proxy.TimeoutSeconds) * time.Second
}

// HealthTimeout returns the per-probe deadline for health checks.
func (c *Config) HealthTimeout() time.Duration {
	return time.Duration(c.Health.TimeoutSeconds) * time.Second
}

// ShutdownTimeout returns how long graceful shutdown may take.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}
