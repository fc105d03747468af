// Package config loads client configuration from YAML through viper.
// Programmatic configuration is the primary path; the file loader
// exists for deployments that tune the engine without recompiling.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultMaxRequests        = 64
	DefaultMaxRequestsPerHost = 5
	DefaultMaxIdle            = 5
	DefaultKeepAlive          = 5 * time.Minute
	DefaultConnectTimeout     = 10 * time.Second
	DefaultReadTimeout        = 10 * time.Second
	DefaultWriteTimeout       = 10 * time.Second
)

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Dispatcher: DispatcherConfig{
			MaxRequests:        DefaultMaxRequests,
			MaxRequestsPerHost: DefaultMaxRequestsPerHost,
		},
		Pool: PoolConfig{
			MaxIdleConnections: DefaultMaxIdle,
			KeepAliveDuration:  DefaultKeepAlive,
		},
		Timeouts: TimeoutConfig{
			Connect: DefaultConnectTimeout,
			Read:    DefaultReadTimeout,
			Write:   DefaultWriteTimeout,
		},
		Retry: RetryConfig{
			OnConnectionFailure: true,
			FastFallback:        true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML file over the defaults. Environment variables with
// the PORTER_ prefix override file values, viper-style.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("PORTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dispatcher.max_requests", DefaultMaxRequests)
	v.SetDefault("dispatcher.max_requests_per_host", DefaultMaxRequestsPerHost)
	v.SetDefault("pool.max_idle_connections", DefaultMaxIdle)
	v.SetDefault("pool.keep_alive_duration", DefaultKeepAlive)
	v.SetDefault("timeouts.connect", DefaultConnectTimeout)
	v.SetDefault("timeouts.read", DefaultReadTimeout)
	v.SetDefault("timeouts.write", DefaultWriteTimeout)
	v.SetDefault("retry.on_connection_failure", true)
	v.SetDefault("retry.fast_fallback", true)
	v.SetDefault("logging.level", "info")
}

// Validate clamps nonsense to the documented minimums rather than
// failing startup for a tuning mistake.
func (c *Config) Validate() error {
	if c.Dispatcher.MaxRequests < 1 {
		c.Dispatcher.MaxRequests = 1
	}
	if c.Dispatcher.MaxRequestsPerHost < 1 {
		c.Dispatcher.MaxRequestsPerHost = 1
	}
	if c.Pool.MaxIdleConnections < 0 {
		c.Pool.MaxIdleConnections = 0
	}
	if c.Pool.KeepAliveDuration <= 0 {
		return fmt.Errorf("pool.keep_alive_duration must be positive, got %s", c.Pool.KeepAliveDuration)
	}
	for _, t := range []struct {
		name string
		d    time.Duration
	}{
		{"timeouts.connect", c.Timeouts.Connect},
		{"timeouts.read", c.Timeouts.Read},
		{"timeouts.write", c.Timeouts.Write},
		{"timeouts.call", c.Timeouts.Call},
		{"timeouts.ping", c.Timeouts.Ping},
	} {
		if t.d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", t.name, t.d)
		}
	}
	for i := range c.Policies {
		p := &c.Policies[i]
		if p.Host == "" {
			return fmt.Errorf("policies[%d].host is required", i)
		}
		if p.BackoffDelay <= 0 {
			p.BackoffDelay = 60 * time.Second
		}
		if p.BackoffJitter <= 0 {
			p.BackoffJitter = 100 * time.Millisecond
		}
	}
	return nil
}
