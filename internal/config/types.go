package config

import "time"

// Config is the on-disk shape of a client configuration. Durations use
// Go syntax ("250ms", "5m"); zero timeouts mean unlimited.
type Config struct {
	Dispatcher DispatcherConfig `yaml:"dispatcher" mapstructure:"dispatcher"`
	Pool       PoolConfig       `yaml:"pool" mapstructure:"pool"`
	Timeouts   TimeoutConfig    `yaml:"timeouts" mapstructure:"timeouts"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Policies   []PolicyConfig   `yaml:"policies" mapstructure:"policies"`
	Logging    LoggingConfig    `yaml:"logging" mapstructure:"logging"`
}

type DispatcherConfig struct {
	MaxRequests        int `yaml:"max_requests" mapstructure:"max_requests"`
	MaxRequestsPerHost int `yaml:"max_requests_per_host" mapstructure:"max_requests_per_host"`
}

type PoolConfig struct {
	MaxIdleConnections int           `yaml:"max_idle_connections" mapstructure:"max_idle_connections"`
	KeepAliveDuration  time.Duration `yaml:"keep_alive_duration" mapstructure:"keep_alive_duration"`
}

type TimeoutConfig struct {
	Connect time.Duration `yaml:"connect" mapstructure:"connect"`
	Read    time.Duration `yaml:"read" mapstructure:"read"`
	Write   time.Duration `yaml:"write" mapstructure:"write"`
	Call    time.Duration `yaml:"call" mapstructure:"call"`
	Ping    time.Duration `yaml:"ping" mapstructure:"ping"`
}

type RetryConfig struct {
	OnConnectionFailure bool `yaml:"on_connection_failure" mapstructure:"on_connection_failure"`
	FastFallback        bool `yaml:"fast_fallback" mapstructure:"fast_fallback"`
	MaxTunnelAttempts   int  `yaml:"max_tunnel_attempts" mapstructure:"max_tunnel_attempts"`
}

// PolicyConfig keeps warm capacity for one origin.
type PolicyConfig struct {
	Host                   string        `yaml:"host" mapstructure:"host"`
	Port                   int           `yaml:"port" mapstructure:"port"`
	MinimumConcurrentCalls int           `yaml:"minimum_concurrent_calls" mapstructure:"minimum_concurrent_calls"`
	BackoffDelay           time.Duration `yaml:"backoff_delay" mapstructure:"backoff_delay"`
	BackoffJitter          time.Duration `yaml:"backoff_jitter" mapstructure:"backoff_jitter"`
}

type LoggingConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	LogDir     string `yaml:"log_dir" mapstructure:"log_dir"`
	FileOutput bool   `yaml:"file_output" mapstructure:"file_output"`
}
