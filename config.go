package porter

import (
	"github.com/thushan/porter/internal/config"
	"github.com/thushan/porter/internal/core/domain"
	"github.com/thushan/porter/internal/logger"
)

// NewClientFromConfigFile builds a client from a YAML file. The
// returned cleanup flushes the logger's file sink; call it when the
// client is closed.
func NewClientFromConfigFile(path string) (*Client, func(), error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}

	log, cleanup, err := logger.New(&logger.Config{
		Level:      cfg.Logging.Level,
		LogDir:     cfg.Logging.LogDir,
		FileOutput: cfg.Logging.FileOutput,
	})
	if err != nil {
		return nil, nil, err
	}

	opts := DefaultOptions()
	opts.MaxRequests = cfg.Dispatcher.MaxRequests
	opts.MaxRequestsPerHost = cfg.Dispatcher.MaxRequestsPerHost
	opts.MaxIdleConnections = cfg.Pool.MaxIdleConnections
	opts.KeepAliveDuration = cfg.Pool.KeepAliveDuration
	opts.ConnectTimeout = cfg.Timeouts.Connect
	opts.ReadTimeout = cfg.Timeouts.Read
	opts.WriteTimeout = cfg.Timeouts.Write
	opts.CallTimeout = cfg.Timeouts.Call
	opts.PingInterval = cfg.Timeouts.Ping
	opts.RetryOnConnectionFailure = cfg.Retry.OnConnectionFailure
	opts.FastFallback = cfg.Retry.FastFallback
	opts.MaxTunnelAttempts = cfg.Retry.MaxTunnelAttempts
	opts.Logger = log

	client := NewClient(opts)
	for _, p := range cfg.Policies {
		client.SetPolicy(p.Host, p.Port, domain.AddressPolicy{
			MinimumConcurrentCalls: p.MinimumConcurrentCalls,
			BackoffDelay:           p.BackoffDelay,
			BackoffJitter:          p.BackoffJitter,
		})
	}
	return client, cleanup, nil
}
