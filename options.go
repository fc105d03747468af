package porter

import (
	"time"

	"github.com/thushan/porter/internal/core/domain"
	"github.com/thushan/porter/internal/core/ports"
	"github.com/thushan/porter/internal/logger"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultReadTimeout    = 10 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
)

// Options is the full client configuration. Zero request limits,
// keep-alive and collaborators mean defaults; a zero MaxIdleConnections
// keeps no idle carriers, zero timeouts mean no limit, matching the
// config loader's validation, and the boolean switches are off unless
// set (DefaultOptions turns them on).
type Options struct {
	// Dispatcher limits.
	MaxRequests        int
	MaxRequestsPerHost int
	IdleCallback       func()

	// Pool tuning.
	MaxIdleConnections int
	KeepAliveDuration  time.Duration

	// Timeouts. Zero disables the limit.
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	CallTimeout    time.Duration
	PingInterval   time.Duration

	// Retry behaviour.
	RetryOnConnectionFailure bool
	FastFallback             bool

	// MaxTunnelAttempts bounds the proxy CONNECT auth loop.
	MaxTunnelAttempts int

	// Collaborators. Nil fields get working defaults; TLSFactory nil
	// means every request is cleartext.
	DNS                DNS
	SocketFactory      SocketFactory
	TLSFactory         TLSSocketFactory
	HostnameVerifier   HostnameVerifier
	Pinner             CertificatePinner
	ProxyAuth          ProxyAuthenticator
	FixedProxy         *Proxy
	ProxySelector      ProxySelector
	Protocols          []Protocol
	ConnectionSpecs    []domain.ConnectionSpec

	ConnectionListener ports.ConnectionListener

	// EventListenerFactory builds one listener per call. Nil means no
	// call events.
	EventListenerFactory func() ports.EventListener

	Logger logger.StyledLogger
}

// DefaultOptions mirrors the documented defaults.
func DefaultOptions() Options {
	return Options{
		MaxRequests:              64,
		MaxRequestsPerHost:       5,
		MaxIdleConnections:       5,
		KeepAliveDuration:        5 * time.Minute,
		ConnectTimeout:           DefaultConnectTimeout,
		ReadTimeout:              DefaultReadTimeout,
		WriteTimeout:             DefaultWriteTimeout,
		RetryOnConnectionFailure: true,
		FastFallback:             true,
	}
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.MaxRequests < 1 {
		out.MaxRequests = 64
	}
	if out.MaxRequestsPerHost < 1 {
		out.MaxRequestsPerHost = 5
	}
	if out.MaxIdleConnections < 0 {
		out.MaxIdleConnections = 5
	}
	if out.KeepAliveDuration <= 0 {
		out.KeepAliveDuration = 5 * time.Minute
	}
	if out.DNS == nil {
		out.DNS = domain.SystemDNS{}
	}
	if out.SocketFactory == nil {
		out.SocketFactory = domain.DefaultSocketFactory()
	}
	if out.HostnameVerifier == nil {
		out.HostnameVerifier = domain.StrictHostnameVerifier{}
	}
	if out.Pinner == nil {
		out.Pinner = domain.NoCertificatePinner()
	}
	if out.ProxyAuth == nil {
		out.ProxyAuth = domain.NoProxyAuthenticator()
	}
	if out.ProxySelector == nil && out.FixedProxy == nil {
		out.ProxySelector = domain.DirectOnlySelector{}
	}
	if len(out.Protocols) == 0 {
		out.Protocols = []Protocol{ProtocolHTTP2, ProtocolHTTP11}
	}
	if len(out.ConnectionSpecs) == 0 {
		out.ConnectionSpecs = domain.DefaultConnectionSpecs()
	}
	if out.Logger == nil {
		out.Logger = logger.NewDiscard()
	}
	return out
}
