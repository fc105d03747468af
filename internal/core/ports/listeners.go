// Package ports holds the observer interfaces the engine reports into.
// Implementations are user-supplied; every hook fires outside internal
// locks, so a listener may block without stalling other carriers, but it
// must not re-enter the client synchronously while its call is active.
package ports

import (
	"net/netip"
	"time"

	"github.com/thushan/porter/internal/core/domain"
)

// CarrierInfo is the read-only view of a carrier handed to listeners.
type CarrierInfo interface {
	Route() domain.Route
	Protocol() domain.Protocol
	IdleSince() time.Time
}

// ConnectionListener observes the lifecycle of carriers.
type ConnectionListener interface {
	ConnectStart(route domain.Route)
	ConnectEnd(route domain.Route, protocol domain.Protocol)
	ConnectFailed(route domain.Route, err error)
	ConnectionAcquired(c CarrierInfo)
	ConnectionReleased(c CarrierInfo)
	NoNewExchanges(c CarrierInfo)
	ConnectionClosed(c CarrierInfo)
}

// NoopConnectionListener is embedded by partial listeners.
type NoopConnectionListener struct{}

func (NoopConnectionListener) ConnectStart(domain.Route)                   {}
func (NoopConnectionListener) ConnectEnd(domain.Route, domain.Protocol)    {}
func (NoopConnectionListener) ConnectFailed(domain.Route, error)           {}
func (NoopConnectionListener) ConnectionAcquired(CarrierInfo)              {}
func (NoopConnectionListener) ConnectionReleased(CarrierInfo)              {}
func (NoopConnectionListener) NoNewExchanges(CarrierInfo)                  {}
func (NoopConnectionListener) ConnectionClosed(CarrierInfo)                {}

// EventListener observes the lifecycle of a single call. One listener
// instance is scoped to one call; the engine never shares it.
type EventListener interface {
	CallStart()
	CallEnd()
	CallFailed(err error)
	Canceled()

	DNSStart(host string)
	DNSEnd(host string, addrs []netip.Addr)

	ConnectStart(route domain.Route)
	ConnectEnd(route domain.Route, protocol domain.Protocol)
	ConnectFailed(route domain.Route, err error)

	SecureConnectStart()
	SecureConnectEnd(handshake *domain.Handshake)

	ConnectionAcquired(c CarrierInfo)
	ConnectionReleased(c CarrierInfo)

	RequestHeadersStart()
	RequestHeadersEnd()
	RequestBodyStart()
	RequestBodyEnd(bytesWritten int64)

	ResponseHeadersStart()
	ResponseHeadersEnd(code int)
	ResponseBodyStart()
	ResponseBodyEnd(bytesRead int64)
}

// NoopEventListener is embedded by partial listeners.
type NoopEventListener struct{}

func (NoopEventListener) CallStart()                                    {}
func (NoopEventListener) CallEnd()                                      {}
func (NoopEventListener) CallFailed(error)                              {}
func (NoopEventListener) Canceled()                                     {}
func (NoopEventListener) DNSStart(string)                               {}
func (NoopEventListener) DNSEnd(string, []netip.Addr)                   {}
func (NoopEventListener) ConnectStart(domain.Route)                     {}
func (NoopEventListener) ConnectEnd(domain.Route, domain.Protocol)      {}
func (NoopEventListener) ConnectFailed(domain.Route, error)             {}
func (NoopEventListener) SecureConnectStart()                           {}
func (NoopEventListener) SecureConnectEnd(*domain.Handshake)            {}
func (NoopEventListener) ConnectionAcquired(CarrierInfo)                {}
func (NoopEventListener) ConnectionReleased(CarrierInfo)                {}
func (NoopEventListener) RequestHeadersStart()                          {}
func (NoopEventListener) RequestHeadersEnd()                            {}
func (NoopEventListener) RequestBodyStart()                             {}
func (NoopEventListener) RequestBodyEnd(int64)                          {}
func (NoopEventListener) ResponseHeadersStart()                         {}
func (NoopEventListener) ResponseHeadersEnd(int)                        {}
func (NoopEventListener) ResponseBodyStart()                            {}
func (NoopEventListener) ResponseBodyEnd(int64)                         {}
