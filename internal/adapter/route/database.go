// Package route turns an address into the concrete ways to reach it:
// proxy selection, DNS expansion, and the memory of which routes have
// recently let us down.
package route

import (
	"sync"

	"github.com/thushan/porter/internal/core/domain"
)

// Database remembers routes that failed recently so the selector can
// push them to the back of the attempt order. It is a hint store only;
// a postponed route is still tried once everything else has failed.
type Database struct {
	mu     sync.Mutex
	failed map[string]struct{}
}

func NewDatabase() *Database {
	return &Database{failed: make(map[string]struct{})}
}

func routeKey(r domain.Route) string {
	return r.Proxy.String() + "|" + r.SocketAddr.String() + "|" + r.Address.HostPort()
}

// Failed records a connect failure on the route.
func (d *Database) Failed(r domain.Route) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failed[routeKey(r)] = struct{}{}
}

// Connected clears the route's failure memory after a success.
func (d *Database) Connected(r domain.Route) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.failed, routeKey(r))
}

// ShouldPostpone reports whether the route failed recently.
func (d *Database) ShouldPostpone(r domain.Route) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.failed[routeKey(r)]
	return ok
}
