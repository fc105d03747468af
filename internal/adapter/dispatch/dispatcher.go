// Package dispatch admits calls into execution under global and
// per-host concurrency limits. Async calls queue until a slot opens;
// sync calls only register so the idle signal and running count see them.
package dispatch

import (
	"sync"
	"sync/atomic"

	"github.com/thushan/porter/internal/core/domain"
	"github.com/thushan/porter/internal/logger"
)

const (
	DefaultMaxRequests        = 64
	DefaultMaxRequestsPerHost = 5
)

// AsyncCall is one queued asynchronous execution. Run is invoked on an
// executor goroutine and must report completion through FinishedAsync;
// Reject is invoked synchronously when the dispatcher is shut down.
type AsyncCall struct {
	Host   string
	Run    func()
	Reject func(err error)

	perHost *atomic.Int64
}

type Dispatcher struct {
	log logger.StyledLogger

	mu                 sync.Mutex
	maxRequests        int
	maxRequestsPerHost int
	idleCallback       func()

	readyAsync   []*AsyncCall
	runningAsync map[*AsyncCall]struct{}
	runningSync  int

	// perHost counters are shared by every queued and running async
	// call to the same host, so admission stays one atomic read.
	perHost map[string]*atomic.Int64

	shutdown bool
}

func New(log logger.StyledLogger) *Dispatcher {
	if log == nil {
		log = logger.NewDiscard()
	}
	return &Dispatcher{
		log:                log,
		maxRequests:        DefaultMaxRequests,
		maxRequestsPerHost: DefaultMaxRequestsPerHost,
		runningAsync:       make(map[*AsyncCall]struct{}),
		perHost:            make(map[string]*atomic.Int64),
	}
}

// SetMaxRequests adjusts the global limit and immediately promotes any
// newly admissible calls.
func (d *Dispatcher) SetMaxRequests(max int) {
	if max < 1 {
		max = 1
	}
	d.mu.Lock()
	d.maxRequests = max
	d.mu.Unlock()
	d.promoteAndExecute()
}

func (d *Dispatcher) SetMaxRequestsPerHost(max int) {
	if max < 1 {
		max = 1
	}
	d.mu.Lock()
	d.maxRequestsPerHost = max
	d.mu.Unlock()
	d.promoteAndExecute()
}

// SetIdleCallback registers the hook fired when the dispatcher drains.
func (d *Dispatcher) SetIdleCallback(fn func()) {
	d.mu.Lock()
	d.idleCallback = fn
	d.mu.Unlock()
}

// Enqueue admits an async call into the ready queue and tries to
// promote. The same host shares one counter across its calls.
func (d *Dispatcher) Enqueue(call *AsyncCall) {
	d.mu.Lock()
	counter, ok := d.perHost[call.Host]
	if !ok {
		counter = &atomic.Int64{}
		d.perHost[call.Host] = counter
	}
	call.perHost = counter
	d.readyAsync = append(d.readyAsync, call)
	d.mu.Unlock()

	d.promoteAndExecute()
}

// ExecutedSync registers a synchronous call as running.
func (d *Dispatcher) ExecutedSync() {
	d.mu.Lock()
	d.runningSync++
	d.mu.Unlock()
}

// FinishedSync retires a synchronous call.
func (d *Dispatcher) FinishedSync() {
	d.finished(func() {
		d.runningSync--
	})
}

// FinishedAsync retires an async call and frees its per-host slot. The
// host's counter is dropped once nothing references it, so a long-lived
// dispatcher does not keep a counter for every host it has ever seen.
func (d *Dispatcher) FinishedAsync(call *AsyncCall) {
	d.finished(func() {
		delete(d.runningAsync, call)
		if call.perHost.Add(-1) == 0 {
			d.pruneHostLocked(call.Host)
		}
	})
}

// pruneHostLocked removes a host's shared counter when no running call
// holds it and no ready call would re-use it. Caller holds mu.
func (d *Dispatcher) pruneHostLocked(host string) {
	for _, ready := range d.readyAsync {
		if ready.Host == host {
			return
		}
	}
	if counter, ok := d.perHost[host]; ok && counter.Load() == 0 {
		delete(d.perHost, host)
	}
}

func (d *Dispatcher) finished(remove func()) {
	d.mu.Lock()
	remove()
	idleFn := d.idleCallback
	d.mu.Unlock()

	promoted := d.promoteAndExecute()

	d.mu.Lock()
	isIdle := len(d.runningAsync) == 0 && d.runningSync == 0
	d.mu.Unlock()

	if !promoted && isIdle && idleFn != nil {
		idleFn()
	}
}

// promoteAndExecute moves admissible ready calls to running and starts
// them. Calls past the per-host limit are skipped, not dequeued, so
// ready order is preserved for the next pass.
func (d *Dispatcher) promoteAndExecute() bool {
	var toStart []*AsyncCall
	var toReject []*AsyncCall

	d.mu.Lock()
	if d.shutdown {
		toReject = d.readyAsync
		d.readyAsync = nil
	} else {
		remaining := d.readyAsync[:0]
		for _, call := range d.readyAsync {
			if len(d.runningAsync)+len(toStart) >= d.maxRequests {
				remaining = append(remaining, call)
				continue
			}
			if call.perHost.Load() >= int64(d.maxRequestsPerHost) {
				remaining = append(remaining, call)
				continue
			}
			call.perHost.Add(1)
			d.runningAsync[call] = struct{}{}
			toStart = append(toStart, call)
		}
		d.readyAsync = remaining
	}
	d.mu.Unlock()

	for _, call := range toReject {
		call.Reject(domain.ErrExecutorShutdown)
	}
	for _, call := range toStart {
		go call.Run()
	}
	return len(toStart) > 0
}

// Shutdown rejects all queued calls and every future Enqueue. Running
// calls finish naturally.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	d.shutdown = true
	d.mu.Unlock()
	d.promoteAndExecute()
}

func (d *Dispatcher) QueuedCallsCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.readyAsync)
}

func (d *Dispatcher) RunningCallsCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.runningAsync) + d.runningSync
}
