package render

import (
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"tilestream/internal/metrics"
)

// PassStatus is the handshake state between the loop worker and the
// consumer of its buffers.
type PassStatus int32

const (
	StatusWaiting PassStatus = iota
	StatusWorking
	StatusComplete
)

func (s PassStatus) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusWorking:
		return "working"
	case StatusComplete:
		return "complete"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// Loop runs compositor passes on one background goroutine. A request is
// picked up only while the loop is waiting; a finished pass stays complete
// until the consumer takes it with Consume.
type Loop struct {
	comp    *Compositor
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	mu      sync.Mutex
	cond    *sync.Cond
	status  PassStatus
	pending bool
	req     Request
	last    PassResult
	started bool
	closed  bool

	done      chan struct{}
	completed chan struct{}
}

// NewLoop creates a stopped loop around comp.
func NewLoop(comp *Compositor, log logrus.FieldLogger, m *metrics.Metrics) *Loop {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	if m == nil {
		m = comp.metrics
	}
	lp := &Loop{
		comp:      comp,
		log:       log,
		metrics:   m,
		done:      make(chan struct{}),
		completed: make(chan struct{}, 1),
	}
	lp.cond = sync.NewCond(&lp.mu)
	return lp
}

// Start launches the worker. Calling it twice is a no-op.
func (lp *Loop) Start() {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	if lp.started || lp.closed {
		return
	}
	lp.started = true
	go lp.run()
}

// Request queues req for the next pass. Requests arriving before the worker
// picks them up coalesce: the latest viewport wins and the widest scope is
// kept.
func (lp *Loop) Request(req Request) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	if lp.closed {
		return
	}
	if lp.pending && lp.req.Scope > req.Scope {
		req.Scope = lp.req.Scope
	}
	lp.req = req
	lp.pending = true
	lp.cond.Broadcast()
}

// Status returns the current handshake state.
func (lp *Loop) Status() PassStatus {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	return lp.status
}

// Pending reports whether a request waits for the worker.
func (lp *Loop) Pending() bool {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	return lp.pending
}

// Completed is signalled after every finished pass.
func (lp *Loop) Completed() <-chan struct{} {
	return lp.completed
}

// Consume hands the finished pass to fn and returns the loop to waiting.
// It returns false without calling fn unless a pass is complete. The
// compositor buffers are stable for the duration of fn.
func (lp *Loop) Consume(fn func(c *Compositor, res PassResult)) bool {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	if lp.status != StatusComplete {
		return false
	}
	if fn != nil {
		fn(lp.comp, lp.last)
	}
	lp.status = StatusWaiting
	lp.cond.Broadcast()
	return true
}

// Close stops the worker and waits for a running pass to finish.
func (lp *Loop) Close() {
	lp.mu.Lock()
	if lp.closed {
		lp.mu.Unlock()
		return
	}
	lp.closed = true
	started := lp.started
	lp.cond.Broadcast()
	lp.mu.Unlock()
	if started {
		<-lp.done
	}
}

func (lp *Loop) run() {
	defer close(lp.done)
	for {
		lp.mu.Lock()
		for !lp.closed && !(lp.status == StatusWaiting && lp.pending) {
			lp.cond.Wait()
		}
		if lp.closed {
			lp.mu.Unlock()
			return
		}
		req := lp.req
		lp.pending = false
		lp.status = StatusWorking
		lp.mu.Unlock()

		res, ok := lp.pass(req)

		lp.mu.Lock()
		if ok {
			lp.last = res
			lp.status = StatusComplete
		} else {
			lp.status = StatusWaiting
		}
		lp.cond.Broadcast()
		lp.mu.Unlock()

		if ok {
			select {
			case lp.completed <- struct{}{}:
			default:
			}
		}
	}
}

// pass runs one compositor pass; a panic abandons the pass and the loop
// goes back to waiting.
func (lp *Loop) pass(req Request) (res PassResult, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			lp.metrics.PassPanics.Inc()
			lp.log.WithField("scope", req.Scope).Errorf("compositor pass panicked: %v", r)
			ok = false
		}
	}()
	return lp.comp.Render(req), true
}
