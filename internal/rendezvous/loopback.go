package rendezvous

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Loopback is an in-process rendezvous service. It implements the full
// register/announce/achieve/synchronize protocol for federates living in one
// process, which is what the demo runner and the end-to-end tests use in
// place of a real federation.
//
// Callbacks are delivered in order from a single dispatcher goroutine, never
// from the goroutine that triggered them, matching the asynchrony of a real
// service ambassador.
type Loopback struct {
	mu        sync.Mutex
	cond      *sync.Cond
	federates map[string]*LoopbackFederate
	points    map[string]*loopbackPoint
	queue     []func()
	closed    bool
}

type loopbackPoint struct {
	tag          []byte
	participants map[string]bool // nil means the whole federation
	achievedBy   map[string]bool
}

// NewLoopback creates a loopback federation and starts its callback
// dispatcher. Call Close when done.
func NewLoopback() *Loopback {
	l := &Loopback{
		federates: make(map[string]*LoopbackFederate),
		points:    make(map[string]*loopbackPoint),
	}
	l.cond = sync.NewCond(&l.mu)
	go l.dispatch()
	return l
}

// Close stops callback delivery. Queued callbacks are dropped.
func (l *Loopback) Close() {
	l.mu.Lock()
	l.closed = true
	l.cond.Broadcast()
	l.mu.Unlock()
}

// Join adds a federate to the federation and returns its Service facade.
// The handler receives the asynchronous callbacks for that federate.
func (l *Loopback) Join(name string, handler CallbackHandler) *LoopbackFederate {
	l.mu.Lock()
	defer l.mu.Unlock()

	fed := &LoopbackFederate{
		federation: l,
		name:       name,
		handle:     uuid.NewString(),
		handler:    handler,
		member:     true,
	}
	l.federates[name] = fed
	return fed
}

func (l *Loopback) dispatch() {
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.cond.Wait()
		}
		if l.closed {
			l.mu.Unlock()
			return
		}
		cb := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()

		cb()
	}
}

// enqueue appends a callback for ordered asynchronous delivery. Callers must
// hold l.mu.
func (l *Loopback) enqueue(cb func()) {
	l.queue = append(l.queue, cb)
	l.cond.Signal()
}

// broadcastLocked queues a callback invocation for every joined federate
// still in the execution. Callers must hold l.mu.
func (l *Loopback) broadcastLocked(fn func(h CallbackHandler)) {
	for _, fed := range l.federates {
		if fed.member && fed.handler != nil {
			h := fed.handler
			l.enqueue(func() { fn(h) })
		}
	}
}

// requiredAchievers returns the set of federate names that must achieve the
// point before the federation synchronizes on it. Callers must hold l.mu.
func (l *Loopback) requiredAchievers(pt *loopbackPoint) int {
	if pt.participants != nil {
		return len(pt.participants)
	}
	n := 0
	for _, fed := range l.federates {
		if fed.member {
			n++
		}
	}
	return n
}

// LoopbackFederate is one federate's view of the loopback federation. It
// implements Service.
type LoopbackFederate struct {
	federation *Loopback
	name       string
	handle     string
	handler    CallbackHandler
	member     bool
}

var _ Service = (*LoopbackFederate)(nil)

// Handle returns the federate's unique handle within the federation.
func (f *LoopbackFederate) Handle() string {
	return f.handle
}

// Resign removes the federate from the execution. Subsequent liveness
// queries report false, which wait loops treat as fatal.
func (f *LoopbackFederate) Resign() {
	l := f.federation
	l.mu.Lock()
	f.member = false
	l.mu.Unlock()
}

// Register implements Service. The first registrant wins; later registrants
// get a registration-failed callback with ReasonLabelNotUnique. A successful
// registration is announced to the whole federation.
func (f *LoopbackFederate) Register(_ context.Context, label string, opts ...RegisterOption) error {
	req := NewRegisterRequest(label, opts...)

	l := f.federation
	l.mu.Lock()
	defer l.mu.Unlock()

	if !f.member {
		return &Error{Op: "register", Label: label, Reason: ReasonNotConnected}
	}

	if _, exists := l.points[label]; exists {
		if h := f.handler; h != nil {
			l.enqueue(func() { h.SyncPointRegistrationFailed(label, ReasonLabelNotUnique) })
		}
		return nil
	}

	pt := &loopbackPoint{
		achievedBy: make(map[string]bool),
	}
	if len(req.Participants) > 0 {
		pt.participants = make(map[string]bool, len(req.Participants)+1)
		for _, p := range req.Participants {
			pt.participants[p] = true
		}
		// The registrant always participates in its own point.
		pt.participants[f.name] = true
	}
	if req.Time != nil {
		pt.tag = []byte(fmt.Sprintf("time:%d", int64(*req.Time)))
	}
	l.points[label] = pt

	if h := f.handler; h != nil {
		l.enqueue(func() { h.SyncPointRegistrationSucceeded(label) })
	}
	tag := pt.tag
	l.broadcastLocked(func(h CallbackHandler) { h.SyncPointAnnounced(label, tag) })
	return nil
}

// Achieve implements Service. Achieving an unannounced label fails with the
// retryable ReasonNotAnnounced. When every required participant has
// achieved, the federation-synchronized callback is broadcast and the label
// is retired for reuse.
func (f *LoopbackFederate) Achieve(_ context.Context, label string) error {
	l := f.federation
	l.mu.Lock()
	defer l.mu.Unlock()

	if !f.member {
		return &Error{Op: "achieve", Label: label, Reason: ReasonNotConnected}
	}

	pt, exists := l.points[label]
	if !exists {
		return &Error{Op: "achieve", Label: label, Reason: ReasonNotAnnounced}
	}
	if pt.participants != nil && !pt.participants[f.name] {
		// Not a participant of this point; achieving it is a no-op.
		return nil
	}
	pt.achievedBy[f.name] = true

	if len(pt.achievedBy) >= l.requiredAchievers(pt) {
		delete(l.points, label)
		l.broadcastLocked(func(h CallbackHandler) { h.SyncPointFederationSynchronized(label) })
	}
	return nil
}

// IsExecutionMember implements Service.
func (f *LoopbackFederate) IsExecutionMember(_ context.Context) bool {
	l := f.federation
	l.mu.Lock()
	defer l.mu.Unlock()
	return f.member
}
