// Package syncpoint implements named federation synchronization points: the
// per-point state machine, label-unique ordered lists with bulk
// register/achieve/wait operations, and the manager that routes labels and
// rendezvous-service callbacks across lists.
package syncpoint

import (
	"errors"
	"fmt"

	"github.com/jasonlharvey/TrickHLA/internal/timebase"
)

// State is the lifecycle state of a synchronization point. States are
// ordered; a point only ever moves forward through them until it is reset
// for reuse after federation synchronization.
type State int

const (
	// StateError marks a protocol violation; the label is unusable until
	// cleared.
	StateError State = iota

	// StateExists means the point is created locally but not yet registered.
	StateExists

	// StateRegistered means the registration reached the rendezvous service.
	StateRegistered

	// StateAnnounced means the service announced the point to the federation.
	StateAnnounced

	// StateAchieved means this federate achieved the point.
	StateAchieved

	// StateSynchronized means every participant achieved the point.
	StateSynchronized
)

func (s State) String() string {
	switch s {
	case StateError:
		return "error"
	case StateExists:
		return "exists"
	case StateRegistered:
		return "registered"
	case StateAnnounced:
		return "announced"
	case StateAchieved:
		return "achieved"
	case StateSynchronized:
		return "synchronized"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrInvalidTransition is returned by Mark* setters invoked out of order.
var ErrInvalidTransition = errors.New("invalid sync-point state transition")

// Point is one named synchronization point. A Point is owned by exactly one
// List, which serializes all access through its lock; Point itself carries
// no locking.
type Point struct {
	label string
	state State
	time  *timebase.Tick

	// syncGeneration counts completed synchronization cycles so a waiter
	// never misses the synchronized edge when another waiter resets the
	// point for reuse first.
	syncGeneration uint64
}

func newPoint(label string, at *timebase.Tick) *Point {
	return &Point{
		label: label,
		state: StateExists,
		time:  at,
	}
}

// Label returns the point's unique label.
func (p *Point) Label() string { return p.label }

// State returns the current lifecycle state.
func (p *Point) State() State { return p.state }

// Time returns the optional logical timestamp for time-stamped registration,
// or nil.
func (p *Point) Time() *timebase.Tick { return p.time }

// Exists reports the point is created but not yet registered.
func (p *Point) Exists() bool { return p.state == StateExists }

// IsRegistered reports the point reached at least the registered state.
func (p *Point) IsRegistered() bool { return p.state >= StateRegistered }

// IsAnnounced reports the point reached at least the announced state.
func (p *Point) IsAnnounced() bool { return p.state >= StateAnnounced }

// IsAchieved reports the point reached at least the achieved state.
func (p *Point) IsAchieved() bool { return p.state >= StateAchieved }

// IsSynchronized reports the federation synchronized on the point.
func (p *Point) IsSynchronized() bool { return p.state == StateSynchronized }

// IsError reports the point is in the error state.
func (p *Point) IsError() bool { return p.state == StateError }

// SyncGeneration returns the number of completed synchronization cycles.
func (p *Point) SyncGeneration() uint64 { return p.syncGeneration }

// advance moves the point forward to target. Already at or past target is an
// idempotent no-op: state transitions are driven concurrently by local calls
// and service callbacks, and either side may observe the other's progress
// first. Moving forward from before the required predecessor is a protocol
// violation.
func (p *Point) advance(target, requires State) error {
	if p.state >= target {
		return nil
	}
	if p.state < requires {
		return fmt.Errorf("%w: sync-point %q is %s, cannot become %s",
			ErrInvalidTransition, p.label, p.state, target)
	}
	p.state = target
	return nil
}

// MarkRegistered records a successful registration.
func (p *Point) MarkRegistered() error {
	return p.advance(StateRegistered, StateExists)
}

// MarkAnnounced records the federation-wide announcement.
func (p *Point) MarkAnnounced() error {
	return p.advance(StateAnnounced, StateRegistered)
}

// MarkAchieved records this federate's achievement.
func (p *Point) MarkAchieved() error {
	return p.advance(StateAchieved, StateAnnounced)
}

// MarkSynchronized records federation synchronization and bumps the
// generation counter waiters observe.
func (p *Point) MarkSynchronized() error {
	if err := p.advance(StateSynchronized, StateAchieved); err != nil {
		return err
	}
	p.syncGeneration++
	return nil
}

// MarkError forces the point into the error state. Reachable from anywhere.
func (p *Point) MarkError() {
	p.state = StateError
}

// resetForReuse returns a synchronized point to the exists state so the
// label can run another registration cycle.
func (p *Point) resetForReuse() {
	if p.state == StateSynchronized {
		p.state = StateExists
	}
}

func (p *Point) String() string {
	if p.time != nil {
		return fmt.Sprintf("sync-point %q [%s] time:%s", p.label, p.state, *p.time)
	}
	return fmt.Sprintf("sync-point %q [%s]", p.label, p.state)
}

// Snapshot is a point's state captured for diagnostics.
type Snapshot struct {
	Label          string  `json:"label"`
	State          string  `json:"state"`
	TimeSeconds    float64 `json:"timeSeconds,omitempty"`
	SyncGeneration uint64  `json:"syncGeneration"`
}

func (p *Point) snapshot() Snapshot {
	s := Snapshot{
		Label:          p.label,
		State:          p.state.String(),
		SyncGeneration: p.syncGeneration,
	}
	if p.time != nil {
		s.TimeSeconds = p.time.Seconds()
	}
	return s
}
