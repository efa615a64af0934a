package syncpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jasonlharvey/TrickHLA/internal/polling"
	"github.com/jasonlharvey/TrickHLA/internal/rendezvous"
	"github.com/jasonlharvey/TrickHLA/internal/telemetry"
	"github.com/jasonlharvey/TrickHLA/internal/timebase"
)

var (
	// ErrDuplicateLabel is returned when a label is added more than once.
	ErrDuplicateLabel = errors.New("sync-point label already exists")

	// ErrUnknownLabel is returned for operations on a label the list does
	// not own.
	ErrUnknownLabel = errors.New("unknown sync-point label")

	// ErrPointInError is returned when an operation lands on a point that
	// previously hit a protocol violation.
	ErrPointInError = errors.New("sync-point is in the error state")
)

// LivenessError reports that the federate lost execution membership while
// blocked in a wait. Continuing would silently desynchronize the federation,
// so callers treat it as fatal.
type LivenessError struct {
	List  string
	Label string
}

func (e *LivenessError) Error() string {
	return fmt.Sprintf(
		"federate is no longer an execution member while waiting on sync-point %q (list %q)",
		e.Label, e.List)
}

// ListOption configures a List.
type ListOption func(*List)

// WithWaitPolicy overrides the wait loop timing.
func WithWaitPolicy(p polling.Policy) ListOption {
	return func(l *List) {
		l.policy = p
	}
}

// WithMetrics attaches sync metrics. Nil metrics are no-ops.
func WithMetrics(m *telemetry.SyncMetrics) ListOption {
	return func(l *List) {
		l.metrics = m
	}
}

// List is an ordered collection of sync points sharing one purpose, with
// label uniqueness enforced at insertion. One mutex protects every read and
// mutation; the lock is never held across a sleep or a blocking wait.
type List struct {
	name    string
	service rendezvous.Service
	policy  polling.Policy
	metrics *telemetry.SyncMetrics

	mu     sync.Mutex
	points []*Point
	index  map[string]*Point
}

// NewList creates an empty list with the given purpose name.
func NewList(name string, service rendezvous.Service, opts ...ListOption) *List {
	l := &List{
		name:    name,
		service: service,
		policy:  polling.DefaultPolicy(),
		index:   make(map[string]*Point),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Name returns the list's purpose name.
func (l *List) Name() string { return l.name }

// AddOption configures a sync point added to a list.
type AddOption func(*addConfig)

type addConfig struct {
	time *timebase.Tick
}

// WithPointTime attaches a logical timestamp for time-stamped registration.
func WithPointTime(t timebase.Tick) AddOption {
	return func(cfg *addConfig) {
		tc := t
		cfg.time = &tc
	}
}

// Add creates a sync point for the label in the exists state. Adding a label
// the list already owns fails.
func (l *List) Add(label string, opts ...AddOption) error {
	if label == "" {
		return fmt.Errorf("sync-point label must not be empty")
	}
	cfg := &addConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.index[label]; exists {
		return fmt.Errorf("%w: %q in list %q", ErrDuplicateLabel, label, l.name)
	}
	p := newPoint(label, cfg.time)
	l.points = append(l.points, p)
	l.index[label] = p
	return nil
}

// Contains reports whether the list owns the label.
func (l *List) Contains(label string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.index[label]
	return ok
}

// Labels returns the labels in insertion order.
func (l *List) Labels() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	labels := make([]string, len(l.points))
	for i, p := range l.points {
		labels[i] = p.label
	}
	return labels
}

// Len returns the number of owned points.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.points)
}

// Get returns a snapshot of the named point.
func (l *List) Get(label string) (Snapshot, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.index[label]
	if !ok {
		return Snapshot{}, false
	}
	return p.snapshot(), true
}

// Clear removes and destroys every owned point.
func (l *List) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.points = nil
	l.index = make(map[string]*Point)
}

// ListSnapshot captures a whole list for diagnostics.
type ListSnapshot struct {
	Name   string     `json:"name"`
	Points []Snapshot `json:"points"`
}

// Snapshot captures the list and every owned point.
func (l *List) Snapshot() ListSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := ListSnapshot{Name: l.name, Points: make([]Snapshot, len(l.points))}
	for i, p := range l.points {
		s.Points[i] = p.snapshot()
	}
	return s
}

// withPoint runs fn on the named point under the lock.
func (l *List) withPoint(label string, fn func(*Point) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.index[label]
	if !ok {
		return fmt.Errorf("%w: %q in list %q", ErrUnknownLabel, label, l.name)
	}
	return fn(p)
}

// IsRegistered reports the named point is at least registered.
func (l *List) IsRegistered(label string) bool { return l.stateAtLeast(label, StateRegistered) }

// IsAnnounced reports the named point is at least announced.
func (l *List) IsAnnounced(label string) bool { return l.stateAtLeast(label, StateAnnounced) }

// IsAchieved reports the named point is at least achieved.
func (l *List) IsAchieved(label string) bool { return l.stateAtLeast(label, StateAchieved) }

// IsSynchronized reports the named point is synchronized.
func (l *List) IsSynchronized(label string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.index[label]
	return ok && p.IsSynchronized()
}

// IsError reports the named point is in the error state.
func (l *List) IsError(label string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.index[label]
	return ok && p.IsError()
}

func (l *List) stateAtLeast(label string, s State) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.index[label]
	return ok && !p.IsError() && p.state >= s
}

// MarkRegistered transitions the named point to registered.
func (l *List) MarkRegistered(label string) error {
	return l.withPoint(label, func(p *Point) error { return p.MarkRegistered() })
}

// MarkAnnounced transitions the named point to announced.
func (l *List) MarkAnnounced(label string) error {
	return l.withPoint(label, func(p *Point) error { return p.MarkAnnounced() })
}

// MarkAchieved transitions the named point to achieved.
func (l *List) MarkAchieved(label string) error {
	return l.withPoint(label, func(p *Point) error { return p.MarkAchieved() })
}

// MarkSynchronized transitions the named point to synchronized.
func (l *List) MarkSynchronized(label string) error {
	return l.withPoint(label, func(p *Point) error { return p.MarkSynchronized() })
}

// MarkError forces the named point into the error state.
func (l *List) MarkError(label string) error {
	return l.withPoint(label, func(p *Point) error {
		p.MarkError()
		return nil
	})
}

// Register registers the named point with the rendezvous service. A
// label-not-unique failure means another federate won the registration race
// and counts as success. Any other failure is fatal to the caller.
func (l *List) Register(ctx context.Context, label string, opts ...rendezvous.RegisterOption) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.index[label]
	if !ok {
		return fmt.Errorf("%w: %q in list %q", ErrUnknownLabel, label, l.name)
	}
	return l.registerLocked(ctx, p, opts...)
}

// RegisterAll registers every point not yet registered, in insertion order.
func (l *List) RegisterAll(ctx context.Context, opts ...rendezvous.RegisterOption) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, p := range l.points {
		if p.IsRegistered() {
			continue
		}
		if err := l.registerLocked(ctx, p, opts...); err != nil {
			return err
		}
	}
	return nil
}

func (l *List) registerLocked(ctx context.Context, p *Point, opts ...rendezvous.RegisterOption) error {
	if p.IsError() {
		return fmt.Errorf("%w: %q", ErrPointInError, p.label)
	}
	if p.IsRegistered() {
		return nil
	}

	if p.time != nil {
		opts = append(opts, rendezvous.WithTime(*p.time))
	}
	err := l.service.Register(ctx, p.label, opts...)
	if err != nil {
		if rendezvous.ReasonOf(err) == rendezvous.ReasonLabelNotUnique {
			// Another federate registered the label first. The point exists
			// in the federation, which is all registration is for.
			slog.Debug("Sync-point already registered by another federate",
				"list", l.name, "label", p.label)
			return p.MarkRegistered()
		}
		p.MarkError()
		return fmt.Errorf("failed to register sync-point %q (list %q): %w", p.label, l.name, err)
	}
	return p.MarkRegistered()
}

// Achieve tells the rendezvous service this federate reached the named
// point. The first return reports whether the point is achieved after this
// call; a transient service failure leaves the point unachieved with a nil
// error so the caller's retry loop can try again.
func (l *List) Achieve(ctx context.Context, label string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.index[label]
	if !ok {
		return false, fmt.Errorf("%w: %q in list %q", ErrUnknownLabel, label, l.name)
	}
	return l.achieveLocked(ctx, p)
}

// AchieveAll achieves every announced point. It reports whether all owned
// points are achieved after the pass.
func (l *List) AchieveAll(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	all := true
	for _, p := range l.points {
		if p.IsAchieved() {
			continue
		}
		if !p.IsAnnounced() {
			all = false
			continue
		}
		achieved, err := l.achieveLocked(ctx, p)
		if err != nil {
			return false, err
		}
		if !achieved {
			all = false
		}
	}
	return all, nil
}

func (l *List) achieveLocked(ctx context.Context, p *Point) (bool, error) {
	if p.IsError() {
		return false, fmt.Errorf("%w: %q", ErrPointInError, p.label)
	}
	if p.IsAchieved() {
		// Already achieved; success without re-transition.
		return true, nil
	}

	if err := l.service.Achieve(ctx, p.label); err != nil {
		reason := rendezvous.ReasonOf(err)
		if reason.RetryableAchieve() {
			slog.Debug("Sync-point not achieved on this attempt",
				"list", l.name, "label", p.label, "reason", string(reason))
			l.metrics.RecordAchieveRetry(ctx, p.label, string(reason))
			return false, nil
		}
		p.MarkError()
		return false, fmt.Errorf("failed to achieve sync-point %q (list %q): %w", p.label, l.name, err)
	}

	// The service accepted the achieve, so the point is announced
	// federation-wide even if the announce callback has not landed yet.
	if err := p.MarkRegistered(); err != nil {
		return false, err
	}
	if err := p.MarkAnnounced(); err != nil {
		return false, err
	}
	if err := p.MarkAchieved(); err != nil {
		return false, err
	}
	return true, nil
}

// WaitForAnnounced blocks until the named point is announced. The wait is
// unbounded while liveness holds; the liveness probe failing or context
// cancellation aborts it.
func (l *List) WaitForAnnounced(ctx context.Context, label string) error {
	start := time.Now()

	var waitErr error
	check := func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		p, ok := l.index[label]
		if !ok {
			waitErr = fmt.Errorf("%w: %q in list %q", ErrUnknownLabel, label, l.name)
			return true
		}
		if p.IsError() {
			waitErr = fmt.Errorf("%w: %q", ErrPointInError, label)
			return true
		}
		return p.IsAnnounced()
	}

	if err := polling.Wait(ctx, l.policy, check,
		l.livenessProbe(ctx, label),
		l.statusReporter(label, telemetry.WaitPhaseAnnounced)); err != nil {
		return err
	}
	if waitErr != nil {
		return waitErr
	}
	l.metrics.RecordWaitDuration(ctx, l.name, label, telemetry.WaitPhaseAnnounced, time.Since(start))
	return nil
}

// WaitForAllAnnounced blocks until every owned point is announced.
func (l *List) WaitForAllAnnounced(ctx context.Context) error {
	for _, label := range l.Labels() {
		if err := l.WaitForAnnounced(ctx, label); err != nil {
			return err
		}
	}
	return nil
}

// WaitForSynchronized blocks until the federation synchronizes on the named
// point, then resets the point to the exists state for reuse. The
// synchronized edge is observed through the point's generation counter, so
// concurrent waiters on the same label each see it exactly once the point
// synchronizes even if another waiter resets the point first.
func (l *List) WaitForSynchronized(ctx context.Context, label string) error {
	start := time.Now()

	var startGen *uint64
	var waitErr error
	check := func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		p, ok := l.index[label]
		if !ok {
			waitErr = fmt.Errorf("%w: %q in list %q", ErrUnknownLabel, label, l.name)
			return true
		}
		if p.IsError() {
			waitErr = fmt.Errorf("%w: %q", ErrPointInError, label)
			return true
		}
		if startGen == nil {
			g := p.syncGeneration
			if p.IsSynchronized() {
				p.resetForReuse()
				return true
			}
			startGen = &g
			return false
		}
		if p.IsSynchronized() || p.syncGeneration > *startGen {
			p.resetForReuse()
			return true
		}
		return false
	}

	if err := polling.Wait(ctx, l.policy, check,
		l.livenessProbe(ctx, label),
		l.statusReporter(label, telemetry.WaitPhaseSynchronized)); err != nil {
		return err
	}
	if waitErr != nil {
		return waitErr
	}
	l.metrics.RecordWaitDuration(ctx, l.name, label, telemetry.WaitPhaseSynchronized, time.Since(start))
	return nil
}

// WaitForAllSynchronized blocks until every owned point synchronizes.
func (l *List) WaitForAllSynchronized(ctx context.Context) error {
	for _, label := range l.Labels() {
		if err := l.WaitForSynchronized(ctx, label); err != nil {
			return err
		}
	}
	return nil
}

func (l *List) livenessProbe(ctx context.Context, label string) func() error {
	return func() error {
		if !l.service.IsExecutionMember(ctx) {
			return &LivenessError{List: l.name, Label: label}
		}
		return nil
	}
}

func (l *List) statusReporter(label string, phase telemetry.WaitPhase) func() {
	return func() {
		snap, ok := l.Get(label)
		state := "removed"
		if ok {
			state = snap.State
		}
		slog.Info("Still waiting on sync-point",
			"list", l.name,
			"label", label,
			"phase", string(phase),
			"state", state)
	}
}
