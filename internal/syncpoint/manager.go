package syncpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/jasonlharvey/TrickHLA/internal/polling"
	"github.com/jasonlharvey/TrickHLA/internal/rendezvous"
	"github.com/jasonlharvey/TrickHLA/internal/telemetry"
)

// UnknownListName is the list that collects sync points announced by other
// federates that no configured list owns.
const UnknownListName = "unknown"

// DefaultAchieveRetryInterval is how often AchieveAndWaitForSynchronization
// retries a transiently failing achieve.
const DefaultAchieveRetryInterval = 100 * time.Millisecond

// ErrDuplicateList is returned when a list name is added more than once.
var ErrDuplicateList = errors.New("sync-point list already exists")

// errNotYetAchieved drives the achieve retry loop. Never returned to callers.
var errNotYetAchieved = errors.New("sync-point not yet achieved")

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerWaitPolicy sets the wait loop timing for every list the
// manager creates.
func WithManagerWaitPolicy(p polling.Policy) ManagerOption {
	return func(m *Manager) {
		m.policy = p
	}
}

// WithManagerMetrics attaches sync metrics to every list the manager
// creates. Nil metrics are no-ops.
func WithManagerMetrics(sm *telemetry.SyncMetrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = sm
	}
}

// WithAchieveRetryInterval sets the retry interval used by
// AchieveAndWaitForSynchronization.
func WithAchieveRetryInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.achieveInterval = d
	}
}

// Manager owns every sync-point list of a federate, enforces system-wide
// label uniqueness, and routes rendezvous callbacks to the owning list.
// Labels announced by other federates that no list owns land in the
// "unknown" list and are achieved immediately so they cannot stall the
// federation.
type Manager struct {
	service         rendezvous.Service
	policy          polling.Policy
	metrics         *telemetry.SyncMetrics
	achieveInterval time.Duration

	mu     sync.Mutex
	lists  []*List
	byName map[string]*List
}

// NewManager creates a manager with no lists.
func NewManager(service rendezvous.Service, opts ...ManagerOption) *Manager {
	m := &Manager{
		service:         service,
		policy:          polling.DefaultPolicy(),
		achieveInterval: DefaultAchieveRetryInterval,
		byName:          make(map[string]*List),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddList creates an empty list with the given purpose name.
func (m *Manager) AddList(name string) (*List, error) {
	if name == "" {
		return nil, fmt.Errorf("sync-point list name must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addListLocked(name)
}

func (m *Manager) addListLocked(name string) (*List, error) {
	if _, exists := m.byName[name]; exists {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateList, name)
	}
	l := NewList(name, m.service,
		WithWaitPolicy(m.policy),
		WithMetrics(m.metrics))
	m.lists = append(m.lists, l)
	m.byName[name] = l
	return l, nil
}

// GetList returns the named list.
func (m *Manager) GetList(name string) (*List, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.byName[name]
	return l, ok
}

// ListNames returns the list names in creation order.
func (m *Manager) ListNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, len(m.lists))
	for i, l := range m.lists {
		names[i] = l.name
	}
	return names
}

// AddSyncPoint adds a label to the named list. Labels are unique across all
// lists, not just within one, so a callback can always route by label alone.
func (m *Manager) AddSyncPoint(listName, label string, opts ...AddOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.byName[listName]
	if !ok {
		return fmt.Errorf("no sync-point list named %q", listName)
	}
	for _, other := range m.lists {
		if other.Contains(label) {
			return fmt.Errorf("%w: %q already in list %q", ErrDuplicateLabel, label, other.name)
		}
	}
	return l.Add(label, opts...)
}

// ContainsSyncPoint reports whether any list owns the label.
func (m *Manager) ContainsSyncPoint(label string) bool {
	_, ok := m.listOf(label)
	return ok
}

// listOf routes a label to its owning list.
func (m *Manager) listOf(label string) (*List, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.lists {
		if l.Contains(label) {
			return l, true
		}
	}
	return nil, false
}

func (m *Manager) routed(label string) (*List, error) {
	l, ok := m.listOf(label)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLabel, label)
	}
	return l, nil
}

// unknownList returns the list for unrecognized labels, creating it on
// first use.
func (m *Manager) unknownList() *List {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.byName[UnknownListName]; ok {
		return l
	}
	l, _ := m.addListLocked(UnknownListName)
	return l
}

// IsRegistered reports whether the labeled point is at least registered.
// Unrecognized labels report false.
func (m *Manager) IsRegistered(label string) bool {
	l, ok := m.listOf(label)
	return ok && l.IsRegistered(label)
}

// IsAnnounced reports whether the labeled point is at least announced.
func (m *Manager) IsAnnounced(label string) bool {
	l, ok := m.listOf(label)
	return ok && l.IsAnnounced(label)
}

// IsAchieved reports whether the labeled point is at least achieved.
func (m *Manager) IsAchieved(label string) bool {
	l, ok := m.listOf(label)
	return ok && l.IsAchieved(label)
}

// IsSynchronized reports whether the labeled point is synchronized.
func (m *Manager) IsSynchronized(label string) bool {
	l, ok := m.listOf(label)
	return ok && l.IsSynchronized(label)
}

// IsError reports whether the labeled point is poisoned.
func (m *Manager) IsError(label string) bool {
	l, ok := m.listOf(label)
	return ok && l.IsError(label)
}

// MarkRegistered advances the labeled point to registered.
func (m *Manager) MarkRegistered(label string) error {
	l, err := m.routed(label)
	if err != nil {
		return err
	}
	return l.MarkRegistered(label)
}

// MarkAnnounced advances the labeled point to announced.
func (m *Manager) MarkAnnounced(label string) error {
	l, err := m.routed(label)
	if err != nil {
		return err
	}
	return l.MarkAnnounced(label)
}

// MarkAchieved advances the labeled point to achieved.
func (m *Manager) MarkAchieved(label string) error {
	l, err := m.routed(label)
	if err != nil {
		return err
	}
	return l.MarkAchieved(label)
}

// MarkSynchronized advances the labeled point to synchronized.
func (m *Manager) MarkSynchronized(label string) error {
	l, err := m.routed(label)
	if err != nil {
		return err
	}
	return l.MarkSynchronized(label)
}

// RegisterSyncPoint registers the labeled point.
func (m *Manager) RegisterSyncPoint(ctx context.Context, label string, opts ...rendezvous.RegisterOption) error {
	l, err := m.routed(label)
	if err != nil {
		return err
	}
	return l.Register(ctx, label, opts...)
}

// RegisterAll registers every point in the named list.
func (m *Manager) RegisterAll(ctx context.Context, listName string, opts ...rendezvous.RegisterOption) error {
	l, ok := m.GetList(listName)
	if !ok {
		return fmt.Errorf("no sync-point list named %q", listName)
	}
	return l.RegisterAll(ctx, opts...)
}

// AchieveSyncPoint achieves the labeled point. An unrecognized label is
// adopted into the unknown list first so it can still be achieved.
func (m *Manager) AchieveSyncPoint(ctx context.Context, label string) (bool, error) {
	l, ok := m.listOf(label)
	if !ok {
		l = m.unknownList()
		if err := m.adoptUnknown(l, label); err != nil {
			return false, err
		}
	}
	return l.Achieve(ctx, label)
}

// AchieveAll achieves every announced point in the named list.
func (m *Manager) AchieveAll(ctx context.Context, listName string) (bool, error) {
	l, ok := m.GetList(listName)
	if !ok {
		return false, fmt.Errorf("no sync-point list named %q", listName)
	}
	return l.AchieveAll(ctx)
}

// WaitForAnnounced blocks until the labeled point is announced.
func (m *Manager) WaitForAnnounced(ctx context.Context, label string) error {
	l, err := m.routed(label)
	if err != nil {
		return err
	}
	return l.WaitForAnnounced(ctx, label)
}

// WaitForSynchronized blocks until the labeled point synchronizes, then
// resets it for reuse.
func (m *Manager) WaitForSynchronized(ctx context.Context, label string) error {
	l, err := m.routed(label)
	if err != nil {
		return err
	}
	return l.WaitForSynchronized(ctx, label)
}

// WaitForAllAnnounced blocks until every point in the named list is
// announced.
func (m *Manager) WaitForAllAnnounced(ctx context.Context, listName string) error {
	l, ok := m.GetList(listName)
	if !ok {
		return fmt.Errorf("no sync-point list named %q", listName)
	}
	return l.WaitForAllAnnounced(ctx)
}

// WaitForAllSynchronized blocks until every point in the named list
// synchronizes.
func (m *Manager) WaitForAllSynchronized(ctx context.Context, listName string) error {
	l, ok := m.GetList(listName)
	if !ok {
		return fmt.Errorf("no sync-point list named %q", listName)
	}
	return l.WaitForAllSynchronized(ctx)
}

// AchieveAndWaitForSynchronization achieves the labeled point, retrying
// transient failures at a fixed interval, then blocks until the federation
// synchronizes on it. This is the common coordination step a federate runs
// at a frame boundary.
//
// The retry loop is unbounded: a federation save or restore can hold the
// achieve off for arbitrarily long, and only a fatal service failure or
// context cancellation may end the attempt.
func (m *Manager) AchieveAndWaitForSynchronization(ctx context.Context, label string) error {
	l, err := m.routed(label)
	if err != nil {
		return err
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		achieved, aerr := l.Achieve(ctx, label)
		if aerr != nil {
			return struct{}{}, backoff.Permanent(aerr)
		}
		if !achieved {
			return struct{}{}, errNotYetAchieved
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(m.achieveInterval)),
		// Disable the library's default elapsed-time cap. Transient
		// failures retry for as long as the context lives.
		backoff.WithMaxElapsedTime(0))
	if err != nil {
		return fmt.Errorf("achieving sync-point %q: %w", label, err)
	}

	return l.WaitForSynchronized(ctx, label)
}

// ManagerSnapshot captures every list for diagnostics.
type ManagerSnapshot struct {
	Lists []ListSnapshot `json:"lists"`
}

// Snapshot captures every list and point.
func (m *Manager) Snapshot() ManagerSnapshot {
	m.mu.Lock()
	lists := make([]*List, len(m.lists))
	copy(lists, m.lists)
	m.mu.Unlock()

	s := ManagerSnapshot{Lists: make([]ListSnapshot, len(lists))}
	for i, l := range lists {
		s.Lists[i] = l.Snapshot()
	}
	return s
}

// adoptUnknown adds an unrecognized label to the unknown list and marks it
// announced, since only an announcement can make such a label visible.
func (m *Manager) adoptUnknown(l *List, label string) error {
	if err := l.Add(label); err != nil && !errors.Is(err, ErrDuplicateLabel) {
		return err
	}
	if err := l.MarkRegistered(label); err != nil {
		return err
	}
	return l.MarkAnnounced(label)
}

// SyncPointRegistrationSucceeded records this federate won the registration
// race for the label.
func (m *Manager) SyncPointRegistrationSucceeded(label string) {
	l, ok := m.listOf(label)
	if !ok {
		slog.Warn("Registration succeeded for a sync-point no list owns", "label", label)
		return
	}
	if err := l.MarkRegistered(label); err != nil {
		slog.Error("Failed to record sync-point registration",
			"list", l.name, "label", label, "error", err)
	}
}

// SyncPointRegistrationFailed records the outcome of a lost registration
// race. Losing to another federate still counts as registered; every other
// reason poisons the point.
func (m *Manager) SyncPointRegistrationFailed(label string, reason rendezvous.FailureReason) {
	l, ok := m.listOf(label)
	if !ok {
		// A registration outcome for a label we never configured means we
		// should have known it. Track it in the unknown list.
		slog.Warn("Registration failed for a sync-point no list owns",
			"label", label, "reason", string(reason))
		unknown := m.unknownList()
		if err := unknown.Add(label); err != nil && !errors.Is(err, ErrDuplicateLabel) {
			slog.Error("Failed to track unrecognized sync-point", "label", label, "error", err)
		}
		return
	}
	if reason == rendezvous.ReasonLabelNotUnique {
		if err := l.MarkRegistered(label); err != nil {
			slog.Error("Failed to record sync-point registration",
				"list", l.name, "label", label, "error", err)
		}
		return
	}
	slog.Error("Sync-point registration failed",
		"list", l.name, "label", label, "reason", string(reason))
	if err := l.MarkError(label); err != nil {
		slog.Error("Failed to record sync-point error",
			"list", l.name, "label", label, "error", err)
	}
}

// SyncPointAnnounced records an announcement. Unrecognized labels are
// adopted into the unknown list and achieved immediately so a label this
// federate never configured cannot block the rest of the federation.
func (m *Manager) SyncPointAnnounced(label string, tag []byte) {
	l, ok := m.listOf(label)
	if ok {
		// The announcing federate may not be us, so backfill registered.
		if err := l.MarkRegistered(label); err != nil {
			slog.Error("Failed to record sync-point registration",
				"list", l.name, "label", label, "error", err)
			return
		}
		if err := l.MarkAnnounced(label); err != nil {
			slog.Error("Failed to record sync-point announcement",
				"list", l.name, "label", label, "error", err)
		}
		return
	}

	slog.Info("Adopting sync-point announced by another federate",
		"label", label, "tag", string(tag))
	unknown := m.unknownList()
	if err := m.adoptUnknown(unknown, label); err != nil {
		slog.Error("Failed to adopt unrecognized sync-point", "label", label, "error", err)
		return
	}
	if _, err := unknown.Achieve(context.Background(), label); err != nil {
		slog.Error("Failed to achieve unrecognized sync-point", "label", label, "error", err)
	}
}

// SyncPointFederationSynchronized records the whole federation reached the
// labeled point.
func (m *Manager) SyncPointFederationSynchronized(label string) {
	l, ok := m.listOf(label)
	if !ok {
		slog.Warn("Federation synchronized on a sync-point no list owns", "label", label)
		return
	}
	if err := l.MarkSynchronized(label); err != nil {
		slog.Error("Failed to record sync-point synchronization",
			"list", l.name, "label", label, "error", err)
	}
}

var _ rendezvous.CallbackHandler = (*Manager)(nil)
