// Package coordinator implements the per-process data-cycle barrier that
// aligns HLA data exchange between the main simulation thread and its child
// threads. Child threads may run at longer cycle times than the main
// thread, as long as each cycle is a positive integer multiple of the main
// cycle; the barrier gates sends and receives to the frames where a thread
// is on its own cycle boundary.
//
// The coordinator never creates threads. The host scheduler owns them and
// calls in once per eligible thread per frame.
package coordinator

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jasonlharvey/TrickHLA/internal/polling"
	"github.com/jasonlharvey/TrickHLA/internal/telemetry"
	"github.com/jasonlharvey/TrickHLA/internal/timebase"
)

// MainThreadID is the thread the host scheduler runs the federate on. It is
// always associated at the main cycle time.
const MainThreadID = 0

// ThreadState tracks one thread's position in the per-frame barrier cycle.
type ThreadState int

const (
	// StateNotAssociated means the thread has not been associated yet and
	// does not participate in the barrier.
	StateNotAssociated ThreadState = iota

	// StateDisabled means barrier participation was switched off for the
	// thread before association. Disabled is sticky.
	StateDisabled

	// StateReset is the between-barriers state of an associated thread.
	StateReset

	// StateReadyToSend means the thread's data for this cycle is in place.
	StateReadyToSend

	// StateReadyToReceive means the thread is at its receive boundary
	// waiting for data.
	StateReadyToReceive
)

func (s ThreadState) String() string {
	switch s {
	case StateNotAssociated:
		return "not-associated"
	case StateDisabled:
		return "disabled"
	case StateReset:
		return "reset"
	case StateReadyToSend:
		return "ready-to-send"
	case StateReadyToReceive:
		return "ready-to-receive"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ThreadKind is how the host scheduler runs a thread. Only kinds with
// deterministic cycle scheduling can participate in the barrier.
type ThreadKind int

const (
	// KindScheduled threads run on a fixed host-scheduler cycle.
	KindScheduled ThreadKind = iota

	// KindAsyncNoFinish threads run asynchronously with no guarantee of
	// finishing within any frame. They cannot participate in the barrier.
	KindAsyncNoFinish

	// KindMustFinish threads run asynchronously but are guaranteed to
	// finish within their scheduler cycle. They may participate only when
	// that cycle matches the association's data cycle.
	KindMustFinish
)

func (k ThreadKind) String() string {
	switch k {
	case KindScheduled:
		return "scheduled"
	case KindAsyncNoFinish:
		return "asynchronous"
	case KindMustFinish:
		return "asynchronous-must-finish"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ObjectRegistry is the externally owned set of data-exchange objects. The
// coordinator only asks which objects are pinned to which threads and what
// to call them in diagnostics.
type ObjectRegistry interface {
	ObjectCount() int
	ObjectName(index int) string
	ObjectOnThread(index, threadID int) bool
}

// Timeline supplies the current simulation time. The host scheduler owns
// the clock; the coordinator only reads it for boundary tests.
type Timeline interface {
	Now() timebase.Tick
}

// ErrNotInitialized is returned when an operation runs before Initialize.
var ErrNotInitialized = errors.New("thread coordinator is not initialized")

// ConfigError is a setup mistake the operator must fix before rerunning.
// The federate treats it as fatal.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return e.Msg }

func configErrorf(format string, args ...any) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

type threadInfo struct {
	state ThreadState
	kind  ThreadKind
	cycle timebase.Tick // 0 means unset
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithWaitPolicy overrides the barrier wait loop timing.
func WithWaitPolicy(p polling.Policy) Option {
	return func(c *Coordinator) {
		c.policy = p
	}
}

// WithMetrics attaches barrier metrics. Nil metrics are no-ops.
func WithMetrics(m *telemetry.BarrierMetrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithLivenessCheck installs a probe the barrier waits run periodically. A
// non-nil error aborts the wait; the federate wires this to execution
// membership.
func WithLivenessCheck(probe func() error) Option {
	return func(c *Coordinator) {
		c.liveness = probe
	}
}

// Coordinator is the per-process cycle barrier. One mutex protects every
// state array; the lock is never held across a sleep in a wait loop.
type Coordinator struct {
	registry ObjectRegistry
	timeline Timeline
	policy   polling.Policy
	metrics  *telemetry.BarrierMetrics
	liveness func() error

	mu          sync.Mutex
	initialized bool
	mainCycle   timebase.Tick
	threads     []threadInfo
	objectCycle []timebase.Tick // indexed like the registry, 0 means unset
}

// NewCoordinator creates a coordinator for the given registry and timeline.
// Initialize must run before any association or barrier call.
func NewCoordinator(registry ObjectRegistry, timeline Timeline, opts ...Option) *Coordinator {
	c := &Coordinator{
		registry: registry,
		timeline: timeline,
		policy:   polling.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Initialize fixes the main cycle time and the total thread count, and
// associates the main thread at the main cycle. It must be called exactly
// once, before any association.
func (c *Coordinator) Initialize(threadCount int, mainCycleSeconds float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		return configErrorf("thread coordinator initialized twice")
	}
	if threadCount < 1 {
		return configErrorf("thread count must be at least 1, got %d", threadCount)
	}
	mainCycle, err := timebase.ToTicks(mainCycleSeconds)
	if err != nil {
		return configErrorf("main thread data cycle %v s is not representable: %v", mainCycleSeconds, err)
	}
	if mainCycle <= 0 {
		return configErrorf("main thread data cycle must be positive, got %v s", mainCycleSeconds)
	}

	c.mainCycle = mainCycle
	c.threads = make([]threadInfo, threadCount)
	c.threads[MainThreadID] = threadInfo{state: StateReset, kind: KindScheduled, cycle: mainCycle}
	c.objectCycle = make([]timebase.Tick, c.registry.ObjectCount())
	c.initialized = true

	slog.Debug("Thread coordinator initialized",
		"threads", threadCount,
		"main_cycle_s", mainCycle.Seconds(),
		"objects", len(c.objectCycle))
	return nil
}

// DisableThreadAssociations switches off barrier participation for the
// given child thread IDs. Disabling must happen before the thread is
// associated; the main thread can never be disabled.
func (c *Coordinator) DisableThreadAssociations(threadIDs ...int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return ErrNotInitialized
	}
	for _, id := range threadIDs {
		if id == MainThreadID {
			return configErrorf("the main thread cannot be disabled")
		}
		if id < 0 || id >= len(c.threads) {
			return configErrorf("cannot disable thread %d, valid thread IDs are 0..%d", id, len(c.threads)-1)
		}
		switch c.threads[id].state {
		case StateNotAssociated:
			c.threads[id].state = StateDisabled
		case StateDisabled:
			// Already disabled.
		default:
			return configErrorf("cannot disable thread %d after it was associated", id)
		}
	}
	return nil
}

// AssociateOption configures one thread association.
type AssociateOption func(*associateConfig)

type associateConfig struct {
	kind           ThreadKind
	schedulerCycle *float64
}

// WithKind sets how the host scheduler runs the thread. The default is a
// scheduled thread.
func WithKind(k ThreadKind) AssociateOption {
	return func(cfg *associateConfig) {
		cfg.kind = k
	}
}

// WithSchedulerCycle declares the cycle the host scheduler actually runs
// the thread at, for kinds where it must match the data cycle. It defaults
// to the association's data cycle.
func WithSchedulerCycle(seconds float64) AssociateOption {
	return func(cfg *associateConfig) {
		s := seconds
		cfg.schedulerCycle = &s
	}
}

// Associate registers a child thread with the barrier at the given data
// cycle time. The cycle must be representable and a positive integer
// multiple of the main cycle. Every object the registry pins to this thread
// gets the same cycle recorded; an object already recorded at a different
// cycle is a configuration error. Associating a disabled thread is a
// silent no-op.
func (c *Coordinator) Associate(threadID int, cycleSeconds float64, opts ...AssociateOption) error {
	cfg := &associateConfig{kind: KindScheduled}
	for _, opt := range opts {
		opt(cfg)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return ErrNotInitialized
	}
	if threadID < 0 || threadID >= len(c.threads) {
		return configErrorf("cannot associate thread %d, valid thread IDs are 0..%d", threadID, len(c.threads)-1)
	}
	if c.threads[threadID].state == StateDisabled {
		slog.Debug("Skipping association of disabled thread", "thread_id", threadID)
		return nil
	}
	if c.threads[threadID].state != StateNotAssociated {
		return configErrorf("thread %d is already associated", threadID)
	}

	cycle, err := timebase.ToTicks(cycleSeconds)
	if err != nil {
		return configErrorf("data cycle %v s for thread %d is not representable: %v", cycleSeconds, threadID, err)
	}
	if cycle < c.mainCycle {
		return configErrorf(
			"data cycle %v s for thread %d is smaller than the main thread cycle %v s",
			cycleSeconds, threadID, c.mainCycle.Seconds())
	}
	if cycle%c.mainCycle != 0 {
		return configErrorf(
			"data cycle %v s for thread %d is not an integer multiple of the main thread cycle %v s",
			cycleSeconds, threadID, c.mainCycle.Seconds())
	}

	switch cfg.kind {
	case KindScheduled:
	case KindAsyncNoFinish:
		return configErrorf(
			"thread %d is asynchronous with no finish guarantee and cannot join the data cycle barrier",
			threadID)
	case KindMustFinish:
		scheduler := cycleSeconds
		if cfg.schedulerCycle != nil {
			scheduler = *cfg.schedulerCycle
		}
		schedulerTicks, serr := timebase.ToTicks(scheduler)
		if serr != nil || schedulerTicks != cycle {
			return configErrorf(
				"thread %d is asynchronous-must-finish with scheduler cycle %v s, which must equal its data cycle %v s",
				threadID, scheduler, cycleSeconds)
		}
	default:
		return configErrorf("thread %d has unsupported kind %v", threadID, cfg.kind)
	}

	// Record the cycle on every object pinned to this thread. An object
	// shared across threads must see one consistent cycle time.
	pinned := 0
	for i := 0; i < len(c.objectCycle); i++ {
		if !c.registry.ObjectOnThread(i, threadID) {
			continue
		}
		pinned++
		switch c.objectCycle[i] {
		case 0:
			c.objectCycle[i] = cycle
		case cycle:
			// Same cycle recorded through another thread.
		default:
			return configErrorf(
				"object %q has data cycle %v s but thread %d was associated at %v s",
				c.registry.ObjectName(i), c.objectCycle[i].Seconds(), threadID, cycleSeconds)
		}
	}
	if threadID != MainThreadID && pinned == 0 && cycle != c.mainCycle {
		return configErrorf(
			"thread %d has no objects but a data cycle %v s different from the main thread cycle %v s",
			threadID, cycleSeconds, c.mainCycle.Seconds())
	}

	c.threads[threadID] = threadInfo{state: StateReset, kind: cfg.kind, cycle: cycle}
	slog.Debug("Associated thread with data cycle barrier",
		"thread_id", threadID,
		"cycle_s", cycle.Seconds(),
		"kind", cfg.kind.String(),
		"objects", pinned)
	return nil
}

// VerifyAssociations checks that every object pinned to a non-disabled
// thread ended up with an associated thread and a recorded cycle. It runs
// once after setup, before the run loop starts.
func (c *Coordinator) VerifyAssociations() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return ErrNotInitialized
	}

	for i := 0; i < len(c.objectCycle); i++ {
		for id := range c.threads {
			if !c.registry.ObjectOnThread(i, id) {
				continue
			}
			if c.threads[id].state == StateDisabled {
				continue
			}
			if c.threads[id].cycle == 0 {
				return configErrorf(
					"object %q is pinned to thread %d, which was never associated",
					c.registry.ObjectName(i), id)
			}
		}
	}

	for id, ti := range c.threads {
		slog.Debug("Thread association",
			"thread_id", id,
			"state", ti.state.String(),
			"cycle_s", ti.cycle.Seconds())
	}
	return nil
}

// MainCycle returns the main thread's data cycle time.
func (c *Coordinator) MainCycle() timebase.Tick {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mainCycle
}

// DataCycleForThread returns the thread's data cycle, falling back to the
// main cycle when the thread has none recorded.
func (c *Coordinator) DataCycleForThread(threadID int) timebase.Tick {
	c.mu.Lock()
	defer c.mu.Unlock()
	if threadID < 0 || threadID >= len(c.threads) || c.threads[threadID].cycle == 0 {
		return c.mainCycle
	}
	return c.threads[threadID].cycle
}

// DataCycleForObject returns the object's recorded data cycle, falling
// back to the main cycle when the object has none recorded.
func (c *Coordinator) DataCycleForObject(index int) timebase.Tick {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 || index >= len(c.objectCycle) || c.objectCycle[index] == 0 {
		return c.mainCycle
	}
	return c.objectCycle[index]
}

// ThreadSnapshot captures one thread for diagnostics.
type ThreadSnapshot struct {
	ID           int     `json:"id"`
	State        string  `json:"state"`
	Kind         string  `json:"kind"`
	CycleSeconds float64 `json:"cycleSeconds,omitempty"`
}

// ObjectSnapshot captures one data-exchange object for diagnostics.
type ObjectSnapshot struct {
	Index        int     `json:"index"`
	Name         string  `json:"name"`
	CycleSeconds float64 `json:"cycleSeconds,omitempty"`
}

// CoordinatorSnapshot captures the whole barrier for diagnostics.
type CoordinatorSnapshot struct {
	Initialized      bool             `json:"initialized"`
	MainCycleSeconds float64          `json:"mainCycleSeconds"`
	Threads          []ThreadSnapshot `json:"threads"`
	Objects          []ObjectSnapshot `json:"objects"`
}

// Snapshot captures thread and object state for diagnostics.
func (c *Coordinator) Snapshot() CoordinatorSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := CoordinatorSnapshot{
		Initialized:      c.initialized,
		MainCycleSeconds: c.mainCycle.Seconds(),
		Threads:          make([]ThreadSnapshot, len(c.threads)),
		Objects:          make([]ObjectSnapshot, len(c.objectCycle)),
	}
	for id, ti := range c.threads {
		s.Threads[id] = ThreadSnapshot{
			ID:           id,
			State:        ti.state.String(),
			Kind:         ti.kind.String(),
			CycleSeconds: ti.cycle.Seconds(),
		}
	}
	for i := range c.objectCycle {
		s.Objects[i] = ObjectSnapshot{
			Index:        i,
			Name:         c.registry.ObjectName(i),
			CycleSeconds: c.objectCycle[i].Seconds(),
		}
	}
	return s
}
