// Package federate wires a federate's sync-point manager and thread
// coordinator together from configuration and drives them through the
// per-frame scheduler calls.
package federate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/jasonlharvey/TrickHLA/internal/config"
	"github.com/jasonlharvey/TrickHLA/internal/coordinator"
	"github.com/jasonlharvey/TrickHLA/internal/polling"
	"github.com/jasonlharvey/TrickHLA/internal/rendezvous"
	"github.com/jasonlharvey/TrickHLA/internal/syncpoint"
	"github.com/jasonlharvey/TrickHLA/internal/telemetry"
	"github.com/jasonlharvey/TrickHLA/internal/timebase"
)

// FatalError marks a failure the federate cannot recover from locally. The
// operator must fix the setup or the federation before rerunning.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal federate error: %v", e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

func fatal(err error) error {
	if err == nil {
		return nil
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return err
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether the error must stop the run. Configuration and
// liveness failures are fatal; everything else is left to the caller.
func IsFatal(err error) bool {
	var fe *FatalError
	var ce *coordinator.ConfigError
	var le *syncpoint.LivenessError
	return errors.As(err, &fe) || errors.As(err, &ce) || errors.As(err, &le)
}

// objectRegistry adapts the configured objects to the coordinator's view.
type objectRegistry struct {
	objects []config.ObjectConfig
}

func (r *objectRegistry) ObjectCount() int        { return len(r.objects) }
func (r *objectRegistry) ObjectName(i int) string { return r.objects[i].Name }

func (r *objectRegistry) ObjectOnThread(i, threadID int) bool {
	return r.objects[i].Thread == threadID
}

// frameClock is the simulation timeline, advanced by one main cycle per
// frame by the main thread.
type frameClock struct {
	mu   sync.Mutex
	now  timebase.Tick
	step timebase.Tick
}

func (c *frameClock) Now() timebase.Tick {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *frameClock) advance() timebase.Tick {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += c.step
	return c.now
}

// Option configures an Executive.
type Option func(*Executive)

// WithMeterProvider enables metrics on the executive's manager and
// coordinator. A nil provider disables them.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(e *Executive) {
		e.meterProvider = provider
	}
}

// Executive owns one federate's coordination state: the sync-point manager,
// the thread coordinator, and the simulation timeline.
type Executive struct {
	id      uuid.UUID
	name    string
	cfg     *config.Config
	service rendezvous.Service

	meterProvider metric.MeterProvider

	manager *syncpoint.Manager
	coord   *coordinator.Coordinator
	clock   *frameClock
}

// New builds an executive from validated configuration. Configuration the
// coordinator rejects (bad cycles, bad thread associations) surfaces as a
// FatalError.
func New(cfg *config.Config, service rendezvous.Service, opts ...Option) (*Executive, error) {
	if cfg == nil {
		return nil, fatal(fmt.Errorf("config is required"))
	}
	if service == nil {
		return nil, fatal(fmt.Errorf("rendezvous service is required"))
	}

	e := &Executive{
		id:      uuid.New(),
		name:    cfg.FederateName,
		cfg:     cfg,
		service: service,
	}
	for _, opt := range opts {
		opt(e)
	}

	policy := waitPolicy(cfg.Wait)

	syncMetrics, err := telemetry.NewSyncMetrics(e.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync metrics: %w", err)
	}
	barrierMetrics, err := telemetry.NewBarrierMetrics(e.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create barrier metrics: %w", err)
	}

	e.manager = syncpoint.NewManager(service,
		syncpoint.WithManagerWaitPolicy(policy),
		syncpoint.WithManagerMetrics(syncMetrics),
		syncpoint.WithAchieveRetryInterval(
			config.Duration(cfg.AchieveRetryInterval, syncpoint.DefaultAchieveRetryInterval)))
	if err := e.declareSyncPoints(); err != nil {
		return nil, fatal(err)
	}

	mainCycle, err := timebase.ToTicks(cfg.MainCycle)
	if err != nil {
		return nil, fatal(fmt.Errorf("main cycle %v s is not representable: %w", cfg.MainCycle, err))
	}
	e.clock = &frameClock{step: mainCycle}

	e.coord = coordinator.NewCoordinator(
		&objectRegistry{objects: cfg.Objects},
		e.clock,
		coordinator.WithWaitPolicy(policy),
		coordinator.WithMetrics(barrierMetrics),
		coordinator.WithLivenessCheck(e.checkLiveness))
	if err := e.associateThreads(); err != nil {
		return nil, fatal(err)
	}

	slog.Info("Federate executive ready",
		"federate", e.name,
		"federation", cfg.GetFederation(),
		"id", e.id.String(),
		"threads", cfg.GetThreadCount(),
		"main_cycle_s", cfg.MainCycle)
	return e, nil
}

func waitPolicy(w *config.WaitConfig) polling.Policy {
	p := polling.DefaultPolicy()
	if w == nil {
		return p
	}
	p.PollInterval = config.Duration(w.PollInterval, p.PollInterval)
	p.LivenessInterval = config.Duration(w.LivenessInterval, p.LivenessInterval)
	p.StatusInterval = config.Duration(w.StatusInterval, p.StatusInterval)
	return p
}

func (e *Executive) declareSyncPoints() error {
	for _, list := range e.cfg.SyncPointLists {
		if _, err := e.manager.AddList(list.List); err != nil {
			return err
		}
		for _, sp := range list.Labels {
			var opts []syncpoint.AddOption
			if sp.Time != nil {
				at, err := timebase.ToTicks(*sp.Time)
				if err != nil {
					return fmt.Errorf("sync-point %q time %v s is not representable: %w", sp.Label, *sp.Time, err)
				}
				opts = append(opts, syncpoint.WithPointTime(at))
			}
			if err := e.manager.AddSyncPoint(list.List, sp.Label, opts...); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Executive) associateThreads() error {
	if err := e.coord.Initialize(e.cfg.GetThreadCount(), e.cfg.MainCycle); err != nil {
		return err
	}
	if len(e.cfg.DisabledThreads) > 0 {
		if err := e.coord.DisableThreadAssociations(e.cfg.DisabledThreads...); err != nil {
			return err
		}
	}
	for _, th := range e.cfg.Threads {
		opts := []coordinator.AssociateOption{coordinator.WithKind(threadKind(th.Kind))}
		if th.SchedulerCycle > 0 {
			opts = append(opts, coordinator.WithSchedulerCycle(th.SchedulerCycle))
		}
		if err := e.coord.Associate(th.ID, th.Cycle, opts...); err != nil {
			return err
		}
	}
	return e.coord.VerifyAssociations()
}

func threadKind(kind string) coordinator.ThreadKind {
	switch kind {
	case config.ThreadKindAsync:
		return coordinator.KindAsyncNoFinish
	case config.ThreadKindMustFinish:
		return coordinator.KindMustFinish
	default:
		return coordinator.KindScheduled
	}
}

func (e *Executive) checkLiveness() error {
	if !e.service.IsExecutionMember(context.Background()) {
		return fatal(fmt.Errorf("federate %q is no longer an execution member", e.name))
	}
	return nil
}

// ID returns the executive's instance identifier.
func (e *Executive) ID() uuid.UUID { return e.id }

// Name returns the federate name.
func (e *Executive) Name() string { return e.name }

// Handler returns the callback handler the rendezvous service must deliver
// to.
func (e *Executive) Handler() rendezvous.CallbackHandler { return e.manager }

// Manager returns the sync-point manager.
func (e *Executive) Manager() *syncpoint.Manager { return e.manager }

// Coordinator returns the thread coordinator.
func (e *Executive) Coordinator() *coordinator.Coordinator { return e.coord }

// SimTime returns the current simulation time.
func (e *Executive) SimTime() timebase.Tick { return e.clock.Now() }

// ExecuteSyncPoint runs the full rendezvous for one label: register
// (losing the race to another federate is fine), wait for the
// announcement, achieve, and block until the federation synchronizes.
func (e *Executive) ExecuteSyncPoint(ctx context.Context, label string) error {
	if err := e.manager.RegisterSyncPoint(ctx, label); err != nil {
		return fatal(err)
	}
	if err := e.manager.WaitForAnnounced(ctx, label); err != nil {
		return fatal(err)
	}
	if err := e.manager.AchieveAndWaitForSynchronization(ctx, label); err != nil {
		return fatal(err)
	}
	slog.Info("Federation synchronized", "federate", e.name, "label", label)
	return nil
}

// MainFrame runs the main thread's share of one execution frame: pass the
// receive barrier, announce received data, pass the send barrier, announce
// the send, then advance the simulation clock by one main cycle.
//
// Child threads run ChildFrame concurrently for the same frame.
func (e *Executive) MainFrame(ctx context.Context) error {
	if err := e.coord.WaitToReceiveData(ctx, coordinator.MainThreadID); err != nil {
		return err
	}
	e.coord.AnnounceDataAvailable()
	if err := e.coord.WaitToSendData(ctx, coordinator.MainThreadID); err != nil {
		return err
	}
	e.coord.AnnounceDataSent()
	e.clock.advance()
	return nil
}

// ChildFrame runs one child thread's share of one execution frame: block
// at the receive barrier, then at the send barrier. Off-boundary frames
// return immediately.
func (e *Executive) ChildFrame(ctx context.Context, threadID int) error {
	if err := e.coord.WaitToReceiveData(ctx, threadID); err != nil {
		return err
	}
	return e.coord.WaitToSendData(ctx, threadID)
}
