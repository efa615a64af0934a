// Package polling implements the bounded-latency wait discipline shared by
// the sync-point lists and the thread coordinator: a quick predicate check
// first, then a low-latency poll loop with two independent side timers, one
// for liveness re-verification and one for periodic status diagnostics.
// Neither timer bounds the wait itself; only a failed liveness check or
// context cancellation ends it early.
package polling

import (
	"context"
	"time"
)

const (
	// DefaultPollInterval keeps wait latency low without spinning. It
	// matches the low-latency sleep the engine has always used between
	// predicate checks.
	DefaultPollInterval = 1 * time.Millisecond

	// DefaultLivenessInterval is how often a blocked waiter re-verifies the
	// federate is still an execution member.
	DefaultLivenessInterval = 10 * time.Second

	// DefaultStatusInterval is how often a blocked waiter emits a status
	// snapshot of what it is waiting on.
	DefaultStatusInterval = 30 * time.Second
)

// Policy fixes the timing of a poll loop. The zero value of any field falls
// back to the corresponding default.
type Policy struct {
	// PollInterval is the sleep between predicate checks.
	PollInterval time.Duration

	// LivenessInterval is how often the liveness callback runs.
	LivenessInterval time.Duration

	// StatusInterval is how often the status callback runs.
	StatusInterval time.Duration
}

// DefaultPolicy returns the standard low-latency wait policy.
func DefaultPolicy() Policy {
	return Policy{
		PollInterval:     DefaultPollInterval,
		LivenessInterval: DefaultLivenessInterval,
		StatusInterval:   DefaultStatusInterval,
	}
}

func (p Policy) withDefaults() Policy {
	if p.PollInterval <= 0 {
		p.PollInterval = DefaultPollInterval
	}
	if p.LivenessInterval <= 0 {
		p.LivenessInterval = DefaultLivenessInterval
	}
	if p.StatusInterval <= 0 {
		p.StatusInterval = DefaultStatusInterval
	}
	return p
}

// Wait blocks until check returns true.
//
// check runs once immediately and then once per poll interval. It must be
// instantaneous: callers take their lock inside check and release it before
// returning, so no lock is ever held across a sleep.
//
// onLiveness runs every liveness interval; returning an error aborts the
// wait with that error. onStatus runs every status interval for diagnostics
// only. Either callback may be nil. Context cancellation aborts the wait
// with the cancellation cause.
func Wait(ctx context.Context, p Policy, check func() bool, onLiveness func() error, onStatus func()) error {
	if check() {
		return nil
	}
	p = p.withDefaults()

	poll := time.NewTicker(p.PollInterval)
	defer poll.Stop()
	liveness := time.NewTicker(p.LivenessInterval)
	defer liveness.Stop()
	status := time.NewTicker(p.StatusInterval)
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)

		case <-poll.C:
			if check() {
				return nil
			}

		case <-liveness.C:
			if onLiveness != nil {
				if err := onLiveness(); err != nil {
					return err
				}
			}
			// The liveness probe can be slow; the predicate may have become
			// true while it ran.
			if check() {
				return nil
			}

		case <-status.C:
			if onStatus != nil {
				onStatus()
			}
		}
	}
}
