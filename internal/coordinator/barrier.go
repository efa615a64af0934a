package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/jasonlharvey/TrickHLA/internal/polling"
	"github.com/jasonlharvey/TrickHLA/internal/timebase"
)

const (
	directionSend    = "send"
	directionReceive = "receive"
)

// onReceiveBoundary reports whether a thread or object with the given cycle
// exchanges data at simulation time now. An unset cycle is always on
// boundary.
func onReceiveBoundary(cycle, now timebase.Tick) bool {
	if cycle == 0 {
		return true
	}
	return now%cycle == 0
}

// onSendBoundaryLocked phase-shifts the boundary to the end of the cycle. A
// child thread's data is valid only at the end of its longer cycle, so the
// main thread waits for it at that frame only.
func (c *Coordinator) onSendBoundaryLocked(cycle, now timebase.Tick) bool {
	if cycle == 0 {
		return true
	}
	shifted := now - (cycle - c.mainCycle)
	if shifted < 0 {
		return false
	}
	return shifted%cycle == 0
}

// OnReceiveBoundaryForThread reports whether the thread exchanges received
// data at the current simulation time.
func (c *Coordinator) OnReceiveBoundaryForThread(threadID int) bool {
	now := c.timeline.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if threadID < 0 || threadID >= len(c.threads) {
		return false
	}
	return onReceiveBoundary(c.threads[threadID].cycle, now)
}

// OnSendBoundaryForThread reports whether the thread's data is due to be
// sent at the current simulation time.
func (c *Coordinator) OnSendBoundaryForThread(threadID int) bool {
	now := c.timeline.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if threadID < 0 || threadID >= len(c.threads) {
		return false
	}
	return c.onSendBoundaryLocked(c.threads[threadID].cycle, now)
}

// OnReceiveBoundaryForObject reports whether the object exchanges received
// data at the current simulation time.
func (c *Coordinator) OnReceiveBoundaryForObject(index int) bool {
	now := c.timeline.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 || index >= len(c.objectCycle) {
		return false
	}
	return onReceiveBoundary(c.objectCycle[index], now)
}

// participatesLocked reports whether the thread takes part in the barrier
// at all.
func (c *Coordinator) participatesLocked(threadID int) bool {
	ti := c.threads[threadID]
	return ti.cycle != 0 && ti.state != StateDisabled && ti.state != StateNotAssociated
}

// AnnounceDataAvailable tells every thread on its receive boundary that
// received data is in place. Called from the main thread after the receive,
// once per frame. Child threads blocked in WaitToReceiveData unblock on the
// main thread's state, which is set last.
func (c *Coordinator) AnnounceDataAvailable() {
	now := c.timeline.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return
	}
	for id := 1; id < len(c.threads); id++ {
		if c.participatesLocked(id) && onReceiveBoundary(c.threads[id].cycle, now) {
			c.threads[id].state = StateReadyToReceive
		}
	}
	c.threads[MainThreadID].state = StateReadyToReceive
}

// AnnounceDataSent tells every thread on its send boundary that this
// frame's data went out. Called from the main thread after the send, once
// per frame. Child threads blocked in WaitToSendData unblock on the main
// thread's state, which is set last.
func (c *Coordinator) AnnounceDataSent() {
	now := c.timeline.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return
	}
	for id := 1; id < len(c.threads); id++ {
		if c.participatesLocked(id) && c.onSendBoundaryLocked(c.threads[id].cycle, now) {
			c.threads[id].state = StateReadyToSend
		}
	}
	c.threads[MainThreadID].state = StateReadyToSend
}

// WaitToSendData blocks the calling thread until the send barrier passes.
//
// On the main thread it waits for every associated, non-disabled child
// thread currently on its send boundary to reach ready-to-send; the caller
// then performs the send and calls AnnounceDataSent. On a child thread it
// marks the thread ready-to-send and waits for the main thread's announce,
// returning immediately when the thread is off boundary or not
// participating.
func (c *Coordinator) WaitToSendData(ctx context.Context, threadID int) error {
	if threadID == MainThreadID {
		return c.mainBarrier(ctx, StateReadyToSend, directionSend)
	}
	return c.childBarrier(ctx, threadID, StateReadyToSend, directionSend)
}

// WaitToReceiveData blocks the calling thread until the receive barrier
// passes.
//
// On the main thread it waits for every associated, non-disabled child
// thread currently on its receive boundary to reach ready-to-receive; the
// caller then performs the receive and calls AnnounceDataAvailable. On a
// child thread it marks the thread ready-to-receive and waits for the main
// thread's announce.
func (c *Coordinator) WaitToReceiveData(ctx context.Context, threadID int) error {
	if threadID == MainThreadID {
		return c.mainBarrier(ctx, StateReadyToReceive, directionReceive)
	}
	return c.childBarrier(ctx, threadID, StateReadyToReceive, directionReceive)
}

func (c *Coordinator) onBoundaryLocked(threadID int, direction string, now timebase.Tick) bool {
	if direction == directionSend {
		return c.onSendBoundaryLocked(c.threads[threadID].cycle, now)
	}
	return onReceiveBoundary(c.threads[threadID].cycle, now)
}

// mainBarrier waits for every eligible child thread to reach the ready
// state. Eligibility is fixed from the simulation time at entry; the host
// scheduler calls the main and child waits at the same frame time.
func (c *Coordinator) mainBarrier(ctx context.Context, ready ThreadState, direction string) error {
	now := c.timeline.Now()

	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return ErrNotInitialized
	}
	var eligible []int
	for id := 1; id < len(c.threads); id++ {
		if c.participatesLocked(id) && c.onBoundaryLocked(id, direction, now) {
			eligible = append(eligible, id)
		}
	}
	c.mu.Unlock()

	if len(eligible) == 0 {
		return nil
	}

	start := time.Now()
	check := func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		for _, id := range eligible {
			if c.threads[id].state != ready {
				return false
			}
		}
		return true
	}

	err := polling.Wait(ctx, c.policy, check, c.liveness,
		c.statusReporter(MainThreadID, direction, eligible))
	if err != nil {
		return err
	}
	c.metrics.RecordBarrierWait(ctx, MainThreadID, direction, time.Since(start))
	return nil
}

// childBarrier marks the child thread ready and waits for the main
// thread's announce, then resets the thread for the next frame.
func (c *Coordinator) childBarrier(ctx context.Context, threadID int, ready ThreadState, direction string) error {
	now := c.timeline.Now()

	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return ErrNotInitialized
	}
	if threadID < 0 || threadID >= len(c.threads) {
		c.mu.Unlock()
		return configErrorf("no thread %d, valid thread IDs are 0..%d", threadID, len(c.threads)-1)
	}
	if !c.participatesLocked(threadID) || !c.onBoundaryLocked(threadID, direction, now) {
		c.mu.Unlock()
		return nil
	}
	c.threads[threadID].state = ready
	c.mu.Unlock()

	start := time.Now()
	check := func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.threads[MainThreadID].state == ready
	}

	err := polling.Wait(ctx, c.policy, check, c.liveness,
		c.statusReporter(threadID, direction, nil))
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.threads[threadID].state = StateReset
	c.mu.Unlock()

	c.metrics.RecordBarrierWait(ctx, threadID, direction, time.Since(start))
	return nil
}

func (c *Coordinator) statusReporter(threadID int, direction string, eligible []int) func() {
	return func() {
		c.mu.Lock()
		states := make(map[int]string)
		if threadID == MainThreadID {
			for _, id := range eligible {
				states[id] = c.threads[id].state.String()
			}
		} else {
			states[MainThreadID] = c.threads[MainThreadID].state.String()
		}
		c.mu.Unlock()

		slog.Info("Still waiting at data cycle barrier",
			"thread_id", threadID,
			"direction", direction,
			"waiting_on", states)
	}
}
