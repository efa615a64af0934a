package rendezvous

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingHandler collects callbacks and lets tests wait for them.
type recordingHandler struct {
	mu     sync.Mutex
	events []string
	signal chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{signal: make(chan struct{}, 64)}
}

func (h *recordingHandler) record(event string) {
	h.mu.Lock()
	h.events = append(h.events, event)
	h.mu.Unlock()
	h.signal <- struct{}{}
}

func (h *recordingHandler) SyncPointRegistrationSucceeded(label string) {
	h.record("registered:" + label)
}

func (h *recordingHandler) SyncPointRegistrationFailed(label string, reason FailureReason) {
	h.record("failed:" + label + ":" + string(reason))
}

func (h *recordingHandler) SyncPointAnnounced(label string, _ []byte) {
	h.record("announced:" + label)
}

func (h *recordingHandler) SyncPointFederationSynchronized(label string) {
	h.record("synchronized:" + label)
}

func (h *recordingHandler) waitFor(t *testing.T, event string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		h.mu.Lock()
		for _, e := range h.events {
			if e == event {
				h.mu.Unlock()
				return
			}
		}
		h.mu.Unlock()
		select {
		case <-h.signal:
		case <-deadline:
			t.Fatalf("timed out waiting for event %q, saw %v", event, h.events)
		}
	}
}

func TestLoopbackRegisterAnnounceAchieve(t *testing.T) {
	t.Parallel()

	l := NewLoopback()
	defer l.Close()

	h := newRecordingHandler()
	fed := l.Join("pacing", h)

	require.NoError(t, fed.Register(context.Background(), "startup"))
	h.waitFor(t, "registered:startup")
	h.waitFor(t, "announced:startup")

	require.NoError(t, fed.Achieve(context.Background(), "startup"))
	h.waitFor(t, "synchronized:startup")
}

func TestLoopbackRegistrationRace(t *testing.T) {
	t.Parallel()

	l := NewLoopback()
	defer l.Close()

	h1 := newRecordingHandler()
	h2 := newRecordingHandler()
	fed1 := l.Join("pacing", h1)
	fed2 := l.Join("vehicle", h2)

	require.NoError(t, fed1.Register(context.Background(), "init"))
	require.NoError(t, fed2.Register(context.Background(), "init"))

	h1.waitFor(t, "registered:init")
	h2.waitFor(t, "failed:init:"+string(ReasonLabelNotUnique))

	// Both federates see the announcement.
	h1.waitFor(t, "announced:init")
	h2.waitFor(t, "announced:init")

	// Synchronized only after both achieve.
	require.NoError(t, fed1.Achieve(context.Background(), "init"))
	require.NoError(t, fed2.Achieve(context.Background(), "init"))
	h1.waitFor(t, "synchronized:init")
	h2.waitFor(t, "synchronized:init")
}

func TestLoopbackAchieveUnannounced(t *testing.T) {
	t.Parallel()

	l := NewLoopback()
	defer l.Close()

	fed := l.Join("pacing", newRecordingHandler())

	err := fed.Achieve(context.Background(), "never-registered")
	require.Error(t, err)
	assert.Equal(t, ReasonNotAnnounced, ReasonOf(err))
	assert.True(t, ReasonOf(err).RetryableAchieve())
}

func TestLoopbackResign(t *testing.T) {
	t.Parallel()

	l := NewLoopback()
	defer l.Close()

	fed := l.Join("pacing", newRecordingHandler())
	require.True(t, fed.IsExecutionMember(context.Background()))

	fed.Resign()
	assert.False(t, fed.IsExecutionMember(context.Background()))

	err := fed.Register(context.Background(), "late")
	require.Error(t, err)
	assert.Equal(t, ReasonNotConnected, ReasonOf(err))
}

func TestFailureReasonClassification(t *testing.T) {
	t.Parallel()

	retryable := []FailureReason{
		ReasonNotAnnounced, ReasonSaveInProgress, ReasonRestoreInProgress,
		ReasonNotConnected, ReasonInternalError,
	}
	for _, r := range retryable {
		assert.True(t, r.RetryableAchieve(), "reason %s", r)
	}
	assert.False(t, ReasonLabelNotUnique.RetryableAchieve())
	assert.False(t, ReasonUnknown.RetryableAchieve())
}

func TestReasonOfPlainError(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ReasonUnknown, ReasonOf(context.Canceled))
}
