package syncpoint

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/sync/errgroup"

	"github.com/jasonlharvey/TrickHLA/internal/polling"
	"github.com/jasonlharvey/TrickHLA/internal/rendezvous"
	"github.com/jasonlharvey/TrickHLA/internal/rendezvous/mocks"
	"github.com/jasonlharvey/TrickHLA/internal/timebase"
)

// fastPolicy keeps the wait loops quick enough for tests.
func fastPolicy() polling.Policy {
	return polling.Policy{
		PollInterval:     time.Millisecond,
		LivenessInterval: 5 * time.Millisecond,
		StatusInterval:   time.Minute,
	}
}

func newTestList(t *testing.T, labels ...string) (*List, *mocks.MockService) {
	t.Helper()
	ctrl := gomock.NewController(t)
	svc := mocks.NewMockService(ctrl)
	svc.EXPECT().IsExecutionMember(gomock.Any()).Return(true).AnyTimes()
	l := NewList("startup", svc, WithWaitPolicy(fastPolicy()))
	for _, label := range labels {
		require.NoError(t, l.Add(label))
	}
	return l, svc
}

func markThrough(t *testing.T, l *List, label string, s State) {
	t.Helper()
	steps := []struct {
		target State
		mark   func(string) error
	}{
		{StateRegistered, l.MarkRegistered},
		{StateAnnounced, l.MarkAnnounced},
		{StateAchieved, l.MarkAchieved},
		{StateSynchronized, l.MarkSynchronized},
	}
	for _, step := range steps {
		if s < step.target {
			return
		}
		require.NoError(t, step.mark(label))
	}
}

func TestListAddAndLookup(t *testing.T) {
	t.Parallel()

	l, _ := newTestList(t, "initialize", "startup_complete")

	assert.True(t, l.Contains("initialize"))
	assert.False(t, l.Contains("shutdown"))
	assert.Equal(t, []string{"initialize", "startup_complete"}, l.Labels())
	assert.Equal(t, 2, l.Len())

	err := l.Add("initialize")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateLabel)

	require.Error(t, l.Add(""))

	snap, ok := l.Get("initialize")
	require.True(t, ok)
	assert.Equal(t, "initialize", snap.Label)
	assert.Equal(t, "exists", snap.State)

	l.Clear()
	assert.Equal(t, 0, l.Len())
	assert.False(t, l.Contains("initialize"))
}

func TestListAddWithTime(t *testing.T) {
	t.Parallel()

	l, _ := newTestList(t)
	require.NoError(t, l.Add("freeze_10", WithPointTime(timebase.MustTicks(10))))

	snap, ok := l.Get("freeze_10")
	require.True(t, ok)
	assert.InDelta(t, 10.0, snap.TimeSeconds, 1e-12)
}

func TestListRegisterSuccess(t *testing.T) {
	t.Parallel()

	l, svc := newTestList(t, "initialize")
	svc.EXPECT().Register(gomock.Any(), "initialize").Return(nil)

	require.NoError(t, l.Register(context.Background(), "initialize"))
	assert.True(t, l.IsRegistered("initialize"))

	// Re-registering an already registered point is a no-op.
	require.NoError(t, l.Register(context.Background(), "initialize"))
}

func TestListRegisterLostRaceCountsAsSuccess(t *testing.T) {
	t.Parallel()

	l, svc := newTestList(t, "initialize")
	svc.EXPECT().Register(gomock.Any(), "initialize").Return(&rendezvous.Error{
		Op:     "register",
		Label:  "initialize",
		Reason: rendezvous.ReasonLabelNotUnique,
	})

	require.NoError(t, l.Register(context.Background(), "initialize"))
	assert.True(t, l.IsRegistered("initialize"))
}

func TestListRegisterFatal(t *testing.T) {
	t.Parallel()

	l, svc := newTestList(t, "initialize")
	svc.EXPECT().Register(gomock.Any(), "initialize").Return(errors.New("rti connection dropped"))

	err := l.Register(context.Background(), "initialize")
	require.Error(t, err)
	assert.True(t, l.IsError("initialize"))
}

func TestListRegisterAllSkipsRegistered(t *testing.T) {
	t.Parallel()

	l, svc := newTestList(t, "a", "b", "c")
	markThrough(t, l, "b", StateRegistered)
	svc.EXPECT().Register(gomock.Any(), "a").Return(nil)
	svc.EXPECT().Register(gomock.Any(), "c").Return(nil)

	require.NoError(t, l.RegisterAll(context.Background()))
	for _, label := range []string{"a", "b", "c"} {
		assert.True(t, l.IsRegistered(label), label)
	}
}

func TestListRegisterUnknownLabel(t *testing.T) {
	t.Parallel()

	l, _ := newTestList(t)
	err := l.Register(context.Background(), "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownLabel)
}

func TestListAchieveSuccess(t *testing.T) {
	t.Parallel()

	l, svc := newTestList(t, "initialize")
	markThrough(t, l, "initialize", StateAnnounced)
	svc.EXPECT().Achieve(gomock.Any(), "initialize").Return(nil)

	achieved, err := l.Achieve(context.Background(), "initialize")
	require.NoError(t, err)
	assert.True(t, achieved)
	assert.True(t, l.IsAchieved("initialize"))

	// Achieving an achieved point succeeds without another service call.
	achieved, err = l.Achieve(context.Background(), "initialize")
	require.NoError(t, err)
	assert.True(t, achieved)
}

func TestListAchieveConcurrentCallers(t *testing.T) {
	t.Parallel()

	// Two callers race the same label: exactly one call reaches the service
	// and drives the transition, the other observes success without
	// re-transitioning.
	l, svc := newTestList(t, "race")
	markThrough(t, l, "race", StateAnnounced)
	svc.EXPECT().Achieve(gomock.Any(), "race").
		DoAndReturn(func(context.Context, string) error {
			time.Sleep(5 * time.Millisecond)
			return nil
		}).Times(1)

	var g errgroup.Group
	for range 2 {
		g.Go(func() error {
			achieved, err := l.Achieve(context.Background(), "race")
			if err != nil {
				return err
			}
			if !achieved {
				return errors.New("caller did not observe the point achieved")
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	snap, ok := l.Get("race")
	require.True(t, ok)
	assert.Equal(t, "achieved", snap.State)
}

func TestListAchieveBackfillsLocalState(t *testing.T) {
	t.Parallel()

	// The announce callback may still be in flight when the service
	// accepts the achieve.
	l, svc := newTestList(t, "initialize")
	svc.EXPECT().Achieve(gomock.Any(), "initialize").Return(nil)

	achieved, err := l.Achieve(context.Background(), "initialize")
	require.NoError(t, err)
	assert.True(t, achieved)
	assert.True(t, l.IsAnnounced("initialize"))
	assert.True(t, l.IsAchieved("initialize"))
}

func TestListAchieveTransient(t *testing.T) {
	t.Parallel()

	l, svc := newTestList(t, "initialize")
	svc.EXPECT().Achieve(gomock.Any(), "initialize").Return(&rendezvous.Error{
		Op:     "achieve",
		Label:  "initialize",
		Reason: rendezvous.ReasonNotAnnounced,
	})

	achieved, err := l.Achieve(context.Background(), "initialize")
	require.NoError(t, err)
	assert.False(t, achieved)
	assert.False(t, l.IsAchieved("initialize"))
	assert.False(t, l.IsError("initialize"))
}

func TestListAchieveFatal(t *testing.T) {
	t.Parallel()

	l, svc := newTestList(t, "initialize")
	svc.EXPECT().Achieve(gomock.Any(), "initialize").Return(errors.New("rti fault"))

	_, err := l.Achieve(context.Background(), "initialize")
	require.Error(t, err)
	assert.True(t, l.IsError("initialize"))

	_, err = l.Achieve(context.Background(), "initialize")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPointInError)
}

func TestListAchieveAll(t *testing.T) {
	t.Parallel()

	l, svc := newTestList(t, "a", "b")
	markThrough(t, l, "a", StateAnnounced)
	svc.EXPECT().Achieve(gomock.Any(), "a").Return(nil)

	// "b" is not announced yet, so the pass cannot complete.
	all, err := l.AchieveAll(context.Background())
	require.NoError(t, err)
	assert.False(t, all)
	assert.True(t, l.IsAchieved("a"))

	markThrough(t, l, "b", StateAnnounced)
	svc.EXPECT().Achieve(gomock.Any(), "b").Return(nil)

	all, err = l.AchieveAll(context.Background())
	require.NoError(t, err)
	assert.True(t, all)
}

func TestListWaitForAnnouncedImmediate(t *testing.T) {
	t.Parallel()

	l, _ := newTestList(t, "initialize")
	markThrough(t, l, "initialize", StateAnnounced)

	require.NoError(t, l.WaitForAnnounced(context.Background(), "initialize"))
}

func TestListWaitForAnnouncedBlocksUntilCallback(t *testing.T) {
	t.Parallel()

	l, _ := newTestList(t, "initialize")

	go func() {
		time.Sleep(10 * time.Millisecond)
		markThrough(t, l, "initialize", StateAnnounced)
	}()

	require.NoError(t, l.WaitForAnnounced(context.Background(), "initialize"))
	assert.True(t, l.IsAnnounced("initialize"))
}

func TestListWaitLivenessFailureIsFatal(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	svc := mocks.NewMockService(ctrl)
	svc.EXPECT().IsExecutionMember(gomock.Any()).Return(false).AnyTimes()
	l := NewList("startup", svc, WithWaitPolicy(fastPolicy()))
	require.NoError(t, l.Add("initialize"))

	err := l.WaitForAnnounced(context.Background(), "initialize")
	require.Error(t, err)
	var le *LivenessError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "initialize", le.Label)
	assert.Equal(t, "startup", le.List)
}

func TestListWaitContextCancellation(t *testing.T) {
	t.Parallel()

	l, _ := newTestList(t, "initialize")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := l.WaitForSynchronized(ctx, "initialize")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestListWaitAbortsOnErrorState(t *testing.T) {
	t.Parallel()

	l, _ := newTestList(t, "initialize")

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = l.MarkError("initialize")
	}()

	err := l.WaitForAnnounced(context.Background(), "initialize")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPointInError)
}

func TestListWaitForSynchronizedResetsForReuse(t *testing.T) {
	t.Parallel()

	l, _ := newTestList(t, "cycle")
	markThrough(t, l, "cycle", StateSynchronized)

	require.NoError(t, l.WaitForSynchronized(context.Background(), "cycle"))

	snap, ok := l.Get("cycle")
	require.True(t, ok)
	assert.Equal(t, "exists", snap.State)
	assert.Equal(t, uint64(1), snap.SyncGeneration)
}

func TestListWaitForSynchronizedConcurrentWaiters(t *testing.T) {
	t.Parallel()

	// Two waiters block on the same label. The first to observe the
	// synchronized edge resets the point; the second must still see the
	// edge through the generation counter instead of blocking forever.
	l, _ := newTestList(t, "cycle")

	var g errgroup.Group
	for range 2 {
		g.Go(func() error {
			return l.WaitForSynchronized(context.Background(), "cycle")
		})
	}

	time.Sleep(50 * time.Millisecond)
	markThrough(t, l, "cycle", StateSynchronized)

	require.NoError(t, g.Wait())
	snap, ok := l.Get("cycle")
	require.True(t, ok)
	assert.Equal(t, "exists", snap.State)
}

func TestListWaitForAllSynchronized(t *testing.T) {
	t.Parallel()

	l, _ := newTestList(t, "a", "b")
	markThrough(t, l, "a", StateSynchronized)

	go func() {
		time.Sleep(10 * time.Millisecond)
		markThrough(t, l, "b", StateSynchronized)
	}()

	require.NoError(t, l.WaitForAllSynchronized(context.Background()))
	for _, label := range []string{"a", "b"} {
		snap, ok := l.Get(label)
		require.True(t, ok)
		assert.Equal(t, "exists", snap.State, label)
	}
}
