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

	"github.com/jasonlharvey/TrickHLA/internal/rendezvous"
	"github.com/jasonlharvey/TrickHLA/internal/rendezvous/mocks"
)

func newTestManager(t *testing.T) (*Manager, *mocks.MockService) {
	t.Helper()
	ctrl := gomock.NewController(t)
	svc := mocks.NewMockService(ctrl)
	svc.EXPECT().IsExecutionMember(gomock.Any()).Return(true).AnyTimes()
	m := NewManager(svc,
		WithManagerWaitPolicy(fastPolicy()),
		WithAchieveRetryInterval(time.Millisecond))
	return m, svc
}

func TestManagerListAndLabelBookkeeping(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)

	_, err := m.AddList("startup")
	require.NoError(t, err)
	_, err = m.AddList("runtime")
	require.NoError(t, err)

	_, err = m.AddList("startup")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateList)

	_, err = m.AddList("")
	require.Error(t, err)

	require.NoError(t, m.AddSyncPoint("startup", "initialize"))
	assert.True(t, m.ContainsSyncPoint("initialize"))

	// Labels are unique across every list, not just within one.
	err = m.AddSyncPoint("runtime", "initialize")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateLabel)

	require.Error(t, m.AddSyncPoint("missing", "x"))

	assert.Equal(t, []string{"startup", "runtime"}, m.ListNames())
}

func TestManagerRoutesOperationsByLabel(t *testing.T) {
	t.Parallel()

	m, svc := newTestManager(t)
	_, err := m.AddList("startup")
	require.NoError(t, err)
	require.NoError(t, m.AddSyncPoint("startup", "initialize"))

	svc.EXPECT().Register(gomock.Any(), "initialize").Return(nil)
	require.NoError(t, m.RegisterSyncPoint(context.Background(), "initialize"))

	err = m.RegisterSyncPoint(context.Background(), "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownLabel)

	err = m.WaitForAnnounced(context.Background(), "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownLabel)
}

func TestManagerRoutedPredicatesAndMarks(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	_, err := m.AddList("startup")
	require.NoError(t, err)
	require.NoError(t, m.AddSyncPoint("startup", "initialize"))

	assert.False(t, m.IsRegistered("initialize"))
	assert.False(t, m.IsRegistered("nope"))

	require.NoError(t, m.MarkRegistered("initialize"))
	require.NoError(t, m.MarkAnnounced("initialize"))
	assert.True(t, m.IsRegistered("initialize"))
	assert.True(t, m.IsAnnounced("initialize"))
	assert.False(t, m.IsAchieved("initialize"))

	require.NoError(t, m.MarkAchieved("initialize"))
	require.NoError(t, m.MarkSynchronized("initialize"))
	assert.True(t, m.IsAchieved("initialize"))
	assert.True(t, m.IsSynchronized("initialize"))
	assert.False(t, m.IsError("initialize"))

	err = m.MarkAnnounced("nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownLabel)
}

func TestManagerCallbackRouting(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	l, err := m.AddList("startup")
	require.NoError(t, err)
	require.NoError(t, m.AddSyncPoint("startup", "initialize"))
	require.NoError(t, m.AddSyncPoint("startup", "startup_complete"))

	m.SyncPointRegistrationSucceeded("initialize")
	assert.True(t, l.IsRegistered("initialize"))

	m.SyncPointAnnounced("initialize", []byte("tag"))
	assert.True(t, l.IsAnnounced("initialize"))

	m.SyncPointFederationSynchronized("initialize")
	assert.True(t, l.IsSynchronized("initialize"))

	// Losing the registration race is still a successful registration.
	m.SyncPointRegistrationFailed("startup_complete", rendezvous.ReasonLabelNotUnique)
	assert.True(t, l.IsRegistered("startup_complete"))
	assert.False(t, l.IsError("startup_complete"))
}

func TestManagerRegistrationFailurePoisonsPoint(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	l, err := m.AddList("startup")
	require.NoError(t, err)
	require.NoError(t, m.AddSyncPoint("startup", "initialize"))

	m.SyncPointRegistrationFailed("initialize", rendezvous.ReasonNotConnected)
	assert.True(t, l.IsError("initialize"))
}

func TestManagerRegistrationFailureForUntrackedLabel(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)

	m.SyncPointRegistrationFailed("ghost", rendezvous.ReasonNotConnected)

	unknown, ok := m.GetList(UnknownListName)
	require.True(t, ok)
	assert.True(t, unknown.Contains("ghost"))
}

func TestManagerAnnouncementBackfillsRegistered(t *testing.T) {
	t.Parallel()

	// Another federate registered the point, so the first thing this
	// federate hears about it is the announcement.
	m, _ := newTestManager(t)
	l, err := m.AddList("startup")
	require.NoError(t, err)
	require.NoError(t, m.AddSyncPoint("startup", "initialize"))

	m.SyncPointAnnounced("initialize", nil)
	assert.True(t, l.IsRegistered("initialize"))
	assert.True(t, l.IsAnnounced("initialize"))
}

func TestManagerAdoptsUnrecognizedAnnouncement(t *testing.T) {
	t.Parallel()

	m, svc := newTestManager(t)
	svc.EXPECT().Achieve(gomock.Any(), "mystery").Return(nil)

	m.SyncPointAnnounced("mystery", nil)

	unknown, ok := m.GetList(UnknownListName)
	require.True(t, ok)
	assert.True(t, unknown.Contains("mystery"))
	assert.True(t, unknown.IsAchieved("mystery"))
}

func TestManagerAchieveUnrecognizedLabel(t *testing.T) {
	t.Parallel()

	m, svc := newTestManager(t)
	svc.EXPECT().Achieve(gomock.Any(), "mystery").Return(nil)

	achieved, err := m.AchieveSyncPoint(context.Background(), "mystery")
	require.NoError(t, err)
	assert.True(t, achieved)

	unknown, ok := m.GetList(UnknownListName)
	require.True(t, ok)
	assert.True(t, unknown.IsAchieved("mystery"))
}

func TestManagerAchieveAndWaitRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	m, svc := newTestManager(t)
	_, err := m.AddList("startup")
	require.NoError(t, err)
	require.NoError(t, m.AddSyncPoint("startup", "initialize"))

	transient := &rendezvous.Error{
		Op:     "achieve",
		Label:  "initialize",
		Reason: rendezvous.ReasonNotAnnounced,
	}
	gomock.InOrder(
		svc.EXPECT().Achieve(gomock.Any(), "initialize").Return(transient),
		svc.EXPECT().Achieve(gomock.Any(), "initialize").Return(transient),
		svc.EXPECT().Achieve(gomock.Any(), "initialize").Return(nil),
	)

	done := make(chan error, 1)
	go func() {
		done <- m.AchieveAndWaitForSynchronization(context.Background(), "initialize")
	}()

	time.Sleep(50 * time.Millisecond)
	m.SyncPointFederationSynchronized("initialize")

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for synchronization")
	}
}

func TestManagerAchieveAndWaitOutlastsLongTransientStreak(t *testing.T) {
	t.Parallel()

	// A federation save or restore can defer the achieve for an arbitrarily
	// long stretch. The retry loop must carry no elapsed-time cap: only a
	// fatal failure or context cancellation ends it.
	m, svc := newTestManager(t)
	_, err := m.AddList("startup")
	require.NoError(t, err)
	require.NoError(t, m.AddSyncPoint("startup", "initialize"))

	transient := &rendezvous.Error{
		Op:     "achieve",
		Label:  "initialize",
		Reason: rendezvous.ReasonSaveInProgress,
	}
	const deferredAttempts = 200
	calls := 0
	svc.EXPECT().Achieve(gomock.Any(), "initialize").
		DoAndReturn(func(context.Context, string) error {
			calls++
			if calls <= deferredAttempts {
				return transient
			}
			return nil
		}).Times(deferredAttempts + 1)

	done := make(chan error, 1)
	go func() {
		done <- m.AchieveAndWaitForSynchronization(context.Background(), "initialize")
	}()

	// Let the full transient streak drain before synchronizing.
	require.Eventually(t, func() bool {
		return m.IsAchieved("initialize")
	}, 10*time.Second, time.Millisecond)
	m.SyncPointFederationSynchronized("initialize")

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for synchronization")
	}
}

func TestManagerAchieveAndWaitCancellationDuringRetries(t *testing.T) {
	t.Parallel()

	m, svc := newTestManager(t)
	_, err := m.AddList("startup")
	require.NoError(t, err)
	require.NoError(t, m.AddSyncPoint("startup", "initialize"))

	transient := &rendezvous.Error{
		Op:     "achieve",
		Label:  "initialize",
		Reason: rendezvous.ReasonRestoreInProgress,
	}
	svc.EXPECT().Achieve(gomock.Any(), "initialize").Return(transient).AnyTimes()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- m.AchieveAndWaitForSynchronization(ctx, "initialize")
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		// The retry sentinel stays internal even on abort.
		assert.NotErrorIs(t, err, errNotYetAchieved)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for cancellation")
	}
}

func TestManagerAchieveAndWaitPermanentFailure(t *testing.T) {
	t.Parallel()

	m, svc := newTestManager(t)
	_, err := m.AddList("startup")
	require.NoError(t, err)
	require.NoError(t, m.AddSyncPoint("startup", "initialize"))

	svc.EXPECT().Achieve(gomock.Any(), "initialize").Return(errors.New("rti fault"))

	err = m.AchieveAndWaitForSynchronization(context.Background(), "initialize")
	require.Error(t, err)
}

func TestManagerSnapshot(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	_, err := m.AddList("startup")
	require.NoError(t, err)
	require.NoError(t, m.AddSyncPoint("startup", "initialize"))
	m.SyncPointAnnounced("initialize", nil)

	snap := m.Snapshot()
	require.Len(t, snap.Lists, 1)
	assert.Equal(t, "startup", snap.Lists[0].Name)
	require.Len(t, snap.Lists[0].Points, 1)
	assert.Equal(t, "announced", snap.Lists[0].Points[0].State)
}

func TestManagerFederationRoundTrip(t *testing.T) {
	t.Parallel()

	// Two federates coordinate one sync point end to end over the
	// in-process federation. One registers; both achieve and block until
	// the federation synchronizes.
	loop := rendezvous.NewLoopback()
	defer loop.Close()

	managers := make([]*Manager, 2)
	for i, name := range []string{"pacing", "imaging"} {
		dh := &rendezvous.DeferredHandler{}
		fed := loop.Join(name, dh)
		m := NewManager(fed,
			WithManagerWaitPolicy(fastPolicy()),
			WithAchieveRetryInterval(time.Millisecond))
		dh.Set(m)
		_, err := m.AddList("startup")
		require.NoError(t, err)
		require.NoError(t, m.AddSyncPoint("startup", "initialize"))
		managers[i] = m
	}

	require.NoError(t, managers[0].RegisterSyncPoint(context.Background(), "initialize"))

	var g errgroup.Group
	for _, m := range managers {
		g.Go(func() error {
			if err := m.WaitForAnnounced(context.Background(), "initialize"); err != nil {
				return err
			}
			return m.AchieveAndWaitForSynchronization(context.Background(), "initialize")
		})
	}
	require.NoError(t, g.Wait())

	// Synchronization consumed the point and reset it for reuse.
	for _, m := range managers {
		l, ok := m.GetList("startup")
		require.True(t, ok)
		snap, ok := l.Get("initialize")
		require.True(t, ok)
		assert.Equal(t, "exists", snap.State)
		assert.Equal(t, uint64(1), snap.SyncGeneration)
	}
}
