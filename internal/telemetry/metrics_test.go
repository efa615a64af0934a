package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreNoOps(t *testing.T) {
	t.Parallel()

	var sm *SyncMetrics
	var bm *BarrierMetrics

	// Must not panic.
	sm.RecordWaitDuration(context.Background(), "startup", "init", WaitPhaseAnnounced, time.Second)
	sm.RecordAchieveRetry(context.Background(), "init", "not-connected")
	bm.RecordBarrierWait(context.Background(), 1, "send", time.Millisecond)
}

func TestNewMetricsWithNilProvider(t *testing.T) {
	t.Parallel()

	sm, err := NewSyncMetrics(nil)
	require.NoError(t, err)
	assert.Nil(t, sm)

	bm, err := NewBarrierMetrics(nil)
	require.NoError(t, err)
	assert.Nil(t, bm)
}

func TestMeterProviderRecords(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	provider, err := NewMeterProvider(WithRegisterer(reg))
	require.NoError(t, err)

	sm, err := NewSyncMetrics(provider)
	require.NoError(t, err)
	require.NotNil(t, sm)

	bm, err := NewBarrierMetrics(provider)
	require.NoError(t, err)
	require.NotNil(t, bm)

	sm.RecordWaitDuration(context.Background(), "startup", "init", WaitPhaseSynchronized, 50*time.Millisecond)
	sm.RecordAchieveRetry(context.Background(), "init", "save-in-progress")
	bm.RecordBarrierWait(context.Background(), 2, "receive", time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["trickhla_sync_point_wait_seconds"], "wait histogram should be exported, got %v", names)
	assert.True(t, names["trickhla_sync_point_achieve_retries_total"])
	assert.True(t, names["trickhla_thread_barrier_wait_seconds"])
	assert.True(t, names["trickhla_thread_barrier_frames_total"])
}
