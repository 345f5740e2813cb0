package observability

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"paidinbox/internal/store"
	"paidinbox/internal/types"
)

func seedPendingJob(t *testing.T, s store.Store) {
	t.Helper()
	job := &types.DeliveryJob{
		ID: uuid.NewString(), MessageID: uuid.NewString(), UserID: uuid.NewString(),
		Channel: "email", Destination: "a@example.com", Payload: []byte(`{}`),
		Status: types.DeliveryJobPending, MaxAttempts: 5,
	}
	created, err := s.CreateMessageDeliveryJob(context.Background(), job)
	require.NoError(t, err)
	require.True(t, created)
}

func TestHealthSnapshotAggregatesDeliveryAndIndexerLag(t *testing.T) {
	ctx := context.Background()
	s, err := store.OpenEmbeddedMemory(ctx)
	require.NoError(t, err)
	defer s.Close()
	seedPendingJob(t, s)

	fabric := NewFabric()
	fabric.SetGauge("indexer_lag_blocks", map[string]string{"chain_key": "1:0xvault"}, 7)
	alerts := NewAlertExporter("", "", time.Minute)

	hm := NewHealthMonitor(s, fabric, alerts, Thresholds{}, time.Minute)
	snap, err := hm.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), snap.DeliveryJobs.Pending)
	require.Len(t, snap.IndexerLag, 1)
}

func TestHealthCheckPushesAlertOnPendingBreach(t *testing.T) {
	ctx := context.Background()
	s, err := store.OpenEmbeddedMemory(ctx)
	require.NoError(t, err)
	defer s.Close()
	seedPendingJob(t, s)
	seedPendingJob(t, s)

	fabric := NewFabric()
	alerts := NewAlertExporter("", "", time.Minute)

	hm := NewHealthMonitor(s, fabric, alerts, Thresholds{DeliveryPendingMax: 1}, time.Minute)
	require.NoError(t, hm.Check(ctx))

	pending := alerts.Pending()
	require.Len(t, pending, 1)
	require.Equal(t, "delivery_jobs_pending_high", pending[0].Name)
}

func TestHealthCheckDisabledThresholdNeverBreaches(t *testing.T) {
	ctx := context.Background()
	s, err := store.OpenEmbeddedMemory(ctx)
	require.NoError(t, err)
	defer s.Close()
	seedPendingJob(t, s)

	fabric := NewFabric()
	alerts := NewAlertExporter("", "", time.Minute)

	hm := NewHealthMonitor(s, fabric, alerts, Thresholds{DeliveryPendingMax: 0}, time.Minute)
	require.NoError(t, hm.Check(ctx))
	require.Empty(t, alerts.Pending())
}

func TestHealthCheckPushesAlertOnIndexerLagBreach(t *testing.T) {
	ctx := context.Background()
	s, err := store.OpenEmbeddedMemory(ctx)
	require.NoError(t, err)
	defer s.Close()

	fabric := NewFabric()
	fabric.SetGauge("indexer_lag_blocks", map[string]string{"chain_key": "1:0xvault"}, 100)
	alerts := NewAlertExporter("", "", time.Minute)

	hm := NewHealthMonitor(s, fabric, alerts, Thresholds{IndexerLagBlocksMax: 50}, time.Minute)
	require.NoError(t, hm.Check(ctx))

	pending := alerts.Pending()
	require.Len(t, pending, 1)
	require.Equal(t, "indexer_lag_high", pending[0].Name)
}

func TestHealthCheckSkipsDisabledThresholds(t *testing.T) {
	ctx := context.Background()
	s, err := store.OpenEmbeddedMemory(ctx)
	require.NoError(t, err)
	defer s.Close()
	seedPendingJob(t, s)

	fabric := NewFabric()
	fabric.SetGauge("indexer_lag_blocks", map[string]string{"chain_key": "1:0xvault"}, 1000)
	alerts := NewAlertExporter("", "", time.Minute)

	hm := NewHealthMonitor(s, fabric, alerts, Thresholds{}, time.Minute)
	require.NoError(t, hm.Check(ctx))
	require.Empty(t, alerts.Pending())
}
