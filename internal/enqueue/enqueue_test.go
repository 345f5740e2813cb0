package enqueue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"paidinbox/internal/observability"
	"paidinbox/internal/store"
	"paidinbox/internal/types"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.OpenEmbeddedMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestForMessageEnqueuesOnlyConsentCurrentChannels(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	fabric := observability.NewFabric()

	recipient := &types.User{WalletAddress: "0xaaa", Handle: "alice"}
	require.NoError(t, s.CreateUser(ctx, recipient))

	require.NoError(t, s.UpsertChannelConnection(ctx, &types.ChannelConnection{
		UserID: recipient.ID, Channel: "email", ExternalHandle: "alice@example.com", Status: types.ChannelConnected,
	}))
	require.NoError(t, s.UpsertChannelConnection(ctx, &types.ChannelConnection{
		UserID: recipient.ID, Channel: "whatsapp", ExternalHandle: "+15555550100", Status: types.ChannelConnected,
		ConsentVersion: "old-version", ConsentAcceptedAt: time.Now(),
	}))

	msg := &types.Message{ID: uuid.NewString(), Price: 100}
	ForMessage(ctx, s, fabric, "2024-01-01", true, 5, msg, recipient.ID)

	jobs, err := s.ClaimDueDeliveryJobs(ctx, "w1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "email", jobs[0].Channel)

	out := fabric.Render()
	require.Contains(t, out, `delivery_job_skip_total{reason="stale_channel_consent"} 1`)
}

func TestForMessageSkipsDisconnectedChannels(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	fabric := observability.NewFabric()

	recipient := &types.User{WalletAddress: "0xbbb", Handle: "bob"}
	require.NoError(t, s.CreateUser(ctx, recipient))
	require.NoError(t, s.UpsertChannelConnection(ctx, &types.ChannelConnection{
		UserID: recipient.ID, Channel: "email", ExternalHandle: "bob@example.com", Status: types.ChannelDisconnected,
	}))

	msg := &types.Message{ID: uuid.NewString(), Price: 50}
	ForMessage(ctx, s, fabric, "2024-01-01", true, 5, msg, recipient.ID)

	jobs, err := s.ClaimDueDeliveryJobs(ctx, "w1", 10, time.Minute)
	require.NoError(t, err)
	require.Empty(t, jobs)
}
