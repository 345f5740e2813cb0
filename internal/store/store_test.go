package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"paidinbox/internal/types"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := OpenEmbeddedMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedUser(t *testing.T, s Store, wallet, handle string, balance int64) *types.User {
	t.Helper()
	u := &types.User{WalletAddress: wallet, Handle: handle, Discoverable: true, BalanceMinorUnits: balance}
	require.NoError(t, s.CreateUser(context.Background(), u))
	return u
}

func TestCreateAndLookupUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, "0xAbC0000000000000000000000000000000dEaD", "alice", 1000)

	byWallet, err := s.GetUserByWallet(ctx, "0xabc0000000000000000000000000000000dead")
	require.NoError(t, err)
	require.Equal(t, u.ID, byWallet.ID)

	byHandle, err := s.GetUserByHandle(ctx, "ALICE")
	require.NoError(t, err)
	require.Equal(t, u.ID, byHandle.ID)

	_, err = s.GetUserByID(ctx, "does-not-exist")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreditBalanceRejectsNegativeOverdraw(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, "0x1", "bob", 100)

	require.NoError(t, s.CreditBalance(ctx, u.ID, 50, "topup"))
	got, err := s.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, int64(150), got.BalanceMinorUnits)

	err = s.CreditBalance(ctx, u.ID, -1000, "bad debit")
	require.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestChangeHandleRespectsCooldown(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, "0x2", "carol", 0)

	require.NoError(t, s.ChangeHandle(ctx, u.ID, "carolyn", time.Hour))
	err := s.ChangeHandle(ctx, u.ID, "carolina", time.Hour)
	require.ErrorIs(t, err, ErrHandleCooldown)

	// A zero cooldown always allows the change.
	require.NoError(t, s.ChangeHandle(ctx, u.ID, "carolina", 0))
	got, err := s.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, "carolina", got.Handle)
}

func TestInsertPaidMessageDebitsAndDedupesIdempotencyKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sender := seedUser(t, s, "0x3", "dave", 500)
	recipient := seedUser(t, s, "0x4", "erin", 0)

	in := PaidMessageInput{
		MessageID: "msg-1", SenderID: sender.ID, RecipientID: recipient.ID,
		Ciphertext: []byte("hello"), ContentHash: "hash-1", Price: 200, IdempotencyKey: "idem-1",
	}
	msg, err := s.InsertPaidMessage(ctx, in)
	require.NoError(t, err)
	require.Equal(t, types.MessageStatusPaid, msg.Status)

	got, err := s.GetUserByID(ctx, sender.ID)
	require.NoError(t, err)
	require.Equal(t, int64(300), got.BalanceMinorUnits)

	in2 := in
	in2.MessageID = "msg-2"
	_, err = s.InsertPaidMessage(ctx, in2)
	require.ErrorIs(t, err, ErrIdempotencyConflict)

	byIdem, err := s.GetMessageByIdempotency(ctx, sender.ID, "idem-1")
	require.NoError(t, err)
	require.Equal(t, "msg-1", byIdem.ID)
}

func TestInsertPaidMessageRejectsInsufficientBalance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sender := seedUser(t, s, "0x5", "frank", 50)
	recipient := seedUser(t, s, "0x6", "gina", 0)

	_, err := s.InsertPaidMessage(ctx, PaidMessageInput{
		MessageID: "msg-3", SenderID: sender.ID, RecipientID: recipient.ID,
		ContentHash: "hash-2", Price: 200,
	})
	require.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestCreateMessageDeliveryJobDedupesOnDestination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := &types.DeliveryJob{MessageID: "m1", UserID: "u1", Channel: "email", Destination: "a@b.com", MaxAttempts: 5}
	created, err := s.CreateMessageDeliveryJob(ctx, job)
	require.NoError(t, err)
	require.True(t, created)

	dup := &types.DeliveryJob{MessageID: "m1", UserID: "u1", Channel: "email", Destination: "a@b.com", MaxAttempts: 5}
	created, err = s.CreateMessageDeliveryJob(ctx, dup)
	require.NoError(t, err)
	require.False(t, created)
}

func TestClaimDueDeliveryJobsLocksAndOrders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	older := &types.DeliveryJob{MessageID: "m1", UserID: "u1", Channel: "email", Destination: "a@b.com", MaxAttempts: 5, NextAttemptAt: now.Add(-time.Minute)}
	newer := &types.DeliveryJob{MessageID: "m2", UserID: "u1", Channel: "sms", Destination: "+1", MaxAttempts: 5, NextAttemptAt: now}
	_, err := s.CreateMessageDeliveryJob(ctx, older)
	require.NoError(t, err)
	_, err = s.CreateMessageDeliveryJob(ctx, newer)
	require.NoError(t, err)

	claimed, err := s.ClaimDueDeliveryJobs(ctx, "worker-1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.Equal(t, older.MessageID, claimed[0].MessageID)
	require.Equal(t, types.DeliveryJobProcessing, claimed[0].Status)
	require.Equal(t, 1, claimed[0].Attempts)

	// Still locked: a second worker should see nothing due.
	again, err := s.ClaimDueDeliveryJobs(ctx, "worker-2", 10, time.Minute)
	require.NoError(t, err)
	require.Empty(t, again)
}

func TestJobLifecycleAndDeadLetter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := &types.DeliveryJob{MessageID: "m1", UserID: "u1", Channel: "email", Destination: "a@b.com", MaxAttempts: 1}
	_, err := s.CreateMessageDeliveryJob(ctx, job)
	require.NoError(t, err)

	claimed, err := s.ClaimDueDeliveryJobs(ctx, "worker-1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, s.MarkJobDeadLetter(ctx, claimed[0].ID, "sink unreachable"))
	stats, err := s.JobStats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Failed)
	require.Equal(t, int64(1), stats.DeadLetter)

	dead, err := s.ListDeadLettered(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
}

func TestAdvanceCheckpointIsMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.AdvanceCheckpoint(ctx, "base", 100))
	require.NoError(t, s.AdvanceCheckpoint(ctx, "base", 50))

	got, err := s.GetCheckpoint(ctx, "base")
	require.NoError(t, err)
	require.Equal(t, uint64(100), got)
}

func TestInsertChainEventIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ev := &types.ChainEvent{ChainKey: "base", TxHash: "0xdead", LogIndex: 0, Payer: "0x1", Recipient: "0x2", Amount: 10, BlockNumber: 1, BlockHash: "0xblk"}
	inserted, err := s.InsertChainEvent(ctx, ev)
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = s.InsertChainEvent(ctx, ev)
	require.NoError(t, err)
	require.False(t, inserted)
}

func TestUpsertAbuseBlockKeepsLatestBlockedUntil(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertAbuseBlock(ctx, &types.AbuseBlock{KeyType: types.AbuseKeySender, KeyValue: "u1", BlockedUntil: 1000, Reason: "rate"}))
	require.NoError(t, s.UpsertAbuseBlock(ctx, &types.AbuseBlock{KeyType: types.AbuseKeySender, KeyValue: "u1", BlockedUntil: 500, Reason: "manual"}))

	b, err := s.GetActiveBlock(ctx, types.AbuseKeySender, "u1", 0)
	require.NoError(t, err)
	require.NotNil(t, b)
	require.Equal(t, int64(1000), b.BlockedUntil)
	require.Equal(t, "manual", b.Reason)

	expired, err := s.GetActiveBlock(ctx, types.AbuseKeySender, "u1", 2000)
	require.NoError(t, err)
	require.Nil(t, expired)
}

func TestSaveIdentityBindingDetectsWalletCollision(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveIdentityBinding(ctx, &types.IdentityBinding{
		Method: "oauth", Provider: "google", Subject: "sub-1", UserID: "u1", WalletAddress: "0xAAA",
	}))
	err := s.SaveIdentityBinding(ctx, &types.IdentityBinding{
		Method: "oauth", Provider: "google", Subject: "sub-2", UserID: "u2", WalletAddress: "0xaaa",
	})
	require.ErrorIs(t, err, ErrWalletCollision)

	// Same subject re-binding the same wallet is an update, not a collision.
	require.NoError(t, s.SaveIdentityBinding(ctx, &types.IdentityBinding{
		Method: "oauth", Provider: "google", Subject: "sub-1", UserID: "u1", WalletAddress: "0xaaa",
	}))
}

func TestIncrementAbuseCounterAccumulatesPerWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	n, err := s.IncrementAbuseCounter(ctx, types.AbuseKeyIP, "1.2.3.4", 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	n, err = s.IncrementAbuseCounter(ctx, types.AbuseKeyIP, "1.2.3.4", 0)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	n, err = s.IncrementAbuseCounter(ctx, types.AbuseKeyIP, "1.2.3.4", 60000)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}
