package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"paidinbox/internal/abuse"
	"paidinbox/internal/audit"
	"paidinbox/internal/errs"
	"paidinbox/internal/lockrate"
	"paidinbox/internal/observability"
	"paidinbox/internal/store"
	"paidinbox/internal/types"
	"paidinbox/pkg/config"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, store.Store) {
	t.Helper()
	s, err := store.OpenEmbeddedMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	cfg := &config.Config{}
	cfg.RateLimit.Max = 100
	cfg.RateLimit.WindowMS = 60000
	cfg.Abuse.Enabled = false
	cfg.Legal.TOSVersion = "2024-01-01"
	cfg.Legal.RequireSocialTOS = true
	cfg.Worker.MaxAttempts = 5

	bucket := lockrate.NewBucket(nil, false)
	fabric := observability.NewFabric()
	abuseEngine := abuse.New(s, cfg, audit.New(s, fabric))
	ledger := audit.New(s, fabric)
	tracer := observability.NewTracer(0)

	return New(s, cfg, bucket, abuseEngine, ledger, fabric, tracer), s
}

func seedUser(t *testing.T, s store.Store, wallet, handle string, balance int64) *types.User {
	t.Helper()
	u := &types.User{WalletAddress: wallet, Handle: handle, Discoverable: true, BalanceMinorUnits: balance}
	require.NoError(t, s.CreateUser(context.Background(), u))
	return u
}

func seedPricing(t *testing.T, s store.Store, userID string, def, first, bps int64, acceptsAll bool) {
	t.Helper()
	require.NoError(t, s.SetPricingProfile(context.Background(), &types.PricingProfile{
		UserID: userID, DefaultPrice: def, FirstContactPrice: first, ReturnDiscountBps: bps, AcceptsAll: acceptsAll,
	}))
}

func TestSendFirstContactUsesFirstContactPrice(t *testing.T) {
	o, s := newTestOrchestrator(t)
	ctx := context.Background()

	alice := seedUser(t, s, "0xaaa", "alice", 1000)
	bob := seedUser(t, s, "0xbbb", "bob", 1000)
	seedPricing(t, s, bob.ID, 200, 500, 5000, true)

	res, err := o.Send(ctx, SendRequest{SenderID: alice.ID, RecipientSel: "bob", Plaintext: []byte("hi")})
	require.NoError(t, err)
	require.Equal(t, int64(500), res.Paid)
	require.Equal(t, types.MessageStatusPaid, res.Status)

	got, err := s.GetUserByID(ctx, alice.ID)
	require.NoError(t, err)
	require.Equal(t, int64(500), got.BalanceMinorUnits)
}

func TestSendReturnDiscountAppliesLiteralFormula(t *testing.T) {
	o, s := newTestOrchestrator(t)
	ctx := context.Background()

	alice := seedUser(t, s, "0xaaa", "alice", 10000)
	bob := seedUser(t, s, "0xbbb", "bob", 10000)
	seedPricing(t, s, alice.ID, 200, 500, 5000, true)
	seedPricing(t, s, bob.ID, 200, 500, 5000, true)

	_, err := o.Send(ctx, SendRequest{SenderID: bob.ID, RecipientSel: "alice", Plaintext: []byte("hi")})
	require.NoError(t, err)

	res, err := o.Send(ctx, SendRequest{SenderID: alice.ID, RecipientSel: "bob", Plaintext: []byte("hi back")})
	require.NoError(t, err)
	require.Equal(t, int64(100), res.Paid)
}

func TestSendRejectsSelfSend(t *testing.T) {
	o, s := newTestOrchestrator(t)
	ctx := context.Background()

	alice := seedUser(t, s, "0xaaa", "alice", 1000)
	seedPricing(t, s, alice.ID, 200, 500, 5000, true)

	_, err := o.Send(ctx, SendRequest{SenderID: alice.ID, RecipientSel: "alice", Plaintext: []byte("hi")})
	require.Equal(t, errs.CodeSelfSendNotAllowed, errs.CodeOf(err))
}

func TestSendRejectsInsufficientBalance(t *testing.T) {
	o, s := newTestOrchestrator(t)
	ctx := context.Background()

	alice := seedUser(t, s, "0xaaa", "alice", 10)
	bob := seedUser(t, s, "0xbbb", "bob", 1000)
	seedPricing(t, s, bob.ID, 200, 500, 5000, true)

	_, err := o.Send(ctx, SendRequest{SenderID: alice.ID, RecipientSel: "bob", Plaintext: []byte("hi")})
	require.Equal(t, errs.CodeInsufficientBalance, errs.CodeOf(err))
}

func TestSendRejectsNotAcceptedForUnseenSender(t *testing.T) {
	o, s := newTestOrchestrator(t)
	ctx := context.Background()

	alice := seedUser(t, s, "0xaaa", "alice", 1000)
	bob := seedUser(t, s, "0xbbb", "bob", 1000)
	seedPricing(t, s, bob.ID, 200, 500, 5000, false)

	_, err := o.Send(ctx, SendRequest{SenderID: alice.ID, RecipientSel: "bob", Plaintext: []byte("hi")})
	require.Equal(t, errs.CodeNotAccepted, errs.CodeOf(err))
}

func TestSendIsIdempotentOnRetryWithSameKey(t *testing.T) {
	o, s := newTestOrchestrator(t)
	ctx := context.Background()

	alice := seedUser(t, s, "0xaaa", "alice", 1000)
	bob := seedUser(t, s, "0xbbb", "bob", 1000)
	seedPricing(t, s, bob.ID, 200, 500, 5000, true)

	req := SendRequest{SenderID: alice.ID, RecipientSel: "bob", Plaintext: []byte("hi"), IdempotencyKey: "key-1"}
	first, err := o.Send(ctx, req)
	require.NoError(t, err)

	second, err := o.Send(ctx, req)
	require.NoError(t, err)
	require.Equal(t, first.MessageID, second.MessageID)

	got, err := s.GetUserByID(ctx, alice.ID)
	require.NoError(t, err)
	require.Equal(t, int64(500), got.BalanceMinorUnits)
}

func TestSendIdempotencyConflictOnDifferentRecipient(t *testing.T) {
	o, s := newTestOrchestrator(t)
	ctx := context.Background()

	alice := seedUser(t, s, "0xaaa", "alice", 10000)
	bob := seedUser(t, s, "0xbbb", "bob", 1000)
	carol := seedUser(t, s, "0xccc", "carol", 1000)
	seedPricing(t, s, bob.ID, 200, 500, 5000, true)
	seedPricing(t, s, carol.ID, 200, 500, 5000, true)

	_, err := o.Send(ctx, SendRequest{SenderID: alice.ID, RecipientSel: "bob", Plaintext: []byte("hi"), IdempotencyKey: "key-1"})
	require.NoError(t, err)

	_, err = o.Send(ctx, SendRequest{SenderID: alice.ID, RecipientSel: "carol", Plaintext: []byte("hi"), IdempotencyKey: "key-1"})
	require.Equal(t, errs.CodeIdempotencyConflict, errs.CodeOf(err))
}
