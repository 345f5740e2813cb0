package indexer

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"paidinbox/internal/lockrate"
	"paidinbox/internal/observability"
	"paidinbox/internal/store"
	"paidinbox/internal/types"
)

type fakeChainClient struct {
	latestBlock uint64
	logs        []ethtypes.Log
	filterErr   error
}

func (f *fakeChainClient) BlockNumber(ctx context.Context) (uint64, error) {
	return f.latestBlock, nil
}

func (f *fakeChainClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error) {
	if f.filterErr != nil {
		return nil, f.filterErr
	}
	return f.logs, nil
}

func buildMessagePaidLog(t *testing.T, payer, recipient common.Address, amount, fee *big.Int, contentHash [32]byte, nonce int64, channel string, blockNumber uint64, txHash common.Hash, logIndex uint) ethtypes.Log {
	t.Helper()
	data, err := messagePaidDataArgs.Pack(amount, fee, contentHash, big.NewInt(nonce), channel)
	require.NoError(t, err)
	return ethtypes.Log{
		Address: common.HexToAddress("0xvault"),
		Topics: []common.Hash{
			messagePaidTopic,
			common.BytesToHash(payer.Bytes()),
			common.BytesToHash(recipient.Bytes()),
		},
		Data:        data,
		BlockNumber: blockNumber,
		TxHash:      txHash,
		Index:       logIndex,
	}
}

func newTestIndexer(t *testing.T, client ChainClient) (*Indexer, store.Store) {
	t.Helper()
	s, err := store.OpenEmbeddedMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	fabric := observability.NewFabric()
	tracer := observability.NewTracer(0)
	mutex := lockrate.NewMutex(nil)
	cfg := Config{
		ChainID: "1", VaultAddress: "0xVault", StartBlock: 0, TokenDecimals: 0,
		LockTTL: time.Minute, MaxAttempts: 5, TOSVersion: "2024-01-01", RequireSocialTOS: true,
	}
	return New(client, s, mutex, fabric, tracer, cfg), s
}

func TestCycleSkipsWhenFromBlockAheadOfLatest(t *testing.T) {
	ix, s := newTestIndexer(t, &fakeChainClient{latestBlock: 5})
	ix.cfg.StartBlock = 100

	require.NoError(t, ix.Cycle(context.Background()))

	checkpoint, err := s.GetCheckpoint(context.Background(), ix.cfg.ChainKey())
	require.NoError(t, err)
	require.Equal(t, uint64(0), checkpoint)
}

func TestCyclePersistsKnownUsersMessageAndAdvancesCheckpoint(t *testing.T) {
	ctx := context.Background()
	payer := common.HexToAddress("0x1111111111111111111111111111111111111111")
	recipient := common.HexToAddress("0x2222222222222222222222222222222222222222")

	client := &fakeChainClient{latestBlock: 10}
	ix, s := newTestIndexer(t, client)

	payerUser := &types.User{WalletAddress: payer.Hex(), Handle: "payer1"}
	require.NoError(t, s.CreateUser(ctx, payerUser))
	recipientUser := &types.User{WalletAddress: recipient.Hex(), Handle: "recipient1"}
	require.NoError(t, s.CreateUser(ctx, recipientUser))

	var contentHash [32]byte
	copy(contentHash[:], []byte("deterministic-content-hash-0001"))
	client.logs = []ethtypes.Log{
		buildMessagePaidLog(t, payer, recipient, big.NewInt(500), big.NewInt(10), contentHash, 1, "email", 7, common.HexToHash("0xabc"), 0),
	}

	require.NoError(t, ix.Cycle(ctx))

	checkpoint, err := s.GetCheckpoint(ctx, ix.cfg.ChainKey())
	require.NoError(t, err)
	require.Equal(t, uint64(10), checkpoint)

	inbox, err := s.Inbox(ctx, recipientUser.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	require.Equal(t, types.MessageStatusDelivered, inbox[0].Status)
	require.Equal(t, int64(500), inbox[0].Price)
}

func TestCycleSkipsEventWithUnknownWallets(t *testing.T) {
	ctx := context.Background()
	payer := common.HexToAddress("0x3333333333333333333333333333333333333333")
	recipient := common.HexToAddress("0x4444444444444444444444444444444444444444")

	client := &fakeChainClient{latestBlock: 3}
	ix, s := newTestIndexer(t, client)

	var contentHash [32]byte
	client.logs = []ethtypes.Log{
		buildMessagePaidLog(t, payer, recipient, big.NewInt(100), big.NewInt(1), contentHash, 1, "sms", 2, common.HexToHash("0xdef"), 0),
	}

	require.NoError(t, ix.Cycle(ctx))

	checkpoint, err := s.GetCheckpoint(ctx, ix.cfg.ChainKey())
	require.NoError(t, err)
	require.Equal(t, uint64(3), checkpoint)
}

func TestCycleDoesNotAdvanceCheckpointOnFilterError(t *testing.T) {
	client := &fakeChainClient{latestBlock: 9, filterErr: errBoom}
	ix, s := newTestIndexer(t, client)

	err := ix.Cycle(context.Background())
	require.Error(t, err)

	checkpoint, err := s.GetCheckpoint(context.Background(), ix.cfg.ChainKey())
	require.NoError(t, err)
	require.Equal(t, uint64(0), checkpoint)
}

var errBoom = &boomError{}

type boomError struct{}

func (*boomError) Error() string { return "boom" }
