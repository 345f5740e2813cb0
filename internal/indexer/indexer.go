// Package indexer implements the Chain Indexer of spec §4.F: per-cycle RPC
// polling of MessagePaid events, idempotent persistence, and message
// transition to delivered. Grounded on go-ethereum's ethclient.FilterLogs
// and accounts/abi decoding conventions.
package indexer

import (
	"context"
	"encoding/hex"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"paidinbox/internal/enqueue"
	"paidinbox/internal/lockrate"
	"paidinbox/internal/observability"
	"paidinbox/internal/store"
	"paidinbox/internal/types"
)

// ChainClient is the subset of ethclient.Client the indexer needs; an
// *ethclient.Client satisfies this directly.
type ChainClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error)
}

// Config parameterizes one Indexer's cycle behavior.
type Config struct {
	ChainID        string
	VaultAddress   string
	Distributed    bool
	StartBlock     uint64
	TokenDecimals  int
	LockTTL        time.Duration
	MaxAttempts    int
	TOSVersion     string
	RequireSocialTOS bool
}

// ChainKey is chainId + ":" + lowercase(vaultAddress), per spec §4.F.
func (c Config) ChainKey() string {
	return c.ChainID + ":" + strings.ToLower(c.VaultAddress)
}

// Indexer drives one polling cycle against a configured RPC client.
type Indexer struct {
	client ChainClient
	store  store.Store
	mutex  *lockrate.Mutex
	fabric *observability.Fabric
	tracer *observability.Tracer
	cfg    Config
}

func New(client ChainClient, s store.Store, mutex *lockrate.Mutex, fabric *observability.Fabric, tracer *observability.Tracer, cfg Config) *Indexer {
	return &Indexer{client: client, store: s, mutex: mutex, fabric: fabric, tracer: tracer, cfg: cfg}
}

// Cycle implements spec §4.F's six numbered steps. Any error aborts before
// the checkpoint is advanced, so the next cycle safely reprocesses the
// window — every per-event write below is idempotent.
func (ix *Indexer) Cycle(ctx context.Context) (err error) {
	chainKey := ix.cfg.ChainKey()

	_, finish := ix.tracer.StartSpan("", "indexer.cycle")
	defer func() {
		status := "ok"
		tags := map[string]string{"chain_key": chainKey}
		if err != nil {
			status = "error"
		}
		finish(status, tags)
	}()

	var claimToken string
	if ix.cfg.Distributed {
		token, err := ix.mutex.TryAcquire(ctx, "indexer:"+chainKey, ix.cfg.LockTTL)
		if err != nil {
			return err
		}
		if token == "" {
			ix.fabric.IncCounter("indexer_cycle_skipped_total", map[string]string{"chain_key": chainKey, "reason": "lock_miss"}, 1)
			return nil
		}
		claimToken = token
		defer ix.mutex.Release(ctx, "indexer:"+chainKey, claimToken)
	}

	latestBlock, err := ix.client.BlockNumber(ctx)
	if err != nil {
		ix.fabric.IncCounter("indexer_cycle_errors_total", map[string]string{"chain_key": chainKey, "reason": "rpc_unavailable"}, 1)
		return err
	}

	checkpoint, err := ix.store.GetCheckpoint(ctx, chainKey)
	if err != nil {
		return err
	}

	fromBlock := ix.cfg.StartBlock
	if checkpoint+1 > fromBlock {
		fromBlock = checkpoint + 1
	}
	ix.fabric.SetGauge("indexer_lag_blocks", map[string]string{"chain_key": chainKey}, float64(latestBlock)-float64(checkpoint))
	if fromBlock > latestBlock {
		return nil
	}

	logs, err := ix.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(latestBlock),
		Addresses: []common.Address{common.HexToAddress(ix.cfg.VaultAddress)},
		Topics:    [][]common.Hash{{messagePaidTopic}},
	})
	if err != nil {
		ix.fabric.IncCounter("indexer_cycle_errors_total", map[string]string{"chain_key": chainKey, "reason": "filter_logs_failed"}, 1)
		return err
	}

	for _, log := range logs {
		if err := ix.processLog(ctx, chainKey, log); err != nil {
			return err
		}
	}

	if err := ix.store.AdvanceCheckpoint(ctx, chainKey, latestBlock); err != nil {
		return err
	}

	return nil
}

func (ix *Indexer) processLog(ctx context.Context, chainKey string, log ethtypes.Log) error {
	if len(log.Topics) < 3 {
		logrus.WithField("tx_hash", log.TxHash.Hex()).Warn("message paid log missing indexed topics, skipping")
		return nil
	}
	decoded, err := decodeMessagePaid(log.Topics, log.Data)
	if err != nil {
		return err
	}

	contentHash := hex.EncodeToString(decoded.ContentHash[:])
	normalizedAmount := normalizeAmount(decoded.Amount, ix.cfg.TokenDecimals)

	ev := &types.ChainEvent{
		ChainKey:    chainKey,
		TxHash:      log.TxHash.Hex(),
		LogIndex:    int64(log.Index),
		Payer:       decoded.Payer.Hex(),
		Recipient:   decoded.Recipient.Hex(),
		Amount:      normalizedAmount,
		Fee:         normalizeAmount(decoded.Fee, ix.cfg.TokenDecimals),
		ContentHash: contentHash,
		Nonce:       decoded.Nonce.Int64(),
		Channel:     decoded.Channel,
		BlockNumber: log.BlockNumber,
		BlockHash:   log.BlockHash.Hex(),
		ObservedAt:  time.Now().UTC(),
	}

	if _, err := ix.store.InsertChainEvent(ctx, ev); err != nil {
		return err
	}

	messageID, _, err := ix.store.UpsertMessageFromChainEvent(ctx, ev, contentHash, normalizedAmount)
	if err != nil {
		return err
	}
	if messageID == "" {
		// Payer or recipient wallet unknown; receipt is kept, nothing
		// further to do per spec §4.F step 4.
		return nil
	}

	recipient, err := ix.store.GetUserByWallet(ctx, ev.Recipient)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}
	msg, err := ix.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}

	enqueue.ForMessage(ctx, ix.store, ix.fabric, ix.cfg.TOSVersion, ix.cfg.RequireSocialTOS, ix.cfg.MaxAttempts, msg, recipient.ID)
	return nil
}

// normalizeAmount scales a raw on-chain integer (e.g. wei) down to the
// application's integer units using tokenDecimals, matching go-ethereum's
// own big.Int conventions for token amount scaling.
func normalizeAmount(amount *big.Int, tokenDecimals int) int64 {
	if amount == nil {
		return 0
	}
	if tokenDecimals <= 0 {
		return amount.Int64()
	}
	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(tokenDecimals)), nil)
	return new(big.Int).Div(amount, divisor).Int64()
}

