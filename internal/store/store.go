// Package store is the typed persistence abstraction described in spec
// §4.A. Exactly three backends implement the Store interface: Postgres
// (strict mode), an embedded SQLite file (development), and a JSON-on-disk
// fallback (used only when the embedded backend is unavailable). No
// component outside this package branches on backend — everything above the
// Store sees typed rows from internal/types.
package store

import (
	"context"
	"errors"
	"time"

	"paidinbox/internal/types"
)

// Mode names the three persistence modes from spec §4.A.
type Mode string

const (
	ModeStrictPostgres Mode = "postgres"
	ModeEmbedded       Mode = "sqlite"
	ModeFileFallback   Mode = "file"
)

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errors.New("store: not found")

// ErrWalletCollision is returned by SaveIdentityBinding per spec §4.A.
var ErrWalletCollision = errors.New("store: identity_wallet_collision")

// ErrIdempotencyConflict is returned by InsertPaidMessage when the sender's
// idempotency key is already recorded, whatever its recipient/content.
var ErrIdempotencyConflict = errors.New("store: idempotency_conflict")

// ErrInsufficientBalance is returned by InsertPaidMessage when the sender's
// balance is below the price at commit time.
var ErrInsufficientBalance = errors.New("store: insufficient_balance")

// ErrHandleCooldown is returned by ChangeHandle during the cooldown window.
var ErrHandleCooldown = errors.New("store: handle change in cooldown")

// JobStats aggregates delivery-job counts by status, consumed by the
// Observability Fabric (spec §4.H) and the worker's per-tick gauge update
// (spec §4.E step 1).
type JobStats struct {
	Pending    int64
	Processing int64
	Done       int64
	Failed     int64
	DeadLetter int64 // subset of Failed whose errorText is dead-lettered
}

// PaidMessageInput carries everything needed for the atomic debit+insert in
// spec §4.D step 6.
type PaidMessageInput struct {
	MessageID      string
	SenderID       string
	RecipientID    string
	Ciphertext     []byte
	ContentHash    string
	Price          int64
	IdempotencyKey string // optional, empty means none
}

// Store is the full persistence contract. Every method is atomic at the
// backend level per spec §4.A.
type Store interface {
	Migrate(ctx context.Context) error
	Close() error

	// Users
	CreateUser(ctx context.Context, u *types.User) error
	GetUserByID(ctx context.Context, id string) (*types.User, error)
	GetUserByWallet(ctx context.Context, wallet string) (*types.User, error)
	GetUserByHandle(ctx context.Context, handle string) (*types.User, error)
	GetUserByPhoneHash(ctx context.Context, phoneHash string) (*types.User, error)
	CreditBalance(ctx context.Context, userID string, amount int64, reason string) error
	ChangeHandle(ctx context.Context, userID, newHandle string, cooldown time.Duration) error

	// Pricing
	GetPricingProfile(ctx context.Context, userID string) (*types.PricingProfile, error)
	SetPricingProfile(ctx context.Context, p *types.PricingProfile) error

	// Messages
	HasNonFailedMessage(ctx context.Context, senderID, recipientID string) (bool, error)
	LookupIdempotency(ctx context.Context, senderID, key string) (*types.MessageIdempotency, error)
	InsertPaidMessage(ctx context.Context, in PaidMessageInput) (*types.Message, error)
	GetMessage(ctx context.Context, id string) (*types.Message, error)
	GetMessageByIdempotency(ctx context.Context, senderID, key string) (*types.Message, error)
	Inbox(ctx context.Context, userID string, limit, offset int) ([]*types.Message, error)
	MarkMessageDelivered(ctx context.Context, messageID, txHash string) error
	UpsertMessageFromChainEvent(ctx context.Context, ev *types.ChainEvent, contentHash string, normalizedAmount int64) (messageID string, created bool, err error)

	// Delivery jobs
	CreateMessageDeliveryJob(ctx context.Context, job *types.DeliveryJob) (created bool, err error)
	ClaimDueDeliveryJobs(ctx context.Context, workerID string, limit int, lockTTL time.Duration) ([]*types.DeliveryJob, error)
	MarkJobDone(ctx context.Context, jobID string) error
	MarkJobRetry(ctx context.Context, jobID, errorText string, nextAttemptAt time.Time) error
	MarkJobDeadLetter(ctx context.Context, jobID, errorText string) error
	JobStats(ctx context.Context) (JobStats, error)
	ListDeadLettered(ctx context.Context, limit int) ([]*types.DeliveryJob, error)

	// Chain events / checkpoints
	InsertChainEvent(ctx context.Context, ev *types.ChainEvent) (inserted bool, err error)
	GetCheckpoint(ctx context.Context, chainKey string) (uint64, error)
	AdvanceCheckpoint(ctx context.Context, chainKey string, block uint64) error

	// Channel connections
	UpsertChannelConnection(ctx context.Context, c *types.ChannelConnection) error
	GetChannelConnection(ctx context.Context, userID, channel string) (*types.ChannelConnection, error)
	ListConnectedChannels(ctx context.Context, userID string) ([]*types.ChannelConnection, error)

	// Identity
	SaveIdentityBinding(ctx context.Context, b *types.IdentityBinding) error

	// Abuse
	IncrementAbuseCounter(ctx context.Context, keyType types.AbuseKeyType, keyValue string, windowStart int64) (int64, error)
	GetActiveBlock(ctx context.Context, keyType types.AbuseKeyType, keyValue string, now int64) (*types.AbuseBlock, error)
	UpsertAbuseBlock(ctx context.Context, b *types.AbuseBlock) error
	RecordAbuseEvent(ctx context.Context, e *types.AbuseEvent) error

	// Audit
	InsertAuditLog(ctx context.Context, userID, eventType string, metadata map[string]any) error
}
