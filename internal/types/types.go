// Package types holds the entity row types shared by every Store backend and
// every component above the Store (spec §3). No component outside
// internal/store branches on backend; above the Store, entities flow as
// these typed structs.
package types

import "time"

// MessageStatus is the monotonic lifecycle of a Message (spec §3).
type MessageStatus string

const (
	MessageStatusPaid      MessageStatus = "paid"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusFailed    MessageStatus = "failed"
)

// DeliveryJobStatus is the lifecycle of a DeliveryJob (spec §4.E).
type DeliveryJobStatus string

const (
	DeliveryJobPending    DeliveryJobStatus = "pending"
	DeliveryJobProcessing DeliveryJobStatus = "processing"
	DeliveryJobDone       DeliveryJobStatus = "done"
	DeliveryJobFailed     DeliveryJobStatus = "failed"
)

// ChannelConnectionStatus tracks whether a recipient's external channel is
// currently wired up.
type ChannelConnectionStatus string

const (
	ChannelConnected    ChannelConnectionStatus = "connected"
	ChannelDisconnected ChannelConnectionStatus = "disconnected"
)

// AbuseKeyType is one of the four dimensions the abuse engine scores (spec §4.C).
type AbuseKeyType string

const (
	AbuseKeySender    AbuseKeyType = "sender"
	AbuseKeyRecipient AbuseKeyType = "recipient"
	AbuseKeyIP        AbuseKeyType = "ip"
	AbuseKeyDevice    AbuseKeyType = "device"
)

// User is the canonical identity row (spec §3).
type User struct {
	ID                string
	WalletAddress     string // lowercased, unique
	EmailHash         string // hashed+masked, unique when set
	PhoneHash         string // hashed+masked, unique when set
	Handle            string // case-folded unique
	Discoverable      bool
	BalanceMinorUnits int64 // integer prepaid balance, invariant >= 0
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// PricingProfile is 1:1 with User (spec §3).
type PricingProfile struct {
	UserID             string
	DefaultPrice       int64
	FirstContactPrice  int64
	ReturnDiscountBps  int64 // 0-10000
	AcceptsAll         bool
}

// Message is the canonical paid message row (spec §3).
type Message struct {
	ID          string
	SenderID    string
	RecipientID string
	Ciphertext  []byte
	ContentHash string
	Price       int64
	Status      MessageStatus
	TxHash      string // optional
	CreatedAt   time.Time
}

// MessageIdempotency maps (senderID, idempotencyKey) -> messageID (spec §3).
type MessageIdempotency struct {
	SenderID       string
	IdempotencyKey string
	MessageID      string
	RecipientID    string
	ContentHash    string
}

// DeliveryJob is a queued notification fan-out task (spec §3/§4.E).
type DeliveryJob struct {
	ID            string
	MessageID     string
	UserID        string
	Channel       string
	Destination   string
	Payload       []byte
	Status        DeliveryJobStatus
	Attempts      int
	MaxAttempts   int
	NextAttemptAt time.Time
	LockedBy      string
	LockedUntil   *time.Time
	ErrorText     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ChainEvent is an immutable decoded on-chain MessagePaid log (spec §3).
type ChainEvent struct {
	ChainKey    string
	TxHash      string
	LogIndex    int64
	Payer       string
	Recipient   string
	Amount      int64
	Fee         int64
	ContentHash string
	Nonce       int64
	Channel     string
	BlockNumber uint64
	BlockHash   string
	ObservedAt  time.Time
}

// ChainEventCheckpoint is the per-chainKey cursor (spec §3).
type ChainEventCheckpoint struct {
	ChainKey          string
	LastProcessedBlock uint64
}

// ChannelConnection is a recipient's external notification channel (spec §3/§4.J).
type ChannelConnection struct {
	UserID            string
	Channel           string
	ExternalHandle    string
	SecretRef         string
	ConsentVersion    string
	ConsentAcceptedAt time.Time
	Status            ChannelConnectionStatus
}

// IdentityBinding ties an external auth method to a user (spec §3).
type IdentityBinding struct {
	Method        string
	Provider      string
	Subject       string
	UserID        string
	WalletAddress string
	Revoked       bool
}

// AbuseCounter is a sliding-window bucket (spec §3/§4.C).
type AbuseCounter struct {
	KeyType     AbuseKeyType
	KeyValue    string
	WindowStart int64 // epoch ms
	Count       int64
}

// AbuseBlock records an active block on an identifier (spec §3/§4.C).
type AbuseBlock struct {
	KeyType      AbuseKeyType
	KeyValue     string
	BlockedUntil int64 // epoch ms
	Reason       string
	Metadata     map[string]string
}

// AbuseEvent is an append-only record of a block decision (spec §3).
type AbuseEvent struct {
	ID        string
	KeyType   AbuseKeyType
	KeyValue  string
	Reason    string
	Score     int64
	CreatedAt time.Time
}

// BalanceEntry is an append-only ledger of every balance mutation —
// supplemented per SPEC_FULL.md §6, grounded on the teacher's
// LedgerAuditEvent append-log pattern (core/audit_management.go).
type BalanceEntry struct {
	ID        string
	UserID    string
	Delta     int64
	Reason    string
	CreatedAt time.Time
}

// HandleChange records a past handle mutation to enforce the cooldown
// invariant in spec §3 ("handle mutation respects cooldown") — supplemented
// per SPEC_FULL.md §4.
type HandleChange struct {
	UserID    string
	OldHandle string
	NewHandle string
	ChangedAt time.Time
}

// VaultBlob, VaultAuditLog, CustodialWallet, PasskeyCredential are
// storage-only rows per spec §3: the migrations create their tables, but
// the Store interface has no method for them and no in-scope component
// reads or writes them, since
// custodial key derivation/signature and passkey/WebAuthn protocol
// internals are out of scope (spec §1 Non-goals).
type VaultBlob struct {
	ID        string
	Owner     string
	Opaque    []byte
	CreatedAt time.Time
}

type VaultAuditLog struct {
	ID        string
	VaultID   string
	Action    string
	CreatedAt time.Time
}

type CustodialWallet struct {
	ID            string
	UserID        string
	WalletAddress string
	Opaque        []byte
}

type PasskeyCredential struct {
	ID         string
	UserID     string
	CredentialID string
	PublicKey  []byte
}
