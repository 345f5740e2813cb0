package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"paidinbox/internal/types"
)

// fileStore is the JSON-on-disk fallback backend (spec §4.A: "used only
// when the embedded backend is unavailable"). It keeps every table as an
// in-memory map guarded by one mutex and flushes the whole snapshot to disk
// after each mutation. It trades throughput and row-level locking for zero
// external dependencies, which is acceptable since it only ever runs as a
// last-resort single-process fallback, never under the strict or embedded
// launch-readiness paths (spec §4.G).
type fileStore struct {
	mu   sync.Mutex
	path string

	Users              map[string]*types.User                `json:"users"`
	Pricing            map[string]*types.PricingProfile       `json:"pricing"`
	Messages           map[string]*types.Message              `json:"messages"`
	Idempotency        map[string]*types.MessageIdempotency   `json:"idempotency"` // key: senderID+"\x00"+key
	DeliveryJobs       map[string]*types.DeliveryJob           `json:"delivery_jobs"`
	ChainEvents        map[string]*types.ChainEvent            `json:"chain_events"` // key: chainKey+txHash+logIndex
	Checkpoints        map[string]uint64                       `json:"checkpoints"`
	ChannelConnections map[string]*types.ChannelConnection     `json:"channel_connections"` // key: userID+"\x00"+channel
	IdentityBindings   map[string]*types.IdentityBinding        `json:"identity_bindings"`   // key: method+provider+subject
	AbuseCounters      map[string]*types.AbuseCounter           `json:"abuse_counters"`
	AbuseBlocks        map[string]*types.AbuseBlock             `json:"abuse_blocks"`
	AbuseEvents        []*types.AbuseEvent                      `json:"abuse_events"`
	BalanceEntries     []*types.BalanceEntry                    `json:"balance_entries"`
	HandleChanges      []*types.HandleChange                    `json:"handle_changes"`
	AuditLogs          []auditLogRow                            `json:"audit_logs"`
}

type auditLogRow struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	EventType string         `json:"event_type"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
}

// OpenFileFallback opens (or creates) the JSON snapshot at path.
func OpenFileFallback(ctx context.Context, path string) (Store, error) {
	s := &fileStore{
		path:               path,
		Users:              map[string]*types.User{},
		Pricing:            map[string]*types.PricingProfile{},
		Messages:           map[string]*types.Message{},
		Idempotency:        map[string]*types.MessageIdempotency{},
		DeliveryJobs:       map[string]*types.DeliveryJob{},
		ChainEvents:        map[string]*types.ChainEvent{},
		Checkpoints:        map[string]uint64{},
		ChannelConnections: map[string]*types.ChannelConnection{},
		IdentityBindings:   map[string]*types.IdentityBinding{},
		AbuseCounters:      map[string]*types.AbuseCounter{},
		AbuseBlocks:        map[string]*types.AbuseBlock{},
	}
	if raw, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(raw, s); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	logrus.WithField("backend", "file").WithField("path", path).Warn("store running in JSON file-fallback mode")
	return s, nil
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) Migrate(ctx context.Context) error {
	if dir := filepath.Dir(s.path); dir != "." {
		return os.MkdirAll(dir, 0o755)
	}
	return nil
}

// persist must be called with s.mu held.
func (s *fileStore) persist() error {
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func idemKey(senderID, key string) string       { return senderID + "\x00" + key }
func connKey(userID, channel string) string     { return userID + "\x00" + channel }
func bindingKey(method, provider, subject string) string {
	return method + "\x00" + provider + "\x00" + subject
}
func chainEventKey(chainKey, txHash string, logIndex int64) string {
	return chainKey + "\x00" + txHash + "\x00" + itoa(logIndex)
}
func abuseCounterKey(keyType types.AbuseKeyType, keyValue string, windowStart int64) string {
	return string(keyType) + "\x00" + keyValue + "\x00" + itoa(windowStart)
}
func abuseBlockKey(keyType types.AbuseKeyType, keyValue string) string {
	return string(keyType) + "\x00" + keyValue
}
func itoa(n int64) string { return strconv.FormatInt(n, 10) }

// ---- Users -----------------------------------------------------------

func (s *fileStore) CreateUser(ctx context.Context, u *types.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	u.WalletAddress = strings.ToLower(u.WalletAddress)
	u.Handle = strings.ToLower(u.Handle)
	cp := *u
	s.Users[u.ID] = &cp
	return s.persist()
}

func (s *fileStore) GetUserByID(ctx context.Context, id string) (*types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.Users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *fileStore) GetUserByWallet(ctx context.Context, wallet string) (*types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wallet = strings.ToLower(wallet)
	for _, u := range s.Users {
		if u.WalletAddress == wallet {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *fileStore) GetUserByHandle(ctx context.Context, handle string) (*types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	handle = strings.ToLower(handle)
	for _, u := range s.Users {
		if u.Handle == handle {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *fileStore) GetUserByPhoneHash(ctx context.Context, phoneHash string) (*types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.Users {
		if u.PhoneHash == phoneHash && phoneHash != "" {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *fileStore) CreditBalance(ctx context.Context, userID string, amount int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.Users[userID]
	if !ok {
		return ErrNotFound
	}
	if u.BalanceMinorUnits+amount < 0 {
		return ErrInsufficientBalance
	}
	u.BalanceMinorUnits += amount
	u.UpdatedAt = time.Now().UTC()
	s.BalanceEntries = append(s.BalanceEntries, &types.BalanceEntry{
		ID: uuid.NewString(), UserID: userID, Delta: amount, Reason: reason, CreatedAt: time.Now().UTC(),
	})
	return s.persist()
}

func (s *fileStore) ChangeHandle(ctx context.Context, userID, newHandle string, cooldown time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.Users[userID]
	if !ok {
		return ErrNotFound
	}
	var last time.Time
	for _, hc := range s.HandleChanges {
		if hc.UserID == userID && hc.ChangedAt.After(last) {
			last = hc.ChangedAt
		}
	}
	if !last.IsZero() && time.Since(last) < cooldown {
		return ErrHandleCooldown
	}
	oldHandle := u.Handle
	u.Handle = strings.ToLower(newHandle)
	u.UpdatedAt = time.Now().UTC()
	s.HandleChanges = append(s.HandleChanges, &types.HandleChange{
		UserID: userID, OldHandle: oldHandle, NewHandle: u.Handle, ChangedAt: time.Now().UTC(),
	})
	return s.persist()
}

// ---- Pricing -----------------------------------------------------------

func (s *fileStore) GetPricingProfile(ctx context.Context, userID string) (*types.PricingProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.Pricing[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *fileStore) SetPricingProfile(ctx context.Context, p *types.PricingProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.Pricing[p.UserID] = &cp
	return s.persist()
}

// ---- Messages -----------------------------------------------------------

func (s *fileStore) HasNonFailedMessage(ctx context.Context, senderID, recipientID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.Messages {
		if m.SenderID == senderID && m.RecipientID == recipientID && m.Status != types.MessageStatusFailed {
			return true, nil
		}
	}
	return false, nil
}

func (s *fileStore) LookupIdempotency(ctx context.Context, senderID, key string) (*types.MessageIdempotency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idem, ok := s.Idempotency[idemKey(senderID, key)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *idem
	return &cp, nil
}

func (s *fileStore) GetMessage(ctx context.Context, id string) (*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.Messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *fileStore) GetMessageByIdempotency(ctx context.Context, senderID, key string) (*types.Message, error) {
	s.mu.Lock()
	idem, ok := s.Idempotency[idemKey(senderID, key)]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.GetMessage(ctx, idem.MessageID)
}

func (s *fileStore) Inbox(ctx context.Context, userID string, limit, offset int) ([]*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []*types.Message
	for _, m := range s.Messages {
		if m.RecipientID == userID {
			cp := *m
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) || limit <= 0 {
		end = len(all)
	}
	return all[offset:end], nil
}

func (s *fileStore) MarkMessageDelivered(ctx context.Context, messageID, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.Messages[messageID]
	if !ok {
		return ErrNotFound
	}
	if m.Status == types.MessageStatusDelivered {
		return nil
	}
	m.Status = types.MessageStatusDelivered
	m.TxHash = txHash
	return s.persist()
}

func (s *fileStore) InsertPaidMessage(ctx context.Context, in PaidMessageInput) (*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in.IdempotencyKey != "" {
		if _, exists := s.Idempotency[idemKey(in.SenderID, in.IdempotencyKey)]; exists {
			return nil, ErrIdempotencyConflict
		}
	}
	u, ok := s.Users[in.SenderID]
	if !ok {
		return nil, ErrNotFound
	}
	if u.BalanceMinorUnits < in.Price {
		return nil, ErrInsufficientBalance
	}
	now := time.Now().UTC()
	u.BalanceMinorUnits -= in.Price
	u.UpdatedAt = now
	s.BalanceEntries = append(s.BalanceEntries, &types.BalanceEntry{
		ID: uuid.NewString(), UserID: in.SenderID, Delta: -in.Price, Reason: "send:" + in.MessageID, CreatedAt: now,
	})
	msg := &types.Message{
		ID: in.MessageID, SenderID: in.SenderID, RecipientID: in.RecipientID,
		Ciphertext: in.Ciphertext, ContentHash: in.ContentHash, Price: in.Price,
		Status: types.MessageStatusPaid, CreatedAt: now,
	}
	s.Messages[msg.ID] = msg
	if in.IdempotencyKey != "" {
		s.Idempotency[idemKey(in.SenderID, in.IdempotencyKey)] = &types.MessageIdempotency{
			SenderID: in.SenderID, IdempotencyKey: in.IdempotencyKey, MessageID: msg.ID,
			RecipientID: in.RecipientID, ContentHash: in.ContentHash,
		}
	}
	if err := s.persist(); err != nil {
		return nil, err
	}
	cp := *msg
	return &cp, nil
}

func (s *fileStore) UpsertMessageFromChainEvent(ctx context.Context, ev *types.ChainEvent, contentHash string, normalizedAmount int64) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var payerID, recipientID string
	payerLower, recipLower := strings.ToLower(ev.Payer), strings.ToLower(ev.Recipient)
	for _, u := range s.Users {
		if u.WalletAddress == payerLower {
			payerID = u.ID
		}
		if u.WalletAddress == recipLower {
			recipientID = u.ID
		}
	}
	if payerID == "" || recipientID == "" {
		return "", false, nil
	}
	for _, m := range s.Messages {
		if m.SenderID == payerID && m.RecipientID == recipientID && m.ContentHash == contentHash && m.TxHash == ev.TxHash {
			return m.ID, false, nil
		}
	}
	for _, m := range s.Messages {
		if m.SenderID == payerID && m.RecipientID == recipientID && m.ContentHash == contentHash && m.TxHash == "" {
			m.Status = types.MessageStatusDelivered
			m.TxHash = ev.TxHash
			return m.ID, false, s.persist()
		}
	}
	newID := uuid.NewString()
	s.Messages[newID] = &types.Message{
		ID: newID, SenderID: payerID, RecipientID: recipientID, ContentHash: contentHash,
		Price: normalizedAmount, Status: types.MessageStatusDelivered, TxHash: ev.TxHash, CreatedAt: ev.ObservedAt,
	}
	return newID, true, s.persist()
}

// ---- Delivery jobs -------------------------------------------------------

func (s *fileStore) CreateMessageDeliveryJob(ctx context.Context, job *types.DeliveryJob) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.DeliveryJobs {
		if j.MessageID == job.MessageID && j.Channel == job.Channel && j.Destination == job.Destination {
			return false, nil
		}
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if job.NextAttemptAt.IsZero() {
		job.NextAttemptAt = now
	}
	if job.Status == "" {
		job.Status = types.DeliveryJobPending
	}
	job.CreatedAt, job.UpdatedAt = now, now
	cp := *job
	s.DeliveryJobs[job.ID] = &cp
	return true, s.persist()
}

func (s *fileStore) ClaimDueDeliveryJobs(ctx context.Context, workerID string, limit int, lockTTL time.Duration) ([]*types.DeliveryJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var due []*types.DeliveryJob
	for _, j := range s.DeliveryJobs {
		if j.Status != types.DeliveryJobPending || j.NextAttemptAt.After(now) {
			continue
		}
		if j.LockedUntil != nil && j.LockedUntil.After(now) {
			continue
		}
		due = append(due, j)
	}
	sort.Slice(due, func(i, k int) bool {
		if !due[i].NextAttemptAt.Equal(due[k].NextAttemptAt) {
			return due[i].NextAttemptAt.Before(due[k].NextAttemptAt)
		}
		return due[i].CreatedAt.Before(due[k].CreatedAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]*types.DeliveryJob, 0, len(due))
	lockedUntil := now.Add(lockTTL)
	for _, j := range due {
		j.Status = types.DeliveryJobProcessing
		j.LockedBy = workerID
		j.LockedUntil = &lockedUntil
		j.Attempts++
		j.ErrorText = ""
		j.UpdatedAt = now
		cp := *j
		out = append(out, &cp)
	}
	if len(out) > 0 {
		if err := s.persist(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *fileStore) MarkJobDone(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.DeliveryJobs[jobID]
	if !ok {
		return ErrNotFound
	}
	j.Status = types.DeliveryJobDone
	j.LockedBy = ""
	j.LockedUntil = nil
	j.ErrorText = ""
	j.UpdatedAt = time.Now().UTC()
	return s.persist()
}

func (s *fileStore) MarkJobRetry(ctx context.Context, jobID, errorText string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.DeliveryJobs[jobID]
	if !ok {
		return ErrNotFound
	}
	j.Status = types.DeliveryJobPending
	j.LockedBy = ""
	j.LockedUntil = nil
	j.ErrorText = errorText
	j.NextAttemptAt = nextAttemptAt
	j.UpdatedAt = time.Now().UTC()
	return s.persist()
}

func (s *fileStore) MarkJobDeadLetter(ctx context.Context, jobID, errorText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.DeliveryJobs[jobID]
	if !ok {
		return ErrNotFound
	}
	j.Status = types.DeliveryJobFailed
	j.LockedBy = ""
	j.LockedUntil = nil
	j.ErrorText = "max_retries_reached:" + errorText
	j.UpdatedAt = time.Now().UTC()
	return s.persist()
}

func (s *fileStore) JobStats(ctx context.Context) (JobStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st JobStats
	for _, j := range s.DeliveryJobs {
		switch j.Status {
		case types.DeliveryJobPending:
			st.Pending++
		case types.DeliveryJobProcessing:
			st.Processing++
		case types.DeliveryJobDone:
			st.Done++
		case types.DeliveryJobFailed:
			st.Failed++
			if strings.HasPrefix(j.ErrorText, "max_retries_reached:") {
				st.DeadLetter++
			}
		}
	}
	return st, nil
}

func (s *fileStore) ListDeadLettered(ctx context.Context, limit int) ([]*types.DeliveryJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.DeliveryJob
	for _, j := range s.DeliveryJobs {
		if j.Status == types.DeliveryJobFailed && strings.HasPrefix(j.ErrorText, "max_retries_reached:") {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].UpdatedAt.After(out[k].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- Chain events / checkpoints ------------------------------------------

func (s *fileStore) InsertChainEvent(ctx context.Context, ev *types.ChainEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := chainEventKey(ev.ChainKey, ev.TxHash, ev.LogIndex)
	if _, exists := s.ChainEvents[key]; exists {
		return false, nil
	}
	if ev.ObservedAt.IsZero() {
		ev.ObservedAt = time.Now().UTC()
	}
	cp := *ev
	s.ChainEvents[key] = &cp
	return true, s.persist()
}

func (s *fileStore) GetCheckpoint(ctx context.Context, chainKey string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Checkpoints[chainKey], nil
}

func (s *fileStore) AdvanceCheckpoint(ctx context.Context, chainKey string, block uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if block > s.Checkpoints[chainKey] {
		s.Checkpoints[chainKey] = block
	}
	return s.persist()
}

// ---- Channel connections --------------------------------------------------

func (s *fileStore) UpsertChannelConnection(ctx context.Context, c *types.ChannelConnection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.ChannelConnections[connKey(c.UserID, c.Channel)] = &cp
	return s.persist()
}

func (s *fileStore) GetChannelConnection(ctx context.Context, userID, channel string) (*types.ChannelConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.ChannelConnections[connKey(userID, channel)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *fileStore) ListConnectedChannels(ctx context.Context, userID string) ([]*types.ChannelConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.ChannelConnection
	for _, c := range s.ChannelConnections {
		if c.UserID == userID && c.Status == types.ChannelConnected {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ---- Identity --------------------------------------------------------------

func (s *fileStore) SaveIdentityBinding(ctx context.Context, b *types.IdentityBinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.WalletAddress != "" {
		wallet := strings.ToLower(b.WalletAddress)
		for k, existing := range s.IdentityBindings {
			if existing.Revoked || k == bindingKey(b.Method, b.Provider, b.Subject) {
				continue
			}
			if strings.ToLower(existing.WalletAddress) == wallet {
				return ErrWalletCollision
			}
		}
	}
	cp := *b
	s.IdentityBindings[bindingKey(b.Method, b.Provider, b.Subject)] = &cp
	return s.persist()
}

// ---- Abuse -----------------------------------------------------------------

func (s *fileStore) IncrementAbuseCounter(ctx context.Context, keyType types.AbuseKeyType, keyValue string, windowStart int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := abuseCounterKey(keyType, keyValue, windowStart)
	c, ok := s.AbuseCounters[key]
	if !ok {
		c = &types.AbuseCounter{KeyType: keyType, KeyValue: keyValue, WindowStart: windowStart}
		s.AbuseCounters[key] = c
	}
	c.Count++
	if err := s.persist(); err != nil {
		return 0, err
	}
	return c.Count, nil
}

func (s *fileStore) GetActiveBlock(ctx context.Context, keyType types.AbuseKeyType, keyValue string, now int64) (*types.AbuseBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.AbuseBlocks[abuseBlockKey(keyType, keyValue)]
	if !ok || b.BlockedUntil <= now {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (s *fileStore) UpsertAbuseBlock(ctx context.Context, b *types.AbuseBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := abuseBlockKey(b.KeyType, b.KeyValue)
	existing, ok := s.AbuseBlocks[key]
	cp := *b
	if ok && existing.BlockedUntil > b.BlockedUntil {
		cp.BlockedUntil = existing.BlockedUntil
	}
	s.AbuseBlocks[key] = &cp
	return s.persist()
}

func (s *fileStore) RecordAbuseEvent(ctx context.Context, e *types.AbuseEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	cp := *e
	s.AbuseEvents = append(s.AbuseEvents, &cp)
	return s.persist()
}

// ---- Audit ------------------------------------------------------------------

func (s *fileStore) InsertAuditLog(ctx context.Context, userID, eventType string, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AuditLogs = append(s.AuditLogs, auditLogRow{
		ID: uuid.NewString(), UserID: userID, EventType: eventType, Metadata: metadata, CreatedAt: time.Now().UTC(),
	})
	return s.persist()
}
