// Package abuse implements the sliding-window scoring engine of spec §4.C:
// stable hashed keys, windowed counters, weighted excess scoring, and
// block-gating across the sender/recipient/ip/device dimensions.
package abuse

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/sirupsen/logrus"

	"paidinbox/internal/audit"
	"paidinbox/internal/store"
	"paidinbox/internal/types"
	"paidinbox/pkg/config"
)

// Request carries everything the engine needs to score one send attempt.
type Request struct {
	SenderID      string
	RecipientID   string
	ClientIP      string
	ExplicitDevID string
	UAHints       string // joined user-agent hints, used when ExplicitDevID is absent
}

// Result is the outcome of Check.
type Result struct {
	Allowed      bool
	Reason       string // set when Allowed is false
	RetryAfterMs int64
}

// Engine evaluates Check against internal/store counters and blocks.
type Engine struct {
	store  store.Store
	cfg    *config.Config
	ledger *audit.Ledger
	now    func() time.Time
}

func New(s store.Store, cfg *config.Config, ledger *audit.Ledger) *Engine {
	return &Engine{store: s, cfg: cfg, ledger: ledger, now: time.Now}
}

func hashKey(prefix, value string) string {
	sum := sha256.Sum256([]byte(prefix + value))
	return hex.EncodeToString(sum[:16])
}

// Check implements spec §4.C steps 1-6. When abuse scoring is disabled by
// config it always allows without touching the store (the stated invariant).
func (e *Engine) Check(ctx context.Context, req Request) (Result, error) {
	if !e.cfg.Abuse.Enabled {
		return Result{Allowed: true}, nil
	}

	ip := hashKey("ip:", req.ClientIP)
	var device string
	missingUA := false
	if req.ExplicitDevID != "" {
		device = hashKey("device:", req.ExplicitDevID)
	} else if req.UAHints != "" {
		device = hashKey("ua:", req.UAHints)
	} else {
		missingUA = true
	}

	now := e.now().UnixMilli()
	windowStart := (now / e.cfg.Abuse.WindowMS) * e.cfg.Abuse.WindowMS

	type dim struct {
		keyType types.AbuseKeyType
		value   string
	}
	dims := []dim{
		{types.AbuseKeySender, req.SenderID},
		{types.AbuseKeyRecipient, req.RecipientID},
		{types.AbuseKeyIP, ip},
	}
	if device != "" {
		dims = append(dims, dim{types.AbuseKeyDevice, device})
	}

	// Block-gate: no increments happen if anything is already blocked.
	for _, d := range dims {
		blocked, err := e.store.GetActiveBlock(ctx, d.keyType, d.value, now)
		if err != nil {
			return Result{}, err
		}
		if blocked != nil {
			return Result{Allowed: false, Reason: "abuse_blocked", RetryAfterMs: blocked.BlockedUntil - now}, nil
		}
	}

	counts := make(map[types.AbuseKeyType]int64, len(dims))
	for _, d := range dims {
		n, err := e.store.IncrementAbuseCounter(ctx, d.keyType, d.value, windowStart)
		if err != nil {
			return Result{}, err
		}
		counts[d.keyType] = n
	}

	var score int64
	excess := map[types.AbuseKeyType]int64{}
	for _, d := range dims {
		dimCfg, ok := e.cfg.Abuse.Dimensions[string(d.keyType)]
		if !ok {
			continue
		}
		ex := counts[d.keyType] - dimCfg.Max
		if ex < 0 {
			ex = 0
		}
		excess[d.keyType] = ex
		score += ex * dimCfg.Weight
	}
	if missingUA {
		score += e.cfg.Abuse.MissingUAPenalty
	}

	if score < e.cfg.Abuse.ScoreLimit {
		return Result{Allowed: true}, nil
	}

	toBlock := map[types.AbuseKeyType]string{}
	for _, d := range dims {
		if excess[d.keyType] > 0 {
			toBlock[d.keyType] = d.value
		}
	}
	if len(toBlock) == 0 {
		toBlock[types.AbuseKeySender] = req.SenderID
		toBlock[types.AbuseKeyIP] = ip
	}

	reason := blockReason(excess, missingUA)
	blockedUntil := now + e.cfg.Abuse.BlockDurationMS
	for keyType, value := range toBlock {
		if err := e.store.UpsertAbuseBlock(ctx, &types.AbuseBlock{
			KeyType: keyType, KeyValue: value, BlockedUntil: blockedUntil, Reason: reason,
		}); err != nil {
			return Result{}, err
		}
		if err := e.store.RecordAbuseEvent(ctx, &types.AbuseEvent{
			KeyType: keyType, KeyValue: value, Reason: reason, Score: score,
		}); err != nil {
			logrus.WithError(err).Warn("failed to record abuse event")
		}
		// Audit with hashed identifiers only (spec §4.C step 6); the raw
		// sender/recipient id is never written to the audit trail here.
		e.ledger.Log(ctx, hashKey(string(keyType)+":", value), "abuse_blocked", map[string]any{
			"keyType": string(keyType), "reason": reason, "score": score,
		})
	}

	return Result{Allowed: false, Reason: "abuse_blocked", RetryAfterMs: blockedUntil - now}, nil
}

func blockReason(excess map[types.AbuseKeyType]int64, missingUA bool) string {
	if excess[types.AbuseKeySender] > 0 {
		return "sender_velocity"
	}
	if excess[types.AbuseKeyRecipient] > 0 {
		return "recipient_velocity"
	}
	if excess[types.AbuseKeyIP] > 0 {
		return "ip_velocity"
	}
	if excess[types.AbuseKeyDevice] > 0 {
		return "device_velocity"
	}
	if missingUA {
		return "missing_user_agent"
	}
	return "abuse_score_limit"
}
