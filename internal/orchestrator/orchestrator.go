// Package orchestrator implements the Pricing & Send Orchestrator of spec
// §4.D: rate limit, abuse check, recipient resolution, pricing, idempotency,
// the atomic debit+insert, and delivery-job enqueue across every
// consent-current connected channel.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"paidinbox/internal/abuse"
	"paidinbox/internal/audit"
	"paidinbox/internal/enqueue"
	"paidinbox/internal/errs"
	"paidinbox/internal/lockrate"
	"paidinbox/internal/observability"
	"paidinbox/internal/store"
	"paidinbox/internal/types"
	"paidinbox/pkg/config"
)

// SendRequest carries the inbound command described in spec §6's
// send(senderId, recipientSelector, ciphertext, contentHash, idempotencyKey?).
type SendRequest struct {
	SenderID       string
	RecipientSel   string // handle, phone hash, or wallet address
	Plaintext      []byte
	IdempotencyKey string // optional

	ClientIP      string
	ExplicitDevID string
	UAHints       string
}

// SendResult is the success payload of spec §6's send operation.
type SendResult struct {
	MessageID string
	Paid      int64
	Status    types.MessageStatus
}

// Orchestrator wires every collaborator spec §5.D names: the rate limit
// bucket, the abuse engine, the store, the consent gate, the audit ledger,
// and the observability fabric.
type Orchestrator struct {
	store  store.Store
	cfg    *config.Config
	bucket *lockrate.Bucket
	abuse  *abuse.Engine
	ledger *audit.Ledger
	fabric *observability.Fabric
	tracer *observability.Tracer
}

func New(s store.Store, cfg *config.Config, bucket *lockrate.Bucket, abuseEngine *abuse.Engine, ledger *audit.Ledger, fabric *observability.Fabric, tracer *observability.Tracer) *Orchestrator {
	return &Orchestrator{store: s, cfg: cfg, bucket: bucket, abuse: abuseEngine, ledger: ledger, fabric: fabric, tracer: tracer}
}

// Send implements spec §4.D's eight-step pipeline in order.
func (o *Orchestrator) Send(ctx context.Context, req SendRequest) (result *SendResult, err error) {
	_, finish := o.tracer.StartSpan("", "orchestrator.send")
	defer func() {
		status := "ok"
		tags := map[string]string{"sender_id": req.SenderID}
		if err != nil {
			status = "error"
			tags["error_code"] = string(errs.CodeOf(err))
		}
		finish(status, tags)
	}()

	// Step 1: rate limit.
	rl, err := o.bucket.Take(ctx, "send:"+req.SenderID, int64(o.cfg.RateLimit.Max), time.Duration(o.cfg.RateLimit.WindowMS)*time.Millisecond)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "rate limit backend unavailable", err)
	}
	if !rl.OK {
		return nil, errs.New(errs.CodeRateLimited, "send rate limit exceeded").WithRetryAfter(rl.RemainingTTL.Milliseconds())
	}

	// Step 2: abuse check.
	abuseResult, err := o.abuse.Check(ctx, abuse.Request{
		SenderID: req.SenderID, RecipientID: req.RecipientSel,
		ClientIP: req.ClientIP, ExplicitDevID: req.ExplicitDevID, UAHints: req.UAHints,
	})
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "abuse engine unavailable", err)
	}
	if !abuseResult.Allowed {
		return nil, errs.New(errs.CodeAbuseBlocked, "sender is temporarily blocked").WithRetryAfter(abuseResult.RetryAfterMs)
	}

	// Step 3: resolve recipient, reject self-send.
	recipient, err := o.resolveRecipient(ctx, req.RecipientSel)
	if err != nil {
		return nil, err
	}
	if recipient.ID == req.SenderID {
		return nil, errs.New(errs.CodeSelfSendNotAllowed, "cannot send a paid message to yourself")
	}

	// Step 4: pricing.
	price, err := o.computePrice(ctx, req.SenderID, recipient.ID)
	if err != nil {
		return nil, err
	}

	contentHash := hashContent(req.Plaintext)

	// Step 5: idempotency.
	if req.IdempotencyKey != "" {
		if idem, err := o.store.LookupIdempotency(ctx, req.SenderID, req.IdempotencyKey); err != nil {
			if err != store.ErrNotFound {
				return nil, errs.Wrap(errs.CodeInternal, "idempotency lookup failed", err)
			}
		} else if idem != nil {
			if idem.RecipientID != recipient.ID || idem.ContentHash != contentHash {
				return nil, errs.New(errs.CodeIdempotencyConflict, "idempotency key already used for a different message")
			}
			msg, err := o.store.GetMessage(ctx, idem.MessageID)
			if err != nil {
				return nil, errs.Wrap(errs.CodeInternal, "failed to load prior message for idempotency key", err)
			}
			return &SendResult{MessageID: msg.ID, Paid: msg.Price, Status: msg.Status}, nil
		}
	}

	// Step 6: atomic debit + insert.
	msg, err := o.store.InsertPaidMessage(ctx, store.PaidMessageInput{
		MessageID: uuid.NewString(), SenderID: req.SenderID, RecipientID: recipient.ID,
		Ciphertext: req.Plaintext, ContentHash: contentHash, Price: price, IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		switch err {
		case store.ErrInsufficientBalance:
			return nil, errs.New(errs.CodeInsufficientBalance, "sender balance is below the required price")
		case store.ErrIdempotencyConflict:
			return nil, errs.New(errs.CodeIdempotencyConflict, "idempotency key already used for a different message")
		default:
			return nil, errs.Wrap(errs.CodeInternal, "failed to persist paid message", err)
		}
	}

	// Step 7: enqueue delivery jobs across consent-current channels.
	enqueue.ForMessage(ctx, o.store, o.fabric, o.cfg.Legal.TOSVersion, o.cfg.Legal.RequireSocialTOS, o.cfg.Worker.MaxAttempts, msg, recipient.ID)

	// Step 8: metrics + audit.
	o.fabric.IncCounter("messages_sent_total", map[string]string{"status": string(msg.Status)}, 1)
	o.ledger.Log(ctx, req.SenderID, "message_sent", map[string]any{
		"messageId": msg.ID, "recipientId": recipient.ID, "price": price,
	})

	return &SendResult{MessageID: msg.ID, Paid: msg.Price, Status: msg.Status}, nil
}

func (o *Orchestrator) resolveRecipient(ctx context.Context, selector string) (*types.User, error) {
	if u, err := o.store.GetUserByHandle(ctx, selector); err == nil {
		return u, nil
	} else if err != store.ErrNotFound {
		return nil, errs.Wrap(errs.CodeInternal, "recipient lookup failed", err)
	}
	if u, err := o.store.GetUserByWallet(ctx, selector); err == nil {
		return u, nil
	} else if err != store.ErrNotFound {
		return nil, errs.Wrap(errs.CodeInternal, "recipient lookup failed", err)
	}
	if u, err := o.store.GetUserByPhoneHash(ctx, selector); err == nil {
		return u, nil
	} else if err != store.ErrNotFound {
		return nil, errs.Wrap(errs.CodeInternal, "recipient lookup failed", err)
	}
	return nil, errs.New(errs.CodeValidation, "recipient could not be resolved")
}

// computePrice implements spec §4.D step 4's literal formula.
func (o *Orchestrator) computePrice(ctx context.Context, senderID, recipientID string) (int64, error) {
	pricing, err := o.store.GetPricingProfile(ctx, recipientID)
	if err != nil {
		return 0, errs.Wrap(errs.CodeInternal, "failed to load recipient pricing profile", err)
	}

	senderSent, err := o.store.HasNonFailedMessage(ctx, senderID, recipientID)
	if err != nil {
		return 0, errs.Wrap(errs.CodeInternal, "conversation history lookup failed", err)
	}

	var price int64
	if senderSent {
		price = pricing.DefaultPrice
	} else {
		recipientSent, err := o.store.HasNonFailedMessage(ctx, recipientID, senderID)
		if err != nil {
			return 0, errs.Wrap(errs.CodeInternal, "conversation history lookup failed", err)
		}
		if recipientSent {
			price = pricing.DefaultPrice * (10000 - pricing.ReturnDiscountBps) / 10000
		} else {
			price = pricing.FirstContactPrice
		}

		// An existing non-failed send from the sender's side (above) is
		// treated as the recipient already having accepted this sender;
		// acceptsAll only gates genuinely unseen senders.
		if !pricing.AcceptsAll {
			return 0, errs.New(errs.CodeNotAccepted, "recipient is not accepting messages from this sender")
		}
	}

	return price, nil
}

func hashContent(plaintext []byte) string {
	sum := sha256.Sum256(plaintext)
	return hex.EncodeToString(sum[:])
}
