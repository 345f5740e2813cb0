package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"paidinbox/internal/types"
)

// sqlStore implements Store over database/sql for both the strict Postgres
// backend (via the pgx stdlib driver) and the embedded SQLite backend (via
// modernc.org/sqlite). Every operation has exactly one definition here; the
// dialect only changes placeholder syntax and the GREATEST/MAX builtin, per
// spec §9's redesign note against duplicate backend code paths.
type sqlStore struct {
	db *sql.DB
	d  dialect
}

func newSQLStore(db *sql.DB, d dialect) *sqlStore {
	return &sqlStore{db: db, d: d}
}

func (s *sqlStore) Close() error { return s.db.Close() }

func (s *sqlStore) Migrate(ctx context.Context) error {
	if s.d.name == ModeStrictPostgres {
		return runMigrations(ctx, s.db, postgresMigrations, "migrations", s.d)
	}
	return runMigrations(ctx, s.db, sqliteMigrations, "migrations_sqlite", s.d)
}

func (s *sqlStore) greatest() string {
	if s.d.name == ModeStrictPostgres {
		return "GREATEST"
	}
	return "MAX"
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}

// ---- Users -----------------------------------------------------------

func (s *sqlStore) CreateUser(ctx context.Context, u *types.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	u.WalletAddress = strings.ToLower(u.WalletAddress)
	u.Handle = strings.ToLower(u.Handle)
	d := s.d
	q := fmt.Sprintf(`INSERT INTO users (id, wallet_address, email_hash, phone_hash, handle, discoverable, balance_minor_units, created_at, updated_at)
		VALUES (%s,%s,%s,%s,%s,%s,%s,%s,%s)`,
		d.ph(1), d.ph(2), d.ph(3), d.ph(4), d.ph(5), d.ph(6), d.ph(7), d.ph(8), d.ph(9))
	_, err := s.db.ExecContext(ctx, q, u.ID, u.WalletAddress, nullStr(u.EmailHash), nullStr(u.PhoneHash), u.Handle, u.Discoverable, u.BalanceMinorUnits, u.CreatedAt, u.UpdatedAt)
	return err
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *sqlStore) scanUser(row *sql.Row) (*types.User, error) {
	var u types.User
	var email, phone sql.NullString
	if err := row.Scan(&u.ID, &u.WalletAddress, &email, &phone, &u.Handle, &u.Discoverable, &u.BalanceMinorUnits, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	u.EmailHash, u.PhoneHash = email.String, phone.String
	return &u, nil
}

func (s *sqlStore) GetUserByID(ctx context.Context, id string) (*types.User, error) {
	q := fmt.Sprintf(`SELECT id, wallet_address, email_hash, phone_hash, handle, discoverable, balance_minor_units, created_at, updated_at FROM users WHERE id = %s`, s.d.ph(1))
	return s.scanUser(s.db.QueryRowContext(ctx, q, id))
}

func (s *sqlStore) GetUserByWallet(ctx context.Context, wallet string) (*types.User, error) {
	q := fmt.Sprintf(`SELECT id, wallet_address, email_hash, phone_hash, handle, discoverable, balance_minor_units, created_at, updated_at FROM users WHERE wallet_address = %s`, s.d.ph(1))
	return s.scanUser(s.db.QueryRowContext(ctx, q, strings.ToLower(wallet)))
}

func (s *sqlStore) GetUserByHandle(ctx context.Context, handle string) (*types.User, error) {
	q := fmt.Sprintf(`SELECT id, wallet_address, email_hash, phone_hash, handle, discoverable, balance_minor_units, created_at, updated_at FROM users WHERE handle = %s`, s.d.ph(1))
	return s.scanUser(s.db.QueryRowContext(ctx, q, strings.ToLower(handle)))
}

func (s *sqlStore) GetUserByPhoneHash(ctx context.Context, phoneHash string) (*types.User, error) {
	q := fmt.Sprintf(`SELECT id, wallet_address, email_hash, phone_hash, handle, discoverable, balance_minor_units, created_at, updated_at FROM users WHERE phone_hash = %s`, s.d.ph(1))
	return s.scanUser(s.db.QueryRowContext(ctx, q, phoneHash))
}

// CreditBalance applies amount (positive or negative) to a user's balance
// and records a BalanceEntry, atomically. Used for top-ups; debits in the
// send path go through InsertPaidMessage instead so the debit and message
// insert commit together.
func (s *sqlStore) CreditBalance(ctx context.Context, userID string, amount int64, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	d := s.d
	upd := fmt.Sprintf(`UPDATE users SET balance_minor_units = balance_minor_units + %s, updated_at = %s WHERE id = %s AND balance_minor_units + %s >= 0`,
		d.ph(1), d.ph(2), d.ph(3), d.ph(4))
	res, err := tx.ExecContext(ctx, upd, amount, time.Now().UTC(), userID, amount)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrInsufficientBalance
	}
	ins := fmt.Sprintf(`INSERT INTO balance_entries (id, user_id, delta, reason, created_at) VALUES (%s,%s,%s,%s,%s)`,
		d.ph(1), d.ph(2), d.ph(3), d.ph(4), d.ph(5))
	if _, err := tx.ExecContext(ctx, ins, uuid.NewString(), userID, amount, reason, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqlStore) ChangeHandle(ctx context.Context, userID, newHandle string, cooldown time.Duration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	d := s.d
	row := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT changed_at FROM handle_changes WHERE user_id = %s ORDER BY changed_at DESC LIMIT 1`, d.ph(1)), userID)
	var last time.Time
	switch err := row.Scan(&last); err {
	case nil:
		if time.Since(last) < cooldown {
			return ErrHandleCooldown
		}
	case sql.ErrNoRows:
		// no prior change, allowed
	default:
		return err
	}

	u, err := s.scanUser(tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT id, wallet_address, email_hash, phone_hash, handle, discoverable, balance_minor_units, created_at, updated_at FROM users WHERE id = %s`, d.ph(1)), userID))
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE users SET handle = %s, updated_at = %s WHERE id = %s`, d.ph(1), d.ph(2), d.ph(3)), strings.ToLower(newHandle), time.Now().UTC(), userID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO handle_changes (user_id, old_handle, new_handle, changed_at) VALUES (%s,%s,%s,%s)`, d.ph(1), d.ph(2), d.ph(3), d.ph(4)), userID, u.Handle, strings.ToLower(newHandle), time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

// ---- Pricing -----------------------------------------------------------

func (s *sqlStore) GetPricingProfile(ctx context.Context, userID string) (*types.PricingProfile, error) {
	q := fmt.Sprintf(`SELECT user_id, default_price, first_contact_price, return_discount_bps, accepts_all FROM pricing_profiles WHERE user_id = %s`, s.d.ph(1))
	var p types.PricingProfile
	err := s.db.QueryRowContext(ctx, q, userID).Scan(&p.UserID, &p.DefaultPrice, &p.FirstContactPrice, &p.ReturnDiscountBps, &p.AcceptsAll)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *sqlStore) SetPricingProfile(ctx context.Context, p *types.PricingProfile) error {
	d := s.d
	q := fmt.Sprintf(`INSERT INTO pricing_profiles (user_id, default_price, first_contact_price, return_discount_bps, accepts_all)
		VALUES (%s,%s,%s,%s,%s)
		ON CONFLICT (user_id) DO UPDATE SET default_price=excluded.default_price, first_contact_price=excluded.first_contact_price,
		return_discount_bps=excluded.return_discount_bps, accepts_all=excluded.accepts_all`,
		d.ph(1), d.ph(2), d.ph(3), d.ph(4), d.ph(5))
	_, err := s.db.ExecContext(ctx, q, p.UserID, p.DefaultPrice, p.FirstContactPrice, p.ReturnDiscountBps, p.AcceptsAll)
	return err
}

// ---- Messages -----------------------------------------------------------

func (s *sqlStore) HasNonFailedMessage(ctx context.Context, senderID, recipientID string) (bool, error) {
	d := s.d
	q := fmt.Sprintf(`SELECT 1 FROM messages WHERE sender_id = %s AND recipient_id = %s AND status != %s LIMIT 1`, d.ph(1), d.ph(2), d.ph(3))
	var one int
	err := s.db.QueryRowContext(ctx, q, senderID, recipientID, string(types.MessageStatusFailed)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqlStore) LookupIdempotency(ctx context.Context, senderID, key string) (*types.MessageIdempotency, error) {
	d := s.d
	q := fmt.Sprintf(`SELECT sender_id, idempotency_key, message_id, recipient_id, content_hash FROM message_idempotency WHERE sender_id = %s AND idempotency_key = %s`, d.ph(1), d.ph(2))
	var m types.MessageIdempotency
	err := s.db.QueryRowContext(ctx, q, senderID, key).Scan(&m.SenderID, &m.IdempotencyKey, &m.MessageID, &m.RecipientID, &m.ContentHash)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *sqlStore) scanMessage(row *sql.Row) (*types.Message, error) {
	var m types.Message
	var txHash sql.NullString
	if err := row.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Ciphertext, &m.ContentHash, &m.Price, &m.Status, &txHash, &m.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	m.TxHash = txHash.String
	return &m, nil
}

func (s *sqlStore) GetMessage(ctx context.Context, id string) (*types.Message, error) {
	q := fmt.Sprintf(`SELECT id, sender_id, recipient_id, ciphertext, content_hash, price, status, tx_hash, created_at FROM messages WHERE id = %s`, s.d.ph(1))
	return s.scanMessage(s.db.QueryRowContext(ctx, q, id))
}

func (s *sqlStore) GetMessageByIdempotency(ctx context.Context, senderID, key string) (*types.Message, error) {
	idem, err := s.LookupIdempotency(ctx, senderID, key)
	if err != nil {
		return nil, err
	}
	return s.GetMessage(ctx, idem.MessageID)
}

func (s *sqlStore) Inbox(ctx context.Context, userID string, limit, offset int) ([]*types.Message, error) {
	d := s.d
	q := fmt.Sprintf(`SELECT id, sender_id, recipient_id, ciphertext, content_hash, price, status, tx_hash, created_at
		FROM messages WHERE recipient_id = %s ORDER BY created_at DESC LIMIT %s OFFSET %s`, d.ph(1), d.ph(2), d.ph(3))
	rows, err := s.db.QueryContext(ctx, q, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.Message
	for rows.Next() {
		var m types.Message
		var txHash sql.NullString
		if err := rows.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Ciphertext, &m.ContentHash, &m.Price, &m.Status, &txHash, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.TxHash = txHash.String
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *sqlStore) MarkMessageDelivered(ctx context.Context, messageID, txHash string) error {
	d := s.d
	q := fmt.Sprintf(`UPDATE messages SET status = %s, tx_hash = %s WHERE id = %s AND status != %s`,
		d.ph(1), d.ph(2), d.ph(3), d.ph(4))
	_, err := s.db.ExecContext(ctx, q, string(types.MessageStatusDelivered), nullStr(txHash), messageID, string(types.MessageStatusDelivered))
	return err
}

// InsertPaidMessage performs the atomic debit+insert of spec §4.D step 6.
func (s *sqlStore) InsertPaidMessage(ctx context.Context, in PaidMessageInput) (*types.Message, error) {
	d := s.d
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	lockClause := ""
	if d.skipLocked {
		lockClause = " FOR UPDATE"
	}
	row := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT balance_minor_units FROM users WHERE id = %s%s`, d.ph(1), lockClause), in.SenderID)
	var balance int64
	if err := row.Scan(&balance); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if balance < in.Price {
		return nil, ErrInsufficientBalance
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE users SET balance_minor_units = balance_minor_units - %s, updated_at = %s WHERE id = %s`, d.ph(1), d.ph(2), d.ph(3)), in.Price, now, in.SenderID); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO balance_entries (id, user_id, delta, reason, created_at) VALUES (%s,%s,%s,%s,%s)`, d.ph(1), d.ph(2), d.ph(3), d.ph(4), d.ph(5)),
		uuid.NewString(), in.SenderID, -in.Price, "send:"+in.MessageID, now); err != nil {
		return nil, err
	}

	msg := &types.Message{
		ID: in.MessageID, SenderID: in.SenderID, RecipientID: in.RecipientID,
		Ciphertext: in.Ciphertext, ContentHash: in.ContentHash, Price: in.Price,
		Status: types.MessageStatusPaid, CreatedAt: now,
	}
	insMsg := fmt.Sprintf(`INSERT INTO messages (id, sender_id, recipient_id, ciphertext, content_hash, price, status, created_at)
		VALUES (%s,%s,%s,%s,%s,%s,%s,%s)`, d.ph(1), d.ph(2), d.ph(3), d.ph(4), d.ph(5), d.ph(6), d.ph(7), d.ph(8))
	if _, err := tx.ExecContext(ctx, insMsg, msg.ID, msg.SenderID, msg.RecipientID, msg.Ciphertext, msg.ContentHash, msg.Price, string(msg.Status), msg.CreatedAt); err != nil {
		return nil, err
	}

	if in.IdempotencyKey != "" {
		insIdem := fmt.Sprintf(`INSERT INTO message_idempotency (sender_id, idempotency_key, message_id, recipient_id, content_hash) VALUES (%s,%s,%s,%s,%s)`,
			d.ph(1), d.ph(2), d.ph(3), d.ph(4), d.ph(5))
		if _, err := tx.ExecContext(ctx, insIdem, in.SenderID, in.IdempotencyKey, msg.ID, in.RecipientID, in.ContentHash); err != nil {
			if isUniqueViolation(err) {
				// Lost the race to a concurrent caller with the same key;
				// the winner's row is authoritative (spec §4.D step 6).
				return nil, ErrIdempotencyConflict
			}
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *sqlStore) UpsertMessageFromChainEvent(ctx context.Context, ev *types.ChainEvent, contentHash string, normalizedAmount int64) (string, bool, error) {
	d := s.d
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, err
	}
	defer tx.Rollback()

	// The indexer has no canonical message id to key off beyond what's
	// already in the orchestrator path, so it matches on (sender, recipient,
	// content hash): a row already carrying this event's tx hash is returned
	// as is (replay), else the oldest row with no tx hash set is marked
	// delivered (price and status are not compared); if none matches it
	// mints a new message id. This mirrors
	// spec §4.F step 4's "if no Message exists for the event, insert one".
	payer, err1 := findUserIDByWallet(ctx, tx, d, ev.Payer)
	recipient, err2 := findUserIDByWallet(ctx, tx, d, ev.Recipient)
	if err1 != nil || err2 != nil || payer == "" || recipient == "" {
		// Receipt already persisted by caller (InsertChainEvent); nothing
		// further to do when either party is unknown (spec §4.F step 4).
		return "", false, tx.Commit()
	}

	var replayedID string
	switch err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT id FROM messages WHERE sender_id = %s AND recipient_id = %s AND content_hash = %s AND tx_hash = %s LIMIT 1`,
		d.ph(1), d.ph(2), d.ph(3), d.ph(4)), payer, recipient, contentHash, ev.TxHash).Scan(&replayedID); err {
	case nil:
		return replayedID, false, tx.Commit()
	case sql.ErrNoRows:
	default:
		return "", false, err
	}

	row := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT id FROM messages WHERE sender_id = %s AND recipient_id = %s AND content_hash = %s AND tx_hash IS NULL ORDER BY created_at ASC LIMIT 1`,
		d.ph(1), d.ph(2), d.ph(3)), payer, recipient, contentHash)
	var existingID string
	switch err := row.Scan(&existingID); err {
	case nil:
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE messages SET status = %s, tx_hash = %s WHERE id = %s`, d.ph(1), d.ph(2), d.ph(3)),
			string(types.MessageStatusDelivered), ev.TxHash, existingID); err != nil {
			return "", false, err
		}
		return existingID, false, tx.Commit()
	case sql.ErrNoRows:
		newID := uuid.NewString()
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO messages (id, sender_id, recipient_id, ciphertext, content_hash, price, status, tx_hash, created_at) VALUES (%s,%s,%s,%s,%s,%s,%s,%s,%s)`,
			d.ph(1), d.ph(2), d.ph(3), d.ph(4), d.ph(5), d.ph(6), d.ph(7), d.ph(8), d.ph(9)),
			newID, payer, recipient, []byte(nil), contentHash, normalizedAmount, string(types.MessageStatusDelivered), ev.TxHash, ev.ObservedAt); err != nil {
			return "", false, err
		}
		if err := tx.Commit(); err != nil {
			return "", false, err
		}
		return newID, true, nil
	default:
		return "", false, err
	}
}

func findUserIDByWallet(ctx context.Context, tx *sql.Tx, d dialect, wallet string) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT id FROM users WHERE wallet_address = %s`, d.ph(1)), strings.ToLower(wallet)).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}

// ---- Delivery jobs -------------------------------------------------------

func (s *sqlStore) CreateMessageDeliveryJob(ctx context.Context, job *types.DeliveryJob) (bool, error) {
	d := s.d
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
	q := fmt.Sprintf(`INSERT INTO delivery_jobs (id, message_id, user_id, channel, destination, payload, status, attempts, max_attempts, next_attempt_at, created_at, updated_at)
		VALUES (%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s)
		ON CONFLICT (message_id, channel, destination) DO NOTHING`,
		d.ph(1), d.ph(2), d.ph(3), d.ph(4), d.ph(5), d.ph(6), d.ph(7), d.ph(8), d.ph(9), d.ph(10), d.ph(11), d.ph(12))
	res, err := s.db.ExecContext(ctx, q, job.ID, job.MessageID, job.UserID, job.Channel, job.Destination, job.Payload,
		string(job.Status), 0, job.MaxAttempts, job.NextAttemptAt, now, now)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqlStore) ClaimDueDeliveryJobs(ctx context.Context, workerID string, limit int, lockTTL time.Duration) ([]*types.DeliveryJob, error) {
	d := s.d
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	lockClause := ""
	if d.skipLocked {
		lockClause = " FOR UPDATE SKIP LOCKED"
	}
	sel := fmt.Sprintf(`SELECT id FROM delivery_jobs
		WHERE status = %s AND next_attempt_at <= %s AND (locked_until IS NULL OR locked_until <= %s)
		ORDER BY next_attempt_at ASC, created_at ASC LIMIT %s%s`,
		d.ph(1), d.ph(2), d.ph(3), d.ph(4), lockClause)
	rows, err := tx.QueryContext(ctx, sel, string(types.DeliveryJobPending), now, now, limit)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	lockedUntil := now.Add(lockTTL)
	out := make([]*types.DeliveryJob, 0, len(ids))
	for _, id := range ids {
		upd := fmt.Sprintf(`UPDATE delivery_jobs SET status=%s, locked_by=%s, locked_until=%s, attempts=attempts+1, error_text=NULL, updated_at=%s WHERE id=%s`,
			d.ph(1), d.ph(2), d.ph(3), d.ph(4), d.ph(5))
		if _, err := tx.ExecContext(ctx, upd, string(types.DeliveryJobProcessing), workerID, lockedUntil, now, id); err != nil {
			return nil, err
		}
		job, err := s.scanJobTx(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, tx.Commit()
}

func (s *sqlStore) scanJobTx(ctx context.Context, tx *sql.Tx, id string) (*types.DeliveryJob, error) {
	q := fmt.Sprintf(`SELECT id, message_id, user_id, channel, destination, payload, status, attempts, max_attempts, next_attempt_at, locked_by, locked_until, error_text, created_at, updated_at
		FROM delivery_jobs WHERE id = %s`, s.d.ph(1))
	return scanJobRow(tx.QueryRowContext(ctx, q, id))
}

func scanJobRow(row *sql.Row) (*types.DeliveryJob, error) {
	var j types.DeliveryJob
	var lockedBy, errorText sql.NullString
	var lockedUntil sql.NullTime
	if err := row.Scan(&j.ID, &j.MessageID, &j.UserID, &j.Channel, &j.Destination, &j.Payload, &j.Status, &j.Attempts, &j.MaxAttempts,
		&j.NextAttemptAt, &lockedBy, &lockedUntil, &errorText, &j.CreatedAt, &j.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	j.LockedBy = lockedBy.String
	j.ErrorText = errorText.String
	if lockedUntil.Valid {
		t := lockedUntil.Time
		j.LockedUntil = &t
	}
	return &j, nil
}

func (s *sqlStore) MarkJobDone(ctx context.Context, jobID string) error {
	d := s.d
	q := fmt.Sprintf(`UPDATE delivery_jobs SET status=%s, locked_by=NULL, locked_until=NULL, error_text=NULL, updated_at=%s WHERE id=%s`, d.ph(1), d.ph(2), d.ph(3))
	_, err := s.db.ExecContext(ctx, q, string(types.DeliveryJobDone), time.Now().UTC(), jobID)
	return err
}

func (s *sqlStore) MarkJobRetry(ctx context.Context, jobID, errorText string, nextAttemptAt time.Time) error {
	d := s.d
	q := fmt.Sprintf(`UPDATE delivery_jobs SET status=%s, locked_by=NULL, locked_until=NULL, error_text=%s, next_attempt_at=%s, updated_at=%s WHERE id=%s`,
		d.ph(1), d.ph(2), d.ph(3), d.ph(4), d.ph(5))
	_, err := s.db.ExecContext(ctx, q, string(types.DeliveryJobPending), errorText, nextAttemptAt, time.Now().UTC(), jobID)
	return err
}

func (s *sqlStore) MarkJobDeadLetter(ctx context.Context, jobID, errorText string) error {
	d := s.d
	q := fmt.Sprintf(`UPDATE delivery_jobs SET status=%s, locked_by=NULL, locked_until=NULL, error_text=%s, updated_at=%s WHERE id=%s`, d.ph(1), d.ph(2), d.ph(3), d.ph(4))
	_, err := s.db.ExecContext(ctx, q, string(types.DeliveryJobFailed), "max_retries_reached:"+errorText, time.Now().UTC(), jobID)
	return err
}

func (s *sqlStore) JobStats(ctx context.Context) (JobStats, error) {
	var stats JobStats
	rows, err := s.db.QueryContext(ctx, `SELECT status, error_text, COUNT(*) FROM delivery_jobs GROUP BY status, error_text`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var errorText sql.NullString
		var n int64
		if err := rows.Scan(&status, &errorText, &n); err != nil {
			return stats, err
		}
		switch types.DeliveryJobStatus(status) {
		case types.DeliveryJobPending:
			stats.Pending += n
		case types.DeliveryJobProcessing:
			stats.Processing += n
		case types.DeliveryJobDone:
			stats.Done += n
		case types.DeliveryJobFailed:
			stats.Failed += n
			if errorText.Valid && strings.HasPrefix(errorText.String, "max_retries_reached:") {
				stats.DeadLetter += n
			}
		}
	}
	return stats, rows.Err()
}

func (s *sqlStore) ListDeadLettered(ctx context.Context, limit int) ([]*types.DeliveryJob, error) {
	d := s.d
	q := fmt.Sprintf(`SELECT id, message_id, user_id, channel, destination, payload, status, attempts, max_attempts, next_attempt_at, locked_by, locked_until, error_text, created_at, updated_at
		FROM delivery_jobs WHERE status = %s AND error_text LIKE %s ORDER BY updated_at DESC LIMIT %s`, d.ph(1), d.ph(2), d.ph(3))
	rows, err := s.db.QueryContext(ctx, q, string(types.DeliveryJobFailed), "max_retries_reached:%", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.DeliveryJob
	for rows.Next() {
		var j types.DeliveryJob
		var lockedBy, errorText sql.NullString
		var lockedUntil sql.NullTime
		if err := rows.Scan(&j.ID, &j.MessageID, &j.UserID, &j.Channel, &j.Destination, &j.Payload, &j.Status, &j.Attempts, &j.MaxAttempts,
			&j.NextAttemptAt, &lockedBy, &lockedUntil, &errorText, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		j.LockedBy = lockedBy.String
		j.ErrorText = errorText.String
		if lockedUntil.Valid {
			t := lockedUntil.Time
			j.LockedUntil = &t
		}
		out = append(out, &j)
	}
	return out, rows.Err()
}

// ---- Chain events / checkpoints ------------------------------------------

func (s *sqlStore) InsertChainEvent(ctx context.Context, ev *types.ChainEvent) (bool, error) {
	d := s.d
	if ev.ObservedAt.IsZero() {
		ev.ObservedAt = time.Now().UTC()
	}
	q := fmt.Sprintf(`INSERT INTO chain_events (chain_key, tx_hash, log_index, payer, recipient, amount, fee, content_hash, nonce, channel, block_number, block_hash, observed_at)
		VALUES (%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s) ON CONFLICT (chain_key, tx_hash, log_index) DO NOTHING`,
		d.ph(1), d.ph(2), d.ph(3), d.ph(4), d.ph(5), d.ph(6), d.ph(7), d.ph(8), d.ph(9), d.ph(10), d.ph(11), d.ph(12), d.ph(13))
	res, err := s.db.ExecContext(ctx, q, ev.ChainKey, ev.TxHash, ev.LogIndex, ev.Payer, ev.Recipient, ev.Amount, ev.Fee, ev.ContentHash, ev.Nonce, ev.Channel, ev.BlockNumber, ev.BlockHash, ev.ObservedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqlStore) GetCheckpoint(ctx context.Context, chainKey string) (uint64, error) {
	q := fmt.Sprintf(`SELECT last_processed_block FROM chain_checkpoints WHERE chain_key = %s`, s.d.ph(1))
	var block uint64
	err := s.db.QueryRowContext(ctx, q, chainKey).Scan(&block)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return block, err
}

func (s *sqlStore) AdvanceCheckpoint(ctx context.Context, chainKey string, block uint64) error {
	d := s.d
	q := fmt.Sprintf(`INSERT INTO chain_checkpoints (chain_key, last_processed_block) VALUES (%s,%s)
		ON CONFLICT (chain_key) DO UPDATE SET last_processed_block = %s(chain_checkpoints.last_processed_block, excluded.last_processed_block)`,
		d.ph(1), d.ph(2), s.greatest())
	_, err := s.db.ExecContext(ctx, q, chainKey, block)
	return err
}

// ---- Channel connections --------------------------------------------------

func (s *sqlStore) UpsertChannelConnection(ctx context.Context, c *types.ChannelConnection) error {
	d := s.d
	q := fmt.Sprintf(`INSERT INTO channel_connections (user_id, channel, external_handle, secret_ref, consent_version, consent_accepted_at, status)
		VALUES (%s,%s,%s,%s,%s,%s,%s)
		ON CONFLICT (user_id, channel) DO UPDATE SET external_handle=excluded.external_handle, secret_ref=excluded.secret_ref,
		consent_version=excluded.consent_version, consent_accepted_at=excluded.consent_accepted_at, status=excluded.status`,
		d.ph(1), d.ph(2), d.ph(3), d.ph(4), d.ph(5), d.ph(6), d.ph(7))
	_, err := s.db.ExecContext(ctx, q, c.UserID, c.Channel, c.ExternalHandle, nullStr(c.SecretRef), nullStr(c.ConsentVersion), c.ConsentAcceptedAt, string(c.Status))
	return err
}

func (s *sqlStore) GetChannelConnection(ctx context.Context, userID, channel string) (*types.ChannelConnection, error) {
	d := s.d
	q := fmt.Sprintf(`SELECT user_id, channel, external_handle, secret_ref, consent_version, consent_accepted_at, status FROM channel_connections WHERE user_id=%s AND channel=%s`, d.ph(1), d.ph(2))
	var c types.ChannelConnection
	var secretRef, consentVersion sql.NullString
	var consentAt sql.NullTime
	err := s.db.QueryRowContext(ctx, q, userID, channel).Scan(&c.UserID, &c.Channel, &c.ExternalHandle, &secretRef, &consentVersion, &consentAt, &c.Status)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.SecretRef, c.ConsentVersion = secretRef.String, consentVersion.String
	c.ConsentAcceptedAt = consentAt.Time
	return &c, nil
}

func (s *sqlStore) ListConnectedChannels(ctx context.Context, userID string) ([]*types.ChannelConnection, error) {
	d := s.d
	q := fmt.Sprintf(`SELECT user_id, channel, external_handle, secret_ref, consent_version, consent_accepted_at, status FROM channel_connections WHERE user_id=%s AND status=%s`,
		d.ph(1), d.ph(2))
	rows, err := s.db.QueryContext(ctx, q, userID, string(types.ChannelConnected))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.ChannelConnection
	for rows.Next() {
		var c types.ChannelConnection
		var secretRef, consentVersion sql.NullString
		var consentAt sql.NullTime
		if err := rows.Scan(&c.UserID, &c.Channel, &c.ExternalHandle, &secretRef, &consentVersion, &consentAt, &c.Status); err != nil {
			return nil, err
		}
		c.SecretRef, c.ConsentVersion = secretRef.String, consentVersion.String
		c.ConsentAcceptedAt = consentAt.Time
		out = append(out, &c)
	}
	return out, rows.Err()
}

// ---- Identity --------------------------------------------------------------

func (s *sqlStore) SaveIdentityBinding(ctx context.Context, b *types.IdentityBinding) error {
	d := s.d
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if b.WalletAddress != "" {
		row := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT method, provider, subject FROM identity_bindings WHERE wallet_address = %s AND NOT revoked AND NOT (method=%s AND provider=%s AND subject=%s) LIMIT 1`,
			d.ph(1), d.ph(2), d.ph(3), d.ph(4)), strings.ToLower(b.WalletAddress), b.Method, b.Provider, b.Subject)
		var m, p, sub string
		switch err := row.Scan(&m, &p, &sub); err {
		case nil:
			return ErrWalletCollision
		case sql.ErrNoRows:
			// no collision
		default:
			return err
		}
	}

	q := fmt.Sprintf(`INSERT INTO identity_bindings (method, provider, subject, user_id, wallet_address, revoked) VALUES (%s,%s,%s,%s,%s,%s)
		ON CONFLICT (method, provider, subject) DO UPDATE SET user_id=excluded.user_id, wallet_address=excluded.wallet_address, revoked=excluded.revoked`,
		d.ph(1), d.ph(2), d.ph(3), d.ph(4), d.ph(5), d.ph(6))
	if _, err := tx.ExecContext(ctx, q, b.Method, b.Provider, b.Subject, b.UserID, strings.ToLower(b.WalletAddress), b.Revoked); err != nil {
		return err
	}
	return tx.Commit()
}

// ---- Abuse -----------------------------------------------------------------

func (s *sqlStore) IncrementAbuseCounter(ctx context.Context, keyType types.AbuseKeyType, keyValue string, windowStart int64) (int64, error) {
	d := s.d
	q := fmt.Sprintf(`INSERT INTO abuse_counters (key_type, key_value, window_start, count) VALUES (%s,%s,%s,1)
		ON CONFLICT (key_type, key_value, window_start) DO UPDATE SET count = abuse_counters.count + 1
		RETURNING count`, d.ph(1), d.ph(2), d.ph(3))
	var count int64
	err := s.db.QueryRowContext(ctx, q, string(keyType), keyValue, windowStart).Scan(&count)
	return count, err
}

func (s *sqlStore) GetActiveBlock(ctx context.Context, keyType types.AbuseKeyType, keyValue string, now int64) (*types.AbuseBlock, error) {
	d := s.d
	q := fmt.Sprintf(`SELECT key_type, key_value, blocked_until, reason, metadata FROM abuse_blocks WHERE key_type=%s AND key_value=%s AND blocked_until > %s`,
		d.ph(1), d.ph(2), d.ph(3))
	var b types.AbuseBlock
	var meta sql.NullString
	err := s.db.QueryRowContext(ctx, q, string(keyType), keyValue, now).Scan(&b.KeyType, &b.KeyValue, &b.BlockedUntil, &b.Reason, &meta)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if meta.Valid {
		_ = json.Unmarshal([]byte(meta.String), &b.Metadata)
	}
	return &b, nil
}

func (s *sqlStore) UpsertAbuseBlock(ctx context.Context, b *types.AbuseBlock) error {
	d := s.d
	metaJSON, _ := json.Marshal(b.Metadata)
	q := fmt.Sprintf(`INSERT INTO abuse_blocks (key_type, key_value, blocked_until, reason, metadata) VALUES (%s,%s,%s,%s,%s)
		ON CONFLICT (key_type, key_value) DO UPDATE SET
			blocked_until = %s(abuse_blocks.blocked_until, excluded.blocked_until),
			reason = excluded.reason, metadata = excluded.metadata`,
		d.ph(1), d.ph(2), d.ph(3), d.ph(4), d.ph(5), s.greatest())
	_, err := s.db.ExecContext(ctx, q, string(b.KeyType), b.KeyValue, b.BlockedUntil, b.Reason, string(metaJSON))
	return err
}

func (s *sqlStore) RecordAbuseEvent(ctx context.Context, e *types.AbuseEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	d := s.d
	q := fmt.Sprintf(`INSERT INTO abuse_events (id, key_type, key_value, reason, score, created_at) VALUES (%s,%s,%s,%s,%s,%s)`,
		d.ph(1), d.ph(2), d.ph(3), d.ph(4), d.ph(5), d.ph(6))
	_, err := s.db.ExecContext(ctx, q, e.ID, string(e.KeyType), e.KeyValue, e.Reason, e.Score, e.CreatedAt)
	return err
}

// ---- Audit ------------------------------------------------------------------

func (s *sqlStore) InsertAuditLog(ctx context.Context, userID, eventType string, metadata map[string]any) error {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	d := s.d
	q := fmt.Sprintf(`INSERT INTO audit_logs (id, user_id, event_type, metadata, created_at) VALUES (%s,%s,%s,%s,%s)`,
		d.ph(1), d.ph(2), d.ph(3), d.ph(4), d.ph(5))
	_, err = s.db.ExecContext(ctx, q, uuid.NewString(), userID, eventType, string(meta), time.Now().UTC())
	return err
}
