// Package audit implements the append-only audit/drop ledger of spec §4.I,
// grounded on the teacher's AuditManager (core/audit_management.go): a
// small coordinator over a persistent sink, with a best-effort guarantee
// that logging failures never propagate to the caller.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"paidinbox/internal/observability"
	"paidinbox/internal/store"
)

const dropRingSize = 50

// DropRecord is pushed onto the bounded ring when a log insert fails.
type DropRecord struct {
	Timestamp time.Time
	UserID    string
	EventType string
	Reason    string
}

// Ledger is the audit log coordinator. The zero value is not usable; build
// one with New.
type Ledger struct {
	store  store.Store
	fabric *observability.Fabric

	mu        sync.Mutex
	drops     []DropRecord
	dropCount map[string]int64 // keyed by reason+":"+eventType
}

func New(s store.Store, fabric *observability.Fabric) *Ledger {
	return &Ledger{store: s, fabric: fabric, dropCount: map[string]int64{}}
}

// Log serializes metadata and inserts an audit row. On any failure it
// records a bounded drop record and increments a labeled drop counter; it
// never returns an error to the caller, matching spec §4.I's "never raises".
func (l *Ledger) Log(ctx context.Context, userID, eventType string, metadata map[string]any) {
	if err := l.store.InsertAuditLog(ctx, userID, eventType, metadata); err != nil {
		l.recordDrop(userID, eventType, err.Error())
		logrus.WithError(err).WithFields(logrus.Fields{"user_id": userID, "event_type": eventType}).Warn("audit log insert failed, recorded to drop ring")
	}
}

func (l *Ledger) recordDrop(userID, eventType, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.drops = append(l.drops, DropRecord{Timestamp: time.Now().UTC(), UserID: userID, EventType: eventType, Reason: reason})
	if len(l.drops) > dropRingSize {
		l.drops = l.drops[len(l.drops)-dropRingSize:]
	}
	l.dropCount[reason+":"+eventType]++
	l.fabric.IncCounter("audit_drop_total", map[string]string{"reason": reason, "event_type": eventType}, 1)
}

// Drops returns a snapshot of the bounded drop ring, most recent last.
func (l *Ledger) Drops() []DropRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]DropRecord, len(l.drops))
	copy(out, l.drops)
	return out
}

// DropCounts returns a snapshot of drop counts keyed by "reason:eventType".
func (l *Ledger) DropCounts() map[string]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int64, len(l.dropCount))
	for k, v := range l.dropCount {
		out[k] = v
	}
	return out
}
