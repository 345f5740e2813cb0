package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"paidinbox/internal/observability"
	"paidinbox/internal/store"
)

func TestLogInsertsAuditRow(t *testing.T) {
	ctx := context.Background()
	s, err := store.OpenEmbeddedMemory(ctx)
	require.NoError(t, err)
	defer s.Close()

	l := New(s, observability.NewFabric())
	l.Log(ctx, "u1", "message_sent", map[string]any{"messageId": "m1"})

	require.Empty(t, l.Drops())
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

type failingInsertStore struct{ store.Store }

func (failingInsertStore) InsertAuditLog(ctx context.Context, userID, eventType string, metadata map[string]any) error {
	return simpleErr("audit insert failed")
}

func TestLogRecordsDropOnFailure(t *testing.T) {
	ctx := context.Background()
	s, err := store.OpenEmbeddedMemory(ctx)
	require.NoError(t, err)
	defer s.Close()

	fabric := observability.NewFabric()
	l := New(failingInsertStore{Store: s}, fabric)
	l.Log(ctx, "u1", "message_sent", nil)

	drops := l.Drops()
	require.Len(t, drops, 1)
	require.Equal(t, "message_sent", drops[0].EventType)

	counts := l.DropCounts()
	require.Equal(t, int64(1), counts["audit insert failed:message_sent"])

	out := fabric.Render()
	require.Contains(t, out, `audit_drop_total{event_type="message_sent",reason="audit insert failed"} 1`)
}
