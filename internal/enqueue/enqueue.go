// Package enqueue implements the delivery-job fan-out shared by the
// orchestrator (spec §4.D step 7) and the chain indexer (spec §4.F step 4):
// for every consent-current connected channel of a recipient, enqueue one
// idempotent delivery job.
package enqueue

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"paidinbox/internal/consent"
	"paidinbox/internal/observability"
	"paidinbox/internal/store"
	"paidinbox/internal/types"
)

// ForMessage enqueues a delivery job on every consent-current connected
// channel of recipientID, skipping stale-consent channels and recording
// delivery_job_skip_total{reason="stale_channel_consent"} for each.
func ForMessage(ctx context.Context, s store.Store, fabric *observability.Fabric, tosVersion string, requireSocialTOS bool, maxAttempts int, msg *types.Message, recipientID string) {
	channels, err := s.ListConnectedChannels(ctx, recipientID)
	if err != nil {
		logrus.WithError(err).WithField("recipient_id", recipientID).Warn("failed to list connected channels for delivery enqueue")
		return
	}

	payload, err := json.Marshal(map[string]any{
		"subject": "new_paid_message", "messageId": msg.ID, "amount": msg.Price, "txHash": msg.TxHash,
	})
	if err != nil {
		logrus.WithError(err).Warn("failed to marshal delivery job payload")
		return
	}

	for _, c := range channels {
		if c.Status != types.ChannelConnected {
			continue
		}
		if !consent.IsCurrent(c, tosVersion, requireSocialTOS) {
			fabric.IncCounter("delivery_job_skip_total", map[string]string{"reason": "stale_channel_consent"}, 1)
			continue
		}
		_, err := s.CreateMessageDeliveryJob(ctx, &types.DeliveryJob{
			ID: uuid.NewString(), MessageID: msg.ID, UserID: recipientID,
			Channel: c.Channel, Destination: c.ExternalHandle, Payload: payload,
			Status: types.DeliveryJobPending, MaxAttempts: maxAttempts,
		})
		if err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{"message_id": msg.ID, "channel": c.Channel}).Warn("failed to enqueue delivery job")
		}
	}
}
