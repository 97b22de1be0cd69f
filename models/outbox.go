package models

import (
	"context"
	"encoding/json"
	"time"

	"bitbucket.org/fixmatehq/dispatch_backend/config"
	"bitbucket.org/fixmatehq/dispatch_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

// NotificationOutbox implements the transactional outbox for push/in-app
// fanout: the row is written inside the caller's DB transaction, delivery
// happens asynchronously after commit. Delivery failure can therefore never
// unwind an assignment or a ledger write.
//
// The unique (request_id, event_type, recipient_id) index is the delivery
// idempotency key: a retried state transition cannot enqueue a duplicate push.
type NotificationOutbox struct {
	ID               int        `gorm:"primary_key;index:idx_noutbox_dispatch,priority:3" json:"id"`
	RequestId        string     `gorm:"size:64;not null;uniqueIndex:idx_noutbox_event,priority:1" json:"request_id"`
	EventType        EventType  `gorm:"size:32;not null;uniqueIndex:idx_noutbox_event,priority:2" json:"event_type"`
	RecipientId      string     `gorm:"size:64;not null;uniqueIndex:idx_noutbox_event,priority:3" json:"recipient_id"`
	Payload          []byte     `gorm:"type:blob" json:"payload"`
	PublishStatus    string     `gorm:"size:20;not null;default:'PENDING';index:idx_noutbox_dispatch,priority:1" json:"publish_status"`
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_noutbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	CorrelationId    string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// QueueNotification writes the outbox record inside the caller's DB
// transaction but does NOT deliver. An already-queued (request, event,
// recipient) triple is a no-op, which makes retried transitions safe.
func QueueNotification(tx *gorm.DB, ctx context.Context, requestId string, eventType EventType, recipientId string, data map[string]interface{}) error {
	payload, err := marshalNotificationPayload(data)
	if err != nil {
		return err
	}
	if err := tx.Create(newOutboxRecord(ctx, requestId, eventType, recipientId, payload)).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return nil
		}
		return err
	}
	return nil
}

// RequeueNotification queues like QueueNotification, except an existing row
// for the triple is reset to PENDING with the fresh payload instead of left
// alone. Use it for events that legitimately recur, like the offer push of a
// later broadcast round; single-shot transitions stay on QueueNotification so
// a retry cannot re-deliver.
func RequeueNotification(tx *gorm.DB, ctx context.Context, requestId string, eventType EventType, recipientId string, data map[string]interface{}) error {
	payload, err := marshalNotificationPayload(data)
	if err != nil {
		return err
	}
	if err := tx.Create(newOutboxRecord(ctx, requestId, eventType, recipientId, payload)).Error; err != nil {
		if !isDuplicateKeyErr(err) {
			return err
		}
		return tx.Model(&NotificationOutbox{}).
			Where("request_id = ? AND event_type = ? AND recipient_id = ?", requestId, eventType, recipientId).
			Updates(map[string]interface{}{
				"payload":            payload,
				"publish_status":     OutboxPublishStatusPending,
				"publish_attempts":   0,
				"next_attempt_at":    nil,
				"published_at":       nil,
				"pub_sub_message_id": nil,
				"locked_at":          nil,
				"locked_by":          nil,
				"last_publish_error": nil,
				"correlation_id":     correlationIdFromContextOrNew(ctx),
			}).Error
	}
	return nil
}

func marshalNotificationPayload(data map[string]interface{}) ([]byte, error) {
	if data == nil {
		return nil, nil
	}
	return json.Marshal(data)
}

func newOutboxRecord(ctx context.Context, requestId string, eventType EventType, recipientId string, payload []byte) *NotificationOutbox {
	return &NotificationOutbox{
		RequestId:     requestId,
		EventType:     eventType,
		RecipientId:   recipientId,
		Payload:       payload,
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

func ConvertToPushMessage(record NotificationOutbox) config.PushMessage {
	return config.PushMessage{
		ID:            record.ID,
		RequestId:     record.RequestId,
		EventType:     string(record.EventType),
		RecipientId:   record.RecipientId,
		Payload:       record.Payload,
		OccurredAt:    record.CreatedAt,
		CorrelationId: record.CorrelationId,
	}
}
