package main

import (
	"context"
	"time"

	"bitbucket.org/fixmatehq/dispatch_backend/models"
	"bitbucket.org/fixmatehq/dispatch_backend/workflow"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// NotificationDirectProcessor is the safety-net delivery path: it picks up
// outbox rows the dispatcher has not handled within a grace window and pushes
// them directly, bypassing Pub/Sub. Pub/Sub settings may exist but delivery or
// permissions can be misconfigured, leaving rows stuck in PENDING/FAILED
// forever. Running both is safe: rows are claimed under row locks and delivery
// is idempotent per (request_id, event_type, recipient_id).
type NotificationDirectProcessor struct {
	DB       *gorm.DB
	Logger   *logrus.Logger
	Sender   workflow.PushSender
	WorkerID string

	BatchSize int
	Interval  time.Duration
	LockTTL   time.Duration
	// Grace is how long a row may sit untouched before the direct path takes
	// over from the dispatcher.
	Grace time.Duration
}

func NewNotificationDirectProcessor(db *gorm.DB, logger *logrus.Logger, sender workflow.PushSender) *NotificationDirectProcessor {
	return &NotificationDirectProcessor{
		DB:        db,
		Logger:    logger,
		Sender:    sender,
		WorkerID:  "direct-" + time.Now().Format("20060102-150405.000"),
		BatchSize: 50,
		Interval:  5 * time.Second,
		LockTTL:   30 * time.Second,
		Grace:     30 * time.Second,
	}
}

func (p *NotificationDirectProcessor) Run(ctx context.Context) {
	if p == nil || p.DB == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		p.processOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.Interval):
		}
	}
}

func (p *NotificationDirectProcessor) processOnce(ctx context.Context) {
	now := time.Now().UTC()
	staleBefore := now.Add(-p.LockTTL)
	graceBefore := now.Add(-p.Grace)

	var claimed []models.NotificationOutbox
	err := p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.
			Where("publish_status IN ?", []string{models.OutboxPublishStatusPending, models.OutboxPublishStatusFailed}).
			Where("created_at <= ?", graceBefore).
			Where("(locked_at IS NULL OR locked_at <= ?)", staleBefore).
			Order("id ASC").
			Limit(p.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}
		for i := range claimed {
			claimed[i].LockedAt = &now
			claimed[i].LockedBy = &p.WorkerID
			if err := tx.Model(&models.NotificationOutbox{}).
				Where("id = ?", claimed[i].ID).
				Updates(map[string]interface{}{
					"locked_at": claimed[i].LockedAt,
					"locked_by": claimed[i].LockedBy,
				}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil || len(claimed) == 0 {
		return
	}

	for _, rec := range claimed {
		msg := models.ConvertToPushMessage(rec)
		if sendErr := p.Sender.Send(ctx, msg); sendErr != nil {
			errMsg := sendErr.Error()
			_ = p.DB.WithContext(ctx).Model(&models.NotificationOutbox{}).
				Where("id = ?", rec.ID).
				Updates(map[string]interface{}{
					"publish_status":     models.OutboxPublishStatusFailed,
					"last_publish_error": &errMsg,
					"locked_at":          nil,
					"locked_by":          nil,
				}).Error
			if p.Logger != nil {
				p.Logger.WithFields(logrus.Fields{
					"field":      "NotificationDirectProcessor",
					"record_id":  rec.ID,
					"request_id": rec.RequestId,
				}).Error("direct delivery failed: " + errMsg)
			}
			continue
		}
		sentAt := time.Now().UTC()
		_ = p.DB.WithContext(ctx).Model(&models.NotificationOutbox{}).
			Where("id = ?", rec.ID).
			Updates(map[string]interface{}{
				"publish_status":  models.OutboxPublishStatusSent,
				"published_at":    &sentAt,
				"locked_at":       nil,
				"locked_by":       nil,
				"next_attempt_at": nil,
			}).Error
	}
}
