package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/fixmatehq/dispatch_backend/config"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AcceptJob arbitrates concurrent acceptances. The assignment itself is a
// single conditional UPDATE on the request row; the database serializes
// competing attempts and exactly one of them affects a row. Everything after
// the winning write is idempotent cleanup, so a crash between the write and
// the cleanup leaves a repairable (never a double-assigned) state.
func AcceptJob(ctx context.Context, requestId string, helperId string) (AcceptOutcome, *ServiceRequest, error) {
	logger := config.GetLogger()
	db := config.GetDB()

	profile, err := GetHelperProfile(ctx, helperId)
	if err != nil {
		return AcceptOutcomeNotAvailable, nil, err
	}
	if profile.IsOnJob != nil && *profile.IsOnJob {
		return AcceptOutcomeAlreadyOnJob, nil, nil
	}

	now := time.Now().UTC()
	res := db.WithContext(ctx).Model(&ServiceRequest{}).
		Where("id = ? AND assigned_helper_id IS NULL AND broadcast_status = ? AND status = ?",
			requestId, BroadcastStatusBroadcasting, RequestStatusOpen).
		Updates(map[string]interface{}{
			"assigned_helper_id": helperId,
			"status":             RequestStatusAssigned,
			"broadcast_status":   BroadcastStatusAccepted,
			"helper_accepted_at": &now,
		})
	if res.Error != nil {
		return AcceptOutcomeNotAvailable, nil, res.Error
	}

	if res.RowsAffected == 0 {
		return classifyLostAccept(ctx, requestId, helperId)
	}

	request, err := GetServiceRequest(ctx, requestId)
	if err != nil {
		return AcceptOutcomeNotAvailable, nil, err
	}

	if err := finalizeAccept(ctx, request, helperId, now); err != nil {
		// The assignment is durable; cleanup is retried by reconciliation.
		config.LogError(logger, "accept", "AcceptJob", "post-assignment cleanup failed", map[string]interface{}{
			"request_id": requestId,
			"helper_id":  helperId,
		}, err)
	}

	logger.WithFields(logrus.Fields{
		"module":     "accept",
		"request_id": requestId,
		"helper_id":  helperId,
	}).Info("job accepted")

	return AcceptOutcomeAssignedOK, request, nil
}

// classifyLostAccept re-reads the row to tell the losing caller why the
// guarded update matched nothing.
func classifyLostAccept(ctx context.Context, requestId string, helperId string) (AcceptOutcome, *ServiceRequest, error) {
	request, err := GetServiceRequest(ctx, requestId)
	if errors.Is(err, ErrRequestNotFound) {
		return AcceptOutcomeRequestNotFound, nil, ErrRequestNotFound
	}
	if err != nil {
		// A transient re-read failure says nothing about the request's state;
		// surface it as an infra error, not a precondition.
		return AcceptOutcomeNotAvailable, nil, err
	}
	if request.AssignedHelperId != nil {
		if *request.AssignedHelperId == helperId {
			// Retried accept from the winner: report success again.
			return AcceptOutcomeAssignedOK, request, nil
		}
		return AcceptOutcomeAlreadyAssigned, request, nil
	}
	return AcceptOutcomeNotAvailable, request, nil
}

// finalizeAccept runs the idempotent post-assignment work: mark the winner's
// invitation accepted, expire the siblings, flag the helper busy, and queue
// the fanout events. Each step is safe to repeat.
func finalizeAccept(ctx context.Context, request *ServiceRequest, helperId string, acceptedAt time.Time) error {
	db := config.GetDB()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.WithContext(ctx).Model(&BroadcastNotification{}).
			Where("request_id = ? AND helper_id = ? AND status = ?", request.ID, helperId, NotificationStatusPending).
			Updates(map[string]interface{}{
				"status":       NotificationStatusAccepted,
				"responded_at": &acceptedAt,
			}).Error; err != nil {
			return err
		}

		if err := tx.WithContext(ctx).Model(&BroadcastNotification{}).
			Where("request_id = ? AND helper_id <> ? AND status = ?", request.ID, helperId, NotificationStatusPending).
			Update("status", NotificationStatusExpired).Error; err != nil {
			return err
		}

		if err := setHelperOnJob(tx, ctx, helperId, true); err != nil {
			return err
		}

		if err := QueueNotification(tx, ctx, request.ID, EventJobAccepted, request.CustomerId, map[string]interface{}{
			"helper_id": helperId,
		}); err != nil {
			return err
		}

		// Losing candidates get a retraction so stale offers disappear.
		var losers []string
		if err := tx.WithContext(ctx).Model(&BroadcastNotification{}).
			Where("request_id = ? AND helper_id <> ?", request.ID, helperId).
			Pluck("helper_id", &losers).Error; err != nil {
			return err
		}
		for _, loserId := range losers {
			if err := QueueNotification(tx, ctx, request.ID, EventOfferClosed, loserId, nil); err != nil {
				return err
			}
		}
		return nil
	})
}
