package models

import (
	"context"
	"time"

	"bitbucket.org/fixmatehq/dispatch_backend/config"
	"bitbucket.org/fixmatehq/dispatch_backend/matching"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// BroadcastNotification is one candidate invitation. At most one row per
// request ever reaches accepted; all siblings reach expired once it does.
type BroadcastNotification struct {
	ID          int                `gorm:"primary_key" json:"id"`
	RequestId   string             `gorm:"size:64;not null;uniqueIndex:idx_bn_request_helper,priority:1" json:"request_id"`
	HelperId    string             `gorm:"size:64;not null;uniqueIndex:idx_bn_request_helper,priority:2;index" json:"helper_id"`
	Status      NotificationStatus `gorm:"type:enum('pending','accepted','expired');not null;default:'pending';index" json:"status"`
	MatchScore  float64            `json:"match_score"`
	DistanceKm  float64            `json:"distance_km"`
	RespondedAt *time.Time         `json:"responded_at"`
	CreatedAt   time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

// BroadcastResult tells the caller what happened to a dispatch attempt.
// Zero candidates is a reportable outcome, not an error.
type BroadcastResult struct {
	Request        *ServiceRequest `json:"request"`
	CandidateCount int             `json:"candidate_count"`
}

// BroadcastRequest converts an open request into a broadcasting one: ranks
// candidates through the matcher, writes one pending invitation per
// candidate and queues a job_offer push for each, all in one transaction.
//
// The open->broadcasting flip is guarded, so concurrent duplicate dispatch
// attempts (client retry, redundant instances) collapse into one broadcast.
func BroadcastRequest(ctx context.Context, matcher matching.Matcher, requestId string) (*BroadcastResult, error) {
	logger := config.GetLogger()

	request, err := GetServiceRequest(ctx, requestId)
	if err != nil {
		return nil, err
	}
	if request.Status != RequestStatusOpen || request.BroadcastStatus == BroadcastStatusBroadcasting {
		return nil, ErrInvalidTransition
	}

	candidates, err := matcher.Rank(ctx, request.Category, request.LocationLat, request.LocationLng, config.MaxBroadcastCandidates())
	if err != nil {
		return nil, err
	}

	if len(candidates) == 0 {
		logger.WithFields(logrus.Fields{
			"module":     "dispatch",
			"request_id": requestId,
			"category":   request.Category,
		}).Info("no candidates in range; request stays open")
		return &BroadcastResult{Request: request, CandidateCount: 0}, nil
	}

	expiresAt := time.Now().UTC().Add(config.BroadcastTTL())

	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.WithContext(ctx).Model(&ServiceRequest{}).
			Where("id = ? AND status = ? AND broadcast_status IN ?",
				requestId, RequestStatusOpen, []BroadcastStatus{BroadcastStatusNone, BroadcastStatusExpired}).
			Updates(map[string]interface{}{
				"broadcast_status":     BroadcastStatusBroadcasting,
				"broadcast_expires_at": &expiresAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrInvalidTransition
		}

		for _, c := range candidates {
			notification := BroadcastNotification{
				RequestId:  requestId,
				HelperId:   c.HelperId,
				Status:     NotificationStatusPending,
				MatchScore: c.Score,
				DistanceKm: c.DistanceKm,
			}
			if err := tx.WithContext(ctx).Create(&notification).Error; err != nil {
				if !isDuplicateKeyErr(err) {
					return err
				}
				// A leftover row from an expired earlier broadcast: re-arm it.
				if err := tx.WithContext(ctx).Model(&BroadcastNotification{}).
					Where("request_id = ? AND helper_id = ? AND status = ?", requestId, c.HelperId, NotificationStatusExpired).
					Updates(map[string]interface{}{
						"status":       NotificationStatusPending,
						"match_score":  c.Score,
						"distance_km":  c.DistanceKm,
						"responded_at": nil,
					}).Error; err != nil {
					return err
				}
			}
			// Requeue, not queue: a later round's offer must go out again even
			// though the first round's outbox row was already delivered.
			if err := RequeueNotification(tx, ctx, requestId, EventJobOffer, c.HelperId, map[string]interface{}{
				"category":        request.Category,
				"estimated_price": request.EstimatedPrice,
				"distance_km":     c.DistanceKm,
				"expires_at":      expiresAt,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"module":     "dispatch",
		"request_id": requestId,
		"candidates": len(candidates),
		"expires_at": expiresAt,
	}).Info("request broadcast to candidates")

	request.BroadcastStatus = BroadcastStatusBroadcasting
	request.BroadcastExpiresAt = &expiresAt
	return &BroadcastResult{Request: request, CandidateCount: len(candidates)}, nil
}

// ExpireStaleBroadcasts is the sweep body: flips pending invitations whose
// request's deadline has passed, then returns fully-expired requests to open.
// It only touches rows that are provably stale, so redundant sweeps from
// multiple instances are harmless.
func ExpireStaleBroadcasts(ctx context.Context, now time.Time) (expired int64, reopened int64, err error) {
	db := config.GetDB()

	// Step 1: expire stale pending invitations.
	res := db.WithContext(ctx).Exec(`
		UPDATE broadcast_notifications bn
		JOIN service_requests sr ON sr.id = bn.request_id
		SET bn.status = 'expired', bn.updated_at = ?
		WHERE bn.status = 'pending'
		  AND sr.broadcast_status = 'broadcasting'
		  AND sr.broadcast_expires_at IS NOT NULL
		  AND sr.broadcast_expires_at <= ?
	`, now, now)
	if res.Error != nil {
		return 0, 0, res.Error
	}
	expired = res.RowsAffected

	// Step 2: requests whose every invitation expired go back to open for
	// re-broadcast; the guard keeps a concurrently accepted request intact.
	var fullyExpired []string
	if err := db.WithContext(ctx).Raw(`
		SELECT sr.id
		FROM service_requests sr
		WHERE sr.broadcast_status = 'broadcasting'
		  AND sr.status = 'open'
		  AND sr.broadcast_expires_at IS NOT NULL
		  AND sr.broadcast_expires_at <= ?
		  AND NOT EXISTS (
			SELECT 1 FROM broadcast_notifications bn
			WHERE bn.request_id = sr.id AND bn.status IN ('pending','accepted')
		  )
	`, now).Scan(&fullyExpired).Error; err != nil {
		return expired, 0, err
	}

	for _, requestId := range fullyExpired {
		requestId := requestId
		err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.WithContext(ctx).Model(&ServiceRequest{}).
				Where("id = ? AND broadcast_status = ? AND assigned_helper_id IS NULL", requestId, BroadcastStatusBroadcasting).
				Updates(map[string]interface{}{
					"broadcast_status":     BroadcastStatusNone,
					"broadcast_expires_at": nil,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return nil
			}
			var customerId string
			if err := tx.WithContext(ctx).Model(&ServiceRequest{}).
				Where("id = ?", requestId).Select("customer_id").Scan(&customerId).Error; err != nil {
				return err
			}
			// Each fully-expired round is a fresh notice to the customer.
			return RequeueNotification(tx, ctx, requestId, EventNoHelperAvailable, customerId, nil)
		})
		if err != nil {
			return expired, reopened, err
		}
		reopened++
	}

	return expired, reopened, nil
}
