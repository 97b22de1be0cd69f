package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/fixmatehq/dispatch_backend/config"
	"bitbucket.org/fixmatehq/dispatch_backend/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ServiceRequest is the single serialization point for the assignment
// decision: every acceptance attempt funnels through a conditional update on
// this row.
//
// Invariants:
//   - assigned_helper_id is non-null iff status is assigned/in_progress/completed
//   - broadcast_status = accepted iff assigned_helper_id is non-null
//   - assigned_helper_id is set exactly once and never cleared except by
//     administrative override
type ServiceRequest struct {
	ID                 string          `gorm:"primary_key;size:64" json:"id"`
	CustomerId         string          `gorm:"size:64;index;not null" json:"customer_id"`
	Category           string          `gorm:"size:64;index;not null" json:"category"`
	Description        string          `gorm:"type:text" json:"description"`
	LocationLat        float64         `json:"location_lat"`
	LocationLng        float64         `json:"location_lng"`
	Address            string          `gorm:"size:512" json:"address"`
	EstimatedPrice     int64           `gorm:"not null;default:0" json:"estimated_price"` // minor units
	Status             RequestStatus   `gorm:"type:enum('open','assigned','in_progress','completed','cancelled');not null;default:'open';index" json:"status"`
	BroadcastStatus    BroadcastStatus `gorm:"type:enum('none','broadcasting','accepted','expired');not null;default:'none';index" json:"broadcast_status"`
	AssignedHelperId   *string         `gorm:"size:64;index" json:"assigned_helper_id"`
	BroadcastExpiresAt *time.Time      `gorm:"index" json:"broadcast_expires_at"`
	HelperAcceptedAt   *time.Time      `json:"helper_accepted_at"`
	WorkStartedAt      *time.Time      `json:"work_started_at"`
	WorkCompletedAt    *time.Time      `json:"work_completed_at"`
	CancelledAt        *time.Time      `json:"cancelled_at"`
	CreatedAt          time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewServiceRequest struct {
	Category       string  `json:"category" binding:"required,category_slug"`
	Description    string  `json:"description"`
	LocationLat    float64 `json:"location_lat" binding:"required"`
	LocationLng    float64 `json:"location_lng" binding:"required"`
	Address        string  `json:"address"`
	EstimatedPrice int64   `json:"estimated_price" binding:"required,gt=0"`
}

func CreateServiceRequest(ctx context.Context, input *NewServiceRequest) (*ServiceRequest, error) {
	customerId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || customerId == "" {
		return nil, utils.ErrorRecordNotFound
	}

	request := ServiceRequest{
		ID:              uuid.NewString(),
		CustomerId:      customerId,
		Category:        input.Category,
		Description:     input.Description,
		LocationLat:     input.LocationLat,
		LocationLng:     input.LocationLng,
		Address:         input.Address,
		EstimatedPrice:  input.EstimatedPrice,
		Status:          RequestStatusOpen,
		BroadcastStatus: BroadcastStatusNone,
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&request).Error; err != nil {
		return nil, err
	}
	return &request, nil
}

func GetServiceRequest(ctx context.Context, id string) (*ServiceRequest, error) {
	var request ServiceRequest
	db := config.GetDB()
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&request).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRequestNotFound
		}
		// A store failure is not a missing row; let the caller retry.
		return nil, err
	}
	return &request, nil
}

// TransitionAction is a lifecycle move other than acceptance (which goes
// through AcceptJob) and broadcast expiry (which goes through the sweeper).
type TransitionAction string

const (
	ActionStartWork TransitionAction = "start_work"
	ActionComplete  TransitionAction = "complete"
	ActionCancel    TransitionAction = "cancel"
)

type Actor int

const (
	ActorCustomer Actor = iota
	ActorAssignedHelper
	ActorAdmin
	ActorNone
)

type transitionRule struct {
	from   []RequestStatus
	to     RequestStatus
	actors []Actor
}

// Each actor has a distinct allowed-transition set; e.g. only the assigned
// helper may move assigned -> in_progress.
var transitionRules = map[TransitionAction]transitionRule{
	ActionStartWork: {
		from:   []RequestStatus{RequestStatusAssigned},
		to:     RequestStatusInProgress,
		actors: []Actor{ActorAssignedHelper, ActorAdmin},
	},
	ActionComplete: {
		from:   []RequestStatus{RequestStatusInProgress},
		to:     RequestStatusCompleted,
		actors: []Actor{ActorAssignedHelper, ActorCustomer, ActorAdmin},
	},
	ActionCancel: {
		from:   []RequestStatus{RequestStatusOpen, RequestStatusAssigned, RequestStatusInProgress},
		to:     RequestStatusCancelled,
		actors: []Actor{ActorCustomer, ActorAdmin},
	},
}

func classifyActor(request *ServiceRequest, actorId string, isAdmin bool) Actor {
	if isAdmin {
		return ActorAdmin
	}
	if actorId == request.CustomerId {
		return ActorCustomer
	}
	if request.AssignedHelperId != nil && actorId == *request.AssignedHelperId {
		return ActorAssignedHelper
	}
	return ActorNone
}

// TransitionAllowed is the pure decision function behind TransitionRequest.
func TransitionAllowed(action TransitionAction, from RequestStatus, actor Actor) (RequestStatus, bool) {
	rule, ok := transitionRules[action]
	if !ok {
		return "", false
	}
	fromOk := false
	for _, s := range rule.from {
		if s == from {
			fromOk = true
			break
		}
	}
	if !fromOk {
		return "", false
	}
	for _, a := range rule.actors {
		if a == actor {
			return rule.to, true
		}
	}
	return "", false
}

// TransitionRequest applies a lifecycle action with a status guard in the
// WHERE clause, so a concurrent transition loses cleanly instead of
// overwriting.
func TransitionRequest(ctx context.Context, requestId string, action TransitionAction) (*ServiceRequest, error) {
	logger := config.GetLogger()

	actorId, _ := utils.GetUserIdFromContext(ctx)
	isAdmin := utils.IsAdminFromContext(ctx)

	request, err := GetServiceRequest(ctx, requestId)
	if err != nil {
		return nil, err
	}

	actor := classifyActor(request, actorId, isAdmin)
	target, ok := TransitionAllowed(action, request.Status, actor)
	if !ok {
		return nil, ErrInvalidTransition
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{"status": target}
	var event EventType
	switch action {
	case ActionStartWork:
		updates["work_started_at"] = &now
		event = EventWorkStarted
	case ActionComplete:
		updates["work_completed_at"] = &now
		event = EventWorkCompleted
	case ActionCancel:
		updates["cancelled_at"] = &now
		event = EventRequestCancelled
		if request.Status == RequestStatusOpen {
			// Cancelling an open request also closes any live broadcast.
			updates["broadcast_status"] = BroadcastStatusExpired
		}
	}

	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.WithContext(ctx).Model(&ServiceRequest{}).
			Where("id = ? AND status = ?", requestId, request.Status).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrInvalidTransition
		}

		// Cancelling mid-broadcast retracts the outstanding offers so invited
		// helpers don't keep racing for a dead request.
		if action == ActionCancel && request.Status == RequestStatusOpen {
			var invited []string
			if err := tx.WithContext(ctx).Model(&BroadcastNotification{}).
				Where("request_id = ? AND status = ?", requestId, NotificationStatusPending).
				Pluck("helper_id", &invited).Error; err != nil {
				return err
			}
			if len(invited) > 0 {
				if err := tx.WithContext(ctx).Model(&BroadcastNotification{}).
					Where("request_id = ? AND status = ?", requestId, NotificationStatusPending).
					Update("status", NotificationStatusExpired).Error; err != nil {
					return err
				}
				for _, invitedId := range invited {
					if err := RequeueNotification(tx, ctx, requestId, EventOfferClosed, invitedId, nil); err != nil {
						return err
					}
				}
			}
		}

		// A finished or cancelled job frees the helper for new offers.
		if request.AssignedHelperId != nil &&
			(target == RequestStatusCompleted || target == RequestStatusCancelled) {
			if err := setHelperOnJob(tx, ctx, *request.AssignedHelperId, false); err != nil {
				return err
			}
			if target == RequestStatusCompleted {
				if err := tx.WithContext(ctx).Model(&HelperProfile{}).
					Where("helper_id = ?", *request.AssignedHelperId).
					Update("completed_jobs", gorm.Expr("completed_jobs + 1")).Error; err != nil {
					return err
				}
			}
		}

		// Both parties hear about every transition.
		if err := QueueNotification(tx, ctx, requestId, event, request.CustomerId, nil); err != nil {
			return err
		}
		if request.AssignedHelperId != nil {
			if err := QueueNotification(tx, ctx, requestId, event, *request.AssignedHelperId, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"module":     "request",
		"request_id": requestId,
		"action":     action,
		"from":       request.Status,
		"to":         target,
	}).Info("request transitioned")

	request.Status = target
	return request, nil
}
