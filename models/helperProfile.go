package models

import (
	"context"
	"time"

	"bitbucket.org/fixmatehq/dispatch_backend/config"
	"gorm.io/gorm"
)

// HelperProfile carries the worker state the dispatcher cares about.
// Invariant: a helper with is_on_job = true must never successfully accept a
// new request (enforced in AcceptJob, repaired by reconciliation).
type HelperProfile struct {
	ID                int        `gorm:"primary_key" json:"id"`
	HelperId          string     `gorm:"size:64;uniqueIndex;not null" json:"helper_id"`
	Categories        string     `gorm:"size:512" json:"categories"` // comma-separated category slugs
	IsActive          *bool      `gorm:"not null;default:true" json:"is_active"`
	IsOnJob           *bool      `gorm:"not null;default:false;index" json:"is_on_job"`
	CurrentLat        float64    `json:"current_lat"`
	CurrentLng        float64    `json:"current_lng"`
	LocationUpdatedAt *time.Time `json:"location_updated_at"`
	Rating            float64    `gorm:"default:0" json:"rating"`
	CompletedJobs     int        `gorm:"default:0" json:"completed_jobs"`
	DeviceToken       string     `gorm:"size:512" json:"-"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetHelperProfile(ctx context.Context, helperId string) (*HelperProfile, error) {
	var helper HelperProfile
	db := config.GetDB()
	if err := db.WithContext(ctx).Where("helper_id = ?", helperId).Take(&helper).Error; err != nil {
		return nil, ErrHelperNotFound
	}
	return &helper, nil
}

// UpdateHelperLocation refreshes the coordinates used by the matcher.
func UpdateHelperLocation(ctx context.Context, helperId string, lat, lng float64) error {
	now := time.Now().UTC()
	db := config.GetDB()
	res := db.WithContext(ctx).Model(&HelperProfile{}).
		Where("helper_id = ?", helperId).
		Updates(map[string]interface{}{
			"current_lat":         lat,
			"current_lng":         lng,
			"location_updated_at": &now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrHelperNotFound
	}
	return nil
}

// setHelperOnJob flips the on-job gate. Guarded so redundant repair runs are
// harmless.
func setHelperOnJob(tx *gorm.DB, ctx context.Context, helperId string, onJob bool) error {
	return tx.WithContext(ctx).Model(&HelperProfile{}).
		Where("helper_id = ? AND is_on_job = ?", helperId, !onJob).
		Update("is_on_job", onJob).Error
}
