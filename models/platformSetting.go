package models

import "time"

// PlatformSetting is an operator-managed key/value row. The settings reader in
// config queries this table by raw name to avoid an import cycle.
type PlatformSetting struct {
	ID           int       `gorm:"primary_key" json:"id"`
	SettingKey   string    `gorm:"size:64;uniqueIndex;not null" json:"setting_key"`
	SettingValue string    `gorm:"size:255;not null" json:"setting_value"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
