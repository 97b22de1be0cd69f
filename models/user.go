package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/fixmatehq/dispatch_backend/config"
	"bitbucket.org/fixmatehq/dispatch_backend/utils"
)

type User struct {
	ID          string    `gorm:"primary_key;size:64" json:"id"`
	Phone       string    `gorm:"size:20;uniqueIndex" json:"phone"`
	Email       *string   `gorm:"size:255" json:"email"`
	FullName    string    `gorm:"size:255" json:"full_name"`
	Password    string    `gorm:"size:255" json:"-"`
	Role        UserRole  `gorm:"type:enum('customer','helper','admin');default:'customer'" json:"role"`
	IsActive    *bool     `gorm:"not null;default:true" json:"is_active"`
	DeviceToken string    `gorm:"size:512" json:"-"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetUser(ctx context.Context, id string) (*User, error) {
	var user User
	db := config.GetDB()
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&user).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &user, nil
}

func AuthenticateUser(ctx context.Context, phone string, password string) (*User, string, error) {
	var user User
	db := config.GetDB()
	if err := db.WithContext(ctx).Where("phone = ? AND is_active = 1", phone).Take(&user).Error; err != nil {
		return nil, "", errors.New("invalid credentials")
	}
	if err := utils.ComparePassword(user.Password, password); err != nil {
		return nil, "", errors.New("invalid credentials")
	}
	token, err := utils.JwtGenerate(user.ID, string(user.Role))
	if err != nil {
		return nil, "", err
	}
	return &user, token, nil
}
