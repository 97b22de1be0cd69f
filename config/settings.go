package config

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/shopspring/decimal"
)

// Commission percent is operator-tunable and may change between releases of
// escrow, so it is read from platform_settings at the moment of release and
// cached in redis only briefly.
const (
	commissionSettingKey = "commission_percent"
	commissionCacheKey   = "setting:commission_percent"
	commissionCacheTTL   = 60 * time.Second
)

var ErrCommissionNotConfigured = errors.New("commission percent is not configured")

// GetCommissionPercent returns the platform commission as a decimal percentage
// (e.g. "10" for 10%). Falls back to COMMISSION_PERCENT env when the settings
// row is absent.
func GetCommissionPercent(ctx context.Context) (decimal.Decimal, error) {
	if cached, exists, err := GetRedisValue(commissionCacheKey); err == nil && exists {
		if rate, perr := decimal.NewFromString(cached); perr == nil {
			return rate, nil
		}
	}

	db := GetDB()
	if db == nil {
		return decimal.Zero, errors.New("db is nil")
	}

	var value string
	err := db.WithContext(ctx).
		Table("platform_settings").
		Where("setting_key = ?", commissionSettingKey).
		Select("setting_value").
		Scan(&value).Error
	if err != nil {
		return decimal.Zero, err
	}
	if value == "" {
		value = os.Getenv("COMMISSION_PERCENT")
	}
	if value == "" {
		return decimal.Zero, ErrCommissionNotConfigured
	}

	rate, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, err
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(100)) {
		return decimal.Zero, errors.New("commission percent out of range")
	}

	_ = SetRedisValue(commissionCacheKey, rate.String(), commissionCacheTTL)
	return rate, nil
}

// Dispatch tuning. Radius and candidate cap bound the Geo-Matcher query;
// broadcast TTL bounds how long candidates may hold an open offer.

func MaxBroadcastRadiusKm() float64 {
	v := os.Getenv("BROADCAST_RADIUS_KM")
	if v == "" {
		return 10
	}
	if rate, err := decimal.NewFromString(v); err == nil && rate.IsPositive() {
		f, _ := rate.Float64()
		return f
	}
	return 10
}

func MaxBroadcastCandidates() int {
	return intFromEnv("BROADCAST_MAX_CANDIDATES", 10)
}

func BroadcastTTL() time.Duration {
	return time.Duration(intFromEnv("BROADCAST_TTL_SECONDS", 90)) * time.Second
}
