package models

import (
	"context"
	"time"

	"bitbucket.org/fixmatehq/dispatch_backend/config"
	"gorm.io/gorm"
)

// WalletAccount holds one principal's money in integer minor units (paise).
// available_balance is spendable; escrow_balance is held against a specific
// request. Both are kept non-negative by guard clauses on every update; no
// component other than the escrow engine may write these columns.
type WalletAccount struct {
	ID               int             `gorm:"primary_key" json:"id"`
	OwnerId          string          `gorm:"size:64;not null;uniqueIndex:idx_wallet_owner,priority:1" json:"owner_id"`
	OwnerType        WalletOwnerType `gorm:"type:enum('customer','helper','platform');not null;uniqueIndex:idx_wallet_owner,priority:2" json:"owner_type"`
	AvailableBalance int64           `gorm:"not null;default:0" json:"available_balance"`
	EscrowBalance    int64           `gorm:"not null;default:0" json:"escrow_balance"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetWallet(ctx context.Context, ownerId string, ownerType WalletOwnerType) (*WalletAccount, error) {
	var wallet WalletAccount
	db := config.GetDB()
	if err := db.WithContext(ctx).
		Where("owner_id = ? AND owner_type = ?", ownerId, ownerType).
		Take(&wallet).Error; err != nil {
		return nil, ErrWalletNotFound
	}
	return &wallet, nil
}

// GetOrCreateWallet is safe to race: the unique (owner_id, owner_type) index
// turns the losing insert into a re-read.
func GetOrCreateWallet(tx *gorm.DB, ctx context.Context, ownerId string, ownerType WalletOwnerType) (*WalletAccount, error) {
	var wallet WalletAccount
	err := tx.WithContext(ctx).
		Where("owner_id = ? AND owner_type = ?", ownerId, ownerType).
		Take(&wallet).Error
	if err == nil {
		return &wallet, nil
	}

	wallet = WalletAccount{OwnerId: ownerId, OwnerType: ownerType}
	if err := tx.WithContext(ctx).Create(&wallet).Error; err != nil {
		if isDuplicateKeyErr(err) {
			if rerr := tx.WithContext(ctx).
				Where("owner_id = ? AND owner_type = ?", ownerId, ownerType).
				Take(&wallet).Error; rerr != nil {
				return nil, rerr
			}
			return &wallet, nil
		}
		return nil, err
	}
	return &wallet, nil
}

// debitAvailable subtracts from available_balance with a non-negative guard.
// Zero rows affected means the balance would have gone negative.
func debitAvailable(tx *gorm.DB, ctx context.Context, walletId int, amount int64) error {
	res := tx.WithContext(ctx).Model(&WalletAccount{}).
		Where("id = ? AND available_balance >= ?", walletId, amount).
		Update("available_balance", gorm.Expr("available_balance - ?", amount))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

func creditAvailable(tx *gorm.DB, ctx context.Context, walletId int, amount int64) error {
	return tx.WithContext(ctx).Model(&WalletAccount{}).
		Where("id = ?", walletId).
		Update("available_balance", gorm.Expr("available_balance + ?", amount)).Error
}

func creditEscrow(tx *gorm.DB, ctx context.Context, walletId int, amount int64) error {
	return tx.WithContext(ctx).Model(&WalletAccount{}).
		Where("id = ?", walletId).
		Update("escrow_balance", gorm.Expr("escrow_balance + ?", amount)).Error
}

// debitEscrow releases a hold. The guard can only fail if the hold was
// already consumed, which the escrow status guard should have caught first.
// Treat it as an integrity problem, not a retryable condition.
func debitEscrow(tx *gorm.DB, ctx context.Context, walletId int, amount int64) error {
	res := tx.WithContext(ctx).Model(&WalletAccount{}).
		Where("id = ? AND escrow_balance >= ?", walletId, amount).
		Update("escrow_balance", gorm.Expr("escrow_balance - ?", amount))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLedgerImbalance
	}
	return nil
}
