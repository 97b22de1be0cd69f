package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/fixmatehq/dispatch_backend/config"
	"bitbucket.org/fixmatehq/dispatch_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Escrow holds one request's funds from capture until settlement. The only
// mutation ever permitted is the status flip funded -> released|refunded,
// exactly once, guarded in SQL.
type Escrow struct {
	ID               int          `gorm:"primary_key" json:"id"`
	RequestId        string       `gorm:"size:64;uniqueIndex;not null" json:"request_id"`
	CustomerId       string       `gorm:"size:64;index;not null" json:"customer_id"`
	Amount           int64        `gorm:"not null" json:"amount"`
	Status           EscrowStatus `gorm:"type:enum('funded','released','refunded');not null;default:'funded'" json:"status"`
	PaymentReference string       `gorm:"size:128;uniqueIndex;not null" json:"payment_reference"`
	CommissionFee    int64        `gorm:"not null;default:0" json:"commission_fee"`
	FundedAt         time.Time    `gorm:"not null" json:"funded_at"`
	ReleasedAt       *time.Time   `json:"released_at"`
	CreatedAt        time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

// Escrows are settlement records: only the settlement fields may ever change.
func (e *Escrow) BeforeUpdate(tx *gorm.DB) error {
	allowed := map[string]bool{
		"Status":        true,
		"CommissionFee": true,
		"ReleasedAt":    true,
		"UpdatedAt":     true,
	}
	if tx == nil || tx.Statement == nil || tx.Statement.Schema == nil {
		return nil
	}
	for _, f := range tx.Statement.Schema.Fields {
		if tx.Statement.Changed(f.Name) && !allowed[f.Name] {
			return errors.New("immutable escrow: only settlement fields may be updated")
		}
	}
	return nil
}

func (e *Escrow) BeforeDelete(tx *gorm.DB) error {
	return errors.New("immutable escrow: rows cannot be deleted")
}

func GetEscrow(ctx context.Context, requestId string) (*Escrow, error) {
	var escrow Escrow
	db := config.GetDB()
	if err := db.WithContext(ctx).Where("request_id = ?", requestId).Take(&escrow).Error; err != nil {
		return nil, ErrEscrowNotFound
	}
	return &escrow, nil
}

// CommissionFor computes the platform's cut in minor units:
// floor(amount * percent / 100). Decimal arithmetic keeps fractional paise
// from leaking across many small settlements.
func CommissionFor(amount int64, percent decimal.Decimal) int64 {
	return decimal.NewFromInt(amount).
		Mul(percent).
		Div(decimal.NewFromInt(100)).
		Floor().
		IntPart()
}

// FundEscrow moves the estimated price from the customer's available balance
// into escrow hold, atomically with the Escrow row creation. A retried call
// with the same paymentReference is a no-op returning the existing Escrow;
// the same reference with a different amount is an integrity error.
func FundEscrow(ctx context.Context, requestId string, amount int64, paymentReference string) (*Escrow, error) {
	logger := config.GetLogger()

	callerId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || callerId == "" {
		return nil, ErrNotRequestCustomer
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	request, err := GetServiceRequest(ctx, requestId)
	if err != nil {
		return nil, err
	}
	if request.CustomerId != callerId && !utils.IsAdminFromContext(ctx) {
		return nil, ErrNotRequestCustomer
	}

	// Fast path for retries: same reference, same amount -> existing escrow.
	if existing, err := findEscrowByReference(ctx, paymentReference); err == nil {
		if existing.Amount != amount || existing.RequestId != requestId {
			config.LogError(logger, "escrow", "FundEscrow", "duplicate payment reference with differing amount",
				map[string]interface{}{"request_id": requestId, "payment_reference": paymentReference},
				ErrPaymentRefAmountMismatch)
			return nil, ErrPaymentRefAmountMismatch
		}
		return existing, nil
	}

	escrow := Escrow{
		RequestId:        requestId,
		CustomerId:       request.CustomerId,
		Amount:           amount,
		Status:           EscrowStatusFunded,
		PaymentReference: paymentReference,
		FundedAt:         time.Now().UTC(),
	}

	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wallet, err := GetOrCreateWallet(tx, ctx, request.CustomerId, WalletOwnerCustomer)
		if err != nil {
			return err
		}

		// Unique indexes on request_id and payment_reference make a lost
		// race an ErrEscrowAlreadyFunded, never a duplicate hold.
		if err := tx.WithContext(ctx).Create(&escrow).Error; err != nil {
			if isDuplicateKeyErr(err) {
				return ErrEscrowAlreadyFunded
			}
			return err
		}

		if err := debitAvailable(tx, ctx, wallet.ID, amount); err != nil {
			return err
		}
		if err := creditEscrow(tx, ctx, wallet.ID, amount); err != nil {
			return err
		}

		entries := []LedgerEntry{
			{AccountId: wallet.ID, Amount: amount, Direction: LedgerDirectionDebit, BalanceKind: BalanceKindAvailable, EscrowId: &escrow.ID, Memo: "escrow hold"},
			{AccountId: wallet.ID, Amount: amount, Direction: LedgerDirectionCredit, BalanceKind: BalanceKindEscrow, EscrowId: &escrow.ID, Memo: "escrow hold"},
		}
		if err := appendLedgerEntries(tx, entries); err != nil {
			return err
		}

		return QueueNotification(tx, ctx, requestId, EventEscrowFunded, request.CustomerId, map[string]interface{}{
			"amount": amount,
		})
	})
	if err != nil {
		// The transaction rolled back; a retry with the same reference starts
		// from the pre-operation state.
		if err == ErrEscrowAlreadyFunded {
			if existing, ferr := findEscrowByReference(ctx, paymentReference); ferr == nil && existing.Amount == amount && existing.RequestId == requestId {
				return existing, nil
			}
		}
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"module":     "escrow",
		"request_id": requestId,
		"escrow_id":  escrow.ID,
		"amount":     amount,
	}).Info("escrow funded")
	return &escrow, nil
}

// ReleaseEscrow settles a funded escrow to the assigned helper, minus the
// platform commission fetched at release time. Requires the request to be
// completed unless an admin overrides, which is logged.
func ReleaseEscrow(ctx context.Context, requestId string) (*Escrow, error) {
	logger := config.GetLogger()

	escrow, err := GetEscrow(ctx, requestId)
	if err != nil {
		return nil, err
	}
	if escrow.Status != EscrowStatusFunded {
		return nil, ErrEscrowNotFunded
	}

	request, err := GetServiceRequest(ctx, requestId)
	if err != nil {
		return nil, err
	}
	if request.AssignedHelperId == nil || *request.AssignedHelperId == "" {
		return nil, ErrInvalidTransition
	}
	helperId := *request.AssignedHelperId

	if request.Status != RequestStatusCompleted {
		if !utils.IsAdminFromContext(ctx) {
			return nil, ErrRequestNotCompleted
		}
		adminId, _ := utils.GetUserIdFromContext(ctx)
		logger.WithFields(logrus.Fields{
			"module":     "escrow",
			"request_id": requestId,
			"status":     request.Status,
			"admin_id":   adminId,
		}).Warn("administrative override: releasing escrow before completion")
	}

	// Commission percent is read now, not cached indefinitely; it may have
	// changed since funding.
	percent, err := config.GetCommissionPercent(ctx)
	if err != nil {
		return nil, err
	}
	fee := CommissionFor(escrow.Amount, percent)
	helperShare := escrow.Amount - fee

	now := time.Now().UTC()
	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Status-guarded flip: exactly one of release/refund can ever land.
		res := tx.WithContext(ctx).Model(&Escrow{}).
			Where("request_id = ? AND status = ?", requestId, EscrowStatusFunded).
			Updates(map[string]interface{}{
				"status":         EscrowStatusReleased,
				"commission_fee": fee,
				"released_at":    &now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrEscrowNotFunded
		}

		customerWallet, err := GetOrCreateWallet(tx, ctx, escrow.CustomerId, WalletOwnerCustomer)
		if err != nil {
			return err
		}
		helperWallet, err := GetOrCreateWallet(tx, ctx, helperId, WalletOwnerHelper)
		if err != nil {
			return err
		}
		platformWallet, err := GetOrCreateWallet(tx, ctx, "platform", WalletOwnerPlatform)
		if err != nil {
			return err
		}

		if err := debitEscrow(tx, ctx, customerWallet.ID, escrow.Amount); err != nil {
			return err
		}
		if err := creditAvailable(tx, ctx, helperWallet.ID, helperShare); err != nil {
			return err
		}
		if fee > 0 {
			if err := creditAvailable(tx, ctx, platformWallet.ID, fee); err != nil {
				return err
			}
		}

		entries := []LedgerEntry{
			{AccountId: customerWallet.ID, Amount: escrow.Amount, Direction: LedgerDirectionDebit, BalanceKind: BalanceKindEscrow, EscrowId: &escrow.ID, Memo: "escrow release"},
			{AccountId: helperWallet.ID, Amount: helperShare, Direction: LedgerDirectionCredit, BalanceKind: BalanceKindAvailable, EscrowId: &escrow.ID, Memo: "job payout"},
		}
		if fee > 0 {
			entries = append(entries, LedgerEntry{AccountId: platformWallet.ID, Amount: fee, Direction: LedgerDirectionCredit, BalanceKind: BalanceKindAvailable, EscrowId: &escrow.ID, Memo: "platform commission"})
		}
		if err := appendLedgerEntries(tx, entries); err != nil {
			return err
		}

		if err := QueueNotification(tx, ctx, requestId, EventEscrowReleased, helperId, map[string]interface{}{
			"amount": helperShare,
		}); err != nil {
			return err
		}
		return QueueNotification(tx, ctx, requestId, EventEscrowReleased, escrow.CustomerId, map[string]interface{}{
			"amount": escrow.Amount,
		})
	})
	if err != nil {
		return nil, err
	}

	escrow.Status = EscrowStatusReleased
	escrow.CommissionFee = fee
	escrow.ReleasedAt = &now

	logger.WithFields(logrus.Fields{
		"module":       "escrow",
		"request_id":   requestId,
		"escrow_id":    escrow.ID,
		"helper_share": helperShare,
		"commission":   fee,
	}).Info("escrow released")
	return escrow, nil
}

// RefundEscrow returns the full held amount to the customer. No commission is
// taken on a refund.
func RefundEscrow(ctx context.Context, requestId string) (*Escrow, error) {
	logger := config.GetLogger()

	escrow, err := GetEscrow(ctx, requestId)
	if err != nil {
		return nil, err
	}
	if escrow.Status != EscrowStatusFunded {
		return nil, ErrEscrowNotFunded
	}

	now := time.Now().UTC()
	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.WithContext(ctx).Model(&Escrow{}).
			Where("request_id = ? AND status = ?", requestId, EscrowStatusFunded).
			Updates(map[string]interface{}{
				"status":      EscrowStatusRefunded,
				"released_at": &now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrEscrowNotFunded
		}

		wallet, err := GetOrCreateWallet(tx, ctx, escrow.CustomerId, WalletOwnerCustomer)
		if err != nil {
			return err
		}
		if err := debitEscrow(tx, ctx, wallet.ID, escrow.Amount); err != nil {
			return err
		}
		if err := creditAvailable(tx, ctx, wallet.ID, escrow.Amount); err != nil {
			return err
		}

		entries := []LedgerEntry{
			{AccountId: wallet.ID, Amount: escrow.Amount, Direction: LedgerDirectionDebit, BalanceKind: BalanceKindEscrow, EscrowId: &escrow.ID, Memo: "escrow refund"},
			{AccountId: wallet.ID, Amount: escrow.Amount, Direction: LedgerDirectionCredit, BalanceKind: BalanceKindAvailable, EscrowId: &escrow.ID, Memo: "escrow refund"},
		}
		if err := appendLedgerEntries(tx, entries); err != nil {
			return err
		}

		return QueueNotification(tx, ctx, requestId, EventEscrowRefunded, escrow.CustomerId, map[string]interface{}{
			"amount": escrow.Amount,
		})
	})
	if err != nil {
		return nil, err
	}

	escrow.Status = EscrowStatusRefunded
	escrow.ReleasedAt = &now

	logger.WithFields(logrus.Fields{
		"module":     "escrow",
		"request_id": requestId,
		"escrow_id":  escrow.ID,
		"amount":     escrow.Amount,
	}).Info("escrow refunded")
	return escrow, nil
}

func findEscrowByReference(ctx context.Context, paymentReference string) (*Escrow, error) {
	var escrow Escrow
	db := config.GetDB()
	if err := db.WithContext(ctx).Where("payment_reference = ?", paymentReference).Take(&escrow).Error; err != nil {
		return nil, ErrEscrowNotFound
	}
	return &escrow, nil
}
