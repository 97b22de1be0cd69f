package models

import (
	"errors"
	"time"

	"bitbucket.org/fixmatehq/dispatch_backend/config"
	"gorm.io/gorm"
)

// LedgerEntry is one immutable half of a double-entry movement. Rows are only
// ever inserted; replaying an account's entries must reproduce its current
// balances.
type LedgerEntry struct {
	ID          int             `gorm:"primary_key" json:"id"`
	AccountId   int             `gorm:"index;not null;index:idx_ledger_acct_kind,priority:1" json:"account_id"`
	Amount      int64           `gorm:"not null" json:"amount"`
	Direction   LedgerDirection `gorm:"type:enum('debit','credit');not null" json:"direction"`
	BalanceKind BalanceKind     `gorm:"type:enum('available','escrow','external');not null;index:idx_ledger_acct_kind,priority:2" json:"balance_kind"`
	EscrowId    *int            `gorm:"index" json:"escrow_id"`
	Memo        string          `gorm:"size:255" json:"memo"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// Ledger immutability guardrails. These hooks only fire on struct-instance
// writes; batch and raw SQL are stopped by the database triggers installed in
// MigrateTable.

func (e *LedgerEntry) BeforeUpdate(tx *gorm.DB) error {
	if !config.StrictLedgerImmutability() {
		return nil
	}
	return errors.New("immutable ledger: ledger_entries cannot be updated")
}

func (e *LedgerEntry) BeforeDelete(tx *gorm.DB) error {
	if !config.StrictLedgerImmutability() {
		return nil
	}
	return errors.New("immutable ledger: ledger_entries cannot be deleted")
}

// signedDelta maps an entry onto the balance it adjusts: credits add, debits
// subtract. External entries net against the outside world and carry no
// wallet bucket.
func (e LedgerEntry) signedDelta() int64 {
	if e.Direction == LedgerDirectionCredit {
		return e.Amount
	}
	return -e.Amount
}

func appendLedgerEntries(tx *gorm.DB, entries []LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}

	// A movement must net to zero across its legs before it is written.
	var net int64
	for _, e := range entries {
		if e.Amount <= 0 {
			return ErrInvalidAmount
		}
		net += e.signedDelta()
	}
	if net != 0 {
		return ErrLedgerImbalance
	}

	return tx.Create(&entries).Error
}
