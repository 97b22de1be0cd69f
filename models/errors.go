package models

import (
	"errors"

	mysqlDriver "github.com/go-sql-driver/mysql"
)

// Precondition errors: client-caused, surfaced directly.
var (
	ErrRequestNotFound     = errors.New("request not found")
	ErrHelperNotFound      = errors.New("helper profile not found")
	ErrWalletNotFound      = errors.New("wallet account not found")
	ErrEscrowNotFound      = errors.New("no escrow exists for this request")
	ErrEscrowAlreadyFunded = errors.New("escrow already funded for this request")
	ErrEscrowNotFunded     = errors.New("escrow is not in funded status")
	ErrRequestNotCompleted = errors.New("request is not completed")
	ErrNotRequestCustomer  = errors.New("caller is not the request's customer")
	ErrInvalidTransition   = errors.New("transition not allowed")
	ErrInsufficientBalance = errors.New("insufficient available balance")
	ErrInvalidAmount       = errors.New("amount must be positive")
)

// Integrity errors: never silently corrected. The offending operation halts
// and the mismatch is logged for an operator.
var (
	ErrPaymentRefAmountMismatch = errors.New("payment reference already used with a different amount")
	ErrLedgerImbalance          = errors.New("ledger entries do not balance")
)

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}
