package models

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/fixmatehq/dispatch_backend/config"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ReconciliationFinding is one discrepancy discovered by a reconciliation run.
// Money findings are recorded and surfaced, never auto-corrected; fanout
// findings are repaired in place because the repair is idempotent cleanup.
type ReconciliationFinding struct {
	ID        int       `gorm:"primary_key" json:"id"`
	RunId     string    `gorm:"size:64;index;not null" json:"run_id"`
	Check     string    `gorm:"size:64;not null" json:"check"`
	SubjectId string    `gorm:"size:64;not null" json:"subject_id"`
	Expected  string    `gorm:"size:255" json:"expected"`
	Actual    string    `gorm:"size:255" json:"actual"`
	Repaired  bool      `gorm:"not null" json:"repaired"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// ReconciliationSummary is what a run reports back to the operator.
type ReconciliationSummary struct {
	RunId            string `json:"run_id"`
	WalletMismatches int    `json:"wallet_mismatches"`
	EscrowAnomalies  int    `json:"escrow_anomalies"`
	FanoutRepairs    int    `json:"fanout_repairs"`
	HelperRepairs    int    `json:"helper_repairs"`
}

// RunReconciliationChecks replays the ledger against wallet balances, probes
// escrows for double settlement, and repairs incomplete acceptance fanout.
func RunReconciliationChecks(ctx context.Context) (*ReconciliationSummary, error) {
	logger := config.GetLogger()
	db := config.GetDB()
	summary := &ReconciliationSummary{RunId: uuid.NewString()}

	if err := checkWalletBalances(ctx, db, summary); err != nil {
		return summary, err
	}
	if err := checkEscrowSettlement(ctx, db, summary); err != nil {
		return summary, err
	}
	if err := repairAcceptanceFanout(ctx, db, summary); err != nil {
		return summary, err
	}
	if err := repairStuckHelpers(ctx, db, summary); err != nil {
		return summary, err
	}

	logger.WithFields(logrus.Fields{
		"module":            "reconciliation",
		"run_id":            summary.RunId,
		"wallet_mismatches": summary.WalletMismatches,
		"escrow_anomalies":  summary.EscrowAnomalies,
		"fanout_repairs":    summary.FanoutRepairs,
		"helper_repairs":    summary.HelperRepairs,
	}).Info("reconciliation run finished")
	return summary, nil
}

type walletDrift struct {
	AccountId       int
	Available       int64
	Escrow          int64
	LedgerAvailable int64
	LedgerEscrow    int64
}

// checkWalletBalances verifies that replaying ledger_entries reproduces every
// wallet's balances. A mismatch means a past write skipped the ledger or the
// wallet columns were touched out of band; it is reported, never corrected.
func checkWalletBalances(ctx context.Context, db *gorm.DB, summary *ReconciliationSummary) error {
	var drifts []walletDrift
	err := db.WithContext(ctx).Raw(`
		SELECT w.id AS account_id,
		       w.available_balance AS available,
		       w.escrow_balance AS escrow,
		       COALESCE(SUM(CASE WHEN l.balance_kind = 'available' THEN
		           CASE WHEN l.direction = 'credit' THEN l.amount ELSE -l.amount END ELSE 0 END), 0) AS ledger_available,
		       COALESCE(SUM(CASE WHEN l.balance_kind = 'escrow' THEN
		           CASE WHEN l.direction = 'credit' THEN l.amount ELSE -l.amount END ELSE 0 END), 0) AS ledger_escrow
		FROM wallet_accounts w
		LEFT JOIN ledger_entries l ON l.account_id = w.id
		GROUP BY w.id, w.available_balance, w.escrow_balance
		HAVING available <> ledger_available OR escrow <> ledger_escrow
	`).Scan(&drifts).Error
	if err != nil {
		return err
	}

	for _, d := range drifts {
		finding := ReconciliationFinding{
			RunId:     summary.RunId,
			Check:     "wallet_balance",
			SubjectId: fmt.Sprintf("%d", d.AccountId),
			Expected:  fmt.Sprintf("available=%d escrow=%d", d.LedgerAvailable, d.LedgerEscrow),
			Actual:    fmt.Sprintf("available=%d escrow=%d", d.Available, d.Escrow),
		}
		if err := db.WithContext(ctx).Create(&finding).Error; err != nil {
			return err
		}
		summary.WalletMismatches++
	}
	return nil
}

// checkEscrowSettlement probes for escrows that settled more than once: a
// settled escrow must have exactly one debit of its full amount against the
// customer's escrow bucket beyond the funding hold.
func checkEscrowSettlement(ctx context.Context, db *gorm.DB, summary *ReconciliationSummary) error {
	type escrowAnomaly struct {
		EscrowId    int
		Status      string
		DebitLegs   int64
		DebitAmount int64
		Amount      int64
	}
	var anomalies []escrowAnomaly
	err := db.WithContext(ctx).Raw(`
		SELECT e.id AS escrow_id, e.status, e.amount,
		       COUNT(l.id) AS debit_legs,
		       COALESCE(SUM(l.amount), 0) AS debit_amount
		FROM escrows e
		LEFT JOIN ledger_entries l
		  ON l.escrow_id = e.id AND l.direction = 'debit' AND l.balance_kind = 'escrow'
		WHERE e.status IN ('released', 'refunded')
		GROUP BY e.id, e.status, e.amount
		HAVING debit_legs <> 1 OR debit_amount <> e.amount
	`).Scan(&anomalies).Error
	if err != nil {
		return err
	}

	for _, a := range anomalies {
		finding := ReconciliationFinding{
			RunId:     summary.RunId,
			Check:     "escrow_settlement",
			SubjectId: fmt.Sprintf("%d", a.EscrowId),
			Expected:  fmt.Sprintf("1 escrow debit leg totalling %d", a.Amount),
			Actual:    fmt.Sprintf("%d legs totalling %d (status %s)", a.DebitLegs, a.DebitAmount, a.Status),
		}
		if err := db.WithContext(ctx).Create(&finding).Error; err != nil {
			return err
		}
		summary.EscrowAnomalies++
	}
	return nil
}

// repairAcceptanceFanout finds assigned requests whose post-acceptance
// cleanup did not finish (crash between the winning write and the cleanup
// transaction) and reruns the idempotent cleanup.
func repairAcceptanceFanout(ctx context.Context, db *gorm.DB, summary *ReconciliationSummary) error {
	var requests []ServiceRequest
	err := db.WithContext(ctx).
		Where(`assigned_helper_id IS NOT NULL AND id IN (
			SELECT DISTINCT request_id FROM broadcast_notifications WHERE status = 'pending'
		)`).
		Find(&requests).Error
	if err != nil {
		return err
	}

	for i := range requests {
		request := &requests[i]
		acceptedAt := time.Now().UTC()
		if request.HelperAcceptedAt != nil {
			acceptedAt = *request.HelperAcceptedAt
		}
		if err := finalizeAccept(ctx, request, *request.AssignedHelperId, acceptedAt); err != nil {
			return err
		}
		finding := ReconciliationFinding{
			RunId:     summary.RunId,
			Check:     "acceptance_fanout",
			SubjectId: request.ID,
			Expected:  "no pending invitations on an assigned request",
			Actual:    "pending invitations found",
			Repaired:  true,
		}
		if err := db.WithContext(ctx).Create(&finding).Error; err != nil {
			return err
		}
		summary.FanoutRepairs++
	}
	return nil
}

// repairStuckHelpers frees helpers still flagged on-job whose assigned work is
// finished or gone.
func repairStuckHelpers(ctx context.Context, db *gorm.DB, summary *ReconciliationSummary) error {
	var helperIds []string
	err := db.WithContext(ctx).Raw(`
		SELECT hp.helper_id
		FROM helper_profiles hp
		WHERE hp.is_on_job = 1
		  AND NOT EXISTS (
			SELECT 1 FROM service_requests sr
			WHERE sr.assigned_helper_id = hp.helper_id
			  AND sr.status IN ('assigned', 'in_progress')
		  )
	`).Scan(&helperIds).Error
	if err != nil {
		return err
	}

	for _, helperId := range helperIds {
		helperId := helperId
		err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return setHelperOnJob(tx, ctx, helperId, false)
		})
		if err != nil {
			return err
		}
		finding := ReconciliationFinding{
			RunId:     summary.RunId,
			Check:     "helper_on_job",
			SubjectId: helperId,
			Expected:  "is_on_job only while assigned or in progress",
			Actual:    "flagged on-job with no active request",
			Repaired:  true,
		}
		if err := db.WithContext(ctx).Create(&finding).Error; err != nil {
			return err
		}
		summary.HelperRepairs++
	}
	return nil
}
