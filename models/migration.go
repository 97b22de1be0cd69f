package models

import (
	"context"
	"log"

	"bitbucket.org/fixmatehq/dispatch_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&User{},
		&HelperProfile{},
		&ServiceRequest{}, &BroadcastNotification{},
		&WalletAccount{}, &Escrow{}, &LedgerEntry{},
		&NotificationOutbox{},
		&PaymentWebhookEvent{},
		&PlatformSetting{},
		&ReconciliationFinding{},
	)
	if err != nil {
		log.Fatal(err)
	}

	// The GORM hooks on LedgerEntry only see struct-instance writes; these
	// triggers make append-only hold for batch and raw SQL as well.
	stmts := []string{
		"DROP TRIGGER IF EXISTS ledger_entries_no_update",
		"DROP TRIGGER IF EXISTS ledger_entries_no_delete",
	}
	if config.StrictLedgerImmutability() {
		stmts = append(stmts,
			"CREATE TRIGGER ledger_entries_no_update BEFORE UPDATE ON ledger_entries FOR EACH ROW SIGNAL SQLSTATE '45000' SET MESSAGE_TEXT = 'ledger_entries is append-only'",
			"CREATE TRIGGER ledger_entries_no_delete BEFORE DELETE ON ledger_entries FOR EACH ROW SIGNAL SQLSTATE '45000' SET MESSAGE_TEXT = 'ledger_entries is append-only'",
		)
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			log.Fatal(err)
		}
	}
}

// SeedDefaults inserts the rows the engine assumes exist: the platform wallet
// and a commission percent. Safe to run repeatedly.
func SeedDefaults(ctx context.Context) error {
	db := config.GetDB()

	wallet := WalletAccount{OwnerId: "platform", OwnerType: WalletOwnerPlatform}
	if err := db.WithContext(ctx).Create(&wallet).Error; err != nil && !isDuplicateKeyErr(err) {
		return err
	}

	setting := PlatformSetting{SettingKey: "commission_percent", SettingValue: "10"}
	if err := db.WithContext(ctx).Create(&setting).Error; err != nil && !isDuplicateKeyErr(err) {
		return err
	}
	return nil
}
