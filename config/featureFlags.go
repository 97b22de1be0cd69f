package config

import (
	"os"
	"strings"
)

// ShouldRunDirectNotificationProcessor controls the fallback delivery path for
// the notification outbox.
//
// Default: run even when Pub/Sub is configured. Pub/Sub settings may exist but
// delivery/permissions can be misconfigured, leaving outbox rows stuck in
// PENDING/FAILED. The direct processor is safe to run redundantly because
// rows are claimed with row locks and delivery is idempotent per
// (request_id, event_type, recipient_id).
//
// Set via env:
// - NOTIFICATION_DIRECT_PROCESSING=false to disable in production.
func ShouldRunDirectNotificationProcessor() bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv("NOTIFICATION_DIRECT_PROCESSING")))
	if val == "true" {
		return true
	}
	if val == "false" {
		return false
	}
	return true
}

// StrictLedgerImmutability keeps the GORM guard hooks on ledger_entries that
// reject any UPDATE/DELETE. There is no legitimate reason to disable this
// outside of migration tooling.
//
// Set via env:
// - STRICT_LEDGER_IMMUTABLE=false
func StrictLedgerImmutability() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("STRICT_LEDGER_IMMUTABLE")))
	return v != "false" && v != "0"
}
