package main

import (
	"context"
	"encoding/json"
	"log"
	"os"

	"bitbucket.org/fixmatehq/dispatch_backend/config"
	"bitbucket.org/fixmatehq/dispatch_backend/models"
)

// One-shot reconciliation run, suitable as a scheduled job.
func main() {
	config.ConnectDatabaseWithRetry()

	summary, err := models.RunReconciliationChecks(context.Background())
	if err != nil {
		log.Fatalf("reconciliation failed: %v", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(summary)

	if summary.WalletMismatches > 0 || summary.EscrowAnomalies > 0 {
		os.Exit(1)
	}
}
