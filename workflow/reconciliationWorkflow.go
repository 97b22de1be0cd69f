package workflow

import (
	"context"
	"os"
	"time"

	"bitbucket.org/fixmatehq/dispatch_backend/config"
	"bitbucket.org/fixmatehq/dispatch_backend/models"
	"bitbucket.org/fixmatehq/dispatch_backend/utils"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
)

const reconcileLockKey = "lock:reconciliation"

// ReconciliationWorkflow runs the integrity checks on a slow cadence. Money
// findings are recorded only; fanout and helper-state findings are repaired by
// the checks themselves.
type ReconciliationWorkflow struct {
	Logger   *logrus.Logger
	Interval time.Duration
}

func NewReconciliationWorkflow(logger *logrus.Logger) *ReconciliationWorkflow {
	interval := time.Duration(utils.IntFromEnvString(os.Getenv("RECONCILE_INTERVAL_SECONDS"), 300)) * time.Second
	return &ReconciliationWorkflow{Logger: logger, Interval: interval}
}

func (w *ReconciliationWorkflow) Run(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *ReconciliationWorkflow) runOnce(ctx context.Context) {
	locker := config.GetRedisLock()
	if locker != nil {
		lock, err := locker.Obtain(ctx, reconcileLockKey, w.Interval, nil)
		if err == redislock.ErrNotObtained {
			return
		}
		if err == nil {
			defer lock.Release(context.Background())
		}
	}

	if _, err := models.RunReconciliationChecks(ctx); err != nil {
		config.LogError(w.Logger, "reconciliation", "runOnce", "reconciliation run", nil, err)
	}
}
