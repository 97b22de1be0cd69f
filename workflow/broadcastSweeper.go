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

const sweeperLockKey = "lock:broadcast_sweeper"

// BroadcastSweeper periodically expires stale broadcast invitations and
// returns fully-expired requests to open. The redis lock elects a best-effort
// leader per tick; losing the lock (or redis being down) just means another
// instance swept, or this one sweeps without exclusion. The sweep itself is
// guarded SQL and safe to run concurrently.
type BroadcastSweeper struct {
	Logger   *logrus.Logger
	Interval time.Duration
}

func NewBroadcastSweeper(logger *logrus.Logger) *BroadcastSweeper {
	interval := time.Duration(utils.IntFromEnvString(os.Getenv("SWEEP_INTERVAL_SECONDS"), 15)) * time.Second
	return &BroadcastSweeper{Logger: logger, Interval: interval}
}

func (s *BroadcastSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *BroadcastSweeper) sweepOnce(ctx context.Context) {
	locker := config.GetRedisLock()
	if locker != nil {
		lock, err := locker.Obtain(ctx, sweeperLockKey, s.Interval, nil)
		if err == redislock.ErrNotObtained {
			return
		}
		if err == nil {
			defer lock.Release(context.Background())
		}
	}

	expired, reopened, err := models.ExpireStaleBroadcasts(ctx, time.Now().UTC())
	if err != nil {
		config.LogError(s.Logger, "sweeper", "sweepOnce", "expiring stale broadcasts", nil, err)
		return
	}
	if expired > 0 || reopened > 0 {
		s.Logger.WithFields(logrus.Fields{
			"module":   "sweeper",
			"expired":  expired,
			"reopened": reopened,
		}).Info("broadcast sweep")
	}
}
