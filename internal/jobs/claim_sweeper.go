package jobs

import (
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// ClaimSweeper is the part of the free-stake service the sweeper drives
type ClaimSweeper interface {
	SweepExpired() int
	PendingClaims() int
}

// ScheduleClaimSweep registers a job that drops expired free-stake claims.
// Pending claims are process-local, so no distributed lock is attached.
func ScheduleClaimSweep(scheduler gocron.Scheduler, sweeper ClaimSweeper, every time.Duration, logger *zap.Logger) (gocron.Job, error) {
	logger = logger.Named("claim_sweeper")
	return scheduler.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(func() {
			if removed := sweeper.SweepExpired(); removed > 0 {
				logger.Info("expired free stake claims removed",
					zap.Int("removed", removed),
					zap.Int("pending", sweeper.PendingClaims()),
				)
			}
		}),
		gocron.WithName("free-stake-claim-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
}
