package service

import (
	"context"
	"time"

	"cpjudge/pkg/utils/logger"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// SyncAller runs one sync pass over every linked user.
type SyncAller interface {
	SyncAll(ctx context.Context) (SyncAllReport, error)
}

// Scheduler runs SyncAll on a fixed interval. A pass still running when the next one is
// due causes that run to be skipped.
type Scheduler struct {
	sched  gocron.Scheduler
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler registers the periodic sync job. The scheduler is not started.
func NewScheduler(sync SyncAller, interval time.Duration) (*Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{sched: sched, ctx: ctx, cancel: cancel}

	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if _, err := sync.SyncAll(s.ctx); err != nil {
				logger.Error(s.ctx, "scheduled codeforces sync failed", zap.Error(err))
			}
		}),
		gocron.WithName("codeforces-sync-all"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		cancel()
		_ = sched.Shutdown()
		return nil, err
	}
	return s, nil
}

// Start begins scheduling.
func (s *Scheduler) Start() {
	s.sched.Start()
}

// Shutdown cancels a running pass and stops the scheduler.
func (s *Scheduler) Shutdown() error {
	s.cancel()
	return s.sched.Shutdown()
}
