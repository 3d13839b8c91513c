// Package scheduler implements the 1Hz tick loop (§4.2): for every job in
// the current config snapshot, compute/advance next_run, skip while live or
// in global maintenance, and hand due jobs to the Dispatcher. Grounded on
// server/internal/scheduler.Scheduler's Start/Stop shape and its
// singleton-mode overlap skip, generalised from gocron's per-policy job
// objects to a single loop that walks the config snapshot every tick (gocron
// cannot express the year-aware seven-field grammar this system needs, so
// the loop itself owns "is it due" via internal/cronexpr instead of
// delegating to a cron library — github.com/robfig/cron/v3 is kept in the
// module but repurposed for internal housekeeping, see internal/housekeeping).
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cronfan/cronfan/internal/config"
	"github.com/cronfan/cronfan/internal/cronexpr"
	"github.com/cronfan/cronfan/internal/dispatcher"
	"github.com/cronfan/cronfan/internal/store"
	"github.com/cronfan/cronfan/internal/types"
)

const tickInterval = 1 * time.Second

// maintenanceLogThrottle is how often the "global maintenance" status
// message is allowed to repeat (§4.2: "log a throttled status message
// (~every 20s)").
const maintenanceLogThrottle = 20 * time.Second

// Scheduler runs the tick loop against a config.Loader snapshot.
type Scheduler struct {
	loader     *config.Loader
	store      *store.Store
	dispatcher *dispatcher.Dispatcher
	logger     *zap.Logger

	lastMaintenanceLog time.Time
}

// New builds a Scheduler.
func New(loader *config.Loader, st *store.Store, d *dispatcher.Dispatcher, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		loader:     loader,
		store:      st,
		dispatcher: d,
		logger:     logger.Named("scheduler"),
	}
}

// Run ticks at 1Hz until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	snap := s.loader.Current()
	if snap == nil {
		return
	}

	if snap.Maintenance.Global {
		now := time.Now()
		if now.Sub(s.lastMaintenanceLog) >= maintenanceLogThrottle {
			s.logger.Info("global maintenance active, all dispatch suppressed")
			s.lastMaintenanceLog = now
		}
		return
	}

	now := time.Now()
	for name, job := range snap.Jobs {
		s.tickJob(ctx, now, name, job, snap.Maintenance)
	}
}

func (s *Scheduler) tickJob(ctx context.Context, now time.Time, name string, job types.JobDefinition, maintenance types.MaintenanceConfig) {
	js := s.store.JobState(name)

	sched, err := cronexpr.Parse(cronexpr.Fields(job.Schedule))
	if err != nil {
		s.logger.Error("invalid cron schedule, job will never fire", zap.String("job", name), zap.Error(err))
		return
	}

	js.Lock()
	nextRun := js.NextRun
	overlap := js.Overlap
	js.Unlock()

	if nextRun.IsZero() {
		nextRun = sched.Next(now.Add(-time.Second))
		js.Lock()
		js.NextRun = nextRun
		js.Unlock()
		return
	}

	due := !now.Before(nextRun)
	if due && !overlap {
		if err := s.dispatcher.Dispatch(ctx, job, maintenance); err != nil {
			s.logger.Error("dispatch failed", zap.String("job", name), zap.Error(err))
		}
		js.Lock()
		js.LastRun = now
		js.Unlock()
	}

	if due {
		next := sched.Next(now)
		js.Lock()
		js.NextRun = next
		js.Unlock()
	}
}
