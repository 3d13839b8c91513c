// Package housekeeping wraps robfig/cron/v3 for the control plane's own
// internal periodic maintenance tasks — currently the config-directory
// debounce rescan — as opposed to user job schedules, which need the
// seven-field year-aware grammar in internal/cronexpr that robfig/cron
// cannot parse. Tasks are registered with robfig/cron's seconds-enabled
// six-field grammar or its descriptors (e.g. "@every 2s"); further internal
// periodic tasks can register against the same Runner as they're added.
package housekeeping

import (
	"go.uber.org/zap"

	"github.com/robfig/cron/v3"
)

// Runner runs a small set of fixed-interval internal tasks.
type Runner struct {
	c      *cron.Cron
	logger *zap.Logger
}

// New returns a Runner using robfig/cron's seconds-enabled parser so
// "@every 2s"-style specs work as expected for sub-minute housekeeping.
func New(logger *zap.Logger) *Runner {
	c := cron.New(cron.WithParser(cron.NewParser(
		cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
	return &Runner{c: c, logger: logger.Named("housekeeping")}
}

// Every registers fn to run on the given robfig/cron spec (e.g. "@every
// 2s"). Errors from a malformed spec are logged and the task is skipped —
// housekeeping tasks are internal constants, not user input, so a bad spec
// here is a programmer error, not an operational one.
func (r *Runner) Every(spec string, name string, fn func()) {
	if _, err := r.c.AddFunc(spec, fn); err != nil {
		r.logger.Error("failed to schedule housekeeping task", zap.String("task", name), zap.Error(err))
	}
}

// Start begins running scheduled tasks in the background.
func (r *Runner) Start() { r.c.Start() }

// Stop halts the scheduler and waits for any in-flight task to finish.
func (r *Runner) Stop() { <-r.c.Stop().Done() }
