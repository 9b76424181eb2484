package scheduler

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/camofy/camofy/internal/appconfig"
)

// idleRetry is how long runTaskLoop sleeps after encountering a
// disabled/missing/invalid task configuration before re-checking it,
// matching original_source/src/scheduler.rs's 300-second poll.
const idleRetry = 300 * time.Second

// TaskFunc runs one scheduled task to completion. A returned error whose
// message starts with "skipped:" is recorded as a skip rather than a
// failure, mirroring the original's string-prefixed sentinel.
type TaskFunc func(ctx context.Context) error

// task pairs a name, its config accessor, and its execution function.
type task struct {
	name    string
	running atomic.Bool
	getCfg  func(*appconfig.AppConfig) *appconfig.ScheduledTaskConfig
	run     TaskFunc
}

// Scheduler owns the subscription-update and GeoIP-update task loops.
type Scheduler struct {
	cfg   *appconfig.Store
	tasks []*task
}

// New constructs a Scheduler. updateSubscriptions and updateGeoIP are the
// task bodies to invoke on each firing.
func New(cfg *appconfig.Store, updateSubscriptions, updateGeoIP TaskFunc) *Scheduler {
	return &Scheduler{
		cfg: cfg,
		tasks: []*task{
			{
				name: "subscription_auto_update",
				getCfg: func(c *appconfig.AppConfig) *appconfig.ScheduledTaskConfig {
					return c.SubscriptionAutoUpdate
				},
				run: updateSubscriptions,
			},
			{
				name: "geoip_auto_update",
				getCfg: func(c *appconfig.AppConfig) *appconfig.ScheduledTaskConfig {
					return c.GeoIPAutoUpdate
				},
				run: updateGeoIP,
			},
		},
	}
}

// Start launches both task loops as goroutines. It returns immediately;
// the loops run until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	for _, t := range s.tasks {
		go s.runTaskLoop(ctx, t)
	}
}

func (s *Scheduler) runTaskLoop(ctx context.Context, t *task) {
	for {
		if ctx.Err() != nil {
			return
		}

		snap := s.cfg.Snapshot()
		taskCfg := t.getCfg(&snap)
		if taskCfg == nil || !taskCfg.Enabled {
			if !sleepCtx(ctx, idleRetry) {
				return
			}
			continue
		}

		cronExpr := strings.TrimSpace(taskCfg.Cron)
		if cronExpr == "" {
			log.Warn().Str("task", t.name).Msg("scheduler task has empty cron expression")
			if !sleepCtx(ctx, idleRetry) {
				return
			}
			continue
		}

		schedule, err := Parse(cronExpr)
		if err != nil {
			log.Error().Err(err).Str("task", t.name).Str("cron", cronExpr).Msg("invalid cron expression")
			s.recordRun(t, "error", "invalid cron expression: "+err.Error())
			if !sleepCtx(ctx, idleRetry) {
				return
			}
			continue
		}

		now := time.Now()
		next, ok := schedule.NextAfter(now)
		if !ok {
			log.Error().Str("task", t.name).Str("cron", cronExpr).Msg("failed to compute next run time")
			s.recordRun(t, "error", "failed to compute next run time from cron expression")
			if !sleepCtx(ctx, idleRetry) {
				return
			}
			continue
		}

		sleepDuration := next.Sub(now)
		if sleepDuration < time.Second {
			sleepDuration = time.Minute
		}

		log.Info().Str("task", t.name).Time("next_run", next).Dur("in", sleepDuration).Msg("scheduler sleeping until next run")

		if !sleepCtx(ctx, sleepDuration) {
			return
		}

		status, message := s.execute(ctx, t)
		s.recordRun(t, status, message)
	}
}

// execute runs a task body under its own-kind running guard so an
// overrunning task cannot be invoked twice concurrently.
func (s *Scheduler) execute(ctx context.Context, t *task) (status, message string) {
	if !t.running.CompareAndSwap(false, true) {
		return string(appconfig.TaskStatusSkipped), "task already running"
	}
	defer t.running.Store(false)

	err := t.run(ctx)
	if err == nil {
		log.Info().Str("task", t.name).Msg("scheduler task finished successfully")
		return string(appconfig.TaskStatusOK), ""
	}

	if msg, isSkip := strings.CutPrefix(err.Error(), "skipped:"); isSkip {
		msg = strings.TrimSpace(msg)
		log.Info().Str("task", t.name).Str("reason", msg).Msg("scheduler task skipped")
		return string(appconfig.TaskStatusSkipped), msg
	}

	log.Error().Err(err).Str("task", t.name).Msg("scheduler task failed")
	return string(appconfig.TaskStatusError), err.Error()
}

func (s *Scheduler) recordRun(t *task, status, message string) {
	now := time.Now().UTC()
	_, err := appconfig.Mutate(s.cfg, func(cfg *appconfig.AppConfig) struct{} {
		taskCfg := t.getCfg(cfg)
		if taskCfg == nil {
			taskCfg = &appconfig.ScheduledTaskConfig{Enabled: true, Cron: appconfig.DefaultCron}
			switch t.name {
			case "subscription_auto_update":
				cfg.SubscriptionAutoUpdate = taskCfg
			case "geoip_auto_update":
				cfg.GeoIPAutoUpdate = taskCfg
			}
		}
		taskCfg.LastRunTime = &now
		taskCfg.LastRunStatus = appconfig.TaskStatus(status)
		taskCfg.LastRunMessage = message
		return struct{}{}
	})
	if err != nil {
		log.Error().Err(err).Str("task", t.name).Msg("failed to persist scheduler run state")
	}
}

// sleepCtx sleeps for d or returns false early if ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
