package app

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/talkincode/warelay/internal/rehydrate"
	"github.com/talkincode/warelay/internal/sessionstore"
	"go.uber.org/zap"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func (a *Application) initJob() {
	loc, _ := time.LoadLocation(a.appConfig.System.Location)
	a.sched = cron.New(cron.WithLocation(loc), cron.WithParser(cronParser))
	a.sched.Start()
}

// StartMaintenanceJobs registers the periodic store and engine upkeep tasks.
// Call after the store and engine are wired; jobs run on the application cron.
func (a *Application) StartMaintenanceJobs(store *sessionstore.Store, engine *rehydrate.Engine) {
	var err error

	// Engine liveness plus an eligibility sweep for retries whose in-memory
	// timer was lost to a restart.
	_, err = a.sched.AddFunc("@every 30s", func() {
		defer recoverJob("heartbeat")
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		engine.Heartbeat(ctx)
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	// Reclaim reconnect locks abandoned by crashed workers.
	_, err = a.sched.AddFunc("@every 1m", func() {
		defer recoverJob("lock_reaper")
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if n, err := store.ReapExpiredLocks(ctx); err != nil {
			zap.L().Error("job: lock reap failed", zap.Error(err))
		} else if n > 0 {
			zap.L().Info("job: reclaimed expired locks", zap.Int64("count", n))
		}
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	// Enforce the audit retention window.
	_, err = a.sched.AddFunc("@daily", func() {
		defer recoverJob("audit_purge")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if n, err := store.PurgeExpiredEvents(ctx); err != nil {
			zap.L().Error("job: audit purge failed", zap.Error(err))
		} else {
			zap.L().Info("job: purged expired audit events", zap.Int64("count", n))
		}
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}
}

func recoverJob(name string) {
	if err := recover(); err != nil {
		zap.S().Errorf("job %s panic: %v", name, err)
	}
}
