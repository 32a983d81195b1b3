// Package scheduler drives the reconciler from wall-clock time: spawn and
// teardown once a day, sync on a fixed interval inside the active window.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jbweber/autospawn/internal/config"
	"github.com/jbweber/autospawn/internal/reconciler"
	"github.com/jbweber/autospawn/internal/schedule"
)

// Reconciler is the set of actions the scheduler triggers.
type Reconciler interface {
	Spawn(ctx context.Context) (reconciler.Result, error)
	Sync(ctx context.Context) (reconciler.Result, error)
	Teardown(ctx context.Context) (reconciler.Result, error)
}

// Schedule is the timing the loop follows. The active window runs from
// Spawn to Teardown.
type Schedule struct {
	Spawn        schedule.Clock
	Teardown     schedule.Clock
	Location     *time.Location
	SyncInterval time.Duration
	Tick         time.Duration
}

// FromConfig converts the schedule section.
func FromConfig(cfg config.ScheduleConfig) (Schedule, error) {
	spawn, err := schedule.ParseClock(cfg.SpawnTime)
	if err != nil {
		return Schedule{}, fmt.Errorf("spawn_time: %w", err)
	}
	teardown, err := schedule.ParseClock(cfg.DeleteTime)
	if err != nil {
		return Schedule{}, fmt.Errorf("delete_time: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return Schedule{}, fmt.Errorf("timezone: %w", err)
	}
	return Schedule{
		Spawn:        spawn,
		Teardown:     teardown,
		Location:     loc,
		SyncInterval: cfg.SyncInterval,
		Tick:         cfg.Tick,
	}, nil
}

// Window is the active window of s.
func (s Schedule) Window() schedule.Window {
	return schedule.Window{Start: s.Spawn, End: s.Teardown}
}

// Scheduler runs actions sequentially from a single loop.
type Scheduler struct {
	rec    Reconciler
	gate   *schedule.Gate
	logger *zap.Logger
	now    func() time.Time

	mu           sync.Mutex
	sched        Schedule
	nextSpawn    time.Time
	nextTeardown time.Time
	nextSync     time.Time
}

// New returns a scheduler for rec. The gate's window is set from sched.
func New(rec Reconciler, gate *schedule.Gate, sched Schedule, logger *zap.Logger) *Scheduler {
	if sched.Location == nil {
		sched.Location = time.Local
	}
	gate.SetWindow(sched.Window(), sched.Location)
	return &Scheduler{
		rec:    rec,
		gate:   gate,
		sched:  sched,
		logger: logger,
		now:    time.Now,
	}
}

// Run polls every tick until ctx is done. Action failures and panics are
// logged and never stop the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	sched := s.schedule()
	s.logger.Info("scheduler started",
		zap.Stringer("spawn_time", sched.Spawn),
		zap.Stringer("delete_time", sched.Teardown),
		zap.String("timezone", sched.Location.String()),
		zap.Duration("sync_interval", sched.SyncInterval),
		zap.Duration("tick", sched.Tick))

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-timer.C:
			s.RunPending(ctx, s.now())
			timer.Reset(s.schedule().Tick)
		}
	}
}

// RunPending runs every action due at now. Daily times are first armed on
// the initial call, so an action whose time has already passed today waits
// for tomorrow.
func (s *Scheduler) RunPending(ctx context.Context, now time.Time) {
	spawnDue, teardownDue, syncDue := s.due(now)

	if spawnDue {
		s.safeRun(ctx, reconciler.ActionSpawn, s.rec.Spawn)
	}
	if teardownDue {
		s.safeRun(ctx, reconciler.ActionTeardown, s.rec.Teardown)
	}
	if syncDue && s.gate.Allow(now) {
		s.safeRun(ctx, reconciler.ActionSync, s.rec.Sync)
	}
}

// due advances the next-run times past now and reports which actions fire.
func (s *Scheduler) due(now time.Time) (spawnDue, teardownDue, syncDue bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	loc := s.sched.Location
	if s.nextSpawn.IsZero() {
		s.nextSpawn = s.sched.Spawn.Next(now, loc)
	} else if !now.Before(s.nextSpawn) {
		spawnDue = true
		s.nextSpawn = s.sched.Spawn.Next(now, loc)
	}

	if s.nextTeardown.IsZero() {
		s.nextTeardown = s.sched.Teardown.Next(now, loc)
	} else if !now.Before(s.nextTeardown) {
		teardownDue = true
		s.nextTeardown = s.sched.Teardown.Next(now, loc)
	}

	if s.nextSync.IsZero() {
		s.nextSync = now.Add(s.sched.SyncInterval)
	} else if !now.Before(s.nextSync) {
		syncDue = true
		s.nextSync = now.Add(s.sched.SyncInterval)
	}
	return spawnDue, teardownDue, syncDue
}

// Reschedule replaces the schedule. Pending daily times are re-armed from
// the next tick.
func (s *Scheduler) Reschedule(sched Schedule) {
	if sched.Location == nil {
		sched.Location = time.Local
	}

	s.mu.Lock()
	s.sched = sched
	s.nextSpawn = time.Time{}
	s.nextTeardown = time.Time{}
	s.nextSync = time.Time{}
	s.mu.Unlock()

	s.gate.SetWindow(sched.Window(), sched.Location)
	s.logger.Info("schedule updated",
		zap.Stringer("spawn_time", sched.Spawn),
		zap.Stringer("delete_time", sched.Teardown),
		zap.String("timezone", sched.Location.String()),
		zap.Duration("sync_interval", sched.SyncInterval))
}

// Next reports when each daily action fires next. Zero until the loop has run once.
func (s *Scheduler) Next() (spawn, teardown time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSpawn, s.nextTeardown
}

func (s *Scheduler) schedule() Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sched
}

func (s *Scheduler) safeRun(ctx context.Context, action string, fn func(context.Context) (reconciler.Result, error)) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled action panicked",
				zap.String("action", action),
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()

	if ctx.Err() != nil {
		return
	}
	res, err := fn(ctx)
	if err != nil {
		s.logger.Error("scheduled action failed",
			zap.String("action", action),
			zap.String("run_id", res.RunID),
			zap.Error(err))
	}
}
