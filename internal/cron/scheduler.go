// Package cron arms timers for recurring jobs. Firing a job never executes
// anything; it records a pending marker for the extension to consume later.
package cron

import (
	"log/slog"
	"sync"
	"time"

	"github.com/Trapezohe/companion-service/internal/logging"
	"github.com/Trapezohe/companion-service/internal/store"
)

var cronLog = logging.ForComponent(logging.CompCron)

// Scheduler arms a single-shot timer per enabled job and rearms after every
// firing.
type Scheduler struct {
	store *store.CronStore

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool

	now func() time.Time
}

// New creates a scheduler over the cron store. Call Start to arm the
// persisted jobs.
func New(cs *store.CronStore) *Scheduler {
	return &Scheduler{
		store:  cs,
		timers: make(map[string]*time.Timer),
		now:    time.Now,
	}
}

// Start arms every enabled job from the store.
func (s *Scheduler) Start() {
	for _, job := range s.store.Jobs() {
		if job.Enabled {
			s.Schedule(job)
		}
	}
}

// Schedule cancels any existing timer for the job and rearms it at the next
// firing time. Disabled jobs are only cancelled.
func (s *Scheduler) Schedule(job store.CronJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[job.ID]; ok {
		t.Stop()
		delete(s.timers, job.ID)
	}
	if s.stopped || !job.Enabled {
		return
	}
	delay := NextDelay(job.Schedule, s.now())
	s.armLocked(job, delay)
}

func (s *Scheduler) armLocked(job store.CronJob, delay time.Duration) {
	cronLog.Debug("job_armed", slog.String("job", job.ID), slog.Duration("delay", delay))
	s.timers[job.ID] = time.AfterFunc(delay, func() {
		s.fire(job)
	})
}

// fire records the pending marker and rearms for the next occurrence.
func (s *Scheduler) fire(job store.CronJob) {
	s.store.AddPendingRun(job.ID)
	cronLog.Info("job_fired", slog.String("job", job.ID))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if _, ok := s.timers[job.ID]; !ok {
		// Unscheduled while firing.
		return
	}
	s.armLocked(job, NextDelay(job.Schedule, s.now()))
}

// Unschedule cancels a job's timer without touching the store.
func (s *Scheduler) Unschedule(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

// Shutdown cancels every timer.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// NextDelay computes the time until the next firing. Interval schedules
// fire max(minutes, 1) minutes from now. Daily schedules fire at the target
// wall-clock time in the schedule's zone: today if still in the future
// there, else tomorrow, with the current seconds subtracted.
func NextDelay(sch store.Schedule, now time.Time) time.Duration {
	switch sch.Kind {
	case store.ScheduleInterval:
		minutes := sch.Minutes
		if minutes < 1 {
			minutes = 1
		}
		return time.Duration(minutes) * time.Minute
	case store.ScheduleDaily:
		loc, err := time.LoadLocation(sch.TZ)
		if err != nil || sch.TZ == "" {
			loc = time.Local
		}
		local := now.In(loc)
		target := time.Date(local.Year(), local.Month(), local.Day(), sch.Hour, sch.Minute, 0, 0, loc)
		if !target.After(local) {
			target = target.AddDate(0, 0, 1)
		}
		return target.Sub(local)
	default:
		// Unknown kinds behave like a one-minute interval so a bad mirror
		// entry cannot wedge the scheduler.
		return time.Minute
	}
}
