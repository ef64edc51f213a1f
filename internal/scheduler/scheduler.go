// Package scheduler drives the recurring sync jobs: a calendar-aware daily
// run, a monthly run, and a fixed-interval staleness sweep. Each job is
// single-flight; a tick that lands while the previous run is still going is
// dropped, not queued.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/PedroDnT/delos-oracle/internal/storage"
)

// JobFunc is the work a job performs when it fires.
type JobFunc func(ctx context.Context, jobID string) error

type jobKind int

const (
	kindDaily jobKind = iota
	kindMonthly
	kindInterval
)

// Job is one scheduled entry.
type Job struct {
	ID               string
	kind             jobKind
	hour             int
	minute           int
	day              int           // monthly only
	every            time.Duration // interval only
	grace            time.Duration
	businessDaysOnly bool
	fn               JobFunc

	running atomic.Bool
	nextRun atomic.Pointer[time.Time]
	lastRun atomic.Pointer[time.Time]
}

// JobInfo is a read-only snapshot for introspection endpoints.
type JobInfo struct {
	ID       string     `json:"id"`
	NextRun  *time.Time `json:"next_run,omitempty"`
	LastRun  *time.Time `json:"last_run,omitempty"`
	Running  bool       `json:"running"`
	Schedule string     `json:"schedule"`
}

// Options tune the scheduler.
type Options struct {
	Location *time.Location
	Calendar *BusinessCalendar
}

// Scheduler owns the job set and their timer loops.
type Scheduler struct {
	opts   Options
	audit  storage.AuditStore
	logger zerolog.Logger

	mu   sync.Mutex
	jobs []*Job
	wg   sync.WaitGroup
}

// New constructs a Scheduler. The audit store is used to detect missed
// fires across restarts; it may be nil, which disables misfire recovery.
func New(opts Options, audit storage.AuditStore, logger zerolog.Logger) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Scheduler{
		opts:   opts,
		audit:  audit,
		logger: logger.With().Str("component", "scheduler").Logger(),
	}
}

// AddDailyJob registers a job firing at hh:mm in the scheduler's location,
// optionally only on business days.
func (s *Scheduler) AddDailyJob(id string, hour, minute int, businessDaysOnly bool, grace time.Duration, fn JobFunc) {
	s.addJob(&Job{
		ID: id, kind: kindDaily,
		hour: hour, minute: minute,
		businessDaysOnly: businessDaysOnly,
		grace:            grace,
		fn:               fn,
	})
}

// AddMonthlyJob registers a job firing on a fixed day of month at hh:mm.
func (s *Scheduler) AddMonthlyJob(id string, day, hour, minute int, grace time.Duration, fn JobFunc) {
	s.addJob(&Job{
		ID: id, kind: kindMonthly,
		day: day, hour: hour, minute: minute,
		grace: grace,
		fn:    fn,
	})
}

// AddIntervalJob registers a job firing every fixed interval.
func (s *Scheduler) AddIntervalJob(id string, every time.Duration, fn JobFunc) {
	if every <= 0 {
		panic("scheduler interval must be positive")
	}
	s.addJob(&Job{ID: id, kind: kindInterval, every: every, fn: fn})
}

func (s *Scheduler) addJob(j *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, j)
}

// Run blocks until ctx is cancelled, then drains in-flight runs.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	jobs := make([]*Job, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.Unlock()

	for _, j := range jobs {
		s.recoverMisfire(ctx, j)
		s.wg.Add(1)
		go s.loop(ctx, j)
	}

	<-ctx.Done()
	s.logger.Info().Msg("scheduler stopping, draining in-flight runs")
	s.wg.Wait()
	return ctx.Err()
}

// Trigger fires a job immediately, outside its schedule. It returns an
// error when the job is unknown or already running.
func (s *Scheduler) Trigger(ctx context.Context, id string) error {
	s.mu.Lock()
	var job *Job
	for _, j := range s.jobs {
		if j.ID == id {
			job = j
			break
		}
	}
	s.mu.Unlock()

	if job == nil {
		return fmt.Errorf("unknown job: %s", id)
	}
	if !job.running.CompareAndSwap(false, true) {
		return fmt.Errorf("job %s is already running", id)
	}
	defer job.running.Store(false)

	s.execute(ctx, job, "manual")
	return nil
}

// Jobs returns a snapshot of every registered job.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		infos = append(infos, JobInfo{
			ID:       j.ID,
			NextRun:  j.nextRun.Load(),
			LastRun:  j.lastRun.Load(),
			Running:  j.running.Load(),
			Schedule: s.describe(j),
		})
	}
	return infos
}

func (s *Scheduler) describe(j *Job) string {
	switch j.kind {
	case kindDaily:
		suffix := ""
		if j.businessDaysOnly {
			suffix = " business days"
		}
		return fmt.Sprintf("daily %02d:%02d%s", j.hour, j.minute, suffix)
	case kindMonthly:
		return fmt.Sprintf("monthly day %d %02d:%02d", j.day, j.hour, j.minute)
	default:
		return fmt.Sprintf("every %s", j.every)
	}
}

func (s *Scheduler) loop(ctx context.Context, j *Job) {
	defer s.wg.Done()

	for {
		next := s.next(j, time.Now().In(s.opts.Location))
		t := next
		j.nextRun.Store(&t)

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if !j.running.CompareAndSwap(false, true) {
			s.logger.Warn().Str("job_id", j.ID).Msg("previous run still in flight, dropping tick")
			continue
		}
		s.execute(ctx, j, "scheduled")
		j.running.Store(false)
	}
}

func (s *Scheduler) execute(ctx context.Context, j *Job, trigger string) {
	started := time.Now().UTC()
	j.lastRun.Store(&started)

	s.logger.Info().Str("job_id", j.ID).Str("trigger", trigger).Msg("job starting")
	if err := j.fn(ctx, j.ID); err != nil {
		s.logger.Error().Err(err).Str("job_id", j.ID).Msg("job failed")
		return
	}
	s.logger.Info().Str("job_id", j.ID).Dur("elapsed", time.Since(started)).Msg("job finished")
}

// recoverMisfire runs a job immediately on startup when its most recent
// scheduled fire was missed but still falls within the grace window. The
// run audit trail decides whether the fire actually happened.
func (s *Scheduler) recoverMisfire(ctx context.Context, j *Job) {
	if j.grace <= 0 || s.audit == nil {
		return
	}

	now := time.Now().In(s.opts.Location)
	prev := s.previous(j, now)
	if prev.IsZero() || now.Sub(prev) > j.grace {
		return
	}

	last, err := s.audit.GetLastRun(ctx, j.ID)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", j.ID).Msg("failed to check run history for misfire recovery")
		return
	}
	if last != nil && !last.StartedAt.Before(prev.UTC()) {
		return
	}

	s.logger.Warn().
		Str("job_id", j.ID).
		Time("missed_at", prev).
		Msg("missed fire within grace window, running now")

	if !j.running.CompareAndSwap(false, true) {
		return
	}
	s.execute(ctx, j, "misfire")
	j.running.Store(false)
}

// next computes the first fire strictly after now.
func (s *Scheduler) next(j *Job, now time.Time) time.Time {
	switch j.kind {
	case kindInterval:
		return now.Add(j.every)
	case kindMonthly:
		candidate := time.Date(now.Year(), now.Month(), j.day, j.hour, j.minute, 0, 0, s.opts.Location)
		if !candidate.After(now) {
			candidate = time.Date(now.Year(), now.Month()+1, j.day, j.hour, j.minute, 0, 0, s.opts.Location)
		}
		return candidate
	default:
		candidate := time.Date(now.Year(), now.Month(), now.Day(), j.hour, j.minute, 0, 0, s.opts.Location)
		for !candidate.After(now) || !s.eligibleDay(j, candidate) {
			candidate = candidate.AddDate(0, 0, 1)
		}
		return candidate
	}
}

// previous computes the most recent fire at or before now.
func (s *Scheduler) previous(j *Job, now time.Time) time.Time {
	switch j.kind {
	case kindInterval:
		return time.Time{}
	case kindMonthly:
		candidate := time.Date(now.Year(), now.Month(), j.day, j.hour, j.minute, 0, 0, s.opts.Location)
		if candidate.After(now) {
			candidate = time.Date(now.Year(), now.Month()-1, j.day, j.hour, j.minute, 0, 0, s.opts.Location)
		}
		return candidate
	default:
		candidate := time.Date(now.Year(), now.Month(), now.Day(), j.hour, j.minute, 0, 0, s.opts.Location)
		for candidate.After(now) || !s.eligibleDay(j, candidate) {
			candidate = candidate.AddDate(0, 0, -1)
		}
		return candidate
	}
}

func (s *Scheduler) eligibleDay(j *Job, t time.Time) bool {
	if !j.businessDaysOnly || s.opts.Calendar == nil {
		return true
	}
	return s.opts.Calendar.IsBusinessDay(t)
}
