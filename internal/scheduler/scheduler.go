package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/quickclinic/booking-platform/pkg/logging"
)

// JobFunc is one unit of periodic work.
type JobFunc func(ctx context.Context) error

type job struct {
	name     string
	interval time.Duration
	daily    bool
	fn       JobFunc
}

// Scheduler runs periodic jobs in-process. Each job runs on its own loop and
// never overlaps itself; different jobs interleave freely. Job errors are
// logged and the job keeps its schedule.
type Scheduler struct {
	jobs     []job
	location *time.Location
	logger   *logging.Logger
	wg       sync.WaitGroup
}

// New creates a scheduler. location anchors daily jobs to local midnight.
func New(location *time.Location, logger *logging.Logger) *Scheduler {
	if location == nil {
		location = time.UTC
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Scheduler{location: location, logger: logger}
}

// Every registers a fixed-interval job.
func (s *Scheduler) Every(name string, interval time.Duration, fn JobFunc) {
	s.jobs = append(s.jobs, job{name: name, interval: interval, fn: fn})
}

// Daily registers a job that fires at local midnight.
func (s *Scheduler) Daily(name string, fn JobFunc) {
	s.jobs = append(s.jobs, job{name: name, daily: true, fn: fn})
}

// Start launches all registered jobs. They stop when ctx is cancelled; Wait
// blocks until every loop has exited.
func (s *Scheduler) Start(ctx context.Context) {
	for _, j := range s.jobs {
		s.wg.Add(1)
		go func(j job) {
			defer s.wg.Done()
			if j.daily {
				s.runDaily(ctx, j)
				return
			}
			s.runEvery(ctx, j)
		}(j)
	}
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
}

// Wait blocks until all job loops have stopped.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) runEvery(ctx context.Context, j job) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.invoke(ctx, j)
		}
	}
}

func (s *Scheduler) runDaily(ctx context.Context, j job) {
	for {
		timer := time.NewTimer(untilNextMidnight(time.Now(), s.location))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.invoke(ctx, j)
		}
	}
}

func (s *Scheduler) invoke(ctx context.Context, j job) {
	started := time.Now()
	if err := j.fn(ctx); err != nil {
		s.logger.Error("scheduled job failed", "job", j.name, "error", err)
		return
	}
	s.logger.Debug("scheduled job completed", "job", j.name, "took", time.Since(started).String())
}

func untilNextMidnight(now time.Time, loc *time.Location) time.Duration {
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
	return next.Sub(local)
}
