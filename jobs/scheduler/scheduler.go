// Package scheduler runs periodic jobs: funding settlement, liquidation
// sweeps, storage sync, book snapshots and outbox relay.
//
// A job that is still running when it falls due again is skipped, not
// queued. Time comes from a clock.Clock and Tick can be driven by hand, so
// tests advance a virtual clock instead of sleeping.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"perpcore/infra/clock"
	"perpcore/infra/metrics"
)

type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context, now time.Time) error
}

type entry struct {
	Job
	next    time.Time
	running atomic.Bool
}

type Scheduler struct {
	clock   clock.Clock
	metrics *metrics.Metrics
	log     *logrus.Entry

	mu   sync.Mutex
	jobs []*entry
	wg   sync.WaitGroup
}

func New(clk clock.Clock, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		clock:   clk,
		metrics: m,
		log:     logrus.WithField("component", "scheduler"),
	}
}

// Add registers a job. It first falls due one interval from now.
func (s *Scheduler) Add(j Job) {
	if j.Interval <= 0 {
		panic(fmt.Sprintf("scheduler: job %s has non-positive interval", j.Name))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &entry{Job: j, next: s.clock.Now().Add(j.Interval)})
}

// Tick starts every job that is due and not already running, and returns
// how many it started. Runs are asynchronous; Wait blocks until they end.
func (s *Scheduler) Tick(ctx context.Context) int {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	started := 0
	for _, e := range s.jobs {
		if now.Before(e.next) {
			continue
		}
		// Missed intervals collapse into one run.
		for !now.Before(e.next) {
			e.next = e.next.Add(e.Interval)
		}
		if !e.running.CompareAndSwap(false, true) {
			s.metrics.JobSkipped(e.Name)
			s.log.WithField("job", e.Name).Debug("previous run still in progress; skipped")
			continue
		}
		started++
		s.wg.Add(1)
		go s.run(ctx, e, now)
	}
	return started
}

func (s *Scheduler) run(ctx context.Context, e *entry, now time.Time) {
	defer s.wg.Done()
	defer e.running.Store(false)
	defer func() {
		if r := recover(); r != nil {
			s.log.WithFields(logrus.Fields{"job": e.Name, "panic": r}).Error("job panicked")
		}
	}()

	start := time.Now()
	err := e.Run(ctx, now)
	s.metrics.JobRun(e.Name, time.Since(start))
	if err != nil {
		s.log.WithError(err).WithField("job", e.Name).Warn("job failed")
	}
}

// Wait blocks until every started run has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Start ticks every resolution until ctx is cancelled, then waits for
// in-flight runs.
func (s *Scheduler) Start(ctx context.Context, resolution time.Duration) {
	ticker := time.NewTicker(resolution)
	defer ticker.Stop()
	s.log.WithField("jobs", len(s.jobs)).Info("scheduler started")

	for {
		select {
		case <-ctx.Done():
			s.Wait()
			s.log.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}
