package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"perpcore/domain/risk"
	"perpcore/jobs/broadcaster"
	"perpcore/jobs/scheduler"
	"perpcore/storage"
)

// Job names, as they appear in metrics and Health.
const (
	JobFunding      = "funding"
	JobLiquidations = "liquidations"
	JobStorageSync  = "storage_sync"
	JobSnapshot     = "book_snapshot"
	JobBroadcast    = "broadcast"
)

// Intervals configures the background sweeps. A zero interval disables
// that job.
type Intervals struct {
	Funding      time.Duration
	Liquidations time.Duration
	StorageSync  time.Duration
	Snapshot     time.Duration
	Broadcast    time.Duration
}

// Jobs returns the scheduler jobs for every enabled sweep.
func (s *Service) Jobs(iv Intervals) []scheduler.Job {
	var jobs []scheduler.Job
	add := func(name string, every time.Duration, run func(context.Context) error) {
		if every <= 0 {
			return
		}
		jobs = append(jobs, scheduler.Job{
			Name:     name,
			Interval: every,
			Run: func(ctx context.Context, now time.Time) error {
				err := run(ctx)
				s.swept(name, now)
				return err
			},
		})
	}
	add(JobFunding, iv.Funding, func(ctx context.Context) error {
		s.ProcessFunding(ctx)
		return nil
	})
	add(JobLiquidations, iv.Liquidations, func(ctx context.Context) error {
		s.CheckLiquidations(ctx)
		return nil
	})
	add(JobStorageSync, iv.StorageSync, func(ctx context.Context) error {
		s.SyncStorage(ctx)
		return nil
	})
	add(JobSnapshot, iv.Snapshot, func(ctx context.Context) error {
		s.SnapshotBooks(ctx)
		return nil
	})
	if s.relay != nil {
		add(JobBroadcast, iv.Broadcast, func(ctx context.Context) error {
			_, err := s.Broadcast(ctx)
			return err
		})
	}
	return jobs
}

// ProcessFunding settles every market whose funding boundary has passed.
func (s *Service) ProcessFunding(ctx context.Context) risk.FundingReport {
	report := s.risk.ProcessFunding()
	s.commitFunding(ctx, report)
	return report
}

func (s *Service) commitFunding(ctx context.Context, report risk.FundingReport) {
	changed := make([]storage.Entity, 0, len(report.Rates)+len(report.Positions))
	for _, r := range report.Rates {
		changed = append(changed, r)
		s.metrics.Funding(r.Market)
	}
	for _, p := range report.Positions {
		changed = append(changed, p)
	}
	s.commit(ctx, changed, report.Events)
}

// CheckLiquidations runs one liquidation sweep over every market. A
// position that fails to liquidate is reported and skipped.
func (s *Service) CheckLiquidations(ctx context.Context) risk.LiquidationReport {
	report := s.risk.CheckLiquidations()
	s.commitLiquidations(ctx, report)
	if len(report.Liquidated) > 0 || len(report.Failures) > 0 {
		s.log.WithFields(logrus.Fields{
			"liquidated": len(report.Liquidated),
			"failed":     len(report.Failures),
		}).Info("liquidation sweep")
	}
	return report
}

func (s *Service) commitLiquidations(ctx context.Context, report risk.LiquidationReport) {
	changed := make([]storage.Entity, 0, len(report.Liquidated))
	for _, p := range report.Liquidated {
		changed = append(changed, p)
		s.metrics.Liquidation(p.Market, "liquidated")
	}
	for range report.Failures {
		s.metrics.Liquidation("", "failed")
	}
	s.commit(ctx, changed, report.Events)
}

// SyncStorage retries pending warm writes and archives settled records.
func (s *Service) SyncStorage(ctx context.Context) storage.SyncReport {
	return s.storage.Sync(ctx, s.clock.Now())
}

// SnapshotBooks persists a depth snapshot of every live book so
// GetOrderBook can serve a pair that is not loaded.
func (s *Service) SnapshotBooks(ctx context.Context) int {
	n := 0
	for _, pair := range s.matching.Pairs() {
		view, ok := s.matching.OrderBook(pair, s.snapshotDepth)
		if !ok {
			continue
		}
		if err := s.storage.Write(ctx, view); err != nil {
			s.log.WithError(err).WithField("pair", pair).Error("book snapshot failed")
			continue
		}
		n++
	}
	return n
}

// Broadcast relays one batch of outbox events to the sink.
func (s *Service) Broadcast(ctx context.Context) (broadcaster.Report, error) {
	if s.relay == nil {
		return broadcaster.Report{}, nil
	}
	return s.relay.RunOnce(ctx)
}
