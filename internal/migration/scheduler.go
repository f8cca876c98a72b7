// gpufleet is a control-plane service for rented GPU compute instances.
// Copyright (C) 2025 The gpufleet authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package migration schedules spot-reclaim migrations. A ticker queues one
// MIGRATE_BATCH planning job per interval; the planning pass scans the
// provider for reclaim-flagged instances and queues per-instance migration
// jobs under a concurrency cap. Tick buckets make the planner job
// idempotent across overlapping processes.
package migration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"gpufleet/internal/provider"
	"gpufleet/internal/queue"
	"gpufleet/pkg/fleet"
)

// Options tune the scheduler.
type Options struct {
	Enabled       bool
	Interval      time.Duration
	MaxConcurrent int
	DryRun        bool

	// RetryFailed gives per-instance migration jobs the normal retry
	// budget; when false they get a single attempt.
	RetryFailed bool
}

func (o *Options) normalize() {
	if o.Interval <= 0 {
		o.Interval = 15 * time.Minute
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 5
	}
}

// TickMetrics summarizes one planning pass.
type TickMetrics struct {
	TickBucket         int64          `json:"tickBucket"`
	CandidatesFound    int            `json:"candidatesFound"`
	Enqueued           int            `json:"enqueued"`
	SkippedDuplicate   int            `json:"skippedDuplicate"`
	SkippedConcurrency int            `json:"skippedConcurrency"`
	DurationMs         int64          `json:"durationMs"`
	ErrorsByType       map[string]int `json:"errorsByType,omitempty"`
}

// alertWindow is the rolling window for the failure-rate alert.
const alertWindow = 15 * time.Minute

// alertThreshold is the failure fraction that trips the alert.
const alertThreshold = 0.5

const alertMinSamples = 4

type sample struct {
	at     time.Time
	failed bool
}

// Scheduler drives the migration ticker and plans batches.
type Scheduler struct {
	client provider.Client
	queue  *queue.Queue
	logger *zap.Logger
	opts   Options

	now func() time.Time

	mu      sync.Mutex
	samples []sample
	last    *TickMetrics
}

// New builds the scheduler.
func New(client provider.Client, q *queue.Queue, opts Options, logger *zap.Logger) *Scheduler {
	opts.normalize()
	return &Scheduler{
		client: client,
		queue:  q,
		logger: logger.With(zap.String("component", "migration")),
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run queues one planning job per interval until ctx is canceled. A no-op
// when migration is disabled.
func (s *Scheduler) Run(ctx context.Context) {
	if !s.opts.Enabled {
		s.logger.Info("migration disabled")
		return
	}
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	s.logger.Info("migration scheduler started",
		zap.Duration("interval", s.opts.Interval),
		zap.Int("maxConcurrent", s.opts.MaxConcurrent),
		zap.Bool("dryRun", s.opts.DryRun))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.queueBatch(ctx)
		}
	}
}

// queueBatch enqueues the planner job for the current tick bucket. The
// bucket-derived idempotency key collapses concurrent schedulers onto one
// planning job per interval.
func (s *Scheduler) queueBatch(ctx context.Context) {
	bucket := s.now().Truncate(s.opts.Interval).Unix()
	_, dup, err := s.queue.Enqueue(ctx, fleet.JobTypeMigrateBatch,
		fleet.MigrateBatchPayload{TickBucket: bucket},
		queue.WithIdempotencyKey(fmt.Sprintf("migrate-batch:%d", bucket)))
	if err != nil {
		s.logger.Warn("could not queue migration batch", zap.Error(err))
		return
	}
	if dup {
		s.logger.Debug("migration batch already queued for tick",
			zap.Int64("tickBucket", bucket))
	}
}

// RunBatch is the planning pass behind the MIGRATE_BATCH job: list
// reclaim-flagged instances and queue a migration per instance, bounded by
// the concurrency cap.
func (s *Scheduler) RunBatch(ctx context.Context, tickBucket int64) error {
	start := s.now()
	m := TickMetrics{TickBucket: tickBucket, ErrorsByType: make(map[string]int)}

	candidates, err := s.client.ListInstances(ctx, provider.InstanceFilter{ReclaimedOnly: true})
	if err != nil {
		m.ErrorsByType[string(fleet.KindOf(err))]++
		s.finishTick(&m, start)
		s.record(true)
		return err
	}
	m.CandidatesFound = len(candidates)

	inflight, err := s.queue.ProcessingCount(ctx, fleet.JobTypeMigrateInstance)
	if err != nil {
		m.ErrorsByType[string(fleet.KindOf(err))]++
		s.finishTick(&m, start)
		s.record(true)
		return err
	}

	budget := s.opts.MaxConcurrent - int(inflight)
	for _, c := range candidates {
		if budget <= 0 {
			m.SkippedConcurrency++
			continue
		}
		if s.opts.DryRun {
			s.logger.Info("dry run: would migrate",
				zap.String("upstreamId", c.ID),
				zap.String("spotStatus", c.SpotStatus))
			m.Enqueued++
			budget--
			continue
		}

		opts := []queue.EnqueueOption{
			queue.WithPriority(fleet.PriorityHigh),
			queue.WithIdempotencyKey("migrate:" + c.ID),
		}
		if !s.opts.RetryFailed {
			opts = append(opts, queue.WithMaxAttempts(1))
		}
		_, dup, err := s.queue.Enqueue(ctx, fleet.JobTypeMigrateInstance, fleet.MigrateInstancePayload{
			UpstreamID: c.ID,
			Reason:     "spot reclaim flagged by provider",
		}, opts...)
		if err != nil {
			m.ErrorsByType[string(fleet.KindOf(err))]++
			s.record(true)
			continue
		}
		if dup {
			m.SkippedDuplicate++
			continue
		}
		m.Enqueued++
		budget--
		s.record(false)
	}

	s.finishTick(&m, start)
	s.logger.Info("migration batch planned",
		zap.Int64("tickBucket", tickBucket),
		zap.Int("candidatesFound", m.CandidatesFound),
		zap.Int("enqueued", m.Enqueued),
		zap.Int("skippedDuplicate", m.SkippedDuplicate),
		zap.Int("skippedConcurrency", m.SkippedConcurrency),
		zap.Int64("durationMs", m.DurationMs))
	return nil
}

func (s *Scheduler) finishTick(m *TickMetrics, start time.Time) {
	m.DurationMs = s.now().Sub(start).Milliseconds()
	if len(m.ErrorsByType) == 0 {
		m.ErrorsByType = nil
	}
	s.mu.Lock()
	s.last = m
	s.mu.Unlock()
}

// LastTick returns the most recent planning metrics, or nil before the
// first pass.
func (s *Scheduler) LastTick() *TickMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	cp := *s.last
	return &cp
}

// record feeds the rolling failure-rate alert.
func (s *Scheduler) record(failed bool) {
	now := s.now()
	s.mu.Lock()
	s.samples = append(s.samples, sample{at: now, failed: failed})
	cutoff := now.Add(-alertWindow)
	i := 0
	for ; i < len(s.samples); i++ {
		if s.samples[i].at.After(cutoff) {
			break
		}
	}
	s.samples = s.samples[i:]

	total := len(s.samples)
	failures := 0
	for _, sm := range s.samples {
		if sm.failed {
			failures++
		}
	}
	s.mu.Unlock()

	if total >= alertMinSamples && float64(failures)/float64(total) >= alertThreshold {
		s.logger.Error("migration failure rate above threshold",
			zap.Int("failures", failures),
			zap.Int("samples", total),
			zap.Duration("window", alertWindow))
	}
}
