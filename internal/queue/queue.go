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

// Package queue is the durable job queue on the kv store. Each job type has
// three sorted-set indexes: ready (ordered by priority, then FIFO within a
// priority), scheduled (ordered by next-retry time), and processing (ordered
// by lease expiry). Job bodies live under their own keys so an index entry
// is only ever a job id, and the ready-to-processing move runs as a script
// so two workers can never pop the same job.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gpufleet/internal/kv"
	"gpufleet/pkg/fleet"
)

// Score layout for the ready index: priority in the high bits, recency in
// the low bits, both inside float64's exact-integer range. Older jobs get a
// larger recency component, so ZREVRANGE order is priority desc, age desc.
const scoreBase = int64(1) << 42

// popScript atomically moves the highest-scored ready job into the
// processing set with its lease expiry as the score.
const popScript = `
local m = redis.call('ZRANGE', KEYS[1], -1, -1)
if #m == 0 then
  return false
end
redis.call('ZREM', KEYS[1], m[1])
redis.call('ZADD', KEYS[2], ARGV[1], m[1])
return m[1]
`

// Retention for finished job bodies, event trails, and idempotency keys.
const retention = 24 * time.Hour

const maxEventTrail = 100

// Recorder is the metrics surface the queue reports into.
type Recorder interface {
	SetQueueSize(jobType string, n int64)
}

// Options tune retry pacing and lease duration.
type Options struct {
	// LeaseTTL bounds how long a popped job may run before another worker
	// may reclaim it.
	LeaseTTL time.Duration

	// DefaultMaxAttempts applies when Enqueue is not told otherwise.
	DefaultMaxAttempts int

	// BackoffBase and BackoffCeiling shape the retry delay:
	// min(ceiling, base * 2^(attempts-1)) plus jitter.
	BackoffBase    time.Duration
	BackoffCeiling time.Duration
}

func (o *Options) normalize() {
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 10 * time.Minute
	}
	if o.DefaultMaxAttempts <= 0 {
		o.DefaultMaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 5 * time.Second
	}
	if o.BackoffCeiling <= 0 {
		o.BackoffCeiling = 5 * time.Minute
	}
}

// Queue is the durable job queue.
type Queue struct {
	store     kv.Store
	namespace string
	logger    *zap.Logger
	metrics   Recorder
	opts      Options

	// now and jitter are swappable for tests.
	now    func() time.Time
	jitter func() time.Duration

	mu     sync.Mutex
	paused map[fleet.JobType]bool
}

const maxRetryJitter = time.Second

// New builds a queue over store. metrics may be nil.
func New(store kv.Store, namespace string, opts Options, metrics Recorder, logger *zap.Logger) *Queue {
	opts.normalize()
	return &Queue{
		store:     store,
		namespace: namespace,
		logger:    logger.With(zap.String("component", "queue")),
		metrics:   metrics,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
		jitter: func() time.Duration {
			return time.Duration(rand.Int63n(int64(maxRetryJitter)))
		},
		paused: make(map[fleet.JobType]bool),
	}
}

func (q *Queue) key(parts ...any) string {
	s := q.namespace
	for _, p := range parts {
		s += fmt.Sprintf(":%v", p)
	}
	return s
}

func (q *Queue) jobKey(id string) string              { return q.key("jobs", "data", id) }
func (q *Queue) readyKey(t fleet.JobType) string      { return q.key("jobs", "ready", t) }
func (q *Queue) scheduledKey(t fleet.JobType) string  { return q.key("jobs", "scheduled", t) }
func (q *Queue) processingKey(t fleet.JobType) string { return q.key("jobs", "processing", t) }
func (q *Queue) idemKey(k string) string              { return q.key("jobs", "idem", k) }
func (q *Queue) eventsKey(id string) string           { return q.key("jobs", "events", id) }

// readyScore encodes priority-then-FIFO ordering for ZREVRANGE pops.
func readyScore(p fleet.Priority, createdAt time.Time) float64 {
	recency := scoreBase - createdAt.UnixMilli()
	return float64(int64(p)*scoreBase + recency)
}

type enqueueRequest struct {
	job   *fleet.Job
	delay time.Duration
}

// EnqueueOption customizes one enqueue.
type EnqueueOption func(*enqueueRequest)

// WithPriority sets the job priority.
func WithPriority(p fleet.Priority) EnqueueOption {
	return func(r *enqueueRequest) { r.job.Priority = p }
}

// WithMaxAttempts overrides the retry budget.
func WithMaxAttempts(n int) EnqueueOption {
	return func(r *enqueueRequest) { r.job.MaxAttempts = n }
}

// WithIdempotencyKey collapses duplicate enqueues onto one live job for the
// retention window.
func WithIdempotencyKey(k string) EnqueueOption {
	return func(r *enqueueRequest) { r.job.IdempotencyKey = k }
}

// WithDelay holds the job in the scheduled index until the delay elapses.
// Monitors use it to poll on a cadence without burning retry attempts.
func WithDelay(d time.Duration) EnqueueOption {
	return func(r *enqueueRequest) { r.delay = d }
}

// Enqueue persists a new job and indexes it ready. The payload must match
// the job type's schema. When an idempotency key is supplied and a job for
// it already exists, the existing job is returned with duplicate=true and
// nothing is written.
func (q *Queue) Enqueue(ctx context.Context, t fleet.JobType, payload any, opts ...EnqueueOption) (job *fleet.Job, duplicate bool, err error) {
	raw, err := fleet.EncodePayload(t, payload)
	if err != nil {
		return nil, false, err
	}

	j := &fleet.Job{
		ID:          uuid.NewString(),
		Type:        t,
		Payload:     raw,
		Status:      fleet.JobStatusPending,
		Priority:    fleet.PriorityNormal,
		MaxAttempts: q.opts.DefaultMaxAttempts,
		CreatedAt:   q.now(),
	}
	req := enqueueRequest{job: j}
	for _, opt := range opts {
		opt(&req)
	}

	if j.IdempotencyKey != "" {
		set, err := q.store.SetNX(ctx, q.idemKey(j.IdempotencyKey), j.ID, retention)
		if err != nil {
			return nil, false, err
		}
		if !set {
			existingID, err := q.store.Get(ctx, q.idemKey(j.IdempotencyKey))
			if err != nil {
				return nil, false, err
			}
			existing, err := q.GetJob(ctx, existingID)
			if err != nil {
				// The mapped job body is gone; fall through and claim
				// the key for the new job.
				if !fleet.IsNotFound(err) {
					return nil, false, err
				}
				if err := q.store.Set(ctx, q.idemKey(j.IdempotencyKey), j.ID, retention); err != nil {
					return nil, false, err
				}
			} else {
				return existing, true, nil
			}
		}
	}

	if req.delay > 0 {
		due := q.now().Add(req.delay)
		j.NextRetryAt = &due
	}
	if err := q.saveJob(ctx, j, 0); err != nil {
		return nil, false, err
	}
	if req.delay > 0 {
		if err := q.store.ZAdd(ctx, q.scheduledKey(t), float64(j.NextRetryAt.UnixMilli()), j.ID); err != nil {
			return nil, false, err
		}
	} else if err := q.store.ZAdd(ctx, q.readyKey(t), readyScore(j.Priority, j.CreatedAt), j.ID); err != nil {
		return nil, false, err
	}
	q.appendEvent(ctx, j.ID, "info", "enqueued", 0)
	q.logger.Debug("job enqueued",
		zap.String("jobId", j.ID),
		zap.String("type", string(t)),
		zap.Int("priority", int(j.Priority)))
	return j, false, nil
}

// Pop claims the best ready job of the given type under a fresh lease, or
// returns (nil, nil) when the type is paused or has nothing ready.
func (q *Queue) Pop(ctx context.Context, t fleet.JobType) (*fleet.Job, error) {
	if q.IsPaused(t) {
		return nil, nil
	}
	leaseExpiry := q.now().Add(q.opts.LeaseTTL)
	res, err := q.store.Eval(ctx, popScript,
		[]string{q.readyKey(t), q.processingKey(t)},
		leaseExpiry.UnixMilli())
	if err != nil {
		return nil, err
	}
	id, ok := res.(string)
	if !ok || id == "" {
		return nil, nil
	}

	j, err := q.GetJob(ctx, id)
	if err != nil {
		// Index entry without a body. Drop it and report empty.
		if fleet.IsNotFound(err) {
			_ = q.store.ZRem(ctx, q.processingKey(t), id)
			return nil, nil
		}
		return nil, err
	}

	now := q.now()
	j.Status = fleet.JobStatusProcessing
	j.Attempts++
	j.ProcessedAt = &now
	j.LeaseExpiresAt = &leaseExpiry
	j.NextRetryAt = nil
	if err := q.saveJob(ctx, j, 0); err != nil {
		return nil, err
	}
	q.appendEvent(ctx, j.ID, "info", "processing started", j.Attempts)
	return j, nil
}

// ExtendLease pushes a running job's lease forward.
func (q *Queue) ExtendLease(ctx context.Context, j *fleet.Job) error {
	leaseExpiry := q.now().Add(q.opts.LeaseTTL)
	if err := q.store.ZAdd(ctx, q.processingKey(j.Type), float64(leaseExpiry.UnixMilli()), j.ID); err != nil {
		return err
	}
	j.LeaseExpiresAt = &leaseExpiry
	return q.saveJob(ctx, j, 0)
}

// Ack marks a job completed and drops it from the processing index. The
// body stays readable for the retention window.
func (q *Queue) Ack(ctx context.Context, j *fleet.Job) error {
	if err := q.store.ZRem(ctx, q.processingKey(j.Type), j.ID); err != nil {
		return err
	}
	now := q.now()
	j.Status = fleet.JobStatusCompleted
	j.CompletedAt = &now
	j.LeaseExpiresAt = nil
	j.Error = ""
	if err := q.saveJob(ctx, j, retention); err != nil {
		return err
	}
	q.appendEvent(ctx, j.ID, "info", "completed", j.Attempts)
	return nil
}

// Nack records a failed attempt. Retryable failures inside the attempt
// budget are rescheduled with capped exponential backoff plus jitter;
// everything else fails the job terminally.
func (q *Queue) Nack(ctx context.Context, j *fleet.Job, cause error) error {
	if err := q.store.ZRem(ctx, q.processingKey(j.Type), j.ID); err != nil {
		return err
	}
	return q.requeueOrFail(ctx, j, cause)
}

func (q *Queue) requeueOrFail(ctx context.Context, j *fleet.Job, cause error) error {
	msg := "unknown failure"
	if cause != nil {
		msg = cause.Error()
	}
	j.Error = msg
	j.LeaseExpiresAt = nil

	retryable := cause == nil || fleet.IsRetryable(cause)
	if !retryable || j.Attempts >= j.MaxAttempts {
		now := q.now()
		j.Status = fleet.JobStatusFailed
		j.CompletedAt = &now
		if err := q.saveJob(ctx, j, retention); err != nil {
			return err
		}
		q.appendEvent(ctx, j.ID, "error", "failed: "+msg, j.Attempts)
		q.logger.Warn("job failed terminally",
			zap.String("jobId", j.ID),
			zap.String("type", string(j.Type)),
			zap.Int("attempts", j.Attempts),
			zap.String("error", msg))
		return nil
	}

	delay := q.retryDelay(j.Attempts, cause)
	next := q.now().Add(delay)
	j.Status = fleet.JobStatusPending
	j.NextRetryAt = &next
	if err := q.saveJob(ctx, j, 0); err != nil {
		return err
	}
	if err := q.store.ZAdd(ctx, q.scheduledKey(j.Type), float64(next.UnixMilli()), j.ID); err != nil {
		return err
	}
	q.appendEvent(ctx, j.ID, "warn",
		fmt.Sprintf("retry in %s: %s", delay.Round(time.Millisecond), msg), j.Attempts)
	return nil
}

// retryDelay is min(ceiling, base * 2^(attempts-1)) + jitter, unless the
// failure carries an explicit retry-after hint that is longer.
func (q *Queue) retryDelay(attempts int, cause error) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := q.opts.BackoffBase << (attempts - 1)
	if delay > q.opts.BackoffCeiling || delay <= 0 {
		delay = q.opts.BackoffCeiling
	}
	var fe *fleet.Error
	if errors.As(cause, &fe) && fe.RetryAfter > delay {
		delay = fe.RetryAfter
	}
	return delay + q.jitter()
}

// PromoteDue moves scheduled jobs whose retry time has arrived back into
// the ready index. Returns the number promoted.
func (q *Queue) PromoteDue(ctx context.Context) (int, error) {
	nowMs := float64(q.now().UnixMilli())
	promoted := 0
	for _, t := range fleet.JobTypes() {
		ids, err := q.store.ZRangeByScore(ctx, q.scheduledKey(t), -1e18, nowMs)
		if err != nil {
			return promoted, err
		}
		for _, id := range ids {
			if err := q.store.ZRem(ctx, q.scheduledKey(t), id); err != nil {
				return promoted, err
			}
			j, err := q.GetJob(ctx, id)
			if err != nil {
				if fleet.IsNotFound(err) {
					continue
				}
				return promoted, err
			}
			j.NextRetryAt = nil
			if err := q.saveJob(ctx, j, 0); err != nil {
				return promoted, err
			}
			if err := q.store.ZAdd(ctx, q.readyKey(t), readyScore(j.Priority, j.CreatedAt), id); err != nil {
				return promoted, err
			}
			promoted++
		}
	}
	return promoted, nil
}

// ReclaimExpiredLeases puts jobs whose workers went silent back through the
// retry path. Returns the number reclaimed.
func (q *Queue) ReclaimExpiredLeases(ctx context.Context) (int, error) {
	nowMs := float64(q.now().UnixMilli())
	reclaimed := 0
	for _, t := range fleet.JobTypes() {
		ids, err := q.store.ZRangeByScore(ctx, q.processingKey(t), -1e18, nowMs)
		if err != nil {
			return reclaimed, err
		}
		for _, id := range ids {
			if err := q.store.ZRem(ctx, q.processingKey(t), id); err != nil {
				return reclaimed, err
			}
			j, err := q.GetJob(ctx, id)
			if err != nil {
				if fleet.IsNotFound(err) {
					continue
				}
				return reclaimed, err
			}
			cause := fleet.Errorf(fleet.KindTimeout, "lease expired after attempt %d", j.Attempts)
			if err := q.requeueOrFail(ctx, j, cause); err != nil {
				return reclaimed, err
			}
			reclaimed++
			q.logger.Warn("lease reclaimed",
				zap.String("jobId", id), zap.String("type", string(t)))
		}
	}
	return reclaimed, nil
}

// RecoverProcessing requeues every processing-set entry regardless of lease
// expiry. Called once at startup so jobs stranded by an unclean shutdown do
// not wait out their full lease.
func (q *Queue) RecoverProcessing(ctx context.Context) (int, error) {
	recovered := 0
	for _, t := range fleet.JobTypes() {
		ids, err := q.store.ZRangeByScore(ctx, q.processingKey(t), -1e18, 1e18)
		if err != nil {
			return recovered, err
		}
		for _, id := range ids {
			if err := q.store.ZRem(ctx, q.processingKey(t), id); err != nil {
				return recovered, err
			}
			j, err := q.GetJob(ctx, id)
			if err != nil {
				if fleet.IsNotFound(err) {
					continue
				}
				return recovered, err
			}
			if err := q.requeueOrFail(ctx, j, fleet.NewError(fleet.KindTimeout, "recovered after restart")); err != nil {
				return recovered, err
			}
			recovered++
		}
	}
	return recovered, nil
}

// GetJob loads a job body by id.
func (q *Queue) GetJob(ctx context.Context, id string) (*fleet.Job, error) {
	raw, err := q.store.Get(ctx, q.jobKey(id))
	if err != nil {
		return nil, err
	}
	var j fleet.Job
	if err := kv.Decode(raw, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

func (q *Queue) saveJob(ctx context.Context, j *fleet.Job, ttl time.Duration) error {
	raw, err := kv.Encode(j)
	if err != nil {
		return err
	}
	return q.store.Set(ctx, q.jobKey(j.ID), raw, ttl)
}

// appendEvent pushes one entry onto the job's bounded trail. Trail failures
// never fail the operation that produced them.
func (q *Queue) appendEvent(ctx context.Context, id, level, message string, attempt int) {
	raw, err := kv.Encode(fleet.JobEvent{
		Time:    q.now(),
		Level:   level,
		Message: message,
		Attempt: attempt,
	})
	if err != nil {
		return
	}
	key := q.eventsKey(id)
	if err := q.store.LPush(ctx, key, raw); err != nil {
		q.logger.Debug("event trail write failed", zap.String("jobId", id), zap.Error(err))
		return
	}
	_ = q.store.LTrim(ctx, key, 0, maxEventTrail-1)
	_ = q.store.Expire(ctx, key, retention)
}

// Events returns the job's trail, newest first.
func (q *Queue) Events(ctx context.Context, id string) ([]fleet.JobEvent, error) {
	raws, err := q.store.LRange(ctx, q.eventsKey(id), 0, maxEventTrail-1)
	if err != nil {
		if fleet.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	events := make([]fleet.JobEvent, 0, len(raws))
	for _, r := range raws {
		var e fleet.JobEvent
		if err := kv.Decode(r, &e); err != nil {
			continue
		}
		events = append(events, e)
	}
	return events, nil
}

// Pause stops Pop from returning jobs of type t until Resume.
func (q *Queue) Pause(t fleet.JobType) {
	q.mu.Lock()
	q.paused[t] = true
	q.mu.Unlock()
	q.logger.Info("job type paused", zap.String("type", string(t)))
}

// Resume lifts a pause.
func (q *Queue) Resume(t fleet.JobType) {
	q.mu.Lock()
	delete(q.paused, t)
	q.mu.Unlock()
	q.logger.Info("job type resumed", zap.String("type", string(t)))
}

// IsPaused reports whether Pop is masked for t.
func (q *Queue) IsPaused(t fleet.JobType) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused[t]
}

// ProcessingCount returns how many jobs of type t hold a live claim.
func (q *Queue) ProcessingCount(ctx context.Context, t fleet.JobType) (int64, error) {
	return q.store.ZCard(ctx, q.processingKey(t))
}

// TypeStats is the per-type depth snapshot.
type TypeStats struct {
	Ready      int64 `json:"ready"`
	Scheduled  int64 `json:"scheduled"`
	Processing int64 `json:"processing"`
	Paused     bool  `json:"paused"`
}

// Stats reports queue depths per type and pushes them into the metrics
// gauge when one is wired.
type Stats struct {
	Types map[string]TypeStats `json:"types"`
	Total int64                `json:"total"`
}

// Stats snapshots every type's depths.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	out := &Stats{Types: make(map[string]TypeStats, len(fleet.JobTypes()))}
	for _, t := range fleet.JobTypes() {
		ready, err := q.store.ZCard(ctx, q.readyKey(t))
		if err != nil {
			return nil, err
		}
		scheduled, err := q.store.ZCard(ctx, q.scheduledKey(t))
		if err != nil {
			return nil, err
		}
		processing, err := q.store.ZCard(ctx, q.processingKey(t))
		if err != nil {
			return nil, err
		}
		ts := TypeStats{
			Ready:      ready,
			Scheduled:  scheduled,
			Processing: processing,
			Paused:     q.IsPaused(t),
		}
		out.Types[string(t)] = ts
		out.Total += ready + scheduled + processing
		if q.metrics != nil {
			q.metrics.SetQueueSize(string(t), ready+scheduled+processing)
		}
	}
	return out, nil
}

// Sweep drops index entries whose job body has expired. Finished bodies age
// out via TTL, so a long-scheduled entry can outlive its body only after
// operator intervention, but the index must not serve ghosts.
func (q *Queue) Sweep(ctx context.Context) (int, error) {
	dropped := 0
	for _, t := range fleet.JobTypes() {
		for _, key := range []string{q.readyKey(t), q.scheduledKey(t)} {
			ids, err := q.store.ZRangeByScore(ctx, key, -1e18, 1e18)
			if err != nil {
				return dropped, err
			}
			for _, id := range ids {
				exists, err := q.store.Exists(ctx, q.jobKey(id))
				if err != nil {
					return dropped, err
				}
				if !exists {
					_ = q.store.ZRem(ctx, key, id)
					dropped++
				}
			}
		}
	}
	return dropped, nil
}
