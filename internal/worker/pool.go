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

// Package worker runs the typed job pool. Each registered type gets its own
// concurrency cap under a shared global ceiling; a short tick drives retry
// promotion, lease reclaim, and popping. Shutdown stops popping and waits
// for in-flight jobs to finish.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"gpufleet/internal/queue"
	"gpufleet/pkg/fleet"
)

// Handler processes one job. A nil return acknowledges the job; an error
// sends it through the queue's retry-or-fail path.
type Handler interface {
	Handle(ctx context.Context, job *fleet.Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *fleet.Job) error

func (f HandlerFunc) Handle(ctx context.Context, job *fleet.Job) error { return f(ctx, job) }

// defaultTypeCaps bounds in-flight jobs per type. MIGRATE_BATCH is serial
// so at most one planner runs fleet-wide per process.
var defaultTypeCaps = map[fleet.JobType]int{
	fleet.JobTypeCreateInstance:  10,
	fleet.JobTypeMonitorStartup:  50,
	fleet.JobTypeMonitorInstance: 50,
	fleet.JobTypeHealthCheck:     20,
	fleet.JobTypeSendWebhook:     20,
	fleet.JobTypeMigrateBatch:    1,
	fleet.JobTypeMigrateInstance: 5,
}

// Recorder is the metrics surface the pool reports into.
type Recorder interface {
	ObserveJob(jobType string, d time.Duration, failed bool)
}

// Options tune the pool.
type Options struct {
	// MaxConcurrentJobs is the global in-flight ceiling across all types.
	MaxConcurrentJobs int

	// JobTimeout bounds one handler invocation.
	JobTimeout time.Duration

	// PollInterval drives popping, retry promotion, and lease reclaim.
	PollInterval time.Duration

	// DrainTimeout bounds the shutdown wait for in-flight jobs.
	DrainTimeout time.Duration

	// TypeCaps overrides per-type concurrency; unset types use defaults.
	TypeCaps map[fleet.JobType]int
}

func (o *Options) normalize() {
	if o.MaxConcurrentJobs <= 0 {
		o.MaxConcurrentJobs = 10
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 10 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 30 * time.Second
	}
}

// Pool pops jobs and dispatches them to registered handlers.
type Pool struct {
	queue   *queue.Queue
	logger  *zap.Logger
	metrics Recorder
	opts    Options

	global *semaphore.Weighted

	mu       sync.RWMutex
	handlers map[fleet.JobType]Handler
	slots    map[fleet.JobType]chan struct{}

	wg sync.WaitGroup
}

// New builds a pool. metrics may be nil.
func New(q *queue.Queue, opts Options, metrics Recorder, logger *zap.Logger) *Pool {
	opts.normalize()
	return &Pool{
		queue:    q,
		logger:   logger.With(zap.String("component", "worker")),
		metrics:  metrics,
		opts:     opts,
		global:   semaphore.NewWeighted(int64(opts.MaxConcurrentJobs)),
		handlers: make(map[fleet.JobType]Handler),
		slots:    make(map[fleet.JobType]chan struct{}),
	}
}

// Register binds a handler for one job type. Registering twice replaces the
// handler but keeps the type's slot pool.
func (p *Pool) Register(t fleet.JobType, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[t] = h
	if _, ok := p.slots[t]; !ok {
		limit := p.opts.TypeCaps[t]
		if limit <= 0 {
			limit = defaultTypeCaps[t]
		}
		if limit <= 0 {
			limit = 1
		}
		p.slots[t] = make(chan struct{}, limit)
	}
}

// Recover requeues jobs stranded in the processing index by an unclean
// shutdown and drops orphaned index entries. Call once before Run.
func (p *Pool) Recover(ctx context.Context) error {
	recovered, err := p.queue.RecoverProcessing(ctx)
	if err != nil {
		return fmt.Errorf("recover processing jobs: %w", err)
	}
	dropped, err := p.queue.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep orphaned entries: %w", err)
	}
	if recovered > 0 || dropped > 0 {
		p.logger.Info("startup recovery finished",
			zap.Int("recovered", recovered), zap.Int("orphansDropped", dropped))
	}
	return nil
}

// Run drives the pool until ctx is canceled, then drains in-flight jobs. It
// always returns nil after the drain; queue errors are logged and retried
// on the next tick.
func (p *Pool) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	p.logger.Info("worker pool started",
		zap.Int("maxConcurrentJobs", p.opts.MaxConcurrentJobs),
		zap.Duration("pollInterval", p.opts.PollInterval))

	for {
		select {
		case <-ctx.Done():
			p.drain()
			return nil
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Pool) tick(ctx context.Context) {
	if _, err := p.queue.PromoteDue(ctx); err != nil {
		p.logger.Warn("retry promotion failed", zap.Error(err))
	}
	if _, err := p.queue.ReclaimExpiredLeases(ctx); err != nil {
		p.logger.Warn("lease reclaim failed", zap.Error(err))
	}

	p.mu.RLock()
	types := make([]fleet.JobType, 0, len(p.handlers))
	for t := range p.handlers {
		types = append(types, t)
	}
	p.mu.RUnlock()

	for _, t := range types {
		p.popAndDispatch(ctx, t)
	}
}

// popAndDispatch keeps claiming jobs of type t while slots are free.
func (p *Pool) popAndDispatch(ctx context.Context, t fleet.JobType) {
	p.mu.RLock()
	h := p.handlers[t]
	slots := p.slots[t]
	p.mu.RUnlock()
	if h == nil {
		return
	}

	for {
		select {
		case slots <- struct{}{}:
		default:
			return
		}
		if !p.global.TryAcquire(1) {
			<-slots
			return
		}

		job, err := p.queue.Pop(ctx, t)
		if err != nil || job == nil {
			p.global.Release(1)
			<-slots
			if err != nil {
				p.logger.Warn("pop failed", zap.String("type", string(t)), zap.Error(err))
			}
			return
		}

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.global.Release(1)
			defer func() { <-slots }()
			p.process(job, h)
		}()
	}
}

// process runs the handler with the job deadline. The job context is
// detached from the pool context so a shutdown does not abort in-flight
// work mid-handler.
func (p *Pool) process(job *fleet.Job, h Handler) {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.JobTimeout)
	defer cancel()

	start := time.Now()
	err := p.invoke(ctx, job, h)
	elapsed := time.Since(start)

	if p.metrics != nil {
		p.metrics.ObserveJob(string(job.Type), elapsed, err != nil)
	}

	ackCtx, ackCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer ackCancel()
	if err != nil {
		p.logger.Warn("job attempt failed",
			zap.String("jobId", job.ID),
			zap.String("type", string(job.Type)),
			zap.Int("attempt", job.Attempts),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		if nerr := p.queue.Nack(ackCtx, job, err); nerr != nil {
			p.logger.Error("nack failed", zap.String("jobId", job.ID), zap.Error(nerr))
		}
		return
	}
	p.logger.Debug("job completed",
		zap.String("jobId", job.ID),
		zap.String("type", string(job.Type)),
		zap.Duration("elapsed", elapsed))
	if aerr := p.queue.Ack(ackCtx, job); aerr != nil {
		p.logger.Error("ack failed", zap.String("jobId", job.ID), zap.Error(aerr))
	}
}

// invoke isolates handler panics into errors so one bad payload cannot take
// the pool down.
func (p *Pool) invoke(ctx context.Context, job *fleet.Job, h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("handler panicked",
				zap.String("jobId", job.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = fleet.Errorf(fleet.KindInternal, "handler panic: %v", r)
		}
	}()
	err = h.Handle(ctx, job)
	if err == nil && ctx.Err() != nil {
		err = fleet.WrapError(fleet.KindTimeout, "job deadline exceeded", ctx.Err())
	}
	return err
}

// drain waits for in-flight jobs, bounded by DrainTimeout.
func (p *Pool) drain() {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("worker pool drained")
	case <-time.After(p.opts.DrainTimeout):
		p.logger.Warn("drain timeout; abandoning in-flight jobs",
			zap.Duration("drainTimeout", p.opts.DrainTimeout))
	}
}
