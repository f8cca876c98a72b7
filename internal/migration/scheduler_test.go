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

package migration

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gpufleet/internal/kv"
	"gpufleet/internal/provider"
	"gpufleet/internal/queue"
	"gpufleet/pkg/fleet"
)

type fakeFleet struct {
	provider.Client
	listInstances func(ctx context.Context, f provider.InstanceFilter) ([]provider.Instance, error)
}

func (f *fakeFleet) ListInstances(ctx context.Context, fl provider.InstanceFilter) ([]provider.Instance, error) {
	return f.listInstances(ctx, fl)
}

func reclaimed(ids ...string) []provider.Instance {
	out := make([]provider.Instance, 0, len(ids))
	for _, id := range ids {
		out = append(out, provider.Instance{ID: id, Status: provider.UpstreamStatusRunning, SpotStatus: "toReclaim"})
	}
	return out
}

func newTestScheduler(t *testing.T, opts Options, list func(context.Context, provider.InstanceFilter) ([]provider.Instance, error)) (*Scheduler, *queue.Queue) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := kv.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = store.Close() })
	q := queue.New(store, "test", queue.Options{}, nil, zap.NewNop())
	return New(&fakeFleet{listInstances: list}, q, opts, zap.NewNop()), q
}

func TestRunBatchQueuesMigrationPerCandidate(t *testing.T) {
	s, q := newTestScheduler(t, Options{Enabled: true, MaxConcurrent: 5, RetryFailed: true},
		func(_ context.Context, f provider.InstanceFilter) ([]provider.Instance, error) {
			assert.True(t, f.ReclaimedOnly)
			return reclaimed("u-1", "u-2"), nil
		})

	require.NoError(t, s.RunBatch(context.Background(), 100))

	m := s.LastTick()
	require.NotNil(t, m)
	assert.EqualValues(t, 100, m.TickBucket)
	assert.Equal(t, 2, m.CandidatesFound)
	assert.Equal(t, 2, m.Enqueued)
	assert.Equal(t, 0, m.SkippedDuplicate)

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Types[string(fleet.JobTypeMigrateInstance)].Ready)

	// The queued jobs carry high priority and the upstream id.
	j, err := q.Pop(context.Background(), fleet.JobTypeMigrateInstance)
	require.NoError(t, err)
	assert.Equal(t, fleet.PriorityHigh, j.Priority)
	var p fleet.MigrateInstancePayload
	require.NoError(t, j.DecodePayload(&p))
	assert.Contains(t, []string{"u-1", "u-2"}, p.UpstreamID)
}

func TestRunBatchSkipsDuplicates(t *testing.T) {
	s, _ := newTestScheduler(t, Options{Enabled: true, MaxConcurrent: 5, RetryFailed: true},
		func(context.Context, provider.InstanceFilter) ([]provider.Instance, error) {
			return reclaimed("u-1"), nil
		})

	ctx := context.Background()
	require.NoError(t, s.RunBatch(ctx, 100))
	require.NoError(t, s.RunBatch(ctx, 101))

	m := s.LastTick()
	require.NotNil(t, m)
	assert.Equal(t, 0, m.Enqueued)
	assert.Equal(t, 1, m.SkippedDuplicate)
}

func TestRunBatchRespectsConcurrencyBudget(t *testing.T) {
	s, q := newTestScheduler(t, Options{Enabled: true, MaxConcurrent: 2, RetryFailed: true},
		func(context.Context, provider.InstanceFilter) ([]provider.Instance, error) {
			return reclaimed("u-1", "u-2", "u-3", "u-4"), nil
		})

	require.NoError(t, s.RunBatch(context.Background(), 100))

	m := s.LastTick()
	require.NotNil(t, m)
	assert.Equal(t, 2, m.Enqueued)
	assert.Equal(t, 2, m.SkippedConcurrency)

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Types[string(fleet.JobTypeMigrateInstance)].Ready)
}

func TestRunBatchCountsInFlightMigrations(t *testing.T) {
	s, q := newTestScheduler(t, Options{Enabled: true, MaxConcurrent: 2, RetryFailed: true},
		func(context.Context, provider.InstanceFilter) ([]provider.Instance, error) {
			return reclaimed("u-2", "u-3"), nil
		})
	ctx := context.Background()

	// One migration already processing eats into the budget.
	_, _, err := q.Enqueue(ctx, fleet.JobTypeMigrateInstance, fleet.MigrateInstancePayload{UpstreamID: "u-1"})
	require.NoError(t, err)
	_, err = q.Pop(ctx, fleet.JobTypeMigrateInstance)
	require.NoError(t, err)

	require.NoError(t, s.RunBatch(ctx, 100))

	m := s.LastTick()
	require.NotNil(t, m)
	assert.Equal(t, 1, m.Enqueued)
	assert.Equal(t, 1, m.SkippedConcurrency)
}

func TestRunBatchDryRunQueuesNothing(t *testing.T) {
	s, q := newTestScheduler(t, Options{Enabled: true, MaxConcurrent: 5, DryRun: true, RetryFailed: true},
		func(context.Context, provider.InstanceFilter) ([]provider.Instance, error) {
			return reclaimed("u-1", "u-2"), nil
		})

	require.NoError(t, s.RunBatch(context.Background(), 100))

	m := s.LastTick()
	require.NotNil(t, m)
	assert.Equal(t, 2, m.Enqueued)

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.Total)
}

func TestRunBatchSingleAttemptWhenRetryDisabled(t *testing.T) {
	s, q := newTestScheduler(t, Options{Enabled: true, MaxConcurrent: 5, RetryFailed: false},
		func(context.Context, provider.InstanceFilter) ([]provider.Instance, error) {
			return reclaimed("u-1"), nil
		})

	require.NoError(t, s.RunBatch(context.Background(), 100))

	j, err := q.Pop(context.Background(), fleet.JobTypeMigrateInstance)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, 1, j.MaxAttempts)
}

func TestRunBatchPropagatesListingFailure(t *testing.T) {
	s, _ := newTestScheduler(t, Options{Enabled: true, MaxConcurrent: 5, RetryFailed: true},
		func(context.Context, provider.InstanceFilter) ([]provider.Instance, error) {
			return nil, fleet.NewError(fleet.KindUpstream5xx, "listing down")
		})

	err := s.RunBatch(context.Background(), 100)
	require.Error(t, err)

	m := s.LastTick()
	require.NotNil(t, m)
	assert.Equal(t, 1, m.ErrorsByType[string(fleet.KindUpstream5xx)])
}

func TestQueueBatchUsesTickBucketIdempotency(t *testing.T) {
	s, q := newTestScheduler(t, Options{Enabled: true, Interval: 15 * time.Minute, MaxConcurrent: 5},
		func(context.Context, provider.InstanceFilter) ([]provider.Instance, error) { return nil, nil })

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	ctx := context.Background()
	s.queueBatch(ctx)
	// Same interval, later wall clock: same bucket, no second job.
	s.now = func() time.Time { return base.Add(5 * time.Minute) }
	s.queueBatch(ctx)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Types[string(fleet.JobTypeMigrateBatch)].Ready)

	// The next interval gets its own planning job.
	s.now = func() time.Time { return base.Add(16 * time.Minute) }
	s.queueBatch(ctx)
	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Types[string(fleet.JobTypeMigrateBatch)].Ready)
}
