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

package queue

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
	"gpufleet/pkg/fleet"
)

type queueHarness struct {
	q   *Queue
	now time.Time
}

func newHarness(t *testing.T, opts Options) *queueHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	store := kv.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = store.Close() })

	h := &queueHarness{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	h.q = New(store, "test", opts, nil, zap.NewNop())
	h.q.now = func() time.Time { return h.now }
	h.q.jitter = func() time.Duration { return 0 }
	return h
}

func (h *queueHarness) advance(d time.Duration) { h.now = h.now.Add(d) }

func webhookPayload(url string) fleet.SendWebhookPayload {
	return fleet.SendWebhookPayload{URL: url, Payload: fleet.WebhookPayload{Event: fleet.WebhookEventReady}}
}

func TestPopOrdersByPriorityThenAge(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	low, _, err := h.q.Enqueue(ctx, fleet.JobTypeSendWebhook, webhookPayload("https://a"), WithPriority(fleet.PriorityLow))
	require.NoError(t, err)
	h.advance(time.Second)
	normalOld, _, err := h.q.Enqueue(ctx, fleet.JobTypeSendWebhook, webhookPayload("https://b"))
	require.NoError(t, err)
	h.advance(time.Second)
	normalNew, _, err := h.q.Enqueue(ctx, fleet.JobTypeSendWebhook, webhookPayload("https://c"))
	require.NoError(t, err)
	h.advance(time.Second)
	high, _, err := h.q.Enqueue(ctx, fleet.JobTypeSendWebhook, webhookPayload("https://d"), WithPriority(fleet.PriorityHigh))
	require.NoError(t, err)

	var got []string
	for i := 0; i < 4; i++ {
		j, err := h.q.Pop(ctx, fleet.JobTypeSendWebhook)
		require.NoError(t, err)
		require.NotNil(t, j)
		got = append(got, j.ID)
		assert.Equal(t, fleet.JobStatusProcessing, j.Status)
		assert.Equal(t, 1, j.Attempts)
	}
	assert.Equal(t, []string{high.ID, normalOld.ID, normalNew.ID, low.ID}, got)

	// Queue drained.
	j, err := h.q.Pop(ctx, fleet.JobTypeSendWebhook)
	require.NoError(t, err)
	assert.Nil(t, j)
}

func TestPopIsTypeScoped(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	_, _, err := h.q.Enqueue(ctx, fleet.JobTypeMigrateBatch, fleet.MigrateBatchPayload{TickBucket: 1})
	require.NoError(t, err)

	j, err := h.q.Pop(ctx, fleet.JobTypeSendWebhook)
	require.NoError(t, err)
	assert.Nil(t, j)

	j, err = h.q.Pop(ctx, fleet.JobTypeMigrateBatch)
	require.NoError(t, err)
	require.NotNil(t, j)
}

func TestEnqueueRejectsMismatchedPayload(t *testing.T) {
	h := newHarness(t, Options{})
	_, _, err := h.q.Enqueue(context.Background(), fleet.JobTypeCreateInstance, webhookPayload("https://x"))
	assert.Equal(t, fleet.KindValidation, fleet.KindOf(err))
}

func TestIdempotencyKeyCollapsesDuplicates(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	first, dup, err := h.q.Enqueue(ctx, fleet.JobTypeMigrateInstance,
		fleet.MigrateInstancePayload{UpstreamID: "u-1"}, WithIdempotencyKey("migrate:u-1"))
	require.NoError(t, err)
	assert.False(t, dup)

	second, dup, err := h.q.Enqueue(ctx, fleet.JobTypeMigrateInstance,
		fleet.MigrateInstancePayload{UpstreamID: "u-1"}, WithIdempotencyKey("migrate:u-1"))
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, first.ID, second.ID)

	// Only one job is actually queued.
	stats, err := h.q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Types[string(fleet.JobTypeMigrateInstance)].Ready)
}

func TestAckCompletesJob(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	_, _, err := h.q.Enqueue(ctx, fleet.JobTypeSendWebhook, webhookPayload("https://x"))
	require.NoError(t, err)
	j, err := h.q.Pop(ctx, fleet.JobTypeSendWebhook)
	require.NoError(t, err)

	require.NoError(t, h.q.Ack(ctx, j))

	got, err := h.q.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, fleet.JobStatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)

	stats, err := h.q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.Total)
}

func TestNackSchedulesRetryWithExponentialBackoff(t *testing.T) {
	h := newHarness(t, Options{BackoffBase: 5 * time.Second, BackoffCeiling: time.Minute})
	ctx := context.Background()

	_, _, err := h.q.Enqueue(ctx, fleet.JobTypeSendWebhook, webhookPayload("https://x"))
	require.NoError(t, err)

	// First failure: delay 5s.
	j, err := h.q.Pop(ctx, fleet.JobTypeSendWebhook)
	require.NoError(t, err)
	require.NoError(t, h.q.Nack(ctx, j, fleet.NewError(fleet.KindUpstream5xx, "boom")))

	got, err := h.q.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, fleet.JobStatusPending, got.Status)
	require.NotNil(t, got.NextRetryAt)
	assert.Equal(t, h.now.Add(5*time.Second), *got.NextRetryAt)

	// Not due yet.
	n, err := h.q.PromoteDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	h.advance(6 * time.Second)
	n, err = h.q.PromoteDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Second failure: delay doubles to 10s.
	j, err = h.q.Pop(ctx, fleet.JobTypeSendWebhook)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, 2, j.Attempts)
	require.NoError(t, h.q.Nack(ctx, j, fleet.NewError(fleet.KindUpstream5xx, "boom")))

	got, err = h.q.GetJob(ctx, j.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRetryAt)
	assert.Equal(t, h.now.Add(10*time.Second), *got.NextRetryAt)
}

func TestRetryDelayHonorsRetryAfterHint(t *testing.T) {
	h := newHarness(t, Options{BackoffBase: time.Second, BackoffCeiling: time.Minute})
	ctx := context.Background()

	_, _, err := h.q.Enqueue(ctx, fleet.JobTypeSendWebhook, webhookPayload("https://x"))
	require.NoError(t, err)
	j, err := h.q.Pop(ctx, fleet.JobTypeSendWebhook)
	require.NoError(t, err)

	cause := fleet.NewError(fleet.KindRateLimit, "slow down")
	cause.RetryAfter = 30 * time.Second
	require.NoError(t, h.q.Nack(ctx, j, cause))

	got, err := h.q.GetJob(ctx, j.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRetryAt)
	assert.Equal(t, h.now.Add(30*time.Second), *got.NextRetryAt)
}

func TestNonRetryableFailureIsTerminal(t *testing.T) {
	h := newHarness(t, Options{DefaultMaxAttempts: 5})
	ctx := context.Background()

	_, _, err := h.q.Enqueue(ctx, fleet.JobTypeSendWebhook, webhookPayload("https://x"))
	require.NoError(t, err)
	j, err := h.q.Pop(ctx, fleet.JobTypeSendWebhook)
	require.NoError(t, err)

	require.NoError(t, h.q.Nack(ctx, j, fleet.NewError(fleet.KindValidation, "bad payload")))

	got, err := h.q.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, fleet.JobStatusFailed, got.Status)
	assert.Contains(t, got.Error, "bad payload")

	stats, err := h.q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.Total)
}

func TestAttemptBudgetExhaustionFailsJob(t *testing.T) {
	h := newHarness(t, Options{DefaultMaxAttempts: 2, BackoffBase: time.Second})
	ctx := context.Background()

	_, _, err := h.q.Enqueue(ctx, fleet.JobTypeSendWebhook, webhookPayload("https://x"))
	require.NoError(t, err)

	for attempt := 1; attempt <= 2; attempt++ {
		j, err := h.q.Pop(ctx, fleet.JobTypeSendWebhook)
		require.NoError(t, err)
		require.NotNil(t, j, "attempt %d", attempt)
		require.NoError(t, h.q.Nack(ctx, j, fleet.NewError(fleet.KindNetwork, "flaky")))
		h.advance(time.Minute)
		_, err = h.q.PromoteDue(ctx)
		require.NoError(t, err)
	}

	// Second nack exhausted the budget: nothing left to pop.
	j, err := h.q.Pop(ctx, fleet.JobTypeSendWebhook)
	require.NoError(t, err)
	assert.Nil(t, j)
}

func TestReclaimExpiredLeases(t *testing.T) {
	h := newHarness(t, Options{LeaseTTL: time.Minute, DefaultMaxAttempts: 3})
	ctx := context.Background()

	_, _, err := h.q.Enqueue(ctx, fleet.JobTypeSendWebhook, webhookPayload("https://x"))
	require.NoError(t, err)
	j, err := h.q.Pop(ctx, fleet.JobTypeSendWebhook)
	require.NoError(t, err)

	// Lease still live: nothing reclaimed.
	n, err := h.q.ReclaimExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	h.advance(2 * time.Minute)
	n, err = h.q.ReclaimExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := h.q.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, fleet.JobStatusPending, got.Status)
	assert.Contains(t, got.Error, "lease expired")
}

func TestRecoverProcessingRequeuesEverything(t *testing.T) {
	h := newHarness(t, Options{LeaseTTL: time.Hour})
	ctx := context.Background()

	_, _, err := h.q.Enqueue(ctx, fleet.JobTypeSendWebhook, webhookPayload("https://x"))
	require.NoError(t, err)
	_, err = h.q.Pop(ctx, fleet.JobTypeSendWebhook)
	require.NoError(t, err)

	// The lease is nowhere near expiry, but a restart recovers it anyway.
	n, err := h.q.RecoverProcessing(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWithDelayHoldsJobUntilDue(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	_, _, err := h.q.Enqueue(ctx, fleet.JobTypeMonitorInstance,
		fleet.MonitorPayload{InstanceID: "i-1", UpstreamID: "u-1"}, WithDelay(30*time.Second))
	require.NoError(t, err)

	j, err := h.q.Pop(ctx, fleet.JobTypeMonitorInstance)
	require.NoError(t, err)
	assert.Nil(t, j)

	h.advance(31 * time.Second)
	n, err := h.q.PromoteDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	j, err = h.q.Pop(ctx, fleet.JobTypeMonitorInstance)
	require.NoError(t, err)
	require.NotNil(t, j)
}

func TestPauseMasksPop(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	_, _, err := h.q.Enqueue(ctx, fleet.JobTypeSendWebhook, webhookPayload("https://x"))
	require.NoError(t, err)

	h.q.Pause(fleet.JobTypeSendWebhook)
	j, err := h.q.Pop(ctx, fleet.JobTypeSendWebhook)
	require.NoError(t, err)
	assert.Nil(t, j)

	h.q.Resume(fleet.JobTypeSendWebhook)
	j, err = h.q.Pop(ctx, fleet.JobTypeSendWebhook)
	require.NoError(t, err)
	assert.NotNil(t, j)
}

func TestEventTrailRecordsLifecycle(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	_, _, err := h.q.Enqueue(ctx, fleet.JobTypeSendWebhook, webhookPayload("https://x"))
	require.NoError(t, err)
	j, err := h.q.Pop(ctx, fleet.JobTypeSendWebhook)
	require.NoError(t, err)
	require.NoError(t, h.q.Ack(ctx, j))

	events, err := h.q.Events(ctx, j.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	// Newest first.
	assert.Equal(t, "completed", events[0].Message)
	assert.Equal(t, "processing started", events[1].Message)
	assert.Equal(t, "enqueued", events[2].Message)
}

func TestStatsCountsPerState(t *testing.T) {
	h := newHarness(t, Options{BackoffBase: time.Minute})
	ctx := context.Background()

	_, _, err := h.q.Enqueue(ctx, fleet.JobTypeSendWebhook, webhookPayload("https://a"))
	require.NoError(t, err)
	_, _, err = h.q.Enqueue(ctx, fleet.JobTypeSendWebhook, webhookPayload("https://b"))
	require.NoError(t, err)
	_, err = h.q.Pop(ctx, fleet.JobTypeSendWebhook)
	require.NoError(t, err)

	stats, err := h.q.Stats(ctx)
	require.NoError(t, err)
	ts := stats.Types[string(fleet.JobTypeSendWebhook)]
	assert.EqualValues(t, 1, ts.Ready)
	assert.EqualValues(t, 1, ts.Processing)
	assert.EqualValues(t, 0, ts.Scheduled)
	assert.EqualValues(t, 2, stats.Total)
}
