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

package state

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gpufleet/internal/cache"
	"gpufleet/internal/kv"
	"gpufleet/pkg/fleet"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	kvs := kv.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = kvs.Close() })
	return New(kvs, "test", cache.NewRegistry(nil), time.Minute, zap.NewNop())
}

func seed(t *testing.T, s *Store, id, name string, status fleet.InstanceStatus) *fleet.InstanceState {
	t.Helper()
	st := &fleet.InstanceState{ID: id, Name: name, Status: fleet.InstanceStatusCreating}
	require.NoError(t, s.Create(context.Background(), st))
	// Walk the record to the requested status through the lifecycle table.
	path := map[fleet.InstanceStatus][]fleet.InstanceStatus{
		fleet.InstanceStatusCreating:       nil,
		fleet.InstanceStatusStarting:       {fleet.InstanceStatusStarting},
		fleet.InstanceStatusHealthChecking: {fleet.InstanceStatusStarting, fleet.InstanceStatusHealthChecking},
		fleet.InstanceStatusReady:          {fleet.InstanceStatusStarting, fleet.InstanceStatusHealthChecking, fleet.InstanceStatusReady},
		fleet.InstanceStatusStopping:       {fleet.InstanceStatusStarting, fleet.InstanceStatusHealthChecking, fleet.InstanceStatusReady, fleet.InstanceStatusStopping},
		fleet.InstanceStatusExited:         {fleet.InstanceStatusStarting, fleet.InstanceStatusHealthChecking, fleet.InstanceStatusReady, fleet.InstanceStatusStopping, fleet.InstanceStatusExited},
	}
	for _, next := range path[status] {
		var err error
		st, err = s.Transition(context.Background(), id, next, nil)
		require.NoError(t, err)
	}
	return st
}

func TestCreateClaimsName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &fleet.InstanceState{
		ID: "i-1", Name: "train-a", Status: fleet.InstanceStatusCreating,
	}))

	err := s.Create(ctx, &fleet.InstanceState{
		ID: "i-2", Name: "train-a", Status: fleet.InstanceStatusCreating,
	})
	assert.Equal(t, fleet.KindConflict, fleet.KindOf(err))
}

func TestCreateRejectsBadName(t *testing.T) {
	s := newTestStore(t)
	err := s.Create(context.Background(), &fleet.InstanceState{
		ID: "i-1", Name: "Bad Name!", Status: fleet.InstanceStatusCreating,
	})
	assert.Equal(t, fleet.KindValidation, fleet.KindOf(err))
}

func TestResolveByIDOrName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seed(t, s, "i-1", "train-a", fleet.InstanceStatusCreating)

	byID, err := s.Resolve(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, "train-a", byID.Name)

	byName, err := s.Resolve(ctx, "train-a")
	require.NoError(t, err)
	assert.Equal(t, "i-1", byName.ID)

	_, err = s.Resolve(ctx, "nope")
	assert.True(t, fleet.IsNotFound(err))
}

func TestTransitionMaintainsTimestamps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seed(t, s, "i-1", "train-a", fleet.InstanceStatusCreating)

	st, err := s.Transition(ctx, "i-1", fleet.InstanceStatusStarting, nil)
	require.NoError(t, err)
	assert.NotNil(t, st.StartedAt)

	_, err = s.Transition(ctx, "i-1", fleet.InstanceStatusHealthChecking, nil)
	require.NoError(t, err)
	st, err = s.Transition(ctx, "i-1", fleet.InstanceStatusReady, func(rec *fleet.InstanceState) {
		rec.Connection = &fleet.ConnectionInfo{SSH: "ssh root@host"}
	})
	require.NoError(t, err)
	assert.NotNil(t, st.ReadyAt)
	assert.Empty(t, st.LastError)
	require.NotNil(t, st.Connection)
	assert.Equal(t, "ssh root@host", st.Connection.SSH)
}

func TestTransitionRejectsIllegalMove(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "i-1", "train-a", fleet.InstanceStatusCreating)

	_, err := s.Transition(context.Background(), "i-1", fleet.InstanceStatusReady, nil)
	assert.Equal(t, fleet.KindInvalidTransition, fleet.KindOf(err))

	// The record is untouched.
	st, err := s.Get(context.Background(), "i-1")
	require.NoError(t, err)
	assert.Equal(t, fleet.InstanceStatusCreating, st.Status)
}

func TestUpdateRejectsStatusWrites(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "i-1", "train-a", fleet.InstanceStatusCreating)

	_, err := s.Update(context.Background(), "i-1", func(rec *fleet.InstanceState) {
		rec.Status = fleet.InstanceStatusReady
	})
	assert.Equal(t, fleet.KindInvalidTransition, fleet.KindOf(err))

	st, err := s.Update(context.Background(), "i-1", func(rec *fleet.InstanceState) {
		rec.UpstreamID = "u-1"
	})
	require.NoError(t, err)
	assert.Equal(t, "u-1", st.UpstreamID)
}

func TestForceExitedWalksThroughStopping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seed(t, s, "i-1", "train-a", fleet.InstanceStatusReady)

	st, err := s.ForceExited(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, fleet.InstanceStatusExited, st.Status)
	assert.NotNil(t, st.StoppedAt)

	// Already exited is a no-op.
	st, err = s.ForceExited(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, fleet.InstanceStatusExited, st.Status)
}

func TestDeleteReleasesName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seed(t, s, "i-1", "train-a", fleet.InstanceStatusCreating)

	require.NoError(t, s.Delete(ctx, "i-1"))
	_, err := s.Get(ctx, "i-1")
	assert.True(t, fleet.IsNotFound(err))

	// The name is free again.
	require.NoError(t, s.Create(ctx, &fleet.InstanceState{
		ID: "i-2", Name: "train-a", Status: fleet.InstanceStatusCreating,
	}))

	// Deleting a missing record is not an error.
	require.NoError(t, s.Delete(ctx, "i-1"))
}

func TestListReturnsAllRecords(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "i-1", "train-a", fleet.InstanceStatusCreating)
	seed(t, s, "i-2", "train-b", fleet.InstanceStatusStarting)

	all, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestGetServesCachedRecordAfterWrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seed(t, s, "i-1", "train-a", fleet.InstanceStatusCreating)

	first, err := s.Get(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, fleet.InstanceStatusCreating, first.Status)

	// A write invalidates the read cache, so the next Get sees the new
	// status rather than the cached record.
	_, err = s.Transition(ctx, "i-1", fleet.InstanceStatusStarting, nil)
	require.NoError(t, err)
	second, err := s.Get(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, fleet.InstanceStatusStarting, second.Status)
}
