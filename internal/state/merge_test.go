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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gpufleet/internal/provider"
	"gpufleet/pkg/fleet"
)

// fakeProvider implements the upstream client for listing tests. Methods not
// assigned panic through the embedded nil interface.
type fakeProvider struct {
	provider.Client
	listInstances func(ctx context.Context, f provider.InstanceFilter) ([]provider.Instance, error)
}

func (f *fakeProvider) ListInstances(ctx context.Context, fl provider.InstanceFilter) ([]provider.Instance, error) {
	return f.listInstances(ctx, fl)
}

func newTestLister(t *testing.T, s *Store, list func(context.Context, provider.InstanceFilter) ([]provider.Instance, error)) *Lister {
	t.Helper()
	return NewLister(s, &fakeProvider{listInstances: list}, zap.NewNop())
}

func TestListComprehensiveMergesByUpstreamID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seed(t, s, "i-1", "train-a", fleet.InstanceStatusReady)
	_, err := s.Update(ctx, "i-1", func(rec *fleet.InstanceState) { rec.UpstreamID = "u-1" })
	require.NoError(t, err)

	l := newTestLister(t, s, func(context.Context, provider.InstanceFilter) ([]provider.Instance, error) {
		return []provider.Instance{{
			ID: "u-1", Name: "train-a", Status: provider.UpstreamStatusRunning,
			SSHCommand: "ssh root@gpu-1",
		}}, nil
	})

	res, err := l.ListComprehensive(ctx, ListOptions{})
	require.NoError(t, err)
	rows := res.Instances
	require.Len(t, rows, 1)
	assert.Equal(t, "i-1", rows[0].ID)
	assert.Equal(t, provider.UpstreamStatusRunning, rows[0].UpstreamStatus)
	require.NotNil(t, rows[0].Connection)
	assert.Equal(t, "ssh root@gpu-1", rows[0].Connection.SSH)
	assert.False(t, rows[0].UpstreamOnly)
	assert.False(t, rows[0].LocalOnly)
	assert.Equal(t, ListCounts{Local: 1, Upstream: 1, Merged: 1}, res.Counts)
	assert.False(t, res.Performance.CacheHit)
}

func TestListComprehensiveIncludesUpstreamOnlyRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	l := newTestLister(t, s, func(context.Context, provider.InstanceFilter) ([]provider.Instance, error) {
		return []provider.Instance{{ID: "u-stray", Name: "stray", Status: provider.UpstreamStatusRunning}}, nil
	})

	res, err := l.ListComprehensive(ctx, ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Instances)
	assert.Equal(t, ListCounts{Local: 0, Upstream: 1, Merged: 0}, res.Counts)

	res, err = l.ListComprehensive(ctx, ListOptions{IncludeUpstreamOnly: true})
	require.NoError(t, err)
	require.Len(t, res.Instances, 1)
	assert.True(t, res.Instances[0].UpstreamOnly)
	assert.Equal(t, "u-stray", res.Instances[0].UpstreamID)
	assert.Equal(t, ListCounts{Local: 0, Upstream: 1, Merged: 1}, res.Counts)
}

func TestListComprehensiveFallsBackToLocal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seed(t, s, "i-1", "train-a", fleet.InstanceStatusReady)

	l := newTestLister(t, s, func(context.Context, provider.InstanceFilter) ([]provider.Instance, error) {
		return nil, fleet.NewError(fleet.KindCircuitOpen, "breaker open")
	})

	_, err := l.ListComprehensive(ctx, ListOptions{})
	assert.Equal(t, fleet.KindCircuitOpen, fleet.KindOf(err))

	res, err := l.ListComprehensive(ctx, ListOptions{FallbackToLocal: true})
	require.NoError(t, err)
	require.Len(t, res.Instances, 1)
	assert.True(t, res.Instances[0].LocalOnly)
	// The upstream side contributed nothing.
	assert.Equal(t, ListCounts{Local: 1, Upstream: 0, Merged: 1}, res.Counts)
}

func TestListComprehensiveReconcilesVanishedUpstream(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seed(t, s, "i-1", "train-a", fleet.InstanceStatusReady)
	_, err := s.Update(ctx, "i-1", func(rec *fleet.InstanceState) { rec.UpstreamID = "u-1" })
	require.NoError(t, err)

	l := newTestLister(t, s, func(context.Context, provider.InstanceFilter) ([]provider.Instance, error) {
		return []provider.Instance{{ID: "u-1", Name: "train-a", Status: provider.UpstreamStatusExited}}, nil
	})

	res, err := l.ListComprehensive(ctx, ListOptions{SyncLocalState: true})
	require.NoError(t, err)
	require.Len(t, res.Instances, 1)
	assert.Equal(t, fleet.InstanceStatusExited, res.Instances[0].Status)

	st, err := s.Get(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, fleet.InstanceStatusExited, st.Status)
}

func TestListComprehensiveSyncOffLeavesRecordsAlone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seed(t, s, "i-1", "train-a", fleet.InstanceStatusReady)
	_, err := s.Update(ctx, "i-1", func(rec *fleet.InstanceState) { rec.UpstreamID = "u-1" })
	require.NoError(t, err)

	l := newTestLister(t, s, func(context.Context, provider.InstanceFilter) ([]provider.Instance, error) {
		return []provider.Instance{{ID: "u-1", Name: "train-a", Status: provider.UpstreamStatusExited}}, nil
	})

	res, err := l.ListComprehensive(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, res.Instances, 1)
	// The row still reports what the provider said, but the record keeps
	// its local status.
	assert.Equal(t, provider.UpstreamStatusExited, res.Instances[0].UpstreamStatus)

	st, err := s.Get(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, fleet.InstanceStatusReady, st.Status)
}

func TestListComprehensiveMarksFailedUpstream(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seed(t, s, "i-1", "train-a", fleet.InstanceStatusStarting)
	_, err := s.Update(ctx, "i-1", func(rec *fleet.InstanceState) { rec.UpstreamID = "u-1" })
	require.NoError(t, err)

	l := newTestLister(t, s, func(context.Context, provider.InstanceFilter) ([]provider.Instance, error) {
		return []provider.Instance{{ID: "u-1", Name: "train-a", Status: provider.UpstreamStatusFailed}}, nil
	})

	res, err := l.ListComprehensive(ctx, ListOptions{SyncLocalState: true})
	require.NoError(t, err)
	require.Len(t, res.Instances, 1)
	assert.Equal(t, fleet.InstanceStatusFailed, res.Instances[0].Status)
	assert.Contains(t, res.Instances[0].LastError, "provider reports instance")
}

func TestListComprehensiveCachesUntilWrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	calls := 0
	l := newTestLister(t, s, func(context.Context, provider.InstanceFilter) ([]provider.Instance, error) {
		calls++
		return nil, nil
	})

	res, err := l.ListComprehensive(ctx, ListOptions{})
	require.NoError(t, err)
	assert.False(t, res.Performance.CacheHit)
	res, err = l.ListComprehensive(ctx, ListOptions{})
	require.NoError(t, err)
	assert.True(t, res.Performance.CacheHit)
	assert.Equal(t, 1, calls)

	// A state write drops the cached listing.
	seed(t, s, "i-1", "train-a", fleet.InstanceStatusCreating)
	res, err = l.ListComprehensive(ctx, ListOptions{})
	require.NoError(t, err)
	assert.False(t, res.Performance.CacheHit)
	assert.Equal(t, 2, calls)
}
