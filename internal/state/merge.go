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
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gpufleet/internal/provider"
	"gpufleet/pkg/fleet"
)

// ListOptions shape one comprehensive listing.
type ListOptions struct {
	// IncludeUpstreamOnly adds rows the provider reports but the local
	// store does not track.
	IncludeUpstreamOnly bool

	// FallbackToLocal serves local records alone when the provider call
	// fails, instead of failing the listing.
	FallbackToLocal bool

	// SyncLocalState persists authoritative provider lifecycle facts back
	// into local records during the merge. Off, the listing is read-only.
	SyncLocalState bool
}

// cacheKey distinguishes listings whose options change the result set.
func (o ListOptions) cacheKey() string {
	k := "all"
	if o.IncludeUpstreamOnly {
		k += "+upstream"
	}
	if o.SyncLocalState {
		k += "+sync"
	}
	return k
}

// ListCounts sizes the three inputs of a merged listing.
type ListCounts struct {
	Local    int `json:"local"`
	Upstream int `json:"upstream"`
	Merged   int `json:"merged"`
}

// ListPerformance reports where a listing's time went.
type ListPerformance struct {
	TotalMs    int64 `json:"totalMs"`
	LocalMs    int64 `json:"localMs"`
	UpstreamMs int64 `json:"upstreamMs"`
	CacheHit   bool  `json:"cacheHit"`
}

// ListResult is the comprehensive listing with its shape and cost.
type ListResult struct {
	Instances   []fleet.MergedInstance `json:"instances"`
	Counts      ListCounts             `json:"counts"`
	Performance ListPerformance        `json:"performance"`
}

// Lister produces the merged local-plus-upstream instance view.
type Lister struct {
	store  *Store
	client provider.Client
	logger *zap.Logger
}

// NewLister wires the lister.
func NewLister(store *Store, client provider.Client, logger *zap.Logger) *Lister {
	return &Lister{
		store:  store,
		client: client,
		logger: logger.With(zap.String("component", "state")),
	}
}

// ListComprehensive fetches local records and the provider listing
// concurrently, merges them by upstream id, and, when SyncLocalState is
// set, reconciles local lifecycle state against what the provider reports.
// Results are cached; any state write invalidates the cache.
func (l *Lister) ListComprehensive(ctx context.Context, opts ListOptions) (*ListResult, error) {
	start := time.Now()
	cacheKey := opts.cacheKey()
	if v, ok := l.store.merged.Get(cacheKey); ok {
		cached := v.(ListResult)
		cached.Performance.CacheHit = true
		cached.Performance.TotalMs = time.Since(start).Milliseconds()
		return &cached, nil
	}

	var (
		local      []fleet.InstanceState
		upstream   []provider.Instance
		upErr      error
		localMs    int64
		upstreamMs int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t := time.Now()
		var err error
		local, err = l.store.List(gctx)
		localMs = time.Since(t).Milliseconds()
		return err
	})
	g.Go(func() error {
		// Provider failure is handled after the join so fallback can
		// apply; only the local read is fatal here.
		t := time.Now()
		upstream, upErr = l.client.ListInstances(gctx, provider.InstanceFilter{})
		upstreamMs = time.Since(t).Milliseconds()
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	perf := func() ListPerformance {
		return ListPerformance{
			TotalMs:    time.Since(start).Milliseconds(),
			LocalMs:    localMs,
			UpstreamMs: upstreamMs,
		}
	}

	if upErr != nil {
		if !opts.FallbackToLocal {
			return nil, upErr
		}
		l.logger.Warn("provider listing failed; serving local records only", zap.Error(upErr))
		out := make([]fleet.MergedInstance, 0, len(local))
		for _, st := range local {
			out = append(out, fleet.MergedInstance{InstanceState: st, LocalOnly: true})
		}
		sortMerged(out)
		return &ListResult{
			Instances:   out,
			Counts:      ListCounts{Local: len(local), Merged: len(out)},
			Performance: perf(),
		}, nil
	}

	byUpstreamID := make(map[string]provider.Instance, len(upstream))
	for _, ui := range upstream {
		byUpstreamID[ui.ID] = ui
	}

	out := make([]fleet.MergedInstance, 0, len(local)+len(upstream))
	seen := make(map[string]bool, len(local))
	for _, st := range local {
		row := fleet.MergedInstance{InstanceState: st}
		if ui, ok := byUpstreamID[st.UpstreamID]; ok && st.UpstreamID != "" {
			seen[st.UpstreamID] = true
			row.UpstreamStatus = ui.Status
			row.Connection = connectionFrom(ui)
			if opts.SyncLocalState {
				if reconciled := l.syncLocalState(ctx, &st, ui); reconciled != nil {
					row.InstanceState = *reconciled
				}
			}
		}
		out = append(out, row)
	}

	if opts.IncludeUpstreamOnly {
		for _, ui := range upstream {
			if seen[ui.ID] {
				continue
			}
			out = append(out, fleet.MergedInstance{
				InstanceState: fleet.InstanceState{
					ID:         ui.ID,
					UpstreamID: ui.ID,
					Name:       ui.Name,
					ProductID:  ui.ProductID,
					Region:     ui.Region,
					GPUNum:     ui.GPUNum,
					RootfsSize: ui.RootfsSize,
					CreatedAt:  ui.CreatedAt,
					Ports:      ui.Ports,
					Connection: connectionFrom(ui),
				},
				UpstreamStatus: ui.Status,
				UpstreamOnly:   true,
			})
		}
	}

	sortMerged(out)
	res := ListResult{
		Instances: out,
		Counts: ListCounts{
			Local:    len(local),
			Upstream: len(upstream),
			Merged:   len(out),
		},
		Performance: perf(),
	}
	l.store.merged.Set(cacheKey, res, 0)
	return &res, nil
}

// syncLocalState folds an authoritative provider lifecycle fact back into
// the local record: a vanished or exited upstream instance must not stay
// READY locally. Returns the updated record, or nil when nothing changed.
func (l *Lister) syncLocalState(ctx context.Context, st *fleet.InstanceState, ui provider.Instance) *fleet.InstanceState {
	var (
		updated *fleet.InstanceState
		err     error
	)
	switch ui.Status {
	case provider.UpstreamStatusExited, provider.UpstreamStatusRemoved:
		if st.Status != fleet.InstanceStatusReady && st.Status != fleet.InstanceStatusStopping {
			return nil
		}
		updated, err = l.store.ForceExited(ctx, st.ID)
	case provider.UpstreamStatusFailed:
		if st.Status.Terminal() {
			return nil
		}
		updated, err = l.store.Transition(ctx, st.ID, fleet.InstanceStatusFailed, func(rec *fleet.InstanceState) {
			rec.LastError = "provider reports instance " + ui.Status
		})
	default:
		return nil
	}
	if err != nil {
		l.logger.Warn("listing reconciliation failed",
			zap.String("instanceId", st.ID),
			zap.String("upstreamStatus", ui.Status),
			zap.Error(err))
		return nil
	}
	return updated
}

func connectionFrom(ui provider.Instance) *fleet.ConnectionInfo {
	if ui.SSHCommand == "" && ui.JupyterURL == "" && ui.WebTerminalURL == "" {
		return nil
	}
	return &fleet.ConnectionInfo{
		SSH:         ui.SSHCommand,
		Jupyter:     ui.JupyterURL,
		WebTerminal: ui.WebTerminalURL,
	}
}

func sortMerged(rows []fleet.MergedInstance) {
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.After(rows[j].CreatedAt)
		}
		return rows[i].ID < rows[j].ID
	})
}
