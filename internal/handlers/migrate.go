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

package handlers

import (
	"context"
	"time"

	"go.uber.org/zap"

	"gpufleet/internal/queue"
	"gpufleet/internal/worker"
	"gpufleet/pkg/fleet"
)

// MigrateBatch runs one planning pass of the migration scheduler. The pool
// caps this type at one in-flight job, and the tick bucket in the payload
// de-duplicates planners queued by overlapping processes.
type MigrateBatch struct {
	d Deps
}

// NewMigrateBatch builds the handler.
func NewMigrateBatch(d Deps) worker.Handler { return &MigrateBatch{d: d} }

func (h *MigrateBatch) Handle(ctx context.Context, job *fleet.Job) error {
	var p fleet.MigrateBatchPayload
	if err := job.DecodePayload(&p); err != nil {
		return err
	}
	if h.d.Planner == nil {
		return nil
	}
	return h.d.Planner.RunBatch(ctx, p.TickBucket)
}

// MigrateInstance asks the provider to replace one spot-reclaimed instance
// and rewires the local record onto the replacement.
type MigrateInstance struct {
	d Deps
}

// NewMigrateInstance builds the handler.
func NewMigrateInstance(d Deps) worker.Handler { return &MigrateInstance{d: d} }

func (h *MigrateInstance) Handle(ctx context.Context, job *fleet.Job) error {
	var p fleet.MigrateInstancePayload
	if err := job.DecodePayload(&p); err != nil {
		return err
	}

	local := h.findLocal(ctx, p.UpstreamID)
	if local != nil {
		if _, err := h.d.State.Transition(ctx, local.ID, fleet.InstanceStatusMigrating, nil); err != nil {
			return err
		}
	}

	res, err := h.d.Provider.MigrateInstance(ctx, p.UpstreamID)
	if err != nil {
		if local != nil && lastAttempt(job, err) {
			failInstance(ctx, h.d, local.ID, local.WebhookURL, err)
			return nil
		}
		return err
	}

	h.d.Logger.Info("instance migrated",
		zap.String("oldUpstreamId", p.UpstreamID),
		zap.String("newUpstreamId", res.NewInstanceID),
		zap.String("reason", p.Reason))

	if local == nil {
		// Upstream-only instance; nothing to rewire.
		return nil
	}

	// The old machine is gone; walk the record back to STARTING against
	// the replacement and let the startup monitor take it from there.
	if _, err := h.d.State.Transition(ctx, local.ID, fleet.InstanceStatusExited, nil); err != nil {
		return err
	}
	st, err := h.d.State.Transition(ctx, local.ID, fleet.InstanceStatusStarting, func(rec *fleet.InstanceState) {
		rec.UpstreamID = res.NewInstanceID
		rec.Connection = nil
		rec.HealthCheck = nil
		rec.ReadyAt = nil
	})
	if err != nil {
		return err
	}

	notify(ctx, h.d, fleet.WebhookEventMigrated, st, map[string]any{
		"oldUpstreamId": p.UpstreamID,
		"newUpstreamId": res.NewInstanceID,
		"reason":        p.Reason,
	})

	_, _, err = h.d.Queue.Enqueue(ctx, fleet.JobTypeMonitorStartup, fleet.MonitorPayload{
		InstanceID: st.ID,
		UpstreamID: res.NewInstanceID,
		WebhookURL: st.WebhookURL,
		StartTime:  time.Now().UTC(),
		MaxWaitMs:  h.d.StartupMaxWait.Milliseconds(),
	}, queue.WithIdempotencyKey("monitor-startup:"+st.ID+":"+res.NewInstanceID))
	return err
}

// findLocal resolves the local record shadowing an upstream id, or nil.
func (h *MigrateInstance) findLocal(ctx context.Context, upstreamID string) *fleet.InstanceState {
	all, err := h.d.State.List(ctx)
	if err != nil {
		h.d.Logger.Warn("could not scan local records for migration", zap.Error(err))
		return nil
	}
	for i := range all {
		if all[i].UpstreamID == upstreamID {
			return &all[i]
		}
	}
	return nil
}
