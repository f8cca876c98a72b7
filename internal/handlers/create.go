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

	"gpufleet/internal/provider"
	"gpufleet/internal/queue"
	"gpufleet/internal/worker"
	"gpufleet/pkg/fleet"
)

// CreateInstance provisions the upstream instance for a CREATING record,
// starts it, and hands off to the startup monitor.
type CreateInstance struct {
	d Deps
}

// NewCreateInstance builds the handler.
func NewCreateInstance(d Deps) worker.Handler { return &CreateInstance{d: d} }

func (h *CreateInstance) Handle(ctx context.Context, job *fleet.Job) error {
	var p fleet.CreateInstancePayload
	if err := job.DecodePayload(&p); err != nil {
		return err
	}

	st, err := h.d.State.Get(ctx, p.InstanceID)
	if err != nil {
		return err
	}
	if st.Status != fleet.InstanceStatusCreating {
		// A retried job may find the work already done.
		h.d.Logger.Debug("create skipped; instance already progressed",
			zap.String("instanceId", p.InstanceID),
			zap.String("status", string(st.Status)))
		return nil
	}

	ui, err := h.findOrCreate(ctx, job, &p)
	if err != nil {
		return h.fail(ctx, job, &p, err)
	}

	if _, err := h.d.State.Update(ctx, p.InstanceID, func(rec *fleet.InstanceState) {
		rec.UpstreamID = ui.ID
		rec.Connection = connectionFrom(ui)
	}); err != nil {
		return err
	}

	if err := h.d.Provider.StartInstance(ctx, ui.ID); err != nil {
		return h.fail(ctx, job, &p, err)
	}
	if _, err := h.d.State.Transition(ctx, p.InstanceID, fleet.InstanceStatusStarting, nil); err != nil {
		return err
	}

	_, _, err = h.d.Queue.Enqueue(ctx, fleet.JobTypeMonitorStartup, fleet.MonitorPayload{
		InstanceID: p.InstanceID,
		UpstreamID: ui.ID,
		WebhookURL: p.WebhookURL,
		StartTime:  time.Now().UTC(),
		MaxWaitMs:  h.d.StartupMaxWait.Milliseconds(),
	}, queue.WithIdempotencyKey("monitor-startup:"+p.InstanceID+":"+ui.ID))
	return err
}

// findOrCreate asks the upstream for an instance with our name before
// creating one, so a retried job after a timed-out create does not
// provision twice.
func (h *CreateInstance) findOrCreate(ctx context.Context, job *fleet.Job, p *fleet.CreateInstancePayload) (*provider.Instance, error) {
	if job.Attempts > 1 {
		existing, err := h.d.Provider.ListInstances(ctx, provider.InstanceFilter{Name: p.Name})
		if err == nil && len(existing) > 0 {
			h.d.Logger.Info("reusing upstream instance from earlier attempt",
				zap.String("instanceId", p.InstanceID),
				zap.String("upstreamId", existing[0].ID))
			return &existing[0], nil
		}
	}
	return h.d.Provider.CreateInstance(ctx, provider.CreateInstanceRequest{
		Name:       p.Name,
		ProductID:  p.ProductID,
		GPUNum:     p.GPUNum,
		RootfsSize: p.RootfsSize,
		ImageURL:   p.TemplateConfig.ImageURL,
		ImageAuth:  p.TemplateConfig.ImageAuth,
		Ports:      p.TemplateConfig.Ports,
		Envs:       p.TemplateConfig.Envs,
	})
}

// fail marks the instance failed when the attempt budget is gone, and
// always reports the error to the queue.
func (h *CreateInstance) fail(ctx context.Context, job *fleet.Job, p *fleet.CreateInstancePayload, err error) error {
	if lastAttempt(job, err) {
		failInstance(ctx, h.d, p.InstanceID, p.WebhookURL, err)
	}
	return err
}
