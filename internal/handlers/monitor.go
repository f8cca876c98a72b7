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

// MonitorStartup polls a just-started instance until the provider reports
// it running, then hands off to the readiness prober. Each poll is its own
// job; the cadence comes from delayed re-enqueues, not retry attempts.
type MonitorStartup struct {
	d Deps
}

// NewMonitorStartup builds the handler.
func NewMonitorStartup(d Deps) worker.Handler { return &MonitorStartup{d: d} }

func (h *MonitorStartup) Handle(ctx context.Context, job *fleet.Job) error {
	var p fleet.MonitorPayload
	if err := job.DecodePayload(&p); err != nil {
		return err
	}

	st, err := h.d.State.Get(ctx, p.InstanceID)
	if err != nil {
		if fleet.IsNotFound(err) {
			return nil
		}
		return err
	}
	if st.Status != fleet.InstanceStatusStarting {
		// Another path (stop, failure, migration) took over.
		return nil
	}

	ui, err := h.d.Provider.GetInstance(ctx, p.UpstreamID)
	if err != nil {
		if fleet.IsNotFound(err) {
			failInstance(ctx, h.d, p.InstanceID, p.WebhookURL,
				fleet.Errorf(fleet.KindUpstream4xx, "upstream instance %s vanished during startup", p.UpstreamID))
			return nil
		}
		return h.failIfExhausted(ctx, job, &p, err)
	}

	switch ui.Status {
	case provider.UpstreamStatusRunning:
		return h.beginHealthCheck(ctx, &p, ui)
	case provider.UpstreamStatusExited, provider.UpstreamStatusRemoved, provider.UpstreamStatusFailed:
		failInstance(ctx, h.d, p.InstanceID, p.WebhookURL,
			fleet.Errorf(fleet.KindUpstream4xx, "upstream instance %s reached %s during startup", p.UpstreamID, ui.Status))
		return nil
	default:
		// Still creating or pulling the image.
		if h.expired(&p) {
			failInstance(ctx, h.d, p.InstanceID, p.WebhookURL,
				fleet.Errorf(fleet.KindTimeout, "instance did not start within %s", time.Duration(p.MaxWaitMs)*time.Millisecond))
			return nil
		}
		return h.reschedule(ctx, &p)
	}
}

func (h *MonitorStartup) expired(p *fleet.MonitorPayload) bool {
	if p.MaxWaitMs <= 0 {
		return false
	}
	return time.Since(p.StartTime) > time.Duration(p.MaxWaitMs)*time.Millisecond
}

func (h *MonitorStartup) reschedule(ctx context.Context, p *fleet.MonitorPayload) error {
	_, _, err := h.d.Queue.Enqueue(ctx, fleet.JobTypeMonitorStartup, *p,
		queue.WithDelay(h.d.PollInterval))
	return err
}

// beginHealthCheck records connection info, moves the machine to
// HEALTH_CHECKING, and queues the probe. Instances with no web-facing
// ports skip straight to READY.
func (h *MonitorStartup) beginHealthCheck(ctx context.Context, p *fleet.MonitorPayload, ui *provider.Instance) error {
	if _, err := h.d.State.Update(ctx, p.InstanceID, func(rec *fleet.InstanceState) {
		rec.Connection = connectionFrom(ui)
	}); err != nil {
		return err
	}
	endpoints := probeEndpointsFrom(ui)

	st, err := h.d.State.Transition(ctx, p.InstanceID, fleet.InstanceStatusHealthChecking, func(rec *fleet.InstanceState) {
		status := fleet.ProbeStatusPending
		if len(endpoints) == 0 {
			status = fleet.ProbeStatusHealthy
		}
		rec.HealthCheck = &fleet.HealthCheckState{Status: status}
	})
	if err != nil {
		return err
	}

	if len(endpoints) == 0 {
		ready, err := h.d.State.Transition(ctx, p.InstanceID, fleet.InstanceStatusReady, nil)
		if err != nil {
			return err
		}
		h.d.Logger.Info("instance ready without probes",
			zap.String("instanceId", p.InstanceID))
		notify(ctx, h.d, fleet.WebhookEventReady, ready, nil)
		return scheduleSteadyMonitor(ctx, h.d, p.InstanceID, p.UpstreamID, p.WebhookURL)
	}

	_, _, err = h.d.Queue.Enqueue(ctx, fleet.JobTypeHealthCheck, fleet.HealthCheckPayload{
		InstanceID: p.InstanceID,
		Endpoints:  endpoints,
		Config:     h.d.ProbeConfig,
		WebhookURL: firstNonEmpty(p.WebhookURL, st.WebhookURL),
	}, queue.WithIdempotencyKey("health-check:"+p.InstanceID+":"+p.UpstreamID))
	return err
}

func (h *MonitorStartup) failIfExhausted(ctx context.Context, job *fleet.Job, p *fleet.MonitorPayload, err error) error {
	if lastAttempt(job, err) {
		failInstance(ctx, h.d, p.InstanceID, p.WebhookURL, err)
		return nil
	}
	return err
}

// MonitorInstance watches a READY instance: it records spot-reclaim flags,
// detects upstream exits, and re-arms itself while the instance stays up.
type MonitorInstance struct {
	d Deps
}

// NewMonitorInstance builds the handler.
func NewMonitorInstance(d Deps) worker.Handler { return &MonitorInstance{d: d} }

func (h *MonitorInstance) Handle(ctx context.Context, job *fleet.Job) error {
	var p fleet.MonitorPayload
	if err := job.DecodePayload(&p); err != nil {
		return err
	}

	st, err := h.d.State.Get(ctx, p.InstanceID)
	if err != nil {
		if fleet.IsNotFound(err) {
			return nil
		}
		return err
	}
	if st.Status != fleet.InstanceStatusReady {
		// The monitor loop ends when the instance leaves READY.
		return nil
	}

	ui, err := h.d.Provider.GetInstance(ctx, p.UpstreamID)
	if err != nil {
		if fleet.IsNotFound(err) {
			if _, xerr := h.d.State.ForceExited(ctx, p.InstanceID); xerr != nil {
				return xerr
			}
			return nil
		}
		// Transient upstream trouble: keep the loop alive rather than
		// burning the job's retry budget.
		if fleet.IsRetryable(err) {
			h.d.Logger.Warn("steady-state poll failed; rescheduling",
				zap.String("instanceId", p.InstanceID), zap.Error(err))
			return h.reschedule(ctx, &p)
		}
		return err
	}

	switch {
	case ui.Status == provider.UpstreamStatusExited || ui.Status == provider.UpstreamStatusRemoved:
		_, err := h.d.State.ForceExited(ctx, p.InstanceID)
		return err
	case ui.Status == provider.UpstreamStatusFailed:
		failInstance(ctx, h.d, p.InstanceID, p.WebhookURL,
			fleet.Errorf(fleet.KindUpstream4xx, "upstream instance %s failed", p.UpstreamID))
		return nil
	case ui.Reclaimed():
		_, dup, err := h.d.Queue.Enqueue(ctx, fleet.JobTypeMigrateInstance, fleet.MigrateInstancePayload{
			UpstreamID: p.UpstreamID,
			Reason:     "spot reclaim flagged by provider",
		},
			queue.WithPriority(fleet.PriorityHigh),
			queue.WithIdempotencyKey("migrate:"+p.UpstreamID))
		if err != nil {
			return err
		}
		if !dup {
			h.d.Logger.Info("spot reclaim detected; migration queued",
				zap.String("instanceId", p.InstanceID),
				zap.String("upstreamId", p.UpstreamID))
		}
		return h.reschedule(ctx, &p)
	default:
		return h.reschedule(ctx, &p)
	}
}

func (h *MonitorInstance) reschedule(ctx context.Context, p *fleet.MonitorPayload) error {
	_, _, err := h.d.Queue.Enqueue(ctx, fleet.JobTypeMonitorInstance, *p,
		queue.WithDelay(h.d.PollInterval))
	return err
}

// scheduleSteadyMonitor arms the steady-state loop for a READY instance.
func scheduleSteadyMonitor(ctx context.Context, d Deps, instanceID, upstreamID, webhookURL string) error {
	_, _, err := d.Queue.Enqueue(ctx, fleet.JobTypeMonitorInstance, fleet.MonitorPayload{
		InstanceID: instanceID,
		UpstreamID: upstreamID,
		WebhookURL: webhookURL,
		StartTime:  time.Now().UTC(),
	}, queue.WithDelay(d.PollInterval))
	return err
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
