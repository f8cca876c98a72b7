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

	"go.uber.org/zap"

	"gpufleet/internal/worker"
	"gpufleet/pkg/fleet"
)

// HealthCheck runs the readiness probe for a HEALTH_CHECKING instance and
// settles it into READY or FAILED. Probe progress is persisted as it
// happens so the API can show partial results mid-run.
type HealthCheck struct {
	d Deps
}

// NewHealthCheck builds the handler.
func NewHealthCheck(d Deps) worker.Handler { return &HealthCheck{d: d} }

func (h *HealthCheck) Handle(ctx context.Context, job *fleet.Job) error {
	var p fleet.HealthCheckPayload
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
	if st.Status != fleet.InstanceStatusHealthChecking {
		return nil
	}

	cfg := p.Config
	if cfg.MaxWaitMs <= 0 {
		cfg = h.d.ProbeConfig
	}

	res, err := h.d.Prober.Probe(ctx, p.Endpoints, cfg, func(progress []fleet.EndpointProgress) {
		_, uerr := h.d.State.Update(ctx, p.InstanceID, func(rec *fleet.InstanceState) {
			rec.HealthCheck = &fleet.HealthCheckState{
				Status:    fleet.ProbeStatusProbing,
				Endpoints: progress,
			}
		})
		if uerr != nil {
			h.d.Logger.Debug("probe progress write failed",
				zap.String("instanceId", p.InstanceID), zap.Error(uerr))
		}
	})
	if err != nil {
		return err
	}

	if !res.Healthy {
		failInstance(ctx, h.d, p.InstanceID, p.WebhookURL,
			fleet.Errorf(fleet.KindTimeout, "readiness probe failed: %s", res.LastError))
		_, _ = h.d.State.Update(ctx, p.InstanceID, func(rec *fleet.InstanceState) {
			rec.HealthCheck = &fleet.HealthCheckState{
				Status:    fleet.ProbeStatusUnhealthy,
				Endpoints: res.Endpoints,
				LastError: res.LastError,
			}
		})
		return nil
	}

	ready, err := h.d.State.Transition(ctx, p.InstanceID, fleet.InstanceStatusReady, func(rec *fleet.InstanceState) {
		rec.HealthCheck = &fleet.HealthCheckState{
			Status:    fleet.ProbeStatusHealthy,
			Endpoints: res.Endpoints,
		}
	})
	if err != nil {
		return err
	}

	h.d.Logger.Info("instance ready",
		zap.String("instanceId", p.InstanceID),
		zap.Int("endpoints", len(res.Endpoints)))
	notify(ctx, h.d, fleet.WebhookEventReady, ready, map[string]any{
		"endpoints": len(res.Endpoints),
	})
	return scheduleSteadyMonitor(ctx, h.d, ready.ID, ready.UpstreamID, firstNonEmpty(p.WebhookURL, ready.WebhookURL))
}
