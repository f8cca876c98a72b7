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

// Package handlers holds the job handlers behind the worker pool: instance
// provisioning, startup and steady-state monitoring, readiness probing,
// webhook delivery, and the two migration job kinds.
package handlers

import (
	"context"
	"net/url"
	"time"

	"go.uber.org/zap"

	"gpufleet/internal/probe"
	"gpufleet/internal/provider"
	"gpufleet/internal/queue"
	"gpufleet/internal/state"
	"gpufleet/internal/webhook"
	"gpufleet/internal/worker"
	"gpufleet/pkg/fleet"
)

// Planner plans one migration batch. Implemented by the migration
// scheduler; injected so the MIGRATE_BATCH handler stays thin.
type Planner interface {
	RunBatch(ctx context.Context, tickBucket int64) error
}

// Deps bundles what the handlers need.
type Deps struct {
	Provider provider.Client
	State    *state.Store
	Queue    *queue.Queue
	Prober   *probe.Prober
	Webhook  *webhook.Deliverer
	Planner  Planner
	Logger   *zap.Logger

	// PollInterval is the monitor cadence.
	PollInterval time.Duration

	// StartupMaxWait bounds how long a starting instance may stay in the
	// provider's pulling phase before it is failed.
	StartupMaxWait time.Duration

	// ProbeConfig is the default readiness probe shape.
	ProbeConfig fleet.ProbeConfig
}

// RegisterAll binds every job type onto the pool.
func RegisterAll(pool *worker.Pool, d Deps) {
	pool.Register(fleet.JobTypeCreateInstance, NewCreateInstance(d))
	pool.Register(fleet.JobTypeMonitorStartup, NewMonitorStartup(d))
	pool.Register(fleet.JobTypeMonitorInstance, NewMonitorInstance(d))
	pool.Register(fleet.JobTypeHealthCheck, NewHealthCheck(d))
	pool.Register(fleet.JobTypeSendWebhook, NewSendWebhook(d))
	pool.Register(fleet.JobTypeMigrateBatch, NewMigrateBatch(d))
	pool.Register(fleet.JobTypeMigrateInstance, NewMigrateInstance(d))
}

// lastAttempt reports whether this failure will exhaust the job, so the
// handler should mark the instance failed before the queue gives up.
func lastAttempt(job *fleet.Job, err error) bool {
	return !fleet.IsRetryable(err) || job.Attempts >= job.MaxAttempts
}

// failInstance marks the instance FAILED and queues the failure webhook.
func failInstance(ctx context.Context, d Deps, instanceID, webhookURL string, cause error) {
	st, err := d.State.Transition(ctx, instanceID, fleet.InstanceStatusFailed, func(rec *fleet.InstanceState) {
		rec.LastError = cause.Error()
	})
	if err != nil {
		d.Logger.Warn("could not mark instance failed",
			zap.String("instanceId", instanceID), zap.Error(err))
		return
	}
	notify(ctx, d, fleet.WebhookEventFailed, st, map[string]any{"error": cause.Error()})
	if webhookURL != "" && st.WebhookURL == "" {
		enqueueWebhook(ctx, d, webhookURL, fleet.WebhookPayload{
			Event:      fleet.WebhookEventFailed,
			InstanceID: instanceID,
			Timestamp:  time.Now().UTC(),
			Details:    map[string]any{"error": cause.Error()},
		})
	}
}

// notify queues a lifecycle webhook when the instance has a callback URL.
func notify(ctx context.Context, d Deps, event fleet.WebhookEvent, st *fleet.InstanceState, details map[string]any) {
	if st == nil || st.WebhookURL == "" {
		return
	}
	enqueueWebhook(ctx, d, st.WebhookURL, fleet.WebhookPayload{
		Event:      event,
		InstanceID: st.ID,
		UpstreamID: st.UpstreamID,
		Timestamp:  time.Now().UTC(),
		Details:    details,
	})
}

func enqueueWebhook(ctx context.Context, d Deps, targetURL string, payload fleet.WebhookPayload) {
	_, _, err := d.Queue.Enqueue(ctx, fleet.JobTypeSendWebhook, fleet.SendWebhookPayload{
		URL:     targetURL,
		Payload: payload,
	})
	if err != nil {
		d.Logger.Warn("could not queue webhook",
			zap.String("event", string(payload.Event)),
			zap.String("instanceId", payload.InstanceID),
			zap.Error(err))
	}
}

// probeEndpointsFrom derives readiness endpoints from the provider's view:
// each web-facing port is probed at the host the provider exposes.
func probeEndpointsFrom(ui *provider.Instance) []fleet.ProbeEndpoint {
	host := exposedHost(ui)
	if host == "" {
		return nil
	}
	var eps []fleet.ProbeEndpoint
	for _, p := range ui.Ports {
		var proto fleet.ProbeProtocol
		switch p.Type {
		case fleet.PortTypeHTTP:
			proto = fleet.ProbeProtocolHTTP
		case fleet.PortTypeHTTPS:
			proto = fleet.ProbeProtocolHTTPS
		default:
			continue
		}
		eps = append(eps, fleet.ProbeEndpoint{
			Host:     host,
			Port:     p.Port,
			Path:     "/",
			Protocol: proto,
		})
	}
	return eps
}

func exposedHost(ui *provider.Instance) string {
	for _, raw := range []string{ui.JupyterURL, ui.WebTerminalURL} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err == nil && u.Hostname() != "" {
			return u.Hostname()
		}
	}
	return ""
}

func connectionFrom(ui *provider.Instance) *fleet.ConnectionInfo {
	if ui.SSHCommand == "" && ui.JupyterURL == "" && ui.WebTerminalURL == "" {
		return nil
	}
	return &fleet.ConnectionInfo{
		SSH:         ui.SSHCommand,
		Jupyter:     ui.JupyterURL,
		WebTerminal: ui.WebTerminalURL,
	}
}
