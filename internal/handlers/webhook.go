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

	"gpufleet/internal/webhook"
	"gpufleet/internal/worker"
	"gpufleet/pkg/fleet"
)

// SendWebhook delivers one queued notification. The deliverer retries
// in-process; only a still-retryable outcome goes back to the queue for a
// longer-horizon retry.
type SendWebhook struct {
	d Deps
}

// NewSendWebhook builds the handler.
func NewSendWebhook(d Deps) worker.Handler { return &SendWebhook{d: d} }

func (h *SendWebhook) Handle(ctx context.Context, job *fleet.Job) error {
	var p fleet.SendWebhookPayload
	if err := job.DecodePayload(&p); err != nil {
		return err
	}

	outcome, err := h.d.Webhook.DeliverAs(ctx, p.URL, p.Payload, p.Headers, p.SecretID)
	switch outcome {
	case webhook.OutcomeDelivered:
		return nil
	case webhook.OutcomeTerminal:
		h.d.Logger.Warn("webhook rejected by receiver",
			zap.String("url", p.URL),
			zap.String("event", string(p.Payload.Event)),
			zap.Error(err))
		return fleet.WrapError(fleet.KindUpstream4xx, "webhook rejected", err)
	default:
		return err
	}
}
