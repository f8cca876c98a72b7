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

// Package webhook delivers signed lifecycle notifications to caller URLs.
// Delivery is at-least-once: the idempotency key header lets receivers
// de-duplicate, and only network failures and 5xx responses are retried.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"gpufleet/pkg/fleet"
)

// Outcome classifies a delivery attempt series for the job worker.
type Outcome string

const (
	OutcomeDelivered Outcome = "DELIVERED"
	OutcomeRetryable Outcome = "RETRYABLE"
	OutcomeTerminal  Outcome = "TERMINAL"
)

// Deliverer posts signed JSON webhooks.
type Deliverer struct {
	hc      *http.Client
	secret  []byte
	secrets map[string][]byte
	logger  *zap.Logger

	attempts  uint
	baseDelay time.Duration
}

// New builds a deliverer. timeout is clamped to [1s, 30s]; an empty secret
// disables signing.
func New(timeout time.Duration, secret string, logger *zap.Logger) *Deliverer {
	if timeout < time.Second {
		timeout = time.Second
	}
	if timeout > 30*time.Second {
		timeout = 30 * time.Second
	}
	return &Deliverer{
		hc:        &http.Client{Timeout: timeout},
		secret:    []byte(secret),
		secrets:   make(map[string][]byte),
		logger:    logger.With(zap.String("component", "webhook")),
		attempts:  3,
		baseDelay: time.Second,
	}
}

// RegisterSecret stores a named signing secret selectable per delivery.
func (d *Deliverer) RegisterSecret(id, secret string) {
	d.secrets[id] = []byte(secret)
}

// secretFor resolves a secret id; empty or unknown ids fall back to the
// default secret.
func (d *Deliverer) secretFor(id string) []byte {
	if s, ok := d.secrets[id]; ok && id != "" {
		return s
	}
	return d.secret
}

// Sign computes the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Deliver posts payload to url with up to three attempts (delays 1s, 2s,
// 4s), signed with the default secret. 4xx responses are terminal; network
// errors and 5xx are retried.
func (d *Deliverer) Deliver(ctx context.Context, url string, payload fleet.WebhookPayload, headers map[string]string) (Outcome, error) {
	return d.DeliverAs(ctx, url, payload, headers, "")
}

// DeliverAs is Deliver signing with the named secret; empty or unknown ids
// use the default secret.
func (d *Deliverer) DeliverAs(ctx context.Context, url string, payload fleet.WebhookPayload, headers map[string]string, secretID string) (Outcome, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return OutcomeTerminal, fleet.WrapError(fleet.KindSerialization, "encode webhook payload", err)
	}
	requestID := uuid.NewString()
	secret := d.secretFor(secretID)

	err = retry.Do(
		func() error { return d.post(ctx, url, body, requestID, headers, secret) },
		retry.Context(ctx),
		retry.Attempts(d.attempts),
		retry.Delay(d.baseDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(fleet.IsRetryable),
	)
	if err == nil {
		d.logger.Info("webhook delivered",
			zap.String("event", string(payload.Event)),
			zap.String("instanceId", payload.InstanceID),
			zap.String("requestId", requestID))
		return OutcomeDelivered, nil
	}

	if fleet.IsRetryable(err) {
		return OutcomeRetryable, err
	}
	return OutcomeTerminal, err
}

func (d *Deliverer) post(ctx context.Context, url string, body []byte, requestID string, headers map[string]string, secret []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &fleet.Error{Kind: fleet.KindValidation, Message: fmt.Sprintf("invalid webhook url: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", requestID)
	if len(secret) > 0 {
		req.Header.Set("X-Signature", "sha256="+Sign(secret, body))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := d.hc.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return fleet.WrapError(fleet.KindTimeout, "webhook post canceled", err)
		}
		return fleet.WrapError(fleet.KindNetwork, "webhook post", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return fleet.Errorf(fleet.KindUpstream5xx, "webhook receiver returned %d", resp.StatusCode)
	default:
		e := fleet.Errorf(fleet.KindUpstream4xx, "webhook receiver returned %d", resp.StatusCode)
		e.Status = resp.StatusCode
		return e
	}
}
