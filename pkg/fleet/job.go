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

// Package fleet defines the shared domain model: jobs and their payloads,
// instance state and its transition table, catalog types (products,
// templates, regions), and the error taxonomy used across components.
package fleet

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobType identifies the handler responsible for a job.
type JobType string

const (
	JobTypeCreateInstance  JobType = "CREATE_INSTANCE"
	JobTypeMonitorStartup  JobType = "MONITOR_STARTUP"
	JobTypeMonitorInstance JobType = "MONITOR_INSTANCE"
	JobTypeHealthCheck     JobType = "HEALTH_CHECK"
	JobTypeSendWebhook     JobType = "SEND_WEBHOOK"
	JobTypeMigrateBatch    JobType = "MIGRATE_BATCH"
	JobTypeMigrateInstance JobType = "MIGRATE_INSTANCE"
)

// JobTypes lists every known job type in a stable order. The queue and the
// worker pool iterate this list when a per-type view is needed.
func JobTypes() []JobType {
	return []JobType{
		JobTypeCreateInstance,
		JobTypeMonitorStartup,
		JobTypeMonitorInstance,
		JobTypeHealthCheck,
		JobTypeSendWebhook,
		JobTypeMigrateBatch,
		JobTypeMigrateInstance,
	}
}

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeCreateInstance, JobTypeMonitorStartup, JobTypeMonitorInstance,
		JobTypeHealthCheck, JobTypeSendWebhook, JobTypeMigrateBatch, JobTypeMigrateInstance:
		return true
	}
	return false
}

func (t JobType) String() string { return string(t) }

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
)

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

func (s JobStatus) String() string { return string(s) }

// Terminal reports whether the status admits no further processing.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Priority orders jobs of the same type. Higher runs first.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 10
	PriorityHigh   Priority = 20
)

// Job is a unit of deferred work persisted in the queue.
type Job struct {
	ID          string          `json:"id"`
	Type        JobType         `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Status      JobStatus       `json:"status"`
	Priority    Priority        `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`

	CreatedAt      time.Time  `json:"createdAt"`
	ProcessedAt    *time.Time `json:"processedAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	NextRetryAt    *time.Time `json:"nextRetryAt,omitempty"`
	LeaseExpiresAt *time.Time `json:"leaseExpiresAt,omitempty"`

	// Error holds the last failure message, if any.
	Error string `json:"error,omitempty"`

	// IdempotencyKey collapses duplicate enqueues to one live job.
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// DecodePayload unmarshals the job payload into dst.
func (j *Job) DecodePayload(dst any) error {
	if err := json.Unmarshal(j.Payload, dst); err != nil {
		return Errorf(KindSerialization, "decode %s payload: %v", j.Type, err)
	}
	return nil
}

// --------------- Payload schemas ---------------
//
// The payload set is closed: unknown payloads are rejected at enqueue time.

// CreateInstancePayload drives CREATE_INSTANCE.
type CreateInstancePayload struct {
	InstanceID     string          `json:"instanceId"`
	Name           string          `json:"name"`
	ProductID      string          `json:"productId"`
	TemplateConfig TemplateConfig  `json:"templateConfig"`
	GPUNum         int             `json:"gpuNum"`
	RootfsSize     int             `json:"rootfsSize"`
	Region         string          `json:"region"`
	WebhookURL     string          `json:"webhookUrl,omitempty"`
}

// MonitorPayload drives MONITOR_STARTUP and MONITOR_INSTANCE.
type MonitorPayload struct {
	InstanceID string    `json:"instanceId"`
	UpstreamID string    `json:"upstreamId"`
	WebhookURL string    `json:"webhookUrl,omitempty"`
	StartTime  time.Time `json:"startTime"`
	MaxWaitMs  int64     `json:"maxWaitMs"`
}

// HealthCheckPayload drives HEALTH_CHECK.
type HealthCheckPayload struct {
	InstanceID string          `json:"instanceId"`
	Endpoints  []ProbeEndpoint `json:"endpoints"`
	Config     ProbeConfig     `json:"config"`
	WebhookURL string          `json:"webhookUrl,omitempty"`
}

// SendWebhookPayload drives SEND_WEBHOOK.
type SendWebhookPayload struct {
	URL     string            `json:"url"`
	Payload WebhookPayload    `json:"payload"`
	Headers map[string]string `json:"headers,omitempty"`

	// SecretID names a registered signing secret; empty selects the
	// default secret.
	SecretID string `json:"secretId,omitempty"`
}

// MigrateBatchPayload drives MIGRATE_BATCH.
type MigrateBatchPayload struct {
	TickBucket int64 `json:"tickBucket"`
}

// MigrateInstancePayload drives MIGRATE_INSTANCE.
type MigrateInstancePayload struct {
	UpstreamID string `json:"upstreamId"`
	Reason     string `json:"reason"`
}

// EncodePayload serializes a payload for the given type, rejecting shapes
// that do not belong to the type's schema.
func EncodePayload(t JobType, payload any) (json.RawMessage, error) {
	var ok bool
	switch t {
	case JobTypeCreateInstance:
		_, ok = payload.(CreateInstancePayload)
	case JobTypeMonitorStartup, JobTypeMonitorInstance:
		_, ok = payload.(MonitorPayload)
	case JobTypeHealthCheck:
		_, ok = payload.(HealthCheckPayload)
	case JobTypeSendWebhook:
		_, ok = payload.(SendWebhookPayload)
	case JobTypeMigrateBatch:
		_, ok = payload.(MigrateBatchPayload)
	case JobTypeMigrateInstance:
		_, ok = payload.(MigrateInstancePayload)
	default:
		return nil, Errorf(KindValidation, "unknown job type %q", t)
	}
	if !ok {
		return nil, Errorf(KindValidation, "payload %T does not match job type %s", payload, t)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, Errorf(KindSerialization, "encode %s payload: %v", t, err)
	}
	return raw, nil
}

// JobEvent is one entry in a job's bounded troubleshooting trail.
type JobEvent struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Attempt int       `json:"attempt,omitempty"`
}

func (e JobEvent) String() string {
	return fmt.Sprintf("%s %s %s", e.Time.Format(time.RFC3339), e.Level, e.Message)
}
