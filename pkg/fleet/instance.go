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

package fleet

import (
	"regexp"
	"time"
)

// InstanceStatus is the authoritative lifecycle state of a managed instance.
type InstanceStatus string

const (
	InstanceStatusCreating       InstanceStatus = "CREATING"
	InstanceStatusStarting       InstanceStatus = "STARTING"
	InstanceStatusHealthChecking InstanceStatus = "HEALTH_CHECKING"
	InstanceStatusReady          InstanceStatus = "READY"
	InstanceStatusStopping       InstanceStatus = "STOPPING"
	InstanceStatusExited         InstanceStatus = "EXITED"
	InstanceStatusMigrating      InstanceStatus = "MIGRATING"
	InstanceStatusFailed         InstanceStatus = "FAILED"
)

// Valid reports whether s is a known instance status.
func (s InstanceStatus) Valid() bool {
	_, ok := instanceTransitions[s]
	return ok
}

func (s InstanceStatus) String() string { return string(s) }

// Terminal reports whether the status is a resting state of the machine.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceStatusReady || s == InstanceStatusExited || s == InstanceStatusFailed
}

// instanceTransitions is the closed transition table. Any non-terminal state
// may additionally move to FAILED, and any state may move to MIGRATING.
var instanceTransitions = map[InstanceStatus][]InstanceStatus{
	InstanceStatusCreating:       {InstanceStatusStarting},
	InstanceStatusStarting:       {InstanceStatusHealthChecking},
	InstanceStatusHealthChecking: {InstanceStatusReady},
	InstanceStatusReady:          {InstanceStatusStopping},
	InstanceStatusStopping:       {InstanceStatusExited},
	InstanceStatusExited:         {InstanceStatusStarting},
	InstanceStatusMigrating:      {InstanceStatusExited},
	InstanceStatusFailed:         {},
}

// CanTransition reports whether from -> to is an accepted transition.
// Self-transitions are rejected like any other edge absent from the table;
// callers that want idempotent writes check the current status first. The
// one exception is MIGRATING, reachable from anywhere so a migration
// request can be re-armed.
func CanTransition(from, to InstanceStatus) bool {
	if to == InstanceStatusMigrating {
		return true
	}
	if to == InstanceStatusFailed && !from.Terminal() {
		return true
	}
	for _, next := range instanceTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NameRE constrains instance names.
var NameRE = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// PortType enumerates the exposure modes of an instance port.
type PortType string

const (
	PortTypeTCP   PortType = "tcp"
	PortTypeHTTP  PortType = "http"
	PortTypeHTTPS PortType = "https"
)

// Valid reports whether t is a known port type.
func (t PortType) Valid() bool {
	return t == PortTypeTCP || t == PortTypeHTTP || t == PortTypeHTTPS
}

// Port is one exposed instance port.
type Port struct {
	Port int      `json:"port"`
	Type PortType `json:"type"`
}

// EnvVar is one environment variable injected into an instance.
type EnvVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ConnectionInfo holds the endpoints callers use once the instance is up.
type ConnectionInfo struct {
	SSH         string `json:"ssh,omitempty"`
	Jupyter     string `json:"jupyter,omitempty"`
	WebTerminal string `json:"webTerminal,omitempty"`
}

// ProbeStatus classifies the overall or per-endpoint readiness outcome.
type ProbeStatus string

const (
	ProbeStatusPending   ProbeStatus = "PENDING"
	ProbeStatusProbing   ProbeStatus = "PROBING"
	ProbeStatusHealthy   ProbeStatus = "HEALTHY"
	ProbeStatusUnhealthy ProbeStatus = "UNHEALTHY"
)

// EndpointProgress is the per-endpoint probing progress the prober emits.
type EndpointProgress struct {
	Endpoint      string      `json:"endpoint"`
	Attempts      int         `json:"attempts"`
	LastError     string      `json:"lastError,omitempty"`
	LastCheckedAt *time.Time  `json:"lastCheckedAt,omitempty"`
	Status        ProbeStatus `json:"status"`
}

// HealthCheckState is the current probing progress stored on the instance.
type HealthCheckState struct {
	Status    ProbeStatus        `json:"status"`
	Endpoints []EndpointProgress `json:"endpoints,omitempty"`
	LastError string             `json:"lastError,omitempty"`
}

// InstanceState is the authoritative per-managed-instance record. All writes
// go through the state store; everything else reads.
type InstanceState struct {
	ID         string `json:"id"`
	UpstreamID string `json:"upstreamId,omitempty"`
	Name       string `json:"name"`

	Status InstanceStatus `json:"status"`

	ProductID  string `json:"productId"`
	Region     string `json:"region"`
	GPUNum     int    `json:"gpuNum"`
	RootfsSize int    `json:"rootfsSize"`
	TemplateID string `json:"templateId"`

	Ports []Port   `json:"ports,omitempty"`
	Envs  []EnvVar `json:"envs,omitempty"`

	Connection *ConnectionInfo `json:"connection,omitempty"`

	CreatedAt     time.Time  `json:"createdAt"`
	ReadyAt       *time.Time `json:"readyAt,omitempty"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	StoppedAt     *time.Time `json:"stoppedAt,omitempty"`
	FailedAt      *time.Time `json:"failedAt,omitempty"`
	LastUpdatedAt time.Time  `json:"lastUpdatedAt"`

	HealthCheck *HealthCheckState `json:"healthCheck,omitempty"`

	// StartupOperationID identifies an in-flight start operation, if any.
	StartupOperationID string `json:"startupOperationId,omitempty"`

	WebhookURL string `json:"webhookUrl,omitempty"`

	// LastError carries the last classified failure for FAILED instances.
	LastError string `json:"lastError,omitempty"`
}

// MergedInstance is one row of the comprehensive listing: the local record
// merged with the provider's view. Provider data is authoritative for
// lifecycle fields; local data contributes webhook and health-check context.
type MergedInstance struct {
	InstanceState

	// UpstreamStatus is the raw provider lifecycle state, when known.
	UpstreamStatus string `json:"upstreamStatus,omitempty"`

	// UpstreamOnly marks rows the provider reports but the local store
	// has no shadow for.
	UpstreamOnly bool `json:"upstreamOnly,omitempty"`

	// LocalOnly marks rows served from the local store because the
	// provider call failed and fallback was enabled.
	LocalOnly bool `json:"localOnly,omitempty"`
}
