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

// Package provider adapts the upstream GPU rental HTTP API into the typed
// operations the core consumes. Cross-cutting behavior lives here: per-call
// deadlines, bounded retries with backoff and jitter, Retry-After handling,
// a per-endpoint-group circuit breaker, error categorization, and masking
// of credentials in anything logged.
package provider

import (
	"context"
	"time"

	"gpufleet/pkg/fleet"
)

// InstanceStatus values the upstream reports. Only the ones the core
// branches on are named; everything else passes through as a string.
const (
	UpstreamStatusCreating = "toCreate"
	UpstreamStatusPulling  = "pulling"
	UpstreamStatusRunning  = "running"
	UpstreamStatusExited   = "exited"
	UpstreamStatusRemoved  = "removed"
	UpstreamStatusFailed   = "failed"
)

// Instance is the provider's view of one rented instance.
type Instance struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	ProductID  string    `json:"productId"`
	Region     string    `json:"region"`
	GPUNum     int       `json:"gpuNum"`
	RootfsSize int       `json:"rootfsSize"`
	CreatedAt  time.Time `json:"createdAt"`

	Ports []fleet.Port `json:"ports,omitempty"`

	SSHCommand     string `json:"sshCommand,omitempty"`
	JupyterURL     string `json:"jupyterUrl,omitempty"`
	WebTerminalURL string `json:"webTerminalUrl,omitempty"`

	// SpotReclaimAt is non-zero when the provider has flagged the spot
	// instance for reclamation.
	SpotReclaimAt *time.Time `json:"spotReclaimAt,omitempty"`
	SpotStatus    string     `json:"spotStatus,omitempty"`
}

// Reclaimed reports whether the instance is flagged for spot reclamation.
func (i *Instance) Reclaimed() bool {
	return i.SpotReclaimAt != nil || i.SpotStatus == "toReclaim"
}

// ProductFilter narrows a product listing.
type ProductFilter struct {
	ProductName string
	RegionID    string
}

// InstanceFilter narrows an instance listing.
type InstanceFilter struct {
	Name          string
	Status        string
	ReclaimedOnly bool
}

// CreateInstanceRequest carries everything the upstream needs to provision.
type CreateInstanceRequest struct {
	Name       string
	ProductID  string
	GPUNum     int
	RootfsSize int
	ImageURL   string
	// ImageAuth is an opaque "username:password" credential for private
	// images; never logged.
	ImageAuth string
	Ports     []fleet.Port
	Envs      []fleet.EnvVar
}

// MigrateResult reports the replacement instance issued by a migration.
type MigrateResult struct {
	NewInstanceID string `json:"newInstanceId"`
}

// Client is the typed surface over the upstream API.
type Client interface {
	ListProducts(ctx context.Context, f ProductFilter) ([]fleet.Product, error)
	GetTemplate(ctx context.Context, id string) (*fleet.Template, error)
	CreateInstance(ctx context.Context, req CreateInstanceRequest) (*Instance, error)
	StartInstance(ctx context.Context, upstreamID string) error
	StopInstance(ctx context.Context, upstreamID string) error
	GetInstance(ctx context.Context, upstreamID string) (*Instance, error)
	ListInstances(ctx context.Context, f InstanceFilter) ([]Instance, error)
	MigrateInstance(ctx context.Context, upstreamID string) (*MigrateResult, error)
	GetRegistryAuth(ctx context.Context, authID string) (*fleet.RegistryAuth, error)

	// Healthy reports whether every endpoint-group breaker is closed.
	Healthy() bool
}
