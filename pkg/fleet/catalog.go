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

import "time"

// Product is one rentable hardware configuration in one region.
type Product struct {
	ID                  string  `json:"id"`
	Name                string  `json:"name"`
	Region              string  `json:"region"`
	SpotPriceUSDPerHour float64 `json:"spotPriceUsdPerHour"`
	Availability        bool    `json:"availability"`
}

// Template names an image plus its ports and env defaults.
type Template struct {
	ID          string   `json:"id"`
	ImageURL    string   `json:"imageUrl"`
	ImageAuthID string   `json:"imageAuthId,omitempty"`
	Ports       []Port   `json:"ports,omitempty"`
	Envs        []EnvVar `json:"envs,omitempty"`
}

// RegistryAuth is a stored image-registry credential.
type RegistryAuth struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// TemplateConfig is a resolved template: the template plus, when the image
// is private, the registry credential rendered as "username:password" and
// passed opaquely to the provider.
type TemplateConfig struct {
	Template
	ImageAuth string `json:"imageAuth,omitempty"`
}

// RegionConfig ranks a candidate region. Lower priority value is tried first.
type RegionConfig struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Priority int    `json:"priority"`
}

// ProbeProtocol selects the scheme used to probe an endpoint.
type ProbeProtocol string

const (
	ProbeProtocolHTTP  ProbeProtocol = "http"
	ProbeProtocolHTTPS ProbeProtocol = "https"
)

// ProbeEndpoint is one endpoint the readiness prober must see healthy.
type ProbeEndpoint struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	Path           string        `json:"path,omitempty"`
	Protocol       ProbeProtocol `json:"protocol"`
	ExpectedStatus int           `json:"expectedStatus,omitempty"`
}

// ProbeConfig bounds a readiness probe run.
type ProbeConfig struct {
	TimeoutMs     int64 `json:"timeoutMs"`
	RetryAttempts int   `json:"retryAttempts"`
	RetryDelayMs  int64 `json:"retryDelayMs"`
	MaxWaitMs     int64 `json:"maxWaitMs"`
}

// MigrationCandidate is a provider instance flagged for spot reclamation.
type MigrationCandidate struct {
	InstanceID string    `json:"instanceId,omitempty"`
	UpstreamID string    `json:"upstreamId"`
	Reason     string    `json:"reason"`
	FlaggedAt  time.Time `json:"flaggedAt"`
}

// WebhookEvent enumerates outgoing notification kinds.
type WebhookEvent string

const (
	WebhookEventReady    WebhookEvent = "instance.ready"
	WebhookEventFailed   WebhookEvent = "instance.failed"
	WebhookEventMigrated WebhookEvent = "instance.migrated"
)

// WebhookPayload is the outgoing notification body.
type WebhookPayload struct {
	Event      WebhookEvent   `json:"event"`
	InstanceID string         `json:"instanceId"`
	UpstreamID string         `json:"upstreamId,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Details    map[string]any `json:"details,omitempty"`
}
