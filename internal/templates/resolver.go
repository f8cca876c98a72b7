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

// Package templates fetches instance templates, validates them
// structurally, and resolves private-image registry credentials.
package templates

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"gpufleet/internal/cache"
	"gpufleet/internal/provider"
	"gpufleet/pkg/fleet"
)

// Resolver fetches and validates templates.
type Resolver struct {
	client    provider.Client
	templates *cache.Cache
	logger    *zap.Logger
}

// NewResolver wires the resolver with the "templates" cache (10 min TTL).
func NewResolver(client provider.Client, reg *cache.Registry, logger *zap.Logger) *Resolver {
	return &Resolver{
		client:    client,
		templates: reg.GetOrCreate(cache.NameTemplates, cache.Options{MaxSize: 200, DefaultTTL: 10 * time.Minute}),
		logger:    logger.With(zap.String("component", "templates")),
	}
}

// GetTemplate returns a validated template, from cache when possible.
func (r *Resolver) GetTemplate(ctx context.Context, id string) (*fleet.Template, error) {
	if v, ok := r.templates.Get(id); ok {
		tpl := v.(fleet.Template)
		return &tpl, nil
	}
	tpl, err := r.client.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := Validate(tpl); err != nil {
		return nil, err
	}
	r.templates.Set(id, *tpl, 0)
	return tpl, nil
}

// GetTemplateConfiguration resolves the template and, when the image is
// private, attaches the registry credential as an opaque
// "username:password" string.
func (r *Resolver) GetTemplateConfiguration(ctx context.Context, id string) (*fleet.TemplateConfig, error) {
	tpl, err := r.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	cfg := &fleet.TemplateConfig{Template: *tpl}
	if tpl.ImageAuthID != "" {
		auth, err := r.client.GetRegistryAuth(ctx, tpl.ImageAuthID)
		if err != nil {
			return nil, fmt.Errorf("resolve registry auth for template %s: %w", id, err)
		}
		cfg.ImageAuth = auth.Username + ":" + auth.Password
	}
	return cfg, nil
}

// Validate applies the structural template rules.
func Validate(tpl *fleet.Template) error {
	if tpl == nil || tpl.ID == "" {
		return fleet.NewError(fleet.KindValidation, "template id is empty")
	}
	if tpl.ImageURL == "" {
		return fleet.Errorf(fleet.KindValidation, "template %s: imageUrl is empty", tpl.ID)
	}
	if _, err := url.Parse(tpl.ImageURL); err != nil {
		return fleet.Errorf(fleet.KindValidation, "template %s: invalid imageUrl", tpl.ID)
	}
	for i, p := range tpl.Ports {
		if p.Port < 1 || p.Port > 65535 {
			return fleet.Errorf(fleet.KindValidation, "template %s: ports[%d] out of range", tpl.ID, i)
		}
		if !p.Type.Valid() {
			return fleet.Errorf(fleet.KindValidation, "template %s: ports[%d] has unknown type %q", tpl.ID, i, p.Type)
		}
	}
	for i, e := range tpl.Envs {
		if e.Key == "" || !isASCII(e.Key) {
			return fleet.Errorf(fleet.KindValidation, "template %s: envs[%d] key must be non-empty ASCII", tpl.ID, i)
		}
	}
	return nil
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > 127 {
			return false
		}
	}
	return true
}
