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

// Package products selects the cheapest available product for a named GPU
// configuration, walking candidate regions in priority order and
// aggregating per-region failures when none can serve.
package products

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/samber/lo"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"gpufleet/internal/cache"
	"gpufleet/internal/provider"
	"gpufleet/pkg/fleet"
)

// Selection is the outcome of an optimal-product lookup.
type Selection struct {
	Product    fleet.Product `json:"product"`
	RegionUsed string        `json:"regionUsed"`
}

// Selector resolves optimal products with region fallback.
type Selector struct {
	client   provider.Client
	products *cache.Cache
	optimal  *cache.Cache
	logger   *zap.Logger
}

// NewSelector wires the selector. Both caches come from the registry:
// "products" (5 min TTL) and "optimal-products" (5 min TTL).
func NewSelector(client provider.Client, reg *cache.Registry, logger *zap.Logger) *Selector {
	return &Selector{
		client:   client,
		products: reg.GetOrCreate(cache.NameProducts, cache.Options{MaxSize: 500, DefaultTTL: 5 * time.Minute}),
		optimal:  reg.GetOrCreate(cache.NameOptimalProducts, cache.Options{MaxSize: 500, DefaultTTL: 5 * time.Minute}),
		logger:   logger.With(zap.String("component", "products")),
	}
}

// ListProducts returns the (cached) product listing for one region.
func (s *Selector) ListProducts(ctx context.Context, productName, regionID string) ([]fleet.Product, error) {
	key := productName + "|" + regionID
	if v, ok := s.products.Get(key); ok {
		return v.([]fleet.Product), nil
	}
	items, err := s.client.ListProducts(ctx, provider.ProductFilter{ProductName: productName, RegionID: regionID})
	if err != nil {
		return nil, err
	}
	s.products.Set(key, items, 0)
	return items, nil
}

// GetOptimalProductWithFallback walks regions by ascending priority (with
// preferredRegionName promoted to the front when present) and returns the
// cheapest available product from the first region that has one. Price ties
// break by product id. When every region fails, the per-region reasons are
// aggregated into a single NOT_FOUND error.
func (s *Selector) GetOptimalProductWithFallback(ctx context.Context, productName, preferredRegionName string, regions []fleet.RegionConfig) (*Selection, error) {
	if len(regions) == 0 {
		return nil, fleet.NewError(fleet.KindValidation, "no candidate regions configured")
	}

	ordered := make([]fleet.RegionConfig, len(regions))
	copy(ordered, regions)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })
	if preferredRegionName != "" {
		if idx := lo.IndexOf(lo.Map(ordered, func(r fleet.RegionConfig, _ int) string { return r.Name }), preferredRegionName); idx > 0 {
			preferred := ordered[idx]
			ordered = append(ordered[:idx], ordered[idx+1:]...)
			ordered = append([]fleet.RegionConfig{preferred}, ordered...)
		}
	}

	var regionErrs error
	for _, region := range ordered {
		key := fmt.Sprintf("%s|%s", productName, region.Name)
		if v, ok := s.optimal.Get(key); ok {
			sel := v.(Selection)
			return &sel, nil
		}

		items, err := s.ListProducts(ctx, productName, region.ID)
		if err != nil {
			regionErrs = multierr.Append(regionErrs, fmt.Errorf("region %s: %w", region.Name, err))
			s.logger.Warn("region product listing failed",
				zap.String("region", region.Name), zap.Error(err))
			continue
		}

		available := lo.Filter(items, func(p fleet.Product, _ int) bool { return p.Availability })
		if len(available) == 0 {
			regionErrs = multierr.Append(regionErrs, fmt.Errorf("region %s: no available products", region.Name))
			continue
		}
		sort.Slice(available, func(i, j int) bool {
			if available[i].SpotPriceUSDPerHour != available[j].SpotPriceUSDPerHour {
				return available[i].SpotPriceUSDPerHour < available[j].SpotPriceUSDPerHour
			}
			return available[i].ID < available[j].ID
		})

		sel := Selection{Product: available[0], RegionUsed: region.Name}
		s.optimal.Set(key, sel, 0)
		return &sel, nil
	}

	return nil, fleet.WrapError(fleet.KindNotFound,
		fmt.Sprintf("no optimal product for %q in any region", productName), regionErrs)
}
