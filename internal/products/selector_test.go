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

package products

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gpufleet/internal/cache"
	"gpufleet/internal/provider"
	"gpufleet/pkg/fleet"
)

type fakeCatalog struct {
	provider.Client
	listProducts func(ctx context.Context, f provider.ProductFilter) ([]fleet.Product, error)
}

func (f *fakeCatalog) ListProducts(ctx context.Context, fl provider.ProductFilter) ([]fleet.Product, error) {
	return f.listProducts(ctx, fl)
}

var testRegions = []fleet.RegionConfig{
	{ID: "r2", Name: "region-02", Priority: 2},
	{ID: "r1", Name: "region-01", Priority: 1},
	{ID: "r3", Name: "region-03", Priority: 3},
}

func newTestSelector(list func(context.Context, provider.ProductFilter) ([]fleet.Product, error)) *Selector {
	return NewSelector(&fakeCatalog{listProducts: list}, cache.NewRegistry(nil), zap.NewNop())
}

func TestOptimalPicksCheapestWithIDTieBreak(t *testing.T) {
	s := newTestSelector(func(_ context.Context, f provider.ProductFilter) ([]fleet.Product, error) {
		require.Equal(t, "r1", f.RegionID)
		return []fleet.Product{
			{ID: "p-c", Name: "A100", SpotPriceUSDPerHour: 1.20, Availability: true},
			{ID: "p-a", Name: "A100", SpotPriceUSDPerHour: 0.90, Availability: true},
			{ID: "p-b", Name: "A100", SpotPriceUSDPerHour: 0.90, Availability: true},
			{ID: "p-cheapest-but-gone", Name: "A100", SpotPriceUSDPerHour: 0.50, Availability: false},
		}, nil
	})

	sel, err := s.GetOptimalProductWithFallback(context.Background(), "A100", "", testRegions)
	require.NoError(t, err)
	assert.Equal(t, "p-a", sel.Product.ID)
	assert.Equal(t, "region-01", sel.RegionUsed)
}

func TestOptimalFallsThroughRegionsByPriority(t *testing.T) {
	var asked []string
	s := newTestSelector(func(_ context.Context, f provider.ProductFilter) ([]fleet.Product, error) {
		asked = append(asked, f.RegionID)
		switch f.RegionID {
		case "r1":
			return nil, fleet.NewError(fleet.KindUpstream5xx, "region down")
		case "r2":
			// Listed but nothing available.
			return []fleet.Product{{ID: "p-x", SpotPriceUSDPerHour: 1, Availability: false}}, nil
		default:
			return []fleet.Product{{ID: "p-r3", SpotPriceUSDPerHour: 2, Availability: true}}, nil
		}
	})

	sel, err := s.GetOptimalProductWithFallback(context.Background(), "A100", "", testRegions)
	require.NoError(t, err)
	assert.Equal(t, "p-r3", sel.Product.ID)
	assert.Equal(t, "region-03", sel.RegionUsed)
	assert.Equal(t, []string{"r1", "r2", "r3"}, asked)
}

func TestOptimalPromotesPreferredRegion(t *testing.T) {
	var asked []string
	s := newTestSelector(func(_ context.Context, f provider.ProductFilter) ([]fleet.Product, error) {
		asked = append(asked, f.RegionID)
		return []fleet.Product{{ID: "p-" + f.RegionID, SpotPriceUSDPerHour: 1, Availability: true}}, nil
	})

	sel, err := s.GetOptimalProductWithFallback(context.Background(), "A100", "region-02", testRegions)
	require.NoError(t, err)
	assert.Equal(t, "p-r2", sel.Product.ID)
	assert.Equal(t, "region-02", sel.RegionUsed)
	assert.Equal(t, []string{"r2"}, asked)
}

func TestOptimalAggregatesRegionFailures(t *testing.T) {
	s := newTestSelector(func(_ context.Context, f provider.ProductFilter) ([]fleet.Product, error) {
		if f.RegionID == "r1" {
			return nil, fleet.NewError(fleet.KindTimeout, "listing timed out")
		}
		return nil, nil
	})

	_, err := s.GetOptimalProductWithFallback(context.Background(), "H200", "", testRegions)
	require.Error(t, err)
	assert.Equal(t, fleet.KindNotFound, fleet.KindOf(err))
	assert.ErrorContains(t, err, "region-01")
	assert.ErrorContains(t, err, "listing timed out")
	assert.ErrorContains(t, err, "region-02: no available products")
}

func TestOptimalRequiresRegions(t *testing.T) {
	s := newTestSelector(nil)
	_, err := s.GetOptimalProductWithFallback(context.Background(), "A100", "", nil)
	assert.Equal(t, fleet.KindValidation, fleet.KindOf(err))
}

func TestOptimalServesCachedSelection(t *testing.T) {
	calls := 0
	s := newTestSelector(func(context.Context, provider.ProductFilter) ([]fleet.Product, error) {
		calls++
		return []fleet.Product{{ID: "p-1", SpotPriceUSDPerHour: 1, Availability: true}}, nil
	})

	ctx := context.Background()
	first, err := s.GetOptimalProductWithFallback(ctx, "A100", "", testRegions)
	require.NoError(t, err)
	second, err := s.GetOptimalProductWithFallback(ctx, "A100", "", testRegions)
	require.NoError(t, err)
	assert.Equal(t, first.Product.ID, second.Product.ID)
	assert.Equal(t, 1, calls)

	// A different product name is a different cache key.
	_, err = s.GetOptimalProductWithFallback(ctx, "H200", "", testRegions)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestListProductsCachesPerRegion(t *testing.T) {
	calls := 0
	s := newTestSelector(func(context.Context, provider.ProductFilter) ([]fleet.Product, error) {
		calls++
		return []fleet.Product{{ID: "p-1"}}, nil
	})

	ctx := context.Background()
	_, err := s.ListProducts(ctx, "A100", "r1")
	require.NoError(t, err)
	_, err = s.ListProducts(ctx, "A100", "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	_, err = s.ListProducts(ctx, "A100", "r2")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
