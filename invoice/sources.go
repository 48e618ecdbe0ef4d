package invoice

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/care-billing/care"
	"github.com/warp/care-billing/tariff"
)

// PriceSource hands out a tenant's price catalog for one generation run.
type PriceSource interface {
	Catalog(ctx context.Context, tenantID care.TenantID) (care.PriceCatalog, error)
}

// PriceSourceFunc adapts a function to PriceSource.
type PriceSourceFunc func(ctx context.Context, tenantID care.TenantID) (care.PriceCatalog, error)

func (f PriceSourceFunc) Catalog(ctx context.Context, tenantID care.TenantID) (care.PriceCatalog, error) {
	return f(ctx, tenantID)
}

// StorePrices loads every listing of the tenant once per client run.
type StorePrices struct {
	Reader care.Reader
}

func (p StorePrices) Catalog(ctx context.Context, tenantID care.TenantID) (care.PriceCatalog, error) {
	listings, err := p.Reader.ListPriceListings(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list price listings: %w", err)
	}
	return care.PriceListings(listings), nil
}

// AreaRater is the area-grade lookup. *tariff.AreaGrades satisfies it.
type AreaRater interface {
	RateFor(city string, scale care.FacilityScale, asOf care.Date) (decimal.Decimal, error)
	ValidateTenant(t care.Tenant) error
}

// LimitResolver is the benefit-limit lookup. *tariff.BenefitLimits satisfies it.
type LimitResolver interface {
	LimitFor(ctx context.Context, tenantID care.TenantID, clientID care.ClientID, month care.Month) (tariff.BenefitLimit, error)
}

var (
	_ AreaRater     = (*tariff.AreaGrades)(nil)
	_ LimitResolver = (*tariff.BenefitLimits)(nil)
	_ PriceSource   = StorePrices{}
)
