package factory

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/care-billing/care"
	"github.com/warp/care-billing/tariff"
)

// =============================================================================
// CARE CERTIFICATION
// =============================================================================

// CertificationJSON is the structured benefit data of one client.
type CertificationJSON struct {
	ID                 string `json:"id"`
	ClientID           string `json:"client_id" validate:"required"`
	CareLevel          string `json:"care_level" validate:"required,oneof=care_1 care_2 care_3 care_4 care_5"`
	MonthlyUnitCeiling int64  `json:"monthly_unit_ceiling" validate:"gt=0"`
	CopaymentRate      string `json:"copayment_rate" validate:"required"` // "1/10"
	ValidFrom          string `json:"valid_from" validate:"required"`
	ValidTo            string `json:"valid_to,omitempty"`
}

// CertificationFromJSON validates cj for tenantID. The ceiling may not
// exceed the statutory ceiling of the level.
func CertificationFromJSON(tenantID care.TenantID, cj CertificationJSON) (care.CareCertification, error) {
	if err := validate.Struct(cj); err != nil {
		return care.CareCertification{}, fmt.Errorf("invalid certification: %w", err)
	}
	level := care.CareLevel(cj.CareLevel)
	ceiling, err := care.NewUnits(cj.MonthlyUnitCeiling)
	if err != nil {
		return care.CareCertification{}, err
	}
	if statutory, ok := tariff.StatutoryCeiling(level); !ok || ceiling.GreaterThan(statutory) {
		return care.CareCertification{}, fmt.Errorf("monthly_unit_ceiling %d exceeds the statutory ceiling of %s", cj.MonthlyUnitCeiling, level)
	}
	rate, err := care.ParseRatio(cj.CopaymentRate)
	if err != nil {
		return care.CareCertification{}, fmt.Errorf("copayment_rate: %w", err)
	}
	valid, err := parseWindow(cj.ValidFrom, cj.ValidTo)
	if err != nil {
		return care.CareCertification{}, err
	}
	return care.CareCertification{
		ID:                 orNewID(cj.ID),
		TenantID:           tenantID,
		ClientID:           care.ClientID(cj.ClientID),
		CareLevel:          level,
		MonthlyUnitCeiling: ceiling,
		CopaymentRate:      rate,
		Valid:              valid,
	}, nil
}

// =============================================================================
// CONTRACT
// =============================================================================

type ContractJSON struct {
	ID       string            `json:"id"`
	ClientID string            `json:"client_id" validate:"required"`
	StartsOn string            `json:"starts_on" validate:"required"`
	EndsOn   string            `json:"ends_on,omitempty"`
	Services care.ServiceFlags `json:"services"`
}

func ContractFromJSON(tenantID care.TenantID, cj ContractJSON) (care.Contract, error) {
	if err := validate.Struct(cj); err != nil {
		return care.Contract{}, fmt.Errorf("invalid contract: %w", err)
	}
	valid, err := parseWindow(cj.StartsOn, cj.EndsOn)
	if err != nil {
		return care.Contract{}, err
	}
	return care.Contract{
		ID:       orNewID(cj.ID),
		TenantID: tenantID,
		ClientID: care.ClientID(cj.ClientID),
		Valid:    valid,
		Services: cj.Services,
	}, nil
}

// =============================================================================
// PRICE LISTING
// =============================================================================

type PriceListingJSON struct {
	ID        string `json:"id"`
	Code      string `json:"code" validate:"required"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"unit_price" validate:"gte=0"`
	ValidFrom string `json:"valid_from,omitempty"`
	ValidTo   string `json:"valid_to,omitempty"`
	Active    *bool  `json:"active,omitempty"` // defaults to true
}

func PriceListingFromJSON(tenantID care.TenantID, pj PriceListingJSON) (care.PriceListing, error) {
	if err := validate.Struct(pj); err != nil {
		return care.PriceListing{}, fmt.Errorf("invalid price listing: %w", err)
	}
	valid, err := parseWindow(pj.ValidFrom, pj.ValidTo)
	if err != nil {
		return care.PriceListing{}, err
	}
	active := true
	if pj.Active != nil {
		active = *pj.Active
	}
	return care.PriceListing{
		ID:        orNewID(pj.ID),
		TenantID:  tenantID,
		Code:      pj.Code,
		Name:      pj.Name,
		UnitPrice: pj.UnitPrice,
		Valid:     valid,
		Active:    active,
	}, nil
}

func PriceListingToJSON(p care.PriceListing) PriceListingJSON {
	from, to := formatWindow(p.Valid)
	active := p.Active
	return PriceListingJSON{
		ID:        p.ID,
		Code:      p.Code,
		Name:      p.Name,
		UnitPrice: p.UnitPrice,
		ValidFrom: from,
		ValidTo:   to,
		Active:    &active,
	}
}

// ParsePriceSheet parses a JSON array of listings.
func ParsePriceSheet(tenantID care.TenantID, jsonStr string) ([]care.PriceListing, error) {
	var sheet []PriceListingJSON
	if err := json.Unmarshal([]byte(jsonStr), &sheet); err != nil {
		return nil, fmt.Errorf("failed to parse price sheet JSON: %w", err)
	}
	listings := make([]care.PriceListing, 0, len(sheet))
	seen := make(map[string]bool, len(sheet))
	for i, pj := range sheet {
		p, err := PriceListingFromJSON(tenantID, pj)
		if err != nil {
			return nil, fmt.Errorf("listing %d: %w", i, err)
		}
		key := p.Code + "@" + p.Valid.From.String()
		if seen[key] {
			return nil, fmt.Errorf("listing %d: code %s already listed from %s", i, p.Code, p.Valid.From)
		}
		seen[key] = true
		listings = append(listings, p)
	}
	return listings, nil
}

// =============================================================================
// PRESETS
// =============================================================================

// StandardPriceSheet prices every base service and addition of the tariff
// at units x rate, rounded per line, valid from the given date.
func StandardPriceSheet(tenantID care.TenantID, rate decimal.Decimal, from care.Date, rounding care.Rounding) ([]care.PriceListing, error) {
	type entry struct {
		code  string
		name  string
		units care.Units
	}
	var entries []entry
	for _, level := range tariff.CareLevels() {
		b, err := tariff.BaseServiceFor(level)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry{b.PriceCode(), b.Name, b.Units})
	}
	for _, a := range tariff.Catalog() {
		entries = append(entries, entry{a.PriceCode(), a.Name(), a.Units()})
	}

	listings := make([]care.PriceListing, 0, len(entries))
	for _, e := range entries {
		yen, err := rounding.Apply(e.units.Decimal().Mul(rate))
		if err != nil {
			return nil, fmt.Errorf("price %s: %w", e.code, err)
		}
		listings = append(listings, care.PriceListing{
			ID:        string(tenantID) + "-" + e.code + "-" + from.String(),
			TenantID:  tenantID,
			Code:      e.code,
			Name:      e.name,
			UnitPrice: yen,
			Valid:     care.Window{From: from},
			Active:    true,
		})
	}
	return listings, nil
}
