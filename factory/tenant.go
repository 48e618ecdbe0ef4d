/*
Package factory provides JSON to Go conversion for billing configuration.

PURPOSE:
  Converts JSON definitions of tenants, care certifications, contracts and
  price listings into care records. Facility staff maintain these through
  an admin UI; the factory validates them and builds the typed records the
  billing core consumes.

JSON SCHEMA (tenant):
  {
    "id": "tenant-hidamari",
    "name": "ひだまりデイサービス",
    "city": "東京都町田市",
    "facility_scale": "normal",
    "rounding": {
      "line": "half_up",
      "unit": "truncate",
      "copayment": "half_up",
      "excess": "truncate"
    }
  }

KEY FEATURES:
  - Struct-tag validation (go-playground/validator)
  - Configuration-time area check: a city outside the area table is
    rejected here, never at generation time
  - Missing rounding block falls back to the national convention
  - Record IDs are generated when omitted

USAGE:
  f := factory.NewTenantFactory(tariff.DefaultAreaGrades())
  tenant, err := f.ParseTenant(jsonString)

SEE ALSO:
  - care/types.go: record types
  - tariff/area.go: the area table the city is checked against
*/
package factory

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/warp/care-billing/care"
)

var validate = validator.New()

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// TenantJSON is the JSON representation of a tenant.
type TenantJSON struct {
	ID            string      `json:"id"`
	Name          string      `json:"name" validate:"required"`
	City          string      `json:"city" validate:"required"`
	FacilityScale string      `json:"facility_scale" validate:"required,oneof=normal large_1 large_2"`
	Rounding      *PolicyJSON `json:"rounding,omitempty"`
}

// PolicyJSON selects the rounding mode per billing step.
type PolicyJSON struct {
	Line      string `json:"line" validate:"omitempty,oneof=half_up truncate"`
	Unit      string `json:"unit" validate:"omitempty,oneof=half_up truncate"`
	Copayment string `json:"copayment" validate:"omitempty,oneof=half_up truncate"`
	Excess    string `json:"excess" validate:"omitempty,oneof=half_up truncate"`
}

// AreaValidator is the configuration-time area check.
type AreaValidator interface {
	ValidateTenant(t care.Tenant) error
}

// =============================================================================
// TENANT FACTORY
// =============================================================================

// TenantFactory converts JSON configuration to care records.
type TenantFactory struct {
	Areas AreaValidator
}

// NewTenantFactory creates a factory that checks tenants against areas.
func NewTenantFactory(areas AreaValidator) *TenantFactory {
	return &TenantFactory{Areas: areas}
}

// ParseTenant parses a JSON string into a validated tenant.
func (f *TenantFactory) ParseTenant(jsonStr string) (care.Tenant, error) {
	var tj TenantJSON
	if err := json.Unmarshal([]byte(jsonStr), &tj); err != nil {
		return care.Tenant{}, fmt.Errorf("failed to parse tenant JSON: %w", err)
	}
	return f.TenantFromJSON(tj)
}

// TenantFromJSON validates tj and converts it.
func (f *TenantFactory) TenantFromJSON(tj TenantJSON) (care.Tenant, error) {
	if err := validate.Struct(tj); err != nil {
		return care.Tenant{}, fmt.Errorf("invalid tenant: %w", err)
	}

	policy := care.DefaultBillingPolicy()
	if tj.Rounding != nil {
		if err := validate.Struct(tj.Rounding); err != nil {
			return care.Tenant{}, fmt.Errorf("invalid rounding: %w", err)
		}
		var err error
		if policy, err = parsePolicy(*tj.Rounding, policy); err != nil {
			return care.Tenant{}, err
		}
	}

	tenant := care.Tenant{
		ID:            care.TenantID(orNewID(tj.ID)),
		Name:          tj.Name,
		City:          tj.City,
		FacilityScale: care.FacilityScale(tj.FacilityScale),
		Policy:        policy,
	}
	if f.Areas != nil {
		if err := f.Areas.ValidateTenant(tenant); err != nil {
			return care.Tenant{}, err
		}
	}
	return tenant, nil
}

// TenantToJSON converts a tenant back to its JSON form.
func TenantToJSON(t care.Tenant) TenantJSON {
	return TenantJSON{
		ID:            string(t.ID),
		Name:          t.Name,
		City:          t.City,
		FacilityScale: string(t.FacilityScale),
		Rounding: &PolicyJSON{
			Line:      t.Policy.LineRounding.String(),
			Unit:      t.Policy.UnitRounding.String(),
			Copayment: t.Policy.CopaymentRounding.String(),
			Excess:    t.Policy.ExcessRounding.String(),
		},
	}
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

// parsePolicy overlays the set fields of pj on base.
func parsePolicy(pj PolicyJSON, base care.BillingPolicy) (care.BillingPolicy, error) {
	steps := []struct {
		value string
		dst   *care.Rounding
	}{
		{pj.Line, &base.LineRounding},
		{pj.Unit, &base.UnitRounding},
		{pj.Copayment, &base.CopaymentRounding},
		{pj.Excess, &base.ExcessRounding},
	}
	for _, s := range steps {
		if s.value == "" {
			continue
		}
		r, err := care.ParseRounding(s.value)
		if err != nil {
			return care.BillingPolicy{}, err
		}
		*s.dst = r
	}
	return base, base.Validate()
}

func parseWindow(from, to string) (care.Window, error) {
	var w care.Window
	if from != "" {
		d, err := care.ParseDate(from)
		if err != nil {
			return care.Window{}, fmt.Errorf("valid_from: %w", err)
		}
		w.From = d
	}
	if to != "" {
		d, err := care.ParseDate(to)
		if err != nil {
			return care.Window{}, fmt.Errorf("valid_to: %w", err)
		}
		if !w.From.IsZero() && d.Before(w.From) {
			return care.Window{}, fmt.Errorf("valid_to %s is before valid_from %s", d, w.From)
		}
		w.To = &d
	}
	return w, nil
}

func formatWindow(w care.Window) (from, to string) {
	if !w.From.IsZero() {
		from = w.From.String()
	}
	if w.To != nil {
		to = w.To.String()
	}
	return from, to
}

func orNewID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}
