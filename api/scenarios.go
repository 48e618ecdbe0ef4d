/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built facilities that populate the store with realistic
	data for demos. Each scenario creates a tenant with a standard price
	sheet, clients with certifications and contracts, and one month of
	attendance ready to be billed.

AVAILABLE SCENARIOS:

	standard-facility: Three clients within their ceilings, bath and rehab additions
	over-ceiling:      One client whose attendance exceeds the benefit ceiling
	missing-data:      A client without certification and one with absences

HOW SCENARIOS WORK:
 1. Save the tenant (area checked by the tenant factory)
 2. Save the standard price sheet at the tenant's area rate
 3. Save clients, certifications and contracts
 4. Save attendance for the previous month

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "over-ceiling"}

	then
	POST /api/tenants/demo-over-ceiling/invoices/generate

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx, month)
 3. Add case to loadScenario

NOTE:

	Records are upserted under a tenant of their own, so loading a
	scenario twice is harmless and never touches other tenants.

SEE ALSO:
  - handlers.go: error and JSON helpers
  - factory/records.go: StandardPriceSheet
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/care-billing/care"
	"github.com/warp/care-billing/factory"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "standard-facility",
		Name:        "Standard Facility",
		Description: "Three clients at care levels 1-3, all within their monthly ceiling",
	},
	{
		ID:          "over-ceiling",
		Name:        "Over Ceiling",
		Description: "Daily attendance beyond a reduced ceiling: insured and excess units split",
	},
	{
		ID:          "missing-data",
		Name:        "Missing Data",
		Description: "One client has no care certification and is reported as a failure",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the last loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	tenantID, month, err := h.loadScenario(r.Context(), req.ScenarioID)
	if err == errUnknownScenario {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":        "loaded",
		"scenario":      req.ScenarioID,
		"tenant_id":     string(tenantID),
		"billing_month": month.String(),
	})
}

// SeedDemo loads the standard facility. Used on startup when SEED_DEMO is set.
func (h *Handler) SeedDemo(ctx context.Context) error {
	_, _, err := h.loadScenario(ctx, "standard-facility")
	return err
}

var errUnknownScenario = fmt.Errorf("unknown scenario")

func (h *Handler) loadScenario(ctx context.Context, id string) (care.TenantID, care.Month, error) {
	month := care.MonthOf(care.DateOf(h.now())).Previous()

	var (
		tenantID care.TenantID
		err      error
	)
	switch id {
	case "standard-facility":
		tenantID, err = h.loadStandardFacilityScenario(ctx, month)
	case "over-ceiling":
		tenantID, err = h.loadOverCeilingScenario(ctx, month)
	case "missing-data":
		tenantID, err = h.loadMissingDataScenario(ctx, month)
	default:
		return "", care.Month{}, errUnknownScenario
	}
	if err != nil {
		return "", care.Month{}, err
	}

	h.mu.Lock()
	h.currentScenario = id
	h.mu.Unlock()
	h.Logger.Info().Str("scenario", id).Str("tenant_id", string(tenantID)).Str("billing_month", month.String()).Msg("scenario loaded")
	return tenantID, month, nil
}

func (h *Handler) now() time.Time {
	if h.Invoices != nil && h.Invoices.Now != nil {
		return h.Invoices.Now()
	}
	return time.Now()
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadStandardFacilityScenario(ctx context.Context, month care.Month) (care.TenantID, error) {
	tenant, err := h.createFacility(ctx, factory.TenantJSON{
		ID:            "demo-standard",
		Name:          "デイサービスさくら",
		City:          "東京都特別区",
		FacilityScale: "normal",
	}, month)
	if err != nil {
		return "", err
	}

	clients := []demoClient{
		{id: "c-001", name: "山田 花子", level: "care_1", ceiling: 16765, rate: "1/10", flags: care.ServiceFlags{Bath: true}},
		{id: "c-002", name: "佐藤 一郎", level: "care_2", ceiling: 19705, rate: "2/10", flags: care.ServiceFlags{Bath: true, Rehabilitation: true}},
		{id: "c-003", name: "鈴木 和子", level: "care_3", ceiling: 27048, rate: "3/10"},
	}
	for _, c := range clients {
		if err := h.createClient(ctx, tenant.ID, c, month); err != nil {
			return "", err
		}
		// Mondays and Thursdays
		if err := h.createAttendance(ctx, tenant.ID, c.id, month, func(d care.Date) care.AttendanceStatus {
			if d.Weekday() == time.Monday || d.Weekday() == time.Thursday {
				return care.AttendancePresent
			}
			return ""
		}); err != nil {
			return "", err
		}
	}
	return tenant.ID, nil
}

func (h *Handler) loadOverCeilingScenario(ctx context.Context, month care.Month) (care.TenantID, error) {
	tenant, err := h.createFacility(ctx, factory.TenantJSON{
		ID:            "demo-over-ceiling",
		Name:          "デイサービスひまわり",
		City:          "北海道札幌市",
		FacilityScale: "large_1",
	}, month)
	if err != nil {
		return "", err
	}

	c := demoClient{id: "c-101", name: "高橋 次郎", level: "care_1", ceiling: 5000, rate: "1/10",
		flags: care.ServiceFlags{Bath: true, Rehabilitation: true}}
	if err := h.createClient(ctx, tenant.ID, c, month); err != nil {
		return "", err
	}
	// Every weekday
	err = h.createAttendance(ctx, tenant.ID, c.id, month, func(d care.Date) care.AttendanceStatus {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			return ""
		}
		return care.AttendancePresent
	})
	return tenant.ID, err
}

func (h *Handler) loadMissingDataScenario(ctx context.Context, month care.Month) (care.TenantID, error) {
	tenant, err := h.createFacility(ctx, factory.TenantJSON{
		ID:            "demo-missing-data",
		Name:          "デイサービスあおば",
		City:          "沖縄県那覇市",
		FacilityScale: "normal",
		Rounding:      &factory.PolicyJSON{Line: "truncate"},
	}, month)
	if err != nil {
		return "", err
	}

	ok := demoClient{id: "c-201", name: "伊藤 三郎", level: "care_2", ceiling: 19705, rate: "1/10"}
	if err := h.createClient(ctx, tenant.ID, ok, month); err != nil {
		return "", err
	}
	// Alternate present and absent on Wednesdays
	wednesday := 0
	if err := h.createAttendance(ctx, tenant.ID, ok.id, month, func(d care.Date) care.AttendanceStatus {
		if d.Weekday() != time.Wednesday {
			return ""
		}
		wednesday++
		if wednesday%2 == 0 {
			return care.AttendanceAbsent
		}
		return care.AttendancePresent
	}); err != nil {
		return "", err
	}

	uncertified := demoClient{id: "c-202", name: "渡辺 四郎", level: "", rate: "1/10"}
	if err := h.createClient(ctx, tenant.ID, uncertified, month); err != nil {
		return "", err
	}
	err = h.createAttendance(ctx, tenant.ID, uncertified.id, month, func(d care.Date) care.AttendanceStatus {
		if d.Weekday() == time.Friday {
			return care.AttendancePresent
		}
		return ""
	})
	return tenant.ID, err
}

// =============================================================================
// HELPERS
// =============================================================================

type demoClient struct {
	id      string
	name    string
	level   string // empty: no certification
	ceiling int64
	rate    string
	flags   care.ServiceFlags
}

// createFacility saves the tenant and a price sheet valid from a year
// before the month at the tenant's area rate.
func (h *Handler) createFacility(ctx context.Context, tj factory.TenantJSON, month care.Month) (care.Tenant, error) {
	tenant, err := h.Tenants.TenantFromJSON(tj)
	if err != nil {
		return care.Tenant{}, err
	}
	if err := h.Store.SaveTenant(ctx, tenant); err != nil {
		return care.Tenant{}, fmt.Errorf("save tenant: %w", err)
	}

	from := month.Start().AddMonths(-12)
	rate, err := h.Areas.RateFor(tenant.City, tenant.FacilityScale, month.Start())
	if err != nil {
		return care.Tenant{}, err
	}
	sheet, err := factory.StandardPriceSheet(tenant.ID, rate, from, tenant.Policy.LineRounding)
	if err != nil {
		return care.Tenant{}, err
	}
	for _, p := range sheet {
		if err := h.Store.SavePriceListing(ctx, p); err != nil {
			return care.Tenant{}, fmt.Errorf("save price %s: %w", p.Code, err)
		}
	}
	return tenant, nil
}

func (h *Handler) createClient(ctx context.Context, tenantID care.TenantID, c demoClient, month care.Month) error {
	if err := h.Store.SaveClient(ctx, care.Client{ID: care.ClientID(c.id), TenantID: tenantID, Name: c.name, Active: true}); err != nil {
		return fmt.Errorf("save client %s: %w", c.id, err)
	}

	validFrom := month.Start().AddMonths(-6).String()
	if c.level != "" {
		cert, err := factory.CertificationFromJSON(tenantID, factory.CertificationJSON{
			ID:                 c.id + "-cert",
			ClientID:           c.id,
			CareLevel:          c.level,
			MonthlyUnitCeiling: c.ceiling,
			CopaymentRate:      c.rate,
			ValidFrom:          validFrom,
		})
		if err != nil {
			return err
		}
		if err := h.Store.SaveCertification(ctx, cert); err != nil {
			return fmt.Errorf("save certification %s: %w", cert.ID, err)
		}
	}

	contract, err := factory.ContractFromJSON(tenantID, factory.ContractJSON{
		ID:       c.id + "-contract",
		ClientID: c.id,
		StartsOn: validFrom,
		Services: c.flags,
	})
	if err != nil {
		return err
	}
	if err := h.Store.SaveContract(ctx, contract); err != nil {
		return fmt.Errorf("save contract %s: %w", contract.ID, err)
	}
	return nil
}

// createAttendance saves one record per day of the month for which
// status returns a non-empty status.
func (h *Handler) createAttendance(ctx context.Context, tenantID care.TenantID, clientID string, month care.Month, status func(care.Date) care.AttendanceStatus) error {
	for d := month.Start(); !d.After(month.End()); d = d.AddDays(1) {
		s := status(d)
		if s == "" {
			continue
		}
		att := care.Attendance{
			ID:          fmt.Sprintf("%s-%s-%s", tenantID, clientID, d),
			TenantID:    tenantID,
			ClientID:    care.ClientID(clientID),
			ServiceDate: d,
			Status:      s,
		}
		if err := h.Store.SaveAttendance(ctx, att); err != nil {
			return fmt.Errorf("save attendance %s: %w", att.ID, err)
		}
	}
	return nil
}
