/*
handlers_test.go - HTTP tests for the billing API

Tests for:
- Scenario loading followed by generation (over ceiling, missing data)
- Invoice read, fix and reopen through the API
- Upstream record ingestion end to end
- Error status mapping
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/care-billing/care"
	"github.com/warp/care-billing/care/store"
	"github.com/warp/care-billing/factory"
	"github.com/warp/care-billing/invoice"
	"github.com/warp/care-billing/tariff"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// fixedNow puts scenarios and the scheduler in May 2025, so the billed
// month is April 2025: 22 weekdays, Mondays and Thursdays on 8 days.
var fixedNow = time.Date(2025, time.May, 10, 9, 0, 0, 0, time.UTC)

type testServer struct {
	t       *testing.T
	handler *Handler
	router  http.Handler
	store   *store.Memory
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mem := store.NewMemory()
	svc := invoice.NewService(mem)
	svc.Now = func() time.Time { return fixedNow }
	svc.RetryBackoff = 0
	h := NewHandler(mem, svc, zerolog.Nop())
	return &testServer{t: t, handler: h, router: NewRouter(h, nil), store: mem}
}

func (s *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) loadScenario(id string) string {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: id})
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[map[string]string](s.t, rec)
	require.Equal(s.t, "2025-04", out["billing_month"])
	return out["tenant_id"]
}

func (s *testServer) generate(tenantID string, req GenerateRequest) *httptest.ResponseRecorder {
	s.t.Helper()
	return s.do(http.MethodPost, "/api/tenants/"+tenantID+"/invoices/generate", req)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// =============================================================================
// GENERATION
// =============================================================================

func TestGenerate_OverCeilingScenario(t *testing.T) {
	s := newTestServer(t)
	tenantID := s.loadScenario("over-ceiling")

	rec := s.generate(tenantID, GenerateRequest{BillingMonth: "2025-04", Actor: "staff-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode[BatchResultDTO](t, rec)

	assert.Equal(t, "replace", result.Mode)
	assert.Equal(t, 1, result.Generated)
	assert.Empty(t, result.Failures)
	require.Len(t, result.Invoices, 1)

	inv := result.Invoices[0]
	assert.Equal(t, "c-101", inv.ClientID)
	assert.Equal(t, "draft", inv.Status)
	assert.Equal(t, int64(22*774), inv.TotalUnits)
	assert.Equal(t, int64(5000), inv.InsuredUnits)
	assert.Equal(t, int64(22*774-5000), inv.ExcessUnits)
	assert.Positive(t, inv.ExcessCopaymentAmount)
	assert.Equal(t, inv.InsuredCopaymentAmount+inv.ExcessCopaymentAmount, inv.TotalAmount)
	assert.Equal(t, "staff-1", inv.GeneratedBy)

	rec = s.do(http.MethodGet, "/api/tenants/"+tenantID+"/invoices/"+inv.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	detail := decode[InvoiceDetailDTO](t, rec)
	// 22 days x 3 lines, then the rounding adjustment. At 9.69 yen per unit
	// the daily lines total 22 x (6376+388+736) = 165000, while the unit
	// conversion gives 48450 insured + 116551 excess = 165001.
	assert.Equal(t, 67, detail.LineCount)
	require.Len(t, detail.Lines, 67)
	assert.Equal(t, "2025-04-01", detail.Lines[0].ServiceDate)
	assert.Equal(t, "2025-04-30", detail.Lines[65].ServiceDate)
	adjustment := detail.Lines[66]
	assert.Equal(t, invoice.RoundingAdjustmentCode, adjustment.Code)
	assert.Equal(t, int64(1), adjustment.LineTotal)

	var subtotal int64
	for _, l := range detail.Lines {
		subtotal += l.LineTotal
	}
	assert.Equal(t, inv.SubtotalAmount, subtotal)
	assert.Equal(t, int64(165001), inv.SubtotalAmount)
	assert.Equal(t, inv.SubtotalAmount, inv.InsuranceClaimAmount+inv.InsuredCopaymentAmount+inv.ExcessCopaymentAmount)
}

func TestGenerate_MissingDataReportsFailure(t *testing.T) {
	s := newTestServer(t)
	tenantID := s.loadScenario("missing-data")

	rec := s.generate(tenantID, GenerateRequest{BillingMonth: "2025-04", Mode: "skip_existing", Actor: "staff-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode[BatchResultDTO](t, rec)

	assert.Equal(t, 1, result.Generated)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "c-202", result.Failures[0].ClientID)
	assert.Equal(t, string(care.KindMissingBenefitLimit), result.Failures[0].Kind)

	// Absences on alternate Wednesdays are not billed: 3 of 5 days, base only.
	require.Len(t, result.Invoices, 1)
	assert.Equal(t, int64(3*777), result.Invoices[0].TotalUnits)
}

func TestGenerate_AllOrNothingAbortsWith422(t *testing.T) {
	s := newTestServer(t)
	tenantID := s.loadScenario("missing-data")

	rec := s.generate(tenantID, GenerateRequest{BillingMonth: "2025-04", Actor: "staff-1", AllOrNothing: true})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	result := decode[BatchResultDTO](t, rec)
	assert.Zero(t, result.Generated)
	assert.Len(t, result.Failures, 1)

	rec = s.do(http.MethodGet, "/api/tenants/"+tenantID+"/invoices?month=2025-04", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]InvoiceDTO](t, rec))
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestFixAndReopenThroughAPI(t *testing.T) {
	s := newTestServer(t)
	tenantID := s.loadScenario("standard-facility")

	rec := s.generate(tenantID, GenerateRequest{BillingMonth: "2025-04", Actor: "staff-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode[BatchResultDTO](t, rec)
	require.Equal(t, 3, result.Generated)

	base := "/api/tenants/" + tenantID + "/invoices/" + result.Invoices[0].ID
	rec = s.do(http.MethodPost, base+"/fix", StatusChangeRequest{Actor: "manager"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	fixed := decode[InvoiceDTO](t, rec)
	assert.Equal(t, "fixed", fixed.Status)
	assert.Equal(t, "manager", fixed.FixedBy)
	assert.NotNil(t, fixed.FixedAt)

	// Fixing twice is a conflict.
	rec = s.do(http.MethodPost, base+"/fix", StatusChangeRequest{Actor: "manager"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Replace leaves the fixed invoice alone.
	rec = s.generate(tenantID, GenerateRequest{BillingMonth: "2025-04", Actor: "staff-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	again := decode[BatchResultDTO](t, rec)
	assert.Equal(t, 2, again.Replaced)
	assert.Equal(t, 1, again.SkippedFixed)

	rec = s.do(http.MethodPost, base+"/reopen", StatusChangeRequest{Actor: "manager"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "draft", decode[InvoiceDTO](t, rec).Status)

	rec = s.do(http.MethodGet, "/api/tenants/"+tenantID+"/invoices?month=2025-04", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]InvoiceDTO](t, rec), 3)
}

// =============================================================================
// INGESTION
// =============================================================================

func TestIngestThenGenerate(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPut, "/api/tenants/t-ingest", factory.TenantJSON{
		Name: "ひだまりデイサービス", City: "北海道利尻富士町", FacilityScale: "normal",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "t-ingest", decode[factory.TenantJSON](t, rec).ID)

	sheet, err := factory.StandardPriceSheet("t-ingest", decimal.NewFromInt(10), care.NewDate(2024, time.April, 1), care.RoundHalfUp)
	require.NoError(t, err)
	prices := make([]factory.PriceListingJSON, len(sheet))
	for i, p := range sheet {
		prices[i] = factory.PriceListingToJSON(p)
	}
	rec = s.do(http.MethodPut, "/api/tenants/t-ingest/prices", prices)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(http.MethodPost, "/api/tenants/t-ingest/clients", ClientRequest{ID: "c1", Name: "田中 良子"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(http.MethodPost, "/api/tenants/t-ingest/certifications", factory.CertificationJSON{
		ClientID: "c1", CareLevel: "care_1", MonthlyUnitCeiling: 16765, CopaymentRate: "1/10", ValidFrom: "2025-01-01",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotEmpty(t, decode[factory.CertificationJSON](t, rec).ID)

	rec = s.do(http.MethodPost, "/api/tenants/t-ingest/contracts", factory.ContractJSON{
		ClientID: "c1", StartsOn: "2025-01-01", Services: care.ServiceFlags{Bath: true},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	for _, day := range []string{"2025-04-01", "2025-04-02"} {
		rec = s.do(http.MethodPost, "/api/tenants/t-ingest/attendance", AttendanceRequest{
			ID: "att-" + day, ClientID: "c1", ServiceDate: day, Status: "present",
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec = s.generate("t-ingest", GenerateRequest{BillingMonth: "2025-04-01", Actor: "staff-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode[BatchResultDTO](t, rec)
	require.Len(t, result.Invoices, 1)

	inv := result.Invoices[0]
	assert.Equal(t, int64(2*(658+40)), inv.TotalUnits)
	assert.Equal(t, int64(2*(658+40)*10), inv.SubtotalAmount)
	assert.Equal(t, inv.SubtotalAmount, inv.InsuranceClaimAmount+inv.InsuredCopaymentAmount)
	assert.Equal(t, "10.00", inv.UnitRate)
}

func TestIngest_Rejections(t *testing.T) {
	s := newTestServer(t)
	s.loadScenario("standard-facility")
	const tenant = "/api/tenants/demo-standard"

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"unknown_tenant", http.MethodPost, "/api/tenants/nope/clients", ClientRequest{ID: "c9", Name: "x"}, http.StatusNotFound},
		{"client_without_name", http.MethodPost, tenant + "/clients", ClientRequest{ID: "c9"}, http.StatusBadRequest},
		{"certification_for_unknown_client", http.MethodPost, tenant + "/certifications", factory.CertificationJSON{
			ClientID: "ghost", CareLevel: "care_1", MonthlyUnitCeiling: 100, CopaymentRate: "1/10", ValidFrom: "2025-01-01",
		}, http.StatusNotFound},
		{"ceiling_above_statutory", http.MethodPost, tenant + "/certifications", factory.CertificationJSON{
			ClientID: "c-001", CareLevel: "care_1", MonthlyUnitCeiling: 99999, CopaymentRate: "1/10", ValidFrom: "2025-01-01",
		}, http.StatusBadRequest},
		{"contract_without_start", http.MethodPost, tenant + "/contracts", factory.ContractJSON{ClientID: "c-001"}, http.StatusBadRequest},
		{"attendance_bad_status", http.MethodPost, tenant + "/attendance", AttendanceRequest{
			ID: "a1", ClientID: "c-001", ServiceDate: "2025-04-01", Status: "late",
		}, http.StatusBadRequest},
		{"attendance_bad_date", http.MethodPost, tenant + "/attendance", AttendanceRequest{
			ID: "a1", ClientID: "c-001", ServiceDate: "April 1st", Status: "present",
		}, http.StatusBadRequest},
		{"negative_price", http.MethodPut, tenant + "/prices", []factory.PriceListingJSON{{Code: "bath", UnitPrice: -1}}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

// =============================================================================
// TENANTS & ERRORS
// =============================================================================

func TestPutTenant(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPut, "/api/tenants/t1", factory.TenantJSON{
		Name: "さくら", City: "大阪府大阪市", FacilityScale: "large_2",
		Rounding: &factory.PolicyJSON{Copayment: "truncate"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(http.MethodGet, "/api/tenants/t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[factory.TenantJSON](t, rec)
	assert.Equal(t, "大阪府大阪市", got.City)
	require.NotNil(t, got.Rounding)
	assert.Equal(t, "truncate", got.Rounding.Copayment)

	rec = s.do(http.MethodPut, "/api/tenants/t2", factory.TenantJSON{Name: "x", City: "火星市", FacilityScale: "normal"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, string(care.KindUnsupportedArea), decode[ErrorResponse](t, rec).Code)

	rec = s.do(http.MethodPut, "/api/tenants/t3", factory.TenantJSON{City: "大阪府大阪市", FacilityScale: "normal"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/api/tenants", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]factory.TenantJSON](t, rec), 1)
}

func TestErrorStatuses(t *testing.T) {
	s := newTestServer(t)
	tenantID := s.loadScenario("standard-facility")
	invoices := "/api/tenants/" + tenantID + "/invoices"

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"generate_unknown_tenant", http.MethodPost, "/api/tenants/nope/invoices/generate",
			GenerateRequest{BillingMonth: "2025-04", Actor: "a"}, http.StatusNotFound},
		{"generate_mid_month", http.MethodPost, invoices + "/generate",
			GenerateRequest{BillingMonth: "2025-04-15", Actor: "a"}, http.StatusBadRequest},
		{"generate_unknown_mode", http.MethodPost, invoices + "/generate",
			GenerateRequest{BillingMonth: "2025-04", Mode: "merge", Actor: "a"}, http.StatusBadRequest},
		{"generate_without_actor", http.MethodPost, invoices + "/generate",
			GenerateRequest{BillingMonth: "2025-04"}, http.StatusBadRequest},
		{"list_without_month", http.MethodGet, invoices, nil, http.StatusBadRequest},
		{"unknown_invoice", http.MethodGet, invoices + "/missing", nil, http.StatusNotFound},
		{"fix_unknown_invoice", http.MethodPost, invoices + "/missing/fix", StatusChangeRequest{Actor: "a"}, http.StatusNotFound},
		{"fix_without_actor", http.MethodPost, invoices + "/missing/fix", StatusChangeRequest{}, http.StatusBadRequest},
		{"unknown_scenario", http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(care.ErrInvoiceNotFound))
	assert.Equal(t, http.StatusConflict, statusFor(&care.DuplicateLineError{AttendanceID: "a", Code: "bath"}))
	assert.Equal(t, http.StatusConflict, statusFor(care.ErrConcurrentRegeneration))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(&care.ClientError{ClientID: "c", Kind: care.KindMissingPriceListing, Err: care.ErrMissingPriceListing}))
	assert.Equal(t, http.StatusBadRequest, statusFor(care.ErrInvalidMonth))
	assert.Equal(t, http.StatusInternalServerError, statusFor(care.ErrInvalidRoundingInput))
}

// =============================================================================
// REFERENCE DATA & SCENARIOS
// =============================================================================

func TestReferenceData(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/areas", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	areas := decode[[]AreaDTO](t, rec)
	assert.Len(t, areas, len(tariff.DefaultAreaGrades().SupportedCities()))
	assert.Contains(t, areas, AreaDTO{City: "東京都特別区", Grade: "grade_1"})
	assert.Contains(t, areas, AreaDTO{City: "沖縄県那覇市", Grade: "other"})

	rec = s.do(http.MethodGet, "/api/additions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	additions := decode[[]AdditionDTO](t, rec)
	require.Len(t, additions, len(tariff.Catalog()))
	for _, a := range additions {
		assert.NotEmpty(t, a.ServiceCode)
		assert.Positive(t, a.Units)
	}
}

func TestScenarios(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]ScenarioDTO](t, rec), len(scenarios))

	rec = s.do(http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, "null", string(bytes.TrimSpace(rec.Body.Bytes())))

	s.loadScenario("over-ceiling")
	// Loading twice upserts the same records.
	s.loadScenario("over-ceiling")

	rec = s.do(http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, "over-ceiling", decode[ScenarioDTO](t, rec).ID)

	clients, err := s.store.ListClients(context.Background(), "demo-over-ceiling")
	require.NoError(t, err)
	assert.Len(t, clients, 1)
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
