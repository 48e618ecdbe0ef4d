package sqlite_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/care-billing/care"
	"github.com/warp/care-billing/invoice"
	"github.com/warp/care-billing/store/sqlite"
	"github.com/warp/care-billing/tariff"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var (
	ctx    = context.Background()
	april  = care.NewMonth(2025, time.April)
	tenant = care.Tenant{
		ID:            "tenant-1",
		Name:          "ひだまりデイサービス",
		City:          "北海道利尻富士町",
		FacilityScale: care.ScaleNormal,
		Policy:        care.DefaultBillingPolicy(),
	}
)

// seed stores a tenant with a units x 10 price sheet and one care_1 client
// attending the given April days with both additions enabled.
func seed(t *testing.T, s *sqlite.Store, days ...int) {
	t.Helper()
	require.NoError(t, s.SaveTenant(ctx, tenant))

	since := care.Window{From: care.NewDate(2024, time.April, 1)}
	base, err := tariff.BaseServiceFor(care.CareLevel1)
	require.NoError(t, err)
	prices := []care.PriceListing{{
		ID: "p-base", TenantID: tenant.ID, Code: base.PriceCode(), Name: base.Name,
		UnitPrice: base.Units.Int64() * 10, Valid: since, Active: true,
	}}
	for _, a := range tariff.Catalog() {
		prices = append(prices, care.PriceListing{
			ID: "p-" + a.Code(), TenantID: tenant.ID, Code: a.PriceCode(), Name: a.Name(),
			UnitPrice: a.Units().Int64() * 10, Valid: since, Active: true,
		})
	}
	for _, p := range prices {
		require.NoError(t, s.SavePriceListing(ctx, p))
	}

	require.NoError(t, s.SaveClient(ctx, care.Client{ID: "c1", TenantID: tenant.ID, Name: "山田 花子", Active: true}))
	require.NoError(t, s.SaveCertification(ctx, care.CareCertification{
		ID: "cert-1", TenantID: tenant.ID, ClientID: "c1",
		CareLevel: care.CareLevel1, MonthlyUnitCeiling: care.MustUnits(16765),
		CopaymentRate: care.Ratio{Num: 1, Den: 10}, Valid: since,
	}))
	require.NoError(t, s.SaveContract(ctx, care.Contract{
		ID: "k-1", TenantID: tenant.ID, ClientID: "c1", Valid: since,
		Services: care.ServiceFlags{Bath: true, Rehabilitation: true},
	}))
	for _, d := range days {
		require.NoError(t, s.SaveAttendance(ctx, care.Attendance{
			ID: fmt.Sprintf("att-%02d", d), TenantID: tenant.ID, ClientID: "c1",
			ServiceDate: care.NewDate(2025, time.April, d), Status: care.AttendancePresent,
		}))
	}
}

func newService(s *sqlite.Store) *invoice.Service {
	svc := invoice.NewService(s)
	svc.Now = func() time.Time { return time.Date(2025, time.May, 2, 9, 0, 0, 0, time.UTC) }
	svc.RetryBackoff = time.Millisecond
	return svc
}

// =============================================================================
// RECORDS
// =============================================================================

func TestStore_TenantRoundTrip(t *testing.T) {
	s := newStore(t)

	custom := tenant
	custom.Policy.UnitRounding = care.RoundHalfUp
	require.NoError(t, s.SaveTenant(ctx, custom))

	got, err := s.GetTenant(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, custom, *got)

	_, err = s.GetTenant(ctx, "nobody")
	assert.ErrorIs(t, err, care.ErrTenantNotFound)

	custom.Name = "renamed"
	require.NoError(t, s.SaveTenant(ctx, custom))
	all, err := s.ListTenants(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "renamed", all[0].Name)
}

func TestStore_RecordsRoundTrip(t *testing.T) {
	s := newStore(t)
	seed(t, s, 1, 2, 3)

	certs, err := s.ListCertifications(ctx, tenant.ID, "c1")
	require.NoError(t, err)
	require.Len(t, certs, 1)
	assert.Equal(t, care.MustUnits(16765), certs[0].MonthlyUnitCeiling)
	assert.Equal(t, care.Ratio{Num: 1, Den: 10}, certs[0].CopaymentRate)
	assert.Nil(t, certs[0].Valid.To)

	contracts, err := s.ListContracts(ctx, tenant.ID, "c1")
	require.NoError(t, err)
	require.Len(t, contracts, 1)
	assert.True(t, contracts[0].Services.Bath)
	assert.True(t, contracts[0].Services.Rehabilitation)

	prices, err := s.ListPriceListings(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Len(t, prices, 1+len(tariff.Catalog()))

	_, err = s.GetClient(ctx, tenant.ID, "c2")
	assert.ErrorIs(t, err, care.ErrClientNotFound)
}

func TestStore_ListAttendanceWithinPeriod(t *testing.T) {
	s := newStore(t)
	seed(t, s, 3, 1, 2)
	require.NoError(t, s.SaveAttendance(ctx, care.Attendance{
		ID: "att-may", TenantID: tenant.ID, ClientID: "c1",
		ServiceDate: care.NewDate(2025, time.May, 1), Status: care.AttendancePresent,
	}))

	got, err := s.ListAttendance(ctx, tenant.ID, "c1", april.Period())
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, a := range got {
		assert.Equal(t, i+1, a.ServiceDate.Day(), "ordered by date")
	}
}

// =============================================================================
// INVOICE TRANSACTIONS
// =============================================================================

func sampleInvoice(id care.InvoiceID) (care.Invoice, []care.LineItem) {
	inv := care.Invoice{
		ID: id, TenantID: tenant.ID, ClientID: "c1", BillingMonth: april, Status: care.InvoiceDraft,
		SubtotalAmount: 6580, InsuranceClaimAmount: 5922, InsuredCopaymentAmount: 658, TotalAmount: 658,
		TotalUnits: care.MustUnits(658), InsuredUnits: care.MustUnits(658),
		UnitRate:    decimal.NewFromInt(10),
		GeneratedBy: "staff-1", GeneratedAt: time.Date(2025, time.May, 2, 9, 0, 0, 0, time.UTC),
	}
	line := care.LineItem{
		ID: "line-1", TenantID: tenant.ID, InvoiceID: id, AttendanceID: "att-01", PriceListingID: "p-base",
		ServiceDate: care.NewDate(2025, time.April, 1), Code: "day_service_care_1", ItemName: "通所介護",
		ServiceCode: "151111", Units: care.MustUnits(658), Quantity: decimal.NewFromInt(1),
		UnitPrice: 6580, LineTotal: 6580,
	}
	return inv, []care.LineItem{line}
}

func TestStore_InsertAndReplaceInvoice(t *testing.T) {
	s := newStore(t)
	seed(t, s)
	inv, lines := sampleInvoice("inv-1")

	require.NoError(t, s.WithTx(ctx, func(w care.InvoiceWriter) error {
		return w.InsertInvoice(ctx, inv, lines)
	}))

	got, err := s.FindInvoice(ctx, tenant.ID, "c1", april)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.UnitRate.Equal(decimal.NewFromInt(10)))
	assert.True(t, got.GeneratedAt.Equal(inv.GeneratedAt))
	assert.Equal(t, int64(658), got.TotalAmount)

	stored, err := s.ListLineItems(ctx, tenant.ID, "inv-1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "151111", stored[0].ServiceCode)

	// Delete + insert in one transaction; lines cascade away with the invoice
	require.NoError(t, s.WithTx(ctx, func(w care.InvoiceWriter) error {
		current, err := w.LockInvoice(ctx, tenant.ID, "c1", april)
		if err != nil {
			return err
		}
		if err := w.DeleteInvoice(ctx, tenant.ID, current.ID); err != nil {
			return err
		}
		return w.InsertInvoice(ctx, inv, lines)
	}))
	stored, err = s.ListLineItems(ctx, tenant.ID, "inv-1")
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestStore_InsertConflictsMapToDomainErrors(t *testing.T) {
	s := newStore(t)
	seed(t, s)
	inv, lines := sampleInvoice("inv-1")
	require.NoError(t, s.WithTx(ctx, func(w care.InvoiceWriter) error {
		return w.InsertInvoice(ctx, inv, lines)
	}))

	// Second invoice for the same client and month
	other, _ := sampleInvoice("inv-2")
	err := s.WithTx(ctx, func(w care.InvoiceWriter) error {
		return w.InsertInvoice(ctx, other, nil)
	})
	assert.ErrorIs(t, err, care.ErrConcurrentRegeneration)

	// Same attendance and code billed from another month's invoice
	may, mayLines := sampleInvoice("inv-3")
	may.BillingMonth = april.Next()
	mayLines[0].ID = "line-3"
	mayLines[0].InvoiceID = "inv-3"
	err = s.WithTx(ctx, func(w care.InvoiceWriter) error {
		return w.InsertInvoice(ctx, may, mayLines)
	})
	var dup *care.DuplicateLineError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "att-01", dup.AttendanceID)

	// The failed transaction left nothing behind
	found, err := s.FindInvoice(ctx, tenant.ID, "c1", april.Next())
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestStore_UpdateInvoiceStatus(t *testing.T) {
	s := newStore(t)
	seed(t, s)
	inv, lines := sampleInvoice("inv-1")
	require.NoError(t, s.WithTx(ctx, func(w care.InvoiceWriter) error {
		return w.InsertInvoice(ctx, inv, lines)
	}))

	fixedAt := time.Date(2025, time.May, 3, 10, 0, 0, 0, time.UTC)
	inv.Status = care.InvoiceFixed
	inv.FixedBy = "manager"
	inv.FixedAt = &fixedAt
	require.NoError(t, s.WithTx(ctx, func(w care.InvoiceWriter) error {
		return w.UpdateInvoiceStatus(ctx, inv)
	}))

	got, err := s.GetInvoice(ctx, tenant.ID, "inv-1")
	require.NoError(t, err)
	assert.True(t, got.IsFixed())
	assert.Equal(t, "manager", got.FixedBy)
	require.NotNil(t, got.FixedAt)
	assert.True(t, got.FixedAt.Equal(fixedAt))

	_, err = s.GetInvoice(ctx, "tenant-2", "inv-1")
	assert.ErrorIs(t, err, care.ErrInvoiceNotFound, "invoices are tenant-scoped")
}

// =============================================================================
// GENERATION AGAINST SQLITE
// =============================================================================

func TestStore_RoundingAdjustmentPersists(t *testing.T) {
	s := newStore(t)
	seed(t, s, 1, 2, 3, 4)
	tokyo := tenant
	tokyo.City = "東京都特別区"
	require.NoError(t, s.SaveTenant(ctx, tokyo))
	svc := newService(s)

	// 3096 units x 10.90 = 33746 against 4 x 7740 = 30960 of lines
	req := invoice.GenerateRequest{TenantID: tenant.ID, Month: april, Mode: invoice.ModeReplace, Actor: "staff-1"}
	for i := 0; i < 2; i++ {
		_, err := svc.Generate(ctx, req)
		require.NoError(t, err)

		view, err := svc.Get(ctx, tenant.ID, invoice.InvoiceIDFor(tenant.ID, "c1", april))
		require.NoError(t, err)
		require.Equal(t, 13, view.LineCount)
		last := view.Lines[12]
		assert.Equal(t, invoice.RoundingAdjustmentCode, last.Code)
		assert.Equal(t, int64(2786), last.LineTotal)
		assert.Empty(t, last.PriceListingID)
		assert.Equal(t, int64(33746), view.Invoice.SubtotalAmount)
		assert.Equal(t, view.Invoice.SubtotalAmount, view.Invoice.InsuranceClaimAmount+view.Invoice.InsuredCopaymentAmount)
	}
}

func TestStore_GenerationIsIdempotent(t *testing.T) {
	s := newStore(t)
	seed(t, s, 1, 2, 3, 4, 7)
	svc := newService(s)

	req := invoice.GenerateRequest{TenantID: tenant.ID, Month: april, Mode: invoice.ModeReplace, Actor: "staff-1"}
	first, err := svc.Generate(ctx, req)
	require.NoError(t, err)
	require.Equal(t, 1, first.Generated)
	require.Empty(t, first.Failures)

	id := invoice.InvoiceIDFor(tenant.ID, "c1", april)
	before, err := svc.Get(ctx, tenant.ID, id)
	require.NoError(t, err)
	// 5 days x (base + bathing + functional training)
	assert.Equal(t, 15, before.LineCount)
	assert.Equal(t, int64((658+40+76)*5), before.Invoice.TotalUnits.Int64())

	second, err := svc.Generate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Replaced)

	after, err := svc.Get(ctx, tenant.ID, id)
	require.NoError(t, err)
	assert.Equal(t, before.Lines, after.Lines)
	assert.Equal(t, before.Invoice.TotalAmount, after.Invoice.TotalAmount)

	_, err = svc.Fix(ctx, tenant.ID, id, "manager")
	require.NoError(t, err)
	third, err := svc.Generate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, third.SkippedFixed)
}
