package invoice

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/warp/care-billing/care"
	"github.com/warp/care-billing/care/store"
	"github.com/warp/care-billing/tariff"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// fixture is a tenant in a rural "other" grade town, where one unit is
// exactly 10 yen, so every price listing below is units x 10 and the yen
// lines reconcile with the unit apportionment.
type fixture struct {
	t      *testing.T
	ctx    context.Context
	store  *store.Memory
	svc    *Service
	tenant care.Tenant
	month  care.Month
}

var fixedNow = time.Date(2025, time.May, 2, 9, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		store: mem,
		month: care.NewMonth(2025, time.April),
		tenant: care.Tenant{
			ID:            "tenant-1",
			Name:          "ひだまりデイサービス",
			City:          "北海道利尻富士町",
			FacilityScale: care.ScaleNormal,
			Policy:        care.DefaultBillingPolicy(),
		},
	}
	require.NoError(t, mem.SaveTenant(f.ctx, f.tenant))

	since := care.Window{From: care.NewDate(2024, time.April, 1)}
	for _, level := range []care.CareLevel{care.CareLevel1, care.CareLevel2} {
		base, err := tariff.BaseServiceFor(level)
		require.NoError(t, err)
		f.price(base.PriceCode(), base.Units.Int64()*10, since)
	}
	for _, a := range tariff.Catalog() {
		f.price(a.PriceCode(), a.Units().Int64()*10, since)
	}

	f.svc = NewService(mem)
	f.svc.Now = func() time.Time { return fixedNow }
	f.svc.RetryBackoff = time.Millisecond
	return f
}

func (f *fixture) price(code string, yen int64, valid care.Window) {
	f.t.Helper()
	require.NoError(f.t, f.store.SavePriceListing(f.ctx, care.PriceListing{
		ID:        "price-" + code + "-" + valid.From.String(),
		TenantID:  f.tenant.ID,
		Code:      code,
		Name:      code,
		UnitPrice: yen,
		Valid:     valid,
		Active:    true,
	}))
}

type clientSpec struct {
	id      care.ClientID
	level   care.CareLevel
	ceiling int64
	flags   care.ServiceFlags
	days    int  // attended weekdays from the start of the month
	noCert  bool // no care certification at all
}

// addClient saves a client with a certification, an open contract and
// attendance on the first n weekdays of the fixture month.
func (f *fixture) addClient(c clientSpec) care.Client {
	f.t.Helper()
	client := care.Client{ID: c.id, TenantID: f.tenant.ID, Name: "client " + string(c.id), Active: true}
	require.NoError(f.t, f.store.SaveClient(f.ctx, client))

	if !c.noCert {
		require.NoError(f.t, f.store.SaveCertification(f.ctx, care.CareCertification{
			ID:                 "cert-" + string(c.id),
			TenantID:           f.tenant.ID,
			ClientID:           c.id,
			CareLevel:          c.level,
			MonthlyUnitCeiling: care.MustUnits(c.ceiling),
			CopaymentRate:      care.Ratio{Num: 1, Den: 10},
			Valid:              care.Window{From: care.NewDate(2024, time.April, 1)},
		}))
	}
	require.NoError(f.t, f.store.SaveContract(f.ctx, care.Contract{
		ID:       "contract-" + string(c.id),
		TenantID: f.tenant.ID,
		ClientID: c.id,
		Valid:    care.Window{From: care.NewDate(2024, time.April, 1)},
		Services: c.flags,
	}))

	for i, d := range f.weekdays(c.days) {
		f.attend(c.id, fmt.Sprintf("att-%s-%02d", c.id, i+1), d, care.AttendancePresent)
	}
	return client
}

func (f *fixture) attend(clientID care.ClientID, id string, d care.Date, status care.AttendanceStatus) {
	f.t.Helper()
	require.NoError(f.t, f.store.SaveAttendance(f.ctx, care.Attendance{
		ID:          id,
		TenantID:    f.tenant.ID,
		ClientID:    clientID,
		ServiceDate: d,
		Status:      status,
	}))
}

func (f *fixture) weekdays(n int) []care.Date {
	var result []care.Date
	for _, d := range f.month.Period().Days() {
		if len(result) == n {
			break
		}
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		result = append(result, d)
	}
	require.Len(f.t, result, n, "month has fewer weekdays than requested")
	return result
}

func (f *fixture) generate(mode Mode) *BatchResult {
	f.t.Helper()
	result, err := f.svc.Generate(f.ctx, GenerateRequest{
		TenantID: f.tenant.ID,
		Month:    f.month,
		Mode:     mode,
		Actor:    "staff-1",
	})
	require.NoError(f.t, err)
	return result
}

func (f *fixture) view(clientID care.ClientID) *InvoiceView {
	f.t.Helper()
	v, err := f.svc.Get(f.ctx, f.tenant.ID, InvoiceIDFor(f.tenant.ID, clientID, f.month))
	require.NoError(f.t, err)
	return v
}
