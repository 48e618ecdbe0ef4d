package factory_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/care-billing/care"
	"github.com/warp/care-billing/factory"
	"github.com/warp/care-billing/tariff"
)

func TestParseTenant_DefaultsRoundingPolicy(t *testing.T) {
	f := factory.NewTenantFactory(tariff.DefaultAreaGrades())

	tenant, err := f.ParseTenant(`{
		"id": "tenant-1",
		"name": "ひだまりデイサービス",
		"city": "東京都町田市",
		"facility_scale": "large_1"
	}`)
	require.NoError(t, err)
	assert.Equal(t, care.TenantID("tenant-1"), tenant.ID)
	assert.Equal(t, care.ScaleLarge1, tenant.FacilityScale)
	assert.Equal(t, care.DefaultBillingPolicy(), tenant.Policy)
}

func TestParseTenant_RoundingOverride(t *testing.T) {
	f := factory.NewTenantFactory(tariff.DefaultAreaGrades())

	tenant, err := f.ParseTenant(`{
		"name": "あおぞら",
		"city": "東京都特別区",
		"facility_scale": "normal",
		"rounding": {"unit": "half_up"}
	}`)
	require.NoError(t, err)
	assert.NotEmpty(t, tenant.ID, "id is generated when omitted")
	assert.Equal(t, care.RoundHalfUp, tenant.Policy.UnitRounding)
	assert.Equal(t, care.RoundTruncate, tenant.Policy.ExcessRounding)

	back := factory.TenantToJSON(tenant)
	assert.Equal(t, "half_up", back.Rounding.Unit)
	assert.Equal(t, "truncate", back.Rounding.Excess)
}

func TestParseTenant_Rejections(t *testing.T) {
	f := factory.NewTenantFactory(tariff.DefaultAreaGrades())

	tests := []struct {
		name string
		json string
		is   error
	}{
		{"unknown_city", `{"name":"x","city":"Atlantis","facility_scale":"normal"}`, care.ErrUnsupportedArea},
		{"unknown_scale", `{"name":"x","city":"東京都特別区","facility_scale":"huge"}`, nil},
		{"bad_rounding", `{"name":"x","city":"東京都特別区","facility_scale":"normal","rounding":{"line":"bankers"}}`, nil},
		{"missing_name", `{"city":"東京都特別区","facility_scale":"normal"}`, nil},
		{"not_json", `{`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ParseTenant(tt.json)
			require.Error(t, err)
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
		})
	}
}

func TestCertificationFromJSON(t *testing.T) {
	cert, err := factory.CertificationFromJSON("t1", factory.CertificationJSON{
		ClientID:           "c1",
		CareLevel:          "care_2",
		MonthlyUnitCeiling: 19705,
		CopaymentRate:      "2/10",
		ValidFrom:          "2025-04-01",
		ValidTo:            "2026-03-31",
	})
	require.NoError(t, err)
	assert.Equal(t, care.CareLevel2, cert.CareLevel)
	assert.Equal(t, care.Ratio{Num: 2, Den: 10}, cert.CopaymentRate)
	require.NotNil(t, cert.Valid.To)
	assert.Equal(t, care.NewDate(2026, time.March, 31), *cert.Valid.To)

	_, err = factory.CertificationFromJSON("t1", factory.CertificationJSON{
		ClientID: "c1", CareLevel: "care_1", MonthlyUnitCeiling: 30000, CopaymentRate: "1/10", ValidFrom: "2025-04-01",
	})
	assert.Error(t, err, "ceiling above the statutory limit")

	_, err = factory.CertificationFromJSON("t1", factory.CertificationJSON{
		ClientID: "c1", CareLevel: "care_1", MonthlyUnitCeiling: 16765, CopaymentRate: "ten percent", ValidFrom: "2025-04-01",
	})
	assert.Error(t, err)

	_, err = factory.CertificationFromJSON("t1", factory.CertificationJSON{
		ClientID: "c1", CareLevel: "care_1", MonthlyUnitCeiling: 16765, CopaymentRate: "1/10",
		ValidFrom: "2025-04-01", ValidTo: "2025-03-01",
	})
	assert.Error(t, err)
}

func TestParsePriceSheet(t *testing.T) {
	listings, err := factory.ParsePriceSheet("t1", `[
		{"code": "day_service_care_1", "name": "通所介護(要介護1)", "unit_price": 7053, "valid_from": "2024-04-01"},
		{"code": "bathing", "unit_price": 428, "valid_from": "2024-04-01", "active": false}
	]`)
	require.NoError(t, err)
	require.Len(t, listings, 2)
	assert.True(t, listings[0].Active)
	assert.False(t, listings[1].Active)
	assert.Equal(t, care.TenantID("t1"), listings[1].TenantID)

	_, err = factory.ParsePriceSheet("t1", `[
		{"code": "bathing", "unit_price": 428, "valid_from": "2024-04-01"},
		{"code": "bathing", "unit_price": 430, "valid_from": "2024-04-01"}
	]`)
	assert.Error(t, err)

	_, err = factory.ParsePriceSheet("t1", `[{"code": "bathing", "unit_price": -1}]`)
	assert.Error(t, err)
}

func TestStandardPriceSheet_CoversTariff(t *testing.T) {
	listings, err := factory.StandardPriceSheet("t1", decimal.RequireFromString("10.72"), care.NewDate(2024, time.April, 1), care.RoundTruncate)
	require.NoError(t, err)
	assert.Len(t, listings, len(tariff.CareLevels())+len(tariff.Catalog()))

	catalog := care.PriceListings(listings)
	on := care.NewDate(2025, time.April, 1)
	base, err := catalog.Lookup("day_service_care_1", on)
	require.NoError(t, err)
	assert.Equal(t, int64(7053), base.UnitPrice) // 658 x 10.72 = 7053.76

	bath, err := catalog.Lookup(tariff.AdditionBathing.PriceCode(), on)
	require.NoError(t, err)
	assert.Equal(t, int64(428), bath.UnitPrice) // 40 x 10.72 = 428.8
}

func TestContractFromJSON(t *testing.T) {
	c, err := factory.ContractFromJSON("t1", factory.ContractJSON{
		ClientID: "c1",
		StartsOn: "2025-01-01",
		Services: care.ServiceFlags{Bath: true},
	})
	require.NoError(t, err)
	assert.True(t, c.ActiveOn(care.NewDate(2030, time.January, 1)))
	assert.Equal(t, []tariff.Addition{tariff.AdditionBathing}, tariff.ApplicableAdditions(c.Services))

	_, err = factory.ContractFromJSON("t1", factory.ContractJSON{ClientID: "c1", StartsOn: "01/01/2025"})
	assert.Error(t, err)
}
