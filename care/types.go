/*
Package care provides the value types and records of the care-insurance
billing core.

PURPOSE:
  A day-service facility bills each client once per month. Attendance is
  priced per service day (base service + additions) and the month's units
  are apportioned between public insurance and the client under a benefit
  ceiling. This package holds the vocabulary every other package shares.

KEY CONCEPTS:
  - Units:          exact, non-negative billing units
  - Rounding:       the two regulation-defined yen rounding modes
  - BillingPolicy:  which rounding applies to which step, per tenant
  - Date / Month:   day-granular dates and first-of-month billing months
  - Invoice:        one per (tenant, client, billing month)
  - LineItem:       one per (tenant, attendance, billing code)

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal for every fractional step, int64 yen after rounding
  2. Type Safety: typed tenant/client/invoice IDs
  3. Auditability: every line links back to its attendance and price listing
  4. Replace, never patch: an invoice is rebuilt from one snapshot of inputs

SEE ALSO:
  - store.go: persistence interfaces
  - errors.go: error kinds
  - tariff/: additions, base service, area grades, benefit limits
  - invoice/: the monthly generation service
*/
package care

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TenantID string
type ClientID string
type InvoiceID string

// =============================================================================
// TENANT & CLIENT
// =============================================================================

// FacilityScale is the closed facility-size tier used by area pricing.
type FacilityScale string

const (
	ScaleNormal FacilityScale = "normal"
	ScaleLarge1 FacilityScale = "large_1"
	ScaleLarge2 FacilityScale = "large_2"
)

// Tenant is one facility operator. City and scale drive the yen value of a unit.
type Tenant struct {
	ID            TenantID
	Name          string
	City          string
	FacilityScale FacilityScale
	Policy        BillingPolicy
}

type Client struct {
	ID       ClientID
	TenantID TenantID
	Name     string
	Active   bool
}

// CareLevel is the certified long-term care level (要介護1-5).
type CareLevel string

const (
	CareLevel1 CareLevel = "care_1"
	CareLevel2 CareLevel = "care_2"
	CareLevel3 CareLevel = "care_3"
	CareLevel4 CareLevel = "care_4"
	CareLevel5 CareLevel = "care_5"
)

// CareCertification is the structured benefit data of a client: level,
// monthly unit ceiling and copayment share, valid over a window.
type CareCertification struct {
	ID                 string
	TenantID           TenantID
	ClientID           ClientID
	CareLevel          CareLevel
	MonthlyUnitCeiling Units
	CopaymentRate      Ratio
	Valid              Window
}

// =============================================================================
// CONTRACT & ATTENDANCE
// =============================================================================

// ServiceFlags are the contract switches that enable additions.
type ServiceFlags struct {
	Bath           bool `json:"bath"`
	Rehabilitation bool `json:"rehabilitation"`
}

type Contract struct {
	ID       string
	TenantID TenantID
	ClientID ClientID
	Valid    Window
	Services ServiceFlags
}

// ActiveOn reports whether the contract covers d.
func (c Contract) ActiveOn(d Date) bool { return c.Valid.Covers(d) }

// ActiveContract returns the contract covering d, preferring the one that
// started last when windows overlap. Nil when none is active.
func ActiveContract(contracts []Contract, d Date) *Contract {
	var found *Contract
	for i := range contracts {
		c := &contracts[i]
		if !c.ActiveOn(d) {
			continue
		}
		if found == nil || c.Valid.From.After(found.Valid.From) {
			found = c
		}
	}
	return found
}

type AttendanceStatus string

const (
	AttendancePresent   AttendanceStatus = "present"
	AttendanceAbsent    AttendanceStatus = "absent"
	AttendanceCancelled AttendanceStatus = "cancelled"
)

type Attendance struct {
	ID          string
	TenantID    TenantID
	ClientID    ClientID
	ServiceDate Date
	Status      AttendanceStatus
}

// Billable reports whether the record may produce invoice lines.
func (a Attendance) Billable() bool { return a.Status == AttendancePresent }

// =============================================================================
// PRICE CATALOG
// =============================================================================

// PriceListing is a tenant-scoped yen price for one billing code.
type PriceListing struct {
	ID        string
	TenantID  TenantID
	Code      string
	Name      string
	UnitPrice int64
	Valid     Window
	Active    bool
}

// UsableOn reports whether the listing is active and date-valid on d.
func (p PriceListing) UsableOn(d Date) bool { return p.Active && p.Valid.Covers(d) }

// PriceCatalog resolves a billing code on a date to a usable listing.
type PriceCatalog interface {
	Lookup(code string, on Date) (PriceListing, error)
}

// PriceListings is an in-memory PriceCatalog over one tenant's listings.
type PriceListings []PriceListing

// Lookup returns the usable listing for code on the given date. When several
// are usable the one whose window started last wins.
func (ls PriceListings) Lookup(code string, on Date) (PriceListing, error) {
	var (
		best  PriceListing
		found bool
	)
	for _, l := range ls {
		if l.Code != code || !l.UsableOn(on) {
			continue
		}
		if !found || l.Valid.From.After(best.Valid.From) {
			best, found = l, true
		}
	}
	if !found {
		return PriceListing{}, fmt.Errorf("%w: code %s on %s", ErrMissingPriceListing, code, on)
	}
	return best, nil
}

// =============================================================================
// INVOICE & LINE ITEMS
// =============================================================================

type InvoiceStatus string

const (
	InvoiceDraft InvoiceStatus = "draft"
	InvoiceFixed InvoiceStatus = "fixed"
)

// Invoice is the monthly bill of one client. Amounts are whole yen.
type Invoice struct {
	ID           InvoiceID
	TenantID     TenantID
	ClientID     ClientID
	BillingMonth Month
	Status       InvoiceStatus

	SubtotalAmount         int64
	InsuranceClaimAmount   int64
	InsuredCopaymentAmount int64
	ExcessCopaymentAmount  int64
	TotalAmount            int64

	TotalUnits   Units
	InsuredUnits Units
	ExcessUnits  Units
	UnitRate     decimal.Decimal

	GeneratedBy string
	GeneratedAt time.Time
	FixedBy     string
	FixedAt     *time.Time
}

// IsFixed reports the terminal status.
func (i Invoice) IsFixed() bool { return i.Status == InvoiceFixed }

// LineItem is one billable event: one code on one attended day.
type LineItem struct {
	ID             string
	TenantID       TenantID
	InvoiceID      InvoiceID
	AttendanceID   string
	PriceListingID string
	ServiceDate    Date
	Code           string
	ItemName       string
	ServiceCode    string
	SortOrder      int
	Units          Units
	Quantity       decimal.Decimal
	UnitPrice      int64
	LineTotal      int64
}

// IdempotencyKey is tenant + attendance + billing code.
func (l LineItem) IdempotencyKey() string {
	return LineKey(l.TenantID, l.AttendanceID, l.Code)
}

// LineKey builds the line idempotency key.
func LineKey(tenantID TenantID, attendanceID, code string) string {
	return string(tenantID) + "/" + attendanceID + "/" + code
}

// SortLineItems orders lines by service date, then sort order, then code.
func SortLineItems(lines []LineItem) {
	sort.SliceStable(lines, func(i, j int) bool {
		a, b := lines[i], lines[j]
		if !a.ServiceDate.Equal(b.ServiceDate) {
			return a.ServiceDate.Before(b.ServiceDate)
		}
		if a.SortOrder != b.SortOrder {
			return a.SortOrder < b.SortOrder
		}
		return a.Code < b.Code
	})
}
