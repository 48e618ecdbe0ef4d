package invoice

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/care-billing/care"
	"github.com/warp/care-billing/tariff"
)

// =============================================================================
// DRAFT - One client's month, computed but not persisted
// =============================================================================

// Draft is the output of Compute: the invoice row and its lines, built from
// one snapshot of attendance, contracts, prices and certification. A draft
// with no lines means the client had no billable day in the month.
type Draft struct {
	Invoice care.Invoice
	Lines   []care.LineItem
	Limit   tariff.BenefitLimit
}

// Billable reports whether the month produced any line.
func (d *Draft) Billable() bool { return len(d.Lines) > 0 }

// RoundingAdjustmentCode is the billing code of the line that reconciles the
// per-line yen rounding with the monthly unit conversion.
const RoundingAdjustmentCode = "rounding_adjustment"

const (
	roundingAdjustmentName      = "端数調整"
	roundingAdjustmentSortOrder = 1000
)

// Compute runs selection, line construction, aggregation and apportionment
// for one client. It reads but never writes.
//
// Per-client validation failures come back as *care.ClientError. A negative
// rounding input comes back unwrapped: it is a defect, not a client problem.
func (s *Service) Compute(ctx context.Context, tenant care.Tenant, client care.Client, month care.Month) (*Draft, error) {
	if month.IsZero() {
		return nil, care.ErrInvalidMonth
	}
	policy := tenant.Policy
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("tenant %s: %w", tenant.ID, err)
	}
	rate, err := s.Areas.RateFor(tenant.City, tenant.FacilityScale, month.Start())
	if err != nil {
		return nil, asClientError(client.ID, err)
	}
	invoiceID := InvoiceIDFor(tenant.ID, client.ID, month)

	// 1. Selection: present days inside the month under an active contract
	attendance, err := s.Store.ListAttendance(ctx, tenant.ID, client.ID, month.Period())
	if err != nil {
		return nil, fmt.Errorf("list attendance: %w", err)
	}
	contracts, err := s.Store.ListContracts(ctx, tenant.ID, client.ID)
	if err != nil {
		return nil, fmt.Errorf("list contracts: %w", err)
	}
	var days []billableDay
	for _, att := range attendance {
		if !att.Billable() || !month.Contains(att.ServiceDate) {
			continue
		}
		if contract := care.ActiveContract(contracts, att.ServiceDate); contract != nil {
			days = append(days, billableDay{att: att, contract: *contract})
		}
	}
	if len(days) == 0 {
		return &Draft{Invoice: draftInvoice(invoiceID, tenant.ID, client.ID, month, rate)}, nil
	}

	// 2. Regulatory inputs: benefit limit and prices
	limit, err := s.Limits.LimitFor(ctx, tenant.ID, client.ID, month)
	if err != nil {
		return nil, asClientError(client.ID, err)
	}
	catalog, err := s.Prices.Catalog(ctx, tenant.ID)
	if err != nil {
		return nil, err
	}

	// 3. Line construction: base line + one line per enabled addition, per attended day
	b := lineBuilder{
		tenantID:  tenant.ID,
		clientID:  client.ID,
		invoiceID: invoiceID,
		catalog:   catalog,
		rounding:  policy.LineRounding,
		seenKeys:  make(map[string]bool),
		seenDays:  make(map[string]bool),
	}
	var totalUnits care.Units
	for _, day := range days {
		att := day.att
		base, err := baseServiceOn(client.ID, limit, att.ServiceDate)
		if err != nil {
			return nil, err
		}
		if err := b.add(att, base.PriceCode(), base.Name, base.ServiceCode, 0, base.Units); err != nil {
			return nil, err
		}
		additions := tariff.ApplicableAdditions(day.contract.Services)
		for _, a := range additions {
			if err := b.add(att, a.PriceCode(), a.Name(), a.ServiceCode(), a.SortOrder(), a.Units()); err != nil {
				return nil, err
			}
		}

		// Aggregation in units, independent of the yen lines
		totalUnits = totalUnits.Add(base.Units).Add(tariff.AdditionUnits(additions))
	}
	care.SortLineItems(b.lines)

	// 4. Apportionment against the ceiling
	split, err := Apportion(totalUnits, limit, rate, policy)
	if err != nil {
		return nil, err
	}

	// 5. Reconcile the yen lines with the unit conversion
	var subtotal int64
	for _, l := range b.lines {
		subtotal += l.LineTotal
	}
	if diff := split.InsuredAmount + split.ExcessCopayment - subtotal; diff != 0 {
		b.lines = append(b.lines, roundingAdjustment(tenant.ID, invoiceID, month, diff))
		subtotal += diff
	}

	inv := draftInvoice(invoiceID, tenant.ID, client.ID, month, rate)
	inv.SubtotalAmount = subtotal
	inv.InsuranceClaimAmount = split.InsuranceClaim
	inv.InsuredCopaymentAmount = split.InsuredCopayment
	inv.ExcessCopaymentAmount = split.ExcessCopayment
	inv.TotalAmount = split.Total
	inv.TotalUnits = split.TotalUnits
	inv.InsuredUnits = split.InsuredUnits
	inv.ExcessUnits = split.ExcessUnits
	return &Draft{Invoice: inv, Lines: b.lines, Limit: limit}, nil
}

type billableDay struct {
	att      care.Attendance
	contract care.Contract
}

func draftInvoice(id care.InvoiceID, tenantID care.TenantID, clientID care.ClientID, month care.Month, rate decimal.Decimal) care.Invoice {
	return care.Invoice{
		ID:           id,
		TenantID:     tenantID,
		ClientID:     clientID,
		BillingMonth: month,
		Status:       care.InvoiceDraft,
		UnitRate:     rate,
	}
}

// baseServiceOn prices a day at the care level certified on that day. A day
// no certification covers is a missing benefit limit, never a default level.
func baseServiceOn(clientID care.ClientID, limit tariff.BenefitLimit, d care.Date) (tariff.BaseService, error) {
	level, ok := limit.LevelOn(d)
	if !ok {
		return tariff.BaseService{}, &care.ClientError{
			ClientID: clientID,
			Kind:     care.KindMissingBenefitLimit,
			Date:     d,
			Err:      fmt.Errorf("%w: no care certification covers %s", care.ErrMissingBenefitLimit, d),
		}
	}
	base, err := tariff.BaseServiceFor(level)
	if err != nil {
		return tariff.BaseService{}, &care.ClientError{
			ClientID: clientID,
			Kind:     care.KindMissingBenefitLimit,
			Date:     d,
			Err:      fmt.Errorf("%w: %v", care.ErrMissingBenefitLimit, err),
		}
	}
	return base, nil
}

// roundingAdjustment is the signed line that brings the line total to the
// insured plus excess amounts. It hangs off the invoice, not an attendance.
func roundingAdjustment(tenantID care.TenantID, invoiceID care.InvoiceID, month care.Month, diff int64) care.LineItem {
	key := care.LineKey(tenantID, string(invoiceID), RoundingAdjustmentCode)
	return care.LineItem{
		ID:           LineIDFor(key),
		TenantID:     tenantID,
		InvoiceID:    invoiceID,
		AttendanceID: string(invoiceID),
		ServiceDate:  month.End(),
		Code:         RoundingAdjustmentCode,
		ItemName:     roundingAdjustmentName,
		SortOrder:    roundingAdjustmentSortOrder,
		Quantity:     decimal.NewFromInt(1),
		UnitPrice:    diff,
		LineTotal:    diff,
	}
}

type lineBuilder struct {
	tenantID  care.TenantID
	clientID  care.ClientID
	invoiceID care.InvoiceID
	catalog   care.PriceCatalog
	rounding  care.Rounding
	seenKeys  map[string]bool
	seenDays  map[string]bool
	lines     []care.LineItem
}

func (b *lineBuilder) add(att care.Attendance, code, name, serviceCode string, sortOrder int, units care.Units) error {
	key := care.LineKey(b.tenantID, att.ID, code)
	day := att.ServiceDate.String() + "/" + code
	if b.seenKeys[key] || b.seenDays[day] {
		return &care.ClientError{
			ClientID: b.clientID,
			Kind:     care.KindDuplicateBillingLine,
			Code:     code,
			Date:     att.ServiceDate,
			Err: &care.DuplicateLineError{
				TenantID:     b.tenantID,
				AttendanceID: att.ID,
				Code:         code,
				ServiceDate:  att.ServiceDate,
			},
		}
	}
	b.seenKeys[key] = true
	b.seenDays[day] = true

	listing, err := b.catalog.Lookup(code, att.ServiceDate)
	if err != nil {
		if !errors.Is(err, care.ErrMissingPriceListing) {
			err = fmt.Errorf("%w: %v", care.ErrMissingPriceListing, err)
		}
		return &care.ClientError{
			ClientID: b.clientID,
			Kind:     care.KindMissingPriceListing,
			Code:     code,
			Date:     att.ServiceDate,
			Err:      err,
		}
	}

	quantity := decimal.NewFromInt(1)
	total, err := b.rounding.Apply(quantity.Mul(decimal.NewFromInt(listing.UnitPrice)))
	if err != nil {
		return err
	}

	b.lines = append(b.lines, care.LineItem{
		ID:             LineIDFor(key),
		TenantID:       b.tenantID,
		InvoiceID:      b.invoiceID,
		AttendanceID:   att.ID,
		PriceListingID: listing.ID,
		ServiceDate:    att.ServiceDate,
		Code:           code,
		ItemName:       name,
		ServiceCode:    serviceCode,
		SortOrder:      sortOrder,
		Units:          units,
		Quantity:       quantity,
		UnitPrice:      listing.UnitPrice,
		LineTotal:      total,
	})
	return nil
}

// asClientError tags a lookup failure with the client and its kind.
func asClientError(clientID care.ClientID, err error) error {
	var ce *care.ClientError
	if errors.As(err, &ce) {
		return err
	}
	return &care.ClientError{ClientID: clientID, Kind: care.KindOf(err), Err: err}
}

// =============================================================================
// APPORTIONMENT - Insurance vs client share
// =============================================================================

// Apportionment is the split of one month's units between insurance and
// the client, in units and whole yen.
type Apportionment struct {
	TotalUnits   care.Units
	InsuredUnits care.Units
	ExcessUnits  care.Units

	InsuredAmount    int64 // insured units in yen, before the copayment split
	InsuranceClaim   int64
	InsuredCopayment int64
	ExcessCopayment  int64
	Total            int64 // billed to the client
}

// Apportion splits total units at the ceiling and prices both parts:
//
//	insured   = min(total, ceiling)           excess = total - ceiling, floor 0
//	insuredYen = UnitRounding(insured x rate) excessYen = ExcessRounding(excess x rate)
//	copayment = CopaymentRounding(insuredYen x rate share)
//	claim     = insuredYen - copayment        total  = copayment + excessYen
func Apportion(total care.Units, limit tariff.BenefitLimit, rate decimal.Decimal, policy care.BillingPolicy) (Apportionment, error) {
	insured := total.Min(limit.CeilingUnits)
	excess := total.SaturatingSub(limit.CeilingUnits)

	insuredYen, err := policy.UnitRounding.Apply(insured.Decimal().Mul(rate))
	if err != nil {
		return Apportionment{}, err
	}
	excessYen, err := policy.ExcessRounding.Apply(excess.Decimal().Mul(rate))
	if err != nil {
		return Apportionment{}, err
	}
	copayment, err := policy.CopaymentRounding.Apply(limit.CopaymentRate.Of(decimal.NewFromInt(insuredYen)))
	if err != nil {
		return Apportionment{}, err
	}

	return Apportionment{
		TotalUnits:       total,
		InsuredUnits:     insured,
		ExcessUnits:      excess,
		InsuredAmount:    insuredYen,
		InsuranceClaim:   insuredYen - copayment,
		InsuredCopayment: copayment,
		ExcessCopayment:  excessYen,
		Total:            copayment + excessYen,
	}, nil
}
