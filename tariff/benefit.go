package tariff

import (
	"context"
	"errors"
	"fmt"

	"github.com/warp/care-billing/care"
)

// =============================================================================
// BENEFIT LIMITS - Monthly unit ceiling and copayment share per client
// =============================================================================

// statutoryCeilings is the monthly support limit per care level. A
// certification may carry a lower ceiling, never a higher one.
var statutoryCeilings = map[care.CareLevel]int64{
	care.CareLevel1: 16765,
	care.CareLevel2: 19705,
	care.CareLevel3: 27048,
	care.CareLevel4: 30938,
	care.CareLevel5: 36217,
}

// StatutoryCeiling returns the national monthly ceiling of a care level.
func StatutoryCeiling(level care.CareLevel) (care.Units, bool) {
	n, ok := statutoryCeilings[level]
	if !ok {
		return care.Units{}, false
	}
	return care.MustUnits(n), true
}

// BenefitLimit is what apportionment needs for one client and month. The
// ceiling and copayment share come from the certification that started last;
// the care level of each service day comes from the certification covering
// that day.
type BenefitLimit struct {
	CertificationID string
	CareLevel       care.CareLevel
	CeilingUnits    care.Units
	CopaymentRate   care.Ratio

	// Certifications overlapping the month, all validated.
	Certifications []care.CareCertification
}

// LevelOn returns the care level in force on d. When windows overlap the
// certification that started last wins. ok is false when no certification
// covers d.
func (l BenefitLimit) LevelOn(d care.Date) (level care.CareLevel, ok bool) {
	var found *care.CareCertification
	for i := range l.Certifications {
		c := &l.Certifications[i]
		if !c.Valid.Covers(d) {
			continue
		}
		if found == nil || c.Valid.From.After(found.Valid.From) {
			found = c
		}
	}
	if found == nil {
		return "", false
	}
	return found.CareLevel, true
}

// CertificationSource is the read the resolver needs. care.Reader satisfies it.
type CertificationSource interface {
	ListCertifications(ctx context.Context, tenantID care.TenantID, clientID care.ClientID) ([]care.CareCertification, error)
}

// BenefitLimits resolves limits from structured care certifications. There
// is no default: a client without a valid certification cannot be billed.
type BenefitLimits struct {
	source CertificationSource
}

func NewBenefitLimits(source CertificationSource) *BenefitLimits {
	return &BenefitLimits{source: source}
}

// LimitFor returns the client's limit for month, or a *care.ClientError of
// kind missing_benefit_limit.
func (b *BenefitLimits) LimitFor(ctx context.Context, tenantID care.TenantID, clientID care.ClientID, month care.Month) (BenefitLimit, error) {
	certs, err := b.source.ListCertifications(ctx, tenantID, clientID)
	if err != nil {
		return BenefitLimit{}, fmt.Errorf("list certifications: %w", err)
	}
	limit, err := ResolveBenefitLimit(certs, month)
	if err != nil {
		return BenefitLimit{}, &care.ClientError{
			ClientID: clientID,
			Kind:     care.KindMissingBenefitLimit,
			Date:     month.Start(),
			Err:      err,
		}
	}
	return limit, nil
}

// ResolveBenefitLimit validates every certification overlapping month and
// takes the ceiling and copayment share from the one that started last.
func ResolveBenefitLimit(certs []care.CareCertification, month care.Month) (BenefitLimit, error) {
	period := month.Period()
	var (
		chosen      *care.CareCertification
		overlapping []care.CareCertification
	)
	for i := range certs {
		c := &certs[i]
		if !c.Valid.Overlaps(period) {
			continue
		}
		if err := validateCertification(*c); err != nil {
			return BenefitLimit{}, fmt.Errorf("%w: certification %s: %v", care.ErrMissingBenefitLimit, c.ID, err)
		}
		overlapping = append(overlapping, *c)
		if chosen == nil || c.Valid.From.After(chosen.Valid.From) {
			chosen = c
		}
	}
	if chosen == nil {
		return BenefitLimit{}, fmt.Errorf("%w: no care certification valid in %s", care.ErrMissingBenefitLimit, month)
	}
	return BenefitLimit{
		CertificationID: chosen.ID,
		CareLevel:       chosen.CareLevel,
		CeilingUnits:    chosen.MonthlyUnitCeiling,
		CopaymentRate:   chosen.CopaymentRate,
		Certifications:  overlapping,
	}, nil
}

func validateCertification(c care.CareCertification) error {
	statutory, ok := StatutoryCeiling(c.CareLevel)
	if !ok {
		return fmt.Errorf("unknown care level %q", c.CareLevel)
	}
	if c.MonthlyUnitCeiling.IsZero() {
		return errors.New("monthly unit ceiling is not set")
	}
	if c.MonthlyUnitCeiling.GreaterThan(statutory) {
		return fmt.Errorf("monthly unit ceiling %s exceeds the %s limit of %s", c.MonthlyUnitCeiling, c.CareLevel, statutory)
	}
	if err := c.CopaymentRate.Validate(); err != nil {
		return fmt.Errorf("copayment rate: %w", err)
	}
	return nil
}
