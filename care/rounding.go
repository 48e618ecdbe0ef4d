package care

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ROUNDING - Regulation-defined yen rounding modes
// =============================================================================

// Rounding converts a non-negative fractional yen amount into whole yen.
// The set of modes is closed; every switch over it is exhaustive.
type Rounding int

const (
	// RoundHalfUp rounds to the nearest yen, ties away from zero (4107.50 -> 4108).
	RoundHalfUp Rounding = iota + 1
	// RoundTruncate drops the fraction (16698.80 -> 16698).
	RoundTruncate
)

// ParseRounding accepts the persisted names "half_up" and "truncate".
func ParseRounding(s string) (Rounding, error) {
	switch s {
	case "half_up":
		return RoundHalfUp, nil
	case "truncate":
		return RoundTruncate, nil
	default:
		return 0, fmt.Errorf("unknown rounding mode %q", s)
	}
}

func (r Rounding) String() string {
	switch r {
	case RoundHalfUp:
		return "half_up"
	case RoundTruncate:
		return "truncate"
	default:
		return fmt.Sprintf("rounding(%d)", int(r))
	}
}

// Apply rounds amount into whole yen. A negative amount is an upstream
// defect and fails with a *RoundingInputError.
func (r Rounding) Apply(amount decimal.Decimal) (int64, error) {
	if amount.IsNegative() {
		return 0, &RoundingInputError{Amount: amount, Mode: r}
	}
	switch r {
	case RoundHalfUp:
		return amount.Round(0).IntPart(), nil
	case RoundTruncate:
		return amount.Truncate(0).IntPart(), nil
	default:
		return 0, fmt.Errorf("unknown rounding mode %d", int(r))
	}
}

func (r Rounding) MarshalText() ([]byte, error) {
	switch r {
	case RoundHalfUp, RoundTruncate:
		return []byte(r.String()), nil
	default:
		return nil, fmt.Errorf("unknown rounding mode %d", int(r))
	}
}

func (r *Rounding) UnmarshalText(text []byte) error {
	parsed, err := ParseRounding(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// =============================================================================
// BILLING POLICY - Which rounding applies to which step
// =============================================================================

// BillingPolicy selects the rounding mode for each step of the computation.
// It travels with the tenant and is passed explicitly into the generator, so
// concurrent batches for different regions never share mutable state.
type BillingPolicy struct {
	// LineRounding: quantity x unit price on each invoice line.
	LineRounding Rounding `json:"line"`
	// UnitRounding: insured units x area rate.
	UnitRounding Rounding `json:"unit"`
	// CopaymentRounding: insured yen x copayment rate.
	CopaymentRounding Rounding `json:"copayment"`
	// ExcessRounding: units beyond the ceiling x area rate.
	ExcessRounding Rounding `json:"excess"`
}

// DefaultBillingPolicy is the national convention: unit conversions are
// truncated, the copayment and line totals round half up.
func DefaultBillingPolicy() BillingPolicy {
	return BillingPolicy{
		LineRounding:      RoundHalfUp,
		UnitRounding:      RoundTruncate,
		CopaymentRounding: RoundHalfUp,
		ExcessRounding:    RoundTruncate,
	}
}

// Validate rejects unset or unknown modes.
func (p BillingPolicy) Validate() error {
	steps := map[string]Rounding{
		"line":      p.LineRounding,
		"unit":      p.UnitRounding,
		"copayment": p.CopaymentRounding,
		"excess":    p.ExcessRounding,
	}
	for step, mode := range steps {
		if mode != RoundHalfUp && mode != RoundTruncate {
			return fmt.Errorf("billing policy: %s rounding is not set", step)
		}
	}
	return nil
}
