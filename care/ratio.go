package care

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Ratio is an exact rational fraction such as the 1/10 copayment share.
type Ratio struct {
	Num int64 `json:"num"`
	Den int64 `json:"den"`
}

func NewRatio(num, den int64) (Ratio, error) {
	r := Ratio{Num: num, Den: den}
	return r, r.Validate()
}

// ParseRatio reads "1/10".
func ParseRatio(s string) (Ratio, error) {
	num, den, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return Ratio{}, fmt.Errorf("invalid ratio %q (use N/D)", s)
	}
	n, err := strconv.ParseInt(num, 10, 64)
	if err != nil {
		return Ratio{}, fmt.Errorf("invalid ratio numerator %q: %w", num, err)
	}
	d, err := strconv.ParseInt(den, 10, 64)
	if err != nil {
		return Ratio{}, fmt.Errorf("invalid ratio denominator %q: %w", den, err)
	}
	return NewRatio(n, d)
}

// Validate requires 0 < Num <= Den.
func (r Ratio) Validate() error {
	if r.Den <= 0 || r.Num <= 0 || r.Num > r.Den {
		return fmt.Errorf("ratio %d/%d must be within (0, 1]", r.Num, r.Den)
	}
	return nil
}

// Of returns amount x Num / Den. Multiplication happens first so tenths stay exact.
func (r Ratio) Of(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(decimal.NewFromInt(r.Num)).Div(decimal.NewFromInt(r.Den))
}

func (r Ratio) IsZero() bool   { return r.Num == 0 && r.Den == 0 }
func (r Ratio) String() string { return fmt.Sprintf("%d/%d", r.Num, r.Den) }
