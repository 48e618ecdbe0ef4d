package care

import (
	"fmt"
	"math"
	"strconv"

	"github.com/shopspring/decimal"
)

// =============================================================================
// UNITS - National care-insurance billing quantity
// =============================================================================

// Units is a non-negative integer count of care-service billing units.
//
// The count is unexported so a negative value can never be built outside
// NewUnits. Every operation below is total: none of them can produce a
// negative result.
type Units struct {
	n int64
}

// NewUnits fails with ErrNegativeUnits for n < 0.
func NewUnits(n int64) (Units, error) {
	if n < 0 {
		return Units{}, fmt.Errorf("%w: %d", ErrNegativeUnits, n)
	}
	return Units{n: n}, nil
}

// MustUnits is NewUnits for tariff tables and tests. It panics on n < 0.
func MustUnits(n int64) Units {
	u, err := NewUnits(n)
	if err != nil {
		panic(err)
	}
	return u
}

// Add and Times saturate here instead of wrapping negative.
const maxUnits = math.MaxInt64

func (u Units) Add(other Units) Units {
	if u.n > maxUnits-other.n {
		return Units{n: maxUnits}
	}
	return Units{n: u.n + other.n}
}

// Times multiplies by a non-negative scalar.
func (u Units) Times(k uint32) Units {
	if k != 0 && u.n > maxUnits/int64(k) {
		return Units{n: maxUnits}
	}
	return Units{n: u.n * int64(k)}
}

func (u Units) Min(other Units) Units {
	if u.n < other.n {
		return u
	}
	return other
}

// SaturatingSub returns u - other, or zero when other >= u.
func (u Units) SaturatingSub(other Units) Units {
	if u.n <= other.n {
		return Units{}
	}
	return Units{n: u.n - other.n}
}

func (u Units) GreaterThan(other Units) bool { return u.n > other.n }
func (u Units) Equal(other Units) bool       { return u.n == other.n }
func (u Units) IsZero() bool                 { return u.n == 0 }
func (u Units) Int64() int64                 { return u.n }
func (u Units) Decimal() decimal.Decimal     { return decimal.NewFromInt(u.n) }
func (u Units) String() string               { return strconv.FormatInt(u.n, 10) }

// SumUnits adds all values.
func SumUnits(values ...Units) Units {
	var total Units
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}
