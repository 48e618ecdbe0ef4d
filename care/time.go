package care

import (
	"fmt"
	"time"
)

// =============================================================================
// DATE - Day-granular calendar date
// =============================================================================

const dateLayout = "2006-01-02"

// Date is a calendar day in UTC. Service dates, validity windows and billing
// months are all day-granular; the time of day never matters for billing.
type Date struct {
	t time.Time
}

// Constructors
func NewDate(year int, month time.Month, day int) Date {
	return Date{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf drops the clock part of t (after converting it to UTC).
func DateOf(t time.Time) Date {
	t = t.UTC()
	return NewDate(t.Year(), t.Month(), t.Day())
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q (use YYYY-MM-DD): %w", s, err)
	}
	return DateOf(t), nil
}

func Today() Date { return DateOf(time.Now()) }

// Comparison
func (d Date) Before(other Date) bool        { return d.t.Before(other.t) }
func (d Date) After(other Date) bool         { return d.t.After(other.t) }
func (d Date) Equal(other Date) bool         { return d.t.Equal(other.t) }
func (d Date) BeforeOrEqual(other Date) bool { return !d.t.After(other.t) }
func (d Date) AfterOrEqual(other Date) bool  { return !d.t.Before(other.t) }

// Arithmetic
func (d Date) AddDays(n int) Date   { return Date{t: d.t.AddDate(0, 0, n)} }
func (d Date) AddMonths(n int) Date { return Date{t: d.t.AddDate(0, n, 0)} }

// Properties
func (d Date) Year() int             { return d.t.Year() }
func (d Date) Month() time.Month     { return d.t.Month() }
func (d Date) Day() int              { return d.t.Day() }
func (d Date) Weekday() time.Weekday { return d.t.Weekday() }
func (d Date) IsZero() bool          { return d.t.IsZero() }
func (d Date) Time() time.Time       { return d.t }
func (d Date) String() string        { return d.t.Format(dateLayout) }

// =============================================================================
// MONTH - Billing month, always anchored on its first day
// =============================================================================

// Month identifies a billing month. The zero value is invalid; build one with
// NewMonth, MonthOf or ParseMonth.
type Month struct {
	start Date
}

func NewMonth(year int, month time.Month) Month {
	return Month{start: NewDate(year, month, 1)}
}

// MonthOf returns the billing month containing d.
func MonthOf(d Date) Month { return NewMonth(d.Year(), d.Month()) }

// ParseMonth accepts "2025-04" or "2025-04-01". A full date that is not the
// first day of its month is rejected: a billing month is never mid-month.
func ParseMonth(s string) (Month, error) {
	if t, err := time.Parse("2006-01", s); err == nil {
		return NewMonth(t.Year(), t.Month()), nil
	}
	d, err := ParseDate(s)
	if err != nil {
		return Month{}, fmt.Errorf("%w: %q", ErrInvalidMonth, s)
	}
	if d.Day() != 1 {
		return Month{}, fmt.Errorf("%w: %s is not the first day of a month", ErrInvalidMonth, d)
	}
	return MonthOf(d), nil
}

func (m Month) Start() Date  { return m.start }
func (m Month) End() Date    { return m.start.AddMonths(1).AddDays(-1) }
func (m Month) IsZero() bool { return m.start.IsZero() }

func (m Month) Period() Period          { return Period{Start: m.Start(), End: m.End()} }
func (m Month) Contains(d Date) bool    { return m.Period().Contains(d) }
func (m Month) Previous() Month         { return MonthOf(m.start.AddMonths(-1)) }
func (m Month) Next() Month             { return MonthOf(m.start.AddMonths(1)) }
func (m Month) Equal(other Month) bool  { return m.start.Equal(other.start) }
func (m Month) String() string          { return m.start.t.Format("2006-01") }
