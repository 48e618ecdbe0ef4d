package care

// Period is an inclusive day range [Start, End].
type Period struct {
	Start Date
	End   Date
}

// Contains returns true if d is within [Start, End].
func (p Period) Contains(d Date) bool {
	return d.AfterOrEqual(p.Start) && d.BeforeOrEqual(p.End)
}

// Days returns every day in the period.
func (p Period) Days() []Date {
	var days []Date
	for current := p.Start; current.BeforeOrEqual(p.End); current = current.AddDays(1) {
		days = append(days, current)
	}
	return days
}

// Validate reports ErrInvalidPeriod when End is before Start.
func (p Period) Validate() error {
	if p.End.Before(p.Start) {
		return ErrInvalidPeriod
	}
	return nil
}

func (p Period) String() string {
	return "[" + p.Start.String() + ", " + p.End.String() + "]"
}

// Window is an optional validity range used by price listings, contracts and
// care certifications. A zero From means "since always", a nil To means
// open-ended.
type Window struct {
	From Date
	To   *Date
}

// Covers reports whether d falls inside the window.
func (w Window) Covers(d Date) bool {
	if !w.From.IsZero() && d.Before(w.From) {
		return false
	}
	return w.To == nil || d.BeforeOrEqual(*w.To)
}

// Overlaps reports whether any day of p falls inside the window.
func (w Window) Overlaps(p Period) bool {
	if !w.From.IsZero() && p.End.Before(w.From) {
		return false
	}
	return w.To == nil || !w.To.Before(p.Start)
}
