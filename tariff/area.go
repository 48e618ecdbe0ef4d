package tariff

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/warp/care-billing/care"
)

// =============================================================================
// AREA GRADES - Yen value of one unit by municipality and facility scale
// =============================================================================

// Grade is the national area grade of a municipality. GradeOther covers every
// municipality without a numbered grade.
type Grade int

const (
	Grade1 Grade = iota + 1
	Grade2
	Grade3
	Grade4
	Grade5
	Grade6
	Grade7
	GradeOther
)

func (g Grade) String() string {
	if g == GradeOther {
		return "other"
	}
	return fmt.Sprintf("grade_%d", int(g))
}

// Revision is one tariff revision: grade rates in force from Effective on.
type Revision struct {
	Effective care.Date
	Rates     map[Grade]decimal.Decimal
}

// AreaGrades resolves the yen-per-unit rate of a tenant. It is immutable
// after construction and safe for concurrent use.
type AreaGrades struct {
	cities    map[string]Grade
	revisions []Revision // ascending by Effective
	scales    map[care.FacilityScale]decimal.Decimal
}

// NewAreaGrades builds a resolver from a city table and revisions.
func NewAreaGrades(cities map[string]Grade, revisions []Revision) *AreaGrades {
	revs := append([]Revision(nil), revisions...)
	sort.Slice(revs, func(i, j int) bool { return revs[i].Effective.Before(revs[j].Effective) })

	cp := make(map[string]Grade, len(cities))
	for city, g := range cities {
		cp[city] = g
	}
	return &AreaGrades{
		cities:    cp,
		revisions: revs,
		scales: map[care.FacilityScale]decimal.Decimal{
			care.ScaleNormal: decimal.NewFromInt(1),
			care.ScaleLarge1: decimal.RequireFromString("0.956"),
			care.ScaleLarge2: decimal.RequireFromString("0.922"),
		},
	}
}

// DefaultAreaGrades is the day-service table shipped with the engine.
func DefaultAreaGrades() *AreaGrades {
	return NewAreaGrades(defaultCities, defaultRevisions())
}

// SupportedCities is the allow-list of tenant cities, sorted.
func (a *AreaGrades) SupportedCities() []string {
	result := make([]string, 0, len(a.cities))
	for city := range a.cities {
		result = append(result, city)
	}
	sort.Strings(result)
	return result
}

// GradeOf returns the grade of a supported city.
func (a *AreaGrades) GradeOf(city string) (Grade, error) {
	g, ok := a.cities[city]
	if !ok {
		return 0, fmt.Errorf("%w: city %q is not in the area table", care.ErrUnsupportedArea, city)
	}
	return g, nil
}

// RateFor returns yen per unit for city and scale on asOf, rounded to 0.01.
func (a *AreaGrades) RateFor(city string, scale care.FacilityScale, asOf care.Date) (decimal.Decimal, error) {
	grade, err := a.GradeOf(city)
	if err != nil {
		return decimal.Zero, err
	}
	factor, ok := a.scales[scale]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %q", care.ErrUnsupportedScale, scale)
	}
	rev, err := a.revisionOn(asOf)
	if err != nil {
		return decimal.Zero, err
	}
	rate, ok := rev.Rates[grade]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: revision %s has no rate for %s", care.ErrUnsupportedArea, rev.Effective, grade)
	}
	return rate.Mul(factor).Round(2), nil
}

func (a *AreaGrades) revisionOn(asOf care.Date) (Revision, error) {
	for i := len(a.revisions) - 1; i >= 0; i-- {
		if a.revisions[i].Effective.BeforeOrEqual(asOf) {
			return a.revisions[i], nil
		}
	}
	return Revision{}, fmt.Errorf("%w: no tariff revision in force on %s", care.ErrUnsupportedArea, asOf)
}

// ValidateTenant is the configuration-time check: a tenant outside the
// table can never be billed, so it is rejected before it is saved.
func (a *AreaGrades) ValidateTenant(t care.Tenant) error {
	if _, err := a.GradeOf(t.City); err != nil {
		return err
	}
	if _, ok := a.scales[t.FacilityScale]; !ok {
		return fmt.Errorf("%w: %q", care.ErrUnsupportedScale, t.FacilityScale)
	}
	return nil
}

// =============================================================================
// DEFAULT TABLE
// =============================================================================

var defaultCities = map[string]Grade{
	"東京都特別区":   Grade1,
	"東京都町田市":   Grade2,
	"東京都狛江市":   Grade2,
	"神奈川県横浜市":  Grade2,
	"大阪府大阪市":   Grade3,
	"埼玉県さいたま市": Grade3,
	"愛知県名古屋市":  Grade4,
	"千葉県千葉市":   Grade4,
	"京都府京都市":   Grade5,
	"兵庫県神戸市":   Grade5,
	"福岡県福岡市":   Grade6,
	"宮城県仙台市":   Grade6,
	"北海道札幌市":   Grade7,
	"広島県広島市":   Grade7,
	"沖縄県那覇市":   GradeOther,
	"北海道利尻富士町": GradeOther,
}

func dayServiceRates() map[Grade]decimal.Decimal {
	return map[Grade]decimal.Decimal{
		Grade1:     decimal.RequireFromString("10.90"),
		Grade2:     decimal.RequireFromString("10.72"),
		Grade3:     decimal.RequireFromString("10.68"),
		Grade4:     decimal.RequireFromString("10.54"),
		Grade5:     decimal.RequireFromString("10.45"),
		Grade6:     decimal.RequireFromString("10.27"),
		Grade7:     decimal.RequireFromString("10.14"),
		GradeOther: decimal.RequireFromString("10.00"),
	}
}

func defaultRevisions() []Revision {
	return []Revision{
		{Effective: care.NewDate(2021, 4, 1), Rates: dayServiceRates()},
		{Effective: care.NewDate(2024, 4, 1), Rates: dayServiceRates()},
	}
}
