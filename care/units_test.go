package care_test

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/care-billing/care"
)

// =============================================================================
// UNITS
// =============================================================================

func TestUnits_NegativeConstructionFails(t *testing.T) {
	_, err := care.NewUnits(-1)
	assert.ErrorIs(t, err, care.ErrNegativeUnits)

	u, err := care.NewUnits(0)
	require.NoError(t, err)
	assert.True(t, u.IsZero())
}

func TestUnits_Arithmetic(t *testing.T) {
	base := care.MustUnits(658)
	bath := care.MustUnits(40)
	training := care.MustUnits(76)

	perDay := care.SumUnits(base, bath, training)
	assert.Equal(t, int64(774), perDay.Int64())
	assert.Equal(t, int64(17028), perDay.Times(22).Int64())
	assert.Equal(t, int64(0), perDay.Times(0).Int64())
}

func TestUnits_SaturatingSubNeverNegative(t *testing.T) {
	ceiling := care.MustUnits(16765)

	over := care.MustUnits(17028)
	assert.Equal(t, int64(263), over.SaturatingSub(ceiling).Int64())
	assert.Equal(t, ceiling, over.Min(ceiling))

	under := care.MustUnits(10000)
	assert.True(t, under.SaturatingSub(ceiling).IsZero())
	assert.Equal(t, under, under.Min(ceiling))
}

func TestUnits_SaturatesInsteadOfWrapping(t *testing.T) {
	big := care.MustUnits(math.MaxInt64 - 10)

	assert.Equal(t, int64(math.MaxInt64), big.Add(care.MustUnits(11)).Int64())
	assert.Equal(t, int64(math.MaxInt64), big.Add(big).Int64())
	assert.Equal(t, int64(math.MaxInt64-5), big.Add(care.MustUnits(5)).Int64())

	assert.Equal(t, int64(math.MaxInt64), big.Times(2).Int64())
	assert.Equal(t, int64(math.MaxInt64), care.MustUnits(1<<40).Times(1<<31).Int64())
	assert.True(t, big.Times(0).IsZero())
	assert.Equal(t, big, big.Times(1))
}

func TestUnits_MustUnitsPanicsOnNegative(t *testing.T) {
	assert.Panics(t, func() { care.MustUnits(-5) })
}

// =============================================================================
// RATIO
// =============================================================================

func TestRatio_ParseAndApply(t *testing.T) {
	r, err := care.ParseRatio("1/10")
	require.NoError(t, err)
	assert.Equal(t, "1/10", r.String())
	assert.True(t, r.Of(dec("167650")).Equal(dec("16765")))

	r3, err := care.ParseRatio("3/10")
	require.NoError(t, err)
	assert.True(t, r3.Of(dec("41075")).Equal(dec("12322.5")))
}

func TestRatio_RejectsOutOfRange(t *testing.T) {
	for _, s := range []string{"0/10", "11/10", "1/0", "-1/10", "abc", "1/x"} {
		_, err := care.ParseRatio(s)
		assert.Error(t, err, s)
	}
}

// =============================================================================
// DATES & MONTHS
// =============================================================================

func TestParseMonth(t *testing.T) {
	m, err := care.ParseMonth("2025-04")
	require.NoError(t, err)
	assert.Equal(t, care.NewDate(2025, time.April, 1), m.Start())
	assert.Equal(t, care.NewDate(2025, time.April, 30), m.End())

	m2, err := care.ParseMonth("2025-02-01")
	require.NoError(t, err)
	assert.Equal(t, 28, m2.End().Day())

	_, err = care.ParseMonth("2025-04-15")
	assert.ErrorIs(t, err, care.ErrInvalidMonth)

	_, err = care.ParseMonth("April")
	assert.ErrorIs(t, err, care.ErrInvalidMonth)
}

func TestMonth_Navigation(t *testing.T) {
	jan := care.NewMonth(2025, time.January)
	assert.Equal(t, "2024-12", jan.Previous().String())
	assert.Equal(t, "2025-02", jan.Next().String())
	assert.Len(t, jan.Period().Days(), 31)
	assert.True(t, jan.Contains(care.NewDate(2025, time.January, 31)))
	assert.False(t, jan.Contains(care.NewDate(2025, time.February, 1)))
}

func TestWindow_Covers(t *testing.T) {
	end := care.NewDate(2025, time.March, 31)
	w := care.Window{From: care.NewDate(2025, time.January, 1), To: &end}

	assert.True(t, w.Covers(care.NewDate(2025, time.January, 1)))
	assert.True(t, w.Covers(end))
	assert.False(t, w.Covers(care.NewDate(2024, time.December, 31)))
	assert.False(t, w.Covers(care.NewDate(2025, time.April, 1)))

	open := care.Window{}
	assert.True(t, open.Covers(care.NewDate(1999, time.June, 5)))

	assert.True(t, w.Overlaps(care.NewMonth(2025, time.March).Period()))
	assert.False(t, w.Overlaps(care.NewMonth(2025, time.April).Period()))
}
