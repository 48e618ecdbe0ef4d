package care_test

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/care-billing/care"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestRounding_Apply(t *testing.T) {
	tests := []struct {
		name   string
		mode   care.Rounding
		amount string
		want   int64
	}{
		{"half_up_tie", care.RoundHalfUp, "4107.50", 4108},
		{"half_up_below_tie", care.RoundHalfUp, "4107.49", 4107},
		{"half_up_above_tie", care.RoundHalfUp, "4107.51", 4108},
		{"half_up_integer", care.RoundHalfUp, "16698", 16698},
		{"half_up_zero", care.RoundHalfUp, "0", 0},
		{"truncate_high_fraction", care.RoundTruncate, "16698.80", 16698},
		{"truncate_tie", care.RoundTruncate, "4107.50", 4107},
		{"truncate_integer", care.RoundTruncate, "658", 658},
		{"truncate_small", care.RoundTruncate, "0.99", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.mode.Apply(dec(tt.amount))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRounding_NegativeInputFails(t *testing.T) {
	for _, mode := range []care.Rounding{care.RoundHalfUp, care.RoundTruncate} {
		_, err := mode.Apply(dec("-1.2"))
		require.Error(t, err, mode.String())
		assert.ErrorIs(t, err, care.ErrInvalidRoundingInput)

		var inputErr *care.RoundingInputError
		require.ErrorAs(t, err, &inputErr)
		assert.Equal(t, mode, inputErr.Mode)
		assert.Equal(t, care.KindInvalidRoundingInput, care.KindOf(err))
	}
}

func TestRounding_HalfUpNeverBelowTruncate(t *testing.T) {
	// For every non-negative amount: truncate <= half_up <= ceil(amount).
	step := dec("0.01")
	for a := decimal.Zero; a.LessThan(dec("5")); a = a.Add(step) {
		h, err := care.RoundHalfUp.Apply(a)
		require.NoError(t, err)
		tr, err := care.RoundTruncate.Apply(a)
		require.NoError(t, err)

		assert.GreaterOrEqual(t, h, tr, a.String())
		assert.LessOrEqual(t, h, a.Ceil().IntPart(), a.String())
		assert.LessOrEqual(t, tr, a.Ceil().IntPart(), a.String())
	}
}

func TestRounding_TextRoundTrip(t *testing.T) {
	policy := care.DefaultBillingPolicy()
	raw, err := json.Marshal(policy)
	require.NoError(t, err)
	assert.JSONEq(t, `{"line":"half_up","unit":"truncate","copayment":"half_up","excess":"truncate"}`, string(raw))

	var parsed care.BillingPolicy
	require.NoError(t, json.Unmarshal(raw, &parsed))
	assert.Equal(t, policy, parsed)
	assert.NoError(t, parsed.Validate())
}

func TestBillingPolicy_ValidateRejectsUnset(t *testing.T) {
	policy := care.DefaultBillingPolicy()
	policy.ExcessRounding = 0
	assert.Error(t, policy.Validate())

	_, err := care.ParseRounding("bankers")
	assert.Error(t, err)
}
