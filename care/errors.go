/*
errors.go - Centralized error types for the billing core

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers match sentinels with errors.Is and pull context out of the
  structured types with errors.As.

ERROR CATEGORIES:
  1. Programming defects   - negative rounding input, negative units
  2. Configuration errors  - tenant city/scale outside the area table
  3. Per-client validation - missing price listing, missing benefit limit
  4. Integrity / conflicts - duplicate billing line, concurrent regeneration

RETRY POLICY:
  Only ErrConcurrentRegeneration is retryable. Everything else carries
  enough context (client, code, date) for a human to act on it.
*/
package care

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidRoundingInput is returned when a negative amount reaches a
	// rounding step. Billing amounts are non-negative by construction.
	ErrInvalidRoundingInput = errors.New("invalid rounding input")

	// ErrNegativeUnits is returned when building Units from a negative count.
	ErrNegativeUnits = errors.New("units must not be negative")

	// ErrUnsupportedArea is returned when a tenant's city is not in the
	// area-grade table. It blocks generation for the whole tenant.
	ErrUnsupportedArea = errors.New("unsupported area")

	// ErrUnsupportedScale is returned for a facility scale outside the
	// closed normal/large_1/large_2 set.
	ErrUnsupportedScale = errors.New("unsupported facility scale")

	// ErrMissingPriceListing is returned when no active, date-valid price
	// exists for a required billing code.
	ErrMissingPriceListing = errors.New("missing price listing")

	// ErrMissingBenefitLimit is returned when a client has no valid care
	// certification for the billing month.
	ErrMissingBenefitLimit = errors.New("missing benefit limit")

	// ErrDuplicateBillingLine is returned when an attendance+code pair would
	// be billed twice.
	ErrDuplicateBillingLine = errors.New("duplicate billing line")

	// ErrConcurrentRegeneration is returned when another run holds the same
	// (tenant, client, month). Safe to retry.
	ErrConcurrentRegeneration = errors.New("concurrent regeneration conflict")

	ErrTenantNotFound  = errors.New("tenant not found")
	ErrClientNotFound  = errors.New("client not found")
	ErrInvoiceNotFound = errors.New("invoice not found")

	// ErrInvoiceFixed is returned when an operation needs a draft invoice.
	ErrInvoiceFixed = errors.New("invoice is fixed")

	// ErrInvalidStatusTransition is returned for fix/reopen on the wrong status.
	ErrInvalidStatusTransition = errors.New("invalid invoice status transition")

	// ErrInvalidMonth is returned when a billing month is not the first day of a month.
	ErrInvalidMonth = errors.New("invalid billing month")

	// ErrInvalidPeriod is returned when a period ends before it starts.
	ErrInvalidPeriod = errors.New("invalid period: end before start")

	// ErrBatchAborted is returned by all-or-nothing generation when any
	// client fails; nothing is persisted.
	ErrBatchAborted = errors.New("generation batch aborted")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ErrorKind is the stable, reportable name of a billing failure.
type ErrorKind string

const (
	KindInvalidRoundingInput ErrorKind = "invalid_rounding_input"
	KindUnsupportedArea      ErrorKind = "unsupported_area"
	KindMissingPriceListing  ErrorKind = "missing_price_listing"
	KindMissingBenefitLimit  ErrorKind = "missing_benefit_limit"
	KindDuplicateBillingLine ErrorKind = "duplicate_billing_line"
	KindConcurrentConflict   ErrorKind = "concurrent_regeneration_conflict"
	KindInternal             ErrorKind = "internal"
)

// KindOf maps an error onto its reportable kind.
func KindOf(err error) ErrorKind {
	var ce *ClientError
	if errors.As(err, &ce) && ce.Kind != "" {
		return ce.Kind
	}
	switch {
	case errors.Is(err, ErrInvalidRoundingInput):
		return KindInvalidRoundingInput
	case errors.Is(err, ErrUnsupportedArea), errors.Is(err, ErrUnsupportedScale):
		return KindUnsupportedArea
	case errors.Is(err, ErrMissingPriceListing):
		return KindMissingPriceListing
	case errors.Is(err, ErrMissingBenefitLimit):
		return KindMissingBenefitLimit
	case errors.Is(err, ErrDuplicateBillingLine):
		return KindDuplicateBillingLine
	case errors.Is(err, ErrConcurrentRegeneration):
		return KindConcurrentConflict
	default:
		return KindInternal
	}
}

// ClientError is a per-client validation failure. It aborts that client's
// invoice and nothing else.
type ClientError struct {
	ClientID ClientID
	Kind     ErrorKind
	Code     string // billing code involved, if any
	Date     Date   // service date involved, if any
	Err      error
}

func (e *ClientError) Error() string {
	msg := fmt.Sprintf("client %s: %s", e.ClientID, e.Kind)
	if e.Code != "" {
		msg += " code=" + e.Code
	}
	if !e.Date.IsZero() {
		msg += " date=" + e.Date.String()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ClientError) Unwrap() error { return e.Err }

// DuplicateLineError reports the attendance+code pair billed twice.
type DuplicateLineError struct {
	TenantID     TenantID
	AttendanceID string
	Code         string
	ServiceDate  Date
}

func (e *DuplicateLineError) Error() string {
	return fmt.Sprintf("line already billed: attendance %s code %s on %s",
		e.AttendanceID, e.Code, e.ServiceDate)
}

func (e *DuplicateLineError) Unwrap() error { return ErrDuplicateBillingLine }

// RoundingInputError reports a negative amount handed to a rounding mode.
type RoundingInputError struct {
	Amount decimal.Decimal
	Mode   Rounding
}

func (e *RoundingInputError) Error() string {
	return fmt.Sprintf("%s: %s rounding of negative amount %s", ErrInvalidRoundingInput, e.Mode, e.Amount)
}

func (e *RoundingInputError) Unwrap() error { return ErrInvalidRoundingInput }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentRegeneration)
}

// IsClientError returns true if the error is due to invalid input data.
func IsClientError(err error) bool {
	return errors.Is(err, ErrMissingPriceListing) ||
		errors.Is(err, ErrMissingBenefitLimit) ||
		errors.Is(err, ErrUnsupportedArea) ||
		errors.Is(err, ErrUnsupportedScale) ||
		errors.Is(err, ErrInvalidMonth) ||
		errors.Is(err, ErrInvalidPeriod)
}

// IsConflict returns true for integrity violations and lock contention.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateBillingLine) ||
		errors.Is(err, ErrConcurrentRegeneration) ||
		errors.Is(err, ErrInvoiceFixed) ||
		errors.Is(err, ErrInvalidStatusTransition)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTenantNotFound) ||
		errors.Is(err, ErrClientNotFound) ||
		errors.Is(err, ErrInvoiceNotFound)
}
