/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Generation:
    GenerateRequest, BatchResultDTO, ClientFailureDTO

  Invoices:
    InvoiceDTO, LineItemDTO, InvoiceDetailDTO, StatusChangeRequest

  Upstream records:
    ClientRequest, AttendanceRequest (certifications, contracts and
    prices reuse the factory JSON types)

  Reference data:
    AreaDTO, AdditionDTO, ScenarioDTO

VALIDATION:
  Request types carry go-playground/validator struct tags; handlers call
  decodeAndValidate before touching the domain.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/: tenant, certification, contract and price JSON types
*/
package api

import (
	"time"

	"github.com/warp/care-billing/care"
	"github.com/warp/care-billing/invoice"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// GenerateRequest starts monthly generation for one tenant.
type GenerateRequest struct {
	BillingMonth    string `json:"billing_month" validate:"required"`
	Mode            string `json:"mode" validate:"omitempty,oneof=replace skip_existing"`
	Actor           string `json:"actor" validate:"required"`
	AllOrNothing    bool   `json:"all_or_nothing"`
	RegenerateFixed bool   `json:"regenerate_fixed"`
}

// StatusChangeRequest fixes or reopens an invoice.
type StatusChangeRequest struct {
	Actor string `json:"actor" validate:"required"`
}

type ClientRequest struct {
	ID     string `json:"id" validate:"required"`
	Name   string `json:"name" validate:"required"`
	Active *bool  `json:"active,omitempty"` // defaults to true
}

type AttendanceRequest struct {
	ID          string `json:"id" validate:"required"`
	ClientID    string `json:"client_id" validate:"required"`
	ServiceDate string `json:"service_date" validate:"required"`
	Status      string `json:"status" validate:"required,oneof=present absent cancelled"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// InvoiceDTO represents an invoice in API responses. Amounts are yen.
type InvoiceDTO struct {
	ID           string `json:"id"`
	TenantID     string `json:"tenant_id"`
	ClientID     string `json:"client_id"`
	BillingMonth string `json:"billing_month"`
	Status       string `json:"status"`

	SubtotalAmount         int64 `json:"subtotal_amount"`
	InsuranceClaimAmount   int64 `json:"insurance_claim_amount"`
	InsuredCopaymentAmount int64 `json:"insured_copayment_amount"`
	ExcessCopaymentAmount  int64 `json:"excess_copayment_amount"`
	TotalAmount            int64 `json:"total_amount"`

	TotalUnits   int64  `json:"total_units"`
	InsuredUnits int64  `json:"insured_units"`
	ExcessUnits  int64  `json:"excess_units"`
	UnitRate     string `json:"unit_rate"`

	GeneratedBy string  `json:"generated_by"`
	GeneratedAt string  `json:"generated_at"`
	FixedBy     string  `json:"fixed_by,omitempty"`
	FixedAt     *string `json:"fixed_at,omitempty"`
}

type LineItemDTO struct {
	ID             string `json:"id"`
	AttendanceID   string `json:"attendance_id"`
	PriceListingID string `json:"price_listing_id"`
	ServiceDate    string `json:"service_date"`
	Code           string `json:"code"`
	ItemName       string `json:"item_name"`
	ServiceCode    string `json:"service_code"`
	Units          int64  `json:"units"`
	Quantity       string `json:"quantity"`
	UnitPrice      int64  `json:"unit_price"`
	LineTotal      int64  `json:"line_total"`
}

// InvoiceDetailDTO is an invoice with its ordered lines.
type InvoiceDetailDTO struct {
	Invoice   InvoiceDTO    `json:"invoice"`
	Lines     []LineItemDTO `json:"lines"`
	LineCount int           `json:"line_count"`
}

type ClientFailureDTO struct {
	ClientID string `json:"client_id"`
	Kind     string `json:"kind"`
	Code     string `json:"code,omitempty"`
	Date     string `json:"date,omitempty"`
	Message  string `json:"message"`
}

// BatchResultDTO is the outcome of one generation call.
type BatchResultDTO struct {
	TenantID        string             `json:"tenant_id"`
	BillingMonth    string             `json:"billing_month"`
	Mode            string             `json:"mode"`
	Generated       int                `json:"generated"`
	Replaced        int                `json:"replaced"`
	SkippedExisting int                `json:"skipped_existing"`
	SkippedFixed    int                `json:"skipped_fixed"`
	SkippedIdle     int                `json:"skipped_idle"`
	Invoices        []InvoiceDTO       `json:"invoices"`
	Failures        []ClientFailureDTO `json:"failures"`
}

type AreaDTO struct {
	City  string `json:"city"`
	Grade string `json:"grade"`
}

type AdditionDTO struct {
	Code        string `json:"code"`
	Name        string `json:"name"`
	Units       int64  `json:"units"`
	ServiceCode string `json:"service_code"`
	PriceCode   string `json:"price_code"`
}

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toInvoiceDTO(inv care.Invoice) InvoiceDTO {
	dto := InvoiceDTO{
		ID:                     string(inv.ID),
		TenantID:               string(inv.TenantID),
		ClientID:               string(inv.ClientID),
		BillingMonth:           inv.BillingMonth.String(),
		Status:                 string(inv.Status),
		SubtotalAmount:         inv.SubtotalAmount,
		InsuranceClaimAmount:   inv.InsuranceClaimAmount,
		InsuredCopaymentAmount: inv.InsuredCopaymentAmount,
		ExcessCopaymentAmount:  inv.ExcessCopaymentAmount,
		TotalAmount:            inv.TotalAmount,
		TotalUnits:             inv.TotalUnits.Int64(),
		InsuredUnits:           inv.InsuredUnits.Int64(),
		ExcessUnits:            inv.ExcessUnits.Int64(),
		UnitRate:               inv.UnitRate.StringFixed(2),
		GeneratedBy:            inv.GeneratedBy,
		GeneratedAt:            inv.GeneratedAt.UTC().Format(time.RFC3339),
		FixedBy:                inv.FixedBy,
	}
	if inv.FixedAt != nil {
		s := inv.FixedAt.UTC().Format(time.RFC3339)
		dto.FixedAt = &s
	}
	return dto
}

func toInvoiceDTOs(invoices []care.Invoice) []InvoiceDTO {
	dtos := make([]InvoiceDTO, len(invoices))
	for i, inv := range invoices {
		dtos[i] = toInvoiceDTO(inv)
	}
	return dtos
}

func toLineItemDTO(l care.LineItem) LineItemDTO {
	return LineItemDTO{
		ID:             l.ID,
		AttendanceID:   l.AttendanceID,
		PriceListingID: l.PriceListingID,
		ServiceDate:    l.ServiceDate.String(),
		Code:           l.Code,
		ItemName:       l.ItemName,
		ServiceCode:    l.ServiceCode,
		Units:          l.Units.Int64(),
		Quantity:       l.Quantity.String(),
		UnitPrice:      l.UnitPrice,
		LineTotal:      l.LineTotal,
	}
}

func toInvoiceDetailDTO(v *invoice.InvoiceView) InvoiceDetailDTO {
	lines := make([]LineItemDTO, len(v.Lines))
	for i, l := range v.Lines {
		lines[i] = toLineItemDTO(l)
	}
	return InvoiceDetailDTO{Invoice: toInvoiceDTO(v.Invoice), Lines: lines, LineCount: v.LineCount}
}

func toBatchResultDTO(r *invoice.BatchResult) BatchResultDTO {
	failures := make([]ClientFailureDTO, len(r.Failures))
	for i, f := range r.Failures {
		failures[i] = ClientFailureDTO{
			ClientID: string(f.ClientID),
			Kind:     string(f.Kind),
			Code:     f.Code,
			Message:  f.Message,
		}
		if !f.Date.IsZero() {
			failures[i].Date = f.Date.String()
		}
	}
	return BatchResultDTO{
		TenantID:        string(r.TenantID),
		BillingMonth:    r.Month.String(),
		Mode:            string(r.Mode),
		Generated:       r.Generated,
		Replaced:        r.Replaced,
		SkippedExisting: r.SkippedExisting,
		SkippedFixed:    r.SkippedFixed,
		SkippedIdle:     r.SkippedIdle,
		Invoices:        toInvoiceDTOs(r.Invoices),
		Failures:        failures,
	}
}
