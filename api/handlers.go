/*
handlers.go - HTTP API handlers for the care billing service

PURPOSE:
  Exposes monthly invoice generation and the records it reads via REST.
  Handles HTTP request/response, JSON serialization, and delegates to
  the invoice service and the store.

ENDPOINTS:
  Invoices:
    POST   /api/tenants/{tenantID}/invoices/generate           Generate a month
    GET    /api/tenants/{tenantID}/invoices?month=YYYY-MM      List a month
    GET    /api/tenants/{tenantID}/invoices/{invoiceID}        Invoice + lines
    POST   /api/tenants/{tenantID}/invoices/{invoiceID}/fix    Lock an invoice
    POST   /api/tenants/{tenantID}/invoices/{invoiceID}/reopen Back to draft

  Tenants and upstream records:
    GET    /api/tenants                              List tenants
    GET    /api/tenants/{tenantID}                   Get tenant
    PUT    /api/tenants/{tenantID}                   Save tenant (area checked)
    PUT    /api/tenants/{tenantID}/prices            Upsert price listings
    POST   /api/tenants/{tenantID}/clients           Upsert client
    POST   /api/tenants/{tenantID}/certifications    Upsert care certification
    POST   /api/tenants/{tenantID}/contracts         Upsert contract
    POST   /api/tenants/{tenantID}/attendance        Upsert attendance

  Reference data:
    GET    /api/areas                  Supported cities and their grade
    GET    /api/additions              Addition catalog

  Scenarios:
    GET    /api/scenarios              List demo scenarios
    GET    /api/scenarios/current      Last loaded scenario
    POST   /api/scenarios/load         Load a demo scenario

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed body, failed validation, invalid month
  - 404: Tenant, client or invoice not found
  - 409: Duplicate billing line, concurrent regeneration, fixed invoice
  - 422: Unsupported area, missing price or certification, aborted batch
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. Put the service behind a gateway.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/warp/care-billing/care"
	"github.com/warp/care-billing/factory"
	"github.com/warp/care-billing/invoice"
	"github.com/warp/care-billing/tariff"
)

var validate = validator.New()

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store    care.Backend
	Invoices *invoice.Service
	Tenants  *factory.TenantFactory
	Areas    *tariff.AreaGrades
	Logger   zerolog.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler over the store and the invoice service.
func NewHandler(store care.Backend, invoices *invoice.Service, logger zerolog.Logger) *Handler {
	areas := tariff.DefaultAreaGrades()
	return &Handler{
		Store:    store,
		Invoices: invoices,
		Tenants:  factory.NewTenantFactory(areas),
		Areas:    areas,
		Logger:   logger,
	}
}

// =============================================================================
// INVOICE HANDLERS
// =============================================================================

// GenerateInvoices bills every active client of the tenant for one month.
func (h *Handler) GenerateInvoices(w http.ResponseWriter, r *http.Request) {
	tenantID := care.TenantID(chi.URLParam(r, "tenantID"))

	var req GenerateRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	month, err := care.ParseMonth(req.BillingMonth)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid billing_month", err)
		return
	}
	mode := invoice.ModeReplace
	if req.Mode != "" {
		mode = invoice.Mode(req.Mode)
	}

	result, err := h.Invoices.Generate(r.Context(), invoice.GenerateRequest{
		TenantID:        tenantID,
		Month:           month,
		Mode:            mode,
		Actor:           req.Actor,
		AllOrNothing:    req.AllOrNothing,
		RegenerateFixed: req.RegenerateFixed,
	})
	if errors.Is(err, care.ErrBatchAborted) && result != nil {
		writeJSON(w, http.StatusUnprocessableEntity, toBatchResultDTO(result))
		return
	}
	if err != nil {
		h.writeDomainError(w, "Failed to generate invoices", err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchResultDTO(result))
}

// ListInvoices returns the tenant's invoices for ?month=.
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	tenantID := care.TenantID(chi.URLParam(r, "tenantID"))
	month, err := care.ParseMonth(r.URL.Query().Get("month"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "month query parameter must be YYYY-MM", err)
		return
	}
	invoices, err := h.Invoices.List(r.Context(), tenantID, month)
	if err != nil {
		h.writeDomainError(w, "Failed to list invoices", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTOs(invoices))
}

// GetInvoice returns one invoice with its ordered lines.
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	tenantID := care.TenantID(chi.URLParam(r, "tenantID"))
	invoiceID := care.InvoiceID(chi.URLParam(r, "invoiceID"))

	view, err := h.Invoices.Get(r.Context(), tenantID, invoiceID)
	if err != nil {
		h.writeDomainError(w, "Failed to get invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDetailDTO(view))
}

func (h *Handler) FixInvoice(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, h.Invoices.Fix)
}

func (h *Handler) ReopenInvoice(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, h.Invoices.Reopen)
}

type statusChange func(ctx context.Context, tenantID care.TenantID, invoiceID care.InvoiceID, actor string) (*care.Invoice, error)

func (h *Handler) changeStatus(w http.ResponseWriter, r *http.Request, change statusChange) {
	tenantID := care.TenantID(chi.URLParam(r, "tenantID"))
	invoiceID := care.InvoiceID(chi.URLParam(r, "invoiceID"))

	var req StatusChangeRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	inv, err := change(r.Context(), tenantID, invoiceID, req.Actor)
	if err != nil {
		h.writeDomainError(w, "Failed to change invoice status", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(*inv))
}

// =============================================================================
// TENANT HANDLERS
// =============================================================================

func (h *Handler) ListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := h.Store.ListTenants(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list tenants", err)
		return
	}
	dtos := make([]factory.TenantJSON, len(tenants))
	for i, t := range tenants {
		dtos[i] = factory.TenantToJSON(t)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetTenant(w http.ResponseWriter, r *http.Request) {
	tenant, err := h.Store.GetTenant(r.Context(), care.TenantID(chi.URLParam(r, "tenantID")))
	if err != nil {
		h.writeDomainError(w, "Failed to get tenant", err)
		return
	}
	writeJSON(w, http.StatusOK, factory.TenantToJSON(*tenant))
}

// PutTenant saves a tenant. The city and scale are checked against the
// area table here so a misconfigured tenant never reaches generation.
func (h *Handler) PutTenant(w http.ResponseWriter, r *http.Request) {
	var tj factory.TenantJSON
	if err := json.NewDecoder(r.Body).Decode(&tj); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	tj.ID = chi.URLParam(r, "tenantID")

	tenant, err := h.Tenants.TenantFromJSON(tj)
	if err != nil {
		if care.IsClientError(err) {
			h.writeDomainError(w, "Unsupported tenant area", err)
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid tenant", err)
		return
	}
	if err := h.Store.SaveTenant(r.Context(), tenant); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save tenant", err)
		return
	}
	h.Logger.Info().Str("tenant_id", string(tenant.ID)).Str("city", tenant.City).Msg("tenant saved")
	writeJSON(w, http.StatusOK, factory.TenantToJSON(tenant))
}

// =============================================================================
// UPSTREAM RECORD HANDLERS
// =============================================================================

// PutPrices upserts a batch of price listings. Nothing is saved if any
// listing is invalid.
func (h *Handler) PutPrices(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.requireTenant(w, r)
	if !ok {
		return
	}
	var sheet []factory.PriceListingJSON
	if err := json.NewDecoder(r.Body).Decode(&sheet); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	listings := make([]care.PriceListing, 0, len(sheet))
	for i, pj := range sheet {
		p, err := factory.PriceListingFromJSON(tenantID, pj)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid price listing at index %d", i), err)
			return
		}
		listings = append(listings, p)
	}
	for _, p := range listings {
		if err := h.Store.SavePriceListing(r.Context(), p); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to save price listing", err)
			return
		}
	}
	out := make([]factory.PriceListingJSON, len(listings))
	for i, p := range listings {
		out[i] = factory.PriceListingToJSON(p)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) CreateClient(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.requireTenant(w, r)
	if !ok {
		return
	}
	var req ClientRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	client := care.Client{ID: care.ClientID(req.ID), TenantID: tenantID, Name: req.Name, Active: true}
	if req.Active != nil {
		client.Active = *req.Active
	}
	if err := h.Store.SaveClient(r.Context(), client); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save client", err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (h *Handler) CreateCertification(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.requireTenant(w, r)
	if !ok {
		return
	}
	var cj factory.CertificationJSON
	if err := json.NewDecoder(r.Body).Decode(&cj); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	cert, err := factory.CertificationFromJSON(tenantID, cj)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid certification", err)
		return
	}
	if _, ok := h.requireClient(w, r, tenantID, cert.ClientID); !ok {
		return
	}
	if err := h.Store.SaveCertification(r.Context(), cert); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save certification", err)
		return
	}
	cj.ID = cert.ID
	writeJSON(w, http.StatusCreated, cj)
}

func (h *Handler) CreateContract(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.requireTenant(w, r)
	if !ok {
		return
	}
	var cj factory.ContractJSON
	if err := json.NewDecoder(r.Body).Decode(&cj); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	contract, err := factory.ContractFromJSON(tenantID, cj)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid contract", err)
		return
	}
	if _, ok := h.requireClient(w, r, tenantID, contract.ClientID); !ok {
		return
	}
	if err := h.Store.SaveContract(r.Context(), contract); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save contract", err)
		return
	}
	cj.ID = contract.ID
	writeJSON(w, http.StatusCreated, cj)
}

func (h *Handler) CreateAttendance(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.requireTenant(w, r)
	if !ok {
		return
	}
	var req AttendanceRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	date, err := care.ParseDate(req.ServiceDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid service_date", err)
		return
	}
	clientID := care.ClientID(req.ClientID)
	if _, ok := h.requireClient(w, r, tenantID, clientID); !ok {
		return
	}
	att := care.Attendance{
		ID:          req.ID,
		TenantID:    tenantID,
		ClientID:    clientID,
		ServiceDate: date,
		Status:      care.AttendanceStatus(req.Status),
	}
	if err := h.Store.SaveAttendance(r.Context(), att); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save attendance", err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// =============================================================================
// REFERENCE DATA
// =============================================================================

// ListAreas returns every supported city with its area grade.
func (h *Handler) ListAreas(w http.ResponseWriter, r *http.Request) {
	cities := h.Areas.SupportedCities()
	dtos := make([]AreaDTO, 0, len(cities))
	for _, city := range cities {
		grade, err := h.Areas.GradeOf(city)
		if err != nil {
			continue
		}
		dtos = append(dtos, AreaDTO{City: city, Grade: grade.String()})
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) ListAdditions(w http.ResponseWriter, r *http.Request) {
	catalog := tariff.Catalog()
	dtos := make([]AdditionDTO, len(catalog))
	for i, a := range catalog {
		dtos[i] = AdditionDTO{
			Code:        a.Code(),
			Name:        a.Name(),
			Units:       a.Units().Int64(),
			ServiceCode: a.ServiceCode(),
			PriceCode:   a.PriceCode(),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) requireTenant(w http.ResponseWriter, r *http.Request) (care.TenantID, bool) {
	tenantID := care.TenantID(chi.URLParam(r, "tenantID"))
	if _, err := h.Store.GetTenant(r.Context(), tenantID); err != nil {
		h.writeDomainError(w, "Failed to get tenant", err)
		return "", false
	}
	return tenantID, true
}

func (h *Handler) requireClient(w http.ResponseWriter, r *http.Request, tenantID care.TenantID, clientID care.ClientID) (*care.Client, bool) {
	client, err := h.Store.GetClient(r.Context(), tenantID, clientID)
	if err != nil {
		h.writeDomainError(w, "Failed to get client", err)
		return nil, false
	}
	return client, true
}

func decodeAndValidate(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return err
	}
	return validate.Struct(v)
}

// statusFor maps a domain error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case care.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, care.ErrInvalidMonth):
		return http.StatusBadRequest
	case care.IsConflict(err):
		return http.StatusConflict
	case care.IsClientError(err), errors.Is(err, care.ErrBatchAborted):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Logger.Error().Err(err).Msg(message)
	}
	resp := ErrorResponse{Error: message, Details: err.Error()}
	if kind := care.KindOf(err); kind != care.KindInternal {
		resp.Code = string(kind)
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
