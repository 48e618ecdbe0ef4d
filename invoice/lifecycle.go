package invoice

import (
	"context"
	"fmt"

	"github.com/warp/care-billing/care"
)

// =============================================================================
// READ
// =============================================================================

// InvoiceView is a persisted invoice with its ordered lines.
type InvoiceView struct {
	Invoice   care.Invoice
	Lines     []care.LineItem
	LineCount int
}

// Get returns the invoice and its lines ordered by service date, sort
// order, then code.
func (s *Service) Get(ctx context.Context, tenantID care.TenantID, invoiceID care.InvoiceID) (*InvoiceView, error) {
	inv, err := s.Store.GetInvoice(ctx, tenantID, invoiceID)
	if err != nil {
		return nil, err
	}
	lines, err := s.Store.ListLineItems(ctx, tenantID, invoiceID)
	if err != nil {
		return nil, err
	}
	care.SortLineItems(lines)
	return &InvoiceView{Invoice: *inv, Lines: lines, LineCount: len(lines)}, nil
}

// List returns the tenant's invoices for a month, ordered by client.
func (s *Service) List(ctx context.Context, tenantID care.TenantID, month care.Month) ([]care.Invoice, error) {
	if month.IsZero() {
		return nil, care.ErrInvalidMonth
	}
	return s.Store.ListInvoices(ctx, tenantID, month)
}

// =============================================================================
// STATUS TRANSITIONS
// =============================================================================

// Fix moves a draft invoice to fixed. A fixed invoice is skipped by every
// later generation run unless the run asks to regenerate fixed invoices.
func (s *Service) Fix(ctx context.Context, tenantID care.TenantID, invoiceID care.InvoiceID, actor string) (*care.Invoice, error) {
	return s.transition(ctx, tenantID, invoiceID, func(inv *care.Invoice) error {
		if inv.IsFixed() {
			return fmt.Errorf("%w: invoice %s is already fixed", care.ErrInvalidStatusTransition, inv.ID)
		}
		now := s.Now().UTC()
		inv.Status = care.InvoiceFixed
		inv.FixedBy = actor
		inv.FixedAt = &now
		return nil
	})
}

// Reopen moves a fixed invoice back to draft so it can be regenerated.
func (s *Service) Reopen(ctx context.Context, tenantID care.TenantID, invoiceID care.InvoiceID, actor string) (*care.Invoice, error) {
	return s.transition(ctx, tenantID, invoiceID, func(inv *care.Invoice) error {
		if !inv.IsFixed() {
			return fmt.Errorf("%w: invoice %s is not fixed", care.ErrInvalidStatusTransition, inv.ID)
		}
		inv.Status = care.InvoiceDraft
		inv.FixedBy = ""
		inv.FixedAt = nil
		s.Logger.Info().
			Str("tenant_id", string(inv.TenantID)).
			Str("invoice_id", string(inv.ID)).
			Str("actor", actor).
			Msg("invoice reopened")
		return nil
	})
}

// transition applies change under the same key lock generation uses, so a
// status change never interleaves with a regeneration of that invoice.
func (s *Service) transition(ctx context.Context, tenantID care.TenantID, invoiceID care.InvoiceID, change func(*care.Invoice) error) (*care.Invoice, error) {
	inv, err := s.Store.GetInvoice(ctx, tenantID, invoiceID)
	if err != nil {
		return nil, err
	}
	release, ok := s.locks.TryLock(invoiceKey(inv.TenantID, inv.ClientID, inv.BillingMonth))
	if !ok {
		return nil, fmt.Errorf("%w: invoice %s", care.ErrConcurrentRegeneration, invoiceID)
	}
	defer release()

	var updated care.Invoice
	err = s.Store.WithTx(ctx, func(w care.InvoiceWriter) error {
		current, err := w.LockInvoice(ctx, inv.TenantID, inv.ClientID, inv.BillingMonth)
		if err != nil {
			return err
		}
		if current == nil || current.ID != invoiceID {
			return care.ErrInvoiceNotFound
		}
		if err := change(current); err != nil {
			return err
		}
		updated = *current
		return w.UpdateInvoiceStatus(ctx, *current)
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}
