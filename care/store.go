/*
store.go - Persistence interfaces for the billing core

PURPOSE:
  Defines the seam between billing logic and the database. Implementations
  live in care/store (memory), store/sqlite and store/postgres.

KEY INTERFACES:
  Reader:        every read the billing core performs
  InvoiceWriter: invoice writes, only reachable inside a transaction
  TxStore:       Reader + WithTx
  RecordWriter:  ingestion of upstream records (tenants, attendance, ...)

REPLACE SEMANTICS:
  Invoices are never patched field by field. Regeneration deletes the old
  invoice and its lines and inserts the new ones inside one WithTx call,
  so a reader never observes a half-written invoice.

LOCKING:
  LockInvoice claims (tenant, client, month) for the rest of the
  transaction. A backend that cannot get the claim immediately returns
  ErrConcurrentRegeneration instead of waiting.
*/
package care

import "context"

// Reader covers the reads done by generation and the read API.
type Reader interface {
	GetTenant(ctx context.Context, id TenantID) (*Tenant, error)
	ListTenants(ctx context.Context) ([]Tenant, error)

	GetClient(ctx context.Context, tenantID TenantID, id ClientID) (*Client, error)
	ListClients(ctx context.Context, tenantID TenantID) ([]Client, error)

	ListCertifications(ctx context.Context, tenantID TenantID, clientID ClientID) ([]CareCertification, error)
	ListContracts(ctx context.Context, tenantID TenantID, clientID ClientID) ([]Contract, error)

	// ListAttendance returns the client's attendance in period, ordered by date.
	ListAttendance(ctx context.Context, tenantID TenantID, clientID ClientID, period Period) ([]Attendance, error)

	ListPriceListings(ctx context.Context, tenantID TenantID) ([]PriceListing, error)

	// FindInvoice returns nil, nil when no invoice exists for the key.
	FindInvoice(ctx context.Context, tenantID TenantID, clientID ClientID, month Month) (*Invoice, error)
	// GetInvoice returns ErrInvoiceNotFound when absent.
	GetInvoice(ctx context.Context, tenantID TenantID, id InvoiceID) (*Invoice, error)
	ListInvoices(ctx context.Context, tenantID TenantID, month Month) ([]Invoice, error)
	// ListLineItems returns lines ordered by service date, sort order, code.
	ListLineItems(ctx context.Context, tenantID TenantID, invoiceID InvoiceID) ([]LineItem, error)
}

// InvoiceWriter is the write side of invoice persistence.
type InvoiceWriter interface {
	// LockInvoice claims the key and returns the current invoice, or nil.
	LockInvoice(ctx context.Context, tenantID TenantID, clientID ClientID, month Month) (*Invoice, error)

	// DeleteInvoice removes the invoice and all of its lines.
	DeleteInvoice(ctx context.Context, tenantID TenantID, id InvoiceID) error

	// InsertInvoice writes the invoice with its lines. A second invoice for
	// the same key fails with ErrConcurrentRegeneration, a repeated line key
	// with ErrDuplicateBillingLine.
	InsertInvoice(ctx context.Context, inv Invoice, lines []LineItem) error

	// UpdateInvoiceStatus moves an invoice between draft and fixed.
	UpdateInvoiceStatus(ctx context.Context, inv Invoice) error
}

// TxStore is a Reader with transactional invoice writes.
type TxStore interface {
	Reader

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(InvoiceWriter) error) error
}

// RecordWriter ingests the upstream records the billing core consumes. The
// owning CRUD subsystems validate them; these methods only persist.
type RecordWriter interface {
	SaveTenant(ctx context.Context, t Tenant) error
	SaveClient(ctx context.Context, c Client) error
	SaveCertification(ctx context.Context, c CareCertification) error
	SaveContract(ctx context.Context, c Contract) error
	SaveAttendance(ctx context.Context, a Attendance) error
	SavePriceListing(ctx context.Context, p PriceListing) error
}

// Backend is what the server wires: reads, invoice transactions, ingestion.
type Backend interface {
	TxStore
	RecordWriter
	Close() error
}
