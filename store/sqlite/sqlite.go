/*
Package sqlite provides a SQLite-backed implementation of care.Backend.

PURPOSE:
  Persists tenants, the upstream records generation reads (clients, care
  certifications, contracts, attendance, price listings) and the generated
  invoices with their lines. In production the same patterns apply to
  PostgreSQL (see store/postgres) - only minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  care.Reader:        every read the billing core performs
  care.TxStore:       WithTx with an invoice writer bound to one sql.Tx
  care.RecordWriter:  upserts of upstream records

REPLACE SEMANTICS:
  Invoices are replaced, never patched:
  - DeleteInvoice removes the invoice; its lines go with it (ON DELETE CASCADE)
  - InsertInvoice writes the invoice and every line in the same sql.Tx
  - Only status/fixed_by/fixed_at are ever UPDATEd

KEY TABLES:
  tenants:             facility operators with their rounding policy (JSON)
  clients:             billed persons
  care_certifications: level, ceiling and copayment share per window
  contracts:           service flags per window
  attendance:          one row per scheduled service day
  price_listings:      tenant-scoped yen prices per billing code
  invoices:            one per (tenant, client, billing month)
  invoice_lines:       one per (tenant, attendance, code)

INDEXES:
  - idx_invoices_key:       UNIQUE (tenant_id, client_id, billing_month)
  - idx_invoice_lines_key:  UNIQUE (tenant_id, attendance_id, code)
  - idx_attendance_client_date: attendance scan for one client and month

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. WithTx holds the write lock for the
  whole transaction, so LockInvoice never has to wait on another writer.
  In production with PostgreSQL, database-level locks handle this instead.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := invoice.NewService(store)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - care/store.go: Interface definitions
  - care/store/memory.go: In-memory implementation for testing
  - store/postgres: the production backend
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/care-billing/care"
)

// Store implements care.Backend using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ care.Backend = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		city TEXT NOT NULL,
		facility_scale TEXT NOT NULL,
		policy_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS clients (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		name TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (tenant_id, id)
	);

	CREATE TABLE IF NOT EXISTS care_certifications (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		care_level TEXT NOT NULL,
		monthly_unit_ceiling INTEGER NOT NULL CHECK (monthly_unit_ceiling >= 0),
		copayment_num INTEGER NOT NULL,
		copayment_den INTEGER NOT NULL,
		valid_from TEXT,
		valid_to TEXT,
		PRIMARY KEY (tenant_id, id)
	);
	CREATE INDEX IF NOT EXISTS idx_certifications_client
		ON care_certifications(tenant_id, client_id);

	CREATE TABLE IF NOT EXISTS contracts (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		valid_from TEXT,
		valid_to TEXT,
		services_json TEXT NOT NULL,
		PRIMARY KEY (tenant_id, id)
	);
	CREATE INDEX IF NOT EXISTS idx_contracts_client
		ON contracts(tenant_id, client_id);

	CREATE TABLE IF NOT EXISTS attendance (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		service_date TEXT NOT NULL,
		status TEXT NOT NULL,
		PRIMARY KEY (tenant_id, id)
	);
	CREATE INDEX IF NOT EXISTS idx_attendance_client_date
		ON attendance(tenant_id, client_id, service_date);

	CREATE TABLE IF NOT EXISTS price_listings (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		code TEXT NOT NULL,
		name TEXT NOT NULL,
		unit_price INTEGER NOT NULL CHECK (unit_price >= 0),
		valid_from TEXT,
		valid_to TEXT,
		active INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (tenant_id, id)
	);
	CREATE INDEX IF NOT EXISTS idx_price_listings_code
		ON price_listings(tenant_id, code);

	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		billing_month TEXT NOT NULL,
		status TEXT NOT NULL,
		subtotal_amount INTEGER NOT NULL,
		insurance_claim_amount INTEGER NOT NULL,
		insured_copayment_amount INTEGER NOT NULL,
		excess_copayment_amount INTEGER NOT NULL,
		total_amount INTEGER NOT NULL,
		total_units INTEGER NOT NULL,
		insured_units INTEGER NOT NULL,
		excess_units INTEGER NOT NULL,
		unit_rate TEXT NOT NULL,
		generated_by TEXT NOT NULL,
		generated_at TEXT NOT NULL,
		fixed_by TEXT,
		fixed_at TEXT
	);

	-- One invoice per client and month; a racing insert loses here
	CREATE UNIQUE INDEX IF NOT EXISTS idx_invoices_key
		ON invoices(tenant_id, client_id, billing_month);
	CREATE INDEX IF NOT EXISTS idx_invoices_month
		ON invoices(tenant_id, billing_month);

	CREATE TABLE IF NOT EXISTS invoice_lines (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		invoice_id TEXT NOT NULL REFERENCES invoices(id) ON DELETE CASCADE,
		attendance_id TEXT NOT NULL,
		price_listing_id TEXT NOT NULL,
		service_date TEXT NOT NULL,
		code TEXT NOT NULL,
		item_name TEXT NOT NULL,
		service_code TEXT NOT NULL,
		sort_order INTEGER NOT NULL,
		units INTEGER NOT NULL,
		quantity TEXT NOT NULL,
		unit_price INTEGER NOT NULL,
		line_total INTEGER NOT NULL
	);

	-- An attendance is billed at most once per code
	CREATE UNIQUE INDEX IF NOT EXISTS idx_invoice_lines_key
		ON invoice_lines(tenant_id, attendance_id, code);
	CREATE INDEX IF NOT EXISTS idx_invoice_lines_invoice
		ON invoice_lines(invoice_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// RECORD WRITER (care.RecordWriter interface)
// =============================================================================

// SaveTenant upserts a tenant.
func (s *Store) SaveTenant(ctx context.Context, t care.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	policyJSON, err := json.Marshal(t.Policy)
	if err != nil {
		return fmt.Errorf("failed to encode billing policy: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, name, city, facility_scale, policy_json)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			city = excluded.city,
			facility_scale = excluded.facility_scale,
			policy_json = excluded.policy_json
	`, t.ID, t.Name, t.City, t.FacilityScale, string(policyJSON))
	if err != nil {
		return fmt.Errorf("failed to save tenant: %w", err)
	}
	return nil
}

// SaveClient upserts a client.
func (s *Store) SaveClient(ctx context.Context, c care.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (tenant_id, id, name, active)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO UPDATE SET
			name = excluded.name,
			active = excluded.active
	`, c.TenantID, c.ID, c.Name, c.Active)
	if err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}
	return nil
}

// SaveCertification upserts a care certification.
func (s *Store) SaveCertification(ctx context.Context, c care.CareCertification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	from, to := windowArgs(c.Valid)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO care_certifications
		(tenant_id, id, client_id, care_level, monthly_unit_ceiling, copayment_num, copayment_den, valid_from, valid_to)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO UPDATE SET
			client_id = excluded.client_id,
			care_level = excluded.care_level,
			monthly_unit_ceiling = excluded.monthly_unit_ceiling,
			copayment_num = excluded.copayment_num,
			copayment_den = excluded.copayment_den,
			valid_from = excluded.valid_from,
			valid_to = excluded.valid_to
	`, c.TenantID, c.ID, c.ClientID, c.CareLevel, c.MonthlyUnitCeiling.Int64(),
		c.CopaymentRate.Num, c.CopaymentRate.Den, from, to)
	if err != nil {
		return fmt.Errorf("failed to save certification: %w", err)
	}
	return nil
}

// SaveContract upserts a contract.
func (s *Store) SaveContract(ctx context.Context, c care.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	servicesJSON, err := json.Marshal(c.Services)
	if err != nil {
		return fmt.Errorf("failed to encode services: %w", err)
	}
	from, to := windowArgs(c.Valid)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO contracts (tenant_id, id, client_id, valid_from, valid_to, services_json)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO UPDATE SET
			client_id = excluded.client_id,
			valid_from = excluded.valid_from,
			valid_to = excluded.valid_to,
			services_json = excluded.services_json
	`, c.TenantID, c.ID, c.ClientID, from, to, string(servicesJSON))
	if err != nil {
		return fmt.Errorf("failed to save contract: %w", err)
	}
	return nil
}

// SaveAttendance upserts one attendance record.
func (s *Store) SaveAttendance(ctx context.Context, a care.Attendance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attendance (tenant_id, id, client_id, service_date, status)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO UPDATE SET
			client_id = excluded.client_id,
			service_date = excluded.service_date,
			status = excluded.status
	`, a.TenantID, a.ID, a.ClientID, a.ServiceDate.String(), a.Status)
	if err != nil {
		return fmt.Errorf("failed to save attendance: %w", err)
	}
	return nil
}

// SavePriceListing upserts one price listing.
func (s *Store) SavePriceListing(ctx context.Context, p care.PriceListing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	from, to := windowArgs(p.Valid)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO price_listings (tenant_id, id, code, name, unit_price, valid_from, valid_to, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO UPDATE SET
			code = excluded.code,
			name = excluded.name,
			unit_price = excluded.unit_price,
			valid_from = excluded.valid_from,
			valid_to = excluded.valid_to,
			active = excluded.active
	`, p.TenantID, p.ID, p.Code, p.Name, p.UnitPrice, from, to, p.Active)
	if err != nil {
		return fmt.Errorf("failed to save price listing: %w", err)
	}
	return nil
}

// =============================================================================
// READER (care.Reader interface)
// =============================================================================

// GetTenant returns care.ErrTenantNotFound when absent.
func (s *Store) GetTenant(ctx context.Context, id care.TenantID) (*care.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT id, name, city, facility_scale, policy_json FROM tenants WHERE id = ?", id)
	t, err := scanTenant(row)
	if err == sql.ErrNoRows {
		return nil, care.ErrTenantNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTenants returns every tenant ordered by ID.
func (s *Store) ListTenants(ctx context.Context) ([]care.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, city, facility_scale, policy_json FROM tenants ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query tenants: %w", err)
	}
	defer rows.Close()

	var tenants []care.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// GetClient returns care.ErrClientNotFound when absent.
func (s *Store) GetClient(ctx context.Context, tenantID care.TenantID, id care.ClientID) (*care.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c care.Client
	err := s.db.QueryRowContext(ctx,
		"SELECT tenant_id, id, name, active FROM clients WHERE tenant_id = ? AND id = ?",
		tenantID, id,
	).Scan(&c.TenantID, &c.ID, &c.Name, &c.Active)
	if err == sql.ErrNoRows {
		return nil, care.ErrClientNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListClients returns the tenant's clients ordered by ID.
func (s *Store) ListClients(ctx context.Context, tenantID care.TenantID) ([]care.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT tenant_id, id, name, active FROM clients WHERE tenant_id = ? ORDER BY id", tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query clients: %w", err)
	}
	defer rows.Close()

	var clients []care.Client
	for rows.Next() {
		var c care.Client
		if err := rows.Scan(&c.TenantID, &c.ID, &c.Name, &c.Active); err != nil {
			return nil, fmt.Errorf("failed to scan client: %w", err)
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

func (s *Store) ListCertifications(ctx context.Context, tenantID care.TenantID, clientID care.ClientID) ([]care.CareCertification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, id, client_id, care_level, monthly_unit_ceiling,
		       copayment_num, copayment_den, valid_from, valid_to
		FROM care_certifications
		WHERE tenant_id = ? AND client_id = ?
		ORDER BY valid_from, id
	`, tenantID, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to query certifications: %w", err)
	}
	defer rows.Close()

	var certs []care.CareCertification
	for rows.Next() {
		var (
			c        care.CareCertification
			ceiling  int64
			from, to sql.NullString
		)
		if err := rows.Scan(&c.TenantID, &c.ID, &c.ClientID, &c.CareLevel, &ceiling,
			&c.CopaymentRate.Num, &c.CopaymentRate.Den, &from, &to); err != nil {
			return nil, fmt.Errorf("failed to scan certification: %w", err)
		}
		if c.MonthlyUnitCeiling, err = care.NewUnits(ceiling); err != nil {
			return nil, err
		}
		if c.Valid, err = parseWindow(from, to); err != nil {
			return nil, err
		}
		certs = append(certs, c)
	}
	return certs, rows.Err()
}

func (s *Store) ListContracts(ctx context.Context, tenantID care.TenantID, clientID care.ClientID) ([]care.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, id, client_id, valid_from, valid_to, services_json
		FROM contracts
		WHERE tenant_id = ? AND client_id = ?
		ORDER BY valid_from, id
	`, tenantID, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to query contracts: %w", err)
	}
	defer rows.Close()

	var contracts []care.Contract
	for rows.Next() {
		var (
			c            care.Contract
			from, to     sql.NullString
			servicesJSON string
		)
		if err := rows.Scan(&c.TenantID, &c.ID, &c.ClientID, &from, &to, &servicesJSON); err != nil {
			return nil, fmt.Errorf("failed to scan contract: %w", err)
		}
		if c.Valid, err = parseWindow(from, to); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(servicesJSON), &c.Services); err != nil {
			return nil, fmt.Errorf("failed to decode services of contract %s: %w", c.ID, err)
		}
		contracts = append(contracts, c)
	}
	return contracts, rows.Err()
}

// ListAttendance returns the client's attendance in period, ordered by date.
func (s *Store) ListAttendance(ctx context.Context, tenantID care.TenantID, clientID care.ClientID, period care.Period) ([]care.Attendance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, id, client_id, service_date, status
		FROM attendance
		WHERE tenant_id = ? AND client_id = ?
		  AND service_date >= ? AND service_date <= ?
		ORDER BY service_date, id
	`, tenantID, clientID, period.Start.String(), period.End.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query attendance: %w", err)
	}
	defer rows.Close()

	var result []care.Attendance
	for rows.Next() {
		var (
			a    care.Attendance
			date string
		)
		if err := rows.Scan(&a.TenantID, &a.ID, &a.ClientID, &date, &a.Status); err != nil {
			return nil, fmt.Errorf("failed to scan attendance: %w", err)
		}
		if a.ServiceDate, err = care.ParseDate(date); err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (s *Store) ListPriceListings(ctx context.Context, tenantID care.TenantID) ([]care.PriceListing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, id, code, name, unit_price, valid_from, valid_to, active
		FROM price_listings
		WHERE tenant_id = ?
		ORDER BY code, valid_from
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query price listings: %w", err)
	}
	defer rows.Close()

	var listings []care.PriceListing
	for rows.Next() {
		var (
			p        care.PriceListing
			from, to sql.NullString
		)
		if err := rows.Scan(&p.TenantID, &p.ID, &p.Code, &p.Name, &p.UnitPrice, &from, &to, &p.Active); err != nil {
			return nil, fmt.Errorf("failed to scan price listing: %w", err)
		}
		if p.Valid, err = parseWindow(from, to); err != nil {
			return nil, err
		}
		listings = append(listings, p)
	}
	return listings, rows.Err()
}

// FindInvoice returns nil, nil when no invoice exists for the key.
func (s *Store) FindInvoice(ctx context.Context, tenantID care.TenantID, clientID care.ClientID, month care.Month) (*care.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return findInvoice(ctx, s.db, tenantID, clientID, month)
}

// GetInvoice returns care.ErrInvoiceNotFound when absent.
func (s *Store) GetInvoice(ctx context.Context, tenantID care.TenantID, id care.InvoiceID) (*care.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT "+invoiceColumns+" FROM invoices WHERE tenant_id = ? AND id = ?", tenantID, id)
	inv, err := scanInvoice(row)
	if err == sql.ErrNoRows {
		return nil, care.ErrInvoiceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// ListInvoices returns the month's invoices ordered by client.
func (s *Store) ListInvoices(ctx context.Context, tenantID care.TenantID, month care.Month) ([]care.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+invoiceColumns+" FROM invoices WHERE tenant_id = ? AND billing_month = ? ORDER BY client_id",
		tenantID, month.Start().String())
	if err != nil {
		return nil, fmt.Errorf("failed to query invoices: %w", err)
	}
	defer rows.Close()

	var invoices []care.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

// ListLineItems returns lines ordered by service date, sort order, code.
func (s *Store) ListLineItems(ctx context.Context, tenantID care.TenantID, invoiceID care.InvoiceID) ([]care.LineItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var exists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM invoices WHERE tenant_id = ? AND id = ?", tenantID, invoiceID,
	).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, care.ErrInvoiceNotFound
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, invoice_id, attendance_id, price_listing_id, service_date,
		       code, item_name, service_code, sort_order, units, quantity, unit_price, line_total
		FROM invoice_lines
		WHERE tenant_id = ? AND invoice_id = ?
		ORDER BY service_date, sort_order, code
	`, tenantID, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoice lines: %w", err)
	}
	defer rows.Close()

	var lines []care.LineItem
	for rows.Next() {
		l, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE (care.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(care.InvoiceWriter) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type txStore struct {
	tx *sql.Tx
}

// LockInvoice reads the current invoice. The store's write lock already
// excludes every other writer for the life of the transaction.
func (ts *txStore) LockInvoice(ctx context.Context, tenantID care.TenantID, clientID care.ClientID, month care.Month) (*care.Invoice, error) {
	return findInvoice(ctx, ts.tx, tenantID, clientID, month)
}

func (ts *txStore) DeleteInvoice(ctx context.Context, tenantID care.TenantID, id care.InvoiceID) error {
	res, err := ts.tx.ExecContext(ctx, "DELETE FROM invoices WHERE tenant_id = ? AND id = ?", tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to delete invoice: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return care.ErrInvoiceNotFound
	}
	return nil
}

func (ts *txStore) InsertInvoice(ctx context.Context, inv care.Invoice, lines []care.LineItem) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO invoices
		(id, tenant_id, client_id, billing_month, status,
		 subtotal_amount, insurance_claim_amount, insured_copayment_amount, excess_copayment_amount, total_amount,
		 total_units, insured_units, excess_units, unit_rate,
		 generated_by, generated_at, fixed_by, fixed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		inv.ID, inv.TenantID, inv.ClientID, inv.BillingMonth.Start().String(), inv.Status,
		inv.SubtotalAmount, inv.InsuranceClaimAmount, inv.InsuredCopaymentAmount, inv.ExcessCopaymentAmount, inv.TotalAmount,
		inv.TotalUnits.Int64(), inv.InsuredUnits.Int64(), inv.ExcessUnits.Int64(), inv.UnitRate.String(),
		inv.GeneratedBy, formatTime(inv.GeneratedAt), nullString(inv.FixedBy), nullTime(inv.FixedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return care.ErrConcurrentRegeneration
		}
		return fmt.Errorf("failed to insert invoice: %w", err)
	}

	for _, l := range lines {
		_, err := ts.tx.ExecContext(ctx, `
			INSERT INTO invoice_lines
			(id, tenant_id, invoice_id, attendance_id, price_listing_id, service_date,
			 code, item_name, service_code, sort_order, units, quantity, unit_price, line_total)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			l.ID, l.TenantID, l.InvoiceID, l.AttendanceID, l.PriceListingID, l.ServiceDate.String(),
			l.Code, l.ItemName, l.ServiceCode, l.SortOrder, l.Units.Int64(), l.Quantity.String(), l.UnitPrice, l.LineTotal,
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return &care.DuplicateLineError{
					TenantID:     l.TenantID,
					AttendanceID: l.AttendanceID,
					Code:         l.Code,
					ServiceDate:  l.ServiceDate,
				}
			}
			return fmt.Errorf("failed to insert invoice line: %w", err)
		}
	}
	return nil
}

func (ts *txStore) UpdateInvoiceStatus(ctx context.Context, inv care.Invoice) error {
	res, err := ts.tx.ExecContext(ctx,
		"UPDATE invoices SET status = ?, fixed_by = ?, fixed_at = ? WHERE tenant_id = ? AND id = ?",
		inv.Status, nullString(inv.FixedBy), nullTime(inv.FixedAt), inv.TenantID, inv.ID)
	if err != nil {
		return fmt.Errorf("failed to update invoice status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return care.ErrInvoiceNotFound
	}
	return nil
}

// =============================================================================
// ROW MAPPING
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const invoiceColumns = `id, tenant_id, client_id, billing_month, status,
	subtotal_amount, insurance_claim_amount, insured_copayment_amount, excess_copayment_amount, total_amount,
	total_units, insured_units, excess_units, unit_rate,
	generated_by, generated_at, fixed_by, fixed_at`

func findInvoice(ctx context.Context, db queryer, tenantID care.TenantID, clientID care.ClientID, month care.Month) (*care.Invoice, error) {
	row := db.QueryRowContext(ctx,
		"SELECT "+invoiceColumns+" FROM invoices WHERE tenant_id = ? AND client_id = ? AND billing_month = ?",
		tenantID, clientID, month.Start().String())
	inv, err := scanInvoice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func scanTenant(row rowScanner) (care.Tenant, error) {
	var (
		t          care.Tenant
		policyJSON string
	)
	if err := row.Scan(&t.ID, &t.Name, &t.City, &t.FacilityScale, &policyJSON); err != nil {
		return t, err
	}
	if err := json.Unmarshal([]byte(policyJSON), &t.Policy); err != nil {
		return t, fmt.Errorf("failed to decode billing policy of tenant %s: %w", t.ID, err)
	}
	return t, nil
}

func scanInvoice(row rowScanner) (care.Invoice, error) {
	var (
		inv                          care.Invoice
		month, unitRate, generatedAt string
		totalUnits, insured, excess  int64
		fixedBy, fixedAt             sql.NullString
	)
	err := row.Scan(
		&inv.ID, &inv.TenantID, &inv.ClientID, &month, &inv.Status,
		&inv.SubtotalAmount, &inv.InsuranceClaimAmount, &inv.InsuredCopaymentAmount, &inv.ExcessCopaymentAmount, &inv.TotalAmount,
		&totalUnits, &insured, &excess, &unitRate,
		&inv.GeneratedBy, &generatedAt, &fixedBy, &fixedAt,
	)
	if err != nil {
		return inv, err
	}

	if inv.BillingMonth, err = care.ParseMonth(month); err != nil {
		return inv, err
	}
	if inv.TotalUnits, err = care.NewUnits(totalUnits); err != nil {
		return inv, err
	}
	if inv.InsuredUnits, err = care.NewUnits(insured); err != nil {
		return inv, err
	}
	if inv.ExcessUnits, err = care.NewUnits(excess); err != nil {
		return inv, err
	}
	if inv.UnitRate, err = decimal.NewFromString(unitRate); err != nil {
		return inv, fmt.Errorf("invalid unit rate %q: %w", unitRate, err)
	}
	if inv.GeneratedAt, err = time.Parse(time.RFC3339Nano, generatedAt); err != nil {
		return inv, err
	}
	inv.FixedBy = fixedBy.String
	if fixedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, fixedAt.String)
		if err != nil {
			return inv, err
		}
		inv.FixedAt = &t
	}
	return inv, nil
}

func scanLine(row rowScanner) (care.LineItem, error) {
	var (
		l              care.LineItem
		date, quantity string
		units          int64
	)
	err := row.Scan(&l.ID, &l.TenantID, &l.InvoiceID, &l.AttendanceID, &l.PriceListingID, &date,
		&l.Code, &l.ItemName, &l.ServiceCode, &l.SortOrder, &units, &quantity, &l.UnitPrice, &l.LineTotal)
	if err != nil {
		return l, fmt.Errorf("failed to scan invoice line: %w", err)
	}
	if l.ServiceDate, err = care.ParseDate(date); err != nil {
		return l, err
	}
	if l.Units, err = care.NewUnits(units); err != nil {
		return l, err
	}
	if l.Quantity, err = decimal.NewFromString(quantity); err != nil {
		return l, fmt.Errorf("invalid quantity %q: %w", quantity, err)
	}
	return l, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func windowArgs(w care.Window) (from, to sql.NullString) {
	if !w.From.IsZero() {
		from = sql.NullString{String: w.From.String(), Valid: true}
	}
	if w.To != nil {
		to = sql.NullString{String: w.To.String(), Valid: true}
	}
	return from, to
}

func parseWindow(from, to sql.NullString) (care.Window, error) {
	var w care.Window
	if from.Valid {
		d, err := care.ParseDate(from.String)
		if err != nil {
			return w, err
		}
		w.From = d
	}
	if to.Valid {
		d, err := care.ParseDate(to.String)
		if err != nil {
			return w, err
		}
		w.To = &d
	}
	return w, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) &&
		(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}
