/*
Package postgres provides the production care.Backend on PostgreSQL.

PURPOSE:
  Same tables and replace semantics as store/sqlite, with database-level
  concurrency control instead of an in-process mutex, so several server
  instances can generate invoices against one database.

LOCKING:
  LockInvoice takes two claims inside the caller's transaction:
  1. pg_try_advisory_xact_lock on the (tenant, client, month) key. It
     covers the case where no invoice row exists yet.
  2. SELECT ... FOR UPDATE NOWAIT on the existing invoice row.
  Neither waits. A lost claim is reported as care.ErrConcurrentRegeneration
  and both are released on commit or rollback.

ERROR MAPPING (pgerrcode):
  unique_violation on invoices_key          -> ErrConcurrentRegeneration
  unique_violation on invoice_lines_key     -> *care.DuplicateLineError
  lock_not_available, serialization_failure,
  deadlock_detected                         -> ErrConcurrentRegeneration

USAGE:
  store, err := postgres.New(ctx, databaseURL, 10, 2)
  if err != nil {
      return err
  }
  defer store.Close()
  if err := store.Migrate(ctx); err != nil {
      return err
  }

SEE ALSO:
  - store/sqlite: the single-process backend with the same schema
  - care/store.go: Interface definitions
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/warp/care-billing/care"
)

const (
	invoiceKeyConstraint = "invoices_key"
	lineKeyConstraint    = "invoice_lines_key"
)

// Store implements care.Backend on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ care.Backend = (*Store)(nil)

// New connects to databaseURL and pings it.
func New(ctx context.Context, databaseURL string, maxConns, minConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = maxConns
	cfg.MinConns = minConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS tenants (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	city TEXT NOT NULL,
	facility_scale TEXT NOT NULL,
	policy JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS clients (
	tenant_id TEXT NOT NULL,
	id TEXT NOT NULL,
	name TEXT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	PRIMARY KEY (tenant_id, id)
);

CREATE TABLE IF NOT EXISTS care_certifications (
	tenant_id TEXT NOT NULL,
	id TEXT NOT NULL,
	client_id TEXT NOT NULL,
	care_level TEXT NOT NULL,
	monthly_unit_ceiling BIGINT NOT NULL CHECK (monthly_unit_ceiling >= 0),
	copayment_num BIGINT NOT NULL,
	copayment_den BIGINT NOT NULL,
	valid_from DATE,
	valid_to DATE,
	PRIMARY KEY (tenant_id, id)
);
CREATE INDEX IF NOT EXISTS idx_certifications_client ON care_certifications(tenant_id, client_id);

CREATE TABLE IF NOT EXISTS contracts (
	tenant_id TEXT NOT NULL,
	id TEXT NOT NULL,
	client_id TEXT NOT NULL,
	valid_from DATE,
	valid_to DATE,
	services JSONB NOT NULL,
	PRIMARY KEY (tenant_id, id)
);
CREATE INDEX IF NOT EXISTS idx_contracts_client ON contracts(tenant_id, client_id);

CREATE TABLE IF NOT EXISTS attendance (
	tenant_id TEXT NOT NULL,
	id TEXT NOT NULL,
	client_id TEXT NOT NULL,
	service_date DATE NOT NULL,
	status TEXT NOT NULL,
	PRIMARY KEY (tenant_id, id)
);
CREATE INDEX IF NOT EXISTS idx_attendance_client_date ON attendance(tenant_id, client_id, service_date);

CREATE TABLE IF NOT EXISTS price_listings (
	tenant_id TEXT NOT NULL,
	id TEXT NOT NULL,
	code TEXT NOT NULL,
	name TEXT NOT NULL,
	unit_price BIGINT NOT NULL CHECK (unit_price >= 0),
	valid_from DATE,
	valid_to DATE,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	PRIMARY KEY (tenant_id, id)
);
CREATE INDEX IF NOT EXISTS idx_price_listings_code ON price_listings(tenant_id, code);

CREATE TABLE IF NOT EXISTS invoices (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	client_id TEXT NOT NULL,
	billing_month DATE NOT NULL,
	status TEXT NOT NULL,
	subtotal_amount BIGINT NOT NULL,
	insurance_claim_amount BIGINT NOT NULL,
	insured_copayment_amount BIGINT NOT NULL,
	excess_copayment_amount BIGINT NOT NULL,
	total_amount BIGINT NOT NULL,
	total_units BIGINT NOT NULL,
	insured_units BIGINT NOT NULL,
	excess_units BIGINT NOT NULL,
	unit_rate NUMERIC(6, 2) NOT NULL,
	generated_by TEXT NOT NULL,
	generated_at TIMESTAMPTZ NOT NULL,
	fixed_by TEXT,
	fixed_at TIMESTAMPTZ,
	CONSTRAINT invoices_key UNIQUE (tenant_id, client_id, billing_month)
);
CREATE INDEX IF NOT EXISTS idx_invoices_month ON invoices(tenant_id, billing_month);

CREATE TABLE IF NOT EXISTS invoice_lines (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	invoice_id TEXT NOT NULL REFERENCES invoices(id) ON DELETE CASCADE,
	attendance_id TEXT NOT NULL,
	price_listing_id TEXT NOT NULL,
	service_date DATE NOT NULL,
	code TEXT NOT NULL,
	item_name TEXT NOT NULL,
	service_code TEXT NOT NULL,
	sort_order INTEGER NOT NULL,
	units BIGINT NOT NULL,
	quantity NUMERIC NOT NULL,
	unit_price BIGINT NOT NULL,
	line_total BIGINT NOT NULL,
	CONSTRAINT invoice_lines_key UNIQUE (tenant_id, attendance_id, code)
);
CREATE INDEX IF NOT EXISTS idx_invoice_lines_invoice ON invoice_lines(invoice_id);
`

// =============================================================================
// RECORD WRITER
// =============================================================================

func (s *Store) SaveTenant(ctx context.Context, t care.Tenant) error {
	policy, err := json.Marshal(t.Policy)
	if err != nil {
		return fmt.Errorf("encode billing policy: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tenants (id, name, city, facility_scale, policy)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			city = EXCLUDED.city,
			facility_scale = EXCLUDED.facility_scale,
			policy = EXCLUDED.policy
	`, string(t.ID), t.Name, t.City, string(t.FacilityScale), policy)
	if err != nil {
		return fmt.Errorf("save tenant: %w", err)
	}
	return nil
}

func (s *Store) SaveClient(ctx context.Context, c care.Client) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO clients (tenant_id, id, name, active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			name = EXCLUDED.name,
			active = EXCLUDED.active
	`, string(c.TenantID), string(c.ID), c.Name, c.Active)
	if err != nil {
		return fmt.Errorf("save client: %w", err)
	}
	return nil
}

func (s *Store) SaveCertification(ctx context.Context, c care.CareCertification) error {
	from, to := windowArgs(c.Valid)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO care_certifications
		(tenant_id, id, client_id, care_level, monthly_unit_ceiling, copayment_num, copayment_den, valid_from, valid_to)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			client_id = EXCLUDED.client_id,
			care_level = EXCLUDED.care_level,
			monthly_unit_ceiling = EXCLUDED.monthly_unit_ceiling,
			copayment_num = EXCLUDED.copayment_num,
			copayment_den = EXCLUDED.copayment_den,
			valid_from = EXCLUDED.valid_from,
			valid_to = EXCLUDED.valid_to
	`, string(c.TenantID), c.ID, string(c.ClientID), string(c.CareLevel), c.MonthlyUnitCeiling.Int64(),
		c.CopaymentRate.Num, c.CopaymentRate.Den, from, to)
	if err != nil {
		return fmt.Errorf("save certification: %w", err)
	}
	return nil
}

func (s *Store) SaveContract(ctx context.Context, c care.Contract) error {
	services, err := json.Marshal(c.Services)
	if err != nil {
		return fmt.Errorf("encode services: %w", err)
	}
	from, to := windowArgs(c.Valid)
	_, err = s.pool.Exec(ctx, `
		INSERT INTO contracts (tenant_id, id, client_id, valid_from, valid_to, services)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			client_id = EXCLUDED.client_id,
			valid_from = EXCLUDED.valid_from,
			valid_to = EXCLUDED.valid_to,
			services = EXCLUDED.services
	`, string(c.TenantID), c.ID, string(c.ClientID), from, to, services)
	if err != nil {
		return fmt.Errorf("save contract: %w", err)
	}
	return nil
}

func (s *Store) SaveAttendance(ctx context.Context, a care.Attendance) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO attendance (tenant_id, id, client_id, service_date, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			client_id = EXCLUDED.client_id,
			service_date = EXCLUDED.service_date,
			status = EXCLUDED.status
	`, string(a.TenantID), a.ID, string(a.ClientID), a.ServiceDate.Time(), string(a.Status))
	if err != nil {
		return fmt.Errorf("save attendance: %w", err)
	}
	return nil
}

func (s *Store) SavePriceListing(ctx context.Context, p care.PriceListing) error {
	from, to := windowArgs(p.Valid)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO price_listings (tenant_id, id, code, name, unit_price, valid_from, valid_to, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			code = EXCLUDED.code,
			name = EXCLUDED.name,
			unit_price = EXCLUDED.unit_price,
			valid_from = EXCLUDED.valid_from,
			valid_to = EXCLUDED.valid_to,
			active = EXCLUDED.active
	`, string(p.TenantID), p.ID, p.Code, p.Name, p.UnitPrice, from, to, p.Active)
	if err != nil {
		return fmt.Errorf("save price listing: %w", err)
	}
	return nil
}

// =============================================================================
// READER
// =============================================================================

func (s *Store) GetTenant(ctx context.Context, id care.TenantID) (*care.Tenant, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT id, name, city, facility_scale, policy FROM tenants WHERE id = $1", string(id))
	t, err := scanTenant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, care.ErrTenantNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) ListTenants(ctx context.Context) ([]care.Tenant, error) {
	rows, err := s.pool.Query(ctx, "SELECT id, name, city, facility_scale, policy FROM tenants ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("query tenants: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (care.Tenant, error) {
		return scanTenant(row)
	})
}

func (s *Store) GetClient(ctx context.Context, tenantID care.TenantID, id care.ClientID) (*care.Client, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT tenant_id, id, name, active FROM clients WHERE tenant_id = $1 AND id = $2",
		string(tenantID), string(id))
	c, err := scanClient(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, care.ErrClientNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) ListClients(ctx context.Context, tenantID care.TenantID) ([]care.Client, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT tenant_id, id, name, active FROM clients WHERE tenant_id = $1 ORDER BY id", string(tenantID))
	if err != nil {
		return nil, fmt.Errorf("query clients: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (care.Client, error) {
		return scanClient(row)
	})
}

func (s *Store) ListCertifications(ctx context.Context, tenantID care.TenantID, clientID care.ClientID) ([]care.CareCertification, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, id, client_id, care_level, monthly_unit_ceiling,
		       copayment_num, copayment_den, valid_from, valid_to
		FROM care_certifications
		WHERE tenant_id = $1 AND client_id = $2
		ORDER BY valid_from NULLS FIRST, id
	`, string(tenantID), string(clientID))
	if err != nil {
		return nil, fmt.Errorf("query certifications: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (care.CareCertification, error) {
		var (
			c                     care.CareCertification
			tenant, client, level string
			ceiling               int64
			from, to              *time.Time
		)
		if err := row.Scan(&tenant, &c.ID, &client, &level, &ceiling,
			&c.CopaymentRate.Num, &c.CopaymentRate.Den, &from, &to); err != nil {
			return c, fmt.Errorf("scan certification: %w", err)
		}
		c.TenantID, c.ClientID, c.CareLevel = care.TenantID(tenant), care.ClientID(client), care.CareLevel(level)
		c.Valid = windowOf(from, to)
		var err error
		c.MonthlyUnitCeiling, err = care.NewUnits(ceiling)
		return c, err
	})
}

func (s *Store) ListContracts(ctx context.Context, tenantID care.TenantID, clientID care.ClientID) ([]care.Contract, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, id, client_id, valid_from, valid_to, services
		FROM contracts
		WHERE tenant_id = $1 AND client_id = $2
		ORDER BY valid_from NULLS FIRST, id
	`, string(tenantID), string(clientID))
	if err != nil {
		return nil, fmt.Errorf("query contracts: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (care.Contract, error) {
		var (
			c              care.Contract
			tenant, client string
			from, to       *time.Time
			services       []byte
		)
		if err := row.Scan(&tenant, &c.ID, &client, &from, &to, &services); err != nil {
			return c, fmt.Errorf("scan contract: %w", err)
		}
		c.TenantID, c.ClientID = care.TenantID(tenant), care.ClientID(client)
		c.Valid = windowOf(from, to)
		if err := json.Unmarshal(services, &c.Services); err != nil {
			return c, fmt.Errorf("decode services of contract %s: %w", c.ID, err)
		}
		return c, nil
	})
}

func (s *Store) ListAttendance(ctx context.Context, tenantID care.TenantID, clientID care.ClientID, period care.Period) ([]care.Attendance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, id, client_id, service_date, status
		FROM attendance
		WHERE tenant_id = $1 AND client_id = $2
		  AND service_date BETWEEN $3 AND $4
		ORDER BY service_date, id
	`, string(tenantID), string(clientID), period.Start.Time(), period.End.Time())
	if err != nil {
		return nil, fmt.Errorf("query attendance: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (care.Attendance, error) {
		var (
			a                      care.Attendance
			tenant, client, status string
			date                   time.Time
		)
		if err := row.Scan(&tenant, &a.ID, &client, &date, &status); err != nil {
			return a, fmt.Errorf("scan attendance: %w", err)
		}
		a.TenantID, a.ClientID, a.Status = care.TenantID(tenant), care.ClientID(client), care.AttendanceStatus(status)
		a.ServiceDate = care.DateOf(date)
		return a, nil
	})
}

func (s *Store) ListPriceListings(ctx context.Context, tenantID care.TenantID) ([]care.PriceListing, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, id, code, name, unit_price, valid_from, valid_to, active
		FROM price_listings
		WHERE tenant_id = $1
		ORDER BY code, valid_from NULLS FIRST
	`, string(tenantID))
	if err != nil {
		return nil, fmt.Errorf("query price listings: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (care.PriceListing, error) {
		var (
			p        care.PriceListing
			tenant   string
			from, to *time.Time
		)
		if err := row.Scan(&tenant, &p.ID, &p.Code, &p.Name, &p.UnitPrice, &from, &to, &p.Active); err != nil {
			return p, fmt.Errorf("scan price listing: %w", err)
		}
		p.TenantID = care.TenantID(tenant)
		p.Valid = windowOf(from, to)
		return p, nil
	})
}

func (s *Store) FindInvoice(ctx context.Context, tenantID care.TenantID, clientID care.ClientID, month care.Month) (*care.Invoice, error) {
	return findInvoice(ctx, s.pool, tenantID, clientID, month, "")
}

func (s *Store) GetInvoice(ctx context.Context, tenantID care.TenantID, id care.InvoiceID) (*care.Invoice, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT "+invoiceColumns+" FROM invoices WHERE tenant_id = $1 AND id = $2",
		string(tenantID), string(id))
	inv, err := scanInvoice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, care.ErrInvoiceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (s *Store) ListInvoices(ctx context.Context, tenantID care.TenantID, month care.Month) ([]care.Invoice, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+invoiceColumns+" FROM invoices WHERE tenant_id = $1 AND billing_month = $2 ORDER BY client_id",
		string(tenantID), month.Start().Time())
	if err != nil {
		return nil, fmt.Errorf("query invoices: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (care.Invoice, error) {
		return scanInvoice(row)
	})
}

func (s *Store) ListLineItems(ctx context.Context, tenantID care.TenantID, invoiceID care.InvoiceID) ([]care.LineItem, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM invoices WHERE tenant_id = $1 AND id = $2)",
		string(tenantID), string(invoiceID),
	).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, care.ErrInvoiceNotFound
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, invoice_id, attendance_id, price_listing_id, service_date,
		       code, item_name, service_code, sort_order, units, quantity::text, unit_price, line_total
		FROM invoice_lines
		WHERE tenant_id = $1 AND invoice_id = $2
		ORDER BY service_date, sort_order, code
	`, string(tenantID), string(invoiceID))
	if err != nil {
		return nil, fmt.Errorf("query invoice lines: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (care.LineItem, error) {
		return scanLine(row)
	})
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx runs fn in a READ COMMITTED transaction. Lock errors raised by
// PostgreSQL are reported as care.ErrConcurrentRegeneration.
func (s *Store) WithTx(ctx context.Context, fn func(care.InvoiceWriter) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&txStore{tx: tx}); err != nil {
		return mapError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError(fmt.Errorf("commit: %w", err))
	}
	return nil
}

type txStore struct {
	tx pgx.Tx
}

func (ts *txStore) LockInvoice(ctx context.Context, tenantID care.TenantID, clientID care.ClientID, month care.Month) (*care.Invoice, error) {
	key := string(tenantID) + "/" + string(clientID) + "/" + month.String()

	var acquired bool
	if err := ts.tx.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock(hashtextextended($1, 0))", key).Scan(&acquired); err != nil {
		return nil, fmt.Errorf("advisory lock: %w", err)
	}
	if !acquired {
		return nil, fmt.Errorf("%w: %s", care.ErrConcurrentRegeneration, key)
	}
	inv, err := findInvoice(ctx, ts.tx, tenantID, clientID, month, " FOR UPDATE NOWAIT")
	if err != nil {
		return nil, mapError(err)
	}
	return inv, nil
}

func (ts *txStore) DeleteInvoice(ctx context.Context, tenantID care.TenantID, id care.InvoiceID) error {
	tag, err := ts.tx.Exec(ctx, "DELETE FROM invoices WHERE tenant_id = $1 AND id = $2", string(tenantID), string(id))
	if err != nil {
		return fmt.Errorf("delete invoice: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return care.ErrInvoiceNotFound
	}
	return nil
}

func (ts *txStore) InsertInvoice(ctx context.Context, inv care.Invoice, lines []care.LineItem) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO invoices
		(id, tenant_id, client_id, billing_month, status,
		 subtotal_amount, insurance_claim_amount, insured_copayment_amount, excess_copayment_amount, total_amount,
		 total_units, insured_units, excess_units, unit_rate,
		 generated_by, generated_at, fixed_by, fixed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`,
		string(inv.ID), string(inv.TenantID), string(inv.ClientID), inv.BillingMonth.Start().Time(), string(inv.Status),
		inv.SubtotalAmount, inv.InsuranceClaimAmount, inv.InsuredCopaymentAmount, inv.ExcessCopaymentAmount, inv.TotalAmount,
		inv.TotalUnits.Int64(), inv.InsuredUnits.Int64(), inv.ExcessUnits.Int64(), inv.UnitRate.String(),
		inv.GeneratedBy, inv.GeneratedAt, nullString(inv.FixedBy), inv.FixedAt,
	)
	if err != nil {
		return mapError(fmt.Errorf("insert invoice: %w", err))
	}

	batch := &pgx.Batch{}
	for _, l := range lines {
		batch.Queue(`
			INSERT INTO invoice_lines
			(id, tenant_id, invoice_id, attendance_id, price_listing_id, service_date,
			 code, item_name, service_code, sort_order, units, quantity, unit_price, line_total)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		`,
			l.ID, string(l.TenantID), string(l.InvoiceID), l.AttendanceID, l.PriceListingID, l.ServiceDate.Time(),
			l.Code, l.ItemName, l.ServiceCode, l.SortOrder, l.Units.Int64(), l.Quantity.String(), l.UnitPrice, l.LineTotal,
		)
	}
	results := ts.tx.SendBatch(ctx, batch)
	defer results.Close()
	for _, l := range lines {
		if _, err := results.Exec(); err != nil {
			if isConstraintViolation(err, lineKeyConstraint) {
				return &care.DuplicateLineError{
					TenantID:     l.TenantID,
					AttendanceID: l.AttendanceID,
					Code:         l.Code,
					ServiceDate:  l.ServiceDate,
				}
			}
			return mapError(fmt.Errorf("insert invoice line: %w", err))
		}
	}
	return nil
}

func (ts *txStore) UpdateInvoiceStatus(ctx context.Context, inv care.Invoice) error {
	tag, err := ts.tx.Exec(ctx,
		"UPDATE invoices SET status = $1, fixed_by = $2, fixed_at = $3 WHERE tenant_id = $4 AND id = $5",
		string(inv.Status), nullString(inv.FixedBy), inv.FixedAt, string(inv.TenantID), string(inv.ID))
	if err != nil {
		return mapError(fmt.Errorf("update invoice status: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return care.ErrInvoiceNotFound
	}
	return nil
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

// mapError turns lock contention and a lost invoice-key race into
// care.ErrConcurrentRegeneration. Other errors pass through unchanged.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgerrcode.LockNotAvailable, pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
		return fmt.Errorf("%w: %s", care.ErrConcurrentRegeneration, pgErr.Message)
	case pgerrcode.UniqueViolation:
		if pgErr.ConstraintName == invoiceKeyConstraint {
			return fmt.Errorf("%w: %s", care.ErrConcurrentRegeneration, pgErr.Detail)
		}
	}
	return err
}

func isConstraintViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) &&
		pgErr.Code == pgerrcode.UniqueViolation &&
		pgErr.ConstraintName == constraint
}

// =============================================================================
// ROW MAPPING
// =============================================================================

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const invoiceColumns = `id, tenant_id, client_id, billing_month, status,
	subtotal_amount, insurance_claim_amount, insured_copayment_amount, excess_copayment_amount, total_amount,
	total_units, insured_units, excess_units, unit_rate::text,
	generated_by, generated_at, fixed_by, fixed_at`

func findInvoice(ctx context.Context, q querier, tenantID care.TenantID, clientID care.ClientID, month care.Month, suffix string) (*care.Invoice, error) {
	row := q.QueryRow(ctx,
		"SELECT "+invoiceColumns+" FROM invoices WHERE tenant_id = $1 AND client_id = $2 AND billing_month = $3"+suffix,
		string(tenantID), string(clientID), month.Start().Time())
	inv, err := scanInvoice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func scanTenant(row pgx.Row) (care.Tenant, error) {
	var (
		t         care.Tenant
		id, scale string
		policy    []byte
	)
	if err := row.Scan(&id, &t.Name, &t.City, &scale, &policy); err != nil {
		return t, err
	}
	t.ID, t.FacilityScale = care.TenantID(id), care.FacilityScale(scale)
	if err := json.Unmarshal(policy, &t.Policy); err != nil {
		return t, fmt.Errorf("decode billing policy of tenant %s: %w", id, err)
	}
	return t, nil
}

func scanClient(row pgx.Row) (care.Client, error) {
	var (
		c          care.Client
		tenant, id string
	)
	if err := row.Scan(&tenant, &id, &c.Name, &c.Active); err != nil {
		return c, err
	}
	c.TenantID, c.ID = care.TenantID(tenant), care.ClientID(id)
	return c, nil
}

func scanInvoice(row pgx.Row) (care.Invoice, error) {
	var (
		inv                         care.Invoice
		id, tenant, client, status  string
		month                       time.Time
		totalUnits, insured, excess int64
		unitRate                    string
		fixedBy                     *string
		fixedAt                     *time.Time
	)
	err := row.Scan(
		&id, &tenant, &client, &month, &status,
		&inv.SubtotalAmount, &inv.InsuranceClaimAmount, &inv.InsuredCopaymentAmount, &inv.ExcessCopaymentAmount, &inv.TotalAmount,
		&totalUnits, &insured, &excess, &unitRate,
		&inv.GeneratedBy, &inv.GeneratedAt, &fixedBy, &fixedAt,
	)
	if err != nil {
		return inv, err
	}
	inv.ID, inv.TenantID, inv.ClientID = care.InvoiceID(id), care.TenantID(tenant), care.ClientID(client)
	inv.Status = care.InvoiceStatus(status)
	inv.BillingMonth = care.MonthOf(care.DateOf(month))
	inv.GeneratedAt = inv.GeneratedAt.UTC()
	if fixedBy != nil {
		inv.FixedBy = *fixedBy
	}
	if fixedAt != nil {
		t := fixedAt.UTC()
		inv.FixedAt = &t
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
	return inv, nil
}

func scanLine(row pgx.Row) (care.LineItem, error) {
	var (
		l                 care.LineItem
		tenant, invoiceID string
		date              time.Time
		units             int64
		quantity          string
	)
	err := row.Scan(&l.ID, &tenant, &invoiceID, &l.AttendanceID, &l.PriceListingID, &date,
		&l.Code, &l.ItemName, &l.ServiceCode, &l.SortOrder, &units, &quantity, &l.UnitPrice, &l.LineTotal)
	if err != nil {
		return l, fmt.Errorf("scan invoice line: %w", err)
	}
	l.TenantID, l.InvoiceID = care.TenantID(tenant), care.InvoiceID(invoiceID)
	l.ServiceDate = care.DateOf(date)
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

func windowArgs(w care.Window) (from, to *time.Time) {
	if !w.From.IsZero() {
		t := w.From.Time()
		from = &t
	}
	if w.To != nil {
		t := w.To.Time()
		to = &t
	}
	return from, to
}

func windowOf(from, to *time.Time) care.Window {
	var w care.Window
	if from != nil {
		w.From = care.DateOf(*from)
	}
	if to != nil {
		d := care.DateOf(*to)
		w.To = &d
	}
	return w
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
