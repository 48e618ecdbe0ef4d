// Package store provides an in-memory care.Backend for tests and demos.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/care-billing/care"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex

	tenants     map[care.TenantID]care.Tenant
	clients     map[clientKey]care.Client
	certs       map[clientKey][]care.CareCertification
	contracts   map[clientKey][]care.Contract
	attendance  map[clientKey][]care.Attendance
	prices      map[care.TenantID][]care.PriceListing
	invoices    map[care.InvoiceID]care.Invoice
	invoiceKeys map[invoiceKey]care.InvoiceID
	lines       map[care.InvoiceID][]care.LineItem
	lineKeys    map[string]care.InvoiceID
}

type clientKey struct {
	TenantID care.TenantID
	ClientID care.ClientID
}

type invoiceKey struct {
	TenantID care.TenantID
	ClientID care.ClientID
	Month    string
}

func keyOf(inv care.Invoice) invoiceKey {
	return invoiceKey{TenantID: inv.TenantID, ClientID: inv.ClientID, Month: inv.BillingMonth.String()}
}

var _ care.Backend = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		tenants:     make(map[care.TenantID]care.Tenant),
		clients:     make(map[clientKey]care.Client),
		certs:       make(map[clientKey][]care.CareCertification),
		contracts:   make(map[clientKey][]care.Contract),
		attendance:  make(map[clientKey][]care.Attendance),
		prices:      make(map[care.TenantID][]care.PriceListing),
		invoices:    make(map[care.InvoiceID]care.Invoice),
		invoiceKeys: make(map[invoiceKey]care.InvoiceID),
		lines:       make(map[care.InvoiceID][]care.LineItem),
		lineKeys:    make(map[string]care.InvoiceID),
	}
}

func (m *Memory) Close() error { return nil }

// =============================================================================
// RECORD WRITER
// =============================================================================

func (m *Memory) SaveTenant(_ context.Context, t care.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[t.ID] = t
	return nil
}

func (m *Memory) SaveClient(_ context.Context, c care.Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[clientKey{c.TenantID, c.ID}] = c
	return nil
}

func (m *Memory) SaveCertification(_ context.Context, c care.CareCertification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := clientKey{c.TenantID, c.ClientID}
	m.certs[k] = upsert(m.certs[k], c, func(x care.CareCertification) string { return x.ID })
	return nil
}

func (m *Memory) SaveContract(_ context.Context, c care.Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := clientKey{c.TenantID, c.ClientID}
	m.contracts[k] = upsert(m.contracts[k], c, func(x care.Contract) string { return x.ID })
	return nil
}

func (m *Memory) SaveAttendance(_ context.Context, a care.Attendance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := clientKey{a.TenantID, a.ClientID}
	m.attendance[k] = upsert(m.attendance[k], a, func(x care.Attendance) string { return x.ID })
	return nil
}

func (m *Memory) SavePriceListing(_ context.Context, p care.PriceListing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[p.TenantID] = upsert(m.prices[p.TenantID], p, func(x care.PriceListing) string { return x.ID })
	return nil
}

func upsert[T any](items []T, item T, id func(T) string) []T {
	for i := range items {
		if id(items[i]) == id(item) {
			items[i] = item
			return items
		}
	}
	return append(items, item)
}

// =============================================================================
// READER
// =============================================================================

func (m *Memory) GetTenant(_ context.Context, id care.TenantID) (*care.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, care.ErrTenantNotFound
	}
	return &t, nil
}

func (m *Memory) ListTenants(_ context.Context) ([]care.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]care.Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) GetClient(_ context.Context, tenantID care.TenantID, id care.ClientID) (*care.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[clientKey{tenantID, id}]
	if !ok {
		return nil, care.ErrClientNotFound
	}
	return &c, nil
}

func (m *Memory) ListClients(_ context.Context, tenantID care.TenantID) ([]care.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []care.Client
	for k, c := range m.clients {
		if k.TenantID == tenantID {
			result = append(result, c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) ListCertifications(_ context.Context, tenantID care.TenantID, clientID care.ClientID) ([]care.CareCertification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]care.CareCertification(nil), m.certs[clientKey{tenantID, clientID}]...), nil
}

func (m *Memory) ListContracts(_ context.Context, tenantID care.TenantID, clientID care.ClientID) ([]care.Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]care.Contract(nil), m.contracts[clientKey{tenantID, clientID}]...), nil
}

func (m *Memory) ListAttendance(_ context.Context, tenantID care.TenantID, clientID care.ClientID, period care.Period) ([]care.Attendance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []care.Attendance
	for _, a := range m.attendance[clientKey{tenantID, clientID}] {
		if period.Contains(a.ServiceDate) {
			result = append(result, a)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		if !result[i].ServiceDate.Equal(result[j].ServiceDate) {
			return result[i].ServiceDate.Before(result[j].ServiceDate)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (m *Memory) ListPriceListings(_ context.Context, tenantID care.TenantID) ([]care.PriceListing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]care.PriceListing(nil), m.prices[tenantID]...), nil
}

func (m *Memory) FindInvoice(_ context.Context, tenantID care.TenantID, clientID care.ClientID, month care.Month) (*care.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findLocked(tenantID, clientID, month), nil
}

func (m *Memory) findLocked(tenantID care.TenantID, clientID care.ClientID, month care.Month) *care.Invoice {
	id, ok := m.invoiceKeys[invoiceKey{tenantID, clientID, month.String()}]
	if !ok {
		return nil
	}
	inv := m.invoices[id]
	return &inv
}

func (m *Memory) GetInvoice(_ context.Context, tenantID care.TenantID, id care.InvoiceID) (*care.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.invoices[id]
	if !ok || inv.TenantID != tenantID {
		return nil, care.ErrInvoiceNotFound
	}
	return &inv, nil
}

func (m *Memory) ListInvoices(_ context.Context, tenantID care.TenantID, month care.Month) ([]care.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []care.Invoice
	for _, inv := range m.invoices {
		if inv.TenantID == tenantID && inv.BillingMonth.Equal(month) {
			result = append(result, inv)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ClientID < result[j].ClientID })
	return result, nil
}

func (m *Memory) ListLineItems(_ context.Context, tenantID care.TenantID, invoiceID care.InvoiceID) ([]care.LineItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if inv, ok := m.invoices[invoiceID]; !ok || inv.TenantID != tenantID {
		return nil, care.ErrInvoiceNotFound
	}
	result := append([]care.LineItem(nil), m.lines[invoiceID]...)
	care.SortLineItems(result)
	return result, nil
}

// =============================================================================
// TRANSACTIONAL WRITES
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The write lock is held for the whole call, so writers are serialized.
func (m *Memory) WithTx(_ context.Context, fn func(care.InvoiceWriter) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(&txMemoryView{parent: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	invoices    map[care.InvoiceID]care.Invoice
	invoiceKeys map[invoiceKey]care.InvoiceID
	lines       map[care.InvoiceID][]care.LineItem
	lineKeys    map[string]care.InvoiceID
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		invoices:    make(map[care.InvoiceID]care.Invoice, len(m.invoices)),
		invoiceKeys: make(map[invoiceKey]care.InvoiceID, len(m.invoiceKeys)),
		lines:       make(map[care.InvoiceID][]care.LineItem, len(m.lines)),
		lineKeys:    make(map[string]care.InvoiceID, len(m.lineKeys)),
	}
	for k, v := range m.invoices {
		s.invoices[k] = v
	}
	for k, v := range m.invoiceKeys {
		s.invoiceKeys[k] = v
	}
	for k, v := range m.lines {
		s.lines[k] = append([]care.LineItem(nil), v...)
	}
	for k, v := range m.lineKeys {
		s.lineKeys[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.invoices = s.invoices
	m.invoiceKeys = s.invoiceKeys
	m.lines = s.lines
	m.lineKeys = s.lineKeys
}

type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) LockInvoice(_ context.Context, tenantID care.TenantID, clientID care.ClientID, month care.Month) (*care.Invoice, error) {
	return tv.parent.findLocked(tenantID, clientID, month), nil
}

func (tv *txMemoryView) DeleteInvoice(_ context.Context, tenantID care.TenantID, id care.InvoiceID) error {
	m := tv.parent
	inv, ok := m.invoices[id]
	if !ok || inv.TenantID != tenantID {
		return care.ErrInvoiceNotFound
	}
	for _, l := range m.lines[id] {
		delete(m.lineKeys, l.IdempotencyKey())
	}
	delete(m.lines, id)
	delete(m.invoiceKeys, keyOf(inv))
	delete(m.invoices, id)
	return nil
}

func (tv *txMemoryView) InsertInvoice(_ context.Context, inv care.Invoice, lines []care.LineItem) error {
	m := tv.parent
	if _, exists := m.invoiceKeys[keyOf(inv)]; exists {
		return care.ErrConcurrentRegeneration
	}
	if _, exists := m.invoices[inv.ID]; exists {
		return care.ErrConcurrentRegeneration
	}
	seen := make(map[string]bool, len(lines))
	for _, l := range lines {
		key := l.IdempotencyKey()
		if _, taken := m.lineKeys[key]; taken || seen[key] {
			return &care.DuplicateLineError{
				TenantID:     l.TenantID,
				AttendanceID: l.AttendanceID,
				Code:         l.Code,
				ServiceDate:  l.ServiceDate,
			}
		}
		seen[key] = true
	}

	m.invoices[inv.ID] = inv
	m.invoiceKeys[keyOf(inv)] = inv.ID
	m.lines[inv.ID] = append([]care.LineItem(nil), lines...)
	for _, l := range lines {
		m.lineKeys[l.IdempotencyKey()] = inv.ID
	}
	return nil
}

func (tv *txMemoryView) UpdateInvoiceStatus(_ context.Context, inv care.Invoice) error {
	m := tv.parent
	cur, ok := m.invoices[inv.ID]
	if !ok || cur.TenantID != inv.TenantID {
		return care.ErrInvoiceNotFound
	}
	cur.Status = inv.Status
	cur.FixedBy = inv.FixedBy
	cur.FixedAt = inv.FixedAt
	m.invoices[inv.ID] = cur
	return nil
}
