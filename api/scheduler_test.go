package api

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/care-billing/care"
)

func newTestScheduler(t *testing.T, s *testServer) *GenerationScheduler {
	t.Helper()
	gs := NewGenerationScheduler(s.store, s.handler.Invoices, zerolog.Nop())
	gs.Now = func() time.Time { return fixedNow }
	return gs
}

func TestScheduler_BillsPreviousMonthOnce(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, s.handler.SeedDemo(ctx))

	gs := newTestScheduler(t, s)
	assert.Equal(t, 1, gs.RunNow(ctx))

	april := care.NewMonth(2025, time.April)
	invoices, err := s.store.ListInvoices(ctx, "demo-standard", april)
	require.NoError(t, err)
	require.Len(t, invoices, 3)
	for _, inv := range invoices {
		assert.Equal(t, SchedulerActor, inv.GeneratedBy)
	}

	// Already done for April.
	assert.Zero(t, gs.RunNow(ctx))
}

func TestScheduler_SkipsExistingInvoices(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	tenantID := s.loadScenario("standard-facility")

	rec := s.generate(tenantID, GenerateRequest{BillingMonth: "2025-04", Actor: "staff-1"})
	require.Equal(t, 200, rec.Code, rec.Body.String())

	gs := newTestScheduler(t, s)
	assert.Equal(t, 1, gs.RunNow(ctx))

	invoices, err := s.store.ListInvoices(ctx, care.TenantID(tenantID), care.NewMonth(2025, time.April))
	require.NoError(t, err)
	for _, inv := range invoices {
		assert.Equal(t, "staff-1", inv.GeneratedBy)
	}
}

func TestScheduler_WaitsForConfiguredDay(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, s.handler.SeedDemo(ctx))

	gs := newTestScheduler(t, s)
	gs.Day = 15
	assert.Zero(t, gs.RunNow(ctx))

	invoices, err := s.store.ListInvoices(ctx, "demo-standard", care.NewMonth(2025, time.April))
	require.NoError(t, err)
	assert.Empty(t, invoices)
}

func TestScheduler_StartRunsImmediately(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, s.handler.SeedDemo(ctx))

	gs := newTestScheduler(t, s)
	gs.Start()
	defer gs.Stop()

	require.Eventually(t, func() bool {
		invoices, err := s.store.ListInvoices(ctx, "demo-standard", care.NewMonth(2025, time.April))
		return err == nil && len(invoices) == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScheduler_DisabledDoesNotStart(t *testing.T) {
	s := newTestServer(t)
	gs := newTestScheduler(t, s)
	gs.Enabled = false
	gs.Start()
	gs.Stop()
	assert.Nil(t, gs.ticker)
}

func TestScheduler_RestartAfterStop(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, s.handler.SeedDemo(ctx))

	gs := newTestScheduler(t, s)
	gs.Start()
	gs.Stop()
	assert.Nil(t, gs.ticker)

	require.NotPanics(t, func() {
		gs.Start()
		gs.Start()
		gs.Stop()
		gs.Stop()
	})
	assert.Nil(t, gs.ticker)
}
