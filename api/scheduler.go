/*
scheduler.go - Automated monthly invoice generation

PURPOSE:
  Periodically checks whether the previous month still needs billing and
  generates it for every tenant in skip_existing mode, so invoices staff
  already produced or fixed are never touched.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Does nothing before Day of the current month
  - Remembers the last month it completed per tenant
  - A tenant whose batch fails outright is retried on the next tick

CONFIGURATION:
  - Interval: How often to check (default: 1 hour)
  - Day:      Day of month from which the previous month is billed (default: 1)
  - Enabled:  Whether scheduler is active (default: true)

USAGE:
  scheduler := NewGenerationScheduler(store, invoices, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: GenerateInvoices endpoint (manual generation)
  - invoice/service.go: Generate
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/care-billing/care"
	"github.com/warp/care-billing/invoice"
)

// SchedulerActor is recorded as GeneratedBy on scheduled invoices.
const SchedulerActor = "scheduler"

// TenantLister is the read the scheduler needs. care.Reader satisfies it.
type TenantLister interface {
	ListTenants(ctx context.Context) ([]care.Tenant, error)
}

// GenerationScheduler bills the previous month once per tenant.
type GenerationScheduler struct {
	Store    TenantLister
	Invoices *invoice.Service
	Interval time.Duration
	Day      int
	Enabled  bool
	Logger   zerolog.Logger
	Now      func() time.Time

	done   map[care.TenantID]care.Month
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	runMu  sync.Mutex
}

// NewGenerationScheduler creates a new scheduler.
func NewGenerationScheduler(store TenantLister, invoices *invoice.Service, logger zerolog.Logger) *GenerationScheduler {
	return &GenerationScheduler{
		Store:    store,
		Invoices: invoices,
		Interval: time.Hour,
		Day:      1,
		Enabled:  true,
		Logger:   logger,
		Now:      time.Now,
		done:     make(map[care.TenantID]care.Month),
	}
}

// Start begins the scheduler. Starting a running scheduler is a no-op; a
// stopped one can be started again.
func (gs *GenerationScheduler) Start() {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	if !gs.Enabled {
		gs.Logger.Info().Msg("scheduler disabled, not starting")
		return
	}
	if gs.ticker != nil {
		return
	}

	gs.ticker = time.NewTicker(gs.Interval)
	gs.stop = make(chan struct{})
	gs.wg.Add(1)

	go gs.run(gs.ticker, gs.stop)

	gs.Logger.Info().Dur("interval", gs.Interval).Int("day", gs.Day).Msg("scheduler started")
}

// Stop stops the scheduler and waits for a running check to finish.
func (gs *GenerationScheduler) Stop() {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	if gs.ticker != nil {
		gs.ticker.Stop()
		close(gs.stop)
		gs.wg.Wait()
		gs.ticker = nil
		gs.stop = nil
		gs.Logger.Info().Msg("scheduler stopped")
	}
}

func (gs *GenerationScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer gs.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	// Run immediately on start
	gs.RunNow(ctx)

	for {
		select {
		case <-ticker.C:
			gs.RunNow(ctx)
		case <-stop:
			return
		}
	}
}

// RunNow performs one check and returns the number of tenants billed.
func (gs *GenerationScheduler) RunNow(ctx context.Context) int {
	gs.runMu.Lock()
	defer gs.runMu.Unlock()

	today := care.DateOf(gs.Now())
	if today.Day() < gs.Day {
		return 0
	}
	month := care.MonthOf(today).Previous()

	tenants, err := gs.Store.ListTenants(ctx)
	if err != nil {
		gs.Logger.Error().Err(err).Msg("scheduler: list tenants")
		return 0
	}

	processed := 0
	for _, t := range tenants {
		if ctx.Err() != nil {
			return processed
		}
		if last, ok := gs.done[t.ID]; ok && last.Equal(month) {
			continue
		}
		result, err := gs.Invoices.Generate(ctx, invoice.GenerateRequest{
			TenantID: t.ID,
			Month:    month,
			Mode:     invoice.ModeSkipExisting,
			Actor:    SchedulerActor,
		})
		if err != nil {
			gs.Logger.Error().Err(err).
				Str("tenant_id", string(t.ID)).
				Str("billing_month", month.String()).
				Msg("scheduler: generation failed")
			continue
		}
		gs.done[t.ID] = month
		processed++
		if len(result.Failures) > 0 {
			gs.Logger.Warn().
				Str("tenant_id", string(t.ID)).
				Str("billing_month", month.String()).
				Int("failures", len(result.Failures)).
				Msg("scheduler: clients left unbilled")
		}
	}

	if processed > 0 {
		gs.Logger.Info().Str("billing_month", month.String()).Int("tenants", processed).Msg("scheduler: month generated")
	}
	return processed
}
