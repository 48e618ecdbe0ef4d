/*
Package invoice generates monthly care-insurance invoices.

PURPOSE:
  Turns one month of a tenant's attendance into one invoice per client,
  with itemized lines and the insurance / client apportionment, and
  persists it atomically.

STAGES (per tenant, client, month):
  1. Selection:     present attendance covered by an active contract
  2. Lines:         base service + enabled additions, each priced on its day
  3. Aggregation:   subtotal in yen, total in units
  4. Apportionment: split units at the benefit ceiling, convert to yen
  5. Persistence:   replace or skip inside one store transaction
  6. Result:        invoices plus generated/replaced/skipped counters

FAILURES:
  A client that cannot be billed (no price, no certification, duplicate
  line) is reported in BatchResult.Failures and the batch continues,
  unless the request is AllOrNothing. A tenant outside the area table
  fails the whole batch before any client is touched.

CONCURRENCY:
  Clients run in parallel up to Workers. The same (tenant, client, month)
  never runs twice at once: the loser gets ErrConcurrentRegeneration,
  which is retried once after RetryBackoff.

SEE ALSO:
  - compute.go: stages 1-4
  - lifecycle.go: fix / reopen / read
*/
package invoice

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/care-billing/care"
	"github.com/warp/care-billing/tariff"
	"golang.org/x/sync/errgroup"
)

// Service orchestrates generation for a tenant and month. Build it with
// NewService; the exported fields may be replaced before first use.
type Service struct {
	Store  care.TxStore
	Prices PriceSource
	Areas  AreaRater
	Limits LimitResolver

	// Workers bounds the clients computed in parallel.
	Workers int
	// RetryBackoff is the pause before the single conflict retry.
	RetryBackoff time.Duration

	Logger zerolog.Logger
	Now    func() time.Time

	locks *keyLock
}

// NewService wires the default tariff tables and store-backed prices.
func NewService(store care.TxStore) *Service {
	return &Service{
		Store:        store,
		Prices:       StorePrices{Reader: store},
		Areas:        tariff.DefaultAreaGrades(),
		Limits:       tariff.NewBenefitLimits(store),
		Workers:      4,
		RetryBackoff: 50 * time.Millisecond,
		Logger:       zerolog.Nop(),
		Now:          time.Now,
		locks:        newKeyLock(),
	}
}

// =============================================================================
// REQUEST & RESULT
// =============================================================================

type GenerateRequest struct {
	TenantID care.TenantID
	Month    care.Month
	Mode     Mode
	Actor    string

	// AllOrNothing computes every client first and persists nothing if any
	// client fails. The persist phase then runs in one transaction.
	AllOrNothing bool

	// RegenerateFixed lets ModeReplace overwrite fixed invoices.
	RegenerateFixed bool
}

func (r GenerateRequest) validate() error {
	if r.TenantID == "" {
		return errors.New("tenant id is required")
	}
	if r.Month.IsZero() {
		return care.ErrInvalidMonth
	}
	if _, err := ParseMode(string(r.Mode)); err != nil {
		return err
	}
	if r.Actor == "" {
		return errors.New("actor is required")
	}
	return nil
}

// ClientFailure is one client that could not be billed.
type ClientFailure struct {
	ClientID care.ClientID
	Kind     care.ErrorKind
	Code     string
	Date     care.Date
	Message  string
}

// BatchResult is the outcome of one Generate call. Invoices holds the
// generated and replaced invoices, ordered by client.
type BatchResult struct {
	TenantID care.TenantID
	Month    care.Month
	Mode     Mode

	Invoices        []care.Invoice
	Generated       int
	Replaced        int
	SkippedExisting int
	SkippedFixed    int
	SkippedIdle     int
	Failures        []ClientFailure
}

func (r *BatchResult) record(res *ClientResult) {
	switch res.Outcome {
	case OutcomeGenerated:
		r.Generated++
		r.Invoices = append(r.Invoices, *res.Invoice)
	case OutcomeReplaced:
		r.Replaced++
		r.Invoices = append(r.Invoices, *res.Invoice)
	case OutcomeSkippedExisting:
		r.SkippedExisting++
	case OutcomeSkippedFixed:
		r.SkippedFixed++
	case OutcomeSkippedIdle:
		r.SkippedIdle++
	default:
		panic(fmt.Sprintf("invoice: unknown outcome %q", res.Outcome))
	}
}

func (r *BatchResult) fail(clientID care.ClientID, err error) {
	f := ClientFailure{ClientID: clientID, Kind: care.KindOf(err), Message: err.Error()}
	var ce *care.ClientError
	if errors.As(err, &ce) {
		f.Code = ce.Code
		f.Date = ce.Date
	}
	r.Failures = append(r.Failures, f)
}

func (r *BatchResult) sort() {
	sort.Slice(r.Invoices, func(i, j int) bool { return r.Invoices[i].ClientID < r.Invoices[j].ClientID })
	sort.Slice(r.Failures, func(i, j int) bool { return r.Failures[i].ClientID < r.Failures[j].ClientID })
}

// ClientResult is what happened to one client.
type ClientResult struct {
	ClientID care.ClientID
	Outcome  Outcome
	Invoice  *care.Invoice // nil when skipped
}

// =============================================================================
// GENERATE - One tenant, one month
// =============================================================================

// Generate bills every active client of the tenant for the month.
//
// The returned error is non-nil only when the batch as a whole failed:
// invalid request, unknown tenant, unsupported area, a rounding defect,
// cancellation, or an aborted AllOrNothing batch. In the last case the
// result is returned too so the caller can see which clients failed.
func (s *Service) Generate(ctx context.Context, req GenerateRequest) (*BatchResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	tenant, err := s.Store.GetTenant(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	if err := s.Areas.ValidateTenant(*tenant); err != nil {
		return nil, fmt.Errorf("tenant %s: %w", tenant.ID, err)
	}
	if err := tenant.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("tenant %s: %w", tenant.ID, err)
	}

	clients, err := s.Store.ListClients(ctx, tenant.ID)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	var active []care.Client
	for _, c := range clients {
		if c.Active {
			active = append(active, c)
		}
	}

	log := s.Logger.With().
		Str("tenant_id", string(tenant.ID)).
		Str("billing_month", req.Month.String()).
		Str("mode", string(req.Mode)).
		Logger()
	log.Info().Int("clients", len(active)).Bool("all_or_nothing", req.AllOrNothing).Msg("invoice generation started")

	result := &BatchResult{TenantID: tenant.ID, Month: req.Month, Mode: req.Mode}
	if req.AllOrNothing {
		err = s.generateAllOrNothing(ctx, *tenant, active, req, result)
	} else {
		err = s.generateEach(ctx, *tenant, active, req, result)
	}
	result.sort()

	if err != nil {
		log.Error().Err(err).Int("failures", len(result.Failures)).Msg("invoice generation aborted")
		if errors.Is(err, care.ErrBatchAborted) {
			return result, err
		}
		return nil, err
	}

	log.Info().
		Int("generated", result.Generated).
		Int("replaced", result.Replaced).
		Int("skipped_existing", result.SkippedExisting).
		Int("skipped_fixed", result.SkippedFixed).
		Int("skipped_idle", result.SkippedIdle).
		Int("failures", len(result.Failures)).
		Msg("invoice generation finished")
	return result, nil
}

// generateEach runs clients independently: one failure is recorded and
// the others carry on.
func (s *Service) generateEach(ctx context.Context, tenant care.Tenant, clients []care.Client, req GenerateRequest, result *BatchResult) error {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers())

	for _, client := range clients {
		client := client
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := s.withRetry(gctx, func() (*ClientResult, error) {
				return s.generateClient(gctx, tenant, client, req)
			})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				result.record(res)
				return nil
			case errors.Is(err, care.ErrInvalidRoundingInput),
				errors.Is(err, context.Canceled),
				errors.Is(err, context.DeadlineExceeded):
				return err
			default:
				s.Logger.Warn().Err(err).
					Str("tenant_id", string(tenant.ID)).
					Str("client_id", string(client.ID)).
					Msg("client skipped")
				result.fail(client.ID, err)
				return nil
			}
		})
	}
	return g.Wait()
}

// generateAllOrNothing computes every pending client, then persists all of
// them in one transaction, or nothing when any client failed.
func (s *Service) generateAllOrNothing(ctx context.Context, tenant care.Tenant, clients []care.Client, req GenerateRequest, result *BatchResult) error {
	keys := make([]string, len(clients))
	for i, c := range clients {
		keys[i] = invoiceKey(tenant.ID, c.ID, req.Month)
	}
	release, ok := s.locks.TryLockAll(keys)
	if !ok {
		return fmt.Errorf("%w: tenant %s month %s", care.ErrConcurrentRegeneration, tenant.ID, req.Month)
	}
	defer release()

	// 1. Compute everything that is not skipped
	var (
		mu      sync.Mutex
		drafts  []*Draft
		skipped []*ClientResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers())
	for _, client := range clients {
		client := client
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			existing, err := s.Store.FindInvoice(gctx, tenant.ID, client.ID, req.Month)
			if err != nil {
				return err
			}
			if outcome := skipOutcome(existing, req.Mode, req.RegenerateFixed); outcome != "" {
				mu.Lock()
				skipped = append(skipped, &ClientResult{ClientID: client.ID, Outcome: outcome})
				mu.Unlock()
				return nil
			}

			draft, err := s.Compute(gctx, tenant, client, req.Month)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				var ce *care.ClientError
				if !errors.As(err, &ce) {
					return err
				}
				result.fail(client.ID, err)
				return nil
			}
			s.stamp(draft, req.Actor)
			drafts = append(drafts, draft)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if len(result.Failures) > 0 {
		return fmt.Errorf("%w: %d of %d clients failed", care.ErrBatchAborted, len(result.Failures), len(clients))
	}

	// 2. Persist all drafts in one transaction
	sort.Slice(drafts, func(i, j int) bool { return drafts[i].Invoice.ClientID < drafts[j].Invoice.ClientID })
	var persisted []*ClientResult
	err := s.Store.WithTx(ctx, func(w care.InvoiceWriter) error {
		persisted = persisted[:0]
		for _, d := range drafts {
			res, err := persistDraft(ctx, w, d, req.Mode, req.RegenerateFixed)
			if err != nil {
				return fmt.Errorf("client %s: %w", d.Invoice.ClientID, err)
			}
			persisted = append(persisted, res)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, res := range skipped {
		result.record(res)
	}
	for _, res := range persisted {
		result.record(res)
	}
	return nil
}

// =============================================================================
// SINGLE CLIENT
// =============================================================================

// GenerateClient bills one client for the month. Fixed invoices are skipped.
func (s *Service) GenerateClient(ctx context.Context, tenantID care.TenantID, clientID care.ClientID, month care.Month, mode Mode, actor string) (*ClientResult, error) {
	req := GenerateRequest{TenantID: tenantID, Month: month, Mode: mode, Actor: actor}
	if err := req.validate(); err != nil {
		return nil, err
	}
	tenant, err := s.Store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if err := s.Areas.ValidateTenant(*tenant); err != nil {
		return nil, fmt.Errorf("tenant %s: %w", tenant.ID, err)
	}
	client, err := s.Store.GetClient(ctx, tenantID, clientID)
	if err != nil {
		return nil, err
	}
	return s.withRetry(ctx, func() (*ClientResult, error) {
		return s.generateClient(ctx, *tenant, *client, req)
	})
}

func (s *Service) generateClient(ctx context.Context, tenant care.Tenant, client care.Client, req GenerateRequest) (*ClientResult, error) {
	release, ok := s.locks.TryLock(invoiceKey(tenant.ID, client.ID, req.Month))
	if !ok {
		return nil, fmt.Errorf("%w: client %s month %s", care.ErrConcurrentRegeneration, client.ID, req.Month)
	}
	defer release()

	// Skipped clients are decided before computing so a skip never
	// depends on the client's data being billable.
	existing, err := s.Store.FindInvoice(ctx, tenant.ID, client.ID, req.Month)
	if err != nil {
		return nil, err
	}
	if outcome := skipOutcome(existing, req.Mode, req.RegenerateFixed); outcome != "" {
		return &ClientResult{ClientID: client.ID, Outcome: outcome}, nil
	}

	draft, err := s.Compute(ctx, tenant, client, req.Month)
	if err != nil {
		return nil, err
	}
	s.stamp(draft, req.Actor)

	var res *ClientResult
	err = s.Store.WithTx(ctx, func(w care.InvoiceWriter) error {
		var err error
		res, err = persistDraft(ctx, w, draft, req.Mode, req.RegenerateFixed)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// persistDraft is stage 5. It re-reads the invoice under the store lock,
// since the pre-check ran outside the transaction.
func persistDraft(ctx context.Context, w care.InvoiceWriter, d *Draft, mode Mode, regenerateFixed bool) (*ClientResult, error) {
	inv := d.Invoice
	current, err := w.LockInvoice(ctx, inv.TenantID, inv.ClientID, inv.BillingMonth)
	if err != nil {
		return nil, err
	}
	if current == nil && !d.Billable() {
		return &ClientResult{ClientID: inv.ClientID, Outcome: OutcomeSkippedIdle}, nil
	}
	outcome := OutcomeGenerated
	if current != nil {
		if skip := skipOutcome(current, mode, regenerateFixed); skip != "" {
			return &ClientResult{ClientID: inv.ClientID, Outcome: skip}, nil
		}
		if err := w.DeleteInvoice(ctx, inv.TenantID, current.ID); err != nil {
			return nil, fmt.Errorf("delete previous invoice: %w", err)
		}
		outcome = OutcomeReplaced
	}
	if err := w.InsertInvoice(ctx, inv, d.Lines); err != nil {
		return nil, err
	}
	return &ClientResult{ClientID: inv.ClientID, Outcome: outcome, Invoice: &inv}, nil
}

func (s *Service) stamp(d *Draft, actor string) {
	d.Invoice.GeneratedBy = actor
	d.Invoice.GeneratedAt = s.Now().UTC()
}

// withRetry retries a retryable failure once.
func (s *Service) withRetry(ctx context.Context, fn func() (*ClientResult, error)) (*ClientResult, error) {
	res, err := fn()
	if err == nil || !care.IsRetryable(err) {
		return res, err
	}
	s.Logger.Debug().Err(err).Msg("retrying after conflict")
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.RetryBackoff):
	}
	return fn()
}

func (s *Service) workers() int {
	if s.Workers < 1 {
		return 1
	}
	return s.Workers
}
