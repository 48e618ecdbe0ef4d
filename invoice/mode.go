package invoice

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/warp/care-billing/care"
)

// =============================================================================
// MODE - What to do with an invoice that already exists
// =============================================================================

type Mode string

const (
	// ModeReplace deletes an existing draft and its lines and writes a new one.
	ModeReplace Mode = "replace"
	// ModeSkipExisting leaves any existing invoice untouched.
	ModeSkipExisting Mode = "skip_existing"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeReplace, ModeSkipExisting:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown generation mode %q (use replace or skip_existing)", s)
	}
}

// Outcome is what happened to one client in a batch.
type Outcome string

const (
	OutcomeGenerated       Outcome = "generated"
	OutcomeReplaced        Outcome = "replaced"
	OutcomeSkippedExisting Outcome = "skipped_existing"
	OutcomeSkippedFixed    Outcome = "skipped_fixed"
	// OutcomeSkippedIdle is a client with no billable day and no invoice
	// to replace. Nothing is written.
	OutcomeSkippedIdle     Outcome = "skipped_idle"
)

// skipOutcome decides whether an existing invoice blocks regeneration. It
// returns "" when the caller may replace it. A fixed invoice is skipped in
// every mode unless the caller asked to regenerate fixed invoices and
// replaces.
func skipOutcome(existing *care.Invoice, mode Mode, regenerateFixed bool) Outcome {
	if existing == nil {
		return ""
	}
	switch mode {
	case ModeSkipExisting:
		if existing.IsFixed() {
			return OutcomeSkippedFixed
		}
		return OutcomeSkippedExisting
	case ModeReplace:
		if existing.IsFixed() && !regenerateFixed {
			return OutcomeSkippedFixed
		}
		return ""
	default:
		panic(fmt.Sprintf("invoice: unknown mode %q", mode))
	}
}

// =============================================================================
// IDENTIFIERS - Derived from the natural keys
// =============================================================================

// idNamespace scopes the name-based UUIDs of this engine.
var idNamespace = uuid.MustParse("3b7e51b2-0f3c-4c1e-9d55-6a3f0c2e8a41")

// InvoiceIDFor derives the invoice ID from (tenant, client, month), so a
// replaced invoice keeps its ID.
func InvoiceIDFor(tenantID care.TenantID, clientID care.ClientID, month care.Month) care.InvoiceID {
	return care.InvoiceID(uuid.NewSHA1(idNamespace, []byte(invoiceKey(tenantID, clientID, month))).String())
}

// LineIDFor derives the line ID from its idempotency key.
func LineIDFor(idempotencyKey string) string {
	return uuid.NewSHA1(idNamespace, []byte("line:"+idempotencyKey)).String()
}

func invoiceKey(tenantID care.TenantID, clientID care.ClientID, month care.Month) string {
	return string(tenantID) + "/" + string(clientID) + "/" + month.String()
}

// =============================================================================
// KEY LOCK - In-process exclusivity per (tenant, client, month)
// =============================================================================

// keyLock is a try-lock per key. A second caller does not wait: it gets
// ok == false and reports a concurrent regeneration.
type keyLock struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newKeyLock() *keyLock {
	return &keyLock{held: make(map[string]struct{})}
}

func (l *keyLock) TryLock(key string) (release func(), ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, taken := l.held[key]; taken {
		return nil, false
	}
	l.held[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, true
}

// TryLockAll takes every key or none.
func (l *keyLock) TryLockAll(keys []string) (release func(), ok bool) {
	releases := make([]func(), 0, len(keys))
	releaseAll := func() {
		for _, r := range releases {
			r()
		}
	}
	for _, k := range keys {
		r, ok := l.TryLock(k)
		if !ok {
			releaseAll()
			return nil, false
		}
		releases = append(releases, r)
	}
	return releaseAll, true
}
