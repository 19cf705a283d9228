// Package refdata holds the read-mostly configuration the pipeline consults
// on every ingestion: currency/USD exchange rates, the eligibility rule set,
// and per-counterparty exposure limits.
//
// Each book keeps an immutable snapshot behind an atomic pointer. Refreshers
// replace the snapshot wholesale; readers see either the old or the new
// snapshot, never a torn mix. Refreshes never trigger recomputation of
// existing running totals — operators use the recalculation endpoint for
// that.
package refdata

import (
	"context"
	"sort"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/fjordbank/payguard/internal/settlement"
)

// RateBook answers currency -> USD rate lookups.
type RateBook struct {
	snap atomic.Pointer[map[string]decimal.Decimal]
}

// NewRateBook creates an empty rate book.
func NewRateBook() *RateBook {
	b := &RateBook{}
	empty := map[string]decimal.Decimal{}
	b.snap.Store(&empty)
	return b
}

// Replace swaps in a full new rate snapshot.
func (b *RateBook) Replace(rates map[string]decimal.Decimal) {
	cp := make(map[string]decimal.Decimal, len(rates))
	for k, v := range rates {
		cp[k] = v
	}
	b.snap.Store(&cp)
}

// Rate returns the USD rate for a currency.
func (b *RateBook) Rate(currency string) (decimal.Decimal, bool) {
	r, ok := (*b.snap.Load())[currency]
	return r, ok
}

// Currencies lists the currencies with a known rate, sorted.
func (b *RateBook) Currencies() []string {
	snap := *b.snap.Load()
	out := make([]string, 0, len(snap))
	for c := range snap {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Reload fetches a fresh snapshot from src and installs it.
func (b *RateBook) Reload(ctx context.Context, src RateSource) error {
	rates, err := src.LoadRates(ctx)
	if err != nil {
		return err
	}
	b.Replace(rates)
	return nil
}

// RuleBook holds the currently-eligible {direction, business_status} set.
type RuleBook struct {
	snap atomic.Pointer[settlement.Eligibility]
}

// DefaultEligibility is the canonical rule set: PAY settlements that are
// PENDING, INVALID, or VERIFIED count toward exposure.
func DefaultEligibility() settlement.Eligibility {
	return settlement.Eligibility{
		Directions: map[settlement.Direction]bool{settlement.DirectionPay: true},
		Statuses: map[settlement.BusinessStatus]bool{
			settlement.StatusPending:  true,
			settlement.StatusInvalid:  true,
			settlement.StatusVerified: true,
		},
	}
}

// NewRuleBook creates a rule book seeded with the canonical rule set.
func NewRuleBook() *RuleBook {
	b := &RuleBook{}
	e := DefaultEligibility()
	b.snap.Store(&e)
	return b
}

// Replace swaps in a new eligibility snapshot.
func (b *RuleBook) Replace(e settlement.Eligibility) {
	b.snap.Store(&e)
}

// Eligibility returns the current snapshot.
func (b *RuleBook) Eligibility() settlement.Eligibility {
	return *b.snap.Load()
}

// Reload fetches a fresh rule set from src and installs it.
func (b *RuleBook) Reload(ctx context.Context, src RuleSource) error {
	e, err := src.LoadRules(ctx)
	if err != nil {
		return err
	}
	b.Replace(e)
	return nil
}

// LimitMode selects how exposure limits are resolved.
type LimitMode string

const (
	LimitModeFlat            LimitMode = "flat"
	LimitModePerCounterparty LimitMode = "per-counterparty"
)

type limitSnapshot struct {
	mode  LimitMode
	flat  decimal.Decimal
	perCP map[string]decimal.Decimal
}

// LimitBook answers per-counterparty USD exposure limit lookups.
type LimitBook struct {
	snap atomic.Pointer[limitSnapshot]
}

// NewLimitBook creates a limit book in flat mode with the given default.
func NewLimitBook(mode LimitMode, flat decimal.Decimal) *LimitBook {
	b := &LimitBook{}
	b.snap.Store(&limitSnapshot{mode: mode, flat: flat, perCP: map[string]decimal.Decimal{}})
	return b
}

// Replace swaps in a new limit snapshot keeping the configured mode.
func (b *LimitBook) Replace(flat decimal.Decimal, perCP map[string]decimal.Decimal) {
	cur := b.snap.Load()
	cp := make(map[string]decimal.Decimal, len(perCP))
	for k, v := range perCP {
		cp[k] = v
	}
	b.snap.Store(&limitSnapshot{mode: cur.mode, flat: flat, perCP: cp})
}

// Limit returns the USD limit for a counterparty. In flat mode every
// counterparty shares the default; in per-counterparty mode a missing entry
// falls back to it.
func (b *LimitBook) Limit(counterparty string) decimal.Decimal {
	snap := b.snap.Load()
	if snap.mode == LimitModePerCounterparty {
		if l, ok := snap.perCP[counterparty]; ok {
			return l
		}
	}
	return snap.flat
}

// Reload fetches fresh limits from src and installs them.
func (b *LimitBook) Reload(ctx context.Context, src LimitSource) error {
	flat, perCP, err := src.LoadLimits(ctx)
	if err != nil {
		return err
	}
	if flat.IsZero() {
		flat = b.snap.Load().flat
	}
	b.Replace(flat, perCP)
	return nil
}
