package refdata

import (
	"context"
	"database/sql"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/fjordbank/payguard/internal/settlement"
)

// RateSource loads a full rate snapshot from wherever the out-of-band
// fetcher left it.
type RateSource interface {
	LoadRates(ctx context.Context) (map[string]decimal.Decimal, error)
}

// RuleSource loads the currently-active eligibility rule set.
type RuleSource interface {
	LoadRules(ctx context.Context) (settlement.Eligibility, error)
}

// LimitSource loads the flat default limit and any per-counterparty limits.
type LimitSource interface {
	LoadLimits(ctx context.Context) (flat decimal.Decimal, perCP map[string]decimal.Decimal, err error)
}

// PostgresSource reads the exchange_rates, filtering_rules, and
// exposure_limits tables populated by the upstream pollers.
type PostgresSource struct {
	db *sql.DB
}

// NewPostgresSource creates a source over the config tables.
func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

func (p *PostgresSource) LoadRates(ctx context.Context) (map[string]decimal.Decimal, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT currency, usd_rate FROM exchange_rates`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]decimal.Decimal)
	for rows.Next() {
		var ccy string
		var rate decimal.Decimal
		if err := rows.Scan(&ccy, &rate); err != nil {
			return nil, err
		}
		out[ccy] = rate
	}
	return out, rows.Err()
}

func (p *PostgresSource) LoadRules(ctx context.Context) (settlement.Eligibility, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT direction, business_status FROM filtering_rules WHERE active`)
	if err != nil {
		return settlement.Eligibility{}, err
	}
	defer func() { _ = rows.Close() }()

	e := settlement.Eligibility{
		Directions: make(map[settlement.Direction]bool),
		Statuses:   make(map[settlement.BusinessStatus]bool),
	}
	for rows.Next() {
		var dir, status string
		if err := rows.Scan(&dir, &status); err != nil {
			return settlement.Eligibility{}, err
		}
		e.Directions[settlement.Direction(dir)] = true
		e.Statuses[settlement.BusinessStatus(status)] = true
	}
	return e, rows.Err()
}

func (p *PostgresSource) LoadLimits(ctx context.Context) (decimal.Decimal, map[string]decimal.Decimal, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT counterparty_id, limit_usd FROM exposure_limits`)
	if err != nil {
		return decimal.Zero, nil, err
	}
	defer func() { _ = rows.Close() }()

	var flat decimal.Decimal
	perCP := make(map[string]decimal.Decimal)
	for rows.Next() {
		var cp string
		var limit decimal.Decimal
		if err := rows.Scan(&cp, &limit); err != nil {
			return decimal.Zero, nil, err
		}
		// The empty counterparty row carries the flat default.
		if cp == "" {
			flat = limit
		} else {
			perCP[cp] = limit
		}
	}
	return flat, perCP, rows.Err()
}

// StaticSource serves fixed snapshots for demo mode and tests.
type StaticSource struct {
	mu     sync.RWMutex
	rates  map[string]decimal.Decimal
	rules  settlement.Eligibility
	flat   decimal.Decimal
	limits map[string]decimal.Decimal
}

// NewStaticSource creates a static source with the canonical rule set and
// the given flat limit.
func NewStaticSource(flat decimal.Decimal) *StaticSource {
	return &StaticSource{
		rates:  make(map[string]decimal.Decimal),
		rules:  DefaultEligibility(),
		flat:   flat,
		limits: make(map[string]decimal.Decimal),
	}
}

// SetRate sets one currency rate.
func (s *StaticSource) SetRate(currency string, rate decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates[currency] = rate
}

// SetLimit sets one counterparty limit.
func (s *StaticSource) SetLimit(counterparty string, limit decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits[counterparty] = limit
}

// SetRules replaces the rule set.
func (s *StaticSource) SetRules(e settlement.Eligibility) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = e
}

func (s *StaticSource) LoadRates(ctx context.Context) (map[string]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(s.rates))
	for k, v := range s.rates {
		out[k] = v
	}
	return out, nil
}

func (s *StaticSource) LoadRules(ctx context.Context) (settlement.Eligibility, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rules, nil
}

func (s *StaticSource) LoadLimits(ctx context.Context) (decimal.Decimal, map[string]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(s.limits))
	for k, v := range s.limits {
		out[k] = v
	}
	return s.flat, out, nil
}

// Compile-time assertions.
var (
	_ RateSource  = (*PostgresSource)(nil)
	_ RuleSource  = (*PostgresSource)(nil)
	_ LimitSource = (*PostgresSource)(nil)
	_ RateSource  = (*StaticSource)(nil)
	_ RuleSource  = (*StaticSource)(nil)
	_ LimitSource = (*StaticSource)(nil)
)
