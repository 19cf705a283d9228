// Package settlement holds the core domain model of the limit monitor:
// versioned settlement records, exposure groups, and the per-group USD
// running totals derived from them.
//
// A settlement is identified upstream by (business_id, version); the store
// assigns each accepted row a ref_id from a monotonic sequence. ref_id is
// the system's internal clock: a running total carrying watermark W reflects
// every settlement with ref_id <= W and none above it.
package settlement

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound      = errors.New("settlement not found")
	ErrGroupNotFound = errors.New("running total not found for group")
)

// Direction is the payment direction of a settlement.
type Direction string

const (
	DirectionPay     Direction = "PAY"
	DirectionReceive Direction = "RECEIVE"
)

// SettlementType distinguishes gross from netted settlements.
type SettlementType string

const (
	TypeGross SettlementType = "GROSS"
	TypeNet   SettlementType = "NET"
)

// BusinessStatus is the upstream lifecycle status of a settlement version.
type BusinessStatus string

const (
	StatusPending   BusinessStatus = "PENDING"
	StatusInvalid   BusinessStatus = "INVALID"
	StatusVerified  BusinessStatus = "VERIFIED"
	StatusCancelled BusinessStatus = "CANCELLED"
)

// ValidDirection reports whether d is a known direction.
func ValidDirection(d Direction) bool {
	return d == DirectionPay || d == DirectionReceive
}

// ValidType reports whether t is a known settlement type.
func ValidType(t SettlementType) bool {
	return t == TypeGross || t == TypeNet
}

// ValidBusinessStatus reports whether b is a known business status.
func ValidBusinessStatus(b BusinessStatus) bool {
	switch b {
	case StatusPending, StatusInvalid, StatusVerified, StatusCancelled:
		return true
	}
	return false
}

// GroupKey identifies an exposure group. Exposure is aggregated per
// counterparty and value date within a processing entity of a trading
// system.
type GroupKey struct {
	PTS              string `json:"pts"`
	ProcessingEntity string `json:"processingEntity"`
	CounterpartyID   string `json:"counterpartyId"`
	ValueDate        string `json:"valueDate"` // ISO date, e.g. 2025-12-31
}

// String renders the group key for logs and activity context.
func (g GroupKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", g.PTS, g.ProcessingEntity, g.CounterpartyID, g.ValueDate)
}

// Settlement is one version of a settlement record. Rows are append-only;
// the only mutation is flipping is_old when a newer version arrives.
type Settlement struct {
	RefID            int64           `json:"refId"`
	BusinessID       string          `json:"businessId"`
	Version          int64           `json:"version"`
	PTS              string          `json:"pts"`
	ProcessingEntity string          `json:"processingEntity"`
	CounterpartyID   string          `json:"counterpartyId"`
	ValueDate        string          `json:"valueDate"`
	Currency         string          `json:"currency"`
	Amount           decimal.Decimal `json:"amount"`
	Direction        Direction       `json:"direction"`
	SettlementType   SettlementType  `json:"settlementType"`
	BusinessStatus   BusinessStatus  `json:"businessStatus"`
	IsOld            bool            `json:"isOld"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// Group returns the exposure group this version belongs to.
func (s *Settlement) Group() GroupKey {
	return GroupKey{
		PTS:              s.PTS,
		ProcessingEntity: s.ProcessingEntity,
		CounterpartyID:   s.CounterpartyID,
		ValueDate:        s.ValueDate,
	}
}

// RunningTotal is the per-group USD exposure, recomputed from current state
// on every ingestion that touches the group.
type RunningTotal struct {
	Group           GroupKey        `json:"group"`
	TotalUSD        decimal.Decimal `json:"totalUsd"`
	SettlementCount int             `json:"settlementCount"`
	RefIDWatermark  int64           `json:"refIdWatermark"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Contribution is one latest-version row's share of a group scan.
type Contribution struct {
	BusinessID string
	Currency   string
	Amount     decimal.Decimal
}

// Eligibility is the rule-driven filter applied by group scans. Only rows
// whose direction and business status are both allowed contribute to a
// running total.
type Eligibility struct {
	Directions map[Direction]bool
	Statuses   map[BusinessStatus]bool
}

// Allows reports whether a row with the given direction and status counts
// toward exposure.
func (e Eligibility) Allows(d Direction, b BusinessStatus) bool {
	return e.Directions[d] && e.Statuses[b]
}

// DirectionList returns the allowed directions as strings for SQL binding.
func (e Eligibility) DirectionList() []string {
	out := make([]string, 0, len(e.Directions))
	for d, ok := range e.Directions {
		if ok {
			out = append(out, string(d))
		}
	}
	return out
}

// StatusList returns the allowed statuses as strings for SQL binding.
func (e Eligibility) StatusList() []string {
	out := make([]string, 0, len(e.Statuses))
	for s, ok := range e.Statuses {
		if ok {
			out = append(out, string(s))
		}
	}
	return out
}

// GroupScope selects groups for recalculation. Empty string fields match
// everything; the value-date range is inclusive and required.
type GroupScope struct {
	PTS              string
	ProcessingEntity string
	CounterpartyID   string
	ValueDateFrom    string
	ValueDateTo      string
}

// Matches reports whether g falls inside the scope.
func (sc GroupScope) Matches(g GroupKey) bool {
	if sc.PTS != "" && sc.PTS != g.PTS {
		return false
	}
	if sc.ProcessingEntity != "" && sc.ProcessingEntity != g.ProcessingEntity {
		return false
	}
	if sc.CounterpartyID != "" && sc.CounterpartyID != g.CounterpartyID {
		return false
	}
	return g.ValueDate >= sc.ValueDateFrom && g.ValueDate <= sc.ValueDateTo
}

// String renders the scope for logs and job records.
func (sc GroupScope) String() string {
	part := func(s string) string {
		if s == "" {
			return "*"
		}
		return s
	}
	return fmt.Sprintf("%s/%s/%s/%s..%s",
		part(sc.PTS), part(sc.ProcessingEntity), part(sc.CounterpartyID),
		sc.ValueDateFrom, sc.ValueDateTo)
}
