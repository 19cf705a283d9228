// Package ingest implements the sequence-ordered write path. For every
// incoming settlement version one transaction persists the row, marks
// superseded versions, detects counterparty migration, and recomputes the
// running total of every affected group from current state.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fjordbank/payguard/internal/audit"
	"github.com/fjordbank/payguard/internal/logging"
	"github.com/fjordbank/payguard/internal/metrics"
	"github.com/fjordbank/payguard/internal/refdata"
	"github.com/fjordbank/payguard/internal/retry"
	"github.com/fjordbank/payguard/internal/settlement"
	"github.com/fjordbank/payguard/internal/traces"
)

// ErrMissingRate reports a currency seen in a group scan with no rate in the
// rate book. The transaction rolls back; a retry or a recalculation after
// the next rate refresh repairs the group.
var ErrMissingRate = errors.New("no USD rate for currency")

// systemUser tags activity entries written by the pipeline itself.
const systemUser = "system"

// Emitter publishes pipeline events to interested listeners. Implementations
// must not block.
type Emitter interface {
	Emit(event string, data map[string]interface{})
}

// Result is the outcome of one ingestion.
type Result struct {
	RefID     int64
	Duplicate bool
	Groups    []settlement.GroupKey
	Migrated  bool
	PrevCP    string
}

// Pipeline orchestrates the ingestion flow.
type Pipeline struct {
	store      settlement.Store
	rates      *refdata.RateBook
	rules      *refdata.RuleBook
	maxRetries int
	baseDelay  time.Duration
	logger     *slog.Logger
	events     Emitter
}

// NewPipeline creates an ingestion pipeline. maxRetries bounds retries of
// the whole transaction on transient storage conflicts.
func NewPipeline(store settlement.Store, rates *refdata.RateBook, rules *refdata.RuleBook,
	maxRetries int, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		store:      store,
		rates:      rates,
		rules:      rules,
		maxRetries: maxRetries,
		baseDelay:  50 * time.Millisecond,
		logger:     logger,
	}
}

// WithEvents adds an event emitter.
func (p *Pipeline) WithEvents(e Emitter) *Pipeline {
	p.events = e
	return p
}

// Ingest runs the five-step flow for one validated settlement version:
// insert, mark old versions, probe for counterparty migration, rescan every
// affected group, upsert totals under the watermark guard. Duplicate
// submissions return the existing ref_id and leave all state untouched.
func (p *Pipeline) Ingest(ctx context.Context, s *settlement.Settlement) (Result, error) {
	ctx, span := traces.StartSpan(ctx, "ingest.pipeline",
		traces.BusinessID(s.BusinessID), traces.Version(s.Version), traces.Group(s.Group().String()))
	defer span.End()

	start := time.Now()
	var res Result

	err := retry.Do(ctx, p.maxRetries, p.baseDelay, func() error {
		res = Result{}
		err := p.store.RunInTx(ctx, func(tx settlement.Tx) error {
			return p.apply(ctx, tx, s, &res)
		})
		if err != nil && !isRetryable(err) {
			return retry.Permanent(err)
		}
		return err
	})

	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case res.Duplicate:
		outcome = "duplicate"
	}
	metrics.IngestionsTotal.WithLabelValues(outcome).Inc()
	metrics.IngestionDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		logging.L(ctx).Error("ingestion failed",
			"business_id", s.BusinessID,
			"version", s.Version,
			"ref_id", res.RefID,
			"error", err,
		)
		return Result{}, err
	}

	logging.L(ctx).Info("settlement ingested",
		"business_id", s.BusinessID,
		"version", s.Version,
		"ref_id", res.RefID,
		"duplicate", res.Duplicate,
		"groups", len(res.Groups),
		"migrated", res.Migrated,
	)

	if p.events != nil {
		p.events.Emit("settlement.ingested", map[string]interface{}{
			"businessId": s.BusinessID,
			"version":    s.Version,
			"refId":      res.RefID,
			"duplicate":  res.Duplicate,
			"group":      s.Group().String(),
		})
	}
	return res, nil
}

// apply is the transactional body. It must be re-runnable: every step is
// state-based, and the watermark guard makes the final upsert safe to
// repeat.
func (p *Pipeline) apply(ctx context.Context, tx settlement.Tx, s *settlement.Settlement, res *Result) error {
	refID, duplicate, err := tx.InsertSettlement(ctx, s)
	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	res.RefID = refID
	res.Duplicate = duplicate

	if err := tx.MarkOldVersions(ctx, s.BusinessID, s.PTS, s.ProcessingEntity); err != nil {
		return fmt.Errorf("mark old: %w", err)
	}

	prevCP, hasPrev, err := tx.PreviousCounterparty(ctx, s.BusinessID, s.PTS, s.ProcessingEntity, refID)
	if err != nil {
		return fmt.Errorf("previous counterparty: %w", err)
	}

	groups := []settlement.GroupKey{s.Group()}
	migrated := hasPrev && prevCP != s.CounterpartyID
	if migrated {
		abandoned := settlement.GroupKey{
			PTS:              s.PTS,
			ProcessingEntity: s.ProcessingEntity,
			CounterpartyID:   prevCP,
			ValueDate:        s.ValueDate,
		}
		groups = append(groups, abandoned)
	}
	res.Groups = groups
	res.Migrated = migrated
	res.PrevCP = prevCP

	elig := p.rules.Eligibility()
	for _, g := range groups {
		rows, err := tx.ScanLatestEligible(ctx, g, refID, elig)
		if err != nil {
			return fmt.Errorf("scan group %s: %w", g, err)
		}
		total, err := SumUSD(rows, p.rates)
		if err != nil {
			return fmt.Errorf("group %s: %w", g, err)
		}
		if err := tx.UpsertRunningTotal(ctx, g, total, len(rows), refID); err != nil {
			return fmt.Errorf("upsert group %s: %w", g, err)
		}
		metrics.GroupRecomputesTotal.Inc()
	}

	// Replayed duplicates must leave the activity log untouched.
	if duplicate {
		return nil
	}

	if err := tx.AppendActivity(ctx, &audit.Entry{
		UserID:       systemUser,
		Action:       audit.ActionCreate,
		BusinessID:   s.BusinessID,
		Version:      s.Version,
		GroupContext: s.Group().String(),
	}); err != nil {
		return fmt.Errorf("append create activity: %w", err)
	}

	if migrated {
		if err := tx.AppendActivity(ctx, &audit.Entry{
			UserID:       systemUser,
			Action:       audit.ActionGroupMigration,
			BusinessID:   s.BusinessID,
			Version:      s.Version,
			Comment:      fmt.Sprintf("counterparty %s -> %s", prevCP, s.CounterpartyID),
			GroupContext: s.Group().String(),
		}); err != nil {
			return fmt.Errorf("append migration activity: %w", err)
		}
		// The new version carries no approval row; prior approvals on older
		// versions stop mattering. Record the reset for the audit trail.
		if err := tx.AppendActivity(ctx, &audit.Entry{
			UserID:       systemUser,
			Action:       audit.ActionStatusReset,
			BusinessID:   s.BusinessID,
			Version:      s.Version,
			Comment:      "approvals invalidated by new version",
			GroupContext: s.Group().String(),
		}); err != nil {
			return fmt.Errorf("append reset activity: %w", err)
		}
	}
	return nil
}

// SumUSD converts each contribution at the current rate and returns the
// group total rounded half-up to two decimals. The products are summed
// exactly; only the final sum is rounded.
func SumUSD(rows []settlement.Contribution, rates *refdata.RateBook) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, r := range rows {
		rate, ok := rates.Rate(r.Currency)
		if !ok {
			return decimal.Zero, fmt.Errorf("%w: %s", ErrMissingRate, r.Currency)
		}
		total = total.Add(r.Amount.Mul(rate))
	}
	return total.Round(2), nil
}

// isRetryable classifies transaction errors: storage serialization conflicts
// and missing rates are transient, everything else is permanent.
func isRetryable(err error) bool {
	return settlement.IsRetryable(err) || errors.Is(err, ErrMissingRate)
}
