package settlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/fjordbank/payguard/internal/audit"
)

// PostgresStore persists settlements and running totals in PostgreSQL.
//
// Units of work run at SERIALIZABLE isolation: concurrent ingestions that
// touch the same group conflict on the running_totals row and one of them
// aborts with a serialization failure, which the pipeline retries. ref_id
// comes from the table's native sequence so ordering survives crashes.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// IsRetryable reports whether err is a transient storage conflict
// (serialization failure or deadlock) worth retrying.
func IsRetryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

func (p *PostgresStore) RunInTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(&postgresTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type postgresTx struct {
	tx *sql.Tx
}

func (t *postgresTx) InsertSettlement(ctx context.Context, s *Settlement) (int64, bool, error) {
	var refID int64
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO settlements (
			business_id, version, pts, processing_entity, counterparty_id,
			value_date, currency, amount, direction, settlement_type, business_status
		) VALUES ($1, $2, $3, $4, $5, $6::date, $7, $8, $9, $10, $11)
		ON CONFLICT (business_id, pts, processing_entity, version) DO NOTHING
		RETURNING ref_id`,
		s.BusinessID, s.Version, s.PTS, s.ProcessingEntity, s.CounterpartyID,
		s.ValueDate, s.Currency, s.Amount, string(s.Direction),
		string(s.SettlementType), string(s.BusinessStatus),
	).Scan(&refID)
	if err == nil {
		return refID, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("insert settlement: %w", err)
	}

	// Conflict: the version already exists. Return its ref_id untouched.
	err = t.tx.QueryRowContext(ctx, `
		SELECT ref_id FROM settlements
		WHERE business_id = $1 AND pts = $2 AND processing_entity = $3 AND version = $4`,
		s.BusinessID, s.PTS, s.ProcessingEntity, s.Version,
	).Scan(&refID)
	if err != nil {
		return 0, false, fmt.Errorf("lookup duplicate settlement: %w", err)
	}
	return refID, true, nil
}

func (t *postgresTx) MarkOldVersions(ctx context.Context, businessID, pts, entity string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE settlements SET is_old = TRUE, updated_at = now()
		WHERE business_id = $1 AND pts = $2 AND processing_entity = $3
		  AND is_old = FALSE
		  AND version < (
			SELECT MAX(version) FROM settlements
			WHERE business_id = $1 AND pts = $2 AND processing_entity = $3
		  )`, businessID, pts, entity)
	if err != nil {
		return fmt.Errorf("mark old versions: %w", err)
	}
	return nil
}

func (t *postgresTx) PreviousCounterparty(ctx context.Context, businessID, pts, entity string, beforeRef int64) (string, bool, error) {
	var cp string
	err := t.tx.QueryRowContext(ctx, `
		SELECT counterparty_id FROM settlements
		WHERE business_id = $1 AND pts = $2 AND processing_entity = $3 AND ref_id < $4
		ORDER BY ref_id DESC
		LIMIT 1`, businessID, pts, entity, beforeRef).Scan(&cp)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("previous counterparty: %w", err)
	}
	return cp, true, nil
}

func (t *postgresTx) ScanLatestEligible(ctx context.Context, g GroupKey, atRef int64, elig Eligibility) ([]Contribution, error) {
	// Latest version per business_id is chosen over every row of the
	// (pts, entity) partition, not just rows of this group, so a migrated
	// settlement drops out of its old group without consulting is_old. The
	// inner IN keeps the partition bounded to business_ids that ever touched
	// this group.
	rows, err := t.tx.QueryContext(ctx, `
		SELECT business_id, currency, amount FROM (
			SELECT DISTINCT ON (business_id)
				business_id, counterparty_id, value_date, currency, amount,
				direction, business_status
			FROM settlements
			WHERE pts = $1 AND processing_entity = $2 AND ref_id <= $3
			  AND business_id IN (
				SELECT business_id FROM settlements
				WHERE pts = $1 AND processing_entity = $2
				  AND counterparty_id = $4 AND value_date = $5::date
				  AND ref_id <= $3
			  )
			ORDER BY business_id, version DESC, ref_id DESC
		) latest
		WHERE counterparty_id = $4 AND value_date = $5::date
		  AND direction = ANY($6) AND business_status = ANY($7)
		ORDER BY business_id`,
		g.PTS, g.ProcessingEntity, atRef, g.CounterpartyID, g.ValueDate,
		pq.Array(elig.DirectionList()), pq.Array(elig.StatusList()))
	if err != nil {
		return nil, fmt.Errorf("scan latest eligible: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Contribution
	for rows.Next() {
		var c Contribution
		if err := rows.Scan(&c.BusinessID, &c.Currency, &c.Amount); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (t *postgresTx) UpsertRunningTotal(ctx context.Context, g GroupKey, totalUSD decimal.Decimal, count int, refID int64) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO running_totals (
			pts, processing_entity, counterparty_id, value_date,
			total_usd, settlement_count, ref_id_watermark
		) VALUES ($1, $2, $3, $4::date, $5, $6, $7)
		ON CONFLICT (pts, processing_entity, counterparty_id, value_date)
		DO UPDATE SET
			total_usd = EXCLUDED.total_usd,
			settlement_count = EXCLUDED.settlement_count,
			ref_id_watermark = EXCLUDED.ref_id_watermark,
			updated_at = now()
		WHERE running_totals.ref_id_watermark <= EXCLUDED.ref_id_watermark`,
		g.PTS, g.ProcessingEntity, g.CounterpartyID, g.ValueDate,
		totalUSD, count, refID)
	if err != nil {
		return fmt.Errorf("upsert running total: %w", err)
	}
	return nil
}

func (t *postgresTx) AppendActivity(ctx context.Context, e *audit.Entry) error {
	return audit.InsertEntry(ctx, t.tx, e)
}

const settlementColumns = `ref_id, business_id, version, pts, processing_entity, counterparty_id,
	       to_char(value_date, 'YYYY-MM-DD'), currency, amount, direction,
	       settlement_type, business_status, is_old, created_at, updated_at`

func (p *PostgresStore) LatestSettlement(ctx context.Context, businessID, pts, entity string) (*Settlement, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+settlementColumns+`
		FROM settlements
		WHERE business_id = $1
		  AND ($2 = '' OR pts = $2)
		  AND ($3 = '' OR processing_entity = $3)
		ORDER BY version DESC, ref_id DESC
		LIMIT 1`, businessID, pts, entity)

	s, err := scanSettlement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

func (p *PostgresStore) ListVersions(ctx context.Context, businessID string, limit int) ([]*Settlement, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+settlementColumns+`
		FROM settlements
		WHERE business_id = $1
		ORDER BY version DESC, ref_id DESC
		LIMIT $2`, businessID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetRunningTotal(ctx context.Context, g GroupKey) (*RunningTotal, error) {
	t := &RunningTotal{Group: g}
	err := p.db.QueryRowContext(ctx, `
		SELECT total_usd, settlement_count, ref_id_watermark, updated_at
		FROM running_totals
		WHERE pts = $1 AND processing_entity = $2 AND counterparty_id = $3 AND value_date = $4::date`,
		g.PTS, g.ProcessingEntity, g.CounterpartyID, g.ValueDate,
	).Scan(&t.TotalUSD, &t.SettlementCount, &t.RefIDWatermark, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGroupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get running total: %w", err)
	}
	return t, nil
}

func (p *PostgresStore) ListGroups(ctx context.Context, sc GroupScope) ([]GroupKey, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT pts, processing_entity, counterparty_id, to_char(value_date, 'YYYY-MM-DD')
		FROM running_totals
		WHERE ($1 = '' OR pts = $1)
		  AND ($2 = '' OR processing_entity = $2)
		  AND ($3 = '' OR counterparty_id = $3)
		  AND value_date BETWEEN $4::date AND $5::date
		ORDER BY pts, processing_entity, counterparty_id, value_date`,
		sc.PTS, sc.ProcessingEntity, sc.CounterpartyID, sc.ValueDateFrom, sc.ValueDateTo)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []GroupKey
	for rows.Next() {
		var g GroupKey
		if err := rows.Scan(&g.PTS, &g.ProcessingEntity, &g.CounterpartyID, &g.ValueDate); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MaxRefID(ctx context.Context) (int64, error) {
	var maxRef int64
	err := p.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(ref_id), 0) FROM settlements`).Scan(&maxRef)
	return maxRef, err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSettlement(sc scanner) (*Settlement, error) {
	s := &Settlement{}
	var direction, stype, bstatus string
	err := sc.Scan(
		&s.RefID, &s.BusinessID, &s.Version, &s.PTS, &s.ProcessingEntity,
		&s.CounterpartyID, &s.ValueDate, &s.Currency, &s.Amount,
		&direction, &stype, &bstatus, &s.IsOld, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Direction = Direction(direction)
	s.SettlementType = SettlementType(stype)
	s.BusinessStatus = BusinessStatus(bstatus)
	return s, nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
