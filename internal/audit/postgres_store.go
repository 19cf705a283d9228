package audit

import (
	"context"
	"database/sql"
)

// PostgresStore persists activity entries in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed activity log.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, e *Entry) error {
	return insertEntry(ctx, p.db, e)
}

// Querier is satisfied by *sql.DB and *sql.Tx so that the ingestion
// transaction can append entries atomically with its other writes.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// InsertEntry writes one activity row through q, which may be a transaction.
func InsertEntry(ctx context.Context, q Querier, e *Entry) error {
	return insertEntry(ctx, q, e)
}

func insertEntry(ctx context.Context, q Querier, e *Entry) error {
	return q.QueryRowContext(ctx, `
		INSERT INTO activities (user_id, action, business_id, version, comment, group_context)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		e.UserID, string(e.Action), e.BusinessID, e.Version, e.Comment, e.GroupContext,
	).Scan(&e.ID, &e.CreatedAt)
}

const entryColumns = `id, user_id, action, business_id, version, comment, group_context, created_at`

func (p *PostgresStore) ListByBusinessID(ctx context.Context, businessID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM activities
		WHERE business_id = $1
		ORDER BY id DESC
		LIMIT $2`, businessID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEntries(rows)
}

func (p *PostgresStore) ListRecent(ctx context.Context, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM activities
		ORDER BY id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var out []*Entry
	for rows.Next() {
		e := &Entry{}
		var action string
		if err := rows.Scan(&e.ID, &e.UserID, &action, &e.BusinessID, &e.Version,
			&e.Comment, &e.GroupContext, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Action = Action(action)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
