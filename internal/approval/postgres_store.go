package approval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore is a Store backed by the approvals table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed approval store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, a *Approval) error {
	return createIn(ctx, p.db, a)
}

func (p *PostgresStore) CreateAll(ctx context.Context, as []*Approval) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin bulk create: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, a := range as {
		if err := createIn(ctx, tx, a); err != nil {
			if errors.Is(err, ErrAlreadyRequested) {
				return &ItemError{BusinessID: a.BusinessID, Err: err}
			}
			return err
		}
	}
	return tx.Commit()
}

type execer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func createIn(ctx context.Context, q execer, a *Approval) error {
	err := q.QueryRowContext(ctx, `
		INSERT INTO approvals (business_id, version, requested_by, request_comment)
		VALUES ($1, $2, $3, $4)
		RETURNING id, requested_at`,
		a.BusinessID, a.Version, a.RequestedBy, a.RequestComment,
	).Scan(&a.ID, &a.RequestedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrAlreadyRequested
		}
		return fmt.Errorf("create approval: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, businessID string, version int64) (*Approval, error) {
	return getIn(ctx, p.db, businessID, version)
}

func getIn(ctx context.Context, q execer, businessID string, version int64) (*Approval, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, business_id, version, requested_by, requested_at, request_comment,
		       authorized_by, authorized_at, authorize_comment
		FROM approvals
		WHERE business_id = $1 AND version = $2`,
		businessID, version)
	return scanApproval(row)
}

// Authorize stamps the record in one guarded UPDATE. When zero rows match,
// a re-read distinguishes missing request, double authorisation, and
// self-approval.
func (p *PostgresStore) Authorize(ctx context.Context, businessID string, version int64, userID, comment string) (*Approval, error) {
	return authorizeIn(ctx, p.db, businessID, version, userID, comment)
}

func (p *PostgresStore) AuthorizeAll(ctx context.Context, refs []Ref, userID, comment string) ([]*Approval, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin bulk authorize: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	out := make([]*Approval, 0, len(refs))
	for _, r := range refs {
		a, err := authorizeIn(ctx, tx, r.BusinessID, r.Version, userID, comment)
		if err != nil {
			return nil, &ItemError{BusinessID: r.BusinessID, Err: err}
		}
		out = append(out, a)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit bulk authorize: %w", err)
	}
	return out, nil
}

func authorizeIn(ctx context.Context, q execer, businessID string, version int64, userID, comment string) (*Approval, error) {
	row := q.QueryRowContext(ctx, `
		UPDATE approvals
		SET authorized_by = $3, authorized_at = now(), authorize_comment = $4
		WHERE business_id = $1 AND version = $2
		  AND authorized_by IS NULL
		  AND requested_by <> $3
		RETURNING id, business_id, version, requested_by, requested_at, request_comment,
		          authorized_by, authorized_at, authorize_comment`,
		businessID, version, userID, comment)

	a, err := scanApproval(row)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, ErrNoRequest) {
		return nil, err
	}

	existing, getErr := getIn(ctx, q, businessID, version)
	if getErr != nil {
		return nil, getErr
	}
	if existing.Authorized() {
		return nil, ErrAlreadyAuthorized
	}
	if existing.RequestedBy == userID {
		return nil, ErrSelfApproval
	}
	return nil, fmt.Errorf("authorize approval: update matched no row")
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanApproval(row scanner) (*Approval, error) {
	var a Approval
	var authBy, authComment sql.NullString
	var authAt sql.NullTime
	err := row.Scan(&a.ID, &a.BusinessID, &a.Version, &a.RequestedBy, &a.RequestedAt,
		&a.RequestComment, &authBy, &authAt, &authComment)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRequest
	}
	if err != nil {
		return nil, fmt.Errorf("scan approval: %w", err)
	}
	if authBy.Valid {
		a.AuthorizedBy = authBy.String
	}
	if authAt.Valid {
		t := authAt.Time.UTC()
		a.AuthorizedAt = &t
	}
	if authComment.Valid {
		a.AuthorizeComment = authComment.String
	}
	return &a, nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
