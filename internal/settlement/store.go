package settlement

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/fjordbank/payguard/internal/audit"
)

// Store is the data-access contract for settlements and running totals.
//
// All write-path work happens inside RunInTx: the function receives a Tx
// whose effects become visible atomically on commit, or not at all. The
// read methods serve queries outside the write path and always observe a
// committed (watermark, total) pair.
type Store interface {
	// RunInTx executes fn in one unit of work. If fn returns an error the
	// unit is rolled back and the error returned. Implementations may report
	// retryable serialization conflicts; callers distinguish them with
	// IsRetryable.
	RunInTx(ctx context.Context, fn func(Tx) error) error

	// LatestSettlement returns the highest-version row for businessID,
	// ties broken by ref_id. pts and entity narrow the lookup when
	// non-empty. ErrNotFound if no row exists.
	LatestSettlement(ctx context.Context, businessID, pts, entity string) (*Settlement, error)

	// ListVersions returns every persisted version for businessID, newest
	// first.
	ListVersions(ctx context.Context, businessID string, limit int) ([]*Settlement, error)

	// GetRunningTotal returns the running total for a group, or
	// ErrGroupNotFound.
	GetRunningTotal(ctx context.Context, g GroupKey) (*RunningTotal, error)

	// ListGroups enumerates running-total groups inside the scope.
	ListGroups(ctx context.Context, sc GroupScope) ([]GroupKey, error)

	// MaxRefID returns the highest assigned ref_id, or 0 when empty.
	MaxRefID(ctx context.Context) (int64, error)
}

// Tx is the set of operations available inside one ingestion or
// recalculation transaction.
type Tx interface {
	// InsertSettlement persists s and assigns the next ref_id. On a
	// duplicate (business_id, pts, processing_entity, version) nothing is
	// written and the existing row's ref_id is returned with duplicate set.
	InsertSettlement(ctx context.Context, s *Settlement) (refID int64, duplicate bool, err error)

	// MarkOldVersions flips is_old on every row of the key whose version is
	// below the current maximum. Idempotent.
	MarkOldVersions(ctx context.Context, businessID, pts, entity string) error

	// PreviousCounterparty returns the counterparty of the row with the
	// greatest ref_id strictly below beforeRef for the key. ok is false when
	// no earlier row exists.
	PreviousCounterparty(ctx context.Context, businessID, pts, entity string, beforeRef int64) (cp string, ok bool, err error)

	// ScanLatestEligible returns, for the group, one contribution per
	// business_id: the max-version row among all rows of that
	// (business_id, pts, entity) with ref_id <= atRef, kept only if that row
	// matches the scanned counterparty and value date and passes the
	// eligibility filter. Version ties break on greater ref_id. The scan
	// never consults is_old.
	ScanLatestEligible(ctx context.Context, g GroupKey, atRef int64, elig Eligibility) ([]Contribution, error)

	// UpsertRunningTotal writes the group total, guarded by the watermark:
	// an existing row is updated only when its stored watermark is <= refID.
	UpsertRunningTotal(ctx context.Context, g GroupKey, totalUSD decimal.Decimal, count int, refID int64) error

	// AppendActivity records an audit entry atomically with the transaction.
	AppendActivity(ctx context.Context, e *audit.Entry) error
}
