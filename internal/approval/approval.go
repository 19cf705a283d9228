// Package approval implements the two-person release workflow for blocked
// settlements. An approval record is keyed to one exact (business_id,
// version); a newer version never inherits it, so every re-statement of a
// settlement restarts the workflow from scratch.
package approval

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnknownSettlement means no version of the business id exists.
	ErrUnknownSettlement = errors.New("settlement not found")
	// ErrNotEligible means the latest version fails the hard gates
	// (must be VERIFIED and PAY).
	ErrNotEligible = errors.New("settlement not eligible for release")
	// ErrNotBlocked means the latest version's derived status is not BLOCKED.
	ErrNotBlocked = errors.New("settlement is not blocked")
	// ErrAlreadyRequested means a release request already exists for the
	// latest version.
	ErrAlreadyRequested = errors.New("release already requested")
	// ErrNoRequest means no release request exists for the latest version.
	ErrNoRequest = errors.New("no release request for latest version")
	// ErrAlreadyAuthorized means the request was already authorised.
	ErrAlreadyAuthorized = errors.New("release already authorised")
	// ErrSelfApproval means the authorising user also made the request.
	ErrSelfApproval = errors.New("requester cannot authorise own request")
	// ErrGroupMismatch means a bulk call mixed settlements from more than
	// one exposure group.
	ErrGroupMismatch = errors.New("settlements span more than one group")
)

// ItemError ties a workflow error to the settlement that caused it, so bulk
// callers learn which member sank the batch.
type ItemError struct {
	BusinessID string
	Err        error
}

func (e *ItemError) Error() string {
	return e.BusinessID + ": " + e.Err.Error()
}

func (e *ItemError) Unwrap() error { return e.Err }

// Approval is one release request, authorised or not.
type Approval struct {
	ID               int64      `json:"id"`
	BusinessID       string     `json:"businessId"`
	Version          int64      `json:"version"`
	RequestedBy      string     `json:"requestedBy"`
	RequestedAt      time.Time  `json:"requestedAt"`
	RequestComment   string     `json:"requestComment"`
	AuthorizedBy     string     `json:"authorizedBy,omitempty"`
	AuthorizedAt     *time.Time `json:"authorizedAt,omitempty"`
	AuthorizeComment string     `json:"authorizeComment,omitempty"`
}

// Authorized reports whether the request has been authorised.
func (a *Approval) Authorized() bool {
	return a.AuthorizedBy != ""
}

// Ref identifies one approval record.
type Ref struct {
	BusinessID string
	Version    int64
}

// Store persists approval records.
type Store interface {
	// Create inserts a new request. ErrAlreadyRequested if a record already
	// exists for (businessID, version).
	Create(ctx context.Context, a *Approval) error

	// CreateAll inserts every request or none. A duplicate fails the whole
	// batch with an ItemError wrapping ErrAlreadyRequested.
	CreateAll(ctx context.Context, as []*Approval) error

	// Get returns the record for (businessID, version), or ErrNoRequest.
	Get(ctx context.Context, businessID string, version int64) (*Approval, error)

	// Authorize stamps the record with the authorising user. It must reject
	// with ErrAlreadyAuthorized when already stamped and ErrSelfApproval when
	// userID made the request; both checks happen atomically with the stamp.
	Authorize(ctx context.Context, businessID string, version int64, userID, comment string) (*Approval, error)

	// AuthorizeAll stamps every record or none, under the same guards as
	// Authorize. A failing member sinks the batch with an ItemError.
	AuthorizeAll(ctx context.Context, refs []Ref, userID, comment string) ([]*Approval, error)
}
