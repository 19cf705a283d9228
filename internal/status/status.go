// Package status derives a settlement's release status at read time. The
// status is never stored: it is a pure function of the latest settlement
// version, its group's running total, the applicable limit, and the approval
// record for that exact version. Limit or rule changes therefore surface on
// the next read without any mass update.
package status

import (
	"github.com/shopspring/decimal"

	"github.com/fjordbank/payguard/internal/settlement"
)

// Status is the derived release status of a settlement version.
type Status string

const (
	Created          Status = "CREATED"
	Blocked          Status = "BLOCKED"
	PendingAuthorise Status = "PENDING_AUTHORISE"
	Authorised       Status = "AUTHORISED"
)

// ApprovalInfo is the approval-side input: whether a release was requested
// and whether it was authorised for the (business_id, version) under
// derivation.
type ApprovalInfo struct {
	Requested  bool
	Authorized bool
}

// Derive computes the status. RECEIVE and CANCELLED settlements are never
// gated; an approval in flight wins over the limit comparison so that a
// group dropping back under its limit does not silently cancel a pending
// release.
func Derive(dir settlement.Direction, bs settlement.BusinessStatus,
	groupTotalUSD, limitUSD decimal.Decimal, appr ApprovalInfo) Status {

	if dir == settlement.DirectionReceive || bs == settlement.StatusCancelled {
		return Created
	}
	if appr.Authorized {
		return Authorised
	}
	if appr.Requested {
		return PendingAuthorise
	}
	if groupTotalUSD.GreaterThan(limitUSD) {
		return Blocked
	}
	return Created
}
