package approval

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/fjordbank/payguard/internal/audit"
	"github.com/fjordbank/payguard/internal/logging"
	"github.com/fjordbank/payguard/internal/metrics"
	"github.com/fjordbank/payguard/internal/refdata"
	"github.com/fjordbank/payguard/internal/settlement"
	"github.com/fjordbank/payguard/internal/status"
)

// Notifier is told when a release is authorised. Implementations must not
// block the caller.
type Notifier interface {
	ReleaseAuthorized(ctx context.Context, businessID string, version int64, authorizedBy string)
}

// Service enforces the release workflow against the latest settlement
// version. Every attempt, accepted or rejected, lands in the activity log.
type Service struct {
	settlements settlement.Store
	approvals   Store
	activity    audit.Store
	limits      *refdata.LimitBook
	notifier    Notifier
}

// NewService wires the approval workflow.
func NewService(settlements settlement.Store, approvals Store, activity audit.Store, limits *refdata.LimitBook) *Service {
	return &Service{
		settlements: settlements,
		approvals:   approvals,
		activity:    activity,
		limits:      limits,
	}
}

// WithNotifier adds an authorisation notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// RequestRelease records a release request by userID against the latest
// version of businessID. The settlement must be VERIFIED, PAY, and currently
// BLOCKED.
func (s *Service) RequestRelease(ctx context.Context, businessID, userID, comment string) (*Approval, error) {
	latest, err := s.settlements.LatestSettlement(ctx, businessID, "", "")
	if err != nil {
		if errors.Is(err, settlement.ErrNotFound) {
			return nil, s.reject(ctx, audit.ActionRequestRelease, businessID, 0, userID, ErrUnknownSettlement)
		}
		return nil, fmt.Errorf("load settlement: %w", err)
	}

	if err := s.checkRequestable(ctx, latest); err != nil {
		return nil, s.reject(ctx, audit.ActionRequestRelease, businessID, latest.Version, userID, err)
	}

	a := &Approval{BusinessID: businessID, Version: latest.Version, RequestedBy: userID, RequestComment: comment}
	if err := s.approvals.Create(ctx, a); err != nil {
		if errors.Is(err, ErrAlreadyRequested) {
			return nil, s.reject(ctx, audit.ActionRequestRelease, businessID, latest.Version, userID, err)
		}
		return nil, err
	}

	s.recordRequested(ctx, latest, userID, comment)
	logging.L(ctx).Info("release requested",
		"business_id", businessID, "version", latest.Version, "user_id", userID)
	return a, nil
}

// RequestReleaseAll records one release request per settlement, all within
// one exposure group, all or nothing. The returned error carries the
// business id that sank the batch.
func (s *Service) RequestReleaseAll(ctx context.Context, businessIDs []string, userID, comment string) ([]*Approval, error) {
	latests, err := s.loadSameGroup(ctx, audit.ActionRequestRelease, businessIDs, userID)
	if err != nil {
		return nil, err
	}

	as := make([]*Approval, 0, len(latests))
	for _, latest := range latests {
		if err := s.checkRequestable(ctx, latest); err != nil {
			return nil, s.rejectItem(ctx, audit.ActionRequestRelease, latest.BusinessID, latest.Version, userID, err)
		}
		as = append(as, &Approval{
			BusinessID:     latest.BusinessID,
			Version:        latest.Version,
			RequestedBy:    userID,
			RequestComment: comment,
		})
	}

	if err := s.approvals.CreateAll(ctx, as); err != nil {
		var ie *ItemError
		if errors.As(err, &ie) {
			return nil, s.rejectItem(ctx, audit.ActionRequestRelease, ie.BusinessID, 0, userID, err)
		}
		return nil, err
	}

	for _, latest := range latests {
		s.recordRequested(ctx, latest, userID, comment)
	}
	logging.L(ctx).Info("bulk release requested",
		"count", len(as), "group", latests[0].Group().String(), "user_id", userID)
	return as, nil
}

// checkRequestable applies the REQUEST_RELEASE gates to the latest version.
func (s *Service) checkRequestable(ctx context.Context, latest *settlement.Settlement) error {
	if latest.BusinessStatus != settlement.StatusVerified || latest.Direction != settlement.DirectionPay {
		return ErrNotEligible
	}
	st, err := s.deriveStatus(ctx, latest)
	if err != nil {
		return err
	}
	if st != status.Blocked {
		return ErrNotBlocked
	}
	return nil
}

func (s *Service) recordRequested(ctx context.Context, latest *settlement.Settlement, userID, comment string) {
	s.record(ctx, &audit.Entry{
		UserID:       userID,
		Action:       audit.ActionRequestRelease,
		BusinessID:   latest.BusinessID,
		Version:      latest.Version,
		Comment:      comment,
		GroupContext: latest.Group().String(),
	})
	metrics.ApprovalActionsTotal.WithLabelValues("request", "ok").Inc()
}

// Authorize stamps the pending request on the latest version. The acting
// user must differ from the requester.
func (s *Service) Authorize(ctx context.Context, businessID, userID, comment string) (*Approval, error) {
	latest, err := s.settlements.LatestSettlement(ctx, businessID, "", "")
	if err != nil {
		if errors.Is(err, settlement.ErrNotFound) {
			return nil, s.reject(ctx, audit.ActionAuthorise, businessID, 0, userID, ErrUnknownSettlement)
		}
		return nil, fmt.Errorf("load settlement: %w", err)
	}

	a, err := s.approvals.Authorize(ctx, businessID, latest.Version, userID, comment)
	if err != nil {
		switch {
		case errors.Is(err, ErrNoRequest),
			errors.Is(err, ErrAlreadyAuthorized),
			errors.Is(err, ErrSelfApproval):
			return nil, s.reject(ctx, audit.ActionAuthorise, businessID, latest.Version, userID, err)
		}
		return nil, err
	}

	s.recordAuthorized(ctx, latest, userID, comment)
	logging.L(ctx).Info("release authorised",
		"business_id", businessID, "version", latest.Version, "user_id", userID)
	return a, nil
}

// AuthorizeAll stamps the pending requests of settlements sharing one
// exposure group, all or nothing.
func (s *Service) AuthorizeAll(ctx context.Context, businessIDs []string, userID, comment string) ([]*Approval, error) {
	latests, err := s.loadSameGroup(ctx, audit.ActionAuthorise, businessIDs, userID)
	if err != nil {
		return nil, err
	}

	refs := make([]Ref, 0, len(latests))
	for _, latest := range latests {
		refs = append(refs, Ref{BusinessID: latest.BusinessID, Version: latest.Version})
	}

	as, err := s.approvals.AuthorizeAll(ctx, refs, userID, comment)
	if err != nil {
		var ie *ItemError
		if errors.As(err, &ie) {
			return nil, s.rejectItem(ctx, audit.ActionAuthorise, ie.BusinessID, 0, userID, err)
		}
		return nil, err
	}

	for _, latest := range latests {
		s.recordAuthorized(ctx, latest, userID, comment)
	}
	logging.L(ctx).Info("bulk release authorised",
		"count", len(as), "group", latests[0].Group().String(), "user_id", userID)
	return as, nil
}

func (s *Service) recordAuthorized(ctx context.Context, latest *settlement.Settlement, userID, comment string) {
	s.record(ctx, &audit.Entry{
		UserID:       userID,
		Action:       audit.ActionAuthorise,
		BusinessID:   latest.BusinessID,
		Version:      latest.Version,
		Comment:      comment,
		GroupContext: latest.Group().String(),
	})
	metrics.ApprovalActionsTotal.WithLabelValues("authorise", "ok").Inc()

	if s.notifier != nil {
		s.notifier.ReleaseAuthorized(ctx, latest.BusinessID, latest.Version, userID)
	}
}

// loadSameGroup resolves the latest version of every business id and
// requires that all of them belong to one exposure group.
func (s *Service) loadSameGroup(ctx context.Context, action audit.Action, businessIDs []string, userID string) ([]*settlement.Settlement, error) {
	latests := make([]*settlement.Settlement, 0, len(businessIDs))
	for _, id := range businessIDs {
		latest, err := s.settlements.LatestSettlement(ctx, id, "", "")
		if err != nil {
			if errors.Is(err, settlement.ErrNotFound) {
				return nil, s.rejectItem(ctx, action, id, 0, userID, ErrUnknownSettlement)
			}
			return nil, fmt.Errorf("load settlement: %w", err)
		}
		latests = append(latests, latest)
	}

	group := latests[0].Group()
	for _, latest := range latests[1:] {
		if latest.Group() != group {
			return nil, s.rejectItem(ctx, action, latest.BusinessID, latest.Version, userID, ErrGroupMismatch)
		}
	}
	return latests, nil
}

// Status derives the release status of a settlement's latest version.
func (s *Service) Status(ctx context.Context, latest *settlement.Settlement) (status.Status, error) {
	return s.deriveStatus(ctx, latest)
}

func (s *Service) deriveStatus(ctx context.Context, latest *settlement.Settlement) (status.Status, error) {
	total := decimal.Zero
	rt, err := s.settlements.GetRunningTotal(ctx, latest.Group())
	if err != nil && !errors.Is(err, settlement.ErrGroupNotFound) {
		return "", fmt.Errorf("load running total: %w", err)
	}
	if err == nil {
		total = rt.TotalUSD
	}

	info := status.ApprovalInfo{}
	a, err := s.approvals.Get(ctx, latest.BusinessID, latest.Version)
	if err != nil && !errors.Is(err, ErrNoRequest) {
		return "", fmt.Errorf("load approval: %w", err)
	}
	if err == nil {
		info.Requested = true
		info.Authorized = a.Authorized()
	}

	limit := s.limits.Limit(latest.CounterpartyID)
	return status.Derive(latest.Direction, latest.BusinessStatus, total, limit, info), nil
}

// reject logs and counts a refused attempt, then returns the reason.
func (s *Service) reject(ctx context.Context, action audit.Action, businessID string, version int64, userID string, reason error) error {
	s.record(ctx, &audit.Entry{
		UserID:     userID,
		Action:     action,
		BusinessID: businessID,
		Version:    version,
		Comment:    "rejected: " + reason.Error(),
	})
	label := "request"
	if action == audit.ActionAuthorise {
		label = "authorise"
	}
	metrics.ApprovalActionsTotal.WithLabelValues(label, "rejected").Inc()

	logging.L(ctx).Warn("approval action rejected",
		"action", string(action), "business_id", businessID, "user_id", userID, "reason", reason)
	return reason
}

// rejectItem logs a refused bulk attempt against the offending member and
// returns the reason tied to its business id.
func (s *Service) rejectItem(ctx context.Context, action audit.Action, businessID string, version int64, userID string, reason error) error {
	var ie *ItemError
	if errors.As(reason, &ie) {
		_ = s.reject(ctx, action, ie.BusinessID, version, userID, ie.Err)
		return reason
	}
	_ = s.reject(ctx, action, businessID, version, userID, reason)
	return &ItemError{BusinessID: businessID, Err: reason}
}

func (s *Service) record(ctx context.Context, e *audit.Entry) {
	if err := s.activity.Append(ctx, e); err != nil {
		logging.L(ctx).Error("activity append failed", "action", string(e.Action), "error", err)
	}
}
