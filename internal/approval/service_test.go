package approval

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/fjordbank/payguard/internal/audit"
	"github.com/fjordbank/payguard/internal/ingest"
	"github.com/fjordbank/payguard/internal/refdata"
	"github.com/fjordbank/payguard/internal/settlement"
	"github.com/fjordbank/payguard/internal/status"
)

// fixture wires a full in-memory workflow: pipeline for ingestion, service
// for approvals, a flat 100 USD limit.
type fixture struct {
	store    *settlement.MemoryStore
	sink     *audit.MemoryStore
	pipeline *ingest.Pipeline
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sink := audit.NewMemoryStore()
	store := settlement.NewMemoryStore(sink)

	rates := refdata.NewRateBook()
	rates.Replace(map[string]decimal.Decimal{"USD": decimal.NewFromInt(1)})
	rules := refdata.NewRuleBook()
	limits := refdata.NewLimitBook(refdata.LimitModeFlat, decimal.RequireFromString("100.00"))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{
		store:    store,
		sink:     sink,
		pipeline: ingest.NewPipeline(store, rates, rules, 3, logger),
		svc:      NewService(store, NewMemoryStore(), sink, limits),
	}
}

func (f *fixture) ingest(t *testing.T, businessID string, version int64, amount string, bs settlement.BusinessStatus) {
	t.Helper()
	f.ingestInto(t, businessID, version, amount, bs, "CP-A")
}

func (f *fixture) ingestInto(t *testing.T, businessID string, version int64, amount string, bs settlement.BusinessStatus, counterparty string) {
	t.Helper()
	s := &settlement.Settlement{
		BusinessID:       businessID,
		Version:          version,
		PTS:              "MTS",
		ProcessingEntity: "FRANKFURT",
		CounterpartyID:   counterparty,
		ValueDate:        "2026-09-01",
		Currency:         "USD",
		Amount:           decimal.RequireFromString(amount),
		Direction:        settlement.DirectionPay,
		SettlementType:   settlement.TypeGross,
		BusinessStatus:   bs,
	}
	if _, err := f.pipeline.Ingest(context.Background(), s); err != nil {
		t.Fatalf("ingest %s v%d: %v", businessID, version, err)
	}
}

func (f *fixture) statusOf(t *testing.T, businessID string) status.Status {
	t.Helper()
	ctx := context.Background()
	latest, err := f.store.LatestSettlement(ctx, businessID, "", "")
	if err != nil {
		t.Fatalf("latest %s: %v", businessID, err)
	}
	st, err := f.svc.Status(ctx, latest)
	if err != nil {
		t.Fatalf("status %s: %v", businessID, err)
	}
	return st
}

func TestRequestRelease_UnknownSettlement(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.RequestRelease(context.Background(), "S-404", "alice", "release")
	if !errors.Is(err, ErrUnknownSettlement) {
		t.Fatalf("err = %v, want ErrUnknownSettlement", err)
	}
}

func TestRequestRelease_RequiresVerifiedPay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.ingest(t, "S-PEND", 1, "500.00", settlement.StatusPending)
	if _, err := f.svc.RequestRelease(ctx, "S-PEND", "alice", "release"); !errors.Is(err, ErrNotEligible) {
		t.Fatalf("PENDING: err = %v, want ErrNotEligible", err)
	}

	// Rejected attempts still land in the activity log.
	entries, _ := f.sink.ListByBusinessID(ctx, "S-PEND", 10)
	var rejected bool
	for _, e := range entries {
		if e.Action == audit.ActionRequestRelease && strings.HasPrefix(e.Comment, "rejected:") {
			rejected = true
		}
	}
	if !rejected {
		t.Fatal("rejected request not recorded in activity log")
	}
}

func TestRequestRelease_RequiresBlocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// 50 USD against a 100 USD limit: not blocked.
	f.ingest(t, "S-001", 1, "50.00", settlement.StatusVerified)
	if got := f.statusOf(t, "S-001"); got != status.Created {
		t.Fatalf("status = %s, want CREATED", got)
	}
	if _, err := f.svc.RequestRelease(ctx, "S-001", "alice", "release"); !errors.Is(err, ErrNotBlocked) {
		t.Fatalf("err = %v, want ErrNotBlocked", err)
	}
}

func TestReleaseWorkflow_HappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.ingest(t, "S-001", 1, "150.00", settlement.StatusVerified)
	if got := f.statusOf(t, "S-001"); got != status.Blocked {
		t.Fatalf("status = %s, want BLOCKED", got)
	}

	a, err := f.svc.RequestRelease(ctx, "S-001", "alice", "release")
	if err != nil {
		t.Fatalf("RequestRelease: %v", err)
	}
	if a.RequestedBy != "alice" || a.Version != 1 {
		t.Fatalf("approval = %+v", a)
	}
	if got := f.statusOf(t, "S-001"); got != status.PendingAuthorise {
		t.Fatalf("status = %s, want PENDING_AUTHORISE", got)
	}

	a, err = f.svc.Authorize(ctx, "S-001", "bob", "checked")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if a.AuthorizedBy != "bob" || a.AuthorizedAt == nil {
		t.Fatalf("approval = %+v", a)
	}
	if got := f.statusOf(t, "S-001"); got != status.Authorised {
		t.Fatalf("status = %s, want AUTHORISED", got)
	}
}

func TestRequestRelease_Twice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.ingest(t, "S-001", 1, "150.00", settlement.StatusVerified)
	if _, err := f.svc.RequestRelease(ctx, "S-001", "alice", "release"); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if _, err := f.svc.RequestRelease(ctx, "S-001", "carol", "release"); !errors.Is(err, ErrAlreadyRequested) {
		t.Fatalf("second request err = %v, want ErrAlreadyRequested", err)
	}
}

func TestAuthorize_Guards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.ingest(t, "S-001", 1, "150.00", settlement.StatusVerified)

	if _, err := f.svc.Authorize(ctx, "S-001", "bob", "checked"); !errors.Is(err, ErrNoRequest) {
		t.Fatalf("authorize without request err = %v, want ErrNoRequest", err)
	}

	if _, err := f.svc.RequestRelease(ctx, "S-001", "alice", "release"); err != nil {
		t.Fatalf("request: %v", err)
	}

	// Separation of duties: the requester cannot stamp their own request.
	if _, err := f.svc.Authorize(ctx, "S-001", "alice", "checked"); !errors.Is(err, ErrSelfApproval) {
		t.Fatalf("self approval err = %v, want ErrSelfApproval", err)
	}

	if _, err := f.svc.Authorize(ctx, "S-001", "bob", "checked"); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if _, err := f.svc.Authorize(ctx, "S-001", "carol", "checked"); !errors.Is(err, ErrAlreadyAuthorized) {
		t.Fatalf("double authorize err = %v, want ErrAlreadyAuthorized", err)
	}
}

func TestNewVersionInvalidatesApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.ingest(t, "S-001", 1, "150.00", settlement.StatusVerified)
	if _, err := f.svc.RequestRelease(ctx, "S-001", "alice", "release"); err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := f.svc.Authorize(ctx, "S-001", "bob", "checked"); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if got := f.statusOf(t, "S-001"); got != status.Authorised {
		t.Fatalf("status = %s, want AUTHORISED", got)
	}

	// A re-statement restarts the workflow: the approval is keyed to v1
	// and never consulted for v2.
	f.ingest(t, "S-001", 2, "150.00", settlement.StatusVerified)
	if got := f.statusOf(t, "S-001"); got != status.Blocked {
		t.Fatalf("status after new version = %s, want BLOCKED", got)
	}
	if _, err := f.svc.Authorize(ctx, "S-001", "bob", "checked"); !errors.Is(err, ErrNoRequest) {
		t.Fatalf("authorize after new version err = %v, want ErrNoRequest", err)
	}
}

func TestBulk_AllOrNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.ingest(t, "S-001", 1, "150.00", settlement.StatusVerified)
	f.ingest(t, "S-002", 1, "150.00", settlement.StatusVerified)

	// One unknown member sinks the whole batch.
	_, err := f.svc.RequestReleaseAll(ctx, []string{"S-001", "S-404", "S-002"}, "alice", "release")
	if !errors.Is(err, ErrUnknownSettlement) {
		t.Fatalf("err = %v, want ErrUnknownSettlement", err)
	}
	var ie *ItemError
	if !errors.As(err, &ie) || ie.BusinessID != "S-404" {
		t.Fatalf("err = %v, want ItemError for S-404", err)
	}

	// Nothing was persisted for the valid members.
	if got := f.statusOf(t, "S-001"); got != status.Blocked {
		t.Fatalf("S-001 status = %s, want BLOCKED after failed batch", got)
	}
	if got := f.statusOf(t, "S-002"); got != status.Blocked {
		t.Fatalf("S-002 status = %s, want BLOCKED after failed batch", got)
	}

	// The clean batch goes through end to end.
	as, err := f.svc.RequestReleaseAll(ctx, []string{"S-001", "S-002"}, "alice", "release")
	if err != nil {
		t.Fatalf("RequestReleaseAll: %v", err)
	}
	if len(as) != 2 {
		t.Fatalf("got %d approvals, want 2", len(as))
	}

	as, err = f.svc.AuthorizeAll(ctx, []string{"S-001", "S-002"}, "bob", "checked")
	if err != nil {
		t.Fatalf("AuthorizeAll: %v", err)
	}
	for _, a := range as {
		if a.AuthorizedBy != "bob" {
			t.Fatalf("approval = %+v", a)
		}
	}
	if got := f.statusOf(t, "S-001"); got != status.Authorised {
		t.Fatalf("S-001 status = %s, want AUTHORISED", got)
	}
}

func TestBulk_RequiresOneGroup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.ingest(t, "S-001", 1, "150.00", settlement.StatusVerified)
	f.ingestInto(t, "S-OTHER", 1, "150.00", settlement.StatusVerified, "CP-B")

	_, err := f.svc.RequestReleaseAll(ctx, []string{"S-001", "S-OTHER"}, "alice", "release")
	if !errors.Is(err, ErrGroupMismatch) {
		t.Fatalf("err = %v, want ErrGroupMismatch", err)
	}

	// The same-group member stayed untouched.
	if got := f.statusOf(t, "S-001"); got != status.Blocked {
		t.Fatalf("S-001 status = %s, want BLOCKED", got)
	}
}

func TestBulk_SelfApprovalSinksBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.ingest(t, "S-001", 1, "150.00", settlement.StatusVerified)
	f.ingest(t, "S-002", 1, "150.00", settlement.StatusVerified)

	if _, err := f.svc.RequestRelease(ctx, "S-001", "alice", "release"); err != nil {
		t.Fatalf("request S-001: %v", err)
	}
	if _, err := f.svc.RequestRelease(ctx, "S-002", "bob", "release"); err != nil {
		t.Fatalf("request S-002: %v", err)
	}

	// bob requested S-002, so bob cannot authorise the batch containing it.
	_, err := f.svc.AuthorizeAll(ctx, []string{"S-001", "S-002"}, "bob", "checked")
	if !errors.Is(err, ErrSelfApproval) {
		t.Fatalf("err = %v, want ErrSelfApproval", err)
	}

	// S-001 was not stamped either.
	if got := f.statusOf(t, "S-001"); got != status.PendingAuthorise {
		t.Fatalf("S-001 status = %s, want PENDING_AUTHORISE", got)
	}
}

// recordingNotifier captures authorisation notifications.
type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *recordingNotifier) ReleaseAuthorized(ctx context.Context, businessID string, version int64, authorizedBy string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, businessID)
}

func TestAuthorize_Notifies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	notifier := &recordingNotifier{}
	f.svc.WithNotifier(notifier)

	f.ingest(t, "S-001", 1, "150.00", settlement.StatusVerified)
	if _, err := f.svc.RequestRelease(ctx, "S-001", "alice", "release"); err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := f.svc.Authorize(ctx, "S-001", "bob", "checked"); err != nil {
		t.Fatalf("authorize: %v", err)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.calls) != 1 || notifier.calls[0] != "S-001" {
		t.Fatalf("notifier calls = %v, want [S-001]", notifier.calls)
	}
}
