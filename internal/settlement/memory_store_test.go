package settlement

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/fjordbank/payguard/internal/audit"
)

func testSettlement(businessID string, version int64, counterparty string) *Settlement {
	return &Settlement{
		BusinessID:       businessID,
		Version:          version,
		PTS:              "MTS",
		ProcessingEntity: "FRANKFURT",
		CounterpartyID:   counterparty,
		ValueDate:        "2026-09-01",
		Currency:         "USD",
		Amount:           decimal.RequireFromString("100.00"),
		Direction:        DirectionPay,
		SettlementType:   TypeGross,
		BusinessStatus:   StatusPending,
	}
}

func allowAll() Eligibility {
	return Eligibility{
		Directions: map[Direction]bool{DirectionPay: true},
		Statuses: map[BusinessStatus]bool{
			StatusPending:  true,
			StatusInvalid:  true,
			StatusVerified: true,
		},
	}
}

func insert(t *testing.T, store *MemoryStore, s *Settlement) (int64, bool) {
	t.Helper()
	var refID int64
	var dup bool
	err := store.RunInTx(context.Background(), func(tx Tx) error {
		var err error
		refID, dup, err = tx.InsertSettlement(context.Background(), s)
		return err
	})
	if err != nil {
		t.Fatalf("insert %s v%d: %v", s.BusinessID, s.Version, err)
	}
	return refID, dup
}

func TestMemoryStore_InsertAssignsSequentialRefIDs(t *testing.T) {
	store := NewMemoryStore(audit.NewMemoryStore())

	r1, dup := insert(t, store, testSettlement("S-001", 1, "CP-A"))
	if dup {
		t.Fatal("first insert reported duplicate")
	}
	r2, _ := insert(t, store, testSettlement("S-002", 1, "CP-A"))
	r3, _ := insert(t, store, testSettlement("S-001", 2, "CP-A"))

	if !(r1 < r2 && r2 < r3) {
		t.Fatalf("ref ids not increasing: %d, %d, %d", r1, r2, r3)
	}

	maxRef, err := store.MaxRefID(context.Background())
	if err != nil {
		t.Fatalf("MaxRefID: %v", err)
	}
	if maxRef != r3 {
		t.Fatalf("MaxRefID = %d, want %d", maxRef, r3)
	}
}

func TestMemoryStore_DuplicateInsertIsIdempotent(t *testing.T) {
	store := NewMemoryStore(audit.NewMemoryStore())

	r1, _ := insert(t, store, testSettlement("S-001", 1, "CP-A"))
	r2, dup := insert(t, store, testSettlement("S-001", 1, "CP-A"))

	if !dup {
		t.Fatal("replay not reported as duplicate")
	}
	if r2 != r1 {
		t.Fatalf("replay ref id = %d, want original %d", r2, r1)
	}

	rows, err := store.ListVersions(context.Background(), "S-001", 0)
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows after replay, want 1", len(rows))
	}
}

func TestMemoryStore_MarkOldVersions(t *testing.T) {
	store := NewMemoryStore(audit.NewMemoryStore())
	ctx := context.Background()

	insert(t, store, testSettlement("S-001", 1, "CP-A"))
	insert(t, store, testSettlement("S-001", 2, "CP-A"))
	insert(t, store, testSettlement("S-001", 3, "CP-A"))
	insert(t, store, testSettlement("S-002", 1, "CP-A"))

	err := store.RunInTx(ctx, func(tx Tx) error {
		return tx.MarkOldVersions(ctx, "S-001", "MTS", "FRANKFURT")
	})
	if err != nil {
		t.Fatalf("MarkOldVersions: %v", err)
	}

	rows, _ := store.ListVersions(ctx, "S-001", 0)
	for _, r := range rows {
		wantOld := r.Version < 3
		if r.IsOld != wantOld {
			t.Errorf("version %d: is_old = %v, want %v", r.Version, r.IsOld, wantOld)
		}
	}

	other, _ := store.LatestSettlement(ctx, "S-002", "", "")
	if other.IsOld {
		t.Error("unrelated settlement was marked old")
	}
}

func TestMemoryStore_ScanLatestEligible_LatestVersionWins(t *testing.T) {
	store := NewMemoryStore(audit.NewMemoryStore())
	ctx := context.Background()

	s1 := testSettlement("S-001", 1, "CP-A")
	s1.Amount = decimal.RequireFromString("100.00")
	insert(t, store, s1)

	s2 := testSettlement("S-001", 2, "CP-A")
	s2.Amount = decimal.RequireFromString("250.00")
	insert(t, store, s2)

	g := s2.Group()
	var rows []Contribution
	err := store.RunInTx(ctx, func(tx Tx) error {
		var err error
		rows, err = tx.ScanLatestEligible(ctx, g, 100, allowAll())
		return err
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d contributions, want 1", len(rows))
	}
	if !rows[0].Amount.Equal(decimal.RequireFromString("250.00")) {
		t.Fatalf("contribution amount = %s, want 250.00 from latest version", rows[0].Amount)
	}
}

func TestMemoryStore_ScanLatestEligible_MigratedRowLeavesOldGroup(t *testing.T) {
	store := NewMemoryStore(audit.NewMemoryStore())
	ctx := context.Background()

	insert(t, store, testSettlement("S-001", 1, "CP-A"))
	insert(t, store, testSettlement("S-001", 2, "CP-B"))

	oldGroup := GroupKey{PTS: "MTS", ProcessingEntity: "FRANKFURT", CounterpartyID: "CP-A", ValueDate: "2026-09-01"}
	newGroup := GroupKey{PTS: "MTS", ProcessingEntity: "FRANKFURT", CounterpartyID: "CP-B", ValueDate: "2026-09-01"}

	var oldRows, newRows []Contribution
	err := store.RunInTx(ctx, func(tx Tx) error {
		var err error
		if oldRows, err = tx.ScanLatestEligible(ctx, oldGroup, 100, allowAll()); err != nil {
			return err
		}
		newRows, err = tx.ScanLatestEligible(ctx, newGroup, 100, allowAll())
		return err
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}

	// The latest version sits with CP-B, so the business id must have
	// dropped out of the CP-A group entirely.
	if len(oldRows) != 0 {
		t.Fatalf("abandoned group still has %d contributions", len(oldRows))
	}
	if len(newRows) != 1 {
		t.Fatalf("new group has %d contributions, want 1", len(newRows))
	}
}

func TestMemoryStore_ScanLatestEligible_FiltersByRules(t *testing.T) {
	store := NewMemoryStore(audit.NewMemoryStore())
	ctx := context.Background()

	pay := testSettlement("S-PAY", 1, "CP-A")
	insert(t, store, pay)

	recv := testSettlement("S-RECV", 1, "CP-A")
	recv.Direction = DirectionReceive
	insert(t, store, recv)

	cancelled := testSettlement("S-CANC", 1, "CP-A")
	cancelled.BusinessStatus = StatusCancelled
	insert(t, store, cancelled)

	elig := Eligibility{
		Directions: map[Direction]bool{DirectionPay: true},
		Statuses: map[BusinessStatus]bool{
			StatusPending:  true,
			StatusInvalid:  true,
			StatusVerified: true,
		},
	}

	var rows []Contribution
	err := store.RunInTx(ctx, func(tx Tx) error {
		var err error
		rows, err = tx.ScanLatestEligible(ctx, pay.Group(), 100, elig)
		return err
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(rows) != 1 || rows[0].BusinessID != "S-PAY" {
		t.Fatalf("got %+v, want only S-PAY", rows)
	}
}

func TestMemoryStore_ScanLatestEligible_RespectsWatermark(t *testing.T) {
	store := NewMemoryStore(audit.NewMemoryStore())
	ctx := context.Background()

	r1, _ := insert(t, store, testSettlement("S-001", 1, "CP-A"))
	insert(t, store, testSettlement("S-002", 1, "CP-A"))

	g := GroupKey{PTS: "MTS", ProcessingEntity: "FRANKFURT", CounterpartyID: "CP-A", ValueDate: "2026-09-01"}
	var rows []Contribution
	err := store.RunInTx(ctx, func(tx Tx) error {
		var err error
		rows, err = tx.ScanLatestEligible(ctx, g, r1, allowAll())
		return err
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(rows) != 1 || rows[0].BusinessID != "S-001" {
		t.Fatalf("scan at ref %d returned %+v, want only S-001", r1, rows)
	}
}

func TestMemoryStore_UpsertRunningTotal_WatermarkGuard(t *testing.T) {
	store := NewMemoryStore(audit.NewMemoryStore())
	ctx := context.Background()

	g := GroupKey{PTS: "MTS", ProcessingEntity: "FRANKFURT", CounterpartyID: "CP-A", ValueDate: "2026-09-01"}

	err := store.RunInTx(ctx, func(tx Tx) error {
		if err := tx.UpsertRunningTotal(ctx, g, decimal.RequireFromString("500.00"), 2, 10); err != nil {
			return err
		}
		// A stale writer at watermark 5 must not clobber watermark 10.
		return tx.UpsertRunningTotal(ctx, g, decimal.RequireFromString("100.00"), 1, 5)
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	rt, err := store.GetRunningTotal(ctx, g)
	if err != nil {
		t.Fatalf("GetRunningTotal: %v", err)
	}
	if !rt.TotalUSD.Equal(decimal.RequireFromString("500.00")) {
		t.Fatalf("total = %s, want 500.00", rt.TotalUSD)
	}
	if rt.RefIDWatermark != 10 {
		t.Fatalf("watermark = %d, want 10", rt.RefIDWatermark)
	}

	// Equal watermark overwrites: re-running the same transaction body must
	// be able to repeat its own upsert.
	err = store.RunInTx(ctx, func(tx Tx) error {
		return tx.UpsertRunningTotal(ctx, g, decimal.RequireFromString("600.00"), 3, 10)
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	rt, _ = store.GetRunningTotal(ctx, g)
	if !rt.TotalUSD.Equal(decimal.RequireFromString("600.00")) {
		t.Fatalf("total after equal-watermark upsert = %s, want 600.00", rt.TotalUSD)
	}
}

func TestMemoryStore_RunInTx_RollbackRestoresState(t *testing.T) {
	sink := audit.NewMemoryStore()
	store := NewMemoryStore(sink)
	ctx := context.Background()

	insert(t, store, testSettlement("S-001", 1, "CP-A"))

	boom := errors.New("boom")
	err := store.RunInTx(ctx, func(tx Tx) error {
		if _, _, err := tx.InsertSettlement(ctx, testSettlement("S-002", 1, "CP-A")); err != nil {
			return err
		}
		if err := tx.AppendActivity(ctx, &audit.Entry{UserID: "system", Action: audit.ActionCreate, BusinessID: "S-002"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("RunInTx err = %v, want boom", err)
	}

	if _, err := store.LatestSettlement(ctx, "S-002", "", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rolled-back settlement still visible, err = %v", err)
	}

	entries, _ := sink.ListRecent(ctx, 10)
	if len(entries) != 0 {
		t.Fatalf("rolled-back tx flushed %d activity entries", len(entries))
	}

	// ref_id sequence must also rewind so the next insert reuses the slot.
	maxRef, _ := store.MaxRefID(ctx)
	if maxRef != 1 {
		t.Fatalf("MaxRefID after rollback = %d, want 1", maxRef)
	}
}

func TestMemoryStore_RunInTx_CommitFlushesActivity(t *testing.T) {
	sink := audit.NewMemoryStore()
	store := NewMemoryStore(sink)
	ctx := context.Background()

	err := store.RunInTx(ctx, func(tx Tx) error {
		if _, _, err := tx.InsertSettlement(ctx, testSettlement("S-001", 1, "CP-A")); err != nil {
			return err
		}
		return tx.AppendActivity(ctx, &audit.Entry{UserID: "system", Action: audit.ActionCreate, BusinessID: "S-001", Version: 1})
	})
	if err != nil {
		t.Fatalf("RunInTx: %v", err)
	}

	entries, _ := sink.ListByBusinessID(ctx, "S-001", 10)
	if len(entries) != 1 {
		t.Fatalf("got %d activity entries, want 1", len(entries))
	}
	if entries[0].Action != audit.ActionCreate {
		t.Fatalf("action = %s, want CREATE", entries[0].Action)
	}
}

func TestMemoryStore_LatestSettlement_PartitionFilter(t *testing.T) {
	store := NewMemoryStore(audit.NewMemoryStore())
	ctx := context.Background()

	a := testSettlement("S-001", 1, "CP-A")
	insert(t, store, a)

	b := testSettlement("S-001", 5, "CP-A")
	b.PTS = "OTC"
	insert(t, store, b)

	// Unfiltered lookup returns the highest version across partitions.
	latest, err := store.LatestSettlement(ctx, "S-001", "", "")
	if err != nil {
		t.Fatalf("LatestSettlement: %v", err)
	}
	if latest.Version != 5 {
		t.Fatalf("latest version = %d, want 5", latest.Version)
	}

	// Partition-scoped lookup only sees its own rows.
	latest, err = store.LatestSettlement(ctx, "S-001", "MTS", "FRANKFURT")
	if err != nil {
		t.Fatalf("LatestSettlement scoped: %v", err)
	}
	if latest.Version != 1 {
		t.Fatalf("scoped latest version = %d, want 1", latest.Version)
	}

	if _, err := store.LatestSettlement(ctx, "S-404", "", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing settlement err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_ListGroups_ScopeMatching(t *testing.T) {
	store := NewMemoryStore(audit.NewMemoryStore())
	ctx := context.Background()

	groups := []GroupKey{
		{PTS: "MTS", ProcessingEntity: "FRANKFURT", CounterpartyID: "CP-A", ValueDate: "2026-09-01"},
		{PTS: "MTS", ProcessingEntity: "FRANKFURT", CounterpartyID: "CP-B", ValueDate: "2026-09-02"},
		{PTS: "OTC", ProcessingEntity: "LONDON", CounterpartyID: "CP-A", ValueDate: "2026-09-01"},
	}
	err := store.RunInTx(ctx, func(tx Tx) error {
		for i, g := range groups {
			if err := tx.UpsertRunningTotal(ctx, g, decimal.Zero, 0, int64(i+1)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed totals: %v", err)
	}

	got, err := store.ListGroups(ctx, GroupScope{PTS: "MTS", ValueDateFrom: "2026-09-01", ValueDateTo: "2026-09-01"})
	if err != nil {
		t.Fatalf("ListGroups: %v", err)
	}
	if len(got) != 1 || got[0].CounterpartyID != "CP-A" {
		t.Fatalf("got %+v, want only MTS/CP-A", got)
	}

	got, _ = store.ListGroups(ctx, GroupScope{ValueDateFrom: "2026-09-01", ValueDateTo: "2026-09-30"})
	if len(got) != 3 {
		t.Fatalf("unbounded scope matched %d groups, want 3", len(got))
	}
}
