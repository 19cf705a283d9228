package audit

import (
	"context"
	"fmt"
	"testing"

	"github.com/fjordbank/payguard/internal/testutil"
)

func TestPostgresStore_AppendAndList(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		e := &Entry{
			UserID:     "system",
			Action:     ActionCreate,
			BusinessID: fmt.Sprintf("S-%03d", i),
			Version:    1,
		}
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if e.ID == 0 || e.CreatedAt.IsZero() {
			t.Fatalf("append left entry unstamped: %+v", e)
		}
	}

	recent, err := store.ListRecent(ctx, 3)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("got %d recent entries, want 3", len(recent))
	}
	if recent[0].BusinessID != "S-005" {
		t.Fatalf("newest first: got %s", recent[0].BusinessID)
	}

	byID, err := store.ListByBusinessID(ctx, "S-002", 10)
	if err != nil {
		t.Fatalf("ListByBusinessID: %v", err)
	}
	if len(byID) != 1 || byID[0].Action != ActionCreate {
		t.Fatalf("entries for S-002 = %+v", byID)
	}
}

func TestPostgresStore_HistoryNewestFirst(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	actions := []Action{ActionCreate, ActionRequestRelease, ActionAuthorise}
	for _, a := range actions {
		e := &Entry{UserID: "alice", Action: a, BusinessID: "S-001", Version: 1,
			GroupContext: "MTS/FRANKFURT/CP-A/2026-09-01"}
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("append %s: %v", a, err)
		}
	}

	entries, err := store.ListByBusinessID(ctx, "S-001", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if entries[0].Action != ActionAuthorise || entries[2].Action != ActionCreate {
		t.Fatalf("order = %s..%s", entries[0].Action, entries[2].Action)
	}
	if entries[0].GroupContext != "MTS/FRANKFURT/CP-A/2026-09-01" {
		t.Fatalf("group context = %q", entries[0].GroupContext)
	}
}
