package audit

import (
	"context"
	"testing"
)

func TestMemoryStore_AppendAssignsIDs(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	e1 := &Entry{UserID: "system", Action: ActionCreate, BusinessID: "S-001", Version: 1}
	e2 := &Entry{UserID: "alice", Action: ActionRequestRelease, BusinessID: "S-001", Version: 1}
	if err := store.Append(ctx, e1); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Append(ctx, e2); err != nil {
		t.Fatalf("append: %v", err)
	}

	if e1.ID == 0 || e2.ID <= e1.ID {
		t.Fatalf("ids not increasing: %d, %d", e1.ID, e2.ID)
	}
}

func TestMemoryStore_ListByBusinessID(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, e := range []*Entry{
		{UserID: "system", Action: ActionCreate, BusinessID: "S-001", Version: 1},
		{UserID: "system", Action: ActionCreate, BusinessID: "S-002", Version: 1},
		{UserID: "alice", Action: ActionRequestRelease, BusinessID: "S-001", Version: 1},
	} {
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := store.ListByBusinessID(ctx, "S-001", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}
	// Newest first.
	if got[0].Action != ActionRequestRelease || got[1].Action != ActionCreate {
		t.Fatalf("order = %s, %s", got[0].Action, got[1].Action)
	}

	got, _ = store.ListByBusinessID(ctx, "S-001", 1)
	if len(got) != 1 || got[0].Action != ActionRequestRelease {
		t.Fatalf("limit not applied from newest: %+v", got)
	}
}

func TestMemoryStore_ListRecent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := store.Append(ctx, &Entry{UserID: "system", Action: ActionRecalculate}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := store.ListRecent(ctx, 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d entries, want 3", len(got))
	}
	if got[0].ID != 5 {
		t.Fatalf("first entry id = %d, want newest (5)", got[0].ID)
	}
}
