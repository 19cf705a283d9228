package settlement

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fjordbank/payguard/internal/audit"
)

// MemoryStore is an in-memory implementation for demo mode and tests.
//
// A unit of work holds the store lock for its whole duration, so
// transactions are fully serialized; rollback restores a snapshot taken at
// entry. Activity entries are staged and flushed to the audit sink only on
// commit, mirroring the atomicity of the Postgres implementation.
type MemoryStore struct {
	mu       sync.RWMutex
	rows     []*Settlement
	totals   map[GroupKey]*RunningTotal
	nextRef  int64
	activity audit.Store
}

// NewMemoryStore creates a new in-memory store appending committed activity
// entries to sink.
func NewMemoryStore(sink audit.Store) *MemoryStore {
	return &MemoryStore{
		totals:   make(map[GroupKey]*RunningTotal),
		nextRef:  1,
		activity: sink,
	}
}

func (m *MemoryStore) RunInTx(ctx context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	tx := &memoryTx{store: m}

	if err := fn(tx); err != nil {
		m.restore(snap)
		return err
	}

	for _, e := range tx.pending {
		if err := m.activity.Append(ctx, e); err != nil {
			m.restore(snap)
			return err
		}
	}
	return nil
}

type memorySnapshot struct {
	rows    []*Settlement
	totals  map[GroupKey]*RunningTotal
	nextRef int64
}

func (m *MemoryStore) snapshot() memorySnapshot {
	rows := make([]*Settlement, len(m.rows))
	for i, r := range m.rows {
		cp := *r
		rows[i] = &cp
	}
	totals := make(map[GroupKey]*RunningTotal, len(m.totals))
	for k, t := range m.totals {
		cp := *t
		totals[k] = &cp
	}
	return memorySnapshot{rows: rows, totals: totals, nextRef: m.nextRef}
}

func (m *MemoryStore) restore(s memorySnapshot) {
	m.rows = s.rows
	m.totals = s.totals
	m.nextRef = s.nextRef
}

// memoryTx operates directly on the locked store state.
type memoryTx struct {
	store   *MemoryStore
	pending []*audit.Entry
}

func (t *memoryTx) InsertSettlement(ctx context.Context, s *Settlement) (int64, bool, error) {
	m := t.store
	for _, r := range m.rows {
		if r.BusinessID == s.BusinessID && r.PTS == s.PTS &&
			r.ProcessingEntity == s.ProcessingEntity && r.Version == s.Version {
			return r.RefID, true, nil
		}
	}

	cp := *s
	cp.RefID = m.nextRef
	m.nextRef++
	cp.IsOld = false
	now := time.Now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.rows = append(m.rows, &cp)
	return cp.RefID, false, nil
}

func (t *memoryTx) MarkOldVersions(ctx context.Context, businessID, pts, entity string) error {
	m := t.store
	var maxVersion int64
	for _, r := range m.rows {
		if r.BusinessID == businessID && r.PTS == pts && r.ProcessingEntity == entity && r.Version > maxVersion {
			maxVersion = r.Version
		}
	}
	for _, r := range m.rows {
		if r.BusinessID == businessID && r.PTS == pts && r.ProcessingEntity == entity &&
			r.Version < maxVersion && !r.IsOld {
			r.IsOld = true
			r.UpdatedAt = time.Now()
		}
	}
	return nil
}

func (t *memoryTx) PreviousCounterparty(ctx context.Context, businessID, pts, entity string, beforeRef int64) (string, bool, error) {
	var best *Settlement
	for _, r := range t.store.rows {
		if r.BusinessID == businessID && r.PTS == pts && r.ProcessingEntity == entity &&
			r.RefID < beforeRef && (best == nil || r.RefID > best.RefID) {
			best = r
		}
	}
	if best == nil {
		return "", false, nil
	}
	return best.CounterpartyID, true, nil
}

func (t *memoryTx) ScanLatestEligible(ctx context.Context, g GroupKey, atRef int64, elig Eligibility) ([]Contribution, error) {
	// Latest version per business_id across the whole (pts, entity), so a
	// row that migrated to another counterparty or value date still wins the
	// selection and drops out of this group's scan.
	latest := make(map[string]*Settlement)
	for _, r := range t.store.rows {
		if r.PTS != g.PTS || r.ProcessingEntity != g.ProcessingEntity || r.RefID > atRef {
			continue
		}
		cur, ok := latest[r.BusinessID]
		if !ok || r.Version > cur.Version || (r.Version == cur.Version && r.RefID > cur.RefID) {
			latest[r.BusinessID] = r
		}
	}

	var out []Contribution
	for _, r := range latest {
		if r.CounterpartyID != g.CounterpartyID || r.ValueDate != g.ValueDate {
			continue
		}
		if !elig.Allows(r.Direction, r.BusinessStatus) {
			continue
		}
		out = append(out, Contribution{BusinessID: r.BusinessID, Currency: r.Currency, Amount: r.Amount})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BusinessID < out[j].BusinessID })
	return out, nil
}

func (t *memoryTx) UpsertRunningTotal(ctx context.Context, g GroupKey, totalUSD decimal.Decimal, count int, refID int64) error {
	m := t.store
	if cur, ok := m.totals[g]; ok {
		if cur.RefIDWatermark > refID {
			return nil
		}
		cur.TotalUSD = totalUSD
		cur.SettlementCount = count
		cur.RefIDWatermark = refID
		cur.UpdatedAt = time.Now()
		return nil
	}
	m.totals[g] = &RunningTotal{
		Group:           g,
		TotalUSD:        totalUSD,
		SettlementCount: count,
		RefIDWatermark:  refID,
		UpdatedAt:       time.Now(),
	}
	return nil
}

func (t *memoryTx) AppendActivity(ctx context.Context, e *audit.Entry) error {
	t.pending = append(t.pending, e)
	return nil
}

func (m *MemoryStore) LatestSettlement(ctx context.Context, businessID, pts, entity string) (*Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *Settlement
	for _, r := range m.rows {
		if r.BusinessID != businessID {
			continue
		}
		if pts != "" && r.PTS != pts {
			continue
		}
		if entity != "" && r.ProcessingEntity != entity {
			continue
		}
		if best == nil || r.Version > best.Version || (r.Version == best.Version && r.RefID > best.RefID) {
			best = r
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (m *MemoryStore) ListVersions(ctx context.Context, businessID string, limit int) ([]*Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Settlement
	for _, r := range m.rows {
		if r.BusinessID == businessID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Version != out[j].Version {
			return out[i].Version > out[j].Version
		}
		return out[i].RefID > out[j].RefID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) GetRunningTotal(ctx context.Context, g GroupKey) (*RunningTotal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.totals[g]
	if !ok {
		return nil, ErrGroupNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) ListGroups(ctx context.Context, sc GroupScope) ([]GroupKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []GroupKey
	for g := range m.totals {
		if sc.Matches(g) {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (m *MemoryStore) MaxRefID(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nextRef - 1, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
