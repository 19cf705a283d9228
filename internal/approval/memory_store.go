package approval

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for demo mode and tests.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	rows   map[approvalKey]*Approval
}

type approvalKey struct {
	businessID string
	version    int64
}

// NewMemoryStore creates an empty in-memory approval store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1, rows: make(map[approvalKey]*Approval)}
}

func (m *MemoryStore) Create(ctx context.Context, a *Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.create(a)
}

func (m *MemoryStore) CreateAll(ctx context.Context, as []*Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range as {
		if _, exists := m.rows[approvalKey{a.BusinessID, a.Version}]; exists {
			return &ItemError{BusinessID: a.BusinessID, Err: ErrAlreadyRequested}
		}
	}
	for _, a := range as {
		_ = m.create(a)
	}
	return nil
}

// create inserts one row. Callers hold the lock.
func (m *MemoryStore) create(a *Approval) error {
	key := approvalKey{a.BusinessID, a.Version}
	if _, exists := m.rows[key]; exists {
		return ErrAlreadyRequested
	}
	a.ID = m.nextID
	m.nextID++
	if a.RequestedAt.IsZero() {
		a.RequestedAt = time.Now().UTC()
	}
	cp := *a
	m.rows[key] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, businessID string, version int64) (*Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.rows[approvalKey{businessID, version}]
	if !ok {
		return nil, ErrNoRequest
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) Authorize(ctx context.Context, businessID string, version int64, userID, comment string) (*Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkAuthorize(businessID, version, userID); err != nil {
		return nil, err
	}
	return m.stamp(businessID, version, userID, comment), nil
}

func (m *MemoryStore) AuthorizeAll(ctx context.Context, refs []Ref, userID, comment string) ([]*Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range refs {
		if err := m.checkAuthorize(r.BusinessID, r.Version, userID); err != nil {
			return nil, &ItemError{BusinessID: r.BusinessID, Err: err}
		}
	}
	out := make([]*Approval, 0, len(refs))
	for _, r := range refs {
		out = append(out, m.stamp(r.BusinessID, r.Version, userID, comment))
	}
	return out, nil
}

// checkAuthorize applies the stamp guards. Callers hold the lock.
func (m *MemoryStore) checkAuthorize(businessID string, version int64, userID string) error {
	a, ok := m.rows[approvalKey{businessID, version}]
	if !ok {
		return ErrNoRequest
	}
	if a.AuthorizedBy != "" {
		return ErrAlreadyAuthorized
	}
	if a.RequestedBy == userID {
		return ErrSelfApproval
	}
	return nil
}

// stamp writes the authorisation. Callers hold the lock and have run
// checkAuthorize.
func (m *MemoryStore) stamp(businessID string, version int64, userID, comment string) *Approval {
	a := m.rows[approvalKey{businessID, version}]
	now := time.Now().UTC()
	a.AuthorizedBy = userID
	a.AuthorizedAt = &now
	a.AuthorizeComment = comment
	cp := *a
	return &cp
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
