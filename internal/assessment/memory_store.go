package assessment

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	runs     map[string]*RunRecord
	payments map[paymentKey]*PaymentRecord
	mu       sync.RWMutex
}

type paymentKey struct {
	requesterID string
	jobID       string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:     make(map[string]*RunRecord),
		payments: make(map[paymentKey]*PaymentRecord),
	}
}

func (m *MemoryStore) SaveRun(_ context.Context, rec *RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.runs[rec.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, id string) (*RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) ListRuns(_ context.Context, rt RiskType, limit int, opts ...ListOption) ([]*RunRecord, error) {
	o := applyListOpts(opts)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*RunRecord
	for _, rec := range m.runs {
		if rec.RiskType != rt {
			continue
		}
		if o.cursor != nil && !o.cursor.After(rec.StartedAt, rec.ID) {
			continue
		}
		cp := *rec
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].StartedAt.Equal(result[j].StartedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].StartedAt.After(result[j].StartedAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CreatePayment(_ context.Context, rec *PaymentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := paymentKey{rec.RequesterID, rec.JobID}
	if _, exists := m.payments[key]; exists {
		return ErrPaymentExists
	}
	cp := *rec
	m.payments[key] = &cp
	return nil
}

func (m *MemoryStore) GetPayment(_ context.Context, requesterID, jobID string) (*PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.payments[paymentKey{requesterID, jobID}]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *rec
	return &cp, nil
}

var _ Store = (*MemoryStore)(nil)
