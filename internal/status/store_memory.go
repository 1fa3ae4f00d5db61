package status

import (
	"context"
	"sync"
)

// MemoryStore is a DurableStore kept in process memory. It backs local runs
// without a database and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[Kind]map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[Kind]map[string]Record{}}
}

func (s *MemoryStore) Get(ctx context.Context, kind Kind, key string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[kind][key]
	return r, ok, nil
}

func (s *MemoryStore) Put(ctx context.Context, r Record) error {
	if err := checkKind(r.Kind()); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.records[r.Kind()]
	if m == nil {
		m = map[string]Record{}
		s.records[r.Kind()] = m
	}
	m[r.Key()] = r
	return nil
}

func (s *MemoryStore) List(ctx context.Context, kind Kind) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.records[kind]))
	for _, r := range s.records[kind] {
		out = append(out, r)
	}
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) ListOperatorsByQueue(ctx context.Context, queue string) ([]*OperatorStatus, error) {
	recs, _ := s.List(ctx, KindOperator)
	out := []*OperatorStatus{}
	for _, r := range recs {
		if op := r.(*OperatorStatus); op.InQueue(queue) {
			out = append(out, op)
		}
	}
	return out, nil
}
