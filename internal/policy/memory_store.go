package policy

import (
	"context"
	"sync"
	"time"
)

// MemoryRecordStore keeps execution records in process. A single mutex
// serialises evaluations, which trivially satisfies the per-target
// consistency requirement for the count-query + audit-insert pair.
type MemoryRecordStore struct {
	mu      sync.Mutex
	records []*ExecutionRecord
}

// NewMemoryRecordStore creates an empty store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{}
}

type memoryView struct {
	store      *MemoryRecordStore
	actionType string
	target     string
}

func (s *MemoryRecordStore) Transact(ctx context.Context, actionType, target string, fn func(RecordView) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&memoryView{store: s, actionType: actionType, target: target})
}

func (v *memoryView) LastAllowed() (*time.Time, error) {
	var last *time.Time
	for _, rec := range v.store.records {
		if rec.ActionType != v.actionType || rec.TargetIdentifier != v.target || rec.Decision != DecisionAllowed {
			continue
		}
		t := rec.CreatedAt
		if last == nil || t.After(*last) {
			last = &t
		}
	}
	return last, nil
}

func (v *memoryView) CountAllowedSince(since time.Time) (int, error) {
	count := 0
	for _, rec := range v.store.records {
		if rec.ActionType == v.actionType && rec.TargetIdentifier == v.target &&
			rec.Decision == DecisionAllowed && !rec.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (v *memoryView) Append(rec *ExecutionRecord) error {
	v.store.records = append(v.store.records, rec)
	return nil
}

func (s *MemoryRecordStore) ListRecent(ctx context.Context, actionType string, limit int) ([]*ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	out := make([]*ExecutionRecord, 0, limit)
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		rec := s.records[i]
		if actionType == "" || rec.ActionType == actionType {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}
