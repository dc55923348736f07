package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/storage"
)

// MemoryStore is an in-process Store with the same update and uniqueness
// rules as the Postgres store. Used by tests and embedded setups.
type MemoryStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]model.ExecutionRecord
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[uuid.UUID]model.ExecutionRecord{}}
}

// CreateExecution implements Store.
func (s *MemoryStore) CreateExecution(_ context.Context, rec model.ExecutionRecord) (model.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.RequestID != nil {
		for _, existing := range s.records {
			if existing.RequestID != nil && *existing.RequestID == *rec.RequestID {
				return model.ExecutionRecord{}, fmt.Errorf("execution: create record: %w", storage.ErrDuplicateRequest)
			}
		}
	}
	now := time.Now().UTC()
	rec.CreatedAt, rec.UpdatedAt = now, now
	s.records[rec.ID] = rec
	return rec, nil
}

// GetExecution implements Store.
func (s *MemoryStore) GetExecution(_ context.Context, id uuid.UUID) (model.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return model.ExecutionRecord{}, storage.ErrNotFound
	}
	return rec, nil
}

// GetExecutionByRequestID implements Store.
func (s *MemoryStore) GetExecutionByRequestID(_ context.Context, requestID string) (model.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.RequestID != nil && *rec.RequestID == requestID {
			return rec, nil
		}
	}
	return model.ExecutionRecord{}, storage.ErrNotFound
}

// UpdateExecution implements Store. Finished records are immutable.
func (s *MemoryStore) UpdateExecution(_ context.Context, rec model.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.records[rec.ID]
	if !ok || existing.FinishedAt != nil {
		return storage.ErrNotFound
	}
	rec.CreatedAt = existing.CreatedAt
	rec.UpdatedAt = time.Now().UTC()
	s.records[rec.ID] = rec
	return nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
