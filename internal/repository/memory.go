package repository

import (
	"context"
	"sync"
)

// MemoryRepository keeps records in process memory. Used for local runs and tests.
type MemoryRepository struct {
	mu      sync.RWMutex
	records []SessionRecord
}

// NewMemory returns an empty in-memory store.
func NewMemory() *MemoryRepository {
	return &MemoryRepository{}
}

// SaveRecord stores a copy of rec, replacing an earlier row for the same attempt.
func (m *MemoryRepository) SaveRecord(ctx context.Context, rec *SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.records {
		if m.records[i].SessionID == rec.SessionID && m.records[i].Attempt == rec.Attempt {
			m.records[i] = *rec
			return nil
		}
	}
	m.records = append(m.records, *rec)
	return nil
}

// FindBySessionIDAndUser returns the latest attempt of a session owned by userID.
func (m *MemoryRepository) FindBySessionIDAndUser(ctx context.Context, sessionID, userID string) (*SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *SessionRecord
	for i := range m.records {
		r := m.records[i]
		if r.SessionID != sessionID || r.UserID != userID {
			continue
		}
		if found == nil || r.Attempt > found.Attempt {
			found = &r
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// AggregateMetrics summarizes every stored record.
func (m *MemoryRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var agg MetricsAggregation
	var confidence, latency float64
	for _, r := range m.records {
		agg.TotalCount++
		latency += float64(r.LatencyMs)
		if r.Success {
			agg.SuccessCount++
			confidence += r.Confidence
		}
		if r.Outcome == "cancelled" {
			agg.CancelledCount++
		}
	}
	if agg.SuccessCount > 0 {
		agg.AverageConfidence = confidence / float64(agg.SuccessCount)
	}
	if agg.TotalCount > 0 {
		agg.AverageLatencyMs = latency / float64(agg.TotalCount)
	}
	return &agg, nil
}
