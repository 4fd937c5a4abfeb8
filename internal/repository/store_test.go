package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type store interface {
	SaveRecord(ctx context.Context, rec *SessionRecord) error
	FindBySessionIDAndUser(ctx context.Context, sessionID, userID string) (*SessionRecord, error)
	AggregateMetrics(ctx context.Context) (*MetricsAggregation, error)
}

func stores(t *testing.T) map[string]store {
	t.Helper()
	sqlite, err := NewSQLite(filepath.Join(t.TempDir(), "audit.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]store{
		"sqlite": sqlite,
		"memory": NewMemory(),
	}
}

func record(sessionID string, attempt int, outcome string, success bool, confidence float64, latency int64) *SessionRecord {
	return &SessionRecord{
		SessionID:  sessionID,
		Attempt:    attempt,
		UserID:     "user-1",
		Mode:       "verify",
		Outcome:    outcome,
		Success:    success,
		Confidence: confidence,
		LatencyMs:  latency,
		CreatedAt:  time.UnixMilli(1700000000000).UTC(),
	}
}

func TestStoresReturnLatestAttempt(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			failed := record("sess-1", 1, "error", false, 0, 900)
			failed.ErrorKind = "low_confidence"
			failed.ErrorCode = "E4001"
			require.NoError(t, s.SaveRecord(ctx, failed))
			require.NoError(t, s.SaveRecord(ctx, record("sess-1", 2, "success", true, 0.92, 1100)))

			got, err := s.FindBySessionIDAndUser(ctx, "sess-1", "user-1")
			require.NoError(t, err)
			require.Equal(t, 2, got.Attempt)
			require.True(t, got.Success)
			require.InDelta(t, 0.92, got.Confidence, 1e-9)
			require.Equal(t, failed.CreatedAt, got.CreatedAt)
		})
	}
}

func TestStoresHideOtherUsersSessions(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.SaveRecord(ctx, record("sess-2", 1, "success", true, 0.9, 10)))

			_, err := s.FindBySessionIDAndUser(ctx, "sess-2", "someone-else")
			require.True(t, errors.Is(err, ErrNotFound), "got %v", err)
		})
	}
}

func TestStoresOverwriteSameAttempt(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.SaveRecord(ctx, record("sess-3", 1, "error", false, 0, 10)))
			require.NoError(t, s.SaveRecord(ctx, record("sess-3", 1, "cancelled", false, 0, 20)))

			got, err := s.FindBySessionIDAndUser(ctx, "sess-3", "user-1")
			require.NoError(t, err)
			require.Equal(t, "cancelled", got.Outcome)

			agg, err := s.AggregateMetrics(ctx)
			require.NoError(t, err)
			require.EqualValues(t, 1, agg.TotalCount)
		})
	}
}

func TestStoresAggregateMetrics(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.SaveRecord(ctx, record("a", 1, "success", true, 0.8, 100)))
			require.NoError(t, s.SaveRecord(ctx, record("b", 1, "success", true, 1.0, 300)))
			require.NoError(t, s.SaveRecord(ctx, record("c", 1, "error", false, 0, 200)))
			require.NoError(t, s.SaveRecord(ctx, record("d", 1, "cancelled", false, 0, 400)))

			agg, err := s.AggregateMetrics(ctx)
			require.NoError(t, err)
			require.EqualValues(t, 4, agg.TotalCount)
			require.EqualValues(t, 2, agg.SuccessCount)
			require.EqualValues(t, 1, agg.CancelledCount)
			require.InDelta(t, 0.9, agg.AverageConfidence, 1e-9)
			require.InDelta(t, 250, agg.AverageLatencyMs, 1e-9)
		})
	}
}
