package repository

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLiteRepository stores session records in an on-device sqlite file.
type SQLiteRepository struct {
	db             *sql.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewSQLite opens (and creates if needed) the database at dbPath. Use
// ":memory:" for a throwaway store.
func NewSQLite(dbPath string, logger *zap.Logger) (*SQLiteRepository, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(8)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	repo := &SQLiteRepository{
		db:             db,
		logger:         logger.Named("sqlite_repository"),
		retryAttempts:  5,
		initialBackoff: 20 * time.Millisecond,
		maxBackoff:     500 * time.Millisecond,
	}
	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return repo, nil
}

func (s *SQLiteRepository) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS verification_sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		user_id TEXT NOT NULL,
		device_id TEXT NOT NULL DEFAULT '',
		mode TEXT NOT NULL,
		outcome TEXT NOT NULL,
		success INTEGER NOT NULL DEFAULT 0,
		confidence REAL NOT NULL DEFAULT 0,
		match_id TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		manual INTEGER NOT NULL DEFAULT 0,
		error_kind TEXT NOT NULL DEFAULT '',
		error_code TEXT NOT NULL DEFAULT '',
		latency_ms INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		UNIQUE (session_id, attempt)
	);
	CREATE INDEX IF NOT EXISTS idx_verification_sessions_user ON verification_sessions(user_id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteRepository) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database.
func (s *SQLiteRepository) Close() error {
	return s.db.Close()
}

// SaveRecord persists a finished attempt. Saving the same session attempt
// twice overwrites the earlier row.
func (s *SQLiteRepository) SaveRecord(ctx context.Context, rec *SessionRecord) error {
	query := `
	INSERT INTO verification_sessions (
		session_id, attempt, user_id, device_id, mode, outcome, success, confidence,
		match_id, retry_count, manual, error_kind, error_code, latency_ms, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id, attempt) DO UPDATE SET
		outcome = excluded.outcome,
		success = excluded.success,
		confidence = excluded.confidence,
		match_id = excluded.match_id,
		retry_count = excluded.retry_count,
		manual = excluded.manual,
		error_kind = excluded.error_kind,
		error_code = excluded.error_code,
		latency_ms = excluded.latency_ms`

	return s.executeWithRetry(ctx, "repository.save_record", rec.SessionID, func() error {
		_, err := s.db.ExecContext(ctx, query,
			rec.SessionID, rec.Attempt, rec.UserID, rec.DeviceID, rec.Mode, rec.Outcome,
			boolToInt(rec.Success), rec.Confidence, rec.MatchID, rec.RetryCount, boolToInt(rec.Manual),
			rec.ErrorKind, rec.ErrorCode, rec.LatencyMs, rec.CreatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert session record: %w", err)
		}
		return nil
	})
}

// FindBySessionIDAndUser returns the latest attempt of a session owned by userID.
func (s *SQLiteRepository) FindBySessionIDAndUser(ctx context.Context, sessionID, userID string) (*SessionRecord, error) {
	query := `
		SELECT id, session_id, attempt, user_id, device_id, mode, outcome, success, confidence,
		       match_id, retry_count, manual, error_kind, error_code, latency_ms, created_at
		FROM verification_sessions
		WHERE session_id = ? AND user_id = ?
		ORDER BY attempt DESC
		LIMIT 1`

	var rec SessionRecord
	err := s.executeWithRetry(ctx, "repository.find_session", sessionID, func() error {
		var success, manual int
		var createdAt int64
		err := s.db.QueryRowContext(ctx, query, sessionID, userID).Scan(
			&rec.ID, &rec.SessionID, &rec.Attempt, &rec.UserID, &rec.DeviceID, &rec.Mode, &rec.Outcome,
			&success, &rec.Confidence, &rec.MatchID, &rec.RetryCount, &manual,
			&rec.ErrorKind, &rec.ErrorCode, &rec.LatencyMs, &createdAt,
		)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("scan session record: %w", err)
		}
		rec.Success = success != 0
		rec.Manual = manual != 0
		rec.CreatedAt = time.UnixMilli(createdAt).UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// AggregateMetrics summarizes every stored record.
func (s *SQLiteRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	query := `
		SELECT COUNT(*),
		       COALESCE(SUM(success), 0),
		       COALESCE(SUM(CASE WHEN outcome = 'cancelled' THEN 1 ELSE 0 END), 0),
		       COALESCE(AVG(CASE WHEN success = 1 THEN confidence END), 0),
		       COALESCE(AVG(latency_ms), 0)
		FROM verification_sessions`

	var agg MetricsAggregation
	err := s.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return s.db.QueryRowContext(ctx, query).Scan(
			&agg.TotalCount, &agg.SuccessCount, &agg.CancelledCount,
			&agg.AverageConfidence, &agg.AverageLatencyMs,
		)
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

func (s *SQLiteRepository) executeWithRetry(ctx context.Context, operation, sessionID string, fn func() error) error {
	return retryTransient(ctx, s.logger, operation, sessionID, s.retryAttempts, s.initialBackoff, s.maxBackoff, fn)
}

func isSQLiteBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
