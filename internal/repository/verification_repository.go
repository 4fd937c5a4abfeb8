package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/faceverify/internal/logging"
)

// ErrNotFound is returned when no record matches a lookup.
var ErrNotFound = errors.New("session record not found")

// SessionRecord is one finished attempt of a verification session.
type SessionRecord struct {
	ID         uint      `gorm:"primaryKey" json:"-"`
	SessionID  string    `gorm:"column:session_id;size:64;uniqueIndex:idx_session_attempt" json:"session_id"`
	Attempt    int       `gorm:"column:attempt;uniqueIndex:idx_session_attempt" json:"attempt"`
	UserID     string    `gorm:"column:user_id;size:64;index" json:"user_id"`
	DeviceID   string    `gorm:"column:device_id;size:64" json:"device_id,omitempty"`
	Mode       string    `gorm:"column:mode;size:16" json:"mode"`
	Outcome    string    `gorm:"column:outcome;size:16" json:"outcome"`
	Success    bool      `gorm:"column:success" json:"success"`
	Confidence float64   `gorm:"column:confidence" json:"confidence"`
	MatchID    string    `gorm:"column:match_id;size:64" json:"match_id,omitempty"`
	RetryCount int       `gorm:"column:retry_count" json:"retry_count"`
	Manual     bool      `gorm:"column:manual" json:"manual"`
	ErrorKind  string    `gorm:"column:error_kind;size:48" json:"error_kind,omitempty"`
	ErrorCode  string    `gorm:"column:error_code;size:16" json:"error_code,omitempty"`
	LatencyMs  int64     `gorm:"column:latency_ms" json:"latency_ms"`
	CreatedAt  time.Time `gorm:"column:created_at" json:"created_at"`
}

// TableName overrides the default table name.
func (SessionRecord) TableName() string {
	return "verification_sessions"
}

// MetricsAggregation is the raw aggregate over all stored records.
type MetricsAggregation struct {
	TotalCount        int64
	SuccessCount      int64
	CancelledCount    int64
	AverageConfidence float64
	AverageLatencyMs  float64
}

// VerificationRepository stores session records in postgres through gorm.
type VerificationRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewVerificationRepository creates a new repository instance.
func NewVerificationRepository(db *gorm.DB, logger *zap.Logger) *VerificationRepository {
	return &VerificationRepository{
		db:             db,
		logger:         logger.Named("verification_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *VerificationRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&SessionRecord{})
}

// SaveRecord persists a finished attempt.
func (r *VerificationRepository) SaveRecord(ctx context.Context, rec *SessionRecord) error {
	return r.executeWithRetry(ctx, "repository.save_record", rec.SessionID, func() error {
		return r.db.WithContext(ctx).Create(rec).Error
	})
}

// FindBySessionIDAndUser returns the latest attempt of a session owned by userID.
func (r *VerificationRepository) FindBySessionIDAndUser(ctx context.Context, sessionID, userID string) (*SessionRecord, error) {
	var rec SessionRecord
	err := r.executeWithRetry(ctx, "repository.find_session", sessionID, func() error {
		err := r.db.WithContext(ctx).
			Where("session_id = ? AND user_id = ?", sessionID, userID).
			Order("attempt DESC").
			First(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// AggregateMetrics summarizes every stored record.
func (r *VerificationRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var agg MetricsAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&SessionRecord{}).
			Select(`COUNT(*) AS total_count,
				COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) AS success_count,
				COALESCE(SUM(CASE WHEN outcome = 'cancelled' THEN 1 ELSE 0 END), 0) AS cancelled_count,
				COALESCE(AVG(CASE WHEN success THEN confidence END), 0) AS average_confidence,
				COALESCE(AVG(latency_ms), 0) AS average_latency_ms`).
			Scan(&agg).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

func (r *VerificationRepository) executeWithRetry(ctx context.Context, operation, sessionID string, fn func() error) error {
	return retryTransient(ctx, r.logger, operation, sessionID, r.retryAttempts, r.initialBackoff, r.maxBackoff, fn)
}

// retryTransient runs fn until it succeeds, fails permanently, or the
// attempts are used up. Failures come back as *logging.OperationError.
func retryTransient(ctx context.Context, logger *zap.Logger, operation, sessionID string, attempts int, backoff, maxBackoff time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	opLogger := logging.WithOperation(logger, operation, sessionID)
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, sessionID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("storage operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if errors.Is(err, ErrNotFound) {
			return logging.NewOperationError(operation, sessionID, err)
		}
		if !IsTransient(err) || attempt == attempts-1 {
			opLogger.Error("storage operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, sessionID, err)
		}
		opLogger.Warn("transient storage error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, sessionID, err)
}

// IsTransient reports whether err is worth retrying: deadlines, network
// timeouts, temporary errors and a busy sqlite database.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}
	return isSQLiteBusy(err)
}
