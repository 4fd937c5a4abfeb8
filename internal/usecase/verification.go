package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/faceverify/internal/capture"
	"github.com/example/faceverify/internal/detector"
	"github.com/example/faceverify/internal/engine"
	"github.com/example/faceverify/internal/faults"
	"github.com/example/faceverify/internal/liveness"
	"github.com/example/faceverify/internal/logging"
	"github.com/example/faceverify/internal/quality"
	"github.com/example/faceverify/internal/repository"
	"github.com/example/faceverify/internal/retry"
)

var (
	// ErrStaleSession is returned for commands addressed to a session that is
	// not the active one, or not owned by the caller.
	ErrStaleSession = errors.New("session is not active")
	// ErrUnknownAction is returned for an unrecognised recovery action name.
	ErrUnknownAction = errors.New("unknown recovery action")
	// ErrUnknownLifecycle is returned for an unrecognised host lifecycle state.
	ErrUnknownLifecycle = errors.New("unknown lifecycle state")
	// ErrInvalidMode is returned when a session is started with an unknown mode.
	ErrInvalidMode = errors.New("invalid session mode")
	// ErrClosed is returned once the use case has shut down.
	ErrClosed = errors.New("verification service closed")
)

const persistTimeout = 5 * time.Second

// SessionRepository defines the persistence operations needed by the use case.
type SessionRepository interface {
	SaveRecord(ctx context.Context, rec *repository.SessionRecord) error
	FindBySessionIDAndUser(ctx context.Context, sessionID, userID string) (*repository.SessionRecord, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// FrameSource is the host-fed detector: it starts and stops like a
// detector, hands out capture handles, and receives observations and frames.
type FrameSource interface {
	detector.Detector
	detector.HandleProvider
	SetSink(sink func(detector.Observation))
	PushObservation(obs detector.Observation) bool
	PushFrame(contentType string, data []byte)
}

// Settings tunes the sessions the use case creates.
type Settings struct {
	Quality             quality.Thresholds
	Liveness            liveness.Config
	Timing              engine.Timing
	MaxAttempts         int
	MaxSilentRecoveries int
	ConfidenceThreshold float64
	RetryBaseDelay      time.Duration
	LockoutThreshold    int
	LockoutWindow       time.Duration
	ResultTTL           time.Duration
}

// DefaultSettings returns the production defaults.
func DefaultSettings() Settings {
	return Settings{
		Quality:             quality.DefaultThresholds(),
		Liveness:            liveness.DefaultConfig(),
		Timing:              engine.DefaultTiming(),
		MaxAttempts:         retry.DefaultMaxAttempts,
		MaxSilentRecoveries: 2,
		ConfidenceThreshold: 0.7,
		RetryBaseDelay:      time.Second,
		LockoutThreshold:    5,
		LockoutWindow:       15 * time.Minute,
		ResultTTL:           5 * time.Minute,
	}
}

// Dependencies are the collaborators shared by every session.
type Dependencies struct {
	Repo     SessionRepository
	Cache    Cache
	Capture  engine.CaptureSessions
	Frames   FrameSource
	Verifier engine.Verifier
	// Clock defaults to wall time.
	Clock engine.Clock
}

// StartRequest describes a new session.
type StartRequest struct {
	UserID   string
	DeviceID string
	Mode     engine.Mode
}

// VerificationUseCase keeps at most one active session per device and
// records every finished attempt.
type VerificationUseCase struct {
	repo       SessionRepository
	cache      Cache
	capture    engine.CaptureSessions
	frames     FrameSource
	verifier   engine.Verifier
	clock      engine.Clock
	classifier *faults.Classifier
	retry      *retry.Coordinator
	settings   Settings
	logger     *zap.Logger

	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration

	mu     sync.Mutex
	active *engine.Machine
	closed bool

	subsMu  sync.Mutex
	subs    map[uint64]*subscriber
	nextSub uint64

	pending sync.WaitGroup
}

// NewVerificationUseCase constructs a new use case instance.
func NewVerificationUseCase(deps Dependencies, settings Settings, logger *zap.Logger) *VerificationUseCase {
	clock := deps.Clock
	if clock == nil {
		clock = engine.RealClock()
	}
	classifier := faults.NewClassifierWithClock(clock.Now)
	return &VerificationUseCase{
		repo:           deps.Repo,
		cache:          deps.Cache,
		capture:        deps.Capture,
		frames:         deps.Frames,
		verifier:       deps.Verifier,
		clock:          clock,
		classifier:     classifier,
		retry:          retry.NewCoordinator(classifier, settings.RetryBaseDelay, settings.MaxAttempts, logger),
		settings:       settings,
		logger:         logger.Named("verification_usecase"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
		subs:           make(map[uint64]*subscriber),
	}
}

// StartSession supersedes any active session and starts a new one. Users at
// the lockout threshold are refused with a too_many_attempts error.
func (uc *VerificationUseCase) StartSession(ctx context.Context, req StartRequest) (engine.Snapshot, error) {
	if req.Mode == "" {
		req.Mode = engine.ModeVerify
	}
	if req.Mode != engine.ModeVerify && req.Mode != engine.ModeRegister {
		return engine.Snapshot{}, fmt.Errorf("%w: %q", ErrInvalidMode, req.Mode)
	}

	if verr := uc.checkLockout(ctx, req.UserID); verr != nil {
		return engine.Snapshot{}, verr
	}

	sessionID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.start_session", sessionID)

	uc.mu.Lock()
	defer uc.mu.Unlock()
	if uc.closed {
		return engine.Snapshot{}, ErrClosed
	}
	if prev := uc.active; prev != nil {
		opLogger.Info("superseding active session", zap.String("previous_session_id", prev.SessionID()))
		prev.Close()
	}

	m := engine.New(engine.Config{
		SessionID:           sessionID,
		UserID:              req.UserID,
		DeviceID:            req.DeviceID,
		Mode:                req.Mode,
		Quality:             uc.settings.Quality,
		Liveness:            uc.settings.Liveness,
		Timing:              uc.settings.Timing,
		MaxAttempts:         uc.settings.MaxAttempts,
		MaxSilentRecoveries: uc.settings.MaxSilentRecoveries,
		ConfidenceThreshold: uc.settings.ConfidenceThreshold,
	}, engine.Deps{
		Detector:   uc.frames,
		Provider:   uc.frames,
		Capture:    uc.capture,
		Verifier:   uc.verifier,
		Classifier: uc.classifier,
		Retry:      uc.retry,
		Clock:      uc.clock,
		Logger:     uc.logger,
		OnSnapshot: uc.publish,
		OnFinish:   uc.finish,
	})
	uc.active = m
	uc.frames.SetSink(m.Observe)

	if err := m.Start(); err != nil {
		return engine.Snapshot{}, logging.NewOperationError("usecase.start_session", sessionID, err)
	}
	opLogger.Info("session started", zap.String("user_id", req.UserID), zap.String("mode", string(req.Mode)))
	return m.Snapshot(), nil
}

// ActiveSessionID returns the id of the active session, if any.
func (uc *VerificationUseCase) ActiveSessionID() string {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	if uc.active == nil {
		return ""
	}
	return uc.active.SessionID()
}

// Snapshot returns the UI state of the caller's active session.
func (uc *VerificationUseCase) Snapshot(sessionID, userID string) (engine.Snapshot, error) {
	m, err := uc.session(sessionID, userID)
	if err != nil {
		return engine.Snapshot{}, err
	}
	return m.Snapshot(), nil
}

// Retry starts a new attempt of the caller's session from the error state.
func (uc *VerificationUseCase) Retry(sessionID, userID string) (engine.Snapshot, error) {
	m, err := uc.session(sessionID, userID)
	if err != nil {
		return engine.Snapshot{}, err
	}
	if err := m.Retry(); err != nil {
		return m.Snapshot(), err
	}
	return m.Snapshot(), nil
}

// Cancel stops the caller's session.
func (uc *VerificationUseCase) Cancel(sessionID, userID string) (engine.Snapshot, error) {
	m, err := uc.session(sessionID, userID)
	if err != nil {
		return engine.Snapshot{}, err
	}
	m.Cancel()
	return m.Snapshot(), nil
}

// ExecuteRecoveryAction runs a named recovery action on the caller's session.
func (uc *VerificationUseCase) ExecuteRecoveryAction(sessionID, userID, action string) (engine.Snapshot, error) {
	a, ok := faults.ParseRecoveryAction(action)
	if !ok {
		return engine.Snapshot{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	m, err := uc.session(sessionID, userID)
	if err != nil {
		return engine.Snapshot{}, err
	}
	if err := m.ExecuteRecoveryAction(a); err != nil {
		return m.Snapshot(), err
	}
	return m.Snapshot(), nil
}

// HostLifecycle forwards a host foreground/background change. Without an
// active session only the capture manager is told.
func (uc *VerificationUseCase) HostLifecycle(state string) error {
	s := capture.HostState(state)
	switch s {
	case capture.HostActive, capture.HostInactive, capture.HostBackground:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownLifecycle, state)
	}

	uc.mu.Lock()
	m := uc.active
	uc.mu.Unlock()
	if m != nil {
		m.HostLifecycle(s)
		return nil
	}
	uc.capture.HandleLifecycle(s)
	return nil
}

// PushObservation hands a detector sample to the caller's active session. It
// reports whether the sample was forwarded.
func (uc *VerificationUseCase) PushObservation(userID string, obs detector.Observation) (bool, error) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	if !uc.ownsActiveLocked(userID) {
		return false, ErrStaleSession
	}
	return uc.frames.PushObservation(obs), nil
}

// PushFrame stores the latest camera frame for the caller's active session.
func (uc *VerificationUseCase) PushFrame(userID, contentType string, data []byte) error {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	if !uc.ownsActiveLocked(userID) {
		return ErrStaleSession
	}
	uc.frames.PushFrame(contentType, data)
	return nil
}

func (uc *VerificationUseCase) ownsActiveLocked(userID string) bool {
	return uc.active != nil && userID != "" && uc.active.UserID() == userID
}

// GetResult retrieves a cached session outcome or loads it from persistence.
func (uc *VerificationUseCase) GetResult(ctx context.Context, userID, sessionID string) (*repository.SessionRecord, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", sessionID)
	if cached, err := uc.withRedisGet(ctx, sessionID, "cache.get.result", resultKey(sessionID)); err == nil {
		var rec repository.SessionRecord
		if err := json.Unmarshal([]byte(cached), &rec); err != nil {
			opLogger.Warn("failed to decode cached result", zap.Error(err))
		} else if rec.UserID == userID {
			return &rec, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	return uc.repo.FindBySessionIDAndUser(ctx, sessionID, userID)
}

// Close tears down the active session and waits for pending records.
func (uc *VerificationUseCase) Close() {
	uc.mu.Lock()
	uc.closed = true
	if uc.active != nil {
		uc.active.Close()
		uc.active = nil
	}
	uc.mu.Unlock()

	uc.pending.Wait()

	uc.subsMu.Lock()
	for id, sub := range uc.subs {
		delete(uc.subs, id)
		close(sub.ch)
	}
	uc.subsMu.Unlock()
}

func (uc *VerificationUseCase) session(sessionID, userID string) (*engine.Machine, error) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	if uc.active == nil || uc.active.SessionID() != sessionID || uc.active.UserID() != userID {
		return nil, ErrStaleSession
	}
	return uc.active, nil
}

// finish runs under the machine lock, so recording happens off it.
func (uc *VerificationUseCase) finish(rep engine.Report) {
	uc.pending.Add(1)
	go func() {
		defer uc.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		uc.record(ctx, rep)
	}()
}

func (uc *VerificationUseCase) record(ctx context.Context, rep engine.Report) {
	opLogger := logging.WithOperation(uc.logger, "usecase.record_session", rep.SessionID)
	rec := recordFromReport(rep)

	if err := uc.repo.SaveRecord(ctx, rec); err != nil {
		opLogger.Error("failed to persist session record", zap.Error(err))
	}

	serialized, err := json.Marshal(rec)
	if err != nil {
		opLogger.Error("failed to serialize session record", zap.Error(err))
	} else if err := uc.withRedisRetry(ctx, rep.SessionID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, resultKey(rep.SessionID), string(serialized), uc.settings.ResultTTL)
	}); err != nil {
		opLogger.Error("failed to cache session result", zap.Error(err))
	}

	uc.updateLedger(ctx, rep)
	opLogger.Info("session attempt recorded",
		zap.String("outcome", string(rep.Outcome)),
		zap.Int("attempt", rep.Attempt),
		zap.Int64("latency_ms", rec.LatencyMs),
	)
}

func recordFromReport(rep engine.Report) *repository.SessionRecord {
	rec := &repository.SessionRecord{
		SessionID:  rep.SessionID,
		Attempt:    rep.Attempt,
		UserID:     rep.UserID,
		DeviceID:   rep.DeviceID,
		Mode:       string(rep.Mode),
		Outcome:    string(rep.Outcome),
		Success:    rep.Outcome == engine.OutcomeSuccess,
		RetryCount: rep.RetryCount,
		Manual:     rep.Manual,
		LatencyMs:  rep.FinishedAt.Sub(rep.StartedAt).Milliseconds(),
		CreatedAt:  rep.FinishedAt.UTC(),
	}
	if rep.Result != nil {
		rec.Confidence = rep.Result.Confidence
		rec.MatchID = rep.Result.MatchID
	}
	if rep.Outcome == engine.OutcomeError && rep.Err != nil {
		rec.ErrorKind = string(rep.Err.Kind)
		rec.ErrorCode = rep.Err.Code
	}
	return rec
}

func resultKey(sessionID string) string {
	return fmt.Sprintf("verification:%s", sessionID)
}

func (uc *VerificationUseCase) withRedisRetry(ctx context.Context, sessionID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		err := fn()
		return logging.NewOperationError(operation, sessionID, err)
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, sessionID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, sessionID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if errors.Is(err, redis.Nil) {
			return logging.NewOperationError(operation, sessionID, err)
		}

		if !repository.IsTransient(err) || attempt == uc.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, sessionID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, sessionID, err)
}

func (uc *VerificationUseCase) withRedisGet(ctx context.Context, sessionID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, sessionID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func parseCount(v string) int64 {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
