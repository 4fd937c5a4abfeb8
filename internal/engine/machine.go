// Package engine drives one verification session through detection,
// liveness, capture and remote verification.
//
// All state lives behind a single mutex. Timers and asynchronous operations
// capture the generation and step epoch they were started in; when either has
// moved on by the time they complete, their result is dropped. This is what
// keeps an abandoned attempt from writing into a newer one.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/faceverify/internal/capture"
	"github.com/example/faceverify/internal/detector"
	"github.com/example/faceverify/internal/faults"
	"github.com/example/faceverify/internal/liveness"
	"github.com/example/faceverify/internal/quality"
	"github.com/example/faceverify/internal/retry"
	"github.com/example/faceverify/internal/verifyapi"
)

var (
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("session already started")
	// ErrTerminated is returned for commands sent after cancel or close.
	ErrTerminated = errors.New("session terminated")
	// ErrRetryNotAllowed is returned when the current error cannot be retried.
	ErrRetryNotAllowed = errors.New("retry not allowed")
	// ErrActionNotOffered is returned for recovery actions the current error does not list.
	ErrActionNotOffered = errors.New("recovery action not offered")
)

// CaptureSessions is the capture manager as seen by the machine.
type CaptureSessions interface {
	Attach(ctx context.Context, sessionID string, provider detector.HandleProvider) error
	Detach(sessionID string, reason capture.DetachReason, t capture.Transition) bool
	EnableKeepAlive(sessionID string)
	DisableKeepAlive(sessionID string)
	IsHealthy(sessionID string) bool
	Recover(ctx context.Context, sessionID string) bool
	Capture(ctx context.Context, sessionID string) (detector.Artifact, error)
	HandleLifecycle(state capture.HostState)
}

// Verifier is the remote verification service.
type Verifier interface {
	Verify(ctx context.Context, userID string, artifact detector.Artifact, live bool, meta verifyapi.Metadata) (verifyapi.Result, error)
	RegisterProfile(ctx context.Context, userID string, encoding []byte, meta verifyapi.Metadata) error
}

// Timing holds the durations of scheduled events.
type Timing struct {
	DetectionTimeout     time.Duration
	CountdownSeconds     int
	CountdownTick        time.Duration
	LivenessRounds       int
	HealthInterval       time.Duration
	CaptureStabilization time.Duration
}

// DefaultTiming returns the baseline schedule.
func DefaultTiming() Timing {
	return Timing{
		DetectionTimeout:     10 * time.Second,
		CountdownSeconds:     5,
		CountdownTick:        time.Second,
		LivenessRounds:       2,
		HealthInterval:       2 * time.Second,
		CaptureStabilization: 300 * time.Millisecond,
	}
}

// Config describes one session.
type Config struct {
	SessionID           string
	UserID              string
	DeviceID            string
	Mode                Mode
	Quality             quality.Thresholds
	Liveness            liveness.Config
	Timing              Timing
	MaxAttempts         int
	MaxSilentRecoveries int
	ConfidenceThreshold float64
}

// Deps are the collaborators of a machine.
type Deps struct {
	Detector   detector.Detector
	Provider   detector.HandleProvider
	Capture    CaptureSessions
	Verifier   Verifier
	Classifier *faults.Classifier
	Retry      *retry.Coordinator
	Clock      Clock
	Logger     *zap.Logger
	// OnSnapshot and OnFinish run with the machine locked. They must not
	// block or call back into the machine.
	OnSnapshot func(Snapshot)
	OnFinish   func(Report)
}

// Machine is the verification state machine for one session.
type Machine struct {
	cfg        Config
	detector   detector.Detector
	provider   detector.HandleProvider
	capture    CaptureSessions
	verifier   Verifier
	classifier *faults.Classifier
	retry      *retry.Coordinator
	clock      Clock
	logger     *zap.Logger
	onSnapshot func(Snapshot)
	onFinish   func(Report)
	acc        *liveness.Accumulator

	mu     sync.Mutex
	gen    uint64
	epoch  uint64
	timers []Timer
	ctx    context.Context
	cancel context.CancelFunc

	step             Step
	attempt          int
	retryCount       int
	silentRecoveries int
	captureFailures  int
	captureSeq       uint64
	captureInFlight  bool
	livenessRound    int
	countdown        int
	manual           bool
	degraded         bool
	suspended        bool
	terminated       bool

	lastObs    detector.Observation
	haveObs    bool
	assessment *quality.Assessment
	live       liveness.State
	status     string
	guidance   string
	current    *faults.VerificationError
	actions    []faults.RecoveryAction
	directive  Directive
	result     *verifyapi.Result
	startedAt  time.Time
}

// New builds an idle machine. Zero config values take their defaults.
func New(cfg Config, deps Deps) *Machine {
	if cfg.Mode == "" {
		cfg.Mode = ModeVerify
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = retry.DefaultMaxAttempts
	}
	if cfg.MaxSilentRecoveries < 0 {
		cfg.MaxSilentRecoveries = 0
	}
	if cfg.Timing.LivenessRounds <= 0 {
		cfg.Timing.LivenessRounds = 1
	}
	if cfg.Timing.CountdownSeconds <= 0 {
		cfg.Timing.CountdownSeconds = 1
	}
	if deps.Clock == nil {
		deps.Clock = RealClock()
	}
	if deps.Classifier == nil {
		deps.Classifier = faults.NewClassifierWithClock(deps.Clock.Now)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Retry == nil {
		deps.Retry = retry.NewCoordinator(deps.Classifier, time.Second, retry.DefaultMaxAttempts, deps.Logger)
	}
	return &Machine{
		cfg:        cfg,
		detector:   deps.Detector,
		provider:   deps.Provider,
		capture:    deps.Capture,
		verifier:   deps.Verifier,
		classifier: deps.Classifier,
		retry:      deps.Retry,
		clock:      deps.Clock,
		logger:     deps.Logger.Named("engine").With(zap.String("session_id", cfg.SessionID)),
		onSnapshot: deps.OnSnapshot,
		onFinish:   deps.OnFinish,
		acc:        liveness.New(cfg.Liveness),
		step:       StepInitializing,
	}
}

// SessionID returns the id the machine was built with.
func (m *Machine) SessionID() string { return m.cfg.SessionID }

// UserID returns the subject being verified.
func (m *Machine) UserID() string { return m.cfg.UserID }

// Start begins the first attempt.
func (m *Machine) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminated {
		return ErrTerminated
	}
	if m.attempt > 0 {
		return ErrAlreadyStarted
	}
	m.startedAt = m.clock.Now()
	m.attempt = 1
	m.beginAttemptLocked(false)
	return nil
}

// Observe feeds one detector sample. Samples are last-value-wins and are
// ignored outside the detecting and liveness steps.
func (m *Machine) Observe(obs detector.Observation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminated || m.suspended {
		return
	}
	m.lastObs = obs
	m.haveObs = true

	switch m.step {
	case StepDetecting:
		a := quality.Score(obs, m.cfg.Quality)
		m.assessment = &a
		m.guidance = a.Guidance.Message
		if a.IsValid {
			m.enterLivenessLocked(true)
			return
		}
		m.emitLocked()
	case StepLiveness:
		a := quality.Score(obs, m.cfg.Quality)
		m.assessment = &a
		m.live = m.acc.Observe(obs)
		if m.live.IsLive {
			m.logger.Info("liveness passed", zap.String("reason", string(m.live.Reason)), zap.Float64("score", m.live.Score))
			m.enterCapturingLocked()
			return
		}
		m.emitLocked()
	}
}

// Retry starts a new attempt from the error state.
func (m *Machine) Retry() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retryLocked()
}

// Cancel stops the session. A detach requested while a capture is in flight
// is deferred until the capture settles.
func (m *Machine) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminated {
		return
	}
	m.cancelLocked()
}

// Close tears the session down unconditionally, releasing the capture device
// even while keep-alive is held or a cancel left a detach pending.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.terminated {
		m.terminated = true
		m.invalidateLocked()
		m.stopCollaboratorsLocked()
	}
	m.capture.Detach(m.cfg.SessionID, capture.DetachTeardown, capture.Transition{From: string(m.step)})
	if !m.step.Terminal() {
		m.step = StepCancelled
		m.status = "Verification closed"
		m.reportLocked(OutcomeCancelled)
		m.emitLocked()
	}
}

// ExecuteRecoveryAction runs one of the actions offered with the current error.
func (m *Machine) ExecuteRecoveryAction(action faults.RecoveryAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminated {
		return ErrTerminated
	}
	if m.step != StepError || !containsAction(m.actions, action) {
		return ErrActionNotOffered
	}

	switch action {
	case faults.ActionRetry:
		return m.retryLocked()
	case faults.ActionRestartCamera:
		if m.attempt >= m.cfg.MaxAttempts {
			return ErrRetryNotAllowed
		}
		m.capture.Detach(m.cfg.SessionID, capture.DetachTeardown, capture.Transition{From: string(m.step)})
		m.attempt++
		m.silentRecoveries = 0
		m.beginAttemptLocked(false)
	case faults.ActionManualCapture:
		// Not budget-checked. It is never offered for a manual attempt, and
		// leaving one goes through retry or restart_camera, which are.
		m.attempt++
		m.silentRecoveries = 0
		m.beginAttemptLocked(true)
	case faults.ActionOpenSettings:
		m.directive = DirectiveOpenSettings
		m.emitLocked()
	case faults.ActionContactSupport:
		m.directive = DirectiveContactSupport
		m.emitLocked()
	case faults.ActionCancel:
		m.cancelLocked()
	}
	return nil
}

// HostLifecycle reacts to the host moving between foreground and background.
// Backgrounding pauses the attempt; coming back restarts it from
// initializing without spending an attempt.
func (m *Machine) HostLifecycle(state capture.HostState) {
	m.capture.HandleLifecycle(state)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminated || m.attempt == 0 {
		return
	}
	switch state {
	case capture.HostBackground:
		if m.suspended || !(m.step == StepInitializing || m.step.usesCamera()) {
			return
		}
		m.suspended = true
		m.invalidateLocked()
		m.stopCollaboratorsLocked()
		m.status = "Paused"
		m.logger.Info("attempt suspended", zap.String("step", string(m.step)))
		m.emitLocked()
	case capture.HostActive:
		if !m.suspended {
			return
		}
		m.suspended = false
		m.logger.Info("attempt resumed", zap.Int("attempt", m.attempt))
		m.beginAttemptLocked(m.manual)
	}
}

// Snapshot returns the current UI state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) retryLocked() error {
	if m.terminated {
		return ErrTerminated
	}
	if m.step != StepError || !m.canRetryLocked() {
		return ErrRetryNotAllowed
	}
	m.attempt++
	m.silentRecoveries = 0
	m.logger.Info("user retry", zap.Int("attempt", m.attempt))
	m.beginAttemptLocked(false)
	return nil
}

func (m *Machine) canRetryLocked() bool {
	return m.current != nil && m.current.Retryable && m.attempt < m.cfg.MaxAttempts
}

// cancelLocked keeps keep-alive only while a capture is running, so the
// deferred detach fires when that capture settles. A session waiting out a
// capture backoff has nothing in flight and releases the device at once.
func (m *Machine) cancelLocked() {
	critical := m.captureInFlight
	from := m.step
	m.terminated = true
	m.invalidateLocked()
	m.stopCollaboratorsLocked()
	if !critical {
		m.capture.DisableKeepAlive(m.cfg.SessionID)
	}
	if !m.capture.Detach(m.cfg.SessionID, capture.DetachCancel, capture.Transition{From: string(from)}) && critical {
		m.logger.Info("detach deferred until capture settles")
	}
	m.step = StepCancelled
	m.status = "Verification cancelled"
	m.countdown = 0
	if !from.Terminal() {
		m.reportLocked(OutcomeCancelled)
	}
	m.emitLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	s := Snapshot{
		SessionID:       m.cfg.SessionID,
		Mode:            m.cfg.Mode,
		Step:            m.step,
		ProgressPercent: m.step.progress(),
		StatusMessage:   m.status,
		GuidanceMessage: m.guidance,
		CurrentError:    m.current,
		CanRetry:        m.step == StepError && m.canRetryLocked(),
		Countdown:       m.countdown,
		AttemptNumber:   m.attempt,
		RetryCount:      m.retryCount,
		Liveness:        m.live,
		Result:          m.result,
		Directive:       m.directive,
		Manual:          m.manual,
		Degraded:        m.degraded,
		Suspended:       m.suspended,
		UpdatedAt:       m.clock.Now().UTC(),
	}
	if m.step == StepError {
		s.RecoveryActions = append([]faults.RecoveryAction(nil), m.actions...)
	}
	if m.assessment != nil {
		a := *m.assessment
		s.Quality = &a
	}
	return s
}

func (m *Machine) emitLocked() {
	if m.onSnapshot != nil {
		m.onSnapshot(m.snapshotLocked())
	}
}

func (m *Machine) reportLocked(outcome Outcome) {
	if m.onFinish == nil {
		return
	}
	m.onFinish(Report{
		SessionID:  m.cfg.SessionID,
		UserID:     m.cfg.UserID,
		DeviceID:   m.cfg.DeviceID,
		Mode:       m.cfg.Mode,
		Outcome:    outcome,
		Attempt:    m.attempt,
		RetryCount: m.retryCount,
		Manual:     m.manual,
		Err:        m.current,
		Result:     m.result,
		StartedAt:  m.startedAt,
		FinishedAt: m.clock.Now(),
	})
}

func containsAction(actions []faults.RecoveryAction, a faults.RecoveryAction) bool {
	for _, candidate := range actions {
		if candidate == a {
			return true
		}
	}
	return false
}
