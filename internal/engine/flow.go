package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/faceverify/internal/capture"
	"github.com/example/faceverify/internal/detector"
	"github.com/example/faceverify/internal/faults"
	"github.com/example/faceverify/internal/retry"
	"github.com/example/faceverify/internal/verifyapi"
)

// errSessionLost means silent recovery could not restore the capture handle.
var errSessionLost = errors.New("capture session lost")

// faceKinds send a failed capture back to detection rather than liveness.
var faceKinds = map[faults.Kind]bool{
	faults.KindNoFaceDetected:   true,
	faults.KindMultipleFaces:    true,
	faults.KindFaceTooSmall:     true,
	faults.KindFaceTooLarge:     true,
	faults.KindFaceNotCentered:  true,
	faults.KindFaceAngleInvalid: true,
	faults.KindPoorLighting:     true,
	faults.KindTooBright:        true,
	faults.KindTooDark:          true,
	faults.KindBlurryImage:      true,
	faults.KindLowImageQuality:  true,
}

// beginAttemptLocked drops everything belonging to the previous attempt and
// enters initializing.
func (m *Machine) beginAttemptLocked(manual bool) {
	m.invalidateLocked()
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.manual = manual
	m.degraded = false
	m.captureFailures = 0
	m.livenessRound = 0
	m.countdown = 0
	m.haveObs = false
	m.assessment = nil
	m.current = nil
	m.actions = nil
	m.directive = DirectiveNone
	m.result = nil
	m.guidance = ""
	m.acc.Reset()
	m.live = m.acc.State()

	m.setStepLocked(StepInitializing, "Starting camera")
	m.emitLocked()

	go m.initialize(m.ctx, m.gen, manual)
}

// invalidateLocked makes every pending timer and in-flight operation stale.
func (m *Machine) invalidateLocked() {
	m.gen++
	m.epoch++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.stopTimersLocked()
}

func (m *Machine) stopTimersLocked() {
	for _, t := range m.timers {
		t.Stop()
	}
	m.timers = nil
}

func (m *Machine) stopCollaboratorsLocked() {
	m.detector.Stop()
	m.acc.Stop()
	m.live = m.acc.State()
	m.countdown = 0
}

func (m *Machine) currentLocked(gen uint64) bool {
	return !m.terminated && !m.suspended && m.gen == gen
}

// setStepLocked cancels the timers of the step being left and issues the
// transition detach, which keep-alive may suppress.
func (m *Machine) setStepLocked(to Step, status string) {
	from := m.step
	m.epoch++
	m.stopTimersLocked()
	if from.usesCamera() && from != to {
		m.capture.Detach(m.cfg.SessionID, capture.DetachTransition, capture.Transition{From: string(from), To: string(to)})
	}
	m.step = to
	m.status = status
	if from != to {
		m.logger.Info("state transition",
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.Int("attempt", m.attempt),
		)
	}
}

// scheduleLocked runs fn with the machine locked after d, unless the step
// has been left in the meantime.
func (m *Machine) scheduleLocked(d time.Duration, fn func()) {
	epoch := m.epoch
	t := m.clock.AfterFunc(d, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.epoch != epoch || m.terminated || m.suspended {
			return
		}
		fn()
	})
	m.timers = append(m.timers, t)
}

func (m *Machine) initialize(ctx context.Context, gen uint64, manual bool) {
	err := m.attachWithRecovery(ctx)
	if err == nil && !manual {
		err = m.detector.Start(ctx)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.currentLocked(gen) {
		return
	}
	if err != nil {
		m.failLocked(m.classifyLocked(err, "attach"), false)
		return
	}
	if manual {
		m.enterCapturingLocked()
		return
	}
	m.enterDetectingLocked()
}

// attachWithRecovery attaches and verifies the session is healthy, retrying
// retryable faults silently up to MaxSilentRecoveries times.
func (m *Machine) attachWithRecovery(ctx context.Context) error {
	sid := m.cfg.SessionID
	for i := 0; ; i++ {
		err := m.capture.Attach(ctx, sid, m.provider)
		if err == nil {
			if m.capture.IsHealthy(sid) || m.capture.Recover(ctx, sid) {
				return nil
			}
			err = faults.DetectorFault{Detail: "capture session attached but not delivering frames"}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		verr := m.classifier.Classify(err, faults.Context{Operation: "attach", Step: string(StepInitializing), Attempt: i + 1})
		if !verr.Retryable || i >= m.cfg.MaxSilentRecoveries {
			return err
		}
		m.logger.Warn("attach failed, retrying silently", zap.Error(err), zap.Int("recovery", i+1))
		if err := pause(ctx, m.clock, m.cfg.Timing.CaptureStabilization); err != nil {
			return err
		}
	}
}

func (m *Machine) enterDetectingLocked() {
	m.setStepLocked(StepDetecting, "Looking for your face")
	m.capture.EnableKeepAlive(m.cfg.SessionID)
	m.livenessRound = 0
	m.scheduleLocked(m.cfg.Timing.DetectionTimeout, m.onDetectionTimeoutLocked)
	m.scheduleHealthLocked()
	m.emitLocked()
}

func (m *Machine) onDetectionTimeoutLocked() {
	m.degraded = !m.facePresentLocked()
	m.logger.Info("detection timed out, continuing to liveness", zap.Bool("face_present", !m.degraded))
	m.enterLivenessLocked(true)
}

func (m *Machine) scheduleHealthLocked() {
	if m.cfg.Timing.HealthInterval <= 0 {
		return
	}
	m.scheduleLocked(m.cfg.Timing.HealthInterval, m.checkHealthLocked)
}

func (m *Machine) checkHealthLocked() {
	if m.capture.IsHealthy(m.cfg.SessionID) {
		m.scheduleHealthLocked()
		return
	}
	m.logger.Warn("capture session unhealthy", zap.String("step", string(m.step)))
	gen, epoch, ctx := m.gen, m.epoch, m.ctx
	go func() {
		ok := m.capture.Recover(ctx, m.cfg.SessionID)
		m.mu.Lock()
		defer m.mu.Unlock()
		if !m.currentLocked(gen) || m.epoch != epoch {
			return
		}
		if ok {
			m.logger.Warn("capture session recovered silently")
			m.scheduleHealthLocked()
			return
		}
		m.restartFromTopLocked("health check")
	}()
}

// restartFromTopLocked restarts the current attempt from initializing
// without consuming retry budget, until silent recoveries run out.
func (m *Machine) restartFromTopLocked(reason string) {
	m.silentRecoveries++
	if m.silentRecoveries > m.cfg.MaxSilentRecoveries {
		m.failLocked(m.classifier.New(faults.KindHardwareError, "capture session lost after silent recovery: "+reason, errSessionLost), false)
		return
	}
	m.logger.Warn("restarting attempt after capture loss",
		zap.String("reason", reason),
		zap.Int("recovery", m.silentRecoveries),
	)
	m.beginAttemptLocked(m.manual)
}

func (m *Machine) enterLivenessLocked(fresh bool) {
	if fresh {
		m.acc.Reset()
		m.livenessRound = 0
	}
	m.livenessRound++
	m.acc.Start()
	m.live = m.acc.State()
	m.countdown = m.cfg.Timing.CountdownSeconds
	m.setStepLocked(StepLiveness, "Blink to show you are there")
	m.scheduleLocked(m.cfg.Timing.CountdownTick, m.onCountdownTickLocked)
	m.scheduleHealthLocked()
	m.emitLocked()
}

func (m *Machine) onCountdownTickLocked() {
	m.countdown--
	if m.countdown > 0 {
		m.scheduleLocked(m.cfg.Timing.CountdownTick, m.onCountdownTickLocked)
		m.emitLocked()
		return
	}
	m.expireLivenessLocked()
}

func (m *Machine) expireLivenessLocked() {
	terminal := m.livenessRound >= m.cfg.Timing.LivenessRounds
	m.live = m.acc.Expire(m.facePresentLocked(), terminal)
	switch {
	case m.live.IsLive:
		m.logger.Info("liveness accepted on timeout",
			zap.String("reason", string(m.live.Reason)),
			zap.Float64("score", m.live.Score),
			zap.Int("round", m.livenessRound),
		)
		m.enterCapturingLocked()
	case !terminal:
		m.logger.Info("liveness countdown restarted", zap.Int("round", m.livenessRound), zap.Float64("score", m.live.Score))
		m.enterLivenessLocked(false)
	default:
		kind := faults.KindLivenessTimeout
		if !m.facePresentLocked() {
			kind = faults.KindNoFaceDetected
		}
		m.failLocked(m.classifier.New(kind, fmt.Sprintf("liveness not proven after %d rounds", m.livenessRound), nil), false)
	}
}

func (m *Machine) enterCapturingLocked() {
	m.countdown = 0
	m.setStepLocked(StepCapturing, "Hold still")
	m.capture.EnableKeepAlive(m.cfg.SessionID)
	m.emitLocked()
	m.captureSeq++
	m.captureInFlight = true
	go m.capturePhoto(m.ctx, m.gen, m.captureSeq)
}

func (m *Machine) capturePhoto(ctx context.Context, gen, seq uint64) {
	artifact, err := m.captureWithPreflight(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.captureSeq == seq {
		m.captureInFlight = false
	}
	if !m.currentLocked(gen) {
		if m.terminated && !m.captureInFlight {
			m.capture.DisableKeepAlive(m.cfg.SessionID)
		}
		return
	}
	if err != nil {
		m.onCaptureFailedLocked(err)
		return
	}
	m.enterProcessingLocked(artifact)
}

// captureWithPreflight recovers an unhealthy session before touching it.
func (m *Machine) captureWithPreflight(ctx context.Context) (detector.Artifact, error) {
	if err := pause(ctx, m.clock, m.cfg.Timing.CaptureStabilization); err != nil {
		return detector.Artifact{}, err
	}
	sid := m.cfg.SessionID
	if !m.capture.IsHealthy(sid) {
		m.logger.Warn("capture preflight found unhealthy session")
		if !m.capture.Recover(ctx, sid) {
			return detector.Artifact{}, errSessionLost
		}
	}
	return m.capture.Capture(ctx, sid)
}

func (m *Machine) onCaptureFailedLocked(err error) {
	if errors.Is(err, errSessionLost) {
		m.restartFromTopLocked("capture preflight")
		return
	}
	m.captureFailures++
	d := m.retry.Decide(err, m.captureFailures, faults.Context{Operation: "capture", Step: string(StepCapturing), Attempt: m.attempt})
	if !d.Retry {
		m.failLocked(d.Err, d.ShowFallback)
		return
	}

	m.retryCount++
	back := func() { m.enterLivenessLocked(true) }
	if faceKinds[d.Err.Kind] {
		back = m.enterDetectingLocked
	}
	m.logger.Warn("capture failed, going back",
		zap.String("kind", string(d.Err.Kind)),
		zap.Int("failures", m.captureFailures),
		zap.Duration("delay", d.Delay),
	)
	m.status = d.Err.UserMessage
	if d.Delay <= 0 {
		back()
		return
	}
	m.scheduleLocked(d.Delay, back)
	m.emitLocked()
}

func (m *Machine) enterProcessingLocked(artifact detector.Artifact) {
	m.capture.DisableKeepAlive(m.cfg.SessionID)
	status := "Verifying your identity"
	if m.cfg.Mode == ModeRegister {
		status = "Registering your face"
	}
	m.setStepLocked(StepProcessing, status)
	m.stopCollaboratorsLocked()

	live := m.live.IsLive && !m.manual
	meta := verifyapi.Metadata{
		SessionID:     m.cfg.SessionID,
		Attempt:       m.attempt,
		LivenessScore: m.live.Score,
		Manual:        m.manual,
		DeviceID:      m.cfg.DeviceID,
	}
	m.emitLocked()
	go m.process(m.ctx, m.gen, artifact, live, meta)
}

func (m *Machine) process(ctx context.Context, gen uint64, artifact detector.Artifact, live bool, meta verifyapi.Metadata) {
	fc := faults.Context{Operation: string(m.cfg.Mode), Step: string(StepProcessing), Attempt: meta.Attempt}
	res, out := retry.Run(ctx, m.retry, fc, func(ctx context.Context) (verifyapi.Result, error) {
		if m.cfg.Mode == ModeRegister {
			if err := m.verifier.RegisterProfile(ctx, m.cfg.UserID, artifact.Data, meta); err != nil {
				return verifyapi.Result{}, err
			}
			return verifyapi.Result{Success: true}, nil
		}
		return m.verifier.Verify(ctx, m.cfg.UserID, artifact, live, meta)
	}, func(attempt int, verr *faults.VerificationError) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if !m.currentLocked(gen) {
			return
		}
		m.retryCount++
		m.status = fmt.Sprintf("Retrying (%d/%d)", attempt+1, m.retry.MaxAttempts())
		m.emitLocked()
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.currentLocked(gen) {
		return
	}
	if out.Err != nil {
		m.failLocked(out.Err, out.ShouldShowFallback)
		return
	}
	m.finishProcessingLocked(res)
}

func (m *Machine) finishProcessingLocked(res verifyapi.Result) {
	m.result = &res
	if m.cfg.Mode == ModeVerify {
		if !res.Success {
			m.failLocked(m.classifier.New(faults.KindVerificationFailed, "verification service rejected the face", nil), false)
			return
		}
		if res.Confidence < m.cfg.ConfidenceThreshold {
			msg := fmt.Sprintf("confidence %.2f below threshold %.2f", res.Confidence, m.cfg.ConfidenceThreshold)
			m.failLocked(m.classifier.New(faults.KindLowConfidence, msg, nil), false)
			return
		}
	}
	status := "Identity verified"
	if m.cfg.Mode == ModeRegister {
		status = "Face registered"
	}
	m.setStepLocked(StepSuccess, status)
	m.teardownLocked()
	m.reportLocked(OutcomeSuccess)
	m.emitLocked()
}

func (m *Machine) failLocked(verr *faults.VerificationError, fallback bool) {
	m.current = verr
	m.actions = m.actionsLocked(verr, fallback)
	m.setStepLocked(StepError, verr.UserMessage)
	if len(verr.Suggestions) > 0 {
		m.guidance = verr.Suggestions[0]
	}
	m.teardownLocked()
	m.logger.Error("verification failed",
		zap.String("kind", string(verr.Kind)),
		zap.String("code", verr.Code),
		zap.Bool("retryable", verr.Retryable),
		zap.String("severity", string(verr.Severity)),
		zap.Int("attempt", m.attempt),
		zap.Bool("fallback", fallback),
		zap.String("message", verr.Message),
	)
	m.reportLocked(OutcomeError)
	m.emitLocked()
}

// actionsLocked trims the kind's actions to what the session can still do.
func (m *Machine) actionsLocked(verr *faults.VerificationError, fallback bool) []faults.RecoveryAction {
	canRetry := verr.Retryable && m.attempt < m.cfg.MaxAttempts
	out := make([]faults.RecoveryAction, 0, len(verr.Actions)+2)
	for _, a := range verr.Actions {
		switch a {
		case faults.ActionRetry:
			if !canRetry {
				continue
			}
		case faults.ActionRestartCamera:
			if m.attempt >= m.cfg.MaxAttempts {
				continue
			}
		case faults.ActionManualCapture:
			if m.manual {
				continue
			}
		}
		out = append(out, a)
	}
	if fallback && !m.manual && !containsAction(out, faults.ActionManualCapture) {
		out = append(out, faults.ActionManualCapture)
	}
	if !containsAction(out, faults.ActionCancel) {
		out = append(out, faults.ActionCancel)
	}
	return out
}

func (m *Machine) teardownLocked() {
	m.stopTimersLocked()
	m.stopCollaboratorsLocked()
	m.capture.DisableKeepAlive(m.cfg.SessionID)
	m.capture.Detach(m.cfg.SessionID, capture.DetachTeardown, capture.Transition{From: string(m.step)})
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

func (m *Machine) facePresentLocked() bool {
	return m.haveObs && m.lastObs.FacePresent()
}

func (m *Machine) classifyLocked(err error, operation string) *faults.VerificationError {
	return m.classifier.Classify(err, faults.Context{Operation: operation, Step: string(m.step), Attempt: m.attempt})
}
