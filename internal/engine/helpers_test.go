package engine

import (
	"context"
	"sort"
	"sync"
	"testing"
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

type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Unix(1700000000, 0)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward, firing due timers in order. Timers scheduled
// by a firing callback run too if they fall inside the window.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		var pending []*manualTimer
		for _, t := range c.timers {
			if !t.stopped && !t.fired && !t.at.After(target) {
				pending = append(pending, t)
			}
		}
		if len(pending) == 0 {
			break
		}
		sort.SliceStable(pending, func(i, j int) bool { return pending[i].at.Before(pending[j].at) })
		next := pending[0]
		next.fired = true
		if next.at.After(c.now) {
			c.now = next.at
		}
		c.mu.Unlock()
		next.f()
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
}

type stubDetector struct {
	mu       sync.Mutex
	startErr error
	starts   int
	stops    int
}

func (d *stubDetector) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.starts++
	return d.startErr
}

func (d *stubDetector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
}

func (d *stubDetector) Available() bool { return true }

type captureCall struct {
	op     string
	reason capture.DetachReason
	t      capture.Transition
}

type stubCapture struct {
	mu          sync.Mutex
	attachErrs  []error
	healthy     []bool
	recoverOK   []bool
	captureErrs []error
	captureGate chan struct{}
	calls       []captureCall
	keepAlive   bool
}

func (s *stubCapture) record(c captureCall) {
	s.calls = append(s.calls, c)
}

func (s *stubCapture) Attach(ctx context.Context, sessionID string, provider detector.HandleProvider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(captureCall{op: "attach"})
	if len(s.attachErrs) > 0 {
		err := s.attachErrs[0]
		s.attachErrs = s.attachErrs[1:]
		return err
	}
	return nil
}

func (s *stubCapture) Detach(sessionID string, reason capture.DetachReason, t capture.Transition) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(captureCall{op: "detach", reason: reason, t: t})
	return !(s.keepAlive && (reason == capture.DetachTransition || reason == capture.DetachCancel))
}

func (s *stubCapture) EnableKeepAlive(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keepAlive = true
}

func (s *stubCapture) DisableKeepAlive(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keepAlive {
		s.record(captureCall{op: "keepalive_off"})
	}
	s.keepAlive = false
}

func (s *stubCapture) IsHealthy(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(captureCall{op: "healthy"})
	if len(s.healthy) > 0 {
		h := s.healthy[0]
		s.healthy = s.healthy[1:]
		return h
	}
	return true
}

func (s *stubCapture) Recover(ctx context.Context, sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(captureCall{op: "recover"})
	if len(s.recoverOK) > 0 {
		ok := s.recoverOK[0]
		s.recoverOK = s.recoverOK[1:]
		return ok
	}
	return true
}

func (s *stubCapture) Capture(ctx context.Context, sessionID string) (detector.Artifact, error) {
	s.mu.Lock()
	gate := s.captureGate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return detector.Artifact{}, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(captureCall{op: "capture"})
	if len(s.captureErrs) > 0 {
		err := s.captureErrs[0]
		s.captureErrs = s.captureErrs[1:]
		if err != nil {
			return detector.Artifact{}, err
		}
	}
	return detector.Artifact{ID: "photo", ContentType: "image/jpeg", Data: []byte("jpeg")}, nil
}

func (s *stubCapture) HandleLifecycle(state capture.HostState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(captureCall{op: "lifecycle:" + string(state)})
	if state == capture.HostBackground {
		s.keepAlive = false
	}
}

func (s *stubCapture) ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.calls))
	for _, c := range s.calls {
		out = append(out, c.op)
	}
	return out
}

func (s *stubCapture) count(op string) int {
	n := 0
	for _, o := range s.ops() {
		if o == op {
			n++
		}
	}
	return n
}

type verifyCall struct {
	userID string
	live   bool
	meta   verifyapi.Metadata
}

type stubVerifier struct {
	mu         sync.Mutex
	results    []verifyapi.Result
	errs       []error
	calls      []verifyCall
	registered []string
}

func (v *stubVerifier) Verify(ctx context.Context, userID string, artifact detector.Artifact, live bool, meta verifyapi.Metadata) (verifyapi.Result, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls = append(v.calls, verifyCall{userID: userID, live: live, meta: meta})
	if len(v.errs) > 0 {
		err := v.errs[0]
		v.errs = v.errs[1:]
		if err != nil {
			return verifyapi.Result{}, err
		}
	}
	if len(v.results) > 0 {
		res := v.results[0]
		v.results = v.results[1:]
		return res, nil
	}
	return verifyapi.Result{Success: true, Confidence: 0.95}, nil
}

func (v *stubVerifier) RegisterProfile(ctx context.Context, userID string, encoding []byte, meta verifyapi.Metadata) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.registered = append(v.registered, userID)
	if len(v.errs) > 0 {
		err := v.errs[0]
		v.errs = v.errs[1:]
		return err
	}
	return nil
}

func (v *stubVerifier) verifyCalls() []verifyCall {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]verifyCall(nil), v.calls...)
}

type recorder struct {
	mu        sync.Mutex
	snapshots []Snapshot
	reports   []Report
}

func (r *recorder) snapshot(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, s)
}

func (r *recorder) finish(rep Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, rep)
}

func (r *recorder) steps() []Step {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Step
	for _, s := range r.snapshots {
		if len(out) == 0 || out[len(out)-1] != s.Step {
			out = append(out, s.Step)
		}
	}
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snapshots)
}

func (r *recorder) finished() []Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Report(nil), r.reports...)
}

type harness struct {
	m        *Machine
	clock    *manualClock
	det      *stubDetector
	capture  *stubCapture
	verifier *stubVerifier
	rec      *recorder
}

func testTiming() Timing {
	return Timing{
		DetectionTimeout:     10 * time.Second,
		CountdownSeconds:     3,
		CountdownTick:        time.Second,
		LivenessRounds:       2,
		HealthInterval:       0,
		CaptureStabilization: 0,
	}
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		clock:    newManualClock(),
		det:      &stubDetector{},
		capture:  &stubCapture{},
		verifier: &stubVerifier{},
		rec:      &recorder{},
	}
	cfg := Config{
		SessionID:           "sess-1",
		UserID:              "user-1",
		Mode:                ModeVerify,
		Quality:             quality.DefaultThresholds(),
		Liveness:            liveness.DefaultConfig(),
		Timing:              testTiming(),
		MaxAttempts:         3,
		MaxSilentRecoveries: 1,
		ConfidenceThreshold: 0.7,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	classifier := faults.NewClassifierWithClock(h.clock.Now)
	h.m = New(cfg, Deps{
		Detector:   h.det,
		Provider:   nil,
		Capture:    h.capture,
		Verifier:   h.verifier,
		Classifier: classifier,
		Retry:      retry.NewCoordinator(classifier, 0, 3, zap.NewNop()),
		Clock:      h.clock,
		Logger:     zap.NewNop(),
		OnSnapshot: h.rec.snapshot,
		OnFinish:   h.rec.finish,
	})
	t.Cleanup(h.m.Close)
	return h
}

func waitForStep(t *testing.T, m *Machine, want Step) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		s := m.Snapshot()
		if s.Step == want {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for step %s, at %s (%s)", want, s.Step, s.StatusMessage)
		}
		time.Sleep(time.Millisecond)
	}
}

func goodFace() detector.Observation {
	return detector.Observation{
		Bounds:       detector.Bounds{X: 0.2, Y: 0.2, Width: 0.6, Height: 0.5},
		LeftEyeOpen:  0.9,
		RightEyeOpen: 0.9,
		FaceCount:    1,
	}
}

func withEyes(obs detector.Observation, open float64) detector.Observation {
	obs.LeftEyeOpen = open
	obs.RightEyeOpen = open
	return obs
}

// blinkTwice feeds a sequence that passes liveness on the blink rung.
func blinkTwice(m *Machine) {
	face := goodFace()
	for _, eyes := range []float64{0.9, 0.1, 0.9, 0.1, 0.9} {
		m.Observe(withEyes(face, eyes))
	}
}
