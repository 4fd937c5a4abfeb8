// Package liveness accumulates frame observations into a liveness verdict.
//
// The pass ladder is deliberately forgiving: eye-openness probabilities are
// noisy on low-end hardware, so the accumulator prefers completing the flow
// over blocking a real user. The thresholds are tuning values, not a
// security model.
package liveness

import (
	"math"
	"sync"

	"github.com/example/faceverify/internal/detector"
)

// Config tunes the accumulator.
type Config struct {
	// ClosedThreshold is the eye openness below which eyes count as closed.
	ClosedThreshold float64 `toml:"closed_threshold" yaml:"closed_threshold" json:"closed_threshold"`
	// OpenThreshold is the eye openness above which eyes count as open.
	OpenThreshold float64 `toml:"open_threshold" yaml:"open_threshold" json:"open_threshold"`
	// BlinkIncrement is added to the score for each closed-to-open transition.
	BlinkIncrement float64 `toml:"blink_increment" yaml:"blink_increment" json:"blink_increment"`
	// MotionIncrement is added when head pose moves by MotionDegrees or more.
	MotionIncrement float64 `toml:"motion_increment" yaml:"motion_increment" json:"motion_increment"`
	MotionDegrees   float64 `toml:"motion_degrees" yaml:"motion_degrees" json:"motion_degrees"`
	// Decay is subtracted on every observation without blink or motion.
	Decay float64 `toml:"decay" yaml:"decay" json:"decay"`
	// PassScore applies once a blink has been seen.
	PassScore float64 `toml:"pass_score" yaml:"pass_score" json:"pass_score"`
	// ForgivingScore passes without an explicit blink.
	ForgivingScore float64 `toml:"forgiving_score" yaml:"forgiving_score" json:"forgiving_score"`
	// TimeoutScore passes when the countdown expires.
	TimeoutScore float64 `toml:"timeout_score" yaml:"timeout_score" json:"timeout_score"`
}

// DefaultConfig returns the baseline tuning.
func DefaultConfig() Config {
	return Config{
		ClosedThreshold: 0.3,
		OpenThreshold:   0.6,
		BlinkIncrement:  0.4,
		MotionIncrement: 0.05,
		MotionDegrees:   2,
		Decay:           0.01,
		PassScore:       0.6,
		ForgivingScore:  0.8,
		TimeoutScore:    0.3,
	}
}

// Reason names the rung of the ladder that produced a pass.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonBlink       Reason = "blink"
	ReasonScore       Reason = "score"
	ReasonTimeout     Reason = "timeout_score"
	ReasonFacePresent Reason = "face_present"
)

// Fallback reports whether the reason is a timeout rung.
func (r Reason) Fallback() bool {
	return r == ReasonTimeout || r == ReasonFacePresent
}

// State is a snapshot of the accumulator.
type State struct {
	Blinks        int     `json:"blinks"`
	Score         float64 `json:"score"`
	BlinkDetected bool    `json:"blink_detected"`
	IsLive        bool    `json:"is_live"`
	Active        bool    `json:"active"`
	Reason        Reason  `json:"reason,omitempty"`
}

type eyeState int

const (
	eyesUnknown eyeState = iota
	eyesOpen
	eyesClosed
)

// Accumulator is safe for concurrent use.
type Accumulator struct {
	cfg Config

	mu       sync.Mutex
	active   bool
	blinks   int
	score    float64
	reason   Reason
	eyes     eyeState
	lastPose *pose
}

type pose struct{ roll, yaw float64 }

// New returns an inactive accumulator.
func New(cfg Config) *Accumulator {
	return &Accumulator{cfg: cfg}
}

// Start activates tracking. Accumulated score survives a restart of the
// countdown within the same attempt; call Reset to clear it.
func (a *Accumulator) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active = true
}

// Stop deactivates tracking.
func (a *Accumulator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active = false
}

// Reset clears all accumulated evidence.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active = false
	a.blinks = 0
	a.score = 0
	a.reason = ReasonNone
	a.eyes = eyesUnknown
	a.lastPose = nil
}

// Observe folds one observation into the score. Observations received while
// inactive, or after a pass, leave the state untouched.
func (a *Accumulator) Observe(obs detector.Observation) State {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.active || a.reason != ReasonNone {
		return a.snapshot()
	}

	if !obs.FacePresent() {
		a.eyes = eyesUnknown
		a.lastPose = nil
		a.decay()
		return a.snapshot()
	}

	evidence := false
	if open, ok := obs.EyeOpenness(); ok {
		switch {
		case open < a.cfg.ClosedThreshold:
			a.eyes = eyesClosed
		case open > a.cfg.OpenThreshold:
			if a.eyes == eyesClosed {
				a.blinks++
				a.score += a.cfg.BlinkIncrement
				evidence = true
			}
			a.eyes = eyesOpen
		}
	}

	p := pose{roll: obs.Roll, yaw: obs.Yaw}
	if a.lastPose != nil {
		moved := math.Abs(p.roll-a.lastPose.roll) + math.Abs(p.yaw-a.lastPose.yaw)
		if moved >= a.cfg.MotionDegrees {
			a.score += a.cfg.MotionIncrement
			evidence = true
		}
	}
	a.lastPose = &p

	if !evidence {
		a.decay()
	}
	a.score = math.Min(1, a.score)

	switch {
	case a.blinks > 0 && a.score > a.cfg.PassScore:
		a.reason = ReasonBlink
	case a.score > a.cfg.ForgivingScore:
		a.reason = ReasonScore
	}
	return a.snapshot()
}

// Expire applies the countdown-expiry rungs of the ladder and deactivates
// tracking. terminal marks the last countdown of the attempt, where the mere
// presence of a face is accepted.
func (a *Accumulator) Expire(facePresent, terminal bool) State {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.active = false
	if a.reason == ReasonNone {
		switch {
		case a.score > a.cfg.TimeoutScore:
			a.reason = ReasonTimeout
		case terminal && facePresent:
			a.reason = ReasonFacePresent
		}
	}
	return a.snapshot()
}

// State returns the current snapshot.
func (a *Accumulator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshot()
}

func (a *Accumulator) decay() {
	a.score = math.Max(0, a.score-a.cfg.Decay)
}

// snapshot reports IsLive only while tracking is active, or when the pass
// came from a timeout rung.
func (a *Accumulator) snapshot() State {
	passed := a.reason != ReasonNone
	return State{
		Blinks:        a.blinks,
		Score:         a.score,
		BlinkDetected: a.blinks > 0,
		IsLive:        passed && (a.active || a.reason.Fallback()),
		Active:        a.active,
		Reason:        a.reason,
	}
}
