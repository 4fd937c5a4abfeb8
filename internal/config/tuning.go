package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/example/faceverify/internal/engine"
	"github.com/example/faceverify/internal/liveness"
	"github.com/example/faceverify/internal/quality"
	"github.com/example/faceverify/internal/retry"
)

// Duration is a time.Duration written as "300ms" or "10s" in tuning files.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// TimingTuning is the session schedule.
type TimingTuning struct {
	DetectionTimeout     Duration `toml:"detection_timeout" yaml:"detection_timeout" json:"detection_timeout"`
	CountdownSeconds     int      `toml:"countdown_seconds" yaml:"countdown_seconds" json:"countdown_seconds"`
	CountdownTick        Duration `toml:"countdown_tick" yaml:"countdown_tick" json:"countdown_tick"`
	LivenessRounds       int      `toml:"liveness_rounds" yaml:"liveness_rounds" json:"liveness_rounds"`
	HealthInterval       Duration `toml:"health_interval" yaml:"health_interval" json:"health_interval"`
	CaptureStabilization Duration `toml:"capture_stabilization" yaml:"capture_stabilization" json:"capture_stabilization"`
}

// SessionTuning bounds retries and acceptance.
type SessionTuning struct {
	MaxAttempts         int      `toml:"max_attempts" yaml:"max_attempts" json:"max_attempts"`
	MaxSilentRecoveries int      `toml:"max_silent_recoveries" yaml:"max_silent_recoveries" json:"max_silent_recoveries"`
	ConfidenceThreshold float64  `toml:"confidence_threshold" yaml:"confidence_threshold" json:"confidence_threshold"`
	RetryBaseDelay      Duration `toml:"retry_base_delay" yaml:"retry_base_delay" json:"retry_base_delay"`
	ResultTTL           Duration `toml:"result_ttl" yaml:"result_ttl" json:"result_ttl"`
}

// Tuning is the set of empirical thresholds, weights and timeouts. Missing
// keys in a tuning file keep their defaults.
type Tuning struct {
	Quality  quality.Thresholds `toml:"quality" yaml:"quality" json:"quality"`
	Liveness liveness.Config    `toml:"liveness" yaml:"liveness" json:"liveness"`
	Timing   TimingTuning       `toml:"timing" yaml:"timing" json:"timing"`
	Session  SessionTuning      `toml:"session" yaml:"session" json:"session"`
}

// DefaultTuning returns the baseline tuning.
func DefaultTuning() Tuning {
	timing := engine.DefaultTiming()
	return Tuning{
		Quality:  quality.DefaultThresholds(),
		Liveness: liveness.DefaultConfig(),
		Timing: TimingTuning{
			DetectionTimeout:     Duration(timing.DetectionTimeout),
			CountdownSeconds:     timing.CountdownSeconds,
			CountdownTick:        Duration(timing.CountdownTick),
			LivenessRounds:       timing.LivenessRounds,
			HealthInterval:       Duration(timing.HealthInterval),
			CaptureStabilization: Duration(timing.CaptureStabilization),
		},
		Session: SessionTuning{
			MaxAttempts:         retry.DefaultMaxAttempts,
			MaxSilentRecoveries: 2,
			ConfidenceThreshold: 0.7,
			RetryBaseDelay:      Duration(time.Second),
			ResultTTL:           Duration(5 * time.Minute),
		},
	}
}

// LoadTuning reads a tuning file over the defaults. An empty path returns
// the defaults. The format follows the file extension.
func LoadTuning(path string) (Tuning, error) {
	tuning := DefaultTuning()
	if path == "" {
		return tuning, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Tuning{}, fmt.Errorf("read tuning file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &tuning); err != nil {
			return Tuning{}, fmt.Errorf("parse TOML tuning: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &tuning); err != nil {
			return Tuning{}, fmt.Errorf("parse YAML tuning: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &tuning); err != nil {
			return Tuning{}, fmt.Errorf("parse JSON tuning: %w", err)
		}
	default:
		return Tuning{}, fmt.Errorf("unsupported tuning file format: %s", filepath.Ext(path))
	}

	if err := tuning.Validate(); err != nil {
		return Tuning{}, fmt.Errorf("invalid tuning %s: %w", path, err)
	}
	return tuning, nil
}

// Validate rejects values the session flow cannot run with.
func (t Tuning) Validate() error {
	q := t.Quality
	if q.QualityThreshold < 0 || q.QualityThreshold > 1 {
		return fmt.Errorf("quality.quality_threshold must be within [0,1]")
	}
	if q.MinFaceArea <= 0 || q.MaxFaceArea <= q.MinFaceArea || q.MaxFaceArea > 1 {
		return fmt.Errorf("quality face area bounds must satisfy 0 < min < max <= 1")
	}
	if !(q.IdealMinArea < q.IdealPeakArea && q.IdealPeakArea < q.IdealMaxArea) {
		return fmt.Errorf("quality ideal areas must be strictly increasing")
	}
	if q.Weights.Size < 0 || q.Weights.Lighting < 0 || q.Weights.Angle < 0 || q.Weights.Position < 0 {
		return fmt.Errorf("quality weights must be >= 0")
	}

	l := t.Liveness
	if l.ClosedThreshold >= l.OpenThreshold {
		return fmt.Errorf("liveness.closed_threshold must be below open_threshold")
	}
	if l.PassScore <= 0 || l.ForgivingScore <= 0 || l.TimeoutScore <= 0 {
		return fmt.Errorf("liveness scores must be > 0")
	}

	tm := t.Timing
	if tm.DetectionTimeout <= 0 || tm.CountdownTick <= 0 || tm.HealthInterval <= 0 {
		return fmt.Errorf("timing durations must be > 0")
	}
	if tm.CaptureStabilization < 0 {
		return fmt.Errorf("timing.capture_stabilization must be >= 0")
	}
	if tm.CountdownSeconds < 1 || tm.LivenessRounds < 1 {
		return fmt.Errorf("timing.countdown_seconds and timing.liveness_rounds must be >= 1")
	}

	s := t.Session
	if s.MaxAttempts < 1 {
		return fmt.Errorf("session.max_attempts must be >= 1")
	}
	if s.MaxSilentRecoveries < 0 {
		return fmt.Errorf("session.max_silent_recoveries must be >= 0")
	}
	if s.ConfidenceThreshold < 0 || s.ConfidenceThreshold > 1 {
		return fmt.Errorf("session.confidence_threshold must be within [0,1]")
	}
	if s.RetryBaseDelay <= 0 || s.ResultTTL <= 0 {
		return fmt.Errorf("session durations must be > 0")
	}
	return nil
}

// EngineTiming converts the timing section for the session engine.
func (t Tuning) EngineTiming() engine.Timing {
	return engine.Timing{
		DetectionTimeout:     time.Duration(t.Timing.DetectionTimeout),
		CountdownSeconds:     t.Timing.CountdownSeconds,
		CountdownTick:        time.Duration(t.Timing.CountdownTick),
		LivenessRounds:       t.Timing.LivenessRounds,
		HealthInterval:       time.Duration(t.Timing.HealthInterval),
		CaptureStabilization: time.Duration(t.Timing.CaptureStabilization),
	}
}
