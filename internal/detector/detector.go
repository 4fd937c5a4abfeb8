// Package detector holds the contract between the verification core and the
// native face detector, plus a bridge implementation fed by the host process.
package detector

import (
	"context"
	"time"
)

// Bounds is a face region normalized to the viewport (0..1 on both axes).
type Bounds struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Area returns the fraction of the frame covered by the region.
func (b Bounds) Area() float64 {
	if b.Width <= 0 || b.Height <= 0 {
		return 0
	}
	return b.Width * b.Height
}

// Center returns the region midpoint.
func (b Bounds) Center() (float64, float64) {
	return b.X + b.Width/2, b.Y + b.Height/2
}

// UnknownEyeOpenness marks an eye probability the detector could not compute.
const UnknownEyeOpenness = -1

// Observation is one sampled detection result. Observations are never mutated
// after the detector emits them.
type Observation struct {
	Bounds       Bounds    `json:"bounds"`
	LeftEyeOpen  float64   `json:"left_eye_open"`
	RightEyeOpen float64   `json:"right_eye_open"`
	Roll         float64   `json:"roll"`
	Yaw          float64   `json:"yaw"`
	TrackingID   int       `json:"tracking_id"`
	FaceCount    int       `json:"face_count"`
	Timestamp    time.Time `json:"timestamp"`
}

// FacePresent reports whether the observation carries a usable face region.
func (o Observation) FacePresent() bool {
	return o.Bounds.Area() > 0
}

// EyeOpenness averages the eye probabilities, ignoring unknown values.
// The second return is false when neither eye was measured.
func (o Observation) EyeOpenness() (float64, bool) {
	var sum float64
	var n int
	for _, p := range []float64{o.LeftEyeOpen, o.RightEyeOpen} {
		if p < 0 {
			continue
		}
		sum += p
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// Artifact is an opaque captured photo.
type Artifact struct {
	ID          string
	ContentType string
	Data        []byte
	CapturedAt  time.Time
}

// Detector is the native detector seen from the engine.
type Detector interface {
	// Start begins emitting observations. It fails when the detector or its
	// device is unavailable.
	Start(ctx context.Context) error
	Stop()
	Available() bool
}

// Handle is the hardware capture session. Only the capture manager holds one.
type Handle interface {
	// Ready reports whether the underlying native resource still exposes
	// its capture capability.
	Ready() bool
	Capture(ctx context.Context) (Artifact, error)
	Close() error
}

// HandleProvider creates and re-resolves capture handles.
type HandleProvider interface {
	Open(ctx context.Context) (Handle, error)
	// Resolve returns the most recent handle the host knows about, which may
	// differ from one previously opened if the host recreated it.
	Resolve() (Handle, bool)
}
