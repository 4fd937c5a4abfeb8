package quality

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/faceverify/internal/detector"
)

// centered builds an observation whose face covers the given frame area.
func centered(area, eyes, roll, yaw float64) detector.Observation {
	side := math.Sqrt(area)
	return detector.Observation{
		Bounds:       detector.Bounds{X: 0.5 - side/2, Y: 0.5 - side/2, Width: side, Height: side},
		LeftEyeOpen:  eyes,
		RightEyeOpen: eyes,
		Roll:         roll,
		Yaw:          yaw,
		FaceCount:    1,
	}
}

func TestScoreIdealFace(t *testing.T) {
	a := Score(centered(0.30, 0.9, 0, 0), DefaultThresholds())

	require.InDelta(t, 1.0, a.Size, 1e-9)
	require.InDelta(t, 1.0, a.Lighting, 1e-9)
	require.InDelta(t, 1.0, a.Angle, 1e-9)
	require.GreaterOrEqual(t, a.Overall, 0.8)
	require.True(t, a.IsValid)
	require.Equal(t, GuidanceHoldPosition, a.Guidance.Code)
}

func TestScoreRejectsUnusableArea(t *testing.T) {
	th := DefaultThresholds()
	for _, area := range []float64{0.01, 0.05, 0.099, 0.81, 0.9, 1.0} {
		a := Score(centered(area, 0.9, 0, 0), th)
		require.False(t, a.IsValid, "area %v", area)
		require.False(t, a.Usable, "area %v", area)
	}
}

func TestScoreNoFace(t *testing.T) {
	a := Score(detector.Observation{}, DefaultThresholds())
	require.Zero(t, a.Overall)
	require.False(t, a.IsValid)
	require.Equal(t, GuidanceNoFace, a.Guidance.Code)
}

func TestScoreIsPureWeightedMean(t *testing.T) {
	th := DefaultThresholds()
	obs := centered(0.2, 0.5, 10, 25)

	first := Score(obs, th)
	second := Score(obs, th)
	require.Equal(t, first, second)

	want := 0.4*first.Size + 0.3*first.Lighting + 0.3*first.Angle
	require.InDelta(t, want, first.Overall, 1e-9)
}

func TestSizeScorePeaksAtIdeal(t *testing.T) {
	th := DefaultThresholds()
	peak := sizeScore(0.30, th)
	for _, area := range []float64{0.11, 0.15, 0.25, 0.35, 0.40, 0.6, 0.79} {
		require.Less(t, sizeScore(area, th), peak, "area %v", area)
	}
	require.InDelta(t, 0.8, sizeScore(0.15, th), 1e-9)
	require.InDelta(t, 0.8, sizeScore(0.40, th), 1e-9)
}

func TestAngleScoreDecaysPastThreshold(t *testing.T) {
	th := DefaultThresholds()
	require.Equal(t, 1.0, Score(centered(0.3, 0.9, 10, 20), th).Angle)
	require.InDelta(t, 0.5, Score(centered(0.3, 0.9, 20, 25), th).Angle, 1e-9)
	require.Equal(t, 0.0, Score(centered(0.3, 0.9, 30, -40), th).Angle)
}

func TestGuidancePrecedence(t *testing.T) {
	th := DefaultThresholds()

	// dark and too far and turned: lighting wins
	a := Score(centered(0.11, 0.1, 40, 40), th)
	require.Equal(t, GuidanceLighting, a.Guidance.Code)

	// lit but off-center
	off := centered(0.3, 0.9, 0, 0)
	off.Bounds.X = 0.0
	off.Bounds.Y = 0.0
	require.Equal(t, GuidancePositioning, Score(off, th).Guidance.Code)

	require.Equal(t, GuidanceMoveCloser, Score(centered(0.05, 0.9, 0, 0), th).Guidance.Code)
	require.Equal(t, GuidanceMoveBack, Score(centered(0.9, 0.9, 0, 0), th).Guidance.Code)
	require.Equal(t, GuidanceAngle, Score(centered(0.3, 0.9, 30, 30), th).Guidance.Code)

	multi := centered(0.3, 0.9, 0, 0)
	multi.FaceCount = 2
	got := Score(multi, th)
	require.False(t, got.IsValid)
	require.Equal(t, GuidanceMultiple, got.Guidance.Code)
}

func TestLightingWithUnknownEyes(t *testing.T) {
	obs := centered(0.3, detector.UnknownEyeOpenness, 0, 0)
	require.Equal(t, 0.5, Score(obs, DefaultThresholds()).Lighting)
}
