package liveness

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/faceverify/internal/detector"
)

func face(eyes, roll, yaw float64) detector.Observation {
	return detector.Observation{
		Bounds:       detector.Bounds{X: 0.25, Y: 0.25, Width: 0.5, Height: 0.5},
		LeftEyeOpen:  eyes,
		RightEyeOpen: eyes,
		Roll:         roll,
		Yaw:          yaw,
		FaceCount:    1,
	}
}

func TestBlinksPassTheGate(t *testing.T) {
	acc := New(DefaultConfig())
	acc.Start()

	acc.Observe(face(0.9, 0, 0))
	acc.Observe(face(0.1, 0, 0))
	s := acc.Observe(face(0.9, 0, 0))
	require.Equal(t, 1, s.Blinks)
	require.True(t, s.BlinkDetected)
	require.False(t, s.IsLive, "one blink alone stays under the pass score")

	acc.Observe(face(0.1, 0, 0))
	s = acc.Observe(face(0.9, 0, 0))
	require.Equal(t, 2, s.Blinks)
	require.True(t, s.IsLive)
	require.Equal(t, ReasonBlink, s.Reason)
}

func TestMotionAloneReachesForgivingScore(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MotionIncrement = 0.2
	acc := New(cfg)
	acc.Start()

	var s State
	for i := 0; i < 6; i++ {
		s = acc.Observe(face(detector.UnknownEyeOpenness, float64(i*3), 0))
	}
	require.False(t, s.BlinkDetected)
	require.True(t, s.IsLive)
	require.Equal(t, ReasonScore, s.Reason)
}

func TestScoreDecaysWithoutEvidence(t *testing.T) {
	acc := New(DefaultConfig())
	acc.Start()
	acc.Observe(face(0.1, 0, 0))
	s := acc.Observe(face(0.9, 0, 0))
	before := s.Score
	for i := 0; i < 5; i++ {
		s = acc.Observe(face(0.9, 0, 0))
	}
	require.Less(t, s.Score, before)
	require.GreaterOrEqual(t, s.Score, 0.0)
}

func TestInactiveNeverReportsLive(t *testing.T) {
	acc := New(DefaultConfig())
	for i := 0; i < 20; i++ {
		eyes := 0.9
		if i%2 == 0 {
			eyes = 0.1
		}
		s := acc.Observe(face(eyes, float64(i*5), 0))
		require.False(t, s.IsLive)
		require.Zero(t, s.Blinks)
	}
}

func TestStopClearsNonFallbackVerdict(t *testing.T) {
	acc := New(DefaultConfig())
	acc.Start()
	for i := 0; i < 2; i++ {
		acc.Observe(face(0.1, 0, 0))
		acc.Observe(face(0.9, 0, 0))
	}
	require.True(t, acc.State().IsLive)

	acc.Stop()
	s := acc.State()
	require.False(t, s.Active)
	require.False(t, s.IsLive)
}

func TestExpireLadder(t *testing.T) {
	t.Run("score above timeout threshold", func(t *testing.T) {
		acc := New(DefaultConfig())
		acc.Start()
		acc.Observe(face(0.1, 0, 0))
		acc.Observe(face(0.9, 0, 0))
		s := acc.Expire(true, false)
		require.True(t, s.IsLive)
		require.Equal(t, ReasonTimeout, s.Reason)
	})

	t.Run("low score first countdown fails", func(t *testing.T) {
		acc := New(DefaultConfig())
		acc.Start()
		acc.Observe(face(0.9, 0, 0))
		s := acc.Expire(true, false)
		require.False(t, s.IsLive)
		require.False(t, s.Active)
	})

	t.Run("terminal countdown accepts a present face", func(t *testing.T) {
		acc := New(DefaultConfig())
		acc.Start()
		acc.Observe(face(0.9, 0, 0))
		require.False(t, acc.Expire(true, false).IsLive)

		acc.Start()
		acc.Observe(face(0.9, 0, 0))
		s := acc.Expire(true, true)
		require.True(t, s.IsLive)
		require.Equal(t, ReasonFacePresent, s.Reason)
	})

	t.Run("terminal countdown without face fails", func(t *testing.T) {
		acc := New(DefaultConfig())
		acc.Start()
		s := acc.Expire(false, true)
		require.False(t, s.IsLive)
	})
}

func TestResetClearsEverything(t *testing.T) {
	acc := New(DefaultConfig())
	acc.Start()
	acc.Observe(face(0.1, 0, 0))
	acc.Observe(face(0.9, 0, 0))
	acc.Reset()
	require.Equal(t, State{}, acc.State())
}
