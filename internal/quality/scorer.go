// Package quality grades a single frame observation for capture suitability.
package quality

import (
	"math"

	"github.com/example/faceverify/internal/detector"
)

// Thresholds tunes the scorer. Zero values are not meaningful; start from
// DefaultThresholds.
type Thresholds struct {
	// QualityThreshold is the minimum overall score that passes the gate.
	QualityThreshold float64 `toml:"quality_threshold" yaml:"quality_threshold" json:"quality_threshold"`
	// AngleThreshold is the combined |roll|+|yaw| in degrees tolerated
	// before the angle score starts to decay.
	AngleThreshold float64 `toml:"angle_threshold" yaml:"angle_threshold" json:"angle_threshold"`
	// MinFaceArea and MaxFaceArea bound usable detections as a fraction
	// of the frame.
	MinFaceArea float64 `toml:"min_face_area" yaml:"min_face_area" json:"min_face_area"`
	MaxFaceArea float64 `toml:"max_face_area" yaml:"max_face_area" json:"max_face_area"`
	// IdealMinArea, IdealPeakArea and IdealMaxArea shape the size score.
	IdealMinArea  float64 `toml:"ideal_min_area" yaml:"ideal_min_area" json:"ideal_min_area"`
	IdealPeakArea float64 `toml:"ideal_peak_area" yaml:"ideal_peak_area" json:"ideal_peak_area"`
	IdealMaxArea  float64 `toml:"ideal_max_area" yaml:"ideal_max_area" json:"ideal_max_area"`
	// LightingSaturation is the eye openness at which the lighting proxy
	// reaches 1.
	LightingSaturation float64 `toml:"lighting_saturation" yaml:"lighting_saturation" json:"lighting_saturation"`
	// GuidanceThreshold is the sub-score below which a dimension produces
	// a remediation message.
	GuidanceThreshold float64 `toml:"guidance_threshold" yaml:"guidance_threshold" json:"guidance_threshold"`
	Weights           Weights `toml:"weights" yaml:"weights" json:"weights"`
}

// Weights combine the sub-scores into the overall score.
type Weights struct {
	Size     float64 `toml:"size" yaml:"size" json:"size"`
	Lighting float64 `toml:"lighting" yaml:"lighting" json:"lighting"`
	Angle    float64 `toml:"angle" yaml:"angle" json:"angle"`
	Position float64 `toml:"position" yaml:"position" json:"position"`
}

// DefaultThresholds returns the baseline tuning. Position is reported but
// carries no weight.
func DefaultThresholds() Thresholds {
	return Thresholds{
		QualityThreshold:   0.7,
		AngleThreshold:     30,
		MinFaceArea:        0.10,
		MaxFaceArea:        0.80,
		IdealMinArea:       0.15,
		IdealPeakArea:      0.30,
		IdealMaxArea:       0.40,
		LightingSaturation: 0.7,
		GuidanceThreshold:  0.5,
		Weights: Weights{
			Size:     0.4,
			Lighting: 0.3,
			Angle:    0.3,
			Position: 0,
		},
	}
}

// Assessment is the per-tick grade of one observation.
type Assessment struct {
	Size     float64  `json:"size"`
	Lighting float64  `json:"lighting"`
	Angle    float64  `json:"angle"`
	Position float64  `json:"position"`
	Overall  float64  `json:"overall"`
	Usable   bool     `json:"usable"`
	IsValid  bool     `json:"is_valid"`
	Guidance Guidance `json:"guidance"`
}

// Score grades an observation. It is pure: the same observation and
// thresholds always produce the same assessment.
func Score(obs detector.Observation, t Thresholds) Assessment {
	if !obs.FacePresent() {
		return Assessment{Guidance: guidanceFor(GuidanceNoFace)}
	}

	area := obs.Bounds.Area()
	a := Assessment{
		Size:     sizeScore(area, t),
		Lighting: lightingScore(obs, t),
		Angle:    angleScore(obs, t),
		Position: positionScore(obs),
		Usable:   area >= t.MinFaceArea && area <= t.MaxFaceArea,
	}

	w := t.Weights
	total := w.Size + w.Lighting + w.Angle + w.Position
	if total > 0 {
		a.Overall = (w.Size*a.Size + w.Lighting*a.Lighting + w.Angle*a.Angle + w.Position*a.Position) / total
	}
	a.IsValid = a.Usable && obs.FaceCount <= 1 && a.Overall >= t.QualityThreshold
	a.Guidance = guide(obs, a, t)
	return a
}

func sizeScore(area float64, t Thresholds) float64 {
	switch {
	case area < t.MinFaceArea || area > t.MaxFaceArea:
		return 0
	case area < t.IdealMinArea:
		return 0.5 + 0.3*ratio(area-t.MinFaceArea, t.IdealMinArea-t.MinFaceArea)
	case area <= t.IdealPeakArea:
		return 0.8 + 0.2*ratio(area-t.IdealMinArea, t.IdealPeakArea-t.IdealMinArea)
	case area <= t.IdealMaxArea:
		return 1.0 - 0.2*ratio(area-t.IdealPeakArea, t.IdealMaxArea-t.IdealPeakArea)
	default:
		return 0.8 - 0.6*ratio(area-t.IdealMaxArea, t.MaxFaceArea-t.IdealMaxArea)
	}
}

// lightingScore uses eye openness as a stand-in for usable illumination:
// detectors lose eye landmarks first when a face is under-lit.
func lightingScore(obs detector.Observation, t Thresholds) float64 {
	open, ok := obs.EyeOpenness()
	if !ok {
		return 0.5
	}
	if t.LightingSaturation <= 0 {
		return clamp01(open)
	}
	return clamp01(open / t.LightingSaturation)
}

func angleScore(obs detector.Observation, t Thresholds) float64 {
	combined := math.Abs(obs.Roll) + math.Abs(obs.Yaw)
	if combined <= t.AngleThreshold {
		return 1
	}
	if t.AngleThreshold <= 0 {
		return 0
	}
	return clamp01(1 - (combined-t.AngleThreshold)/t.AngleThreshold)
}

func positionScore(obs detector.Observation) float64 {
	cx, cy := obs.Bounds.Center()
	dist := math.Hypot(cx-0.5, cy-0.5)
	return clamp01(1 - dist/0.5)
}

func ratio(num, den float64) float64 {
	if den <= 0 {
		return 0
	}
	return clamp01(num / den)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
