package quality

import "github.com/example/faceverify/internal/detector"

// GuidanceCode identifies the single instruction shown to the user.
type GuidanceCode string

const (
	GuidanceNone         GuidanceCode = ""
	GuidanceNoFace       GuidanceCode = "no_face"
	GuidanceMultiple     GuidanceCode = "multiple_faces"
	GuidanceLighting     GuidanceCode = "lighting"
	GuidancePositioning  GuidanceCode = "positioning"
	GuidanceMoveCloser   GuidanceCode = "move_closer"
	GuidanceMoveBack     GuidanceCode = "move_back"
	GuidanceAngle        GuidanceCode = "angle"
	GuidanceClarity      GuidanceCode = "clarity"
	GuidanceHoldPosition GuidanceCode = "hold_position"
)

// Guidance is one remediation message.
type Guidance struct {
	Code    GuidanceCode `json:"code"`
	Message string       `json:"message"`
}

var guidanceMessages = map[GuidanceCode]string{
	GuidanceNoFace:       "Position your face in the frame",
	GuidanceMultiple:     "Make sure only you are in the frame",
	GuidanceLighting:     "Move to a brighter area",
	GuidancePositioning:  "Center your face in the frame",
	GuidanceMoveCloser:   "Move closer to the camera",
	GuidanceMoveBack:     "Move back from the camera",
	GuidanceAngle:        "Look straight at the camera",
	GuidanceClarity:      "Hold still",
	GuidanceHoldPosition: "Perfect, hold that position",
}

func guidanceFor(code GuidanceCode) Guidance {
	return Guidance{Code: code, Message: guidanceMessages[code]}
}

// guide picks the highest-priority remediation: lighting, positioning,
// distance, angle, then clarity.
func guide(obs detector.Observation, a Assessment, t Thresholds) Guidance {
	switch {
	case obs.FaceCount > 1:
		return guidanceFor(GuidanceMultiple)
	case a.Lighting < t.GuidanceThreshold:
		return guidanceFor(GuidanceLighting)
	case a.Position < t.GuidanceThreshold:
		return guidanceFor(GuidancePositioning)
	case !a.Usable || a.Size < t.GuidanceThreshold:
		if obs.Bounds.Area() < t.IdealPeakArea {
			return guidanceFor(GuidanceMoveCloser)
		}
		return guidanceFor(GuidanceMoveBack)
	case a.Angle < t.GuidanceThreshold:
		return guidanceFor(GuidanceAngle)
	case !a.IsValid:
		return guidanceFor(GuidanceClarity)
	}
	return guidanceFor(GuidanceHoldPosition)
}
