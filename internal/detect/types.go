package detect

// RawDetection is one model output box in model-input coordinates,
// before any filtering or letterbox reversal.
type RawDetection struct {
	Box     [4]float64 `json:"box"` // x1, y1, x2, y2
	Score   float64    `json:"score"`
	ClassID int        `json:"class_id"`
}

// Observation is a filtered detection mapped back into source-frame
// coordinates. Observations live for one pipeline cycle.
type Observation struct {
	CenterX    float64
	CenterY    float64
	Width      float64
	Height     float64
	Area       float64
	ClassLabel string
	Score      float64
}

// hazardLabels maps raw model class ids to canonical hazard labels.
var hazardLabels = map[int]string{
	0: "pothole",
	1: "crack",
	2: "damage",
	3: "construction",
	4: "debris",
	5: "flooding",
}

// LabelFor returns the canonical hazard label for a model class id,
// or "unknown" for ids outside the trained set.
func LabelFor(classID int) string {
	if label, ok := hazardLabels[classID]; ok {
		return label
	}
	return "unknown"
}
