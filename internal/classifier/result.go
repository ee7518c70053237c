package classifier

import "math"

// Label is the ripeness class returned by the remote model.
type Label string

const (
	LabelRipe       Label = "Matang"
	LabelNotYetRipe Label = "Belum Matang"
	LabelUnripe     Label = "Mentah"
	LabelRotten     Label = "Busuk"
)

const unknownDescription = "Unknown classification result."

var descriptions = map[Label]string{
	LabelRipe:       "This avocado is perfectly ripe and ready to eat.",
	LabelNotYetRipe: "Give it a few more days - it's not quite ready yet.",
	LabelUnripe:     "Give it a few more days - it's not quite ready yet.",
	LabelRotten:     "Unfortunately, this avocado is past its prime.",
}

// Known reports whether the label is one the service has a description for.
func (l Label) Known() bool {
	_, ok := descriptions[l]
	return ok
}

// Description falls back to a generic text for labels the model may add later.
func (l Label) Description() string {
	if d, ok := descriptions[l]; ok {
		return d
	}
	return unknownDescription
}

// Result is a parsed prediction. Confidence is always within [0, 1].
type Result struct {
	Label      Label   `json:"label"`
	Confidence float64 `json:"confidence"`
}

// NewResult clamps confidence into [0, 1]; NaN becomes 0.
func NewResult(label string, confidence float64) Result {
	return Result{Label: Label(label), Confidence: clampUnit(confidence)}
}

// ConfidencePercent rounds the confidence to a whole percentage.
func (r Result) ConfidencePercent() int {
	return int(math.Round(r.Confidence * 100))
}

func clampUnit(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
