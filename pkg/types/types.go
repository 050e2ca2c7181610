package types

import "math"

// UnknownLabel is the effective label of a prediction that did not clear the
// confidence threshold, and the label of the sentinel prediction returned when
// a classifier yields nothing usable.
const UnknownLabel = "unknown"

// Category names one of the two independent attributes assigned to an image
type Category string

const (
	CategoryTheme Category = "theme"
	CategoryStyle Category = "style"
)

// Categories lists the categories in the order names are composed from them
var Categories = []Category{CategoryTheme, CategoryStyle}

// Prediction is a single (label, score) pair reported by a classifier.
// Score is a probability in [0,1].
type Prediction struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// UnknownPrediction returns the zero-confidence sentinel prediction
func UnknownPrediction() Prediction {
	return Prediction{Label: UnknownLabel, Score: 0}
}

// Finite reports whether the score is a usable number
func (p Prediction) Finite() bool {
	return !math.IsNaN(p.Score) && !math.IsInf(p.Score, 0)
}

// ScoreResponse is the JSON document vision models are asked to return
// when acting as a zero-shot classifier.
type ScoreResponse struct {
	Scores []Prediction `json:"scores"`
}
