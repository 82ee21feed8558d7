package consensus

import (
	"github.com/kmflow-ai/kmflow/internal/model"
)

// Brightness thresholds on the numeric confidence score.
const (
	brightThreshold = 0.75
	dimThreshold    = 0.40
)

// Inputs are the per-element aggregates the confidence model consumes. All
// values are in [0,1].
type Inputs struct {
	Coverage  float64 // supporting planes / planes with any active evidence
	Agreement float64 // agreeing sources / mentioning sources

	MeanQuality float64 // mean of supporting items' quality means
	Reliability float64 // mean reliability dimension
	Recency     float64 // mean freshness dimension
}

// Score is the two independent confidence dimensions and their floor.
type Score struct {
	Strength   float64
	Quality    float64
	Confidence float64
}

// Compute evaluates the confidence model. Strength measures how broadly and
// unanimously the evidence supports the element; quality measures how good
// that evidence is. The final confidence is the floor of the two, so a weak
// dimension cannot hide behind a strong one.
func Compute(in Inputs) Score {
	strength := 0.55*in.Coverage + 0.45*in.Agreement
	quality := 0.40*in.MeanQuality + 0.35*in.Reliability + 0.25*in.Recency
	confidence := strength
	if quality < confidence {
		confidence = quality
	}
	return Score{Strength: strength, Quality: quality, Confidence: confidence}
}

// Grade classifies an element's provenance, independent of the numeric
// score. A single unvalidated source is D no matter how reliable it claims
// to be: C requires corroboration within the plane.
func Grade(sources, planes int, humanValidated bool, reliability float64) model.EvidenceGrade {
	switch {
	case sources == 0:
		return model.GradeU
	case humanValidated && planes >= 2:
		return model.GradeA
	case planes >= 2:
		return model.GradeB
	case sources < 2 && !humanValidated:
		return model.GradeD
	case reliability >= 0.5:
		return model.GradeC
	default:
		return model.GradeD
	}
}

// ScoreBrightness maps the numeric confidence to a display class.
func ScoreBrightness(confidence float64) model.Brightness {
	switch {
	case confidence >= brightThreshold:
		return model.BrightnessBright
	case confidence >= dimThreshold:
		return model.BrightnessDim
	default:
		return model.BrightnessDark
	}
}

// BrightnessOf combines the score brightness with the grade ceiling: an
// element can never render brighter than its provenance supports.
func BrightnessOf(confidence float64, grade model.EvidenceGrade) model.Brightness {
	return model.MinBrightness(ScoreBrightness(confidence), model.GradeBrightness(grade))
}
