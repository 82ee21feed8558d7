package consensus

import (
	"math"
	"testing"

	"github.com/kmflow-ai/kmflow/internal/model"
)

func TestComputeSinglePlaneCap(t *testing.T) {
	// Excellent evidence from one plane only: broad quality cannot rescue
	// narrow coverage.
	score := Compute(Inputs{
		Coverage:    0.25,
		Agreement:   1.0,
		MeanQuality: 0.95,
		Reliability: 0.9,
		Recency:     0.9,
	})

	if math.Abs(score.Strength-0.5875) > 1e-9 {
		t.Errorf("strength = %v, want 0.5875", score.Strength)
	}
	if math.Abs(score.Quality-0.920) > 1e-9 {
		t.Errorf("quality = %v, want 0.920", score.Quality)
	}
	if score.Confidence != score.Strength {
		t.Errorf("confidence = %v, want min dimension %v", score.Confidence, score.Strength)
	}

	// One unvalidated source grades D regardless of its claimed
	// reliability, and the grade ceiling pulls the dim numeric score down
	// to dark.
	grade := Grade(1, 1, false, 0.9)
	if grade != model.GradeD {
		t.Errorf("grade = %v, want D for a single unvalidated source", grade)
	}
	if got := BrightnessOf(score.Confidence, grade); got != model.BrightnessDark {
		t.Errorf("brightness = %v, want dark", got)
	}
}

func TestGrades(t *testing.T) {
	cases := []struct {
		sources, planes int
		validated       bool
		reliability     float64
		want            model.EvidenceGrade
	}{
		{0, 0, false, 0, model.GradeU},
		{3, 2, true, 0.9, model.GradeA},
		{2, 2, false, 0.9, model.GradeB},
		{2, 1, false, 0.6, model.GradeC},
		{1, 1, true, 0.6, model.GradeC},
		{1, 1, false, 0.9, model.GradeD},
		{1, 1, false, 0.3, model.GradeD},
		{2, 1, false, 0.2, model.GradeD},
	}
	for _, tc := range cases {
		got := Grade(tc.sources, tc.planes, tc.validated, tc.reliability)
		if got != tc.want {
			t.Errorf("Grade(%d, %d, %v, %v) = %v, want %v",
				tc.sources, tc.planes, tc.validated, tc.reliability, got, tc.want)
		}
	}
}

func TestBrightnessBands(t *testing.T) {
	if got := ScoreBrightness(0.80); got != model.BrightnessBright {
		t.Errorf("ScoreBrightness(0.80) = %v, want bright", got)
	}
	if got := ScoreBrightness(0.75); got != model.BrightnessBright {
		t.Errorf("ScoreBrightness(0.75) = %v, want bright (inclusive)", got)
	}
	if got := ScoreBrightness(0.5875); got != model.BrightnessDim {
		t.Errorf("ScoreBrightness(0.5875) = %v, want dim", got)
	}
	if got := ScoreBrightness(0.39); got != model.BrightnessDark {
		t.Errorf("ScoreBrightness(0.39) = %v, want dark", got)
	}
}

func TestBrightnessGradeCeiling(t *testing.T) {
	// The single-plane cap scenario end to end: dim numeric score, grade D
	// ceiling pulls the final class down to dark.
	if got := BrightnessOf(0.5875, model.GradeD); got != model.BrightnessDark {
		t.Errorf("BrightnessOf(0.5875, D) = %v, want dark", got)
	}
	// A high score behind grade C renders dim, never bright.
	if got := BrightnessOf(0.9, model.GradeC); got != model.BrightnessDim {
		t.Errorf("BrightnessOf(0.9, C) = %v, want dim", got)
	}
	// A and B impose no ceiling.
	if got := BrightnessOf(0.9, model.GradeA); got != model.BrightnessBright {
		t.Errorf("BrightnessOf(0.9, A) = %v, want bright", got)
	}
}
