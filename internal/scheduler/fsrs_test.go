package scheduler

import (
	"math"
	"testing"
	"time"

	"mnemo/internal/types"
)

func reviewedState(stability float64, reviews int, at time.Time) types.FSRSState {
	next := at.Add(time.Duration(stability * 24 * float64(time.Hour)))
	return types.FSRSState{
		StabilityDays:  stability,
		Difficulty:     0.5,
		Retrievability: 0.95,
		ReviewCount:    reviews,
		LastReview:     &at,
		NextReview:     &next,
	}
}

func TestInferGrade(t *testing.T) {
	tests := []struct {
		name string
		resp types.Response
		want types.ReviewGrade
	}{
		{"incorrect", types.Response{IsCorrect: false, ResponseTimeMs: 500}, types.GradeAgain},
		{"incorrect slow", types.Response{IsCorrect: false, ResponseTimeMs: 9000}, types.GradeAgain},
		{"hint demotes", types.Response{IsCorrect: true, HintUsed: true, ResponseTimeMs: 1000}, types.GradeHard},
		{"fast correct", types.Response{IsCorrect: true, ResponseTimeMs: 1500}, types.GradeEasy},
		{"slow correct", types.Response{IsCorrect: true, ResponseTimeMs: 4000}, types.GradeGood},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := InferGrade(&tt.resp); got != tt.want {
				t.Errorf("InferGrade(%+v) = %d, want %d", tt.resp, got, tt.want)
			}
		})
	}
}

func TestAdvanceSuccessNeverShrinksStability(t *testing.T) {
	now := time.Now()
	for _, grade := range []types.ReviewGrade{types.GradeHard, types.GradeGood, types.GradeEasy} {
		prior := reviewedState(4.0, 2, now.Add(-4*24*time.Hour))
		next := Advance(prior, grade, now)
		if next.StabilityDays < prior.StabilityDays {
			t.Errorf("grade %d: stability shrank %.2f -> %.2f", grade, prior.StabilityDays, next.StabilityDays)
		}
		if next.Retrievability != 0.95 {
			t.Errorf("grade %d: retrievability = %.2f, want 0.95", grade, next.Retrievability)
		}
		if next.Lapses != prior.Lapses {
			t.Errorf("grade %d: success must not add a lapse", grade)
		}
	}
}

func TestAdvanceLapseHalvesStability(t *testing.T) {
	now := time.Now()
	prior := reviewedState(8.0, 4, now.Add(-8*24*time.Hour))
	next := Advance(prior, types.GradeAgain, now)

	if got, want := next.StabilityDays, 4.0; math.Abs(got-want) > 1e-9 {
		t.Errorf("stability = %.2f, want %.2f", got, want)
	}
	if next.Lapses != prior.Lapses+1 {
		t.Errorf("lapses = %d, want %d", next.Lapses, prior.Lapses+1)
	}
	if next.Retrievability > 0.70*prior.Retrievability+1e-9 {
		t.Errorf("retrievability = %.3f, want <= %.3f", next.Retrievability, 0.70*prior.Retrievability)
	}
}

func TestAdvanceStabilityFloor(t *testing.T) {
	now := time.Now()
	prior := reviewedState(0.3, 1, now.Add(-time.Hour))
	next := Advance(prior, types.GradeAgain, now)
	if next.StabilityDays < minStabilityDays {
		t.Errorf("stability = %.3f, below the %.2f-day floor", next.StabilityDays, minStabilityDays)
	}

	// At the floor a lapse holds stability steady; the failure still lands
	// in lapses and retrievability.
	atFloor := reviewedState(minStabilityDays, 4, now.Add(-time.Hour))
	atFloor.Lapses = 2
	next = Advance(atFloor, types.GradeAgain, now)
	if next.StabilityDays != minStabilityDays {
		t.Errorf("stability at floor = %.3f, want %.2f", next.StabilityDays, minStabilityDays)
	}
	if next.Lapses != 3 {
		t.Errorf("lapses = %d, want 3", next.Lapses)
	}
	if next.Retrievability > 0.70*atFloor.Retrievability {
		t.Errorf("retrievability = %.3f, want at most 70%% of prior %.3f",
			next.Retrievability, atFloor.Retrievability)
	}
}

func TestAdvanceDifficultyClamped(t *testing.T) {
	now := time.Now()

	hard := types.FSRSState{Difficulty: 0.95}
	for i := 0; i < 5; i++ {
		hard = Advance(hard, types.GradeAgain, now)
	}
	if hard.Difficulty > 1 {
		t.Errorf("difficulty = %.2f, escaped [0,1]", hard.Difficulty)
	}

	easy := types.FSRSState{Difficulty: 0.05}
	for i := 0; i < 5; i++ {
		easy = Advance(easy, types.GradeEasy, now)
	}
	if easy.Difficulty < 0 {
		t.Errorf("difficulty = %.2f, escaped [0,1]", easy.Difficulty)
	}
}

func TestAdvanceIntervalBounded(t *testing.T) {
	now := time.Now()
	prior := reviewedState(400, 10, now.Add(-24*time.Hour))
	next := Advance(prior, types.GradeGood, now)

	gap := next.NextReview.Sub(*next.LastReview)
	if gap > time.Duration(maxIntervalDays)*24*time.Hour {
		t.Errorf("interval %s exceeds the %d-day cap", gap, maxIntervalDays)
	}
}

func TestGrowthSlowsWithMaturity(t *testing.T) {
	prev := math.Inf(1)
	for _, reviews := range []int{0, 1, 3, 10} {
		g := growth(reviews)
		if g >= prev {
			t.Errorf("growth(%d) = %.2f, not below the younger factor %.2f", reviews, g, prev)
		}
		prev = g
	}
}

func TestRetrievabilityDecay(t *testing.T) {
	reviewed := time.Now().Add(-10 * 24 * time.Hour)
	state := reviewedState(10, 3, reviewed)

	// One full stability interval decays to 90% of baseline.
	got := Retrievability(state, reviewed.Add(10*24*time.Hour))
	want := 0.95 * 0.9
	if math.Abs(got-want) > 1e-6 {
		t.Errorf("Retrievability after one interval = %.4f, want %.4f", got, want)
	}

	// Never reviewed: zero.
	if r := Retrievability(types.FSRSState{}, time.Now()); r != 0 {
		t.Errorf("unreviewed retrievability = %.2f, want 0", r)
	}
}

func TestDue(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	if !Due(types.FSRSState{}, now) {
		t.Error("atoms without a schedule are due immediately")
	}
	if !Due(types.FSRSState{NextReview: &past}, now) {
		t.Error("past next review should be due")
	}
	if Due(types.FSRSState{NextReview: &future}, now) {
		t.Error("future next review should not be due")
	}
}
