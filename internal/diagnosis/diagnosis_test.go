package diagnosis

import (
	"testing"

	"mnemo/internal/types"
)

func flashcard(lapses, reviews int) *types.Atom {
	return &types.Atom{
		ID:   "atom-1",
		Type: types.TypeFlashcard,
		FSRS: types.FSRSState{Lapses: lapses, ReviewCount: reviews},
	}
}

func slowHistory(n int) []types.Response {
	out := make([]types.Response, n)
	for i := range out {
		out[i] = types.Response{ResponseTimeMs: 12000}
	}
	return out
}

func TestDiagnoseRuleTable(t *testing.T) {
	tests := []struct {
		name        string
		atom        *types.Atom
		resp        types.Response
		history     []types.Response
		confusables []string
		wantRule    string
		wantFail    types.FailMode
		wantSuccess types.SuccessMode
	}{
		{
			name:     "impulsive miss",
			atom:     flashcard(0, 5),
			resp:     types.Response{IsCorrect: false, ResponseTimeMs: 900},
			wantRule: "impulsive",
			wantFail: types.FailExecutive,
		},
		{
			name:     "repeated lapses",
			atom:     flashcard(3, 8),
			resp:     types.Response{IsCorrect: false, ResponseTimeMs: 4000},
			wantRule: "repeated",
			wantFail: types.FailEncoding,
		},
		{
			name:     "procedural miss",
			atom:     &types.Atom{ID: "p", Type: types.TypeParsons, FSRS: types.FSRSState{ReviewCount: 5}},
			resp:     types.Response{IsCorrect: false, ResponseTimeMs: 4000},
			wantRule: "procedural",
			wantFail: types.FailIntegration,
		},
		{
			name:     "numeric is procedural too",
			atom:     &types.Atom{ID: "n", Type: types.TypeNumeric, FSRS: types.FSRSState{ReviewCount: 5}},
			resp:     types.Response{IsCorrect: false, ResponseTimeMs: 4000},
			wantRule: "procedural",
			wantFail: types.FailIntegration,
		},
		{
			name:     "fresh atom miss",
			atom:     flashcard(0, 1),
			resp:     types.Response{IsCorrect: false, ResponseTimeMs: 4000},
			wantRule: "fresh",
			wantFail: types.FailEncoding,
		},
		{
			name:     "plain retrieval miss",
			atom:     flashcard(1, 6),
			resp:     types.Response{IsCorrect: false, ResponseTimeMs: 4000},
			wantRule: "default_fail",
			wantFail: types.FailRetrieval,
		},
		{
			name:        "fluent success",
			atom:        flashcard(0, 6),
			resp:        types.Response{IsCorrect: true, ResponseTimeMs: 1200},
			wantRule:    "fluency",
			wantSuccess: types.SuccessFluency,
		},
		{
			name:        "effortful success",
			atom:        flashcard(0, 6),
			resp:        types.Response{IsCorrect: true, ResponseTimeMs: 6000},
			wantRule:    "recall",
			wantSuccess: types.SuccessRecall,
		},
		{
			name:     "slow-run miss with nothing earlier is fatigue",
			atom:     flashcard(1, 6),
			resp:     types.Response{IsCorrect: false, ResponseTimeMs: 12000},
			history:  slowHistory(4),
			wantRule: "fatigue",
			wantFail: types.FailFatigue,
		},
		{
			name:     "repeated lapses outrank fatigue",
			atom:     flashcard(3, 8),
			resp:     types.Response{IsCorrect: false, ResponseTimeMs: 12000},
			history:  slowHistory(4),
			wantRule: "repeated",
			wantFail: types.FailEncoding,
		},
		{
			name:     "fatigue applies to correct answers too",
			atom:     flashcard(0, 6),
			resp:     types.Response{IsCorrect: true, ResponseTimeMs: 15000},
			history:  slowHistory(4),
			wantRule: "fatigue",
			wantFail: types.FailFatigue,
		},
		{
			name: "mcq confusable replaces the plain retrieval miss",
			atom: &types.Atom{ID: "m", Type: types.TypeMCQ, FSRS: types.FSRSState{ReviewCount: 5}},
			resp: types.Response{
				IsCorrect:      false,
				ResponseTimeMs: 4000,
				ChosenOption:   "UDP",
			},
			confusables: []string{"udp", "sctp"},
			wantRule:    "discrimination",
			wantFail:    types.FailDiscrimination,
		},
		{
			name: "impulsive outranks a confusable choice",
			atom: &types.Atom{ID: "m", Type: types.TypeMCQ, FSRS: types.FSRSState{ReviewCount: 5}},
			resp: types.Response{
				IsCorrect:      false,
				ResponseTimeMs: 900,
				ChosenOption:   "UDP",
			},
			confusables: []string{"udp", "sctp"},
			wantRule:    "impulsive",
			wantFail:    types.FailExecutive,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Diagnose(tt.atom, &tt.resp, tt.history, tt.confusables)
			if d.Rule != tt.wantRule {
				t.Errorf("rule = %q, want %q (diagnosis %+v)", d.Rule, tt.wantRule, d)
			}
			if d.FailMode != tt.wantFail {
				t.Errorf("fail mode = %q, want %q", d.FailMode, tt.wantFail)
			}
			if d.SuccessMode != tt.wantSuccess {
				t.Errorf("success mode = %q, want %q", d.SuccessMode, tt.wantSuccess)
			}
			if d.IsCorrect != tt.resp.IsCorrect {
				t.Error("diagnosis must carry the response correctness")
			}
		})
	}
}

func TestFatigueNeedsFullWindow(t *testing.T) {
	atom := flashcard(0, 6)

	// Only three prior slow answers: not yet fatigue.
	d := Diagnose(atom, &types.Response{IsCorrect: false, ResponseTimeMs: 12000}, slowHistory(3), nil)
	if d.Rule == "fatigue" {
		t.Error("three slow answers should not trigger fatigue")
	}

	// One fast answer inside the window breaks the run.
	history := slowHistory(4)
	history[2].ResponseTimeMs = 2000
	d = Diagnose(atom, &types.Response{IsCorrect: false, ResponseTimeMs: 12000}, history, nil)
	if d.Rule == "fatigue" {
		t.Error("a fast answer inside the window should break the fatigue run")
	}
}

func TestMCQWrongOptionWithoutConfusableFallsThrough(t *testing.T) {
	atom := &types.Atom{ID: "m", Type: types.TypeMCQ, FSRS: types.FSRSState{ReviewCount: 5}}
	resp := types.Response{IsCorrect: false, ResponseTimeMs: 4000, ChosenOption: "HTTP"}

	d := Diagnose(atom, &resp, nil, []string{"udp"})
	if d.FailMode == types.FailDiscrimination {
		t.Error("an unlisted wrong option is not a discrimination failure")
	}
}

func TestNeedsIntervention(t *testing.T) {
	if !NeedsIntervention(types.Diagnosis{FailMode: types.FailEncoding}) {
		t.Error("encoding failures warrant intervention")
	}
	if NeedsIntervention(types.Diagnosis{FailMode: types.FailExecutive}) {
		t.Error("impulsive misses do not warrant intervention")
	}
}
