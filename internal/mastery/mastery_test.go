package mastery

import (
	"context"
	"math"
	"testing"
	"time"

	"mnemo/internal/store"
	"mnemo/internal/types"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func fsrsAt(stability, retrievability float64, reviews, lapses int, lastReview time.Time) types.FSRSState {
	next := lastReview.Add(time.Duration(stability * 24 * float64(time.Hour)))
	return types.FSRSState{
		StabilityDays:  stability,
		Retrievability: retrievability,
		ReviewCount:    reviews,
		Lapses:         lapses,
		LastReview:     &lastReview,
		NextReview:     &next,
	}
}

func seedSection(t *testing.T, st *store.Store) {
	t.Helper()
	err := st.UpsertSections([]types.Section{{ID: "sec-1", Title: "Transport layer"}})
	if err != nil {
		t.Fatalf("UpsertSections: %v", err)
	}

	now := time.Now()
	atoms := []types.Atom{
		{ID: "new-1", Type: types.TypeFlashcard, Source: types.SourceManual, SectionID: "sec-1"},
		{ID: "mastered-1", Type: types.TypeFlashcard, Source: types.SourceManual, SectionID: "sec-1",
			FSRS: fsrsAt(100, 0.95, 5, 0, now.Add(-24*time.Hour))},
		{ID: "strug-1", Type: types.TypeFlashcard, Source: types.SourceManual, SectionID: "sec-1",
			FSRS: fsrsAt(1, 0.90, 5, 4, now.Add(-10*24*time.Hour))},
		{ID: "mcq-1", Type: types.TypeMCQ, Source: types.SourceManual, SectionID: "sec-1",
			FSRS: fsrsAt(2, 0.80, 2, 1, now.Add(-24*time.Hour))},
	}
	for i := range atoms {
		if err := st.InsertAtom(&atoms[i]); err != nil {
			t.Fatalf("InsertAtom(%s): %v", atoms[i].ID, err)
		}
	}

	responses := []types.Response{
		{AtomID: "mcq-1", SessionID: "s1", IsCorrect: true, ResponseTimeMs: 2000, Timestamp: now.Add(-2 * time.Hour)},
		{AtomID: "mcq-1", SessionID: "s1", IsCorrect: false, ResponseTimeMs: 4000, Timestamp: now.Add(-time.Hour)},
	}
	for i := range responses {
		if err := st.AppendResponse(&responses[i]); err != nil {
			t.Fatalf("AppendResponse: %v", err)
		}
	}
}

func TestRebuildClassifiesAtoms(t *testing.T) {
	st := newTestStore(t)
	seedSection(t, st)

	rows, struggles, err := New(st).Rebuild(context.Background())
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}

	m := rows[0]
	if m.SectionID != "sec-1" || m.AtomCount != 4 {
		t.Errorf("row = %+v, want sec-1 with 4 atoms", m)
	}
	if m.AtomsNew != 1 || m.AtomsMastered != 1 || m.AtomsStruggling != 1 || m.AtomsLearning != 1 {
		t.Errorf("classification new=%d mastered=%d struggling=%d learning=%d, want 1 each",
			m.AtomsNew, m.AtomsMastered, m.AtomsStruggling, m.AtomsLearning)
	}
	if m.MCQAccuracy != 0.5 {
		t.Errorf("mcq accuracy = %.2f, want 0.50", m.MCQAccuracy)
	}

	// Depressed retention plus failing MCQ accuracy flags the section.
	if len(struggles) != 1 || !struggles[0].NeedsRemediation {
		t.Fatalf("struggles = %+v, want one remediation flag", struggles)
	}
	if struggles[0].SectionID != "sec-1" || struggles[0].Reason == "" {
		t.Errorf("struggle = %+v, want sec-1 with a reason", struggles[0])
	}

	// The snapshot is persisted, not just returned.
	stored, err := st.ListMastery()
	if err != nil {
		t.Fatalf("ListMastery: %v", err)
	}
	if len(stored) != 1 || stored[0].AtomCount != 4 {
		t.Errorf("stored mastery = %+v, want the same rollup", stored)
	}
}

func TestRebuildDeterministic(t *testing.T) {
	st := newTestStore(t)
	seedSection(t, st)

	agg := New(st)
	first, firstStruggles, err := agg.Rebuild(context.Background())
	if err != nil {
		t.Fatalf("first Rebuild: %v", err)
	}
	second, secondStruggles, err := agg.Rebuild(context.Background())
	if err != nil {
		t.Fatalf("second Rebuild: %v", err)
	}

	if len(first) != len(second) || len(firstStruggles) != len(secondStruggles) {
		t.Fatalf("rebuild changed shape: %d/%d rows, %d/%d struggles",
			len(first), len(second), len(firstStruggles), len(secondStruggles))
	}
	for i := range first {
		a, b := first[i], second[i]
		if a.SectionID != b.SectionID || a.AtomCount != b.AtomCount ||
			a.AtomsMastered != b.AtomsMastered || a.AtomsStruggling != b.AtomsStruggling ||
			math.Abs(a.AvgLapses-b.AvgLapses) > 1e-9 ||
			math.Abs(a.MCQAccuracy-b.MCQAccuracy) > 1e-9 {
			t.Errorf("row %d differs: %+v vs %+v", i, a, b)
		}
	}
}

func TestRemediationScore(t *testing.T) {
	tests := []struct {
		name string
		row  types.SectionMastery
		want float64
	}{
		{
			name: "healthy section",
			row: types.SectionMastery{
				AvgRetrievability: 0.95, AvgLapses: 0.5,
				MCQAccuracy: 0.90, ParsonsAccuracy: 0.80,
			},
			want: 0.40*0.95 + 0.25*0.90 + 0.25*0.90 + 0.10*0.80,
		},
		{
			name: "lapses saturate at the ceiling",
			row: types.SectionMastery{
				AvgRetrievability: 0.50, AvgLapses: 12,
				MCQAccuracy: 0.50, ParsonsAccuracy: 0,
			},
			want: 0.40*0.50 + 0 + 0.25*0.50,
		},
		{
			name: "empty section stats",
			row:  types.SectionMastery{},
			want: 0.25,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RemediationScore(tt.row); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("RemediationScore = %.4f, want %.4f", got, tt.want)
			}
		})
	}
}

func TestPolicyReasons(t *testing.T) {
	rows := []types.SectionMastery{
		{SectionID: "low-ret", AvgRetrievability: 0.60, MCQAccuracy: 0.95, ParsonsAccuracy: 1.0},
		{SectionID: "lapsed", AvgRetrievability: 0.95, AvgLapses: 3.5, MCQAccuracy: 0.95, ParsonsAccuracy: 1.0},
		{SectionID: "bad-mcq", AvgRetrievability: 0.95, MCQAccuracy: 0.60, ParsonsAccuracy: 1.0},
		{SectionID: "silent-mcq", AvgRetrievability: 1.0, MCQAccuracy: 0, ParsonsAccuracy: 1.0},
		{SectionID: "healthy", AvgRetrievability: 0.95, AvgLapses: 0.5, MCQAccuracy: 0.95, ParsonsAccuracy: 1.0},
	}
	for i := range rows {
		rows[i].RemediationScore = RemediationScore(rows[i])
	}
	hasMCQ := map[string]bool{"low-ret": true, "lapsed": true, "bad-mcq": true, "healthy": true}

	flagged, err := evalPolicy(rows, hasMCQ)
	if err != nil {
		t.Fatalf("evalPolicy: %v", err)
	}

	if !contains(flagged["low-ret"], "low_retention") {
		t.Errorf("low-ret reasons = %v, want low_retention", flagged["low-ret"])
	}
	if !contains(flagged["lapsed"], "high_lapses") {
		t.Errorf("lapsed reasons = %v, want high_lapses", flagged["lapsed"])
	}
	if !contains(flagged["bad-mcq"], "mcq_accuracy") {
		t.Errorf("bad-mcq reasons = %v, want mcq_accuracy", flagged["bad-mcq"])
	}
	if contains(flagged["silent-mcq"], "mcq_accuracy") {
		t.Errorf("silent-mcq flagged for accuracy without MCQ history: %v", flagged["silent-mcq"])
	}
	if len(flagged["healthy"]) != 0 {
		t.Errorf("healthy section flagged: %v", flagged["healthy"])
	}
}

func contains(reasons []string, want string) bool {
	for _, r := range reasons {
		if r == want {
			return true
		}
	}
	return false
}
