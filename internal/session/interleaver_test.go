package session

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"mnemo/internal/config"
	"mnemo/internal/types"
)

func studyConfig() config.StudyConfig {
	return (&config.Config{}).GetStudy()
}

func newAtoms(typ types.AtomType, n int) []types.Atom {
	out := make([]types.Atom, n)
	for i := range out {
		out[i] = types.Atom{
			ID:   fmt.Sprintf("%s-%02d", typ, i),
			Type: typ,
		}
	}
	return out
}

func dueAtom(id string, typ types.AtomType, overdue time.Duration, lapses int) types.Atom {
	next := time.Now().Add(-overdue)
	last := next.Add(-24 * time.Hour)
	return types.Atom{
		ID:   id,
		Type: typ,
		FSRS: types.FSRSState{
			ReviewCount: 3,
			Lapses:      lapses,
			NextReview:  &next,
			LastReview:  &last,
		},
	}
}

func countTypes(queue []types.Atom) map[types.AtomType]int {
	counts := make(map[types.AtomType]int)
	for _, a := range queue {
		counts[a.Type]++
	}
	return counts
}

func TestBuildQuotaSplit(t *testing.T) {
	var pool []types.Atom
	for _, typ := range []types.AtomType{types.TypeMCQ, types.TypeTrueFalse, types.TypeParsons, types.TypeMatching} {
		pool = append(pool, newAtoms(typ, 10)...)
	}

	queue := NewInterleaver(studyConfig()).Build(pool, nil, nil, BuildOptions{Size: 20})
	if len(queue) != 20 {
		t.Fatalf("queue length = %d, want 20", len(queue))
	}

	counts := countTypes(queue)
	want := map[types.AtomType]int{
		types.TypeMCQ:       7,
		types.TypeTrueFalse: 5,
		types.TypeParsons:   5,
		types.TypeMatching:  3,
	}
	for typ, n := range want {
		if counts[typ] != n {
			t.Errorf("%s count = %d, want %d (full split %v)", typ, counts[typ], n, counts)
		}
	}
}

func TestBuildNoThreeConsecutive(t *testing.T) {
	var pool []types.Atom
	for _, typ := range []types.AtomType{types.TypeMCQ, types.TypeTrueFalse, types.TypeParsons, types.TypeMatching} {
		pool = append(pool, newAtoms(typ, 10)...)
	}

	queue := NewInterleaver(studyConfig()).Build(pool, nil, nil, BuildOptions{Size: 20})
	for i := 2; i < len(queue); i++ {
		if queue[i].Type == queue[i-1].Type && queue[i].Type == queue[i-2].Type {
			t.Fatalf("three consecutive %s at positions %d..%d", queue[i].Type, i-2, i)
		}
	}
}

func TestBuildDueFirst(t *testing.T) {
	pool := []types.Atom{
		dueAtom("due-old", types.TypeMCQ, 72*time.Hour, 0),
		dueAtom("due-mid", types.TypeMCQ, 24*time.Hour, 0),
		dueAtom("due-new", types.TypeMCQ, time.Hour, 0),
	}
	pool = append(pool, newAtoms(types.TypeTrueFalse, 10)...)

	queue := NewInterleaver(studyConfig()).Build(pool, nil, nil, BuildOptions{Size: 2})
	if len(queue) != 2 {
		t.Fatalf("queue length = %d, want 2", len(queue))
	}
	got := map[string]bool{queue[0].ID: true, queue[1].ID: true}
	if !got["due-old"] || !got["due-mid"] {
		t.Errorf("due reviews must fill the session most-overdue first, got %v", got)
	}
}

func TestBuildRemediationRatio(t *testing.T) {
	weak := newAtoms(types.TypeMCQ, 20)
	for i := range weak {
		weak[i].ID = fmt.Sprintf("weak-%02d", i)
		weak[i].SectionID = "sec-weak"
	}
	fresh := newAtoms(types.TypeTrueFalse, 20)

	pool := append(append([]types.Atom{}, weak...), fresh...)
	struggles := []types.StruggleSignal{{SectionID: "sec-weak", NeedsRemediation: true}}

	queue := NewInterleaver(studyConfig()).Build(pool, struggles, nil, BuildOptions{Size: 20})
	remediation := 0
	for _, a := range queue {
		if a.SectionID == "sec-weak" {
			remediation++
		}
	}
	// One struggling section: 30% of the session, rounded.
	if remediation != 6 {
		t.Errorf("remediation atoms = %d, want 6 of 20", remediation)
	}
}

func TestBuildPersonaPrioritizesInterferenceProneSections(t *testing.T) {
	var remediation []types.Atom
	for i := 0; i < 5; i++ {
		remediation = append(remediation,
			types.Atom{ID: fmt.Sprintf("a-%02d", i), Type: types.TypeMCQ, SectionID: "sec-a"},
			types.Atom{ID: fmt.Sprintf("b-%02d", i), Type: types.TypeMCQ, SectionID: "sec-b"},
		)
	}
	pool := append(append([]types.Atom{}, remediation...), newAtoms(types.TypeTrueFalse, 20)...)
	struggles := []types.StruggleSignal{
		{SectionID: "sec-a", NeedsRemediation: true},
		{SectionID: "sec-b", NeedsRemediation: true},
	}
	persona := types.NewLearnerPersona()
	persona.InterferenceProneTopic = []string{"sec-b"}

	queue := NewInterleaver(studyConfig()).Build(pool, struggles, persona, BuildOptions{Size: 20})

	// Two struggling sections: 30% remediation. The interference-prone
	// section's atoms claim those slots ahead of the other's.
	got := make(map[string]bool, len(queue))
	for _, a := range queue {
		got[a.ID] = true
	}
	for i := 0; i < 5; i++ {
		if !got[fmt.Sprintf("b-%02d", i)] {
			t.Errorf("prone-section atom b-%02d missing from queue", i)
		}
	}
	fromA := 0
	for _, a := range queue {
		if a.SectionID == "sec-a" {
			fromA++
		}
	}
	if fromA != 1 {
		t.Errorf("sec-a atoms = %d, want 1 (remainder after prone section)", fromA)
	}
}

func TestRemediationRatioLadder(t *testing.T) {
	tests := []struct {
		count int
		want  float64
	}{
		{0, 0}, {1, 0.30}, {2, 0.30}, {3, 0.40}, {5, 0.40}, {6, 0.50}, {12, 0.50},
	}
	for _, tt := range tests {
		if got := remediationRatio(tt.count); got != tt.want {
			t.Errorf("remediationRatio(%d) = %.2f, want %.2f", tt.count, got, tt.want)
		}
	}
}

func TestBuildWarModeSelectsByWeakness(t *testing.T) {
	pool := []types.Atom{
		dueAtom("l0", types.TypeFlashcard, time.Hour, 0),
		dueAtom("l5", types.TypeFlashcard, time.Hour, 5),
		dueAtom("l2", types.TypeFlashcard, time.Hour, 2),
		dueAtom("l8", types.TypeFlashcard, time.Hour, 8),
	}

	queue := NewInterleaver(studyConfig()).Build(pool, nil, nil, BuildOptions{Size: 2, War: true})
	if len(queue) != 2 {
		t.Fatalf("queue length = %d, want 2", len(queue))
	}
	got := map[string]bool{queue[0].ID: true, queue[1].ID: true}
	if !got["l8"] || !got["l5"] {
		t.Errorf("war mode should pick the most-lapsed atoms, got %v", got)
	}
}

func TestBuildEnforcesTypeMinimums(t *testing.T) {
	pool := newAtoms(types.TypeMCQ, 30)
	pool = append(pool, newAtoms(types.TypeMatching, 2)...)
	pool = append(pool, newAtoms(types.TypeParsons, 2)...)
	pool = append(pool, newAtoms(types.TypeTrueFalse, 2)...)

	queue := NewInterleaver(studyConfig()).Build(pool, nil, nil, BuildOptions{Size: 20})
	counts := countTypes(queue)
	if counts[types.TypeMatching] < 1 {
		t.Errorf("matching = %d, below its floor of 1", counts[types.TypeMatching])
	}
	if counts[types.TypeParsons] < 2 {
		t.Errorf("parsons = %d, below its floor of 2", counts[types.TypeParsons])
	}
	if counts[types.TypeTrueFalse] < 2 {
		t.Errorf("true_false = %d, below its floor of 2", counts[types.TypeTrueFalse])
	}
}

func TestBuildEmptyPool(t *testing.T) {
	if q := NewInterleaver(studyConfig()).Build(nil, nil, nil, BuildOptions{Size: 20}); q != nil {
		t.Errorf("empty pool should yield an empty queue, got %d atoms", len(q))
	}
}

func TestBuildDeterministic(t *testing.T) {
	var pool []types.Atom
	for _, typ := range []types.AtomType{types.TypeMCQ, types.TypeTrueFalse, types.TypeParsons} {
		pool = append(pool, newAtoms(typ, 8)...)
	}

	ids := func(queue []types.Atom) []string {
		out := make([]string, len(queue))
		for i, a := range queue {
			out[i] = a.ID
		}
		return out
	}

	il := NewInterleaver(studyConfig())
	first := il.Build(pool, nil, nil, BuildOptions{Size: 12})
	for run := 0; run < 5; run++ {
		again := il.Build(pool, nil, nil, BuildOptions{Size: 12})
		if diff := cmp.Diff(ids(first), ids(again)); diff != "" {
			t.Fatalf("run %d: queue order changed (-first +again):\n%s", run, diff)
		}
	}
}
