package dedup

import (
	"context"
	"testing"

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

func insertAtom(t *testing.T, st *store.Store, id, front, back string) {
	t.Helper()
	err := st.InsertAtom(&types.Atom{
		ID:      id,
		Front:   front,
		Back:    back,
		Type:    types.TypeFlashcard,
		Source:  types.SourceManual,
		Version: 1,
	})
	if err != nil {
		t.Fatalf("InsertAtom(%s): %v", id, err)
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"What is TCP?", "what is tcp"},
		{"  What   is\tTCP  ", "what is tcp"},
		{"WHAT-IS-TCP!!!", "whatistcp"},
		{"port 443.", "port 443"},
		{"Что такое TCP?", "что такое tcp"},
		{"Qu'est-ce qu'un café?", "questce quun café"},
		{"什么是协议？", "什么是协议"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestContentHashIgnoresFormatting(t *testing.T) {
	if ContentHash("What is TCP?", "A protocol.") != ContentHash("what is tcp", "a protocol") {
		t.Error("hash should be stable under case and punctuation changes")
	}
	if ContentHash("What is TCP?", "A protocol.") == ContentHash("What is UDP?", "A protocol.") {
		t.Error("different fronts must not collide")
	}
	if ContentHash("Что такое протокол?", "Протокол передачи") == ContentHash("Какой сегодня день?", "Вторник") {
		t.Error("unrelated non-Latin atoms must not collide")
	}
}

func TestRunHandlesNonLatinContent(t *testing.T) {
	st := newTestStore(t)
	insertAtom(t, st, "ru1", "Что такое TCP?", "Протокол передачи")
	insertAtom(t, st, "ru2", "что такое tcp", "протокол передачи!") // same card, different formatting
	insertAtom(t, st, "ru3", "Какой сегодня день?", "Вторник")      // unrelated

	groups, err := New(st, nil).Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(groups) != 1 || groups[0].Method != types.DetectExact {
		t.Fatalf("groups = %+v, want one exact group", groups)
	}
	got := map[string]bool{}
	for _, id := range groups[0].AtomIDs {
		got[id] = true
	}
	if !got["ru1"] || !got["ru2"] || got["ru3"] {
		t.Errorf("grouped atoms = %v, want exactly ru1+ru2", groups[0].AtomIDs)
	}
}

func TestSimilarity(t *testing.T) {
	a := &types.Atom{Front: "What is TCP?", Back: "A transport protocol"}
	b := &types.Atom{Front: "What is TCP", Back: "A transport protocol"}
	c := &types.Atom{Front: "Capital of France?", Back: "Paris"}

	if got := Similarity(a, b); got != 1.0 {
		t.Errorf("identical token sets: similarity = %.2f, want 1.0", got)
	}
	if got, alt := Similarity(a, c), Similarity(c, a); got != alt {
		t.Errorf("similarity not symmetric: %.2f vs %.2f", got, alt)
	}
	if got := Similarity(a, c); got > 0.2 {
		t.Errorf("unrelated atoms: similarity = %.2f, want near zero", got)
	}
	if got := Similarity(&types.Atom{}, a); got != 0 {
		t.Errorf("empty atom: similarity = %.2f, want 0", got)
	}
}

func TestRunFindsExactAndFuzzyGroups(t *testing.T) {
	st := newTestStore(t)
	insertAtom(t, st, "a1", "What is TCP?", "A transport protocol")
	insertAtom(t, st, "a2", "what is tcp", "a transport protocol")     // exact after normalization
	insertAtom(t, st, "a3", "What is TCP", "A reliable transport protocol") // fuzzy neighbor
	insertAtom(t, st, "a4", "Capital of France?", "Paris")             // unrelated

	groups, err := New(st, nil).Run(context.Background(), Options{FuzzyThreshold: 0.85})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var exact, fuzzy int
	for _, g := range groups {
		switch g.Method {
		case types.DetectExact:
			exact++
			if g.Similarity != 1.0 {
				t.Errorf("exact group similarity = %.2f, want 1.0", g.Similarity)
			}
		case types.DetectFuzzy:
			fuzzy++
			if g.Similarity < 0.85 || g.Similarity >= 1.0 {
				t.Errorf("fuzzy similarity = %.2f, want [0.85, 1.0)", g.Similarity)
			}
		}
	}
	if exact != 1 {
		t.Errorf("exact groups = %d, want 1 (got %+v)", exact, groups)
	}
	if fuzzy == 0 {
		t.Error("expected at least one fuzzy group for the near-duplicate")
	}
	for _, g := range groups {
		for _, id := range g.AtomIDs {
			if id == "a4" {
				t.Errorf("unrelated atom grouped: %+v", g)
			}
		}
	}

	// Groups persisted as open.
	open, err := st.ListDuplicateGroups(false)
	if err != nil {
		t.Fatalf("ListDuplicateGroups: %v", err)
	}
	if len(open) != len(groups) {
		t.Errorf("persisted %d groups, want %d", len(open), len(groups))
	}
}

func TestRunSkipsKnownPairs(t *testing.T) {
	st := newTestStore(t)
	insertAtom(t, st, "a1", "What is TCP?", "A transport protocol")
	insertAtom(t, st, "a2", "what is tcp", "a transport protocol")

	d := New(st, nil)
	first, err := d.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("first run groups = %d, want 1", len(first))
	}

	// Second run sees the open group and reports nothing new.
	second, err := d.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if len(second) != 0 {
		t.Errorf("second run groups = %d, want 0", len(second))
	}

	// Resolving keeps the pair excluded even once the group is closed.
	if err := st.ResolveDuplicateGroup(first[0].ID, "a1"); err != nil {
		t.Fatalf("ResolveDuplicateGroup: %v", err)
	}
	third, err := d.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("third Run: %v", err)
	}
	if len(third) != 0 {
		t.Errorf("resolved pair re-detected: %+v", third)
	}
}

func TestPairKeyOrderIndependent(t *testing.T) {
	if store.PairKey("a", "b") != store.PairKey("b", "a") {
		t.Error("pair key must not depend on argument order")
	}
}
