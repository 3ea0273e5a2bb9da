package quality

import (
	"testing"

	"mnemo/internal/config"
	"mnemo/internal/types"
)

func defaultAnalyzer() *Analyzer {
	return New((&config.Config{}).GetQuality())
}

func hasIssue(issues []types.IssueKind, kind types.IssueKind) bool {
	for _, i := range issues {
		if i == kind {
			return true
		}
	}
	return false
}

func TestAnalyzeCleanFlashcard(t *testing.T) {
	r := defaultAnalyzer().Analyze("What is TCP?", "A connection-oriented transport protocol", types.TypeFlashcard)
	if r.Grade != types.GradeA {
		t.Errorf("grade = %s, want A (issues: %v)", r.Grade, r.Issues)
	}
	if r.Score != 100 {
		t.Errorf("score = %d, want 100", r.Score)
	}
	if !r.IsAtomic {
		t.Error("clean flashcard should be atomic")
	}
	if r.NeedsRewrite() {
		t.Error("grade A should not need rewrite")
	}
}

func TestAnalyzeEnumeratedBack(t *testing.T) {
	r := defaultAnalyzer().Analyze(
		"Name the OSI layers in order",
		"1. Physical 2. Data Link 3. Network 4. Transport",
		types.TypeFlashcard)
	if !hasIssue(r.Issues, types.IssueEnumerationDetected) {
		t.Fatalf("expected ENUMERATION_DETECTED, got %v", r.Issues)
	}
	if r.Grade != types.GradeF {
		t.Errorf("grade = %s, want F (score %d)", r.Grade, r.Score)
	}
	if !r.NeedsSplit {
		t.Error("enumerated back should flag NeedsSplit")
	}
	if !r.NeedsRewrite() {
		t.Error("grade F should land in the rewrite queue")
	}
}

func TestAnalyzeTable(t *testing.T) {
	tests := []struct {
		name      string
		front     string
		back      string
		typ       types.AtomType
		wantIssue types.IssueKind
	}{
		{"empty front", "", "answer", types.TypeFlashcard, types.IssueEmptyFront},
		{"empty back", "Question?", "", types.TypeFlashcard, types.IssueEmptyBack},
		{"vague prompt", "TCP", "transport protocol", types.TypeFlashcard, types.IssueVaguePrompt},
		{"verbose back", "What is a socket?",
			"A socket is an endpoint abstraction that combines an address with a port and lets two peers exchange bytes",
			types.TypeFlashcard, types.IssueBackTooLong},
		{"missing cloze", "TCP is a transport protocol", "TCP", types.TypeCloze, types.IssueMissingCloze},
		{"mcq too few options", "Pick one", "*only option", types.TypeMCQ, types.IssueMCQTooFewOptions},
		{"mcq no answer", "Pick one", "a\nb\nc", types.TypeMCQ, types.IssueMCQNoAnswer},
		{"tf not boolean", "TCP is reliable", "sometimes", types.TypeTrueFalse, types.IssueTFNotBoolean},
		{"matching too few", "Match them", "a => 1\nb => 2", types.TypeMatching, types.IssueMatchingTooFewPairs},
		{"parsons too few", "Order the steps", "bind\nlisten", types.TypeParsons, types.IssueParsonsTooFewSteps},
		{"numeric not number", "Default HTTP port?", "eighty", types.TypeNumeric, types.IssueNumericNotNumber},
	}
	a := defaultAnalyzer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := a.Analyze(tt.front, tt.back, tt.typ)
			if !hasIssue(r.Issues, tt.wantIssue) {
				t.Errorf("Analyze(%q, %q, %s) issues = %v, want %s",
					tt.front, tt.back, tt.typ, r.Issues, tt.wantIssue)
			}
		})
	}
}

func TestAnalyzeValidKinds(t *testing.T) {
	tests := []struct {
		name  string
		front string
		back  string
		typ   types.AtomType
	}{
		{"mcq", "Which layer does TCP live on?", "*transport|network|session", types.TypeMCQ},
		{"true false", "TCP guarantees ordering", "true", types.TypeTrueFalse},
		{"matching", "Match protocol to layer", "TCP => transport\nIP => network\nARP => link", types.TypeMatching},
		{"parsons", "Order the TCP handshake", "SYN\nSYN-ACK\nACK", types.TypeParsons},
		{"numeric", "Default HTTPS port?", "443", types.TypeNumeric},
		{"cloze", "TCP uses {{c1::sequence numbers}} for ordering", "sequence numbers", types.TypeCloze},
	}
	a := defaultAnalyzer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := a.Analyze(tt.front, tt.back, tt.typ)
			if r.Grade != types.GradeA {
				t.Errorf("grade = %s, want A (issues: %v)", r.Grade, r.Issues)
			}
		})
	}
}

func TestAnalyzeDeterministic(t *testing.T) {
	a := defaultAnalyzer()
	first := a.Analyze("What is TCP?", "1. a thing 2. another thing", types.TypeFlashcard)
	for i := 0; i < 10; i++ {
		again := a.Analyze("What is TCP?", "1. a thing 2. another thing", types.TypeFlashcard)
		if again.Score != first.Score || again.Grade != first.Grade {
			t.Fatalf("run %d: got %s/%d, want %s/%d", i, again.Grade, again.Score, first.Grade, first.Score)
		}
	}
}

func TestStrictModeRejects(t *testing.T) {
	cfg := (&config.Config{}).GetQuality()
	cfg.Mode = "strict"
	a := New(cfg)

	longBack := "word word word word word word word word word word word word word word word word word"
	r := a.Analyze("What is TCP?", longBack, types.TypeFlashcard)
	if !r.Rejected {
		t.Errorf("strict mode should reject a back past the hard maximum (issues: %v)", r.Issues)
	}

	relaxed := defaultAnalyzer().Analyze("What is TCP?", longBack, types.TypeFlashcard)
	if relaxed.Rejected {
		t.Error("relaxed mode must never hard-reject")
	}
}

func TestApplyWritesDerivedFields(t *testing.T) {
	atom := &types.Atom{Front: "What is TCP?", Back: "1. one 2. two", Type: types.TypeFlashcard}
	r := defaultAnalyzer().Analyze(atom.Front, atom.Back, atom.Type)
	Apply(atom, r)

	if atom.QualityGrade != r.Grade || atom.QualityScore != r.Score {
		t.Errorf("Apply did not copy grade/score: %s/%d", atom.QualityGrade, atom.QualityScore)
	}
	if atom.AnalyzerVersion != Version {
		t.Errorf("analyzer version = %q, want %q", atom.AnalyzerVersion, Version)
	}
	if !atom.Flags.NeedsRewrite {
		t.Error("F-grade atom should carry NeedsRewrite")
	}
}
