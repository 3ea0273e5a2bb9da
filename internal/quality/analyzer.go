// Package quality grades atom content. Analysis is a pure function of
// (front, back, type) and the configured thresholds: no clock, no store, no
// randomness, so the same input always reproduces the same grade. The
// analyzer version is recorded on every graded atom; bumping it invalidates
// stored grades (re-analysis gated by --force).
package quality

import (
	"regexp"
	"strconv"
	"strings"

	"mnemo/internal/config"
	"mnemo/internal/types"
)

// Version identifies the current rule set. Stored on atoms at analysis time.
const Version = "v3"

// Report is the result of analyzing one atom's content.
type Report struct {
	Grade  types.Grade
	Score  int
	Issues []types.IssueKind

	IsAtomic   bool
	IsVerbose  bool
	NeedsSplit bool

	// Rejected is set in strict mode when content exceeds a hard maximum;
	// the transform stage refuses to persist rejected atoms.
	Rejected bool
}

// NeedsRewrite reports whether the grade lands in the rewrite queue band.
func (r Report) NeedsRewrite() bool {
	return r.Grade == types.GradeD || r.Grade == types.GradeF
}

// issueWeights subtract from the starting score of 100.
var issueWeights = map[types.IssueKind]int{
	types.IssueEmptyFront:          60,
	types.IssueEmptyBack:           60,
	types.IssueFrontTooLong:        25,
	types.IssueFrontVerbose:        10,
	types.IssueBackTooLong:         25,
	types.IssueBackVerbose:         15,
	types.IssueBackTooManyChars:    15,
	types.IssueEnumerationDetected: 65,
	types.IssueMultipleFacts:       25,
	types.IssueVaguePrompt:         15,
	types.IssueMissingCloze:        40,
	types.IssueMCQTooFewOptions:    40,
	types.IssueMCQNoAnswer:         50,
	types.IssueTFNotBoolean:        40,
	types.IssueMatchingTooFewPairs: 40,
	types.IssueParsonsTooFewSteps:  40,
	types.IssueNumericNotNumber:    40,
}

// kindFunc is a per-type rule set. New atom kinds register one alongside
// their types.AtomType tag.
type kindFunc func(a *Analyzer, front, back string) []types.IssueKind

var kindAnalyzers = map[types.AtomType]kindFunc{}

// Register installs the rule set for an atom type. Registering twice
// replaces the earlier rules.
func Register(typ types.AtomType, fn kindFunc) {
	kindAnalyzers[typ] = fn
}

func init() {
	Register(types.TypeFlashcard, analyzeFlashcard)
	Register(types.TypeCloze, analyzeCloze)
	Register(types.TypeMCQ, analyzeMCQ)
	Register(types.TypeTrueFalse, analyzeTrueFalse)
	Register(types.TypeMatching, analyzeMatching)
	Register(types.TypeParsons, analyzeParsons)
	Register(types.TypeNumeric, analyzeNumeric)
}

// Analyzer carries the configured thresholds.
type Analyzer struct {
	cfg config.QualityConfig
}

// New builds an analyzer from config (call cfg.GetQuality() first so the
// defaults are in).
func New(cfg config.QualityConfig) *Analyzer {
	return &Analyzer{cfg: cfg}
}

// Analyze grades one atom's content. Pure and deterministic.
func (a *Analyzer) Analyze(front, back string, typ types.AtomType) Report {
	front = strings.TrimSpace(front)
	back = strings.TrimSpace(back)

	var issues []types.IssueKind

	if front == "" {
		issues = append(issues, types.IssueEmptyFront)
	}
	if back == "" {
		issues = append(issues, types.IssueEmptyBack)
	}

	if front != "" {
		fw := wordCount(front)
		switch {
		case fw > a.cfg.FrontMaxWords:
			issues = append(issues, types.IssueFrontTooLong)
		case fw > a.cfg.FrontWarnWords:
			issues = append(issues, types.IssueFrontVerbose)
		}
	}

	if kind, ok := kindAnalyzers[typ]; ok && front != "" && back != "" {
		issues = append(issues, kind(a, front, back)...)
	}

	score := 100
	for _, issue := range issues {
		score -= issueWeights[issue]
	}
	if score < 0 {
		score = 0
	}

	report := Report{
		Score:      score,
		Grade:      gradeFor(score),
		Issues:     issues,
		IsAtomic:   !has(issues, types.IssueEnumerationDetected) && !has(issues, types.IssueMultipleFacts),
		IsVerbose:  has(issues, types.IssueBackVerbose) || has(issues, types.IssueBackTooLong),
		NeedsSplit: has(issues, types.IssueEnumerationDetected),
	}

	if a.cfg.Mode == "strict" {
		report.Rejected = has(issues, types.IssueFrontTooLong) ||
			has(issues, types.IssueBackTooLong) ||
			has(issues, types.IssueBackTooManyChars) ||
			has(issues, types.IssueEmptyFront) ||
			has(issues, types.IssueEmptyBack)
	}
	return report
}

// Apply writes a report onto an atom's derived fields.
func Apply(atom *types.Atom, r Report) {
	atom.QualityGrade = r.Grade
	atom.QualityScore = r.Score
	atom.QualityIssues = r.Issues
	atom.AnalyzerVersion = Version
	atom.Flags.IsAtomic = r.IsAtomic
	atom.Flags.IsVerbose = r.IsVerbose
	atom.Flags.NeedsSplit = r.NeedsSplit
	atom.Flags.NeedsRewrite = r.NeedsRewrite()
}

func gradeFor(score int) types.Grade {
	switch {
	case score >= 90:
		return types.GradeA
	case score >= 75:
		return types.GradeB
	case score >= 60:
		return types.GradeC
	case score >= 40:
		return types.GradeD
	default:
		return types.GradeF
	}
}

// =============================================================================
// PER-KIND RULES
// =============================================================================

func analyzeFlashcard(a *Analyzer, front, back string) []types.IssueKind {
	var issues []types.IssueKind
	issues = append(issues, a.backLengthIssues(back)...)

	if detectEnumeration(back) {
		issues = append(issues, types.IssueEnumerationDetected)
	}
	if detectMultipleFacts(back) {
		issues = append(issues, types.IssueMultipleFacts)
	}
	if wordCount(front) < 3 && !strings.Contains(front, "?") {
		issues = append(issues, types.IssueVaguePrompt)
	}
	return issues
}

var clozePattern = regexp.MustCompile(`\{\{c\d+::[^}]+\}\}|_{3,}`)

func analyzeCloze(a *Analyzer, front, back string) []types.IssueKind {
	var issues []types.IssueKind
	if !clozePattern.MatchString(front) {
		issues = append(issues, types.IssueMissingCloze)
	}
	issues = append(issues, a.backLengthIssues(back)...)
	if detectEnumeration(back) {
		issues = append(issues, types.IssueEnumerationDetected)
	}
	return issues
}

// MCQ backs hold one option per line (or pipe-separated); the correct option
// carries a leading "*".
func analyzeMCQ(a *Analyzer, front, back string) []types.IssueKind {
	var issues []types.IssueKind
	options := SplitOptions(back)
	if len(options) < 3 {
		issues = append(issues, types.IssueMCQTooFewOptions)
	}
	correct := 0
	for _, opt := range options {
		if strings.HasPrefix(opt, "*") {
			correct++
		}
	}
	if correct == 0 {
		issues = append(issues, types.IssueMCQNoAnswer)
	}
	return issues
}

func analyzeTrueFalse(a *Analyzer, front, back string) []types.IssueKind {
	switch strings.ToLower(strings.TrimSpace(back)) {
	case "true", "false", "t", "f", "yes", "no":
		return nil
	}
	return []types.IssueKind{types.IssueTFNotBoolean}
}

// Matching backs hold "left => right" pairs, one per line.
func analyzeMatching(a *Analyzer, front, back string) []types.IssueKind {
	pairs := 0
	for _, line := range strings.Split(back, "\n") {
		if strings.Contains(line, "=>") {
			pairs++
		}
	}
	if pairs < 3 {
		return []types.IssueKind{types.IssueMatchingTooFewPairs}
	}
	return nil
}

// Parsons backs hold ordered steps, one per line.
func analyzeParsons(a *Analyzer, front, back string) []types.IssueKind {
	steps := 0
	for _, line := range strings.Split(back, "\n") {
		if strings.TrimSpace(line) != "" {
			steps++
		}
	}
	if steps < 3 {
		return []types.IssueKind{types.IssueParsonsTooFewSteps}
	}
	return nil
}

func analyzeNumeric(a *Analyzer, front, back string) []types.IssueKind {
	fields := strings.Fields(back)
	if len(fields) > 0 {
		if _, err := strconv.ParseFloat(strings.TrimSuffix(fields[0], "%"), 64); err == nil {
			return nil
		}
	}
	return []types.IssueKind{types.IssueNumericNotNumber}
}

func (a *Analyzer) backLengthIssues(back string) []types.IssueKind {
	var issues []types.IssueKind
	bw := wordCount(back)
	switch {
	case bw > a.cfg.BackMaxWords && a.cfg.BackMaxWords >= a.cfg.BackWarnWords:
		issues = append(issues, types.IssueBackTooLong)
	case bw > a.cfg.BackWarnWords:
		issues = append(issues, types.IssueBackVerbose)
	}
	if len(back) > a.cfg.BackMaxChars {
		issues = append(issues, types.IssueBackTooManyChars)
	}
	return issues
}

// SplitOptions splits an MCQ back into options (newline or pipe separated).
func SplitOptions(back string) []string {
	sep := "\n"
	if !strings.Contains(back, "\n") && strings.Contains(back, "|") {
		sep = "|"
	}
	var out []string
	for _, part := range strings.Split(back, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// =============================================================================
// CONTENT HEURISTICS
// =============================================================================

var (
	// "1. Physical 2. Data Link" inline, or leading "- " / "* " bullets.
	inlineNumbered = regexp.MustCompile(`(?:^|\s)\d+[.)]\s+\S`)
	leadingBullet  = regexp.MustCompile(`(?m)^\s*(?:[-*•]|\d+[.)])\s+\S`)

	sentenceEnd  = regexp.MustCompile(`[.!?]\s+\p{Lu}`)
	conjunctions = []string{" and ", " but ", " while ", " whereas ", "; also", ", also "}
)

// detectEnumeration reports whether the text reads as a numbered or
// bulleted list (two or more markers).
func detectEnumeration(s string) bool {
	if len(inlineNumbered.FindAllStringIndex(s, -1)) >= 2 {
		return true
	}
	return len(leadingBullet.FindAllStringIndex(s, -1)) >= 2
}

// detectMultipleFacts reports whether the text contains at least two
// sentences joined by a conjunction.
func detectMultipleFacts(s string) bool {
	if len(sentenceEnd.FindAllStringIndex(s, -1)) == 0 {
		return false
	}
	lower := strings.ToLower(s)
	for _, c := range conjunctions {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

func has(issues []types.IssueKind, kind types.IssueKind) bool {
	for _, i := range issues {
		if i == kind {
			return true
		}
	}
	return false
}
