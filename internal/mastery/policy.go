package mastery

import (
	"fmt"
	"strings"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"

	"mnemo/internal/logging"
	"mnemo/internal/types"
)

// =============================================================================
// REMEDIATION POLICY (Datalog)
// =============================================================================
//
// The needs_remediation decision is expressed as Mangle rules over asserted
// section statistics rather than hard-coded conditionals, so the thresholds
// read as policy and extra rules can be layered on without touching the
// aggregator. Ratio stats are asserted as integers scaled by 100 (Mangle
// comparisons stay in integer space).

const policyProgram = `
# Section stats: section_stats(Section, Retrievability, AvgLapses, MCQAcc, ParsonsAcc)
# all values scaled x100. has_mcq(Section) is asserted only when the section
# has MCQ response history, so silent sections are not flagged for accuracy.

needs_remediation(Section, "low_retention") :-
    section_stats(Section, R, _, _, _),
    R < 70.

needs_remediation(Section, "high_lapses") :-
    section_stats(Section, _, L, _, _),
    L > 300.

needs_remediation(Section, "mcq_accuracy") :-
    section_stats(Section, _, _, M, _),
    has_mcq(Section),
    M < 80.

needs_remediation(Section, "low_remediation_score") :-
    remediation_score(Section, S),
    S < 75.
`

// evalPolicy runs the policy over the given mastery rows and returns
// section id -> reasons (deterministically ordered by first assertion).
func evalPolicy(rows []types.SectionMastery, hasMCQ map[string]bool) (map[string][]string, error) {
	timer := logging.StartTimer(logging.CategoryMastery, "policy eval")
	defer timer.Stop()

	var sb strings.Builder
	sb.WriteString(policyProgram)
	sb.WriteString("\n# Asserted facts\n")
	for _, m := range rows {
		fmt.Fprintf(&sb, "section_stats(%q, %d, %d, %d, %d).\n",
			m.SectionID,
			scale(m.AvgRetrievability),
			scale(m.AvgLapses),
			scale(m.MCQAccuracy),
			scale(m.ParsonsAccuracy))
		fmt.Fprintf(&sb, "remediation_score(%q, %d).\n", m.SectionID, scale(m.RemediationScore))
		if hasMCQ[m.SectionID] {
			fmt.Fprintf(&sb, "has_mcq(%q).\n", m.SectionID)
		}
	}

	parsed, err := parse.Unit(strings.NewReader(sb.String()))
	if err != nil {
		return nil, fmt.Errorf("failed to parse remediation policy: %w", err)
	}
	programInfo, err := analysis.AnalyzeOneUnit(parsed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to analyze remediation policy: %w", err)
	}

	store := factstore.NewSimpleInMemoryStore()
	if _, err := engine.EvalProgramWithStats(programInfo, store); err != nil {
		return nil, fmt.Errorf("failed to evaluate remediation policy: %w", err)
	}

	out := make(map[string][]string)
	pred := ast.PredicateSym{Symbol: "needs_remediation", Arity: 2}
	err = store.GetFacts(ast.NewQuery(pred), func(a ast.Atom) error {
		if len(a.Args) != 2 {
			return nil
		}
		section := constantString(a.Args[0])
		reason := constantString(a.Args[1])
		if section != "" && reason != "" {
			out[section] = append(out[section], reason)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query remediation facts: %w", err)
	}
	logging.MasteryDebug("Policy flagged %d sections", len(out))
	return out, nil
}

func scale(v float64) int64 {
	return int64(v*100 + 0.5)
}

func constantString(term ast.BaseTerm) string {
	c, ok := term.(ast.Constant)
	if !ok {
		return ""
	}
	return c.Symbol
}
