package review

import (
	"fmt"
	"strings"

	"mnemo/internal/types"
)

// =============================================================================
// PROMPT TEMPLATES
// =============================================================================

const improveTemplate = `You are improving a spaced-repetition flashcard.

Rules for a good card:
- The front asks ONE specific question in 15 words or fewer.
- The back states ONE fact in 5 words or fewer (15 absolute maximum).
- No enumerations, no compound sentences, no vague prompts.

The card below was graded %s with these issues: %s.

Front: %s
Back: %s

Rewrite it. Respond with ONLY a JSON object:
{"front": "...", "back": "..."}`

const splitTemplate = `You are splitting an overloaded spaced-repetition flashcard.

The card below contains an enumeration or several facts, which makes it
nearly impossible to review. Split it into separate cards, each asking for
ONE fact with a short, specific front and a back of 5 words or fewer.

It was graded %s with these issues: %s.

Front: %s
Back: %s

Respond with ONLY a JSON object:
{"cards": [{"front": "...", "back": "..."}, ...]}`

func issueList(issues []types.IssueKind) string {
	if len(issues) == 0 {
		return "none recorded"
	}
	parts := make([]string, len(issues))
	for i, issue := range issues {
		parts[i] = string(issue)
	}
	return strings.Join(parts, ", ")
}

func improvePrompt(atom *types.Atom) string {
	return fmt.Sprintf(improveTemplate,
		atom.QualityGrade, issueList(atom.QualityIssues), atom.Front, atom.Back)
}

func splitPrompt(atom *types.Atom) string {
	return fmt.Sprintf(splitTemplate,
		atom.QualityGrade, issueList(atom.QualityIssues), atom.Front, atom.Back)
}

type improveResponse struct {
	Front string `json:"front"`
	Back  string `json:"back"`
}

type splitResponse struct {
	Cards []improveResponse `json:"cards"`
}
