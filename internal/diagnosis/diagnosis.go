// Package diagnosis classifies individual responses into failure and success
// modes. Classification is a pure first-match rule table over the atom's
// state, the raw response and recent history; persona updates live in
// persona.go.
package diagnosis

import (
	"fmt"
	"strings"

	"mnemo/internal/types"
)

const (
	impulsiveMs = 1500
	fluentMs    = 3000
	fatigueMs   = 10000
	fatigueSpan = 5
)

// Diagnose classifies one response. history is the learner's most recent
// responses (any atom), newest last, at most ten entries. confusables holds
// known confusable answers for the atom's concepts; an MCQ miss whose chosen
// option matches one is a discrimination failure in place of the default
// retrieval classification.
func Diagnose(atom *types.Atom, resp *types.Response, history []types.Response, confusables []string) types.Diagnosis {
	d := types.Diagnosis{
		AtomID:    atom.ID,
		IsCorrect: resp.IsCorrect,
	}

	if !resp.IsCorrect {
		switch {
		case resp.ResponseTimeMs < impulsiveMs:
			d.FailMode = types.FailExecutive
			d.Remediation = types.RemediateSlowDown
			d.Rule = "impulsive"
		case atom.FSRS.Lapses >= 3:
			d.FailMode = types.FailEncoding
			d.Remediation = types.RemediateReadSource
			d.Rule = "repeated"
		case atom.Type == types.TypeParsons || atom.Type == types.TypeNumeric:
			d.FailMode = types.FailIntegration
			d.Remediation = types.RemediateWorkedExample
			d.Rule = "procedural"
		case atom.FSRS.ReviewCount <= 1:
			d.FailMode = types.FailEncoding
			d.Remediation = types.RemediateElaborate
			d.Rule = "fresh"
		case fatigued(history, resp):
			d.FailMode = types.FailFatigue
			d.Remediation = types.RemediateRest
			d.Rule = "fatigue"
		case atom.Type == types.TypeMCQ && resp.ChosenOption != "" && matchesConfusable(resp.ChosenOption, confusables):
			// The learner picked a known confusable.
			d.FailMode = types.FailDiscrimination
			d.Remediation = types.RemediateElaborate
			d.Rule = "discrimination"
			d.Detail = fmt.Sprintf("chose confusable %q", resp.ChosenOption)
		default:
			d.FailMode = types.FailRetrieval
			d.Remediation = types.RemediateRepeat
			d.Rule = "default_fail"
		}
		return d
	}

	// Fatigue still applies to correct answers closing a slow run.
	if fatigued(history, resp) {
		d.FailMode = types.FailFatigue
		d.Remediation = types.RemediateRest
		d.Rule = "fatigue"
		return d
	}
	if resp.ResponseTimeMs < fluentMs {
		d.SuccessMode = types.SuccessFluency
		d.Remediation = types.RemediateAccelerate
		d.Rule = "fluency"
	} else {
		d.SuccessMode = types.SuccessRecall
		d.Remediation = types.RemediateContinue
		d.Rule = "recall"
	}
	return d
}

// fatigued reports whether the current response closes a run of five slow
// answers, correct or not.
func fatigued(history []types.Response, current *types.Response) bool {
	if current.ResponseTimeMs <= fatigueMs {
		return false
	}
	need := fatigueSpan - 1
	if len(history) < need {
		return false
	}
	for _, r := range history[len(history)-need:] {
		if r.ResponseTimeMs <= fatigueMs {
			return false
		}
	}
	return true
}

func matchesConfusable(chosen string, confusables []string) bool {
	chosen = normalizeAnswer(chosen)
	for _, c := range confusables {
		if normalizeAnswer(c) == chosen {
			return true
		}
	}
	return false
}

func normalizeAnswer(s string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimPrefix(s, "*")))
}

// NeedsIntervention reports whether the fail mode warrants recording an
// intervention event (opt-in remediation flows).
func NeedsIntervention(d types.Diagnosis) bool {
	switch d.FailMode {
	case types.FailEncoding, types.FailIntegration, types.FailDiscrimination:
		return true
	}
	return false
}

// Describe renders a one-line human summary for the session UI.
func Describe(d types.Diagnosis) string {
	if d.IsCorrect {
		switch d.SuccessMode {
		case types.SuccessFluency:
			return "Fluent recall"
		default:
			return "Recalled"
		}
	}
	switch d.FailMode {
	case types.FailExecutive:
		return "Too fast: slow down and read the prompt"
	case types.FailEncoding:
		return "Weak encoding: revisit the source material"
	case types.FailIntegration:
		return "Procedural gap: walk through a worked example"
	case types.FailDiscrimination:
		return "Confused with a similar concept"
	case types.FailFatigue:
		return "Responses are slowing: take a break"
	default:
		return "Retrieval miss: this card repeats soon"
	}
}
