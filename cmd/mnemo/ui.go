package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"mnemo/internal/pipeline"
	"mnemo/internal/quality"
	"mnemo/internal/session"
	"mnemo/internal/store"
	"mnemo/internal/types"
)

// =============================================================================
// STYLES
// =============================================================================

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	goodStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	badStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	cardStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 2).Width(72)
	tableBorder  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	tableHeaders = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	tableCells   = lipgloss.NewStyle().Padding(0, 1)
)

// renderTable lays out rows with lipgloss' table component.
func renderTable(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(tableBorder).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaders
			}
			return tableCells
		}).
		Headers(headers...).
		Rows(rows...)
	return t.Render()
}

// =============================================================================
// RUN SUMMARIES
// =============================================================================

func renderRunSummary(label string, run *types.SyncRun) string {
	status := statusStyle(run.Status).Render(string(run.Status))
	return fmt.Sprintf("%s %s: created=%d updated=%d tombstoned=%d warnings=%d",
		label, status, run.Created, run.Updated, run.Tombstoned, run.Warnings)
}

func renderRunDetail(run *types.SyncRun) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", headerStyle.Render("Run"), run.ID)
	fmt.Fprintf(&b, "  status:      %s\n", statusStyle(run.Status).Render(string(run.Status)))
	if run.Mode != "" {
		fmt.Fprintf(&b, "  mode:        %s\n", run.Mode)
	}
	if len(run.Collections) > 0 {
		fmt.Fprintf(&b, "  collections: %s\n", strings.Join(run.Collections, ", "))
	}
	fmt.Fprintf(&b, "  counters:    %s\n", store.RunSummary(run))
	fmt.Fprintf(&b, "  started:     %s\n", run.StartedAt.Format("2006-01-02 15:04:05"))
	if run.CompletedAt != nil {
		fmt.Fprintf(&b, "  completed:   %s (%s)",
			run.CompletedAt.Format("2006-01-02 15:04:05"),
			run.CompletedAt.Sub(run.StartedAt).Round(10e6))
	}
	return b.String()
}

func statusStyle(s types.RunStatus) lipgloss.Style {
	switch s {
	case types.RunCompleted:
		return goodStyle
	case types.RunFailed, types.RunCancelled:
		return badStyle
	default:
		return warnStyle
	}
}

func renderPipelineSummary(s *pipeline.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", headerStyle.Render("Pipeline run"), s.Run.ID)
	if s.Transform != nil {
		fmt.Fprintf(&b, "  transform: created=%d updated=%d skipped=%d warnings=%d\n",
			s.Transform.Created, s.Transform.Updated, s.Transform.Skipped, s.Transform.Warnings)
	}
	if s.Graded > 0 {
		grades := make([]string, 0, len(s.Distribution))
		for g := range s.Distribution {
			grades = append(grades, string(g))
		}
		sort.Strings(grades)
		parts := make([]string, len(grades))
		for i, g := range grades {
			parts[i] = fmt.Sprintf("%s=%d", g, s.Distribution[types.Grade(g)])
		}
		fmt.Fprintf(&b, "  analyzed:  %d atoms (%s)\n", s.Graded, strings.Join(parts, " "))
	}
	fmt.Fprintf(&b, "  detected:  %d duplicate groups\n", s.Duplicates)
	if s.Enqueued > 0 {
		fmt.Fprintf(&b, "  enqueued:  %d rewrite suggestions\n", s.Enqueued)
	}
	if len(s.Skipped) > 0 {
		fmt.Fprintf(&b, "  skipped:   %s\n", dimStyle.Render(strings.Join(s.Skipped, ", ")))
	}
	fmt.Fprintf(&b, "  status:    %s", statusStyle(s.Run.Status).Render(string(s.Run.Status)))
	return b.String()
}

// =============================================================================
// REVIEW
// =============================================================================

func renderReviewItem(item *types.ReviewQueueItem, atom *types.Atom) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s (%s, %s -> %s)\n\n",
		headerStyle.Render("Review item"), item.ID,
		item.RewriteType, item.OriginalGrade, item.EstimatedNewGrade)

	fmt.Fprintf(&b, "%s\n%s\n\n", dimStyle.Render("Original:"),
		cardStyle.Render(fmt.Sprintf("Q: %s\nA: %s", atom.Front, atom.Back)))

	if item.RewriteType == types.RewriteSplit {
		fmt.Fprintf(&b, "%s\n", dimStyle.Render(fmt.Sprintf("Suggested split (%d cards):", len(item.SplitSuggestions))))
		for i, s := range item.SplitSuggestions {
			fmt.Fprintf(&b, "%s\n", cardStyle.Render(fmt.Sprintf("%d. Q: %s\n   A: %s", i+1, s.Front, s.Back)))
		}
	} else {
		fmt.Fprintf(&b, "%s\n%s\n", dimStyle.Render("Suggested:"),
			cardStyle.Render(fmt.Sprintf("Q: %s\nA: %s", item.SuggestedFront, item.SuggestedBack)))
	}

	if len(item.OriginalIssues) > 0 {
		fmt.Fprintf(&b, "\nIssues: %s\n", issueSummary(item.OriginalIssues))
	}
	fmt.Fprintf(&b, "Status: %s", item.Status)
	if item.ReviewerNote != "" {
		fmt.Fprintf(&b, " (%s)", item.ReviewerNote)
	}
	return b.String()
}

// =============================================================================
// STUDY SESSION
// =============================================================================

func renderSessionHeader(sessionID string, total int) string {
	return headerStyle.Render(fmt.Sprintf("Study session — %d cards", total)) +
		dimStyle.Render(fmt.Sprintf("  (%s)", shortID(sessionID)))
}

func renderCardFront(atom *types.Atom, position, total int) string {
	var body strings.Builder
	body.WriteString(atom.Front)

	if atom.Type == types.TypeMCQ {
		body.WriteString("\n")
		for i, opt := range quality.SplitOptions(atom.Back) {
			body.WriteString(fmt.Sprintf("\n  %c) %s", 'a'+i, strings.TrimPrefix(opt, "*")))
		}
	}

	header := dimStyle.Render(fmt.Sprintf("[%d/%d] %s", position, total, atom.Type))
	return "\n" + header + "\n" + cardStyle.Render(body.String())
}

func renderCardBack(atom *types.Atom) string {
	back := atom.Back
	if atom.Type == types.TypeMCQ {
		for _, opt := range quality.SplitOptions(atom.Back) {
			if strings.HasPrefix(opt, "*") {
				back = strings.TrimPrefix(opt, "*")
				break
			}
		}
	}
	return cardStyle.BorderForeground(lipgloss.Color("10")).Render(back)
}

func renderHint(atom *types.Atom) string {
	hint := fmt.Sprintf("type: %s", atom.Type)
	if atom.SectionID != "" {
		hint += ", section: " + atom.SectionID
	}
	return dimStyle.Render("  hint — " + hint)
}

func renderOutcome(o session.Outcome) string {
	var b strings.Builder
	if o.Diagnosis.IsCorrect {
		b.WriteString(goodStyle.Render("  ✓ correct"))
		if o.Diagnosis.SuccessMode != "" {
			b.WriteString(dimStyle.Render(" (" + strings.ToLower(string(o.Diagnosis.SuccessMode)) + ")"))
		}
	} else {
		b.WriteString(badStyle.Render("  ✗ " + strings.ToLower(string(o.Diagnosis.FailMode))))
		if o.Diagnosis.Remediation != "" {
			b.WriteString(dimStyle.Render(" — " + strings.ToLower(string(o.Diagnosis.Remediation))))
		}
	}
	if o.FSRS != nil && o.FSRS.NextReview != nil {
		b.WriteString(dimStyle.Render(fmt.Sprintf("  next: %s", o.FSRS.NextReview.Format("Jan 2"))))
	}
	return b.String()
}

// =============================================================================
// MASTERY & STATS
// =============================================================================

func renderSectionMastery(section *types.Section, m types.SectionMastery) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", headerStyle.Render(section.Title))
	fmt.Fprintf(&b, "  atoms:        %d (new %d, learning %d, mastered %d, struggling %d)\n",
		m.AtomCount, m.AtomsNew, m.AtomsLearning, m.AtomsMastered, m.AtomsStruggling)
	fmt.Fprintf(&b, "  retention:    %.0f%%\n", m.AvgRetrievability*100)
	fmt.Fprintf(&b, "  avg lapses:   %.1f\n", m.AvgLapses)
	fmt.Fprintf(&b, "  mcq accuracy: %.0f%%, parsons %.0f%%\n", m.MCQAccuracy*100, m.ParsonsAccuracy*100)
	fmt.Fprintf(&b, "  score:        %.2f", m.RemediationScore)
	return b.String()
}

func renderStats(stats map[string]int, persona *types.LearnerPersona) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Study statistics") + "\n")

	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "  %-16s %d\n", k, stats[k])
	}

	if persona != nil {
		fmt.Fprintf(&b, "\n%s\n", headerStyle.Render("Learner persona"))
		fmt.Fprintf(&b, "  speed: %s\n", persona.ProcessingSpeed)
		for kt, v := range persona.Strengths {
			fmt.Fprintf(&b, "  %-16s %.2f\n", string(kt), v)
		}
	}
	return b.String()
}

// =============================================================================
// SMALL HELPERS
// =============================================================================

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
