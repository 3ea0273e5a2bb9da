// Package cortex builds study plans on top of the mastery rollups: a greedy
// daily-plan optimizer, next-study suggestions with reasons, and a markdown
// reader for synced section content.
package cortex

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"

	"mnemo/internal/logging"
	"mnemo/internal/store"
	"mnemo/internal/types"
)

// Default daily budget in atoms when the caller does not pass one.
const defaultDailyBudget = 60

// PlanItem is one allocated block of the day plan.
type PlanItem struct {
	SectionID        string  `json:"section_id"`
	Title            string  `json:"title"`
	Atoms            int     `json:"atoms"`
	DueAtoms         int     `json:"due_atoms"`
	RemediationScore float64 `json:"remediation_score"`
	Reason           string  `json:"reason"`
}

// DayPlan is the optimizer output.
type DayPlan struct {
	Date   time.Time  `json:"date"`
	Budget int        `json:"budget"`
	Items  []PlanItem `json:"items"`
}

// Suggestion is one next-study recommendation.
type Suggestion struct {
	SectionID string `json:"section_id"`
	Title     string `json:"title"`
	Reason    string `json:"reason"`
}

// Planner reads mastery state and produces plans.
type Planner struct {
	store *store.Store
	now   func() time.Time
}

// New builds a planner over the store.
func New(st *store.Store) *Planner {
	return &Planner{store: st, now: time.Now}
}

// =============================================================================
// OPTIMIZE
// =============================================================================

// Optimize allocates the daily budget across sections, worst remediation
// score first, due reviews guaranteed a slot before new content. modules
// filters to the given section ids (and is empty for "everything").
func (p *Planner) Optimize(modules []string, budget int) (*DayPlan, error) {
	if budget <= 0 {
		budget = defaultDailyBudget
	}

	mastery, err := p.store.ListMastery()
	if err != nil {
		return nil, err
	}
	sections, err := p.sectionTitles()
	if err != nil {
		return nil, err
	}
	struggles, err := p.struggleReasons()
	if err != nil {
		return nil, err
	}
	dueBySection, err := p.dueCounts()
	if err != nil {
		return nil, err
	}

	if len(modules) > 0 {
		keep := make(map[string]struct{}, len(modules))
		for _, m := range modules {
			keep[m] = struct{}{}
		}
		filtered := mastery[:0]
		for _, m := range mastery {
			if _, ok := keep[m.SectionID]; ok {
				filtered = append(filtered, m)
			}
		}
		mastery = filtered
	}

	// Weakest sections first; due volume breaks ties.
	sort.SliceStable(mastery, func(i, j int) bool {
		if mastery[i].RemediationScore != mastery[j].RemediationScore {
			return mastery[i].RemediationScore < mastery[j].RemediationScore
		}
		return dueBySection[mastery[i].SectionID] > dueBySection[mastery[j].SectionID]
	})

	plan := &DayPlan{Date: p.now(), Budget: budget}
	remaining := budget
	for _, m := range mastery {
		if remaining <= 0 {
			break
		}
		due := dueBySection[m.SectionID]
		want := due
		if _, struggling := struggles[m.SectionID]; struggling {
			// Struggling sections get remediation headroom on top of dues.
			want += remediationBlock(m)
		}
		if want == 0 && m.AtomsNew > 0 {
			// Healthy section, nothing due: a small block of new content.
			want = minInt(m.AtomsNew, 5)
		}
		if want == 0 {
			continue
		}
		if want > remaining {
			want = remaining
		}

		plan.Items = append(plan.Items, PlanItem{
			SectionID:        m.SectionID,
			Title:            sections[m.SectionID],
			Atoms:            want,
			DueAtoms:         minInt(due, want),
			RemediationScore: m.RemediationScore,
			Reason:           planReason(m, due, struggles[m.SectionID]),
		})
		remaining -= want
	}

	logging.Study("Day plan: %d sections, %d/%d atoms allocated",
		len(plan.Items), budget-remaining, budget)
	return plan, nil
}

// remediationBlock sizes the extra remediation work for a struggling section:
// the worse the score, the bigger the block, capped at ten atoms.
func remediationBlock(m types.SectionMastery) int {
	block := int((1 - m.RemediationScore) * 12)
	if block < 3 {
		block = 3
	}
	if block > 10 {
		block = 10
	}
	if m.AtomCount > 0 && block > m.AtomCount {
		block = m.AtomCount
	}
	return block
}

func planReason(m types.SectionMastery, due int, struggleReason string) string {
	switch {
	case struggleReason != "":
		return fmt.Sprintf("struggling (%s)", struggleReason)
	case due > 0:
		return fmt.Sprintf("%d reviews due", due)
	default:
		return "new content"
	}
}

// =============================================================================
// SUGGEST
// =============================================================================

// Suggest returns the top-3 sections to study next, with the reason each one
// made the cut.
func (p *Planner) Suggest() ([]Suggestion, error) {
	mastery, err := p.store.ListMastery()
	if err != nil {
		return nil, err
	}
	sections, err := p.sectionTitles()
	if err != nil {
		return nil, err
	}
	struggles, err := p.struggleReasons()
	if err != nil {
		return nil, err
	}
	dueBySection, err := p.dueCounts()
	if err != nil {
		return nil, err
	}

	type scored struct {
		m      types.SectionMastery
		weight float64
		reason string
	}
	var candidates []scored
	for _, m := range mastery {
		due := dueBySection[m.SectionID]
		switch {
		case struggles[m.SectionID] != "":
			candidates = append(candidates, scored{
				m:      m,
				weight: 2 - m.RemediationScore,
				reason: fmt.Sprintf("needs remediation: %s", struggles[m.SectionID]),
			})
		case due > 0:
			candidates = append(candidates, scored{
				m:      m,
				weight: 1 + float64(due)/100,
				reason: fmt.Sprintf("%d reviews due", due),
			})
		case m.AtomsNew > 0:
			candidates = append(candidates, scored{
				m:      m,
				weight: float64(m.AtomsNew) / 1000,
				reason: fmt.Sprintf("%d new atoms waiting", m.AtomsNew),
			})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].weight != candidates[j].weight {
			return candidates[i].weight > candidates[j].weight
		}
		return candidates[i].m.SectionID < candidates[j].m.SectionID
	})

	var out []Suggestion
	for _, c := range candidates {
		if len(out) == 3 {
			break
		}
		out = append(out, Suggestion{
			SectionID: c.m.SectionID,
			Title:     sections[c.m.SectionID],
			Reason:    c.reason,
		})
	}
	return out, nil
}

// =============================================================================
// READ
// =============================================================================

// Read renders a synced section's markdown body for the terminal. With an
// empty sectionID it concatenates every section under the module, in display
// order.
func (p *Planner) Read(moduleID, sectionID string, width int) (string, error) {
	var body strings.Builder

	if sectionID != "" {
		section, err := p.store.GetSection(sectionID)
		if err != nil {
			return "", err
		}
		writeSection(&body, section)
	} else {
		sections, err := p.store.ListSections()
		if err != nil {
			return "", err
		}
		sort.SliceStable(sections, func(i, j int) bool {
			return sections[i].DisplayOrder < sections[j].DisplayOrder
		})
		found := false
		for i := range sections {
			s := &sections[i]
			if s.ID != moduleID && s.ParentID != moduleID {
				continue
			}
			found = true
			writeSection(&body, s)
		}
		if !found {
			return "", fmt.Errorf("module %s: %w", moduleID, store.ErrNotFound)
		}
	}

	if width <= 0 {
		width = 100
	}
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return "", fmt.Errorf("failed to build renderer: %w", err)
	}
	return renderer.Render(body.String())
}

func writeSection(b *strings.Builder, s *types.Section) {
	fmt.Fprintf(b, "%s %s\n\n", strings.Repeat("#", maxInt(s.Level, 1)), s.Title)
	if s.Content != "" {
		b.WriteString(s.Content)
		b.WriteString("\n\n")
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func (p *Planner) sectionTitles() (map[string]string, error) {
	sections, err := p.store.ListSections()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(sections))
	for _, s := range sections {
		out[s.ID] = s.Title
	}
	return out, nil
}

func (p *Planner) struggleReasons() (map[string]string, error) {
	struggles, err := p.store.ListStruggles()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(struggles))
	for _, s := range struggles {
		if s.NeedsRemediation {
			out[s.SectionID] = s.Reason
		}
	}
	return out, nil
}

func (p *Planner) dueCounts() (map[string]int, error) {
	due, err := p.store.DueAtoms(p.now(), 0)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int)
	for _, a := range due {
		if a.SectionID != "" {
			out[a.SectionID]++
		}
	}
	return out, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
