// Package mastery derives per-section learning state from atoms and the
// response log. Rollups are never authoritative: Rebuild recomputes the
// whole snapshot from primary data, so identical inputs always reproduce
// identical rollups.
package mastery

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"mnemo/internal/curriculum"
	"mnemo/internal/logging"
	"mnemo/internal/scheduler"
	"mnemo/internal/store"
	"mnemo/internal/types"
)

// Mastered atom thresholds.
const (
	masteredRetrievability = 0.90
	masteredMaxLapses      = 2
	masteredMinReviews     = 3

	strugglingLapses = 3

	// normalized_lapses saturates at this many average lapses.
	lapseCeiling = 5.0
)

// Aggregator rebuilds the mastery snapshot.
type Aggregator struct {
	store *store.Store
	now   func() time.Time
}

// New builds an aggregator.
func New(st *store.Store) *Aggregator {
	return &Aggregator{store: st, now: time.Now}
}

// Rebuild recomputes mastery for every section and replaces the stored
// snapshot wholesale. Returns the new rollups in section-id order.
func (a *Aggregator) Rebuild(ctx context.Context) ([]types.SectionMastery, []types.StruggleSignal, error) {
	timer := logging.StartTimer(logging.CategoryMastery, "rebuild")
	defer timer.StopWithInfo()

	cur, err := curriculum.Load(a.store)
	if err != nil {
		return nil, nil, err
	}
	atoms, err := a.store.ListAtoms(store.AtomFilter{ExcludeSuperseded: true})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load atoms: %w", err)
	}
	responses, err := a.store.AllResponses()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load responses: %w", err)
	}
	if ctx.Err() != nil {
		return nil, nil, ctx.Err()
	}

	now := a.now()
	byID := make(map[string]*types.Atom, len(atoms))
	bySection := make(map[string][]*types.Atom)
	for i := range atoms {
		at := &atoms[i]
		byID[at.ID] = at
		if at.SectionID != "" {
			bySection[at.SectionID] = append(bySection[at.SectionID], at)
		}
	}

	// Accuracy per atom type per section, from the response log.
	type acc struct{ correct, total int }
	accuracy := make(map[string]map[types.AtomType]*acc)
	for _, r := range responses {
		at := byID[r.AtomID]
		if at == nil || at.SectionID == "" {
			continue
		}
		m := accuracy[at.SectionID]
		if m == nil {
			m = make(map[types.AtomType]*acc)
			accuracy[at.SectionID] = m
		}
		c := m[at.Type]
		if c == nil {
			c = &acc{}
			m[at.Type] = c
		}
		c.total++
		if r.IsCorrect {
			c.correct++
		}
	}

	// Every section that exists or has atoms gets a row; parents aggregate
	// over all descendant atoms (atom-weighted by construction).
	sectionIDs := make(map[string]struct{})
	for id := range bySection {
		sectionIDs[id] = struct{}{}
	}
	for _, root := range cur.Roots() {
		for _, id := range cur.Descendants(root) {
			sectionIDs[id] = struct{}{}
		}
	}

	var rows []types.SectionMastery
	hasMCQ := make(map[string]bool)
	for id := range sectionIDs {
		scope := []string{id}
		if cur.HasSection(id) {
			scope = cur.Descendants(id)
		}

		var (
			pool                                []*types.Atom
			sumR, sumLapses                     float64
			nNew, nLearning, nMastered, nStrug  int
			mcqCorrect, mcqTotal                int
			parsonsCorrect, parsonsTotal        int
		)
		for _, sec := range scope {
			pool = append(pool, bySection[sec]...)
			if m := accuracy[sec]; m != nil {
				if c := m[types.TypeMCQ]; c != nil {
					mcqCorrect += c.correct
					mcqTotal += c.total
				}
				if c := m[types.TypeParsons]; c != nil {
					parsonsCorrect += c.correct
					parsonsTotal += c.total
				}
			}
		}
		if len(pool) == 0 {
			continue
		}

		for _, at := range pool {
			r := scheduler.Retrievability(at.FSRS, now)
			sumR += r
			sumLapses += float64(at.FSRS.Lapses)
			switch {
			case at.FSRS.ReviewCount == 0:
				nNew++
			case r >= masteredRetrievability &&
				at.FSRS.Lapses < masteredMaxLapses &&
				at.FSRS.ReviewCount >= masteredMinReviews:
				nMastered++
			case at.FSRS.Lapses >= strugglingLapses:
				nStrug++
			default:
				nLearning++
			}
		}

		n := float64(len(pool))
		row := types.SectionMastery{
			SectionID:         id,
			AtomCount:         len(pool),
			AtomsNew:          nNew,
			AtomsLearning:     nLearning,
			AtomsMastered:     nMastered,
			AtomsStruggling:   nStrug,
			AvgRetrievability: sumR / n,
			AvgLapses:         sumLapses / n,
			ComputedAt:        now,
		}
		if mcqTotal > 0 {
			row.MCQAccuracy = float64(mcqCorrect) / float64(mcqTotal)
			hasMCQ[id] = true
		}
		if parsonsTotal > 0 {
			row.ParsonsAccuracy = float64(parsonsCorrect) / float64(parsonsTotal)
		}
		row.RemediationScore = RemediationScore(row)
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].SectionID < rows[j].SectionID })

	flagged, err := evalPolicy(rows, hasMCQ)
	if err != nil {
		return nil, nil, err
	}

	var struggles []types.StruggleSignal
	for _, row := range rows {
		reasons := flagged[row.SectionID]
		if len(reasons) == 0 {
			continue
		}
		sort.Strings(reasons)
		struggles = append(struggles, types.StruggleSignal{
			SectionID:         row.SectionID,
			AvgRetrievability: row.AvgRetrievability,
			AvgLapses:         row.AvgLapses,
			MCQAccuracy:       row.MCQAccuracy,
			ParsonsAccuracy:   row.ParsonsAccuracy,
			NeedsRemediation:  true,
			Reason:            reasons[0],
		})
	}

	if err := a.store.ReplaceMastery(rows, struggles); err != nil {
		return nil, nil, err
	}
	logging.Mastery("Rebuilt mastery: %d sections, %d struggling", len(rows), len(struggles))
	return rows, struggles, nil
}

// RemediationScore combines retention, lapses and applied accuracy into a
// single [0,1] health score. Sections below 0.75 are remediation candidates.
func RemediationScore(m types.SectionMastery) float64 {
	normalizedLapses := math.Min(m.AvgLapses/lapseCeiling, 1.0)
	return 0.40*m.AvgRetrievability +
		0.25*(1-normalizedLapses) +
		0.25*m.MCQAccuracy +
		0.10*m.ParsonsAccuracy
}
