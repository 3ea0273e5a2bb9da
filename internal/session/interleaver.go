// Package session assembles and runs study sessions. The interleaver turns
// the candidate pool into a queue honoring due-first priority, remediation
// ratio, type quotas and the no-three-consecutive rule; the runner consumes
// one response at a time and feeds the scheduler and diagnosis engines.
package session

import (
	"sort"
	"time"

	"mnemo/internal/config"
	"mnemo/internal/logging"
	"mnemo/internal/scheduler"
	"mnemo/internal/types"
)

// Interleaver builds session queues.
type Interleaver struct {
	cfg config.StudyConfig
	now func() time.Time
}

// NewInterleaver builds an interleaver (pass cfg.GetStudy()).
func NewInterleaver(cfg config.StudyConfig) *Interleaver {
	return &Interleaver{cfg: cfg, now: time.Now}
}

// BuildOptions tunes one queue build.
type BuildOptions struct {
	Size int // 0 = configured session size
	// War mode bypasses quotas entirely and selects purely by weakness.
	War bool
}

// Build assembles a queue of at most Size atoms from the pool.
func (il *Interleaver) Build(pool []types.Atom, struggles []types.StruggleSignal, persona *types.LearnerPersona, opts BuildOptions) []types.Atom {
	n := opts.Size
	if n <= 0 {
		n = il.cfg.SessionSize
	}
	if len(pool) == 0 || n == 0 {
		return nil
	}

	if opts.War {
		return il.buildWar(pool, n)
	}

	now := il.now()
	struggling := make(map[string]struct{}, len(struggles))
	for _, s := range struggles {
		if s.NeedsRemediation {
			struggling[s.SectionID] = struct{}{}
		}
	}
	rho := remediationRatio(len(struggling))

	// Partition: due reviews, remediation candidates, new content.
	var due, remediation, fresh []types.Atom
	for _, a := range pool {
		switch {
		case a.FSRS.ReviewCount > 0 && scheduler.Due(a.FSRS, now):
			due = append(due, a)
		case inStruggleSet(a.SectionID, struggling):
			remediation = append(remediation, a)
		case a.FSRS.ReviewCount == 0:
			fresh = append(fresh, a)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		// Longest overdue first; atoms without a schedule sort to the front.
		a, b := due[i].FSRS.NextReview, due[j].FSRS.NextReview
		switch {
		case a == nil && b == nil:
			return due[i].ID < due[j].ID
		case a == nil:
			return true
		case b == nil:
			return false
		case a.Equal(*b):
			return due[i].ID < due[j].ID
		default:
			return a.Before(*b)
		}
	})
	sortDeterministic(remediation)
	sortDeterministic(fresh)
	if persona != nil {
		prioritizeInterferenceProne(remediation, persona)
	}

	// Due reviews take priority, bounded by the session size.
	selected := take(due, n)
	remaining := n - len(selected)

	if remaining > 0 {
		remCount := int(float64(remaining)*rho + 0.5)
		selected = append(selected, il.fillByQuota(remediation, remCount, selected)...)
		remaining = n - len(selected)
		selected = append(selected, il.fillByQuota(fresh, remaining, selected)...)
	}

	// Top up from whatever is left when a partition ran dry.
	if len(selected) < n {
		selected = topUp(selected, pool, n)
	}

	selected = il.enforceMinimums(selected, pool, n)
	queue := interleave(selected)

	logging.StudyDebug("Built session: %d atoms (due=%d, rho=%.2f, war=%v)",
		len(queue), len(due), rho, opts.War)
	return queue
}

// remediationRatio is the struggle-count ladder, capped at one half.
func remediationRatio(struggleCount int) float64 {
	switch {
	case struggleCount == 0:
		return 0
	case struggleCount <= 2:
		return 0.30
	case struggleCount <= 5:
		return 0.40
	default:
		return 0.50
	}
}

// prioritizeInterferenceProne moves remediation candidates from sections the
// learner tends to confuse to the front; order is otherwise stable.
func prioritizeInterferenceProne(atoms []types.Atom, persona *types.LearnerPersona) {
	if len(persona.InterferenceProneTopic) == 0 {
		return
	}
	prone := make(map[string]struct{}, len(persona.InterferenceProneTopic))
	for _, topic := range persona.InterferenceProneTopic {
		prone[topic] = struct{}{}
	}
	sort.SliceStable(atoms, func(i, j int) bool {
		_, pi := prone[atoms[i].SectionID]
		_, pj := prone[atoms[j].SectionID]
		return pi && !pj
	})
}

func inStruggleSet(sectionID string, struggling map[string]struct{}) bool {
	if sectionID == "" {
		return false
	}
	_, ok := struggling[sectionID]
	return ok
}

// fillByQuota picks count atoms from candidates, distributing slots over the
// quota'd types by largest remainder and backfilling shortfall with MCQ
// first. Already-selected atoms are excluded.
func (il *Interleaver) fillByQuota(candidates []types.Atom, count int, selected []types.Atom) []types.Atom {
	if count <= 0 || len(candidates) == 0 {
		return nil
	}
	chosen := make(map[string]struct{}, len(selected))
	for _, a := range selected {
		chosen[a.ID] = struct{}{}
	}

	buckets := make(map[types.AtomType][]types.Atom)
	for _, a := range candidates {
		if _, ok := chosen[a.ID]; ok {
			continue
		}
		buckets[a.Type] = append(buckets[a.Type], a)
	}

	targets := quotaTargets(il.cfg.TypeQuotas, count)
	var out []types.Atom
	for _, typ := range types.AllAtomTypes {
		want := targets[typ]
		bucket := buckets[typ]
		take := want
		if take > len(bucket) {
			take = len(bucket)
		}
		out = append(out, bucket[:take]...)
		buckets[typ] = bucket[take:]
	}

	// Backfill shortfall: MCQ preferred, then anything in type order.
	for len(out) < count {
		added := false
		for _, typ := range append([]types.AtomType{types.TypeMCQ}, types.AllAtomTypes...) {
			if len(buckets[typ]) > 0 {
				out = append(out, buckets[typ][0])
				buckets[typ] = buckets[typ][1:]
				added = true
				break
			}
		}
		if !added {
			break
		}
	}
	if len(out) > count {
		out = out[:count]
	}
	return out
}

// quotaTargets splits count into per-type integer targets by largest
// remainder so they always sum to count (when quotas sum to 1).
func quotaTargets(quotas map[string]float64, count int) map[types.AtomType]int {
	type share struct {
		typ  types.AtomType
		frac float64
	}
	targets := make(map[types.AtomType]int)
	var rema []share
	assigned := 0
	for _, typ := range types.AllAtomTypes {
		q, ok := quotas[string(typ)]
		if !ok {
			continue
		}
		exact := q * float64(count)
		whole := int(exact)
		targets[typ] = whole
		assigned += whole
		rema = append(rema, share{typ: typ, frac: exact - float64(whole)})
	}
	sort.SliceStable(rema, func(i, j int) bool { return rema[i].frac > rema[j].frac })
	for i := 0; assigned < count && i < len(rema); i++ {
		targets[rema[i].typ]++
		assigned++
	}
	return targets
}

// enforceMinimums swaps atoms in so each configured type reaches its floor
// when the pool has the supply, taking slots from the most-represented type.
func (il *Interleaver) enforceMinimums(selected, pool []types.Atom, n int) []types.Atom {
	counts := make(map[types.AtomType]int)
	chosen := make(map[string]struct{}, len(selected))
	for _, a := range selected {
		counts[a.Type]++
		chosen[a.ID] = struct{}{}
	}

	for _, typ := range types.AllAtomTypes {
		min, ok := il.cfg.TypeMinimums[string(typ)]
		if !ok {
			continue
		}
		for counts[typ] < min {
			// Find an unselected atom of the needed type.
			var candidate *types.Atom
			for i := range pool {
				if pool[i].Type != typ {
					continue
				}
				if _, ok := chosen[pool[i].ID]; ok {
					continue
				}
				candidate = &pool[i]
				break
			}
			if candidate == nil {
				break // pool cannot satisfy the minimum
			}

			if len(selected) < n {
				selected = append(selected, *candidate)
			} else {
				// Evict from the most-represented type above its minimum.
				victim := -1
				maxCount := 0
				for i, a := range selected {
					if a.Type == typ {
						continue
					}
					m := il.cfg.TypeMinimums[string(a.Type)]
					if counts[a.Type] <= m {
						continue
					}
					if counts[a.Type] > maxCount {
						maxCount = counts[a.Type]
						victim = i
					}
				}
				if victim < 0 {
					break
				}
				counts[selected[victim].Type]--
				delete(chosen, selected[victim].ID)
				selected[victim] = *candidate
			}
			counts[typ]++
			chosen[candidate.ID] = struct{}{}
		}
	}
	return selected
}

// interleave orders the queue so no three consecutive atoms share a type
// whenever an alternative exists: greedy pick of the fullest bucket that
// does not extend a two-run.
func interleave(selected []types.Atom) []types.Atom {
	buckets := make(map[types.AtomType][]types.Atom)
	var order []types.AtomType
	for _, a := range selected {
		if len(buckets[a.Type]) == 0 {
			order = append(order, a.Type)
		}
		buckets[a.Type] = append(buckets[a.Type], a)
	}

	out := make([]types.Atom, 0, len(selected))
	for len(out) < len(selected) {
		var lastTwo types.AtomType
		run := 0
		if len(out) >= 2 && out[len(out)-1].Type == out[len(out)-2].Type {
			lastTwo = out[len(out)-1].Type
			run = 2
		}

		best := pickBucket(buckets, order, lastTwo, run == 2)
		if best == "" {
			// Only the blocked type remains.
			best = pickBucket(buckets, order, "", false)
		}
		out = append(out, buckets[best][0])
		buckets[best] = buckets[best][1:]
	}
	return out
}

func pickBucket(buckets map[types.AtomType][]types.Atom, order []types.AtomType, blocked types.AtomType, hasBlock bool) types.AtomType {
	var best types.AtomType
	bestLen := 0
	for _, typ := range order {
		if hasBlock && typ == blocked {
			continue
		}
		if len(buckets[typ]) > bestLen {
			bestLen = len(buckets[typ])
			best = typ
		}
	}
	return best
}

// buildWar ignores quotas and picks by weakness: most lapses first, then
// lowest retrievability.
func (il *Interleaver) buildWar(pool []types.Atom, n int) []types.Atom {
	now := il.now()
	sorted := make([]types.Atom, len(pool))
	copy(sorted, pool)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.FSRS.Lapses != b.FSRS.Lapses {
			return a.FSRS.Lapses > b.FSRS.Lapses
		}
		ra := scheduler.Retrievability(a.FSRS, now)
		rb := scheduler.Retrievability(b.FSRS, now)
		if ra != rb {
			return ra < rb
		}
		return a.ID < b.ID
	})
	return interleave(take(sorted, n))
}

func sortDeterministic(atoms []types.Atom) {
	sort.Slice(atoms, func(i, j int) bool { return atoms[i].ID < atoms[j].ID })
}

func take(atoms []types.Atom, n int) []types.Atom {
	if len(atoms) <= n {
		return append([]types.Atom(nil), atoms...)
	}
	return append([]types.Atom(nil), atoms[:n]...)
}

func topUp(selected, pool []types.Atom, n int) []types.Atom {
	chosen := make(map[string]struct{}, len(selected))
	for _, a := range selected {
		chosen[a.ID] = struct{}{}
	}
	for i := range pool {
		if len(selected) >= n {
			break
		}
		if _, ok := chosen[pool[i].ID]; ok {
			continue
		}
		selected = append(selected, pool[i])
		chosen[pool[i].ID] = struct{}{}
	}
	return selected
}
