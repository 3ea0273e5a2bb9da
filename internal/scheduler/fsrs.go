// Package scheduler implements the FSRS spaced-repetition policy: per-atom
// stability, difficulty and retrievability, updated on every graded response.
// Updates for one atom are serialized through the store's atom-keyed lock.
package scheduler

import (
	"fmt"
	"math"
	"time"

	"mnemo/internal/logging"
	"mnemo/internal/store"
	"mnemo/internal/types"
)

const (
	minStabilityDays = 0.25 // six hours
	maxIntervalDays  = 365

	easyResponseMs = 2000
)

// Scheduler applies response grades to atom FSRS state.
type Scheduler struct {
	store           *store.Store
	targetRetention float64
}

// New builds a scheduler. targetRetention defaults to 0.90 when out of range.
func New(st *store.Store, targetRetention float64) *Scheduler {
	if targetRetention <= 0 || targetRetention >= 1 {
		targetRetention = 0.90
	}
	return &Scheduler{store: st, targetRetention: targetRetention}
}

// InferGrade maps a raw response to an FSRS grade: incorrect is Again, a
// hint demotes to Hard, fast correct answers promote to Easy.
func InferGrade(r *types.Response) types.ReviewGrade {
	if !r.IsCorrect {
		return types.GradeAgain
	}
	if r.HintUsed {
		return types.GradeHard
	}
	if r.ResponseTimeMs < easyResponseMs {
		return types.GradeEasy
	}
	return types.GradeGood
}

// Apply updates one atom's FSRS state for a graded response and persists it.
// The atom-keyed lock serializes concurrent sessions on the same atom.
func (s *Scheduler) Apply(atomID string, grade types.ReviewGrade, at time.Time) (*types.FSRSState, error) {
	var result *types.FSRSState
	err := s.store.WithAtomLock(atomID, func() error {
		atom, err := s.store.GetAtom(atomID)
		if err != nil {
			return err
		}
		next := Advance(atom.FSRS, grade, at)
		if err := s.store.UpdateFSRS(atomID, next); err != nil {
			return err
		}
		logging.SchedulerDebug("Atom %s: grade=%s stability=%.2fd difficulty=%.2f next=%s",
			atomID, grade, next.StabilityDays, next.Difficulty,
			next.NextReview.Format("2006-01-02"))
		result = &next
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply grade to atom %s: %w", atomID, err)
	}
	return result, nil
}

// Advance is the pure FSRS transition: given prior state and a grade, it
// returns the post-response state. Success never decreases stability; a
// lapse halves it, except at the minimum-stability floor where it stays put
// (lapses and retrievability still register the failure).
func Advance(prior types.FSRSState, grade types.ReviewGrade, at time.Time) types.FSRSState {
	next := prior

	// Difficulty drifts toward easy on Good/Easy, toward hard on Again/Hard.
	switch grade {
	case types.GradeAgain, types.GradeHard:
		next.Difficulty = clamp(prior.Difficulty+0.1, 0, 1)
	default:
		next.Difficulty = clamp(prior.Difficulty-0.05, 0, 1)
	}

	success := grade != types.GradeAgain
	if prior.StabilityDays < minStabilityDays {
		next.StabilityDays = minStabilityDays
	}
	if success {
		g := growth(prior.ReviewCount)
		if grade == types.GradeHard {
			g *= 0.5
		}
		if grade == types.GradeEasy {
			g *= 1.3
		}
		next.StabilityDays = next.StabilityDays * (1 + g)
		next.Retrievability = 0.95
	} else {
		next.StabilityDays = math.Max(next.StabilityDays*0.5, minStabilityDays)
		next.Retrievability = math.Min(0.70*prior.Retrievability, 0.70)
		next.Lapses++
	}
	next.ReviewCount++

	interval := math.Min(next.StabilityDays, maxIntervalDays)
	reviewTime := at
	nextReview := at.Add(time.Duration(interval * 24 * float64(time.Hour)))
	next.LastReview = &reviewTime
	next.NextReview = &nextReview
	return next
}

// growth is the stability growth factor by review maturity: young cards grow
// fast, mature cards settle toward steady exponential spacing.
func growth(reviewCount int) float64 {
	switch {
	case reviewCount == 0:
		return 2.5
	case reviewCount < 3:
		return 1.8
	case reviewCount < 6:
		return 1.2
	default:
		return 0.8
	}
}

// Retrievability estimates recall probability at time now given the stored
// state, decaying exponentially with time since review.
func Retrievability(state types.FSRSState, now time.Time) float64 {
	if state.LastReview == nil || state.StabilityDays <= 0 {
		return 0
	}
	elapsedDays := now.Sub(*state.LastReview).Hours() / 24
	if elapsedDays <= 0 {
		return state.Retrievability
	}
	// Decays to 90% of baseline after one full stability interval.
	return state.Retrievability * math.Exp(math.Log(0.9)*elapsedDays/state.StabilityDays)
}

// Due reports whether the atom is due at now. New atoms (never reviewed) are
// due immediately.
func Due(state types.FSRSState, now time.Time) bool {
	if state.NextReview == nil {
		return true
	}
	return !state.NextReview.After(now)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
