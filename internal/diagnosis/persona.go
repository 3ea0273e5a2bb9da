package diagnosis

import (
	"time"

	"mnemo/internal/logging"
	"mnemo/internal/store"
	"mnemo/internal/types"
)

// EMA weights: persona moves slowly, one response shifts a dimension by 10%.
const (
	emaKeep    = 0.9
	emaObserve = 0.1
)

// Engine couples the pure classifier with persona persistence.
type Engine struct {
	store *store.Store
}

// NewEngine builds a diagnosis engine over the store.
func NewEngine(st *store.Store) *Engine {
	return &Engine{store: st}
}

// Observe classifies a response, folds it into the persisted persona, and
// returns the diagnosis.
func (e *Engine) Observe(atom *types.Atom, resp *types.Response, history []types.Response, confusables []string) (types.Diagnosis, error) {
	d := Diagnose(atom, resp, history, confusables)
	logging.DiagnosisDebug("Atom %s: rule=%s fail=%s success=%s remediation=%s",
		d.AtomID, d.Rule, d.FailMode, d.SuccessMode, d.Remediation)

	persona, err := e.store.GetPersona()
	if err != nil {
		return d, err
	}
	UpdatePersona(persona, atom, resp)
	if err := e.store.SavePersona(persona); err != nil {
		return d, err
	}
	return d, nil
}

// UpdatePersona folds one observation into the persona by EMA.
func UpdatePersona(p *types.LearnerPersona, atom *types.Atom, resp *types.Response) {
	observed := 0.0
	if resp.IsCorrect {
		observed = 1.0
	}

	if p.Strengths == nil {
		p.Strengths = map[types.KnowledgeType]float64{}
	}
	kt := atom.KnowledgeType
	if kt == "" {
		kt = types.KnowledgeDeclarative
	}
	prior, ok := p.Strengths[kt]
	if !ok {
		prior = 0.5
	}
	p.Strengths[kt] = emaKeep*prior + emaObserve*observed

	if p.Effectiveness == nil {
		p.Effectiveness = map[string]float64{}
	}
	mech := string(atom.Type)
	prior, ok = p.Effectiveness[mech]
	if !ok {
		prior = 0.5
	}
	p.Effectiveness[mech] = emaKeep*prior + emaObserve*observed

	p.ProcessingSpeed = speedBucket(p.ProcessingSpeed, resp)
	p.UpdatedAt = time.Now()
}

// speedBucket nudges the speed classification toward the observed response.
// A single response only flips the bucket when it agrees with the current
// half of the quadrant (EMA-like hysteresis without extra state).
func speedBucket(current types.ProcessingSpeed, resp *types.Response) types.ProcessingSpeed {
	fast := resp.ResponseTimeMs < fluentMs
	switch {
	case fast && resp.IsCorrect:
		return types.SpeedFastAccurate
	case fast && !resp.IsCorrect:
		if current == types.SpeedFastInaccurate || current == types.SpeedFastAccurate {
			return types.SpeedFastInaccurate
		}
		return current
	case !fast && resp.IsCorrect:
		if current == types.SpeedFastAccurate {
			return current
		}
		return types.SpeedSlowAccurate
	default:
		if current == types.SpeedSlowInaccurate || current == types.SpeedSlowAccurate {
			return types.SpeedSlowInaccurate
		}
		return current
	}
}
