package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mnemo/internal/curriculum"
	"mnemo/internal/diagnosis"
	"mnemo/internal/logging"
	"mnemo/internal/metrics"
	"mnemo/internal/scheduler"
	"mnemo/internal/store"
	"mnemo/internal/types"
)

// =============================================================================
// SESSION RUNNER
// =============================================================================
//
// The runner is the single consumer of a response channel: exactly one
// response is in flight at a time, so FSRS updates and persona EMA never
// race within a session. Every autosaveEvery responses the position is
// persisted; Resume picks up from the last autosave.

// Answer is one learner response submitted to the runner.
type Answer struct {
	AtomID         string
	IsCorrect      bool
	ResponseTimeMs int
	HintUsed       bool
	ChosenOption   string
}

// Outcome is what the runner reports back per answer.
type Outcome struct {
	Diagnosis types.Diagnosis
	FSRS      *types.FSRSState
	Err       error
}

// state is the autosaved session snapshot.
type state struct {
	SessionID string    `json:"session_id"`
	AtomIDs   []string  `json:"atom_ids"`
	Position  int       `json:"position"`
	StartedAt time.Time `json:"started_at"`
}

// Runner drives one study session.
type Runner struct {
	store *store.Store
	sched *scheduler.Scheduler
	diag  *diagnosis.Engine
	cur   *curriculum.Curriculum

	sessionID     string
	queue         []types.Atom
	position      int
	startedAt     time.Time
	autosaveEvery int

	history []types.Response // recent responses, capped at 10
}

// NewRunner builds a runner over a prepared queue.
func NewRunner(st *store.Store, sched *scheduler.Scheduler, diag *diagnosis.Engine, cur *curriculum.Curriculum, queue []types.Atom, autosaveEvery int) *Runner {
	if autosaveEvery <= 0 {
		autosaveEvery = 5
	}
	return &Runner{
		store:         st,
		sched:         sched,
		diag:          diag,
		cur:           cur,
		sessionID:     uuid.NewString(),
		queue:         queue,
		startedAt:     time.Now(),
		autosaveEvery: autosaveEvery,
	}
}

// Resume rebuilds a runner from the latest autosaved session. Returns
// store.ErrNotFound when there is nothing to resume.
func Resume(st *store.Store, sched *scheduler.Scheduler, diag *diagnosis.Engine, cur *curriculum.Curriculum, autosaveEvery int) (*Runner, error) {
	sessionID, data, err := st.LatestSessionState()
	if err != nil {
		return nil, err
	}
	var s state
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode session state: %w", err)
	}
	if s.Position >= len(s.AtomIDs) {
		return nil, fmt.Errorf("session %s: %w", sessionID, store.ErrNotFound)
	}

	var queue []types.Atom
	for _, id := range s.AtomIDs {
		atom, err := st.GetAtom(id)
		if err != nil {
			logging.StudyDebug("Resume dropping atom %s: %v", id, err)
			continue
		}
		queue = append(queue, *atom)
	}

	r := NewRunner(st, sched, diag, cur, queue, autosaveEvery)
	r.sessionID = s.SessionID
	r.position = s.Position
	r.startedAt = s.StartedAt
	logging.Study("Resumed session %s at position %d/%d", s.SessionID, s.Position, len(queue))
	return r, nil
}

// SessionID returns the session identifier.
func (r *Runner) SessionID() string { return r.sessionID }

// Remaining returns how many atoms are left.
func (r *Runner) Remaining() int { return len(r.queue) - r.position }

// Current returns the atom awaiting an answer, nil when the session is done.
func (r *Runner) Current() *types.Atom {
	if r.position >= len(r.queue) {
		return nil
	}
	return &r.queue[r.position]
}

// Run consumes answers until the channel closes, the queue empties, or the
// context is cancelled. Outcomes are emitted in submission order; the out
// channel closes when the session ends.
func (r *Runner) Run(ctx context.Context, answers <-chan Answer) <-chan Outcome {
	out := make(chan Outcome)
	metrics.SessionsTotal.Inc()
	logging.Study("Session %s started: %d atoms", r.sessionID, len(r.queue))

	go func() {
		defer close(out)
		defer r.save()

		for r.position < len(r.queue) {
			select {
			case <-ctx.Done():
				logging.Study("Session %s interrupted at %d/%d", r.sessionID, r.position, len(r.queue))
				return
			case ans, ok := <-answers:
				if !ok {
					logging.Study("Session %s ended early at %d/%d", r.sessionID, r.position, len(r.queue))
					return
				}
				outcome := r.apply(&ans)
				select {
				case out <- outcome:
				case <-ctx.Done():
					return
				}
			}
		}
		logging.Study("Session %s complete: %d responses", r.sessionID, r.position)
	}()
	return out
}

// apply processes one answer: append-only response log, FSRS update under
// the atom lock, diagnosis + persona EMA, periodic autosave.
func (r *Runner) apply(ans *Answer) Outcome {
	atom := r.Current()
	if atom == nil {
		return Outcome{Err: fmt.Errorf("session %s has no open atom", r.sessionID)}
	}
	if ans.AtomID != "" && ans.AtomID != atom.ID {
		return Outcome{Err: fmt.Errorf("answer targets atom %s but %s is current", ans.AtomID, atom.ID)}
	}

	resp := &types.Response{
		AtomID:         atom.ID,
		SessionID:      r.sessionID,
		IsCorrect:      ans.IsCorrect,
		ResponseTimeMs: ans.ResponseTimeMs,
		HintUsed:       ans.HintUsed,
		ChosenOption:   ans.ChosenOption,
		Timestamp:      time.Now(),
	}
	if err := r.store.AppendResponse(resp); err != nil {
		return Outcome{Err: err}
	}
	outcomeLabel := "incorrect"
	if resp.IsCorrect {
		outcomeLabel = "correct"
	}
	metrics.ResponsesTotal.WithLabelValues(outcomeLabel).Inc()

	grade := scheduler.InferGrade(resp)
	fsrs, err := r.sched.Apply(atom.ID, grade, resp.Timestamp)
	if err != nil {
		return Outcome{Err: err}
	}

	var confusables []string
	if r.cur != nil {
		confusables = r.cur.Confusables(atom.ConceptIDs)
	}
	diag, err := r.diag.Observe(atom, resp, r.history, confusables)
	if err != nil {
		return Outcome{Diagnosis: diag, FSRS: fsrs, Err: err}
	}

	r.history = append(r.history, *resp)
	if len(r.history) > 10 {
		r.history = r.history[len(r.history)-10:]
	}
	r.position++

	if r.position%r.autosaveEvery == 0 {
		r.save()
	}
	return Outcome{Diagnosis: diag, FSRS: fsrs}
}

func (r *Runner) save() {
	s := state{
		SessionID: r.sessionID,
		AtomIDs:   make([]string, len(r.queue)),
		Position:  r.position,
		StartedAt: r.startedAt,
	}
	for i, a := range r.queue {
		s.AtomIDs[i] = a.ID
	}
	data, err := json.Marshal(s)
	if err != nil {
		logging.StudyDebug("Autosave encode failed: %v", err)
		return
	}
	if err := r.store.SaveSessionState(r.sessionID, data); err != nil {
		logging.StudyDebug("Autosave failed: %v", err)
	}
}
