package session

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/goleak"

	"mnemo/internal/diagnosis"
	"mnemo/internal/scheduler"
	"mnemo/internal/store"
	"mnemo/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newRunnerStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func seedQueue(t *testing.T, st *store.Store, n int) []types.Atom {
	t.Helper()
	queue := make([]types.Atom, n)
	for i := range queue {
		queue[i] = types.Atom{
			ID:     string(rune('a'+i)) + "-atom",
			Front:  "Q?",
			Back:   "A",
			Type:   types.TypeFlashcard,
			Source: types.SourceManual,
		}
		if err := st.InsertAtom(&queue[i]); err != nil {
			t.Fatalf("InsertAtom: %v", err)
		}
	}
	return queue
}

func newTestRunner(st *store.Store, queue []types.Atom, autosaveEvery int) *Runner {
	return NewRunner(st, scheduler.New(st, 0.90), diagnosis.NewEngine(st), nil, queue, autosaveEvery)
}

func TestRunProcessesAnswersInOrder(t *testing.T) {
	st := newRunnerStore(t)
	queue := seedQueue(t, st, 3)
	r := newTestRunner(st, queue, 5)

	answers := make(chan Answer)
	outcomes := r.Run(context.Background(), answers)

	for i := 0; i < 3; i++ {
		answers <- Answer{IsCorrect: true, ResponseTimeMs: 2500}
		o := <-outcomes
		if o.Err != nil {
			t.Fatalf("answer %d: %v", i, o.Err)
		}
		if o.FSRS == nil || o.FSRS.ReviewCount != 1 {
			t.Errorf("answer %d: fsrs = %+v, want one review", i, o.FSRS)
		}
		if !o.Diagnosis.IsCorrect || o.Diagnosis.SuccessMode == "" {
			t.Errorf("answer %d: diagnosis = %+v", i, o.Diagnosis)
		}
	}
	close(answers)
	if _, ok := <-outcomes; ok {
		t.Error("outcome channel should close when the queue empties")
	}

	// Every response hit the append-only log under this session.
	responses, err := st.ResponsesForSession(r.SessionID())
	if err != nil {
		t.Fatalf("ResponsesForSession: %v", err)
	}
	if len(responses) != 3 {
		t.Errorf("logged responses = %d, want 3", len(responses))
	}

	// Scheduling state persisted per atom.
	atom, err := st.GetAtom(queue[0].ID)
	if err != nil {
		t.Fatalf("GetAtom: %v", err)
	}
	if atom.FSRS.ReviewCount != 1 || atom.FSRS.NextReview == nil {
		t.Errorf("atom fsrs = %+v, want persisted review", atom.FSRS)
	}
}

func TestRunAutosavesEveryN(t *testing.T) {
	st := newRunnerStore(t)
	queue := seedQueue(t, st, 4)
	r := newTestRunner(st, queue, 2)

	answers := make(chan Answer)
	outcomes := r.Run(context.Background(), answers)

	answers <- Answer{IsCorrect: true, ResponseTimeMs: 2500}
	<-outcomes

	// One answer in: below the cadence, nothing saved yet.
	if _, err := st.LoadSessionState(r.SessionID()); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("state after 1 answer: err = %v, want ErrNotFound", err)
	}

	answers <- Answer{IsCorrect: false, ResponseTimeMs: 4000}
	<-outcomes

	if _, err := st.LoadSessionState(r.SessionID()); err != nil {
		t.Errorf("state after 2 answers: %v, want an autosave", err)
	}

	close(answers)
	for range outcomes {
	}
}

func TestRunStopsWhenAnswersClose(t *testing.T) {
	st := newRunnerStore(t)
	queue := seedQueue(t, st, 3)
	r := newTestRunner(st, queue, 5)

	answers := make(chan Answer)
	outcomes := r.Run(context.Background(), answers)

	answers <- Answer{IsCorrect: true, ResponseTimeMs: 2000}
	<-outcomes
	close(answers)
	for range outcomes {
	}

	// Closing mid-session still persists the position for resume.
	if _, err := st.LoadSessionState(r.SessionID()); err != nil {
		t.Errorf("no final save on early close: %v", err)
	}
	if r.Remaining() != 2 {
		t.Errorf("remaining = %d, want 2", r.Remaining())
	}
}

func TestRunRejectsMismatchedAtom(t *testing.T) {
	st := newRunnerStore(t)
	queue := seedQueue(t, st, 2)
	r := newTestRunner(st, queue, 5)

	answers := make(chan Answer)
	outcomes := r.Run(context.Background(), answers)

	answers <- Answer{AtomID: "someone-else", IsCorrect: true, ResponseTimeMs: 2000}
	o := <-outcomes
	if o.Err == nil {
		t.Error("mismatched atom id should surface an error outcome")
	}
	if r.Current() == nil || r.Current().ID != queue[0].ID {
		t.Error("a failed answer must not advance the session")
	}

	close(answers)
	for range outcomes {
	}
}

func TestResumePicksUpWhereSaved(t *testing.T) {
	st := newRunnerStore(t)
	queue := seedQueue(t, st, 3)
	first := newTestRunner(st, queue, 1)

	answers := make(chan Answer)
	outcomes := first.Run(context.Background(), answers)
	answers <- Answer{IsCorrect: true, ResponseTimeMs: 2000}
	<-outcomes
	answers <- Answer{IsCorrect: false, ResponseTimeMs: 4000}
	<-outcomes
	close(answers)
	for range outcomes {
	}

	resumed, err := Resume(st, scheduler.New(st, 0.90), diagnosis.NewEngine(st), nil, 1)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.SessionID() != first.SessionID() {
		t.Errorf("resumed session id = %s, want %s", resumed.SessionID(), first.SessionID())
	}
	if resumed.Remaining() != 1 {
		t.Errorf("remaining = %d, want 1", resumed.Remaining())
	}
	if cur := resumed.Current(); cur == nil || cur.ID != queue[2].ID {
		t.Errorf("current = %v, want the third atom", cur)
	}

	// Finish the resumed session.
	answers = make(chan Answer)
	outcomes = resumed.Run(context.Background(), answers)
	answers <- Answer{IsCorrect: true, ResponseTimeMs: 2000}
	if o := <-outcomes; o.Err != nil {
		t.Fatalf("resumed answer: %v", o.Err)
	}
	close(answers)
	for range outcomes {
	}
	if resumed.Remaining() != 0 {
		t.Errorf("remaining after finish = %d, want 0", resumed.Remaining())
	}
}

func TestResumeWithNothingSaved(t *testing.T) {
	st := newRunnerStore(t)
	_, err := Resume(st, scheduler.New(st, 0.90), diagnosis.NewEngine(st), nil, 5)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Resume error = %v, want ErrNotFound", err)
	}
}

func TestResumeExhaustedSession(t *testing.T) {
	st := newRunnerStore(t)
	queue := seedQueue(t, st, 1)
	r := newTestRunner(st, queue, 1)

	answers := make(chan Answer)
	outcomes := r.Run(context.Background(), answers)
	answers <- Answer{IsCorrect: true, ResponseTimeMs: 2000}
	<-outcomes
	close(answers)
	for range outcomes {
	}

	_, err := Resume(st, scheduler.New(st, 0.90), diagnosis.NewEngine(st), nil, 1)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Resume of a finished session: err = %v, want ErrNotFound", err)
	}
}

func TestRunHonorsContextCancel(t *testing.T) {
	st := newRunnerStore(t)
	queue := seedQueue(t, st, 3)
	r := newTestRunner(st, queue, 5)

	ctx, cancel := context.WithCancel(context.Background())
	answers := make(chan Answer)
	outcomes := r.Run(ctx, answers)

	answers <- Answer{IsCorrect: true, ResponseTimeMs: 2000}
	<-outcomes
	cancel()
	for range outcomes {
	}

	if r.Remaining() != 2 {
		t.Errorf("remaining = %d, want 2 after cancel", r.Remaining())
	}
}
