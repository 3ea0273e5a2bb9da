package review

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"mnemo/internal/config"
	"mnemo/internal/store"
	"mnemo/internal/types"
)

// fakeGenerator returns a scripted JSON payload for every prompt.
type fakeGenerator struct {
	payload string
	err     error
	calls   int
}

func (f *fakeGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	return f.payload, f.err
}

func (f *fakeGenerator) GenerateJSON(ctx context.Context, prompt string, out interface{}) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	return json.Unmarshal([]byte(f.payload), out)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func newQueue(st *store.Store, gen *fakeGenerator) *Queue {
	if gen == nil {
		return New(st, nil, (&config.Config{}).GetQuality())
	}
	return New(st, gen, (&config.Config{}).GetQuality())
}

func insertFlaggedAtom(t *testing.T, st *store.Store, id string, issues ...types.IssueKind) {
	t.Helper()
	atom := &types.Atom{
		ID:            id,
		Front:         "TCP",
		Back:          "1. reliable 2. ordered 3. connection-oriented",
		Type:          types.TypeFlashcard,
		Source:        types.SourceNotion,
		SourceRef:     "ref-" + id,
		QualityGrade:  types.GradeF,
		QualityScore:  30,
		QualityIssues: issues,
		Flags:         types.AtomFlags{NeedsRewrite: true},
	}
	if err := st.InsertAtom(atom); err != nil {
		t.Fatalf("InsertAtom(%s): %v", id, err)
	}
}

const improvePayload = `{"front": "What is TCP?", "back": "A transport protocol"}`

const splitPayload = `{"cards": [
	{"front": "Is TCP reliable?", "back": "Yes, delivery is acknowledged"},
	{"front": "Does TCP preserve ordering?", "back": "Yes, via sequence numbers"}
]}`

func TestEnqueueImproveSuggestion(t *testing.T) {
	st := newTestStore(t)
	insertFlaggedAtom(t, st, "a1", types.IssueVaguePrompt)

	q := newQueue(st, &fakeGenerator{payload: improvePayload})
	enqueued, failed, err := q.Enqueue(context.Background())
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if enqueued != 1 || failed != 0 {
		t.Fatalf("enqueued=%d failed=%d, want 1/0", enqueued, failed)
	}

	items, err := st.ListReviewItems(types.ReviewPending, 0)
	if err != nil {
		t.Fatalf("ListReviewItems: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("pending items = %d, want 1", len(items))
	}
	item := items[0]
	if item.RewriteType != types.RewriteImprove {
		t.Errorf("rewrite type = %s, want improve", item.RewriteType)
	}
	if item.SuggestedFront != "What is TCP?" || item.SuggestedBack != "A transport protocol" {
		t.Errorf("suggestion = %q/%q", item.SuggestedFront, item.SuggestedBack)
	}
	if item.EstimatedNewGrade != types.GradeA {
		t.Errorf("estimated grade = %s, want A", item.EstimatedNewGrade)
	}
}

func TestEnqueueSplitForEnumeratedAtom(t *testing.T) {
	st := newTestStore(t)
	insertFlaggedAtom(t, st, "a1", types.IssueEnumerationDetected)

	q := newQueue(st, &fakeGenerator{payload: splitPayload})
	if _, _, err := q.Enqueue(context.Background()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	items, _ := st.ListReviewItems(types.ReviewPending, 0)
	if len(items) != 1 {
		t.Fatalf("pending items = %d, want 1", len(items))
	}
	if items[0].RewriteType != types.RewriteSplit {
		t.Errorf("rewrite type = %s, want split", items[0].RewriteType)
	}
	if len(items[0].SplitSuggestions) != 2 {
		t.Errorf("split suggestions = %d, want 2", len(items[0].SplitSuggestions))
	}
}

func TestEnqueueDoesNotStackDuplicates(t *testing.T) {
	st := newTestStore(t)
	insertFlaggedAtom(t, st, "a1", types.IssueVaguePrompt)

	gen := &fakeGenerator{payload: improvePayload}
	q := newQueue(st, gen)
	if _, _, err := q.Enqueue(context.Background()); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	enqueued, _, err := q.Enqueue(context.Background())
	if err != nil {
		t.Fatalf("second Enqueue: %v", err)
	}
	if enqueued != 0 {
		t.Errorf("second enqueue added %d items, want 0", enqueued)
	}
	if gen.calls != 1 {
		t.Errorf("generator called %d times, want 1", gen.calls)
	}
}

func TestEnqueueWithoutLLMDegradesToErrorItems(t *testing.T) {
	st := newTestStore(t)
	insertFlaggedAtom(t, st, "a1", types.IssueVaguePrompt)

	enqueued, failed, err := newQueue(st, nil).Enqueue(context.Background())
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if enqueued != 0 || failed != 1 {
		t.Errorf("enqueued=%d failed=%d, want 0/1", enqueued, failed)
	}

	items, _ := st.ListReviewItems(types.ReviewError, 0)
	if len(items) != 1 {
		t.Errorf("error items = %d, want 1", len(items))
	}
}

func TestApproveImproveOverwritesAtom(t *testing.T) {
	st := newTestStore(t)
	insertFlaggedAtom(t, st, "a1", types.IssueVaguePrompt)
	q := newQueue(st, &fakeGenerator{payload: improvePayload})
	if _, _, err := q.Enqueue(context.Background()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	items, _ := st.ListReviewItems(types.ReviewPending, 0)
	before, _ := st.GetAtom("a1")

	if err := q.Approve(items[0].ID, "looks right"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	after, err := st.GetAtom("a1")
	if err != nil {
		t.Fatalf("GetAtom: %v", err)
	}
	if after.Front != "What is TCP?" || after.Back != "A transport protocol" {
		t.Errorf("atom not overwritten: %q/%q", after.Front, after.Back)
	}
	if after.Version != before.Version+1 {
		t.Errorf("version = %d, want %d", after.Version, before.Version+1)
	}
	// The approval re-analyzes instead of trusting the estimate.
	if after.QualityGrade != types.GradeA || after.Flags.NeedsRewrite {
		t.Errorf("post-approval grade=%s needsRewrite=%v", after.QualityGrade, after.Flags.NeedsRewrite)
	}

	item, _ := st.GetReviewItem(items[0].ID)
	if item.Status != types.ReviewApproved || item.ReviewerNote != "looks right" {
		t.Errorf("item = %s/%q, want approved with note", item.Status, item.ReviewerNote)
	}

	// A second approval of the same item is refused.
	if err := q.Approve(items[0].ID, ""); err == nil {
		t.Error("re-approving an approved item should fail")
	}
}

func TestApproveSplitSupersedesParent(t *testing.T) {
	st := newTestStore(t)
	insertFlaggedAtom(t, st, "parent", types.IssueEnumerationDetected)
	q := newQueue(st, &fakeGenerator{payload: splitPayload})
	if _, _, err := q.Enqueue(context.Background()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	items, _ := st.ListReviewItems(types.ReviewPending, 0)

	if err := q.Approve(items[0].ID, ""); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	parent, _ := st.GetAtom("parent")
	if parent.Flags.SupersededBy == "" {
		t.Error("parent must be marked superseded")
	}

	live, err := st.ListAtoms(store.AtomFilter{ExcludeSuperseded: true})
	if err != nil {
		t.Fatalf("ListAtoms: %v", err)
	}
	if len(live) != 2 {
		t.Fatalf("live atoms = %d, want the 2 children", len(live))
	}
	for _, child := range live {
		if child.ParentID != "parent" || child.Source != types.SourceAIGenerated {
			t.Errorf("child = parent=%s source=%s, want lineage to the split", child.ParentID, child.Source)
		}
		if !child.QualityGrade.AtLeast(types.GradeB) {
			t.Errorf("child grade = %s, want >= B", child.QualityGrade)
		}
	}
}

func TestApproveSplitRejectsWeakChild(t *testing.T) {
	st := newTestStore(t)
	insertFlaggedAtom(t, st, "parent", types.IssueEnumerationDetected)
	// Second card keeps the enumerated back, so it re-grades F.
	weakSplit := `{"cards": [
		{"front": "Is TCP reliable?", "back": "Yes, delivery is acknowledged"},
		{"front": "List TCP properties", "back": "1. reliable 2. ordered 3. connection-oriented"}
	]}`
	q := newQueue(st, &fakeGenerator{payload: weakSplit})
	if _, _, err := q.Enqueue(context.Background()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	items, _ := st.ListReviewItems(types.ReviewPending, 0)
	before, _ := st.GetAtom("parent")

	err := q.Approve(items[0].ID, "")
	if err == nil || !strings.Contains(err.Error(), "split rejected") {
		t.Fatalf("Approve error = %v, want split rejection", err)
	}

	// The parent is untouched and no children exist.
	after, _ := st.GetAtom("parent")
	if after.Version != before.Version || after.Flags.SupersededBy != "" {
		t.Errorf("rejected split touched the parent: %+v", after)
	}
	live, _ := st.ListAtoms(store.AtomFilter{ExcludeSuperseded: true})
	if len(live) != 1 {
		t.Errorf("live atoms = %d, want only the parent", len(live))
	}

	item, _ := st.GetReviewItem(items[0].ID)
	if item.Status != types.ReviewRejected {
		t.Errorf("item status = %s, want rejected", item.Status)
	}
}

func TestApproveStaleAtom(t *testing.T) {
	st := newTestStore(t)
	insertFlaggedAtom(t, st, "a1", types.IssueVaguePrompt)
	q := newQueue(st, &fakeGenerator{payload: improvePayload})
	if _, _, err := q.Enqueue(context.Background()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	items, _ := st.ListReviewItems(types.ReviewPending, 0)

	atom, _ := st.GetAtom("a1")
	updated := *atom
	err := st.ApproveImprove(items[0].ID, &updated, atom.Version+7, "")
	if !errors.Is(err, store.ErrStaleAtom) {
		t.Fatalf("error = %v, want ErrStaleAtom", err)
	}

	// The failed approval left the item pending.
	item, _ := st.GetReviewItem(items[0].ID)
	if item.Status != types.ReviewPending {
		t.Errorf("item status = %s, want pending after a stale approval", item.Status)
	}
}

func TestRejectRecordsReason(t *testing.T) {
	st := newTestStore(t)
	insertFlaggedAtom(t, st, "a1", types.IssueVaguePrompt)
	q := newQueue(st, &fakeGenerator{payload: improvePayload})
	if _, _, err := q.Enqueue(context.Background()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	items, _ := st.ListReviewItems(types.ReviewPending, 0)

	if err := q.Reject(items[0].ID, "loses nuance"); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	item, _ := st.GetReviewItem(items[0].ID)
	if item.Status != types.ReviewRejected || item.ReviewerNote != "loses nuance" {
		t.Errorf("item = %s/%q, want rejected with reason", item.Status, item.ReviewerNote)
	}

	if err := q.Reject(items[0].ID, "again"); err == nil {
		t.Error("rejecting a settled item should fail")
	}
	atom, _ := st.GetAtom("a1")
	if atom.Front != "TCP" {
		t.Error("reject must not mutate the atom")
	}
}

func TestEditThenApprove(t *testing.T) {
	st := newTestStore(t)
	insertFlaggedAtom(t, st, "a1", types.IssueVaguePrompt)
	q := newQueue(st, &fakeGenerator{payload: improvePayload})
	if _, _, err := q.Enqueue(context.Background()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	items, _ := st.ListReviewItems(types.ReviewPending, 0)

	if err := q.Edit(items[0].ID, "What protocol guarantees delivery?", "TCP", nil); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	item, _ := st.GetReviewItem(items[0].ID)
	if item.Status != types.ReviewEdited {
		t.Fatalf("status = %s, want edited", item.Status)
	}
	if item.SuggestedFront != "What protocol guarantees delivery?" || item.SuggestedBack != "TCP" {
		t.Errorf("edited suggestion = %q/%q", item.SuggestedFront, item.SuggestedBack)
	}

	if err := q.Approve(items[0].ID, ""); err != nil {
		t.Fatalf("Approve after edit: %v", err)
	}
	atom, _ := st.GetAtom("a1")
	if atom.Back != "TCP" {
		t.Errorf("atom back = %q, want the edited suggestion", atom.Back)
	}
}

func TestAutoApproveThreshold(t *testing.T) {
	st := newTestStore(t)
	insertFlaggedAtom(t, st, "a1", types.IssueVaguePrompt)
	q := newQueue(st, &fakeGenerator{payload: improvePayload})
	if _, _, err := q.Enqueue(context.Background()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Improvement is well over 20 points (F-grade original, A-grade rewrite).
	approved, err := q.AutoApprove(20)
	if err != nil {
		t.Fatalf("AutoApprove: %v", err)
	}
	if approved != 1 {
		t.Errorf("approved = %d, want 1", approved)
	}
	atom, _ := st.GetAtom("a1")
	if atom.Front != "What is TCP?" {
		t.Error("auto-approval did not apply the suggestion")
	}
}

func TestAutoApproveSkipsSmallGains(t *testing.T) {
	st := newTestStore(t)
	insertFlaggedAtom(t, st, "a1", types.IssueVaguePrompt)
	q := newQueue(st, &fakeGenerator{payload: improvePayload})
	if _, _, err := q.Enqueue(context.Background()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	approved, err := q.AutoApprove(95)
	if err != nil {
		t.Fatalf("AutoApprove: %v", err)
	}
	if approved != 0 {
		t.Errorf("approved = %d, want 0 below the improvement bar", approved)
	}
	items, _ := st.ListReviewItems(types.ReviewPending, 0)
	if len(items) != 1 {
		t.Errorf("pending items = %d, want the untouched suggestion", len(items))
	}
}
