package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"mnemo/internal/notion"
	"mnemo/internal/store"
	"mnemo/internal/types"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

var testDatabases = map[string]string{"notes": "db-notes"}

func TestSyncFullPaginates(t *testing.T) {
	st := newTestStore(t)
	edited := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	src := &fakeSource{steps: []queryStep{
		{result: notion.QueryResult{
			Pages:      []notion.Page{page("p1", edited), page("p2", edited.Add(time.Minute))},
			HasMore:    true,
			NextCursor: "cursor-2",
		}},
		{result: notion.QueryResult{
			Pages: []notion.Page{page("p3", edited.Add(2 * time.Minute))},
		}},
	}}

	run, err := New(st, src, testDatabases).Sync(context.Background(), Options{Mode: types.SyncFull})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if run.Status != types.RunCompleted {
		t.Errorf("status = %s, want completed", run.Status)
	}
	if run.Created != 3 || run.Updated != 0 {
		t.Errorf("created=%d updated=%d, want 3/0", run.Created, run.Updated)
	}

	if src.callCount() != 2 {
		t.Fatalf("source calls = %d, want 2", src.callCount())
	}
	if c := src.call(1); c.Cursor != "cursor-2" || c.DatabaseID != "db-notes" {
		t.Errorf("second call = %+v, want cursor-2 against db-notes", c)
	}
	if c := src.call(0); c.Since != nil {
		t.Errorf("full sync passed a watermark: %v", c.Since)
	}

	staged, err := st.ListStaged("notes")
	if err != nil {
		t.Fatalf("ListStaged: %v", err)
	}
	if len(staged) != 3 {
		t.Errorf("staged rows = %d, want 3", len(staged))
	}

	cp, err := st.GetCheckpoint("notes")
	if err != nil {
		t.Fatalf("GetCheckpoint: %v", err)
	}
	if cp.LastEditedWatermark == nil {
		t.Fatal("watermark not advanced")
	}
	if got, want := cp.LastEditedWatermark.Unix(), edited.Add(2*time.Minute).Unix(); got != want {
		t.Errorf("watermark = %d, want %d (newest edit)", got, want)
	}
}

func TestSyncIncrementalPassesWatermark(t *testing.T) {
	st := newTestStore(t)
	watermark := time.Now().UTC().Add(-24 * time.Hour).Truncate(time.Second)
	if err := st.AdvanceCheckpoint("notes", "", &watermark); err != nil {
		t.Fatalf("AdvanceCheckpoint: %v", err)
	}

	src := &fakeSource{}
	if _, err := New(st, src, testDatabases).Sync(context.Background(), Options{Mode: types.SyncIncremental}); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	c := src.call(0)
	if c.Since == nil {
		t.Fatal("incremental sync must pass the stored watermark")
	}
	if c.Since.Unix() != watermark.Unix() {
		t.Errorf("since = %v, want %v", c.Since, watermark)
	}
}

func TestSyncResyncIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	edited := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	script := func() []queryStep {
		return []queryStep{{result: notion.QueryResult{
			Pages: []notion.Page{page("p1", edited), page("p2", edited)},
		}}}
	}

	engine := New(st, &fakeSource{steps: script()}, testDatabases)
	first, err := engine.Sync(context.Background(), Options{Mode: types.SyncFull})
	if err != nil {
		t.Fatalf("first Sync: %v", err)
	}
	if first.Created != 2 {
		t.Fatalf("first run created = %d, want 2", first.Created)
	}

	second, err := New(st, &fakeSource{steps: script()}, testDatabases).
		Sync(context.Background(), Options{Mode: types.SyncFull})
	if err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if second.Created != 0 || second.Updated != 0 {
		t.Errorf("re-sync created=%d updated=%d, want 0/0 for unchanged pages",
			second.Created, second.Updated)
	}
	if second.Status != types.RunCompleted {
		t.Errorf("re-sync status = %s, want completed", second.Status)
	}
}

func TestSyncEditedPageCountsAsUpdated(t *testing.T) {
	st := newTestStore(t)
	edited := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Second)

	engine := New(st, &fakeSource{steps: []queryStep{
		{result: notion.QueryResult{Pages: []notion.Page{page("p1", edited)}}},
	}}, testDatabases)
	if _, err := engine.Sync(context.Background(), Options{Mode: types.SyncFull}); err != nil {
		t.Fatalf("first Sync: %v", err)
	}

	run, err := New(st, &fakeSource{steps: []queryStep{
		{result: notion.QueryResult{Pages: []notion.Page{page("p1", edited.Add(time.Hour))}}},
	}}, testDatabases).Sync(context.Background(), Options{Mode: types.SyncIncremental})
	if err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if run.Created != 0 || run.Updated != 1 {
		t.Errorf("created=%d updated=%d, want 0/1 for an edited page", run.Created, run.Updated)
	}
}

func TestSyncCancelStopsAtBatchBoundary(t *testing.T) {
	st := newTestStore(t)
	edited := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	src := &fakeSource{steps: []queryStep{
		{result: notion.QueryResult{
			Pages: []notion.Page{page("p1", edited), page("p2", edited.Add(time.Minute))},
		}},
	}}

	engine := New(st, src, testDatabases)
	src.onCall = func(n int) {
		if n == 1 {
			if !engine.Cancel("run-cancel") {
				t.Error("Cancel should find the active run")
			}
		}
	}

	run, err := engine.Sync(context.Background(), Options{
		Mode:      types.SyncFull,
		BatchSize: 1,
		RunID:     "run-cancel",
	})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if run.Status != types.RunCancelled {
		t.Errorf("status = %s, want cancelled", run.Status)
	}

	// The committed batch survives; the uncommitted one is discarded.
	staged, err := st.ListStaged("notes")
	if err != nil {
		t.Fatalf("ListStaged: %v", err)
	}
	if len(staged) != 1 || staged[0].ExternalID != "p1" {
		t.Errorf("staged after cancel = %+v, want only p1", staged)
	}
	cp, err := st.GetCheckpoint("notes")
	if err != nil {
		t.Fatalf("GetCheckpoint: %v", err)
	}
	if cp.LastEditedWatermark == nil || cp.LastEditedWatermark.Unix() != edited.Unix() {
		t.Errorf("watermark = %v, want the committed batch's edit time", cp.LastEditedWatermark)
	}
}

func TestSyncIncrementalNeverTombstones(t *testing.T) {
	st := newTestStore(t)
	edited := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)

	engine := New(st, &fakeSource{steps: []queryStep{
		{result: notion.QueryResult{Pages: []notion.Page{page("p1", edited), page("p2", edited)}}},
	}}, testDatabases)
	if _, err := engine.Sync(context.Background(), Options{Mode: types.SyncFull}); err != nil {
		t.Fatalf("seed Sync: %v", err)
	}

	// Incremental pull mentioning neither page says nothing about absence.
	run, err := New(st, &fakeSource{}, testDatabases).
		Sync(context.Background(), Options{Mode: types.SyncIncremental})
	if err != nil {
		t.Fatalf("incremental Sync: %v", err)
	}
	if run.Tombstoned != 0 {
		t.Errorf("incremental sync tombstoned %d rows", run.Tombstoned)
	}
	staged, err := st.ListStaged("notes")
	if err != nil {
		t.Fatalf("ListStaged: %v", err)
	}
	if len(staged) != 2 {
		t.Errorf("live rows = %d, want 2", len(staged))
	}
}

func TestSyncUnknownCollection(t *testing.T) {
	st := newTestStore(t)
	_, err := New(st, &fakeSource{}, testDatabases).
		Sync(context.Background(), Options{Collections: []string{"nope"}})
	if err == nil || !strings.Contains(err.Error(), "unknown collection") {
		t.Fatalf("error = %v, want unknown collection", err)
	}
}

func TestSyncSourceFailure(t *testing.T) {
	st := newTestStore(t)
	cause := errors.New("notion: 502")
	src := &fakeSource{steps: []queryStep{{err: cause}}}

	run, err := New(st, src, testDatabases).Sync(context.Background(), Options{Mode: types.SyncFull})
	if !errors.Is(err, cause) {
		t.Fatalf("error = %v, want the source failure", err)
	}
	if run.Status != types.RunFailed {
		t.Errorf("status = %s, want failed", run.Status)
	}

	cp, err := st.GetCheckpoint("notes")
	if err != nil {
		t.Fatalf("GetCheckpoint: %v", err)
	}
	if cp.ConsecutiveFailures != 1 {
		t.Errorf("consecutive failures = %d, want 1", cp.ConsecutiveFailures)
	}

	// A later success resets the streak.
	if _, err := New(st, &fakeSource{steps: []queryStep{
		{result: notion.QueryResult{Pages: []notion.Page{page("p1", time.Now().UTC())}}},
	}}, testDatabases).Sync(context.Background(), Options{Mode: types.SyncFull}); err != nil {
		t.Fatalf("recovery Sync: %v", err)
	}
	cp, _ = st.GetCheckpoint("notes")
	if cp.ConsecutiveFailures != 0 {
		t.Errorf("failures after recovery = %d, want 0", cp.ConsecutiveFailures)
	}
}

func TestSyncDryRunWritesNothing(t *testing.T) {
	st := newTestStore(t)
	src := &fakeSource{steps: []queryStep{
		{result: notion.QueryResult{Pages: []notion.Page{page("p1", time.Now().UTC())}}},
	}}

	run, err := New(st, src, testDatabases).
		Sync(context.Background(), Options{Mode: types.SyncFull, DryRun: true})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if run.Created != 1 {
		t.Errorf("dry run counted %d created, want 1", run.Created)
	}

	staged, err := st.ListStaged("notes")
	if err != nil {
		t.Fatalf("ListStaged: %v", err)
	}
	if len(staged) != 0 {
		t.Errorf("dry run staged %d rows", len(staged))
	}
	runs, err := st.ListRuns(store.RunKindSync, "", 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("dry run persisted %d runs", len(runs))
	}
}
