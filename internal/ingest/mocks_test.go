package ingest

import (
	"context"
	"sync"
	"time"

	"mnemo/internal/notion"
)

// sourceCall records one QueryDatabase invocation.
type sourceCall struct {
	DatabaseID string
	Cursor     string
	Since      *time.Time
}

// queryStep scripts one QueryDatabase response.
type queryStep struct {
	result notion.QueryResult
	err    error
}

// fakeSource is a scripted NotionSource: each call consumes the next step;
// an exhausted script returns an empty final page. onCall, when set, fires
// after a step is consumed with the 1-based call number.
type fakeSource struct {
	mu     sync.Mutex
	steps  []queryStep
	calls  []sourceCall
	onCall func(n int)
}

func (f *fakeSource) QueryDatabase(ctx context.Context, databaseID, cursor string, since *time.Time) (*notion.QueryResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, sourceCall{DatabaseID: databaseID, Cursor: cursor, Since: since})
	n := len(f.calls)
	var step queryStep
	if len(f.steps) > 0 {
		step = f.steps[0]
		f.steps = f.steps[1:]
	}
	hook := f.onCall
	f.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	if step.err != nil {
		return nil, step.err
	}
	return &step.result, nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSource) call(i int) sourceCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func page(id string, edited time.Time) notion.Page {
	return notion.Page{
		ID:             id,
		LastEditedTime: edited,
		Properties:     []byte(`{"Front":{"title":[]}}`),
	}
}
